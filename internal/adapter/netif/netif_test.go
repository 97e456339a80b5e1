package netif

import (
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cidr(t *testing.T, s string) *net.IPNet {
	t.Helper()
	ip, n, err := net.ParseCIDR(s)
	require.NoError(t, err)
	n.IP = ip
	return n
}

func fakeLister(t *testing.T, v6 bool) *Lister {
	ifaces := []net.Interface{
		{Index: 1, Name: "lo", Flags: net.FlagUp | net.FlagLoopback},
		{Index: 2, Name: "eth0", Flags: net.FlagUp},
		{Index: 3, Name: "wlan0", Flags: 0},
		{Index: 4, Name: "docker0", Flags: net.FlagUp},
	}
	addrs := map[string][]net.Addr{
		"lo":      {cidr(t, "127.0.0.1/8")},
		"eth0":    {cidr(t, "192.168.1.5/24"), cidr(t, "fe80::1/64"), cidr(t, "2001:db8::5/64")},
		"wlan0":   {cidr(t, "10.1.1.1/24")},
		"docker0": {cidr(t, "172.17.0.1/16"), cidr(t, "169.254.10.1/16")},
	}
	return &Lister{
		IncludeIPv6: v6,
		interfaces:  func() ([]net.Interface, error) { return ifaces, nil },
		addrs:       func(i net.Interface) ([]net.Addr, error) { return addrs[i.Name], nil },
	}
}

func TestAddressesIPv4(t *testing.T) {
	got, err := fakeLister(t, false).Addresses()
	require.NoError(t, err)
	assert.Equal(t, []string{"192.168.1.5", "172.17.0.1"}, got)
}

func TestAddressesWithIPv6(t *testing.T) {
	got, err := fakeLister(t, true).Addresses()
	require.NoError(t, err)
	assert.Equal(t, []string{"192.168.1.5", "172.17.0.1", "2001:db8::5"}, got)
}

func TestAddressesError(t *testing.T) {
	l := &Lister{interfaces: func() ([]net.Interface, error) { return nil, errors.New("denied") }}
	_, err := l.Addresses()
	assert.ErrorContains(t, err, "denied")
}

func TestAddressesLive(t *testing.T) {
	got, err := NewLister(true).Addresses()
	require.NoError(t, err)
	for _, a := range got {
		ip := net.ParseIP(a)
		require.NotNil(t, ip, a)
		assert.False(t, ip.IsLoopback(), a)
	}
}
