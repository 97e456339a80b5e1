package netif

import (
	"fmt"
	"net"
)

// Lister enumerates addresses of local interfaces a device could use to
// reach this machine: interfaces that are up, excluding loopback and
// link-local addresses. IPv6 addresses are included only when enabled.
type Lister struct {
	IncludeIPv6 bool

	interfaces func() ([]net.Interface, error)
	addrs      func(net.Interface) ([]net.Addr, error)
}

// NewLister returns a Lister over the host's interfaces.
func NewLister(includeIPv6 bool) *Lister {
	return &Lister{
		IncludeIPv6: includeIPv6,
		interfaces:  net.Interfaces,
		addrs:       func(i net.Interface) ([]net.Addr, error) { return i.Addrs() },
	}
}

// Addresses implements domain.InterfaceLister. IPv4 addresses come first.
func (l *Lister) Addresses() ([]string, error) {
	ifaces, err := l.interfaces()
	if err != nil {
		return nil, fmt.Errorf("list interfaces: %w", err)
	}

	var v4, v6 []string
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := l.addrs(iface)
		if err != nil {
			return nil, fmt.Errorf("addresses of %s: %w", iface.Name, err)
		}
		for _, a := range addrs {
			ip := ipOf(a)
			if ip == nil || ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
				continue
			}
			if ip4 := ip.To4(); ip4 != nil {
				v4 = append(v4, ip4.String())
			} else if l.IncludeIPv6 {
				v6 = append(v6, ip.String())
			}
		}
	}
	return append(v4, v6...), nil
}

func ipOf(a net.Addr) net.IP {
	switch v := a.(type) {
	case *net.IPNet:
		return v.IP
	case *net.IPAddr:
		return v.IP
	default:
		return nil
	}
}
