package probe

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuild(t *testing.T) {
	src, err := Build([]string{"10.0.0.2", "192.168.1.5"}, 8000)
	require.NoError(t, err)

	assert.Contains(t, src, `const CANDIDATES = ["10.0.0.2","192.168.1.5"];`)
	assert.Contains(t, src, "const PORT = 8000;")
	assert.Contains(t, src, "type: 'connected'")
	assert.Contains(t, src, "type: 'connection-failed'")
	assert.Equal(t, 2, strings.Count(src, "send("), "exactly one outcome is reported per branch")
}

func TestBuildIPv6(t *testing.T) {
	src, err := Build([]string{"2001:db8::5"}, 443)
	require.NoError(t, err)
	assert.Contains(t, src, `["2001:db8::5"]`)
}

func TestBuildRejects(t *testing.T) {
	_, err := Build(nil, 8000)
	assert.Error(t, err)

	_, err = Build([]string{"10.0.0.2"}, 0)
	assert.Error(t, err)

	_, err = Build([]string{`10.0.0.2"]; evil(); ["`}, 8000)
	assert.Error(t, err)
}
