//go:build unix

package spawn

import (
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTerminateExitedGroupIsNotAnError(t *testing.T) {
	if _, err := exec.LookPath("true"); err != nil {
		t.Skip("true not available")
	}
	p, err := Start([]string{"true"}, nopLogger{})
	require.NoError(t, err)

	select {
	case <-p.Exited():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}
	require.NoError(t, terminate(p.cmd.Process))
	require.NoError(t, p.Stop(time.Second))
}
