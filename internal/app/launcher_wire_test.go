package app

import (
	"context"
	"net"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/require"

	"agenttap/internal/adapter/agentwire"
	"agenttap/internal/clock"
)

// serveLateErrors answers every request on conn and follows each accepted
// load with an error event from the loaded script.
func serveLateErrors(conn net.Conn) {
	fw := agentwire.NewFrameWriter(conn)
	ok, _ := cbor.Marshal(agentwire.Response{})
	for {
		f, err := agentwire.ReadFrame(conn)
		if err != nil {
			return
		}
		var req agentwire.Request
		if err := cbor.Unmarshal(f.Data, &req); err != nil {
			return
		}
		if err := fw.Write(agentwire.Frame{Type: agentwire.FrameResponse, ID: f.ID, Data: ok}); err != nil {
			return
		}
		if req.Op == agentwire.OpLoadScript {
			ev, _ := cbor.Marshal(agentwire.Event{
				ScriptID:    req.ScriptID,
				Type:        "error",
				Description: "TypeError: cannot read property 'url' of null",
			})
			if err := fw.Write(agentwire.Frame{Type: agentwire.FrameEvent, Data: ev}); err != nil {
				return
			}
		}
	}
}

func TestLaunchOverAgentErrorAfterLoadResponseIsNotFatal(t *testing.T) {
	clientEnd, agentEnd := net.Pipe()
	go serveLateErrors(agentEnd)

	lg := &mockLogger{}
	m := &mockMetrics{}
	c := agentwire.NewClient(agentwire.NewStreamTransport(clientEnd, clientEnd, clientEnd), lg, nil)
	t.Cleanup(func() {
		_ = c.Close()
		_ = agentEnd.Close()
	})
	s := NewSession(c, clock.Fake(epoch), lg, 0)
	l := NewLauncher(lg, m)

	for i := 0; i < 500; i++ {
		stop, err := l.Launch(context.Background(), targetLabel, s, "hook()")
		require.NoError(t, err, "iteration %d", i)
		stop()
	}
}
