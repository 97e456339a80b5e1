package agentwire

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"agenttap/internal/adapter/spawn"
	"agenttap/internal/domain"
)

// DefaultStopGrace bounds how long a bridge subprocess may take to exit.
const DefaultStopGrace = 2 * time.Second

// Dialer attaches to targets through an agent reached either by running a
// bridge command or by dialing a WebSocket URL. It implements
// domain.Attacher.
//
// Command and URL may contain {host}, {target} and {agent} placeholders,
// replaced with the host ID, target ID and local agent path.
type Dialer struct {
	Command   []string
	URL       string
	StopGrace time.Duration
	Logger    domain.Logger
}

// Attach opens a transport to host and asks the agent to attach to target.
func (d *Dialer) Attach(ctx context.Context, host domain.Host, target domain.Target, agentPath string) (domain.Runtime, error) {
	r := strings.NewReplacer("{host}", host.ID, "{target}", target.ID, "{agent}", agentPath)

	var (
		c   *Client
		err error
	)
	switch {
	case len(d.Command) > 0:
		c, err = d.dialCommand(r)
	case d.URL != "":
		c, err = d.dialWS(ctx, r)
	default:
		return nil, errors.New("no agent transport configured: set a bridge command or URL")
	}
	if err != nil {
		return nil, err
	}

	if err := c.call(ctx, Request{Op: OpAttach, Target: target.ID}, nil); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("attach to %s on %s: %w", target.Name, host.Name, err)
	}
	d.Logger.Info("attached", "host", host.ID, "target", target.ID)
	return c, nil
}

func (d *Dialer) dialCommand(r *strings.Replacer) (*Client, error) {
	argv := make([]string, len(d.Command))
	for i, a := range d.Command {
		argv[i] = r.Replace(a)
	}
	p, err := spawn.Start(argv, d.Logger)
	if err != nil {
		return nil, err
	}
	grace := d.StopGrace
	if grace <= 0 {
		grace = DefaultStopGrace
	}
	t := NewStreamTransport(p.Stdout, p.Stdin, nil)
	return NewClient(t, d.Logger, func() error {
		return p.Stop(grace)
	}), nil
}

func (d *Dialer) dialWS(ctx context.Context, r *strings.Replacer) (*Client, error) {
	url := r.Replace(d.URL)
	dialer := websocket.Dialer{
		HandshakeTimeout:  10 * time.Second,
		EnableCompression: true,
	}
	conn, resp, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (HTTP %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	d.Logger.Debug("agent websocket connected", "url", url)
	return NewClient(NewWSTransport(conn), d.Logger, nil), nil
}
