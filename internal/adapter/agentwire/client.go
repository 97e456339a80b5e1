package agentwire

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"agenttap/internal/domain"
)

// ErrScriptInert is returned when loading a script that already reported
// an error or whose session has ended.
var ErrScriptInert = errors.New("script is inert")

// Client is the runtime attached to one target through an agent. It
// implements domain.Runtime.
type Client struct {
	t       Transport
	logger  domain.Logger
	onClose func() error

	nextID atomic.Uint32

	mu       sync.Mutex
	pending  map[uint32]*pendingCall
	handler  domain.MessageHandler
	inert    map[string]bool
	closeErr error

	done      chan struct{}
	closeOnce sync.Once
}

// pendingCall waits for one response. accepted runs on the read loop when
// the agent answers without error, so it is ordered before later events.
type pendingCall struct {
	ch       chan callResult
	accepted func()
}

type callResult struct {
	resp Response
	err  error
}

// NewClient starts reading frames from t. onClose, if non-nil, runs once
// after the transport is closed, e.g. to stop a bridge subprocess.
func NewClient(t Transport, logger domain.Logger, onClose func() error) *Client {
	c := &Client{
		t:       t,
		logger:  logger,
		onClose: onClose,
		pending: make(map[uint32]*pendingCall),
		inert:   make(map[string]bool),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// SetMessageHandler replaces the handler for script events. Only the most
// recently set handler receives subsequent messages; nil discards them.
func (c *Client) SetMessageHandler(h domain.MessageHandler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

// Resume un-suspends the target.
func (c *Client) Resume(ctx context.Context) error {
	return c.call(ctx, Request{Op: OpResume}, nil)
}

// Kill terminates the target and closes the client.
func (c *Client) Kill(ctx context.Context) error {
	err := c.call(ctx, Request{Op: OpKill}, nil)
	if cerr := c.Close(); err == nil && cerr != nil {
		c.logger.Debug("close after kill", "err", cerr)
	}
	return err
}

// CreateScript registers source with the agent without running it.
func (c *Client) CreateScript(ctx context.Context, source string) (domain.ScriptHandle, error) {
	id := uuid.NewString()
	if err := c.call(ctx, Request{Op: OpCreateScript, ScriptID: id, Source: source}, nil); err != nil {
		return nil, err
	}
	return &Script{c: c, id: id}, nil
}

// Done is closed when the session ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns why the session ended, or nil while it is open.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// Close ends the session and releases the transport.
func (c *Client) Close() error {
	return c.shutdown(domain.ErrSessionClosed)
}

func (c *Client) shutdown(cause error) error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeErr = cause
		c.mu.Unlock()
		close(c.done)

		err = c.t.Close()
		if c.onClose != nil {
			if cerr := c.onClose(); cerr != nil && err == nil {
				err = cerr
			}
		}
	})
	return err
}

func (c *Client) call(ctx context.Context, req Request, accepted func()) error {
	select {
	case <-c.done:
		return fmt.Errorf("%s: %w", req.Op, c.Err())
	default:
	}

	data, err := encode(req)
	if err != nil {
		return fmt.Errorf("encode %s: %w", req.Op, err)
	}

	id := c.nextID.Add(1)
	p := &pendingCall{ch: make(chan callResult, 1), accepted: accepted}
	c.mu.Lock()
	c.pending[id] = p
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.t.Send(Frame{Type: FrameRequest, ID: id, Data: data}); err != nil {
		return fmt.Errorf("send %s: %w", req.Op, err)
	}

	select {
	case r := <-p.ch:
		if r.err != nil {
			return fmt.Errorf("decode %s response: %w", req.Op, r.err)
		}
		if r.resp.Error != "" {
			return &RemoteError{Op: req.Op, Message: r.resp.Error}
		}
		return nil
	case <-c.done:
		return fmt.Errorf("%s: %w", req.Op, c.Err())
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) readLoop() {
	for {
		f, err := c.t.Recv()
		if err != nil {
			cause := domain.ErrSessionClosed
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				select {
				case <-c.done:
				default:
					c.logger.Warn("agent connection lost", "err", err)
					cause = fmt.Errorf("%w: %v", domain.ErrSessionClosed, err)
				}
			}
			_ = c.shutdown(cause)
			return
		}

		switch f.Type {
		case FrameResponse:
			c.mu.Lock()
			p := c.pending[f.ID]
			c.mu.Unlock()
			if p == nil {
				c.logger.Debug("response for unknown request", "id", f.ID)
				continue
			}
			var r callResult
			r.err = decode(f.Data, &r.resp)
			if r.err == nil && r.resp.Error == "" && p.accepted != nil {
				p.accepted()
			}
			select {
			case p.ch <- r:
			default:
			}
		case FrameEvent:
			c.handleEvent(f.Data)
		default:
			c.logger.Debug("ignoring frame", "type", f.Type)
		}
	}
}

func (c *Client) handleEvent(data []byte) {
	var ev Event
	if err := decode(data, &ev); err != nil {
		c.logger.Warn("undecodable agent event", "err", err)
		return
	}

	if ev.Type == EventDetached {
		reason := ev.Reason
		if reason == "" {
			reason = "target detached"
		}
		c.logger.Info("session detached", "reason", reason)
		_ = c.shutdown(fmt.Errorf("%w: %s", domain.ErrSessionClosed, reason))
		return
	}

	msg, err := ev.toMessage()
	if err != nil {
		c.logger.Warn("dropping agent event", "err", err)
		return
	}

	c.mu.Lock()
	if msg.Type == domain.MessageError && ev.ScriptID != "" {
		c.inert[ev.ScriptID] = true
	}
	h := c.handler
	c.mu.Unlock()

	if h != nil {
		h(msg)
	}
}

func (c *Client) isInert(scriptID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inert[scriptID] || c.closeErr != nil
}

// Script is a script created in the agent. It becomes inert after it
// reports an error or the session ends.
type Script struct {
	c  *Client
	id string
}

// ID returns the script's identifier within the session.
func (s *Script) ID() string { return s.id }

// Load runs the script. It returns once the script's top level has
// executed or the agent rejected it. accepted runs before any event the
// agent sent after its load response is dispatched.
func (s *Script) Load(ctx context.Context, accepted func()) error {
	if s.c.isInert(s.id) {
		return ErrScriptInert
	}
	return s.c.call(ctx, Request{Op: OpLoadScript, ScriptID: s.id}, accepted)
}
