package app

import (
	"context"
	"sync"
	"time"

	"agenttap/internal/clock"
	"agenttap/internal/domain"
)

// DefaultKillGrace is the minimum wait between resuming and killing a
// process. Killing a still-suspended process is undefined in the runtime.
const DefaultKillGrace = 100 * time.Millisecond

// Session is the control handle over an attached runtime. It owns the
// runtime's message stream and hands it to at most one subscriber at a time.
type Session struct {
	rt     domain.Runtime
	clock  clock.Clock
	logger domain.Logger
	grace  time.Duration

	mu     sync.Mutex
	sub    *subscription
	closed bool
}

type subscription struct {
	handler domain.MessageHandler
}

// NewSession takes ownership of rt's message stream. A grace shorter than
// DefaultKillGrace is raised to it.
func NewSession(rt domain.Runtime, clk clock.Clock, lg domain.Logger, grace time.Duration) *Session {
	if grace < DefaultKillGrace {
		grace = DefaultKillGrace
	}
	s := &Session{rt: rt, clock: clk, logger: lg, grace: grace}
	rt.SetMessageHandler(s.dispatch)
	return s
}

// Resume un-suspends the process. Failures are logged and otherwise
// ignored: the usual cause is that the process is already running.
func (s *Session) Resume(ctx context.Context) {
	if s.isClosed() {
		return
	}
	if err := s.rt.Resume(ctx); err != nil {
		s.logger.Debug("resume failed, assuming process is running", "err", err)
	}
}

// Kill terminates the instrumented process. The session cannot be used
// afterwards.
func (s *Session) Kill(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return domain.ErrSessionClosed
	}
	s.closed = true
	s.sub = nil
	s.mu.Unlock()
	return s.rt.Kill(ctx)
}

// KillProcess resumes the process, waits the grace period and kills it.
// The kill happens even when resume fails.
func (s *Session) KillProcess(ctx context.Context) error {
	s.Resume(ctx)
	s.clock.Sleep(s.grace)
	return s.Kill(ctx)
}

// Done is closed once the runtime has gone, by kill or external detach.
func (s *Session) Done() <-chan struct{} {
	return s.rt.Done()
}

// Err reports why the runtime went away, or nil while it is attached.
func (s *Session) Err() error {
	return s.rt.Err()
}

// CreateScript prepares source for loading without running it.
func (s *Session) CreateScript(ctx context.Context, source string) (domain.ScriptHandle, error) {
	if s.isClosed() {
		return nil, domain.ErrSessionClosed
	}
	return s.rt.CreateScript(ctx, source)
}

// Subscribe makes h the receiver of every subsequent message. It fails with
// domain.ErrSubscriberActive while another subscription is held; callers
// must serialize operations that consume the same session. The returned
// release function is idempotent.
func (s *Session) Subscribe(h domain.MessageHandler) (release func(), err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, domain.ErrSessionClosed
	}
	if s.sub != nil {
		return nil, domain.ErrSubscriberActive
	}
	sub := &subscription{handler: h}
	s.sub = sub

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			if s.sub == sub {
				s.sub = nil
			}
			s.mu.Unlock()
		})
	}, nil
}

func (s *Session) dispatch(msg domain.Message) {
	s.mu.Lock()
	sub := s.sub
	s.mu.Unlock()
	if sub == nil {
		s.logger.Debug("dropping message with no subscriber", "type", string(msg.Type))
		return
	}
	sub.handler(msg)
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
