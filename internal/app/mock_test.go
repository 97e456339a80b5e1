package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"agenttap/internal/domain"
)

// fakeRuntime records control calls and lets tests push messages.
type fakeRuntime struct {
	mu        sync.Mutex
	calls     []string
	handler   domain.MessageHandler
	scripts   []*fakeScript
	resumeErr error
	killErr   error
	createErr error
	// loadFn is given to every created script.
	loadFn func(ctx context.Context, s *fakeScript) error
	// onCall observes each control call as it happens.
	onCall func(name string)

	done    chan struct{}
	doneErr error
}

func (r *fakeRuntime) doneCh() chan struct{} {
	if r.done == nil {
		r.done = make(chan struct{})
	}
	return r.done
}

func (r *fakeRuntime) Done() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doneCh()
}

func (r *fakeRuntime) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doneErr
}

// detach ends the runtime from the agent side.
func (r *fakeRuntime) detach(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.doneErr != nil {
		return
	}
	r.doneErr = fmt.Errorf("%w: %s", domain.ErrSessionClosed, reason)
	close(r.doneCh())
}

func (r *fakeRuntime) record(name string) {
	r.mu.Lock()
	r.calls = append(r.calls, name)
	fn := r.onCall
	r.mu.Unlock()
	if fn != nil {
		fn(name)
	}
}

func (r *fakeRuntime) Resume(ctx context.Context) error {
	r.record("resume")
	return r.resumeErr
}

func (r *fakeRuntime) Kill(ctx context.Context) error {
	r.record("kill")
	return r.killErr
}

func (r *fakeRuntime) CreateScript(ctx context.Context, source string) (domain.ScriptHandle, error) {
	r.record("create")
	if r.createErr != nil {
		return nil, r.createErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s := &fakeScript{runtime: r, source: source, loadFn: r.loadFn}
	r.scripts = append(r.scripts, s)
	return s, nil
}

func (r *fakeRuntime) SetMessageHandler(h domain.MessageHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handler = h
}

// emit delivers msg to the registered handler, as the runtime would.
func (r *fakeRuntime) emit(msg domain.Message) {
	r.mu.Lock()
	h := r.handler
	r.mu.Unlock()
	if h != nil {
		h(msg)
	}
}

func (r *fakeRuntime) callLog() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *fakeRuntime) scriptCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.scripts)
}

type fakeScript struct {
	runtime *fakeRuntime
	source  string
	loadFn  func(ctx context.Context, s *fakeScript) error
}

func (s *fakeScript) Load(ctx context.Context, accepted func()) error {
	s.runtime.record("load")
	var err error
	if s.loadFn != nil {
		err = s.loadFn(ctx, s)
	}
	if err == nil && accepted != nil {
		accepted()
	}
	return err
}

func sendMsg(payload string) domain.Message {
	return domain.Message{Type: domain.MessageSend, Payload: []byte(payload)}
}

func errorMsg(desc, stack string) domain.Message {
	return domain.Message{Type: domain.MessageError, Description: desc, Stack: stack}
}

// mockLister returns fixed interface addresses.
type mockLister struct {
	addrs []string
	err   error
}

func (m *mockLister) Addresses() ([]string, error) {
	return append([]string(nil), m.addrs...), m.err
}

// mapDigests serves digests from a map keyed by DependencyKey.String().
type mapDigests map[string]string

func (m mapDigests) Digest(key domain.DependencyKey) (string, bool) {
	d, ok := m[key.String()]
	return d, ok
}

// mockAttacher returns a preset runtime.
type mockAttacher struct {
	runtime       domain.Runtime
	err           error
	called        bool
	lastAgentPath string
	lastTarget    domain.Target
}

func (m *mockAttacher) Attach(ctx context.Context, host domain.Host, target domain.Target, agentPath string) (domain.Runtime, error) {
	m.called = true
	m.lastAgentPath = agentPath
	m.lastTarget = target
	if m.err != nil {
		return nil, m.err
	}
	return m.runtime, nil
}

// mockLogger records messages by level.
type mockLogger struct {
	mu       sync.Mutex
	messages []string
}

func (m *mockLogger) add(level, msg string, args ...any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	line := level + ": " + msg
	for i := 0; i+1 < len(args); i += 2 {
		line += fmt.Sprintf(" %v=%v", args[i], args[i+1])
	}
	m.messages = append(m.messages, line)
}

func (m *mockLogger) Debug(msg string, args ...any) { m.add("DEBUG", msg, args...) }
func (m *mockLogger) Info(msg string, args ...any)  { m.add("INFO", msg, args...) }
func (m *mockLogger) Warn(msg string, args ...any)  { m.add("WARN", msg, args...) }
func (m *mockLogger) Error(msg string, args ...any) { m.add("ERROR", msg, args...) }

func (m *mockLogger) lines() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.messages...)
}

// mockMetrics counts reported outcomes.
type mockMetrics struct {
	mu           sync.Mutex
	artifacts    []string
	negotiations []string
	launches     []string
}

func (m *mockMetrics) ArtifactResolved(key domain.DependencyKey, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.artifacts = append(m.artifacts, outcome)
}

func (m *mockMetrics) NegotiationFinished(outcome string, elapsed time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.negotiations = append(m.negotiations, outcome)
}

func (m *mockMetrics) ScriptLaunched(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.launches = append(m.launches, outcome)
}

func (m *mockMetrics) snapshot() (artifacts, negotiations, launches []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.artifacts...),
		append([]string(nil), m.negotiations...),
		append([]string(nil), m.launches...)
}
