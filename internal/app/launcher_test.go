package app

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agenttap/internal/clock"
	"agenttap/internal/domain"
)

const targetLabel = "com.example.app (Pixel 7)"

func newLaunchFixture(loadFn func(ctx context.Context, s *fakeScript) error) (*Launcher, *Session, *fakeRuntime, *mockLogger, *mockMetrics) {
	rt := &fakeRuntime{loadFn: loadFn}
	lg := &mockLogger{}
	m := &mockMetrics{}
	return NewLauncher(lg, m), NewSession(rt, clock.Fake(epoch), lg, 0), rt, lg, m
}

func requireLaunchError(t *testing.T, err error) {
	t.Helper()
	var launchErr *domain.LaunchError
	require.ErrorAs(t, err, &launchErr)
	assert.Equal(t, targetLabel, launchErr.Target)
	assert.Contains(t, err.Error(), targetLabel)
}

func TestLaunchSucceeds(t *testing.T) {
	l, s, rt, _, m := newLaunchFixture(nil)

	stop, err := l.Launch(context.Background(), targetLabel, s, "hook()")
	require.NoError(t, err)
	require.NotNil(t, stop)
	defer stop()

	assert.Equal(t, []string{"create", "load"}, rt.callLog())
	assert.Equal(t, "hook()", rt.scripts[0].source)
	_, _, launches := m.snapshot()
	assert.Equal(t, []string{LaunchOK}, launches)
}

func TestLaunchPreLoadErrorIsFatal(t *testing.T) {
	l, s, _, _, m := newLaunchFixture(replyOnLoad(errorMsg("Error: java.lang.ClassNotFoundException", "at <anonymous>")))

	stop, err := l.Launch(context.Background(), targetLabel, s, "hook()")
	assert.Nil(t, stop)
	requireLaunchError(t, err)

	var scriptErr *domain.ScriptError
	require.ErrorAs(t, err, &scriptErr)
	assert.Equal(t, "Error: java.lang.ClassNotFoundException", scriptErr.Description)
	assert.Equal(t, "at <anonymous>", scriptErr.Stack)

	_, _, launches := m.snapshot()
	assert.Equal(t, []string{LaunchScriptError}, launches)
}

func TestLaunchPreLoadErrorFailsBeforeLoadResolves(t *testing.T) {
	unblock := make(chan struct{})
	defer close(unblock)
	l, s, _, _, _ := newLaunchFixture(func(ctx context.Context, sc *fakeScript) error {
		sc.runtime.emit(errorMsg("SyntaxError: unexpected token", ""))
		<-unblock
		return nil
	})

	done := make(chan error, 1)
	go func() {
		_, err := l.Launch(context.Background(), targetLabel, s, "hook(")
		done <- err
	}()

	select {
	case err := <-done:
		requireLaunchError(t, err)
		var scriptErr *domain.ScriptError
		assert.ErrorAs(t, err, &scriptErr)
	case <-time.After(5 * time.Second):
		t.Fatal("launch did not fail fast on a pre-load error")
	}
}

func TestLaunchPostLoadErrorIsLogged(t *testing.T) {
	l, s, rt, lg, _ := newLaunchFixture(nil)

	stop, err := l.Launch(context.Background(), targetLabel, s, "hook()")
	require.NoError(t, err)
	defer stop()

	rt.emit(errorMsg("TypeError: cannot read property 'url' of null", ""))

	var warned bool
	for _, line := range lg.lines() {
		if strings.HasPrefix(line, "WARN: script error after load") &&
			strings.Contains(line, targetLabel) &&
			strings.Contains(line, "cannot read property") {
			warned = true
		}
	}
	assert.True(t, warned, "post-load error should be logged: %v", lg.lines())
}

func TestLaunchKeepsMonitoringUntilStopped(t *testing.T) {
	l, s, rt, lg, _ := newLaunchFixture(nil)

	stop, err := l.Launch(context.Background(), targetLabel, s, "hook()")
	require.NoError(t, err)

	rt.emit(domain.Message{Type: domain.MessageLog, Level: "info", Text: "intercepting okhttp"})
	assert.Contains(t, lg.lines(), "INFO: intercepting okhttp script="+targetLabel)

	_, err = s.Subscribe(func(domain.Message) {})
	assert.ErrorIs(t, err, domain.ErrSubscriberActive)

	stop()
	release, err := s.Subscribe(func(domain.Message) {})
	require.NoError(t, err)
	release()
}

func TestLaunchLoadRejected(t *testing.T) {
	boom := errors.New("script is destroyed")
	l, s, _, _, m := newLaunchFixture(func(context.Context, *fakeScript) error { return boom })

	_, err := l.Launch(context.Background(), targetLabel, s, "hook()")
	requireLaunchError(t, err)
	assert.ErrorIs(t, err, boom)

	_, _, launches := m.snapshot()
	assert.Equal(t, []string{LaunchLoadError}, launches)

	release, err := s.Subscribe(func(domain.Message) {})
	require.NoError(t, err, "failed launch releases the subscription")
	release()
}

func TestLaunchErrorThenRejectedReportsScriptError(t *testing.T) {
	l, s, _, _, m := newLaunchFixture(func(ctx context.Context, sc *fakeScript) error {
		sc.runtime.emit(errorMsg("ReferenceError: Java is not defined", ""))
		return errors.New("script failed to load")
	})

	_, err := l.Launch(context.Background(), targetLabel, s, "Java.perform()")
	requireLaunchError(t, err)
	var scriptErr *domain.ScriptError
	require.ErrorAs(t, err, &scriptErr)
	assert.Equal(t, "ReferenceError: Java is not defined", scriptErr.Description)

	_, _, launches := m.snapshot()
	assert.Equal(t, []string{LaunchScriptError}, launches)
}

func TestLaunchCreateScriptError(t *testing.T) {
	l, s, rt, _, _ := newLaunchFixture(nil)
	rt.createErr = errors.New("session detached")

	_, err := l.Launch(context.Background(), targetLabel, s, "hook()")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session detached")
	assert.Equal(t, []string{"create"}, rt.callLog())
}

func TestLaunchCancelled(t *testing.T) {
	l, s, _, _, _ := newLaunchFixture(func(ctx context.Context, _ *fakeScript) error {
		<-ctx.Done()
		return ctx.Err()
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := l.Launch(ctx, targetLabel, s, "hook()")
	assert.ErrorIs(t, err, context.Canceled)
}
