package app

import (
	"context"
	"fmt"
	"sync"

	"agenttap/internal/domain"
)

// Launch outcomes reported to metrics.
const (
	LaunchOK          = "ok"
	LaunchScriptError = "script_error"
	LaunchLoadError   = "load_error"
)

// Launcher injects scripts into sessions.
type Launcher struct {
	logger  domain.Logger
	metrics domain.Metrics
}

// NewLauncher creates a Launcher.
func NewLauncher(lg domain.Logger, m domain.Metrics) *Launcher {
	return &Launcher{logger: lg, metrics: m}
}

// Launch creates and loads source in s. An error message delivered before
// the runtime accepts the load fails the launch with a *domain.LaunchError
// naming label; error messages after it are logged as warnings and the
// script keeps running.
//
// On success the launcher keeps the session's message subscription so
// later script output is still monitored; call stop to release it.
func (l *Launcher) Launch(ctx context.Context, label string, s *Session, source string) (stop func(), err error) {
	script, err := s.CreateScript(ctx, source)
	if err != nil {
		return nil, fmt.Errorf("create script in %s: %w", label, err)
	}

	var (
		mu        sync.Mutex
		loaded    bool
		preLoad   *domain.ScriptError
		preLoadCh = make(chan struct{})
	)
	mon := &Monitor{
		Label:  label,
		Logger: l.logger,
		OnError: func(scriptErr *domain.ScriptError) {
			mu.Lock()
			if !loaded {
				if preLoad == nil {
					preLoad = scriptErr
					close(preLoadCh)
				}
				mu.Unlock()
				return
			}
			mu.Unlock()
			l.logger.Warn("script error after load", "target", label, "err", scriptErr)
		},
	}

	// Subscribe before loading so no early message is missed.
	release, err := s.Subscribe(mon.Handle)
	if err != nil {
		return nil, err
	}

	accepted := func() {
		mu.Lock()
		loaded = true
		mu.Unlock()
	}
	loadDone := make(chan error, 1)
	go func() {
		loadDone <- script.Load(ctx, accepted)
	}()

	fail := func(outcome string, err error) (func(), error) {
		release()
		l.metrics.ScriptLaunched(outcome)
		return nil, err
	}

	select {
	case <-preLoadCh:
		mu.Lock()
		cause := preLoad
		mu.Unlock()
		return fail(LaunchScriptError, &domain.LaunchError{Target: label, Cause: cause})
	case err := <-loadDone:
		if err != nil {
			// A script that throws during load usually reports the error
			// before the load is rejected; prefer the script's own report.
			mu.Lock()
			cause := preLoad
			mu.Unlock()
			if cause != nil {
				return fail(LaunchScriptError, &domain.LaunchError{Target: label, Cause: cause})
			}
			return fail(LaunchLoadError, &domain.LaunchError{Target: label, Cause: err})
		}
	case <-ctx.Done():
		return fail(LaunchLoadError, ctx.Err())
	}

	// Only errors delivered before acceptance are recorded in preLoad.
	mu.Lock()
	loaded = true
	cause := preLoad
	mu.Unlock()
	if cause != nil {
		return fail(LaunchScriptError, &domain.LaunchError{Target: label, Cause: cause})
	}

	l.metrics.ScriptLaunched(LaunchOK)
	l.logger.Info("script loaded", "target", label)
	return release, nil
}
