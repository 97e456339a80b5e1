package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"agenttap/internal/clock"
	"agenttap/internal/domain"
)

// DefaultProbeTimeout bounds a whole negotiation, measured from its start.
const DefaultProbeTimeout = 2000 * time.Millisecond

// Negotiation outcomes reported to metrics.
const (
	NegotiationConnected   = "connected"
	NegotiationFailed      = "connection_failed"
	NegotiationTimeout     = "timeout"
	NegotiationScriptError = "script_error"
	NegotiationNoAddresses = "no_addresses"
	NegotiationOther       = "error"
)

// ProbeBuilder renders the IP-test script for the given candidates and port.
type ProbeBuilder func(addresses []string, port int) (string, error)

// Negotiator finds the local address a target can use to reach the proxy
// by running an IP-test script inside the target.
type Negotiator struct {
	lister  domain.InterfaceLister
	build   ProbeBuilder
	clock   clock.Clock
	logger  domain.Logger
	metrics domain.Metrics
	timeout time.Duration
}

// NewNegotiator creates a negotiator. A non-positive timeout selects
// DefaultProbeTimeout.
func NewNegotiator(lister domain.InterfaceLister, build ProbeBuilder, clk clock.Clock, lg domain.Logger, m domain.Metrics, timeout time.Duration) *Negotiator {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	return &Negotiator{
		lister:  lister,
		build:   build,
		clock:   clk,
		logger:  lg,
		metrics: m,
		timeout: timeout,
	}
}

type probeOutcome struct {
	ip  string
	err error
}

// Negotiate returns the candidate address the target reached on port.
// Local interface addresses are tried first, then extra. Every failure is
// a *domain.ProxyUnreachableError listing the candidates tried, with the
// underlying problem as its cause.
func (n *Negotiator) Negotiate(ctx context.Context, s *Session, port int, extra []string) (string, error) {
	start := n.clock.Now()
	deadline := n.clock.After(n.timeout)

	candidates, ip, err := n.negotiate(ctx, s, port, extra, deadline)
	n.metrics.NegotiationFinished(negotiationOutcome(err), n.clock.Now().Sub(start))
	if err == nil {
		n.logger.Info("proxy address negotiated", "ip", ip, "port", port)
		return ip, nil
	}

	var unreachable *domain.ProxyUnreachableError
	if errors.As(err, &unreachable) {
		return "", err
	}
	return "", &domain.ProxyUnreachableError{Port: port, Addresses: candidates, Cause: err}
}

func (n *Negotiator) negotiate(ctx context.Context, s *Session, port int, extra []string, deadline <-chan time.Time) ([]string, string, error) {
	local, err := n.lister.Addresses()
	if err != nil {
		return nil, "", fmt.Errorf("list network interfaces: %w", err)
	}
	candidates := dedupe(append(local, extra...))
	if len(candidates) == 0 {
		return nil, "", &domain.ProxyUnreachableError{Port: port, Cause: domain.ErrNoCandidates}
	}
	n.logger.Debug("probing proxy addresses", "candidates", candidates, "port", port)

	source, err := n.build(candidates, port)
	if err != nil {
		return candidates, "", fmt.Errorf("build ip test script: %w", err)
	}
	script, err := s.CreateScript(ctx, source)
	if err != nil {
		return candidates, "", fmt.Errorf("create ip test script: %w", err)
	}

	outcome := make(chan probeOutcome, 1)
	var once sync.Once
	report := func(o probeOutcome) {
		once.Do(func() { outcome <- o })
	}

	mon := &Monitor{
		Label:  "ip-test",
		Logger: n.logger,
		OnSend: func(payload json.RawMessage) {
			report(parseProbeResult(payload, port, candidates))
		},
		OnError: func(scriptErr *domain.ScriptError) {
			report(probeOutcome{err: fmt.Errorf("ip test script failed: %w", scriptErr)})
		},
	}
	release, err := s.Subscribe(mon.Handle)
	if err != nil {
		return candidates, "", err
	}
	defer release()

	loadCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	loaded := make(chan error, 1)
	go func() {
		loaded <- script.Load(loadCtx, nil)
	}()

	for {
		select {
		case o := <-outcome:
			return candidates, o.ip, o.err
		case err := <-loaded:
			if err != nil {
				select {
				case o := <-outcome:
					return candidates, o.ip, o.err
				default:
				}
				return candidates, "", fmt.Errorf("load ip test script: %w", err)
			}
			loaded = nil
		case <-deadline:
			return candidates, "", fmt.Errorf("%w after %s", domain.ErrProbeTimeout, n.timeout)
		case <-ctx.Done():
			return candidates, "", ctx.Err()
		}
	}
}

func parseProbeResult(payload json.RawMessage, port int, candidates []string) probeOutcome {
	var result domain.ProbeResult
	if err := json.Unmarshal(payload, &result); err == nil {
		switch {
		case result.Type == domain.ProbeConnected && result.IP != "":
			return probeOutcome{ip: result.IP}
		case result.Type == domain.ProbeConnectionFailed:
			return probeOutcome{err: &domain.ProxyUnreachableError{Port: port, Addresses: candidates}}
		}
	}
	return probeOutcome{err: &domain.UnexpectedMessageError{Context: "ip test script", Payload: string(payload)}}
}

func negotiationOutcome(err error) string {
	var scriptErr *domain.ScriptError
	switch {
	case err == nil:
		return NegotiationConnected
	case errors.Is(err, domain.ErrNoCandidates):
		return NegotiationNoAddresses
	case errors.Is(err, domain.ErrProbeTimeout):
		return NegotiationTimeout
	case errors.As(err, &scriptErr):
		return NegotiationScriptError
	}
	var unreachable *domain.ProxyUnreachableError
	if errors.As(err, &unreachable) && unreachable.Cause == nil {
		return NegotiationFailed
	}
	return NegotiationOther
}

func dedupe(addrs []string) []string {
	seen := make(map[string]bool, len(addrs))
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		if a == "" || seen[a] {
			continue
		}
		seen[a] = true
		out = append(out, a)
	}
	return out
}
