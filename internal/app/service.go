package app

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"agenttap/internal/clock"
	"agenttap/internal/domain"
)

const (
	// AgentComponent names the agent binary in the dependency cache.
	AgentComponent = "agent-server"
	// AgentExt is the cache file extension for agent binaries.
	AgentExt = ".bin"
)

// Config holds resolved settings for one interception.
type Config struct {
	Host           domain.Host
	TargetID       string
	Platform       domain.Platform
	Arch           domain.Arch
	AgentVersion   string
	ProxyPort      int
	ExtraAddresses []string
	// Script is the interception script. It may reference {{.ProxyHost}}
	// and {{.ProxyPort}}.
	Script string
}

// Service orchestrates provisioning, attach, proxy negotiation and script
// launch for a target.
type Service struct {
	provisioner *Provisioner
	fetch       domain.FetchFunc
	attacher    domain.Attacher
	negotiator  *Negotiator
	launcher    *Launcher
	clock       clock.Clock
	logger      domain.Logger
	killGrace   time.Duration
	tracer      trace.Tracer
}

// NewService creates the application service with all dependencies injected.
func NewService(
	pv *Provisioner,
	fetch domain.FetchFunc,
	at domain.Attacher,
	ng *Negotiator,
	ln *Launcher,
	clk clock.Clock,
	lg domain.Logger,
	killGrace time.Duration,
) *Service {
	return &Service{
		provisioner: pv,
		fetch:       fetch,
		attacher:    at,
		negotiator:  ng,
		launcher:    ln,
		clock:       clk,
		logger:      lg,
		killGrace:   killGrace,
		tracer:      otel.Tracer("agenttap/internal/app"),
	}
}

// AgentKey returns the cache key for the agent binary.
func AgentKey(platform domain.Platform, arch domain.Arch, version string) domain.DependencyKey {
	return domain.DependencyKey{
		Component: AgentComponent,
		Platform:  platform,
		Arch:      arch,
		Version:   version,
		Ext:       AgentExt,
	}
}

// ProvisionAgent ensures the agent for platform/arch/version is cached and
// purges other cached versions for the same platform and arch.
func (s *Service) ProvisionAgent(ctx context.Context, platform domain.Platform, arch domain.Arch, version string) (*Artifact, error) {
	ctx, span := s.tracer.Start(ctx, "provision_agent", trace.WithAttributes(
		attribute.String("platform", string(platform)),
		attribute.String("arch", string(arch)),
		attribute.String("version", version),
	))
	defer span.End()

	key := AgentKey(platform, arch, version)
	artifact, err := s.provisioner.Get(ctx, key, s.fetch)
	if err != nil {
		recordError(span, err)
		return nil, err
	}

	removed, err := s.provisioner.Cleanup(key.Prefix(), AgentExt, version)
	if err != nil {
		s.logger.Warn("failed to remove old agent versions", "err", err)
	} else if len(removed) > 0 {
		s.logger.Info("removed old agent versions", "count", len(removed))
	}
	return artifact, nil
}

// Interception is a running interception of one target.
type Interception struct {
	Host         domain.Host
	Target       domain.Target
	ProxyAddress string
	ProxyPort    int

	session *Session
	stop    func()
}

// Session returns the control handle for the intercepted process.
func (i *Interception) Session() *Session {
	return i.session
}

// Done is closed when the session ends without Close, e.g. because the
// target detached or the agent connection was lost.
func (i *Interception) Done() <-chan struct{} {
	return i.session.Done()
}

// Err reports why the session ended, or nil while it is running.
func (i *Interception) Err() error {
	return i.session.Err()
}

// Close stops monitoring and terminates the instrumented process, resuming
// it first so the kill is safe. A session that already ended is not killed.
func (i *Interception) Close(ctx context.Context) error {
	if i.stop != nil {
		i.stop()
	}
	select {
	case <-i.session.Done():
		return nil
	default:
	}
	return i.session.KillProcess(ctx)
}

// Intercept attaches to the configured target, negotiates the proxy
// address the target can reach and launches the interception script.
func (s *Service) Intercept(ctx context.Context, cfg Config) (*Interception, error) {
	ctx, span := s.tracer.Start(ctx, "intercept", trace.WithAttributes(
		attribute.String("host", cfg.Host.ID),
		attribute.String("target", cfg.TargetID),
	))
	defer span.End()

	target, session, err := s.attach(ctx, cfg)
	if err != nil {
		recordError(span, err)
		return nil, err
	}

	abort := func(err error) (*Interception, error) {
		recordError(span, err)
		s.kill(ctx, target, session)
		return nil, err
	}

	ip, err := s.negotiator.Negotiate(ctx, session, cfg.ProxyPort, cfg.ExtraAddresses)
	if err != nil {
		return abort(err)
	}
	span.SetAttributes(attribute.String("proxy_address", ip))

	source := RenderScript(cfg.Script, ip, cfg.ProxyPort)

	label := fmt.Sprintf("%s (%s)", target.Name, cfg.Host.Name)
	stop, err := s.launcher.Launch(ctx, label, session, source)
	if err != nil {
		return abort(err)
	}

	return &Interception{
		Host:         cfg.Host,
		Target:       target,
		ProxyAddress: ip,
		ProxyPort:    cfg.ProxyPort,
		session:      session,
		stop:         stop,
	}, nil
}

// Probe attaches to the configured target and returns the proxy address
// it can reach without launching a script. The target is killed
// afterwards, as after an aborted interception.
func (s *Service) Probe(ctx context.Context, cfg Config) (string, error) {
	ctx, span := s.tracer.Start(ctx, "probe", trace.WithAttributes(
		attribute.String("host", cfg.Host.ID),
		attribute.String("target", cfg.TargetID),
	))
	defer span.End()

	target, session, err := s.attach(ctx, cfg)
	if err != nil {
		recordError(span, err)
		return "", err
	}
	defer s.kill(ctx, target, session)

	ip, err := s.negotiator.Negotiate(ctx, session, cfg.ProxyPort, cfg.ExtraAddresses)
	if err != nil {
		recordError(span, err)
		return "", err
	}
	span.SetAttributes(attribute.String("proxy_address", ip))
	return ip, nil
}

// attach validates the host snapshot, provisions the agent and attaches
// to the target.
func (s *Service) attach(ctx context.Context, cfg Config) (domain.Target, *Session, error) {
	if cfg.Host.State != domain.HostAvailable {
		return domain.Target{}, nil, fmt.Errorf("%w: %s is %s", domain.ErrHostUnavailable, cfg.Host.Name, cfg.Host.State)
	}
	target, ok := cfg.Host.FindTarget(cfg.TargetID)
	if !ok {
		return domain.Target{}, nil, fmt.Errorf("%w: %q on %s", domain.ErrTargetNotFound, cfg.TargetID, cfg.Host.Name)
	}

	agent, err := s.ProvisionAgent(ctx, cfg.Platform, cfg.Arch, cfg.AgentVersion)
	if err != nil {
		return domain.Target{}, nil, fmt.Errorf("provision agent: %w", err)
	}

	s.logger.Info("attaching", "host", cfg.Host.Name, "target", target.Name)
	rt, err := s.attacher.Attach(ctx, cfg.Host, target, agent.Path)
	if err != nil {
		return domain.Target{}, nil, fmt.Errorf("attach to %s: %w", target.Name, err)
	}
	return target, NewSession(rt, s.clock, s.logger, s.killGrace), nil
}

func (s *Service) kill(ctx context.Context, target domain.Target, session *Session) {
	if err := session.KillProcess(ctx); err != nil {
		s.logger.Warn("failed to kill target", "target", target.Name, "err", err)
	}
}

// Placeholders substituted into interception scripts. Any other text,
// including other "{{" sequences, is left as written.
const (
	ProxyHostPlaceholder = "{{.ProxyHost}}"
	ProxyPortPlaceholder = "{{.ProxyPort}}"
)

// RenderScript fills the proxy placeholders in an interception script.
func RenderScript(source, proxyHost string, proxyPort int) string {
	return strings.NewReplacer(
		ProxyHostPlaceholder, proxyHost,
		ProxyPortPlaceholder, strconv.Itoa(proxyPort),
	).Replace(source)
}

func recordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
