package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"agenttap/internal/adapter/agentwire"
	"agenttap/internal/adapter/netif"
	"agenttap/internal/adapter/probe"
	"agenttap/internal/app"
	"agenttap/internal/clock"
	"agenttap/internal/domain"
)

var targetBindings = map[string]string{
	"proxy.port":            "port",
	"proxy.extra_addresses": "extra-address",
	"negotiation.timeout":   "timeout",
	"session.kill_grace":    "kill-grace",
	"transport.url":         "agent-ws",
}

// targetFlags identify the host and target to attach to.
type targetFlags struct {
	hostID     string
	hostName   string
	hostType   string
	targetID   string
	targetName string
	ipv6       bool
}

func (t *targetFlags) add(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&t.hostID, "host", "", "host ID, e.g. an adb serial (required)")
	f.StringVar(&t.hostName, "host-name", "", "host display name (default: host ID)")
	f.StringVar(&t.hostType, "host-type", "cli", "host type")
	f.StringVar(&t.targetID, "target", "", "target ID, e.g. a process ID or bundle ID (required)")
	f.StringVar(&t.targetName, "target-name", "", "target display name (default: target ID)")
	f.BoolVar(&t.ipv6, "ipv6", false, "also offer IPv6 interface addresses")
	f.Int("port", 0, "proxy port the target should connect to (default 8080)")
	f.StringSlice("extra-address", nil, "additional proxy address to offer (repeatable)")
	f.Duration("timeout", 0, "proxy negotiation timeout (default 2s)")
	f.Duration("kill-grace", 0, "wait between resume and kill (minimum 100ms)")
	f.String("agent-ws", "", "WebSocket URL of a running agent; {host} is replaced with the host ID")
	_ = cmd.MarkFlagRequired("host")
	_ = cmd.MarkFlagRequired("target")
	addAgentFlags(cmd)
}

// host builds the snapshot of a host the user named explicitly.
func (t *targetFlags) host() domain.Host {
	name := t.hostName
	if name == "" {
		name = t.hostID
	}
	targetName := t.targetName
	if targetName == "" {
		targetName = t.targetID
	}
	return domain.Host{
		ID:      t.hostID,
		Name:    name,
		Type:    t.hostType,
		State:   domain.HostAvailable,
		Targets: []domain.Target{{ID: t.targetID, Name: targetName}},
	}
}

// prepare loads the config, takes the bridge command from args after
// "--" and wires the service.
func (c *cli) prepare(cmd *cobra.Command, args []string, tf *targetFlags) (*env, *app.Service, app.Config, error) {
	if len(args) > 0 {
		c.v.Set("transport.command", args)
	}
	cfg, err := c.load(cmd, merge(agentBindings, targetBindings))
	if err != nil {
		return nil, nil, app.Config{}, err
	}
	e, err := c.setup(cfg)
	if err != nil {
		return nil, nil, app.Config{}, err
	}

	ver, err := e.resolveVersion(cmd.Context())
	if err != nil {
		e.close()
		return nil, nil, app.Config{}, err
	}
	plat, arch, err := cfg.Target()
	if err != nil {
		e.close()
		return nil, nil, app.Config{}, err
	}
	if err := e.pinDigest(cmd, app.AgentKey(plat, arch, ver)); err != nil {
		e.close()
		return nil, nil, app.Config{}, err
	}

	e.ipv6 = tf.ipv6
	return e, e.service(), app.Config{
		Host:           tf.host(),
		TargetID:       tf.targetID,
		Platform:       plat,
		Arch:           arch,
		AgentVersion:   ver,
		ProxyPort:      cfg.Proxy.Port,
		ExtraAddresses: cfg.Proxy.ExtraAddresses,
	}, nil
}

func (e *env) service() *app.Service {
	dialer := &agentwire.Dialer{
		Command: e.cfg.Transport.Command,
		URL:     e.cfg.Transport.URL,
		Logger:  e.log,
	}
	ng := app.NewNegotiator(netif.NewLister(e.ipv6), probe.Build, clock.Real(), e.log, e.metrics, e.cfg.Negotiation.Timeout)
	ln := app.NewLauncher(e.log, e.metrics)
	return app.NewService(e.provisioner, e.downloader.Fetch, dialer, ng, ln, clock.Real(), e.log, e.cfg.Session.KillGrace)
}

// pinDigest applies --digest to key.
func (e *env) pinDigest(cmd *cobra.Command, key domain.DependencyKey) error {
	d, _ := cmd.Flags().GetString("digest")
	if d == "" {
		return nil
	}
	if err := e.manifest.Pin(key, d); err != nil {
		return fmt.Errorf("--digest: %w", err)
	}
	return nil
}

func (c *cli) interceptCmd() *cobra.Command {
	var (
		tf         targetFlags
		scriptPath string
	)
	cmd := &cobra.Command{
		Use:   "intercept --host ID --target ID --script FILE [-- BRIDGE_CMD...]",
		Short: "Attach to a target and route its traffic through the proxy",
		Long: `Provision the agent, attach to the target, find a local address the target
can reach on the proxy port and launch the interception script. The script
may reference {{.ProxyHost}} and {{.ProxyPort}}.

The agent is reached by running BRIDGE_CMD (frames over its stdin/stdout)
or by dialing --agent-ws. In BRIDGE_CMD, {host}, {target} and {agent} are
replaced with the host ID, target ID and local agent path.

Runs until interrupted, then resumes and kills the target. Exits with an
error if the target detaches first.`,
		Example: `  agenttap intercept --host emulator-5554 --target 4321 --script tap.js \
    -- adb -s {host} shell /data/local/tmp/agent-server`,
		RunE: func(cmd *cobra.Command, args []string) error {
			script, err := os.ReadFile(scriptPath)
			if err != nil {
				return fmt.Errorf("read script: %w", err)
			}
			e, svc, appCfg, err := c.prepare(cmd, args, &tf)
			if err != nil {
				return err
			}
			defer e.close()
			appCfg.Script = string(script)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			ic, err := svc.Intercept(ctx, appCfg)
			if err != nil {
				return err
			}
			fmt.Fprintf(c.out, "intercepting %s on %s via %s:%d\n",
				ic.Target.Name, ic.Host.Name, ic.ProxyAddress, ic.ProxyPort)

			select {
			case <-ctx.Done():
				e.log.Info("stopping interception", "target", ic.Target.Name)
				return ic.Close(context.WithoutCancel(ctx))
			case <-ic.Done():
				_ = ic.Close(context.WithoutCancel(ctx))
				return fmt.Errorf("interception of %s ended: %w", ic.Target.Name, ic.Err())
			}
		},
	}
	tf.add(cmd)
	cmd.Flags().StringVar(&scriptPath, "script", "", "interception script file (required)")
	_ = cmd.MarkFlagRequired("script")
	return cmd
}

func (c *cli) probeCmd() *cobra.Command {
	var tf targetFlags
	cmd := &cobra.Command{
		Use:   "probe --host ID --target ID [-- BRIDGE_CMD...]",
		Short: "Report which local address the target can reach on the proxy port",
		Long: `Attach to the target and run only the proxy address negotiation. Prints the
first candidate address the target connected to. The target is killed
afterwards.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, svc, appCfg, err := c.prepare(cmd, args, &tf)
			if err != nil {
				return err
			}
			defer e.close()

			ip, err := svc.Probe(cmd.Context(), appCfg)
			if err != nil {
				return err
			}
			fmt.Fprintf(c.out, "%s:%d\n", ip, appCfg.ProxyPort)
			return nil
		},
	}
	tf.add(cmd)
	return cmd
}
