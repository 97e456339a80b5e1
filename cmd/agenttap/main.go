package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"agenttap/internal/adapter/downloader"
	"agenttap/internal/adapter/logger"
	"agenttap/internal/adapter/manifest"
	"agenttap/internal/adapter/metrics"
	"agenttap/internal/adapter/platform"
	"agenttap/internal/adapter/release"
	"agenttap/internal/adapter/store"
	"agenttap/internal/app"
	"agenttap/internal/config"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	// A missing .env is normal.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "agenttap: warning: failed to load .env file: %v\n", err)
	}

	plat, err := platform.New()
	if err != nil {
		fatal(err)
	}

	c := newCLI(plat, os.Stdout)
	if err := c.root().Execute(); err != nil {
		fatal(err)
	}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "agenttap: %v\n", err)
	os.Exit(1)
}

// cli carries state shared by all commands.
type cli struct {
	plat       *platform.Platform
	v          *viper.Viper
	configFile string
	out        io.Writer
}

func newCLI(plat *platform.Platform, out io.Writer) *cli {
	d := config.Defaults{
		CacheDir:     plat.CacheDir(),
		ManifestFile: plat.ManifestFile(),
		AgentVersion: plat.PinnedVersion(),
		AgentBaseURL: downloader.DefaultURLTemplate,
	}
	// Only the local machine is detectable; remote targets set these explicitly.
	if p, err := plat.DetectPlatform(); err == nil {
		d.AgentPlatform = string(p)
	}
	if a, err := plat.DetectArch(); err == nil {
		d.AgentArch = string(a)
	}
	return &cli{plat: plat, v: config.New(d), out: out}
}

func (c *cli) root() *cobra.Command {
	root := &cobra.Command{
		Use:   "agenttap",
		Short: "Route an instrumented app's traffic through an intercepting proxy",
		Long: `agenttap provisions the instrumentation agent for a device, attaches to a
target app, finds a proxy address the app can reach and injects an
interception script that sends its traffic there.

Configuration is read from ~/.agenttap/config.yaml (or --config), then
AGENTTAP_* environment variables (e.g. AGENTTAP_PROXY_PORT), then flags.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&c.configFile, "config", "", "config file (default ~/.agenttap/config.yaml)")
	pf.String("cache-dir", "", "agent cache directory (default ~/.agenttap/cache)")
	pf.String("log-level", "", "log level: debug, info, warn, error")
	pf.String("log-format", "", "log format: text or json")
	pf.String("metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9464")

	root.AddCommand(c.provisionCmd())
	root.AddCommand(c.cleanCmd())
	root.AddCommand(c.interceptCmd())
	root.AddCommand(c.probeCmd())
	root.AddCommand(c.versionCmd())
	return root
}

var globalBindings = map[string]string{
	"cache_dir":    "cache-dir",
	"log.level":    "log-level",
	"log.format":   "log-format",
	"metrics.addr": "metrics-addr",
}

// load binds the executing command's flags and resolves the config.
// Bindings are made per run because several commands share keys.
func (c *cli) load(cmd *cobra.Command, bindings map[string]string) (*config.Config, error) {
	for _, b := range []map[string]string{globalBindings, bindings} {
		for key, name := range b {
			if f := cmd.Flags().Lookup(name); f != nil {
				if err := c.v.BindPFlag(key, f); err != nil {
					return nil, err
				}
			}
		}
	}
	file, required := c.configFile, true
	if file == "" {
		file, required = c.plat.ConfigFile(), false
	}
	return config.Load(c.v, file, required)
}

// env is the wired dependency graph for one command run.
type env struct {
	cfg         *config.Config
	log         *logger.Slog
	metrics     *metrics.Recorder
	manifest    *manifest.Manifest
	resolver    *release.Resolver
	downloader  *downloader.HTTPDownloader
	store       *store.FileStore
	provisioner *app.Provisioner
	ipv6        bool
	stopMetrics func()
}

func (c *cli) setup(cfg *config.Config) (*env, error) {
	lg, err := logger.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}
	man, err := manifest.Load(cfg.Agent.Manifest)
	if err != nil {
		return nil, err
	}
	rec := metrics.NewRecorder()
	st := store.NewFileStore(cfg.CacheDir)

	e := &env{
		cfg:         cfg,
		log:         lg,
		metrics:     rec,
		manifest:    man,
		resolver:    release.NewResolver(cfg.Agent.Repo),
		downloader:  downloader.NewHTTPDownloader(cfg.Agent.BaseURL, lg),
		store:       st,
		provisioner: app.NewProvisioner(st, man, lg, rec),
		stopMetrics: func() {},
	}
	if cfg.Metrics.Addr != "" {
		e.stopMetrics = serveMetrics(cfg.Metrics.Addr, rec.Handler(), lg)
	}
	return e, nil
}

func (e *env) close() { e.stopMetrics() }

// resolveVersion turns the configured agent version into a concrete one.
func (e *env) resolveVersion(ctx context.Context) (string, error) {
	v, err := e.resolver.Resolve(ctx, e.cfg.Agent.Version)
	if err != nil {
		return "", err
	}
	if v == "" {
		return "", errors.New("no agent version: set --agent-version or agent.version")
	}
	return v, nil
}

func serveMetrics(addr string, h http.Handler, lg *logger.Slog) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", h)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		lg.Info("serving metrics", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			lg.Error("metrics server failed", "err", err)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

func (c *cli) versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the agenttap version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(c.out, "agenttap", version)
		},
	}
}
