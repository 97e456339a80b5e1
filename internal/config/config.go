package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"

	"agenttap/internal/domain"
)

// EnvPrefix prefixes every environment override, e.g. AGENTTAP_PROXY_PORT.
const EnvPrefix = "AGENTTAP"

// Config is the resolved agenttap configuration.
type Config struct {
	CacheDir    string            `mapstructure:"cache_dir"`
	Agent       AgentConfig       `mapstructure:"agent"`
	Proxy       ProxyConfig       `mapstructure:"proxy"`
	Negotiation NegotiationConfig `mapstructure:"negotiation"`
	Session     SessionConfig     `mapstructure:"session"`
	Transport   TransportConfig   `mapstructure:"transport"`
	Log         LogConfig         `mapstructure:"log"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
}

type AgentConfig struct {
	Version  string `mapstructure:"version"`
	Repo     string `mapstructure:"repo"`
	BaseURL  string `mapstructure:"base_url"`
	Manifest string `mapstructure:"manifest"`
	Platform string `mapstructure:"platform"`
	Arch     string `mapstructure:"arch"`
}

type ProxyConfig struct {
	Port           int      `mapstructure:"port"`
	ExtraAddresses []string `mapstructure:"extra_addresses"`
}

type NegotiationConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

type SessionConfig struct {
	KillGrace time.Duration `mapstructure:"kill_grace"`
}

// TransportConfig selects how the agent is reached. Command takes
// precedence over URL.
type TransportConfig struct {
	Command []string `mapstructure:"command"`
	URL     string   `mapstructure:"url"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// Defaults are the machine-dependent default values.
type Defaults struct {
	CacheDir      string
	ManifestFile  string
	AgentVersion  string
	AgentRepo     string
	AgentBaseURL  string
	AgentPlatform string
	AgentArch     string
}

// New returns a viper instance with defaults and environment binding set.
func New(d Defaults) *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	version := d.AgentVersion
	if version == "" {
		version = "latest"
	}
	v.SetDefault("cache_dir", d.CacheDir)
	v.SetDefault("agent.version", version)
	v.SetDefault("agent.repo", d.AgentRepo)
	v.SetDefault("agent.base_url", d.AgentBaseURL)
	v.SetDefault("agent.manifest", d.ManifestFile)
	v.SetDefault("agent.platform", d.AgentPlatform)
	v.SetDefault("agent.arch", d.AgentArch)
	v.SetDefault("proxy.port", 8080)
	v.SetDefault("proxy.extra_addresses", []string{})
	v.SetDefault("negotiation.timeout", 2*time.Second)
	v.SetDefault("session.kill_grace", 100*time.Millisecond)
	v.SetDefault("transport.command", []string{})
	v.SetDefault("transport.url", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("metrics.addr", "")
	return v
}

// Load reads file into v, if given, and decodes the merged configuration.
// A missing file is only an error when required is set.
func Load(v *viper.Viper, file string, required bool) (*Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			missing := errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist)
			if required || !missing {
				return nil, fmt.Errorf("read config %s: %w", file, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that would otherwise fail late.
func (c *Config) Validate() error {
	if c.CacheDir == "" {
		return errors.New("cache_dir must be set")
	}
	if c.Proxy.Port < 0 || c.Proxy.Port > 65535 {
		return fmt.Errorf("proxy.port %d out of range", c.Proxy.Port)
	}
	if c.Negotiation.Timeout <= 0 {
		return fmt.Errorf("negotiation.timeout must be positive, got %s", c.Negotiation.Timeout)
	}
	if c.Session.KillGrace < 0 {
		return fmt.Errorf("session.kill_grace must not be negative, got %s", c.Session.KillGrace)
	}
	if c.Agent.Platform != "" {
		if _, err := domain.ParsePlatform(c.Agent.Platform); err != nil {
			return fmt.Errorf("agent.platform: %w", err)
		}
	}
	if c.Agent.Arch != "" {
		if _, err := domain.ParseArch(c.Agent.Arch); err != nil {
			return fmt.Errorf("agent.arch: %w", err)
		}
	}
	return nil
}

// Target returns the parsed agent platform and architecture.
func (c *Config) Target() (domain.Platform, domain.Arch, error) {
	p, err := domain.ParsePlatform(c.Agent.Platform)
	if err != nil {
		return "", "", fmt.Errorf("agent.platform: %w", err)
	}
	a, err := domain.ParseArch(c.Agent.Arch)
	if err != nil {
		return "", "", fmt.Errorf("agent.arch: %w", err)
	}
	return p, a, nil
}
