package platform

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"agenttap/internal/domain"
)

// Platform resolves the local machine's identity and agenttap's paths.
type Platform struct {
	homeDir string
}

// New creates a Platform rooted at the current user's home directory.
func New() (*Platform, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}
	return &Platform{homeDir: home}, nil
}

// NewWithHome creates a Platform rooted at home.
func NewWithHome(home string) *Platform {
	return &Platform{homeDir: home}
}

// BaseDir returns ~/.agenttap.
func (p *Platform) BaseDir() string {
	return filepath.Join(p.homeDir, ".agenttap")
}

// CacheDir returns the artifact cache directory (~/.agenttap/cache).
func (p *Platform) CacheDir() string {
	return filepath.Join(p.BaseDir(), "cache")
}

// ConfigFile returns the default config file (~/.agenttap/config.yaml).
func (p *Platform) ConfigFile() string {
	return filepath.Join(p.BaseDir(), "config.yaml")
}

// ManifestFile returns the default digest manifest (~/.agenttap/digests.yaml).
func (p *Platform) ManifestFile() string {
	return filepath.Join(p.BaseDir(), "digests.yaml")
}

// PinnedVersion returns the agent version pinned in ~/.agenttap/.agent-version,
// or "" when there is none.
func (p *Platform) PinnedVersion() string {
	data, err := os.ReadFile(filepath.Join(p.BaseDir(), ".agent-version"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// DetectArch returns the agent architecture of the local machine.
func (p *Platform) DetectArch() (domain.Arch, error) {
	return domain.ParseArch(runtime.GOARCH)
}

// DetectPlatform returns the agent platform of the local machine.
func (p *Platform) DetectPlatform() (domain.Platform, error) {
	return domain.ParsePlatform(runtime.GOOS)
}
