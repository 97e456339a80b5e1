// Package manifest reads the digest manifest that pins the expected
// content digest of every agent release asset. The manifest is YAML:
//
//	components:
//	  agent-server:
//	    "16.5.9":
//	      android-arm64: sha256:5f1e...
//	      linux-x86_64: blake3:9ab0...
package manifest

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"agenttap/internal/domain"
	"agenttap/internal/integrity"
)

// Manifest maps component → version → "platform-arch" → digest.
type Manifest struct {
	mu         sync.RWMutex
	Components map[string]map[string]map[string]string `yaml:"components"`
}

// New returns an empty manifest.
func New() *Manifest {
	return &Manifest{Components: make(map[string]map[string]map[string]string)}
}

// Parse decodes and validates a manifest document.
func Parse(data []byte) (*Manifest, error) {
	m := New()
	if err := yaml.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if m.Components == nil {
		m.Components = make(map[string]map[string]map[string]string)
	}
	for component, versions := range m.Components {
		for version, assets := range versions {
			for asset, digest := range assets {
				if _, err := integrity.Parse(digest); err != nil {
					return nil, fmt.Errorf("manifest %s %s %s: %w", component, version, asset, err)
				}
			}
		}
	}
	return m, nil
}

// Load reads the manifest at path. A missing file yields an empty
// manifest, which trusts nothing.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return New(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return Parse(data)
}

// Pin records the digest for key, overriding any manifest entry.
func (m *Manifest) Pin(key domain.DependencyKey, digest string) error {
	if _, err := integrity.Parse(digest); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	versions, ok := m.Components[key.Component]
	if !ok {
		versions = make(map[string]map[string]string)
		m.Components[key.Component] = versions
	}
	assets, ok := versions[key.Version]
	if !ok {
		assets = make(map[string]string)
		versions[key.Version] = assets
	}
	assets[assetName(key)] = digest
	return nil
}

// Digest implements domain.DigestSource.
func (m *Manifest) Digest(key domain.DependencyKey) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.Components[key.Component][key.Version][assetName(key)]
	return d, ok
}

func assetName(key domain.DependencyKey) string {
	return string(key.Platform) + "-" + string(key.Arch)
}
