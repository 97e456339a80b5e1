package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/sync/singleflight"

	"agenttap/internal/domain"
	"agenttap/internal/integrity"
)

// Resolution outcomes reported to metrics.
const (
	OutcomeMemo    = "memo"
	OutcomeHit     = "hit"
	OutcomeFetched = "fetched"
	OutcomeError   = "error"
)

// Artifact is a cached, verified dependency.
type Artifact struct {
	Key    domain.DependencyKey
	Path   string
	Digest string
}

// Open returns a reader over the artifact content.
func (a *Artifact) Open() (io.ReadCloser, error) {
	return os.Open(a.Path)
}

// Provisioner resolves dependency keys to verified local artifacts,
// fetching on first use. Each key is fetched and verified at most once per
// process; concurrent requests for the same key share one fetch.
type Provisioner struct {
	store   domain.ArtifactStore
	digests domain.DigestSource
	logger  domain.Logger
	metrics domain.Metrics

	group    singleflight.Group
	mu       sync.Mutex
	resolved map[domain.DependencyKey]*Artifact
}

// NewProvisioner creates a provisioner over store, trusting only the
// digests supplied by digests.
func NewProvisioner(store domain.ArtifactStore, digests domain.DigestSource, lg domain.Logger, m domain.Metrics) *Provisioner {
	return &Provisioner{
		store:    store,
		digests:  digests,
		logger:   lg,
		metrics:  m,
		resolved: make(map[domain.DependencyKey]*Artifact),
	}
}

// Get returns the artifact for key, calling fetch if it is not cached.
// Fetch errors are returned as-is. A digest mismatch returns an
// *domain.IntegrityError and nothing is cached.
func (p *Provisioner) Get(ctx context.Context, key domain.DependencyKey, fetch domain.FetchFunc) (*Artifact, error) {
	if a := p.lookup(key); a != nil {
		p.metrics.ArtifactResolved(key, OutcomeMemo)
		return a, nil
	}

	v, err, _ := p.group.Do(key.String(), func() (any, error) {
		if a := p.lookup(key); a != nil {
			return a, nil
		}
		a, outcome, err := p.resolve(ctx, key, fetch)
		if err != nil {
			p.metrics.ArtifactResolved(key, OutcomeError)
			return nil, err
		}
		p.metrics.ArtifactResolved(key, outcome)

		p.mu.Lock()
		p.resolved[key] = a
		p.mu.Unlock()
		return a, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Artifact), nil
}

func (p *Provisioner) lookup(key domain.DependencyKey) *Artifact {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resolved[key]
}

func (p *Provisioner) resolve(ctx context.Context, key domain.DependencyKey, fetch domain.FetchFunc) (*Artifact, string, error) {
	wantStr, ok := p.digests.Digest(key)
	if !ok {
		return nil, "", &domain.IntegrityError{Key: key}
	}
	want, err := integrity.Parse(wantStr)
	if err != nil {
		return nil, "", fmt.Errorf("digest for %s: %w", key, err)
	}

	if p.store.Has(key) {
		path := p.store.Path(key)
		got, ok, err := integrity.VerifyFile(path, want)
		if err == nil && ok {
			p.logger.Debug("using cached artifact", "key", key.String(), "path", path)
			return &Artifact{Key: key, Path: path, Digest: want.String()}, OutcomeHit, nil
		}
		p.logger.Warn("cached artifact failed verification, refetching",
			"key", key.String(), "want", want.String(), "got", got.String(), "err", err)
		if err := p.store.Remove(key.RelPath()); err != nil {
			return nil, "", err
		}
	}

	p.logger.Info("fetching artifact", "key", key.String())
	body, err := fetch(ctx, key)
	if err != nil {
		return nil, "", err
	}
	defer body.Close()

	err = p.store.Put(key, body, func(tmpPath string) error {
		got, ok, err := integrity.VerifyFile(tmpPath, want)
		if err != nil {
			return err
		}
		if !ok {
			return &domain.IntegrityError{Key: key, Want: want.String(), Got: got.String()}
		}
		return nil
	})
	if err != nil {
		var integrityErr *domain.IntegrityError
		if errors.As(err, &integrityErr) {
			return nil, "", integrityErr
		}
		return nil, "", fmt.Errorf("store %s: %w", key, err)
	}

	path := p.store.Path(key)
	p.logger.Info("artifact cached", "key", key.String(), "path", path)
	return &Artifact{Key: key, Path: path, Digest: want.String()}, OutcomeFetched, nil
}

// Cleanup deletes every cached artifact under prefix whose version is not
// keep, returning the removed paths. The kept version is never touched.
func (p *Provisioner) Cleanup(prefix []string, ext, keep string) ([]string, error) {
	entries, err := p.store.List(ext, prefix...)
	if err != nil {
		return nil, err
	}

	var removed []string
	var errs []error
	for rel, version := range entries {
		if version == keep {
			continue
		}
		if err := p.store.Remove(rel); err != nil {
			errs = append(errs, err)
			continue
		}
		p.logger.Info("removed stale artifact", "path", rel, "version", version)
		removed = append(removed, rel)
	}

	p.mu.Lock()
	for key := range p.resolved {
		if key.Version != keep && key.Ext == ext && hasPrefix(key, prefix) {
			delete(p.resolved, key)
		}
	}
	p.mu.Unlock()

	return removed, errors.Join(errs...)
}

func hasPrefix(key domain.DependencyKey, prefix []string) bool {
	segments := key.Prefix()
	if len(prefix) > len(segments) {
		return false
	}
	for i, s := range prefix {
		if segments[i] != s {
			return false
		}
	}
	return true
}
