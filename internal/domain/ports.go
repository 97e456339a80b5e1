package domain

import (
	"context"
	"io"
	"time"
)

// Runtime is the instrumentation runtime attached to one target process.
// SetMessageHandler replaces any previously registered handler; only the
// most recent handler observes subsequent messages.
type Runtime interface {
	Resume(ctx context.Context) error
	Kill(ctx context.Context) error
	CreateScript(ctx context.Context, source string) (ScriptHandle, error)
	SetMessageHandler(h MessageHandler)
	// Done is closed once the runtime has gone, by kill or detach.
	Done() <-chan struct{}
	// Err reports why the runtime went away, or nil while it is attached.
	Err() error
}

// ScriptHandle is a prepared but not yet executed script.
type ScriptHandle interface {
	// Load runs the script. If the runtime accepts it, accepted (when
	// non-nil) runs before any message that follows the acceptance is
	// delivered to the message handler. It must not block.
	Load(ctx context.Context, accepted func()) error
}

// Attacher attaches to a target on a host and returns its runtime.
// agentPath is the locally provisioned agent binary for the host.
type Attacher interface {
	Attach(ctx context.Context, host Host, target Target, agentPath string) (Runtime, error)
}

// ArtifactStore is a key-addressed blob store.
type ArtifactStore interface {
	// Path returns where the blob for key lives, whether or not it exists.
	Path(key DependencyKey) string
	Has(key DependencyKey) bool
	// Put streams r into the store under key, atomically. verify runs on
	// the written temp file before it becomes visible; a non-nil error
	// discards the blob.
	Put(key DependencyKey, r io.Reader, verify func(tmpPath string) error) error
	// List returns the version of every blob with extension ext under the
	// given prefix segments, keyed by slash-separated relative path.
	List(ext string, prefix ...string) (map[string]string, error)
	Remove(relPath string) error
}

// FetchFunc opens the remote content for a key.
type FetchFunc func(ctx context.Context, key DependencyKey) (io.ReadCloser, error)

// DigestSource supplies the expected integrity digest for a key.
type DigestSource interface {
	Digest(key DependencyKey) (string, bool)
}

// InterfaceLister enumerates locally reachable interface addresses.
type InterfaceLister interface {
	Addresses() ([]string, error)
}

// Logger provides structured logging.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Metrics records operational counters.
type Metrics interface {
	ArtifactResolved(key DependencyKey, outcome string)
	NegotiationFinished(outcome string, elapsed time.Duration)
	ScriptLaunched(outcome string)
}
