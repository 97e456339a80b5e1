package domain

import (
	"encoding/json"
	"fmt"
	"path"
	"strings"
)

// HostState is the observed readiness of a host. It is recomputed by the
// discovery layer on every poll and never mutated here.
type HostState string

const (
	HostUnavailable    HostState = "unavailable"
	HostSetupRequired  HostState = "setup-required"
	HostLaunchRequired HostState = "launch-required"
	HostAvailable      HostState = "available"
)

// Host is a read-only snapshot of a discoverable device or container.
// Targets is only meaningful when State is HostAvailable.
type Host struct {
	ID      string    `json:"id"`
	Name    string    `json:"name"`
	Type    string    `json:"type"`
	State   HostState `json:"state"`
	Targets []Target  `json:"targets,omitempty"`
}

// Target identifies an instrumentable process on a host.
type Target struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// FindTarget returns the target with the given ID from an available host.
func (h Host) FindTarget(id string) (Target, bool) {
	if h.State != HostAvailable {
		return Target{}, false
	}
	for _, t := range h.Targets {
		if t.ID == id {
			return t, true
		}
	}
	return Target{}, false
}

// Platform is an agent build platform.
type Platform string

const (
	PlatformAndroid Platform = "android"
	PlatformIOS     Platform = "ios"
	PlatformLinux   Platform = "linux"
)

// Arch is an agent build architecture.
type Arch string

const (
	ArchARM    Arch = "arm"
	ArchARM64  Arch = "arm64"
	ArchX86    Arch = "x86"
	ArchX86_64 Arch = "x86_64"
)

// ParsePlatform validates a platform name.
func ParsePlatform(s string) (Platform, error) {
	switch p := Platform(strings.ToLower(strings.TrimSpace(s))); p {
	case PlatformAndroid, PlatformIOS, PlatformLinux:
		return p, nil
	default:
		return "", fmt.Errorf("unsupported platform %q: expected android, ios or linux", s)
	}
}

// ParseArch validates an architecture name. Common aliases are accepted.
func ParseArch(s string) (Arch, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "arm", "armv7", "armeabi-v7a":
		return ArchARM, nil
	case "arm64", "aarch64", "arm64-v8a":
		return ArchARM64, nil
	case "x86", "i386", "i686":
		return ArchX86, nil
	case "x86_64", "x64", "amd64":
		return ArchX86_64, nil
	default:
		return "", fmt.Errorf("unsupported architecture %q", s)
	}
}

// DependencyKey identifies one cached artifact. The same key always
// resolves to byte-identical content.
type DependencyKey struct {
	Component string
	Platform  Platform
	Arch      Arch
	Version   string
	Ext       string
}

// Prefix returns the key's path segments without the version, suitable as
// a cleanup prefix.
func (k DependencyKey) Prefix() []string {
	return []string{k.Component, string(k.Platform), string(k.Arch)}
}

// RelPath returns the slash-separated location of the artifact relative
// to a cache root: component/platform/arch/version+ext.
func (k DependencyKey) RelPath() string {
	return path.Join(k.Component, string(k.Platform), string(k.Arch), k.Version+k.Ext)
}

func (k DependencyKey) String() string {
	return fmt.Sprintf("%s-%s-%s-%s%s", k.Component, k.Platform, k.Arch, k.Version, k.Ext)
}

// MessageType tags an inbound runtime message.
type MessageType string

const (
	MessageSend  MessageType = "send"
	MessageError MessageType = "error"
	MessageLog   MessageType = "log"
)

// Message is one inbound message from an injected script. Exactly one
// type tag is set; the populated fields depend on it:
// send carries Payload, error carries Description and Stack, log carries
// Level and Text.
type Message struct {
	Type        MessageType
	Payload     json.RawMessage
	Description string
	Stack       string
	Level       string
	Text        string
}

// MessageHandler receives inbound messages in arrival order.
type MessageHandler func(Message)

// ProbeResult is the payload shape reported by the IP-test script.
type ProbeResult struct {
	Type string `json:"type"`
	IP   string `json:"ip,omitempty"`
}

const (
	ProbeConnected        = "connected"
	ProbeConnectionFailed = "connection-failed"
)
