package platform

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"agenttap/internal/domain"
)

func TestDetectArch(t *testing.T) {
	p := &Platform{homeDir: "/tmp"}
	arch, err := p.DetectArch()
	switch runtime.GOARCH {
	case "amd64":
		if err != nil || arch != domain.ArchX86_64 {
			t.Errorf("DetectArch() = %q, %v; want x86_64", arch, err)
		}
	case "arm64":
		if err != nil || arch != domain.ArchARM64 {
			t.Errorf("DetectArch() = %q, %v; want arm64", arch, err)
		}
	default:
		t.Skipf("unsupported arch: %s", runtime.GOARCH)
	}
}

func TestDetectPlatform(t *testing.T) {
	p := &Platform{homeDir: "/tmp"}
	plat, err := p.DetectPlatform()
	if runtime.GOOS != "linux" {
		if err == nil {
			t.Errorf("DetectPlatform() on %s = %q, want error", runtime.GOOS, plat)
		}
		return
	}
	if err != nil || plat != domain.PlatformLinux {
		t.Errorf("DetectPlatform() = %q, %v; want linux", plat, err)
	}
}

func TestPaths(t *testing.T) {
	p := &Platform{homeDir: "/home/user"}
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"base", p.BaseDir(), "/home/user/.agenttap"},
		{"cache", p.CacheDir(), "/home/user/.agenttap/cache"},
		{"config", p.ConfigFile(), "/home/user/.agenttap/config.yaml"},
		{"manifest", p.ManifestFile(), "/home/user/.agenttap/digests.yaml"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %q, want %q", tt.name, tt.got, tt.want)
		}
	}
}

func TestPinnedVersion_File(t *testing.T) {
	tmpDir := t.TempDir()
	p := &Platform{homeDir: tmpDir}

	dir := filepath.Join(tmpDir, ".agenttap")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, ".agent-version"), []byte("16.5.9\n"), 0644); err != nil {
		t.Fatal(err)
	}

	if got := p.PinnedVersion(); got != "16.5.9" {
		t.Errorf("PinnedVersion() = %q, want 16.5.9", got)
	}
}

func TestPinnedVersion_Missing(t *testing.T) {
	p := &Platform{homeDir: t.TempDir()}
	if got := p.PinnedVersion(); got != "" {
		t.Errorf("PinnedVersion() = %q, want empty", got)
	}
}
