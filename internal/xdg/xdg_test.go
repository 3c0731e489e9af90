package xdg

import (
	"path/filepath"
	"testing"
)

func TestConfigDirHonoursXDGConfigHome(t *testing.T) {
	base := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", base)

	got, err := ConfigDir()
	if err != nil {
		t.Fatalf("config dir: %v", err)
	}
	if want := filepath.Join(base, "relay"); got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestConfigDirIgnoresRelativeXDGConfigHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", "relative/path")
	t.Setenv("HOME", home)
	t.Setenv("USERPROFILE", home)

	got, err := ConfigDir()
	if err != nil {
		t.Fatalf("config dir: %v", err)
	}
	if want := filepath.Join(home, ".config", "relay"); got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}
