package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFromEnv_Defaults(t *testing.T) {
	cfg := FromEnv()
	if cfg.Addr != ":9080" {
		t.Fatalf("default addr = %q", cfg.Addr)
	}
	if cfg.ReconnectDelay() != 2*time.Second {
		t.Fatalf("default reconnect delay = %v", cfg.ReconnectDelay())
	}
	if cfg.ArchiveKeep != 500 {
		t.Fatalf("default archive keep = %d", cfg.ArchiveKeep)
	}
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("ADDR", ":7000")
	t.Setenv("RECONNECT_ATTEMPTS", "9")
	t.Setenv("RECONNECT_DELAY_MS", "not-a-number")

	cfg := FromEnv()
	if cfg.Addr != ":7000" || cfg.ReconnectAttempts != 9 {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
	if cfg.ReconnectDelayMs != 2000 {
		t.Fatalf("bad int env must fall back to default, got %d", cfg.ReconnectDelayMs)
	}
}

func TestLoadFile_OverlaysOnlyPresentKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rustdash.yaml")
	body := "dashboard_ws: ws://example:4000/ws\nself_name: Ayuan\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := FromEnv()
	if err := LoadFile(path, &cfg); err != nil {
		t.Fatal(err)
	}
	if cfg.DashboardWS != "ws://example:4000/ws" || cfg.SelfName != "Ayuan" {
		t.Fatalf("file overlay not applied: %+v", cfg)
	}
	if cfg.Addr != ":9080" {
		t.Fatalf("absent key must keep its default, got %q", cfg.Addr)
	}
}

func TestLoadFile_MissingFile(t *testing.T) {
	cfg := FromEnv()
	if err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml"), &cfg); err == nil {
		t.Fatalf("missing file must error")
	}
}
