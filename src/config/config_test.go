package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_CreatesConfigWithSecret(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("CCR_PORT", "")
	t.Setenv("CCR_HOST", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.JWTSecret == "" {
		t.Fatal("expected a generated JWT secret")
	}
	if cfg.Port != DefaultPort {
		t.Fatalf("expected default port %d, got %d", DefaultPort, cfg.Port)
	}

	p := filepath.Join(home, ".ccr", "config.json")
	if _, err := os.Stat(p); err != nil {
		t.Fatalf("expected config.json to be created: %v", err)
	}
}

func TestLoad_ReusesExistingSecret(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	first, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	second, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.JWTSecret != second.JWTSecret {
		t.Fatal("expected the same secret to be reused across Load calls")
	}
}

func TestLoad_EnvOverridesPersisted(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("CCR_PORT", "4100")
	t.Setenv("CCR_HOST", "127.0.0.1")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != 4100 {
		t.Fatalf("expected env override port 4100, got %d", cfg.Port)
	}
	if cfg.Host != "127.0.0.1" {
		t.Fatalf("expected env override host 127.0.0.1, got %q", cfg.Host)
	}
}

func TestConfig_SavePersistsChanges(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cfg.ChildCommand = "my-shell"
	if err := cfg.Save(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(home, ".ccr", "config.json"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var persisted Persisted
	if err := json.Unmarshal(raw, &persisted); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if persisted.ChildCommand != "my-shell" {
		t.Fatalf("expected persisted childCommand 'my-shell', got %q", persisted.ChildCommand)
	}
}
