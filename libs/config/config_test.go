package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "config.yaml"))
	if err != nil {
		t.Fatalf("missing config file must be tolerated: %v", err)
	}
	if cfg.ServiceName != "execution-core" {
		t.Fatalf("service_name = %q", cfg.ServiceName)
	}
	if got := cfg.HTTP.Addr(); got != "0.0.0.0:8080" {
		t.Fatalf("http addr = %q", got)
	}
}

func TestLoadReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte("service_name: exec-test\nhttp:\n  port: 9090\n")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ServiceName != "exec-test" {
		t.Fatalf("service_name = %q", cfg.ServiceName)
	}
	if cfg.HTTP.Port != 9090 {
		t.Fatalf("port = %d", cfg.HTTP.Port)
	}
}

func TestLoadMalformedFileErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("http: [not a map"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("malformed config must error")
	}
}
