package config

import (
	"encoding/base64"
	"path/filepath"
	"testing"
	"time"
)

func setBaseEnv(t *testing.T) {
	t.Helper()
	t.Setenv("EXEC_CONFIG", filepath.Join(t.TempDir(), "config.yaml"))
	t.Setenv("EXEC_JWT_SECRET", "test-secret")
	t.Setenv("JWT_SECRET", "")
	t.Setenv("EXEC_VAULT_KEY_MATERIAL", base64.StdEncoding.EncodeToString(make([]byte, 32)))
	t.Setenv("EXEC_VAULT_KEY_VERSION", "1")
}

func TestLoadWithoutConfigFile(t *testing.T) {
	setBaseEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("env-only load must succeed without a config file: %v", err)
	}
	if len(cfg.Kafka.Brokers) != 1 || cfg.Kafka.Brokers[0] != "localhost:9092" {
		t.Fatalf("kafka brokers = %v", cfg.Kafka.Brokers)
	}
	if cfg.Kafka.LifecycleTopic != "orders.lifecycle" || cfg.Kafka.UpdatesTopic != "orders.updates" {
		t.Fatalf("kafka topics = %q / %q", cfg.Kafka.LifecycleTopic, cfg.Kafka.UpdatesTopic)
	}
	if len(cfg.Vault.Keys) != 1 || cfg.Vault.ActiveKeyVersion != 1 {
		t.Fatalf("vault keyring = %+v", cfg.Vault)
	}
	if !cfg.Paper.Enabled {
		t.Fatal("paper broker should default enabled")
	}
	if cfg.Dispatch.MaxAttempts != 4 || cfg.Dispatch.BaseDelay != 250*time.Millisecond {
		t.Fatalf("dispatch defaults = %+v", cfg.Dispatch)
	}
}

func TestLoadRequiresJWTSecret(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("EXEC_JWT_SECRET", "")

	if _, err := Load(); err == nil {
		t.Fatal("missing jwt secret must error")
	}
}
