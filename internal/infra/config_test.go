package infra

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfig_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := []byte(`
server:
  port: 8181
custody:
  holders:
    - id: h1
      addr: "holder-1:50061"
    - id: h2
      addr: "holder-2:50061"
settlement:
  webhook_keys:
    card-primary: s3cret
`)
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("PAYGATE_CONFIG", path)
	t.Setenv("REDIS_ADDR", "redis.internal:6380")
	t.Setenv("AUTH_PUBLIC_KEY_DATA", "-----BEGIN PUBLIC KEY-----")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 8181 {
		t.Fatalf("expected port from file, got %d", cfg.Server.Port)
	}
	if cfg.Redis.Addr != "redis.internal:6380" {
		t.Fatalf("expected redis addr from env, got %q", cfg.Redis.Addr)
	}
	if len(cfg.Custody.Holders) != 2 || cfg.Custody.Holders[1].Addr != "holder-2:50061" {
		t.Fatalf("unexpected holders: %+v", cfg.Custody.Holders)
	}
	if cfg.Settlement.WebhookKeys["card-primary"] != "s3cret" {
		t.Fatalf("webhook keys not decoded: %+v", cfg.Settlement.WebhookKeys)
	}
	if cfg.Identity.SignatureWindow != 2*time.Minute || cfg.Ledger.MirrorBatchSize != 100 {
		t.Fatalf("defaults not applied: %+v %+v", cfg.Identity, cfg.Ledger)
	}
	if string(cfg.Auth.PublicKey) != "-----BEGIN PUBLIC KEY-----" {
		t.Fatalf("public key not loaded from env")
	}
}

func TestNewLogger(t *testing.T) {
	if _, err := NewLogger(LoggerConfig{Level: "debug", Format: "console"}); err != nil {
		t.Fatalf("console logger: %v", err)
	}
	if _, err := NewLogger(LoggerConfig{Level: "loud"}); err == nil {
		t.Fatal("expected error for unknown level")
	}
}
