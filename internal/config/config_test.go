package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Gateway.Port != 8080 {
		t.Errorf("expected Port=8080, got %d", cfg.Gateway.Port)
	}
	if cfg.Approval.DefaultDeadlineSec != 900 {
		t.Errorf("expected DefaultDeadlineSec=900, got %d", cfg.Approval.DefaultDeadlineSec)
	}
	if cfg.Limits.Capacity != 5 || cfg.Limits.RefillPerMin != 1 || cfg.Limits.MinSpacingSec != 20 {
		t.Errorf("unexpected limits: %+v", cfg.Limits)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if cfg.Rendezvous.MaxPendingSec != 1800 {
		t.Errorf("expected MaxPendingSec=1800, got %d", cfg.Rendezvous.MaxPendingSec)
	}
}

func TestLoadFile_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("LoadFile error: %v", err)
	}
	if cfg.Store.Backend != "redis" || cfg.Sweeper.IntervalSec != 10 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestLoadFile_FileAndEnvOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{
  "store": {"backend": "memory"},
  "approval": {"duplicate_policy": "reject"},
  "channels": {"whatsapp": {"enabled": true, "limit": {"capacity": 2, "refill_per_min": 0.5}}}
}`
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SIGNOFF_LIMITS_MIN_SPACING_SEC", "5")
	t.Setenv("SIGNOFF_DISPATCH_URL", "https://workflow.example/decisions")
	t.Setenv("SIGNOFF_CHANNELS_TELEGRAM_ALLOW_FROM", "alice,bob")

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile error: %v", err)
	}
	if cfg.Store.Backend != "memory" {
		t.Errorf("expected memory backend, got %q", cfg.Store.Backend)
	}
	if cfg.Approval.DuplicatePolicy != "reject" {
		t.Errorf("expected reject policy, got %q", cfg.Approval.DuplicatePolicy)
	}
	if cfg.Limits.MinSpacingSec != 5 {
		t.Errorf("expected env spacing 5, got %d", cfg.Limits.MinSpacingSec)
	}
	if cfg.Dispatch.URL != "https://workflow.example/decisions" {
		t.Errorf("unexpected dispatch url %q", cfg.Dispatch.URL)
	}
	if got := cfg.Channels.Telegram.AllowFrom; len(got) != 2 || got[0] != "alice" || got[1] != "bob" {
		t.Errorf("unexpected allow_from %v", got)
	}
	limits := cfg.ChannelLimits()
	if l, ok := limits["whatsapp"]; !ok || l.Capacity != 2 || l.RefillPerMin != 0.5 {
		t.Errorf("unexpected whatsapp limit %+v", limits)
	}
	if _, ok := limits["slack"]; ok {
		t.Errorf("slack has no override")
	}
}

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"port", func(c *Config) { c.Gateway.Port = 0 }, "gateway.port"},
		{"backend", func(c *Config) { c.Store.Backend = "etcd" }, "store.backend"},
		{"redis url", func(c *Config) { c.Store.RedisURL = " " }, "store.redis_url"},
		{"duplicate policy", func(c *Config) { c.Approval.DuplicatePolicy = "merge" }, "duplicate_policy"},
		{"id pattern", func(c *Config) { c.Approval.IDPattern = "cr_[" }, "id_pattern"},
		{"capacity", func(c *Config) { c.Limits.Capacity = 0 }, "limits"},
		{"spacing", func(c *Config) { c.Limits.MinSpacingSec = -1 }, "min_spacing_sec"},
		{"channel limit", func(c *Config) { c.Channels.Slack.Limit.RefillPerMin = 1 }, "channels.slack.limit"},
		{"telegram mode", func(c *Config) { c.Channels.Telegram.Mode = "push" }, "telegram.mode"},
		{"log level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"log format", func(c *Config) { c.Log.Format = "logfmt" }, "log.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestValidate_FillsDefaults(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Store.Backend = " Memory "
	cfg.Store.TTLSec = 0
	cfg.Approval.DefaultDeadlineSec = 60
	cfg.Rendezvous.MaxPendingSec = 0
	cfg.Log.Level = "WARNING"
	cfg.Log.Format = ""

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate error: %v", err)
	}
	if cfg.Store.Backend != "memory" || cfg.Store.TTLSec != 86400 {
		t.Errorf("unexpected store config: %+v", cfg.Store)
	}
	if cfg.Rendezvous.MaxPendingSec != 120 {
		t.Errorf("expected max pending twice the deadline, got %d", cfg.Rendezvous.MaxPendingSec)
	}
	if cfg.Log.Level != "warn" || cfg.Log.Format != "text" {
		t.Errorf("unexpected log config: %+v", cfg.Log)
	}
}

func TestPaths(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	cfg := DefaultConfig()
	if got := cfg.StateDirPath(); got != filepath.Join(home, ".signoff", "state") {
		t.Errorf("unexpected state dir %q", got)
	}
	cfg.StateDir = "~/data"
	if got := cfg.DeadLetterPath(); got != filepath.Join(home, "data", "dead_letters.jsonl") {
		t.Errorf("unexpected dead letter path %q", got)
	}
	cfg.Dispatch.DeadLetterFile = "/var/log/dl.jsonl"
	if got := cfg.DeadLetterPath(); got != "/var/log/dl.jsonl" {
		t.Errorf("explicit dead letter path ignored: %q", got)
	}
}

func TestSaveFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")
	cfg := DefaultConfig()
	cfg.Gateway.Port = 9090
	if err := SaveFile(path, cfg); err != nil {
		t.Fatalf("SaveFile error: %v", err)
	}
	loaded, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile error: %v", err)
	}
	if loaded.Gateway.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", loaded.Gateway.Port)
	}
}
