package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestParseJSON(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.json", `{
  "telegram": {"token": "t", "poll_timeout": "10s"},
  "monitor": {"group_ids": [-100123, 456], "user_ids": ["42", "@alice"], "autostart": true},
  "gateway": {"addr": "127.0.0.1:0"},
  "logging": {"level": "debug", "console": true, "file": {"enabled": false, "path": ""}}
}`)

	m := NewManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.PollTimeout != "10s" {
		t.Fatalf("poll_timeout = %q", cfg.Telegram.PollTimeout)
	}
	if len(cfg.Monitor.GroupIDs) != 2 || cfg.Monitor.GroupIDs[0] != -100123 {
		t.Fatalf("group_ids = %v", cfg.Monitor.GroupIDs)
	}
	if !cfg.Monitor.Autostart {
		t.Fatal("autostart should be true")
	}

	refs := cfg.Monitor.UserRefs()
	if len(refs) != 2 {
		t.Fatalf("user refs = %d, want 2", len(refs))
	}
	if refs[0].IsUsername() || refs[0].ID != 42 {
		t.Fatalf("refs[0] = %+v, want id 42", refs[0])
	}
	if !refs[1].IsUsername() || refs[1].Username != "alice" {
		t.Fatalf("refs[1] = %+v, want username alice", refs[1])
	}
}

func TestParseYAML(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.yaml", `
telegram:
  token: t
  poll_timeout: 30s
monitor:
  group_ids: [1]
  user_ids: []
gateway:
  addr: 127.0.0.1:8090
logging:
  level: info
  console: true
  file:
    enabled: false
    path: ""
`)

	m := NewManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.PollTimeout != "30s" {
		t.Fatalf("poll_timeout = %q", cfg.Telegram.PollTimeout)
	}
	if cfg.Gateway.Addr != "127.0.0.1:8090" {
		t.Fatalf("gateway addr = %q", cfg.Gateway.Addr)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.json", `{"telegram": {"token": "t"}, "bogus": 1}`)
	m := NewManager(path)
	if _, err := m.Load(); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("GW_TELEGRAM_TOKEN", "env-token")
	t.Setenv("GW_MONITOR_GROUP_IDS", "7,8")

	cfg := &Config{}
	cfg.Telegram.Token = "file-token"
	cfg.Gateway.Addr = "127.0.0.1:1"
	if err := ApplyEnv(cfg); err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}
	if cfg.Telegram.Token != "env-token" {
		t.Fatalf("token = %q, want env override", cfg.Telegram.Token)
	}
	if len(cfg.Monitor.GroupIDs) != 2 || cfg.Monitor.GroupIDs[1] != 8 {
		t.Fatalf("group_ids = %v", cfg.Monitor.GroupIDs)
	}
	// Unset vars leave file values alone.
	if cfg.Gateway.Addr != "127.0.0.1:1" {
		t.Fatalf("addr = %q, want file value", cfg.Gateway.Addr)
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{}
	newCfg := &Config{}
	newCfg.Logging.Level = "debug"
	newCfg.Monitor.GroupIDs = []int64{1}

	changed, _ := SummarizeConfigChange(oldCfg, newCfg)
	if len(changed) != 2 || changed[0] != "logging" || changed[1] != "monitor" {
		t.Fatalf("changed = %v, want [logging monitor]", changed)
	}
}
