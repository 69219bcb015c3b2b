// Copyright 2024-2026 Aiku AI

package bridge

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
	"maunium.net/go/mautrix/id"
)

func loadExampleConfig(t *testing.T) *Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := WriteExampleConfig(path); err != nil {
		t.Fatalf("WriteExampleConfig: %v", err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	return cfg
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Parallel()
	cfg := loadExampleConfig(t)
	if cfg.Homeserver.Domain != "example.com" {
		t.Errorf("domain: got %q", cfg.Homeserver.Domain)
	}
	if cfg.Bridge.CommandPrefix != "!gc" {
		t.Errorf("command prefix: got %q", cfg.Bridge.CommandPrefix)
	}
	if cfg.Bridge.PortalQueueSize != 64 {
		t.Errorf("portal queue size: got %d", cfg.Bridge.PortalQueueSize)
	}
	if got := time.Duration(cfg.Bridge.Reconnect.MinBackoff); got != 2*time.Second {
		t.Errorf("min backoff: got %s", got)
	}
	if got := time.Duration(cfg.Bridge.Reconnect.MaxBackoff); got != 5*time.Minute {
		t.Errorf("max backoff: got %s", got)
	}
	if got := time.Duration(cfg.Bridge.Encryption.DecryptRetryTimeout); got != 30*time.Second {
		t.Errorf("decrypt retry timeout: got %s", got)
	}
	if cfg.Bridge.Encryption.Rotation.Messages != 100 {
		t.Errorf("rotation messages: got %d", cfg.Bridge.Encryption.Rotation.Messages)
	}
	if got := time.Duration(cfg.GoogleChat.PollInterval); got != 15*time.Second {
		t.Errorf("poll interval: got %s", got)
	}
}

// LoadConfig fills defaults for keys missing from a sparse config file.
func TestLoadConfigUpgradesSparseFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	sparse := "homeserver:\n    address: http://matrix.local\n    domain: matrix.local\n"
	if err := os.WriteFile(path, []byte(sparse), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Homeserver.Domain != "matrix.local" {
		t.Errorf("domain not kept: got %q", cfg.Homeserver.Domain)
	}
	if cfg.Bridge.UsernameTemplate != "googlechat_{{.}}" {
		t.Errorf("username template not filled in: got %q", cfg.Bridge.UsernameTemplate)
	}
	if cfg.AppService.Port != 29320 {
		t.Errorf("appservice port not filled in: got %d", cfg.AppService.Port)
	}
}

func TestFormatUsername(t *testing.T) {
	t.Parallel()
	cfg := loadExampleConfig(t)
	if got := cfg.Bridge.FormatUsername("12345"); got != "googlechat_12345" {
		t.Errorf("got %q", got)
	}
}

func TestParseUsername(t *testing.T) {
	t.Parallel()
	cfg := loadExampleConfig(t)
	gcid, ok := cfg.Bridge.ParseUsername(id.UserID("@googlechat_12345:example.com"), "example.com")
	if !ok || gcid != "12345" {
		t.Errorf("got %q, %v", gcid, ok)
	}
	if _, ok = cfg.Bridge.ParseUsername(id.UserID("@alice:example.com"), "example.com"); ok {
		t.Error("non-ghost MXID should not parse")
	}
	if _, ok = cfg.Bridge.ParseUsername(id.UserID("@googlechat_12345:other.com"), "example.com"); ok {
		t.Error("ghost on wrong domain should not parse")
	}
	if _, ok = cfg.Bridge.ParseUsername(id.UserID("@googlechat_:example.com"), "example.com"); ok {
		t.Error("empty inner ID should not parse")
	}
}

func TestFormatDisplayname(t *testing.T) {
	t.Parallel()
	cfg := loadExampleConfig(t)
	got := cfg.Bridge.FormatDisplayname(DisplaynameParams{Name: "Alice", Email: "alice@example.com"})
	if got != "Alice (Google Chat)" {
		t.Errorf("got %q", got)
	}
}

func TestDurationUnmarshal(t *testing.T) {
	t.Parallel()
	var d Duration
	if err := yaml.Unmarshal([]byte("30s"), &d); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if time.Duration(d) != 30*time.Second {
		t.Errorf("got %s", time.Duration(d))
	}
	if err := yaml.Unmarshal([]byte("soon"), &d); err == nil {
		t.Error("invalid duration should error")
	}
}

func TestTemplateAffixes(t *testing.T) {
	t.Parallel()
	prefix, suffix, ok := templateAffixes("gc_{{.}}_bridge")
	if !ok || prefix != "gc_" || suffix != "_bridge" {
		t.Errorf("got %q, %q, %v", prefix, suffix, ok)
	}
	if _, _, ok = templateAffixes("static"); ok {
		t.Error("template without placeholder should not split")
	}
}
