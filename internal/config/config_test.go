package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	if cfg.Server.Port != 8466 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
	if cfg.Database.Driver != "sqlite" {
		t.Errorf("driver = %q", cfg.Database.Driver)
	}
	if cfg.Firewall.ThreatScoreThreshold != 0.8 {
		t.Errorf("threshold = %v", cfg.Firewall.ThreatScoreThreshold)
	}
	if cfg.Firewall.DefaultRateLimit != 100 {
		t.Errorf("rate limit = %d", cfg.Firewall.DefaultRateLimit)
	}
	if cfg.WebSocket.MaxConnsPerIP != 5 {
		t.Errorf("max conns per ip = %d", cfg.WebSocket.MaxConnsPerIP)
	}
	if cfg.Skills.TimeoutMs != 5000 {
		t.Errorf("skills timeout = %d", cfg.Skills.TimeoutMs)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults do not validate: %v", err)
	}
}

func TestLoadAppliesDefaultsToPartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clawshield.yaml")
	partial := `
server:
  port: 9999
upstream:
  url: http://agents.internal:8080
firewall:
  deep_scan: true
`
	if err := os.WriteFile(path, []byte(partial), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
	if cfg.Upstream.URL != "http://agents.internal:8080" {
		t.Errorf("upstream = %q", cfg.Upstream.URL)
	}
	if !cfg.Firewall.DeepScan {
		t.Error("deep_scan not read")
	}
	// Unset fields fall back to defaults.
	if cfg.Firewall.DefaultRateLimit != 100 {
		t.Errorf("rate limit = %d, want default 100", cfg.Firewall.DefaultRateLimit)
	}
	if cfg.WebSocket.MaxMessageSize != 1<<20 {
		t.Errorf("max message size = %d", cfg.WebSocket.MaxMessageSize)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clawshield.yaml")

	cfg := Defaults()
	cfg.Server.Port = 7000
	cfg.Upstream.URL = "http://host:1234"
	cfg.Webhooks = []Webhook{{URL: "https://hooks.example.com/x", Events: []string{"prompt_injection"}}}

	if err := cfg.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Server.Port != 7000 || loaded.Upstream.URL != "http://host:1234" {
		t.Errorf("round trip lost fields: %+v", loaded.Server)
	}
	if len(loaded.Webhooks) != 1 || loaded.Webhooks[0].Events[0] != "prompt_injection" {
		t.Errorf("webhooks = %+v", loaded.Webhooks)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid defaults", func(c *Config) {}, false},
		{"negative port", func(c *Config) { c.Server.Port = -1 }, true},
		{"port too high", func(c *Config) { c.Server.Port = 70000 }, true},
		{"missing upstream", func(c *Config) { c.Upstream.URL = "" }, true},
		{"bad driver", func(c *Config) { c.Database.Driver = "mysql" }, true},
		{"postgres ok", func(c *Config) { c.Database.Driver = "postgres" }, false},
		{"threshold above one", func(c *Config) { c.Firewall.ThreatScoreThreshold = 1.5 }, true},
		{"timeout too low", func(c *Config) { c.Skills.TimeoutMs = 500 }, true},
		{"timeout too high", func(c *Config) { c.Skills.TimeoutMs = 60000 }, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Defaults()
			tc.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tc.wantErr {
				t.Errorf("Validate() err = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestWatchReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "clawshield.yaml")

	cfg := Defaults()
	if err := cfg.Save(path); err != nil {
		t.Fatal(err)
	}

	reloaded := make(chan *Config, 1)
	stop, err := Watch(path, slog.Default(), func(c *Config) {
		select {
		case reloaded <- c:
		default:
		}
	})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer stop() //nolint:errcheck

	cfg.Server.Port = 9001
	if err := cfg.Save(path); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-reloaded:
		if got.Server.Port != 9001 {
			t.Errorf("reloaded port = %d", got.Server.Port)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reload within 5s")
	}
}

func TestWatchSkipsInvalidEdit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "clawshield.yaml")

	cfg := Defaults()
	if err := cfg.Save(path); err != nil {
		t.Fatal(err)
	}

	reloaded := make(chan *Config, 1)
	stop, err := Watch(path, slog.Default(), func(c *Config) {
		reloaded <- c
	})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer stop() //nolint:errcheck

	// Broken YAML must be rejected without a callback.
	if err := os.WriteFile(path, []byte(":::not yaml"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case <-reloaded:
		t.Fatal("invalid config triggered onChange")
	case <-time.After(500 * time.Millisecond):
	}
}
