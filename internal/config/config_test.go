package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	cfg := Default()
	cfg.BaseURL = "https://esh3ar.example"
	cfg.Connection.ReconnectDelays = []Duration{Duration(time.Second), Duration(5 * time.Second)}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.BaseURL != "https://esh3ar.example" {
		t.Errorf("BaseURL = %q, want %q", loaded.BaseURL, "https://esh3ar.example")
	}
	got := loaded.Connection.Delays()
	if len(got) != 2 || got[0] != time.Second || got[1] != 5*time.Second {
		t.Errorf("Delays() = %v, want [1s 5s]", got)
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	if err == nil {
		t.Error("Load() expected error for missing file")
	}
}

func TestLoadOrDefaultMissing(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("LoadOrDefault() error = %v", err)
	}
	if cfg.ClientID != "Esh3arTech_App" {
		t.Errorf("ClientID = %q, want default", cfg.ClientID)
	}
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
base_url = "http://127.0.0.1:9000"

[connection]
keep_alive = "5s"
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BaseURL != "http://127.0.0.1:9000" {
		t.Errorf("BaseURL = %q", cfg.BaseURL)
	}
	if cfg.Connection.KeepAlive.Std() != 5*time.Second {
		t.Errorf("KeepAlive = %v, want 5s", cfg.Connection.KeepAlive.Std())
	}
	if cfg.Connection.ServerTimeout.Std() != 30*time.Second {
		t.Errorf("ServerTimeout = %v, want default 30s", cfg.Connection.ServerTimeout.Std())
	}
	if cfg.MobileHubPath != "/online-mobile-user" {
		t.Errorf("MobileHubPath = %q, want default", cfg.MobileHubPath)
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[connection]\nkeep_alive = \"soon\"\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Load() expected error for invalid duration")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"no base url", func(c *Config) { c.BaseURL = "" }, true},
		{"no client id", func(c *Config) { c.ClientID = "" }, true},
		{"timeout below keepalive", func(c *Config) { c.Connection.ServerTimeout = c.Connection.KeepAlive }, true},
		{"no reconnect delays", func(c *Config) { c.Connection.ReconnectDelays = nil }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestURL(t *testing.T) {
	cfg := Default()
	cfg.BaseURL = "https://host:1/"
	if got := cfg.URL("/connect/token"); got != "https://host:1/connect/token" {
		t.Errorf("URL() = %q", got)
	}
}

func TestSavePermissions(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	if err := Save(path, Default()); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	perm := info.Mode().Perm()
	if perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}
