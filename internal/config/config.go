package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.esh3ar/config.toml.
type Config struct {
	BaseURL            string `toml:"base_url"`
	TokenPath          string `toml:"token_path"`
	ClientID           string `toml:"client_id"`
	Scope              string `toml:"scope"`
	DefaultPassword    string `toml:"default_password"`
	DialPrefix         string `toml:"dial_prefix"`
	MobileHubPath      string `toml:"mobile_hub_path"`
	BusinessHubPath    string `toml:"business_hub_path"`
	OneWayPath         string `toml:"oneway_path"`
	DefaultProfile     string `toml:"default_profile"`
	LogLevel           string `toml:"log_level"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`

	Connection Connection `toml:"connection"`
}

// Connection holds hub connection timing.
type Connection struct {
	KeepAlive        Duration   `toml:"keep_alive"`
	ServerTimeout    Duration   `toml:"server_timeout"`
	HandshakeTimeout Duration   `toml:"handshake_timeout"`
	ReconnectDelays  []Duration `toml:"reconnect_delays"`
}

// Duration is a time.Duration written as a Go duration string ("15s").
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		BaseURL:         "https://localhost:44306",
		TokenPath:       "/connect/token",
		ClientID:        "Esh3arTech_App",
		Scope:           "Esh3arTech",
		DefaultPassword: "1q2w3E*",
		DialPrefix:      "967",
		MobileHubPath:   "/online-mobile-user",
		BusinessHubPath: "/online-business-user",
		OneWayPath:      "/api/app/message/ingestion-send-one-way-message",
		DefaultProfile:  "main",
		LogLevel:        "info",
		Connection: Connection{
			KeepAlive:        Duration(15 * time.Second),
			ServerTimeout:    Duration(30 * time.Second),
			HandshakeTimeout: Duration(15 * time.Second),
			ReconnectDelays: []Duration{
				0,
				Duration(2 * time.Second),
				Duration(10 * time.Second),
				Duration(30 * time.Second),
			},
		},
	}
}

// Load reads config from the given path on top of Default. Returns error if file missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault is Load, except a missing file yields Default.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Validate checks the fields the client cannot run without.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return errors.New("base_url is required")
	}
	if c.ClientID == "" {
		return errors.New("client_id is required")
	}
	if c.MobileHubPath == "" || c.BusinessHubPath == "" {
		return errors.New("mobile_hub_path and business_hub_path are required")
	}
	if c.Connection.KeepAlive <= 0 {
		return errors.New("connection.keep_alive must be positive")
	}
	if c.Connection.ServerTimeout <= c.Connection.KeepAlive {
		return errors.New("connection.server_timeout must exceed connection.keep_alive")
	}
	if len(c.Connection.ReconnectDelays) == 0 {
		return errors.New("connection.reconnect_delays must not be empty")
	}
	return nil
}

// URL joins the base URL and a path.
func (c *Config) URL(path string) string {
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(path, "/")
}

// Delays returns the reconnect schedule as time.Durations.
func (c *Connection) Delays() []time.Duration {
	out := make([]time.Duration, len(c.ReconnectDelays))
	for i, d := range c.ReconnectDelays {
		out[i] = d.Std()
	}
	return out
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
