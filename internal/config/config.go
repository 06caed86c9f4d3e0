package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the per-session ~/.clipchat/config.toml. Zero values fall back
// to the defaults below; the environment overrides the file.
type Config struct {
	API    API    `toml:"api"`
	Socket Socket `toml:"socket"`
}

// API configures the REST collaborator.
type API struct {
	BaseURL string   `toml:"base_url"`
	Timeout duration `toml:"timeout"`
}

// Socket configures the STOMP-over-WebSocket collaborator.
type Socket struct {
	URL                  string   `toml:"url"`
	ConnectTimeout       duration `toml:"connect_timeout"`
	ReconnectDelay       duration `toml:"reconnect_delay"`
	MaxReconnectAttempts int      `toml:"max_reconnect_attempts"`
}

type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		API: API{
			BaseURL: "http://localhost:8082/api/v1",
			Timeout: duration{30 * time.Second},
		},
		Socket: Socket{
			URL:                  "ws://localhost:8081/ws-native",
			ConnectTimeout:       duration{10 * time.Second},
			ReconnectDelay:       duration{3 * time.Second},
			MaxReconnectAttempts: 5,
		},
	}
}

// Load reads config from path, fills unset fields with defaults and applies
// CLIPCHAT_API_URL / CLIPCHAT_WS_URL environment overrides. A missing file
// is not an error; the defaults are returned.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	applyDefaults(cfg)
	applyEnv(cfg)
	return cfg, nil
}

// Save writes cfg to path, creating parent dirs as needed.
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

func applyDefaults(cfg *Config) {
	def := Default()
	if cfg.API.BaseURL == "" {
		cfg.API.BaseURL = def.API.BaseURL
	}
	if cfg.API.Timeout.Duration <= 0 {
		cfg.API.Timeout = def.API.Timeout
	}
	if cfg.Socket.URL == "" {
		cfg.Socket.URL = def.Socket.URL
	}
	if cfg.Socket.ConnectTimeout.Duration <= 0 {
		cfg.Socket.ConnectTimeout = def.Socket.ConnectTimeout
	}
	if cfg.Socket.ReconnectDelay.Duration <= 0 {
		cfg.Socket.ReconnectDelay = def.Socket.ReconnectDelay
	}
	if cfg.Socket.MaxReconnectAttempts <= 0 {
		cfg.Socket.MaxReconnectAttempts = def.Socket.MaxReconnectAttempts
	}
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("CLIPCHAT_API_URL"); v != "" {
		cfg.API.BaseURL = v
	}
	if v := os.Getenv("CLIPCHAT_WS_URL"); v != "" {
		cfg.Socket.URL = v
	}
}
