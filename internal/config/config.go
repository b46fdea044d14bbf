package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the tunnel server configuration
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Tunnel  TunnelConfig  `yaml:"tunnel"`
	CORS    CORSConfig    `yaml:"cors"`
	Logging LoggingConfig `yaml:"logging"`
}

type ServerConfig struct {
	Port       int    `yaml:"port"`
	Env        string `yaml:"env"`         // "development" or "production"
	BaseURL    string `yaml:"base_url"`    // e.g. "https://wingmanux.com"; session URLs hang off its host
	StorageDir string `yaml:"storage_dir"` // optional durable session records, one JSON file each
}

type TunnelConfig struct {
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	IdleTTL           time.Duration `yaml:"idle_ttl"`
	MaxRequestBytes   int64         `yaml:"max_request_bytes"`
	CleanupInterval   time.Duration `yaml:"cleanup_interval"`
	SendQueueSize     int           `yaml:"send_queue_size"`
	P2PSettleDelay    time.Duration `yaml:"p2p_settle_delay"`
}

type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"` // extras beyond the extension schemes
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Default returns the production defaults; a config file and env vars
// layer on top.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:    9876,
			Env:     "production",
			BaseURL: "https://wingmanux.com",
		},
		Tunnel: TunnelConfig{
			RequestTimeout:    30 * time.Second,
			HeartbeatInterval: 30 * time.Second,
			IdleTTL:           24 * time.Hour,
			MaxRequestBytes:   25 << 20,
			CleanupInterval:   60 * time.Second,
			SendQueueSize:     256,
			P2PSettleDelay:    time.Second,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads configuration from a file (optional) and applies env overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	// Override with environment variables if present
	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %q", port)
		}
		cfg.Server.Port = p
	}
	if env := os.Getenv("ENV"); env != "" {
		cfg.Server.Env = env
	}
	if base := os.Getenv("TUNNEL_BASE_URL"); base != "" {
		cfg.Server.BaseURL = base
	}
	if dir := os.Getenv("TUNNEL_STORAGE_DIR"); dir != "" {
		cfg.Server.StorageDir = dir
	}
	if extra := os.Getenv("CORS_ALLOWED_ORIGINS"); extra != "" {
		for _, o := range strings.Split(extra, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.CORS.AllowedOrigins = append(cfg.CORS.AllowedOrigins, o)
			}
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in [1, 65535]")
	}
	if c.Server.BaseURL == "" {
		return fmt.Errorf("server.base_url is required")
	}
	if c.Tunnel.RequestTimeout <= 0 {
		return fmt.Errorf("tunnel.request_timeout must be positive")
	}
	if c.Tunnel.HeartbeatInterval <= 0 {
		return fmt.Errorf("tunnel.heartbeat_interval must be positive")
	}
	if c.Tunnel.MaxRequestBytes <= 0 {
		return fmt.Errorf("tunnel.max_request_bytes must be positive")
	}
	if c.Tunnel.SendQueueSize <= 0 {
		return fmt.Errorf("tunnel.send_queue_size must be positive")
	}
	return nil
}

// IsDevelopment reports whether dev-only CORS allowances apply.
func (c *Config) IsDevelopment() bool {
	return c.Server.Env == "development"
}
