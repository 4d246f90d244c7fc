// Package config loads and validates the relay's configuration (spec §4.9,
// §6). Defaults are built in; a JSON file is merged over them field-by-field
// (a superset of the spec's "deep-merge one level", since every field here
// is merged independently rather than only the first level of nesting), and
// a small set of environment variables override the merged result last.
//
// Grounded on the teacher's internal/config.Load (env-driven config with a
// Validate step called once at startup) but switched from pure-env to a
// file-plus-env scheme, since this spec calls for a config *file* with a
// documented search path (spec §4.9).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
)

// PlaceholderSecret is the built-in, insecure default for SessionSecret.
// Startup validation refuses to run in production with this value still in
// place (spec §4.9).
const PlaceholderSecret = "change-me-web-ide-bridge"

// SystemConfigPath and DefaultConfigPath are the second and third entries
// in the load-order search path of spec §4.9 ("environment-specified path,
// /etc/<name>.conf, in-repo default path").
const (
	SystemConfigPath  = "/etc/web-ide-bridge.conf"
	DefaultConfigPath = "./config/default.json"
)

type RateLimiting struct {
	Enabled     bool `json:"enabled"`
	WindowMs    int  `json:"windowMs"`
	MaxRequests int  `json:"maxRequests"`
}

type Security struct {
	RateLimiting RateLimiting `json:"rateLimiting"`
}

type Server struct {
	Port              int    `json:"port"`
	Host              string `json:"host"`
	WebsocketEndpoint string `json:"websocketEndpoint"`
	HeartbeatInterval int    `json:"heartbeatInterval"`
	MaxConnections    int    `json:"maxConnections"`
	ConnectionTimeout int    `json:"connectionTimeout"`
}

type CORS struct {
	Origin []string `json:"origin"`
}

type Cleanup struct {
	SessionCleanupInterval int `json:"sessionCleanupInterval"`
	MaxSessionAge          int `json:"maxSessionAge"`
}

// Paths holds the HTTP surface's route paths (spec §6: "all configurable"),
// kept separate from Server.WebsocketEndpoint because the table lists that
// one explicitly while the HTTP paths are only described in prose.
type Paths struct {
	Health string `json:"health"`
	Status string `json:"status"`
	Debug  string `json:"debug"`
	Assets string `json:"assets"`
}

type Config struct {
	Server               Server   `json:"server"`
	NormalizeLineEndings bool     `json:"normalizeLineEndings"`
	CORS                 CORS     `json:"cors"`
	Security             Security `json:"security"`
	Cleanup              Cleanup  `json:"cleanup"`
	Paths                Paths    `json:"paths"`
	Debug                bool     `json:"debug"`
	SessionSecret        string   `json:"sessionSecret"`

	// Env is not part of the file schema; it is the runtime-mode flag
	// ("production", "test", "development") resolved from NODE_ENV-style
	// sources by the caller and threaded through for production-only checks.
	Env string `json:"-"`
}

// Default returns the built-in defaults of spec §6's configuration table.
func Default() *Config {
	return &Config{
		Server: Server{
			Port:              8071,
			Host:              "0.0.0.0",
			WebsocketEndpoint: "/web-ide-bridge/ws",
			HeartbeatInterval: 30000,
			MaxConnections:    1000,
			ConnectionTimeout: 300000,
		},
		NormalizeLineEndings: true,
		CORS:                 CORS{Origin: []string{"*"}},
		Security: Security{
			RateLimiting: RateLimiting{
				Enabled:     false,
				WindowMs:    900000,
				MaxRequests: 100,
			},
		},
		Cleanup: Cleanup{
			SessionCleanupInterval: 300000,
			MaxSessionAge:          86400000,
		},
		Paths: Paths{
			Health: "/web-ide-bridge/health",
			Status: "/web-ide-bridge/status",
			Debug:  "/web-ide-bridge/debug",
			Assets: "/web-ide-bridge/assets/",
		},
		Debug:         false,
		SessionSecret: PlaceholderSecret,
		Env:           "development",
	}
}

// Load resolves the configuration file per spec §4.9's search order
// (explicitPath, then WEB_IDE_BRIDGE_CONFIG, then /etc/<name>.conf, then the
// in-repo default), merges it field-by-field over Default() (with rate
// limiting switched on when env is "production"), applies
// environment-variable overrides,
// and returns the result unvalidated — call Validate separately so the
// caller controls exactly when startup aborts.
func Load(explicitPath, env string) (*Config, string, error) {
	cfg := Default()
	cfg.Env = env
	if env == "production" {
		cfg.Security.RateLimiting.Enabled = true
	}

	path := explicitPath
	if path == "" {
		path = os.Getenv("WEB_IDE_BRIDGE_CONFIG")
	}
	if path == "" {
		if _, err := os.Stat(SystemConfigPath); err == nil {
			path = SystemConfigPath
		}
	}
	if path == "" {
		if _, err := os.Stat(DefaultConfigPath); err == nil {
			path = DefaultConfigPath
		}
	}

	if path == "" {
		if env == "production" {
			return nil, "", fmt.Errorf("no configuration file found (checked env, %s, %s) and environment is production", SystemConfigPath, DefaultConfigPath)
		}
		applyEnvOverrides(cfg)
		return cfg, "", nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("reading config %s: %w", path, err)
	}
	var file fileConfig
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, "", fmt.Errorf("parsing config %s: %w", path, err)
	}
	file.mergeInto(cfg)
	applyEnvOverrides(cfg)
	return cfg, path, nil
}

// fileConfig mirrors Config but with every field optional (pointer or nil
// slice), so that mergeInto only overwrites what the file actually set.
type fileConfig struct {
	Server *struct {
		Port              *int    `json:"port"`
		Host              *string `json:"host"`
		WebsocketEndpoint *string `json:"websocketEndpoint"`
		HeartbeatInterval *int    `json:"heartbeatInterval"`
		MaxConnections    *int    `json:"maxConnections"`
		ConnectionTimeout *int    `json:"connectionTimeout"`
	} `json:"server"`
	NormalizeLineEndings *bool `json:"normalizeLineEndings"`
	CORS                 *struct {
		Origin []string `json:"origin"`
	} `json:"cors"`
	Security *struct {
		RateLimiting *struct {
			Enabled     *bool `json:"enabled"`
			WindowMs    *int  `json:"windowMs"`
			MaxRequests *int  `json:"maxRequests"`
		} `json:"rateLimiting"`
	} `json:"security"`
	Cleanup *struct {
		SessionCleanupInterval *int `json:"sessionCleanupInterval"`
		MaxSessionAge          *int `json:"maxSessionAge"`
	} `json:"cleanup"`
	Paths *struct {
		Health *string `json:"health"`
		Status *string `json:"status"`
		Debug  *string `json:"debug"`
		Assets *string `json:"assets"`
	} `json:"paths"`
	Debug         *bool   `json:"debug"`
	SessionSecret *string `json:"sessionSecret"`
}

func (f *fileConfig) mergeInto(c *Config) {
	if f.Server != nil {
		if f.Server.Port != nil {
			c.Server.Port = *f.Server.Port
		}
		if f.Server.Host != nil {
			c.Server.Host = *f.Server.Host
		}
		if f.Server.WebsocketEndpoint != nil {
			c.Server.WebsocketEndpoint = *f.Server.WebsocketEndpoint
		}
		if f.Server.HeartbeatInterval != nil {
			c.Server.HeartbeatInterval = *f.Server.HeartbeatInterval
		}
		if f.Server.MaxConnections != nil {
			c.Server.MaxConnections = *f.Server.MaxConnections
		}
		if f.Server.ConnectionTimeout != nil {
			c.Server.ConnectionTimeout = *f.Server.ConnectionTimeout
		}
	}
	if f.NormalizeLineEndings != nil {
		c.NormalizeLineEndings = *f.NormalizeLineEndings
	}
	if f.CORS != nil && f.CORS.Origin != nil {
		c.CORS.Origin = f.CORS.Origin
	}
	if f.Security != nil && f.Security.RateLimiting != nil {
		rl := f.Security.RateLimiting
		if rl.Enabled != nil {
			c.Security.RateLimiting.Enabled = *rl.Enabled
		}
		if rl.WindowMs != nil {
			c.Security.RateLimiting.WindowMs = *rl.WindowMs
		}
		if rl.MaxRequests != nil {
			c.Security.RateLimiting.MaxRequests = *rl.MaxRequests
		}
	}
	if f.Cleanup != nil {
		if f.Cleanup.SessionCleanupInterval != nil {
			c.Cleanup.SessionCleanupInterval = *f.Cleanup.SessionCleanupInterval
		}
		if f.Cleanup.MaxSessionAge != nil {
			c.Cleanup.MaxSessionAge = *f.Cleanup.MaxSessionAge
		}
	}
	if f.Paths != nil {
		if f.Paths.Health != nil {
			c.Paths.Health = *f.Paths.Health
		}
		if f.Paths.Status != nil {
			c.Paths.Status = *f.Paths.Status
		}
		if f.Paths.Debug != nil {
			c.Paths.Debug = *f.Paths.Debug
		}
		if f.Paths.Assets != nil {
			c.Paths.Assets = *f.Paths.Assets
		}
	}
	if f.Debug != nil {
		c.Debug = *f.Debug
	}
	if f.SessionSecret != nil {
		c.SessionSecret = *f.SessionSecret
	}
}

// applyEnvOverrides applies the environment variables of spec §6 last, so
// they win over both defaults and the file (WEB_IDE_BRIDGE_PORT,
// WEB_IDE_BRIDGE_SECRET, DEBUG).
func applyEnvOverrides(c *Config) {
	if v := os.Getenv("WEB_IDE_BRIDGE_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Server.Port = n
		}
	}
	if v := os.Getenv("WEB_IDE_BRIDGE_SECRET"); v != "" {
		c.SessionSecret = v
	}
	if v := os.Getenv("DEBUG"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Debug = b
		}
	}
}

// Validate enforces spec §4.9's startup checks. It returns the first
// violation found, each message naming the offending key so
// cmd/relay/main.go can print a single line and exit 1 (spec §7).
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 0-65535, got %d", c.Server.Port)
	}
	if c.Server.HeartbeatInterval < 1000 {
		return fmt.Errorf("server.heartbeatInterval must be >= 1000ms, got %d", c.Server.HeartbeatInterval)
	}
	if c.Server.MaxConnections < 1 {
		return fmt.Errorf("server.maxConnections must be >= 1, got %d", c.Server.MaxConnections)
	}
	if c.Server.ConnectionTimeout < 1000 {
		return fmt.Errorf("server.connectionTimeout must be >= 1000ms, got %d", c.Server.ConnectionTimeout)
	}
	if err := requireLeadingSlash("server.websocketEndpoint", c.Server.WebsocketEndpoint); err != nil {
		return err
	}
	if err := requireLeadingSlash("paths.health", c.Paths.Health); err != nil {
		return err
	}
	if err := requireLeadingSlash("paths.status", c.Paths.Status); err != nil {
		return err
	}
	if err := requireLeadingSlash("paths.debug", c.Paths.Debug); err != nil {
		return err
	}
	if err := requireLeadingSlash("paths.assets", c.Paths.Assets); err != nil {
		return err
	}
	if len(c.CORS.Origin) == 0 {
		return fmt.Errorf("cors.origin must be a non-empty list")
	}
	if c.Security.RateLimiting.Enabled {
		if c.Security.RateLimiting.WindowMs <= 0 {
			return fmt.Errorf("security.rateLimiting.windowMs must be positive when enabled, got %d", c.Security.RateLimiting.WindowMs)
		}
		if c.Security.RateLimiting.MaxRequests <= 0 {
			return fmt.Errorf("security.rateLimiting.maxRequests must be positive when enabled, got %d", c.Security.RateLimiting.MaxRequests)
		}
	}
	if c.Env == "production" && c.SessionSecret == PlaceholderSecret {
		return fmt.Errorf("sessionSecret must be changed from the placeholder in production")
	}
	return nil
}

func requireLeadingSlash(key, value string) error {
	if value == "" || value[0] != '/' {
		return fmt.Errorf("%s must begin with '/', got %q", key, value)
	}
	return nil
}
