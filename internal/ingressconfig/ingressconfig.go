// Package ingressconfig loads configuration for the ingress binary (A1 of
// SPEC_FULL.md): a YAML file overridden by environment variables, in the
// same two-layer shape as the teacher's gateway LoadConfig
// (apps/gateway/src/config.go), generalized from a WireGuard gateway's
// options to the mesh ingress's option table (spec.md §6).
package ingressconfig

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const defaultConfigPath = "/etc/anywhere-mesh/ingress.yaml"

// Config holds all configuration for the ingress process.
type Config struct {
	HTTPPort                int      `yaml:"http_port"`
	WSPort                  int      `yaml:"ws_port"`
	MaxConnections          int      `yaml:"max_connections"`
	RequestTimeoutSeconds   int      `yaml:"request_timeout_seconds"`
	WSIdleTimeoutSeconds    int      `yaml:"ws_idle_timeout_seconds"`
	WSMaxMessageBytes       int      `yaml:"ws_max_message_bytes"`
	OriginAllowlist         []string `yaml:"origin_allowlist"`
	PrincipalAllowlist      []string `yaml:"principal_allowlist"`
	HandshakeTimeoutSeconds int      `yaml:"handshake_timeout_seconds"`
	LogLevel                string   `yaml:"log_level"`
	DebugServicesEnabled    bool     `yaml:"debug_services_enabled"`
	DataDir                 string   `yaml:"data_dir"`
}

// DefaultConfig returns the defaults of spec.md §6's configuration table.
func DefaultConfig() *Config {
	return &Config{
		HTTPPort:                8080,
		WSPort:                  8082,
		MaxConnections:          10000,
		RequestTimeoutSeconds:   30,
		WSIdleTimeoutSeconds:    60,
		WSMaxMessageBytes:       1048576,
		HandshakeTimeoutSeconds: 10,
		LogLevel:                "info",
		DebugServicesEnabled:    true,
		DataDir:                 "/var/lib/anywhere-mesh",
	}
}

// Load reads configuration from a YAML file (path from MESH_CONFIG_PATH or
// the package default), then applies environment overrides, then validates.
// Per spec.md §6's exit codes, a returned error from Load is the caller's
// cue to exit 1.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	configPath := defaultConfigPath
	if envPath := os.Getenv("MESH_CONFIG_PATH"); envPath != "" {
		configPath = envPath
	}

	if err := loadConfigFile(cfg, configPath); err != nil {
		slog.Warn("could not load config file, using defaults and env vars", "path", configPath, "error", err)
	} else {
		slog.Info("loaded config file", "path", configPath)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func loadConfigFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("INGRESS_HTTP_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.HTTPPort = n
		}
	}
	if v := os.Getenv("INGRESS_WS_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.WSPort = n
		}
	}
	if v := os.Getenv("MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxConnections = n
		}
	}
	if v := os.Getenv("REQUEST_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RequestTimeoutSeconds = n
		}
	}
	if v := os.Getenv("WS_IDLE_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.WSIdleTimeoutSeconds = n
		}
	}
	if v := os.Getenv("WS_MAX_MESSAGE_BYTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.WSMaxMessageBytes = n
		}
	}
	if v := os.Getenv("ORIGIN_ALLOWLIST"); v != "" {
		cfg.OriginAllowlist = splitCommaList(v)
	}
	if v := os.Getenv("PRINCIPAL_ALLOWLIST"); v != "" {
		cfg.PrincipalAllowlist = splitCommaList(v)
	}
	if v := os.Getenv("HANDSHAKE_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.HandshakeTimeoutSeconds = n
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("DEBUG_SERVICES_ENABLED"); v != "" {
		cfg.DebugServicesEnabled = v == "true" || v == "1"
	}
	if v := os.Getenv("MESH_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
}

func splitCommaList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate enforces spec.md §6's one hard requirement: PRINCIPAL_ALLOWLIST
// must be non-empty, since an ingress that trusts every principal defeats
// the purpose of the allowlist-gated verifier (C2). See DESIGN.md for the
// Open Question resolution.
func (c *Config) Validate() error {
	if len(c.PrincipalAllowlist) == 0 {
		return fmt.Errorf("principal_allowlist is required and must be non-empty")
	}
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http_port must be between 1 and 65535, got %d", c.HTTPPort)
	}
	if c.WSPort < 1 || c.WSPort > 65535 {
		return fmt.Errorf("ws_port must be between 1 and 65535, got %d", c.WSPort)
	}
	return nil
}
