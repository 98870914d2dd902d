// Package agentconfig loads configuration for the tunnel agent binary (A2
// of SPEC_FULL.md): a viper-backed YAML file with environment variable
// overrides, grounded in the teacher's host-agent config loader
// (apps/host-agent/internal/config/config.go), generalized from control
// plane bootstrap options to the mesh agent's connection options
// (spec.md §4.7).
package agentconfig

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	// DefaultConfigPath is the default location for the agent configuration file.
	DefaultConfigPath = "/etc/anywhere-mesh/agent.yaml"

	// DefaultDataDir is the default directory for agent state files (the
	// HMAC signing key, per internal/identity.LoadOrGenerateSigningKey).
	DefaultDataDir = "/var/lib/anywhere-mesh-agent"
)

// Config holds all configuration for the tunnel agent process.
type Config struct {
	IngressURL  string `mapstructure:"ingress_url" yaml:"ingress_url"`
	LocalURL    string `mapstructure:"local_url" yaml:"local_url"`
	Hostname    string `mapstructure:"hostname" yaml:"hostname"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	HealthPath  string `mapstructure:"health_path" yaml:"health_path"`
	Principal   string `mapstructure:"principal" yaml:"principal"`
	DataDir     string `mapstructure:"data_dir" yaml:"data_dir"`
	LogLevel    string `mapstructure:"log_level" yaml:"log_level"`

	RequestConcurrency     int `mapstructure:"request_concurrency" yaml:"request_concurrency"`
	LocalRequestTimeoutSec int `mapstructure:"local_request_timeout_seconds" yaml:"local_request_timeout_seconds"`
	StableWindowSeconds    int `mapstructure:"stable_window_seconds" yaml:"stable_window_seconds"`

	Reconnect ReconnectConfig `mapstructure:"reconnect" yaml:"reconnect"`
}

// ReconnectConfig mirrors spec.md §4.7's reconnect option group.
type ReconnectConfig struct {
	InitialBackoffSeconds float64 `mapstructure:"initial_backoff_seconds" yaml:"initial_backoff_seconds"`
	MaxBackoffSeconds     float64 `mapstructure:"max_backoff_seconds" yaml:"max_backoff_seconds"`
	JitterRatio           float64 `mapstructure:"jitter_ratio" yaml:"jitter_ratio"`
}

// InitialBackoff returns the configured initial backoff as a Duration.
func (r ReconnectConfig) InitialBackoff() time.Duration {
	return time.Duration(r.InitialBackoffSeconds * float64(time.Second))
}

// MaxBackoff returns the configured max backoff as a Duration.
func (r ReconnectConfig) MaxBackoff() time.Duration {
	return time.Duration(r.MaxBackoffSeconds * float64(time.Second))
}

// LocalRequestTimeout returns T_local_request as a Duration.
func (c *Config) LocalRequestTimeout() time.Duration {
	return time.Duration(c.LocalRequestTimeoutSec) * time.Second
}

// StableWindow returns T_stable as a Duration.
func (c *Config) StableWindow() time.Duration {
	return time.Duration(c.StableWindowSeconds) * time.Second
}

// Load reads configuration from the given file path, falling back to the
// default path if configPath is empty. Environment variables (MESH_AGENT_*)
// override file values.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetDefault("log_level", "info")
	v.SetDefault("data_dir", DefaultDataDir)
	v.SetDefault("service_name", "")
	v.SetDefault("request_concurrency", 64)
	v.SetDefault("local_request_timeout_seconds", 30)
	v.SetDefault("stable_window_seconds", 30)
	v.SetDefault("reconnect.initial_backoff_seconds", 1.0)
	v.SetDefault("reconnect.max_backoff_seconds", 30.0)
	v.SetDefault("reconnect.jitter_ratio", 0.2)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigFile(DefaultConfigPath)
	}

	v.SetEnvPrefix("MESH_AGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	envBindings := map[string]string{
		"ingress_url":                    "MESH_AGENT_INGRESS_URL",
		"local_url":                      "MESH_AGENT_LOCAL_URL",
		"hostname":                       "MESH_AGENT_HOSTNAME",
		"service_name":                   "MESH_AGENT_SERVICE_NAME",
		"health_path":                    "MESH_AGENT_HEALTH_PATH",
		"principal":                      "MESH_AGENT_PRINCIPAL",
		"data_dir":                       "MESH_AGENT_DATA_DIR",
		"log_level":                      "MESH_AGENT_LOG_LEVEL",
		"request_concurrency":            "MESH_AGENT_REQUEST_CONCURRENCY",
		"local_request_timeout_seconds":  "MESH_AGENT_LOCAL_REQUEST_TIMEOUT_SECONDS",
		"stable_window_seconds":          "MESH_AGENT_STABLE_WINDOW_SECONDS",
		"reconnect.initial_backoff_seconds": "MESH_AGENT_RECONNECT_INITIAL_BACKOFF_SECONDS",
		"reconnect.max_backoff_seconds":     "MESH_AGENT_RECONNECT_MAX_BACKOFF_SECONDS",
		"reconnect.jitter_ratio":            "MESH_AGENT_RECONNECT_JITTER_RATIO",
	}
	for key, env := range envBindings {
		_ = v.BindEnv(key, env)
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(*os.PathError); ok {
			// Config file not found; rely on env vars and defaults.
		} else {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	if cfg.Hostname == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("getting hostname: %w", err)
		}
		cfg.Hostname = hostname
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return &cfg, nil
}

// Validate checks that all required configuration fields are present.
func (c *Config) Validate() error {
	if c.IngressURL == "" {
		return fmt.Errorf("ingress_url is required")
	}
	if c.LocalURL == "" {
		return fmt.Errorf("local_url is required")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if err := os.MkdirAll(c.DataDir, 0o700); err != nil {
		return fmt.Errorf("creating data directory %s: %w", c.DataDir, err)
	}
	return nil
}
