// Package config loads configuration for both binaries from environment
// variables.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Server holds configuration for the sync backend.
type Server struct {
	HTTP      HTTPConfig
	Auth      AuthConfig
	Store     StoreConfig
	Logging   LogConfig
	RateLimit RateLimitConfig
}

// Agent holds configuration for the local switchd daemon.
type Agent struct {
	Control ControlConfig
	Browser BrowserConfig
	Remote  RemoteConfig
	Store   StoreConfig
	Sync    SyncConfig
	Rules   RulesConfig
	Logging LogConfig
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port string `envconfig:"PORT" default:"3000"`
	Host string `envconfig:"HOST" default:"0.0.0.0"`
}

// AuthConfig holds account and encryption configuration.
type AuthConfig struct {
	MasterKey string        `envconfig:"ENCRYPTION_KEY" default:"default_key"`
	TokenTTL  time.Duration `envconfig:"TOKEN_TTL" default:"720h"`
}

// StoreConfig holds the on-disk store location.
type StoreConfig struct {
	Dir string `envconfig:"DATA_DIR" default:"./data"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// RateLimitConfig holds request-per-window limits per client.
// Defaults follow the backend's published limits: 10 auth requests and
// 100 data requests per 15 minutes.
type RateLimitConfig struct {
	Window       time.Duration `envconfig:"RATE_LIMIT_WINDOW" default:"15m"`
	AuthRequests int           `envconfig:"RATE_LIMIT_AUTH" default:"10"`
	DataRequests int           `envconfig:"RATE_LIMIT_DATA" default:"100"`
	Enabled      bool          `envconfig:"RATE_LIMIT_ENABLED" default:"true"`
}

// ControlConfig holds the local control API address.
type ControlConfig struct {
	Addr string `envconfig:"CONTROL_ADDR" default:"127.0.0.1:8377"`
}

// BrowserConfig holds the DevTools endpoint of the browser to drive.
type BrowserConfig struct {
	DevToolsURL string        `envconfig:"DEVTOOLS_URL" default:"http://127.0.0.1:9222"`
	CallTimeout time.Duration `envconfig:"DEVTOOLS_TIMEOUT" default:"10s"`
}

// RemoteConfig holds the sync backend endpoint.
type RemoteConfig struct {
	BaseURL string        `envconfig:"REMOTE_URL" default:"http://127.0.0.1:3000"`
	Timeout time.Duration `envconfig:"REMOTE_TIMEOUT" default:"30s"`
}

// SyncConfig holds synchronizer scheduling.
type SyncConfig struct {
	Interval time.Duration `envconfig:"SYNC_INTERVAL" default:"15m"`
	Enabled  bool          `envconfig:"SYNC_ENABLED" default:"true"`
}

// RulesConfig points at the optional domain restriction rules file.
type RulesConfig struct {
	Path string `envconfig:"RULES_PATH" default:""`
}

// LoadServer loads server configuration from the environment.
func LoadServer() (*Server, error) {
	var cfg Server
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load server config: %w", err)
	}
	return &cfg, nil
}

// LoadAgent loads daemon configuration from the environment.
func LoadAgent() (*Agent, error) {
	var cfg Agent
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load agent config: %w", err)
	}
	return &cfg, nil
}
