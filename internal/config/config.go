package config

import (
	"fmt"
	"os"
	"time"
)

// Environment variable names. MaxActiveFlows and EpochUS have no defaults:
// leaving either unset disables admission control entirely (every accept
// fails and the scheduler never rotates).
const (
	EnvMaxActiveFlows  = "FLOWGATE_MAX_ACTIVE_FLOWS"
	EnvEpochUS         = "FLOWGATE_EPOCH_US"
	EnvExemptFirstFlow = "FLOWGATE_EXEMPT_FIRST_FLOW"
	EnvMapPinPath      = "FLOWGATE_MAP_PIN_PATH"
	EnvListenAddr      = "FLOWGATE_LISTEN_ADDR"
	EnvBackendAddr     = "FLOWGATE_BACKEND_ADDR"
	EnvMetricsEnabled  = "FLOWGATE_METRICS_ENABLED"
	EnvMetricsAddr     = "FLOWGATE_METRICS_ADDR"
)

// DefaultMapPinPath is where the kernel program pins the flow_to_rwnd map.
const DefaultMapPinPath = "/sys/fs/bpf/flow_to_rwnd"

// Config holds all flowgate configuration. Read once at startup; immutable
// afterwards.
type Config struct {
	// MaxActiveFlows is the number of flows allowed unrestricted window
	// behavior at once.
	MaxActiveFlows int
	// EpochUS is the scheduler period in microseconds.
	EpochUS int
	// ExemptFirstFlow skips admission for the very first connection a
	// process accepts (control connections of common benchmark tools
	// should not be scheduled). Resets only with the process.
	ExemptFirstFlow bool
	// MapPinPath is the pin path of the kernel flow_to_rwnd map.
	MapPinPath string

	Server  ServerConfig
	Metrics MetricsConfig
}

type ServerConfig struct {
	ListenAddr  string
	BackendAddr string
}

type MetricsConfig struct {
	Enabled    bool
	ListenAddr string
}

// Load reads configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		MaxActiveFlows:  getEnvInt(EnvMaxActiveFlows, 0),
		EpochUS:         getEnvInt(EnvEpochUS, 0),
		ExemptFirstFlow: getEnvBool(EnvExemptFirstFlow, true),
		MapPinPath:      getEnv(EnvMapPinPath, DefaultMapPinPath),
		Server: ServerConfig{
			ListenAddr:  getEnv(EnvListenAddr, ":8080"),
			BackendAddr: getEnv(EnvBackendAddr, "localhost:6000"),
		},
		Metrics: MetricsConfig{
			Enabled:    getEnvBool(EnvMetricsEnabled, true),
			ListenAddr: getEnv(EnvMetricsAddr, ":9090"),
		},
	}
}

// Valid reports whether the admission parameters are usable. When false,
// every intercepted accept fails and the scheduler is a permanent no-op.
func (c *Config) Valid() bool {
	return c.MaxActiveFlows > 0 && c.EpochUS > 0
}

// Epoch returns the scheduler period as a duration.
func (c *Config) Epoch() time.Duration {
	return time.Duration(c.EpochUS) * time.Microsecond
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		var result int
		fmt.Sscanf(v, "%d", &result)
		return result
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true" || v == "1"
	}
	return defaultValue
}
