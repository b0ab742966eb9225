// Package config loads process configuration from the environment and
// pipeline definitions from JSON files.
package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/wehubfusion/todloop/pkg/loop"
)

// ConfigSource indicates where a setting came from.
type ConfigSource string

const (
	ConfigSourceEnvVar     ConfigSource = "environment_variable"
	ConfigSourceAutoDetect ConfigSource = "auto_detect"
	ConfigSourceDefault    ConfigSource = "default"
)

// Config holds process-level settings.
type Config struct {
	// Workers is the number of parallel TOD chunks. 1 is sequential.
	Workers       int
	WorkersSource ConfigSource

	FailurePolicy  loop.FailurePolicy
	ValidateWiring bool

	// NATSURL enables the lifecycle event publisher when set.
	NATSURL       string
	EventsSubject string

	// LedgerPath enables the sqlite run ledger when set.
	LedgerPath string

	// OTLPEndpoint enables trace export when set.
	OTLPEndpoint string
	ServiceName  string

	SentryDSN string

	// AzureConnectionString selects Azure Blob Storage for artifacts;
	// otherwise StorageDir on the local filesystem is used.
	AzureConnectionString string
	AzureContainer        string
	StorageDir            string

	MetricsAddr string
	LogLevel    string

	IsKubernetes  bool
	EffectiveCPUs int
}

// LoadConfig loads configuration with priority: env vars > auto-detection > defaults.
// TODLOOP_WORKERS accepts a positive integer or "auto".
func LoadConfig() *Config {
	config := &Config{}

	config.IsKubernetes = isKubernetes()
	config.EffectiveCPUs = runtime.GOMAXPROCS(0)

	switch workers := strings.ToLower(getEnv("TODLOOP_WORKERS", "")); {
	case workers == "auto":
		config.Workers = getDefaultWorkers(config.IsKubernetes, config.EffectiveCPUs)
		config.WorkersSource = ConfigSourceAutoDetect
	case getEnvInt("TODLOOP_WORKERS", 0) > 0:
		config.Workers = getEnvInt("TODLOOP_WORKERS", 0)
		config.WorkersSource = ConfigSourceEnvVar
	default:
		config.Workers = 1
		config.WorkersSource = ConfigSourceDefault
	}

	// Unknown values fall back to the fail-fast default.
	if policy, err := loop.ParseFailurePolicy(getEnv("TODLOOP_FAILURE_POLICY", "")); err == nil {
		config.FailurePolicy = policy
	} else {
		config.FailurePolicy = loop.AbortAll
	}

	config.ValidateWiring = getEnvBool("TODLOOP_VALIDATE_WIRING", true)
	config.NATSURL = getEnv("TODLOOP_NATS_URL", "")
	config.EventsSubject = getEnv("TODLOOP_EVENTS_SUBJECT", "todloop.events")
	config.LedgerPath = getEnv("TODLOOP_LEDGER_PATH", "")
	config.OTLPEndpoint = getEnv("TODLOOP_OTLP_ENDPOINT", "")
	config.ServiceName = getEnv("TODLOOP_SERVICE_NAME", "todloop")
	config.SentryDSN = getEnv("SENTRY_DSN", "")
	config.AzureConnectionString = getEnv("TODLOOP_AZURE_CONNECTION_STRING", "")
	config.AzureContainer = getEnv("TODLOOP_AZURE_CONTAINER", "todloop")
	config.StorageDir = getEnv("TODLOOP_STORAGE_DIR", ".")
	config.MetricsAddr = getEnv("TODLOOP_METRICS_ADDR", "")
	config.LogLevel = strings.ToLower(getEnv("TODLOOP_LOG_LEVEL", "info"))

	return config
}

// LoopConfig returns the loop configuration these settings describe.
func (c *Config) LoopConfig() loop.Config {
	return loop.DefaultConfig().
		WithWorkers(c.Workers).
		WithFailurePolicy(c.FailurePolicy).
		WithValidateWiring(c.ValidateWiring)
}

// isKubernetes detects if the application is running in Kubernetes
func isKubernetes() bool {
	return os.Getenv("KUBERNETES_SERVICE_HOST") != ""
}

// getDefaultWorkers returns the auto-detected worker count.
func getDefaultWorkers(isK8s bool, cpus int) int {
	if isK8s {
		// Leave headroom for the sidecars sharing the pod quota.
		return max(cpus/2, 1)
	}
	return max(cpus, 1)
}

// getEnvInt retrieves an integer from environment variable with default fallback
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvBool retrieves a boolean from environment variable with default fallback
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnv retrieves a string from environment variable with default fallback
func getEnv(key string, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// String returns a formatted string representation of the config.
// Secrets are reported only as set or unset.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Workers: %d (%s), FailurePolicy: %s, ValidateWiring: %t, NATS: %s, Ledger: %s, OTLP: %s, Sentry: %t, Azure: %t, StorageDir: %s, IsK8s: %t, CPUs: %d}",
		c.Workers,
		c.WorkersSource,
		c.FailurePolicy,
		c.ValidateWiring,
		orNone(c.NATSURL),
		orNone(c.LedgerPath),
		orNone(c.OTLPEndpoint),
		c.SentryDSN != "",
		c.AzureConnectionString != "",
		c.StorageDir,
		c.IsKubernetes,
		c.EffectiveCPUs,
	)
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}
