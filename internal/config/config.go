// Package config reads runtime configuration from the environment.
//
// The compute host injects configuration exclusively through environment
// variables; CLI flags override on top. Malformed values fall back to
// defaults rather than failing startup.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Environment variable names.
const (
	EnvTable            = "GRID_TABLE"
	EnvWriteConcurrency = "GRID_WRITE_CONCURRENCY"
	EnvMaxWriteAttempts = "GRID_MAX_WRITE_ATTEMPTS"
	EnvRetryBaseDelay   = "GRID_RETRY_BASE_DELAY"
	EnvSampleLimit      = "GRID_SAMPLE_LIMIT"
	EnvAllowedStages    = "GRID_ALLOWED_STAGES"
	EnvLogDebug         = "GRID_LOG_DEBUG"
	EnvLogHuman         = "GRID_LOG_HUMAN"
)

// Config is the resolved runtime configuration.
type Config struct {
	// Table is the readings index table name.
	Table string

	// WriteConcurrency bounds parallel index writes per invocation.
	WriteConcurrency int

	// MaxWriteAttempts bounds per-row transient write retries.
	MaxWriteAttempts int

	// RetryBaseDelay is the first write retry delay.
	RetryBaseDelay time.Duration

	// SampleLimit caps rejection samples per report.
	SampleLimit int

	// AllowedStages, when non-empty, restricts ingestible partition
	// stages (comma-separated in the environment).
	AllowedStages []string

	// LogDebug and LogHuman are the logging switches.
	LogDebug bool
	LogHuman bool
}

// Default configuration values.
const (
	DefaultTable            = "grid-readings"
	DefaultWriteConcurrency = 4
	DefaultMaxWriteAttempts = 3
	DefaultRetryBaseDelay   = 50 * time.Millisecond
	DefaultSampleLimit      = 10
)

// FromEnv resolves configuration from the process environment.
func FromEnv() Config {
	return Config{
		Table:            envStr(EnvTable, DefaultTable),
		WriteConcurrency: envInt(EnvWriteConcurrency, DefaultWriteConcurrency),
		MaxWriteAttempts: envInt(EnvMaxWriteAttempts, DefaultMaxWriteAttempts),
		RetryBaseDelay:   envDuration(EnvRetryBaseDelay, DefaultRetryBaseDelay),
		SampleLimit:      envInt(EnvSampleLimit, DefaultSampleLimit),
		AllowedStages:    envList(EnvAllowedStages),
		LogDebug:         envBool(EnvLogDebug),
		LogHuman:         envBool(EnvLogHuman),
	}
}

func envStr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func envBool(key string) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false
	}
	return b
}

func envList(key string) []string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
