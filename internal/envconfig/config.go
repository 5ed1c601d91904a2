// Package envconfig reads runtime settings from ATTN_* environment variables.
package envconfig

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// LogLevel returns the log level configured via ATTN_DEBUG.
// Values: 0/false = INFO (default), 1/true = DEBUG, n = slog.Level(-4n).
func LogLevel() slog.Level {
	level := slog.LevelInfo
	if s := Var("ATTN_DEBUG"); s != "" {
		if b, _ := strconv.ParseBool(s); b {
			level = slog.LevelDebug
		} else if i, _ := strconv.ParseInt(s, 10, 64); i != 0 {
			level = slog.Level(i * -4)
		}
	}

	return level
}

var (
	// NumThreads bounds the goroutines used by batched matmuls. 0 means GOMAXPROCS.
	NumThreads = Uint("ATTN_NUM_THREADS", 0)
	// Seed is the default seed for weights and demo inputs.
	Seed = Uint64("ATTN_SEED", 42)
)

// Uint returns a reader for a uint environment variable with a default.
func Uint(key string, defaultValue uint) func() uint {
	return func() uint {
		if s := Var(key); s != "" {
			if n, err := strconv.ParseUint(s, 10, 64); err != nil {
				slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
			} else {
				return uint(n)
			}
		}
		return defaultValue
	}
}

// Uint64 returns a reader for a uint64 environment variable with a default.
func Uint64(key string, defaultValue uint64) func() uint64 {
	return func() uint64 {
		if s := Var(key); s != "" {
			if n, err := strconv.ParseUint(s, 10, 64); err != nil {
				slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
			} else {
				return n
			}
		}
		return defaultValue
	}
}

// EnvVar describes one supported environment variable.
type EnvVar struct {
	Name        string
	Value       any
	Description string
}

// AsMap returns every supported variable with its current value.
func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"ATTN_DEBUG":       {"ATTN_DEBUG", LogLevel(), "Show additional debug information (e.g. ATTN_DEBUG=1)"},
		"ATTN_NUM_THREADS": {"ATTN_NUM_THREADS", NumThreads(), "Maximum goroutines for batched matrix multiplication (0 = GOMAXPROCS)"},
		"ATTN_SEED":        {"ATTN_SEED", Seed(), "Default seed for weights and demo inputs"},
	}
}

// Var returns an environment variable stripped of surrounding whitespace and quotes.
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}
