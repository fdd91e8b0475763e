package config

// Typed environment overlay for the POOL_* and RELIABILITY_* variables.
// Every variable is optional: an unset variable leaves the target field
// untouched, a malformed value fails loudly with the variable name in the
// error. Durations accept "<n>ms|s|m|h" (any time.ParseDuration form) or a
// bare integer, read as milliseconds; booleans accept
// true|false|1|0|yes|no|on|off.

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/riptide-run/riptide/internal/circuit"
	"github.com/riptide-run/riptide/internal/crawler"
	"github.com/riptide-run/riptide/internal/pipeline"
	"github.com/riptide-run/riptide/internal/pool"
	"github.com/riptide-run/riptide/internal/resources"
	"github.com/riptide-run/riptide/internal/timeout"
)

// LookupFunc is os.LookupEnv's shape, injectable for tests.
type LookupFunc func(key string) (string, bool)

// EnvTargets collects the subsystem configs the environment variables map
// onto. Nil fields are skipped.
type EnvTargets struct {
	Pool       *pool.Config
	Circuit    *circuit.Config
	Resources  *resources.ResourceManagerConfig
	Timeout    *timeout.Config
	Extraction *pipeline.ExtractionConfig
	Fetch      *crawler.FetchPolicy
}

// ApplyEnv overlays the recognized environment variables onto t. A nil
// lookup uses os.LookupEnv.
func ApplyEnv(lookup LookupFunc, t EnvTargets) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}

	if t.Pool != nil {
		if err := envInt(lookup, "POOL_MAX_POOL_SIZE", &t.Pool.MaxPoolSize); err != nil {
			return err
		}
		if err := envInt(lookup, "POOL_INITIAL_POOL_SIZE", &t.Pool.InitialPoolSize); err != nil {
			return err
		}
		if err := envDuration(lookup, "POOL_TIMEOUT_MS", &t.Pool.AcquireTimeout); err != nil {
			return err
		}
		if err := envDuration(lookup, "POOL_EPOCH_TIMEOUT_MS", &t.Pool.EpochDeadline); err != nil {
			return err
		}
	}

	if t.Circuit != nil {
		var threshold int
		set, err := envIntSet(lookup, "POOL_CIRCUIT_BREAKER_FAILURE_THRESHOLD", &threshold)
		if err != nil {
			return err
		}
		if set {
			if threshold <= 0 {
				return fmt.Errorf("POOL_CIRCUIT_BREAKER_FAILURE_THRESHOLD: must be positive, got %d", threshold)
			}
			t.Circuit.FailureThreshold = uint32(threshold)
		}
		if err := envDuration(lookup, "POOL_CIRCUIT_BREAKER_TIMEOUT_MS", &t.Circuit.OpenCooldown); err != nil {
			return err
		}
	}

	if t.Resources != nil {
		var limitBytes int64
		set, err := envInt64Set(lookup, "POOL_MEMORY_LIMIT_BYTES", &limitBytes)
		if err != nil {
			return err
		}
		if set {
			mb := limitBytes / (1 << 20)
			if mb < 1 {
				mb = 1
			}
			t.Resources.MemoryLimitMB = mb
		}
	}

	if t.Fetch != nil {
		if err := envInt(lookup, "RELIABILITY_MAX_RETRIES", &t.Fetch.MaxRetries); err != nil {
			return err
		}
	}

	var relTimeout time.Duration
	set, err := envSecondsSet(lookup, "RELIABILITY_TIMEOUT_SECS", &relTimeout)
	if err != nil {
		return err
	}
	if set {
		if t.Timeout != nil {
			t.Timeout.DefaultTimeout = relTimeout
		}
		if t.Fetch != nil {
			t.Fetch.Timeout = relTimeout
		}
	}

	if t.Extraction != nil {
		if err := envFloat(lookup, "RELIABILITY_QUALITY_THRESHOLD", &t.Extraction.FastExtractionQualityThreshold); err != nil {
			return err
		}
		if err := envBool(lookup, "RELIABILITY_GRACEFUL_DEGRADATION", &t.Extraction.GracefulDegradation); err != nil {
			return err
		}
	}

	return nil
}

func envInt(lookup LookupFunc, key string, dst *int) error {
	_, err := envIntSet(lookup, key, dst)
	return err
}

func envIntSet(lookup LookupFunc, key string, dst *int) (bool, error) {
	raw, ok := lookup(key)
	if !ok || raw == "" {
		return false, nil
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return false, fmt.Errorf("%s: invalid integer %q", key, raw)
	}
	*dst = v
	return true, nil
}

func envInt64Set(lookup LookupFunc, key string, dst *int64) (bool, error) {
	raw, ok := lookup(key)
	if !ok || raw == "" {
		return false, nil
	}
	v, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return false, fmt.Errorf("%s: invalid integer %q", key, raw)
	}
	*dst = v
	return true, nil
}

func envFloat(lookup LookupFunc, key string, dst *float64) error {
	raw, ok := lookup(key)
	if !ok || raw == "" {
		return nil
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return fmt.Errorf("%s: invalid float %q", key, raw)
	}
	*dst = v
	return nil
}

// envDuration parses "<n>ms|s|m|h" forms; a bare integer is milliseconds.
func envDuration(lookup LookupFunc, key string, dst *time.Duration) error {
	raw, ok := lookup(key)
	if !ok || raw == "" {
		return nil
	}
	raw = strings.TrimSpace(raw)
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		*dst = time.Duration(ms) * time.Millisecond
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("%s: invalid duration %q", key, raw)
	}
	*dst = d
	return nil
}

// envSecondsSet parses like envDuration except a bare integer is seconds.
func envSecondsSet(lookup LookupFunc, key string, dst *time.Duration) (bool, error) {
	raw, ok := lookup(key)
	if !ok || raw == "" {
		return false, nil
	}
	raw = strings.TrimSpace(raw)
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		*dst = time.Duration(secs) * time.Second
		return true, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return false, fmt.Errorf("%s: invalid duration %q", key, raw)
	}
	*dst = d
	return true, nil
}

func envBool(lookup LookupFunc, key string, dst *bool) error {
	raw, ok := lookup(key)
	if !ok || raw == "" {
		return nil
	}
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "true", "1", "yes", "on":
		*dst = true
	case "false", "0", "no", "off":
		*dst = false
	default:
		return fmt.Errorf("%s: invalid boolean %q", key, raw)
	}
	return nil
}
