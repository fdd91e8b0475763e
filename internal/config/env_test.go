package config

import (
	"testing"
	"time"

	"github.com/riptide-run/riptide/internal/circuit"
	"github.com/riptide-run/riptide/internal/crawler"
	"github.com/riptide-run/riptide/internal/pipeline"
	"github.com/riptide-run/riptide/internal/pool"
	"github.com/riptide-run/riptide/internal/resources"
	"github.com/riptide-run/riptide/internal/timeout"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mapLookup(m map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func allTargets() (EnvTargets, *pool.Config, *circuit.Config, *resources.ResourceManagerConfig, *timeout.Config, *pipeline.ExtractionConfig, *crawler.FetchPolicy) {
	pc := pool.DefaultConfig()
	cc := circuit.DefaultConfig()
	rc := resources.DefaultResourceManagerConfig()
	tc := timeout.DefaultConfig()
	ec := pipeline.DefaultExtractionConfig()
	fc := crawler.FetchPolicy{Timeout: 15 * time.Second}
	return EnvTargets{
		Pool: &pc, Circuit: &cc, Resources: &rc, Timeout: &tc, Extraction: &ec, Fetch: &fc,
	}, &pc, &cc, &rc, &tc, &ec, &fc
}

func TestApplyEnvUnsetLeavesDefaults(t *testing.T) {
	targets, pc, cc, _, _, _, _ := allTargets()
	require.NoError(t, ApplyEnv(mapLookup(nil), targets))
	assert.Equal(t, pool.DefaultConfig(), *pc)
	assert.Equal(t, circuit.DefaultConfig(), *cc)
}

func TestApplyEnvPoolVariables(t *testing.T) {
	targets, pc, _, _, _, _, _ := allTargets()
	env := map[string]string{
		"POOL_MAX_POOL_SIZE":     "32",
		"POOL_INITIAL_POOL_SIZE": "4",
		"POOL_TIMEOUT_MS":        "1500",
		"POOL_EPOCH_TIMEOUT_MS":  "3s",
	}
	require.NoError(t, ApplyEnv(mapLookup(env), targets))
	assert.Equal(t, 32, pc.MaxPoolSize)
	assert.Equal(t, 4, pc.InitialPoolSize)
	assert.Equal(t, 1500*time.Millisecond, pc.AcquireTimeout)
	assert.Equal(t, 3*time.Second, pc.EpochDeadline)
}

func TestApplyEnvCircuitVariables(t *testing.T) {
	targets, _, cc, _, _, _, _ := allTargets()
	env := map[string]string{
		"POOL_CIRCUIT_BREAKER_FAILURE_THRESHOLD": "7",
		"POOL_CIRCUIT_BREAKER_TIMEOUT_MS":        "45000",
	}
	require.NoError(t, ApplyEnv(mapLookup(env), targets))
	assert.Equal(t, uint32(7), cc.FailureThreshold)
	assert.Equal(t, 45*time.Second, cc.OpenCooldown)
}

func TestApplyEnvMemoryLimitBytesConvertsToMB(t *testing.T) {
	targets, _, _, rc, _, _, _ := allTargets()
	env := map[string]string{"POOL_MEMORY_LIMIT_BYTES": "1073741824"}
	require.NoError(t, ApplyEnv(mapLookup(env), targets))
	assert.Equal(t, int64(1024), rc.MemoryLimitMB)
}

func TestApplyEnvReliabilityVariables(t *testing.T) {
	targets, _, _, _, tc, ec, fc := allTargets()
	env := map[string]string{
		"RELIABILITY_MAX_RETRIES":          "5",
		"RELIABILITY_TIMEOUT_SECS":         "20",
		"RELIABILITY_QUALITY_THRESHOLD":    "0.75",
		"RELIABILITY_GRACEFUL_DEGRADATION": "off",
	}
	require.NoError(t, ApplyEnv(mapLookup(env), targets))
	assert.Equal(t, 5, fc.MaxRetries)
	assert.Equal(t, 20*time.Second, tc.DefaultTimeout)
	assert.Equal(t, 20*time.Second, fc.Timeout)
	assert.Equal(t, 0.75, ec.FastExtractionQualityThreshold)
	assert.False(t, ec.GracefulDegradation)
}

func TestApplyEnvBoolForms(t *testing.T) {
	for _, v := range []string{"true", "1", "yes", "on"} {
		targets, _, _, _, _, ec, _ := allTargets()
		ec.GracefulDegradation = false
		env := map[string]string{"RELIABILITY_GRACEFUL_DEGRADATION": v}
		require.NoError(t, ApplyEnv(mapLookup(env), targets))
		assert.True(t, ec.GracefulDegradation, "value %q should parse true", v)
	}
	for _, v := range []string{"false", "0", "no", "off"} {
		targets, _, _, _, _, ec, _ := allTargets()
		env := map[string]string{"RELIABILITY_GRACEFUL_DEGRADATION": v}
		require.NoError(t, ApplyEnv(mapLookup(env), targets))
		assert.False(t, ec.GracefulDegradation, "value %q should parse false", v)
	}
}

func TestApplyEnvMalformedValueNamesVariable(t *testing.T) {
	targets, _, _, _, _, _, _ := allTargets()
	env := map[string]string{"POOL_MAX_POOL_SIZE": "not-a-number"}
	err := ApplyEnv(mapLookup(env), targets)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "POOL_MAX_POOL_SIZE")
}

func TestApplyEnvDurationRejectsGarbage(t *testing.T) {
	targets, _, _, _, _, _, _ := allTargets()
	env := map[string]string{"POOL_TIMEOUT_MS": "soon"}
	err := ApplyEnv(mapLookup(env), targets)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "POOL_TIMEOUT_MS")
}

func TestApplyEnvZeroFailureThresholdRejected(t *testing.T) {
	targets, _, _, _, _, _, _ := allTargets()
	env := map[string]string{"POOL_CIRCUIT_BREAKER_FAILURE_THRESHOLD": "0"}
	err := ApplyEnv(mapLookup(env), targets)
	require.Error(t, err)
}
