package resources

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireUnknownResourceTypeIsValidationError(t *testing.T) {
	rm := NewResourceManager(DefaultResourceManagerConfig(), nil, nil)
	_, err := rm.Acquire(context.Background(), ResourceType("bogus"), 0)
	require.Error(t, err)
}

func TestAcquireBrowserRespectsPoolMax(t *testing.T) {
	cfg := DefaultResourceManagerConfig()
	cfg.BrowserPoolMax = 1
	rm := NewResourceManager(cfg, nil, nil)

	rel, err := rm.Acquire(context.Background(), ResourceBrowser, 0)
	require.NoError(t, err)

	_, err = rm.Acquire(context.Background(), ResourceBrowser, 0)
	assert.Error(t, err, "second browser checkout should be denied while the pool is saturated")

	rel()
	_, err = rm.Acquire(context.Background(), ResourceBrowser, 0)
	assert.NoError(t, err, "release must free the slot for a subsequent checkout")
}

func TestMemoryPressureTripsAtThreshold(t *testing.T) {
	cfg := DefaultResourceManagerConfig()
	cfg.MemoryLimitMB = 100
	cfg.PressureThreshold = 0.8
	rm := NewResourceManager(cfg, nil, nil)

	assert.False(t, rm.MemoryPressure())
	rm.TrackAllocation(80)
	assert.True(t, rm.MemoryPressure())

	rm.TrackDeallocation(21)
	assert.False(t, rm.MemoryPressure(), "usage strictly below threshold must clear pressure")
}

func TestAcquireDeniedUnderMemoryPressure(t *testing.T) {
	cfg := DefaultResourceManagerConfig()
	cfg.MemoryLimitMB = 10
	cfg.PressureThreshold = 0.5
	rm := NewResourceManager(cfg, nil, nil)
	rm.TrackAllocation(6)

	_, err := rm.Acquire(context.Background(), ResourcePDF, 0)
	assert.Error(t, err)
}

func TestDegradationScoreBlendsTerms(t *testing.T) {
	cfg := DefaultResourceManagerConfig()
	cfg.MemoryLimitMB = 100
	rm := NewResourceManager(cfg, nil, nil)

	assert.Zero(t, rm.DegradationScore())

	rm.RecordSuccess()
	rm.RecordTimeout()
	rm.TrackAllocation(50)
	rm.RecordCircuitCheck(true)

	score := rm.DegradationScore()
	assert.Greater(t, score, 0.0)
	assert.LessOrEqual(t, score, 1.0)
}

func TestCleanupOnTimeoutTriggersGCAboveThreshold(t *testing.T) {
	cfg := DefaultResourceManagerConfig()
	cfg.MemoryLimitMB = 100
	cfg.GCTriggerThreshold = 0.5
	var gcCalled bool
	rm := NewResourceManager(cfg, nil, func() { gcCalled = true })
	rm.TrackAllocation(60)

	rm.CleanupOnTimeout(context.Background(), "extraction")
	assert.True(t, gcCalled)
}

func TestAdmitInstanceSatisfiesPoolAdmitter(t *testing.T) {
	rm := NewResourceManager(DefaultResourceManagerConfig(), nil, nil)
	release, ok := rm.AdmitInstance()
	require.True(t, ok)
	require.NotNil(t, release)
	release()
}
