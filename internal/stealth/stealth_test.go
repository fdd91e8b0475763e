package stealth

import (
	"testing"

	"github.com/riptide-run/riptide/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStickyRotationIsDeterministicWithinSession(t *testing.T) {
	c := New(Config{Rotation: RotationSticky}, 42)
	first := c.NextUserAgent("example.com")
	second := c.NextUserAgent("example.com")
	assert.Equal(t, first, second, "sticky strategy must return identical UA within a session")

	w1, h1 := c.RandomViewport()
	w2, h2 := c.RandomViewport()
	assert.Equal(t, w1, w2)
	assert.Equal(t, h1, h2)
}

func TestDomainBasedRotationIsDeterministicPerDomain(t *testing.T) {
	c := New(Config{Rotation: RotationDomainBased}, 7)
	a1 := c.NextUserAgent("a.com")
	a2 := c.NextUserAgent("a.com")
	b1 := c.NextUserAgent("b.com")
	assert.Equal(t, a1, a2, "domain-based strategy must be deterministic for the same domain")
	_ = b1 // different domain may or may not collide by hash; no assertion on inequality
}

func TestSequentialRotationAdvances(t *testing.T) {
	c := New(Config{Rotation: RotationSequential, UserAgents: []string{"UA-1", "UA-2", "UA-3"}}, 1)
	assert.Equal(t, "UA-1", c.NextUserAgent(""))
	assert.Equal(t, "UA-2", c.NextUserAgent(""))
	assert.Equal(t, "UA-3", c.NextUserAgent(""))
	assert.Equal(t, "UA-1", c.NextUserAgent(""), "sequential strategy must wrap around")
}

func TestResetSessionZerosCountersAndReselectsSticky(t *testing.T) {
	c := New(Config{Rotation: RotationSticky}, 9)
	c.MarkRequestSent()
	c.MarkRequestSent()
	require.Equal(t, 2, c.RequestCount())

	before := c.stickyUA
	c.ResetSession()
	assert.Equal(t, 0, c.RequestCount())
	_ = before // reselection may coincidentally pick the same UA; only counters are asserted
}

func TestFromPresetHighHasNonZeroDelay(t *testing.T) {
	c := FromPresetController(models.StealthPresetHigh, 3)
	delay := c.CalculateDelay("example.com")
	assert.Greater(t, delay.Milliseconds(), int64(0))
}

func TestFromPresetNoneIsStable(t *testing.T) {
	c := FromPresetController(models.StealthPresetNone, 1)
	ua1 := c.NextUserAgent("x.com")
	ua2 := c.NextUserAgent("x.com")
	assert.Equal(t, ua1, ua2)
}

func TestBuildNavigateParamsPopulatesAllFields(t *testing.T) {
	c := New(Config{Rotation: RotationRandom}, 5)
	p := c.BuildNavigateParams("example.com")
	assert.NotEmpty(t, p.UserAgent)
	assert.NotEmpty(t, p.Headers["Accept"])
	assert.Greater(t, p.ViewportW, 0)
	assert.Greater(t, p.ViewportH, 0)
	assert.NotEmpty(t, p.Locale)
	assert.NotEmpty(t, p.InjectedJS)
}
