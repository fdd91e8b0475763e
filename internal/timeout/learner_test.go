package timeout

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimeoutForUnknownDomainReturnsDefault(t *testing.T) {
	l := New(DefaultConfig(), nil)
	assert.Equal(t, l.cfg.DefaultTimeout, l.TimeoutFor("https://never-seen.example/a"))
}

func TestTimeoutForInvalidURLReturnsDefault(t *testing.T) {
	l := New(DefaultConfig(), nil)
	assert.Equal(t, l.cfg.DefaultTimeout, l.TimeoutFor("::::not-a-url"))
}

func TestTimeoutForNonHTTPSchemeReturnsDefault(t *testing.T) {
	l := New(DefaultConfig(), nil)

	// Recorded timeouts against a non-http URL must not create a profile.
	l.RecordTimeout("ftp://example.com")
	assert.Equal(t, l.cfg.DefaultTimeout, l.TimeoutFor("ftp://example.com"))

	// The http profile for the same host stays independent.
	l.RecordTimeout("https://example.com/a")
	assert.Greater(t, l.TimeoutFor("https://example.com/a"), l.cfg.DefaultTimeout)
	assert.Equal(t, l.cfg.DefaultTimeout, l.TimeoutFor("ftp://example.com"))
}

func TestRecordTimeoutWidensBoundedByMax(t *testing.T) {
	cfg := Config{MinTimeout: time.Second, MaxTimeout: 5 * time.Second, DefaultTimeout: 2 * time.Second, BackoffFactor: 2, SuccessStreak: 10}
	l := New(cfg, nil)
	url := "https://flaky.example/p"
	prev := l.TimeoutFor(url)
	for i := 0; i < 5; i++ {
		l.RecordTimeout(url)
		cur := l.TimeoutFor(url)
		require.GreaterOrEqual(t, cur, prev)
		assert.LessOrEqual(t, cur, cfg.MaxTimeout)
		prev = cur
	}
	assert.Equal(t, cfg.MaxTimeout, l.TimeoutFor(url))
}

func TestRecordSuccessStreakDecreasesTowardP95(t *testing.T) {
	cfg := Config{MinTimeout: 500 * time.Millisecond, MaxTimeout: 30 * time.Second, DefaultTimeout: 20 * time.Second, BackoffFactor: 1.5, SuccessStreak: 5}
	l := New(cfg, nil)
	url := "https://stable.example/p"
	for i := 0; i < 4; i++ {
		l.RecordSuccess(url, 150*time.Millisecond)
	}
	assert.Equal(t, cfg.DefaultTimeout, l.TimeoutFor(url), "streak not yet reached")
	l.RecordSuccess(url, 150*time.Millisecond)
	got := l.TimeoutFor(url)
	assert.Less(t, got, cfg.DefaultTimeout)
	assert.GreaterOrEqual(t, got, cfg.MinTimeout)
}

func TestTimeoutAlwaysWithinBounds(t *testing.T) {
	cfg := DefaultConfig()
	l := New(cfg, nil)
	url := "https://bounded.example/p"
	for i := 0; i < 20; i++ {
		l.RecordTimeout(url)
		assert.LessOrEqual(t, l.TimeoutFor(url), cfg.MaxTimeout)
		assert.GreaterOrEqual(t, l.TimeoutFor(url), cfg.MinTimeout)
	}
	for i := 0; i < 50; i++ {
		l.RecordSuccess(url, 100*time.Millisecond)
		assert.LessOrEqual(t, l.TimeoutFor(url), cfg.MaxTimeout)
		assert.GreaterOrEqual(t, l.TimeoutFor(url), cfg.MinTimeout)
	}
}

func TestSaveLoadProfilesRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/timeout-profiles.json"

	l := New(DefaultConfig(), nil)
	url := "https://persisted.example/p"
	l.RecordTimeout(url)
	l.RecordTimeout(url)
	require.NoError(t, l.SaveProfiles(path))

	l2 := New(DefaultConfig(), nil)
	require.NoError(t, l2.LoadProfiles(path))
	assert.Equal(t, l.TimeoutFor(url), l2.TimeoutFor(url))
}

func TestLoadProfilesMissingFileIsNotError(t *testing.T) {
	l := New(DefaultConfig(), nil)
	require.NoError(t, l.LoadProfiles("/tmp/does-not-exist-riptide-timeout-profiles.json"))
}
