package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryIdempotencyAcquireRejectsDuplicate(t *testing.T) {
	store := NewInMemoryIdempotency()
	ctx := context.Background()

	first, err := store.Acquire(ctx, "tok-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, first)

	second, err := store.Acquire(ctx, "tok-1", time.Minute)
	require.NoError(t, err)
	assert.False(t, second, "duplicate token acquisition must be rejected")
}

func TestInMemoryIdempotencyReleaseFreesToken(t *testing.T) {
	store := NewInMemoryIdempotency()
	ctx := context.Background()

	_, err := store.Acquire(ctx, "tok-1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, store.Release(ctx, "tok-1"))

	again, err := store.Acquire(ctx, "tok-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, again)
}

func TestInMemoryIdempotencyExpiresAfterTTL(t *testing.T) {
	store := NewInMemoryIdempotency()
	ctx := context.Background()
	base := time.Now()
	store.nowFunc = func() time.Time { return base }

	_, err := store.Acquire(ctx, "tok-1", time.Millisecond)
	require.NoError(t, err)

	store.nowFunc = func() time.Time { return base.Add(time.Hour) }
	ok, err := store.Acquire(ctx, "tok-1", time.Millisecond)
	require.NoError(t, err)
	assert.True(t, ok, "expired token should be reacquirable")
}
