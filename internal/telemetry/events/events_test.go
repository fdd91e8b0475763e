package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishRequiresCategory(t *testing.T) {
	b := NewBus(nil)
	err := b.Publish(Event{Type: "x"})
	assert.Error(t, err)
}

func TestSubscriberReceivesPublishedEvent(t *testing.T) {
	b := NewBus(nil)
	sub, err := b.Subscribe(4)
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, b.Publish(Event{Category: CategoryPipeline, Type: "extraction.completed", Severity: "info"}))

	select {
	case ev := <-sub.C():
		assert.Equal(t, "extraction.completed", ev.Type)
	case <-time.After(time.Second):
		t.Fatal("expected event delivery")
	}
}

func TestNonCriticalEventDroppedOnFullBuffer(t *testing.T) {
	b := NewBus(nil)
	sub, err := b.Subscribe(1)
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, b.Publish(Event{Category: CategoryPipeline, Type: "a", Severity: "info"}))
	require.NoError(t, b.Publish(Event{Category: CategoryPipeline, Type: "b", Severity: "info"}))

	stats := b.Stats()
	assert.Equal(t, uint64(1), stats.Dropped)
}

func TestCriticalEventBlocksUntilDelivered(t *testing.T) {
	b := NewBus(nil)
	sub, err := b.Subscribe(1)
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, b.Publish(Event{Category: CategoryPipeline, Type: "fill", Severity: "info"}))

	done := make(chan error, 1)
	go func() {
		done <- b.PublishCtx(context.Background(), Event{Category: CategoryError, Type: "boom", Severity: "critical"})
	}()

	select {
	case <-done:
		t.Fatal("critical publish should block while the buffer is full")
	case <-time.After(50 * time.Millisecond):
	}

	<-sub.C() // drain one slot
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("critical publish should complete once a slot frees up")
	}
}

func TestCriticalEventErrorsOnCancelledContext(t *testing.T) {
	b := NewBus(nil)
	sub, err := b.Subscribe(1)
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, b.Publish(Event{Category: CategoryPipeline, Type: "fill", Severity: "info"}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = b.PublishCtx(ctx, Event{Category: CategoryError, Type: "boom", Severity: "critical"})
	assert.Error(t, err)
}

func TestSubscribeFilteredByTypeAndSeverity(t *testing.T) {
	b := NewBus(nil)
	sub, err := b.SubscribeFiltered(8, Filter{Types: []string{"extraction.failed"}, MinSeverity: "warn"})
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, b.Publish(Event{Category: CategoryPipeline, Type: "extraction.completed", Severity: "info"}))
	require.NoError(t, b.Publish(Event{Category: CategoryPipeline, Type: "extraction.failed", Severity: "debug"}))
	require.NoError(t, b.Publish(Event{Category: CategoryError, Type: "extraction.failed", Severity: "error"}))

	select {
	case ev := <-sub.C():
		assert.Equal(t, "extraction.failed", ev.Type)
		assert.Equal(t, "error", ev.Severity)
	case <-time.After(time.Second):
		t.Fatal("expected one filtered event")
	}
	select {
	case ev := <-sub.C():
		t.Fatalf("unexpected extra event %q/%q", ev.Type, ev.Severity)
	default:
	}
}
