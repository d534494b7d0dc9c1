package streaming

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/tradegate/pkg/schema"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func recv(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "channel closed")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestFanOut_PublishSubscribe(t *testing.T) {
	f := NewFanOut(Config{}, quietLogger())
	defer f.Close()
	ctx := context.Background()

	ch, cancel, err := f.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	ev := NewEvent(schema.EventStage, "sess-1", schema.StageAnalyze, map[string]any{"status": "started"})
	require.NoError(t, f.Publish(ctx, ev))

	got := recv(t, ch)
	assert.Equal(t, ev.ID, got.ID)
	assert.Equal(t, schema.EventStage, got.Type)
	assert.Equal(t, "sess-1", got.SessionID)
	assert.Equal(t, "started", got.Payload["status"])
}

func TestFanOut_FilterBySessionAndType(t *testing.T) {
	f := NewFanOut(Config{}, quietLogger())
	defer f.Close()
	ctx := context.Background()

	ch, cancel, err := f.Subscribe(ctx, EventFilter{
		SessionID: "sess-1",
		Types:     []schema.EventType{schema.EventCompleted},
	})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, f.Publish(ctx, NewEvent(schema.EventStage, "sess-1", "analyze", nil)))
	require.NoError(t, f.Publish(ctx, NewEvent(schema.EventCompleted, "sess-2", "", nil)))
	require.NoError(t, f.Publish(ctx, NewEvent(schema.EventCompleted, "sess-1", "", nil)))

	got := recv(t, ch)
	assert.Equal(t, "sess-1", got.SessionID)
	assert.Equal(t, schema.EventCompleted, got.Type)

	select {
	case extra := <-ch:
		t.Fatalf("unexpected event %v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFanOut_PerObserverOrder(t *testing.T) {
	f := NewFanOut(Config{SubscriberBuffer: 256}, quietLogger())
	defer f.Close()
	ctx := context.Background()

	ch, cancel, err := f.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	var ids []string
	for i := 0; i < 100; i++ {
		ev := NewEvent(schema.EventStage, "s", "", nil)
		ids = append(ids, ev.ID)
		require.NoError(t, f.Publish(ctx, ev))
	}
	for i := 0; i < 100; i++ {
		assert.Equal(t, ids[i], recv(t, ch).ID)
	}
}

func TestFanOut_NoReplay(t *testing.T) {
	f := NewFanOut(Config{}, quietLogger())
	defer f.Close()
	ctx := context.Background()

	early, cancelEarly, err := f.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancelEarly()

	before := NewEvent(schema.EventStage, "s", "", nil)
	require.NoError(t, f.Publish(ctx, before))
	recv(t, early)

	late, cancelLate, err := f.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancelLate()

	after := NewEvent(schema.EventCompleted, "s", "", nil)
	require.NoError(t, f.Publish(ctx, after))

	assert.Equal(t, after.ID, recv(t, late).ID)
	assert.Equal(t, after.ID, recv(t, early).ID)
}

func TestFanOut_DropNewWhenQueueFull(t *testing.T) {
	f := newFanOut(Config{QueueSize: 2}, quietLogger())
	ctx := context.Background()

	ch, cancel, err := f.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	first := NewEvent(schema.EventStage, "s", "", nil)
	second := NewEvent(schema.EventStage, "s", "", nil)
	require.NoError(t, f.Publish(ctx, first))
	require.NoError(t, f.Publish(ctx, second))
	err = f.Publish(ctx, NewEvent(schema.EventStage, "s", "", nil))
	assert.ErrorIs(t, err, ErrQueueFull)

	go f.dispatch()
	defer f.Close()

	assert.Equal(t, first.ID, recv(t, ch).ID)
	assert.Equal(t, second.ID, recv(t, ch).ID)

	stats := f.Stats()
	assert.Equal(t, int64(2), stats.Published)
	assert.Equal(t, int64(1), stats.Dropped)
}

func TestFanOut_SlowSubscriberEvicted(t *testing.T) {
	f := NewFanOut(Config{SubscriberBuffer: 1}, quietLogger())
	defer f.Close()
	ctx := context.Background()

	slow, cancelSlow, err := f.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancelSlow()
	fast, cancelFast, err := f.Subscribe(ctx, EventFilter{SessionID: "other"})
	require.NoError(t, err)
	defer cancelFast()

	for i := 0; i < 3; i++ {
		require.NoError(t, f.Publish(ctx, NewEvent(schema.EventStage, "s", "", nil)))
	}
	require.Eventually(t, func() bool { return f.Stats().Evicted == 1 }, time.Second, 5*time.Millisecond)

	// The buffered event is still readable, then the channel is closed.
	recv(t, slow)
	_, ok := <-slow
	assert.False(t, ok)

	// The unaffected observer keeps receiving.
	require.NoError(t, f.Publish(ctx, NewEvent(schema.EventStage, "other", "", nil)))
	assert.Equal(t, "other", recv(t, fast).SessionID)
	assert.Equal(t, 1, f.Stats().Subscribers)
}

func TestFanOut_ContextCancelUnsubscribes(t *testing.T) {
	f := NewFanOut(Config{}, quietLogger())
	defer f.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, unsubscribe, err := f.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	cancel()

	require.Eventually(t, func() bool { return f.Stats().Subscribers == 0 }, time.Second, 5*time.Millisecond)
	_, ok := <-ch
	assert.False(t, ok)
	unsubscribe()
}

func TestFanOut_ObserverErrorUnsubscribes(t *testing.T) {
	f := NewFanOut(Config{}, quietLogger())
	defer f.Close()
	ctx := context.Background()

	var mu sync.Mutex
	var seen int
	_, err := f.Observe(ctx, EventFilter{}, func(Event) error {
		mu.Lock()
		defer mu.Unlock()
		seen++
		return errors.New("socket closed")
	})
	require.NoError(t, err)

	require.NoError(t, f.Publish(ctx, NewEvent(schema.EventStage, "s", "", nil)))
	require.Eventually(t, func() bool { return f.Stats().Subscribers == 0 }, time.Second, 5*time.Millisecond)

	require.NoError(t, f.Publish(ctx, NewEvent(schema.EventStage, "s", "", nil)))
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, 1, seen)
	mu.Unlock()
}

func TestFanOut_CloseDrainsAndRejects(t *testing.T) {
	f := NewFanOut(Config{}, quietLogger())
	ctx := context.Background()

	ch, _, err := f.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	require.NoError(t, f.Publish(ctx, NewEvent(schema.EventCompleted, "s", "", nil)))
	f.Close()

	ev, ok := <-ch
	require.True(t, ok)
	assert.Equal(t, schema.EventCompleted, ev.Type)
	_, ok = <-ch
	assert.False(t, ok)

	assert.ErrorIs(t, f.Publish(ctx, NewEvent(schema.EventStage, "s", "", nil)), ErrClosed)
	_, _, err = f.Subscribe(ctx, EventFilter{})
	assert.ErrorIs(t, err, ErrClosed)
	f.Close()
}

func TestFanOut_PublishCancelledContext(t *testing.T) {
	f := NewFanOut(Config{}, quietLogger())
	defer f.Close()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, f.Publish(ctx, NewEvent(schema.EventStage, "s", "", nil)), context.Canceled)
}
