package approval

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/tradegate/internal/store"
	"github.com/rendis/tradegate/internal/streaming"
	"github.com/rendis/tradegate/pkg/schema"
)

type recordingHub struct {
	mu     sync.Mutex
	events []streaming.Event
}

func (h *recordingHub) Publish(_ context.Context, ev streaming.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
	return nil
}

func (h *recordingHub) ofType(t schema.EventType) []streaming.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []streaming.Event
	for _, ev := range h.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type failingStore struct{ store.Store }

func (failingStore) SaveApprovalRequest(context.Context, *schema.ApprovalRequest) error {
	return errors.New("disk full")
}

func newTestBroker(t *testing.T, cfg Config) (*Broker, *recordingHub, *store.MemoryStore) {
	t.Helper()
	hub := &recordingHub{}
	st := store.NewMemoryStore()
	tokens, err := NewTokenIssuer("test-secret", time.Minute)
	require.NoError(t, err)
	b := NewBroker(cfg, Deps{
		Hub:    hub,
		Store:  st,
		Tokens: tokens,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return b, hub, st
}

func snapshot() schema.ApprovalSnapshot {
	return schema.ApprovalSnapshot{
		Subject:        "AAPL",
		ProposedAction: schema.ActionProceed,
		Side:           schema.SideBuy,
		Rationale:      "Market trend: bullish",
		Confidence:     0.7,
	}
}

func TestSubmit_IdempotentPerSession(t *testing.T) {
	b, hub, _ := newTestBroker(t, Config{})
	ctx := context.Background()

	first, err := b.Submit(ctx, "sess-1", snapshot())
	require.NoError(t, err)
	second, err := b.Submit(ctx, "sess-1", snapshot())
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Regexp(t, `^apr_AAPL_\d+_[0-9a-f]{8}$`, first.ID)
	assert.Equal(t, schema.ApprovalPending, first.State)
	assert.WithinDuration(t, first.CreatedAt.Add(DefaultTimeout), first.Deadline, time.Millisecond)
	assert.Len(t, hub.ofType(schema.EventApprovalRequest), 1)
	assert.Equal(t, 1, b.PendingCount())
}

func TestSubmit_RequiresSession(t *testing.T) {
	b, _, _ := newTestBroker(t, Config{})
	_, err := b.Submit(context.Background(), "", snapshot())
	assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidInput))
}

func TestSubmit_StoreFailureCreatesNothing(t *testing.T) {
	hub := &recordingHub{}
	b := NewBroker(Config{}, Deps{Hub: hub, Store: failingStore{}})

	_, err := b.Submit(context.Background(), "sess-1", snapshot())
	require.Error(t, err)
	assert.Empty(t, hub.ofType(schema.EventApprovalRequest))
	assert.Equal(t, 0, b.PendingCount())
}

func TestSubmit_PublishesBeforeVisible(t *testing.T) {
	var b *Broker
	var visibleAtPublish atomic.Bool
	hub := hubFunc(func(ev streaming.Event) {
		if ev.Type == schema.EventApprovalRequest {
			// The broker lock is held while publishing, so probe without it.
			_, ok := b.entries[ev.Payload["request_id"].(string)]
			visibleAtPublish.Store(ok)
		}
	})
	b = NewBroker(Config{}, Deps{Hub: hub})

	_, err := b.Submit(context.Background(), "sess-1", snapshot())
	require.NoError(t, err)
	assert.False(t, visibleAtPublish.Load())
}

type hubFunc func(streaming.Event)

func (f hubFunc) Publish(_ context.Context, ev streaming.Event) error {
	f(ev)
	return nil
}

func TestResolve_OnceOnly(t *testing.T) {
	b, hub, st := newTestBroker(t, Config{})
	ctx := context.Background()
	req, err := b.Submit(ctx, "sess-1", snapshot())
	require.NoError(t, err)

	assert.True(t, b.Resolve(ctx, req.ID, true, "looks good"))
	assert.False(t, b.Resolve(ctx, req.ID, false, "changed my mind"))
	assert.False(t, b.Resolve(ctx, "apr_unknown", true, ""))

	got, ok := b.Get(req.ID)
	require.True(t, ok)
	assert.Equal(t, schema.ApprovalResolved, got.State)
	assert.True(t, got.Resolution.Approved)
	assert.Equal(t, "looks good", got.Resolution.Notes)
	assert.Equal(t, schema.SourceOperator, got.Resolution.Source)
	assert.NotEmpty(t, got.Resolution.Token)

	persisted, err := st.GetApprovalRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ApprovalResolved, persisted.State)

	resolved := hub.ofType(schema.EventApprovalResolved)
	require.Len(t, resolved, 1)
	assert.Equal(t, true, resolved[0].Payload["approved"])
	assert.NotContains(t, resolved[0].Payload, "token")

	_, pending := b.PendingFor("sess-1")
	assert.False(t, pending)
}

func TestResolve_RejectionHasNoToken(t *testing.T) {
	b, _, _ := newTestBroker(t, Config{})
	ctx := context.Background()
	req, _ := b.Submit(ctx, "sess-1", snapshot())

	require.True(t, b.Resolve(ctx, req.ID, false, "too risky"))
	got, _ := b.Get(req.ID)
	assert.Empty(t, got.Resolution.Token)
}

func TestAwaitOrTimeout_Resolved(t *testing.T) {
	b, _, _ := newTestBroker(t, Config{})
	ctx := context.Background()
	req, _ := b.Submit(ctx, "sess-1", snapshot())

	go func() {
		time.Sleep(20 * time.Millisecond)
		b.Resolve(ctx, req.ID, true, "ok")
	}()

	d, err := b.AwaitOrTimeout(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ApprovalDecision{Approved: true, Notes: "ok"}, d)
}

func TestAwaitOrTimeout_Expires(t *testing.T) {
	b, hub, st := newTestBroker(t, Config{Timeout: 50 * time.Millisecond})
	ctx := context.Background()
	req, _ := b.Submit(ctx, "sess-1", snapshot())

	start := time.Now()
	d, err := b.AwaitOrTimeout(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ApprovalDecision{Approved: false, Notes: "timeout"}, d)
	assert.Less(t, time.Since(start), time.Second)

	got, _ := b.Get(req.ID)
	assert.Equal(t, schema.ApprovalExpired, got.State)
	assert.Equal(t, schema.SourceTimeout, got.Resolution.Source)
	assert.Len(t, hub.ofType(schema.EventApprovalResolved), 1)

	// A late operator response is silently refused.
	assert.False(t, b.Resolve(ctx, req.ID, true, "late"))

	persisted, err := st.GetApprovalRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ApprovalExpired, persisted.State)
}

func TestAwaitOrTimeout_UnknownAndCancelled(t *testing.T) {
	b, _, _ := newTestBroker(t, Config{})
	_, err := b.AwaitOrTimeout(context.Background(), "apr_unknown")
	assert.True(t, schema.IsCode(err, schema.ErrCodeUnknownRequest))

	req, _ := b.Submit(context.Background(), "sess-1", snapshot())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = b.AwaitOrTimeout(ctx, req.ID)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	got, _ := b.Get(req.ID)
	assert.Equal(t, schema.ApprovalPending, got.State)
}

func TestResolveVersusTimeout_ExactlyOneWins(t *testing.T) {
	for i := 0; i < 50; i++ {
		b, hub, _ := newTestBroker(t, Config{Timeout: time.Millisecond})
		ctx := context.Background()
		req, _ := b.Submit(ctx, "sess-race", snapshot())

		var wg sync.WaitGroup
		var resolved atomic.Bool
		wg.Add(2)
		go func() {
			defer wg.Done()
			resolved.Store(b.Resolve(ctx, req.ID, true, "race"))
		}()
		go func() {
			defer wg.Done()
			_, _ = b.AwaitOrTimeout(ctx, req.ID)
		}()
		wg.Wait()

		got, _ := b.Get(req.ID)
		if resolved.Load() {
			assert.Equal(t, schema.ApprovalResolved, got.State)
		} else {
			assert.Equal(t, schema.ApprovalExpired, got.State)
		}
		assert.Len(t, hub.ofType(schema.EventApprovalResolved), 1)
	}
}

func TestTake_ExactlyOnce(t *testing.T) {
	b, _, _ := newTestBroker(t, Config{})
	ctx := context.Background()
	req, _ := b.Submit(ctx, "sess-1", snapshot())

	_, ok := b.Take(req.ID)
	assert.False(t, ok, "pending requests cannot be taken")

	b.Resolve(ctx, req.ID, false, "no")
	d, ok := b.Take(req.ID)
	require.True(t, ok)
	assert.Equal(t, "no", d.Notes)

	_, ok = b.Take(req.ID)
	assert.False(t, ok)
}

func TestOnResolved_CalledOncePerRequest(t *testing.T) {
	b, _, _ := newTestBroker(t, Config{Timeout: 10 * time.Millisecond})
	ctx := context.Background()

	var calls []schema.ApprovalSource
	var mu sync.Mutex
	b.OnResolved(func(req *schema.ApprovalRequest) {
		mu.Lock()
		defer mu.Unlock()
		// Listeners run outside the lock and may call back into the broker.
		_, _ = b.Get(req.ID)
		calls = append(calls, req.Resolution.Source)
	})

	a, _ := b.Submit(ctx, "sess-a", snapshot())
	_, _ = b.Submit(ctx, "sess-b", snapshot())
	b.Resolve(ctx, a.ID, true, "")

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, b.Sweep(ctx))
	assert.Equal(t, 0, b.Sweep(ctx))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []schema.ApprovalSource{schema.SourceOperator, schema.SourceTimeout}, calls)
}

func TestRun_ExpiresInBackground(t *testing.T) {
	b, _, _ := newTestBroker(t, Config{Timeout: 20 * time.Millisecond, PollInterval: 5 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = b.Run(ctx) }()

	req, _ := b.Submit(ctx, "sess-1", snapshot())
	require.Eventually(t, func() bool {
		got, _ := b.Get(req.ID)
		return got.State == schema.ApprovalExpired
	}, time.Second, 5*time.Millisecond)
}

func TestSweep_PurgesRetained(t *testing.T) {
	b, _, _ := newTestBroker(t, Config{RetainFor: time.Millisecond})
	ctx := context.Background()
	req, _ := b.Submit(ctx, "sess-1", snapshot())
	b.Resolve(ctx, req.ID, true, "")
	_, ok := b.Take(req.ID)
	require.True(t, ok)

	time.Sleep(5 * time.Millisecond)
	b.Sweep(ctx)
	_, ok = b.Get(req.ID)
	assert.False(t, ok)
}

func TestSweep_KeepsUntakenResolution(t *testing.T) {
	b, _, _ := newTestBroker(t, Config{RetainFor: time.Millisecond})
	ctx := context.Background()
	req, _ := b.Submit(ctx, "sess-1", snapshot())
	require.True(t, b.Resolve(ctx, req.ID, false, "no"))

	time.Sleep(5 * time.Millisecond)
	b.Sweep(ctx)

	got, ok := b.Get(req.ID)
	require.True(t, ok, "resolution not yet taken by its session")
	assert.Equal(t, schema.ApprovalResolved, got.State)

	d, ok := b.Take(req.ID)
	require.True(t, ok)
	assert.False(t, d.Approved)
	assert.Equal(t, "no", d.Notes)
}

func TestRestore(t *testing.T) {
	b, hub, _ := newTestBroker(t, Config{})
	now := time.Now().UTC()

	pending := &schema.ApprovalRequest{
		ID: "apr_AAPL_1_deadbeef", SessionID: "sess-1", Subject: "AAPL",
		CreatedAt: now, Deadline: now.Add(time.Minute), State: schema.ApprovalPending,
	}
	require.NoError(t, b.Restore(pending))
	require.NoError(t, b.Restore(pending))

	got, ok := b.PendingFor("sess-1")
	require.True(t, ok)
	assert.Equal(t, pending.ID, got.ID)
	assert.Empty(t, hub.events, "restore does not publish")

	clash := pending.Clone()
	clash.ID = "apr_AAPL_2_cafebabe"
	assert.True(t, schema.IsCode(b.Restore(clash), schema.ErrCodeConflict))

	expired := &schema.ApprovalRequest{
		ID: "apr_MSFT_1_00000000", SessionID: "sess-2", State: schema.ApprovalExpired,
		Resolution: &schema.ApprovalResolution{Notes: "timeout", Source: schema.SourceTimeout, ResolvedAt: now},
	}
	require.NoError(t, b.Restore(expired))
	d, ok := b.Take(expired.ID)
	require.True(t, ok)
	assert.Equal(t, "timeout", d.Notes)

	broken := &schema.ApprovalRequest{ID: "apr_X_1_1", SessionID: "sess-3", State: schema.ApprovalResolved}
	assert.Error(t, b.Restore(broken))
}
