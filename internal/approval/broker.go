package approval

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/tradegate/internal/streaming"
	"github.com/rendis/tradegate/pkg/schema"
)

const (
	DefaultTimeout      = 300 * time.Second
	DefaultPollInterval = 2 * time.Second
	DefaultRetainFor    = 10 * time.Minute
)

// Config controls approval deadlines and housekeeping.
type Config struct {
	Timeout      time.Duration `koanf:"timeout"`
	PollInterval time.Duration `koanf:"poll_interval"`
	RetainFor    time.Duration `koanf:"retain_for"`
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.RetainFor <= 0 {
		c.RetainFor = DefaultRetainFor
	}
	return c
}

// RequestStore persists approval requests. store.Store satisfies it.
type RequestStore interface {
	SaveApprovalRequest(ctx context.Context, req *schema.ApprovalRequest) error
	ResolveApprovalRequest(ctx context.Context, id string, state schema.ApprovalState, res *schema.ApprovalResolution) error
}

// Publisher is the producer side of the event fan-out.
type Publisher interface {
	Publish(ctx context.Context, event streaming.Event) error
}

// ResolvedFunc is called after a request is resolved or expires. It runs
// outside the broker lock and receives a copy of the request.
type ResolvedFunc func(req *schema.ApprovalRequest)

// Deps are the broker's collaborators. Only Hub is required.
type Deps struct {
	Hub    Publisher
	Store  RequestStore
	Tokens *TokenIssuer
	Logger *slog.Logger
	Clock  func() time.Time
}

type entry struct {
	req       *schema.ApprovalRequest
	done      chan struct{}
	settledAt time.Time
	taken     bool
}

func (e *entry) settled() bool {
	return e.req.State != schema.ApprovalPending
}

// Broker owns every approval request. Resolution and expiry race through a
// single lock, so exactly one of them wins for each request.
type Broker struct {
	cfg    Config
	hub    Publisher
	store  RequestStore
	tokens *TokenIssuer
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	entries   map[string]*entry
	bySession map[string]string
	listeners []ResolvedFunc
}

// NewBroker creates a broker. Call Run to enable background expiry.
func NewBroker(cfg Config, deps Deps) *Broker {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	return &Broker{
		cfg:       cfg.withDefaults(),
		hub:       deps.Hub,
		store:     deps.Store,
		tokens:    deps.Tokens,
		logger:    deps.Logger,
		now:       deps.Clock,
		entries:   make(map[string]*entry),
		bySession: make(map[string]string),
	}
}

// Timeout returns the configured approval timeout.
func (b *Broker) Timeout() time.Duration { return b.cfg.Timeout }

// OnResolved registers a listener for resolutions and expiries.
func (b *Broker) OnResolved(fn ResolvedFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, fn)
}

// Submit creates the approval request for a session, or returns the one
// already pending for it. The approval_request event is published before
// the request can be looked up or resolved.
func (b *Broker) Submit(ctx context.Context, sessionID string, snap schema.ApprovalSnapshot) (*schema.ApprovalRequest, error) {
	if sessionID == "" {
		return nil, schema.NewError(schema.ErrCodeInvalidInput, "session id is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if id, ok := b.bySession[sessionID]; ok {
		return b.entries[id].req.Clone(), nil
	}

	now := b.now().UTC()
	req := &schema.ApprovalRequest{
		ID:             newRequestID(snap.Subject, now),
		SessionID:      sessionID,
		Subject:        snap.Subject,
		ProposedAction: snap.ProposedAction,
		Side:           snap.Side,
		Rationale:      snap.Rationale,
		Confidence:     snap.Confidence,
		CreatedAt:      now,
		Deadline:       now.Add(b.cfg.Timeout),
		State:          schema.ApprovalPending,
	}

	if b.store != nil {
		if err := b.store.SaveApprovalRequest(ctx, req); err != nil {
			return nil, err
		}
	}

	b.publish(ctx, schema.EventApprovalRequest, req)

	b.entries[req.ID] = &entry{req: req, done: make(chan struct{})}
	b.bySession[sessionID] = req.ID

	b.logger.InfoContext(ctx, "approval requested",
		slog.String("request_id", req.ID),
		slog.String("session_id", sessionID),
		slog.String("side", string(req.Side)),
		slog.Time("deadline", req.Deadline))
	return req.Clone(), nil
}

// Resolve records an operator verdict. It returns false when the request
// is unknown or no longer pending.
func (b *Broker) Resolve(ctx context.Context, requestID string, approved bool, notes string) bool {
	b.mu.Lock()
	e, ok := b.entries[requestID]
	if !ok || e.settled() {
		b.mu.Unlock()
		return false
	}

	res := &schema.ApprovalResolution{
		Approved:   approved,
		Notes:      notes,
		ResolvedAt: b.now().UTC(),
		Source:     schema.SourceOperator,
	}
	if approved && b.tokens != nil {
		token, err := b.tokens.Issue(e.req)
		if err != nil {
			b.logger.ErrorContext(ctx, "issue approval token", slog.String("request_id", requestID), slog.String("error", err.Error()))
		}
		res.Token = token
	}
	req, listeners := b.settleLocked(ctx, e, schema.ApprovalResolved, res)
	b.mu.Unlock()

	b.notify(req, listeners)
	return true
}

// AwaitOrTimeout blocks until the request is resolved or its deadline
// passes. On deadline the request expires with {approved:false, notes:"timeout"}.
// A timeout is a normal result, not an error.
func (b *Broker) AwaitOrTimeout(ctx context.Context, requestID string) (schema.ApprovalDecision, error) {
	b.mu.Lock()
	e, ok := b.entries[requestID]
	if !ok {
		b.mu.Unlock()
		return schema.ApprovalDecision{}, schema.NewErrorf(schema.ErrCodeUnknownRequest, "approval request %q not found", requestID)
	}
	if e.settled() {
		d := e.req.Resolution.Decision()
		b.mu.Unlock()
		return d, nil
	}
	done := e.done
	wait := e.req.Deadline.Sub(b.now())
	b.mu.Unlock()

	timer := time.NewTimer(max(wait, 0))
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
		b.expire(ctx, requestID)
	case <-ctx.Done():
		return schema.ApprovalDecision{}, ctx.Err()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	return e.req.Resolution.Decision(), nil
}

// Take returns the resolution of a settled request the first time it is
// called for that request.
func (b *Broker) Take(requestID string) (schema.ApprovalDecision, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[requestID]
	if !ok || !e.settled() || e.taken {
		return schema.ApprovalDecision{}, false
	}
	e.taken = true
	return e.req.Resolution.Decision(), true
}

// Get returns a copy of a known request.
func (b *Broker) Get(requestID string) (*schema.ApprovalRequest, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[requestID]
	if !ok {
		return nil, false
	}
	return e.req.Clone(), true
}

// PendingFor returns the pending request of a session, if any.
func (b *Broker) PendingFor(sessionID string) (*schema.ApprovalRequest, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id, ok := b.bySession[sessionID]
	if !ok {
		return nil, false
	}
	return b.entries[id].req.Clone(), true
}

// ListPending returns every pending request, oldest first.
func (b *Broker) ListPending() []*schema.ApprovalRequest {
	b.mu.Lock()
	out := make([]*schema.ApprovalRequest, 0, len(b.bySession))
	for _, id := range b.bySession {
		out = append(out, b.entries[id].req.Clone())
	}
	b.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// PendingCount returns the number of pending requests.
func (b *Broker) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.bySession)
}

// Restore loads a persisted request after a restart. No event is
// published. A pending request whose deadline has passed expires on the
// next sweep.
func (b *Broker) Restore(req *schema.ApprovalRequest) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.entries[req.ID]; ok {
		return nil
	}
	e := &entry{req: req.Clone(), done: make(chan struct{})}
	if e.settled() {
		if e.req.Resolution == nil {
			return schema.NewErrorf(schema.ErrCodeInvalidInput, "request %q is %s without a resolution", req.ID, req.State)
		}
		e.settledAt = e.req.Resolution.ResolvedAt
		close(e.done)
		b.entries[req.ID] = e
		return nil
	}
	if other, ok := b.bySession[req.SessionID]; ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "session %q already has pending request %q", req.SessionID, other)
	}
	b.entries[req.ID] = e
	b.bySession[req.SessionID] = req.ID
	return nil
}

// Run expires overdue requests and purges old taken resolutions every
// poll interval until ctx is done.
func (b *Broker) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			b.Sweep(ctx)
		}
	}
}

// Sweep runs one expiry and retention pass and returns the number of
// requests it expired. Only taken resolutions are purged.
func (b *Broker) Sweep(ctx context.Context) int {
	now := b.now()

	b.mu.Lock()
	var overdue []string
	for _, id := range b.bySession {
		if !now.Before(b.entries[id].req.Deadline) {
			overdue = append(overdue, id)
		}
	}
	// A resolution nobody has taken yet is still owed to its session.
	for id, e := range b.entries {
		if e.settled() && e.taken && now.Sub(e.settledAt) > b.cfg.RetainFor {
			delete(b.entries, id)
		}
	}
	b.mu.Unlock()

	expired := 0
	for _, id := range overdue {
		if b.expire(ctx, id) {
			expired++
		}
	}
	return expired
}

func (b *Broker) expire(ctx context.Context, requestID string) bool {
	b.mu.Lock()
	e, ok := b.entries[requestID]
	if !ok || e.settled() {
		b.mu.Unlock()
		return false
	}
	res := &schema.ApprovalResolution{
		Approved:   false,
		Notes:      schema.TimeoutNotes,
		ResolvedAt: b.now().UTC(),
		Source:     schema.SourceTimeout,
	}
	req, listeners := b.settleLocked(ctx, e, schema.ApprovalExpired, res)
	b.mu.Unlock()

	b.logger.InfoContext(ctx, "approval timed out",
		slog.String("request_id", requestID),
		slog.String("session_id", req.SessionID))
	b.notify(req, listeners)
	return true
}

// settleLocked moves a pending entry to its final state. b.mu must be held.
func (b *Broker) settleLocked(ctx context.Context, e *entry, state schema.ApprovalState, res *schema.ApprovalResolution) (*schema.ApprovalRequest, []ResolvedFunc) {
	e.req.State = state
	e.req.Resolution = res
	e.settledAt = b.now()
	delete(b.bySession, e.req.SessionID)
	close(e.done)

	if b.store != nil {
		if err := b.store.ResolveApprovalRequest(ctx, e.req.ID, state, res); err != nil {
			b.logger.ErrorContext(ctx, "persist approval resolution",
				slog.String("request_id", e.req.ID),
				slog.String("error", err.Error()))
		}
	}
	b.publish(ctx, schema.EventApprovalResolved, e.req)

	listeners := make([]ResolvedFunc, len(b.listeners))
	copy(listeners, b.listeners)
	return e.req.Clone(), listeners
}

func (b *Broker) notify(req *schema.ApprovalRequest, listeners []ResolvedFunc) {
	for _, fn := range listeners {
		fn(req.Clone())
	}
}

func (b *Broker) publish(ctx context.Context, typ schema.EventType, req *schema.ApprovalRequest) {
	if b.hub == nil {
		return
	}
	ev := streaming.NewEvent(typ, req.SessionID, schema.StageApproval, req.Card())
	if err := b.hub.Publish(context.WithoutCancel(ctx), ev); err != nil {
		b.logger.WarnContext(ctx, "publish approval event",
			slog.String("event_type", string(typ)),
			slog.String("request_id", req.ID),
			slog.String("error", err.Error()))
	}
}

func newRequestID(subject string, now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("apr_%s_%d_%s", subject, now.Unix(), suffix)
}
