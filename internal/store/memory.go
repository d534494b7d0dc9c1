package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rendis/tradegate/pkg/schema"
)

// MemoryStore is an in-process Store with the same semantics as
// LibSQLStore. Values are copied on the way in and out.
type MemoryStore struct {
	mu        sync.RWMutex
	sessions  map[string]*schema.Session
	approvals map[string]*schema.ApprovalRequest
	events    map[string][]*Event
	nextID    int64
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:  make(map[string]*schema.Session),
		approvals: make(map[string]*schema.ApprovalRequest),
		events:    make(map[string][]*Event),
	}
}

func (m *MemoryStore) Migrate(context.Context) error { return nil }
func (m *MemoryStore) Close() error                  { return nil }

func (m *MemoryStore) CreateSession(ctx context.Context, s *schema.Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "session %q already exists", s.ID)
	}
	c := s.Clone()
	c.StartedAt = timeOrNow(c.StartedAt)
	c.UpdatedAt = timeOrNow(c.UpdatedAt)
	m.sessions[s.ID] = c
	return nil
}

func (m *MemoryStore) GetSession(ctx context.Context, id string) (*schema.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, notFound(schema.ErrCodeUnknownSession, "session", id)
	}
	return s.Clone(), nil
}

func (m *MemoryStore) UpdateSession(ctx context.Context, s *schema.Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.sessions[s.ID]
	if !ok {
		return notFound(schema.ErrCodeUnknownSession, "session", s.ID)
	}
	c := s.Clone()
	c.Subject = cur.Subject
	c.StartedAt = cur.StartedAt
	c.UpdatedAt = timeOrNow(c.UpdatedAt)
	m.sessions[s.ID] = c
	return nil
}

func (m *MemoryStore) ListSessions(ctx context.Context, filter SessionFilter) ([]*schema.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	var out []*schema.Session
	for _, s := range m.sessions {
		if filter.match(s) {
			out = append(out, s.Clone())
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) SaveApprovalRequest(ctx context.Context, req *schema.ApprovalRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.approvals[req.ID]; ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "approval request %q already exists", req.ID)
	}
	c := req.Clone()
	if c.State == "" {
		c.State = schema.ApprovalPending
	}
	if c.State == schema.ApprovalPending {
		for _, other := range m.approvals {
			if other.SessionID == c.SessionID && other.State == schema.ApprovalPending {
				return schema.NewErrorf(schema.ErrCodeConflict,
					"approval request %q conflicts with an existing request for session %q", req.ID, req.SessionID)
			}
		}
	}
	c.CreatedAt = timeOrNow(c.CreatedAt)
	m.approvals[req.ID] = c
	return nil
}

func (m *MemoryStore) ResolveApprovalRequest(ctx context.Context, id string, state schema.ApprovalState, res *schema.ApprovalResolution) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.approvals[id]
	if !ok {
		return notFound(schema.ErrCodeUnknownRequest, "approval request", id)
	}
	if cur.State != schema.ApprovalPending {
		return schema.NewErrorf(schema.ErrCodeConflict, "approval request %q is no longer pending", id)
	}
	cur.State = state
	if res != nil {
		r := *res
		cur.Resolution = &r
	}
	return nil
}

func (m *MemoryStore) GetApprovalRequest(ctx context.Context, id string) (*schema.ApprovalRequest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.approvals[id]
	if !ok {
		return nil, notFound(schema.ErrCodeUnknownRequest, "approval request", id)
	}
	return r.Clone(), nil
}

func (m *MemoryStore) ListApprovalRequests(ctx context.Context, filter ApprovalFilter) ([]*schema.ApprovalRequest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	var out []*schema.ApprovalRequest
	for _, r := range m.approvals {
		if filter.match(r) {
			out = append(out, r.Clone())
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) AppendEvent(ctx context.Context, event *Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	event.ID = m.nextID
	event.Sequence = int64(len(m.events[event.SessionID]) + 1)
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	c := *event
	m.events[event.SessionID] = append(m.events[event.SessionID], &c)
	return nil
}

func (m *MemoryStore) GetEvents(ctx context.Context, sessionID string, since int64) ([]*Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Event
	for _, e := range m.events[sessionID] {
		if e.Sequence > since {
			c := *e
			out = append(out, &c)
		}
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
var _ Store = (*LibSQLStore)(nil)
