package store

import (
	"context"

	"github.com/rendis/tradegate/pkg/schema"
)

// Store is the checkpoint table for sessions, approval requests and the
// per-session journal. All implementations must be safe for concurrent use.
type Store interface {
	// Sessions
	CreateSession(ctx context.Context, s *schema.Session) error
	GetSession(ctx context.Context, id string) (*schema.Session, error)
	UpdateSession(ctx context.Context, s *schema.Session) error
	ListSessions(ctx context.Context, filter SessionFilter) ([]*schema.Session, error)

	// Approval requests. At most one pending request may exist per session.
	SaveApprovalRequest(ctx context.Context, req *schema.ApprovalRequest) error
	ResolveApprovalRequest(ctx context.Context, id string, state schema.ApprovalState, res *schema.ApprovalResolution) error
	GetApprovalRequest(ctx context.Context, id string) (*schema.ApprovalRequest, error)
	ListApprovalRequests(ctx context.Context, filter ApprovalFilter) ([]*schema.ApprovalRequest, error)

	// Journal (append-only, contiguous per-session sequence)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, sessionID string, since int64) ([]*Event, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// Open returns the store for the given driver. "memory" needs no path.
func Open(driver, path string) (Store, error) {
	switch driver {
	case "", "memory":
		return NewMemoryStore(), nil
	case "libsql":
		return NewLibSQLStore(path)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeInvalidInput, "unknown storage driver %q", driver)
	}
}
