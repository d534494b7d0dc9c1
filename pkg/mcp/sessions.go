package mcp

import (
	"sort"
	"sync"
)

// OperatorRegistry maps operator IDs to the MCP sessions watching for
// approvals. Populated by trade.watch.
type OperatorRegistry struct {
	mu        sync.RWMutex
	operators map[string]string // operatorID → sessionID
}

// NewOperatorRegistry creates an empty registry.
func NewOperatorRegistry() *OperatorRegistry {
	return &OperatorRegistry{operators: make(map[string]string)}
}

// Register associates an operator with a session. A reconnecting operator
// replaces its previous session.
func (r *OperatorRegistry) Register(operatorID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.operators[operatorID] = sessionID
}

// SessionFor returns the session watching for operatorID.
func (r *OperatorRegistry) SessionFor(operatorID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.operators[operatorID]
	return sid, ok
}

// Sessions returns the distinct watching session IDs, sorted.
func (r *OperatorRegistry) Sessions() []string {
	r.mu.RLock()
	seen := make(map[string]struct{}, len(r.operators))
	for _, sid := range r.operators {
		seen[sid] = struct{}{}
	}
	r.mu.RUnlock()

	out := make([]string, 0, len(seen))
	for sid := range seen {
		out = append(out, sid)
	}
	sort.Strings(out)
	return out
}

// Len reports how many operators are watching.
func (r *OperatorRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.operators)
}

// Remove drops every operator bound to sessionID.
func (r *OperatorRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for op, sid := range r.operators {
		if sid == sessionID {
			delete(r.operators, op)
		}
	}
}
