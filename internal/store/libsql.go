package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/tradegate/pkg/schema"
)

// LibSQLStore implements Store on libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database. The path should be a file URI,
// e.g. "file:/var/lib/tradegate/tradegate.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	if !strings.HasPrefix(dbPath, "file:") && !strings.Contains(dbPath, "://") {
		dbPath = "file:" + dbPath
	}
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows, so they go through QueryRow.
	for _, p := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	} {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Sessions ---

func (s *LibSQLStore) CreateSession(ctx context.Context, sess *schema.Session) error {
	stages, err := json.Marshal(sess.Stages)
	if err != nil {
		return fmt.Errorf("marshal stage_results: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, subject, status, stage_results, request_id, started_at, ended_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Subject, string(sess.Status), string(stages), nullStr(sess.RequestID),
		timeOrNow(sess.StartedAt), nullTime(sess.EndedAt), timeOrNow(sess.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return schema.NewErrorf(schema.ErrCodeConflict, "session %q already exists", sess.ID)
	}
	return storeErr("create session", err)
}

func (s *LibSQLStore) GetSession(ctx context.Context, id string) (*schema.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, subject, status, stage_results, request_id, started_at, ended_at, updated_at
		 FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(schema.ErrCodeUnknownSession, "session", id)
	}
	if err != nil {
		return nil, storeErr("get session", err)
	}
	return sess, nil
}

func (s *LibSQLStore) UpdateSession(ctx context.Context, sess *schema.Session) error {
	stages, err := json.Marshal(sess.Stages)
	if err != nil {
		return fmt.Errorf("marshal stage_results: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, stage_results = ?, request_id = ?, ended_at = ?, updated_at = ?
		 WHERE id = ?`,
		string(sess.Status), string(stages), nullStr(sess.RequestID), nullTime(sess.EndedAt),
		timeOrNow(sess.UpdatedAt), sess.ID,
	)
	if err != nil {
		return storeErr("update session", err)
	}
	return checkRowsAffected(res, schema.ErrCodeUnknownSession, "session", sess.ID)
}

func (s *LibSQLStore) ListSessions(ctx context.Context, filter SessionFilter) ([]*schema.Session, error) {
	var where []string
	var args []any
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Subject != "" {
		where = append(where, "subject = ?")
		args = append(args, filter.Subject)
	}

	query := `SELECT id, subject, status, stage_results, request_id, started_at, ended_at, updated_at FROM sessions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list sessions", err)
	}
	defer rows.Close()

	var out []*schema.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, storeErr("scan session", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*schema.Session, error) {
	sess := &schema.Session{}
	var (
		status, stages string
		requestID      sql.NullString
		endedAt        sql.NullTime
	)
	if err := row.Scan(&sess.ID, &sess.Subject, &status, &stages, &requestID,
		&sess.StartedAt, &endedAt, &sess.UpdatedAt); err != nil {
		return nil, err
	}
	sess.Status = schema.SessionStatus(status)
	sess.RequestID = requestID.String
	if endedAt.Valid {
		t := endedAt.Time
		sess.EndedAt = &t
	}
	if err := json.Unmarshal([]byte(stages), &sess.Stages); err != nil {
		return nil, fmt.Errorf("unmarshal stage_results: %w", err)
	}
	return sess, nil
}

// --- Approval requests ---

func (s *LibSQLStore) SaveApprovalRequest(ctx context.Context, req *schema.ApprovalRequest) error {
	resolution, err := marshalResolution(req.Resolution)
	if err != nil {
		return err
	}
	state := req.State
	if state == "" {
		state = schema.ApprovalPending
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO approval_requests (id, session_id, subject, proposed_action, side, rationale, confidence, created_at, deadline, state, resolution)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ID, req.SessionID, req.Subject, string(req.ProposedAction), string(req.Side),
		nullStr(req.Rationale), req.Confidence, timeOrNow(req.CreatedAt), req.Deadline,
		string(state), resolution,
	)
	if isUniqueViolation(err) {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"approval request %q conflicts with an existing request for session %q", req.ID, req.SessionID)
	}
	return storeErr("save approval request", err)
}

func (s *LibSQLStore) ResolveApprovalRequest(ctx context.Context, id string, state schema.ApprovalState, res *schema.ApprovalResolution) error {
	resolution, err := marshalResolution(res)
	if err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE approval_requests SET state = ?, resolution = ? WHERE id = ? AND state = 'pending'`,
		string(state), resolution, id,
	)
	if err != nil {
		return storeErr("resolve approval request", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return storeErr("resolve approval request", err)
	}
	if n > 0 {
		return nil
	}
	if _, err := s.GetApprovalRequest(ctx, id); err != nil {
		return err
	}
	return schema.NewErrorf(schema.ErrCodeConflict, "approval request %q is no longer pending", id)
}

func (s *LibSQLStore) GetApprovalRequest(ctx context.Context, id string) (*schema.ApprovalRequest, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, subject, proposed_action, side, rationale, confidence, created_at, deadline, state, resolution
		 FROM approval_requests WHERE id = ?`, id)
	req, err := scanApproval(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(schema.ErrCodeUnknownRequest, "approval request", id)
	}
	if err != nil {
		return nil, storeErr("get approval request", err)
	}
	return req, nil
}

func (s *LibSQLStore) ListApprovalRequests(ctx context.Context, filter ApprovalFilter) ([]*schema.ApprovalRequest, error) {
	var where []string
	var args []any
	if filter.State != nil {
		where = append(where, "state = ?")
		args = append(args, string(*filter.State))
	}
	if filter.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, filter.SessionID)
	}

	query := `SELECT id, session_id, subject, proposed_action, side, rationale, confidence, created_at, deadline, state, resolution
		FROM approval_requests`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list approval requests", err)
	}
	defer rows.Close()

	var out []*schema.ApprovalRequest
	for rows.Next() {
		req, err := scanApproval(rows)
		if err != nil {
			return nil, storeErr("scan approval request", err)
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

func scanApproval(row rowScanner) (*schema.ApprovalRequest, error) {
	req := &schema.ApprovalRequest{}
	var (
		action, side, state   string
		rationale, resolution sql.NullString
	)
	if err := row.Scan(&req.ID, &req.SessionID, &req.Subject, &action, &side, &rationale,
		&req.Confidence, &req.CreatedAt, &req.Deadline, &state, &resolution); err != nil {
		return nil, err
	}
	req.ProposedAction = schema.Action(action)
	req.Side = schema.Side(side)
	req.Rationale = rationale.String
	req.State = schema.ApprovalState(state)
	if resolution.Valid && resolution.String != "" {
		req.Resolution = &schema.ApprovalResolution{}
		if err := json.Unmarshal([]byte(resolution.String), req.Resolution); err != nil {
			return nil, fmt.Errorf("unmarshal resolution: %w", err)
		}
	}
	return req, nil
}

// --- Journal ---

// AppendEvent assigns the next per-session sequence inside a write
// transaction so concurrent appenders cannot interleave.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin tx", err)
	}
	defer tx.Rollback()

	// A write first forces lock acquisition; BeginTx alone may be deferred in WAL mode.
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_version (version, name) VALUES (-1, '_lock_noop')`); err != nil {
		return storeErr("acquire write lock", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM schema_version WHERE version = -1`); err != nil {
		return storeErr("release write lock", err)
	}

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE session_id = ?`, event.SessionID,
	).Scan(&seq); err != nil {
		return storeErr("next sequence", err)
	}
	event.Timestamp = timeOrNow(event.Timestamp)

	res, err := tx.ExecContext(ctx,
		`INSERT INTO events (session_id, stage, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.SessionID, nullStr(event.Stage), event.Type, nullRaw(event.Payload), event.Timestamp, seq,
	)
	if err != nil {
		return storeErr("insert event", err)
	}
	if err := tx.Commit(); err != nil {
		return storeErr("commit event", err)
	}
	event.Sequence = seq
	if id, err := res.LastInsertId(); err == nil {
		event.ID = id
	}
	return nil
}

func (s *LibSQLStore) GetEvents(ctx context.Context, sessionID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, stage, event_type, payload, timestamp, sequence
		 FROM events WHERE session_id = ? AND sequence > ? ORDER BY sequence ASC`,
		sessionID, since,
	)
	if err != nil {
		return nil, storeErr("get events", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var stage, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.SessionID, &stage, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, storeErr("scan event", err)
		}
		e.Stage = stage.String
		if payload.Valid && payload.String != "" {
			e.Payload = json.RawMessage(payload.String)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Helpers ---

func notFound(code, resource, id string) *schema.GateError {
	return schema.NewErrorf(code, "%s %q not found", resource, id)
}

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %v", op, err).WithCause(err)
}

func checkRowsAffected(res sql.Result, code, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("rows affected", err)
	}
	if n == 0 {
		return notFound(code, resource, id)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func marshalResolution(res *schema.ApprovalResolution) (any, error) {
	if res == nil {
		return nil, nil
	}
	data, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("marshal resolution: %w", err)
	}
	return string(data), nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}
