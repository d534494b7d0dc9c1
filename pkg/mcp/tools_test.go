package mcp

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/tradegate/internal/engine"
	"github.com/rendis/tradegate/internal/scheduler"
	"github.com/rendis/tradegate/internal/store"
	"github.com/rendis/tradegate/pkg/schema"
)

// --- Mock Executor ---

type response struct {
	requestID string
	approved  bool
	notes     string
}

type mockExecutor struct {
	engine.Executor // embed for unimplemented methods

	mu        sync.Mutex
	started   []string
	resumed   map[string]schema.ApprovalDecision
	responses []response

	startErr   error
	resumeErr  error
	respondOK  bool
	statusOut  *schema.Outcome
	statusErr  error
	replay     *store.Replay
	pending    []*schema.ApprovalRequest
	stats      engine.ExecutionStats
	poolMetric engine.PoolMetrics
}

func newMockExecutor() *mockExecutor {
	return &mockExecutor{resumed: make(map[string]schema.ApprovalDecision)}
}

func (m *mockExecutor) Start(_ context.Context, subject string) (*schema.Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startErr != nil {
		return nil, m.startErr
	}
	m.started = append(m.started, subject)
	return &schema.Outcome{
		Kind:      schema.OutcomeInterrupted,
		SessionID: "sess-1",
		Subject:   subject,
		Status:    schema.SessionAwaitingApproval,
		Approval:  &schema.ApprovalRequest{ID: "apr-1", SessionID: "sess-1", Subject: subject, State: schema.ApprovalPending},
	}, nil
}

func (m *mockExecutor) Resume(_ context.Context, sessionID string, d schema.ApprovalDecision) (*schema.Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.resumeErr != nil {
		return nil, m.resumeErr
	}
	m.resumed[sessionID] = d
	return &schema.Outcome{Kind: schema.OutcomeCompleted, SessionID: sessionID, Status: schema.SessionCompleted}, nil
}

func (m *mockExecutor) SubmitApprovalResponse(_ context.Context, requestID string, approved bool, notes string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, response{requestID, approved, notes})
	return m.respondOK
}

func (m *mockExecutor) Status(_ context.Context, _ string) (*schema.Outcome, error) {
	return m.statusOut, m.statusErr
}

func (m *mockExecutor) History(_ context.Context, sessionID string) (*store.Replay, error) {
	if m.replay == nil {
		return nil, schema.NewErrorf(schema.ErrCodeUnknownSession, "session %s not found", sessionID)
	}
	return m.replay, nil
}

func (m *mockExecutor) Pending() []*schema.ApprovalRequest { return m.pending }
func (m *mockExecutor) Stats() engine.ExecutionStats       { return m.stats }
func (m *mockExecutor) PoolMetrics() engine.PoolMetrics    { return m.poolMetric }

type staticWatchlist []scheduler.WatchStatus

func (w staticWatchlist) Watches() []scheduler.WatchStatus { return w }

// --- Helpers ---

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, res)
	require.NotEmpty(t, res.Content)
	return mcp.GetTextFromContent(res.Content[0])
}

func decodeResult(t *testing.T, res *mcp.CallToolResult) map[string]any {
	t.Helper()
	require.False(t, res.IsError, "unexpected error result: %s", resultText(t, res))
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &out))
	return out
}

func pendingRequest() *schema.ApprovalRequest {
	created := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	return &schema.ApprovalRequest{
		ID:             "apr-7",
		SessionID:      "sess-7",
		Subject:        "NVDA",
		ProposedAction: schema.ActionProceed,
		Side:           schema.SideBuy,
		Rationale:      "uptrend",
		Confidence:     0.8,
		CreatedAt:      created,
		Deadline:       created.Add(5 * time.Minute),
		State:          schema.ApprovalPending,
	}
}

// fakeSession is a client session whose notifications land in a buffer.
type fakeSession struct {
	id string
	ch chan mcp.JSONRPCNotification
}

func newFakeSession(id string) *fakeSession {
	return &fakeSession{id: id, ch: make(chan mcp.JSONRPCNotification, 8)}
}

func (f *fakeSession) SessionID() string                                   { return f.id }
func (f *fakeSession) NotificationChannel() chan<- mcp.JSONRPCNotification { return f.ch }
func (f *fakeSession) Initialize()                                         {}
func (f *fakeSession) Initialized() bool                                   { return true }

var _ server.ClientSession = (*fakeSession)(nil)

// --- Tests ---

func TestStartTool(t *testing.T) {
	exec := newMockExecutor()
	s := NewTradeServer(TradeServerDeps{Executor: exec})

	res, err := s.handleStart(context.Background(), buildRequest("trade.start", map[string]any{"subject": "NVDA"}))
	require.NoError(t, err)

	out := decodeResult(t, res)
	assert.Equal(t, "interrupted", out["kind"])
	assert.Equal(t, "sess-1", out["session_id"])
	approval := out["approval"].(map[string]any)
	assert.Equal(t, "apr-1", approval["request_id"])
	assert.Equal(t, []string{"NVDA"}, exec.started)
}

func TestStartToolRejectsBadSubject(t *testing.T) {
	exec := newMockExecutor()
	s := NewTradeServer(TradeServerDeps{Executor: exec})

	for _, args := range []map[string]any{{}, {"subject": "$$$"}, {"subject": "TOOLONGTICKER1"}} {
		res, err := s.handleStart(context.Background(), buildRequest("trade.start", args))
		require.NoError(t, err)
		assert.True(t, res.IsError, "args %v", args)
		assert.Contains(t, resultText(t, res), schema.ErrCodeInvalidInput)
	}
	assert.Empty(t, exec.started)
}

func TestStartToolExecutorError(t *testing.T) {
	exec := newMockExecutor()
	exec.startErr = schema.NewError(schema.ErrCodeStore, "database is locked")
	s := NewTradeServer(TradeServerDeps{Executor: exec})

	res, err := s.handleStart(context.Background(), buildRequest("trade.start", map[string]any{"subject": "AAPL"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "database is locked")
}

func TestResumeTool(t *testing.T) {
	exec := newMockExecutor()
	s := NewTradeServer(TradeServerDeps{Executor: exec})

	res, err := s.handleResume(context.Background(), buildRequest("trade.resume", map[string]any{
		"session_id": "sess-1",
		"approved":   false,
		"notes":      "too risky",
	}))
	require.NoError(t, err)

	out := decodeResult(t, res)
	assert.Equal(t, "completed", out["kind"])
	assert.Equal(t, schema.ApprovalDecision{Approved: false, Notes: "too risky"}, exec.resumed["sess-1"])
}

func TestResumeToolValidation(t *testing.T) {
	exec := newMockExecutor()
	s := NewTradeServer(TradeServerDeps{Executor: exec})

	// Missing session_id.
	res, err := s.handleResume(context.Background(), buildRequest("trade.resume", map[string]any{"approved": true}))
	require.NoError(t, err)
	assert.True(t, res.IsError)

	// Missing approved.
	res, err = s.handleResume(context.Background(), buildRequest("trade.resume", map[string]any{"session_id": "sess-1"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "approved")
	assert.Empty(t, exec.resumed)
}

func TestResumeToolUnknownSession(t *testing.T) {
	exec := newMockExecutor()
	exec.resumeErr = schema.NewError(schema.ErrCodeUnknownSession, "session nope not found")
	s := NewTradeServer(TradeServerDeps{Executor: exec})

	res, err := s.handleResume(context.Background(), buildRequest("trade.resume", map[string]any{
		"session_id": "nope",
		"approved":   true,
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), schema.ErrCodeUnknownSession)
}

func TestRespondTool(t *testing.T) {
	exec := newMockExecutor()
	exec.respondOK = true
	s := NewTradeServer(TradeServerDeps{Executor: exec})

	res, err := s.handleRespond(context.Background(), buildRequest("trade.respond", map[string]any{
		"request_id": "apr-7",
		"approved":   true,
		"notes":      "go",
	}))
	require.NoError(t, err)

	out := decodeResult(t, res)
	assert.Equal(t, true, out["ok"])
	assert.Equal(t, "apr-7", out["request_id"])
	assert.Equal(t, []response{{"apr-7", true, "go"}}, exec.responses)
}

func TestRespondToolLateResponseIsNotAnError(t *testing.T) {
	exec := newMockExecutor()
	s := NewTradeServer(TradeServerDeps{Executor: exec})

	res, err := s.handleRespond(context.Background(), buildRequest("trade.respond", map[string]any{
		"request_id": "apr-gone",
		"approved":   false,
	}))
	require.NoError(t, err)

	out := decodeResult(t, res)
	assert.Equal(t, false, out["ok"])
}

func TestRespondToolNotesTooLong(t *testing.T) {
	exec := newMockExecutor()
	s := NewTradeServer(TradeServerDeps{Executor: exec})

	long := make([]byte, 2001)
	for i := range long {
		long[i] = 'x'
	}
	res, err := s.handleRespond(context.Background(), buildRequest("trade.respond", map[string]any{
		"request_id": "apr-7",
		"approved":   true,
		"notes":      string(long),
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Empty(t, exec.responses)
}

func TestStatusTool(t *testing.T) {
	exec := newMockExecutor()
	exec.statusOut = &schema.Outcome{Kind: schema.OutcomeRunning, SessionID: "sess-2", Status: schema.SessionRunning}
	s := NewTradeServer(TradeServerDeps{Executor: exec})

	res, err := s.handleStatus(context.Background(), buildRequest("trade.status", map[string]any{"session_id": "sess-2"}))
	require.NoError(t, err)
	out := decodeResult(t, res)
	assert.Equal(t, "running", out["status"])

	exec.statusOut, exec.statusErr = nil, schema.NewError(schema.ErrCodeUnknownSession, "session x not found")
	res, err = s.handleStatus(context.Background(), buildRequest("trade.status", map[string]any{"session_id": "x"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestPendingTool(t *testing.T) {
	exec := newMockExecutor()
	exec.pending = []*schema.ApprovalRequest{pendingRequest()}
	s := NewTradeServer(TradeServerDeps{Executor: exec})

	res, err := s.handlePending(context.Background(), buildRequest("trade.pending", nil))
	require.NoError(t, err)

	out := decodeResult(t, res)
	assert.Equal(t, float64(1), out["count"])
	cards := out["approvals"].([]any)
	card := cards[0].(map[string]any)
	assert.Equal(t, "apr-7", card["request_id"])
	assert.Equal(t, "NVDA", card["subject"])
	assert.Equal(t, "2026-03-02T10:05:00Z", card["deadline"])
}

func TestHistoryTool(t *testing.T) {
	exec := newMockExecutor()
	s := NewTradeServer(TradeServerDeps{Executor: exec})

	res, err := s.handleHistory(context.Background(), buildRequest("trade.history", map[string]any{"session_id": "missing"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)

	exec.replay = &store.Replay{
		SessionID: "sess-3",
		Status:    schema.SessionCompleted,
		Completed: []string{schema.StageAnalyze, schema.StageDecide, schema.StageFinalize},
	}
	res, err = s.handleHistory(context.Background(), buildRequest("trade.history", map[string]any{"session_id": "sess-3"}))
	require.NoError(t, err)
	out := decodeResult(t, res)
	assert.Equal(t, "completed", out["status"])
	assert.Equal(t, []any{"analyze", "decide", "finalize"}, out["completed_stages"])
}

func TestStatsTool(t *testing.T) {
	exec := newMockExecutor()
	exec.stats = engine.ExecutionStats{TotalRequests: 4, Successful: 3, Failed: 1, Approved: 1, Rejected: 1, Timeouts: 1}
	exec.poolMetric = engine.PoolMetrics{Completed: 9}
	exec.pending = []*schema.ApprovalRequest{pendingRequest()}
	s := NewTradeServer(TradeServerDeps{Executor: exec})

	res, err := s.handleStats(context.Background(), buildRequest("trade.stats", nil))
	require.NoError(t, err)
	out := decodeResult(t, res)

	stats := out["stats"].(map[string]any)
	assert.Equal(t, float64(4), stats["total_requests"])
	assert.Equal(t, float64(1), stats["timeouts"])
	assert.Equal(t, float64(9), out["pool"].(map[string]any)["completed"])
	assert.Equal(t, float64(1), out["pending"])
}

func TestWatchToolRequiresSession(t *testing.T) {
	s := NewTradeServer(TradeServerDeps{Executor: newMockExecutor()})

	res, err := s.handleWatch(context.Background(), buildRequest("trade.watch", map[string]any{"operator_id": "desk-1"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Zero(t, s.Operators().Len())
}

func TestWatchToolRegistersAndNotifies(t *testing.T) {
	exec := newMockExecutor()
	exec.pending = []*schema.ApprovalRequest{pendingRequest()}
	watch := staticWatchlist{{Subject: "NVDA", Cron: "@hourly"}}
	s := NewTradeServer(TradeServerDeps{Executor: exec, Watchlist: watch})

	sess := newFakeSession("mcp-sess-1")
	ctx := context.Background()
	require.NoError(t, s.MCPServer().RegisterSession(ctx, sess))
	ctx = s.MCPServer().WithContext(ctx, sess)

	res, err := s.handleWatch(ctx, buildRequest("trade.watch", map[string]any{"operator_id": "desk-1"}))
	require.NoError(t, err)
	out := decodeResult(t, res)
	assert.Equal(t, true, out["ok"])
	assert.Len(t, out["pending"], 1)
	assert.Len(t, out["watchlist"], 1)

	sid, ok := s.Operators().SessionFor("desk-1")
	require.True(t, ok)
	assert.Equal(t, "mcp-sess-1", sid)

	// Drain anything the server pushed on registration.
	for len(sess.ch) > 0 {
		<-sess.ch
	}

	req := pendingRequest()
	sent := s.Notifier().Forward(newApprovalEvent(req))
	assert.Equal(t, 1, sent)

	select {
	case n := <-sess.ch:
		assert.Equal(t, NotificationMethod, n.Method)
		data := n.Params.AdditionalFields["data"].(map[string]any)
		assert.Equal(t, "approval_request", data["type"])
		assert.Equal(t, "sess-7", data["session_id"])
	case <-time.After(time.Second):
		t.Fatal("no notification delivered")
	}
}
