package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/tradegate/internal/approval"
	"github.com/rendis/tradegate/internal/logging"
	"github.com/rendis/tradegate/internal/reasoning"
	"github.com/rendis/tradegate/internal/store"
	"github.com/rendis/tradegate/internal/streaming"
	"github.com/rendis/tradegate/internal/telemetry"
	"github.com/rendis/tradegate/internal/tools"
	"github.com/rendis/tradegate/internal/validation"
	"github.com/rendis/tradegate/pkg/schema"
)

// Executor drives trading sessions through the stage pipeline and the
// human approval gate.
type Executor interface {
	// Start runs analyze, context and decide for a new session. A proceed
	// decision suspends the session at the gate and returns an interrupted
	// outcome; anything else finalizes and completes.
	Start(ctx context.Context, subject string) (*schema.Outcome, error)

	// Resume continues a session suspended at the gate. A resolution the
	// broker already holds wins over decision. Resuming a session that is
	// not awaiting approval returns its current outcome and runs nothing.
	Resume(ctx context.Context, sessionID string, decision schema.ApprovalDecision) (*schema.Outcome, error)

	// SubmitApprovalResponse resolves a pending request. It returns false
	// for unknown, late or duplicate responses.
	SubmitApprovalResponse(ctx context.Context, requestID string, approved bool, notes string) bool

	// Subscribe streams broadcast events matching filter.
	Subscribe(ctx context.Context, filter streaming.EventFilter) (<-chan streaming.Event, func(), error)

	// Status returns the outcome reconstructed from the stored session.
	Status(ctx context.Context, sessionID string) (*schema.Outcome, error)

	// History replays the session journal.
	History(ctx context.Context, sessionID string) (*store.Replay, error)

	// Pending lists the requests awaiting a verdict, oldest first.
	Pending() []*schema.ApprovalRequest

	Stats() ExecutionStats
	PoolMetrics() PoolMetrics

	// Recover loads suspended sessions and their requests into the broker
	// after a restart and returns how many were restored.
	Recover(ctx context.Context) (int, error)

	Shutdown()
}

// Decider derives the routing decision from the analysis and news context.
// *reasoning.Decider satisfies it.
type Decider interface {
	Derive(ctx context.Context, subject string, analysis, newsCtx map[string]any) (schema.Decision, error)
}

// AnalysisValidator checks analyze output before it is recorded.
// *validation.SchemaValidator satisfies it.
type AnalysisValidator interface {
	ValidateAnalysis(out map[string]any) error
}

// DefaultPoolSize is the default number of concurrent background tasks.
const DefaultPoolSize = 10

// Config holds executor settings.
type Config struct {
	PoolSize     int  `koanf:"pool_size"`
	ContextStage bool `koanf:"context_stage"`
	// AutoResume resumes sessions as soon as an operator responds. Expired
	// requests always resume.
	AutoResume bool `koanf:"auto_resume"`
}

// Deps are the executor's collaborators. Decider and Validator default to
// the built-in rule set and embedded schemas.
type Deps struct {
	Store     store.Store
	Invoker   tools.Invoker
	Broker    *approval.Broker
	Hub       streaming.EventHub
	Decider   Decider
	Validator AnalysisValidator
	Logger    *slog.Logger
}

type executorImpl struct {
	cfg       Config
	store     store.Store
	eventLog  *store.EventLog
	fsm       *SessionFSM
	invoker   tools.Invoker
	broker    *approval.Broker
	hub       streaming.EventHub
	decider   Decider
	validator AnalysisValidator
	pool      *WorkerPool
	locks     *sessionLocks
	deferred  sync.WaitGroup
	stats     statsCounter
	logger    *slog.Logger
	now       func() time.Time
}

// NewExecutor wires an executor and subscribes it to broker resolutions.
func NewExecutor(cfg Config, deps Deps) (Executor, error) {
	switch {
	case deps.Store == nil:
		return nil, schema.NewError(schema.ErrCodeInvalidInput, "executor requires a store")
	case deps.Invoker == nil:
		return nil, schema.NewError(schema.ErrCodeInvalidInput, "executor requires a tool invoker")
	case deps.Broker == nil:
		return nil, schema.NewError(schema.ErrCodeInvalidInput, "executor requires an approval broker")
	case deps.Hub == nil:
		return nil, schema.NewError(schema.ErrCodeInvalidInput, "executor requires an event hub")
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Decider == nil {
		d, err := reasoning.NewDecider(reasoning.Config{})
		if err != nil {
			return nil, err
		}
		deps.Decider = d
	}
	if deps.Validator == nil {
		v, err := validation.NewSchemaValidator()
		if err != nil {
			return nil, err
		}
		deps.Validator = v
	}

	e := &executorImpl{
		cfg:       cfg,
		store:     deps.Store,
		eventLog:  store.NewEventLog(deps.Store),
		fsm:       NewSessionFSM(deps.Store),
		invoker:   deps.Invoker,
		broker:    deps.Broker,
		hub:       deps.Hub,
		decider:   deps.Decider,
		validator: deps.Validator,
		pool:      NewWorkerPool(cfg.PoolSize, deps.Logger),
		locks:     newSessionLocks(),
		logger:    deps.Logger,
		now:       time.Now,
	}
	for _, from := range []schema.SessionStatus{schema.SessionRunning, schema.SessionAwaitingApproval} {
		e.fsm.OnAfter(from, schema.SessionCompleted, func(string, schema.SessionStatus, schema.SessionStatus) error {
			e.stats.successful.Add(1)
			return nil
		})
		e.fsm.OnAfter(from, schema.SessionFailed, func(string, schema.SessionStatus, schema.SessionStatus) error {
			e.stats.failed.Add(1)
			return nil
		})
	}
	deps.Broker.OnResolved(e.onResolved)
	return e, nil
}

func (e *executorImpl) Start(ctx context.Context, subject string) (*schema.Outcome, error) {
	subject, err := schema.NormalizeSubject(subject)
	if err != nil {
		return nil, err
	}

	now := e.now().UTC()
	sess := &schema.Session{
		ID:        uuid.NewString(),
		Subject:   subject,
		Status:    schema.SessionRunning,
		StartedAt: now,
		UpdatedAt: now,
	}

	// Held until the session is checkpointed, so a resolution racing the
	// gate waits for the suspend to land.
	unlock := e.locks.lock(sess.ID)
	defer unlock()

	ctx = logging.WithSessionID(ctx, sess.ID)
	if err := e.store.CreateSession(ctx, sess); err != nil {
		return nil, storeError("create session", err)
	}
	e.stats.total.Add(1)
	e.journal(ctx, sess.ID, "", schema.JournalSessionStarted, map[string]any{"subject": subject})
	e.logger.InfoContext(ctx, "session started", slog.String("subject", subject))

	analysis, gerr := e.runStage(ctx, sess, schema.StageAnalyze, func(ctx context.Context) (map[string]any, error) {
		out, err := e.invoker.Invoke(ctx, schema.StageAnalyze, map[string]any{"subject": subject})
		if err != nil {
			return nil, err
		}
		if err := e.validator.ValidateAnalysis(out); err != nil {
			return nil, err
		}
		return out, nil
	})
	if gerr != nil {
		return e.fail(ctx, sess, gerr)
	}

	var news map[string]any
	if e.cfg.ContextStage {
		news = e.runContext(ctx, sess)
	}

	var dec schema.Decision
	_, gerr = e.runStage(ctx, sess, schema.StageDecide, func(ctx context.Context) (map[string]any, error) {
		var err error
		if dec, err = e.decider.Derive(ctx, subject, analysis, news); err != nil {
			return nil, err
		}
		return dec.ToMap(), nil
	})
	if gerr != nil {
		return e.fail(ctx, sess, gerr)
	}

	if dec.Action == schema.ActionProceed {
		return e.suspend(ctx, sess, dec)
	}
	e.runFinalize(ctx, sess, noGateReason(dec))
	return e.complete(ctx, sess)
}

// runContext invokes the optional news stage. Its failure is recorded and
// the pipeline carries on without news.
func (e *executorImpl) runContext(ctx context.Context, sess *schema.Session) map[string]any {
	out, gerr := e.runStage(ctx, sess, schema.StageContext, func(ctx context.Context) (map[string]any, error) {
		return e.invoker.Invoke(ctx, schema.StageContext, map[string]any{"subject": sess.Subject})
	})
	if gerr == nil {
		return out
	}
	rec := map[string]any{"status": "error", "has_news": false, "error": errorRecord(gerr)}
	if err := sess.Stages.Add(schema.StageContext, rec); err != nil {
		e.logger.WarnContext(ctx, "record context failure", slog.String("error", err.Error()))
	}
	return rec
}

func (e *executorImpl) suspend(ctx context.Context, sess *schema.Session, dec schema.Decision) (*schema.Outcome, error) {
	req, err := e.broker.Submit(ctx, sess.ID, reasoning.BuildSnapshot(sess.Subject, dec))
	if err != nil {
		return e.fail(ctx, sess, stageFailure(schema.StageApproval, err))
	}
	ctx = logging.WithRequestID(ctx, req.ID)

	if err := sess.Stages.Add(schema.StageApproval, approvalRecord(req)); err != nil {
		return e.fail(ctx, sess, stageFailure(schema.StageApproval, err))
	}
	sess.RequestID = req.ID
	e.journal(ctx, sess.ID, schema.StageApproval, schema.JournalApprovalRequested, req.Card())
	if err := e.transition(ctx, sess, schema.SessionAwaitingApproval, map[string]any{"request_id": req.ID}); err != nil {
		return nil, err
	}

	e.logger.InfoContext(ctx, "session awaiting approval",
		slog.String("side", string(req.Side)),
		slog.Time("deadline", req.Deadline))
	out := outcomeOf(sess)
	out.Approval = req
	return out, nil
}

func (e *executorImpl) Resume(ctx context.Context, sessionID string, decision schema.ApprovalDecision) (*schema.Outcome, error) {
	if sessionID == "" {
		return nil, schema.NewError(schema.ErrCodeInvalidInput, "session id is required")
	}
	unlock := e.locks.lock(sessionID)
	defer unlock()
	return e.resume(ctx, sessionID, &decision)
}

// resume runs with the session lock held. A nil caller means an
// auto-resume, which only proceeds on a resolution held by the broker.
func (e *executorImpl) resume(ctx context.Context, sessionID string, caller *schema.ApprovalDecision) (*schema.Outcome, error) {
	ctx = logging.WithSessionID(ctx, sessionID)
	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status != schema.SessionAwaitingApproval {
		return e.outcomeWithApproval(ctx, sess), nil
	}
	ctx = logging.WithRequestID(ctx, sess.RequestID)

	decision, res, ok := e.takeDecision(ctx, sess.RequestID, caller)
	if !ok {
		return e.outcomeWithApproval(ctx, sess), nil
	}
	e.stats.verdict(decision, res.Source)

	annotation := map[string]any{
		"approved":    decision.Approved,
		"notes":       decision.Notes,
		"source":      string(res.Source),
		"resolved_at": res.ResolvedAt.UTC().Format(time.RFC3339Nano),
	}
	if err := sess.Stages.AnnotateApproval(annotation); err != nil {
		return e.fail(ctx, sess, stageFailure(schema.StageApproval, err))
	}
	e.journal(ctx, sess.ID, schema.StageApproval, schema.JournalApprovalResolved, annotation)
	if err := e.transition(ctx, sess, schema.SessionRunning, map[string]any{"approved": decision.Approved}); err != nil {
		return nil, err
	}
	e.logger.InfoContext(ctx, "session resumed",
		slog.Bool("approved", decision.Approved),
		slog.String("source", string(res.Source)))

	if !decision.Approved {
		e.runFinalize(ctx, sess, rejectionReason(decision))
		return e.complete(ctx, sess)
	}

	dec, _ := sess.Stages.Get(schema.StageDecide)
	_, gerr := e.runStage(ctx, sess, schema.StageExecute, func(ctx context.Context) (map[string]any, error) {
		return e.invoker.Invoke(ctx, schema.StageExecute, map[string]any{
			"subject":        sess.Subject,
			"side":           dec["side"],
			"rationale":      dec["rationale"],
			"request_id":     sess.RequestID,
			"approval_token": res.Token,
		})
	})
	if gerr != nil {
		return e.fail(ctx, sess, gerr)
	}
	e.runFinalize(ctx, sess, "")
	return e.complete(ctx, sess)
}

// takeDecision picks the effective verdict. A pending request is first
// resolved with the caller's decision; whatever the broker then holds is
// taken exactly once. A request the broker no longer knows falls back to
// the stored request, so a recorded verdict still wins over the caller.
func (e *executorImpl) takeDecision(ctx context.Context, requestID string, caller *schema.ApprovalDecision) (schema.ApprovalDecision, *schema.ApprovalResolution, bool) {
	if caller != nil {
		e.broker.Resolve(ctx, requestID, caller.Approved, caller.Notes)
	}
	if d, res, ok := e.takeFromBroker(requestID); ok {
		return d, res, true
	}
	if caller == nil {
		return schema.ApprovalDecision{}, nil, false
	}
	if _, known := e.broker.Get(requestID); known {
		return schema.ApprovalDecision{}, nil, false
	}

	stored, err := e.store.GetApprovalRequest(ctx, requestID)
	switch {
	case err == nil && stored.State != schema.ApprovalPending && stored.Resolution != nil:
		e.logger.WarnContext(ctx, "approval request unknown to broker, applying stored resolution",
			slog.String("state", string(stored.State)))
		return stored.Resolution.Decision(), stored.Resolution, true
	case err == nil && stored.State == schema.ApprovalPending:
		if rerr := e.broker.Restore(stored); rerr != nil {
			e.logger.WarnContext(ctx, "restore approval request", slog.String("error", rerr.Error()))
			return schema.ApprovalDecision{}, nil, false
		}
		e.broker.Resolve(ctx, requestID, caller.Approved, caller.Notes)
		return e.takeFromBroker(requestID)
	case err == nil:
		e.logger.WarnContext(ctx, "stored approval request has no resolution", slog.String("state", string(stored.State)))
		return schema.ApprovalDecision{}, nil, false
	case !schema.IsCode(err, schema.ErrCodeUnknownRequest):
		e.logger.WarnContext(ctx, "load approval request", slog.String("error", err.Error()))
		return schema.ApprovalDecision{}, nil, false
	}

	e.logger.WarnContext(ctx, "approval request unknown to broker and store, applying caller decision")
	return *caller, &schema.ApprovalResolution{
		Approved:   caller.Approved,
		Notes:      caller.Notes,
		ResolvedAt: e.now().UTC(),
		Source:     schema.SourceOperator,
	}, true
}

func (e *executorImpl) takeFromBroker(requestID string) (schema.ApprovalDecision, *schema.ApprovalResolution, bool) {
	d, ok := e.broker.Take(requestID)
	if !ok {
		return schema.ApprovalDecision{}, nil, false
	}
	res := &schema.ApprovalResolution{Approved: d.Approved, Notes: d.Notes, ResolvedAt: e.now().UTC(), Source: schema.SourceOperator}
	if req, ok := e.broker.Get(requestID); ok && req.Resolution != nil {
		res = req.Resolution
	}
	return d, res, true
}

// onResolved is the broker listener. Expiries always resume; operator
// verdicts resume only with AutoResume on.
func (e *executorImpl) onResolved(req *schema.ApprovalRequest) {
	if req.Resolution == nil {
		return
	}
	if req.Resolution.Source != schema.SourceTimeout && !e.cfg.AutoResume {
		return
	}
	e.scheduleResume(logging.WithRequestID(context.Background(), req.ID), req.SessionID)
}

// scheduleResume never blocks: it runs inside broker callbacks, and a
// full pool must not stall the expiry sweep. When no slot is free the
// resume waits for one on its own goroutine.
func (e *executorImpl) scheduleResume(ctx context.Context, sessionID string) {
	ctx = logging.WithSessionID(ctx, sessionID)
	name := "resume " + sessionID
	task := func(ctx context.Context) error {
		unlock := e.locks.lock(sessionID)
		defer unlock()
		_, err := e.resume(ctx, sessionID, nil)
		return err
	}

	err := e.pool.TrySubmit(ctx, name, task)
	if errors.Is(err, ErrPoolBusy) {
		e.deferred.Add(1)
		go func() {
			defer e.deferred.Done()
			if err := e.pool.Submit(ctx, name, task); err != nil {
				e.logger.WarnContext(ctx, "auto-resume not scheduled", slog.String("error", err.Error()))
			}
		}()
		return
	}
	if err != nil {
		e.logger.WarnContext(ctx, "auto-resume not scheduled", slog.String("error", err.Error()))
	}
}

func (e *executorImpl) runFinalize(ctx context.Context, sess *schema.Session, reason string) {
	input := map[string]any{"subject": sess.Subject, "reason": reason}
	for _, f := range []struct{ key, stage string }{
		{"decision", schema.StageDecide},
		{"approval", schema.StageApproval},
		{"execution", schema.StageExecute},
		{"context", schema.StageContext},
	} {
		if v, ok := sess.Stages.Get(f.stage); ok {
			input[f.key] = v
		}
	}

	_, gerr := e.runStage(ctx, sess, schema.StageFinalize, func(ctx context.Context) (map[string]any, error) {
		return e.invoker.Invoke(ctx, schema.StageFinalize, input)
	})
	if gerr == nil {
		return
	}
	e.logger.ErrorContext(ctx, "finalize failed, completing without a summary", slog.String("error", gerr.Error()))
	if err := sess.Stages.Add(schema.StageFinalize, map[string]any{"status": "error", "error": gerr.Message}); err != nil {
		e.logger.WarnContext(ctx, "record finalize failure", slog.String("error", err.Error()))
	}
}

// runStage wraps one stage in a span, journals it and broadcasts its
// progress. The result is recorded only on success.
func (e *executorImpl) runStage(ctx context.Context, sess *schema.Session, stage string, fn func(ctx context.Context) (map[string]any, error)) (map[string]any, *schema.GateError) {
	ctx = logging.WithStage(ctx, stage)
	ctx, span := telemetry.StartStage(ctx, stage, sess.ID, sess.Subject)

	e.journal(ctx, sess.ID, stage, schema.JournalStageStarted, nil)
	e.publish(ctx, schema.EventStage, sess.ID, stage, map[string]any{"status": string(schema.StageStarted)})

	began := time.Now()
	out, err := fn(ctx)
	if err == nil {
		if out == nil {
			out = map[string]any{}
		}
		err = sess.Stages.Add(stage, out)
	}
	telemetry.EndStage(span, err)
	elapsed := time.Since(began).Milliseconds()

	if err != nil {
		gerr := stageFailure(stage, err)
		rec := errorRecord(gerr)
		e.journal(ctx, sess.ID, stage, schema.JournalStageFailed, rec)
		e.publish(ctx, schema.EventStage, sess.ID, stage, map[string]any{"status": string(schema.StageFailed), "error": rec})
		e.logger.WarnContext(ctx, "stage failed",
			slog.String("code", gerr.Code),
			slog.String("error", gerr.Message),
			slog.Int64("duration_ms", elapsed))
		return nil, gerr
	}

	e.journal(ctx, sess.ID, stage, schema.JournalStageCompleted, map[string]any{"duration_ms": elapsed})
	e.publish(ctx, schema.EventStage, sess.ID, stage, map[string]any{"status": string(schema.StageDone), "result": out})
	e.logger.DebugContext(ctx, "stage completed", slog.Int64("duration_ms", elapsed))
	return out, nil
}

func (e *executorImpl) complete(ctx context.Context, sess *schema.Session) (*schema.Outcome, error) {
	if err := e.transition(ctx, sess, schema.SessionCompleted, nil); err != nil {
		return nil, err
	}
	out := outcomeOf(sess)
	e.publish(ctx, schema.EventCompleted, sess.ID, "", map[string]any{
		"subject": sess.Subject,
		"status":  string(sess.Status),
		"result":  out.Result,
	})
	e.logger.InfoContext(ctx, "session completed", slog.Any("stages", sess.Stages.Names()))
	return out, nil
}

// fail records the error stage and ends the session. The caller gets a
// failed outcome, not a Go error.
func (e *executorImpl) fail(ctx context.Context, sess *schema.Session, gerr *schema.GateError) (*schema.Outcome, error) {
	rec := errorRecord(gerr)
	if err := sess.Stages.Add(schema.StageError, rec); err != nil {
		e.logger.WarnContext(ctx, "record session error", slog.String("error", err.Error()))
	}
	if err := e.transition(ctx, sess, schema.SessionFailed, rec); err != nil {
		return nil, err
	}
	e.publish(ctx, schema.EventError, sess.ID, gerr.Stage, rec)
	e.logger.ErrorContext(ctx, "session failed",
		slog.String("failed_stage", gerr.Stage),
		slog.String("code", gerr.Code),
		slog.String("error", gerr.Message))
	return outcomeOf(sess), nil
}

// transition moves the session through the FSM and checkpoints it.
func (e *executorImpl) transition(ctx context.Context, sess *schema.Session, to schema.SessionStatus, payload map[string]any) error {
	if err := e.fsm.Transition(ctx, sess.ID, sess.Status, to, payload); err != nil {
		return err
	}
	now := e.now().UTC()
	sess.Status = to
	sess.UpdatedAt = now
	if to.Terminal() {
		sess.EndedAt = &now
	}
	if err := e.store.UpdateSession(ctx, sess); err != nil {
		return storeError("checkpoint session", err)
	}
	return nil
}

func (e *executorImpl) journal(ctx context.Context, sessionID, stage, typ string, payload map[string]any) {
	ev := &store.Event{SessionID: sessionID, Stage: stage, Type: typ}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			e.logger.WarnContext(ctx, "encode journal payload", slog.String("event_type", typ), slog.String("error", err.Error()))
		}
		ev.Payload = raw
	}
	if err := e.store.AppendEvent(ctx, ev); err != nil {
		e.logger.ErrorContext(ctx, "append journal event", slog.String("event_type", typ), slog.String("error", err.Error()))
	}
}

func (e *executorImpl) publish(ctx context.Context, typ schema.EventType, sessionID, stage string, payload map[string]any) {
	if err := e.hub.Publish(context.WithoutCancel(ctx), streaming.NewEvent(typ, sessionID, stage, payload)); err != nil {
		e.logger.WarnContext(ctx, "broadcast event dropped",
			slog.String("event_type", string(typ)),
			slog.String("error", err.Error()))
	}
}

func (e *executorImpl) SubmitApprovalResponse(ctx context.Context, requestID string, approved bool, notes string) bool {
	if requestID == "" {
		return false
	}
	ok := e.broker.Resolve(logging.WithRequestID(ctx, requestID), requestID, approved, notes)
	if !ok {
		e.logger.InfoContext(ctx, "approval response ignored",
			slog.String("request_id", requestID),
			slog.Bool("approved", approved))
	}
	return ok
}

func (e *executorImpl) Subscribe(ctx context.Context, filter streaming.EventFilter) (<-chan streaming.Event, func(), error) {
	return e.hub.Subscribe(ctx, filter)
}

func (e *executorImpl) Status(ctx context.Context, sessionID string) (*schema.Outcome, error) {
	if sessionID == "" {
		return nil, schema.NewError(schema.ErrCodeInvalidInput, "session id is required")
	}
	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return e.outcomeWithApproval(ctx, sess), nil
}

func (e *executorImpl) History(ctx context.Context, sessionID string) (*store.Replay, error) {
	if sessionID == "" {
		return nil, schema.NewError(schema.ErrCodeInvalidInput, "session id is required")
	}
	if _, err := e.store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return e.eventLog.Replay(ctx, sessionID)
}

func (e *executorImpl) Pending() []*schema.ApprovalRequest {
	return e.broker.ListPending()
}

func (e *executorImpl) Stats() ExecutionStats {
	return e.stats.snapshot()
}

func (e *executorImpl) PoolMetrics() PoolMetrics {
	return e.pool.Metrics()
}

func (e *executorImpl) Recover(ctx context.Context) (int, error) {
	status := schema.SessionAwaitingApproval
	sessions, err := e.store.ListSessions(ctx, store.SessionFilter{Status: &status})
	if err != nil {
		return 0, storeError("list suspended sessions", err)
	}

	restored := 0
	for _, sess := range sessions {
		sctx := logging.WithRequestID(logging.WithSessionID(ctx, sess.ID), sess.RequestID)
		if sess.RequestID == "" {
			e.logger.WarnContext(sctx, "suspended session has no approval request")
			continue
		}
		req, err := e.store.GetApprovalRequest(sctx, sess.RequestID)
		if err != nil {
			e.logger.WarnContext(sctx, "load approval request", slog.String("error", err.Error()))
			continue
		}
		if err := e.broker.Restore(req); err != nil {
			e.logger.WarnContext(sctx, "restore approval request", slog.String("error", err.Error()))
			continue
		}
		restored++
		if req.State != schema.ApprovalPending {
			e.scheduleResume(sctx, sess.ID)
		}
	}
	e.logger.InfoContext(ctx, "suspended sessions recovered", slog.Int("count", restored))
	return restored, nil
}

func (e *executorImpl) Shutdown() {
	e.pool.Shutdown()
	e.deferred.Wait()
}

// waitIdle blocks until every scheduled resume, including those still
// waiting for a pool slot, has finished.
func (e *executorImpl) waitIdle() {
	e.deferred.Wait()
	e.pool.Wait()
}

func (e *executorImpl) outcomeWithApproval(ctx context.Context, sess *schema.Session) *schema.Outcome {
	out := outcomeOf(sess)
	if sess.RequestID == "" {
		return out
	}
	if req, ok := e.broker.Get(sess.RequestID); ok {
		out.Approval = req
	} else if req, err := e.store.GetApprovalRequest(ctx, sess.RequestID); err == nil {
		out.Approval = req
	}
	return out
}
