package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/tradegate/internal/engine"
	"github.com/rendis/tradegate/internal/store"
	"github.com/rendis/tradegate/pkg/schema"
)

// DefaultInterval is how often the watchlist is checked for due entries.
const DefaultInterval = 60 * time.Second

// Entry is one watchlist line: start a session for Subject on Cron.
type Entry struct {
	Subject string `koanf:"subject" json:"subject"`
	Cron    string `koanf:"cron" json:"cron"`
}

// SessionStarter is the scheduler's view of the executor.
type SessionStarter interface {
	Start(ctx context.Context, subject string) (*schema.Outcome, error)
}

// Runner runs scheduled starts off the ticker goroutine. *engine.WorkerPool
// satisfies it.
type Runner interface {
	Submit(ctx context.Context, name string, task engine.Task) error
}

// SessionLister finds past sessions for missed-run recovery.
type SessionLister interface {
	ListSessions(ctx context.Context, filter store.SessionFilter) ([]*schema.Session, error)
}

// Deps are the scheduler's collaborators. Starter is required; without a
// Runner starts run inline on the ticker goroutine.
type Deps struct {
	Starter  SessionStarter
	Runner   Runner
	Sessions SessionLister
	Logger   *slog.Logger
	Interval time.Duration
	Clock    func() time.Time
}

// WatchStatus is a point-in-time view of one watchlist entry.
type WatchStatus struct {
	Subject     string     `json:"subject"`
	Cron        string     `json:"cron"`
	NextRun     time.Time  `json:"next_run"`
	LastRun     *time.Time `json:"last_run,omitempty"`
	LastStatus  string     `json:"last_status,omitempty"`
	LastSession string     `json:"last_session,omitempty"`
}

type watch struct {
	entry    Entry
	schedule cron.Schedule
	status   WatchStatus
}

// Scheduler starts trading sessions for watchlist subjects on their cron
// schedules. A subject never has two scheduled starts in flight.
type Scheduler struct {
	starter  SessionStarter
	runner   Runner
	sessions SessionLister
	parser   cron.Parser
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	watchMu sync.Mutex
	watches []*watch

	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

// NewScheduler validates entries and computes their first run times.
func NewScheduler(entries []Entry, deps Deps) (*Scheduler, error) {
	if deps.Starter == nil {
		return nil, schema.NewError(schema.ErrCodeInvalidInput, "scheduler requires a session starter")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Interval <= 0 {
		deps.Interval = DefaultInterval
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}

	s := &Scheduler{
		starter:  deps.Starter,
		runner:   deps.Runner,
		sessions: deps.Sessions,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		logger:   deps.Logger,
		interval: deps.Interval,
		now:      deps.Clock,
		inflight: make(map[string]struct{}),
	}

	now := s.now().UTC()
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		subject, err := schema.NormalizeSubject(e.Subject)
		if err != nil {
			return nil, err
		}
		if seen[subject] {
			return nil, schema.NewErrorf(schema.ErrCodeConflict, "subject %s is listed twice in the watchlist", subject)
		}
		seen[subject] = true

		sched, err := s.parser.Parse(e.Cron)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeInvalidInput, "parse cron expression %q for %s: %s", e.Cron, subject, err.Error()).WithCause(err)
		}
		e.Subject = subject
		s.watches = append(s.watches, &watch{
			entry:    e,
			schedule: sched,
			status:   WatchStatus{Subject: subject, Cron: e.Cron, NextRun: sched.Next(now)},
		})
	}
	return s, nil
}

// Start launches the background loop. The first check runs immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started",
		slog.Int("entries", len(s.watches)),
		slog.Duration("interval", s.interval))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick starts every entry whose next run is due.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now().UTC()
	s.watchMu.Lock()
	var due []*watch
	for _, w := range s.watches {
		if !w.status.NextRun.After(now) {
			due = append(due, w)
			w.status.NextRun = w.schedule.Next(now)
		}
	}
	s.watchMu.Unlock()

	for _, w := range due {
		s.dispatch(ctx, w, now)
	}
}

// dispatch starts a session for w unless one is already in flight.
func (s *Scheduler) dispatch(ctx context.Context, w *watch, now time.Time) bool {
	subject := w.entry.Subject
	if !s.tryAcquire(subject) {
		s.logger.DebugContext(ctx, "scheduled start skipped, previous run in flight", slog.String("subject", subject))
		return false
	}

	task := func(ctx context.Context) error {
		defer s.release(subject)
		return s.run(ctx, w, now)
	}
	if s.runner == nil {
		_ = task(ctx)
		return true
	}
	if err := s.runner.Submit(ctx, "watch "+subject, task); err != nil {
		s.release(subject)
		s.logger.WarnContext(ctx, "scheduled start not submitted",
			slog.String("subject", subject),
			slog.String("error", err.Error()))
		return false
	}
	return true
}

func (s *Scheduler) run(ctx context.Context, w *watch, now time.Time) error {
	s.logger.InfoContext(ctx, "running scheduled start", slog.String("subject", w.entry.Subject))

	out, err := s.starter.Start(ctx, w.entry.Subject)

	s.watchMu.Lock()
	w.status.LastRun = &now
	switch {
	case err != nil:
		w.status.LastStatus = "error"
		w.status.LastSession = ""
	default:
		w.status.LastStatus = string(out.Kind)
		w.status.LastSession = out.SessionID
	}
	s.watchMu.Unlock()

	if err != nil {
		s.logger.ErrorContext(ctx, "scheduled start failed",
			slog.String("subject", w.entry.Subject),
			slog.String("error", err.Error()))
	}
	return err
}

func (s *Scheduler) tryAcquire(subject string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[subject]; ok {
		return false
	}
	s.inflight[subject] = struct{}{}
	return true
}

func (s *Scheduler) release(subject string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, subject)
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	sched, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return sched.Next(from), nil
}

// Stop cancels the loop and waits for it to exit. Starts already handed to
// the Runner are not waited for.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}

// RecoverMissed runs each entry once whose schedule fired after the
// subject's most recent session while the process was down. Subjects
// with no sessions at all are left to the regular schedule.
func (s *Scheduler) RecoverMissed(ctx context.Context) (int, error) {
	if s.sessions == nil {
		return 0, nil
	}
	now := s.now().UTC()

	recovered := 0
	for _, w := range s.snapshotWatches() {
		past, err := s.sessions.ListSessions(ctx, store.SessionFilter{Subject: w.entry.Subject})
		if err != nil {
			return recovered, fmt.Errorf("list sessions for %s: %w", w.entry.Subject, err)
		}
		if len(past) == 0 {
			continue
		}
		latest := past[len(past)-1].StartedAt
		if missed := w.schedule.Next(latest); missed.Before(now) {
			s.logger.InfoContext(ctx, "recovering missed scheduled start",
				slog.String("subject", w.entry.Subject),
				slog.Time("missed_at", missed))
			if s.dispatch(ctx, w, now) {
				recovered++
			}
		}
	}

	if recovered > 0 {
		s.logger.InfoContext(ctx, "recovered missed starts", slog.Int("count", recovered))
	}
	return recovered, nil
}

// Watches reports the state of every entry in watchlist order.
func (s *Scheduler) Watches() []WatchStatus {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	out := make([]WatchStatus, len(s.watches))
	for i, w := range s.watches {
		out[i] = w.status
		if w.status.LastRun != nil {
			t := *w.status.LastRun
			out[i].LastRun = &t
		}
	}
	return out
}

func (s *Scheduler) snapshotWatches() []*watch {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	out := make([]*watch, len(s.watches))
	copy(out, s.watches)
	return out
}
