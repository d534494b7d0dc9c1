package streaming

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
)

const (
	defaultQueueSize        = 1024
	defaultSubscriberBuffer = 64
)

var (
	// ErrQueueFull is returned by Publish when the event was dropped
	// because the dispatch queue is at capacity.
	ErrQueueFull = errors.New("streaming: queue full, event dropped")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("streaming: fan-out closed")
)

// Config sizes the fan-out buffers.
type Config struct {
	QueueSize        int `koanf:"queue_size"`
	SubscriberBuffer int `koanf:"subscriber_buffer"`
}

// Stats is a point-in-time view of fan-out counters.
type Stats struct {
	Published   int64 `json:"published"`
	Dropped     int64 `json:"dropped"`
	Delivered   int64 `json:"delivered"`
	Evicted     int64 `json:"evicted"`
	Subscribers int   `json:"subscribers"`
	QueueDepth  int   `json:"queue_depth"`
}

type subscriber struct {
	id     uint64
	ch     chan Event
	filter EventFilter
	from   uint64
	stop   func() bool
}

// FanOut is an EventHub backed by a bounded queue drained by a single
// dispatch goroutine. Publish never blocks: when the queue is full the new
// event is dropped. A subscriber whose buffer is full is evicted and its
// channel closed. Subscribers only see events published after they joined.
type FanOut struct {
	cfg    Config
	logger *slog.Logger

	pubMu  sync.Mutex
	seq    uint64
	closed bool
	queue  chan Event

	mu      sync.RWMutex
	subs    map[uint64]*subscriber
	nextSub uint64

	published atomic.Int64
	dropped   atomic.Int64
	delivered atomic.Int64
	evicted   atomic.Int64

	done chan struct{}
}

// NewFanOut starts a FanOut. Call Close to stop the dispatch goroutine.
func NewFanOut(cfg Config, logger *slog.Logger) *FanOut {
	f := newFanOut(cfg, logger)
	go f.dispatch()
	return f
}

func newFanOut(cfg Config, logger *slog.Logger) *FanOut {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = defaultSubscriberBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FanOut{
		cfg:    cfg,
		logger: logger,
		queue:  make(chan Event, cfg.QueueSize),
		subs:   make(map[uint64]*subscriber),
		done:   make(chan struct{}),
	}
}

// Publish enqueues an event for delivery. It returns ErrQueueFull when the
// event was dropped.
func (f *FanOut) Publish(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f.pubMu.Lock()
	defer f.pubMu.Unlock()
	if f.closed {
		return ErrClosed
	}
	event.seq = f.seq + 1
	select {
	case f.queue <- event:
		f.seq = event.seq
		f.published.Add(1)
		return nil
	default:
		f.dropped.Add(1)
		f.logger.Warn("fan-out queue full, dropping event",
			slog.String("event_type", string(event.Type)),
			slog.String("session_id", event.SessionID))
		return ErrQueueFull
	}
}

// Subscribe registers an observer. The returned cancel function is
// idempotent; the subscription also ends when ctx is done.
func (f *FanOut) Subscribe(ctx context.Context, filter EventFilter) (<-chan Event, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	f.pubMu.Lock()
	defer f.pubMu.Unlock()
	if f.closed {
		return nil, nil, ErrClosed
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextSub++
	sub := &subscriber{
		id:     f.nextSub,
		ch:     make(chan Event, f.cfg.SubscriberBuffer),
		filter: filter,
		from:   f.seq,
	}
	f.subs[sub.id] = sub

	cancel := func() { f.remove(sub.id) }
	sub.stop = context.AfterFunc(ctx, cancel)
	return sub.ch, cancel, nil
}

// Observe subscribes fn to matching events. An observer returning an error
// is unsubscribed. Observe does not block.
func (f *FanOut) Observe(ctx context.Context, filter EventFilter, fn func(Event) error) (func(), error) {
	ch, cancel, err := f.Subscribe(ctx, filter)
	if err != nil {
		return nil, err
	}
	go func() {
		for ev := range ch {
			if err := fn(ev); err != nil {
				f.logger.Warn("observer failed, unsubscribing", slog.String("error", err.Error()))
				cancel()
				for range ch {
				}
				return
			}
		}
	}()
	return cancel, nil
}

// Stats returns current counters.
func (f *FanOut) Stats() Stats {
	f.mu.RLock()
	n := len(f.subs)
	f.mu.RUnlock()
	return Stats{
		Published:   f.published.Load(),
		Dropped:     f.dropped.Load(),
		Delivered:   f.delivered.Load(),
		Evicted:     f.evicted.Load(),
		Subscribers: n,
		QueueDepth:  len(f.queue),
	}
}

// Close stops accepting events, delivers what is already queued and then
// closes every subscriber channel.
func (f *FanOut) Close() {
	f.pubMu.Lock()
	if f.closed {
		f.pubMu.Unlock()
		<-f.done
		return
	}
	f.closed = true
	close(f.queue)
	f.pubMu.Unlock()

	<-f.done

	f.mu.Lock()
	for id, sub := range f.subs {
		delete(f.subs, id)
		if sub.stop != nil {
			sub.stop()
		}
		close(sub.ch)
	}
	f.mu.Unlock()
}

func (f *FanOut) dispatch() {
	defer close(f.done)
	for ev := range f.queue {
		f.deliver(ev)
	}
}

func (f *FanOut) deliver(ev Event) {
	var slow []uint64

	f.mu.RLock()
	for id, sub := range f.subs {
		if ev.seq <= sub.from || !sub.filter.Match(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
			f.delivered.Add(1)
		default:
			slow = append(slow, id)
		}
	}
	f.mu.RUnlock()

	for _, id := range slow {
		if f.remove(id) {
			f.evicted.Add(1)
			f.logger.Warn("evicted slow subscriber",
				slog.Uint64("subscriber", id),
				slog.String("event_type", string(ev.Type)))
		}
	}
}

func (f *FanOut) remove(id uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub, ok := f.subs[id]
	if !ok {
		return false
	}
	delete(f.subs, id)
	if sub.stop != nil {
		sub.stop()
	}
	close(sub.ch)
	return true
}

var _ EventHub = (*FanOut)(nil)
