package tools

import (
	"context"
	"hash/fnv"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rendis/tradegate/pkg/schema"
)

// DefaultUniverse is the watchlist used when none is configured.
var DefaultUniverse = []string{"AAPL", "MSFT", "NVDA", "GOOGL", "AMZN", "TSLA", "META", "NFLX"}

// Quote is a market snapshot for one subject.
type Quote struct {
	Subject       string    `json:"subject"`
	Price         float64   `json:"price"`
	PreviousClose float64   `json:"previous_close"`
	Volume        int64     `json:"volume"`
	AverageVolume int64     `json:"average_volume"`
	Closes        []float64 `json:"closes"`
	MACD          float64   `json:"macd"`
	At            time.Time `json:"at"`
}

// ChangePct returns the percentage move from the previous close.
func (q Quote) ChangePct() float64 {
	if q.PreviousClose == 0 {
		return 0
	}
	return round2((q.Price - q.PreviousClose) / q.PreviousClose * 100)
}

// MarketFeed supplies quotes to the analyze tool.
type MarketFeed interface {
	Quote(ctx context.Context, subject string) (Quote, error)
}

// SyntheticFeed generates deterministic quotes from a hash of the subject.
// A non-empty Salt varies the series, e.g. per trading day.
type SyntheticFeed struct {
	Salt string
	Now  func() time.Time
}

// Quote implements MarketFeed.
func (f SyntheticFeed) Quote(ctx context.Context, subject string) (Quote, error) {
	if err := ctx.Err(); err != nil {
		return Quote{}, err
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(subject))
	_, _ = h.Write([]byte(f.Salt))
	seed := h.Sum64()
	rng := rand.New(rand.NewPCG(seed, seed>>1|1))

	base := 50 + rng.Float64()*350
	closes := make([]float64, 20)
	price := base
	for i := range closes {
		price *= 1 + (rng.Float64()-0.5)*0.04
		closes[i] = round2(price)
	}
	prev := closes[len(closes)-1]
	pct := (rng.Float64()*16 - 8) / 100

	now := time.Now
	if f.Now != nil {
		now = f.Now
	}
	return Quote{
		Subject:       subject,
		Price:         round2(prev * (1 + pct)),
		PreviousClose: prev,
		Volume:        1_000_000 + rng.Int64N(9_000_000),
		AverageVolume: 800_000 + rng.Int64N(400_000),
		Closes:        closes,
		MACD:          math.Round((rng.Float64()*4-2)*1000) / 1000,
		At:            now().UTC(),
	}, nil
}

// StaticFeed serves fixed quotes. Unknown subjects are TOOL_UNAVAILABLE.
type StaticFeed struct {
	mu     sync.RWMutex
	quotes map[string]Quote
}

// NewStaticFeed creates a feed preloaded with quotes keyed by subject.
func NewStaticFeed(quotes ...Quote) *StaticFeed {
	f := &StaticFeed{quotes: make(map[string]Quote, len(quotes))}
	for _, q := range quotes {
		f.quotes[q.Subject] = q
	}
	return f
}

// Set replaces the quote for q.Subject.
func (f *StaticFeed) Set(q Quote) {
	f.mu.Lock()
	f.quotes[q.Subject] = q
	f.mu.Unlock()
}

// Quote implements MarketFeed.
func (f *StaticFeed) Quote(_ context.Context, subject string) (Quote, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	q, ok := f.quotes[subject]
	if !ok {
		return Quote{}, schema.NewErrorf(schema.ErrCodeToolUnavailable, "no quote for %s", subject)
	}
	return q, nil
}

// Headline is one news item.
type Headline struct {
	Title       string    `json:"title"`
	Source      string    `json:"source"`
	PublishedAt time.Time `json:"published_at"`
}

// NewsFeed supplies headlines to the context tool.
type NewsFeed interface {
	Headlines(ctx context.Context, subject string) ([]Headline, error)
}

// StaticNews serves fixed headlines keyed by subject.
type StaticNews map[string][]Headline

// Headlines implements NewsFeed.
func (n StaticNews) Headlines(_ context.Context, subject string) ([]Headline, error) {
	return n[subject], nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func sma(values []float64, n int) float64 {
	if len(values) == 0 {
		return 0
	}
	if n > len(values) {
		n = len(values)
	}
	var sum float64
	for _, v := range values[len(values)-n:] {
		sum += v
	}
	return round2(sum / float64(n))
}

// rsi computes a simple-average relative strength index over the last period moves.
func rsi(values []float64, period int) float64 {
	if len(values) < 2 {
		return 50
	}
	if period >= len(values) {
		period = len(values) - 1
	}
	var gains, losses float64
	for i := len(values) - period; i < len(values); i++ {
		d := values[i] - values[i-1]
		if d > 0 {
			gains += d
		} else {
			losses -= d
		}
	}
	switch {
	case gains == 0 && losses == 0:
		return 50
	case losses == 0:
		return 100
	}
	rs := gains / losses
	return math.Round((100-100/(1+rs))*10) / 10
}
