package tools

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/rendis/tradegate/internal/approval"
	"github.com/rendis/tradegate/pkg/schema"
)

// Builtin tool names.
const (
	ToolAnalyze  = "analyze_market_trend"
	ToolNews     = "fetch_news"
	ToolExecute  = "execute_trade"
	ToolFinalize = "finalize_and_notify"
	ToolHealth   = "health_check"
)

// SummaryLimit caps the news summary carried into the audit record.
const SummaryLimit = 4000

const (
	msgHoldNoTrade = "No trade executed - HOLD recommendation"
	msgRejected    = "No trade executed - Trade rejected by user"
	msgTimedOut    = "No trade executed - approval timed out"
)

// TokenVerifier checks approval tokens presented to the execute tool.
type TokenVerifier interface {
	Verify(token string) (*approval.Claims, error)
}

// BuiltinOptions configures the simulated tool set.
type BuiltinOptions struct {
	Feed     MarketFeed
	News     NewsFeed
	Verifier TokenVerifier
	// Quantity is the order size in shares. Defaults to 100.
	Quantity int
	Now      func() time.Time
}

// NewBuiltinRegistry registers every simulated tool under DefaultBindings.
func NewBuiltinRegistry(opts BuiltinOptions) (*Registry, error) {
	if opts.Feed == nil {
		opts.Feed = SyntheticFeed{}
	}
	if opts.News == nil {
		opts.News = StaticNews{}
	}
	if opts.Quantity <= 0 {
		opts.Quantity = 100
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	reg := NewRegistry(nil)
	builtins := []Tool{
		&AnalyzeTool{Feed: opts.Feed, Now: opts.Now},
		&NewsTool{Feed: opts.News},
		&ExecuteTool{Feed: opts.Feed, Verifier: opts.Verifier, Quantity: opts.Quantity, Now: opts.Now},
		&FinalizeTool{Now: opts.Now},
		&HealthTool{Registry: reg, Now: opts.Now},
	}
	for _, t := range builtins {
		if err := reg.Register(t); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// --- analyze_market_trend ---

// AnalyzeTool turns a quote into price, volume, indicator and trend data.
type AnalyzeTool struct {
	Feed MarketFeed
	Now  func() time.Time
}

func (t *AnalyzeTool) Name() string { return ToolAnalyze }
func (t *AnalyzeTool) Description() string {
	return "Analyze the market trend for a ticker and recommend BUY, SELL or HOLD"
}

func (t *AnalyzeTool) Execute(ctx context.Context, input map[string]any) (map[string]any, error) {
	subject, err := subjectArg(input)
	if err != nil {
		return nil, err
	}
	q, err := t.Feed.Quote(ctx, subject)
	if err != nil {
		return nil, err
	}

	pct := q.ChangePct()
	direction, strength, rec := classifyTrend(pct)
	r := rsi(append(append([]float64{}, q.Closes...), q.Price), 14)

	volumeRatio := 0.0
	if q.AverageVolume > 0 {
		volumeRatio = round2(float64(q.Volume) / float64(q.AverageVolume))
	}

	return map[string]any{
		"subject":   subject,
		"timestamp": t.Now().UTC().Format(time.RFC3339Nano),
		"price_data": map[string]any{
			"current":        q.Price,
			"previous_close": q.PreviousClose,
			"change":         round2(q.Price - q.PreviousClose),
			"change_pct":     pct,
		},
		"volume_data": map[string]any{
			"current": q.Volume,
			"average": q.AverageVolume,
			"ratio":   volumeRatio,
		},
		"technical_indicators": map[string]any{
			"sma_5":       sma(q.Closes, 5),
			"sma_20":      sma(q.Closes, 20),
			"rsi":         r,
			"rsi_signal":  rsiSignal(r),
			"macd":        q.MACD,
			"macd_signal": macdSignal(q.MACD),
		},
		"trend_analysis": map[string]any{
			"direction":      direction,
			"strength":       strength,
			"recommendation": string(rec),
		},
	}, nil
}

func classifyTrend(pct float64) (direction, strength string, rec schema.Side) {
	switch {
	case pct > 3:
		return "strong_uptrend", "very_strong", schema.SideBuy
	case pct > 1:
		return "uptrend", "moderate", schema.SideBuy
	case pct < -3:
		return "strong_downtrend", "very_strong", schema.SideSell
	case pct < -1:
		return "downtrend", "moderate", schema.SideSell
	default:
		return "sideways", "neutral", schema.SideHold
	}
}

func rsiSignal(v float64) string {
	switch {
	case v > 70:
		return "overbought"
	case v < 30:
		return "oversold"
	default:
		return "neutral"
	}
}

func macdSignal(v float64) string {
	if v > 0 {
		return "bullish"
	}
	return "bearish"
}

// --- fetch_news ---

// NewsTool gathers headlines for the optional context stage.
type NewsTool struct {
	Feed NewsFeed
}

func (t *NewsTool) Name() string        { return ToolNews }
func (t *NewsTool) Description() string { return "Fetch recent news headlines for a ticker" }

func (t *NewsTool) Execute(ctx context.Context, input map[string]any) (map[string]any, error) {
	subject, err := subjectArg(input)
	if err != nil {
		return nil, err
	}
	headlines, err := t.Feed.Headlines(ctx, subject)
	if err != nil {
		return nil, err
	}

	items := make([]any, 0, len(headlines))
	titles := make([]string, 0, len(headlines))
	for _, h := range headlines {
		items = append(items, map[string]any{
			"title":        h.Title,
			"source":       h.Source,
			"published_at": h.PublishedAt.UTC().Format(time.RFC3339),
		})
		titles = append(titles, h.Title)
	}
	return map[string]any{
		"subject":  subject,
		"news":     items,
		"has_news": len(items) > 0,
		"summary":  truncate(strings.Join(titles, "\n"), SummaryLimit),
	}, nil
}

// --- execute_trade ---

// ExecuteTool simulates order placement for an approved decision.
type ExecuteTool struct {
	Feed     MarketFeed
	Verifier TokenVerifier
	Quantity int
	Now      func() time.Time
}

func (t *ExecuteTool) Name() string { return ToolExecute }
func (t *ExecuteTool) Description() string {
	return "Execute an approved BUY or SELL order (simulated)"
}

func (t *ExecuteTool) Execute(ctx context.Context, input map[string]any) (map[string]any, error) {
	subject, err := subjectArg(input)
	if err != nil {
		return nil, err
	}
	side, ok := schema.ParseSide(strArg(input, "side"))
	if !ok || !side.Tradable() {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidInput, "side %q is not tradable", strArg(input, "side"))
	}
	requestID := strArg(input, "request_id")

	if t.Verifier != nil {
		claims, err := t.Verifier.Verify(strArg(input, "approval_token"))
		if err != nil {
			return nil, err
		}
		if claims.RequestID != requestID || claims.Side != string(side) || claims.Subject != subject {
			return nil, schema.NewError(schema.ErrCodeInvalidInput, "approval token does not cover this order").
				WithDetails(map[string]any{"request_id": requestID})
		}
	}

	q, err := t.Feed.Quote(ctx, subject)
	if err != nil {
		return nil, err
	}
	qty := t.Quantity
	if n := int(floatArg(input, "quantity")); n > 0 {
		qty = n
	}

	return map[string]any{
		"subject":    subject,
		"side":       string(side),
		"request_id": requestID,
		"reason":     strArg(input, "rationale"),
		"status":     "COMPLETED",
		"message":    fmt.Sprintf("%s order for %d shares of %s executed", side, qty, subject),
		"execution_details": map[string]any{
			"order_id":     uuid.NewString(),
			"side":         string(side),
			"quantity":     qty,
			"price":        q.Price,
			"total_amount": round2(q.Price * float64(qty)),
			"executed_at":  t.Now().UTC().Format(time.RFC3339Nano),
		},
	}, nil
}

// --- finalize_and_notify ---

// FinalizeTool assembles the audit record for a session that did not fail.
type FinalizeTool struct {
	Now func() time.Time
}

func (t *FinalizeTool) Name() string { return ToolFinalize }
func (t *FinalizeTool) Description() string {
	return "Assemble the final analysis record for a trade decision"
}

func (t *FinalizeTool) Execute(_ context.Context, input map[string]any) (map[string]any, error) {
	subject, err := subjectArg(input)
	if err != nil {
		return nil, err
	}
	decision := mapArg(input, "decision")
	appr := mapArg(input, "approval")
	execution := mapArg(input, "execution")
	news := mapArg(input, "context")

	side := strArg(decision, "side")
	executed := strArg(execution, "status") == "COMPLETED"
	final := string(schema.SideHold)
	if executed {
		final = side
	}

	out := map[string]any{
		"subject":          subject,
		"preliminary":      decision,
		"final":            final,
		"recommendation":   side,
		"confidence_score": floatArg(decision, "confidence"),
		"analysis_sources": sliceArg(decision, "sources"),
		"executed":         executed,
		"message":          finalMessage(decision, appr, execution, strArg(input, "reason")),
		"generated_at":     t.Now().UTC().Format(time.RFC3339Nano),
	}
	if appr != nil {
		out["approval"] = appr
	}
	if execution != nil {
		out["execution"] = execution
	}
	if s := strArg(news, "summary"); s != "" {
		out["news_summary"] = truncate(s, SummaryLimit)
	}
	return out, nil
}

func finalMessage(decision, appr, execution map[string]any, reason string) string {
	if strArg(execution, "status") == "COMPLETED" {
		return strArg(execution, "message")
	}
	if d := mapArg(appr, schema.DecisionKey); d != nil {
		if approved, _ := d["approved"].(bool); !approved {
			if strArg(d, "notes") == schema.TimeoutNotes {
				return msgTimedOut
			}
			return msgRejected
		}
	}
	if side, _ := schema.ParseSide(strArg(decision, "side")); side == schema.SideHold {
		return msgHoldNoTrade
	}
	if reason != "" {
		return "No trade executed - " + reason
	}
	return "No trade executed"
}

// --- health_check ---

// HealthTool reports the tool server status.
type HealthTool struct {
	Registry *Registry
	Now      func() time.Time
}

func (t *HealthTool) Name() string        { return ToolHealth }
func (t *HealthTool) Description() string { return "Report tool server health" }

func (t *HealthTool) Execute(_ context.Context, _ map[string]any) (map[string]any, error) {
	names := t.Registry.List()
	available := make([]any, len(names))
	for i, n := range names {
		available[i] = n
	}
	return map[string]any{
		"status":          "healthy",
		"server":          "tradegate-tools",
		"timestamp":       t.Now().UTC().Format(time.RFC3339),
		"tools_available": available,
	}, nil
}

// --- argument helpers ---

func subjectArg(input map[string]any) (string, error) {
	subject, err := schema.NormalizeSubject(strArg(input, "subject"))
	if err != nil {
		if ge, ok := schema.AsGateError(err); ok {
			return "", ge.WithDetails(map[string]any{"valid_examples": DefaultUniverse[:5]})
		}
		return "", err
	}
	return subject, nil
}

func strArg(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

func floatArg(m map[string]any, key string) float64 {
	if m == nil {
		return 0
	}
	switch v := m[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return 0
	}
}

func mapArg(m map[string]any, key string) map[string]any {
	if m == nil {
		return nil
	}
	v, _ := m[key].(map[string]any)
	return v
}

func sliceArg(m map[string]any, key string) []any {
	if m == nil {
		return []any{}
	}
	switch v := m[key].(type) {
	case []any:
		return v
	case []string:
		out := make([]any, len(v))
		for i, s := range v {
			out[i] = s
		}
		return out
	default:
		return []any{}
	}
}

func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	return string([]rune(s)[:limit])
}
