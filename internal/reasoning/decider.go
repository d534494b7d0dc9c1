package reasoning

import (
	"context"
	"fmt"

	"github.com/rendis/tradegate/internal/expressions"
	"github.com/rendis/tradegate/pkg/schema"
)

// DefaultRule routes tradable sides by confidence.
const DefaultRule = `side in ["BUY", "SELL"] ? (confidence >= min_confidence ? "proceed" : "reject_candidate") : "no_action"`

// DefaultMinConfidence is the confidence a BUY/SELL needs to reach the gate.
const DefaultMinConfidence = 0.5

const (
	defaultSide       = schema.SideHold
	defaultConfidence = 0.6
	defaultRationale  = "Neutral"
	trendConfidence   = 0.7
	sourceMarketTrend = "market_trend"
	sourceNews        = "news"
)

// Queries are jq programs that pull decision inputs out of the analysis.
// A query that produces no output leaves the field unset.
type Queries struct {
	Action         string `koanf:"action"`
	Side           string `koanf:"side"`
	Confidence     string `koanf:"confidence"`
	Rationale      string `koanf:"rationale"`
	Recommendation string `koanf:"recommendation"`
	Direction      string `koanf:"direction"`
}

// DefaultQueries reads the builtin analyze output.
func DefaultQueries() Queries {
	return Queries{
		Action:         `.action // empty`,
		Side:           `.side // empty`,
		Confidence:     `.confidence // empty`,
		Rationale:      `.rationale // empty`,
		Recommendation: `.trend_analysis.recommendation // empty`,
		Direction:      `.trend_analysis.direction // "neutral"`,
	}
}

// Config tunes the decide stage.
type Config struct {
	MinConfidence float64 `koanf:"min_confidence"`
	// Rule is an expr-lang expression returning the action string.
	Rule string `koanf:"rule"`
	// Guard is an optional CEL expression every proceed must satisfy.
	Guard   string  `koanf:"guard"`
	Queries Queries `koanf:"queries"`
}

// Decider derives a Decision from stage outputs.
type Decider struct {
	cfg   Config
	jq    *expressions.GoJQEngine
	rules *expressions.ExprEngine
	cel   *expressions.CELEngine
}

// NewDecider compiles every configured expression up front.
func NewDecider(cfg Config) (*Decider, error) {
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = DefaultMinConfidence
	}
	if cfg.Rule == "" {
		cfg.Rule = DefaultRule
	}
	def := DefaultQueries()
	q := &cfg.Queries
	orDefault(&q.Action, def.Action)
	orDefault(&q.Side, def.Side)
	orDefault(&q.Confidence, def.Confidence)
	orDefault(&q.Rationale, def.Rationale)
	orDefault(&q.Recommendation, def.Recommendation)
	orDefault(&q.Direction, def.Direction)

	celEngine, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	d := &Decider{
		cfg:   cfg,
		jq:    expressions.NewGoJQEngine(),
		rules: expressions.NewExprEngine(),
		cel:   celEngine,
	}

	for _, query := range []string{q.Action, q.Side, q.Confidence, q.Rationale, q.Recommendation, q.Direction} {
		if err := d.jq.Compile(query); err != nil {
			return nil, err
		}
	}
	if err := d.rules.Compile(cfg.Rule); err != nil {
		return nil, err
	}
	if cfg.Guard != "" {
		if err := d.cel.Compile(cfg.Guard); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// Derive produces the decision for subject. newsCtx may be nil.
func (d *Decider) Derive(ctx context.Context, subject string, analysis, newsCtx map[string]any) (schema.Decision, error) {
	dec, explicit, err := d.preliminary(ctx, analysis, newsCtx)
	if err != nil {
		return schema.Decision{}, decideError(err)
	}

	if explicit == "" {
		action, err := d.applyRule(ctx, dec, analysis)
		if err != nil {
			return schema.Decision{}, decideError(err)
		}
		dec.Action = action
	} else {
		dec.Action = schema.NormalizeAction(explicit)
	}

	// A proceed needs a side to trade.
	if dec.Action == schema.ActionProceed && !dec.Side.Tradable() {
		dec.Action = schema.ActionNoAction
		dec.Rationale += " (no tradable side)"
	}

	if dec.Action == schema.ActionProceed && d.cfg.Guard != "" {
		ok, err := d.cel.EvaluateBool(ctx, d.cfg.Guard, map[string]any{
			"analysis": analysis,
			"decision": dec.ToMap(),
			"session":  map[string]any{"subject": subject},
		})
		if err != nil {
			return schema.Decision{}, decideError(err)
		}
		if !ok {
			dec.Action = schema.ActionRejectCandidate
			dec.Rationale += " (guard not satisfied)"
		}
	}
	return dec, nil
}

// preliminary builds the side, confidence and rationale. It also returns any
// explicit action found in the analysis.
func (d *Decider) preliminary(ctx context.Context, analysis, newsCtx map[string]any) (schema.Decision, string, error) {
	dec := schema.Decision{
		Side:       defaultSide,
		Confidence: defaultConfidence,
		Rationale:  defaultRationale,
		Sources:    []string{sourceMarketTrend},
	}

	q := d.cfg.Queries
	rec, err := d.str(ctx, q.Recommendation, analysis)
	if err != nil {
		return dec, "", err
	}
	if side, ok := schema.ParseSide(rec); ok {
		direction, err := d.str(ctx, q.Direction, analysis)
		if err != nil {
			return dec, "", err
		}
		if direction == "" {
			direction = "neutral"
		}
		dec.Side = side
		dec.Confidence = trendConfidence
		dec.Rationale = "Market trend: " + direction
	}

	if raw, err := d.str(ctx, q.Side, analysis); err != nil {
		return dec, "", err
	} else if side, ok := schema.ParseSide(raw); ok {
		dec.Side = side
	}

	v, err := d.jq.Evaluate(ctx, q.Confidence, analysis)
	if err != nil {
		return dec, "", err
	}
	if c, ok := v.(float64); ok {
		dec.Confidence = clamp(c)
	}

	if r, err := d.str(ctx, q.Rationale, analysis); err != nil {
		return dec, "", err
	} else if r != "" {
		dec.Rationale = r
	}

	if hasNews, _ := newsCtx["has_news"].(bool); hasNews {
		dec.Sources = append(dec.Sources, sourceNews)
	}

	explicit, err := d.str(ctx, q.Action, analysis)
	if err != nil {
		return dec, "", err
	}
	return dec, explicit, nil
}

func (d *Decider) applyRule(ctx context.Context, dec schema.Decision, analysis map[string]any) (schema.Action, error) {
	direction, _ := d.str(ctx, d.cfg.Queries.Direction, analysis)
	out, err := d.rules.Evaluate(ctx, d.cfg.Rule, map[string]any{
		"side":           string(dec.Side),
		"confidence":     dec.Confidence,
		"min_confidence": d.cfg.MinConfidence,
		"direction":      direction,
		"analysis":       analysis,
	})
	if err != nil {
		return "", err
	}
	s, ok := out.(string)
	if !ok {
		return "", schema.NewErrorf(schema.ErrCodeExpression, "decision rule returned %T, want string", out)
	}
	return schema.NormalizeAction(s), nil
}

func (d *Decider) str(ctx context.Context, query string, data map[string]any) (string, error) {
	v, err := d.jq.Evaluate(ctx, query, data)
	if err != nil {
		return "", err
	}
	switch s := v.(type) {
	case nil:
		return "", nil
	case string:
		return s, nil
	default:
		return fmt.Sprint(s), nil
	}
}

func orDefault(dst *string, def string) {
	if *dst == "" {
		*dst = def
	}
}

func clamp(c float64) float64 {
	switch {
	case c < 0:
		return 0
	case c > 1:
		return 1
	default:
		return c
	}
}

func decideError(err error) error {
	if ge, ok := schema.AsGateError(err); ok {
		return ge.WithStage(schema.StageDecide)
	}
	return schema.NewErrorf(schema.ErrCodeExpression, "%v", err).WithStage(schema.StageDecide).WithCause(err)
}
