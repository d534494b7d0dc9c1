package expressions

import (
	"context"

	"github.com/itchyny/gojq"
)

// GoJQEngine evaluates jq queries, used to pull fields out of tool output.
// $ENV and env are blocked.
type GoJQEngine struct {
	cache *programCache[*gojq.Code]
}

// NewGoJQEngine creates a new GoJQ expression engine.
func NewGoJQEngine() *GoJQEngine {
	return &GoJQEngine{cache: newProgramCache[*gojq.Code]()}
}

// Name returns the engine identifier.
func (e *GoJQEngine) Name() string {
	return "jq"
}

// Evaluate runs query against data. A single output is returned as is,
// several are returned as []any and none as nil.
func (e *GoJQEngine) Evaluate(ctx context.Context, query string, data map[string]any) (any, error) {
	results, err := e.EvaluateAll(ctx, query, data)
	if err != nil {
		return nil, err
	}
	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

// EvaluateAll runs query and returns every output.
func (e *GoJQEngine) EvaluateAll(ctx context.Context, query string, data map[string]any) ([]any, error) {
	if query == "" {
		return nil, emptyExpression(e.Name())
	}
	code, err := e.cache.get(query, e.compile)
	if err != nil {
		return nil, err
	}

	iter := code.RunWithContext(ctx, normalizeMap(data))
	var results []any
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			if halt, ok := err.(*gojq.HaltError); ok && halt.Value() == nil {
				break
			}
			return nil, evalError(e.Name(), query, err)
		}
		results = append(results, v)
	}
	return results, nil
}

// Compile checks that query parses and compiles.
func (e *GoJQEngine) Compile(query string) error {
	if query == "" {
		return emptyExpression(e.Name())
	}
	_, err := e.cache.get(query, e.compile)
	return err
}

func (e *GoJQEngine) compile(query string) (*gojq.Code, error) {
	parsed, err := gojq.Parse(query)
	if err != nil {
		return nil, compileError(e.Name(), query, err)
	}
	code, err := gojq.Compile(parsed,
		gojq.WithEnvironLoader(func() []string { return nil }),
	)
	if err != nil {
		return nil, compileError(e.Name(), query, err)
	}
	return code, nil
}

var _ Engine = (*GoJQEngine)(nil)
