package tools

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/rendis/tradegate/pkg/schema"
)

// Tool is a named capability a pipeline stage can be bound to.
type Tool interface {
	Name() string
	Description() string
	Execute(ctx context.Context, input map[string]any) (map[string]any, error)
}

// Invoker runs the tool bound to a pipeline stage.
type Invoker interface {
	Invoke(ctx context.Context, stage string, input map[string]any) (map[string]any, error)
}

// DefaultBindings maps pipeline stages to the builtin tool names.
func DefaultBindings() map[string]string {
	return map[string]string{
		schema.StageAnalyze:  "analyze_market_trend",
		schema.StageContext:  "fetch_news",
		schema.StageExecute:  "execute_trade",
		schema.StageFinalize: "finalize_and_notify",
	}
}

// Registry holds tools by name and the stage bindings that select them.
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]Tool
	bindings map[string]string
}

// NewRegistry creates an empty registry using the given stage bindings.
// A nil map selects DefaultBindings.
func NewRegistry(bindings map[string]string) *Registry {
	if bindings == nil {
		bindings = DefaultBindings()
	}
	b := make(map[string]string, len(bindings))
	for k, v := range bindings {
		b[k] = v
	}
	return &Registry{
		tools:    make(map[string]Tool),
		bindings: b,
	}
}

// Register adds a tool. Returns CONFLICT if the name is taken.
func (r *Registry) Register(t Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := t.Name()
	if _, exists := r.tools[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "tool %q already registered", name)
	}
	r.tools[name] = t
	return nil
}

// Bind points a stage at a registered tool name.
func (r *Registry) Bind(stage, toolName string) {
	r.mu.Lock()
	r.bindings[stage] = toolName
	r.mu.Unlock()
}

// Get returns the tool with the given name.
func (r *Registry) Get(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tools[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeToolUnavailable, "tool %q not registered", name)
	}
	return t, nil
}

// ToolFor resolves the tool bound to stage.
func (r *Registry) ToolFor(stage string) (Tool, error) {
	r.mu.RLock()
	name, ok := r.bindings[stage]
	r.mu.RUnlock()
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeToolUnavailable, "no tool bound to stage %q", stage).WithStage(stage)
	}
	t, err := r.Get(name)
	if err != nil {
		var ge *schema.GateError
		if errors.As(err, &ge) {
			return nil, ge.WithStage(stage)
		}
		return nil, err
	}
	return t, nil
}

// Invoke runs the tool bound to stage.
func (r *Registry) Invoke(ctx context.Context, stage string, input map[string]any) (map[string]any, error) {
	t, err := r.ToolFor(stage)
	if err != nil {
		return nil, err
	}
	out, err := t.Execute(ctx, input)
	if err != nil {
		return nil, stageError(stage, err)
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

// List returns registered tool names in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Tools returns the registered tools sorted by name.
func (r *Registry) Tools() []Tool {
	names := r.List()
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Tool, 0, len(names))
	for _, n := range names {
		out = append(out, r.tools[n])
	}
	return out
}

// Has reports whether a tool is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// stageError tags err with the stage. Plain errors become STAGE_INVOCATION_ERROR
// and context errors keep their identity through the cause chain.
func stageError(stage string, err error) *schema.GateError {
	var ge *schema.GateError
	if errors.As(err, &ge) {
		if ge.Stage == "" {
			ge.Stage = stage
		}
		return ge
	}
	return schema.NewErrorf(schema.ErrCodeStageInvocation, "%v", err).WithStage(stage).WithCause(err)
}
