package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// DecisionKey is the single field the approval stage may gain after it is
// recorded.
const DecisionKey = "decision"

// StageResults is an insertion-ordered, append-only map of stage name to
// stage output. The zero value is ready to use.
type StageResults struct {
	order   []string
	entries map[string]map[string]any
}

// Add records the result of a stage. A stage can be recorded only once.
func (r *StageResults) Add(stage string, result map[string]any) error {
	if stage == "" {
		return NewError(ErrCodeInvalidInput, "stage name is required")
	}
	if r.entries == nil {
		r.entries = make(map[string]map[string]any)
	}
	if _, exists := r.entries[stage]; exists {
		return NewErrorf(ErrCodeConflict, "stage %q already recorded", stage).WithStage(stage)
	}
	if result == nil {
		result = map[string]any{}
	}
	r.entries[stage] = copyMap(result)
	r.order = append(r.order, stage)
	return nil
}

// Get returns a copy of a stage's result.
func (r StageResults) Get(stage string) (map[string]any, bool) {
	v, ok := r.entries[stage]
	if !ok {
		return nil, false
	}
	return copyMap(v), true
}

// Has reports whether the stage has been recorded.
func (r StageResults) Has(stage string) bool {
	_, ok := r.entries[stage]
	return ok
}

// Names returns the recorded stage names in insertion order.
func (r StageResults) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Len returns the number of recorded stages.
func (r StageResults) Len() int {
	return len(r.order)
}

// AnnotateApproval adds the decision field to the approval stage. It fails
// when there is no approval stage or it already carries a decision.
func (r *StageResults) AnnotateApproval(decision map[string]any) error {
	entry, ok := r.entries[StageApproval]
	if !ok {
		return NewError(ErrCodeInvalidTransition, "no approval stage to annotate").WithStage(StageApproval)
	}
	if _, done := entry[DecisionKey]; done {
		return NewError(ErrCodeConflict, "approval decision already recorded").WithStage(StageApproval)
	}
	entry[DecisionKey] = copyMap(decision)
	return nil
}

// Clone returns a deep copy.
func (r StageResults) Clone() StageResults {
	out := StageResults{
		order:   make([]string, len(r.order)),
		entries: make(map[string]map[string]any, len(r.entries)),
	}
	copy(out.order, r.order)
	for k, v := range r.entries {
		out.entries[k] = copyMap(v)
	}
	return out
}

// ToMap flattens the results into a plain map, losing order.
func (r StageResults) ToMap() map[string]any {
	out := make(map[string]any, len(r.entries))
	for k, v := range r.entries {
		out[k] = copyMap(v)
	}
	return out
}

// MarshalJSON encodes the results as a JSON object in insertion order.
func (r StageResults) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, name := range r.order {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(name)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(r.entries[name])
		if err != nil {
			return nil, fmt.Errorf("marshal stage %s: %w", name, err)
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object, keeping the key order of the input.
func (r *StageResults) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*r = StageResults{}
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("stage results: expected object, got %v", tok)
	}

	out := StageResults{entries: make(map[string]map[string]any)}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		name, ok := tok.(string)
		if !ok {
			return fmt.Errorf("stage results: expected key, got %v", tok)
		}
		var v map[string]any
		if err := dec.Decode(&v); err != nil {
			return fmt.Errorf("stage results: decode %s: %w", name, err)
		}
		if _, dup := out.entries[name]; dup {
			return fmt.Errorf("stage results: duplicate stage %s", name)
		}
		if v == nil {
			v = map[string]any{}
		}
		out.entries[name] = v
		out.order = append(out.order, name)
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*r = out
	return nil
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return copyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = copyValue(e)
		}
		return out
	case []string:
		out := make([]string, len(t))
		copy(out, t)
		return out
	default:
		return v
	}
}
