package validation

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/tradegate/pkg/schema"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const (
	analysisSchemaURL = "https://tradegate.dev/schemas/analysis.json"
	decisionSchemaURL = "https://tradegate.dev/schemas/approval_decision.json"
)

// SchemaValidator checks tool output and operator payloads against JSON
// Schema Draft 2020-12. It is safe for concurrent use.
type SchemaValidator struct {
	analysis *jsonschema.Schema
	decision *jsonschema.Schema

	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewSchemaValidator compiles the embedded schemas.
func NewSchemaValidator() (*SchemaValidator, error) {
	c := newCompiler()
	for url, file := range map[string]string{
		analysisSchemaURL: "schemas/analysis.json",
		decisionSchemaURL: "schemas/approval_decision.json",
	} {
		raw, err := schemaFS.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", file, err)
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("unmarshal %s: %w", file, err)
		}
		if err := c.AddResource(url, doc); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", url, err)
		}
	}

	analysis, err := c.Compile(analysisSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile analysis schema: %w", err)
	}
	decision, err := c.Compile(decisionSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile approval decision schema: %w", err)
	}

	return &SchemaValidator{
		analysis: analysis,
		decision: decision,
		cache:    make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateAnalysis checks the output of the analyze stage.
func (v *SchemaValidator) ValidateAnalysis(out map[string]any) error {
	return validateDoc(v.analysis, out)
}

// ValidateApprovalDecision checks an operator decision payload.
func (v *SchemaValidator) ValidateApprovalDecision(payload map[string]any) error {
	return validateDoc(v.decision, payload)
}

// ValidatePayload checks payload against a caller-supplied schema. The
// compiled schema is cached by its source text.
func (v *SchemaValidator) ValidatePayload(payload map[string]any, rawSchema []byte) error {
	if len(rawSchema) == 0 {
		return nil
	}
	compiled, err := v.compileDynamic(rawSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeInvalidInput, "invalid schema").WithCause(err)
	}
	return validateDoc(compiled, payload)
}

func (v *SchemaValidator) compileDynamic(raw []byte) (*jsonschema.Schema, error) {
	key := string(raw)

	v.mu.RLock()
	if s, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return s, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()
	if s, ok := v.cache[key]; ok {
		return s, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	url := fmt.Sprintf("tradegate://payload-schema/%d", len(v.cache))
	c := newCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	v.cache[key] = compiled
	return compiled, nil
}

func newCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

func validateDoc(s *jsonschema.Schema, payload map[string]any) error {
	if payload == nil {
		r := &schema.ValidationResult{}
		r.Add("/", "payload is missing")
		return r.ToError()
	}
	doc, err := toJSONValue(payload)
	if err != nil {
		return schema.NewError(schema.ErrCodeInvalidInput, "payload is not JSON-serialisable").WithCause(err)
	}
	if err := s.Validate(doc); err != nil {
		return toGateError(err)
	}
	return nil
}

// toJSONValue round-trips v so numbers arrive as json.Number.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(b))
}

func toGateError(err error) error {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeInvalidInput, err.Error())
	}
	result := &schema.ValidationResult{}
	collectViolations(verr, result)
	if result.Valid() {
		result.Add("/", verr.Error())
	}
	return result.ToError()
}

// collectViolations records the leaves of the error tree.
func collectViolations(verr *jsonschema.ValidationError, into *schema.ValidationResult) {
	if len(verr.Causes) == 0 {
		into.Add("/"+strings.Join(verr.InstanceLocation, "/"), leafMessage(verr))
		return
	}
	for _, cause := range verr.Causes {
		collectViolations(cause, into)
	}
}

// leafMessage drops the location prefix the library puts on Error().
func leafMessage(verr *jsonschema.ValidationError) string {
	msg := verr.Error()
	if strings.HasPrefix(msg, "at '") {
		if i := strings.Index(msg, "': "); i >= 0 {
			return msg[i+3:]
		}
	}
	return msg
}
