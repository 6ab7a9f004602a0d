// Package schema validates data crossing the frame boundary against a
// declared shape and canonicalizes it into a typed value.
//
// Shapes are OpenAPI 3 schema objects. Validation applies declared defaults
// for missing optional properties before decoding into the target type.
package schema

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/tailscale/hujson"
)

// Mode selects how a caller treats a failed validation.
type Mode int

const (
	// Tolerant failures are reported and the message is dropped.
	Tolerant Mode = iota
	// Strict failures are contract violations that abort the message.
	Strict
)

func (m Mode) String() string {
	switch m {
	case Tolerant:
		return "tolerant"
	case Strict:
		return "strict"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

var (
	ErrSchemaViolation   = errors.New("schema violation")
	ErrContractViolation = errors.New("contract violation")
)

// Violation describes why a value did not match its shape.
type Violation struct {
	Mode   Mode
	Field  string
	Reason string
	Value  any
}

func (v *Violation) Error() string {
	kind := "schema violation"
	if v.Mode == Strict {
		kind = "contract violation"
	}
	if v.Field == "" {
		return fmt.Sprintf("%s: %s", kind, v.Reason)
	}
	return fmt.Sprintf("%s: field %s: %s", kind, v.Field, v.Reason)
}

// Is matches ErrSchemaViolation in every mode and ErrContractViolation in
// strict mode only.
func (v *Violation) Is(target error) bool {
	switch target {
	case ErrSchemaViolation:
		return true
	case ErrContractViolation:
		return v.Mode == Strict
	default:
		return false
	}
}

// Validator checks values against one shape and decodes them into T.
type Validator[T any] struct {
	shape *openapi3.Schema
	mode  Mode
}

func New[T any](shape *openapi3.Schema, mode Mode) *Validator[T] {
	return &Validator[T]{shape: shape, mode: mode}
}

func (v *Validator[T]) Mode() Mode { return v.mode }

// Validate decodes raw JSON, validates it and returns the canonical value.
func (v *Validator[T]) Validate(raw json.RawMessage) (T, error) {
	var zero T
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return zero, &Violation{Mode: v.mode, Reason: "payload is not valid JSON", Value: string(raw)}
	}
	return v.validateDoc(doc)
}

// ValidateValue validates an in-memory value, typically a T the caller built.
func (v *Validator[T]) ValidateValue(value any) (T, error) {
	var zero T
	raw, err := json.Marshal(value)
	if err != nil {
		return zero, &Violation{Mode: v.mode, Reason: fmt.Sprintf("value is not serializable: %v", err)}
	}
	return v.Validate(raw)
}

func (v *Validator[T]) validateDoc(doc any) (T, error) {
	var zero T
	if doc == nil && !v.shape.Nullable {
		return zero, &Violation{Mode: v.mode, Reason: "value is null"}
	}
	err := v.shape.VisitJSON(doc, openapi3.VisitAsRequest(), openapi3.DefaultsSet(func() {}))
	if err != nil {
		return zero, v.violationFrom(err, doc)
	}
	canonical, err := json.Marshal(doc)
	if err != nil {
		return zero, &Violation{Mode: v.mode, Reason: fmt.Sprintf("canonicalize: %v", err)}
	}
	var out T
	if err := json.Unmarshal(canonical, &out); err != nil {
		return zero, &Violation{Mode: v.mode, Reason: fmt.Sprintf("does not fit state type: %v", err), Value: doc}
	}
	return out, nil
}

func (v *Validator[T]) violationFrom(err error, doc any) *Violation {
	var se *openapi3.SchemaError
	if errors.As(err, &se) {
		field := ""
		if ptr := se.JSONPointer(); len(ptr) > 0 {
			field = "/" + strings.Join(ptr, "/")
		}
		return &Violation{Mode: v.mode, Field: field, Reason: se.Reason, Value: se.Value}
	}
	return &Violation{Mode: v.mode, Reason: err.Error(), Value: doc}
}

// Object builds an object shape from its properties.
func Object(props map[string]*openapi3.Schema, required ...string) *openapi3.Schema {
	s := openapi3.NewObjectSchema().WithProperties(props)
	if len(required) > 0 {
		s.Required = required
	}
	return s
}

// Parse reads a JSON schema object. Comments and trailing commas are allowed.
func Parse(data []byte) (*openapi3.Schema, error) {
	std, err := hujson.Standardize(data)
	if err != nil {
		return nil, fmt.Errorf("parse schema failed: %w", err)
	}
	s := openapi3.NewSchema()
	if err := json.Unmarshal(std, s); err != nil {
		return nil, fmt.Errorf("parse schema failed: %w", err)
	}
	if err := s.Validate(context.Background()); err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}
	return s, nil
}

// Load reads a schema file from disk.
func Load(path string) (*openapi3.Schema, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema failed: %w", err)
	}
	return Parse(content)
}
