// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package schema provides plugin.Schema implementations: JSON-schema
// documents, schemas reflected from Go structs, and hand-written validators.
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/invopop/jsonschema"
	jschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/holomush/pluginrt/pkg/plugin"
)

const resourceName = "schema.json"

// Validate runs s against data and returns the coerced value. Failures are
// reported as *plugin.ValidationError tagged with pluginID and stage. A nil
// schema accepts anything.
func Validate(s plugin.Schema, data any, pluginID string, stage plugin.Stage) (any, error) {
	return ValidateProcedure(s, data, pluginID, "", stage)
}

// ValidateProcedure is Validate for data belonging to a named procedure.
func ValidateProcedure(s plugin.Schema, data any, pluginID, procedure string, stage plugin.Stage) (any, error) {
	if s == nil {
		return data, nil
	}
	out, err := s.Validate(data)
	if err != nil {
		return nil, &plugin.ValidationError{
			PluginID:  pluginID,
			Stage:     stage,
			Procedure: procedure,
			Detail:    detail(err),
			Err:       err,
		}
	}
	return out, nil
}

// detail flattens a multi-line validator message into one line.
func detail(err error) string {
	lines := strings.Split(strings.TrimSpace(err.Error()), "\n")
	parts := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "-"))
		if line == "" || strings.HasPrefix(line, "jsonschema validation failed") {
			continue
		}
		parts = append(parts, line)
	}
	if len(parts) == 0 {
		return err.Error()
	}
	return strings.Join(parts, "; ")
}

// maxExactInt is the largest magnitude below which every integer has an
// exact float64 representation.
const maxExactInt = 1 << 53

// Normalize converts v to the generic JSON value model: map[string]any,
// []any, float64, json.Number, string, bool and nil. A number is a float64
// when the conversion is exact and stays a json.Number otherwise, so large
// integers keep every digit.
func Normalize(v any) (any, error) {
	var data []byte
	switch raw := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if len(raw) == 0 {
			return nil, nil
		}
		data = raw
	default:
		var err error
		data, err = json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode %T: %w", v, err)
		}
	}
	out, err := jschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode value: %w", err)
	}
	return compactNumbers(out), nil
}

func compactNumbers(v any) any {
	switch val := v.(type) {
	case map[string]any:
		for k, item := range val {
			val[k] = compactNumbers(item)
		}
		return val
	case []any:
		for i, item := range val {
			val[i] = compactNumbers(item)
		}
		return val
	case json.Number:
		return number(val)
	default:
		return val
	}
}

// number returns n as a float64 unless that would change an integer.
func number(n json.Number) any {
	if strings.ContainsAny(n.String(), ".eE") {
		if f, err := n.Float64(); err == nil {
			return f
		}
		return n
	}
	i, err := n.Int64()
	if err != nil || i > maxExactInt || i < -maxExactInt {
		return n
	}
	return float64(i)
}

// JSONSchema validates data against a compiled JSON-schema document.
type JSONSchema struct {
	compiled *jschema.Schema
	doc      any
}

var _ plugin.Schema = (*JSONSchema)(nil)

// JSON compiles a JSON-schema document. doc may be a decoded document
// (map[string]any), JSON text as string or []byte, or json.RawMessage.
func JSON(doc any) (*JSONSchema, error) {
	var decoded any
	switch d := doc.(type) {
	case string:
		if err := json.Unmarshal([]byte(d), &decoded); err != nil {
			return nil, fmt.Errorf("parse schema JSON: %w", err)
		}
	case []byte:
		if err := json.Unmarshal(d, &decoded); err != nil {
			return nil, fmt.Errorf("parse schema JSON: %w", err)
		}
	default:
		var err error
		decoded, err = Normalize(doc)
		if err != nil {
			return nil, fmt.Errorf("normalize schema: %w", err)
		}
	}

	c := jschema.NewCompiler()
	if err := c.AddResource(resourceName, decoded); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}
	compiled, err := c.Compile(resourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}
	return &JSONSchema{compiled: compiled, doc: decoded}, nil
}

// MustJSON is JSON that panics on error. For package-level schema literals.
func MustJSON(doc any) *JSONSchema {
	s, err := JSON(doc)
	if err != nil {
		panic(err)
	}
	return s
}

// Validate implements plugin.Schema. The coerced value is the normalized data.
func (s *JSONSchema) Validate(data any) (any, error) {
	normalized, err := Normalize(data)
	if err != nil {
		return nil, err
	}
	if err := s.compiled.Validate(normalized); err != nil {
		return nil, err //nolint:wrapcheck // validator message is the detail
	}
	return normalized, nil
}

// Document returns the decoded schema document.
func (s *JSONSchema) Document() any {
	return s.doc
}

// StructSchema validates against the JSON schema of T and decodes into T.
type StructSchema[T any] struct {
	json *JSONSchema
}

// Struct reflects T's JSON schema. Field names follow json tags; fields
// without omitempty are required and unknown properties are rejected.
func Struct[T any]() (*StructSchema[T], error) {
	r := jsonschema.Reflector{
		DoNotReference: true,
		Anonymous:      true,
	}
	data, err := json.Marshal(r.Reflect(new(T)))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}
	compiled, err := JSON(data)
	if err != nil {
		return nil, err
	}
	return &StructSchema[T]{json: compiled}, nil
}

// MustStruct is Struct that panics on error.
func MustStruct[T any]() *StructSchema[T] {
	s, err := Struct[T]()
	if err != nil {
		panic(err)
	}
	return s
}

// Validate implements plugin.Schema. The coerced value has type T.
func (s *StructSchema[T]) Validate(data any) (any, error) {
	normalized, err := s.json.Validate(data)
	if err != nil {
		return nil, err
	}
	return plugin.Decode[T](normalized)
}

// Document returns the reflected schema document.
func (s *StructSchema[T]) Document() any {
	return s.json.Document()
}

// FuncSchema adapts a validation function.
type FuncSchema[T any] func(data any) (T, error)

// Func wraps a hand-written validator.
func Func[T any](fn func(data any) (T, error)) FuncSchema[T] {
	return FuncSchema[T](fn)
}

// Validate implements plugin.Schema.
func (f FuncSchema[T]) Validate(data any) (any, error) {
	return f(data)
}

type anySchema struct{}

func (anySchema) Validate(data any) (any, error) { return data, nil }

// Any accepts every value unchanged.
func Any() plugin.Schema {
	return anySchema{}
}
