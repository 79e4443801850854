// Package schema validates decoded JSON values against a recursive schema
// and returns a copy that holds only the declared fields.
package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
)

// Kind is the type of a leaf value.
type Kind uint8

const (
	String Kind = iota + 1
	Int
	Number
	Bool
)

func (k Kind) String() string {
	switch k {
	case String:
		return "string"
	case Int:
		return "int"
	case Number:
		return "number"
	case Bool:
		return "bool"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Fields maps an object key to the schema of its value.
type Fields map[string]Schema

// Schema is either a leaf of a given Kind or a node with nested fields.
// The zero Schema is an empty node that accepts any object.
type Schema struct {
	kind   Kind
	fields Fields
}

// Leaf returns a schema matching a single value of kind k.
func Leaf(k Kind) Schema { return Schema{kind: k} }

// Node returns a schema matching an object with (at least) the given fields.
func Node(fields Fields) Schema { return Schema{fields: fields} }

// IsLeaf reports whether s matches a scalar.
func (s Schema) IsLeaf() bool { return s.kind != 0 }

// ValidationError reports the first field that failed validation.
type ValidationError struct {
	Path   string
	Reason string
}

func (e ValidationError) Error() string {
	if e.Path == "" {
		return "schema: " + e.Reason
	}
	return fmt.Sprintf("schema: field=%s: %s", e.Path, e.Reason)
}

// Validate checks value against s. On success it returns a fresh value:
// objects are copied with undeclared keys dropped, ints come back as int64,
// numbers as float64.
func Validate(value any, s Schema) (any, error) {
	return validate(value, s, nil)
}

// Object validates value as an object with the given fields.
func Object(value any, fields Fields) (map[string]any, error) {
	out, err := validate(value, Node(fields), nil)
	if err != nil {
		return nil, err
	}
	return out.(map[string]any), nil
}

func validate(value any, s Schema, path []string) (any, error) {
	if s.IsLeaf() {
		return validateLeaf(value, s.kind, path)
	}
	obj, ok := value.(map[string]any)
	if !ok {
		return nil, fail(path, "not an object")
	}
	keys := make([]string, 0, len(s.fields))
	for k := range s.fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(map[string]any, len(keys))
	for _, k := range keys {
		sub := append(path[:len(path):len(path)], k)
		raw, present := obj[k]
		if !present {
			return nil, fail(sub, "missing required field")
		}
		v, err := validate(raw, s.fields[k], sub)
		if err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}

func validateLeaf(value any, k Kind, path []string) (any, error) {
	switch k {
	case String:
		if v, ok := value.(string); ok {
			return v, nil
		}
	case Bool:
		if v, ok := value.(bool); ok {
			return v, nil
		}
	case Number:
		if f, ok := toFloat(value); ok {
			return f, nil
		}
	case Int:
		f, ok := toFloat(value)
		if !ok {
			break
		}
		if math.Trunc(f) != f || math.IsInf(f, 0) {
			return nil, fail(path, "not an integer")
		}
		if f < math.MinInt64 || f >= math.MaxInt64 {
			return nil, fail(path, "integer out of range")
		}
		return int64(f), nil
	}
	return nil, fail(path, "expected "+k.String())
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, !math.IsNaN(v)
	case float32:
		return float64(v), !math.IsNaN(float64(v))
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}

func fail(path []string, reason string) error {
	return ValidationError{Path: strings.Join(path, "."), Reason: reason}
}
