package dispatch

import (
	"encoding/json"
	"math"
)

// FieldType enumerates accepted parameter types.
type FieldType int

const (
	TypeInt FieldType = iota
	TypeFloat
	TypeString
	TypeBool
	TypeObject
	TypeArray
)

func (t FieldType) String() string {
	switch t {
	case TypeInt:
		return "integer"
	case TypeFloat:
		return "number"
	case TypeString:
		return "string"
	case TypeBool:
		return "boolean"
	case TypeObject:
		return "object"
	case TypeArray:
		return "array"
	default:
		return "unknown"
	}
}

// Field declares one parameter of a method schema. Order matters: it is
// the positional order when params arrive as an array.
type Field struct {
	Name     string
	Type     FieldType
	Required bool
	Default  any
	// Min/Max bound integer fields when HasRange is set (e.g. color
	// channels 0-255).
	HasRange bool
	Min      int64
	Max      int64
}

// IntField declares a required integer parameter.
func IntField(name string) Field { return Field{Name: name, Type: TypeInt, Required: true} }

// RangeField declares a required integer parameter with bounds.
func RangeField(name string, min, max int64) Field {
	return Field{Name: name, Type: TypeInt, Required: true, HasRange: true, Min: min, Max: max}
}

// OptField declares an optional parameter with a default.
func OptField(name string, t FieldType, def any) Field {
	return Field{Name: name, Type: t, Default: def}
}

// OptRangeField declares an optional bounded integer parameter.
func OptRangeField(name string, min, max, def int64) Field {
	return Field{Name: name, Type: TypeInt, Default: def, HasRange: true, Min: min, Max: max}
}

// StringField declares a required string parameter.
func StringField(name string) Field { return Field{Name: name, Type: TypeString, Required: true} }

// Params holds extracted, schema-checked parameter values.
type Params struct {
	values map[string]any
}

// Int returns an integer field. The schema guarantees presence and type
// for required fields; missing optionals return their default.
func (p *Params) Int(name string) int {
	v, _ := p.values[name].(int64)
	return int(v)
}

func (p *Params) Int64(name string) int64 {
	v, _ := p.values[name].(int64)
	return v
}

func (p *Params) Float(name string) float64 {
	switch v := p.values[name].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	}
	return 0
}

func (p *Params) String(name string) string {
	v, _ := p.values[name].(string)
	return v
}

func (p *Params) Bool(name string) bool {
	v, _ := p.values[name].(bool)
	return v
}

// Raw returns the untyped value for object/array fields, nil if absent.
func (p *Params) Raw(name string) any { return p.values[name] }

// Has reports whether the field was supplied (or defaulted).
func (p *Params) Has(name string) bool {
	_, ok := p.values[name]
	return ok
}

// ExtractParams applies a method schema to a raw params member. Both
// by-name (object) and by-position (array, schema order) forms are
// accepted; nil params are valid for schemas with no required fields.
func ExtractParams(schema []Field, raw json.RawMessage) (*Params, *Error) {
	named := make(map[string]json.RawMessage)

	if len(raw) > 0 && string(raw) != "null" {
		switch raw[0] {
		case '{':
			if err := json.Unmarshal(raw, &named); err != nil {
				return nil, InvalidParams("params object: %v", err)
			}
		case '[':
			var pos []json.RawMessage
			if err := json.Unmarshal(raw, &pos); err != nil {
				return nil, InvalidParams("params array: %v", err)
			}
			if len(pos) > len(schema) {
				return nil, InvalidParams("too many positional params: got %d, schema has %d", len(pos), len(schema))
			}
			for i, v := range pos {
				named[schema[i].Name] = v
			}
		default:
			return nil, InvalidParams("params must be an object or an array")
		}
	}

	out := &Params{values: make(map[string]any, len(schema))}
	for _, f := range schema {
		rawVal, ok := named[f.Name]
		if !ok {
			if f.Required {
				return nil, InvalidParams("missing required param %q", f.Name)
			}
			if f.Default != nil {
				out.values[f.Name] = normalizeDefault(f.Default)
			}
			continue
		}
		v, err := coerce(f, rawVal)
		if err != nil {
			return nil, err
		}
		out.values[f.Name] = v
	}
	return out, nil
}

func coerce(f Field, raw json.RawMessage) (any, *Error) {
	switch f.Type {
	case TypeInt:
		var n float64
		if err := json.Unmarshal(raw, &n); err != nil {
			return nil, InvalidParams("param %q: expected %s", f.Name, f.Type)
		}
		if n != math.Trunc(n) {
			return nil, InvalidParams("param %q: expected %s, got fractional number", f.Name, f.Type)
		}
		v := int64(n)
		if f.HasRange && (v < f.Min || v > f.Max) {
			return nil, InvalidParams("param %q: %d out of range [%d, %d]", f.Name, v, f.Min, f.Max)
		}
		return v, nil
	case TypeFloat:
		var n float64
		if err := json.Unmarshal(raw, &n); err != nil {
			return nil, InvalidParams("param %q: expected %s", f.Name, f.Type)
		}
		return n, nil
	case TypeString:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, InvalidParams("param %q: expected %s", f.Name, f.Type)
		}
		return s, nil
	case TypeBool:
		var b bool
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, InvalidParams("param %q: expected %s", f.Name, f.Type)
		}
		return b, nil
	case TypeObject:
		var m map[string]any
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, InvalidParams("param %q: expected %s", f.Name, f.Type)
		}
		return m, nil
	case TypeArray:
		var a []any
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, InvalidParams("param %q: expected %s", f.Name, f.Type)
		}
		return a, nil
	}
	return nil, InvalidParams("param %q: unsupported schema type", f.Name)
}

func normalizeDefault(v any) any {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int32:
		return int64(n)
	default:
		return v
	}
}
