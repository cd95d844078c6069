package indicators

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strings"
)

// ParamType enumerates the primitive types a parameter definition accepts.
type ParamType string

const (
	TypeInt    ParamType = "int"
	TypeFloat  ParamType = "float"
	TypeBool   ParamType = "boolean"
	TypeString ParamType = "string"
	TypeJSON   ParamType = "json"
)

// ParamDef declares one algorithm parameter: its type, default, bounds, and
// whether a variant must provide it. The repository validates every written
// parameter against these definitions.
type ParamDef struct {
	Name          string        `json:"name"`
	Type          ParamType     `json:"type"`
	Default       interface{}   `json:"default,omitempty"`
	Min           *float64      `json:"min,omitempty"`
	Max           *float64      `json:"max,omitempty"`
	AllowedValues []interface{} `json:"allowed_values,omitempty"`
	Required      bool          `json:"required,omitempty"`
	Description   string        `json:"description,omitempty"`
}

// Float64Ptr is a convenience for Min/Max literals in definitions.
func Float64Ptr(v float64) *float64 { return &v }

// Coerce validates a raw value against the definition and returns its
// canonical form: int64 for int, float64 for float, bool, string, or the
// decoded JSON value. Coercion rules:
//
//	int     accepts integer-valued floats and numeric strings
//	float   accepts int, float, and numeric strings
//	boolean accepts bool or {true,1,yes,on} / {false,0,no,off} (any case)
//	string  stringifies non-string primitives
//	json    accepts a decoded object or a JSON-encoded string
//
// Range checks apply to numeric types; AllowedValues is a membership check.
func (d ParamDef) Coerce(value interface{}) (interface{}, error) {
	switch d.Type {
	case TypeInt:
		f, ok := toFloat(value)
		if !ok {
			return nil, invalidParam(d.Name, "expected int, got %T", value)
		}
		if f != math.Trunc(f) {
			return nil, invalidParam(d.Name, "expected integer value, got %v", value)
		}
		if err := d.checkRange(f); err != nil {
			return nil, err
		}
		iv := int64(f)
		if err := d.checkAllowed(iv, f); err != nil {
			return nil, err
		}
		return iv, nil

	case TypeFloat:
		f, ok := toFloat(value)
		if !ok {
			return nil, invalidParam(d.Name, "expected float, got %T", value)
		}
		if err := d.checkRange(f); err != nil {
			return nil, err
		}
		if err := d.checkAllowed(f, f); err != nil {
			return nil, err
		}
		return f, nil

	case TypeBool:
		b, ok := toBool(value)
		if !ok {
			return nil, invalidParam(d.Name, "expected boolean, got %v", value)
		}
		return b, nil

	case TypeString:
		var s string
		if str, ok := value.(string); ok {
			s = str
		} else {
			s = fmt.Sprintf("%v", value)
		}
		if len(d.AllowedValues) > 0 && !d.allowedContains(s) {
			return nil, invalidParam(d.Name, "value %q not in allowed set %v", s, d.AllowedValues)
		}
		return s, nil

	case TypeJSON:
		switch t := value.(type) {
		case string:
			var out interface{}
			if err := json.Unmarshal([]byte(t), &out); err != nil {
				return nil, invalidParam(d.Name, "invalid JSON string: %v", err)
			}
			return out, nil
		case map[string]interface{}, []interface{}:
			return t, nil
		default:
			return nil, invalidParam(d.Name, "expected JSON object or encoded string, got %T", value)
		}

	default:
		return nil, invalidParam(d.Name, "unknown parameter type %q", d.Type)
	}
}

func (d ParamDef) checkRange(f float64) error {
	if d.Min != nil && f < *d.Min {
		return invalidParam(d.Name, "value %v below minimum %v", f, *d.Min)
	}
	if d.Max != nil && f > *d.Max {
		return invalidParam(d.Name, "value %v above maximum %v", f, *d.Max)
	}
	return nil
}

func (d ParamDef) checkAllowed(canonical interface{}, f float64) error {
	if len(d.AllowedValues) == 0 {
		return nil
	}
	for _, allowed := range d.AllowedValues {
		if af, ok := toFloat(allowed); ok && af == f {
			return nil
		}
		if reflect.DeepEqual(allowed, canonical) {
			return nil
		}
	}
	return invalidParam(d.Name, "value %v not in allowed set %v", canonical, d.AllowedValues)
}

func (d ParamDef) allowedContains(s string) bool {
	for _, allowed := range d.AllowedValues {
		if as, ok := allowed.(string); ok && strings.EqualFold(as, s) {
			return true
		}
	}
	return false
}
