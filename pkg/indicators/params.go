package indicators

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Params is the keyed parameter map passed to every algorithm. Values come
// from validated variant JSON or from per-instance overrides, so accessors
// are tolerant about numeric representation (int, float64, numeric string).
type Params map[string]interface{}

// refreshOverrideKeys are recognized in order; the first present wins.
// Writers should use the first key, the rest exist for variants authored
// under the old names.
var refreshOverrideKeys = []string{
	"refresh_interval_seconds",
	"refresh_interval_override",
	"r",
}

// Float returns the parameter as float64, or def when absent or
// unconvertible.
func (p Params) Float(key string, def float64) float64 {
	if v, ok := p[key]; ok {
		if f, ok := toFloat(v); ok {
			return f
		}
	}
	return def
}

// Int returns the parameter as int, or def when absent or unconvertible.
func (p Params) Int(key string, def int) int {
	if v, ok := p[key]; ok {
		if f, ok := toFloat(v); ok && f == math.Trunc(f) {
			return int(f)
		}
	}
	return def
}

// Bool returns the parameter as bool, or def when absent or unconvertible.
func (p Params) Bool(key string, def bool) bool {
	if v, ok := p[key]; ok {
		if b, ok := toBool(v); ok {
			return b
		}
	}
	return def
}

// Str returns the parameter as string, or def when absent.
func (p Params) Str(key string, def string) string {
	if v, ok := p[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
		return fmt.Sprintf("%v", v)
	}
	return def
}

// JSON returns the parameter as a decoded JSON value. String values are
// decoded; maps and slices pass through.
func (p Params) JSON(key string) (interface{}, bool) {
	v, ok := p[key]
	if !ok {
		return nil, false
	}
	switch t := v.(type) {
	case string:
		var out interface{}
		if err := json.Unmarshal([]byte(t), &out); err != nil {
			return nil, false
		}
		return out, true
	default:
		return v, true
	}
}

// RefreshOverride reports a caller-requested refresh interval in seconds.
func (p Params) RefreshOverride() (float64, bool) {
	for _, key := range refreshOverrideKeys {
		if v, ok := p[key]; ok {
			if f, ok := toFloat(v); ok && f > 0 {
				return f, true
			}
		}
	}
	return 0, false
}

// Merge returns a copy of p with overrides applied on top. Nil maps are
// tolerated on both sides.
func (p Params) Merge(overrides Params) Params {
	out := make(Params, len(p)+len(overrides))
	for k, v := range p {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}

// CanonicalJSON serializes the parameters with sorted keys, the form the
// variant repository persists and the engines deduplicate on.
func (p Params) CanonicalJSON() (string, error) {
	// encoding/json sorts map keys; normalize nested values through a
	// round-trip so int/float representation differences collapse.
	raw, err := json.Marshal(map[string]interface{}(p))
	if err != nil {
		return "", err
	}
	var norm map[string]interface{}
	if err := json.Unmarshal(raw, &norm); err != nil {
		return "", err
	}
	out, err := json.Marshal(norm)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func toFloat(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint:
		return float64(t), true
	case uint64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

var (
	truthy = map[string]bool{"true": true, "1": true, "yes": true, "on": true}
	falsy  = map[string]bool{"false": true, "0": true, "no": true, "off": true}
)

func toBool(v interface{}) (bool, bool) {
	switch t := v.(type) {
	case bool:
		return t, true
	case string:
		s := strings.ToLower(strings.TrimSpace(t))
		if truthy[s] {
			return true, true
		}
		if falsy[s] {
			return false, true
		}
		return false, false
	case float64, float32, int, int32, int64, uint, uint64, json.Number:
		f, _ := toFloat(v)
		if f == 1 {
			return true, true
		}
		if f == 0 {
			return false, true
		}
		return false, false
	default:
		return false, false
	}
}
