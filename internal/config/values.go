package config

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Values is an insertion-ordered mapping. Setting an existing key keeps its
// position; new keys are appended.
type Values struct {
	keys []string
	m    map[string]any
}

// NewValues returns an empty mapping.
func NewValues() *Values {
	return &Values{m: make(map[string]any)}
}

// Set stores v under key.
func (v *Values) Set(key string, val any) {
	if v.m == nil {
		v.m = make(map[string]any)
	}
	if _, ok := v.m[key]; !ok {
		v.keys = append(v.keys, key)
	}
	v.m[key] = val
}

// Lookup returns the value stored under exactly key.
func (v *Values) Lookup(key string) (any, bool) {
	if v == nil {
		return nil, false
	}
	val, ok := v.m[key]
	return val, ok
}

// Get tries key as given, then lowercased, then uppercased.
func (v *Values) Get(key string) (any, bool) {
	if val, ok := v.Lookup(key); ok {
		return val, true
	}
	if val, ok := v.Lookup(strings.ToLower(key)); ok {
		return val, true
	}
	return v.Lookup(strings.ToUpper(key))
}

// GetOr returns Get(key) or def when the key is absent.
func (v *Values) GetOr(key string, def any) any {
	if val, ok := v.Get(key); ok {
		return val
	}
	return def
}

// Keys returns the keys in insertion order.
func (v *Values) Keys() []string {
	if v == nil {
		return nil
	}
	out := make([]string, len(v.keys))
	copy(out, v.keys)
	return out
}

// Len returns the number of keys.
func (v *Values) Len() int {
	if v == nil {
		return 0
	}
	return len(v.keys)
}

// Merge overlays other onto v in other's key order.
func (v *Values) Merge(other *Values) {
	for _, k := range other.Keys() {
		val, _ := other.Lookup(k)
		v.Set(k, val)
	}
}

// Truthy reports whether a config value counts as enabled: false for nil,
// false, zero numbers and empty strings or collections.
func Truthy(val any) bool {
	switch t := val.(type) {
	case nil:
		return false
	case bool:
		return t
	case int:
		return t != 0
	case int64:
		return t != 0
	case uint64:
		return t != 0
	case float64:
		return t != 0
	case string:
		return t != ""
	case []any:
		return len(t) > 0
	case *Values:
		return t.Len() > 0
	default:
		return true
	}
}

// Text renders a config value the way it reads in a YAML file or on the
// command line.
func Text(val any) string {
	switch t := val.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		if t {
			return "True"
		}
		return "False"
	case float64:
		return formatFloat(t)
	default:
		return fmt.Sprint(t)
	}
}

// formatFloat writes f the way a YAML author expects it back: whole numbers
// keep ".0" and exponents appear only for very large or small magnitudes.
func formatFloat(f float64) string {
	switch {
	case math.IsNaN(f):
		return "nan"
	case math.IsInf(f, 1):
		return "inf"
	case math.IsInf(f, -1):
		return "-inf"
	}
	e := strconv.FormatFloat(f, 'e', -1, 64)
	exp, _ := strconv.Atoi(e[strings.LastIndexByte(e, 'e')+1:])
	if f != 0 && (exp < -4 || exp >= 16) {
		return e
	}
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.ContainsAny(s, ".") {
		s += ".0"
	}
	return s
}

// IsBlank reports whether val is missing or renders as whitespace only.
func IsBlank(val any) bool {
	return val == nil || strings.TrimSpace(Text(val)) == ""
}
