package config

import (
	"math"
	"strconv"
	"strings"
	"time"
)

// Config is a read-only tree of settings decoded from YAML or JSON.
// Accessors never fail: a missing key or a value of the wrong shape yields
// the caller's default.
type Config struct {
	data map[string]any
}

// New wraps data. A nil map gives an empty Config.
func New(data map[string]any) Config {
	if data == nil {
		data = map[string]any{}
	}
	return Config{data: data}
}

// Raw returns the underlying map. Callers must not modify it.
func (c Config) Raw() map[string]any {
	return c.data
}

// Has reports whether key resolves to a value.
func (c Config) Has(key string) bool {
	_, ok := c.value(key)
	return ok
}

// value resolves key. A literal top-level key wins; otherwise the key is
// split on '.' and walked through nested sections.
func (c Config) value(key string) (any, bool) {
	if v, ok := c.data[key]; ok {
		return v, true
	}
	head, rest, nested := strings.Cut(key, ".")
	if !nested {
		return nil, false
	}
	section, ok := section(c.data[head])
	if !ok {
		return nil, false
	}
	return New(section).value(rest)
}

// section normalizes the map shapes produced by the YAML and JSON decoders.
func section(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			ks, ok := k.(string)
			if !ok {
				return nil, false
			}
			out[ks] = val
		}
		return out, true
	default:
		return nil, false
	}
}

// Sub returns the section at key as its own Config, empty when key is
// missing or not a section.
func (c Config) Sub(key string) Config {
	v, ok := c.value(key)
	if !ok {
		return New(nil)
	}
	m, ok := section(v)
	if !ok {
		return New(nil)
	}
	return New(m)
}

// String returns a string value. Other scalar types are not converted.
func (c Config) String(key, def string) string {
	if s, ok := lookup(c, key, asString); ok {
		return s
	}
	return def
}

// Int returns an integer value. Floats convert only without a fraction;
// strings are parsed as base-10 integers.
func (c Config) Int(key string, def int) int {
	if n, ok := lookup(c, key, asInt); ok {
		return n
	}
	return def
}

// Float returns a float value from any numeric value or numeric string.
func (c Config) Float(key string, def float64) float64 {
	if f, ok := lookup(c, key, asFloat); ok {
		return f
	}
	return def
}

// Bool returns a boolean value. Strings accepted by strconv.ParseBool
// convert.
func (c Config) Bool(key string, def bool) bool {
	if b, ok := lookup(c, key, asBool); ok {
		return b
	}
	return def
}

// Duration returns a duration. Strings use time.ParseDuration; numbers are
// seconds.
func (c Config) Duration(key string, def time.Duration) time.Duration {
	if d, ok := lookup(c, key, asDuration); ok {
		return d
	}
	return def
}

// StringSlice returns a list of strings. A list holding anything other than
// strings yields def.
func (c Config) StringSlice(key string, def []string) []string {
	if s, ok := lookup(c, key, asStrings); ok {
		return s
	}
	return def
}

func lookup[T any](c Config, key string, conv func(any) (T, bool)) (T, bool) {
	v, ok := c.value(key)
	if !ok {
		var zero T
		return zero, false
	}
	return conv(v)
}

func asString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case uint64:
		if n <= math.MaxInt64 {
			return int(n), true
		}
	case float64:
		if n == math.Trunc(n) {
			return int(n), true
		}
	case string:
		if i, err := strconv.Atoi(strings.TrimSpace(n)); err == nil {
			return i, true
		}
	}
	return 0, false
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(n), 64); err == nil {
			return f, true
		}
	}
	return 0, false
}

func asBool(v any) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	case string:
		if parsed, err := strconv.ParseBool(strings.TrimSpace(b)); err == nil {
			return parsed, true
		}
	}
	return false, false
}

func asDuration(v any) (time.Duration, bool) {
	switch d := v.(type) {
	case time.Duration:
		return d, true
	case string:
		if parsed, err := time.ParseDuration(strings.TrimSpace(d)); err == nil {
			return parsed, true
		}
		return 0, false
	}
	if secs, ok := asFloat(v); ok {
		return time.Duration(secs * float64(time.Second)), true
	}
	return 0, false
}

func asStrings(v any) ([]string, bool) {
	switch list := v.(type) {
	case []string:
		return list, true
	case []any:
		out := make([]string, len(list))
		for i, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out[i] = s
		}
		return out, true
	}
	return nil, false
}
