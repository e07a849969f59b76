package models

import (
	"sort"
	"strconv"
)

// Context is the key/value state accumulated across a conversation.
// Treat it as a value: With and Without return modified copies and never
// touch the receiver.
type Context map[string]string

// Clone returns an independent copy. A nil Context clones to an empty one.
func (c Context) Clone() Context {
	out := make(Context, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Get returns the value for key, or "" when absent.
func (c Context) Get(key string) string {
	return c[key]
}

// Has reports whether key is present.
func (c Context) Has(key string) bool {
	_, ok := c[key]
	return ok
}

// Int parses the value for key as an integer, returning def when absent or invalid.
func (c Context) Int(key string, def int) int {
	v, ok := c[key]
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// With returns a copy with the given key/value pairs applied.
// kv must have an even length; a trailing odd key is ignored.
func (c Context) With(kv ...string) Context {
	out := c.Clone()
	for i := 0; i+1 < len(kv); i += 2 {
		out[kv[i]] = kv[i+1]
	}
	return out
}

// Merge returns a copy with every entry of m applied.
func (c Context) Merge(m map[string]string) Context {
	out := c.Clone()
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Without returns a copy with the given keys removed.
func (c Context) Without(keys ...string) Context {
	out := c.Clone()
	for _, k := range keys {
		delete(out, k)
	}
	return out
}

// Keys returns the sorted keys.
func (c Context) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
