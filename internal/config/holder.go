package config

import (
	"crypto/subtle"
	"slices"
	"strings"
	"sync/atomic"
)

// Holder owns the active Config. Reads are lock-free; Reload swaps the whole
// Config as a unit or keeps the previous one when the new one is invalid.
type Holder struct {
	path string
	cur  atomic.Pointer[Config]
	load func(string) (Config, error)
}

// NewHolder wraps an already loaded cfg; Reload re-reads path.
func NewHolder(path string, cfg Config) *Holder {
	h := &Holder{path: path, load: Load}
	h.cur.Store(&cfg)
	return h
}

// Get returns the active configuration.
func (h *Holder) Get() Config { return *h.cur.Load() }

// Reload re-reads the file and environment. On error the active config is untouched.
func (h *Holder) Reload() (Config, error) {
	cfg, err := h.load(h.path)
	if err != nil {
		return h.Get(), err
	}
	h.cur.Store(&cfg)
	return cfg, nil
}

// IsAdminKey reports whether key is one of the configured admin API keys.
func (h *Holder) IsAdminKey(key string) bool {
	if key == "" {
		return false
	}
	found := 0
	for _, k := range h.cur.Load().AdminAPIKeys {
		found |= subtle.ConstantTimeCompare([]byte(k), []byte(key))
	}
	return found == 1
}

// TypeSet is the runtime-checked set of allowed service types.
type TypeSet struct{ types []string }

// NewTypeSet builds a set from already normalized types.
func NewTypeSet(types []string) TypeSet { return TypeSet{types: normalizeTypes(types)} }

// Normalize returns the canonical (lowercase) form of t and whether it is allowed.
func (s TypeSet) Normalize(t string) (string, bool) {
	t = strings.ToLower(strings.TrimSpace(t))
	return t, slices.Contains(s.types, t)
}

// Default is the type assigned when a service is created without one.
func (s TypeSet) Default() string {
	if slices.Contains(s.types, "unknown") || len(s.types) == 0 {
		return "unknown"
	}
	return s.types[0]
}

// List returns a copy of the allowed types.
func (s TypeSet) List() []string { return slices.Clone(s.types) }
