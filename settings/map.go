package settings

import (
	"fmt"
	"sort"
	"sync"
)

func fmtSprint(v any) string { return fmt.Sprintf("%v", v) }

// Map is a mutable in-memory settings source. It is the natural source
// for tests and for services that publish configuration at runtime.
// Nested maps are flattened to slash-separated keys on insertion.
type Map struct {
	mu       sync.RWMutex
	name     string
	values   map[string]any
	variants map[string]*Map
}

// NewMap creates an in-memory source with the given application name and
// initial values. The values map may be nested; it is flattened into
// slash-separated keys.
func NewMap(name string, values map[string]any) *Map {
	m := &Map{
		name:     name,
		values:   make(map[string]any),
		variants: make(map[string]*Map),
	}
	for key, value := range values {
		m.Set(key, value)
	}
	return m
}

// Get implements Source.
func (m *Map) Get(key string) (any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	value, ok := m.values[key]
	return value, ok
}

// Keys implements Source.
func (m *Map) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.values))
	for key := range m.values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// ApplicationName implements Source.
func (m *Map) ApplicationName() string { return m.name }

// Set stores a value. Nested maps are flattened under the given key.
func (m *Map) Set(key string, value any) {
	flat := make(map[string]any)
	flatten(key, value, flat)
	if len(flat) == 0 {
		flat[key] = value
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range flat {
		m.values[k] = v
	}
}

// Delete removes a key.
func (m *Map) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
}

// ProfileVariant implements ProfileAware. The sibling of an in-memory
// source is another in-memory source named "<name>-<profile>"; it is
// created on first use and can be seeded through SeedProfile.
func (m *Map) ProfileVariant(profile string) (Source, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	variant, ok := m.variants[profile]
	if !ok {
		variant = NewMap(m.name+"-"+profile, nil)
		m.variants[profile] = variant
	}
	return variant, nil
}

// SeedProfile stores profile-specific values, creating the sibling source
// when necessary.
func (m *Map) SeedProfile(profile string, values map[string]any) {
	variant, _ := m.ProfileVariant(profile)
	for key, value := range values {
		variant.(*Map).Set(key, value)
	}
}
