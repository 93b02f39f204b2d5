package settings

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapFlattensNestedValues(t *testing.T) {
	m := NewMap("app", map[string]any{
		"timers": map[string]any{
			"main": map[string]any{"interval": 250},
		},
		"name": "demo",
	})

	value, ok := m.Get("timers/main/interval")
	require.True(t, ok)
	assert.Equal(t, 250, value)

	value, ok = m.Get("name")
	require.True(t, ok)
	assert.Equal(t, "demo", value)

	_, ok = m.Get("timers")
	assert.False(t, ok)

	assert.Equal(t, []string{"name", "timers/main/interval"}, m.Keys())
	assert.Equal(t, "app", m.ApplicationName())
}

func TestMapListsStayLeaves(t *testing.T) {
	m := NewMap("app", map[string]any{
		"servers": []any{"alpha", "beta"},
	})

	value, ok := m.Get("servers")
	require.True(t, ok)
	assert.Equal(t, []any{"alpha", "beta"}, value)
}

func TestMapSetAndDelete(t *testing.T) {
	m := NewMap("app", nil)

	m.Set("port", 8080)
	value, ok := m.Get("port")
	require.True(t, ok)
	assert.Equal(t, 8080, value)

	m.Set("db", map[string]any{"host": "localhost"})
	value, ok = m.Get("db/host")
	require.True(t, ok)
	assert.Equal(t, "localhost", value)

	m.Delete("port")
	_, ok = m.Get("port")
	assert.False(t, ok)
}

func TestMapProfileVariant(t *testing.T) {
	m := NewMap("app", map[string]any{"mode": "general"})
	m.SeedProfile("test", map[string]any{"mode": "testing"})

	variant, err := m.ProfileVariant("test")
	require.NoError(t, err)
	assert.Equal(t, "app-test", variant.ApplicationName())

	value, ok := variant.Get("mode")
	require.True(t, ok)
	assert.Equal(t, "testing", value)

	// The variant is created once and reused.
	again, err := m.ProfileVariant("test")
	require.NoError(t, err)
	assert.Same(t, variant, again)

	// The general source is untouched.
	value, _ = m.Get("mode")
	assert.Equal(t, "general", value)
}
