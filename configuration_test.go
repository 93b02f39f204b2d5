package qtdi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoCodeAlone/qtdi/settings"
)

func TestConfigurationValueSourceOrder(t *testing.T) {
	c := newTestContainer(t)
	require.NoError(t, c.RegisterSettingsSource(settings.NewMap("first", map[string]any{
		"shared": "from-first",
		"only":   "first-only",
	})))
	require.NoError(t, c.RegisterSettingsSource(settings.NewMap("second", map[string]any{
		"shared": "from-second",
	})))

	value, ok := c.ConfigurationValue("shared")
	require.True(t, ok)
	assert.Equal(t, "from-first", value)

	value, ok = c.ConfigurationValue("only")
	require.True(t, ok)
	assert.Equal(t, "first-only", value)

	_, ok = c.ConfigurationValue("missing")
	assert.False(t, ok)
}

func TestConfigurationValueEnvironmentWins(t *testing.T) {
	t.Setenv("app.port", "9999")
	c := newTestContainer(t)
	require.NoError(t, c.RegisterSettingsSource(settings.NewMap("app", map[string]any{
		"app/port": 8080,
	})))

	value, ok := c.ConfigurationValue("app/port")
	require.True(t, ok)
	assert.Equal(t, "9999", value)
}

func TestConfigurationKeysDeduplicatesFirstSeen(t *testing.T) {
	c := newTestContainer(t)
	require.NoError(t, c.RegisterSettingsSource(settings.NewMap("first", map[string]any{
		"db/host": "localhost",
		"db/port": 5432,
	})))
	require.NoError(t, c.RegisterSettingsSource(settings.NewMap("second", map[string]any{
		"db/host": "other",
		"db/name": "app",
	})))

	keys := c.ConfigurationKeys("db")
	assert.ElementsMatch(t, []string{"db/host", "db/port", "db/name"}, keys)

	count := 0
	for _, k := range keys {
		if k == "db/host" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestResolveConfigValuePlainKeyAndExpression(t *testing.T) {
	c := newTestContainer(t)
	require.NoError(t, c.RegisterSettingsSource(settings.NewMap("app", map[string]any{
		"host": "localhost",
		"port": 5432,
	})))

	value, err := c.ResolveConfigValue("host")
	require.NoError(t, err)
	assert.Equal(t, "localhost", value)

	value, err = c.ResolveConfigValue("${host}:${port}")
	require.NoError(t, err)
	assert.Equal(t, "localhost:5432", value)

	_, err = c.ResolveConfigValue("${missing}")
	assert.ErrorIs(t, err, ErrUnresolvedPlaceholder)
}

func TestActiveProfilesDefault(t *testing.T) {
	c := newTestContainer(t)
	assert.Equal(t, []string{"default"}, c.ActiveProfiles())
}

func TestActiveProfilesExplicitBeatsSources(t *testing.T) {
	c := newTestContainer(t)
	require.NoError(t, c.RegisterSettingsSource(settings.NewMap("app", map[string]any{
		KeyActiveProfiles: "from-source",
	})))
	assert.Equal(t, []string{"from-source"}, c.ActiveProfiles())

	require.NoError(t, c.SetActiveProfiles("explicit"))
	assert.Equal(t, []string{"explicit"}, c.ActiveProfiles())
}

func TestSetActiveProfilesRejectsEmpty(t *testing.T) {
	c := newTestContainer(t)
	assert.ErrorIs(t, c.SetActiveProfiles(), ErrProfilesEmpty)
}

func TestProfileSpecificSettingsOverlay(t *testing.T) {
	c := newTestContainer(t)

	base := settings.NewMap("app", map[string]any{
		KeyEnableProfileSpecificSettings: true,
		"greeting":                       "hello",
	})
	base.SeedProfile("staging", map[string]any{
		"greeting": "hello from staging",
	})
	require.NoError(t, c.RegisterSettingsSource(base))
	require.NoError(t, c.SetActiveProfiles("staging"))

	value, ok := c.ConfigurationValue("greeting")
	require.True(t, ok)
	assert.Equal(t, "hello from staging", value)
}

func TestProfileSpecificSettingsRequireOptIn(t *testing.T) {
	c := newTestContainer(t)

	base := settings.NewMap("app", map[string]any{"greeting": "hello"})
	base.SeedProfile("staging", map[string]any{"greeting": "overlay"})
	require.NoError(t, c.RegisterSettingsSource(base))
	require.NoError(t, c.SetActiveProfiles("staging"))

	value, ok := c.ConfigurationValue("greeting")
	require.True(t, ok)
	assert.Equal(t, "hello", value)
}
