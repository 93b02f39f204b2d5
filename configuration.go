package qtdi

import (
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/GoCodeAlone/qtdi/settings"
)

// Reserved configuration keys interpreted by the container itself.
const (
	// KeyEnableAutoRefresh turns the configuration refresh service on.
	KeyEnableAutoRefresh = "qtdi/enableAutoRefresh"

	// KeyAutoRefreshMillis sets the refresh polling cadence in
	// milliseconds. Default 1000.
	KeyAutoRefreshMillis = "qtdi/autoRefreshMillis"

	// KeyAutoRefreshSpec sets an optional cron spec for the refresh
	// cadence, overriding the millisecond ticker.
	KeyAutoRefreshSpec = "qtdi/autoRefreshSpec"

	// KeyActiveProfiles lists the active profiles, comma-separated or as
	// a string list.
	KeyActiveProfiles = "qtdi/activeProfiles"

	// KeyEnableProfileSpecificSettings opts a settings source into
	// profile-specific overlay variants.
	KeyEnableProfileSpecificSettings = "qtdi/enableProfileSpecificSettings"

	// EnvActiveProfiles is the environment override for the active
	// profile set.
	EnvActiveProfiles = "QTDI_ACTIVE_PROFILES"
)

func profilesFromEnvironment() []string {
	raw, ok := os.LookupEnv(EnvActiveProfiles)
	if !ok {
		return nil
	}
	return splitProfileList(raw)
}

// splitProfileList accepts comma or whitespace separated profile names.
func splitProfileList(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t'
	})
	var profiles []string
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			profiles = append(profiles, f)
		}
	}
	return profiles
}

// profileList normalizes a configuration value into profile names. It
// accepts a string (comma-separated) or a list of values.
func profileList(value any) []string {
	switch v := value.(type) {
	case string:
		return splitProfileList(v)
	case []string:
		return slices.Clone(v)
	case []any:
		var profiles []string
		for _, item := range v {
			profiles = append(profiles, fmt.Sprintf("%v", item))
		}
		return profiles
	default:
		return splitProfileList(fmt.Sprintf("%v", value))
	}
}

// RegisterSettingsSource appends a configuration source consulted after
// the environment and any profile-specific overlays.
func (c *StdContainer) RegisterSettingsSource(src settings.Source) error {
	if err := c.checkOwner(); err != nil {
		return err
	}
	if src == nil {
		return ErrNilSettingsSource
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrContainerDestroyed
	}
	c.sources = append(c.sources, src)
	c.mu.Unlock()

	c.logger.Debug("Registered settings source", "name", src.ApplicationName())
	c.refresh.watchSource(src)
	return nil
}

// ActiveProfiles returns the active profile set. Precedence: an explicit
// SetActiveProfiles call, then the QTDI_ACTIVE_PROFILES environment
// variable, then the qtdi/activeProfiles configuration key, then the
// implicit {"default"}.
func (c *StdContainer) ActiveProfiles() []string {
	c.mu.RLock()
	if c.profilesExplicit {
		profiles := slices.Clone(c.profiles)
		c.mu.RUnlock()
		return profiles
	}
	sources := slices.Clone(c.sources)
	c.mu.RUnlock()

	if len(c.envProfiles) > 0 {
		return slices.Clone(c.envProfiles)
	}
	for _, src := range sources {
		if value, ok := src.Get(KeyActiveProfiles); ok {
			if profiles := profileList(value); len(profiles) > 0 {
				return profiles
			}
		}
	}
	return []string{"default"}
}

// SetActiveProfiles replaces the active profile set. Once a service with
// a profile condition has been published the set is frozen; later calls
// are logged and ignored.
func (c *StdContainer) SetActiveProfiles(profiles ...string) error {
	if err := c.checkOwner(); err != nil {
		return err
	}
	if len(profiles) == 0 {
		return ErrProfilesEmpty
	}
	c.mu.Lock()
	if c.profilesLocked {
		c.mu.Unlock()
		c.logger.Warn("Ignoring profile change after profile-conditional publication", "profiles", profiles)
		return nil
	}
	c.profiles = slices.Clone(profiles)
	c.profilesExplicit = true
	c.mu.Unlock()

	c.emitEvent(EventTypeActiveProfilesChanged, map[string]any{"profiles": profiles})
	return nil
}

// lockProfiles freezes the active profile set. Called when a
// profile-conditional registration publishes a service.
func (c *StdContainer) lockProfiles() {
	c.mu.Lock()
	if !c.profilesLocked {
		c.profilesLocked = true
		if !c.profilesExplicit {
			// Freeze whatever the sources currently yield so later
			// source changes cannot shift the set.
			c.mu.Unlock()
			profiles := c.ActiveProfiles()
			c.mu.Lock()
			c.profiles = profiles
			c.profilesExplicit = true
		}
	}
	c.mu.Unlock()
}

// ConfigurationValue looks a key up across the environment, any
// profile-specific source variants, and the general sources in
// registration order.
func (c *StdContainer) ConfigurationValue(key string) (any, bool) {
	if value, ok := os.LookupEnv(strings.ReplaceAll(key, "/", ".")); ok {
		return value, true
	}
	for _, src := range c.profileVariants() {
		if value, ok := src.Get(key); ok {
			return value, true
		}
	}
	c.mu.RLock()
	sources := slices.Clone(c.sources)
	c.mu.RUnlock()
	for _, src := range sources {
		if value, ok := src.Get(key); ok {
			return value, true
		}
	}
	return nil, false
}

// profileVariants returns the profile-specific overlay sources for all
// active profiles other than "default", in source registration order.
// Variants are created lazily through settings.ProfileAware for sources
// opting in via qtdi/enableProfileSpecificSettings, and cached.
func (c *StdContainer) profileVariants() []settings.Source {
	profiles := c.ActiveProfiles()
	c.mu.RLock()
	sources := slices.Clone(c.sources)
	c.mu.RUnlock()

	var variants []settings.Source
	for _, profile := range profiles {
		if profile == "default" {
			continue
		}
		for _, src := range sources {
			if variant := c.profileVariant(src, profile); variant != nil {
				variants = append(variants, variant)
			}
		}
	}
	return variants
}

func (c *StdContainer) profileVariant(src settings.Source, profile string) settings.Source {
	aware, ok := src.(settings.ProfileAware)
	if !ok {
		return nil
	}
	if value, ok := src.Get(KeyEnableProfileSpecificSettings); !ok || !truthy(value) {
		return nil
	}
	cacheKey := fmt.Sprintf("%p\x00%s", src, profile)

	c.mu.RLock()
	variant, cached := c.profileSources[cacheKey]
	missing := c.noVariant[cacheKey]
	c.mu.RUnlock()
	if cached {
		return variant
	}
	if missing {
		return nil
	}

	variant, err := aware.ProfileVariant(profile)
	c.mu.Lock()
	if err != nil || variant == nil {
		c.noVariant[cacheKey] = true
		c.mu.Unlock()
		if err != nil {
			c.logger.Debug("No profile-specific settings variant",
				"source", src.ApplicationName(), "profile", profile, "error", err)
		}
		return nil
	}
	c.profileSources[cacheKey] = variant
	c.mu.Unlock()

	c.logger.Debug("Loaded profile-specific settings",
		"source", src.ApplicationName(), "profile", profile)
	c.refresh.watchSource(variant)
	return variant
}

func truthy(value any) bool {
	switch v := value.(type) {
	case bool:
		return v
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "1", "yes", "on":
			return true
		}
		return false
	case int:
		return v != 0
	case int64:
		return v != 0
	case float64:
		return v != 0
	default:
		return false
	}
}

// ConfigurationKeys enumerates all keys under a section prefix across
// the profile-specific and general sources, deduplicated and preserving
// first-seen order.
func (c *StdContainer) ConfigurationKeys(section string) []string {
	prefix := section
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	c.mu.RLock()
	sources := slices.Clone(c.sources)
	c.mu.RUnlock()
	all := append(c.profileVariants(), sources...)

	seen := make(map[string]bool)
	var keys []string
	for _, src := range all {
		for _, key := range src.Keys() {
			if prefix != "" && !strings.HasPrefix(key, prefix) {
				continue
			}
			if !seen[key] {
				seen[key] = true
				keys = append(keys, key)
			}
		}
	}
	return keys
}

// ResolveConfigValue parses and resolves a configuration expression
// against the facade. A plain key (no placeholder syntax) is treated as
// a direct lookup.
func (c *StdContainer) ResolveConfigValue(expression string) (any, error) {
	expr, err := c.parsedExpression(expression)
	if err != nil {
		return nil, err
	}
	if !expr.HasPlaceholders() {
		if value, ok := c.ConfigurationValue(expression); ok {
			return value, nil
		}
		return nil, fmt.Errorf("%w: %q", ErrUnresolvedPlaceholder, expression)
	}
	return expr.resolve(c.ConfigurationValue, "", make(map[string]any))
}
