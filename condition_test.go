package qtdi

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

// stubConditionContext provides a fixed activation state for condition
// tests without spinning up a container.
type stubConditionContext struct {
	profiles []string
	config   map[string]any
}

func (s *stubConditionContext) ActiveProfiles() []string { return s.profiles }

func (s *stubConditionContext) ResolveConfigValue(expression string) (any, error) {
	if v, ok := s.config[expression]; ok {
		return v, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnresolvedPlaceholder, expression)
}

func TestAlwaysAndNever(t *testing.T) {
	ctx := &stubConditionContext{}

	assert.True(t, Always().Matches(ctx))
	assert.False(t, Never().Matches(ctx))
	assert.False(t, Always().HasProfiles())

	assert.True(t, Always().Equals(Never().Negate()))
	assert.True(t, Never().Equals(Always().Negate()))

	assert.True(t, Always().Overlaps(Always()))
	assert.False(t, Always().Overlaps(Never()))
	assert.False(t, Never().Overlaps(Always()))
}

func TestProfileConditionMatches(t *testing.T) {
	cond := ProfileIn("test", "mock")

	assert.True(t, cond.Matches(&stubConditionContext{profiles: []string{"mock"}}))
	assert.False(t, cond.Matches(&stubConditionContext{profiles: []string{"production"}}))
	assert.True(t, cond.HasProfiles())

	negated := cond.Negate()
	assert.False(t, negated.Matches(&stubConditionContext{profiles: []string{"mock"}}))
	assert.True(t, negated.Matches(&stubConditionContext{profiles: []string{"production"}}))
	assert.True(t, negated.Equals(ProfileNotIn("mock", "test")))
}

func TestProfileConditionNormalization(t *testing.T) {
	// Order, duplicates and surrounding whitespace do not affect equality.
	assert.True(t, ProfileIn("b", "a", " a ").Equals(ProfileIn("a", "b")))
	assert.False(t, ProfileIn("a").Equals(ProfileIn("a", "b")))
	assert.False(t, ProfileIn("a").Equals(ProfileNotIn("a")))
}

func TestProfileConditionOverlaps(t *testing.T) {
	cases := []struct {
		name     string
		a, b     Condition
		overlaps bool
	}{
		{"disjoint positive sets", ProfileIn("a"), ProfileIn("b"), false},
		{"intersecting positive sets", ProfileIn("a", "b"), ProfileIn("b", "c"), true},
		{"positive outside negated set", ProfileIn("a"), ProfileNotIn("b"), true},
		{"positive subset of negated set", ProfileIn("a"), ProfileNotIn("a", "b"), false},
		{"negated set covering positive", ProfileNotIn("a", "b"), ProfileIn("b"), false},
		{"two negations", ProfileNotIn("a"), ProfileNotIn("b"), true},
		{"profile vs always", ProfileIn("a"), Always(), true},
		{"profile vs never", ProfileIn("a"), Never(), false},
		{"profile vs config", ProfileIn("a"), ConfigExists("key"), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.overlaps, tc.a.Overlaps(tc.b))
		})
	}
}

func TestConfigExistsCondition(t *testing.T) {
	ctx := &stubConditionContext{config: map[string]any{"${feature}": "on"}}

	cond := ConfigExists("${feature}")
	assert.True(t, cond.Matches(ctx))
	assert.False(t, cond.Matches(&stubConditionContext{}))
	assert.False(t, cond.HasProfiles())

	negated := cond.Negate()
	assert.False(t, negated.Matches(ctx))
	assert.True(t, negated.Matches(&stubConditionContext{}))
	assert.False(t, cond.Equals(negated))
}

func TestConfigCompareCondition(t *testing.T) {
	ctx := &stubConditionContext{config: map[string]any{"${threads}": 8, "${name}": "beta"}}

	// Numeric comparison when both sides parse as numbers.
	assert.True(t, ConfigCompare("${threads}", CompareGreater, "4").Matches(ctx))
	assert.False(t, ConfigCompare("${threads}", CompareLess, "4").Matches(ctx))
	assert.True(t, ConfigCompare("${threads}", CompareEquals, "8").Matches(ctx))
	assert.True(t, ConfigCompare("${threads}", CompareGreaterEquals, "8").Matches(ctx))

	// Lexicographic fallback.
	assert.True(t, ConfigCompare("${name}", CompareGreater, "alpha").Matches(ctx))
	assert.True(t, ConfigCompare("${name}", CompareNotEquals, "alpha").Matches(ctx))

	// Unresolvable expressions never match.
	assert.False(t, ConfigCompare("${missing}", CompareEquals, "x").Matches(ctx))

	negated := ConfigCompare("${threads}", CompareLess, "4").Negate()
	assert.True(t, negated.Matches(ctx))
	assert.True(t, negated.Equals(ConfigCompare("${threads}", CompareGreaterEquals, "4")))
}

func TestConfigMatchesCondition(t *testing.T) {
	ctx := &stubConditionContext{config: map[string]any{"${url}": "https://example.org"}}

	cond := ConfigMatches("${url}", `^https://`)
	assert.True(t, cond.Matches(ctx))
	assert.False(t, cond.Matches(&stubConditionContext{config: map[string]any{"${url}": "ftp://x"}}))
	assert.False(t, cond.Matches(&stubConditionContext{}))

	negated := cond.Negate()
	assert.False(t, negated.Matches(ctx))

	// An invalid pattern degrades to Never.
	assert.True(t, ConfigMatches("${url}", `([`).Equals(Never()))
}

func TestConfigConditionOverlaps(t *testing.T) {
	a := ConfigExists("${feature}")

	assert.True(t, a.Overlaps(a))
	assert.True(t, a.Overlaps(ConfigExists("${feature}")))
	assert.False(t, a.Overlaps(ConfigExists("${other}")))
	assert.False(t, a.Overlaps(a.Negate()))
	assert.True(t, a.Overlaps(Always()))
	assert.False(t, a.Overlaps(Never()))
	assert.True(t, a.Overlaps(ProfileIn("x")))
	assert.False(t, a.Overlaps(ConfigCompare("${feature}", CompareEquals, "on")))
}
