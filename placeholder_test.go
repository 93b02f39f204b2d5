package qtdi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mapLookup(values map[string]any) configLookup {
	return func(key string) (any, bool) {
		v, ok := values[key]
		return v, ok
	}
}

func TestParsePlaceholderExpressionErrors(t *testing.T) {
	cases := []struct {
		name string
		expr string
		err  error
	}{
		{"unterminated placeholder", "${key", ErrUnbalancedPlaceholder},
		{"bare opening brace", "a{b", ErrUnbalancedPlaceholder},
		{"bare closing brace", "a}b", ErrUnbalancedPlaceholder},
		{"dollar inside placeholder", "${a$b}", ErrInvalidPlaceholderChar},
		{"brace inside placeholder", "${a{b}", ErrUnbalancedPlaceholder},
		{"star without slash", "${*key}", ErrInvalidWildcard},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParsePlaceholderExpression(tc.expr)
			assert.ErrorIs(t, err, tc.err)
		})
	}
}

func TestPlaceholderLiteralPassthrough(t *testing.T) {
	expr, err := ParsePlaceholderExpression("plain text")
	require.NoError(t, err)
	assert.False(t, expr.HasPlaceholders())

	value, err := expr.resolve(mapLookup(nil), "", nil)
	require.NoError(t, err)
	assert.Equal(t, "plain text", value)
}

func TestPlaceholderEscapes(t *testing.T) {
	expr, err := ParsePlaceholderExpression(`cost: \$100 \\ done`)
	require.NoError(t, err)
	assert.False(t, expr.HasPlaceholders())

	value, err := expr.resolve(mapLookup(nil), "", nil)
	require.NoError(t, err)
	assert.Equal(t, `cost: $100 \ done`, value)
}

func TestPlaceholderSingleStepKeepsType(t *testing.T) {
	expr, err := ParsePlaceholderExpression("${count}")
	require.NoError(t, err)
	require.True(t, expr.HasPlaceholders())

	value, err := expr.resolve(mapLookup(map[string]any{"count": 42}), "", nil)
	require.NoError(t, err)
	assert.Equal(t, 42, value)
}

func TestPlaceholderConcatenationStringifies(t *testing.T) {
	expr, err := ParsePlaceholderExpression("${host}:${port}")
	require.NoError(t, err)

	value, err := expr.resolve(mapLookup(map[string]any{"host": "db", "port": 5432}), "", nil)
	require.NoError(t, err)
	assert.Equal(t, "db:5432", value)
}

func TestPlaceholderDefault(t *testing.T) {
	expr, err := ParsePlaceholderExpression("${missing:fallback}")
	require.NoError(t, err)

	value, err := expr.resolve(mapLookup(nil), "", nil)
	require.NoError(t, err)
	assert.Equal(t, "fallback", value)
}

func TestPlaceholderGroupPrefix(t *testing.T) {
	lookup := mapLookup(map[string]any{
		"timers/main/interval": 250,
		"global":               "g",
	})

	expr, err := ParsePlaceholderExpression("${interval}")
	require.NoError(t, err)
	value, err := expr.resolve(lookup, "timers/main", nil)
	require.NoError(t, err)
	assert.Equal(t, 250, value)

	// A leading slash bypasses the group.
	expr, err = ParsePlaceholderExpression("${/global}")
	require.NoError(t, err)
	value, err = expr.resolve(lookup, "timers/main", nil)
	require.NoError(t, err)
	assert.Equal(t, "g", value)
}

func TestPlaceholderWildcardSearchesParents(t *testing.T) {
	lookup := mapLookup(map[string]any{"interval": 99})

	expr, err := ParsePlaceholderExpression("${*/interval}")
	require.NoError(t, err)
	value, err := expr.resolve(lookup, "timers/main", nil)
	require.NoError(t, err)
	assert.Equal(t, 99, value)

	// Without the wildcard the group-scoped key misses.
	expr, err = ParsePlaceholderExpression("${interval}")
	require.NoError(t, err)
	_, err = expr.resolve(lookup, "timers/main", nil)
	assert.ErrorIs(t, err, ErrUnresolvedPlaceholder)
}

func TestPlaceholderAccumulatedValues(t *testing.T) {
	expr, err := ParsePlaceholderExpression("${entry}")
	require.NoError(t, err)

	// Accumulated values shadow the configuration lookup.
	accumulated := map[string]any{"entry": "bound"}
	value, err := expr.resolve(mapLookup(map[string]any{"entry": "fromConfig"}), "", accumulated)
	require.NoError(t, err)
	assert.Equal(t, "bound", value)
}

func TestPlaceholderCachesResolvedIntoAccumulated(t *testing.T) {
	expr, err := ParsePlaceholderExpression("${host}/${host}")
	require.NoError(t, err)

	calls := 0
	lookup := func(key string) (any, bool) {
		calls++
		return "h", true
	}
	accumulated := make(map[string]any)
	value, err := expr.resolve(lookup, "", accumulated)
	require.NoError(t, err)
	assert.Equal(t, "h/h", value)
	assert.Equal(t, 1, calls)
	assert.Equal(t, "h", accumulated["host"])
}

func TestPlaceholderUnresolvedFails(t *testing.T) {
	expr, err := ParsePlaceholderExpression("${nope}")
	require.NoError(t, err)
	_, err = expr.resolve(mapLookup(nil), "", nil)
	assert.ErrorIs(t, err, ErrUnresolvedPlaceholder)
}
