package qtdi

import (
	"fmt"
	"strings"
)

// placeholderStep is one element of a parsed configuration expression:
// either a literal run or a `${key[:default]}` placeholder.
type placeholderStep struct {
	literal    string
	key        string
	defaultVal string
	hasDefault bool
	wildcard   bool
	isLiteral  bool
}

// PlaceholderExpression is a parsed configuration expression. Expressions
// are parsed once and cached per source string; resolution interprets the
// step list against a configuration lookup.
type PlaceholderExpression struct {
	raw   string
	steps []placeholderStep
}

// Raw returns the source string of the expression.
func (e *PlaceholderExpression) Raw() string { return e.raw }

// HasPlaceholders reports whether the expression contains at least one
// placeholder step.
func (e *PlaceholderExpression) HasPlaceholders() bool {
	for _, step := range e.steps {
		if !step.isLiteral {
			return true
		}
	}
	return false
}

// ParsePlaceholderExpression parses a configuration expression into a step
// sequence. The grammar:
//
//	expression  = { literal | placeholder }
//	placeholder = "${" key [ ":" default ] "}"
//	key         = [ "*/" ] path
//
// The escape character `\` makes the next character literal, so `\$`,
// `\{`, `\}` and `\\` are supported. Errors: unbalanced braces, `$`
// inside a placeholder key, and `*` not immediately followed by `/`.
func ParsePlaceholderExpression(s string) (*PlaceholderExpression, error) {
	expr := &PlaceholderExpression{raw: s}
	var literal strings.Builder

	flushLiteral := func() {
		if literal.Len() > 0 {
			expr.steps = append(expr.steps, placeholderStep{literal: literal.String(), isLiteral: true})
			literal.Reset()
		}
	}

	i := 0
	for i < len(s) {
		ch := s[i]
		switch {
		case ch == '\\':
			if i+1 >= len(s) {
				literal.WriteByte(ch)
				i++
				continue
			}
			literal.WriteByte(s[i+1])
			i += 2
		case ch == '$' && i+1 < len(s) && s[i+1] == '{':
			end := strings.IndexByte(s[i+2:], '}')
			if end < 0 {
				return nil, fmt.Errorf("%w: %q", ErrUnbalancedPlaceholder, s)
			}
			body := s[i+2 : i+2+end]
			if strings.ContainsRune(body, '$') || strings.ContainsRune(body, '{') {
				if strings.ContainsRune(body, '{') {
					return nil, fmt.Errorf("%w: %q", ErrUnbalancedPlaceholder, s)
				}
				return nil, fmt.Errorf("%w: %q", ErrInvalidPlaceholderChar, s)
			}
			step, err := parsePlaceholderBody(body)
			if err != nil {
				return nil, err
			}
			flushLiteral()
			expr.steps = append(expr.steps, step)
			i += end + 3
		case ch == '{' || ch == '}':
			return nil, fmt.Errorf("%w: %q", ErrUnbalancedPlaceholder, s)
		default:
			literal.WriteByte(ch)
			i++
		}
	}
	flushLiteral()
	return expr, nil
}

func parsePlaceholderBody(body string) (placeholderStep, error) {
	step := placeholderStep{}
	if idx := strings.IndexByte(body, ':'); idx >= 0 {
		step.defaultVal = body[idx+1:]
		step.hasDefault = true
		body = body[:idx]
	}
	if strings.HasPrefix(body, "*") {
		if !strings.HasPrefix(body, "*/") {
			return placeholderStep{}, fmt.Errorf("%w: %q", ErrInvalidWildcard, body)
		}
		step.wildcard = true
		body = body[2:]
	}
	if strings.ContainsRune(body, '*') {
		return placeholderStep{}, fmt.Errorf("%w: %q", ErrInvalidWildcard, body)
	}
	step.key = body
	return step, nil
}

// configLookup abstracts the configuration facade for placeholder
// resolution.
type configLookup func(key string) (any, bool)

// resolve interprets the expression against lookup. A non-empty group is
// prepended to every non-absolute key. Previously resolved values are
// consulted from, and cached into, accumulated under the original key.
//
// A single-placeholder expression yields the typed configuration value;
// expressions mixing literals and placeholders stringify each step and
// concatenate.
func (e *PlaceholderExpression) resolve(lookup configLookup, group string, accumulated map[string]any) (any, error) {
	if len(e.steps) == 1 && !e.steps[0].isLiteral {
		return e.resolveStep(e.steps[0], lookup, group, accumulated)
	}

	var out strings.Builder
	for _, step := range e.steps {
		if step.isLiteral {
			out.WriteString(step.literal)
			continue
		}
		value, err := e.resolveStep(step, lookup, group, accumulated)
		if err != nil {
			return nil, err
		}
		fmt.Fprintf(&out, "%v", value)
	}
	return out.String(), nil
}

func (e *PlaceholderExpression) resolveStep(step placeholderStep, lookup configLookup, group string, accumulated map[string]any) (any, error) {
	path := step.key
	// Absolute keys opt out of group scoping.
	if strings.HasPrefix(path, "/") {
		path = strings.TrimPrefix(path, "/")
	} else if group != "" {
		path = strings.TrimSuffix(group, "/") + "/" + path
	}

	// Values already resolved in this expression, private configuration,
	// and service-group per-entry bindings shadow the facade.
	if accumulated != nil {
		if value, ok := accumulated[step.key]; ok {
			return value, nil
		}
	}
	if value, ok := lookupWithWildcard(lookup, path, step.wildcard); ok {
		if accumulated != nil {
			accumulated[step.key] = value
		}
		return value, nil
	}
	if step.hasDefault {
		if accumulated != nil {
			accumulated[step.key] = step.defaultVal
		}
		return step.defaultVal, nil
	}
	return nil, fmt.Errorf("%w: ${%s}", ErrUnresolvedPlaceholder, step.key)
}

// lookupWithWildcard looks the key up verbatim; with wildcard enabled it
// successively trims the leading path segment until only the final
// segment remains.
func lookupWithWildcard(lookup configLookup, path string, wildcard bool) (any, bool) {
	if value, ok := lookup(path); ok {
		return value, true
	}
	if !wildcard {
		return nil, false
	}
	for {
		idx := strings.IndexByte(path, '/')
		if idx < 0 {
			return nil, false
		}
		path = path[idx+1:]
		if value, ok := lookup(path); ok {
			return value, true
		}
	}
}

// parsedExpression returns the cached parse of s, parsing and caching it
// on first use. Safe for concurrent readers.
func (c *StdContainer) parsedExpression(s string) (*PlaceholderExpression, error) {
	c.mu.RLock()
	expr, ok := c.exprCache[s]
	c.mu.RUnlock()
	if ok {
		return expr, nil
	}

	expr, err := ParsePlaceholderExpression(s)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.exprCache[s] = expr
	c.mu.Unlock()
	return expr, nil
}
