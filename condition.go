package qtdi

import (
	"fmt"
	"regexp"
	"slices"
	"sort"
	"strconv"
	"strings"
)

// ConditionContext is the view of container state a Condition evaluates
// against: the active profile set and the configuration facade.
type ConditionContext interface {
	// ActiveProfiles returns the currently active profile names.
	ActiveProfiles() []string

	// ResolveConfigValue resolves a configuration expression, returning an
	// error when it cannot be resolved.
	ResolveConfigValue(expression string) (any, error)
}

// Condition is an activation predicate attached to a registration. A
// registration participates in dependency resolution and publishing only
// while its condition matches the container state.
//
// The set of concrete conditions is closed: Always, Never, ProfileIn
// (positive or negated), ConfigExists, ConfigCompare and ConfigMatches.
type Condition interface {
	// Matches reports whether the condition holds for the given state.
	Matches(ctx ConditionContext) bool

	// HasProfiles reports whether the condition restricts by profile.
	HasProfiles() bool

	// Overlaps reports whether any activation state exists in which both
	// this condition and other match. Used to enforce same-name
	// registration rules.
	Overlaps(other Condition) bool

	// Equals reports structural equality with another condition.
	Equals(other Condition) bool

	// Negate returns the logical complement of the condition.
	Negate() Condition

	// String returns a diagnostic rendering of the condition.
	String() string
}

// CompareOp is the comparison operator of a ConfigCompare condition.
type CompareOp string

const (
	CompareEquals        CompareOp = "=="
	CompareNotEquals     CompareOp = "!="
	CompareLess          CompareOp = "<"
	CompareLessEquals    CompareOp = "<="
	CompareGreater       CompareOp = ">"
	CompareGreaterEquals CompareOp = ">="
)

// negate returns the complement operator.
func (op CompareOp) negate() CompareOp {
	switch op {
	case CompareEquals:
		return CompareNotEquals
	case CompareNotEquals:
		return CompareEquals
	case CompareLess:
		return CompareGreaterEquals
	case CompareLessEquals:
		return CompareGreater
	case CompareGreater:
		return CompareLessEquals
	case CompareGreaterEquals:
		return CompareLess
	default:
		return op
	}
}

type alwaysCondition struct{}
type neverCondition struct{}

var (
	conditionAlways Condition = alwaysCondition{}
	conditionNever  Condition = neverCondition{}
)

// Always returns the condition that matches every activation state. It is
// the default condition of a registration.
func Always() Condition { return conditionAlways }

// Never returns the condition that matches no activation state.
func Never() Condition { return conditionNever }

func (alwaysCondition) Matches(ConditionContext) bool { return true }
func (alwaysCondition) HasProfiles() bool             { return false }
func (alwaysCondition) Overlaps(other Condition) bool { return !other.Equals(conditionNever) }
func (alwaysCondition) Equals(other Condition) bool {
	_, ok := other.(alwaysCondition)
	return ok
}
func (alwaysCondition) Negate() Condition { return conditionNever }
func (alwaysCondition) String() string    { return "Always" }

func (neverCondition) Matches(ConditionContext) bool { return false }
func (neverCondition) HasProfiles() bool             { return false }
func (neverCondition) Overlaps(Condition) bool       { return false }
func (neverCondition) Equals(other Condition) bool {
	_, ok := other.(neverCondition)
	return ok
}
func (neverCondition) Negate() Condition { return conditionAlways }
func (neverCondition) String() string    { return "Never" }

// profileCondition matches when the active profile set intersects (or,
// negated, does not intersect) a fixed profile set.
type profileCondition struct {
	profiles []string // sorted, deduplicated
	positive bool
}

// ProfileIn returns a condition that matches while at least one of the
// given profiles is active.
func ProfileIn(profiles ...string) Condition {
	return profileCondition{profiles: normalizeProfiles(profiles), positive: true}
}

// ProfileNotIn returns a condition that matches while none of the given
// profiles is active.
func ProfileNotIn(profiles ...string) Condition {
	return profileCondition{profiles: normalizeProfiles(profiles), positive: false}
}

func normalizeProfiles(profiles []string) []string {
	out := make([]string, 0, len(profiles))
	for _, p := range profiles {
		p = strings.TrimSpace(p)
		if p != "" && !slices.Contains(out, p) {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

func (pc profileCondition) Matches(ctx ConditionContext) bool {
	active := ctx.ActiveProfiles()
	for _, p := range pc.profiles {
		if slices.Contains(active, p) {
			return pc.positive
		}
	}
	return !pc.positive
}

func (pc profileCondition) HasProfiles() bool { return true }

func (pc profileCondition) Overlaps(other Condition) bool {
	switch o := other.(type) {
	case alwaysCondition:
		return true
	case neverCondition:
		return false
	case profileCondition:
		switch {
		case pc.positive && o.positive:
			return intersects(pc.profiles, o.profiles)
		case pc.positive && !o.positive:
			// Some profile of pc must be activatable outside o's set.
			return !subset(pc.profiles, o.profiles)
		case !pc.positive && o.positive:
			return !subset(o.profiles, pc.profiles)
		default:
			// Two negations always admit a common state: any profile
			// outside both sets.
			return true
		}
	default:
		// Profile and configuration predicates are independent; both can
		// hold simultaneously.
		return true
	}
}

func (pc profileCondition) Equals(other Condition) bool {
	o, ok := other.(profileCondition)
	return ok && o.positive == pc.positive && slices.Equal(o.profiles, pc.profiles)
}

func (pc profileCondition) Negate() Condition {
	return profileCondition{profiles: pc.profiles, positive: !pc.positive}
}

func (pc profileCondition) String() string {
	if pc.positive {
		return fmt.Sprintf("Profile in [%s]", strings.Join(pc.profiles, ","))
	}
	return fmt.Sprintf("Profile not in [%s]", strings.Join(pc.profiles, ","))
}

func intersects(a, b []string) bool {
	for _, x := range a {
		if slices.Contains(b, x) {
			return true
		}
	}
	return false
}

func subset(a, b []string) bool {
	for _, x := range a {
		if !slices.Contains(b, x) {
			return false
		}
	}
	return true
}

// configExistsCondition matches while a configuration expression resolves
// (or, negated, fails to resolve).
type configExistsCondition struct {
	expression string
	positive   bool
}

// ConfigExists returns a condition that matches while the given
// configuration expression is resolvable.
func ConfigExists(expression string) Condition {
	return configExistsCondition{expression: expression, positive: true}
}

func (cc configExistsCondition) Matches(ctx ConditionContext) bool {
	_, err := ctx.ResolveConfigValue(cc.expression)
	return (err == nil) == cc.positive
}

func (cc configExistsCondition) HasProfiles() bool { return false }

func (cc configExistsCondition) Overlaps(other Condition) bool {
	return overlapsConfigCondition(cc, other)
}

func (cc configExistsCondition) Equals(other Condition) bool {
	o, ok := other.(configExistsCondition)
	return ok && o == cc
}

func (cc configExistsCondition) Negate() Condition {
	return configExistsCondition{expression: cc.expression, positive: !cc.positive}
}

func (cc configExistsCondition) String() string {
	if cc.positive {
		return fmt.Sprintf("Config %q exists", cc.expression)
	}
	return fmt.Sprintf("Config %q does not exist", cc.expression)
}

// configCompareCondition matches while a resolved configuration expression
// compares as specified against a reference value. Comparison is numeric
// when both sides parse as numbers, lexicographic otherwise.
type configCompareCondition struct {
	expression string
	op         CompareOp
	reference  string
}

// ConfigCompare returns a condition comparing a resolved configuration
// expression against a reference value.
func ConfigCompare(expression string, op CompareOp, reference string) Condition {
	return configCompareCondition{expression: expression, op: op, reference: reference}
}

func (cc configCompareCondition) Matches(ctx ConditionContext) bool {
	value, err := ctx.ResolveConfigValue(cc.expression)
	if err != nil {
		return false
	}
	return compareValues(fmt.Sprintf("%v", value), cc.op, cc.reference)
}

func (cc configCompareCondition) HasProfiles() bool { return false }

func (cc configCompareCondition) Overlaps(other Condition) bool {
	return overlapsConfigCondition(cc, other)
}

func (cc configCompareCondition) Equals(other Condition) bool {
	o, ok := other.(configCompareCondition)
	return ok && o == cc
}

func (cc configCompareCondition) Negate() Condition {
	return configCompareCondition{expression: cc.expression, op: cc.op.negate(), reference: cc.reference}
}

func (cc configCompareCondition) String() string {
	return fmt.Sprintf("Config %q %s %q", cc.expression, cc.op, cc.reference)
}

func compareValues(value string, op CompareOp, reference string) bool {
	lhs, lerr := strconv.ParseFloat(strings.TrimSpace(value), 64)
	rhs, rerr := strconv.ParseFloat(strings.TrimSpace(reference), 64)
	var cmp int
	if lerr == nil && rerr == nil {
		switch {
		case lhs < rhs:
			cmp = -1
		case lhs > rhs:
			cmp = 1
		}
	} else {
		cmp = strings.Compare(value, reference)
	}
	switch op {
	case CompareEquals:
		return cmp == 0
	case CompareNotEquals:
		return cmp != 0
	case CompareLess:
		return cmp < 0
	case CompareLessEquals:
		return cmp <= 0
	case CompareGreater:
		return cmp > 0
	case CompareGreaterEquals:
		return cmp >= 0
	default:
		return false
	}
}

// configRegexCondition matches while a resolved configuration expression
// matches (or, negated, does not match) a regular expression.
type configRegexCondition struct {
	expression string
	pattern    string
	re         *regexp.Regexp
	positive   bool
}

// ConfigMatches returns a condition that matches while the resolved value
// of expression matches the given regular expression. An invalid pattern
// yields Never.
func ConfigMatches(expression, pattern string) Condition {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return conditionNever
	}
	return configRegexCondition{expression: expression, pattern: pattern, re: re, positive: true}
}

func (cc configRegexCondition) Matches(ctx ConditionContext) bool {
	value, err := ctx.ResolveConfigValue(cc.expression)
	if err != nil {
		return false
	}
	return cc.re.MatchString(fmt.Sprintf("%v", value)) == cc.positive
}

func (cc configRegexCondition) HasProfiles() bool { return false }

func (cc configRegexCondition) Overlaps(other Condition) bool {
	return overlapsConfigCondition(cc, other)
}

func (cc configRegexCondition) Equals(other Condition) bool {
	o, ok := other.(configRegexCondition)
	return ok && o.expression == cc.expression && o.pattern == cc.pattern && o.positive == cc.positive
}

func (cc configRegexCondition) Negate() Condition {
	return configRegexCondition{expression: cc.expression, pattern: cc.pattern, re: cc.re, positive: !cc.positive}
}

func (cc configRegexCondition) String() string {
	if cc.positive {
		return fmt.Sprintf("Config %q matches %q", cc.expression, cc.pattern)
	}
	return fmt.Sprintf("Config %q does not match %q", cc.expression, cc.pattern)
}

// overlapsConfigCondition implements the shared overlap rule for
// configuration predicates: they overlap Always, profile conditions
// (independent predicates can hold simultaneously) and identical
// predicates, and nothing else.
func overlapsConfigCondition(cond Condition, other Condition) bool {
	switch other.(type) {
	case alwaysCondition:
		return true
	case neverCondition:
		return false
	case profileCondition:
		return true
	default:
		return cond.Equals(other)
	}
}
