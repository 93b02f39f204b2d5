package qtdi

import (
	"fmt"
	"sort"
	"strings"
)

// injectableKind reports whether a dependency slot is satisfied by other
// registrations, as opposed to literals or the container itself.
func injectableKind(kind DependencyKind) bool {
	switch kind {
	case DependencyMandatory, DependencyOptional, DependencyAll:
		return true
	}
	return false
}

// beanReferences extracts the names referenced through "&name"
// expressions from a service configuration and its base-template chain.
func beanReferences(cfg ServiceConfig, base *Registration) []string {
	var names []string
	collect := func(cfg ServiceConfig) {
		for _, value := range cfg.Properties {
			if s, ok := value.Expression.(string); ok && strings.HasPrefix(s, "&") && len(s) > 1 {
				names = append(names, s[1:])
			}
		}
	}
	collect(cfg)
	for ; base != nil; base = base.base {
		collect(base.config)
	}
	return names
}

// structuralMatch is the condition-free variant of dependency matching
// used during graph validation: scope and type coverage plus name
// narrowing, ignoring whether the candidate's condition currently
// matches.
func structuralMatch(reg *Registration, dep Dependency) bool {
	if !reg.scope.IsInjectable() {
		return false
	}
	if !reg.descriptor.covers(dep.Type) {
		return false
	}
	if names := dep.requiredNames(); len(names) > 0 {
		for _, name := range names {
			if reg.knownAs(name) {
				return true
			}
		}
		return false
	}
	return true
}

// validateAcyclic rejects a registration that would close a cycle in the
// dependency graph. It walks the graph reachable from the candidate's
// dependency slots and bean references; reaching any registration that
// itself depends on a service type the candidate advertises, or that
// references the candidate's name through a name-narrowed slot or a
// bean reference, means the candidate closes a loop. Existing
// registrations are already known
// acyclic, so reachability back to the candidate is the only new cycle
// possible.
func (c *StdContainer) validateAcyclic(name string, d *Descriptor, cfg ServiceConfig, base *Registration) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var frontier []*Registration
	seed := func(reg *Registration) { frontier = append(frontier, reg) }

	for _, dep := range d.Dependencies {
		if !injectableKind(dep.Kind) {
			continue
		}
		for _, reg := range c.regs {
			if structuralMatch(reg, dep) {
				seed(reg)
			}
		}
	}
	for _, name := range beanReferences(cfg, base) {
		for _, reg := range c.nameIndex[name] {
			seed(reg)
		}
	}

	dependsOnCandidate := func(reg *Registration) bool {
		for _, dep := range reg.descriptor.Dependencies {
			if !injectableKind(dep.Kind) || !d.covers(dep.Type) {
				continue
			}
			names := dep.requiredNames()
			if len(names) == 0 {
				return true
			}
			for _, n := range names {
				if n == name {
					return true
				}
			}
		}
		if name != "" {
			for _, ref := range beanReferences(reg.config, reg.base) {
				if ref == name {
					return true
				}
			}
		}
		return false
	}

	visited := make(map[*Registration]bool)
	for len(frontier) > 0 {
		reg := frontier[len(frontier)-1]
		frontier = frontier[:len(frontier)-1]
		if visited[reg] {
			continue
		}
		visited[reg] = true

		if dependsOnCandidate(reg) {
			return fmt.Errorf("%w: via %q", ErrCircularDependency, reg.name)
		}
		for _, dep := range reg.descriptor.Dependencies {
			if !injectableKind(dep.Kind) {
				continue
			}
			for _, other := range c.regs {
				if !visited[other] && structuralMatch(other, dep) {
					frontier = append(frontier, other)
				}
			}
		}
		for _, name := range beanReferences(reg.config, reg.base) {
			for _, other := range c.nameIndex[name] {
				if !visited[other] {
					frontier = append(frontier, other)
				}
			}
		}
	}
	return nil
}

// publishError classifies a resolution failure. Fixable failures can
// disappear once further registrations arrive, so under partial publish
// they demote to warnings and leave the service pending.
type publishError struct {
	err     error
	fixable bool
}

func (e *publishError) Error() string { return e.err.Error() }
func (e *publishError) Unwrap() error { return e.err }

func fatalPublish(err error) *publishError   { return &publishError{err: err} }
func fixablePublish(err error) *publishError { return &publishError{err: err, fixable: true} }

// orderForPublish brings the pending registrations into construction
// order: every registration is preceded by the pending registrations it
// depends on. The walk is iterative and deterministic; ties resolve by
// registration index. Registration rejects cycles up front; the hoist
// counter is a backstop that turns an unforeseen cycle into an error
// instead of a spin.
func (c *StdContainer) orderForPublish(pending []*Registration) ([]*Registration, error) {
	remaining := make([]*Registration, len(pending))
	copy(remaining, pending)
	sort.SliceStable(remaining, func(i, j int) bool {
		return remaining[i].index < remaining[j].index
	})

	var ordered []*Registration
	hoists := 0
	for len(remaining) > 0 {
		reg := remaining[0]

		// Hoist any pending registration the head depends on.
		var blocker *Registration
		for _, dep := range reg.descriptor.Dependencies {
			if !injectableKind(dep.Kind) {
				continue
			}
			for _, candidate := range remaining[1:] {
				if candidate.matchesDependency(dep) {
					blocker = candidate
					break
				}
			}
			if blocker != nil {
				break
			}
		}
		if blocker == nil {
			for _, name := range beanReferences(reg.config, reg.base) {
				for _, candidate := range remaining[1:] {
					if candidate.knownAs(name) && candidate.condition.Matches(c) {
						blocker = candidate
						break
					}
				}
				if blocker != nil {
					break
				}
			}
		}
		if blocker != nil {
			// Every placement allows at most len(remaining) hoists before
			// the head must settle.
			hoists++
			if hoists > len(remaining) {
				return nil, fmt.Errorf("%w: among pending registrations starting at %q",
					ErrCircularDependency, reg.name)
			}
			for i, candidate := range remaining {
				if candidate == blocker {
					copy(remaining[1:i+1], remaining[:i])
					remaining[0] = blocker
					break
				}
			}
			continue
		}

		ordered = append(ordered, reg)
		remaining = remaining[1:]
		hoists = 0
	}
	return ordered, nil
}

// checkBeanReferences verifies that every "&name" reference of reg maps
// to an active registration. Missing references are fixable, future
// registrations may supply them.
func (c *StdContainer) checkBeanReferences(reg *Registration) *publishError {
	for _, name := range beanReferences(reg.config, reg.base) {
		if c.GetRegistration(name) == nil {
			return fixablePublish(fmt.Errorf("%w: &%s required by %q", ErrUnresolvedReference, name, reg.name))
		}
	}
	return nil
}

// resolveDependency produces the injection value for one dependency slot
// of reg against the currently published registrations.
//
// Zero matches are fatal for mandatory slots (fixable under partial),
// nil for optional slots and an empty list for all-slots. Multiple
// matches are fatal for mandatory and optional slots; all-slots collect
// every match ordered by registration index.
func (c *StdContainer) resolveDependency(reg *Registration, dep Dependency) (any, *publishError) {
	switch dep.Kind {
	case DependencyParent:
		return Container(c), nil

	case DependencyValue:
		if dep.Value == nil {
			return nil, fatalPublish(fmt.Errorf("%w: nil value slot on %q", ErrInvalidDependency, reg.name))
		}
		return dep.Value, nil

	case DependencyResolvable:
		return c.resolveResolvable(reg, dep)

	case DependencyMandatory, DependencyOptional, DependencyAll:
		// handled below
	default:
		return nil, fatalPublish(fmt.Errorf("%w: kind %d on %q", ErrInvalidDependency, dep.Kind, reg.name))
	}

	var matches []*Registration
	c.mu.RLock()
	regs := make([]*Registration, len(c.regs))
	copy(regs, c.regs)
	c.mu.RUnlock()
	for _, candidate := range regs {
		if candidate == reg {
			continue
		}
		if candidate.matchesDependency(dep) {
			matches = append(matches, candidate)
		}
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].index < matches[j].index })

	switch dep.Kind {
	case DependencyAll:
		values := make([]any, 0, len(matches))
		for _, m := range matches {
			value, perr := c.injectionValue(m, dep)
			if perr != nil {
				return nil, perr
			}
			values = append(values, value)
		}
		return values, nil

	case DependencyMandatory:
		if len(matches) == 0 {
			return nil, fixablePublish(fmt.Errorf("%w: %s required by %q", ErrDependencyNotFound, dep.Type, reg.name))
		}
		if len(matches) > 1 {
			return nil, fatalPublish(fmt.Errorf("%w: %s required by %q has %d candidates",
				ErrAmbiguousDependency, dep.Type, reg.name, len(matches)))
		}
		return c.injectionValue(matches[0], dep)

	default: // DependencyOptional
		if len(matches) == 0 {
			return nil, nil
		}
		if len(matches) > 1 {
			return nil, fatalPublish(fmt.Errorf("%w: %s on %q has %d candidates",
				ErrAmbiguousDependency, dep.Type, reg.name, len(matches)))
		}
		return c.injectionValue(matches[0], dep)
	}
}

// injectionValue yields the value a matched registration contributes to
// an injection site. Singletons and externals hand out their shared
// instance; prototypes construct a fresh instance per site.
func (c *StdContainer) injectionValue(m *Registration, dep Dependency) (any, *publishError) {
	if m.scope == ScopePrototype {
		instance, perr := c.construct(m)
		if perr != nil {
			return nil, perr
		}
		return c.convertDependency(instance, dep)
	}
	// During a publish run dependencies are constructed ahead of their
	// consumers but not yet marked published; a live instance suffices.
	if m.instance == nil {
		return nil, fixablePublish(fmt.Errorf("%w: %q not yet published", ErrDependencyNotFound, m.name))
	}
	return c.convertDependency(m.instance, dep)
}

func (c *StdContainer) convertDependency(value any, dep Dependency) (any, *publishError) {
	if dep.Convert == nil {
		return value, nil
	}
	converted, err := dep.Convert(value)
	if err != nil {
		return nil, fatalPublish(fmt.Errorf("%w: %v", ErrConversionFailed, err))
	}
	return converted, nil
}

// resolveResolvable evaluates an expression slot against the
// configuration facade, honoring the registration's group prefix and
// accumulated placeholder values, with the slot default as fallback.
func (c *StdContainer) resolveResolvable(reg *Registration, dep Dependency) (any, *publishError) {
	expr, err := c.parsedExpression(dep.Expression)
	if err != nil {
		if dep.HasDefault {
			return dep.Default, nil
		}
		return nil, fatalPublish(err)
	}
	group, perr := c.resolvedGroup(reg)
	if perr != nil {
		return nil, perr
	}
	value, err := expr.resolve(c.ConfigurationValue, group, reg.resolvedPlaceholders)
	if err != nil {
		if dep.HasDefault {
			value = any(dep.Default)
		} else {
			return nil, fixablePublish(fmt.Errorf("%w: %q required by %q",
				ErrUnresolvedPlaceholder, dep.Expression, reg.name))
		}
	}
	return c.convertDependency(value, dep)
}

// resolvedGroup resolves the registration's configuration group prefix,
// which may itself contain placeholders. The base-template chain is
// consulted when the registration has no group of its own.
func (c *StdContainer) resolvedGroup(reg *Registration) (string, *publishError) {
	group := reg.config.Group
	for base := reg.base; group == "" && base != nil; base = base.base {
		group = base.config.Group
	}
	if group == "" || !strings.Contains(group, "${") {
		return group, nil
	}
	expr, err := c.parsedExpression(group)
	if err != nil {
		return "", fatalPublish(err)
	}
	value, err := expr.resolve(c.ConfigurationValue, "", reg.resolvedPlaceholders)
	if err != nil {
		return "", fixablePublish(err)
	}
	return fmt.Sprintf("%v", value), nil
}
