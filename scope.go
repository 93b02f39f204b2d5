package qtdi

import "fmt"

// Scope defines the lifecycle and instantiation behavior of a registration
// within the container.
//
// The scope determines:
//   - How many instances of a service can exist
//   - When instances are created and destroyed
//   - Whether the container owns the instance lifetime
type Scope string

const (
	// ScopeSingleton creates a single managed instance that is shared by
	// every injection site. The instance is created at publish time and
	// destroyed when the container is unpublished.
	ScopeSingleton Scope = "singleton"

	// ScopePrototype creates a fresh instance for each injection site at
	// construct time. Each instance is owned by the service it was
	// injected into.
	ScopePrototype Scope = "prototype"

	// ScopeTemplate marks a registration that is never instantiated
	// directly. Its configuration and initializer are inherited by
	// registrations that name it as their base. Templates are never
	// injection targets.
	ScopeTemplate Scope = "template"

	// ScopeServiceGroup expands at publish time into N singleton child
	// registrations driven by a configuration-list placeholder.
	ScopeServiceGroup Scope = "service-group"

	// ScopeExternal marks an object whose lifetime the container does not
	// own. The container merely indexes it and observes its destruction.
	ScopeExternal Scope = "external"
)

// String returns the string representation of the scope.
func (s Scope) String() string {
	return string(s)
}

// IsValid returns true if the scope is one of the defined constants.
func (s Scope) IsValid() bool {
	switch s {
	case ScopeSingleton, ScopePrototype, ScopeTemplate, ScopeServiceGroup, ScopeExternal:
		return true
	default:
		return false
	}
}

// ParseScope parses a string into a Scope, returning an error if the
// string is not a valid scope.
func ParseScope(s string) (Scope, error) {
	scope := Scope(s)
	if !scope.IsValid() {
		return "", fmt.Errorf("%w: %s", ErrInvalidScope, s)
	}
	return scope, nil
}

// DefaultScope returns the scope used when no explicit scope is specified.
func DefaultScope() Scope {
	return ScopeSingleton
}

// IsManaged returns true if instances of this scope are owned by the
// container (or, for prototypes, by their injection site).
func (s Scope) IsManaged() bool {
	switch s {
	case ScopeSingleton, ScopePrototype, ScopeServiceGroup:
		return true
	case ScopeTemplate, ScopeExternal:
		return false
	default:
		return false
	}
}

// IsInjectable returns true if registrations with this scope may satisfy
// dependency slots of other registrations.
func (s Scope) IsInjectable() bool {
	return s != ScopeTemplate
}
