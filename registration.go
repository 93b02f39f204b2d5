package qtdi

import (
	"fmt"
	"slices"
	"strings"
)

// ConfigValueKind classifies a configured property value.
type ConfigValueKind int

const (
	// ConfigDefault resolves the expression once at publish time.
	ConfigDefault ConfigValueKind = iota

	// ConfigAutoRefresh resolves like ConfigDefault and additionally
	// re-resolves on configuration changes while the auto-refresh
	// facility is enabled.
	ConfigAutoRefresh

	// ConfigPrivate resolves the expression into the registration's
	// accumulated placeholder map without writing any property. Private
	// values are exempt from property-name validation.
	ConfigPrivate

	// ConfigService resolves to another registration's published
	// instance (or a service-group's instance list).
	ConfigService
)

// ConfigValue is one configured property value of a registration.
type ConfigValue struct {
	// Expression is a literal, a placeholder string, a bean reference
	// ("&name"), or a *Registration for service values.
	Expression any

	// Kind classifies the value.
	Kind ConfigValueKind

	// Convert optionally adapts the resolved value before it is written.
	Convert Converter

	// Setter optionally replaces the introspector write. Setter-based
	// values are exempt from property-name validation.
	Setter func(target any, value any) error
}

// ServiceConfig carries the configured properties of a registration plus
// configuration-scoping flags.
type ServiceConfig struct {
	// Properties maps property names to configured values.
	Properties map[string]ConfigValue

	// Group is the configuration section prepended to relative
	// placeholder keys of this registration.
	Group string

	// Autowire enables automatic population of unconfigured object-typed
	// properties from container lookup.
	Autowire bool

	// ServiceGroupKey is the expansion placeholder of service-group
	// registrations; it must resolve to a list of strings.
	ServiceGroupKey string
}

// equals compares configurations, ignoring converter and setter
// functions. Used by the registration idempotence rules.
func (sc ServiceConfig) equals(other ServiceConfig) bool {
	if sc.Group != other.Group || sc.Autowire != other.Autowire || sc.ServiceGroupKey != other.ServiceGroupKey {
		return false
	}
	if len(sc.Properties) != len(other.Properties) {
		return false
	}
	for name, value := range sc.Properties {
		o, ok := other.Properties[name]
		if !ok || o.Kind != value.Kind {
			return false
		}
		if fmt.Sprintf("%v", o.Expression) != fmt.Sprintf("%v", value.Expression) {
			return false
		}
	}
	return true
}

// RegistrationState tracks a registration through the publish protocol.
type RegistrationState int

const (
	// StateInit marks a registration that has not been constructed.
	StateInit RegistrationState = iota

	// StateNeedsConfiguration marks a constructed registration whose
	// properties have not been applied.
	StateNeedsConfiguration

	// StatePublished marks a fully published registration.
	StatePublished
)

func (s RegistrationState) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateNeedsConfiguration:
		return "needs-configuration"
	case StatePublished:
		return "published"
	}
	return "unknown"
}

// Registration is the stable handle to one entry in the descriptor
// store. Handles stay valid until the container is destroyed or, for
// external objects, until the underlying object is destroyed externally.
type Registration struct {
	container *StdContainer

	index      int
	name       string
	synthetic  bool
	descriptor *Descriptor
	scope      Scope
	condition  Condition
	config     ServiceConfig
	base       *Registration

	aliases              []string
	resolvedPlaceholders map[string]any

	state    RegistrationState
	instance any
	external bool

	// groupParent links service-group children back to their parent.
	groupParent *Registration
	children    []*Registration

	subscribers *subscriberList

	// watcherCancels releases auto-refresh watchers at unpublish.
	watcherCancels []func()
}

// Name returns the registered name (explicit or synthesized).
func (r *Registration) Name() string { return r.name }

// Index returns the monotonically assigned registration index.
func (r *Registration) Index() int { return r.index }

// Scope returns the registration's lifecycle scope.
func (r *Registration) Scope() Scope { return r.scope }

// Condition returns the activation condition.
func (r *Registration) Condition() Condition { return r.condition }

// Descriptor returns the registration's descriptor.
func (r *Registration) Descriptor() *Descriptor { return r.descriptor }

// State returns the current publish state.
func (r *Registration) State() RegistrationState {
	r.container.mu.RLock()
	defer r.container.mu.RUnlock()
	return r.state
}

// Instance returns the published singleton instance, or nil while the
// registration is unpublished. Prototype registrations have no shared
// instance.
func (r *Registration) Instance() any {
	r.container.mu.RLock()
	defer r.container.mu.RUnlock()
	return r.instance
}

// Aliases returns the additional names of the registration.
func (r *Registration) Aliases() []string {
	r.container.mu.RLock()
	defer r.container.mu.RUnlock()
	return slices.Clone(r.aliases)
}

// ResolvedPlaceholders returns a copy of the placeholder values
// accumulated while configuring this registration.
func (r *Registration) ResolvedPlaceholders() map[string]any {
	r.container.mu.RLock()
	defer r.container.mu.RUnlock()
	out := make(map[string]any, len(r.resolvedPlaceholders))
	for k, v := range r.resolvedPlaceholders {
		out[k] = v
	}
	return out
}

// RegisterAlias adds an additional name for the registration. Alias
// creation is a mutation and must run on the owner goroutine; it honours
// the same name-and-condition overlap rules as registration.
func (r *Registration) RegisterAlias(alias string) error {
	c := r.container
	if err := c.checkOwner(); err != nil {
		return err
	}
	alias = strings.TrimSpace(alias)
	if alias == "" {
		return fmt.Errorf("%w: empty alias", ErrNameConditionConflict)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, existing := range c.nameIndex[alias] {
		if existing == r {
			return nil
		}
		if existing.condition.Overlaps(r.condition) {
			return fmt.Errorf("%w: alias %q", ErrNameConditionConflict, alias)
		}
	}
	r.aliases = append(r.aliases, alias)
	c.nameIndex[alias] = append(c.nameIndex[alias], r)
	return nil
}

// knownAs reports whether name equals the registered name or an alias.
func (r *Registration) knownAs(name string) bool {
	return r.name == name || slices.Contains(r.aliases, name)
}

// matchesDependency reports whether this registration can satisfy the
// given dependency slot under the current activation state.
func (r *Registration) matchesDependency(dep Dependency) bool {
	if !r.scope.IsInjectable() {
		return false
	}
	if !r.condition.Matches(r.container) {
		return false
	}
	if !r.descriptor.covers(dep.Type) {
		return false
	}
	if names := dep.requiredNames(); len(names) > 0 {
		for _, name := range names {
			if r.knownAs(name) {
				return true
			}
		}
		return false
	}
	return true
}

// Subscribe registers fn to receive this registration's published
// objects. Already-published objects are delivered synchronously before
// the subscription goes live. The subscription is cancellable.
func (r *Registration) Subscribe(fn func(service any), mode DeliveryMode) (*Subscription, error) {
	c := r.container

	c.mu.Lock()
	backlog := r.publishedObjectsLocked()
	entry := r.subscribers.add(c.deliver(fn, mode))
	c.mu.Unlock()

	// Back-fire already-published objects through a detached path so the
	// live subscription never sees them twice.
	for _, obj := range backlog {
		fn(obj)
	}

	sub := newSubscription(func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		r.subscribers.remove(entry)
	})
	return sub, nil
}

// publishedObjectsLocked returns the objects this registration has
// published. Service groups report their children's instances.
func (r *Registration) publishedObjectsLocked() []any {
	if r.scope == ScopeServiceGroup {
		var out []any
		for _, child := range r.children {
			out = append(out, child.publishedObjectsLocked()...)
		}
		return out
	}
	if r.state != StatePublished || r.instance == nil {
		return nil
	}
	return []any{r.instance}
}

// emitPublished fans a published object out to subscribers. Called
// without the container lock held.
func (r *Registration) emitPublished(service any) {
	r.subscribers.emit(service)
	if r.groupParent != nil {
		r.groupParent.subscribers.emit(service)
	}
}
