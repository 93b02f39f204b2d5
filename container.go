// Package qtdi provides a dependency-injection container for Go object
// graphs. Services are declared with descriptors (implementation type,
// advertised interfaces, constructor dependencies, configuration,
// lifecycle scope, activation condition); the container validates the
// dependency graph, constructs services in topological order, configures
// their properties from settings sources with placeholder resolution,
// invokes initializers and post-processors, and manages destruction in
// reverse order.
//
// Basic usage:
//
//	c := qtdi.NewStdContainer(logger)
//	c.RegisterSettingsSource(settings.NewMap("app", map[string]any{"timerInterval": 4711}))
//	reg, err := c.Register("timer", qtdi.NewDescriptor((*Timer)(nil), newTimer),
//	    qtdi.WithProperty("interval", "${timerInterval}"))
//	ok, err := c.Publish(false)
package qtdi

import (
	"context"
	"fmt"
	"reflect"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/GoCodeAlone/qtdi/settings"
)

// Container is the public surface of the dependency-injection container.
// Mutating operations (registration, alias creation, publishing, profile
// changes) must run on the goroutine the container was constructed on;
// queries may run anywhere.
type Container interface {
	ConditionContext
	Subject

	// Register stores a service descriptor and returns its handle.
	// An empty name synthesizes one from the implementation type.
	Register(name string, d *Descriptor, opts ...RegisterOption) (*Registration, error)

	// RegisterExternal indexes an object whose lifetime the container
	// does not own.
	RegisterExternal(name string, object any, d *Descriptor) (*Registration, error)

	// GetRegistration returns the unique registration whose name (or
	// alias) matches and whose condition matches the current state, or
	// nil when zero or more than one candidate matches.
	GetRegistration(name string) *Registration

	// Registrations returns a snapshot of all registrations in
	// registration order.
	Registrations() []*Registration

	// ProxyRegistration returns the aggregator over all registrations
	// covering serviceType.
	ProxyRegistration(serviceType reflect.Type) (*ProxyRegistration, error)

	// Publish drives the publish protocol over all pending
	// registrations. With partial enabled, recoverable failures leave
	// services pending and are reported through the false result;
	// otherwise they abort the operation.
	Publish(partial bool) (bool, error)

	// Unpublish destroys all published managed services in reverse
	// dependency order.
	Unpublish() error

	// SetActiveProfiles replaces the active profile set. Silently
	// rejected once a profile-conditional service has been published.
	SetActiveProfiles(profiles ...string) error

	// RegisterSettingsSource appends a configuration source.
	RegisterSettingsSource(src settings.Source) error

	// ConfigurationValue looks a key up across environment, profile-
	// specific and general sources.
	ConfigurationValue(key string) (any, bool)

	// ConfigurationKeys enumerates all keys under a section prefix.
	ConfigurationKeys(section string) []string

	// WatchConfigValue returns a watcher over a configuration
	// expression.
	WatchConfigValue(expression string) (*ConfigWatcher, error)

	// Bind connects a source property to a target property over change
	// notifications.
	Bind(source *Registration, sourceProperty string, target *Registration, targetProperty string) (*Subscription, error)

	// Autowire subscribes setter to all published instances of the
	// source registration's service type.
	Autowire(source *Registration, setter func(service any)) (*Subscription, error)

	// Combine produces the cartesian-product publication stream over the
	// given registrations.
	Combine(regs ...*Registration) (*CombinedPublication, error)

	// Logger returns the container's logger.
	Logger() Logger

	// Close unpublishes all services and releases container resources.
	Close() error
}

// StdContainer is the standard Container implementation.
type StdContainer struct {
	*subjectState

	logger       Logger
	introspector Introspector

	ownerGoid  int64
	crossCalls chan *crossCall
	closing    chan struct{}
	closed     bool

	mu        sync.RWMutex
	regs      []*Registration
	nameIndex map[string][]*Registration
	proxies   map[reflect.Type]*ProxyRegistration
	exprCache map[string]*PlaceholderExpression

	sources        []settings.Source
	profileSources map[string]settings.Source // source name + "\x00" + profile
	noVariant      map[string]bool

	profiles         []string
	profilesExplicit bool
	profilesLocked   bool
	envProfiles      []string

	boundProperties map[boundProperty]bool

	refresh *refreshService
}

type boundProperty struct {
	target   *Registration
	property string
}

// ContainerOption customizes container construction.
type ContainerOption func(*StdContainer)

// WithIntrospector replaces the default reflect-based introspector.
func WithIntrospector(in Introspector) ContainerOption {
	return func(c *StdContainer) { c.introspector = in }
}

// NewStdContainer creates a container owned by the calling goroutine.
// The active profile set starts as {"default"}, overridden by the
// QTDI_ACTIVE_PROFILES environment variable when set.
func NewStdContainer(logger Logger, opts ...ContainerOption) *StdContainer {
	c := &StdContainer{
		subjectState:    newSubjectState(logger),
		logger:          logger,
		introspector:    NewStdIntrospector(),
		ownerGoid:       goid(),
		crossCalls:      make(chan *crossCall, 64),
		closing:         make(chan struct{}),
		nameIndex:       make(map[string][]*Registration),
		proxies:         make(map[reflect.Type]*ProxyRegistration),
		exprCache:       make(map[string]*PlaceholderExpression),
		profileSources:  make(map[string]settings.Source),
		noVariant:       make(map[string]bool),
		boundProperties: make(map[boundProperty]bool),
	}
	c.envProfiles = profilesFromEnvironment()
	for _, opt := range opts {
		opt(c)
	}
	c.refresh = newRefreshService(c)
	return c
}

// Logger returns the container's logger.
func (c *StdContainer) Logger() Logger { return c.logger }

// RegisterOption customizes one registration.
type RegisterOption func(*registerRequest)

type registerRequest struct {
	scope     Scope
	condition Condition
	config    ServiceConfig
	base      *Registration
}

// WithScope sets the registration's lifecycle scope.
func WithScope(scope Scope) RegisterOption {
	return func(r *registerRequest) { r.scope = scope }
}

// WithCondition sets the activation condition.
func WithCondition(cond Condition) RegisterOption {
	return func(r *registerRequest) { r.condition = cond }
}

// WithConfig replaces the full service configuration.
func WithConfig(cfg ServiceConfig) RegisterOption {
	return func(r *registerRequest) {
		if cfg.Properties == nil {
			cfg.Properties = make(map[string]ConfigValue)
		}
		r.config = cfg
	}
}

// WithProperty configures a single property from an expression: a
// literal, a placeholder string, or a bean reference ("&name").
func WithProperty(name string, expression any) RegisterOption {
	return func(r *registerRequest) {
		r.config.Properties[name] = ConfigValue{Expression: expression}
	}
}

// WithAutoRefreshProperty configures a property that re-resolves when
// the watched configuration changes.
func WithAutoRefreshProperty(name string, expression string) RegisterOption {
	return func(r *registerRequest) {
		r.config.Properties[name] = ConfigValue{Expression: expression, Kind: ConfigAutoRefresh}
	}
}

// WithPrivateProperty stores a resolved value into the registration's
// placeholder map without touching the service object.
func WithPrivateProperty(name string, expression any) RegisterOption {
	return func(r *registerRequest) {
		r.config.Properties[name] = ConfigValue{Expression: expression, Kind: ConfigPrivate}
	}
}

// WithServiceProperty injects another registration's published instance
// into a property.
func WithServiceProperty(name string, source *Registration) RegisterOption {
	return func(r *registerRequest) {
		r.config.Properties[name] = ConfigValue{Expression: source, Kind: ConfigService}
	}
}

// WithPropertySetter configures a property applied through a setter
// function instead of introspection.
func WithPropertySetter(name string, expression any, setter func(target, value any) error) RegisterOption {
	return func(r *registerRequest) {
		r.config.Properties[name] = ConfigValue{Expression: expression, Setter: setter}
	}
}

// WithGroup scopes relative placeholder keys of this registration under
// a configuration section.
func WithGroup(group string) RegisterOption {
	return func(r *registerRequest) { r.config.Group = group }
}

// WithAutowire enables automatic population of unconfigured object-typed
// properties.
func WithAutowire() RegisterOption {
	return func(r *registerRequest) { r.config.Autowire = true }
}

// WithServiceGroupKey sets the expansion placeholder of a service-group
// registration.
func WithServiceGroupKey(key string) RegisterOption {
	return func(r *registerRequest) { r.config.ServiceGroupKey = key }
}

// WithBaseTemplate inherits configuration and initializer from a
// template registration.
func WithBaseTemplate(base *Registration) RegisterOption {
	return func(r *registerRequest) { r.base = base }
}

// Register stores a service descriptor and returns its registration
// handle. Registration is a mutation and must run on the owner
// goroutine.
//
// Identity rules: re-registering an identical descriptor, configuration
// and condition (named or anonymous) returns the existing handle; a
// same-named registration whose condition overlaps an existing one is
// rejected; same-named registrations with non-overlapping conditions
// coexist and are disambiguated at lookup time.
func (c *StdContainer) Register(name string, d *Descriptor, opts ...RegisterOption) (*Registration, error) {
	if err := c.checkOwner(); err != nil {
		return nil, err
	}
	if d == nil {
		return nil, ErrNilDescriptor
	}

	req := &registerRequest{
		scope:     DefaultScope(),
		condition: Always(),
		config:    ServiceConfig{Properties: make(map[string]ConfigValue)},
	}
	for _, opt := range opts {
		opt(req)
	}
	if !req.scope.IsValid() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidScope, req.scope)
	}
	if req.scope == ScopeExternal {
		return nil, fmt.Errorf("%w: use RegisterExternal", ErrInvalidScope)
	}
	if req.scope == ScopeServiceGroup && req.config.ServiceGroupKey == "" {
		return nil, ErrServiceGroupKeyMissing
	}
	if err := d.validate(req.scope); err != nil {
		return nil, err
	}
	if err := c.validateBaseTemplate(d, req); err != nil {
		return nil, err
	}
	if err := c.validatePropertyNames(d, req); err != nil {
		return nil, err
	}
	if req.scope.IsManaged() {
		if err := c.validateAcyclic(name, d, req.config, req.base); err != nil {
			return nil, err
		}
	}

	reg, existing, err := c.insert(name, d, req, nil)
	if err != nil {
		c.logger.Error("Registration rejected", "name", name, "impl", d.Impl, "error", err)
		return nil, err
	}
	if existing {
		c.logger.Debug("Registration deduplicated", "name", reg.name, "index", reg.index)
		return reg, nil
	}

	c.logger.Debug("Registered service", "name", reg.name, "impl", d.Impl, "scope", req.scope, "index", reg.index)
	c.emitEvent(EventTypePendingPublicationChanged, map[string]any{"name": reg.name, "index": reg.index})
	return reg, nil
}

// RegisterExternal indexes an externally-owned object. The object must
// be non-nil, the condition is always Always, and name collisions are
// tolerated only for the same object with an equal descriptor. Repeat
// anonymous registration of the same object with an equal descriptor is
// idempotent.
func (c *StdContainer) RegisterExternal(name string, object any, d *Descriptor) (*Registration, error) {
	if err := c.checkOwner(); err != nil {
		return nil, err
	}
	if object == nil {
		return nil, ErrNilExternalObject
	}
	if d == nil {
		d = NewDescriptor(object, nil)
		d.Impl = reflect.TypeOf(object)
		d.Services = []reflect.Type{d.Impl}
	}

	c.mu.Lock()
	// A repeat registration of the same object pointer with an equal
	// descriptor is idempotent, named or not.
	for _, existing := range c.regs {
		if existing.external && existing.instance == object {
			if !existing.descriptor.Equals(d) {
				c.mu.Unlock()
				return nil, fmt.Errorf("%w: object already registered with a different descriptor", ErrDescriptorIntersects)
			}
			if name != "" && existing.name != name {
				c.mu.Unlock()
				return nil, fmt.Errorf("%w: object already registered as %q", ErrNameConditionConflict, existing.name)
			}
			c.mu.Unlock()
			return existing, nil
		}
	}
	if name != "" {
		for _, existing := range c.nameIndex[name] {
			// Same name is acceptable only for the same object, which the
			// loop above already returned.
			c.mu.Unlock()
			return nil, fmt.Errorf("%w: %q taken by registration %d", ErrNameConditionConflict, name, existing.index)
		}
	}
	c.mu.Unlock()

	req := &registerRequest{
		scope:     ScopeExternal,
		condition: Always(),
		config:    ServiceConfig{Properties: make(map[string]ConfigValue)},
	}
	reg, _, err := c.insert(name, d, req, object)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("Registered external object", "name", reg.name, "impl", d.Impl, "index", reg.index)
	c.emitEvent(EventTypePendingPublicationChanged, map[string]any{"name": reg.name, "index": reg.index})
	return reg, nil
}

// insert performs the guarded store mutation shared by Register and
// RegisterExternal: the name-conflict policy, index assignment, list and
// name-index insertion, and proxy fan-in wiring. The returned bool is
// true when an existing handle was returned.
func (c *StdContainer) insert(name string, d *Descriptor, req *registerRequest, external any) (*Registration, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, false, ErrContainerDestroyed
	}

	synthetic := name == ""
	if synthetic {
		// Anonymous registrations of the same descriptor and condition
		// are deduplicated.
		for _, existing := range c.regs {
			if existing.synthetic && existing.descriptor.Equals(d) &&
				existing.condition.Equals(req.condition) && existing.config.equals(req.config) {
				return existing, true, nil
			}
		}
		name = syntheticName(d.Impl)
	} else {
		for _, existing := range c.nameIndex[name] {
			if !existing.condition.Overlaps(req.condition) {
				continue
			}
			if existing.descriptor.Equals(d) && existing.condition.Equals(req.condition) && existing.config.equals(req.config) {
				return existing, true, nil
			}
			if existing.descriptor.Intersects(d) {
				return nil, false, fmt.Errorf("%w: %q", ErrDescriptorIntersects, name)
			}
			return nil, false, fmt.Errorf("%w: %q (existing condition %s)", ErrNameConditionConflict, name, existing.condition)
		}
	}

	reg := &Registration{
		container:            c,
		index:                len(c.regs),
		name:                 name,
		synthetic:            synthetic,
		descriptor:           d,
		scope:                req.scope,
		condition:            req.condition,
		config:               req.config,
		base:                 req.base,
		resolvedPlaceholders: make(map[string]any),
		subscribers:          newSubscriberList(),
	}
	if external != nil {
		reg.external = true
		reg.instance = external
		reg.state = StatePublished
	}
	c.regs = append(c.regs, reg)
	c.nameIndex[name] = append(c.nameIndex[name], reg)

	// Wire the new registration into every cached type proxy it matches.
	for serviceType, proxy := range c.proxies {
		if reg.scope.IsInjectable() && reg.descriptor.covers(serviceType) {
			proxy.wireInLocked(reg)
		}
	}
	return reg, false, nil
}

func syntheticName(impl reflect.Type) string {
	t := impl
	for t != nil && t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	base := "service"
	if t != nil && t.Name() != "" {
		base = t.Name()
	}
	return base + "-" + uuid.NewString()
}

// validateBaseTemplate enforces the base-template rules: the base must
// belong to this container, must itself be a template, and its
// implementation type must be compatible with the new descriptor's.
func (c *StdContainer) validateBaseTemplate(d *Descriptor, req *registerRequest) error {
	base := req.base
	if base == nil {
		return nil
	}
	if base.container != c {
		return fmt.Errorf("%w: owned by a different container", ErrUnknownBaseTemplate)
	}
	c.mu.RLock()
	known := slices.Contains(c.regs, base)
	c.mu.RUnlock()
	if !known {
		return ErrUnknownBaseTemplate
	}
	if base.scope != ScopeTemplate {
		return fmt.Errorf("%w: %q has scope %s", ErrBaseTemplateNotTemplate, base.name, base.scope)
	}
	if base.descriptor.Impl != nil && d.Impl != nil && !implCompatible(d.Impl, base.descriptor.Impl) {
		return fmt.Errorf("%w: %s does not derive from %s", ErrBaseTemplateMismatch, d.Impl, base.descriptor.Impl)
	}
	return nil
}

// implCompatible reports whether impl can inherit configuration meant
// for base: identical types, assignability, interface satisfaction, or
// struct embedding of the base's struct type.
func implCompatible(impl, base reflect.Type) bool {
	if impl == base || impl.AssignableTo(base) {
		return true
	}
	if base.Kind() == reflect.Interface && impl.Implements(base) {
		return true
	}
	implStruct, baseStruct := structType(impl), structType(base)
	if implStruct == nil || baseStruct == nil {
		return false
	}
	if implStruct == baseStruct {
		return true
	}
	for i := 0; i < implStruct.NumField(); i++ {
		field := implStruct.Field(i)
		if field.Anonymous && structType(field.Type) == baseStruct {
			return true
		}
	}
	return false
}

// validatePropertyNames walks the base-template chain and requires every
// non-private, non-setter, non-service configuration property to exist
// on the implementation type.
func (c *StdContainer) validatePropertyNames(d *Descriptor, req *registerRequest) error {
	introspector := d.Introspection
	if introspector == nil {
		introspector = c.introspector
	}
	props := introspector.Properties(d.Impl)
	known := make(map[string]bool, len(props))
	for _, p := range props {
		known[p.Name] = true
	}

	check := func(cfg ServiceConfig) error {
		for name, value := range cfg.Properties {
			if value.Kind == ConfigPrivate || value.Kind == ConfigService || value.Setter != nil {
				continue
			}
			if !known[name] {
				return fmt.Errorf("%w: %q on %s", ErrPropertyNotFound, name, d.Impl)
			}
		}
		return nil
	}

	if err := check(req.config); err != nil {
		return err
	}
	for base := req.base; base != nil; base = base.base {
		if err := check(base.config); err != nil {
			return err
		}
	}
	return nil
}

// GetRegistration implements name resolution: it returns the unique
// registration whose name or alias matches and whose condition matches
// the current activation state, or nil when zero or multiple match.
func (c *StdContainer) GetRegistration(name string) *Registration {
	c.mu.RLock()
	candidates := slices.Clone(c.nameIndex[name])
	c.mu.RUnlock()

	var found *Registration
	for _, reg := range candidates {
		if !reg.condition.Matches(c) {
			continue
		}
		if found != nil {
			c.logger.Warn("Ambiguous registration name", "name", name)
			return nil
		}
		found = reg
	}
	return found
}

// Registrations returns a snapshot of all registrations in registration
// order.
func (c *StdContainer) Registrations() []*Registration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.regs)
}

// emitEvent emits a container CloudEvent outside the store lock.
func (c *StdContainer) emitEvent(eventType string, data map[string]any) {
	event := NewCloudEvent(eventType, "qtdi-container", data, nil)
	_ = c.NotifyObservers(context.Background(), event)
}

// Close unpublishes all services, stops the refresh service, and rejects
// any further use of the container.
func (c *StdContainer) Close() error {
	if err := c.checkOwner(); err != nil {
		return err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	err := c.Unpublish()

	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.refresh.stop()
	close(c.closing)
	return err
}
