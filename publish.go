package qtdi

import (
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/GoCodeAlone/qtdi/settings"
)

// PostProcessor is implemented by published services that want to
// inspect or decorate every other service before its initializer runs.
// Post-processing services are published ahead of all other services.
type PostProcessor interface {
	// Process receives the service's registration handle, the service
	// object, and the property values resolved during configuration.
	Process(reg *Registration, service any, resolvedProperties map[string]any) error
}

// Publish drives the publish protocol over all pending registrations:
// gather, expand service groups, order by dependencies, construct,
// configure, autowire, post-process, initialize, notify.
//
// With partial enabled, a recoverable failure (a dependency or
// placeholder that a later registration or settings source could still
// supply) logs a warning and leaves the service pending; the first
// return is false. Without partial any failure aborts the whole
// operation. Fatal failures (ambiguity, cycle, write failure) always
// abort.
func (c *StdContainer) Publish(partial bool) (bool, error) {
	if err := c.checkOwner(); err != nil {
		return false, err
	}
	c.drainCrossCalls()
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return false, ErrContainerDestroyed
	}
	snapshot := make([]*Registration, len(c.regs))
	copy(snapshot, c.regs)
	c.mu.RUnlock()

	// Gather. Templates never instantiate, prototypes instantiate per
	// injection site, externals are published on registration.
	var pending []*Registration
	for _, reg := range snapshot {
		if reg.scope != ScopeSingleton && reg.scope != ScopeServiceGroup {
			continue
		}
		if reg.state == StatePublished || reg.groupParent != nil {
			continue
		}
		if !reg.condition.Matches(c) {
			continue
		}
		pending = append(pending, reg)
	}
	if len(pending) == 0 {
		return true, nil
	}

	// Expand service groups into singleton children before ordering.
	var queue []*Registration
	var anyPending bool
	for _, reg := range pending {
		if reg.scope != ScopeServiceGroup {
			queue = append(queue, reg)
			continue
		}
		children, perr := c.expandServiceGroup(reg)
		if perr != nil {
			if perr.fixable && partial {
				c.logger.Warn("Service group left pending", "name", reg.name, "error", perr.err)
				anyPending = true
				continue
			}
			return false, perr.err
		}
		queue = append(queue, children...)
	}

	ordered, err := c.orderForPublish(queue)
	if err != nil {
		return false, err
	}

	// Validate bean references up front so non-partial runs abort
	// before constructing anything.
	skip := make(map[*Registration]bool)
	for _, reg := range ordered {
		if perr := c.checkBeanReferences(reg); perr != nil {
			if perr.fixable && partial {
				c.logger.Warn("Service left pending", "name", reg.name, "error", perr.err)
				skip[reg] = true
				anyPending = true
				continue
			}
			return false, perr.err
		}
	}

	// Construct in dependency order.
	var constructed []*Registration
	for _, reg := range ordered {
		if skip[reg] || reg.state != StateInit {
			if reg.state == StateNeedsConfiguration {
				constructed = append(constructed, reg)
			}
			continue
		}
		instance, perr := c.construct(reg)
		if perr != nil {
			if perr.fixable && partial {
				c.logger.Warn("Service left pending", "name", reg.name, "error", perr.err)
				anyPending = true
				continue
			}
			return false, perr.err
		}
		c.mu.Lock()
		reg.instance = instance
		reg.state = StateNeedsConfiguration
		c.mu.Unlock()
		constructed = append(constructed, reg)
	}

	// Services that are themselves settings sources feed the facade
	// before anything else is configured.
	sort.SliceStable(constructed, func(i, j int) bool {
		_, iSrc := constructed[i].instance.(settings.Source)
		_, jSrc := constructed[j].instance.(settings.Source)
		return iSrc && !jSrc
	})
	for _, reg := range constructed {
		if src, ok := reg.instance.(settings.Source); ok {
			if err := c.RegisterSettingsSource(src); err != nil {
				return false, err
			}
		}
	}

	// Configure.
	var configured []*Registration
	for _, reg := range constructed {
		if perr := c.configure(reg, reg.instance); perr != nil {
			if perr.fixable && partial {
				c.logger.Warn("Service not fully configured, left pending", "name", reg.name, "error", perr.err)
				anyPending = true
				continue
			}
			return false, perr.err
		}
		configured = append(configured, reg)
	}

	// Autowire.
	for _, reg := range configured {
		if c.autowireEnabled(reg) {
			c.autowireProperties(reg)
		}
	}

	// Post-process. Processors publish first, then see everyone else.
	sort.SliceStable(configured, func(i, j int) bool {
		_, iPP := configured[i].instance.(PostProcessor)
		_, jPP := configured[j].instance.(PostProcessor)
		return iPP && !jPP
	})
	var processors []PostProcessor
	for _, reg := range configured {
		if pp, ok := reg.instance.(PostProcessor); ok {
			processors = append(processors, pp)
		}
	}
	for _, reg := range configured {
		for _, pp := range processors {
			if any(pp) == reg.instance {
				continue
			}
			if err := pp.Process(reg, reg.instance, reg.ResolvedPlaceholders()); err != nil {
				return false, fmt.Errorf("%w: %q: %v", ErrPostProcessorFailed, reg.name, err)
			}
		}
	}

	// Initialize & notify.
	for _, reg := range configured {
		if err := c.initializeAndNotify(reg); err != nil {
			return false, err
		}
	}
	c.finishGroupParents(configured)

	// Publishing a profile-conditional service freezes the profile set.
	for _, reg := range configured {
		if reg.condition.HasProfiles() {
			c.lockProfiles()
			break
		}
	}

	c.emitEvent(EventTypePublishedChanged, map[string]any{"published": len(configured)})
	if anyPending || len(configured) < len(ordered) {
		return false, nil
	}
	return true, nil
}

// construct resolves the registration's dependency slots and invokes its
// factory. Prototype instances constructed for an injection site are
// also configured here, they bypass the publish phases.
func (c *StdContainer) construct(reg *Registration) (any, *publishError) {
	factory := reg.descriptor.Factory
	for base := reg.base; factory == nil && base != nil; base = base.base {
		factory = base.descriptor.Factory
	}
	if factory == nil {
		return nil, fatalPublish(fmt.Errorf("%w: %q", ErrFactoryMissing, reg.name))
	}

	args := make([]any, 0, len(reg.descriptor.Dependencies))
	for _, dep := range reg.descriptor.Dependencies {
		value, perr := c.resolveDependency(reg, dep)
		if perr != nil {
			return nil, perr
		}
		args = append(args, value)
	}
	instance, err := factory(args)
	if err != nil {
		return nil, fatalPublish(fmt.Errorf("constructing %q: %w", reg.name, err))
	}
	if instance == nil {
		return nil, fatalPublish(fmt.Errorf("%w: %q", ErrFactoryReturnedNil, reg.name))
	}
	if reg.scope == ScopePrototype {
		if perr := c.configure(reg, instance); perr != nil {
			return nil, perr
		}
	}
	return instance, nil
}

// expandServiceGroup resolves the group's expansion key to a list of
// strings and creates one singleton child registration per entry. Each
// child shares the parent's descriptor and configuration, with the
// expansion key bound to its entry in the resolved-placeholders map.
func (c *StdContainer) expandServiceGroup(parent *Registration) ([]*Registration, *publishError) {
	if len(parent.children) > 0 {
		return parent.children, nil
	}
	key := parent.config.ServiceGroupKey
	group, perr := c.resolvedGroup(parent)
	if perr != nil {
		return nil, perr
	}
	lookupKey := key
	if group != "" && !strings.HasPrefix(key, "/") {
		lookupKey = group + "/" + key
	}
	raw, ok := c.ConfigurationValue(strings.TrimPrefix(lookupKey, "/"))
	if !ok {
		return nil, fixablePublish(fmt.Errorf("%w: %q for group %q", ErrUnresolvedPlaceholder, key, parent.name))
	}
	entries, err := stringList(raw)
	if err != nil {
		return nil, fatalPublish(fmt.Errorf("%w: %q: %v", ErrServiceGroupNotList, parent.name, err))
	}

	c.mu.Lock()
	for _, entry := range entries {
		child := &Registration{
			container:            c,
			index:                len(c.regs),
			name:                 parent.name + "-" + entry,
			synthetic:            true,
			descriptor:           parent.descriptor,
			scope:                ScopeSingleton,
			condition:            parent.condition,
			config:               parent.config,
			base:                 parent.base,
			groupParent:          parent,
			resolvedPlaceholders: map[string]any{key: entry},
			subscribers:          newSubscriberList(),
		}
		c.regs = append(c.regs, child)
		c.nameIndex[child.name] = append(c.nameIndex[child.name], child)
		parent.children = append(parent.children, child)
	}
	parent.state = StateNeedsConfiguration
	children := parent.children
	c.mu.Unlock()

	c.logger.Debug("Expanded service group", "name", parent.name, "entries", len(entries))
	return children, nil
}

func stringList(raw any) ([]string, error) {
	switch v := raw.(type) {
	case []string:
		return v, nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, fmt.Sprintf("%v", item))
		}
		return out, nil
	case string:
		return splitProfileList(v), nil
	default:
		return nil, fmt.Errorf("value of type %T is not a list", raw)
	}
}

// finishGroupParents marks group parents published once every child is.
func (c *StdContainer) finishGroupParents(published []*Registration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, reg := range published {
		parent := reg.groupParent
		if parent == nil || parent.state == StatePublished {
			continue
		}
		done := true
		for _, child := range parent.children {
			if child.state != StatePublished {
				done = false
				break
			}
		}
		if done {
			parent.state = StatePublished
		}
	}
}

// effectiveProperties merges the configuration property maps along the
// base-template chain, base templates first and the registration's own
// entries overriding. The returned names are sorted for deterministic
// application order.
func (r *Registration) effectiveProperties() (map[string]ConfigValue, []string) {
	var chain []*Registration
	for base := r.base; base != nil; base = base.base {
		chain = append(chain, base)
	}
	merged := make(map[string]ConfigValue)
	for i := len(chain) - 1; i >= 0; i-- {
		for name, value := range chain[i].config.Properties {
			merged[name] = value
		}
	}
	for name, value := range r.config.Properties {
		merged[name] = value
	}
	names := make([]string, 0, len(merged))
	for name := range merged {
		names = append(names, name)
	}
	sort.Strings(names)
	return merged, names
}

// configure applies the registration's merged configuration to the
// instance: service values inject other registrations' instances,
// private values accumulate into the resolved-placeholders map only,
// everything else runs through the placeholder resolver and is written
// via the setter or the introspector.
func (c *StdContainer) configure(reg *Registration, instance any) *publishError {
	// Base templates contribute their already-resolved placeholders
	// before local values overlay them.
	for base := reg.base; base != nil; base = base.base {
		for key, value := range base.resolvedPlaceholders {
			if _, present := reg.resolvedPlaceholders[key]; !present {
				reg.resolvedPlaceholders[key] = value
			}
		}
	}
	group, perr := c.resolvedGroup(reg)
	if perr != nil {
		return perr
	}

	properties, names := reg.effectiveProperties()
	for _, name := range names {
		value := properties[name]
		resolved, perr := c.resolveConfigValue(reg, name, value, group)
		if perr != nil {
			return perr
		}
		reg.resolvedPlaceholders[name] = resolved
		if value.Kind == ConfigPrivate {
			continue
		}
		if err := c.applyProperty(reg, instance, name, value, resolved); err != nil {
			return fatalPublish(err)
		}
		if value.Kind == ConfigAutoRefresh {
			c.refresh.watchProperty(reg, name, value, group)
		}
	}
	if reg.scope != ScopePrototype {
		c.mu.Lock()
		reg.state = StateNeedsConfiguration
		c.mu.Unlock()
	}
	return nil
}

// resolveConfigValue produces the final value for one configuration
// entry.
func (c *StdContainer) resolveConfigValue(reg *Registration, name string, value ConfigValue, group string) (any, *publishError) {
	var resolved any
	switch expr := value.Expression.(type) {
	case *Registration:
		if expr.scope == ScopeServiceGroup {
			var instances []any
			for _, child := range expr.children {
				instances = append(instances, child.instance)
			}
			resolved = instances
		} else {
			if expr.instance == nil {
				return nil, fixablePublish(fmt.Errorf("%w: %q for property %q of %q",
					ErrDependencyNotFound, expr.name, name, reg.name))
			}
			resolved = expr.instance
		}

	case string:
		if strings.HasPrefix(expr, "&") && len(expr) > 1 {
			target := c.GetRegistration(expr[1:])
			if target == nil || target.instance == nil {
				return nil, fixablePublish(fmt.Errorf("%w: %s for property %q of %q",
					ErrUnresolvedReference, expr, name, reg.name))
			}
			resolved = target.instance
			break
		}
		parsed, err := c.parsedExpression(expr)
		if err != nil {
			return nil, fatalPublish(err)
		}
		if !parsed.HasPlaceholders() {
			resolved = expr
			break
		}
		out, err := parsed.resolve(c.ConfigurationValue, group, reg.resolvedPlaceholders)
		if err != nil {
			return nil, fixablePublish(fmt.Errorf("property %q of %q: %w", name, reg.name, err))
		}
		resolved = out

	default:
		resolved = value.Expression
	}

	if value.Convert != nil {
		converted, err := value.Convert(resolved)
		if err != nil {
			return nil, fatalPublish(fmt.Errorf("%w: property %q of %q: %v", ErrConversionFailed, name, reg.name, err))
		}
		resolved = converted
	}
	return resolved, nil
}

// applyProperty writes one resolved value onto the instance.
func (c *StdContainer) applyProperty(reg *Registration, instance any, name string, value ConfigValue, resolved any) error {
	if value.Setter != nil {
		if err := value.Setter(instance, resolved); err != nil {
			return fmt.Errorf("%w: %q on %q: %v", ErrPropertyWriteFailed, name, reg.name, err)
		}
		return nil
	}
	introspector := reg.descriptor.Introspection
	if introspector == nil {
		introspector = c.introspector
	}
	if err := introspector.Write(instance, name, resolved); err != nil {
		return fmt.Errorf("%q on %q: %w", name, reg.name, err)
	}
	return nil
}

func (c *StdContainer) autowireEnabled(reg *Registration) bool {
	if reg.config.Autowire {
		return true
	}
	for base := reg.base; base != nil; base = base.base {
		if base.config.Autowire {
			return true
		}
	}
	return false
}

// autowireProperties fills unconfigured object-typed writable properties
// of the instance. A configuration-path lookup under the group may name
// the source registration; otherwise a single assignable published
// candidate is injected. Ambiguity logs a warning and skips the
// property; self-injection is never performed.
func (c *StdContainer) autowireProperties(reg *Registration) {
	introspector := reg.descriptor.Introspection
	if introspector == nil {
		introspector = c.introspector
	}
	properties, _ := reg.effectiveProperties()
	group, perr := c.resolvedGroup(reg)
	if perr != nil {
		return
	}

	for _, prop := range introspector.Properties(reg.descriptor.Impl) {
		if !prop.Writable {
			continue
		}
		if _, configured := properties[prop.Name]; configured {
			continue
		}
		kind := prop.Type.Kind()
		if kind != reflect.Ptr && kind != reflect.Interface {
			continue
		}

		source := c.autowireByConfigPath(reg, group, prop.Name)
		if source == nil {
			source = c.autowireByType(reg, prop.Type)
		}
		if source == nil {
			continue
		}
		if err := introspector.Write(reg.instance, prop.Name, source.instance); err != nil {
			c.logger.Warn("Autowire write failed", "name", reg.name, "property", prop.Name, "error", err)
			continue
		}
		c.logger.Debug("Autowired property", "name", reg.name, "property", prop.Name, "source", source.name)
	}
}

func (c *StdContainer) autowireByConfigPath(reg *Registration, group, property string) *Registration {
	path := property
	if group != "" {
		path = group + "/" + property
	}
	raw, ok := c.ConfigurationValue(path)
	if !ok {
		return nil
	}
	name := strings.TrimPrefix(fmt.Sprintf("%v", raw), "&")
	source := c.GetRegistration(name)
	if source == nil || source == reg || source.instance == nil {
		return nil
	}
	return source
}

func (c *StdContainer) autowireByType(reg *Registration, propType reflect.Type) *Registration {
	c.mu.RLock()
	regs := make([]*Registration, len(c.regs))
	copy(regs, c.regs)
	c.mu.RUnlock()

	var found *Registration
	for _, candidate := range regs {
		if candidate == reg || !candidate.scope.IsInjectable() {
			continue
		}
		if candidate.instance == nil {
			continue
		}
		if !candidate.condition.Matches(c) || !candidate.descriptor.covers(propType) {
			continue
		}
		if found != nil {
			c.logger.Warn("Ambiguous autowire candidates, skipping", "name", reg.name, "type", propType)
			return nil
		}
		found = candidate
	}
	return found
}

// initializeAndNotify runs the initializer found on the registration or
// its base-template chain, then publishes the object to subscribers and
// observers. Before-publish initializers run ahead of the notification;
// when none exists an after-publish initializer runs behind it.
func (c *StdContainer) initializeAndNotify(reg *Registration) error {
	findInit := func(policy InitPolicy) Initializer {
		if reg.descriptor.Init != nil && reg.descriptor.InitPolicy == policy {
			return reg.descriptor.Init
		}
		for base := reg.base; base != nil; base = base.base {
			if base.descriptor.Init != nil && base.descriptor.InitPolicy == policy {
				return base.descriptor.Init
			}
		}
		return nil
	}

	before := findInit(InitBeforePublish)
	if before != nil {
		if err := before(reg.instance, c); err != nil {
			return fmt.Errorf("%w: %q: %v", ErrInitializerFailed, reg.name, err)
		}
	}

	c.mu.Lock()
	reg.state = StatePublished
	c.mu.Unlock()

	c.logger.Info("Published service", "name", reg.name, "scope", reg.scope)
	c.emitEvent(EventTypeObjectPublished, map[string]any{"name": reg.name, "index": reg.index})
	reg.emitPublished(reg.instance)

	if before == nil {
		if after := findInit(InitAfterPublish); after != nil {
			if err := after(reg.instance, c); err != nil {
				return fmt.Errorf("%w: %q: %v", ErrInitializerFailed, reg.name, err)
			}
		}
	}
	return nil
}
