package qtdi

import (
	"fmt"
	"reflect"
	"sync"
)

// Bind connects a property of every published source object to a
// property of every published target object. Whenever the source
// property changes, its value is written to all targets; objects
// published later are folded into the binding. At most one binding may
// target any given (registration, property) pair.
//
// A source property without change notification produces a warning and a
// one-shot binding: the value is copied once per published pair.
func (c *StdContainer) Bind(source *Registration, sourceProperty string, target *Registration, targetProperty string) (*Subscription, error) {
	if err := c.checkOwner(); err != nil {
		return nil, err
	}
	if source == nil || target == nil {
		return nil, ErrNoRegistrations
	}
	if source == target && sourceProperty == targetProperty {
		return nil, ErrSelfBinding
	}

	srcProp, err := c.propertyInfo(source, sourceProperty)
	if err != nil {
		return nil, err
	}
	tgtProp, err := c.propertyInfo(target, targetProperty)
	if err != nil {
		return nil, err
	}
	if !tgtProp.Writable {
		return nil, fmt.Errorf("%w: %q on %s", ErrPropertyNotWritable, targetProperty, target.name)
	}
	if !bindableTypes(srcProp.Type, tgtProp.Type) {
		return nil, fmt.Errorf("%w: cannot bind %s to %s", ErrPropertyTypeMismatch, srcProp.Type, tgtProp.Type)
	}
	if !srcProp.Notifying {
		c.logger.Warn("Source property does not notify changes, binding is one-shot",
			"source", source.name, "property", sourceProperty)
	}

	key := boundProperty{target: target, property: targetProperty}
	c.mu.Lock()
	if c.boundProperties[key] {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %q on %s", ErrDuplicateBinding, targetProperty, target.name)
	}
	c.boundProperties[key] = true
	c.mu.Unlock()

	b := &binding{
		container:      c,
		sourceProperty: sourceProperty,
		targetProperty: targetProperty,
		notifying:      srcProp.Notifying,
		introspector:   c.introspector,
		observerStops:  make(map[any]func()),
	}

	sub := newSubscription()
	sub.addCancel(func() {
		c.mu.Lock()
		delete(c.boundProperties, key)
		c.mu.Unlock()
		b.teardown()
	})

	srcSub, err := source.Subscribe(b.sourceAppeared, DeliveryDirect)
	if err != nil {
		sub.Cancel()
		return nil, err
	}
	sub.addCancel(srcSub.Cancel)

	tgtSub, err := target.Subscribe(b.targetAppeared, DeliveryDirect)
	if err != nil {
		sub.Cancel()
		return nil, err
	}
	sub.addCancel(tgtSub.Cancel)

	c.logger.Debug("Bound property",
		"source", source.name, "sourceProperty", sourceProperty,
		"target", target.name, "targetProperty", targetProperty)
	return sub, nil
}

// Autowire subscribes setter to every current and future published
// instance of the source registration's primary service type.
func (c *StdContainer) Autowire(source *Registration, setter func(service any)) (*Subscription, error) {
	if source == nil {
		return nil, ErrNoRegistrations
	}
	if setter == nil {
		return nil, ErrNilObserver
	}
	return source.Subscribe(setter, DeliveryAuto)
}

func (c *StdContainer) propertyInfo(reg *Registration, name string) (PropertyInfo, error) {
	introspector := reg.descriptor.Introspection
	if introspector == nil {
		introspector = c.introspector
	}
	for _, prop := range introspector.Properties(reg.descriptor.Impl) {
		if prop.Name == name {
			return prop, nil
		}
	}
	return PropertyInfo{}, fmt.Errorf("%w: %q on %s", ErrPropertyNotFound, name, reg.descriptor.Impl)
}

// bindableTypes mirrors the write-side conversion rules: assignable,
// convertible, or a string source that the cast layer can coerce.
func bindableTypes(src, dst reflect.Type) bool {
	if src == nil || dst == nil {
		return false
	}
	if src.AssignableTo(dst) || src.ConvertibleTo(dst) {
		return true
	}
	return src.Kind() == reflect.String
}

// binding holds the live state of one property binding: the published
// source and target objects and the per-source change observers.
type binding struct {
	container      *StdContainer
	sourceProperty string
	targetProperty string
	notifying      bool
	introspector   Introspector

	mu            sync.Mutex
	sources       []any
	targets       []any
	observerStops map[any]func()
	torn          bool
}

func (b *binding) sourceAppeared(source any) {
	b.mu.Lock()
	if b.torn {
		b.mu.Unlock()
		return
	}
	b.sources = append(b.sources, source)
	targets := append([]any(nil), b.targets...)
	b.mu.Unlock()

	b.propagate(source, targets)

	if !b.notifying {
		return
	}
	stop, err := b.introspector.Observe(source, b.sourceProperty, func(value any) {
		b.mu.Lock()
		targets := append([]any(nil), b.targets...)
		torn := b.torn
		b.mu.Unlock()
		if torn {
			return
		}
		for _, target := range targets {
			b.write(target, value)
		}
	})
	if err != nil {
		b.container.logger.Warn("Cannot observe bound property",
			"property", b.sourceProperty, "error", err)
		return
	}
	b.mu.Lock()
	if b.torn {
		b.mu.Unlock()
		stop()
		return
	}
	b.observerStops[source] = stop
	b.mu.Unlock()
}

func (b *binding) targetAppeared(target any) {
	b.mu.Lock()
	if b.torn {
		b.mu.Unlock()
		return
	}
	b.targets = append(b.targets, target)
	sources := append([]any(nil), b.sources...)
	b.mu.Unlock()

	// A new target immediately receives the current value of every
	// published source.
	for _, source := range sources {
		value, err := b.introspector.Read(source, b.sourceProperty)
		if err != nil {
			continue
		}
		b.write(target, value)
	}
}

func (b *binding) propagate(source any, targets []any) {
	value, err := b.introspector.Read(source, b.sourceProperty)
	if err != nil {
		b.container.logger.Warn("Cannot read bound property",
			"property", b.sourceProperty, "error", err)
		return
	}
	for _, target := range targets {
		b.write(target, value)
	}
}

func (b *binding) write(target any, value any) {
	if err := b.introspector.Write(target, b.targetProperty, value); err != nil {
		b.container.logger.Error("Binding write failed",
			"property", b.targetProperty, "error", err)
	}
}

func (b *binding) teardown() {
	b.mu.Lock()
	b.torn = true
	stops := b.observerStops
	b.observerStops = map[any]func(){}
	b.sources = nil
	b.targets = nil
	b.mu.Unlock()
	for _, stop := range stops {
		stop()
	}
}
