package qtdi

import (
	"fmt"
	"reflect"
	"slices"
	"strings"
)

// Factory constructs a service instance from its resolved dependency
// vector. The slice holds one entry per descriptor dependency, in order:
// the matched instance for mandatory and optional slots (nil when an
// optional slot is unmatched), a []any for all-of slots, the Container
// for parent slots, and the literal or resolved value otherwise.
type Factory func(deps []any) (any, error)

// Initializer is invoked on a constructed, configured service before or
// after its published notification, depending on the descriptor's
// InitPolicy.
type Initializer func(service any, c Container) error

// Converter adapts a resolved configuration value before it is injected
// or written to a property.
type Converter func(value any) (any, error)

// InitPolicy controls when a descriptor's Initializer runs relative to
// the published notification.
type InitPolicy int

const (
	// InitBeforePublish invokes the initializer before the published
	// notification is emitted.
	InitBeforePublish InitPolicy = iota

	// InitAfterPublish invokes the initializer after the published
	// notification is emitted.
	InitAfterPublish
)

// DependencyKind is the tag of a dependency-info variant.
type DependencyKind int

const (
	// DependencyMandatory fails publishing when no candidate matches.
	DependencyMandatory DependencyKind = iota

	// DependencyOptional injects nil when no candidate matches.
	DependencyOptional

	// DependencyAll injects the ordered collection of all matching
	// candidates; an empty collection is legal.
	DependencyAll

	// DependencyParent injects the container itself.
	DependencyParent

	// DependencyValue injects a compile-time literal.
	DependencyValue

	// DependencyResolvable injects the result of a configuration
	// expression, falling back to a default.
	DependencyResolvable
)

// Dependency is one slot of a descriptor's ordered dependency list.
type Dependency struct {
	// Kind selects the variant.
	Kind DependencyKind

	// Type is the requested service type for mandatory, optional and
	// all-of slots.
	Type reflect.Type

	// Name optionally narrows candidates to registrations whose name or
	// alias equals one of the comma-separated entries.
	Name string

	// Value is the literal injected by value slots.
	Value any

	// Expression is the configuration expression of resolvable slots.
	Expression string

	// Default is the fallback of resolvable slots when the expression
	// does not resolve.
	Default string

	// HasDefault reports whether Default is meaningful.
	HasDefault bool

	// Convert optionally adapts the resolved value before injection.
	Convert Converter
}

// requiredNames splits the comma-separated name list.
func (d Dependency) requiredNames() []string {
	if d.Name == "" {
		return nil
	}
	parts := strings.Split(d.Name, ",")
	names := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			names = append(names, p)
		}
	}
	return names
}

// equals compares two dependency slots, ignoring converter functions.
func (d Dependency) equals(other Dependency) bool {
	return d.Kind == other.Kind &&
		d.Type == other.Type &&
		d.Name == other.Name &&
		reflect.DeepEqual(d.Value, other.Value) &&
		d.Expression == other.Expression &&
		d.Default == other.Default &&
		d.HasDefault == other.HasDefault
}

// MandatoryDependency declares a slot that must be satisfied by exactly
// one active registration advertising the given type.
func MandatoryDependency(serviceType reflect.Type) Dependency {
	return Dependency{Kind: DependencyMandatory, Type: serviceType}
}

// OptionalDependency declares a slot satisfied by at most one active
// registration; nil is injected when none matches.
func OptionalDependency(serviceType reflect.Type) Dependency {
	return Dependency{Kind: DependencyOptional, Type: serviceType}
}

// AllDependencies declares a slot receiving every matching registration,
// ordered by registration index.
func AllDependencies(serviceType reflect.Type) Dependency {
	return Dependency{Kind: DependencyAll, Type: serviceType}
}

// ParentDependency declares a slot receiving the container itself.
func ParentDependency() Dependency {
	return Dependency{Kind: DependencyParent}
}

// ValueDependency declares a slot receiving a fixed literal.
func ValueDependency(value any) Dependency {
	return Dependency{Kind: DependencyValue, Value: value}
}

// ResolvableDependency declares a slot receiving the result of a
// configuration expression.
func ResolvableDependency(expression string) Dependency {
	return Dependency{Kind: DependencyResolvable, Expression: expression}
}

// TypeOf returns the reflect.Type of T. It is the companion helper for
// declaring typed dependencies and advertised interfaces:
//
//	qtdi.MandatoryDependency(qtdi.TypeOf[*Database]())
//	qtdi.TypeOf[io.Closer]()
func TypeOf[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

// Descriptor is the immutable part of a registration: the implementation
// type, the advertised service types, the ordered dependency list, the
// construction factory, and an optional initializer.
type Descriptor struct {
	// Impl is the implementation type produced by the factory.
	Impl reflect.Type

	// Services is the unordered set of advertised service types. It
	// always contains Impl unless explicitly overridden.
	Services []reflect.Type

	// Dependencies is the ordered list of constructor dependency slots.
	Dependencies []Dependency

	// Factory constructs the service. Required for every scope other
	// than external and template.
	Factory Factory

	// Init is the optional initializer.
	Init Initializer

	// InitPolicy selects when Init runs relative to the published
	// notification.
	InitPolicy InitPolicy

	// Introspection optionally overrides the container's introspector
	// for this descriptor's property lookups.
	Introspection Introspector
}

// NewDescriptor creates a descriptor for the implementation type of
// prototype (usually a nil typed pointer such as (*MyService)(nil)),
// advertising the implementation type itself.
func NewDescriptor(prototype any, factory Factory) *Descriptor {
	impl := reflect.TypeOf(prototype)
	return &Descriptor{
		Impl:     impl,
		Services: []reflect.Type{impl},
		Factory:  factory,
	}
}

// DescriptorOf creates a descriptor for *T with a typed factory.
func DescriptorOf[T any](factory func(deps []any) (*T, error)) *Descriptor {
	return NewDescriptor((*T)(nil), func(deps []any) (any, error) {
		return factory(deps)
	})
}

// Advertises replaces the advertised service-type set. The
// implementation type is retained unless dropImpl is used first.
func (d *Descriptor) Advertises(types ...reflect.Type) *Descriptor {
	for _, t := range types {
		if !slices.Contains(d.Services, t) {
			d.Services = append(d.Services, t)
		}
	}
	return d
}

// WithDependencies appends dependency slots, in order.
func (d *Descriptor) WithDependencies(deps ...Dependency) *Descriptor {
	d.Dependencies = append(d.Dependencies, deps...)
	return d
}

// WithInit attaches an initializer with the given policy.
func (d *Descriptor) WithInit(init Initializer, policy InitPolicy) *Descriptor {
	d.Init = init
	d.InitPolicy = policy
	return d
}

// WithIntrospection overrides the introspector used for this descriptor.
func (d *Descriptor) WithIntrospection(in Introspector) *Descriptor {
	d.Introspection = in
	return d
}

// covers reports whether the descriptor's advertised types satisfy a
// request for t: an exact advertised type, an interface an advertised
// type implements, or an assignable advertised type.
func (d *Descriptor) covers(t reflect.Type) bool {
	if t == nil {
		return false
	}
	for _, s := range d.Services {
		if s == t || s.AssignableTo(t) {
			return true
		}
		if t.Kind() == reflect.Interface && s.Implements(t) {
			return true
		}
	}
	return false
}

// Equals implements descriptor identity: same implementation type, same
// dependency list in order, and an equal set of advertised service
// types. Factories and initializers do not participate in identity.
func (d *Descriptor) Equals(other *Descriptor) bool {
	if d == nil || other == nil {
		return d == other
	}
	if d.Impl != other.Impl || len(d.Dependencies) != len(other.Dependencies) {
		return false
	}
	for i := range d.Dependencies {
		if !d.Dependencies[i].equals(other.Dependencies[i]) {
			return false
		}
	}
	return typeSetEqual(d.Services, other.Services)
}

// Intersects reports descriptor overlap: the advertised service-type
// sets share members without being equal. Such registrations conflict
// under the same name unless their conditions are disjoint.
func (d *Descriptor) Intersects(other *Descriptor) bool {
	if d == nil || other == nil {
		return false
	}
	if typeSetEqual(d.Services, other.Services) {
		return false
	}
	for _, s := range d.Services {
		if slices.Contains(other.Services, s) {
			return true
		}
	}
	return false
}

// validate checks structural integrity at registration time.
func (d *Descriptor) validate(scope Scope) error {
	if d.Impl == nil {
		return fmt.Errorf("%w: missing implementation type", ErrNilDescriptor)
	}
	if scope != ScopeExternal && scope != ScopeTemplate && d.Factory == nil {
		return fmt.Errorf("%w: %s", ErrFactoryMissing, d.Impl)
	}
	for i, dep := range d.Dependencies {
		switch dep.Kind {
		case DependencyMandatory, DependencyOptional, DependencyAll:
			if dep.Type == nil {
				return fmt.Errorf("%w: slot %d has no service type", ErrInvalidDependency, i)
			}
		case DependencyParent:
		case DependencyValue:
			if dep.Value == nil {
				return fmt.Errorf("%w: slot %d has a nil literal", ErrInvalidDependency, i)
			}
		case DependencyResolvable:
			if _, err := ParsePlaceholderExpression(dep.Expression); err != nil {
				return fmt.Errorf("%w: slot %d: %w", ErrInvalidDependency, i, err)
			}
		default:
			return fmt.Errorf("%w: slot %d has unknown kind %d", ErrInvalidDependency, i, dep.Kind)
		}
	}
	return nil
}

func typeSetEqual(a, b []reflect.Type) bool {
	if len(a) != len(b) {
		return false
	}
	for _, t := range a {
		if !slices.Contains(b, t) {
			return false
		}
	}
	return true
}
