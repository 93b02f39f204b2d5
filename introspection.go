package qtdi

import (
	"fmt"
	"reflect"
	"strconv"
	"sync"
	"time"
	"unicode"

	"github.com/golobby/cast"
)

var durationType = reflect.TypeOf(time.Duration(0))

// PropertyInfo describes one named property of an implementation type as
// reported by an Introspector.
type PropertyInfo struct {
	// Name is the property name used in service configuration and bindings.
	Name string

	// Type is the Go type of the property value.
	Type reflect.Type

	// Writable reports whether the container may set the property.
	Writable bool

	// Notifying reports whether instances emit change notifications for
	// this property, making it usable as a binding source.
	Notifying bool

	// Bindable reports whether the property may participate in bindings
	// as a target.
	Bindable bool
}

// Introspector is the bridge between the container and the object runtime.
// It reports the named properties of an implementation type and provides
// generic property access on live instances. The container never inspects
// service objects in any other way, so alternative implementations
// (generated descriptors, codegen) can be plugged in per descriptor or
// per container.
type Introspector interface {
	// Properties returns the property tuples of the given implementation
	// type. Unknown or non-struct types yield an empty slice.
	Properties(impl reflect.Type) []PropertyInfo

	// Read returns the current value of a named property on target.
	Read(target any, name string) (any, error)

	// Write sets a named property on target, converting the value to the
	// property type where necessary.
	Write(target any, name string, value any) error

	// Observe installs fn as a change observer for a named property on
	// target. It returns a cancel function that disconnects the observer.
	// Targets that do not support change notification return
	// ErrObserveUnsupported.
	Observe(target any, name string, fn func(value any)) (func(), error)
}

// PropertyNotifier is implemented by service objects that emit property
// change notifications. Objects may embed PropertyChangeEmitter to gain a
// conforming implementation.
type PropertyNotifier interface {
	// OnPropertyChanged registers fn to be invoked for every property
	// change. The returned function cancels the registration.
	OnPropertyChanged(fn func(name string, value any)) (cancel func())
}

// propertyChangeBroadcaster is the write-side counterpart of
// PropertyNotifier; the standard introspector notifies through it after
// container-driven writes so that bindings and auto-refresh propagate.
type propertyChangeBroadcaster interface {
	NotifyPropertyChanged(name string, value any)
}

// PropertyChangeEmitter provides change notification for service objects.
// Embed it in an implementation struct and call NotifyPropertyChanged from
// setters to make properties usable as binding sources.
type PropertyChangeEmitter struct {
	mu        sync.Mutex
	next      int
	observers map[int]func(name string, value any)
}

// OnPropertyChanged implements PropertyNotifier.
func (e *PropertyChangeEmitter) OnPropertyChanged(fn func(name string, value any)) (cancel func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.observers == nil {
		e.observers = make(map[int]func(name string, value any))
	}
	id := e.next
	e.next++
	e.observers[id] = fn
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.observers, id)
	}
}

// NotifyPropertyChanged fans a property change out to all observers.
func (e *PropertyChangeEmitter) NotifyPropertyChanged(name string, value any) {
	e.mu.Lock()
	observers := make([]func(string, any), 0, len(e.observers))
	for _, fn := range e.observers {
		observers = append(observers, fn)
	}
	e.mu.Unlock()
	for _, fn := range observers {
		fn(name, value)
	}
}

// StdIntrospector is the default reflect-based Introspector. Property
// names derive from exported struct fields (first rune lowered), or from
// a `property:"..."` struct tag when present. Fields tagged `property:"-"`
// are hidden.
type StdIntrospector struct {
	mu    sync.RWMutex
	cache map[reflect.Type][]PropertyInfo
}

// NewStdIntrospector creates the default introspector.
func NewStdIntrospector() *StdIntrospector {
	return &StdIntrospector{cache: make(map[reflect.Type][]PropertyInfo)}
}

// Properties implements Introspector.
func (in *StdIntrospector) Properties(impl reflect.Type) []PropertyInfo {
	st := structType(impl)
	if st == nil {
		return nil
	}

	in.mu.RLock()
	props, ok := in.cache[st]
	in.mu.RUnlock()
	if ok {
		return props
	}

	notifying := implementsNotifier(impl)
	props = make([]PropertyInfo, 0, st.NumField())
	for i := 0; i < st.NumField(); i++ {
		field := st.Field(i)
		if !field.IsExported() || field.Anonymous {
			continue
		}
		name := propertyName(field)
		if name == "" {
			continue
		}
		props = append(props, PropertyInfo{
			Name:      name,
			Type:      field.Type,
			Writable:  true,
			Notifying: notifying,
			Bindable:  true,
		})
	}

	in.mu.Lock()
	in.cache[st] = props
	in.mu.Unlock()
	return props
}

// Read implements Introspector.
func (in *StdIntrospector) Read(target any, name string) (any, error) {
	field, err := fieldByProperty(target, name)
	if err != nil {
		return nil, err
	}
	return field.Interface(), nil
}

// Write implements Introspector. String values are converted to the field
// type via golobby/cast when direct assignment is not possible. After a
// successful write the change is broadcast when the target supports it.
func (in *StdIntrospector) Write(target any, name string, value any) error {
	field, err := fieldByProperty(target, name)
	if err != nil {
		return err
	}
	if !field.CanSet() {
		return fmt.Errorf("%w: %s", ErrPropertyNotWritable, name)
	}

	converted, err := convertToType(value, field.Type())
	if err != nil {
		return fmt.Errorf("%w: property %s: %w", ErrPropertyTypeMismatch, name, err)
	}
	field.Set(converted)

	if broadcaster, ok := target.(propertyChangeBroadcaster); ok {
		broadcaster.NotifyPropertyChanged(name, field.Interface())
	}
	return nil
}

// Observe implements Introspector. The target must implement
// PropertyNotifier (typically by embedding PropertyChangeEmitter).
func (in *StdIntrospector) Observe(target any, name string, fn func(value any)) (func(), error) {
	notifier, ok := target.(PropertyNotifier)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrObserveUnsupported, target)
	}
	cancel := notifier.OnPropertyChanged(func(changed string, value any) {
		if changed == name {
			fn(value)
		}
	})
	return cancel, nil
}

// convertToType converts value into a reflect.Value assignable to t.
func convertToType(value any, t reflect.Type) (reflect.Value, error) {
	if value == nil {
		return reflect.Zero(t), nil
	}
	v := reflect.ValueOf(value)
	if v.Type().AssignableTo(t) {
		return v, nil
	}
	if s, ok := value.(string); ok {
		// cast does not know time.Duration; accept "250ms"-style strings
		// and bare integers read as nanoseconds.
		if t == durationType {
			if d, err := time.ParseDuration(s); err == nil {
				return reflect.ValueOf(d), nil
			}
			if n, err := strconv.ParseInt(s, 10, 64); err == nil {
				return reflect.ValueOf(time.Duration(n)), nil
			}
			return reflect.Value{}, fmt.Errorf("%w: %q to %s", ErrConversionFailed, s, t)
		}
		converted, err := cast.FromType(s, t)
		if err != nil {
			return reflect.Value{}, fmt.Errorf("%w: %w", ErrConversionFailed, err)
		}
		cv := reflect.ValueOf(converted)
		if cv.Type().AssignableTo(t) {
			return cv, nil
		}
		if cv.Type().ConvertibleTo(t) {
			return cv.Convert(t), nil
		}
		return reflect.Value{}, fmt.Errorf("%w: %T to %s", ErrConversionFailed, converted, t)
	}
	// Go's numeric-to-string conversion yields a rune, never a decimal
	// rendering, so string targets go through formatting instead.
	if t.Kind() == reflect.String {
		return reflect.ValueOf(fmt.Sprintf("%v", value)).Convert(t), nil
	}
	if v.Type().ConvertibleTo(t) {
		return v.Convert(t), nil
	}
	return reflect.Value{}, fmt.Errorf("%w: %T to %s", ErrConversionFailed, value, t)
}

// structType unwraps pointers down to the underlying struct type, or
// returns nil if impl does not describe a struct.
func structType(impl reflect.Type) reflect.Type {
	if impl == nil {
		return nil
	}
	for impl.Kind() == reflect.Ptr {
		impl = impl.Elem()
	}
	if impl.Kind() != reflect.Struct {
		return nil
	}
	return impl
}

func implementsNotifier(impl reflect.Type) bool {
	notifier := reflect.TypeOf((*PropertyNotifier)(nil)).Elem()
	if impl.Implements(notifier) {
		return true
	}
	if impl.Kind() != reflect.Ptr {
		return reflect.PointerTo(impl).Implements(notifier)
	}
	return false
}

func propertyName(field reflect.StructField) string {
	if tag, ok := field.Tag.Lookup("property"); ok {
		if tag == "-" {
			return ""
		}
		return tag
	}
	runes := []rune(field.Name)
	runes[0] = unicode.ToLower(runes[0])
	return string(runes)
}

func fieldByProperty(target any, name string) (reflect.Value, error) {
	if target == nil {
		return reflect.Value{}, fmt.Errorf("%w: nil target", ErrTargetNotStruct)
	}
	v := reflect.ValueOf(target)
	for v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return reflect.Value{}, fmt.Errorf("%w: nil target", ErrTargetNotStruct)
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return reflect.Value{}, fmt.Errorf("%w: %T", ErrTargetNotStruct, target)
	}
	st := v.Type()
	for i := 0; i < st.NumField(); i++ {
		field := st.Field(i)
		if !field.IsExported() || field.Anonymous {
			continue
		}
		if propertyName(field) == name {
			return v.Field(i), nil
		}
	}
	return reflect.Value{}, fmt.Errorf("%w: %s on %s", ErrPropertyNotFound, name, st)
}
