package qtdi

import (
	"errors"
)

// Container errors
var (
	// Registration errors
	ErrWrongGoroutine          = errors.New("container mutation attempted from a non-owner goroutine")
	ErrContainerDestroyed      = errors.New("container has been destroyed")
	ErrNilDescriptor           = errors.New("descriptor is nil")
	ErrNilExternalObject       = errors.New("external registration requires a non-nil object")
	ErrNameConditionConflict   = errors.New("registration name already taken by an overlapping condition")
	ErrDescriptorIntersects    = errors.New("descriptor advertises an intersecting service-type set")
	ErrUnknownBaseTemplate     = errors.New("base template is not registered with this container")
	ErrBaseTemplateNotTemplate = errors.New("base registration is not a template")
	ErrBaseTemplateMismatch    = errors.New("implementation type does not derive from base template type")
	ErrPropertyNotFound        = errors.New("configured property does not exist on implementation type")
	ErrCircularDependency      = errors.New("circular dependency detected")
	ErrInvalidDependency       = errors.New("invalid dependency descriptor")
	ErrInvalidScope            = errors.New("invalid registration scope")

	// Resolution errors
	ErrUnresolvedPlaceholder = errors.New("placeholder could not be resolved")
	ErrUnresolvedReference   = errors.New("bean reference does not resolve to an active registration")
	ErrAmbiguousDependency   = errors.New("ambiguous dependency: multiple candidate registrations")
	ErrDependencyNotFound    = errors.New("no registration satisfies mandatory dependency")

	// Placeholder grammar errors
	ErrUnbalancedPlaceholder  = errors.New("unbalanced braces in placeholder expression")
	ErrInvalidPlaceholderChar = errors.New("'$' is not permitted inside a placeholder key")
	ErrInvalidWildcard        = errors.New("'*' must be immediately followed by '/'")

	// Construction and configuration errors
	ErrFactoryReturnedNil     = errors.New("factory returned a nil service")
	ErrFactoryMissing         = errors.New("descriptor has no factory")
	ErrPropertyWriteFailed    = errors.New("failed to write property value")
	ErrPropertyNotWritable    = errors.New("property is not writable")
	ErrPropertyTypeMismatch   = errors.New("source value cannot be converted to target property type")
	ErrConversionFailed       = errors.New("value conversion failed")
	ErrInitializerFailed      = errors.New("service initializer failed")
	ErrServiceGroupKeyMissing = errors.New("service-group registration requires an expansion placeholder")
	ErrServiceGroupNotList    = errors.New("service-group placeholder did not resolve to a list")
	ErrPostProcessorFailed    = errors.New("post-processor failed")

	// Profile errors
	ErrProfilesEmpty = errors.New("active profile set must not be empty")

	// Subscription and binding errors
	ErrDuplicateBinding = errors.New("property is already the target of a binding")
	ErrSelfBinding      = errors.New("cannot bind a registration to itself on the same property")
	ErrNoRegistrations  = errors.New("at least one registration is required")

	// Cross-goroutine handshake errors
	ErrCrossCallTimeout = errors.New("timed out waiting for the owner goroutine")

	// Introspection errors
	ErrTargetNotStruct    = errors.New("introspection target must be a struct or pointer to struct")
	ErrObserveUnsupported = errors.New("target does not support property observation")

	// Settings errors
	ErrNilSettingsSource = errors.New("settings source is nil")

	// Observer errors
	ErrNilObserver = errors.New("observer cannot be nil")
)
