// Observer pattern interfaces for the container's lifecycle
// notifications. Events use the CloudEvents specification for a
// standardized event format and interoperability with external systems.

package qtdi

import (
	"context"
	"sync"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
)

// CloudEvent is an alias for the CloudEvents Event type for convenience.
type CloudEvent = cloudevents.Event

// Observer defines the interface for objects that want to be notified of
// container events. Observers register with the container to receive
// notifications when registrations, publications, or profile changes
// occur.
type Observer interface {
	// OnEvent is called when an event occurs that the observer is
	// interested in. Observers should handle events quickly to avoid
	// blocking other observers.
	OnEvent(ctx context.Context, event cloudevents.Event) error

	// ObserverID returns a unique identifier for this observer, used for
	// registration tracking and debugging.
	ObserverID() string
}

// Subject defines the interface for objects that can be observed. The
// container implements Subject and notifies observers of its lifecycle
// events.
type Subject interface {
	// RegisterObserver adds an observer to receive notifications.
	// Observers can optionally filter events by type; an empty eventTypes
	// list receives all events.
	RegisterObserver(observer Observer, eventTypes ...string) error

	// UnregisterObserver removes an observer. Idempotent.
	UnregisterObserver(observer Observer) error

	// NotifyObservers sends an event to all registered observers.
	NotifyObservers(ctx context.Context, event cloudevents.Event) error

	// GetObservers returns information about registered observers.
	GetObservers() []ObserverInfo
}

// ObserverInfo provides information about a registered observer.
type ObserverInfo struct {
	// ID is the unique identifier of the observer
	ID string `json:"id"`

	// EventTypes are the event types this observer is subscribed to.
	// Empty slice means all events.
	EventTypes []string `json:"eventTypes"`

	// RegisteredAt indicates when the observer was registered
	RegisteredAt time.Time `json:"registeredAt"`
}

// EventType constants for container events, using reverse domain
// notation per the CloudEvents specification.
const (
	// EventTypePendingPublicationChanged fires after a registration is
	// added or a published registration returns to the pending set.
	EventTypePendingPublicationChanged = "com.qtdi.container.pendingPublicationChanged"

	// EventTypePublishedChanged fires after the published set changes.
	EventTypePublishedChanged = "com.qtdi.container.publishedChanged"

	// EventTypeActiveProfilesChanged fires after the active profile set
	// is replaced.
	EventTypeActiveProfilesChanged = "com.qtdi.container.activeProfilesChanged"

	// EventTypeObjectPublished fires for every individual service object
	// that reaches the published state.
	EventTypeObjectPublished = "com.qtdi.registration.objectPublished"

	// EventTypeRegistrationRemoved fires when an externally-owned
	// object's destruction removes its registration.
	EventTypeRegistrationRemoved = "com.qtdi.registration.removed"
)

// FunctionalObserver provides a simple way to create observers using
// functions, without defining full structs.
type FunctionalObserver struct {
	id      string
	handler func(ctx context.Context, event cloudevents.Event) error
}

// NewFunctionalObserver creates an observer that delegates to the
// provided handler function.
func NewFunctionalObserver(id string, handler func(ctx context.Context, event cloudevents.Event) error) Observer {
	return &FunctionalObserver{id: id, handler: handler}
}

// OnEvent implements Observer.
func (f *FunctionalObserver) OnEvent(ctx context.Context, event cloudevents.Event) error {
	return f.handler(ctx, event)
}

// ObserverID implements Observer.
func (f *FunctionalObserver) ObserverID() string {
	return f.id
}

// NewCloudEvent creates a CloudEvent with the container's conventions:
// a UUIDv7 ID, the current timestamp, and JSON-encoded data.
func NewCloudEvent(eventType, source string, data interface{}, metadata map[string]interface{}) cloudevents.Event {
	event := cloudevents.NewEvent()
	event.SetID(generateEventID())
	event.SetSource(source)
	event.SetType(eventType)
	event.SetTime(time.Now())
	event.SetSpecVersion(cloudevents.VersionV1)

	if data != nil {
		_ = event.SetData(cloudevents.ApplicationJSON, data)
	}
	for key, value := range metadata {
		event.SetExtension(key, value)
	}
	return event
}

// generateEventID generates a unique identifier using UUIDv7, which
// provides time-ordered uniqueness. Falls back to v4.
func generateEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return id.String()
}

// observerRegistration holds the bookkeeping for one registered observer.
type observerRegistration struct {
	observer     Observer
	eventTypes   map[string]bool
	registeredAt time.Time
}

// subjectState is the container-embedded Subject implementation.
type subjectState struct {
	mu        sync.RWMutex
	observers map[string]*observerRegistration
	logger    Logger
}

func newSubjectState(logger Logger) *subjectState {
	return &subjectState{
		observers: make(map[string]*observerRegistration),
		logger:    logger,
	}
}

// RegisterObserver implements Subject.
func (s *subjectState) RegisterObserver(observer Observer, eventTypes ...string) error {
	if observer == nil {
		return ErrNilObserver
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	eventTypeMap := make(map[string]bool)
	for _, eventType := range eventTypes {
		eventTypeMap[eventType] = true
	}
	s.observers[observer.ObserverID()] = &observerRegistration{
		observer:     observer,
		eventTypes:   eventTypeMap,
		registeredAt: time.Now(),
	}
	s.logger.Debug("Observer registered", "observerID", observer.ObserverID(), "eventTypes", eventTypes)
	return nil
}

// UnregisterObserver implements Subject. Idempotent.
func (s *subjectState) UnregisterObserver(observer Observer) error {
	if observer == nil {
		return ErrNilObserver
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.observers, observer.ObserverID())
	return nil
}

// NotifyObservers implements Subject. Observer callbacks run
// synchronously in registration-independent map order; errors are logged
// and do not interrupt the fan-out.
func (s *subjectState) NotifyObservers(ctx context.Context, event cloudevents.Event) error {
	if event.Time().IsZero() {
		event.SetTime(time.Now())
	}

	s.mu.RLock()
	interested := make([]Observer, 0, len(s.observers))
	for _, registration := range s.observers {
		if len(registration.eventTypes) > 0 && !registration.eventTypes[event.Type()] {
			continue
		}
		interested = append(interested, registration.observer)
	}
	s.mu.RUnlock()

	for _, observer := range interested {
		if err := observer.OnEvent(ctx, event); err != nil {
			s.logger.Error("Observer error", "observerID", observer.ObserverID(), "event", event.Type(), "error", err)
		}
	}
	return nil
}

// GetObservers implements Subject.
func (s *subjectState) GetObservers() []ObserverInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	infos := make([]ObserverInfo, 0, len(s.observers))
	for _, registration := range s.observers {
		eventTypes := make([]string, 0, len(registration.eventTypes))
		for eventType := range registration.eventTypes {
			eventTypes = append(eventTypes, eventType)
		}
		infos = append(infos, ObserverInfo{
			ID:           registration.observer.ObserverID(),
			EventTypes:   eventTypes,
			RegisteredAt: registration.registeredAt,
		})
	}
	return infos
}
