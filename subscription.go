package qtdi

import "sync"

// DeliveryMode selects the goroutine a subscription callback runs on.
type DeliveryMode int

const (
	// DeliveryAuto runs the callback synchronously when the event is
	// emitted on the container's owner goroutine and queues it to the
	// owner goroutine otherwise.
	DeliveryAuto DeliveryMode = iota

	// DeliveryDirect always runs the callback synchronously on the
	// emitting goroutine.
	DeliveryDirect

	// DeliveryQueued always posts the callback to the owner goroutine;
	// it runs when the owner services cross calls.
	DeliveryQueued
)

// deliver wraps fn according to the delivery mode.
func (c *StdContainer) deliver(fn func(any), mode DeliveryMode) func(any) {
	switch mode {
	case DeliveryQueued:
		return func(v any) { c.post(func() { fn(v) }) }
	case DeliveryAuto:
		return func(v any) {
			if c.onOwnerGoroutine() {
				fn(v)
			} else {
				c.post(func() { fn(v) })
			}
		}
	default:
		return fn
	}
}

// Subscription is a cancellable reactive link between a published-event
// stream and a subscriber. Cancelling disconnects both the in-bound and
// all out-bound connections the subscription created.
type Subscription struct {
	mu        sync.Mutex
	cancelled bool
	cancels   []func()
}

func newSubscription(cancels ...func()) *Subscription {
	return &Subscription{cancels: cancels}
}

// addCancel attaches another disconnect action to the subscription; it
// runs immediately when the subscription is already cancelled.
func (s *Subscription) addCancel(fn func()) {
	s.mu.Lock()
	if s.cancelled {
		s.mu.Unlock()
		fn()
		return
	}
	s.cancels = append(s.cancels, fn)
	s.mu.Unlock()
}

// Cancel disconnects the subscription. It is idempotent.
func (s *Subscription) Cancel() {
	s.mu.Lock()
	if s.cancelled {
		s.mu.Unlock()
		return
	}
	s.cancelled = true
	cancels := s.cancels
	s.cancels = nil
	s.mu.Unlock()
	for _, fn := range cancels {
		fn()
	}
}

// Cancelled reports whether the subscription has been cancelled.
func (s *Subscription) Cancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

// subscriberList is an ordered fan-out of published objects. Emission
// preserves subscription order.
type subscriberList struct {
	mu    sync.Mutex
	next  int
	order []int
	subs  map[int]func(any)
}

func newSubscriberList() *subscriberList {
	return &subscriberList{subs: make(map[int]func(any))}
}

func (l *subscriberList) add(fn func(any)) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := l.next
	l.next++
	l.order = append(l.order, id)
	l.subs[id] = fn
	return id
}

func (l *subscriberList) remove(id int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.subs, id)
	for i, existing := range l.order {
		if existing == id {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
}

func (l *subscriberList) emit(v any) {
	l.mu.Lock()
	fns := make([]func(any), 0, len(l.order))
	for _, id := range l.order {
		if fn, ok := l.subs[id]; ok {
			fns = append(fns, fn)
		}
	}
	l.mu.Unlock()
	for _, fn := range fns {
		fn(v)
	}
}

func (l *subscriberList) clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.subs = make(map[int]func(any))
	l.order = nil
}
