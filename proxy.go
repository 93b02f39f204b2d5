package qtdi

import (
	"fmt"
	"reflect"
	"slices"
	"sync"
)

// ProxyRegistration aggregates every registration whose descriptor covers
// a requested service type, excluding templates. It re-emits the
// publication events of all current and future members, and back-fires
// already-published objects to new subscribers.
type ProxyRegistration struct {
	container   *StdContainer
	serviceType reflect.Type
	members     []*Registration
	subscribers *subscriberList
}

// ServiceType returns the aggregated service type.
func (p *ProxyRegistration) ServiceType() reflect.Type { return p.serviceType }

// Members returns the current member registrations, ordered by
// registration index.
func (p *ProxyRegistration) Members() []*Registration {
	p.container.mu.RLock()
	defer p.container.mu.RUnlock()
	return slices.Clone(p.members)
}

// Subscribe registers fn for the published objects of every member,
// current and future. Already-published objects are delivered
// synchronously before the subscription goes live.
func (p *ProxyRegistration) Subscribe(fn func(service any), mode DeliveryMode) (*Subscription, error) {
	c := p.container

	c.mu.Lock()
	var backlog []any
	for _, member := range p.members {
		backlog = append(backlog, member.publishedObjectsLocked()...)
	}
	entry := p.subscribers.add(c.deliver(fn, mode))
	c.mu.Unlock()

	for _, obj := range backlog {
		fn(obj)
	}

	return newSubscription(func() {
		p.subscribers.remove(entry)
	}), nil
}

// wireInLocked adds a registration to the proxy's fan-in. Caller holds
// the container lock.
func (p *ProxyRegistration) wireInLocked(reg *Registration) {
	if slices.Contains(p.members, reg) {
		return
	}
	p.members = append(p.members, reg)
	reg.subscribers.add(func(service any) {
		p.subscribers.emit(service)
	})
}

// wireOutLocked drops a removed registration from the proxy's fan-in.
// Caller holds the container lock.
func (p *ProxyRegistration) wireOutLocked(reg *Registration) {
	if i := slices.Index(p.members, reg); i >= 0 {
		p.members = slices.Delete(p.members, i, i+1)
	}
}

// ProxyRegistration returns the registration-like aggregator over all
// services matching serviceType. Proxies are cached per type; repeated
// calls return the same handle. Non-owner goroutines obtain the handle
// through the cross-call handshake, so the owner must be servicing
// HandleCrossCalls.
func (c *StdContainer) ProxyRegistration(serviceType reflect.Type) (*ProxyRegistration, error) {
	if serviceType == nil {
		return nil, fmt.Errorf("%w: nil service type", ErrInvalidDependency)
	}
	if c.onOwnerGoroutine() {
		return c.proxyRegistration(serviceType), nil
	}
	value, err := c.callOnOwner(func() (any, error) {
		return c.proxyRegistration(serviceType), nil
	}, DefaultCrossCallTimeout)
	if err != nil {
		return nil, err
	}
	return value.(*ProxyRegistration), nil
}

func (c *StdContainer) proxyRegistration(serviceType reflect.Type) *ProxyRegistration {
	c.mu.Lock()
	defer c.mu.Unlock()

	if proxy, ok := c.proxies[serviceType]; ok {
		return proxy
	}
	proxy := &ProxyRegistration{
		container:   c,
		serviceType: serviceType,
		subscribers: newSubscriberList(),
	}
	for _, reg := range c.regs {
		if reg.scope.IsInjectable() && reg.descriptor.covers(serviceType) {
			proxy.wireInLocked(reg)
		}
	}
	c.proxies[serviceType] = proxy
	return proxy
}

// Combine produces a subscription source fired with the cartesian
// product of the published objects of all targets, current and future.
// Each newly published object of target k fires one event per existing
// tuple across the other targets, in deterministic target order.
func (c *StdContainer) Combine(regs ...*Registration) (*CombinedPublication, error) {
	if len(regs) == 0 {
		return nil, ErrNoRegistrations
	}
	return &CombinedPublication{container: c, targets: slices.Clone(regs)}, nil
}

// CombinedPublication is the multi-service publication stream returned
// by Combine.
type CombinedPublication struct {
	container *StdContainer
	targets   []*Registration
}

// Subscribe registers fn to receive every tuple of published objects
// across the targets. The k-th element of the tuple is an object
// published by the k-th target.
func (cp *CombinedPublication) Subscribe(fn func(services []any), mode DeliveryMode) (*Subscription, error) {
	c := cp.container
	state := &combineState{cached: make([][]any, len(cp.targets))}
	deliver := c.deliver(func(v any) { fn(v.([]any)) }, mode)

	sub := newSubscription()
	for k, target := range cp.targets {
		k := k
		memberSub, err := target.Subscribe(func(service any) {
			for _, tuple := range state.addAndCross(k, service) {
				deliver(tuple)
			}
		}, DeliveryDirect)
		if err != nil {
			sub.Cancel()
			return nil, err
		}
		sub.addCancel(memberSub.Cancel)
	}
	return sub, nil
}

// combineState maintains per-target cached object lists and produces the
// new tuples created by each arrival.
type combineState struct {
	mu     sync.Mutex
	cached [][]any
}

func (s *combineState) addAndCross(k int, service any) [][]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cached[k] = append(s.cached[k], service)
	for _, list := range s.cached {
		if len(list) == 0 {
			return nil
		}
	}

	// Cross the new object against the cached lists of all other slots.
	tuples := [][]any{nil}
	for i, list := range s.cached {
		var next [][]any
		if i == k {
			for _, tuple := range tuples {
				next = append(next, append(slices.Clone(tuple), service))
			}
		} else {
			for _, tuple := range tuples {
				for _, obj := range list {
					next = append(next, append(slices.Clone(tuple), obj))
				}
			}
		}
		tuples = next
	}
	return tuples
}
