package qtdi

import (
	"io"
)

// dependsOn reports whether destroying r before d would leave d with a
// dangling reference: d declares a dependency slot r satisfies, or d
// references r by name through a bean reference.
func dependsOn(d, r *Registration) bool {
	for _, dep := range d.descriptor.Dependencies {
		if injectableKind(dep.Kind) && structuralMatch(r, dep) {
			return true
		}
	}
	for _, name := range beanReferences(d.config, d.base) {
		if r.knownAs(name) {
			return true
		}
	}
	return false
}

// Unpublish destroys all published managed services in reverse
// registration order, destroying dependents ahead of their
// dependencies. Instances implementing io.Closer are closed. External
// objects are left untouched; their registrations survive.
func (c *StdContainer) Unpublish() error {
	if err := c.checkOwner(); err != nil {
		return err
	}

	c.mu.Lock()
	var order []*Registration
	for i := len(c.regs) - 1; i >= 0; i-- {
		reg := c.regs[i]
		if reg.external || reg.state != StatePublished {
			continue
		}
		order = append(order, reg)
	}
	c.mu.Unlock()
	if len(order) == 0 {
		return nil
	}

	// Reverse registration order is only a baseline: hoist any
	// later-listed registration that depends on the current one so it is
	// destroyed first. Registration keeps the graph acyclic, so this
	// settles; the hoist cap stops a spin if that invariant ever breaks.
	hoists := 0
settle:
	for i := 0; i < len(order); i++ {
	rescan:
		for j := i + 1; j < len(order); j++ {
			if dependsOn(order[j], order[i]) {
				hoists++
				if hoists > len(order)*len(order) {
					c.logger.Warn("Destruction order did not settle, proceeding as-is")
					break settle
				}
				dependent := order[j]
				copy(order[i+1:j+1], order[i:j])
				order[i] = dependent
				goto rescan
			}
		}
	}

	var firstErr error
	for _, reg := range order {
		c.destroyRegistration(reg, &firstErr)
	}

	c.emitEvent(EventTypePublishedChanged, map[string]any{"published": 0})
	return firstErr
}

func (c *StdContainer) destroyRegistration(reg *Registration, firstErr *error) {
	c.mu.Lock()
	instance := reg.instance
	cancels := reg.watcherCancels
	reg.watcherCancels = nil
	reg.instance = nil
	reg.state = StateInit
	c.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	reg.subscribers.clear()

	if closer, ok := instance.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			c.logger.Error("Closing service failed", "name", reg.name, "error", err)
			if *firstErr == nil {
				*firstErr = err
			}
		}
	}
	c.logger.Debug("Unpublished service", "name", reg.name)
}

// ExternalObjectDestroyed tells the container an externally-owned object
// has been destroyed. The object's external registrations are removed
// from all indices; a managed registration holding the object merely
// drops its live pointer, so later dependency resolutions observe the
// absence.
func (c *StdContainer) ExternalObjectDestroyed(object any) {
	if object == nil {
		return
	}
	var removed []*Registration

	c.mu.Lock()
	kept := c.regs[:0]
	for _, reg := range c.regs {
		if reg.instance != object {
			kept = append(kept, reg)
			continue
		}
		if !reg.external {
			reg.instance = nil
			reg.state = StateInit
			kept = append(kept, reg)
			continue
		}
		removed = append(removed, reg)
		for _, name := range append([]string{reg.name}, reg.aliases...) {
			entries := c.nameIndex[name]
			for i, entry := range entries {
				if entry == reg {
					c.nameIndex[name] = append(entries[:i], entries[i+1:]...)
					break
				}
			}
			if len(c.nameIndex[name]) == 0 {
				delete(c.nameIndex, name)
			}
		}
	}
	c.regs = kept
	for _, proxy := range c.proxies {
		for _, reg := range removed {
			proxy.wireOutLocked(reg)
		}
	}
	c.mu.Unlock()

	for _, reg := range removed {
		reg.subscribers.clear()
		c.logger.Debug("Removed registration of destroyed external object", "name", reg.name)
		c.emitEvent(EventTypeRegistrationRemoved, map[string]any{"name": reg.name})
	}
}
