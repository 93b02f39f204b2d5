package qtdi

import (
	"context"
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// DefaultCrossCallTimeout bounds how long a non-owner goroutine waits for
// the owner goroutine to service a posted request.
const DefaultCrossCallTimeout = 5 * time.Second

// goid returns the current goroutine ID.
// Used to enforce the container's owner-goroutine discipline.
func goid() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	idField := strings.Fields(strings.TrimPrefix(string(buf[:n]), "goroutine "))[0]
	id, _ := strconv.ParseInt(idField, 10, 64)
	return id
}

// crossCall carries a deferred request from a non-owner goroutine to the
// owner goroutine, together with a one-shot result slot.
type crossCall struct {
	fn    func() (any, error)
	reply chan crossResult
}

type crossResult struct {
	value any
	err   error
}

// checkOwner verifies that the calling goroutine is the one the container
// was constructed on. All mutations must pass this check.
func (c *StdContainer) checkOwner() error {
	if goid() != c.ownerGoid {
		return fmt.Errorf("%w: owner is goroutine %d", ErrWrongGoroutine, c.ownerGoid)
	}
	return nil
}

// onOwnerGoroutine reports whether the caller runs on the owner goroutine.
func (c *StdContainer) onOwnerGoroutine() bool {
	return goid() == c.ownerGoid
}

// callOnOwner executes fn on the owner goroutine. When invoked from the
// owner goroutine it runs fn directly; otherwise it posts a deferred
// request and blocks until the owner services it via HandleCrossCalls,
// or until the timeout elapses.
func (c *StdContainer) callOnOwner(fn func() (any, error), timeout time.Duration) (any, error) {
	if c.onOwnerGoroutine() {
		return fn()
	}

	call := &crossCall{fn: fn, reply: make(chan crossResult, 1)}
	select {
	case c.crossCalls <- call:
	case <-time.After(timeout):
		return nil, fmt.Errorf("%w: posting request", ErrCrossCallTimeout)
	case <-c.closing:
		return nil, ErrContainerDestroyed
	}

	select {
	case res := <-call.reply:
		return res.value, res.err
	case <-time.After(timeout):
		return nil, fmt.Errorf("%w: after %s", ErrCrossCallTimeout, timeout)
	case <-c.closing:
		return nil, ErrContainerDestroyed
	}
}

// post queues fn for execution on the owner goroutine without waiting for
// a result. Used for queued subscription delivery.
func (c *StdContainer) post(fn func()) {
	call := &crossCall{
		fn: func() (any, error) {
			fn()
			return nil, nil
		},
		reply: make(chan crossResult, 1),
	}
	for {
		select {
		case c.crossCalls <- call:
			return
		case <-c.closing:
			return
		default:
		}
		if !c.onOwnerGoroutine() {
			select {
			case c.crossCalls <- call:
			case <-c.closing:
			}
			return
		}
		// The queue is full and the poster is the goroutine that would
		// drain it; service the backlog before retrying.
		c.drainCrossCalls()
	}
}

// HandleCrossCalls services deferred requests posted by non-owner
// goroutines. It must be called on the owner goroutine and blocks until
// the context is cancelled or the container is destroyed.
//
// A container used from a single goroutine never needs this loop; it is
// only required when other goroutines create registration handles,
// placeholder resolvers, or queued subscriptions.
func (c *StdContainer) HandleCrossCalls(ctx context.Context) error {
	if err := c.checkOwner(); err != nil {
		return err
	}
	for {
		select {
		case call := <-c.crossCalls:
			value, err := call.fn()
			call.reply <- crossResult{value: value, err: err}
		case <-ctx.Done():
			return nil
		case <-c.closing:
			return nil
		}
	}
}

// drainCrossCalls services any requests already queued, without blocking.
// The owner goroutine calls this at natural suspension points so that
// short-lived waiters make progress even without a dedicated loop.
func (c *StdContainer) drainCrossCalls() {
	for {
		select {
		case call := <-c.crossCalls:
			value, err := call.fn()
			call.reply <- crossResult{value: value, err: err}
		default:
			return
		}
	}
}
