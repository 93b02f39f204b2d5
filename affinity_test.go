package qtdi

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGoidStable(t *testing.T) {
	first := goid()
	second := goid()
	assert.Equal(t, first, second)
	assert.Positive(t, first)

	otherCh := make(chan int64, 1)
	go func() { otherCh <- goid() }()
	assert.NotEqual(t, first, <-otherCh)
}

func TestMutationsRequireOwnerGoroutine(t *testing.T) {
	c := newTestContainer(t)

	type result struct {
		register error
		publish  error
		profiles error
	}
	resCh := make(chan result, 1)
	go func() {
		var r result
		_, r.register = c.Register("timer", timerDescriptor())
		_, r.publish = c.Publish(false)
		r.profiles = c.SetActiveProfiles("test")
		resCh <- r
	}()
	r := <-resCh
	assert.ErrorIs(t, r.register, ErrWrongGoroutine)
	assert.ErrorIs(t, r.publish, ErrWrongGoroutine)
	assert.ErrorIs(t, r.profiles, ErrWrongGoroutine)
}

func TestQueriesAllowedFromAnyGoroutine(t *testing.T) {
	c := newTestContainer(t)
	_, err := c.Register("timer", timerDescriptor())
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NotNil(t, c.GetRegistration("timer"))
		assert.NotEmpty(t, c.ActiveProfiles())
		_, _ = c.ConfigurationValue("missing")
	}()
	<-done
}

func TestCrossCallHandshake(t *testing.T) {
	c := newTestContainer(t)
	_, err := c.Register("timer", timerDescriptor())
	require.NoError(t, err)
	ok, err := c.Publish(false)
	require.NoError(t, err)
	require.True(t, ok)

	// A non-owner goroutine asks for a proxy registration; the owner
	// services the request through its cross-call loop.
	proxyCh := make(chan *ProxyRegistration, 1)
	errCh := make(chan error, 1)
	go func() {
		proxy, err := c.ProxyRegistration(reflect.TypeOf((*timerService)(nil)))
		errCh <- err
		proxyCh <- proxy
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	require.NoError(t, c.HandleCrossCalls(ctx))

	require.NoError(t, <-errCh)
	proxy := <-proxyCh
	require.NotNil(t, proxy)
	assert.Len(t, proxy.Members(), 1)
}

func TestPostFromOwnerDrainsFullQueue(t *testing.T) {
	c := newTestContainer(t)

	// Posting more queued callbacks than the cross-call queue holds must
	// not block the owner goroutine.
	count := 0
	for i := 0; i < 200; i++ {
		c.post(func() { count++ })
	}
	c.drainCrossCalls()
	assert.Equal(t, 200, count)
}

func TestCallOnOwnerRunsDirectOnOwner(t *testing.T) {
	c := newTestContainer(t)

	value, err := c.callOnOwner(func() (any, error) { return 42, nil }, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 42, value)
}

func TestCrossCallTimesOutWithoutOwnerLoop(t *testing.T) {
	c := newTestContainer(t)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.callOnOwner(func() (any, error) { return nil, nil }, 50*time.Millisecond)
		errCh <- err
	}()
	assert.ErrorIs(t, <-errCh, ErrCrossCallTimeout)
}
