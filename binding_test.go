package qtdi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type gauge struct {
	Value int `property:"value"`
}

func gaugeDescriptor() *Descriptor {
	return DescriptorOf[gauge](func(deps []any) (*gauge, error) {
		return &gauge{}, nil
	})
}

type meter struct {
	PropertyChangeEmitter
	Value int `property:"value"`
}

func (m *meter) SetValue(v int) {
	m.Value = v
	m.NotifyPropertyChanged("value", v)
}

func meterDescriptor() *Descriptor {
	return DescriptorOf[meter](func(deps []any) (*meter, error) {
		return &meter{}, nil
	})
}

func TestBindPropagatesChanges(t *testing.T) {
	c := newTestContainer(t)

	src, err := c.Register("src", meterDescriptor())
	require.NoError(t, err)
	tgt, err := c.Register("tgt", gaugeDescriptor())
	require.NoError(t, err)

	sub, err := c.Bind(src, "value", tgt, "value")
	require.NoError(t, err)
	defer sub.Cancel()

	ok, err := c.Publish(false)
	require.NoError(t, err)
	require.True(t, ok)

	source := src.Instance().(*meter)
	target := tgt.Instance().(*gauge)

	// The current value is copied when the pair appears.
	assert.Equal(t, source.Value, target.Value)

	source.SetValue(17)
	assert.Equal(t, 17, target.Value)

	// Cancellation stops propagation.
	sub.Cancel()
	source.SetValue(99)
	assert.Equal(t, 17, target.Value)
}

func TestBindAfterPublishBackfires(t *testing.T) {
	c := newTestContainer(t)

	src, err := c.Register("src", meterDescriptor())
	require.NoError(t, err)
	tgt, err := c.Register("tgt", gaugeDescriptor())
	require.NoError(t, err)

	ok, err := c.Publish(false)
	require.NoError(t, err)
	require.True(t, ok)

	src.Instance().(*meter).SetValue(5)

	sub, err := c.Bind(src, "value", tgt, "value")
	require.NoError(t, err)
	defer sub.Cancel()

	assert.Equal(t, 5, tgt.Instance().(*gauge).Value)
}

func TestBindRejectsDuplicateTarget(t *testing.T) {
	c := newTestContainer(t)

	src, err := c.Register("src", meterDescriptor())
	require.NoError(t, err)
	src2, err := c.Register("src2", meterDescriptor())
	require.NoError(t, err)
	tgt, err := c.Register("tgt", gaugeDescriptor())
	require.NoError(t, err)

	sub, err := c.Bind(src, "value", tgt, "value")
	require.NoError(t, err)
	defer sub.Cancel()

	_, err = c.Bind(src2, "value", tgt, "value")
	assert.ErrorIs(t, err, ErrDuplicateBinding)

	// Cancelling frees the target slot.
	sub.Cancel()
	sub2, err := c.Bind(src2, "value", tgt, "value")
	require.NoError(t, err)
	sub2.Cancel()
}

func TestBindRejectsSelfBinding(t *testing.T) {
	c := newTestContainer(t)
	src, err := c.Register("src", meterDescriptor())
	require.NoError(t, err)

	_, err = c.Bind(src, "value", src, "value")
	assert.ErrorIs(t, err, ErrSelfBinding)
}

func TestBindRejectsUnknownProperties(t *testing.T) {
	c := newTestContainer(t)

	src, err := c.Register("src", meterDescriptor())
	require.NoError(t, err)
	tgt, err := c.Register("tgt", gaugeDescriptor())
	require.NoError(t, err)

	_, err = c.Bind(src, "volume", tgt, "value")
	assert.ErrorIs(t, err, ErrPropertyNotFound)
	_, err = c.Bind(src, "value", tgt, "volume")
	assert.ErrorIs(t, err, ErrPropertyNotFound)
}

func TestBindNonNotifyingSourceIsOneShot(t *testing.T) {
	c := newTestContainer(t)

	src, err := c.Register("src", gaugeDescriptor())
	require.NoError(t, err)
	tgt, err := c.Register("tgt", gaugeDescriptor())
	require.NoError(t, err)

	ok, err := c.Publish(false)
	require.NoError(t, err)
	require.True(t, ok)

	src.Instance().(*gauge).Value = 3

	sub, err := c.Bind(src, "value", tgt, "value")
	require.NoError(t, err)
	defer sub.Cancel()

	// Back-fire copies the current value once.
	assert.Equal(t, 3, tgt.Instance().(*gauge).Value)

	// Later changes are not observed.
	src.Instance().(*gauge).Value = 8
	assert.Equal(t, 3, tgt.Instance().(*gauge).Value)
}

func TestAutowireSubscription(t *testing.T) {
	c := newTestContainer(t)

	src, err := c.Register("src", meterDescriptor())
	require.NoError(t, err)

	var received []any
	sub, err := c.Autowire(src, func(service any) { received = append(received, service) })
	require.NoError(t, err)
	defer sub.Cancel()

	ok, err := c.Publish(false)
	require.NoError(t, err)
	require.True(t, ok)

	require.Len(t, received, 1)
	assert.Same(t, src.Instance(), received[0])
}
