package qtdi

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sensor struct {
	PropertyChangeEmitter

	Threshold int           `property:"threshold"`
	Window    time.Duration `property:"window"`
	Tag       string
	secret    string
	Ignored   string `property:"-"`
}

func (s *sensor) SetThreshold(v int) {
	s.Threshold = v
	s.NotifyPropertyChanged("threshold", v)
}

type plainCounter struct {
	Count int `property:"count"`
}

func TestIntrospectorProperties(t *testing.T) {
	in := NewStdIntrospector()
	props := in.Properties(TypeOf[*sensor]())

	names := make([]string, 0, len(props))
	for _, p := range props {
		names = append(names, p.Name)
		assert.True(t, p.Writable)
		assert.True(t, p.Notifying)
	}
	// Unexported, anonymous and `property:"-"` fields are hidden; untagged
	// exported fields derive a lower-cased name.
	assert.ElementsMatch(t, []string{"threshold", "window", "tag"}, names)

	for _, p := range in.Properties(TypeOf[*plainCounter]()) {
		assert.False(t, p.Notifying)
	}

	assert.Empty(t, in.Properties(TypeOf[int]()))
	assert.Empty(t, in.Properties(nil))
}

func TestIntrospectorReadWrite(t *testing.T) {
	in := NewStdIntrospector()
	s := &sensor{Threshold: 5}

	value, err := in.Read(s, "threshold")
	require.NoError(t, err)
	assert.Equal(t, 5, value)

	require.NoError(t, in.Write(s, "threshold", 9))
	assert.Equal(t, 9, s.Threshold)

	_, err = in.Read(s, "nope")
	assert.ErrorIs(t, err, ErrPropertyNotFound)
	assert.ErrorIs(t, in.Write(s, "nope", 1), ErrPropertyNotFound)

	_, err = in.Read(42, "count")
	assert.ErrorIs(t, err, ErrTargetNotStruct)
}

func TestIntrospectorWriteConverts(t *testing.T) {
	in := NewStdIntrospector()
	s := &sensor{}

	// Strings convert to the field type.
	require.NoError(t, in.Write(s, "threshold", "17"))
	assert.Equal(t, 17, s.Threshold)

	// Duration fields take "250ms"-style strings; a bare integer counts
	// nanoseconds.
	require.NoError(t, in.Write(s, "window", "250ms"))
	assert.Equal(t, 250*time.Millisecond, s.Window)

	require.NoError(t, in.Write(s, "window", "1500"))
	assert.Equal(t, time.Duration(1500), s.Window)

	// Non-string values land in string fields as their decimal rendering.
	require.NoError(t, in.Write(s, "tag", 42))
	assert.Equal(t, "42", s.Tag)

	err := in.Write(s, "threshold", "not a number")
	assert.ErrorIs(t, err, ErrPropertyTypeMismatch)

	err = in.Write(s, "window", "soon")
	assert.ErrorIs(t, err, ErrPropertyTypeMismatch)
}

func TestIntrospectorWriteBroadcasts(t *testing.T) {
	in := NewStdIntrospector()
	s := &sensor{}

	var seen []any
	cancel, err := in.Observe(s, "threshold", func(value any) {
		seen = append(seen, value)
	})
	require.NoError(t, err)

	require.NoError(t, in.Write(s, "threshold", 3))
	s.SetThreshold(4)
	assert.Equal(t, []any{3, 4}, seen)

	cancel()
	s.SetThreshold(5)
	assert.Equal(t, []any{3, 4}, seen)
}

func TestIntrospectorObserveFiltersByName(t *testing.T) {
	in := NewStdIntrospector()
	s := &sensor{}

	var seen []any
	_, err := in.Observe(s, "window", func(value any) {
		seen = append(seen, value)
	})
	require.NoError(t, err)

	s.SetThreshold(7)
	assert.Empty(t, seen)
}

func TestIntrospectorObserveUnsupported(t *testing.T) {
	in := NewStdIntrospector()
	_, err := in.Observe(&plainCounter{}, "count", func(any) {})
	assert.ErrorIs(t, err, ErrObserveUnsupported)
}
