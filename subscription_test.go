package capture

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscription_UnsubscribeOnce(t *testing.T) {
	var l listeners[int]
	var got []int
	sub := l.add(func(v int) { got = append(got, v) })

	l.emit(1)
	sub.Unsubscribe()
	sub.Unsubscribe()
	l.emit(2)

	assert.Equal(t, []int{1}, got)
	assert.Zero(t, l.len())

	var nilSub *Subscription
	assert.NotPanics(t, nilSub.Unsubscribe)
}

func TestRegistry_ReleasesInReverseOrder(t *testing.T) {
	var r Registry
	var order []string
	for _, name := range []string{"display", "camera", "compositor"} {
		r.Add(name, func() error {
			order = append(order, name)
			return nil
		})
	}
	require.Equal(t, 3, r.Len())

	require.NoError(t, r.Release())
	assert.Equal(t, []string{"compositor", "camera", "display"}, order)
	assert.Zero(t, r.Len())

	// A second release is a no-op.
	require.NoError(t, r.Release())
	assert.Len(t, order, 3)
}

func TestRegistry_JoinsErrorsAndRunsEverything(t *testing.T) {
	var r Registry
	boom := errors.New("boom")
	ran := 0
	r.Add("first", func() error { ran++; return nil })
	r.Add("broken", func() error { ran++; return boom })
	r.Add("last", func() error { ran++; return nil })

	err := r.Release()
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "release broken")
	assert.Equal(t, 3, ran)
}

func TestRegistry_Subscription(t *testing.T) {
	var l listeners[struct{}]
	var r Registry
	r.AddSubscription("ended", l.add(func(struct{}) {}))
	require.Equal(t, 1, l.len())

	require.NoError(t, r.Release())
	assert.Zero(t, l.len())
}
