package session

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bosley/interlog/clock"
)

func TestRegistry_Lifecycle(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	sub := &fakeSubmitter{}
	r := NewRegistry(DefaultConfig(), WithClock(clk), WithSubmitter(sub))

	s, err := r.Create("b")
	require.NoError(t, err)
	assert.Equal(t, "b", s.Key())

	_, err = r.Create("b")
	assert.ErrorIs(t, err, ErrExists)

	anon, err := r.Create("")
	require.NoError(t, err)
	_, err = uuid.Parse(anon.Key())
	assert.NoError(t, err)

	got, err := r.GetOrCreate("b")
	require.NoError(t, err)
	assert.Same(t, s, got)
	created, err := r.GetOrCreate("a")
	require.NoError(t, err)
	require.NotNil(t, created)

	keys := r.List()
	assert.Len(t, keys, 3)
	assert.Contains(t, keys, "a")
	assert.IsIncreasing(t, keys)

	s.Configure("sid", []string{"x"})
	s.Handle(mustDecode(t, speech("user", "answer", true)))

	p, first, err := r.Flush("b")
	require.NoError(t, err)
	assert.True(t, first)
	require.Len(t, p.CategorySegments, 1)

	_, first, err = r.Flush("b")
	require.NoError(t, err)
	assert.False(t, first)

	_, _, err = r.Flush("missing")
	assert.ErrorIs(t, err, ErrNotFound)

	removed, err := r.Remove("b")
	require.NoError(t, err)
	assert.Equal(t, p, removed)
	_, ok := r.Get("b")
	assert.False(t, ok)

	_, err = r.Remove("b")
	assert.ErrorIs(t, err, ErrNotFound)

	r.CloseAll()
	assert.Empty(t, r.List())
	assert.True(t, created.Flushed())
	assert.Equal(t, 1, sub.count())
}

func TestRegistry_RemovedKeysAreNotRecreated(t *testing.T) {
	r := NewRegistry(DefaultConfig(), WithClock(clock.NewManual(time.Unix(0, 0))))

	_, err := r.GetOrCreate("late")
	require.NoError(t, err)
	_, err = r.Remove("late")
	require.NoError(t, err)

	_, err = r.GetOrCreate("late")
	assert.ErrorIs(t, err, ErrRemoved)
	assert.Empty(t, r.List())

	again, err := r.Create("late")
	require.NoError(t, err)
	got, err := r.GetOrCreate("late")
	require.NoError(t, err)
	assert.Same(t, again, got)
}
