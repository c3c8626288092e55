package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clockedCounters returns a store whose clock the test controls.
func clockedCounters() (*MemoryCounters, *time.Time) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	m := NewMemoryCounters()
	m.now = func() time.Time { return now }
	return m, &now
}

func TestMemoryCounters_IncrementCreatesWindow(t *testing.T) {
	m, _ := clockedCounters()
	ctx := context.Background()

	n, err := m.Increment(ctx, "k", time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = m.Increment(ctx, "k", time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	val, live, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, live)
	assert.Equal(t, int64(2), val)
}

func TestMemoryCounters_WindowExpiry(t *testing.T) {
	m, now := clockedCounters()
	ctx := context.Background()

	_, err := m.Increment(ctx, "k", time.Second)
	require.NoError(t, err)

	*now = now.Add(1100 * time.Millisecond)

	_, live, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, live, "expired counter reads as absent")

	// A fresh increment starts a new window at 1.
	n, err := m.Increment(ctx, "k", time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestMemoryCounters_IncrementKeepsExistingWindow(t *testing.T) {
	m, now := clockedCounters()
	ctx := context.Background()

	_, err := m.Increment(ctx, "k", time.Second)
	require.NoError(t, err)

	// Half-way through the window another increment must not extend it.
	*now = now.Add(600 * time.Millisecond)
	_, err = m.Increment(ctx, "k", time.Second)
	require.NoError(t, err)

	*now = now.Add(500 * time.Millisecond) // 1.1s after creation
	_, live, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, live, "window runs from first increment")
}

func TestMemoryCounters_DecrementFloorsAtZero(t *testing.T) {
	m, _ := clockedCounters()
	ctx := context.Background()

	_, err := m.Increment(ctx, "k", time.Minute)
	require.NoError(t, err)

	n, err := m.Decrement(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	n, err = m.Decrement(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestMemoryCounters_DecrementMissingKey(t *testing.T) {
	m, _ := clockedCounters()

	n, err := m.Decrement(context.Background(), "never-set")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestMemoryCounters_Set(t *testing.T) {
	m, now := clockedCounters()
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "flag", 1, time.Minute))

	val, live, err := m.Get(ctx, "flag")
	require.NoError(t, err)
	assert.True(t, live)
	assert.Equal(t, int64(1), val)

	*now = now.Add(61 * time.Second)
	_, live, err = m.Get(ctx, "flag")
	require.NoError(t, err)
	assert.False(t, live)
}
