package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuota_Increment(t *testing.T) {
	s := prepStore(t)
	q := NewQuota(s, 100, 0)

	require.NoError(t, q.IncrementRowCount(10))
	used, err := q.Used()
	require.NoError(t, err)
	assert.Equal(t, 10, used)

	require.NoError(t, q.IncrementRowCount(5))
	used, err = q.Used()
	require.NoError(t, err)
	assert.Equal(t, 15, used)
}

func TestQuota_NegativeClampedToOne(t *testing.T) {
	s := prepStore(t)
	q := NewQuota(s, 100, 0)

	require.NoError(t, q.IncrementRowCount(-3))
	used, err := q.Used()
	require.NoError(t, err)
	assert.Equal(t, 1, used)

	require.NoError(t, q.IncrementRowCount(0))
	used, err = q.Used()
	require.NoError(t, err)
	assert.Equal(t, 2, used, "zero increment clamped to one whole row")
}

func TestQuota_DayRollover(t *testing.T) {
	s := prepStore(t)
	q := NewQuota(s, 100, 0)

	now := time.Date(2024, 3, 1, 23, 50, 0, 0, time.UTC)
	q.now = func() time.Time { return now }

	require.NoError(t, q.IncrementRowCount(80))
	used, err := q.Used()
	require.NoError(t, err)
	assert.Equal(t, 80, used)

	// cross midnight UTC - counter resets to the new increment, not to the stale total
	now = time.Date(2024, 3, 2, 0, 5, 0, 0, time.UTC)
	require.NoError(t, q.IncrementRowCount(7))
	used, err = q.Used()
	require.NoError(t, err)
	assert.Equal(t, 7, used)
}

func TestQuota_HardCap(t *testing.T) {
	s := prepStore(t)
	q := NewQuota(s, 100, 150)

	require.NoError(t, q.IncrementRowCount(140))
	require.NoError(t, q.IncrementRowCount(50))
	used, err := q.Used()
	require.NoError(t, err)
	assert.Equal(t, 150, used, "capped at hard ceiling")
}

func TestQuota_ProcessableRowCount(t *testing.T) {
	s := prepStore(t)
	q := NewQuota(s, 100, 0)

	// nothing used yet, request fits
	n, err := q.ProcessableRowCount(40)
	require.NoError(t, err)
	assert.Equal(t, 40, n)

	require.NoError(t, q.IncrementRowCount(70))

	// partial serve up to the remaining allowance, never rejected outright
	n, err = q.ProcessableRowCount(50)
	require.NoError(t, err)
	assert.Equal(t, 30, n)

	require.NoError(t, q.IncrementRowCount(30))
	n, err = q.ProcessableRowCount(10)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = q.ProcessableRowCount(0)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestQuota_RolloverOnRead(t *testing.T) {
	s := prepStore(t)
	q := NewQuota(s, 100, 0)

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return now }
	require.NoError(t, q.IncrementRowCount(90))

	now = now.Add(24 * time.Hour)
	n, err := q.ProcessableRowCount(50)
	require.NoError(t, err)
	assert.Equal(t, 50, n, "yesterday's usage does not count against today")
}
