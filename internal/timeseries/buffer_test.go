package timeseries

import (
	"testing"
	"time"

	"github.com/KevinKickass/iotdserver/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func record(ts time.Time, values ...float64) types.Record {
	return types.Record{Timestamp: ts, Values: values}
}

func TestBufferAppendAndPending(t *testing.T) {
	created := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	b := NewBuffer(created)

	assert.Equal(t, "20260314", b.LastFlushDate())
	assert.Equal(t, 0, b.Len())
	assert.Empty(t, b.PendingSince(b.Cursor()))

	for i := 0; i < 5; i++ {
		b.Append(record(created.Add(time.Duration(i)*time.Second), float64(i), 21.5))
	}

	assert.Equal(t, 5, b.Len())
	assert.Equal(t, 5, b.Pending())

	pending := b.PendingSince(2)
	require.Len(t, pending, 3)
	assert.Equal(t, 2.0, pending[0].Values[0])

	latest, ok := b.Latest()
	require.True(t, ok)
	assert.Equal(t, 4.0, latest.Values[0])
}

func TestBufferPendingSinceDoesNotAlias(t *testing.T) {
	b := NewBuffer(time.Now())
	b.Append(record(time.Now(), 1))
	b.Append(record(time.Now(), 2))

	snapshot := b.PendingSince(0)
	b.Append(record(time.Now(), 3))

	// Appending after a snapshot must not grow or overwrite the snapshot.
	assert.Len(t, snapshot, 2)
	assert.Equal(t, 2.0, snapshot[1].Values[0])
}

func TestBufferAdvanceCursor(t *testing.T) {
	b := NewBuffer(time.Now())
	for i := 0; i < 3; i++ {
		b.Append(record(time.Now(), float64(i)))
	}

	require.NoError(t, b.AdvanceCursor(2))
	assert.Equal(t, 2, b.Cursor())
	assert.Equal(t, 1, b.Pending())

	assert.Error(t, b.AdvanceCursor(1), "cursor must not move backwards")
	assert.Error(t, b.AdvanceCursor(4), "cursor must not pass the end")
	assert.Equal(t, 2, b.Cursor())

	require.NoError(t, b.AdvanceCursor(3))
	assert.Empty(t, b.PendingSince(b.Cursor()))
}

func TestBufferRange(t *testing.T) {
	b := NewBuffer(time.Now())
	for i := 0; i < 4; i++ {
		b.Append(record(time.Now(), float64(i)))
	}

	assert.Len(t, b.Range(1, 3), 2)
	assert.Len(t, b.Range(2, 10), 2)
	assert.Nil(t, b.Range(3, 3))
}
