package timeseries

import (
	"fmt"
	"time"

	"github.com/KevinKickass/iotdserver/internal/types"
)

// DateLayout is the calendar date format used for flush bookkeeping and
// log file names.
const DateLayout = "20060102"

// DateOf returns the calendar date of t in t's location.
func DateOf(t time.Time) string {
	return t.Format(DateLayout)
}

// Buffer holds the full record history of one device and tracks how much of
// it has been persisted. It does no locking of its own; the owner serializes
// all calls.
type Buffer struct {
	records       []types.Record
	lastFlushed   int
	lastFlushDate string
}

// NewBuffer creates an empty buffer whose flush date is the date of created.
func NewBuffer(created time.Time) *Buffer {
	return &Buffer{
		records:       make([]types.Record, 0, 128),
		lastFlushDate: DateOf(created),
	}
}

// Append adds a record at the end of the buffer.
func (b *Buffer) Append(record types.Record) {
	b.records = append(b.records, record)
}

// Len returns the number of records ever appended.
func (b *Buffer) Len() int {
	return len(b.records)
}

// Cursor returns the number of records already persisted.
func (b *Buffer) Cursor() int {
	return b.lastFlushed
}

// Pending returns the number of records not yet persisted.
func (b *Buffer) Pending() int {
	return len(b.records) - b.lastFlushed
}

// PendingSince returns the records from cursor to the end. The returned
// slice shares storage with the buffer; records are never mutated after
// append so it is safe to read after the owner releases its lock.
func (b *Buffer) PendingSince(cursor int) []types.Record {
	if cursor < 0 {
		cursor = 0
	}
	if cursor >= len(b.records) {
		return nil
	}
	return b.records[cursor:len(b.records):len(b.records)]
}

// Range returns records[from:to] with the same sharing rules as PendingSince.
func (b *Buffer) Range(from, to int) []types.Record {
	if from < 0 {
		from = 0
	}
	if to > len(b.records) {
		to = len(b.records)
	}
	if from >= to {
		return nil
	}
	return b.records[from:to:to]
}

// AdvanceCursor moves the persisted cursor forward to newCursor.
func (b *Buffer) AdvanceCursor(newCursor int) error {
	if newCursor < b.lastFlushed {
		return fmt.Errorf("cursor cannot move backwards: %d < %d", newCursor, b.lastFlushed)
	}
	if newCursor > len(b.records) {
		return fmt.Errorf("cursor %d beyond buffer length %d", newCursor, len(b.records))
	}
	b.lastFlushed = newCursor
	return nil
}

// LastFlushDate returns the date of the most recent flush or of creation.
func (b *Buffer) LastFlushDate() string {
	return b.lastFlushDate
}

// SetLastFlushDate records date as the most recent flush date.
func (b *Buffer) SetLastFlushDate(date string) {
	b.lastFlushDate = date
}

// Latest returns the most recently appended record.
func (b *Buffer) Latest() (types.Record, bool) {
	if len(b.records) == 0 {
		return types.Record{}, false
	}
	return b.records[len(b.records)-1], true
}
