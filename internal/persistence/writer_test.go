package persistence

import (
	"errors"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/KevinKickass/iotdserver/internal/timeseries"
	"github.com/KevinKickass/iotdserver/internal/types"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// bufferSource adapts a timeseries.Buffer to Source without locking.
type bufferSource struct {
	buf *timeseries.Buffer
}

func (s bufferSource) Snapshot(limit int) []types.Record {
	if limit < 0 {
		return s.buf.PendingSince(s.buf.Cursor())
	}
	return s.buf.Range(s.buf.Cursor(), limit)
}

func (s bufferSource) Commit(n int) error {
	return s.buf.AdvanceCursor(s.buf.Cursor() + n)
}

type recordingNotifier struct {
	mu       sync.Mutex
	retries  int
	failures []error
}

func (n *recordingNotifier) FlushRetrying(types.DeviceID, int, error, time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.retries++
}

func (n *recordingNotifier) FlushFailed(_ types.DeviceID, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failures = append(n.failures, err)
}

// flakyFs denies the first n opens with a permission error.
type flakyFs struct {
	afero.Fs
	denials atomic.Int32
}

func (f *flakyFs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	if f.denials.Add(-1) >= 0 {
		return nil, &os.PathError{Op: "open", Path: name, Err: syscall.EACCES}
	}
	return f.Fs.OpenFile(name, flag, perm)
}

// fullFs hands out files whose writes fail as if the disk were full.
type fullFs struct {
	afero.Fs
}

type fullFile struct {
	afero.File
}

func (fullFile) Write([]byte) (int, error) {
	return 0, syscall.ENOSPC
}

func (f fullFs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	file, err := f.Fs.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}
	return fullFile{file}, nil
}

func newTestWriter(fsys afero.Fs) *Writer {
	return NewWriter(fsys, Options{
		Directory:            "/data",
		RetryInitialInterval: time.Millisecond,
		RetryMaxInterval:     5 * time.Millisecond,
	}, zap.NewNop())
}

func fill(buf *timeseries.Buffer, start time.Time, n int) {
	for i := 0; i < n; i++ {
		buf.Append(types.Record{
			Timestamp: start.Add(time.Duration(i) * time.Second),
			Values:    []float64{float64(i), 22.25},
		})
	}
}

func TestFileName(t *testing.T) {
	assert.Equal(t, "/data/IoTD007_20260314.csv", FileName("/data", 7, "20260314"))
	assert.Equal(t, "/data/IoTD1234_20260314.csv", FileName("/data", 1234, "20260314"))
}

func TestFormatLine(t *testing.T) {
	ts := time.Date(2026, 3, 14, 8, 5, 9, 123456000, time.UTC)
	line := FormatLine(types.Record{Timestamp: ts, Values: []float64{42, -3.5}})
	assert.Equal(t, "08:05:09.123456, 42.000000, -3.500000\n", line)
}

func TestFlushWritesPendingAndAdvancesCursor(t *testing.T) {
	fsys := afero.NewMemMapFs()
	w := newTestWriter(fsys)

	start := time.Date(2026, 3, 14, 10, 0, 0, 0, time.Local)
	buf := timeseries.NewBuffer(start)
	fill(buf, start, 3)

	n, err := w.Flush(1, bufferSource{buf}, -1)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 3, buf.Cursor())
	assert.Empty(t, buf.PendingSince(buf.Cursor()))

	data, err := afero.ReadFile(fsys, FileName("/data", 1, "20260314"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "10:00:00.000000, 0.000000, 22.250000", lines[0])

	// A second flush with nothing new must not touch the file.
	n, err = w.Flush(1, bufferSource{buf}, -1)
	require.NoError(t, err)
	assert.Zero(t, n)

	again, err := afero.ReadFile(fsys, FileName("/data", 1, "20260314"))
	require.NoError(t, err)
	assert.Equal(t, data, again)
}

func TestFlushAppendsAcrossCalls(t *testing.T) {
	fsys := afero.NewMemMapFs()
	w := newTestWriter(fsys)

	start := time.Date(2026, 3, 14, 10, 0, 0, 0, time.Local)
	buf := timeseries.NewBuffer(start)
	fill(buf, start, 2)
	_, err := w.Flush(3, bufferSource{buf}, -1)
	require.NoError(t, err)

	fill(buf, start.Add(time.Minute), 2)
	_, err = w.Flush(3, bufferSource{buf}, -1)
	require.NoError(t, err)

	data, err := afero.ReadFile(fsys, FileName("/data", 3, "20260314"))
	require.NoError(t, err)
	assert.Equal(t, 4, strings.Count(string(data), "\n"))
}

func TestFlushRespectsLimit(t *testing.T) {
	fsys := afero.NewMemMapFs()
	w := newTestWriter(fsys)

	start := time.Date(2026, 3, 14, 10, 0, 0, 0, time.Local)
	buf := timeseries.NewBuffer(start)
	fill(buf, start, 5)

	n, err := w.Flush(1, bufferSource{buf}, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 3, buf.Pending())
}

func TestFlushSplitsByDate(t *testing.T) {
	fsys := afero.NewMemMapFs()
	w := newTestWriter(fsys)

	day1 := time.Date(2026, 3, 14, 23, 59, 58, 0, time.Local)
	buf := timeseries.NewBuffer(day1)
	fill(buf, day1, 4) // 23:59:58, 23:59:59, 00:00:00, 00:00:01

	n, err := w.Flush(2, bufferSource{buf}, -1)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	first, err := afero.ReadFile(fsys, FileName("/data", 2, "20260314"))
	require.NoError(t, err)
	second, err := afero.ReadFile(fsys, FileName("/data", 2, "20260315"))
	require.NoError(t, err)

	assert.Equal(t, 2, strings.Count(string(first), "\n"))
	assert.Equal(t, 2, strings.Count(string(second), "\n"))
	assert.True(t, strings.HasPrefix(string(second), "00:00:00.000000"))
}

func TestFlushRetriesPermissionErrors(t *testing.T) {
	fsys := &flakyFs{Fs: afero.NewMemMapFs()}
	fsys.denials.Store(3)

	w := newTestWriter(fsys)
	notifier := &recordingNotifier{}
	w.SetNotifier(notifier)

	start := time.Date(2026, 3, 14, 10, 0, 0, 0, time.Local)
	buf := timeseries.NewBuffer(start)
	fill(buf, start, 2)

	n, err := w.Flush(5, bufferSource{buf}, -1)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 3, notifier.retries)
	assert.Empty(t, notifier.failures)

	exists, err := afero.Exists(fsys, FileName("/data", 5, "20260314"))
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestFlushFatalErrorKeepsRecords(t *testing.T) {
	w := newTestWriter(fullFs{afero.NewMemMapFs()})
	notifier := &recordingNotifier{}
	w.SetNotifier(notifier)

	start := time.Date(2026, 3, 14, 10, 0, 0, 0, time.Local)
	buf := timeseries.NewBuffer(start)
	fill(buf, start, 3)

	n, err := w.Flush(9, bufferSource{buf}, -1)
	require.Error(t, err)
	assert.Zero(t, n)

	var flushErr *FlushError
	require.True(t, errors.As(err, &flushErr))
	assert.True(t, flushErr.Fatal)
	assert.True(t, errors.Is(err, syscall.ENOSPC))

	assert.Equal(t, 0, buf.Cursor())
	assert.Equal(t, 3, buf.Pending())
	assert.Len(t, notifier.failures, 1)
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(&os.PathError{Op: "open", Err: syscall.EACCES}))
	assert.True(t, IsRetryable(&os.PathError{Op: "open", Err: syscall.EPERM}))
	assert.True(t, IsRetryable(syscall.EBUSY))
	assert.False(t, IsRetryable(syscall.ENOSPC))
	assert.False(t, IsRetryable(errors.New("boom")))
}
