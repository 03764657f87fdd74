package persistence

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/KevinKickass/iotdserver/internal/metrics"
	"github.com/KevinKickass/iotdserver/internal/timeseries"
	"github.com/KevinKickass/iotdserver/internal/types"
	"github.com/cenkalti/backoff/v4"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

const (
	defaultRetryInitialInterval = 500 * time.Millisecond
	defaultRetryMaxInterval     = 30 * time.Second
)

// Source is the writer's view of one device buffer. Snapshot returns the
// not yet persisted records, at most up to the absolute index limit (a
// negative limit means no bound). Commit advances the persisted cursor by n.
type Source interface {
	Snapshot(limit int) []types.Record
	Commit(n int) error
}

// Notifier receives operator-facing flush events.
type Notifier interface {
	FlushRetrying(device types.DeviceID, attempt int, err error, next time.Duration)
	FlushFailed(device types.DeviceID, err error)
}

// FlushError is returned when a flush could not complete. Records that were
// not written stay pending in the buffer.
type FlushError struct {
	Device types.DeviceID
	Path   string
	Fatal  bool
	Err    error
}

func (e *FlushError) Error() string {
	return fmt.Sprintf("flush %s to %s: %v", e.Device, e.Path, e.Err)
}

func (e *FlushError) Unwrap() error {
	return e.Err
}

type Options struct {
	Directory            string
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
}

// Writer appends device records to per-device daily CSV logs.
type Writer struct {
	fs       afero.Fs
	dir      string
	initial  time.Duration
	max      time.Duration
	notifier Notifier
	logger   *zap.Logger
}

func NewWriter(fsys afero.Fs, opts Options, logger *zap.Logger) *Writer {
	if opts.RetryInitialInterval <= 0 {
		opts.RetryInitialInterval = defaultRetryInitialInterval
	}
	if opts.RetryMaxInterval < opts.RetryInitialInterval {
		opts.RetryMaxInterval = defaultRetryMaxInterval
	}
	return &Writer{
		fs:      fsys,
		dir:     opts.Directory,
		initial: opts.RetryInitialInterval,
		max:     opts.RetryMaxInterval,
		logger:  logger,
	}
}

// SetNotifier sets the operator notification sink. Must be called before the
// first flush.
func (w *Writer) SetNotifier(n Notifier) {
	w.notifier = n
}

// Directory returns the directory log files are written to.
func (w *Writer) Directory() string {
	return w.dir
}

// FileName returns the log file path for device on date (YYYYMMDD).
func FileName(dir string, device types.DeviceID, date string) string {
	return filepath.Join(dir, fmt.Sprintf("IoTD%03d_%s.csv", int(device), date))
}

// FormatLine renders one record as a log line.
func FormatLine(rec types.Record) string {
	var sb strings.Builder
	sb.WriteString(rec.Timestamp.Format("15:04:05.000000"))
	for _, v := range rec.Values {
		sb.WriteString(", ")
		sb.WriteString(strconv.FormatFloat(v, 'f', 6, 64))
	}
	sb.WriteByte('\n')
	return sb.String()
}

// Flush writes every pending record of src up to limit and advances the
// cursor after each successful file write. Records are split by calendar
// date so no file ever receives records of another day. It returns the
// number of records persisted.
func (w *Writer) Flush(device types.DeviceID, src Source, limit int) (int, error) {
	records := src.Snapshot(limit)
	if len(records) == 0 {
		return 0, nil
	}

	written := 0
	for len(records) > 0 {
		date := timeseries.DateOf(records[0].Timestamp)
		n := 1
		for n < len(records) && timeseries.DateOf(records[n].Timestamp) == date {
			n++
		}

		if err := w.writeDay(device, date, records[:n]); err != nil {
			metrics.Flushes.WithLabelValues("failed").Inc()
			if w.notifier != nil {
				w.notifier.FlushFailed(device, err)
			}
			w.logger.Error("Flush failed, records kept in memory",
				zap.Int("device_id", int(device)),
				zap.Int("pending", len(records)),
				zap.Error(err))
			return written, err
		}

		if err := src.Commit(n); err != nil {
			return written, fmt.Errorf("advance cursor for %s: %w", device, err)
		}

		written += n
		records = records[n:]
	}

	metrics.Flushes.WithLabelValues("ok").Inc()
	metrics.RecordsPersisted.Add(float64(written))
	w.logger.Debug("Flushed records",
		zap.Int("device_id", int(device)),
		zap.Int("records", written))

	return written, nil
}

func (w *Writer) writeDay(device types.DeviceID, date string, records []types.Record) error {
	path := FileName(w.dir, device, date)

	f, err := w.openWithRetry(device, path)
	if err != nil {
		return &FlushError{Device: device, Path: path, Fatal: true, Err: err}
	}

	var sb strings.Builder
	for _, rec := range records {
		sb.WriteString(FormatLine(rec))
	}

	if _, err := f.Write([]byte(sb.String())); err != nil {
		f.Close()
		return &FlushError{Device: device, Path: path, Fatal: true, Err: err}
	}

	if err := f.Close(); err != nil {
		return &FlushError{Device: device, Path: path, Fatal: true, Err: err}
	}

	return nil
}

// openWithRetry ensures the directory exists and opens path for append.
// Permission and lock failures are retried until they clear.
func (w *Writer) openWithRetry(device types.DeviceID, path string) (afero.File, error) {
	var f afero.File

	operation := func() error {
		if err := w.fs.MkdirAll(w.dir, 0o755); err != nil {
			return classify(fmt.Errorf("create data directory: %w", err))
		}

		var err error
		f, err = w.fs.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return classify(fmt.Errorf("open log file: %w", err))
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.initial
	b.MaxInterval = w.max
	b.MaxElapsedTime = 0

	attempt := 0
	err := backoff.RetryNotify(operation, b, func(err error, next time.Duration) {
		attempt++
		metrics.FlushRetries.Inc()
		w.logger.Warn("Log file not writable, retrying",
			zap.Int("device_id", int(device)),
			zap.String("path", path),
			zap.Int("attempt", attempt),
			zap.Duration("next_attempt", next),
			zap.Error(err))
		if w.notifier != nil {
			w.notifier.FlushRetrying(device, attempt, err, next)
		}
	})
	if err != nil {
		return nil, err
	}

	return f, nil
}

// classify marks errors that retrying cannot fix as permanent.
func classify(err error) error {
	if IsRetryable(err) {
		return err
	}
	return backoff.Permanent(err)
}

// IsRetryable reports whether err is a permission or lock failure.
func IsRetryable(err error) bool {
	return errors.Is(err, fs.ErrPermission) || errors.Is(err, syscall.EBUSY)
}
