package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Device session metrics
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "iotd_sessions_active",
		Help: "The current number of open device connections.",
	})
	TotalSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "iotd_sessions_total",
		Help: "The total number of device connections accepted.",
	})
	KnownDevices = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "iotd_devices_known",
		Help: "The number of device identities seen since start.",
	})

	// Telemetry metrics
	RecordsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "iotd_records_received_total",
		Help: "The total number of records appended to device buffers.",
	})
	FramesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "iotd_frames_dropped_total",
		Help: "The total number of inbound frames dropped before reaching a buffer.",
	}, []string{"reason"})

	// Persistence metrics
	Flushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "iotd_flushes_total",
		Help: "The total number of flush attempts by result.",
	}, []string{"result"})
	FlushRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "iotd_flush_retries_total",
		Help: "The total number of retried log file opens.",
	})
	RecordsPersisted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "iotd_records_persisted_total",
		Help: "The total number of records written to log files.",
	})

	// Command metrics
	Commands = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "iotd_commands_total",
		Help: "The total number of operator commands by routing status.",
	}, []string{"status"})
)

// Handler serves the collectors in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
