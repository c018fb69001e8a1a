package ftrace

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the capture counters exported by the engine and its readers.
type Metrics struct {
	PagesSpliced    *prometheus.CounterVec
	SlopBytes       *prometheus.CounterVec
	ForcedShutdowns *prometheus.CounterVec
	ReaderErrors    *prometheus.CounterVec
	Sessions        prometheus.Counter
	CountersEnabled prometheus.Gauge
}

// NewMetrics creates the metrics and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		PagesSpliced: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ftraced",
			Name:      "pages_spliced_total",
			Help:      "Trace pages moved from trace_pipe_raw into the reader pipe.",
		}, []string{"cpu"}),
		SlopBytes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ftraced",
			Name:      "slop_bytes_total",
			Help:      "Partial page bytes copied while draining a reader.",
		}, []string{"cpu"}),
		ForcedShutdowns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ftraced",
			Name:      "forced_shutdowns_total",
			Help:      "Readers whose descriptors were closed by the watchdog.",
		}, []string{"cpu"}),
		ReaderErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ftraced",
			Name:      "reader_errors_total",
			Help:      "Readers that stopped because of an error.",
		}, []string{"cpu"}),
		Sessions: f.NewCounter(prometheus.CounterOpts{
			Namespace: "ftraced",
			Name:      "sessions_total",
			Help:      "Capture sessions started.",
		}),
		CountersEnabled: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "ftraced",
			Name:      "counters_enabled",
			Help:      "Ftrace counters enabled in the current session.",
		}),
	}
}

func cpuLabel(cpu int) prometheus.Labels {
	return prometheus.Labels{"cpu": strconv.Itoa(cpu)}
}
