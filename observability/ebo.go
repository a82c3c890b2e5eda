package observability

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	eboActorMetricsOnce sync.Once
	eboActorRegistry    *EboActorMetrics

	eboAgentdMetricsOnce sync.Once
	eboAgentdRegistry    *EboAgentdMetrics

	statusHTTPOnce     sync.Once
	statusHTTPRegistry *StatusHTTPMetrics
)

// EboActorMetrics tracks per-request actor activity.
type EboActorMetrics struct {
	events        *prometheus.CounterVec
	undos         *prometheus.CounterVec
	reverts       *prometheus.CounterVec
	protocolCalls *prometheus.CounterVec
	aborts        *prometheus.CounterVec
}

// EboActor returns the lazily registered actor metrics.
func EboActor() *EboActorMetrics {
	eboActorMetricsOnce.Do(func() {
		eboActorRegistry = &EboActorMetrics{
			events: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "ebo",
				Subsystem: "actor",
				Name:      "events_processed_total",
				Help:      "Protocol events applied to actor registries segmented by event name.",
			}, []string{"event"}),
			undos: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "ebo",
				Subsystem: "actor",
				Name:      "commands_undone_total",
				Help:      "Registry commands rolled back after a retryable revert.",
			}, []string{"command"}),
			reverts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "ebo",
				Subsystem: "actor",
				Name:      "reverts_total",
				Help:      "Classified contract reverts segmented by reason and recovery strategy.",
			}, []string{"reason", "strategy"}),
			protocolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "ebo",
				Subsystem: "actor",
				Name:      "protocol_calls_total",
				Help:      "Outbound protocol calls segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			aborts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "ebo",
				Subsystem: "actor",
				Name:      "aborted_passes_total",
				Help:      "Processing passes aborted by an unrecoverable error segmented by event name.",
			}, []string{"event"}),
		}
		prometheus.MustRegister(
			eboActorRegistry.events,
			eboActorRegistry.undos,
			eboActorRegistry.reverts,
			eboActorRegistry.protocolCalls,
			eboActorRegistry.aborts,
		)
	})
	return eboActorRegistry
}

// RecordEvent counts an applied event.
func (m *EboActorMetrics) RecordEvent(event string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(labelOrUnknown(event)).Inc()
}

// RecordUndo counts a rolled back command.
func (m *EboActorMetrics) RecordUndo(command string) {
	if m == nil {
		return
	}
	m.undos.WithLabelValues(labelOrUnknown(command)).Inc()
}

// RecordRevert counts a classified revert.
func (m *EboActorMetrics) RecordRevert(reason, strategy string) {
	if m == nil {
		return
	}
	m.reverts.WithLabelValues(labelOrUnknown(reason), labelOrUnknown(strategy)).Inc()
}

// RecordProtocolCall counts an outbound call and whether it failed.
func (m *EboActorMetrics) RecordProtocolCall(operation string, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.protocolCalls.WithLabelValues(labelOrUnknown(operation), outcome).Inc()
}

// RecordAbort counts an aborted processing pass.
func (m *EboActorMetrics) RecordAbort(event string) {
	if m == nil {
		return
	}
	m.aborts.WithLabelValues(labelOrUnknown(event)).Inc()
}

// EboAgentdMetrics tracks the agent host loop.
type EboAgentdMetrics struct {
	actors       prometheus.Gauge
	lastBlock    prometheus.Gauge
	tickDuration prometheus.Histogram
	tickErrors   *prometheus.CounterVec
	logs         *prometheus.CounterVec
}

// EboAgentd returns the lazily registered host metrics.
func EboAgentd() *EboAgentdMetrics {
	eboAgentdMetricsOnce.Do(func() {
		eboAgentdRegistry = &EboAgentdMetrics{
			actors: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "ebo",
				Subsystem: "agentd",
				Name:      "active_actors",
				Help:      "Number of request actors currently owned by the agent.",
			}),
			lastBlock: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "ebo",
				Subsystem: "agentd",
				Name:      "last_block",
				Help:      "Most recent protocol chain block observed by the monitor.",
			}),
			tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "ebo",
				Subsystem: "agentd",
				Name:      "tick_duration_seconds",
				Help:      "Duration of a monitor tick including event processing and deadline checks.",
				Buckets:   prometheus.DefBuckets,
			}),
			tickErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "ebo",
				Subsystem: "agentd",
				Name:      "tick_errors_total",
				Help:      "Monitor tick failures segmented by stage.",
			}, []string{"stage"}),
			logs: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "ebo",
				Subsystem: "agentd",
				Name:      "decoded_logs_total",
				Help:      "Protocol logs decoded into actor events segmented by event name.",
			}, []string{"event"}),
		}
		prometheus.MustRegister(
			eboAgentdRegistry.actors,
			eboAgentdRegistry.lastBlock,
			eboAgentdRegistry.tickDuration,
			eboAgentdRegistry.tickErrors,
			eboAgentdRegistry.logs,
		)
	})
	return eboAgentdRegistry
}

// SetActiveActors updates the actor gauge.
func (m *EboAgentdMetrics) SetActiveActors(count int) {
	if m == nil {
		return
	}
	m.actors.Set(float64(count))
}

// SetLastBlock updates the observed block gauge.
func (m *EboAgentdMetrics) SetLastBlock(block uint64) {
	if m == nil {
		return
	}
	m.lastBlock.Set(float64(block))
}

// ObserveTick records the duration of a monitor tick.
func (m *EboAgentdMetrics) ObserveTick(duration time.Duration) {
	if m == nil {
		return
	}
	if duration < 0 {
		duration = 0
	}
	m.tickDuration.Observe(duration.Seconds())
}

// RecordTickError counts a failed tick stage such as "logs" or "actor".
func (m *EboAgentdMetrics) RecordTickError(stage string) {
	if m == nil {
		return
	}
	m.tickErrors.WithLabelValues(labelOrUnknown(stage)).Inc()
}

// RecordDecodedLog counts a decoded protocol log.
func (m *EboAgentdMetrics) RecordDecodedLog(event string) {
	if m == nil {
		return
	}
	m.logs.WithLabelValues(labelOrUnknown(event)).Inc()
}

// StatusHTTPMetrics records activity on the agent's status endpoints.
type StatusHTTPMetrics struct {
	requests *prometheus.CounterVec
	errors   *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

// StatusHTTP returns the lazily registered status endpoint metrics.
func StatusHTTP() *StatusHTTPMetrics {
	statusHTTPOnce.Do(func() {
		statusHTTPRegistry = &StatusHTTPMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "ebo",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Status endpoint requests segmented by route, method, and outcome.",
			}, []string{"route", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "ebo",
				Subsystem: "http",
				Name:      "errors_total",
				Help:      "Status endpoint errors segmented by route, method, and status code.",
			}, []string{"route", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "ebo",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for status endpoint handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "method"}),
		}
		prometheus.MustRegister(
			statusHTTPRegistry.requests,
			statusHTTPRegistry.errors,
			statusHTTPRegistry.latency,
		)
	})
	return statusHTTPRegistry
}

// Observe records the outcome of a request. The status code should be the
// HTTP status that was ultimately written to the response writer.
func (m *StatusHTTPMetrics) Observe(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	route = labelOrUnknown(route)
	method = labelOrUnknown(method)
	outcome := "success"
	if status >= 400 {
		outcome = "error"
		m.errors.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	}
	m.requests.WithLabelValues(route, method, outcome).Inc()
	m.latency.WithLabelValues(route, method).Observe(duration.Seconds())
}

func labelOrUnknown(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
