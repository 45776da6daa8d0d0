package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	busRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sysbus",
			Subsystem: "agent",
			Name:      "requests_total",
			Help:      "Requests by lifecycle stage.",
		},
		[]string{"agent", "stage"},
	)
	busLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sysbus",
			Subsystem: "agent",
			Name:      "request_latency_cycles",
			Help:      "Cycles from submission to completion.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		},
		[]string{"agent"},
	)
	busProbes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sysbus",
			Subsystem: "agent",
			Name:      "probes_total",
			Help:      "Probes by resolution outcome.",
		},
		[]string{"agent", "outcome"},
	)
	busViolations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sysbus",
			Subsystem: "agent",
			Name:      "violations_total",
			Help:      "Discarded messages and broken invariants.",
		},
		[]string{"agent"},
	)
	busQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "sysbus",
			Subsystem: "agent",
			Name:      "queue_depth",
			Help:      "Current occupancy of agent queues.",
		},
		[]string{"agent", "queue"},
	)
	controllerMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sysbus",
			Subsystem: "controller",
			Name:      "messages_total",
			Help:      "Messages handled by the system controller.",
		},
		[]string{"direction", "kind"},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sysbus",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sysbus",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(busRequests, busLatency, busProbes, busViolations, busQueueDepth,
			controllerMessages, httpRequests, httpDuration)
	})
}

// RecordRequest counts a request reaching stage.
func RecordRequest(agent int, stage string) {
	RegisterMetrics()
	busRequests.WithLabelValues(strconv.Itoa(agent), stage).Inc()
}

func RecordLatency(agent, cycles int) {
	RegisterMetrics()
	busLatency.WithLabelValues(strconv.Itoa(agent)).Observe(float64(cycles))
}

func RecordProbe(agent int, outcome string) {
	RegisterMetrics()
	busProbes.WithLabelValues(strconv.Itoa(agent), outcome).Inc()
}

func RecordViolation(agent int) {
	RegisterMetrics()
	busViolations.WithLabelValues(strconv.Itoa(agent)).Inc()
}

// SetQueueDepth publishes the occupancy of one agent queue.
func SetQueueDepth(agent int, queue string, length int) {
	RegisterMetrics()
	busQueueDepth.WithLabelValues(strconv.Itoa(agent), queue).Set(float64(length))
}

// RecordControllerMessage counts a controller message; direction is "in" or "out".
func RecordControllerMessage(direction, kind string) {
	RegisterMetrics()
	controllerMessages.WithLabelValues(direction, kind).Inc()
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}
