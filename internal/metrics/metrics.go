package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 消息处理结果
const (
	OutcomeStored  = "stored"
	OutcomeSkipped = "skipped"
	OutcomeIgnored = "ignored"
	OutcomeFailed  = "failed"
)

const namespace = "wisefido_hl7"

var (
	registerOnce sync.Once

	framesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Total MLLP frames reassembled.",
		},
	)
	messagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Processed HL7 messages by outcome.",
		},
		[]string{"outcome"},
	)
	connectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total accepted TCP connections.",
		},
	)
	connectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Currently open TCP connections.",
		},
	)
	processDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "process_duration_seconds",
			Help:      "Time from frame to acknowledgment in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	codesystemMutations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "codesystem",
			Name:      "mutations_total",
			Help:      "Code system administrative operations.",
		},
		[]string{"op", "success"},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Register 注册全部指标（幂等）
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			framesTotal,
			messagesTotal,
			connectionsTotal,
			connectionsActive,
			processDuration,
			codesystemMutations,
			httpRequests,
			httpDuration,
		)
	})
}

// Handler /metrics 处理器
func Handler() http.Handler {
	Register()
	return promhttp.Handler()
}

func RecordFrame() {
	Register()
	framesTotal.Inc()
}

func RecordMessage(outcome string, duration time.Duration) {
	Register()
	messagesTotal.WithLabelValues(outcome).Inc()
	processDuration.Observe(duration.Seconds())
}

func ConnectionOpened() {
	Register()
	connectionsTotal.Inc()
	connectionsActive.Inc()
}

func ConnectionClosed() {
	Register()
	connectionsActive.Dec()
}

func RecordCodeSystemMutation(op string, success bool) {
	Register()
	codesystemMutations.WithLabelValues(op, strconv.FormatBool(success)).Inc()
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	Register()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}
