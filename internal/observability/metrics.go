package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "interpreter_gateway_active_sessions",
		Help: "Number of room sessions in the Active state",
	})

	totalSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "interpreter_gateway_sessions_total",
		Help: "Total number of sessions that reached Active",
	})

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "interpreter_gateway_session_duration_seconds",
		Help:    "Duration of active sessions in seconds",
		Buckets: []float64{10, 30, 60, 300, 600, 1800, 3600, 7200},
	})

	sessionEnds = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "interpreter_gateway_session_ends_total",
		Help: "Sessions ended, by reason",
	}, []string{"reason"})

	// Deduplication metrics
	dedupDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "interpreter_gateway_dedup_decisions_total",
		Help: "Final transcription pairs by deduplication outcome",
	}, []string{"decision"})

	// Credit metrics
	creditsDeducted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "interpreter_gateway_credits_deducted_total",
		Help: "Credits deducted from subscription balances",
	})

	creditExhaustions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "interpreter_gateway_credit_exhaustions_total",
		Help: "Sessions ended because the balance reached zero",
	})

	// Provider metrics
	providerRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "interpreter_gateway_provider_requests_total",
		Help: "Total provider requests",
	}, []string{"provider", "status"})

	providerLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "interpreter_gateway_provider_latency_seconds",
		Help:    "Provider call latency in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0},
	}, []string{"provider"})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "interpreter_gateway_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "interpreter_gateway_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "interpreter_gateway_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})

	// Audio metrics
	audioBytesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "interpreter_gateway_audio_bytes_total",
		Help: "Total audio bytes processed",
	}, []string{"direction"}) // direction: "in" or "out"
)

// SessionMetrics tracks metrics for a single room session
type SessionMetrics struct {
	roomID    string
	startTime time.Time
	mu        sync.Mutex
	active    bool
}

// NewSessionMetrics creates a metrics tracker for a room session
func NewSessionMetrics(roomID string) *SessionMetrics {
	return &SessionMetrics{roomID: roomID}
}

// RecordSessionStart records the transition to Active
func (m *SessionMetrics) RecordSessionStart() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active {
		return
	}
	m.active = true
	m.startTime = time.Now()
	activeSessions.Inc()
	totalSessions.Inc()
}

// RecordSessionEnd records the transition to Ended
func (m *SessionMetrics) RecordSessionEnd(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sessionEnds.WithLabelValues(reason).Inc()
	if !m.active {
		return
	}
	m.active = false
	activeSessions.Dec()
	sessionDuration.Observe(time.Since(m.startTime).Seconds())
}

// RecordDedup records a deduplication decision
func (m *SessionMetrics) RecordDedup(decision string) {
	dedupDecisions.WithLabelValues(decision).Inc()
}

// RecordError records an error
func (m *SessionMetrics) RecordError(errorType, component string) {
	RecordError(errorType, component)
}

// RecordAudioBytes records audio bytes processed
func (m *SessionMetrics) RecordAudioBytes(direction string, bytes int64) {
	audioBytesProcessed.WithLabelValues(direction).Add(float64(bytes))
}

// RecordError records an error outside of a session
func RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordCreditsDeducted adds to the deducted credits counter
func RecordCreditsDeducted(credits int64) {
	if credits > 0 {
		creditsDeducted.Add(float64(credits))
	}
}

// RecordCreditExhausted counts a balance reaching zero mid-session
func RecordCreditExhausted() {
	creditExhaustions.Inc()
}

// ObserveProvider records one provider call outcome and its latency
func ObserveProvider(provider string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	providerRequests.WithLabelValues(provider, status).Inc()
	providerLatency.WithLabelValues(provider).Observe(time.Since(start).Seconds())
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}
