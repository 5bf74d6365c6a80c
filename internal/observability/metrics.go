package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Turn metrics
	turnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_gateway_turns_total",
		Help: "Total number of conversation turns by outcome",
	}, []string{"outcome"})

	turnDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dispatch_gateway_turn_duration_seconds",
		Help:    "End-to-end duration of a conversation turn in seconds",
		Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 60},
	})

	inflightTurns = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dispatch_gateway_inflight_turns",
		Help: "Number of turns currently being processed",
	})

	// Routing metrics
	routingDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_gateway_routing_decisions_total",
		Help: "Routing decisions by destination",
	}, []string{"destination"})

	routingFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_gateway_routing_fallbacks_total",
		Help: "Unroutable questions that fell back to a direct answer",
	})

	// Tool metrics
	toolInvocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_gateway_tool_invocations_total",
		Help: "Tool invocations by tool and status",
	}, []string{"tool", "status"})

	toolLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dispatch_gateway_tool_latency_seconds",
		Help:    "Tool invocation latency in seconds",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0},
	}, []string{"tool"})

	// Text Service metrics
	textServiceRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_gateway_text_service_requests_total",
		Help: "Text Service requests by operation and status",
	}, []string{"operation", "status"})

	textServiceLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dispatch_gateway_text_service_latency_seconds",
		Help:    "Text Service latency in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0},
	}, []string{"operation"})

	// Session store metrics
	sessionStoreOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_gateway_session_store_operations_total",
		Help: "Session store operations by backend, operation and status",
	}, []string{"backend", "operation", "status"})

	// Voice metrics
	activeVoiceStreams = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dispatch_gateway_active_voice_streams",
		Help: "Number of open voice streams",
	})

	audioBytesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_gateway_audio_bytes_total",
		Help: "Total inbound audio bytes forwarded to speech-to-text",
	})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_gateway_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dispatch_gateway_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_gateway_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})
)

// TurnMetrics tracks metrics for a single conversation turn
type TurnMetrics struct {
	sessionID string
	startTime time.Time
	toolStart time.Time
	mu        sync.Mutex
}

// NewTurnMetrics creates a new metrics tracker for a turn and marks it in flight
func NewTurnMetrics(sessionID string) *TurnMetrics {
	inflightTurns.Inc()
	return &TurnMetrics{
		sessionID: sessionID,
		startTime: time.Now(),
	}
}

// RecordDecision records the routing outcome of the turn
func (m *TurnMetrics) RecordDecision(destination string, fellBack bool) {
	routingDecisions.WithLabelValues(destination).Inc()
	if fellBack {
		routingFallbacks.Inc()
	}
}

// RecordToolStart marks the start of tool dispatch
func (m *TurnMetrics) RecordToolStart() {
	m.mu.Lock()
	m.toolStart = time.Now()
	m.mu.Unlock()
}

// RecordToolEnd records the end of tool dispatch
func (m *TurnMetrics) RecordToolEnd(tool string, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.toolStart.IsZero() {
		toolLatency.WithLabelValues(tool).Observe(time.Since(m.toolStart).Seconds())
	}

	toolInvocations.WithLabelValues(tool, status(success)).Inc()
}

// RecordTurnEnd records the end of the turn with its outcome label
func (m *TurnMetrics) RecordTurnEnd(outcome string) {
	inflightTurns.Dec()
	turnDuration.Observe(time.Since(m.startTime).Seconds())
	turnsTotal.WithLabelValues(outcome).Inc()
}

// RecordError records an error
func (m *TurnMetrics) RecordError(errorType, component string) {
	RecordError(errorType, component)
}

// RecordError records an error outside a turn
func RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordTextServiceCall records one Text Service request
func RecordTextServiceCall(operation string, started time.Time, success bool) {
	textServiceLatency.WithLabelValues(operation).Observe(time.Since(started).Seconds())
	textServiceRequests.WithLabelValues(operation, status(success)).Inc()
}

// RecordSessionStoreOp records one session store operation
func RecordSessionStoreOp(backend, operation string, success bool) {
	sessionStoreOps.WithLabelValues(backend, operation, status(success)).Inc()
}

// RecordVoiceStreamStart records the opening of a voice stream
func RecordVoiceStreamStart() { activeVoiceStreams.Inc() }

// RecordVoiceStreamEnd records the closing of a voice stream
func RecordVoiceStreamEnd() { activeVoiceStreams.Dec() }

// RecordAudioBytes records inbound audio bytes
func RecordAudioBytes(bytes int64) {
	audioBytesReceived.Add(float64(bytes))
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}
