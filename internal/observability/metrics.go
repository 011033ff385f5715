package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "thread_engine_active_sessions",
		Help: "Number of live conversation sessions",
	})

	totalSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "thread_engine_sessions_total",
		Help: "Total number of sessions processed",
	})

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "thread_engine_session_duration_seconds",
		Help:    "Duration of conversation sessions in seconds",
		Buckets: []float64{10, 30, 60, 300, 600, 1800, 3600},
	})

	// Ingestion metrics
	transcriptEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "thread_engine_transcript_events_total",
		Help: "Total transcript events ingested",
	}, []string{"kind", "provider"})

	sequenceGaps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "thread_engine_sequence_gaps_total",
		Help: "Total rejected out-of-order transcript events",
	})

	utterancesCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "thread_engine_utterances_total",
		Help: "Total utterances created from final events",
	})

	// Pipeline stage metrics
	stageRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "thread_engine_stage_requests_total",
		Help: "Pipeline stage outcomes",
	}, []string{"stage", "status"}) // stage: gate|structuring|apply|flush

	stageLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "thread_engine_stage_latency_seconds",
		Help:    "Pipeline stage latency in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0},
	}, []string{"stage"})

	llmTokens = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "thread_engine_llm_tokens_total",
		Help: "Total LLM tokens consumed",
	}, []string{"stage", "model"})

	// Graph metrics
	graphMutations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "thread_engine_graph_mutations_total",
		Help: "Interpretation layer mutations applied",
	}, []string{"entity"}) // entity: thread|claim|relation|signal

	droppedRelations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "thread_engine_dropped_relations_total",
		Help: "Claim relations dropped for dangling endpoints",
	})

	// Diarization metrics
	diarizationSegments = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "thread_engine_diarization_segments_total",
		Help: "Speaker segments produced by overlay passes",
	}, []string{"provider"})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "thread_engine_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "thread_engine_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})
)

// SessionMetrics tracks metrics for a single session
type SessionMetrics struct {
	sessionID string
	startTime time.Time
}

// NewSessionMetrics creates a metrics tracker for a session
func NewSessionMetrics(sessionID string) *SessionMetrics {
	return &SessionMetrics{
		sessionID: sessionID,
		startTime: time.Now(),
	}
}

// RecordSessionStart records the start of a session
func (m *SessionMetrics) RecordSessionStart() {
	activeSessions.Inc()
	totalSessions.Inc()
}

// RecordSessionEnd records the end of a session
func (m *SessionMetrics) RecordSessionEnd() {
	activeSessions.Dec()
	sessionDuration.Observe(time.Since(m.startTime).Seconds())
}

// RecordTranscriptEvent records an ingested transcript event
func RecordTranscriptEvent(kind, provider string) {
	transcriptEvents.WithLabelValues(kind, provider).Inc()
}

// RecordSequenceGap records a rejected out-of-order event
func RecordSequenceGap() {
	sequenceGaps.Inc()
}

// RecordUtterance records an utterance created from a final event
func RecordUtterance() {
	utterancesCreated.Inc()
}

// RecordStage records a pipeline stage outcome with its latency
func RecordStage(stage, status string, elapsed time.Duration) {
	stageRequests.WithLabelValues(stage, status).Inc()
	stageLatency.WithLabelValues(stage).Observe(elapsed.Seconds())
}

// RecordLLMTokens records token consumption for a stage
func RecordLLMTokens(stage, model string, tokens int) {
	llmTokens.WithLabelValues(stage, model).Add(float64(tokens))
}

// RecordGraphMutation records interpretation layer growth
func RecordGraphMutation(entity string, n int) {
	if n > 0 {
		graphMutations.WithLabelValues(entity).Add(float64(n))
	}
}

// RecordDroppedRelations records relations dropped for dangling endpoints
func RecordDroppedRelations(n int) {
	if n > 0 {
		droppedRelations.Add(float64(n))
	}
}

// RecordDiarizationSegments records overlay output
func RecordDiarizationSegments(provider string, n int) {
	if n > 0 {
		diarizationSegments.WithLabelValues(provider).Add(float64(n))
	}
}

// RecordError records an error
func RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}
