// Package structurer is the fault-tolerant boundary between the pipeline
// and the structuring model. It submits accumulation-gate and thread-graph
// requests, validates responses against their contracts, and records one
// analysis event per attempt. It never writes to the interpretation layer;
// applying deltas is the graph package's job.
package structurer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/threadlens/thread-engine/internal/accumulator"
	"github.com/threadlens/thread-engine/internal/contract"
	"github.com/threadlens/thread-engine/internal/llm"
	"github.com/threadlens/thread-engine/internal/observability"
	"github.com/threadlens/thread-engine/internal/resilience"
	"github.com/threadlens/thread-engine/internal/transcript"
	"golang.org/x/time/rate"
)

const gateSystemPrompt = `You segment live conversation transcripts. Given buffered transcript text, decide whether it forms a complete enough unit to analyze. Respond with ONLY a JSON object:
{"decision": "continue_accumulating" | "stop_accumulating", "completed_segment": "<the complete unit, empty if continuing>", "incomplete_segment": "<trailing text that belongs to the next unit>", "detected_threads": ["<topic titles present in the completed unit>"]}`

const structuringSystemPrompt = `You structure conversation segments into a thread graph. Given a segment and the current graph context, respond with ONLY a JSON array of node objects. Each node requires: node_name, summary, node_type, predecessor, successor, linked_nodes (existing thread titles this node belongs to), claims (claim statements made in the segment). Optional: contextual_relation (array of {type, from_claim, to_claim, confidence} with type one of supports|attacks|depends_on|is_crux_for), is_bookmark, is_contextual_progress. Return [] if the segment adds nothing structural.`

// AuditLog is the slice of the fact store the structurer writes to.
type AuditLog interface {
	AppendAnalysisEvent(ctx context.Context, ae transcript.AnalysisEvent) (transcript.AnalysisEvent, error)
}

// Config for the structuring client.
type Config struct {
	GateModel        string
	StructuringModel string
	MaxTokens        int
	RetryMaxAttempts int
	RetryBackoff     time.Duration
	RateLimit        float64 // structuring calls per second, 0 disables
	BreakerFailures  int
	BreakerReset     time.Duration
}

// Client coordinates gate and structuring calls for all sessions. Calls
// within one session are sequential (the session pipeline enforces that);
// across sessions the client is safe for concurrent use.
type Client struct {
	provider llm.Provider
	audit    AuditLog
	limiter  *rate.Limiter
	breaker  *resilience.CircuitBreaker
	cfg      Config
	logger   zerolog.Logger
}

// New creates a structuring client.
func New(provider llm.Provider, audit AuditLog, cfg Config, logger zerolog.Logger) *Client {
	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}

	breaker := resilience.NewCircuitBreaker("structuring-model", cfg.BreakerFailures, cfg.BreakerReset)
	breaker.OnStateChange(func(name string, state resilience.CircuitState) {
		observability.UpdateCircuitBreakerState(name, int(state))
	})

	return &Client{
		provider: provider,
		audit:    audit,
		limiter:  limiter,
		breaker:  breaker,
		cfg:      cfg,
		logger:   logger,
	}
}

// Gate runs one Contract A cycle over the buffered text. A failed gate is
// reported as an error; the caller degrades to continue_accumulating and
// the buffer is untouched. Exactly one analysis event is recorded.
func (c *Client) Gate(ctx context.Context, sessionID, buffered string) (contract.GateResult, error) {
	start := time.Now()

	resp, err := c.provider.Complete(ctx, llm.CompletionRequest{
		System:      gateSystemPrompt,
		Prompt:      buffered,
		Model:       c.cfg.GateModel,
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: 0.1,
	})
	if err != nil {
		c.recordAudit(sessionID, transcript.StageGate, c.cfg.GateModel, transcript.StatusError, err.Error(), 0)
		observability.RecordStage(transcript.StageGate, "error", time.Since(start))
		return contract.GateResult{}, fmt.Errorf("gate call: %w", err)
	}
	observability.RecordLLMTokens(transcript.StageGate, resp.Model, resp.TokensUsed)

	res, err := contract.ParseGate(resp.Text)
	if err != nil {
		c.recordAudit(sessionID, transcript.StageGate, resp.Model, transcript.StatusError, err.Error(), 0)
		observability.RecordStage(transcript.StageGate, "error", time.Since(start))
		return contract.GateResult{}, err
	}

	c.recordAudit(sessionID, transcript.StageGate, resp.Model, transcript.StatusOK, "", 0)
	observability.RecordStage(transcript.StageGate, "ok", time.Since(start))
	return res, nil
}

// Structure runs one Contract B cycle over an accumulated segment.
//
// Provider errors retry with backoff while retryable; a top-level parse
// failure is terminal for the cycle (the result degrades to zero nodes and
// is not retried, so the stream never stalls). One analysis event is
// recorded per attempt.
func (c *Client) Structure(ctx context.Context, sessionID string, seg accumulator.Segment, graphContext string) (contract.DeltaResult, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return contract.DeltaResult{}, err
		}
	}

	start := time.Now()
	prompt := buildStructuringPrompt(seg, graphContext)

	var result contract.DeltaResult
	retryCfg := &resilience.RetryConfig{
		MaxAttempts:       c.cfg.RetryMaxAttempts,
		InitialBackoff:    c.cfg.RetryBackoff,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}

	err := resilience.Retry(ctx, func(ctx context.Context, attempt int) error {
		var resp *llm.CompletionResponse
		callErr := c.breaker.Call(func() error {
			var err error
			resp, err = c.provider.Complete(ctx, llm.CompletionRequest{
				System:      structuringSystemPrompt,
				Prompt:      prompt,
				Model:       c.cfg.StructuringModel,
				MaxTokens:   c.cfg.MaxTokens,
				Temperature: 0.2,
			})
			return err
		})
		if callErr != nil {
			c.recordAudit(sessionID, transcript.StageStructuring, c.cfg.StructuringModel, transcript.StatusError, callErr.Error(), attempt)
			return callErr
		}
		observability.RecordLLMTokens(transcript.StageStructuring, resp.Model, resp.TokensUsed)

		result = contract.ParseDelta(resp.Text)
		switch {
		case result.Failed():
			// Malformed top-level JSON: terminal, degrade to zero nodes
			c.recordAudit(sessionID, transcript.StageStructuring, resp.Model, transcript.StatusError, result.Err.Error(), attempt)
		case result.Partial():
			c.recordAudit(sessionID, transcript.StageStructuring, resp.Model, transcript.StatusPartial, joinWarnings(result.Warnings), attempt)
		default:
			c.recordAudit(sessionID, transcript.StageStructuring, resp.Model, transcript.StatusOK, "", attempt)
		}
		return nil
	}, retryCfg, func(err error) bool {
		if errors.Is(err, resilience.ErrCircuitOpen) {
			return false
		}
		return llm.IsRetryable(err)
	})

	if err != nil {
		observability.RecordStage(transcript.StageStructuring, "error", time.Since(start))
		return contract.DeltaResult{}, fmt.Errorf("structuring call: %w", err)
	}

	status := "ok"
	if result.Failed() {
		status = "error"
	} else if result.Partial() {
		status = "partial"
	}
	observability.RecordStage(transcript.StageStructuring, status, time.Since(start))
	return result, nil
}

func (c *Client) recordAudit(sessionID, stage, model, status, payload string, attempt int) {
	// Audit writes are best-effort but loudly logged: losing the trail is
	// an operational problem, not a pipeline one.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := c.audit.AppendAnalysisEvent(ctx, transcript.AnalysisEvent{
		SessionID:    sessionID,
		Stage:        stage,
		Model:        model,
		Status:       status,
		ErrorPayload: payload,
		AttemptIndex: attempt,
	})
	if err != nil {
		c.logger.Error().Err(err).Str("stage", stage).Msg("Failed to record analysis event")
	}
}

func buildStructuringPrompt(seg accumulator.Segment, graphContext string) string {
	var b strings.Builder
	if graphContext != "" {
		b.WriteString("Current graph context:\n")
		b.WriteString(graphContext)
		b.WriteString("\n\n")
	}
	if len(seg.DetectedThreads) > 0 {
		b.WriteString("Threads detected at segmentation: ")
		b.WriteString(strings.Join(seg.DetectedThreads, ", "))
		b.WriteString("\n\n")
	}
	b.WriteString("Segment:\n")
	b.WriteString(seg.Text)
	return b.String()
}

func joinWarnings(warnings []contract.ValidationWarning) string {
	parts := make([]string, len(warnings))
	for i, w := range warnings {
		parts[i] = w.String()
	}
	return strings.Join(parts, "; ")
}
