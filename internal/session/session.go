package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/threadlens/thread-engine/internal/accumulator"
	"github.com/threadlens/thread-engine/internal/config"
	"github.com/threadlens/thread-engine/internal/diarize"
	"github.com/threadlens/thread-engine/internal/graph"
	"github.com/threadlens/thread-engine/internal/observability"
	"github.com/threadlens/thread-engine/internal/structurer"
	"github.com/threadlens/thread-engine/internal/telemetry"
	"github.com/threadlens/thread-engine/internal/transcript"
)

// Flush lifecycle states.
const (
	FlushStateStreaming = "STREAMING"
	FlushStateRequested = "FLUSH_REQUESTED"
	FlushStateSucceeded = "FLUSH_SUCCEEDED"
	FlushStateDegraded  = "FLUSH_DEGRADED"
)

// Client message types on the transcript websocket.
const (
	MsgSessionMeta     = "session_meta"
	MsgTranscriptParts = "transcript_partial"
	MsgTranscriptFinal = "transcript_final"
	MsgAudioChunk      = "audio_chunk"
	MsgFlush           = "flush"
)

// ClientMessage is the inbound websocket envelope.
type ClientMessage struct {
	Type       string  `json:"type"`
	SessionID  string  `json:"session_id,omitempty"`
	SequenceNo int64   `json:"sequence_no,omitempty"`
	Text       string  `json:"text,omitempty"`
	Provider   string  `json:"provider,omitempty"`
	StartTime  float64 `json:"start_time,omitempty"`
	EndTime    float64 `json:"end_time,omitempty"`
	Audio      []byte  `json:"audio,omitempty"`
}

// ProcessingStatus qualifies a degraded flush acknowledgement.
type ProcessingStatus struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// ServerMessage is the outbound websocket envelope.
type ServerMessage struct {
	Status           string             `json:"status"`
	SessionID        string             `json:"session_id,omitempty"`
	SequenceNo       int64              `json:"sequence_no,omitempty"`
	Message          string             `json:"message,omitempty"`
	Applied          *graph.ApplyResult `json:"applied,omitempty"`
	Graph            *graph.Snapshot    `json:"graph,omitempty"`
	ProcessingStatus *ProcessingStatus  `json:"processing_status,omitempty"`
}

// FlushOutcome is what the flush controller reports to its caller.
type FlushOutcome struct {
	State  string             `json:"state"`
	Level  string             `json:"level,omitempty"`
	Detail string             `json:"detail,omitempty"`
	Graph  *graph.Snapshot    `json:"graph,omitempty"`
	Result *graph.ApplyResult `json:"applied,omitempty"`
}

type flushRequest struct {
	resp chan FlushOutcome
}

// Session owns one live transcript stream end to end: the websocket, the
// fact-layer writes, the accumulation machine, the structuring calls and
// the in-memory thread graph. The pipeline goroutine is the single writer
// for the accumulator and the graph; the read loop only appends facts and
// hands finals over a channel.
type Session struct {
	ID string

	conn       *websocket.Conn
	cfg        *config.Config
	store      *transcript.Store
	structurer *structurer.Client
	graph      *graph.Graph
	acc        *accumulator.Accumulator
	overlay    *diarize.Overlay
	telemetry  *telemetry.Registry
	metrics    *observability.SessionMetrics
	logger     zerolog.Logger

	finals    chan transcript.TranscriptEvent
	flushReqs chan flushRequest

	mu           sync.RWMutex
	provider     string
	flushState   string
	lastActivity time.Time
	active       bool

	writeMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a session around an accepted websocket connection. The
// overlay may be nil when diarization is disabled.
func New(id string, conn *websocket.Conn, cfg *config.Config, store *transcript.Store, st *structurer.Client, overlay *diarize.Overlay, tel *telemetry.Registry) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		ID:         id,
		conn:       conn,
		cfg:        cfg,
		store:      store,
		structurer: st,
		graph:      graph.New(id),
		acc: accumulator.New(accumulator.Config{
			GateInterval:   time.Duration(cfg.GateIntervalMs) * time.Millisecond,
			MinBufferChars: cfg.GateMinBufferChars,
			MaxBufferChars: cfg.MaxBufferChars,
			MaxDeclines:    cfg.MaxGateDeclines,
		}),
		overlay:      overlay,
		telemetry:    tel,
		metrics:      observability.NewSessionMetrics(id),
		logger:       observability.WithSession(id, observability.NewCorrelationID()),
		finals:       make(chan transcript.TranscriptEvent, 256),
		flushReqs:    make(chan flushRequest, 4),
		flushState:   FlushStateStreaming,
		lastActivity: time.Now(),
		active:       true,
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
	}
}

// Start launches the pipeline goroutine and runs the websocket read loop
// until the peer disconnects. It returns after teardown completes.
func (s *Session) Start() {
	s.metrics.RecordSessionStart()
	s.logger.Info().Msg("Session started")

	go s.runPipeline()

	s.readLoop()

	// Socket gone. Flush whatever is still buffered before tearing down.
	s.flushBeforeClose()
	s.Close()
	<-s.done

	s.metrics.RecordSessionEnd()
	s.logger.Info().Msg("Session ended")
}

// Close cancels the pipeline and closes the connection. Safe to call more
// than once.
func (s *Session) Close() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.active = false
	s.mu.Unlock()

	s.cancel()
	if s.overlay != nil {
		s.overlay.Stop()
	}
	_ = s.conn.Close()
}

// IsActive reports whether the session is still serving traffic.
func (s *Session) IsActive() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// LastActivity returns the time of the latest inbound message.
func (s *Session) LastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity
}

// FlushState returns the current flush lifecycle state.
func (s *Session) FlushState() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.flushState
}

// Snapshot returns a deep copy of the session's thread graph.
func (s *Session) Snapshot() graph.Snapshot {
	return s.graph.Snapshot()
}

// RequestFlush asks the pipeline to drain and structure everything still
// buffered. The acknowledgement is guaranteed within the flush timeout:
// when the drain cannot finish in time the outcome degrades instead of
// blocking the caller.
func (s *Session) RequestFlush() FlushOutcome {
	s.setFlushState(FlushStateRequested)

	req := flushRequest{resp: make(chan FlushOutcome, 1)}
	timeout := time.Duration(s.cfg.FlushTimeout) * time.Second
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case s.flushReqs <- req:
	case <-timer.C:
		return s.degradedFlush("flush queue saturated")
	case <-s.ctx.Done():
		return s.degradedFlush("session closed")
	}

	select {
	case out := <-req.resp:
		s.setFlushState(out.State)
		return out
	case <-timer.C:
		return s.degradedFlush("flush deadline exceeded, transcript retained")
	case <-s.ctx.Done():
		return s.degradedFlush("session closed")
	}
}

func (s *Session) degradedFlush(detail string) FlushOutcome {
	s.setFlushState(FlushStateDegraded)
	snap := s.graph.Snapshot()
	observability.RecordStage(transcript.StageFlush, transcript.StatusError, 0)
	return FlushOutcome{State: FlushStateDegraded, Level: "error", Detail: detail, Graph: &snap}
}

func (s *Session) setFlushState(state string) {
	s.mu.Lock()
	s.flushState = state
	s.mu.Unlock()
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// readLoop consumes the websocket until error or close. Fact-layer writes
// happen here so ordering violations are rejected before anything reaches
// the pipeline.
func (s *Session) readLoop() {
	for {
		var msg ClientMessage
		if err := s.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn().Err(err).Msg("WebSocket closed unexpectedly")
			}
			return
		}
		s.touch()

		switch msg.Type {
		case MsgSessionMeta:
			s.mu.Lock()
			if msg.Provider != "" {
				s.provider = msg.Provider
			}
			s.mu.Unlock()
			s.send(ServerMessage{Status: "ack", SessionID: s.ID})

		case MsgTranscriptParts:
			s.handleTranscript(msg, transcript.KindPartial)

		case MsgTranscriptFinal:
			s.handleTranscript(msg, transcript.KindFinal)

		case MsgAudioChunk:
			if err := s.store.AppendAudioChunk(s.ctx, s.ID, msg.SequenceNo, msg.Audio); err != nil {
				s.logger.Warn().Err(err).Msg("Failed to persist audio chunk")
			}

		case MsgFlush:
			out := s.RequestFlush()
			s.sendFlushAck(out)

		default:
			s.send(ServerMessage{Status: "error", Message: fmt.Sprintf("unknown message type %q", msg.Type)})
		}
	}
}

func (s *Session) handleTranscript(msg ClientMessage, kind transcript.EventKind) {
	provider := msg.Provider
	if provider == "" {
		s.mu.RLock()
		provider = s.provider
		s.mu.RUnlock()
	}

	ev := transcript.TranscriptEvent{
		SequenceNo: msg.SequenceNo,
		SessionID:  s.ID,
		Kind:       kind,
		Text:       msg.Text,
		Provider:   provider,
		StartTime:  msg.StartTime,
		EndTime:    msg.EndTime,
		ReceivedAt: time.Now().UTC(),
	}

	received := time.Now()
	appended, err := s.store.AppendEvent(s.ctx, ev)
	if err != nil {
		var gap *transcript.SequenceGapError
		if errors.As(err, &gap) {
			observability.RecordSequenceGap()
			s.send(ServerMessage{
				Status:     "error",
				SessionID:  s.ID,
				SequenceNo: msg.SequenceNo,
				Message:    gap.Error(),
			})
			return
		}
		s.logger.Error().Err(err).Int64("seq", msg.SequenceNo).Msg("Failed to append transcript event")
		observability.RecordError("store_append", "session")
		s.send(ServerMessage{
			Status:     "error",
			SessionID:  s.ID,
			SequenceNo: msg.SequenceNo,
			Message:    "failed to persist transcript event",
		})
		return
	}
	observability.RecordTranscriptEvent(string(kind), provider)

	if kind == transcript.KindPartial {
		s.telemetry.Record(provider, telemetry.StagePartialTurnround, time.Since(received))
		return
	}
	if !appended {
		// Duplicate final, already processed.
		return
	}

	utt, err := s.store.CreateUtterance(s.ctx, ev)
	if err != nil {
		s.logger.Error().Err(err).Int64("seq", ev.SequenceNo).Msg("Failed to create utterance")
		observability.RecordError("utterance_create", "session")
		s.send(ServerMessage{
			Status:     "error",
			SessionID:  s.ID,
			SequenceNo: ev.SequenceNo,
			Message:    "failed to persist utterance",
		})
		return
	}
	observability.RecordUtterance()
	s.telemetry.Record(provider, telemetry.StageFinalTurnaround, time.Since(received))

	if s.overlay != nil {
		s.overlay.Enqueue([]transcript.Utterance{utt})
	}

	select {
	case s.finals <- ev:
	case <-s.ctx.Done():
	}
}

// runPipeline is the single writer for the accumulator and the graph. It
// interleaves final ingestion, gate cadence and flush requests; every
// structuring cycle for a session runs sequentially here.
func (s *Session) runPipeline() {
	defer close(s.done)

	ticker := time.NewTicker(time.Duration(s.cfg.GateIntervalMs) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return

		case ev := <-s.finals:
			s.acc.Append(ev.Text, ev.SequenceNo)
			if s.acc.ForceDue() {
				s.forceCycle()
			} else if s.acc.Len() >= s.cfg.GateMinBufferChars {
				s.gateCycle()
			}

		case now := <-ticker.C:
			if s.acc.ForceDue() {
				s.forceCycle()
			} else if s.acc.ShouldGate(now) {
				s.gateCycle()
			}

		case req := <-s.flushReqs:
			req.resp <- s.drainForFlush()
		}
	}
}

// gateCycle asks the gate whether the buffer forms a complete unit, and
// structures the completed segment when it does. Gate failures leave the
// buffer intact.
func (s *Session) gateCycle() {
	buffered := s.acc.BeginGate()

	start := time.Now()
	res, err := s.structurer.Gate(s.ctx, s.ID, buffered)
	s.telemetry.Record(s.providerName(), telemetry.StageGateTurnaround, time.Since(start))

	if err != nil {
		s.acc.GateFailed()
		s.logger.Warn().Err(err).Msg("Gate call failed, continuing accumulation")
		if s.acc.ForceDue() {
			s.forceCycle()
		}
		return
	}

	s.acc.ApplyGate(res)
	if seg, ok := s.acc.TakeSegment(); ok {
		s.structureAndApply(seg)
	} else if s.acc.ForceDue() {
		s.forceCycle()
	}
}

// forceCycle emits the whole buffer without a gate decision. Used when the
// buffer caps out or the gate declines too long.
func (s *Session) forceCycle() {
	seg, ok := s.acc.ForceSegment()
	if !ok {
		return
	}
	s.logger.Info().Int64("first_seq", seg.FirstSeq).Int64("last_seq", seg.LastSeq).Msg("Force-emitting buffered segment")
	s.structureAndApply(seg)
}

func (s *Session) structureAndApply(seg accumulator.Segment) {
	start := time.Now()
	result, err := s.structurer.Structure(s.ctx, s.ID, seg, buildGraphContext(s.graph.Snapshot()))
	s.telemetry.Record(s.providerName(), telemetry.StageStructuring, time.Since(start))

	if err != nil {
		s.logger.Error().Err(err).Int64("first_seq", seg.FirstSeq).Msg("Structuring failed, transcript retained")
		observability.RecordError("structuring", "session")
		return
	}
	if result.Failed() {
		// Validated as empty: nothing to apply, the audit trail has the payload.
		return
	}

	applied := s.graph.Apply(result.Delta, seg.FirstSeq, seg.LastSeq)
	s.recordApply(applied)

	snap := s.graph.Snapshot()
	s.send(ServerMessage{
		Status:    "graph_update",
		SessionID: s.ID,
		Applied:   &applied,
		Graph:     &snap,
	})
}

func (s *Session) recordApply(applied graph.ApplyResult) {
	observability.RecordGraphMutation("thread", applied.ThreadsCreated)
	observability.RecordGraphMutation("claim", applied.ClaimsCreated)
	observability.RecordGraphMutation("relation", applied.RelationsCreated)
	observability.RecordGraphMutation("signal", applied.SignalsCreated)
	observability.RecordDroppedRelations(len(applied.DroppedRelations))
	for _, drop := range applied.DroppedRelations {
		s.logger.Warn().Str("relation", drop).Msg("Dropped unresolvable claim relation")
	}
}

// drainForFlush runs the flush path inside the pipeline goroutine: force
// the remaining buffer through structuring, then report. A failed
// structuring call degrades the outcome but never loses the transcript.
func (s *Session) drainForFlush() FlushOutcome {
	start := time.Now()

	// A gate decision may have left a segment pending.
	if seg, ok := s.acc.TakeSegment(); ok {
		s.structureAndApply(seg)
	}

	state := FlushStateSucceeded
	level := ""
	detail := ""
	if seg, ok := s.acc.ForceSegment(); ok {
		result, err := s.structurer.Structure(s.ctx, s.ID, seg, buildGraphContext(s.graph.Snapshot()))
		switch {
		case err != nil:
			state = FlushStateDegraded
			level = "error"
			detail = "final segment left unstructured: " + err.Error()
		case result.Failed():
			state = FlushStateDegraded
			level = "warning"
			detail = "final segment produced no valid graph delta"
		default:
			applied := s.graph.Apply(result.Delta, seg.FirstSeq, seg.LastSeq)
			s.recordApply(applied)
		}
	}

	status := transcript.StatusOK
	if state == FlushStateDegraded {
		status = transcript.StatusError
	}
	observability.RecordStage(transcript.StageFlush, status, time.Since(start))

	snap := s.graph.Snapshot()
	return FlushOutcome{State: state, Level: level, Detail: detail, Graph: &snap}
}

func (s *Session) flushBeforeClose() {
	if s.ctx.Err() != nil {
		return
	}
	out := s.RequestFlush()
	s.logger.Info().Str("state", out.State).Msg("Flushed on disconnect")
}

func (s *Session) sendFlushAck(out FlushOutcome) {
	msg := ServerMessage{
		Status:    "flush_ack",
		SessionID: s.ID,
		Graph:     out.Graph,
	}
	if out.State == FlushStateDegraded {
		level := out.Level
		if level == "" {
			level = "error"
		}
		msg.ProcessingStatus = &ProcessingStatus{Level: level, Message: out.Detail}
	}
	s.send(msg)
}

func (s *Session) send(msg ServerMessage) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteJSON(msg); err != nil {
		s.logger.Debug().Err(err).Msg("WebSocket write failed")
	}
}

func (s *Session) providerName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.provider == "" {
		return "unknown"
	}
	return s.provider
}

// buildGraphContext renders the current graph as prompt context so the
// structuring model can extend existing threads instead of re-creating
// them.
func buildGraphContext(snap graph.Snapshot) string {
	if len(snap.Threads) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("Existing threads:\n")
	for _, t := range snap.Threads {
		fmt.Fprintf(&b, "- %q (%s, utterances %d-%d)\n", t.Title, t.State, t.FirstSeq, t.LastSeq)
	}
	if len(snap.Claims) > 0 {
		claims := snap.Claims
		if len(claims) > 12 {
			claims = claims[len(claims)-12:]
		}
		b.WriteString("Recent claims:\n")
		for _, c := range claims {
			fmt.Fprintf(&b, "- [%s] %s\n", c.Type, c.Text)
		}
	}
	return b.String()
}
