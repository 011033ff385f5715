// Package accumulator implements the per-session segment accumulation
// state machine. Final transcript text is buffered until the accumulation
// gate decides a complete enough unit has formed, with a bounded-buffer
// force path so a silent or failing gate can never stall the stream.
package accumulator

import (
	"strings"
	"time"

	"github.com/threadlens/thread-engine/internal/contract"
)

// State of the accumulation machine.
type State string

const (
	StateIdle         State = "IDLE"
	StateAccumulating State = "ACCUMULATING"
	StateGatePending  State = "GATE_PENDING"
	StateSegmentReady State = "SEGMENT_READY"
)

// Segment is an accumulated unit ready for structuring.
type Segment struct {
	Text            string
	FirstSeq        int64
	LastSeq         int64
	DetectedThreads []string

	// Forced marks segments emitted by the backpressure path rather than
	// a gate decision.
	Forced bool
}

// Config bounds the accumulator.
type Config struct {
	GateInterval   time.Duration // Cadence of gate evaluation
	MinBufferChars int           // Buffer size triggering an early gate check
	MaxBufferChars int           // Hard cap: crossing it force-emits the buffer
	MaxDeclines    int           // continue_accumulating streak before force-emit
}

// DefaultConfig mirrors the service defaults.
func DefaultConfig() Config {
	return Config{
		GateInterval:   4 * time.Second,
		MinBufferChars: 240,
		MaxBufferChars: 8192,
		MaxDeclines:    6,
	}
}

// Accumulator is owned by a single session goroutine; it is not safe for
// concurrent use and does not need to be.
type Accumulator struct {
	cfg   Config
	state State

	buf      strings.Builder
	firstSeq int64
	lastSeq  int64

	lastGateAt    time.Time
	declineStreak int
	pending       *Segment
}

// New creates an idle accumulator.
func New(cfg Config) *Accumulator {
	if cfg.GateInterval <= 0 {
		cfg = DefaultConfig()
	}
	return &Accumulator{cfg: cfg, state: StateIdle, firstSeq: -1}
}

// State returns the current machine state.
func (a *Accumulator) State() State { return a.state }

// Buffered returns the current buffer contents.
func (a *Accumulator) Buffered() string { return a.buf.String() }

// Len returns the buffered rune count.
func (a *Accumulator) Len() int { return len([]rune(a.buf.String())) }

// Append buffers the text of a final transcript event.
func (a *Accumulator) Append(text string, seq int64) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	if a.buf.Len() > 0 {
		a.buf.WriteByte(' ')
	}
	a.buf.WriteString(text)
	if a.firstSeq < 0 {
		a.firstSeq = seq
	}
	if seq > a.lastSeq {
		a.lastSeq = seq
	}
	if a.state == StateIdle {
		a.state = StateAccumulating
		a.lastGateAt = time.Now()
	}
}

// ShouldGate reports whether a gate cycle is due: the cadence interval has
// elapsed, or the buffer crossed the early-check threshold. Only meaningful
// while accumulating.
func (a *Accumulator) ShouldGate(now time.Time) bool {
	if a.state != StateAccumulating || a.buf.Len() == 0 {
		return false
	}
	if a.Len() >= a.cfg.MinBufferChars {
		return true
	}
	return now.Sub(a.lastGateAt) >= a.cfg.GateInterval
}

// ForceDue reports whether the backpressure path should bypass the gate
// decision: the buffer hit its hard cap or the gate declined too many
// times in a row. Buffer content is never dropped, only force-emitted.
func (a *Accumulator) ForceDue() bool {
	return a.Len() >= a.cfg.MaxBufferChars || a.declineStreak >= a.cfg.MaxDeclines
}

// BeginGate transitions to GATE_PENDING and returns the text to submit.
func (a *Accumulator) BeginGate() string {
	a.state = StateGatePending
	return a.buf.String()
}

// ApplyGate consumes a gate decision. On stop_accumulating the completed
// segment becomes ready and the incomplete remainder stays buffered for
// the next cycle. On continue_accumulating the buffer is untouched.
func (a *Accumulator) ApplyGate(res contract.GateResult) {
	a.lastGateAt = time.Now()

	if res.Decision != contract.DecisionStop {
		a.declineStreak++
		a.state = StateAccumulating
		return
	}

	completed := strings.TrimSpace(res.CompletedSegment)
	if completed == "" {
		// A stop decision with nothing completed degrades to continue
		a.declineStreak++
		a.state = StateAccumulating
		return
	}

	a.declineStreak = 0
	a.pending = &Segment{
		Text:            completed,
		FirstSeq:        a.firstSeq,
		LastSeq:         a.lastSeq,
		DetectedThreads: res.DetectedThreads,
	}
	a.state = StateSegmentReady

	a.buf.Reset()
	remainder := strings.TrimSpace(res.IncompleteSegment)
	if remainder != "" {
		a.buf.WriteString(remainder)
		// The remainder came from the tail of the gated range
		a.firstSeq = a.lastSeq
	} else {
		a.firstSeq = -1
	}
}

// GateFailed records a gate call that failed to parse or timed out. The
// buffer is untouched and accumulation continues; only the segmentation
// decision is degraded.
func (a *Accumulator) GateFailed() {
	a.lastGateAt = time.Now()
	a.declineStreak++
	a.state = StateAccumulating
}

// ForceSegment emits the entire buffer as a segment, bypassing the gate.
// Used by the backpressure path and by flush.
func (a *Accumulator) ForceSegment() (Segment, bool) {
	text := strings.TrimSpace(a.buf.String())
	if text == "" {
		if a.pending == nil {
			a.state = StateIdle
		}
		return Segment{}, false
	}

	seg := Segment{
		Text:     text,
		FirstSeq: a.firstSeq,
		LastSeq:  a.lastSeq,
		Forced:   true,
	}
	a.buf.Reset()
	a.firstSeq = -1
	a.declineStreak = 0
	if a.pending == nil {
		a.state = StateIdle
	}
	return seg, true
}

// TakeSegment returns the ready segment, if any, and settles the machine
// back to ACCUMULATING (remainder buffered) or IDLE (buffer empty).
func (a *Accumulator) TakeSegment() (Segment, bool) {
	if a.pending == nil {
		return Segment{}, false
	}
	seg := *a.pending
	a.pending = nil
	if a.buf.Len() > 0 {
		a.state = StateAccumulating
	} else {
		a.state = StateIdle
	}
	return seg, true
}
