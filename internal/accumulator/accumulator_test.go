package accumulator

import (
	"testing"
	"time"

	"github.com/threadlens/thread-engine/internal/contract"
)

func testConfig() Config {
	return Config{
		GateInterval:   10 * time.Millisecond,
		MinBufferChars: 50,
		MaxBufferChars: 200,
		MaxDeclines:    3,
	}
}

func TestAppend_Transitions(t *testing.T) {
	a := New(testConfig())

	if a.State() != StateIdle {
		t.Fatalf("Expected IDLE initially, got %s", a.State())
	}

	a.Append("We should ship v2", 1)
	if a.State() != StateAccumulating {
		t.Errorf("Expected ACCUMULATING after append, got %s", a.State())
	}
	if a.Buffered() != "We should ship v2" {
		t.Errorf("Unexpected buffer: %q", a.Buffered())
	}

	a.Append("ship it by Friday", 2)
	if a.Buffered() != "We should ship v2 ship it by Friday" {
		t.Errorf("Unexpected buffer after second append: %q", a.Buffered())
	}
}

func TestShouldGate_IntervalAndThreshold(t *testing.T) {
	a := New(testConfig())

	if a.ShouldGate(time.Now()) {
		t.Error("Empty accumulator must not gate")
	}

	a.Append("short", 1)
	if a.ShouldGate(time.Now()) {
		t.Error("Fresh short buffer must not gate yet")
	}
	if !a.ShouldGate(time.Now().Add(20 * time.Millisecond)) {
		t.Error("Expected gate after interval elapsed")
	}

	// Crossing the char threshold gates immediately
	a.Append("this is a much longer stretch of transcript text arriving quickly", 2)
	if !a.ShouldGate(time.Now()) {
		t.Error("Expected gate after crossing MinBufferChars")
	}
}

func TestApplyGate_StopEmitsSegmentKeepsRemainder(t *testing.T) {
	a := New(testConfig())
	a.Append("We should ship v2", 1)
	a.Append("ship it by Friday", 2)
	a.Append("and then", 3)

	text := a.BeginGate()
	if a.State() != StateGatePending {
		t.Fatalf("Expected GATE_PENDING, got %s", a.State())
	}
	if text != "We should ship v2 ship it by Friday and then" {
		t.Errorf("Unexpected gated text: %q", text)
	}

	a.ApplyGate(contract.GateResult{
		Decision:          contract.DecisionStop,
		CompletedSegment:  "We should ship v2 ship it by Friday",
		IncompleteSegment: "and then",
		DetectedThreads:   []string{"Ship v2 plan"},
	})
	if a.State() != StateSegmentReady {
		t.Fatalf("Expected SEGMENT_READY, got %s", a.State())
	}

	seg, ok := a.TakeSegment()
	if !ok {
		t.Fatal("Expected a ready segment")
	}
	if seg.Text != "We should ship v2 ship it by Friday" {
		t.Errorf("Unexpected segment text: %q", seg.Text)
	}
	if seg.FirstSeq != 1 || seg.LastSeq != 3 {
		t.Errorf("Unexpected segment span: [%d,%d]", seg.FirstSeq, seg.LastSeq)
	}
	if len(seg.DetectedThreads) != 1 || seg.DetectedThreads[0] != "Ship v2 plan" {
		t.Errorf("Unexpected detected threads: %v", seg.DetectedThreads)
	}

	// Remainder stays buffered for the next cycle
	if a.State() != StateAccumulating {
		t.Errorf("Expected ACCUMULATING with remainder, got %s", a.State())
	}
	if a.Buffered() != "and then" {
		t.Errorf("Expected remainder buffered, got %q", a.Buffered())
	}
}

func TestApplyGate_ContinueKeepsBuffer(t *testing.T) {
	a := New(testConfig())
	a.Append("so the thing is", 1)

	before := a.Buffered()
	a.BeginGate()
	a.ApplyGate(contract.GateResult{Decision: contract.DecisionContinue})

	if a.State() != StateAccumulating {
		t.Errorf("Expected ACCUMULATING after continue, got %s", a.State())
	}
	if a.Buffered() != before {
		t.Errorf("Buffer changed on continue: %q -> %q", before, a.Buffered())
	}
}

func TestApplyGate_StopWithEmptyCompletedDegrades(t *testing.T) {
	a := New(testConfig())
	a.Append("text", 1)

	a.BeginGate()
	a.ApplyGate(contract.GateResult{Decision: contract.DecisionStop, CompletedSegment: ""})

	if a.State() != StateAccumulating {
		t.Errorf("Expected ACCUMULATING, got %s", a.State())
	}
	if _, ok := a.TakeSegment(); ok {
		t.Error("Expected no segment from empty completed_segment")
	}
	if a.Buffered() != "text" {
		t.Errorf("Buffer lost: %q", a.Buffered())
	}
}

func TestGateFailed_BufferUntouched(t *testing.T) {
	a := New(testConfig())
	a.Append("precious transcript text", 1)
	a.Append("more of it", 2)

	before := a.Buffered()
	a.BeginGate()
	a.GateFailed()

	if a.Buffered() != before {
		t.Errorf("Gate failure lost buffer content: %q -> %q", before, a.Buffered())
	}
	if a.State() != StateAccumulating {
		t.Errorf("Expected ACCUMULATING after gate failure, got %s", a.State())
	}
}

func TestForceDue_DeclineStreak(t *testing.T) {
	a := New(testConfig())
	a.Append("text", 1)

	for i := 0; i < 3; i++ {
		if a.ForceDue() {
			t.Fatalf("Force due too early at streak %d", i)
		}
		a.BeginGate()
		a.ApplyGate(contract.GateResult{Decision: contract.DecisionContinue})
	}
	if !a.ForceDue() {
		t.Error("Expected force after MaxDeclines continues")
	}
}

func TestForceDue_BufferCap(t *testing.T) {
	cfg := testConfig()
	a := New(cfg)

	// Append trims trailing whitespace, so overshoot the cap by a full
	// repeat instead of landing on it exactly.
	var text string
	for len(text) <= cfg.MaxBufferChars {
		text += "transcript keeps flowing "
	}
	a.Append(text, 1)

	if !a.ForceDue() {
		t.Error("Expected force after buffer crossed hard cap")
	}

	seg, ok := a.ForceSegment()
	if !ok {
		t.Fatal("Expected forced segment")
	}
	if !seg.Forced {
		t.Error("Expected segment marked forced")
	}
	if a.Buffered() != "" {
		t.Errorf("Expected empty buffer after force, got %q", a.Buffered())
	}
	if a.State() != StateIdle {
		t.Errorf("Expected IDLE after force with empty buffer, got %s", a.State())
	}
}

func TestForceSegment_EmptyBuffer(t *testing.T) {
	a := New(testConfig())
	if _, ok := a.ForceSegment(); ok {
		t.Error("Expected no segment from empty buffer")
	}
}

func TestDeclineStreak_ResetOnStop(t *testing.T) {
	a := New(testConfig())
	a.Append("some complete thought", 1)

	a.BeginGate()
	a.ApplyGate(contract.GateResult{Decision: contract.DecisionContinue})
	a.BeginGate()
	a.ApplyGate(contract.GateResult{
		Decision:         contract.DecisionStop,
		CompletedSegment: "some complete thought",
	})
	a.TakeSegment()

	a.Append("new text", 2)
	if a.ForceDue() {
		t.Error("Decline streak must reset after a stop decision")
	}
}
