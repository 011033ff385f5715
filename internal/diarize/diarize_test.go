package diarize

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/threadlens/thread-engine/internal/transcript"
)

type captureSink struct {
	mu       sync.Mutex
	segments []transcript.SpeakerSegment
}

func (s *captureSink) AppendSpeakerSegment(_ context.Context, seg transcript.SpeakerSegment) (transcript.SpeakerSegment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.segments = append(s.segments, seg)
	return seg, nil
}

func (s *captureSink) snapshot() []transcript.SpeakerSegment {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]transcript.SpeakerSegment, len(s.segments))
	copy(out, s.segments)
	return out
}

func utt(id string, start, end float64) transcript.Utterance {
	return transcript.Utterance{ID: id, SessionID: "sess-1", StartTime: start, EndTime: end, Text: "x"}
}

func TestGapPassAlternatesOnLargeGaps(t *testing.T) {
	pass := GapPass{GapThreshold: 1.5}
	utts := []transcript.Utterance{
		utt("u1", 0.0, 1.0),
		utt("u2", 1.2, 2.0), // 0.2s gap, same speaker
		utt("u3", 4.0, 5.0), // 2.0s gap, switch
		utt("u4", 5.1, 6.0), // same speaker
		utt("u5", 8.0, 9.0), // switch back
	}

	speakers, err := pass.AssignSpeakers(context.Background(), utts)
	if err != nil {
		t.Fatalf("AssignSpeakers returned error: %v", err)
	}

	want := []string{"Speaker 1", "Speaker 1", "Speaker 2", "Speaker 2", "Speaker 1"}
	if len(speakers) != len(want) {
		t.Fatalf("got %d speakers, want %d", len(speakers), len(want))
	}
	for i := range want {
		if speakers[i] != want[i] {
			t.Errorf("utterance %d: got %q, want %q", i, speakers[i], want[i])
		}
	}
}

func TestGapPassDefaultThreshold(t *testing.T) {
	pass := GapPass{}
	utts := []transcript.Utterance{
		utt("u1", 0.0, 1.0),
		utt("u2", 2.2, 3.0), // 1.2s gap, under the 1.5s default
	}

	speakers, err := pass.AssignSpeakers(context.Background(), utts)
	if err != nil {
		t.Fatalf("AssignSpeakers returned error: %v", err)
	}
	if speakers[0] != speakers[1] {
		t.Errorf("expected same speaker across sub-threshold gap, got %q and %q", speakers[0], speakers[1])
	}
}

func TestGapPassEmptyInput(t *testing.T) {
	speakers, err := GapPass{}.AssignSpeakers(context.Background(), nil)
	if err != nil {
		t.Fatalf("AssignSpeakers returned error: %v", err)
	}
	if len(speakers) != 0 {
		t.Errorf("expected no speakers for empty input, got %d", len(speakers))
	}
}

func TestOverlayWritesSegments(t *testing.T) {
	sink := &captureSink{}
	o := NewOverlay("sess-1", sink, []Pass{GapPass{GapThreshold: 1.5}}, 8, zerolog.Nop())
	defer o.Stop()

	if ok := o.Enqueue([]transcript.Utterance{utt("u1", 0, 1), utt("u2", 4, 5)}); !ok {
		t.Fatal("Enqueue reported drop on empty queue")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(sink.snapshot()) == 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	segs := sink.snapshot()
	if len(segs) != 2 {
		t.Fatalf("got %d segments, want 2", len(segs))
	}
	if segs[0].SpeakerID != "Speaker 1" || segs[1].SpeakerID != "Speaker 2" {
		t.Errorf("unexpected speaker assignments: %q, %q", segs[0].SpeakerID, segs[1].SpeakerID)
	}
	for _, seg := range segs {
		if seg.Provider != "gap-heuristic" {
			t.Errorf("segment provider = %q, want gap-heuristic", seg.Provider)
		}
		if seg.SessionID != "sess-1" {
			t.Errorf("segment session = %q, want sess-1", seg.SessionID)
		}
		if seg.Confidence >= 0.5 {
			t.Errorf("heuristic confidence %v should stay low", seg.Confidence)
		}
	}
}

func TestOverlayEnqueueEmptyBatch(t *testing.T) {
	sink := &captureSink{}
	o := NewOverlay("sess-1", sink, []Pass{GapPass{}}, 1, zerolog.Nop())
	defer o.Stop()

	if ok := o.Enqueue(nil); !ok {
		t.Error("empty batch should be accepted as a no-op")
	}
}

func TestOverlayStopIsIdempotentAfterDrain(t *testing.T) {
	sink := &captureSink{}
	o := NewOverlay("sess-1", sink, []Pass{GapPass{}}, 4, zerolog.Nop())

	o.Enqueue([]transcript.Utterance{utt("u1", 0, 1)})
	time.Sleep(50 * time.Millisecond)
	o.Stop()

	// Enqueue after stop must not block, only drop once the queue fills.
	for i := 0; i < 10; i++ {
		o.Enqueue([]transcript.Utterance{utt("u2", 2, 3)})
	}
}
