// Package diarize attaches best-effort speaker attribution to utterances.
// The overlay runs off the critical path: it never blocks utterance
// creation or structuring cycles, and its passes only ever append new
// speaker segments, letting later higher-confidence passes refine earlier
// ones without rewriting history.
package diarize

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/threadlens/thread-engine/internal/observability"
	"github.com/threadlens/thread-engine/internal/transcript"
)

// Pass assigns speaker labels to a window of utterances. Implementations
// must be side-effect free; the overlay owns persistence.
type Pass interface {
	// Name identifies the pass (recorded as the segment provider)
	Name() string

	// Confidence is the fixed confidence this pass attaches to its output
	Confidence() float64

	// AssignSpeakers returns speaker ids index-aligned with the input.
	// An empty id means the pass abstains for that utterance.
	AssignSpeakers(ctx context.Context, utts []transcript.Utterance) ([]string, error)
}

// GapPass is a heuristic first pass: alternate speakers when the silence
// between consecutive utterances exceeds a threshold. Cheap, low
// confidence, and good enough until an acoustic pass lands.
type GapPass struct {
	// GapThreshold is the inter-utterance silence, in seconds, implying a
	// speaker change.
	GapThreshold float64
}

// Name identifies the pass
func (GapPass) Name() string { return "gap-heuristic" }

// Confidence for heuristic output is deliberately low so any real
// diarization pass outranks it.
func (GapPass) Confidence() float64 { return 0.3 }

// AssignSpeakers alternates between two speakers on large gaps.
func (p GapPass) AssignSpeakers(ctx context.Context, utts []transcript.Utterance) ([]string, error) {
	threshold := p.GapThreshold
	if threshold <= 0 {
		threshold = 1.5
	}

	speakers := make([]string, len(utts))
	current := 1
	for i := range utts {
		if i > 0 {
			gap := utts[i].StartTime - utts[i-1].EndTime
			if gap > threshold {
				if current == 1 {
					current = 2
				} else {
					current = 1
				}
			}
		}
		speakers[i] = fmt.Sprintf("Speaker %d", current)
	}
	return speakers, nil
}

// SegmentSink is the slice of the fact store the overlay writes to.
type SegmentSink interface {
	AppendSpeakerSegment(ctx context.Context, seg transcript.SpeakerSegment) (transcript.SpeakerSegment, error)
}

// Overlay consumes utterance batches for one session and runs each
// configured pass over them asynchronously. Enqueueing never blocks; under
// pressure batches are dropped (best-effort delivery by design of the
// overlay contract, the fact layer keeps the utterances regardless).
type Overlay struct {
	sessionID string
	sink      SegmentSink
	passes    []Pass
	queue     chan []transcript.Utterance
	cancel    context.CancelFunc
	done      chan struct{}
	logger    zerolog.Logger
}

// NewOverlay creates and starts an overlay worker for a session.
func NewOverlay(sessionID string, sink SegmentSink, passes []Pass, queueSize int, logger zerolog.Logger) *Overlay {
	if queueSize <= 0 {
		queueSize = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	o := &Overlay{
		sessionID: sessionID,
		sink:      sink,
		passes:    passes,
		queue:     make(chan []transcript.Utterance, queueSize),
		cancel:    cancel,
		done:      make(chan struct{}),
		logger:    logger,
	}
	go o.run(ctx)
	return o
}

// Enqueue submits an utterance batch for diarization without blocking.
// Returns false when the batch was dropped.
func (o *Overlay) Enqueue(utts []transcript.Utterance) bool {
	if len(utts) == 0 {
		return true
	}
	select {
	case o.queue <- utts:
		return true
	default:
		o.logger.Warn().Int("batch", len(utts)).Msg("Diarization queue full, dropping batch")
		observability.RecordError("diarize_queue_full", "diarize")
		return false
	}
}

// Stop cancels the worker. In-flight segment writes finish; queued batches
// are abandoned.
func (o *Overlay) Stop() {
	o.cancel()
	<-o.done
}

func (o *Overlay) run(ctx context.Context) {
	defer close(o.done)

	for {
		select {
		case <-ctx.Done():
			return
		case utts := <-o.queue:
			o.process(ctx, utts)
		}
	}
}

func (o *Overlay) process(ctx context.Context, utts []transcript.Utterance) {
	for _, pass := range o.passes {
		speakers, err := pass.AssignSpeakers(ctx, utts)
		if err != nil {
			o.logger.Warn().Err(err).Str("pass", pass.Name()).Msg("Diarization pass failed")
			observability.RecordError("diarize_pass_failed", "diarize")
			continue
		}
		written := 0
		for i, u := range utts {
			if i >= len(speakers) || speakers[i] == "" {
				continue
			}
			_, err := o.sink.AppendSpeakerSegment(ctx, transcript.SpeakerSegment{
				SessionID:   o.sessionID,
				UtteranceID: u.ID,
				SpeakerID:   speakers[i],
				Confidence:  pass.Confidence(),
				StartTime:   u.StartTime,
				EndTime:     u.EndTime,
				Provider:    pass.Name(),
			})
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				o.logger.Warn().Err(err).Msg("Failed to append speaker segment")
				continue
			}
			written++
		}
		observability.RecordDiarizationSegments(pass.Name(), written)
	}
}
