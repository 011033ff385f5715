package transcript

import (
	"time"
)

// EventKind distinguishes interim from committed STT output
type EventKind string

const (
	KindPartial EventKind = "partial"
	KindFinal   EventKind = "final"
)

// TranscriptEvent is a single fact-layer record from an STT provider.
// Events are append-only: partials are superseded by finals but never deleted.
type TranscriptEvent struct {
	SequenceNo int64     `json:"sequence_no"`
	SessionID  string    `json:"session_id"`
	Kind       EventKind `json:"kind"`
	Text       string    `json:"text"`
	Provider   string    `json:"provider"`
	StartTime  float64   `json:"start_time"` // Seconds from session start
	EndTime    float64   `json:"end_time"`
	ReceivedAt time.Time `json:"received_at"`
}

// Utterance is created exactly once per final transcript event and is
// immutable afterwards. Speaker attribution arrives later through
// SpeakerSegment rows, never by mutating the utterance.
type Utterance struct {
	ID         string  `json:"id"`
	SessionID  string  `json:"session_id"`
	SequenceNo int64   `json:"sequence_no"`
	SpeakerID  string  `json:"speaker_id,omitempty"` // Resolved from overlay segments at read time
	StartTime  float64 `json:"start_time"`
	EndTime    float64 `json:"end_time"`
	Text       string  `json:"text"`
}

// SpeakerSegment is a best-effort diarization overlay row. Multiple passes
// may append segments for the same range; history is never rewritten.
type SpeakerSegment struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	UtteranceID string    `json:"utterance_id"`
	SpeakerID   string    `json:"speaker_id"`
	Confidence  float64   `json:"confidence"`
	StartTime   float64   `json:"start_time"`
	EndTime     float64   `json:"end_time"`
	Provider    string    `json:"provider"`
	CreatedAt   time.Time `json:"created_at"`
}

// Pipeline stages recorded in the analysis audit trail.
const (
	StageGate        = "gate"
	StageStructuring = "structuring"
	StageApply       = "apply"
	StageFlush       = "flush"
	StageDiarize     = "diarize"
)

// Analysis event statuses.
const (
	StatusOK      = "ok"
	StatusPartial = "partial"
	StatusError   = "error"
)

// AnalysisEvent is the append-only audit trail for every structuring and
// validation attempt. Entries are never deleted or mutated.
type AnalysisEvent struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"session_id"`
	Stage        string    `json:"stage"`
	Model        string    `json:"model"`
	Status       string    `json:"status"`
	ErrorPayload string    `json:"error_payload,omitempty"`
	AttemptIndex int       `json:"attempt_index"`
	Timestamp    time.Time `json:"timestamp"`
}
