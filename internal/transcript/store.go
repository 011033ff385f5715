package transcript

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver (no CGO required)
)

// Store is the append-only fact layer. Transcript events, utterances,
// speaker segments and analysis events are inserted and queried, never
// updated or deleted.
//
// Store is safe for concurrent use; per-session ordering is enforced at
// AppendEvent through an in-memory high-water mark seeded from the
// database on first touch.
type Store struct {
	db *sql.DB

	mu        sync.Mutex
	highWater map[string]int64 // session_id -> max final/partial sequence seen
}

// NewStore opens (creating if necessary) the SQLite fact store at path.
func NewStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Single connection: the append path and the audit trail write from
	// different goroutines, and a second pooled connection would surface
	// SQLITE_BUSY instead of queueing.
	db.SetMaxOpenConns(1)

	// WAL mode for concurrent readers alongside the append path
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	s := &Store{db: db, highWater: make(map[string]int64)}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS transcript_events (
		session_id  TEXT NOT NULL,
		sequence_no INTEGER NOT NULL,
		kind        TEXT NOT NULL,
		text        TEXT NOT NULL,
		provider    TEXT NOT NULL DEFAULT '',
		start_time  REAL NOT NULL DEFAULT 0,
		end_time    REAL NOT NULL DEFAULT 0,
		received_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_events_session ON transcript_events(session_id, sequence_no);

	CREATE TABLE IF NOT EXISTS utterances (
		id          TEXT PRIMARY KEY,
		session_id  TEXT NOT NULL,
		sequence_no INTEGER NOT NULL,
		start_time  REAL NOT NULL DEFAULT 0,
		end_time    REAL NOT NULL DEFAULT 0,
		text        TEXT NOT NULL,
		UNIQUE(session_id, sequence_no)
	);

	CREATE TABLE IF NOT EXISTS speaker_segments (
		id           TEXT PRIMARY KEY,
		session_id   TEXT NOT NULL,
		utterance_id TEXT NOT NULL REFERENCES utterances(id),
		speaker_id   TEXT NOT NULL,
		confidence   REAL NOT NULL DEFAULT 0,
		start_time   REAL NOT NULL DEFAULT 0,
		end_time     REAL NOT NULL DEFAULT 0,
		provider     TEXT NOT NULL DEFAULT '',
		created_at   DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_segments_utterance ON speaker_segments(utterance_id);

	CREATE TABLE IF NOT EXISTS analysis_events (
		id            TEXT PRIMARY KEY,
		session_id    TEXT NOT NULL,
		stage         TEXT NOT NULL,
		model         TEXT NOT NULL DEFAULT '',
		status        TEXT NOT NULL,
		error_payload TEXT NOT NULL DEFAULT '',
		attempt_index INTEGER NOT NULL DEFAULT 0,
		timestamp     DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_analysis_session ON analysis_events(session_id, timestamp);

	CREATE TABLE IF NOT EXISTS audio_chunks (
		session_id  TEXT NOT NULL,
		sequence_no INTEGER NOT NULL,
		payload     BLOB NOT NULL,
		received_at DATETIME NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// sessionHighWater returns the max sequence number recorded for a session,
// loading it from the database on first touch. Caller must hold s.mu.
func (s *Store) sessionHighWater(ctx context.Context, sessionID string) (int64, error) {
	if hw, ok := s.highWater[sessionID]; ok {
		return hw, nil
	}
	var hw sql.NullInt64
	row := s.db.QueryRowContext(ctx,
		`SELECT MAX(sequence_no) FROM transcript_events WHERE session_id = ?`, sessionID)
	if err := row.Scan(&hw); err != nil {
		return 0, err
	}
	if hw.Valid {
		s.highWater[sessionID] = hw.Int64
	} else {
		s.highWater[sessionID] = -1
	}
	return s.highWater[sessionID], nil
}

// AppendEvent appends a transcript event, enforcing per-session ordering.
// A re-delivered final (same sequence, identical text) is deduplicated and
// reported with appended=false; anything else behind the high-water mark is
// rejected with SequenceGapError. Partials may revise the current sequence.
func (s *Store) AppendEvent(ctx context.Context, ev TranscriptEvent) (appended bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hw, err := s.sessionHighWater(ctx, ev.SessionID)
	if err != nil {
		return false, fmt.Errorf("load high-water mark: %w", err)
	}

	switch {
	case ev.SequenceNo > hw:
		// In-order progress
	case ev.SequenceNo == hw && ev.Kind == KindPartial:
		// Partial revision of the current sequence
	case ev.SequenceNo == hw && ev.Kind == KindFinal:
		dup, derr := s.isDuplicateFinal(ctx, ev)
		if derr != nil {
			return false, derr
		}
		if dup {
			return false, nil
		}
		// A partial may still be open at the high-water sequence;
		// the final that commits it is in order.
		committed, derr := s.hasFinal(ctx, ev.SessionID, ev.SequenceNo)
		if derr != nil {
			return false, derr
		}
		if committed {
			return false, &SequenceGapError{SessionID: ev.SessionID, Got: ev.SequenceNo, HighWater: hw}
		}
	default:
		return false, &SequenceGapError{SessionID: ev.SessionID, Got: ev.SequenceNo, HighWater: hw}
	}

	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO transcript_events (session_id, sequence_no, kind, text, provider, start_time, end_time, received_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.SessionID, ev.SequenceNo, string(ev.Kind), ev.Text, ev.Provider, ev.StartTime, ev.EndTime, ev.ReceivedAt)
	if err != nil {
		return false, fmt.Errorf("append event: %w", err)
	}

	if ev.SequenceNo > hw {
		s.highWater[ev.SessionID] = ev.SequenceNo
	}
	return true, nil
}

func (s *Store) isDuplicateFinal(ctx context.Context, ev TranscriptEvent) (bool, error) {
	var n int
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM transcript_events
		 WHERE session_id = ? AND sequence_no = ? AND kind = ? AND text = ?`,
		ev.SessionID, ev.SequenceNo, string(KindFinal), ev.Text)
	if err := row.Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) hasFinal(ctx context.Context, sessionID string, seq int64) (bool, error) {
	var n int
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM transcript_events
		 WHERE session_id = ? AND sequence_no = ? AND kind = ?`,
		sessionID, seq, string(KindFinal))
	if err := row.Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// CreateUtterance creates the utterance for a final transcript event.
// Exactly one utterance exists per (session, sequence); a re-delivered
// final returns the existing record.
func (s *Store) CreateUtterance(ctx context.Context, ev TranscriptEvent) (Utterance, error) {
	if ev.Kind != KindFinal {
		return Utterance{}, fmt.Errorf("utterance requires a final event, got %s", ev.Kind)
	}

	u := Utterance{
		ID:         uuid.New().String(),
		SessionID:  ev.SessionID,
		SequenceNo: ev.SequenceNo,
		StartTime:  ev.StartTime,
		EndTime:    ev.EndTime,
		Text:       ev.Text,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO utterances (id, session_id, sequence_no, start_time, end_time, text)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id, sequence_no) DO NOTHING`,
		u.ID, u.SessionID, u.SequenceNo, u.StartTime, u.EndTime, u.Text)
	if err != nil {
		return Utterance{}, fmt.Errorf("create utterance: %w", err)
	}

	// Fetch whichever row won, ours or a preexisting one
	row := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, sequence_no, start_time, end_time, text
		 FROM utterances WHERE session_id = ? AND sequence_no = ?`,
		ev.SessionID, ev.SequenceNo)
	if err := row.Scan(&u.ID, &u.SessionID, &u.SequenceNo, &u.StartTime, &u.EndTime, &u.Text); err != nil {
		return Utterance{}, fmt.Errorf("fetch utterance: %w", err)
	}
	return u, nil
}

// AppendSpeakerSegment appends a diarization overlay row.
func (s *Store) AppendSpeakerSegment(ctx context.Context, seg SpeakerSegment) (SpeakerSegment, error) {
	if seg.ID == "" {
		seg.ID = uuid.New().String()
	}
	if seg.CreatedAt.IsZero() {
		seg.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO speaker_segments (id, session_id, utterance_id, speaker_id, confidence, start_time, end_time, provider, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		seg.ID, seg.SessionID, seg.UtteranceID, seg.SpeakerID, seg.Confidence,
		seg.StartTime, seg.EndTime, seg.Provider, seg.CreatedAt)
	if err != nil {
		return SpeakerSegment{}, fmt.Errorf("append speaker segment: %w", err)
	}
	return seg, nil
}

// AppendAnalysisEvent appends to the audit trail.
func (s *Store) AppendAnalysisEvent(ctx context.Context, ae AnalysisEvent) (AnalysisEvent, error) {
	if ae.ID == "" {
		ae.ID = uuid.New().String()
	}
	if ae.Timestamp.IsZero() {
		ae.Timestamp = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO analysis_events (id, session_id, stage, model, status, error_payload, attempt_index, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ae.ID, ae.SessionID, ae.Stage, ae.Model, ae.Status, ae.ErrorPayload, ae.AttemptIndex, ae.Timestamp)
	if err != nil {
		return AnalysisEvent{}, fmt.Errorf("append analysis event: %w", err)
	}
	return ae, nil
}

// AppendAudioChunk persists an opaque audio payload when audio persistence
// is opted in. Chunks are never decoded here.
func (s *Store) AppendAudioChunk(ctx context.Context, sessionID string, seq int64, payload []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audio_chunks (session_id, sequence_no, payload, received_at)
		 VALUES (?, ?, ?, ?)`,
		sessionID, seq, payload, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("append audio chunk: %w", err)
	}
	return nil
}

// Events returns all transcript events for a session in sequence order.
func (s *Store) Events(ctx context.Context, sessionID string) ([]TranscriptEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, sequence_no, kind, text, provider, start_time, end_time, received_at
		 FROM transcript_events WHERE session_id = ? ORDER BY sequence_no, rowid`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []TranscriptEvent
	for rows.Next() {
		var ev TranscriptEvent
		var kind string
		if err := rows.Scan(&ev.SessionID, &ev.SequenceNo, &kind, &ev.Text, &ev.Provider, &ev.StartTime, &ev.EndTime, &ev.ReceivedAt); err != nil {
			return nil, err
		}
		ev.Kind = EventKind(kind)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Utterances returns the session's utterances in sequence order, with
// SpeakerID resolved from the highest-confidence, most recent overlay
// segment when one exists.
func (s *Store) Utterances(ctx context.Context, sessionID string) ([]Utterance, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT u.id, u.session_id, u.sequence_no, u.start_time, u.end_time, u.text,
		        COALESCE((SELECT ss.speaker_id FROM speaker_segments ss
		                  WHERE ss.utterance_id = u.id
		                  ORDER BY ss.confidence DESC, ss.created_at DESC LIMIT 1), '')
		 FROM utterances u WHERE u.session_id = ? ORDER BY u.sequence_no`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("query utterances: %w", err)
	}
	defer rows.Close()

	var utts []Utterance
	for rows.Next() {
		var u Utterance
		if err := rows.Scan(&u.ID, &u.SessionID, &u.SequenceNo, &u.StartTime, &u.EndTime, &u.Text, &u.SpeakerID); err != nil {
			return nil, err
		}
		utts = append(utts, u)
	}
	return utts, rows.Err()
}

// AnalysisEvents returns the audit trail for a session in time order.
func (s *Store) AnalysisEvents(ctx context.Context, sessionID string) ([]AnalysisEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, stage, model, status, error_payload, attempt_index, timestamp
		 FROM analysis_events WHERE session_id = ? ORDER BY rowid`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("query analysis events: %w", err)
	}
	defer rows.Close()

	var events []AnalysisEvent
	for rows.Next() {
		var ae AnalysisEvent
		if err := rows.Scan(&ae.ID, &ae.SessionID, &ae.Stage, &ae.Model, &ae.Status, &ae.ErrorPayload, &ae.AttemptIndex, &ae.Timestamp); err != nil {
			return nil, err
		}
		events = append(events, ae)
	}
	return events, rows.Err()
}

// Ping verifies the store is reachable (used by the readiness probe).
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
