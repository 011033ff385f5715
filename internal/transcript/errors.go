package transcript

import "fmt"

// SequenceGapError reports a fact-layer ordering violation: an event
// arrived with a sequence number behind the session's high-water mark.
// It fails only the offending event, never the session.
type SequenceGapError struct {
	SessionID string
	Got       int64
	HighWater int64
}

func (e *SequenceGapError) Error() string {
	return fmt.Sprintf("sequence gap in session %s: got %d, high-water mark %d", e.SessionID, e.Got, e.HighWater)
}
