package graph

// ThreadState is the lifecycle state of a conversation thread
type ThreadState string

const (
	ThreadActive   ThreadState = "active"
	ThreadDormant  ThreadState = "dormant"
	ThreadResolved ThreadState = "resolved"
)

// Thread is a derived topic of conversation. Its span monotonically
// extends as new utterances are attributed to it and never shrinks.
type Thread struct {
	ID       string      `json:"id"`
	Title    string      `json:"title"`
	State    ThreadState `json:"state"`
	ParentID string      `json:"parent_id,omitempty"`
	FirstSeq int64       `json:"first_seq"`
	LastSeq  int64       `json:"last_seq"`
	Salience float64     `json:"salience"`
}

// ClaimType classifies a claim's epistemic register
type ClaimType string

const (
	ClaimFactual   ClaimType = "factual"
	ClaimNormative ClaimType = "normative"
	ClaimWorldview ClaimType = "worldview"
)

// Claim is a statement extracted from the conversation and attached to a
// thread.
type Claim struct {
	ID             string    `json:"id"`
	Type           ClaimType `json:"type"`
	SourceThreadID string    `json:"source_thread_id"`
	Text           string    `json:"text"`
}

// Relation types between claims.
const (
	RelationSupports  = "supports"
	RelationAttacks   = "attacks"
	RelationDependsOn = "depends_on"
	RelationCruxFor   = "is_crux_for"
)

// ClaimRelation is an edge between two existing claims. Both endpoints are
// guaranteed to resolve at write time; dangling references are never stored.
type ClaimRelation struct {
	ID          string  `json:"id"`
	Type        string  `json:"type"`
	FromClaimID string  `json:"from_claim_id"`
	ToClaimID   string  `json:"to_claim_id"`
	Confidence  float64 `json:"confidence"`
}

// RhetoricSignal marks a rhetorical event (bookmark, contextual progress)
// anchored to a thread's span.
type RhetoricSignal struct {
	ID             string  `json:"id"`
	Type           string  `json:"type"`
	Confidence     float64 `json:"confidence"`
	SourceThreadID string  `json:"source_thread_id"`
	SequenceNo     int64   `json:"sequence_no"`
}

// Snapshot is a deep copy of a session's interpretation layer, safe to
// hand to readers while the applier keeps mutating.
type Snapshot struct {
	SessionID string           `json:"session_id"`
	Threads   []Thread         `json:"threads"`
	Claims    []Claim          `json:"claims"`
	Relations []ClaimRelation  `json:"relations"`
	Signals   []RhetoricSignal `json:"signals"`
}

// ApplyResult summarizes a delta application.
type ApplyResult struct {
	NodesApplied      int      `json:"nodes_applied"`
	NodesDeduplicated int      `json:"nodes_deduplicated"`
	ThreadsCreated    int      `json:"threads_created"`
	ThreadsExtended   int      `json:"threads_extended"`
	ClaimsCreated     int      `json:"claims_created"`
	RelationsCreated  int      `json:"relations_created"`
	SignalsCreated    int      `json:"signals_created"`
	DroppedRelations  []string `json:"dropped_relations,omitempty"`
}
