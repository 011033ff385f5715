// Package graph holds the interpretation layer: threads, claims, claim
// relations and rhetoric signals derived from transcript segments. It is
// revisable where the transcript fact layer is not, but revisions only ever
// extend coverage, never lose it.
package graph

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/threadlens/thread-engine/internal/contract"
)

// Graph is one session's interpretation layer. It follows a single-writer
// model: only the session's pipeline goroutine calls Apply, while Snapshot
// may be called concurrently from the read path.
type Graph struct {
	sessionID string

	mu        sync.RWMutex
	threads   []*Thread
	claims    []*Claim
	relations []ClaimRelation
	signals   []RhetoricSignal

	coverage     map[string]map[int64]struct{} // thread id -> covered utterance sequences
	claimsByKey  map[string]*Claim             // thread id + normalized text -> claim
	relationKeys map[string]struct{}           // type|from|to
	appliedNodes map[string]struct{}           // content+position dedupe keys
}

// New creates an empty interpretation layer for a session.
func New(sessionID string) *Graph {
	return &Graph{
		sessionID:    sessionID,
		coverage:     make(map[string]map[int64]struct{}),
		claimsByKey:  make(map[string]*Claim),
		relationKeys: make(map[string]struct{}),
		appliedNodes: make(map[string]struct{}),
	}
}

// Apply merges a validated delta covering the utterance range
// [firstSeq, lastSeq] into the graph. Re-applying the identical delta is a
// no-op: nodes are deduplicated by a stable content+position key.
func (g *Graph) Apply(delta contract.GraphDelta, firstSeq, lastSeq int64) ApplyResult {
	g.mu.Lock()
	defer g.mu.Unlock()

	var res ApplyResult
	for _, node := range delta.Nodes {
		key := nodeKey(node, firstSeq, lastSeq)
		if _, seen := g.appliedNodes[key]; seen {
			res.NodesDeduplicated++
			continue
		}
		g.appliedNodes[key] = struct{}{}
		res.NodesApplied++

		thread, created := g.resolveThread(node, firstSeq, lastSeq)
		if created {
			res.ThreadsCreated++
		} else {
			res.ThreadsExtended++
		}
		g.extendSpan(thread, firstSeq, lastSeq)

		for _, text := range node.Claims {
			if strings.TrimSpace(text) == "" {
				continue
			}
			if g.attachClaim(thread.ID, text) {
				res.ClaimsCreated++
			}
		}

		for _, rel := range node.ContextualRelation {
			if dropped := g.attachRelation(thread.ID, rel); dropped != "" {
				res.DroppedRelations = append(res.DroppedRelations, dropped)
			} else {
				res.RelationsCreated++
			}
		}

		if node.IsBookmark {
			g.signals = append(g.signals, RhetoricSignal{
				ID:             uuid.New().String(),
				Type:           "bookmark",
				Confidence:     1.0,
				SourceThreadID: thread.ID,
				SequenceNo:     lastSeq,
			})
			res.SignalsCreated++
		}
		if node.IsContextualProgress {
			g.signals = append(g.signals, RhetoricSignal{
				ID:             uuid.New().String(),
				Type:           "contextual_progress",
				Confidence:     1.0,
				SourceThreadID: thread.ID,
				SequenceNo:     lastSeq,
			})
			res.SignalsCreated++
		}
	}
	return res
}

// resolveThread finds a thread by title hints or creates a new one.
// linked_nodes hints are tried first, then the node's own name.
func (g *Graph) resolveThread(node contract.DeltaNode, firstSeq, lastSeq int64) (*Thread, bool) {
	hints := append([]string{}, node.LinkedNodes...)
	hints = append(hints, node.NodeName)
	for _, hint := range hints {
		if t := g.findThread(hint); t != nil {
			t.State = ThreadActive
			t.Salience++
			return t, false
		}
	}

	t := &Thread{
		ID:       uuid.New().String(),
		Title:    node.NodeName,
		State:    ThreadActive,
		FirstSeq: firstSeq,
		LastSeq:  lastSeq,
		Salience: 1,
	}
	if parent := g.findThread(node.Predecessor); parent != nil && parent.ID != t.ID {
		t.ParentID = parent.ID
	}
	g.threads = append(g.threads, t)
	g.coverage[t.ID] = make(map[int64]struct{})
	return t, true
}

func (g *Graph) findThread(title string) *Thread {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil
	}
	for _, t := range g.threads {
		if strings.EqualFold(t.Title, title) {
			return t
		}
	}
	return nil
}

// extendSpan widens a thread's span to cover the new range and records the
// covered sequences. Spans never shrink.
func (g *Graph) extendSpan(t *Thread, firstSeq, lastSeq int64) {
	if firstSeq < t.FirstSeq {
		t.FirstSeq = firstSeq
	}
	if lastSeq > t.LastSeq {
		t.LastSeq = lastSeq
	}
	cov := g.coverage[t.ID]
	for seq := firstSeq; seq <= lastSeq; seq++ {
		cov[seq] = struct{}{}
	}
}

// attachClaim records a claim under a thread, deduplicating on normalized
// text. Reports whether a new claim was created.
func (g *Graph) attachClaim(threadID, text string) bool {
	key := claimKey(threadID, text)
	if _, ok := g.claimsByKey[key]; ok {
		return false
	}
	c := &Claim{
		ID:             uuid.New().String(),
		Type:           classifyClaim(text),
		SourceThreadID: threadID,
		Text:           strings.TrimSpace(text),
	}
	g.claims = append(g.claims, c)
	g.claimsByKey[key] = c
	return true
}

// attachRelation converts a contextual relation into a ClaimRelation edge
// when both endpoints resolve to existing claims. Returns a description of
// the drop when they do not (dangling references are never stored).
func (g *Graph) attachRelation(threadID string, rel contract.Relation) string {
	switch rel.Type {
	case RelationSupports, RelationAttacks, RelationDependsOn, RelationCruxFor:
	default:
		return fmt.Sprintf("unknown relation type %q", rel.Type)
	}

	from := g.lookupClaim(rel.FromClaim)
	if from == nil {
		return fmt.Sprintf("relation %s: from-claim %q does not resolve", rel.Type, rel.FromClaim)
	}
	to := g.lookupClaim(rel.ToClaim)
	if to == nil {
		return fmt.Sprintf("relation %s: to-claim %q does not resolve", rel.Type, rel.ToClaim)
	}

	key := rel.Type + "|" + from.ID + "|" + to.ID
	if _, ok := g.relationKeys[key]; ok {
		return "" // already present, idempotent
	}
	g.relationKeys[key] = struct{}{}
	g.relations = append(g.relations, ClaimRelation{
		ID:          uuid.New().String(),
		Type:        rel.Type,
		FromClaimID: from.ID,
		ToClaimID:   to.ID,
		Confidence:  rel.Confidence,
	})
	return ""
}

// lookupClaim resolves a claim by normalized text across all threads.
func (g *Graph) lookupClaim(text string) *Claim {
	norm := normalizeClaim(text)
	if norm == "" {
		return nil
	}
	for _, c := range g.claims {
		if normalizeClaim(c.Text) == norm {
			return c
		}
	}
	return nil
}

// Coverage returns the set of utterance sequences attributed to a thread.
func (g *Graph) Coverage(threadID string) map[int64]struct{} {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make(map[int64]struct{}, len(g.coverage[threadID]))
	for seq := range g.coverage[threadID] {
		out[seq] = struct{}{}
	}
	return out
}

// MarkDormant transitions every active thread not touched since the given
// sequence to dormant. Used by the session sweep, never by the applier.
func (g *Graph) MarkDormant(beforeSeq int64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, t := range g.threads {
		if t.State == ThreadActive && t.LastSeq < beforeSeq {
			t.State = ThreadDormant
		}
	}
}

// Snapshot returns a deep copy of the graph for concurrent readers.
func (g *Graph) Snapshot() Snapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()

	snap := Snapshot{
		SessionID: g.sessionID,
		Threads:   make([]Thread, len(g.threads)),
		Claims:    make([]Claim, len(g.claims)),
		Relations: append([]ClaimRelation(nil), g.relations...),
		Signals:   append([]RhetoricSignal(nil), g.signals...),
	}
	for i, t := range g.threads {
		snap.Threads[i] = *t
	}
	for i, c := range g.claims {
		snap.Claims[i] = *c
	}
	return snap
}

// nodeKey is the stable content+position dedupe key for idempotent apply.
func nodeKey(node contract.DeltaNode, firstSeq, lastSeq int64) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%d\x00%d", node.NodeName, node.Summary, firstSeq, lastSeq)
	return hex.EncodeToString(h.Sum(nil))
}

func claimKey(threadID, text string) string {
	return threadID + "|" + normalizeClaim(text)
}

func normalizeClaim(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}

// classifyClaim is a surface heuristic over the claim text; the structuring
// model does not emit claim types directly.
func classifyClaim(text string) ClaimType {
	lower := " " + strings.ToLower(text) + " "
	for _, marker := range []string{" should ", " must ", " ought ", " need to ", " have to "} {
		if strings.Contains(lower, marker) {
			return ClaimNormative
		}
	}
	for _, marker := range []string{" believe ", " always ", " never ", " everyone ", " nobody "} {
		if strings.Contains(lower, marker) {
			return ClaimWorldview
		}
	}
	return ClaimFactual
}
