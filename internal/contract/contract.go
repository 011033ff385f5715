// Package contract defines the machine-checkable output contracts for the
// two LLM boundaries: the accumulation gate (Contract A) and the thread
// graph delta (Contract B). Parsing is deliberately tolerant of key-case
// variants and unknown keys, and strict about required fields.
package contract

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Gate decisions (Contract A).
const (
	DecisionContinue = "continue_accumulating"
	DecisionStop     = "stop_accumulating"
)

// GateResult is the validated Contract A response.
type GateResult struct {
	Decision          string   `json:"decision"`
	CompletedSegment  string   `json:"completed_segment"`
	IncompleteSegment string   `json:"incomplete_segment"`
	DetectedThreads   []string `json:"detected_threads"`
}

// DeltaNode is a single validated Contract B item.
type DeltaNode struct {
	NodeName    string   `json:"node_name"`
	Summary     string   `json:"summary"`
	NodeType    string   `json:"node_type"`
	Predecessor string   `json:"predecessor"`
	Successor   string   `json:"successor"`
	LinkedNodes []string `json:"linked_nodes"`
	Claims      []string `json:"claims"`

	// Optional fields
	ContextualRelation   []Relation `json:"contextual_relation,omitempty"`
	IsBookmark           bool       `json:"is_bookmark,omitempty"`
	IsContextualProgress bool       `json:"is_contextual_progress,omitempty"`
}

// Relation links two claims by text reference; endpoints are resolved
// against existing claims at apply time.
type Relation struct {
	Type       string  `json:"type"` // supports | attacks | depends_on | is_crux_for
	FromClaim  string  `json:"from_claim"`
	ToClaim    string  `json:"to_claim"`
	Confidence float64 `json:"confidence"`
}

// GraphDelta is the validated node batch a structuring cycle contributes.
type GraphDelta struct {
	Nodes []DeltaNode
}

// ParseError reports malformed or structurally unusable LLM JSON.
// The whole cycle degrades to zero-node output; it is not retryable.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string {
	return "contract parse error: " + e.Reason
}

// ValidationWarning records a per-item contract violation. The offending
// item is dropped; the rest of the batch still applies.
type ValidationWarning struct {
	Index  int
	Field  string
	Reason string
}

func (w ValidationWarning) String() string {
	return fmt.Sprintf("item %d: field %q %s", w.Index, w.Field, w.Reason)
}

// DeltaResult is the tagged outcome of parsing a Contract B response, so
// callers cannot ignore degraded cases.
type DeltaResult struct {
	Delta    GraphDelta
	Warnings []ValidationWarning
	Err      *ParseError
}

// Ok reports a fully valid batch (an empty valid array is Ok).
func (r DeltaResult) Ok() bool { return r.Err == nil && len(r.Warnings) == 0 }

// Partial reports a batch where some items were dropped.
func (r DeltaResult) Partial() bool { return r.Err == nil && len(r.Warnings) > 0 }

// Failed reports a top-level parse failure (zero usable nodes).
func (r DeltaResult) Failed() bool { return r.Err != nil }

// NormalizeKeys folds top-level object keys to the contract's canonical
// snake_case form ("Decision" -> "decision", "nodeName" -> "node_name").
// It is the single place key variants are accepted; the strict schema
// stays the source of truth. Unknown keys pass through untouched and are
// ignored downstream.
func NormalizeKeys(obj map[string]json.RawMessage) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(obj))
	for k, v := range obj {
		canon := canonicalKey(k)
		if _, exists := out[canon]; exists && canon != k {
			continue // canonical form already present, keep it
		}
		out[canon] = v
	}
	return out
}

func canonicalKey(k string) string {
	var b strings.Builder
	for i, r := range k {
		switch {
		case r >= 'A' && r <= 'Z':
			if i > 0 {
				prev := k[i-1]
				if prev != '_' && prev != ' ' && !(prev >= 'A' && prev <= 'Z') {
					b.WriteByte('_')
				}
			}
			b.WriteRune(r + ('a' - 'A'))
		case r == ' ' || r == '-':
			b.WriteByte('_')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// stripFences removes a markdown code fence wrapper if the model added one.
func stripFences(raw string) string {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
	}
	return strings.TrimSpace(s)
}

// ParseGate parses and validates a Contract A response.
func ParseGate(raw string) (GateResult, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(stripFences(raw)), &obj); err != nil {
		return GateResult{}, &ParseError{Reason: "gate response is not a JSON object: " + err.Error()}
	}
	obj = NormalizeKeys(obj)

	var res GateResult
	if err := unmarshalField(obj, "decision", &res.Decision); err != nil {
		return GateResult{}, err
	}
	switch res.Decision {
	case DecisionContinue, DecisionStop:
	default:
		return GateResult{}, &ParseError{Reason: fmt.Sprintf("unknown gate decision %q", res.Decision)}
	}

	// Segments and detected threads are required keys but may be empty
	if err := unmarshalField(obj, "completed_segment", &res.CompletedSegment); err != nil {
		return GateResult{}, err
	}
	if err := unmarshalField(obj, "incomplete_segment", &res.IncompleteSegment); err != nil {
		return GateResult{}, err
	}
	if raw, ok := obj["detected_threads"]; ok {
		if err := json.Unmarshal(raw, &res.DetectedThreads); err != nil {
			return GateResult{}, &ParseError{Reason: "detected_threads is not a string array"}
		}
	} else {
		return GateResult{}, &ParseError{Reason: "missing required field detected_threads"}
	}

	return res, nil
}

func unmarshalField(obj map[string]json.RawMessage, key string, dst *string) error {
	raw, ok := obj[key]
	if !ok {
		return &ParseError{Reason: "missing required field " + key}
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return &ParseError{Reason: "field " + key + " is not a string"}
	}
	return nil
}

// requiredNodeFields are the Contract B fields every item must carry.
var requiredNodeFields = []string{
	"node_name", "summary", "node_type", "predecessor", "successor", "linked_nodes", "claims",
}

// ParseDelta parses a Contract B response. Validation is per-item: a bad
// item is dropped with a warning while the rest of the batch survives. An
// empty, fully valid array is a successful zero-node result.
func ParseDelta(raw string) DeltaResult {
	var items []map[string]json.RawMessage
	if err := json.Unmarshal([]byte(stripFences(raw)), &items); err != nil {
		return DeltaResult{Err: &ParseError{Reason: "delta response is not a JSON array: " + err.Error()}}
	}

	var res DeltaResult
	for i, item := range items {
		item = NormalizeKeys(item)

		missing := ""
		for _, f := range requiredNodeFields {
			if _, ok := item[f]; !ok {
				missing = f
				break
			}
		}
		if missing != "" {
			res.Warnings = append(res.Warnings, ValidationWarning{Index: i, Field: missing, Reason: "is missing"})
			continue
		}

		node, warn := decodeNode(i, item)
		if warn != nil {
			res.Warnings = append(res.Warnings, *warn)
			continue
		}
		res.Delta.Nodes = append(res.Delta.Nodes, node)
	}
	return res
}

func decodeNode(index int, item map[string]json.RawMessage) (DeltaNode, *ValidationWarning) {
	var node DeltaNode

	strFields := map[string]*string{
		"node_name":   &node.NodeName,
		"summary":     &node.Summary,
		"node_type":   &node.NodeType,
		"predecessor": &node.Predecessor,
		"successor":   &node.Successor,
	}
	for field, dst := range strFields {
		if err := json.Unmarshal(item[field], dst); err != nil {
			return node, &ValidationWarning{Index: index, Field: field, Reason: "is not a string"}
		}
	}
	if node.NodeName == "" {
		return node, &ValidationWarning{Index: index, Field: "node_name", Reason: "is empty"}
	}

	if err := json.Unmarshal(item["linked_nodes"], &node.LinkedNodes); err != nil {
		return node, &ValidationWarning{Index: index, Field: "linked_nodes", Reason: "is not a string array"}
	}
	if err := json.Unmarshal(item["claims"], &node.Claims); err != nil {
		return node, &ValidationWarning{Index: index, Field: "claims", Reason: "is not a string array"}
	}

	// Optional fields: tolerated when absent, dropped silently when malformed
	if raw, ok := item["contextual_relation"]; ok {
		_ = json.Unmarshal(raw, &node.ContextualRelation)
	}
	if raw, ok := item["is_bookmark"]; ok {
		_ = json.Unmarshal(raw, &node.IsBookmark)
	}
	if raw, ok := item["is_contextual_progress"]; ok {
		_ = json.Unmarshal(raw, &node.IsContextualProgress)
	}

	return node, nil
}
