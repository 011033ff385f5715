package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/threadlens/thread-engine/internal/config"
	"github.com/threadlens/thread-engine/internal/llm"
	"github.com/threadlens/thread-engine/internal/structurer"
	"github.com/threadlens/thread-engine/internal/telemetry"
	"github.com/threadlens/thread-engine/internal/transcript"
)

const (
	testGateModel   = "gate-model"
	testStructModel = "struct-model"
)

// modelProvider answers gate and structuring requests with fixed payloads,
// keyed off the requested model.
type modelProvider struct {
	gateResponse   string
	structResponse string
	structErr      error
}

func (p *modelProvider) Name() string { return "fake" }

func (p *modelProvider) IsAvailable(ctx context.Context) bool { return true }

func (p *modelProvider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	switch req.Model {
	case testGateModel:
		return &llm.CompletionResponse{Text: p.gateResponse, Model: req.Model, TokensUsed: 5}, nil
	default:
		if p.structErr != nil {
			return nil, p.structErr
		}
		return &llm.CompletionResponse{Text: p.structResponse, Model: req.Model, TokensUsed: 5}, nil
	}
}

func testConfig() *config.Config {
	return &config.Config{
		GateIntervalMs:     50,
		GateMinBufferChars: 10,
		MaxBufferChars:     8192,
		MaxGateDeclines:    100, // Declines never force-emit within test timeframes
		FlushTimeout:       5,
		SessionIdleTimeout: 300,
		DiarizeEnabled:     false,
		DiarizeQueueSize:   8,
	}
}

func newTestManager(t *testing.T, provider llm.Provider) (*Manager, *transcript.Store) {
	t.Helper()
	store, err := transcript.NewStore(t.TempDir() + "/facts.db")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	st := structurer.New(provider, store, structurer.Config{
		GateModel:        testGateModel,
		StructuringModel: testStructModel,
		MaxTokens:        512,
		RetryMaxAttempts: 1,
		RetryBackoff:     time.Millisecond,
		BreakerFailures:  50,
		BreakerReset:     time.Second,
	}, zerolog.Nop())

	return NewManager(testConfig(), store, st, telemetry.NewRegistry(16)), store
}

func dial(t *testing.T, m *Manager, sessionID string) (*websocket.Conn, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(m.HandleTranscriptWS())
	url := strings.Replace(srv.URL, "http", "ws", 1) + "?session_id=" + sessionID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		srv.Close()
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() {
		conn.Close()
		srv.Close()
	})
	return conn, srv
}

func sendFinal(t *testing.T, conn *websocket.Conn, seq int64, text string, start, end float64) {
	t.Helper()
	err := conn.WriteJSON(ClientMessage{
		Type:       MsgTranscriptFinal,
		SequenceNo: seq,
		Text:       text,
		Provider:   "deepgram",
		StartTime:  start,
		EndTime:    end,
	})
	if err != nil {
		t.Fatalf("write final %d: %v", seq, err)
	}
}

// readUntil reads server messages until one matches the wanted status.
func readUntil(t *testing.T, conn *websocket.Conn, status string, timeout time.Duration) ServerMessage {
	t.Helper()
	deadline := time.Now().Add(timeout)
	_ = conn.SetReadDeadline(deadline)
	for {
		var msg ServerMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("waiting for %q: %v", status, err)
		}
		if msg.Status == status {
			return msg
		}
	}
}

func TestSessionStructuresCompletedSegment(t *testing.T) {
	provider := &modelProvider{
		gateResponse: `{"decision": "stop_accumulating",
			"completed_segment": "We should ship the v2 plan next week. The migration is the only blocker.",
			"incomplete_segment": "",
			"detected_threads": ["Ship v2 plan"]}`,
		structResponse: `[{"node_name": "Ship v2 plan",
			"summary": "Team wants to ship v2 next week; migration is the blocker.",
			"node_type": "decision",
			"predecessor": "",
			"successor": "",
			"linked_nodes": [],
			"claims": ["Ship v2 next week", "The migration is the only blocker"]}]`,
	}
	m, _ := newTestManager(t, provider)
	conn, _ := dial(t, m, "sess-structure")

	sendFinal(t, conn, 1, "We should ship the v2 plan next week.", 0, 2)
	sendFinal(t, conn, 2, "The migration is the only blocker.", 2.5, 4)

	msg := readUntil(t, conn, "graph_update", 5*time.Second)
	if msg.Graph == nil {
		t.Fatal("graph_update carried no snapshot")
	}
	if len(msg.Graph.Threads) != 1 {
		t.Fatalf("got %d threads, want 1", len(msg.Graph.Threads))
	}
	if msg.Graph.Threads[0].Title != "Ship v2 plan" {
		t.Errorf("thread title = %q", msg.Graph.Threads[0].Title)
	}
	if len(msg.Graph.Claims) != 2 {
		t.Errorf("got %d claims, want 2", len(msg.Graph.Claims))
	}
	if msg.Applied == nil || msg.Applied.ThreadsCreated != 1 {
		t.Errorf("applied summary missing thread creation: %+v", msg.Applied)
	}
}

func TestSessionRejectsSequenceGap(t *testing.T) {
	provider := &modelProvider{gateResponse: `{"decision": "continue_accumulating", "completed_segment": "", "incomplete_segment": "", "detected_threads": []}`}
	m, store := newTestManager(t, provider)
	conn, _ := dial(t, m, "sess-gap")

	sendFinal(t, conn, 2, "second first", 0, 1)
	sendFinal(t, conn, 1, "out of order", 1, 2)

	msg := readUntil(t, conn, "error", 3*time.Second)
	if msg.SequenceNo != 1 {
		t.Errorf("error sequence = %d, want 1", msg.SequenceNo)
	}
	if !strings.Contains(msg.Message, "sequence") {
		t.Errorf("unexpected error message %q", msg.Message)
	}

	// The session keeps serving after a rejected event.
	sendFinal(t, conn, 3, "still alive", 2, 3)
	time.Sleep(200 * time.Millisecond)

	utts, err := store.Utterances(context.Background(), "sess-gap")
	if err != nil {
		t.Fatalf("Utterances: %v", err)
	}
	if len(utts) != 2 {
		t.Fatalf("got %d utterances, want 2", len(utts))
	}
	for _, u := range utts {
		if u.SequenceNo == 1 {
			t.Error("rejected event must not create an utterance")
		}
	}
}

func TestFlushAckOnStructuringFailure(t *testing.T) {
	provider := &modelProvider{
		gateResponse: `{"decision": "continue_accumulating", "completed_segment": "", "incomplete_segment": "", "detected_threads": []}`,
		structErr:    errors.New("provider unauthorized"),
	}
	m, store := newTestManager(t, provider)
	conn, _ := dial(t, m, "sess-flush-degraded")

	sendFinal(t, conn, 1, "half a thought that never gates", 0, 1)
	if err := conn.WriteJSON(ClientMessage{Type: MsgFlush}); err != nil {
		t.Fatalf("write flush: %v", err)
	}

	msg := readUntil(t, conn, "flush_ack", 10*time.Second)
	if msg.ProcessingStatus == nil {
		t.Fatal("degraded flush must carry a processing status")
	}
	if msg.ProcessingStatus.Level != "error" {
		t.Errorf("processing status level = %q, want error", msg.ProcessingStatus.Level)
	}

	// The transcript survives the failed structuring pass.
	events, err := store.Events(context.Background(), "sess-flush-degraded")
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(events) != 1 {
		t.Errorf("got %d events, want 1", len(events))
	}
}

func TestFlushAckOnCleanDrain(t *testing.T) {
	provider := &modelProvider{
		gateResponse:   `{"decision": "continue_accumulating", "completed_segment": "", "incomplete_segment": "", "detected_threads": []}`,
		structResponse: `[]`,
	}
	m, _ := newTestManager(t, provider)
	conn, _ := dial(t, m, "sess-flush-clean")

	sendFinal(t, conn, 1, "a short remark", 0, 1)
	if err := conn.WriteJSON(ClientMessage{Type: MsgFlush}); err != nil {
		t.Fatalf("write flush: %v", err)
	}

	msg := readUntil(t, conn, "flush_ack", 10*time.Second)
	if msg.ProcessingStatus != nil {
		t.Errorf("clean flush must not be degraded: %+v", msg.ProcessingStatus)
	}
	if msg.Graph == nil {
		t.Error("flush_ack should include the final snapshot")
	}
}

func TestFlushWithEmptyBufferSucceeds(t *testing.T) {
	provider := &modelProvider{}
	m, _ := newTestManager(t, provider)
	conn, _ := dial(t, m, "sess-flush-empty")

	if err := conn.WriteJSON(ClientMessage{Type: MsgFlush}); err != nil {
		t.Fatalf("write flush: %v", err)
	}
	msg := readUntil(t, conn, "flush_ack", 5*time.Second)
	if msg.ProcessingStatus != nil {
		t.Errorf("empty flush must succeed: %+v", msg.ProcessingStatus)
	}
}

func TestGraphAndFlushHandlers(t *testing.T) {
	provider := &modelProvider{
		gateResponse:   `{"decision": "continue_accumulating", "completed_segment": "", "incomplete_segment": "", "detected_threads": []}`,
		structResponse: `[]`,
	}
	m, _ := newTestManager(t, provider)

	mux := http.NewServeMux()
	mux.HandleFunc("/streams/transcript", m.HandleTranscriptWS())
	mux.HandleFunc("GET /sessions/{id}/graph", m.GraphHandler())
	mux.HandleFunc("POST /sessions/{id}/flush", m.FlushHandler())
	srv := httptest.NewServer(mux)
	defer srv.Close()

	url := strings.Replace(srv.URL, "http", "ws", 1) + "/streams/transcript?session_id=sess-http"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	sendFinal(t, conn, 1, "hello there", 0, 1)
	time.Sleep(200 * time.Millisecond)

	resp, err := http.Get(srv.URL + "/sessions/sess-http/graph")
	if err != nil {
		t.Fatalf("GET graph: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("graph status = %d", resp.StatusCode)
	}
	var snap struct {
		SessionID string `json:"session_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.SessionID != "sess-http" {
		t.Errorf("snapshot session = %q", snap.SessionID)
	}

	flushResp, err := http.Post(srv.URL+"/sessions/sess-http/flush", "application/json", nil)
	if err != nil {
		t.Fatalf("POST flush: %v", err)
	}
	defer flushResp.Body.Close()
	if flushResp.StatusCode != http.StatusOK {
		t.Fatalf("flush status = %d", flushResp.StatusCode)
	}
	var out FlushOutcome
	if err := json.NewDecoder(flushResp.Body).Decode(&out); err != nil {
		t.Fatalf("decode flush outcome: %v", err)
	}
	if out.State != FlushStateSucceeded {
		t.Errorf("flush state = %q, want %q", out.State, FlushStateSucceeded)
	}

	missing, err := http.Get(srv.URL + "/sessions/nope/graph")
	if err != nil {
		t.Fatalf("GET missing graph: %v", err)
	}
	missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Errorf("missing session status = %d, want 404", missing.StatusCode)
	}
}

func TestDuplicateSessionIDRejected(t *testing.T) {
	provider := &modelProvider{}
	m, _ := newTestManager(t, provider)

	srv := httptest.NewServer(m.HandleTranscriptWS())
	defer srv.Close()
	url := strings.Replace(srv.URL, "http", "ws", 1) + "?session_id=dup"

	first, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("first dial: %v", err)
	}
	defer first.Close()

	// Wait until the first session registers.
	deadline := time.Now().Add(2 * time.Second)
	for m.Count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	second, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("second dial: %v", err)
	}
	defer second.Close()

	_ = second.SetReadDeadline(time.Now().Add(3 * time.Second))
	var msg ServerMessage
	if err := second.ReadJSON(&msg); err != nil {
		t.Fatalf("read rejection: %v", err)
	}
	if msg.Status != "error" {
		t.Errorf("status = %q, want error", msg.Status)
	}
}
