package telemetry

import (
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRegistryAggregates(t *testing.T) {
	r := NewRegistry(8)
	for _, ms := range []float64{10, 20, 30, 40} {
		r.RecordValue("deepgram", StageFinalTurnaround, ms)
	}

	snap := r.Snapshot()
	stats, ok := snap["deepgram"][StageFinalTurnaround]
	if !ok {
		t.Fatal("missing stage stats")
	}
	if stats.Count != 4 {
		t.Errorf("count = %d, want 4", stats.Count)
	}
	if stats.Last != 40 {
		t.Errorf("last = %v, want 40", stats.Last)
	}
	if math.Abs(stats.Avg-25) > 1e-9 {
		t.Errorf("avg = %v, want 25", stats.Avg)
	}
	if stats.P95 != 40 {
		t.Errorf("p95 = %v, want 40", stats.P95)
	}
}

func TestRegistryWindowDropsOldest(t *testing.T) {
	r := NewRegistry(4)
	for i := 1; i <= 10; i++ {
		r.RecordValue("p", StageSTTRequest, float64(i*100))
	}

	stats := r.Snapshot()["p"][StageSTTRequest]
	if stats.Count != 4 {
		t.Errorf("count = %d, want window size 4", stats.Count)
	}
	if stats.Last != 1000 {
		t.Errorf("last = %v, want 1000", stats.Last)
	}
	// Only samples 700..1000 remain.
	if math.Abs(stats.Avg-850) > 1e-9 {
		t.Errorf("avg = %v, want 850", stats.Avg)
	}
}

func TestRegistryP95LargeWindow(t *testing.T) {
	r := NewRegistry(100)
	for i := 1; i <= 100; i++ {
		r.RecordValue("p", StageGateTurnaround, float64(i))
	}

	stats := r.Snapshot()["p"][StageGateTurnaround]
	if stats.P95 != 96 {
		t.Errorf("p95 = %v, want 96", stats.P95)
	}
}

func TestRecordDuration(t *testing.T) {
	r := NewRegistry(4)
	r.Record("p", StageAudioDecode, 250*time.Millisecond)

	stats := r.Snapshot()["p"][StageAudioDecode]
	if math.Abs(stats.Last-250) > 1e-9 {
		t.Errorf("last = %v, want 250", stats.Last)
	}
}

func TestEmptySnapshot(t *testing.T) {
	r := NewRegistry(0)
	if len(r.Snapshot()) != 0 {
		t.Error("expected empty snapshot")
	}
}

func TestHandlerServesJSON(t *testing.T) {
	r := NewRegistry(8)
	r.RecordValue("deepgram", StagePartialTurnround, 12.5)

	req := httptest.NewRequest(http.MethodGet, "/telemetry/providers", nil)
	rec := httptest.NewRecorder()
	r.Handler()(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		Providers map[string]map[string]StageStats `json:"providers"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if body.Providers["deepgram"][StagePartialTurnround].Count != 1 {
		t.Error("expected one recorded sample in response")
	}
}

func TestHandlerRejectsPost(t *testing.T) {
	r := NewRegistry(8)
	req := httptest.NewRequest(http.MethodPost, "/telemetry/providers", nil)
	rec := httptest.NewRecorder()
	r.Handler()(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}
