// Package telemetry keeps rolling latency samples per provider and stage,
// serving lightweight aggregates alongside the Prometheus metrics. Rings
// hold a fixed window and drop the oldest sample on overflow, so hot
// sessions cannot grow memory unbounded.
package telemetry

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Stage names tracked per provider. Decode and STT request timings
// happen inside the provider; those stages stay empty until a client
// reports them, the rest are measured at ingest.
const (
	StageAudioDecode      = "audio_decode_ms"
	StageSTTRequest       = "stt_request_ms"
	StagePartialTurnround = "partial_turnaround_ms"
	StageFinalTurnaround  = "final_turnaround_ms"
	StageGateTurnaround   = "gate_turnaround_ms"
	StageStructuring      = "structuring_ms"
)

// StageStats is the aggregate view over one sample ring.
type StageStats struct {
	Count int     `json:"count"`
	Last  float64 `json:"last_ms"`
	Avg   float64 `json:"avg_ms"`
	P95   float64 `json:"p95_ms"`
}

type ring struct {
	samples []float64
	next    int
	full    bool
}

func (r *ring) add(v float64) {
	r.samples[r.next] = v
	r.next = (r.next + 1) % len(r.samples)
	if r.next == 0 {
		r.full = true
	}
}

func (r *ring) stats() StageStats {
	n := r.next
	if r.full {
		n = len(r.samples)
	}
	if n == 0 {
		return StageStats{}
	}

	last := r.samples[(r.next-1+len(r.samples))%len(r.samples)]
	sorted := make([]float64, n)
	copy(sorted, r.samples[:n])
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	idx := (n * 95) / 100
	if idx >= n {
		idx = n - 1
	}
	return StageStats{
		Count: n,
		Last:  last,
		Avg:   sum / float64(n),
		P95:   sorted[idx],
	}
}

// Registry tracks sample rings keyed by provider and stage.
type Registry struct {
	mu         sync.RWMutex
	windowSize int
	providers  map[string]map[string]*ring
}

// NewRegistry creates a registry with the given ring window size.
func NewRegistry(windowSize int) *Registry {
	if windowSize <= 0 {
		windowSize = 256
	}
	return &Registry{
		windowSize: windowSize,
		providers:  make(map[string]map[string]*ring),
	}
}

// Record adds one sample for a provider stage.
func (r *Registry) Record(provider, stage string, d time.Duration) {
	r.RecordValue(provider, stage, float64(d.Microseconds())/1000.0)
}

// RecordValue adds one raw millisecond sample for a provider stage.
func (r *Registry) RecordValue(provider, stage string, ms float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stages, ok := r.providers[provider]
	if !ok {
		stages = make(map[string]*ring)
		r.providers[provider] = stages
	}
	rg, ok := stages[stage]
	if !ok {
		rg = &ring{samples: make([]float64, r.windowSize)}
		stages[stage] = rg
	}
	rg.add(ms)
}

// Snapshot returns current aggregates for every provider and stage.
func (r *Registry) Snapshot() map[string]map[string]StageStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]map[string]StageStats, len(r.providers))
	for provider, stages := range r.providers {
		view := make(map[string]StageStats, len(stages))
		for stage, rg := range stages {
			view[stage] = rg.stats()
		}
		out[provider] = view
	}
	return out
}

// Handler serves the provider telemetry snapshot as JSON.
func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"timestamp": time.Now().UTC(),
			"providers": r.Snapshot(),
		})
	}
}
