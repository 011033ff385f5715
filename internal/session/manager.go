// Package session ties the transcript websocket to the structuring
// pipeline: one Session per connection, one Manager per process.
package session

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	cache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
	"github.com/threadlens/thread-engine/internal/config"
	"github.com/threadlens/thread-engine/internal/diarize"
	"github.com/threadlens/thread-engine/internal/graph"
	"github.com/threadlens/thread-engine/internal/observability"
	"github.com/threadlens/thread-engine/internal/structurer"
	"github.com/threadlens/thread-engine/internal/telemetry"
	"github.com/threadlens/thread-engine/internal/transcript"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const snapshotTTL = 2 * time.Second

// Manager tracks live sessions and serves their HTTP surface.
type Manager struct {
	cfg        *config.Config
	store      *transcript.Store
	structurer *structurer.Client
	telemetry  *telemetry.Registry
	logger     zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session

	// Snapshot responses are cached briefly so graph polling does not
	// contend with the pipeline on every request.
	snapshots *cache.Cache

	sweepStop chan struct{}
	sweepOnce sync.Once
}

// NewManager creates a session manager.
func NewManager(cfg *config.Config, store *transcript.Store, st *structurer.Client, tel *telemetry.Registry) *Manager {
	return &Manager{
		cfg:        cfg,
		store:      store,
		structurer: st,
		telemetry:  tel,
		logger:     observability.GetLogger().With().Str("component", "session-manager").Logger(),
		sessions:   make(map[string]*Session),
		snapshots:  cache.New(snapshotTTL, time.Minute),
		sweepStop:  make(chan struct{}),
	}
}

// HandleTranscriptWS upgrades the connection and runs the session until
// the peer disconnects. The session id comes from the session_id query
// parameter, or is generated.
func (m *Manager) HandleTranscriptWS() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			m.logger.Error().Err(err).Msg("WebSocket upgrade failed")
			return
		}

		id := r.URL.Query().Get("session_id")
		if id == "" {
			id = uuid.New().String()
		}

		var overlay *diarize.Overlay
		if m.cfg.DiarizeEnabled {
			overlay = diarize.NewOverlay(id, m.store,
				[]diarize.Pass{diarize.GapPass{GapThreshold: m.cfg.DiarizeGapThreshold}},
				m.cfg.DiarizeQueueSize,
				observability.WithSession(id, observability.NewCorrelationID()))
		}

		s := New(id, conn, m.cfg, m.store, m.structurer, overlay, m.telemetry)

		m.mu.Lock()
		if _, exists := m.sessions[id]; exists {
			m.mu.Unlock()
			m.logger.Warn().Str("session_id", id).Msg("Rejecting duplicate session id")
			_ = conn.WriteJSON(ServerMessage{Status: "error", Message: "session already active"})
			_ = conn.Close()
			s.Close()
			return
		}
		m.sessions[id] = s
		m.mu.Unlock()

		m.logger.Info().Str("session_id", id).Msg("Session registered")
		s.Start()

		m.mu.Lock()
		delete(m.sessions, id)
		m.mu.Unlock()
		m.snapshots.Delete(id)
		m.logger.Info().Str("session_id", id).Msg("Session unregistered")
	}
}

// Get returns a live session by id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// GraphHandler serves GET /sessions/{id}/graph.
func (m *Manager) GraphHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		s, ok := m.Get(id)
		if !ok {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}

		var snap graph.Snapshot
		if cached, found := m.snapshots.Get(id); found {
			snap = cached.(graph.Snapshot)
		} else {
			snap = s.Snapshot()
			m.snapshots.SetDefault(id, snap)
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(snap)
	}
}

// FlushHandler serves POST /sessions/{id}/flush.
func (m *Manager) FlushHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		s, ok := m.Get(id)
		if !ok {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}

		out := s.RequestFlush()
		m.snapshots.Delete(id)

		w.Header().Set("Content-Type", "application/json")
		if out.State == FlushStateDegraded {
			w.WriteHeader(http.StatusAccepted)
		}
		_ = json.NewEncoder(w).Encode(out)
	}
}

// StartIdleSweep launches the background loop that flushes and closes
// sessions idle past the configured timeout.
func (m *Manager) StartIdleSweep() {
	m.sweepOnce.Do(func() {
		go m.sweepLoop()
	})
}

func (m *Manager) sweepLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-m.sweepStop:
			return
		case <-ticker.C:
			m.sweepIdle()
		}
	}
}

func (m *Manager) sweepIdle() {
	idle := time.Duration(m.cfg.SessionIdleTimeout) * time.Second
	cutoff := time.Now().Add(-idle)

	m.mu.RLock()
	var stale []*Session
	for _, s := range m.sessions {
		if s.LastActivity().Before(cutoff) {
			stale = append(stale, s)
		}
	}
	m.mu.RUnlock()

	for _, s := range stale {
		m.logger.Info().Str("session_id", s.ID).Msg("Closing idle session")
		out := s.RequestFlush()
		m.logger.Info().Str("session_id", s.ID).Str("state", out.State).Msg("Idle flush completed")
		s.Close()
	}
}

// Shutdown flushes every live session and stops the sweep loop. Called on
// graceful process exit.
func (m *Manager) Shutdown() {
	close(m.sweepStop)

	m.mu.RLock()
	live := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		live = append(live, s)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, s := range live {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			out := s.RequestFlush()
			m.logger.Info().Str("session_id", s.ID).Str("state", out.State).Msg("Shutdown flush completed")
			s.Close()
		}(s)
	}
	wg.Wait()
}
