package realtime

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is the subset of *websocket.Conn the hub needs; tests use fakes.
type Conn interface {
	WriteJSON(v any) error
	Close() error
}

var _ Conn = (*websocket.Conn)(nil)

type session struct {
	conn Conn
	mu   sync.Mutex
}

func (s *session) send(payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(payload)
}

// channel groups the subscribers of one assignment plus the channel's
// last activity, which the sweeper uses to drop dead subscriptions.
type channel struct {
	sessions   []*session
	lastActive time.Time
}

// Hub fans location/status updates out to subscribers keyed by
// assignment id.
type Hub struct {
	mu       sync.Mutex
	channels map[string]*channel
	logger   *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{channels: make(map[string]*channel), logger: logger}
}

func (h *Hub) Subscribe(assignmentID string, conn Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch, ok := h.channels[assignmentID]
	if !ok {
		ch = &channel{}
		h.channels[assignmentID] = ch
	}
	ch.sessions = append(ch.sessions, &session{conn: conn})
	ch.lastActive = time.Now()
}

// Broadcast writes the payload to every subscriber of the assignment
// and refreshes the channel's activity. Write failures evict the
// broken subscriber only.
func (h *Hub) Broadcast(assignmentID string, payload any) {
	h.mu.Lock()
	ch, ok := h.channels[assignmentID]
	if !ok {
		h.mu.Unlock()
		return
	}
	ch.lastActive = time.Now()
	sessions := make([]*session, len(ch.sessions))
	copy(sessions, ch.sessions)
	h.mu.Unlock()

	var broken []*session
	for _, s := range sessions {
		if err := s.send(payload); err != nil {
			h.logger.Warn("ws send failed, dropping subscriber", "assignment_id", assignmentID, "error", err)
			broken = append(broken, s)
		}
	}
	if len(broken) > 0 {
		h.evict(assignmentID, broken)
	}
}

// DropInactive closes and removes channels idle longer than olderThan,
// returning how many channels were dropped.
func (h *Hub) DropInactive(olderThan time.Duration) int {
	cutoff := time.Now().Add(-olderThan)
	h.mu.Lock()
	defer h.mu.Unlock()
	dropped := 0
	for id, ch := range h.channels {
		if ch.lastActive.After(cutoff) {
			continue
		}
		for _, s := range ch.sessions {
			_ = s.conn.Close()
		}
		delete(h.channels, id)
		dropped++
	}
	return dropped
}

// ChannelCount reports live channels, for the stats endpoint.
func (h *Hub) ChannelCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.channels)
}

func (h *Hub) evict(assignmentID string, broken []*session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch, ok := h.channels[assignmentID]
	if !ok {
		return
	}
	kept := ch.sessions[:0]
	for _, s := range ch.sessions {
		drop := false
		for _, b := range broken {
			if s == b {
				drop = true
				break
			}
		}
		if drop {
			_ = s.conn.Close()
			continue
		}
		kept = append(kept, s)
	}
	ch.sessions = kept
}
