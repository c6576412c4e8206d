package events

import (
	"sync"
	"time"
)

// retentionGrace is how long a terminated session's stream stays
// registered so reattaching clients can drain the final events.
const retentionGrace = 60 * time.Second

// Hub tracks the live stream of every session on this process so
// transports can reattach a subscriber by session id.
type Hub struct {
	mu      sync.RWMutex
	streams map[string]*Stream
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{streams: make(map[string]*Stream)}
}

// Register adds a session's stream. The previous entry for the same id,
// if any, is replaced.
func (h *Hub) Register(s *Stream) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.streams[s.SessionID()] = s
}

// Get returns the stream for a session, or nil.
func (h *Hub) Get(sessionID string) *Stream {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.streams[sessionID]
}

// Retire schedules removal of a terminated session's stream after the
// retention grace period, giving late subscribers time to drain.
func (h *Hub) Retire(sessionID string) {
	time.AfterFunc(retentionGrace, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.streams, sessionID)
	})
}

// Active returns the number of registered streams.
func (h *Hub) Active() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.streams)
}
