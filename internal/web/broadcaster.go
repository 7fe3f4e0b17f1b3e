package web

import (
	"strings"
	"sync"

	"github.com/cjeanneret/leveler/internal/logic/leveling"
)

// StatusBroadcaster fans JSON frames out to SSE and WebSocket clients and
// remembers the latest status snapshot.
type StatusBroadcaster struct {
	mu      sync.RWMutex
	clients map[chan string]struct{}
	last    []byte
}

// NewStatusBroadcaster creates a new broadcaster.
func NewStatusBroadcaster() *StatusBroadcaster {
	return &StatusBroadcaster{
		clients: make(map[chan string]struct{}),
	}
}

// Subscribe returns a channel that receives broadcast frames and a cleanup function.
// The caller must call the returned cleanup when done (e.g. on client disconnect).
func (b *StatusBroadcaster) Subscribe() (<-chan string, func()) {
	ch := make(chan string, 64)
	b.mu.Lock()
	b.clients[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.clients, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}

// Clients reports the number of live subscribers.
func (b *StatusBroadcaster) Clients() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Publish sends a raw frame to all subscribers.
// Slow clients may miss frames (non-blocking, buffered).
func (b *StatusBroadcaster) Publish(frame []byte) {
	payload := string(frame)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.clients {
		select {
		case ch <- payload:
		default:
			// channel full, skip
		}
	}
}

// PublishStatus records s as the latest snapshot and broadcasts it.
func (b *StatusBroadcaster) PublishStatus(s leveling.Status) {
	frame := s.JSON()
	b.mu.Lock()
	b.last = frame
	b.mu.Unlock()
	b.Publish(frame)
}

// Latest returns the last published status frame, or nil before the first one.
func (b *StatusBroadcaster) Latest() []byte {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.last
}

// BroadcastMsg publishes msg as a {"t":"log"} frame.
func (b *StatusBroadcaster) BroadcastMsg(msg string) {
	b.Publish(leveling.LogFrame(msg))
}

// BroadcastWriter implements io.Writer; each non-empty line becomes a log frame.
func BroadcastWriter(b *StatusBroadcaster) *broadcastWriter {
	return &broadcastWriter{b: b}
}

// broadcastWriter wraps StatusBroadcaster as io.Writer for the orchestrator output.
type broadcastWriter struct {
	b *StatusBroadcaster
}

func (w *broadcastWriter) Write(p []byte) (n int, err error) {
	for _, line := range strings.Split(string(p), "\n") {
		if msg := strings.TrimSpace(line); msg != "" {
			w.b.BroadcastMsg(msg)
		}
	}
	return len(p), nil
}
