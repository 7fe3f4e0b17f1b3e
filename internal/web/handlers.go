package web

import (
	"encoding/json"
	"io"
	"io/fs"
	"net/http"
	"time"

	"github.com/cjeanneret/leveler/internal/debug"
	"github.com/cjeanneret/leveler/internal/logic/leveling"
)

// maxCommandBytes bounds a single command body or frame.
const maxCommandBytes = 4096

// DefaultReplyTimeout bounds how long POST /command waits for the control loop.
// Calibration blocks the loop for about two seconds.
const DefaultReplyTimeout = 5 * time.Second

// ReplyFrame is sent back to the client that issued a command.
type ReplyFrame struct {
	Type string `json:"t"`
	Cmd  string `json:"cmd"`
	OK   bool   `json:"ok"`
	Text string `json:"text"`
}

func replyFrame(cmd string, r leveling.Reply) ReplyFrame {
	return ReplyFrame{Type: "reply", Cmd: cmd, OK: r.OK, Text: r.Text}
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	Broadcaster  *StatusBroadcaster
	Hub          *WSHub
	Requests     chan<- leveling.Request
	ReplyTimeout time.Duration
	staticFS     fs.FS
}

// NewHandlers creates handlers with the given dependencies.
// If requests is nil, command endpoints return 503 Service Unavailable.
func NewHandlers(broadcaster *StatusBroadcaster, hub *WSHub, requests chan<- leveling.Request, staticFS fs.FS) *Handlers {
	return &Handlers{
		Broadcaster:  broadcaster,
		Hub:          hub,
		Requests:     requests,
		ReplyTimeout: DefaultReplyTimeout,
		staticFS:     staticFS,
	}
}

// submit queues r without blocking the caller.
func (h *Handlers) submit(r leveling.Request) bool {
	if h.Requests == nil {
		return false
	}
	select {
	case h.Requests <- r:
		return true
	default:
		return false
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// ServeIndex serves the dashboard page (root path only).
func (h *Handlers) ServeIndex(w http.ResponseWriter, r *http.Request) {
	data, err := fs.ReadFile(h.staticFS, "index.html")
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(data)
}

// HandleStatus returns the latest status snapshot, or 204 before the first one.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	frame := h.Broadcaster.Latest()
	if frame == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(frame)
}

// HandleCommand handles POST /command with a JSON command body and waits
// for the control loop to answer.
func (h *Handlers) HandleCommand(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxCommandBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	cmd, err := leveling.ParseJSON(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	done := make(chan leveling.Reply, 1)
	req := leveling.Request{
		Command: cmd,
		Source:  "http",
		Done:    func(rep leveling.Reply) { done <- rep },
	}
	if !h.submit(req) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "controller busy"})
		return
	}

	timer := time.NewTimer(h.ReplyTimeout)
	defer timer.Stop()
	select {
	case rep := <-done:
		writeJSON(w, http.StatusOK, replyFrame(cmd.Cmd, rep))
	case <-timer.C:
		writeJSON(w, http.StatusGatewayTimeout, map[string]string{"error": "no reply from controller"})
	case <-r.Context().Done():
	}
}

// HandleWS handles GET /ws. Inbound text frames are commands; the reply
// goes back to the same client. Malformed frames are logged and dropped.
func (h *Handlers) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	client := h.Hub.Add(conn)
	conn.SetReadLimit(maxCommandBytes)
	debug.Info("WebSocket client connected from %s", r.RemoteAddr)

	// Keep reading until client disconnects
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			h.Hub.Remove(client)
			debug.Info("WebSocket client %s disconnected", r.RemoteAddr)
			return
		}
		cmd, err := leveling.ParseJSON(data)
		if err != nil {
			debug.Warn("ws: dropped frame: %v", err)
			continue
		}
		req := leveling.Request{
			Command: cmd,
			Source:  "ws",
			Done: func(rep leveling.Reply) {
				frame, _ := json.Marshal(replyFrame(cmd.Cmd, rep))
				go client.Send(frame)
			},
		}
		if !h.submit(req) {
			debug.Warn("ws: controller busy, dropped %q", cmd.Cmd)
		}
	}
}

// HandleStatusStream handles GET /status/stream for SSE.
func (h *Handlers) HandleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx

	ch, unsub := h.Broadcaster.Subscribe()
	defer unsub()

	w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			w.Write([]byte("data: " + msg + "\n\n"))
			flusher.Flush()

		case <-ticker.C:
			w.Write([]byte(": heartbeat\n\n"))
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}
