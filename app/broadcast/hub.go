package broadcast

import (
	"encoding/json"
	"sync"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/gorilla/websocket"
)

// completeMessage is the distinguished out-of-band completion broadcast. It
// goes to every connected socket regardless of session, clients self-filter
// by sessionId.
type completeMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Timestamp int64  `json:"timestamp"`
}

// hubQueueSize bounds the per-connection send queue; a client that lets it
// fill up is dropped
const hubQueueSize = 16

// Hub broadcasts job completion over websocket connections. It implements
// Channel but forwards only complete events; the stream path carries regular
// progress. Each connection has its own send queue drained by a writer
// goroutine, so Send never waits on a slow socket. The hub itself is never
// dropped from the broadcaster - individual dead connections are.
type Hub struct {
	writeTimeout time.Duration
	mu           sync.Mutex
	conns        map[*websocket.Conn]chan []byte
}

// NewHub makes an empty websocket hub
func NewHub(writeTimeout time.Duration) *Hub {
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	return &Hub{writeTimeout: writeTimeout, conns: make(map[*websocket.Conn]chan []byte)}
}

// Add registers a connection, starting its writer and its read loop detecting
// closure. Inbound messages are discarded, the socket is push-only.
func (h *Hub) Add(conn *websocket.Conn) {
	queue := make(chan []byte, hubQueueSize)
	h.mu.Lock()
	h.conns[conn] = queue
	n := len(h.conns)
	h.mu.Unlock()
	log.Printf("[DEBUG] websocket client connected, %d total", n)

	go func() {
		for msg := range queue {
			if err := conn.SetWriteDeadline(time.Now().Add(h.writeTimeout)); err != nil {
				h.remove(conn)
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				log.Printf("[WARN] websocket write failed, dropping client: %v", err)
				h.remove(conn)
				return
			}
		}
	}()

	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				h.remove(conn)
				return
			}
		}
	}()
}

func (h *Hub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	queue, ok := h.conns[conn]
	delete(h.conns, conn)
	h.mu.Unlock()
	if ok {
		close(queue)
		_ = conn.Close()
		log.Printf("[DEBUG] websocket client disconnected")
	}
}

// Count returns the number of connected clients
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Send implements Channel. Only complete events are forwarded; everything
// else is a no-op. Messages are queued per connection and the call returns
// without waiting on any socket; a client with a full queue is dropped.
func (h *Hub) Send(ev Event) error {
	if ev.Type != TypeComplete {
		return nil
	}

	msg, err := json.Marshal(completeMessage{Type: "job_complete", SessionID: ev.SessionID, Timestamp: ev.Timestamp})
	if err != nil {
		return nil // malformed event is not a channel failure
	}

	// queues are only closed after removal from the map, so sending under the
	// lock cannot hit a closed channel
	var stale []*websocket.Conn
	h.mu.Lock()
	for conn, queue := range h.conns {
		select {
		case queue <- msg:
		default:
			stale = append(stale, conn)
		}
	}
	h.mu.Unlock()

	for _, conn := range stale {
		log.Printf("[WARN] websocket client can't keep up, dropping")
		h.remove(conn)
	}
	return nil
}

// Close shuts down all connections
func (h *Hub) Close() {
	h.mu.Lock()
	conns := h.conns
	h.conns = make(map[*websocket.Conn]chan []byte)
	h.mu.Unlock()

	for conn, queue := range conns {
		close(queue)
		_ = conn.Close()
	}
}
