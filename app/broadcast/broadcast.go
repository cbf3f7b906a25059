// Package broadcast fans progress events out to every connected push channel.
// Delivery is best effort: a channel failing a send is dropped from the set and
// the error never reaches the caller. Authoritative state stays in the session
// store, clients reconcile by polling.
package broadcast

import (
	"sync"
	"time"

	log "github.com/go-pkgz/lgr"

	"github.com/progsync/progsync/app/tracker"
)

// event types pushed to clients
const (
	TypeProgress  = "progress"
	TypeComplete  = "complete"
	TypeCanceled  = "canceled"
	TypeError     = "error"
	TypeHeartbeat = "heartbeat"
)

// Event is a single push message. Timestamp is wall clock at send time in
// milliseconds; clients use it for ordering and deduplication only, the server
// never makes correctness decisions from it.
type Event struct {
	Type      string            `json:"type"`
	SessionID string            `json:"sessionId,omitempty"`
	Progress  *tracker.Snapshot `json:"progress,omitempty"`
	Error     string            `json:"error,omitempty"`
	Timestamp int64             `json:"timestamp"`
}

// Channel is a single push delivery path
type Channel interface {
	Send(ev Event) error
}

// Broadcaster keeps the set of open push channels. Thread safe.
type Broadcaster struct {
	mu       sync.Mutex
	channels map[Channel]struct{}
	now      func() time.Time
}

// New makes an empty broadcaster
func New() *Broadcaster {
	return &Broadcaster{channels: make(map[Channel]struct{}), now: time.Now}
}

// Register adds a channel to the fan-out set
func (b *Broadcaster) Register(ch Channel) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.channels[ch] = struct{}{}
}

// Unregister removes a channel. Safe to call for an unknown channel.
func (b *Broadcaster) Unregister(ch Channel) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.channels, ch)
}

// Count returns the number of registered channels
func (b *Broadcaster) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.channels)
}

// Push stamps the event and fans it out. Channels failing the send are
// dropped; a slow or dead client never blocks or fails the caller.
func (b *Broadcaster) Push(ev Event) {
	ev.Timestamp = b.now().UnixMilli()

	b.mu.Lock()
	targets := make([]Channel, 0, len(b.channels))
	for ch := range b.channels {
		targets = append(targets, ch)
	}
	b.mu.Unlock()

	for _, ch := range targets {
		if err := ch.Send(ev); err != nil {
			log.Printf("[WARN] push channel failed, dropping: %v", err)
			b.Unregister(ch)
		}
	}
}
