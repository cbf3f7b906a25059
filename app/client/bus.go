package client

import "sync"

// message types published on the local bus
const (
	MsgCompleted = "completed"
	MsgCanceled  = "canceled"
)

// Message is a typed cross-view notification. Handlers must be idempotent,
// the same marker may arrive more than once.
type Message struct {
	Type      string
	SessionID string
}

// Bus distributes messages between views of the same client
type Bus interface {
	Publish(msg Message)
	Subscribe(fn func(Message)) (unsubscribe func())
}

// LocalBus is an in-process bus shared by sibling views. Advisory only, a view
// must never rely on it for final correctness, the server poll is the source
// of truth.
type LocalBus struct {
	mu   sync.Mutex
	subs map[int]func(Message)
	seq  int
}

// NewLocalBus makes an empty bus
func NewLocalBus() *LocalBus {
	return &LocalBus{subs: make(map[int]func(Message))}
}

// Publish delivers the message to every subscriber synchronously
func (b *LocalBus) Publish(msg Message) {
	b.mu.Lock()
	fns := make([]func(Message), 0, len(b.subs))
	for _, fn := range b.subs {
		fns = append(fns, fn)
	}
	b.mu.Unlock()

	for _, fn := range fns {
		fn(msg)
	}
}

// Subscribe registers a handler and returns its removal func
func (b *LocalBus) Subscribe(fn func(Message)) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	id := b.seq
	b.subs[id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
	}
}
