// Package client implements the view-side synchronizer merging push events,
// locally cached snapshots and a periodic reconciliation poll into a single
// job state. Push channels are a latency optimization only; the poll against
// the server is authoritative and the view stays correct even when every push
// path is lost.
package client

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/go-pkgz/lgr"

	"github.com/progsync/progsync/app/broadcast"
	"github.com/progsync/progsync/app/cache"
	"github.com/progsync/progsync/app/tracker"
)

// State of the job as the view presents it
type State string

// view states
const (
	StateIdle         State = "idle"
	StateInitializing State = "initializing"
	StateProcessing   State = "processing"
	StateCompleted    State = "completed"
	StateCanceled     State = "canceled"
	StateError        State = "error"
)

// Terminal reports whether the state allows no further transitions short of a reset
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCanceled || s == StateError
}

// ActiveInfo is the server's answer to the active-session query
type ActiveInfo struct {
	SessionID string           `json:"sessionId"`
	Status    string           `json:"status"`
	Progress  tracker.Snapshot `json:"progress"`
}

// CompleteInfo is the server's answer to the reconciliation check. Status is
// the persisted terminal status, empty when the session is gone entirely.
type CompleteInfo struct {
	Completed bool   `json:"completed"`
	Status    string `json:"status,omitempty"`
}

// CancelResult is the server's answer to a cancel call
type CancelResult struct {
	Success     bool `json:"success"`
	DataDeleted bool `json:"dataDeleted"`
}

// API is the server surface used for reconciliation and cancellation
type API interface {
	Active(ctx context.Context, sessionID string) (ActiveInfo, error)
	CompleteCheck(ctx context.Context, sessionID string) (CompleteInfo, error)
	Cancel(ctx context.Context, sessionID string) (CancelResult, error)
}

// Repeater retries failed function
type Repeater interface {
	Do(ctx context.Context, fun func() error, errs ...error) (err error)
}

// Synchronizer owns the job state of one open view
type Synchronizer struct {
	api   API
	bus   Bus
	snaps *cache.Service[tracker.Snapshot] // optional local snapshot memory

	CompletionRatio float64       // min processed/total to honor a push completion
	Debounce        time.Duration // window suppressing duplicate completion events
	PollInterval    time.Duration
	AutoClose       time.Duration
	Repeater        Repeater // optional retry for poll calls

	mu            sync.Mutex
	state         State
	sessionID     string
	last          tracker.Snapshot
	lastCompleted time.Time
	cancelPending bool
	autoCloseT    *time.Timer
	unsubscribe   func()
	now           func() time.Time
}

// New makes an idle synchronizer attached to the given bus. The snapshot
// cache may be nil.
func New(api API, bus Bus, snaps *cache.Service[tracker.Snapshot]) *Synchronizer {
	s := &Synchronizer{
		api:             api,
		bus:             bus,
		snaps:           snaps,
		CompletionRatio: 0.95,
		Debounce:        2 * time.Second,
		PollInterval:    3 * time.Second,
		AutoClose:       10 * time.Second,
		state:           StateIdle,
		now:             time.Now,
	}
	if bus != nil {
		s.unsubscribe = bus.Subscribe(s.onBusMessage)
	}
	return s
}

// Start attaches the view to a session and begins tracking it
func (s *Synchronizer) Start(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopAutoCloseLocked()
	s.state = StateInitializing
	s.sessionID = sessionID
	s.last = tracker.Snapshot{}
	s.cancelPending = false
	if s.snaps != nil {
		if snap, ok := s.snaps.Get(sessionID); ok {
			s.last = snap // restore last known progress, e.g. after a view reload
		}
	}
}

// State returns the current view state
func (s *Synchronizer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SessionID returns the tracked session id, empty when idle
func (s *Synchronizer) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Snapshot returns the last known progress
func (s *Synchronizer) Snapshot() tracker.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// OnEvent feeds a push-delivered event into the state machine. Events for
// other sessions or failing the completion validation are dropped silently.
func (s *Synchronizer) OnEvent(ev broadcast.Event) {
	switch ev.Type {
	case broadcast.TypeProgress:
		s.onProgress(ev)
	case broadcast.TypeComplete:
		s.onComplete(ev)
	case broadcast.TypeCanceled:
		s.adoptTerminal(ev.SessionID, StateCanceled, ev.Progress)
	case broadcast.TypeError:
		s.adoptTerminal(ev.SessionID, StateError, ev.Progress)
	}
}

func (s *Synchronizer) onProgress(ev broadcast.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev.SessionID != s.sessionID || s.state.Terminal() || s.state == StateIdle {
		return
	}
	s.state = StateProcessing
	if ev.Progress != nil {
		s.last = *ev.Progress
		if s.snaps != nil {
			s.snaps.Set(s.sessionID, *ev.Progress)
		}
	}
}

// onComplete honors a push completion only when every validation signal
// agrees; a stray event on a cold view or for a barely started job is noise
func (s *Synchronizer) onComplete(ev broadcast.Event) {
	s.mu.Lock()

	ok := s.state == StateProcessing && // cold or idle view never accepts push completion
		ev.SessionID != "" && ev.SessionID == s.sessionID &&
		(s.lastCompleted.IsZero() || s.now().Sub(s.lastCompleted) >= s.Debounce)
	if ok && (s.last.Total <= 0 || float64(s.last.Processed) < s.CompletionRatio*float64(s.last.Total)) {
		log.Printf("[DEBUG] completion for %s rejected, only %d/%d known locally",
			ev.SessionID, s.last.Processed, s.last.Total)
		ok = false
	}
	if !ok {
		s.mu.Unlock()
		return
	}

	s.completeLocked(ev.Progress)
	sessionID := s.sessionID
	s.mu.Unlock()

	if s.bus != nil { // sibling views converge without re-querying the server
		s.bus.Publish(Message{Type: MsgCompleted, SessionID: sessionID})
	}
}

// completeLocked freezes the view at 100% and arms the auto-close timer.
// Called under lock.
func (s *Synchronizer) completeLocked(snap *tracker.Snapshot) {
	if snap != nil {
		s.last = *snap
	}
	if s.last.Total > 0 {
		s.last.Processed = s.last.Total
	}
	s.state = StateCompleted
	s.lastCompleted = s.now()
	s.stopAutoCloseLocked()
	s.autoCloseT = time.AfterFunc(s.AutoClose, s.Reset)
}

func (s *Synchronizer) stopAutoCloseLocked() {
	if s.autoCloseT != nil {
		s.autoCloseT.Stop()
		s.autoCloseT = nil
	}
}

// adoptTerminal applies a server-confirmed terminal state without the
// completion validation, used for cancel/error push and poll results
func (s *Synchronizer) adoptTerminal(sessionID string, state State, snap *tracker.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sessionID != s.sessionID || s.state.Terminal() || s.state == StateIdle {
		return
	}
	if state == StateCompleted {
		s.completeLocked(snap)
		return
	}
	if snap != nil {
		s.last = *snap
	}
	s.state = state
	s.stopAutoCloseLocked()
}

// onBusMessage converges this view on a terminal marker published by a
// sibling. Idempotent, repeated markers are no-ops.
func (s *Synchronizer) onBusMessage(msg Message) {
	switch msg.Type {
	case MsgCompleted:
		s.adoptTerminal(msg.SessionID, StateCompleted, nil)
	case MsgCanceled:
		s.adoptTerminal(msg.SessionID, StateCanceled, nil)
	}
}

// Reset returns the view to idle, called by the auto-close timer or by the
// user dismissing the completion screen
func (s *Synchronizer) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopAutoCloseLocked()
	s.state = StateIdle
	s.sessionID = ""
	s.last = tracker.Snapshot{}
	s.cancelPending = false
}

// Close detaches from the bus and stops timers
func (s *Synchronizer) Close() {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopAutoCloseLocked()
}

// Run polls the server on the reconciliation interval until the context is
// canceled. The poll result always wins over locally accumulated push state.
func (s *Synchronizer) Run(ctx context.Context) {
	ticker := time.NewTicker(s.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Reconcile(ctx)
		}
	}
}

func (s *Synchronizer) call(ctx context.Context, fun func() error) error {
	if s.Repeater != nil {
		return s.Repeater.Do(ctx, fun)
	}
	return fun()
}

// Reconcile queries the server's authoritative state and applies it,
// regardless of what the push channels delivered or lost
func (s *Synchronizer) Reconcile(ctx context.Context) {
	s.mu.Lock()
	sessionID := s.sessionID
	state := s.state
	s.mu.Unlock()
	if sessionID == "" || state.Terminal() {
		return
	}

	var info ActiveInfo
	err := s.call(ctx, func() error {
		var e error
		info, e = s.api.Active(ctx, sessionID)
		return e
	})
	if err != nil {
		log.Printf("[WARN] reconciliation poll failed for session %s: %v", sessionID, err)
		return
	}

	if info.SessionID != sessionID { // no matching active row on the server
		var check CompleteInfo
		if err := s.call(ctx, func() error {
			var e error
			check, e = s.api.CompleteCheck(ctx, sessionID)
			return e
		}); err != nil {
			log.Printf("[WARN] complete-check failed for session %s: %v", sessionID, err)
			return
		}
		switch {
		case check.Completed:
			s.adoptTerminal(sessionID, StateCompleted, nil)
		case check.Status == "error":
			s.adoptTerminal(sessionID, StateError, nil)
		case check.Status == "canceled":
			s.adoptTerminal(sessionID, StateCanceled, nil)
		default:
			s.Reset() // session is gone entirely, nothing left to show
		}
		return
	}

	switch info.Status {
	case "completed":
		s.adoptTerminal(sessionID, StateCompleted, &info.Progress)
	case "canceled":
		s.adoptTerminal(sessionID, StateCanceled, &info.Progress)
	case "error":
		s.adoptTerminal(sessionID, StateError, &info.Progress)
	default:
		s.mu.Lock()
		if !s.state.Terminal() && s.state != StateIdle {
			s.state = StateProcessing
			if info.Progress.Processed >= s.last.Processed { // keep local monotonicity
				s.last = info.Progress
			}
		}
		s.mu.Unlock()
	}
}

// RequestCancel marks the first step of the two-step cancellation. Returns
// false when there is nothing to cancel.
func (s *Synchronizer) RequestCancel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessionID == "" || s.state.Terminal() || s.state == StateIdle {
		return false
	}
	s.cancelPending = true
	return true
}

// ConfirmCancel performs the irreversible network cancel after a prior
// RequestCancel. Fails if the request step was skipped.
func (s *Synchronizer) ConfirmCancel(ctx context.Context) (CancelResult, error) {
	s.mu.Lock()
	if !s.cancelPending {
		s.mu.Unlock()
		return CancelResult{}, errors.New("cancellation was not requested")
	}
	sessionID := s.sessionID
	s.cancelPending = false
	s.mu.Unlock()

	res, err := s.api.Cancel(ctx, sessionID)
	if err != nil {
		return CancelResult{}, err
	}
	s.adoptTerminal(sessionID, StateCanceled, nil)
	if s.bus != nil {
		s.bus.Publish(Message{Type: MsgCanceled, SessionID: sessionID})
	}
	return res, nil
}

// ForceCancel attempts the network cancel but clears the local state even
// when the call fails, used as the last-resort escape hatch
func (s *Synchronizer) ForceCancel(ctx context.Context) {
	s.mu.Lock()
	sessionID := s.sessionID
	s.mu.Unlock()

	if sessionID != "" {
		if _, err := s.api.Cancel(ctx, sessionID); err != nil {
			log.Printf("[WARN] force cancel network call failed for session %s: %v", sessionID, err)
		}
		if s.bus != nil {
			s.bus.Publish(Message{Type: MsgCanceled, SessionID: sessionID})
		}
	}
	s.Reset()
}
