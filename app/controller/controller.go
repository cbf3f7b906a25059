// Package controller orchestrates the life of an upload job: session row,
// progress entry, worker process and push notifications. All terminal
// transitions are serialized here so completion, failure and cancellation
// cannot race each other into a double broadcast or a double delete.
package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/google/uuid"

	"github.com/progsync/progsync/app/broadcast"
	"github.com/progsync/progsync/app/store"
	"github.com/progsync/progsync/app/tracker"
	"github.com/progsync/progsync/app/worker"
)

// Store is the persistence surface the controller needs
type Store interface {
	Create(sess store.Session) error
	Get(sessionID string) (store.Session, error)
	Update(sess store.Session) error
	Delete(sessionID string) error
	GetActive(instanceID string) (store.Session, error)
	ListActive() ([]store.Session, error)
	CreateFile(fileID, sessionID, name string, rowCount int) error
	SaveBatchResults(fileID string, batch tracker.BatchResult) error
	DeleteFileCascade(fileID string) (bool, error)
}

// Bridge spawns and terminates worker processes
type Bridge interface {
	Run(ctx context.Context, sessionID, file string) (<-chan worker.Event, error)
	Cancel(sessionID string) bool
	CancelAll() int
}

// Broadcaster pushes events to connected clients
type Broadcaster interface {
	Push(ev broadcast.Event)
}

// Quota limits daily processed rows
type Quota interface {
	ProcessableRowCount(requested int) (int, error)
	IncrementRowCount(n int) error
}

// Notifier delivers operator notifications about job outcomes
type Notifier interface {
	IsOnError() bool
	IsOnCompletion() bool
	SendError(ctx context.Context, sessionID, file, errorLog string) error
	SendCompletion(ctx context.Context, sessionID, file string) error
}

// Request describes a new upload job
type Request struct {
	SessionID string
	FileName  string
	FilePath  string
	RowCount  int
}

// Controller drives upload jobs end to end
type Controller struct {
	Store       Store
	Tracker     *tracker.Registry
	Bridge      Bridge
	Broadcaster Broadcaster
	Quota       Quota
	Notifier    Notifier

	InstanceID     string        // identifies this server process, detects orphaned sessions
	AutoCloseDelay time.Duration // sent to clients with the final snapshot
	RetentionDelay time.Duration // terminal sessions removed after this delay
	DebounceWindow time.Duration // min interval between progress persists

	mu     sync.Mutex
	files  map[string]fileRef // session id -> file artifact
	timers map[string]*time.Timer
}

// fileRef keeps the file artifact reference of a live session
type fileRef struct {
	id   string
	name string
}

// New makes a controller with its own instance id
func New(st Store, reg *tracker.Registry, bridge Bridge, bcast Broadcaster, quota Quota) *Controller {
	return &Controller{
		Store:          st,
		Tracker:        reg,
		Bridge:         bridge,
		Broadcaster:    bcast,
		Quota:          quota,
		InstanceID:     uuid.NewString(),
		AutoCloseDelay: 10 * time.Second,
		RetentionDelay: time.Hour,
		DebounceWindow: 500 * time.Millisecond,
		files:          make(map[string]fileRef),
		timers:         make(map[string]*time.Timer),
	}
}

// Create starts a job for the session: claims quota, persists the session and
// file rows, spawns the worker and begins consuming its events. Returns the
// initial snapshot. A live session with the same id fails with
// store.ErrDuplicateSession.
func (c *Controller) Create(ctx context.Context, req Request) (tracker.Snapshot, error) {
	allowed := req.RowCount
	if c.Quota != nil {
		var err error
		if allowed, err = c.Quota.ProcessableRowCount(req.RowCount); err != nil {
			return tracker.Snapshot{}, fmt.Errorf("failed to check quota: %w", err)
		}
		if allowed < req.RowCount {
			log.Printf("[WARN] session %s over daily quota, serving %d of %d rows",
				req.SessionID, allowed, req.RowCount)
		}
	}

	// persist the session before touching any in-memory state, so a duplicate
	// request cannot clobber the live entry of an in-flight job
	fileID := uuid.NewString()
	sess := store.Session{
		SessionID:        req.SessionID,
		Status:           store.StatusActive,
		Progress:         tracker.Snapshot{Total: allowed, Stage: "Initializing"},
		FileID:           fileID,
		ServerInstanceID: c.InstanceID,
	}
	if err := c.Store.Create(sess); err != nil {
		return tracker.Snapshot{}, err
	}
	if err := c.Store.CreateFile(fileID, req.SessionID, req.FileName, allowed); err != nil {
		_ = c.Store.Delete(req.SessionID)
		return tracker.Snapshot{}, err
	}
	if c.Quota != nil && allowed > 0 {
		if err := c.Quota.IncrementRowCount(allowed); err != nil {
			_, _ = c.Store.DeleteFileCascade(fileID)
			_ = c.Store.Delete(req.SessionID)
			return tracker.Snapshot{}, fmt.Errorf("failed to claim quota: %w", err)
		}
	}

	entry := c.Tracker.Create(req.SessionID, allowed)
	snap := entry.Snapshot()

	ch, err := c.Bridge.Run(ctx, req.SessionID, req.FilePath)
	if err != nil {
		c.Tracker.Remove(req.SessionID)
		_, _ = c.Store.DeleteFileCascade(fileID)
		_ = c.Store.Delete(req.SessionID)
		return tracker.Snapshot{}, fmt.Errorf("failed to start worker for session %s: %w", req.SessionID, err)
	}

	c.mu.Lock()
	c.files[req.SessionID] = fileRef{id: fileID, name: req.FileName}
	c.mu.Unlock()

	go c.consume(ctx, req.SessionID, fileID, entry, ch)
	log.Printf("[INFO] job created for session %s, file %s, %d rows", req.SessionID, fileID, allowed)
	return snap, nil
}

// consume drains the worker's event channel, updating the tracker entry and
// persisting progress with a debounce so sqlite is not hit on every line
func (c *Controller) consume(ctx context.Context, sessionID, fileID string, entry *tracker.Entry, ch <-chan worker.Event) {
	var lastPersist time.Time
	for ev := range ch {
		switch {
		case ev.Progress != nil:
			snap, ok := entry.Apply(tracker.Update{
				Processed: ev.Progress.Processed,
				Total:     ev.Progress.Total,
				Stage:     ev.Progress.Stage,
			})
			if !ok { // terminal state reached concurrently, drop late update
				continue
			}
			c.Broadcaster.Push(broadcast.Event{Type: broadcast.TypeProgress, SessionID: sessionID, Progress: &snap})
			if time.Since(lastPersist) >= c.DebounceWindow {
				c.persist(sessionID, store.StatusProcessing, snap)
				lastPersist = time.Now()
			}

		case ev.Batch != nil:
			if err := c.Store.SaveBatchResults(fileID, *ev.Batch); err != nil {
				log.Printf("[WARN] failed to save batch %d for session %s: %v", ev.Batch.BatchNumber, sessionID, err)
			}
			for _, raw := range ev.Batch.Results {
				var r struct {
					Error string `json:"error"`
				}
				entry.RecordResult(json.Unmarshal(raw, &r) == nil && r.Error == "")
			}
			snap, ok := entry.Apply(tracker.Update{
				BatchNumber:  ev.Batch.BatchNumber,
				TotalBatches: ev.Batch.TotalBatches,
			})
			if ok {
				c.Broadcaster.Push(broadcast.Event{Type: broadcast.TypeProgress, SessionID: sessionID, Progress: &snap})
			}

		case ev.Err != nil:
			// batches saved so far are kept, the job resolves as completed with a
			// warning for the user while operators get the real failure
			var failure *worker.Failure
			warning := "processing finished with errors"
			if errors.As(ev.Err, &failure) {
				warning = fmt.Sprintf("worker exited with code %d, partial results kept", failure.ExitCode)
				log.Printf("[WARN] worker failed for session %s: code %d, stderr tail:\n%s",
					sessionID, failure.ExitCode, failure.Stderr)
			}
			c.notifyFailure(ctx, sessionID, ev.Err)
			c.Complete(sessionID, warning)

		default: // final result
			c.Complete(sessionID, "")
			c.notifyCompletion(ctx, sessionID)
		}
	}
}

// fileName returns the name of the session's file artifact, empty for a
// session this process did not start
func (c *Controller) fileName(sessionID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.files[sessionID].name
}

func (c *Controller) notifyFailure(ctx context.Context, sessionID string, err error) {
	if c.Notifier == nil || !c.Notifier.IsOnError() {
		return
	}
	if nerr := c.Notifier.SendError(ctx, sessionID, c.fileName(sessionID), err.Error()); nerr != nil {
		log.Printf("[WARN] failed to send failure notification for session %s: %v", sessionID, nerr)
	}
}

func (c *Controller) notifyCompletion(ctx context.Context, sessionID string) {
	if c.Notifier == nil || !c.Notifier.IsOnCompletion() {
		return
	}
	if nerr := c.Notifier.SendCompletion(ctx, sessionID, c.fileName(sessionID)); nerr != nil {
		log.Printf("[WARN] failed to send completion notification for session %s: %v", sessionID, nerr)
	}
}

// persist writes the snapshot to the store, ignoring terminal-row immutability
func (c *Controller) persist(sessionID string, status store.Status, snap tracker.Snapshot) {
	err := c.Store.Update(store.Session{SessionID: sessionID, Status: status, Progress: snap})
	if err != nil && !errors.Is(err, store.ErrTerminal) && !errors.Is(err, store.ErrNotFound) {
		log.Printf("[WARN] failed to persist progress for session %s: %v", sessionID, err)
	}
}

// Complete finishes the session successfully, optionally carrying a warning.
// Idempotent: a session already terminal is left alone and nothing is
// re-broadcast.
func (c *Controller) Complete(sessionID, warning string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.Tracker.Get(sessionID)
	if !ok || entry.Terminal() {
		return
	}
	snap := entry.Complete(warning, c.AutoCloseDelay)
	c.persist(sessionID, store.StatusCompleted, snap)
	c.Broadcaster.Push(broadcast.Event{Type: broadcast.TypeComplete, SessionID: sessionID, Progress: &snap})
	c.scheduleRemoval(sessionID)
	log.Printf("[INFO] session %s completed, %d/%d processed", sessionID, snap.Processed, snap.Total)
}

// Fail finishes the session in an error state. Used for hard failures the
// completed-with-warnings policy does not cover, like emergency reset. Works
// for sessions known only from the store, e.g. rows left by a previous run.
func (c *Controller) Fail(sessionID, msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.Tracker.Get(sessionID)
	if ok && entry.Terminal() {
		return
	}
	var snap tracker.Snapshot
	if ok {
		snap = entry.Fail(msg)
	} else {
		sess, gerr := c.Store.Get(sessionID)
		if gerr != nil || sess.Status.Terminal() {
			return
		}
		snap = sess.Progress
		snap.Error = msg
		snap.Stage = "Failed"
		snap.TimeRemaining = 0
		snap.Timestamp = time.Now().UnixMilli()
	}
	c.persist(sessionID, store.StatusError, snap)
	c.Broadcaster.Push(broadcast.Event{Type: broadcast.TypeError, SessionID: sessionID, Progress: &snap, Error: msg})
	c.scheduleRemoval(sessionID)
	log.Printf("[INFO] session %s failed: %s", sessionID, msg)
}

// scheduleRemoval arms the delayed cleanup for a terminal session. Called
// under lock. Cancel removes immediately and disarms the timer.
func (c *Controller) scheduleRemoval(sessionID string) {
	if t, ok := c.timers[sessionID]; ok {
		t.Stop()
	}
	c.timers[sessionID] = time.AfterFunc(c.RetentionDelay, func() {
		c.mu.Lock()
		delete(c.timers, sessionID)
		delete(c.files, sessionID)
		c.mu.Unlock()
		c.Tracker.Remove(sessionID)
		if err := c.Store.Delete(sessionID); err != nil {
			log.Printf("[WARN] delayed removal of session %s failed: %v", sessionID, err)
		}
	})
}

// Cancel terminates the session's worker and removes all its data immediately,
// the cascade covering derived results, the file artifact and the session row.
// Returns whether any stored data was actually deleted. Safe to repeat and
// safe to race with progress updates, terminal state wins.
func (c *Controller) Cancel(sessionID string) (dataDeleted bool, err error) {
	c.mu.Lock()
	if t, ok := c.timers[sessionID]; ok {
		t.Stop()
		delete(c.timers, sessionID)
	}
	fileID := c.files[sessionID].id
	delete(c.files, sessionID)
	c.mu.Unlock()

	c.Bridge.Cancel(sessionID)

	canceled := false
	if entry, ok := c.Tracker.Get(sessionID); ok && !entry.Terminal() {
		snap := entry.Cancel()
		c.Broadcaster.Push(broadcast.Event{Type: broadcast.TypeCanceled, SessionID: sessionID, Progress: &snap})
		canceled = true
	}
	c.Tracker.Remove(sessionID)

	if fileID == "" { // recover the reference from the store for a cold cancel
		if sess, gerr := c.Store.Get(sessionID); gerr == nil {
			fileID = sess.FileID
		}
	}
	if fileID != "" {
		if dataDeleted, err = c.Store.DeleteFileCascade(fileID); err != nil {
			return false, fmt.Errorf("failed to delete data for session %s: %w", sessionID, err)
		}
	}
	if err = c.Store.Delete(sessionID); err != nil {
		return dataDeleted, err
	}
	if canceled || dataDeleted {
		log.Printf("[INFO] session %s canceled, data deleted: %v", sessionID, dataDeleted)
	}
	return dataDeleted, nil
}

// ResetAll is the emergency cleanup: every worker killed, every active session
// marked failed, all progress state dropped. Always succeeds, individual
// failures are logged and skipped.
func (c *Controller) ResetAll() int {
	killed := c.Bridge.CancelAll()
	log.Printf("[WARN] emergency reset requested, %d workers terminated", killed)

	sessions, err := c.Store.ListActive()
	if err != nil {
		log.Printf("[WARN] reset failed to list active sessions: %v", err)
	}
	for _, sess := range sessions {
		c.Fail(sess.SessionID, "emergency reset")
	}

	c.mu.Lock()
	for id, t := range c.timers {
		t.Stop()
		delete(c.timers, id)
	}
	c.files = make(map[string]fileRef)
	c.mu.Unlock()

	c.Tracker.Clear()
	return len(sessions)
}

// Active returns the current active session, preferring the live in-memory
// snapshot over the persisted one. The store side detects sessions orphaned by
// a server restart. ErrNotFound when nothing is running.
func (c *Controller) Active() (store.Session, error) {
	sess, err := c.Store.GetActive(c.InstanceID)
	if err != nil {
		return store.Session{}, err
	}
	if entry, ok := c.Tracker.Get(sess.SessionID); ok {
		sess.Progress = entry.Snapshot()
	}
	return sess, nil
}

// Snapshot returns the latest progress for a session, falling back to the
// persisted copy when no live entry exists
func (c *Controller) Snapshot(sessionID string) (tracker.Snapshot, error) {
	if entry, ok := c.Tracker.Get(sessionID); ok {
		return entry.Snapshot(), nil
	}
	sess, err := c.Store.Get(sessionID)
	if err != nil {
		return tracker.Snapshot{}, err
	}
	return sess.Progress, nil
}

// Completed reports whether the session reached the completed status, plus the
// current status so clients can converge on errored and canceled ends too.
// Used by the lightweight reconciliation endpoint.
func (c *Controller) Completed(sessionID string) (bool, store.Status, error) {
	sess, err := c.Store.Get(sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return false, "", nil
	}
	if err != nil {
		return false, "", err
	}
	return sess.Status == store.StatusCompleted, sess.Status, nil
}

// Close stops pending removal timers, used on shutdown
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, t := range c.timers {
		t.Stop()
		delete(c.timers, id)
	}
}
