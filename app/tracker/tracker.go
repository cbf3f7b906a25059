// Package tracker keeps per-session progress state. Each session gets its own
// Entry owned by a registry; all mutations for a session go through the entry's
// lock so a snapshot is never assembled from interleaved updates.
package tracker

import (
	"math"
	"sync"
	"time"
)

// DefaultBatchResetBound is the raw-counter value at or below which a drop from
// the previous peak is treated as a batch restart rather than a parsing anomaly.
const DefaultBatchResetBound = 5

// DefaultSpeedMax caps reported records/sec to a sane range
const DefaultSpeedMax = 1000.0

// etaJitterBound allows time remaining to grow by this much between snapshots
// before the previous value is held instead, to avoid visible back-and-forth
const etaJitterBound = 2.0

// Stats holds aggregate processing counters for a session
type Stats struct {
	SuccessCount int     `json:"successCount"`
	ErrorCount   int     `json:"errorCount"`
	AverageSpeed float64 `json:"averageSpeed"`
}

// Snapshot is the latest known progress of a session at a point in time.
// Timestamp is wall clock in milliseconds, used by clients for ordering only.
type Snapshot struct {
	Processed             int     `json:"processed"`
	Total                 int     `json:"total"`
	Stage                 string  `json:"stage"`
	BatchNumber           int     `json:"batchNumber,omitempty"`
	TotalBatches          int     `json:"totalBatches,omitempty"`
	BatchProgress         int     `json:"batchProgress,omitempty"`
	CurrentSpeed          float64 `json:"currentSpeed,omitempty"`
	TimeRemaining         float64 `json:"timeRemaining,omitempty"`
	Stats                 Stats   `json:"processingStats"`
	Timestamp             int64   `json:"timestamp"`
	Error                 string  `json:"error,omitempty"`
	Warning               string  `json:"warning,omitempty"`
	AutoCloseDelay        int64   `json:"autoCloseDelay,omitempty"`
	ServerRestartDetected bool    `json:"serverRestartDetected,omitempty"`
}

// Percent returns completion percentage, 0 if total is unknown
func (s Snapshot) Percent() int {
	if s.Total <= 0 {
		return 0
	}
	return int(math.Min(100, float64(s.Processed)*100/float64(s.Total)))
}

// Update is a single structured progress report from the worker
type Update struct {
	Processed    int
	Total        int
	Stage        string
	BatchNumber  int
	TotalBatches int
}

// Registry hands out per-session entries. Thread safe.
type Registry struct {
	mu         sync.Mutex
	entries    map[string]*Entry
	resetBound int
	speedMax   float64
	now        func() time.Time
}

// New makes a registry. resetBound <= 0 falls back to DefaultBatchResetBound,
// speedMax <= 0 to DefaultSpeedMax.
func New(resetBound int, speedMax float64) *Registry {
	if resetBound <= 0 {
		resetBound = DefaultBatchResetBound
	}
	if speedMax <= 0 {
		speedMax = DefaultSpeedMax
	}
	return &Registry{
		entries:    make(map[string]*Entry),
		resetBound: resetBound,
		speedMax:   speedMax,
		now:        time.Now,
	}
}

// Create makes a new entry for the session, replacing any previous one
func (r *Registry) Create(sessionID string, total int) *Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := &Entry{
		resetBound: r.resetBound,
		speedMax:   r.speedMax,
		now:        r.now,
		startedAt:  r.now(),
	}
	e.snap = Snapshot{Total: total, Stage: "Initializing", Timestamp: r.now().UnixMilli()}
	r.entries[sessionID] = e
	return e
}

// Get returns the entry for a session if present
func (r *Registry) Get(sessionID string) (*Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[sessionID]
	return e, ok
}

// Remove drops the entry for a session. Safe to call multiple times.
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, sessionID)
}

// IDs returns ids of all tracked sessions
func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	res := make([]string, 0, len(r.entries))
	for id := range r.entries {
		res = append(res, id)
	}
	return res
}

// Clear drops all entries, used by emergency reset
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[string]*Entry)
}

// Entry owns progress state for a single session. The worker's raw counter is
// batch-local and legitimately resets to a small number when a new batch starts;
// the entry accumulates completed batches in base and reports base+peak so the
// externally visible count never goes backward.
type Entry struct {
	mu         sync.Mutex
	snap       Snapshot
	base       int // accumulated count carried over from completed batches
	peak       int // highest raw counter seen in the current batch
	terminal   bool
	resetBound int
	speedMax   float64
	now        func() time.Time
	startedAt  time.Time
	lastApply  time.Time
	lastCount  int
	lastETA    float64
}

// Snapshot returns a copy of the current state
func (e *Entry) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snap
}

// Terminal reports whether the entry reached a final state
func (e *Entry) Terminal() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.terminal
}

// Apply merges a structured update into the entry and returns the resulting
// snapshot. Updates arriving after a terminal transition are discarded.
func (e *Entry) Apply(upd Update) (Snapshot, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.terminal {
		return e.snap, false
	}

	if upd.Total > 0 {
		e.snap.Total = upd.Total
	}
	if upd.Stage != "" {
		e.snap.Stage = upd.Stage
	}
	batchTransition := false
	if upd.BatchNumber > 0 && upd.BatchNumber != e.snap.BatchNumber {
		batchTransition = true
		e.snap.BatchNumber = upd.BatchNumber
	}
	if upd.TotalBatches > 0 {
		e.snap.TotalBatches = upd.TotalBatches
	}

	raw := upd.Processed
	if raw < 0 {
		raw = 0
	}
	switch {
	case raw < e.peak && raw <= e.resetBound:
		// new batch starting, carry the finished batch's peak into the base.
		// the triggering report itself is absorbed into the carried count, the
		// next raw counter picks up from the restarted batch.
		e.base += e.peak
		e.peak = 0
		batchTransition = true
	case raw < e.peak:
		// counter went backward above the reset bound - parsing anomaly, keep prior value
	default:
		e.peak = raw
	}

	cum := e.base + e.peak
	if e.snap.Total > 0 && cum > e.snap.Total {
		cum = e.snap.Total
	}
	if cum > e.snap.Processed { // external count is monotonically non-decreasing
		e.snap.Processed = cum
	}

	e.updateRates(batchTransition)
	e.updateBatchProgress()
	e.snap.Timestamp = e.now().UnixMilli()
	return e.snap, true
}

// updateRates recomputes speed and time remaining. Called under lock.
func (e *Entry) updateRates(batchTransition bool) {
	now := e.now()
	if !e.lastApply.IsZero() {
		dt := now.Sub(e.lastApply).Seconds()
		if dt > 0 && e.snap.Processed > e.lastCount {
			speed := float64(e.snap.Processed-e.lastCount) / dt
			if speed > e.speedMax {
				speed = e.speedMax
			}
			e.snap.CurrentSpeed = speed
		}
	}
	e.lastApply = now
	e.lastCount = e.snap.Processed

	elapsed := now.Sub(e.startedAt).Seconds()
	if elapsed > 0 && e.snap.Processed > 0 {
		avg := float64(e.snap.Processed) / elapsed
		if avg > e.speedMax {
			avg = e.speedMax
		}
		e.snap.Stats.AverageSpeed = avg
	}

	speed := e.snap.CurrentSpeed
	if speed == 0 {
		speed = e.snap.Stats.AverageSpeed
	}
	if speed > 0 && e.snap.Total > 0 {
		eta := float64(e.snap.Total-e.snap.Processed) / speed
		// hold the previous estimate unless a batch boundary explains the growth
		if e.lastETA > 0 && eta > e.lastETA+etaJitterBound && !batchTransition {
			eta = e.lastETA
		}
		e.snap.TimeRemaining = eta
		e.lastETA = eta
	}
}

// updateBatchProgress derives 0-100 progress within the current batch. Called under lock.
func (e *Entry) updateBatchProgress() {
	if e.snap.Total <= 0 || e.snap.TotalBatches <= 0 {
		return
	}
	batchSize := (e.snap.Total + e.snap.TotalBatches - 1) / e.snap.TotalBatches
	if batchSize <= 0 {
		return
	}
	p := e.peak * 100 / batchSize
	if p > 100 {
		p = 100
	}
	e.snap.BatchProgress = p
}

// RecordResult bumps success/error counters from a processed record
func (e *Entry) RecordResult(ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.terminal {
		return
	}
	if ok {
		e.snap.Stats.SuccessCount++
	} else {
		e.snap.Stats.ErrorCount++
	}
}

// Complete freezes the entry in its final successful state with processed
// pinned to total. Warning carries the absorbed failure detail if any.
// Repeated calls return the frozen snapshot without changes.
func (e *Entry) Complete(warning string, autoClose time.Duration) Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.terminal {
		return e.snap
	}
	e.terminal = true
	if e.snap.Total > 0 {
		e.snap.Processed = e.snap.Total
	}
	e.snap.Stage = "Analysis complete"
	e.snap.BatchProgress = 100
	e.snap.TimeRemaining = 0
	e.snap.Warning = warning
	e.snap.AutoCloseDelay = autoClose.Milliseconds()
	e.snap.Timestamp = e.now().UnixMilli()
	return e.snap
}

// Fail freezes the entry in a failed state
func (e *Entry) Fail(msg string) Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.terminal {
		return e.snap
	}
	e.terminal = true
	e.snap.Error = msg
	e.snap.Stage = "Failed"
	e.snap.TimeRemaining = 0
	e.snap.Timestamp = e.now().UnixMilli()
	return e.snap
}

// Cancel freezes the entry after user cancellation
func (e *Entry) Cancel() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.terminal {
		return e.snap
	}
	e.terminal = true
	e.snap.Stage = "Canceled"
	e.snap.TimeRemaining = 0
	e.snap.Timestamp = e.now().UnixMilli()
	return e.snap
}
