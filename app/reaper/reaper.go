// Package reaper periodically removes leftovers: terminal sessions past the
// retention window, stale temp upload files, and progress entries whose
// session row is gone.
package reaper

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/syncs"
	"github.com/robfig/cron/v3"
)

// Store is the persistence surface the reaper needs
type Store interface {
	DeleteTerminalOlderThan(cutoff time.Time) ([]string, error)
	IDs() ([]string, error)
}

// Tracker is the in-memory progress registry surface
type Tracker interface {
	IDs() []string
	Remove(sessionID string)
}

// Reaper sweeps stale state on a cron schedule
type Reaper struct {
	Store   Store
	Tracker Tracker

	TempDir    string        // directory with uploaded temp files, empty disables the file sweep
	SessionAge time.Duration // terminal sessions older than this are removed
	TempMaxAge time.Duration // temp files older than this are removed
	Concurrent int           // parallel sweep branches

	now func() time.Time
}

// New makes a reaper with the given retention windows
func New(st Store, tr Tracker, tempDir string, sessionAge, tempMaxAge time.Duration) *Reaper {
	if sessionAge <= 0 {
		sessionAge = time.Hour
	}
	if tempMaxAge <= 0 {
		tempMaxAge = 24 * time.Hour
	}
	return &Reaper{Store: st, Tracker: tr, TempDir: tempDir,
		SessionAge: sessionAge, TempMaxAge: tempMaxAge, Concurrent: 3, now: time.Now}
}

// Run schedules sweeps with the given cron spec (typically "@every 5m") and
// blocks until the context is canceled
func (r *Reaper) Run(ctx context.Context, schedule string) error {
	c := cron.New()
	if _, err := c.AddFunc(schedule, func() { r.Sweep(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule reaper %q: %w", schedule, err)
	}
	c.Start()
	log.Printf("[INFO] reaper started, schedule %q, session age %v, temp age %v",
		schedule, r.SessionAge, r.TempMaxAge)

	<-ctx.Done()
	<-c.Stop().Done()
	log.Printf("[INFO] reaper stopped")
	return ctx.Err()
}

// Sweep runs all cleanup branches once, in parallel
func (r *Reaper) Sweep(ctx context.Context) {
	gr := syncs.NewSizedGroup(r.Concurrent, syncs.Context(ctx))
	gr.Go(func(context.Context) { r.sweepSessions() })
	gr.Go(func(context.Context) { r.sweepTempFiles() })
	gr.Go(func(context.Context) { r.sweepOrphanEntries() })
	gr.Wait()
}

// sweepSessions removes terminal sessions past retention, dropping their
// progress entries with them
func (r *Reaper) sweepSessions() {
	ids, err := r.Store.DeleteTerminalOlderThan(r.now().Add(-r.SessionAge))
	if err != nil {
		log.Printf("[WARN] session sweep failed: %v", err)
		return
	}
	for _, id := range ids {
		r.Tracker.Remove(id)
	}
	if len(ids) > 0 {
		log.Printf("[INFO] reaped %d stale sessions", len(ids))
	}
}

// sweepTempFiles removes old files from the upload temp directory. Directories
// and dotfiles are left alone.
func (r *Reaper) sweepTempFiles() {
	if r.TempDir == "" {
		return
	}
	entries, err := os.ReadDir(r.TempDir)
	if err != nil {
		log.Printf("[WARN] can't read temp dir %s: %v", r.TempDir, err)
		return
	}

	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		finfo, err := entry.Info()
		if err != nil {
			log.Printf("[WARN] can't stat temp file %s: %v", entry.Name(), err)
			continue
		}
		if finfo.ModTime().Add(r.TempMaxAge).After(r.now()) {
			continue
		}
		fname := path.Join(r.TempDir, finfo.Name())
		if err := os.Remove(fname); err != nil {
			log.Printf("[WARN] can't delete temp file %s: %v", fname, err)
			continue
		}
		log.Printf("[DEBUG] removed stale temp file %s", fname)
		removed++
	}
	if removed > 0 {
		log.Printf("[INFO] reaped %d stale temp files", removed)
	}
}

// sweepOrphanEntries drops progress entries whose session row no longer
// exists, e.g. after an out-of-band database cleanup
func (r *Reaper) sweepOrphanEntries() {
	stored, err := r.Store.IDs()
	if err != nil {
		log.Printf("[WARN] orphan sweep failed: %v", err)
		return
	}
	known := make(map[string]struct{}, len(stored))
	for _, id := range stored {
		known[id] = struct{}{}
	}
	for _, id := range r.Tracker.IDs() {
		if _, ok := known[id]; !ok {
			log.Printf("[DEBUG] dropping orphaned progress entry %s", id)
			r.Tracker.Remove(id)
		}
	}
}
