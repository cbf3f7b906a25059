package store

import (
	"errors"
	"fmt"
	"time"

	log "github.com/go-pkgz/lgr"

	"database/sql"
)

// Quota persists the per-UTC-day processed row counter. The counter rolls over
// at midnight UTC: the first increment of a new day resets the count to the
// increment amount, not to zero.
type Quota struct {
	store      *Store
	DailyLimit int
	HardCap    int // ceiling absorbing corrupted counters
	now        func() time.Time
}

// NewQuota makes a quota service on top of the store's database
func NewQuota(store *Store, dailyLimit, hardCap int) *Quota {
	if hardCap <= 0 {
		hardCap = 10 * dailyLimit
	}
	return &Quota{store: store, DailyLimit: dailyLimit, HardCap: hardCap, now: store.now}
}

// counter is the single persisted usage row
type counter struct {
	Day       string `db:"day"`
	RowCount  int    `db:"row_count"`
	LastReset int64  `db:"last_reset"`
}

func (q *Quota) today() string {
	return q.now().UTC().Format("2006-01-02")
}

func (q *Quota) load() (counter, error) {
	var c counter
	err := q.store.db.Get(&c, `SELECT day, row_count, last_reset FROM usage_counters
		ORDER BY last_reset DESC LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return counter{Day: q.today()}, nil
	}
	if err != nil {
		return counter{}, fmt.Errorf("failed to load usage counter: %w", err)
	}
	return c, nil
}

func (q *Quota) save(c counter) error {
	_, err := q.store.db.Exec(`INSERT INTO usage_counters (day, row_count, last_reset)
		VALUES (?, ?, ?)
		ON CONFLICT(day) DO UPDATE SET row_count = excluded.row_count, last_reset = excluded.last_reset`,
		c.Day, c.RowCount, c.LastReset)
	if err != nil {
		return fmt.Errorf("failed to save usage counter: %w", err)
	}
	return nil
}

// IncrementRowCount adds n processed rows to today's counter. Negative and
// fractional inputs are clamped to a minimum whole increment of 1. When the
// stored day differs from the current UTC day the counter resets to the
// increment amount. The result is capped at the hard ceiling.
func (q *Quota) IncrementRowCount(n int) error {
	if n < 1 {
		log.Printf("[WARN] invalid row increment %d, clamped to 1", n)
		n = 1
	}

	c, err := q.load()
	if err != nil {
		return err
	}

	today := q.today()
	if c.Day != today {
		c = counter{Day: today, RowCount: n}
	} else {
		c.RowCount += n
	}
	if c.RowCount > q.HardCap {
		log.Printf("[WARN] usage counter %d over hard cap %d, capping", c.RowCount, q.HardCap)
		c.RowCount = q.HardCap
	}
	c.LastReset = q.now().Unix()
	return q.save(c)
}

// Used returns today's consumed row count after the day-rollover check
func (q *Quota) Used() (int, error) {
	c, err := q.load()
	if err != nil {
		return 0, err
	}
	if c.Day != q.today() {
		return 0, nil
	}
	return c.RowCount, nil
}

// ProcessableRowCount returns how many of the requested rows fit in today's
// remaining allowance. A request over quota is partially served, never
// rejected outright.
func (q *Quota) ProcessableRowCount(requested int) (int, error) {
	if requested <= 0 {
		return 0, nil
	}
	used, err := q.Used()
	if err != nil {
		return 0, err
	}
	remaining := q.DailyLimit - used
	if remaining <= 0 {
		return 0, nil
	}
	if requested < remaining {
		return requested, nil
	}
	return remaining, nil
}
