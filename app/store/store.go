// Package store provides sqlite-backed persistence for upload sessions, their
// file artifacts with derived result rows, and the daily usage counter. The
// session table is the authoritative source of job state across restarts.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/jmoiron/sqlx"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/progsync/progsync/app/tracker"
)

// Status of a session. Terminal statuses are immutable until deletion.
type Status string

// session statuses
const (
	StatusActive     Status = "active"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
	StatusCanceled   Status = "canceled"
)

// Terminal reports whether the status allows no further progress mutation
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError || s == StatusCanceled
}

// sentinel errors
var (
	ErrNotFound         = errors.New("not found")
	ErrDuplicateSession = errors.New("duplicate session")
	ErrTerminal         = errors.New("session in terminal state")
)

// Session is a persisted job session record
type Session struct {
	SessionID        string           `json:"sessionId"`
	Status           Status           `json:"status"`
	Progress         tracker.Snapshot `json:"progress"`
	FileID           string           `json:"fileId,omitempty"`
	ServerInstanceID string           `json:"-"`
	CreatedAt        time.Time        `json:"createdAt"`
	UpdatedAt        time.Time        `json:"updatedAt"`
}

// sessionRow is the sqlx scanning shape for the sessions table
type sessionRow struct {
	SessionID        string         `db:"session_id"`
	Status           string         `db:"status"`
	Progress         string         `db:"progress"`
	FileID           sql.NullString `db:"file_id"`
	ServerInstanceID string         `db:"server_instance_id"`
	CreatedAt        int64          `db:"created_at"`
	UpdatedAt        int64          `db:"updated_at"`
}

func (r sessionRow) toSession() Session {
	res := Session{
		SessionID:        r.SessionID,
		Status:           Status(r.Status),
		ServerInstanceID: r.ServerInstanceID,
		CreatedAt:        time.Unix(r.CreatedAt, 0),
		UpdatedAt:        time.Unix(r.UpdatedAt, 0),
	}
	if r.FileID.Valid {
		res.FileID = r.FileID.String
	}
	if r.Progress != "" {
		if err := json.Unmarshal([]byte(r.Progress), &res.Progress); err != nil {
			log.Printf("[WARN] failed to decode progress for session %s: %v", r.SessionID, err)
		}
	}
	return res
}

// Store implements persistence using SQLite
type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

// New opens the database and initializes the schema
func New(dbPath string) (*Store, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to set WAL mode: %w (also failed to close db: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}

	s := &Store{db: db, now: time.Now}
	if err := s.initialize(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to init schema: %w (also failed to close db: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to init schema: %w", err)
	}
	return s, nil
}

func (s *Store) initialize() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			progress TEXT,
			file_id TEXT,
			server_instance_id TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_updated_at ON sessions(updated_at)`,
		`CREATE TABLE IF NOT EXISTS files (
			file_id TEXT PRIMARY KEY,
			session_id TEXT,
			name TEXT,
			row_count INTEGER DEFAULT 0,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS results (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			file_id TEXT NOT NULL,
			batch_number INTEGER,
			payload TEXT,
			created_at INTEGER NOT NULL,
			FOREIGN KEY (file_id) REFERENCES files(file_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_results_file_id ON results(file_id)`,
		`CREATE TABLE IF NOT EXISTS usage_counters (
			day TEXT PRIMARY KEY,
			row_count INTEGER NOT NULL,
			last_reset INTEGER NOT NULL
		)`,
	}

	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("failed to execute query: %w", err)
		}
	}
	return nil
}

// Create inserts a new session row. A live (non-terminal) row with the same id
// fails with ErrDuplicateSession; a leftover terminal row not yet reaped is
// replaced.
func (s *Store) Create(sess Session) error {
	existing, err := s.Get(sess.SessionID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if err == nil {
		if !existing.Status.Terminal() {
			return fmt.Errorf("session %s: %w", sess.SessionID, ErrDuplicateSession)
		}
		if err := s.Delete(sess.SessionID); err != nil {
			return err
		}
	}

	now := s.now().Unix()
	progress, err := json.Marshal(sess.Progress)
	if err != nil {
		return fmt.Errorf("failed to encode progress: %w", err)
	}
	_, err = s.db.Exec(`INSERT INTO sessions
		(session_id, status, progress, file_id, server_instance_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sess.SessionID, string(sess.Status), string(progress), nullable(sess.FileID),
		sess.ServerInstanceID, now, now)
	if err != nil {
		if isDuplicateErr(err) { // another writer got past the read check first
			return fmt.Errorf("session %s: %w", sess.SessionID, ErrDuplicateSession)
		}
		return fmt.Errorf("failed to create session %s: %w", sess.SessionID, err)
	}
	return nil
}

// isDuplicateErr reports whether the error is a sqlite constraint violation,
// i.e. an insert hit an existing primary key
func isDuplicateErr(err error) bool {
	var serr *sqlite.Error
	return errors.As(err, &serr) && serr.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
}

// Get returns the session by id
func (s *Store) Get(sessionID string) (Session, error) {
	var row sessionRow
	err := s.db.Get(&row, `SELECT session_id, status, progress, file_id, server_instance_id,
		created_at, updated_at FROM sessions WHERE session_id = ?`, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("failed to get session %s: %w", sessionID, err)
	}
	return row.toSession(), nil
}

// Update persists status, progress and file reference for a session. Rows
// already in a terminal state are immutable, ErrTerminal is returned and the
// row left untouched.
func (s *Store) Update(sess Session) error {
	current, err := s.Get(sess.SessionID)
	if err != nil {
		return err
	}
	if current.Status.Terminal() {
		return fmt.Errorf("session %s: %w", sess.SessionID, ErrTerminal)
	}

	progress, err := json.Marshal(sess.Progress)
	if err != nil {
		return fmt.Errorf("failed to encode progress: %w", err)
	}
	_, err = s.db.Exec(`UPDATE sessions SET status = ?, progress = ?, file_id = ?, updated_at = ?
		WHERE session_id = ?`,
		string(sess.Status), string(progress), nullable(sess.FileID), s.now().Unix(), sess.SessionID)
	if err != nil {
		return fmt.Errorf("failed to update session %s: %w", sess.SessionID, err)
	}
	return nil
}

// Delete removes a session row. Missing row is not an error.
func (s *Store) Delete(sessionID string) error {
	if _, err := s.db.Exec(`DELETE FROM sessions WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("failed to delete session %s: %w", sessionID, err)
	}
	return nil
}

// GetActive returns the single non-terminal session, most recently updated
// wins. A session created by a different server instance is orphaned - its
// worker died with that process - so it is transitioned to completed with the
// restart flag set instead of pretending to resume. Returns ErrNotFound when
// nothing is active.
func (s *Store) GetActive(instanceID string) (Session, error) {
	var row sessionRow
	err := s.db.Get(&row, `SELECT session_id, status, progress, file_id, server_instance_id,
		created_at, updated_at FROM sessions
		WHERE status NOT IN ('completed', 'error', 'canceled')
		ORDER BY updated_at DESC LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("failed to query active session: %w", err)
	}

	sess := row.toSession()
	if sess.ServerInstanceID != instanceID {
		log.Printf("[WARN] session %s created by another instance (%s), marking orphaned",
			sess.SessionID, sess.ServerInstanceID)
		sess.Status = StatusCompleted
		sess.Progress.ServerRestartDetected = true
		sess.Progress.Stage = "Analysis complete"
		if sess.Progress.Total > 0 {
			sess.Progress.Processed = sess.Progress.Total
		}
		progress, merr := json.Marshal(sess.Progress)
		if merr != nil {
			return Session{}, fmt.Errorf("failed to encode progress: %w", merr)
		}
		if _, uerr := s.db.Exec(`UPDATE sessions SET status = ?, progress = ?, updated_at = ?
			WHERE session_id = ?`,
			string(StatusCompleted), string(progress), s.now().Unix(), sess.SessionID); uerr != nil {
			return Session{}, fmt.Errorf("failed to mark session %s orphaned: %w", sess.SessionID, uerr)
		}
	}
	return sess, nil
}

// ListActive returns all non-terminal sessions
func (s *Store) ListActive() ([]Session, error) {
	var rows []sessionRow
	err := s.db.Select(&rows, `SELECT session_id, status, progress, file_id, server_instance_id,
		created_at, updated_at FROM sessions
		WHERE status NOT IN ('completed', 'error', 'canceled') ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list active sessions: %w", err)
	}
	res := make([]Session, 0, len(rows))
	for _, r := range rows {
		res = append(res, r.toSession())
	}
	return res, nil
}

// IDs returns ids of all session rows, used by the reaper for orphan cleanup
func (s *Store) IDs() ([]string, error) {
	var ids []string
	if err := s.db.Select(&ids, `SELECT session_id FROM sessions`); err != nil {
		return nil, fmt.Errorf("failed to list session ids: %w", err)
	}
	return ids, nil
}

// DeleteTerminalOlderThan removes terminal sessions not updated since the
// cutoff and returns the ids removed
func (s *Store) DeleteTerminalOlderThan(cutoff time.Time) ([]string, error) {
	var ids []string
	err := s.db.Select(&ids, `SELECT session_id FROM sessions
		WHERE status IN ('completed', 'error', 'canceled') AND updated_at < ?`, cutoff.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to select stale sessions: %w", err)
	}
	for _, id := range ids {
		if err := s.Delete(id); err != nil {
			log.Printf("[WARN] failed to delete stale session %s: %v", id, err)
		}
	}
	return ids, nil
}

// CreateFile registers an uploaded file artifact for a session
func (s *Store) CreateFile(fileID, sessionID, name string, rowCount int) error {
	_, err := s.db.Exec(`INSERT INTO files (file_id, session_id, name, row_count, created_at)
		VALUES (?, ?, ?, ?, ?)`, fileID, sessionID, name, rowCount, s.now().Unix())
	if err != nil {
		return fmt.Errorf("failed to create file %s: %w", fileID, err)
	}
	return nil
}

// SaveBatchResults appends derived rows of a completed batch in one transaction.
// Partial results persisted here survive a later worker failure.
func (s *Store) SaveBatchResults(fileID string, batch tracker.BatchResult) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	now := s.now().Unix()
	for _, rec := range batch.Results {
		if _, err := tx.Exec(`INSERT INTO results (file_id, batch_number, payload, created_at)
			VALUES (?, ?, ?, ?)`, fileID, batch.BatchNumber, string(rec), now); err != nil {
			return fmt.Errorf("failed to save batch %d result for file %s: %w", batch.BatchNumber, fileID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit batch results: %w", err)
	}
	return nil
}

// ResultCount returns the number of derived rows stored for a file
func (s *Store) ResultCount(fileID string) (int, error) {
	var n int
	if err := s.db.Get(&n, `SELECT COUNT(*) FROM results WHERE file_id = ?`, fileID); err != nil {
		return 0, fmt.Errorf("failed to count results for file %s: %w", fileID, err)
	}
	return n, nil
}

// DeleteFileCascade removes derived result rows first, then the file row.
// Returns true if anything was actually deleted, so a repeated cancellation
// can report that no data was removed twice.
func (s *Store) DeleteFileCascade(fileID string) (bool, error) {
	if fileID == "" {
		return false, nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	if _, err := tx.Exec(`DELETE FROM results WHERE file_id = ?`, fileID); err != nil {
		return false, fmt.Errorf("failed to delete results for file %s: %w", fileID, err)
	}
	res, err := tx.Exec(`DELETE FROM files WHERE file_id = ?`, fileID)
	if err != nil {
		return false, fmt.Errorf("failed to delete file %s: %w", fileID, err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit file deletion: %w", err)
	}
	return deleted > 0, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
