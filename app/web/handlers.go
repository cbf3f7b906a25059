package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"time"

	log "github.com/go-pkgz/lgr"

	"github.com/progsync/progsync/app/broadcast"
	"github.com/progsync/progsync/app/controller"
	"github.com/progsync/progsync/app/store"
)

type createJobRequest struct {
	FileName string `json:"fileName"`
	FilePath string `json:"filePath"`
	RowCount int    `json:"rowCount"`
}

// handleCreateJob starts a job for the caller-supplied session id.
// POST /api/v1/jobs, X-Session-ID header required. 202 with the initial
// snapshot, 409 when the session already runs a job.
func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get("X-Session-ID")
	if sessionID == "" {
		s.writeJSONError(w, http.StatusBadRequest, "X-Session-ID header required")
		return
	}

	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.FilePath != "" && !filepath.IsAbs(req.FilePath) {
		req.FilePath = filepath.Join(s.UploadDir, req.FilePath)
	}

	snap, err := s.Controller.Create(r.Context(), controller.Request{
		SessionID: sessionID,
		FileName:  req.FileName,
		FilePath:  req.FilePath,
		RowCount:  req.RowCount,
	})
	if errors.Is(err, store.ErrDuplicateSession) {
		s.writeJSONError(w, http.StatusConflict, "session already has an active job")
		return
	}
	if err != nil {
		log.Printf("[WARN] failed to create job for session %s: %v", sessionID, err)
		s.writeJSONError(w, http.StatusInternalServerError, "failed to create job")
		return
	}
	s.writeJSON(w, http.StatusAccepted, snap)
}

// handleActive returns the current active session or a null id.
// GET /api/v1/jobs/active?sessionId=
func (s *Server) handleActive(w http.ResponseWriter, r *http.Request) {
	sess, err := s.Controller.Active()
	if errors.Is(err, store.ErrNotFound) {
		s.writeJSON(w, http.StatusOK, map[string]any{"sessionId": nil})
		return
	}
	if err != nil {
		log.Printf("[WARN] failed to query active session: %v", err)
		s.writeJSONError(w, http.StatusInternalServerError, "failed to query active session")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"sessionId": sess.SessionID,
		"status":    sess.Status,
		"progress":  sess.Progress,
	})
}

// handleCompleteCheck is the lightweight reconciliation poll.
// GET /api/v1/jobs/complete-check?sessionId=
func (s *Server) handleCompleteCheck(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		s.writeJSONError(w, http.StatusBadRequest, "sessionId query parameter required")
		return
	}
	done, status, err := s.Controller.Completed(sessionID)
	if err != nil {
		log.Printf("[WARN] complete-check failed for session %s: %v", sessionID, err)
		s.writeJSONError(w, http.StatusInternalServerError, "failed to check completion")
		return
	}
	res := map[string]any{"completed": done}
	if status != "" {
		res["status"] = status
	}
	s.writeJSON(w, http.StatusOK, res)
}

// handleCancel terminates the job and deletes its data.
// POST /api/v1/jobs/{id}/cancel
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	dataDeleted, err := s.Controller.Cancel(sessionID)
	if err != nil {
		log.Printf("[WARN] cancel failed for session %s: %v", sessionID, err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]bool{"success": false, "dataDeleted": false})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"success": true, "dataDeleted": dataDeleted})
}

// handleResetAll is the emergency cleanup, always succeeds.
// POST /api/v1/jobs/reset-all
func (s *Server) handleResetAll(w http.ResponseWriter, _ *http.Request) {
	n := s.Controller.ResetAll()
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true, "sessions": n})
}

// handleWebsocket upgrades the connection and attaches it to the completion
// hub. GET /ws
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	if s.Hub == nil {
		s.writeJSONError(w, http.StatusNotImplemented, "websocket broadcast disabled")
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WARN] websocket upgrade failed: %v", err)
		return
	}
	s.Hub.Add(conn)
}

// streamChannel adapts one NDJSON response to the broadcaster. Send never
// blocks; a full buffer means the client can't keep up and the channel is
// dropped from the fan-out.
type streamChannel struct {
	sessionID string
	ch        chan broadcast.Event
}

func (c *streamChannel) Send(ev broadcast.Event) error {
	if ev.SessionID != c.sessionID {
		return nil
	}
	select {
	case c.ch <- ev:
		return nil
	default:
		return errors.New("stream buffer full")
	}
}

// handleEvents serves the long-lived NDJSON progress stream for one session:
// pushed events as they happen, a snapshot line every interval, heartbeats
// when the session has no progress to report.
// GET /api/v1/jobs/{id}/events
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := &streamChannel{sessionID: sessionID, ch: make(chan broadcast.Event, 32)}
	s.Broadcaster.Register(sub)
	defer s.Broadcaster.Unregister(sub)

	enc := json.NewEncoder(w)
	write := func(ev broadcast.Event) bool {
		if err := enc.Encode(ev); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	ticker := time.NewTicker(s.StreamInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-sub.ch:
			if !write(ev) {
				return
			}
		case <-ticker.C:
			snap, err := s.Controller.Snapshot(sessionID)
			ev := broadcast.Event{Type: broadcast.TypeProgress, SessionID: sessionID,
				Progress: &snap, Timestamp: time.Now().UnixMilli()}
			if err != nil { // no job known for the id, keep the connection warm
				ev = broadcast.Event{Type: broadcast.TypeHeartbeat, SessionID: sessionID,
					Timestamp: time.Now().UnixMilli()}
			}
			if !write(ev) {
				return
			}
		}
	}
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("[WARN] failed to encode JSON response: %v", err)
	}
}

// writeJSONError writes a JSON error response
func (s *Server) writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]string{"error": message}); err != nil {
		log.Printf("[WARN] failed to encode JSON error response: %v", err)
	}
}
