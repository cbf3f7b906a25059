package web

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/progsync/progsync/app/broadcast"
	"github.com/progsync/progsync/app/controller"
	"github.com/progsync/progsync/app/store"
	"github.com/progsync/progsync/app/tracker"
)

type fakeController struct {
	createSnap  tracker.Snapshot
	createErr   error
	cancelData  bool
	cancelErr   error
	active      store.Session
	activeErr   error
	snap        tracker.Snapshot
	snapErr     error
	completed   bool
	status      store.Status
	resetCalled bool
}

func (f *fakeController) Create(context.Context, controller.Request) (tracker.Snapshot, error) {
	return f.createSnap, f.createErr
}
func (f *fakeController) Cancel(string) (bool, error)    { return f.cancelData, f.cancelErr }
func (f *fakeController) ResetAll() int                  { f.resetCalled = true; return 2 }
func (f *fakeController) Active() (store.Session, error) { return f.active, f.activeErr }
func (f *fakeController) Snapshot(string) (tracker.Snapshot, error) {
	return f.snap, f.snapErr
}
func (f *fakeController) Completed(string) (bool, store.Status, error) {
	return f.completed, f.status, nil
}

func testServer(t *testing.T, ctrl Controller) (*Server, *httptest.Server) {
	t.Helper()
	srv, err := New(Config{
		Version:        "test",
		Controller:     ctrl,
		Broadcaster:    broadcast.New(),
		Hub:            broadcast.NewHub(time.Second),
		StreamInterval: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	ts := httptest.NewServer(srv.routes())
	t.Cleanup(ts.Close)
	return srv, ts
}

func TestServer_CreateJob(t *testing.T) {
	ctrl := &fakeController{createSnap: tracker.Snapshot{Total: 100, Stage: "Initializing"}}
	_, ts := testServer(t, ctrl)

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/v1/jobs",
		strings.NewReader(`{"fileName":"data.csv","filePath":"/tmp/data.csv","rowCount":100}`))
	require.NoError(t, err)
	req.Header.Set("X-Session-ID", "s1")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	var snap tracker.Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	assert.Equal(t, 100, snap.Total)
}

func TestServer_CreateJobMissingHeader(t *testing.T) {
	_, ts := testServer(t, &fakeController{})

	resp, err := http.Post(ts.URL+"/api/v1/jobs", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_CreateJobDuplicate(t *testing.T) {
	_, ts := testServer(t, &fakeController{createErr: store.ErrDuplicateSession})

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/v1/jobs", strings.NewReader(`{}`))
	require.NoError(t, err)
	req.Header.Set("X-Session-ID", "s1")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestServer_Active(t *testing.T) {
	ctrl := &fakeController{active: store.Session{SessionID: "s1", Status: store.StatusProcessing,
		Progress: tracker.Snapshot{Processed: 5, Total: 10}}}
	_, ts := testServer(t, ctrl)

	resp, err := http.Get(ts.URL + "/api/v1/jobs/active?sessionId=s1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var res map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	assert.Equal(t, "s1", res["sessionId"])
	assert.Equal(t, "processing", res["status"])
}

func TestServer_ActiveNone(t *testing.T) {
	_, ts := testServer(t, &fakeController{activeErr: store.ErrNotFound})

	resp, err := http.Get(ts.URL + "/api/v1/jobs/active?sessionId=s1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var res map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	assert.Nil(t, res["sessionId"], "null id when nothing is active")
}

func TestServer_CompleteCheck(t *testing.T) {
	_, ts := testServer(t, &fakeController{completed: true, status: store.StatusCompleted})

	resp, err := http.Get(ts.URL + "/api/v1/jobs/complete-check?sessionId=s1")
	require.NoError(t, err)
	defer resp.Body.Close()

	var res map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	assert.Equal(t, true, res["completed"])
	assert.Equal(t, "completed", res["status"])

	resp2, err := http.Get(ts.URL + "/api/v1/jobs/complete-check")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp2.StatusCode, "sessionId required")
}

func TestServer_Cancel(t *testing.T) {
	_, ts := testServer(t, &fakeController{cancelData: true})

	resp, err := http.Post(ts.URL+"/api/v1/jobs/s1/cancel", "application/json", http.NoBody)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var res map[string]bool
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	assert.True(t, res["success"])
	assert.True(t, res["dataDeleted"])
}

func TestServer_ResetAll(t *testing.T) {
	ctrl := &fakeController{}
	_, ts := testServer(t, ctrl)

	resp, err := http.Post(ts.URL+"/api/v1/jobs/reset-all", "application/json", http.NoBody)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, ctrl.resetCalled)

	var res map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	assert.Equal(t, true, res["success"])
	assert.InDelta(t, 2, res["sessions"], 0.01)
}

func TestServer_ResetAllAdminAuth(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	require.NoError(t, err)

	ctrl := &fakeController{}
	srv, err := New(Config{
		Controller:      ctrl,
		Broadcaster:     broadcast.New(),
		AdminPasswdHash: string(hash),
		StreamInterval:  time.Second,
	})
	require.NoError(t, err)
	ts := httptest.NewServer(srv.routes())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/v1/jobs/reset-all", "application/json", http.NoBody)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode, "no password rejected")
	assert.False(t, ctrl.resetCalled)

	// fresh server avoids the emergency endpoint's rate limit
	srv2, err := New(Config{
		Controller:      ctrl,
		Broadcaster:     broadcast.New(),
		AdminPasswdHash: string(hash),
		StreamInterval:  time.Second,
	})
	require.NoError(t, err)
	ts2 := httptest.NewServer(srv2.routes())
	defer ts2.Close()

	req, err := http.NewRequest(http.MethodPost, ts2.URL+"/api/v1/jobs/reset-all", http.NoBody)
	require.NoError(t, err)
	req.Header.Set("X-Admin-Password", "secret")
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)
	assert.True(t, ctrl.resetCalled)
}

func TestServer_EventsStream(t *testing.T) {
	ctrl := &fakeController{snap: tracker.Snapshot{Processed: 7, Total: 10, Stage: "Processing"}}
	srv, ts := testServer(t, ctrl)

	resp, err := http.Get(ts.URL + "/api/v1/jobs/s1/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/x-ndjson", resp.Header.Get("Content-Type"))
	require.Eventually(t, func() bool { return srv.Broadcaster.Count() > 0 }, time.Second, 5*time.Millisecond)

	// pushed event for the session shows up on the stream, other sessions are filtered
	srv.Broadcaster.Push(broadcast.Event{Type: broadcast.TypeProgress, SessionID: "other",
		Progress: &tracker.Snapshot{Processed: 1}})
	srv.Broadcaster.Push(broadcast.Event{Type: broadcast.TypeComplete, SessionID: "s1",
		Progress: &tracker.Snapshot{Processed: 10, Total: 10}})

	scanner := bufio.NewScanner(resp.Body)
	var sawComplete, sawInterval bool
	for i := 0; i < 5 && scanner.Scan(); i++ {
		var ev broadcast.Event
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &ev))
		assert.Equal(t, "s1", ev.SessionID)
		switch ev.Type {
		case broadcast.TypeComplete:
			sawComplete = true
		case broadcast.TypeProgress:
			sawInterval = true
		}
		if sawComplete && sawInterval {
			break
		}
	}
	assert.True(t, sawComplete, "pushed completion delivered")
	assert.True(t, sawInterval, "interval snapshot delivered")
}

func TestServer_EventsHeartbeat(t *testing.T) {
	_, ts := testServer(t, &fakeController{snapErr: store.ErrNotFound})

	resp, err := http.Get(ts.URL + "/api/v1/jobs/unknown/events")
	require.NoError(t, err)
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	require.True(t, scanner.Scan())
	var ev broadcast.Event
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &ev))
	assert.Equal(t, broadcast.TypeHeartbeat, ev.Type, "no job known, heartbeats keep the stream alive")
}

func TestServer_Websocket(t *testing.T) {
	srv, ts := testServer(t, &fakeController{})
	srv.Broadcaster.Register(srv.Hub)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return srv.Hub.Count() == 1 }, time.Second, 10*time.Millisecond)

	srv.Broadcaster.Push(broadcast.Event{Type: broadcast.TypeComplete, SessionID: "s1"})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(msg), `"type":"job_complete"`)
	assert.Contains(t, string(msg), `"sessionId":"s1"`)
}

func TestServer_Ping(t *testing.T) {
	_, ts := testServer(t, &fakeController{})
	resp, err := http.Get(ts.URL + "/ping")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
