// Package worker spawns and monitors the external analysis process. Raw output
// lines are parsed at this boundary only; everything downstream consumes typed
// events from the channel returned by Run.
package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	log "github.com/go-pkgz/lgr"

	"github.com/progsync/progsync/app/tracker"
)

// Event is a single typed message from a running worker. Exactly one of the
// payload fields is set.
type Event struct {
	SessionID string
	Progress  *tracker.Progress
	Batch     *tracker.BatchResult
	Result    json.RawMessage // final result payload, sent once before the channel closes
	Err       error           // *Failure on abnormal termination
}

// Failure reports a worker process exiting with a non-zero code
type Failure struct {
	ExitCode int
	Stderr   string // captured tail of stderr for diagnostics
}

func (f *Failure) Error() string {
	return fmt.Sprintf("worker exited with code %d", f.ExitCode)
}

// Repeater retries failed function
type Repeater interface {
	Do(ctx context.Context, fun func() error, errs ...error) (err error)
}

// Bridge runs worker processes, one per session, and tracks them for
// cancellation
type Bridge struct {
	Command    string      // command template, {file} replaced with the input path
	TailLines  int         // stderr lines kept for failure diagnostics
	Conditions *Conditions // optional pre-spawn system load gate
	Repeater   Repeater    // optional retry for process startup

	mu    sync.Mutex
	procs map[string]*exec.Cmd
}

// New makes a bridge for the given command template
func New(command string, tailLines int) *Bridge {
	if tailLines <= 0 {
		tailLines = 50
	}
	return &Bridge{Command: command, TailLines: tailLines, procs: make(map[string]*exec.Cmd)}
}

// Run spawns the worker for a session and returns its event channel. The
// channel delivers progress and batch events while the process runs and is
// closed after the terminal Result or Err event.
func (b *Bridge) Run(ctx context.Context, sessionID, file string) (<-chan Event, error) {
	if b.Conditions != nil && !b.Conditions.wait(ctx, sessionID) {
		return nil, fmt.Errorf("conditions not met for session %s", sessionID)
	}

	command := strings.ReplaceAll(b.Command, "{file}", file)
	cmd := exec.Command("sh", "-c", command) //nolint:gosec // command comes from operator config

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to get stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to get stderr pipe: %w", err)
	}

	start := func() error {
		if e := cmd.Start(); e != nil {
			return fmt.Errorf("failed to start worker %q: %w", command, e)
		}
		return nil
	}
	if b.Repeater != nil {
		err = b.Repeater.Do(ctx, start)
	} else {
		err = start()
	}
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	b.procs[sessionID] = cmd
	b.mu.Unlock()
	log.Printf("[INFO] worker started for session %s, pid %d", sessionID, cmd.Process.Pid)

	ch := make(chan Event, 64)
	tail := newTail(b.TailLines)
	var result json.RawMessage

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		b.scanStderr(sessionID, stderr, tail, ch)
	}()
	go func() {
		defer wg.Done()
		result = b.scanStdout(sessionID, stdout, ch)
	}()

	go func() {
		wg.Wait()
		werr := cmd.Wait()

		b.mu.Lock()
		delete(b.procs, sessionID)
		b.mu.Unlock()

		if werr != nil {
			code := 1
			var exitErr *exec.ExitError
			if errors.As(werr, &exitErr) {
				code = exitErr.ExitCode()
			}
			log.Printf("[WARN] worker for session %s failed with code %d", sessionID, code)
			ch <- Event{SessionID: sessionID, Err: &Failure{ExitCode: code, Stderr: tail.String()}}
		} else {
			ch <- Event{SessionID: sessionID, Result: result}
		}
		close(ch)
	}()

	return ch, nil
}

// scanStderr parses progress markers from the worker's stderr and keeps a tail
// for failure reports
func (b *Bridge) scanStderr(sessionID string, r io.Reader, tail *tailBuffer, ch chan<- Event) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		tail.Add(line)
		if p, ok := tracker.ParseProgress(line); ok {
			ch <- Event{SessionID: sessionID, Progress: &p}
			continue
		}
		if strings.Contains(line, "PROGRESS:") {
			// marker present but payload unusable, keep last known good state
			log.Printf("[DEBUG] unparseable progress line for session %s: %q", sessionID, line)
		}
	}
	if err := scanner.Err(); err != nil {
		log.Printf("[WARN] stderr scan failed for session %s: %v", sessionID, err)
	}
}

// scanStdout parses batch completion markers and remembers the last JSON line
// as the candidate final result
func (b *Bridge) scanStdout(sessionID string, r io.Reader, ch chan<- Event) json.RawMessage {
	var result json.RawMessage
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if batch, ok := tracker.ParseBatch(line); ok {
			ch <- Event{SessionID: sessionID, Batch: &batch}
			continue
		}
		if p, ok := tracker.ParseProgress(line); ok {
			ch <- Event{SessionID: sessionID, Progress: &p}
			continue
		}
		if trimmed := strings.TrimSpace(line); strings.HasPrefix(trimmed, "{") && json.Valid([]byte(trimmed)) {
			result = json.RawMessage(trimmed)
		}
	}
	if err := scanner.Err(); err != nil {
		log.Printf("[WARN] stdout scan failed for session %s: %v", sessionID, err)
	}
	return result
}

// Cancel sends a termination signal to the worker tracked for the session.
// Returns false if no process is tracked.
func (b *Bridge) Cancel(sessionID string) bool {
	b.mu.Lock()
	cmd, ok := b.procs[sessionID]
	b.mu.Unlock()
	if !ok || cmd.Process == nil {
		return false
	}
	log.Printf("[INFO] terminating worker for session %s, pid %d", sessionID, cmd.Process.Pid)
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		log.Printf("[WARN] failed to signal worker for session %s: %v", sessionID, err)
		return false
	}
	return true
}

// CancelAll terminates every tracked worker, used by emergency reset. Returns
// the number of processes signaled.
func (b *Bridge) CancelAll() int {
	b.mu.Lock()
	ids := make([]string, 0, len(b.procs))
	for id := range b.procs {
		ids = append(ids, id)
	}
	b.mu.Unlock()

	n := 0
	for _, id := range ids {
		if b.Cancel(id) {
			n++
		}
	}
	return n
}

// Running returns the number of tracked worker processes
func (b *Bridge) Running() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.procs)
}
