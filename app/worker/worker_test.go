package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collectEvents(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var events []Event
	deadline := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-deadline:
			t.Fatal("timed out waiting for worker events")
		}
	}
}

func TestBridge_RunHappyPath(t *testing.T) {
	script := `echo 'PROGRESS:{"processed": 1, "total": 3, "stage": "Loading CSV file"}::END_PROGRESS' >&2;` +
		` echo 'PROGRESS:{"processed": 3, "total": 3, "stage": "done"}::END_PROGRESS' >&2;` +
		` echo 'BATCH_COMPLETE:{"batchNumber": 1, "totalBatches": 1, "results": [{"id": 1}]}::END_BATCH';` +
		` echo '{"status": "ok"}'`
	b := New(script, 10)

	ch, err := b.Run(context.Background(), "s1", "ignored.csv")
	require.NoError(t, err)

	events := collectEvents(t, ch)
	require.NotEmpty(t, events)

	var progress, batches, results int
	for _, ev := range events {
		assert.Equal(t, "s1", ev.SessionID)
		switch {
		case ev.Progress != nil:
			progress++
		case ev.Batch != nil:
			batches++
			assert.Equal(t, 1, ev.Batch.BatchNumber)
		case ev.Result != nil:
			results++
			assert.JSONEq(t, `{"status": "ok"}`, string(ev.Result))
		}
	}
	assert.Equal(t, 2, progress)
	assert.Equal(t, 1, batches)
	assert.Equal(t, 1, results)
	assert.Equal(t, 0, b.Running(), "process untracked after exit")
}

func TestBridge_FilePlaceholder(t *testing.T) {
	b := New(`echo "input: {file}"; echo '{"ok": true}'`, 10)
	ch, err := b.Run(context.Background(), "s1", "/tmp/upload.csv")
	require.NoError(t, err)

	events := collectEvents(t, ch)
	var result Event
	for _, ev := range events {
		if ev.Result != nil {
			result = ev
		}
	}
	require.NotNil(t, result.Result)
}

func TestBridge_Failure(t *testing.T) {
	b := New(`echo "something broke" >&2; exit 3`, 10)
	ch, err := b.Run(context.Background(), "s1", "x")
	require.NoError(t, err)

	events := collectEvents(t, ch)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	require.Error(t, last.Err)

	var failure *Failure
	require.ErrorAs(t, last.Err, &failure)
	assert.Equal(t, 3, failure.ExitCode)
	assert.Contains(t, failure.Stderr, "something broke")
}

func TestBridge_Cancel(t *testing.T) {
	b := New(`sleep 30`, 10)
	ch, err := b.Run(context.Background(), "s1", "x")
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return b.Running() == 1 }, time.Second, 10*time.Millisecond)
	assert.True(t, b.Cancel("s1"))

	events := collectEvents(t, ch)
	require.NotEmpty(t, events)
	assert.Error(t, events[len(events)-1].Err, "signaled worker surfaces as failure")

	assert.False(t, b.Cancel("s1"), "already gone")
}

func TestBridge_CancelAll(t *testing.T) {
	b := New(`sleep 30`, 10)
	ch1, err := b.Run(context.Background(), "s1", "x")
	require.NoError(t, err)
	ch2, err := b.Run(context.Background(), "s2", "x")
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return b.Running() == 2 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, b.CancelAll())

	collectEvents(t, ch1)
	collectEvents(t, ch2)
	assert.Equal(t, 0, b.Running())
}

func TestTailBuffer(t *testing.T) {
	tail := newTail(3)
	for _, l := range []string{"a", "b", "c", "d"} {
		tail.Add(l)
	}
	assert.Equal(t, "b\nc\nd", tail.String(), "oldest line dropped")

	disabled := newTail(0)
	disabled.Add("x")
	assert.Empty(t, disabled.String())
}

func TestConditions_Disabled(t *testing.T) {
	c := &Conditions{}
	ok, reason := c.check()
	assert.True(t, ok)
	assert.Empty(t, reason)
	assert.True(t, c.wait(context.Background(), "s1"))
}

func TestConditions_PostponedWaitCanceled(t *testing.T) {
	// memory used is never below 1 percent, so the condition can't be met and
	// the postponed wait ends only via context cancellation
	c := &Conditions{MemoryBelow: 1, MaxPostpone: time.Minute, CheckInterval: 10 * time.Millisecond}
	ok, reason := c.check()
	assert.False(t, ok)
	assert.NotEmpty(t, reason)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.False(t, c.wait(ctx, "s1"))
}

func TestConditions_NoPostponeSkips(t *testing.T) {
	c := &Conditions{MemoryBelow: 1}
	assert.False(t, c.wait(context.Background(), "s1"))
}
