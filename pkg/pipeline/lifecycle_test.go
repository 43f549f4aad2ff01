package pipeline

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLifecycle_BeginDedupeAndRestart(t *testing.T) {
	l := NewValidateLifecycle()

	first := l.Begin(ValidateModeAuto, "hash-1")
	require.Equal(t, BeginStarted, first.Outcome)
	assert.Equal(t, 1, first.Attempt)
	assert.Equal(t, 0, first.DedupeCount)

	second := l.Begin(ValidateModeAuto, "hash-1")
	require.Equal(t, BeginDuplicate, second.Outcome)
	assert.Equal(t, first.RunID, second.RunID)
	assert.Equal(t, 1, second.Attempt)
	assert.Equal(t, 1, second.DedupeCount)

	require.True(t, l.Complete(first.RunID, RunCompleted))

	third := l.Begin(ValidateModeAuto, "hash-2")
	require.Equal(t, BeginStarted, third.Outcome)
	assert.Equal(t, 2, third.Attempt)
	assert.NotEqual(t, first.RunID, third.RunID)
}

func TestLifecycle_ConflictOnDifferentPayload(t *testing.T) {
	l := NewValidateLifecycle()

	first := l.Begin(ValidateModeAuto, "hash-1")
	require.Equal(t, BeginStarted, first.Outcome)

	conflict := l.Begin(ValidateModeAuto, "hash-2")
	assert.Equal(t, BeginConflict, conflict.Outcome)
	assert.Equal(t, first.RunID, conflict.RunID)

	// Same payload but a different mode is also a conflict.
	conflict = l.Begin(ValidateModeManual, "hash-1")
	assert.Equal(t, BeginConflict, conflict.Outcome)

	active, ok := l.Active()
	require.True(t, ok)
	assert.Equal(t, 0, active.DedupeCount)
}

func TestLifecycle_TransitionsAndCompletionRecord(t *testing.T) {
	l := NewValidateLifecycle()
	var events []LifecycleEvent
	l.SetEventHook(func(ev LifecycleEvent, _ ActiveRun) { events = append(events, ev) })

	begin := l.Begin(ValidateModeManual, "h")
	require.True(t, l.MarkDispatched(begin.RunID))
	require.True(t, l.MarkCheckingConsensus(begin.RunID))
	require.True(t, l.Complete(begin.RunID, RunCompleted))

	assert.Equal(t, []LifecycleEvent{
		LifecycleQueued, LifecycleDispatched, LifecycleCheckingConsensus, LifecycleCompleted,
	}, events)

	last, ok := l.LastCompletion()
	require.True(t, ok)
	assert.Equal(t, begin.RunID, last.RunID)
	assert.Equal(t, RunCompleted, last.Status)

	// Stale callbacks for the finished run are rejected.
	assert.False(t, l.MarkDispatched(begin.RunID))
}

func TestLifecycle_ResetAbandonsActive(t *testing.T) {
	l := NewValidateLifecycle()
	l.Begin(ValidateModeAuto, "h")
	l.ResetActive()

	_, ok := l.Active()
	assert.False(t, ok)
	_, ok = l.LastCompletion()
	assert.False(t, ok, "reset must not record a completion")

	next := l.Begin(ValidateModeAuto, "h")
	assert.Equal(t, BeginStarted, next.Outcome)
}

// TestLifecycle_MutualExclusion checks that under concurrent
// Begin calls exactly one Started exists per active window, and
// dedupe_count counts every suppressed identical begin.
func TestLifecycle_MutualExclusion(t *testing.T) {
	l := NewValidateLifecycle()
	const n = 50

	var wg sync.WaitGroup
	results := make(chan BeginResult, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- l.Begin(ValidateModeAuto, "same-hash")
		}()
	}
	wg.Wait()
	close(results)

	started, duplicates := 0, 0
	for r := range results {
		switch r.Outcome {
		case BeginStarted:
			started++
		case BeginDuplicate:
			duplicates++
		}
	}
	assert.Equal(t, 1, started)
	assert.Equal(t, n-1, duplicates)

	active, ok := l.Active()
	require.True(t, ok)
	assert.Equal(t, n-1, active.DedupeCount)
}
