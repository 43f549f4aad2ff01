package pipeline

import (
	"sync"

	"github.com/google/uuid"
)

// ValidateMode distinguishes how a validate run was requested.
type ValidateMode string

const (
	ValidateModeAuto   ValidateMode = "auto"
	ValidateModeManual ValidateMode = "manual"
)

// RunStatus is the lifecycle state of one validate run.
type RunStatus string

const (
	RunQueued            RunStatus = "queued"
	RunDispatched        RunStatus = "dispatched"
	RunCheckingConsensus RunStatus = "checking_consensus"
	RunCompleted         RunStatus = "completed"
	RunCancelled         RunStatus = "cancelled"
	RunFailed            RunStatus = "failed"
	RunReset             RunStatus = "reset"
)

// LifecycleEvent is emitted on every lifecycle transition.
type LifecycleEvent string

const (
	LifecycleQueued            LifecycleEvent = "queued"
	LifecycleDispatched        LifecycleEvent = "dispatched"
	LifecycleCheckingConsensus LifecycleEvent = "checking_consensus"
	LifecycleCompleted         LifecycleEvent = "completed"
	LifecycleCancelled         LifecycleEvent = "cancelled"
	LifecycleFailed            LifecycleEvent = "failed"
	LifecycleReset             LifecycleEvent = "reset"
	LifecycleDeduped           LifecycleEvent = "deduped"
)

// ActiveRun is the record of the validate run currently in flight.
type ActiveRun struct {
	RunID       string
	PayloadHash string
	Mode        ValidateMode
	Status      RunStatus
	DedupeCount int
}

// CompletionRecord captures how the last validate run ended.
type CompletionRecord struct {
	RunID   string
	Status  RunStatus
	Attempt int
}

// BeginOutcome tags the result of ValidateLifecycle.Begin.
type BeginOutcome string

const (
	BeginStarted   BeginOutcome = "started"
	BeginDuplicate BeginOutcome = "duplicate"
	BeginConflict  BeginOutcome = "conflict"
)

// BeginResult is returned by Begin: the outcome plus a snapshot of the
// active run's identifying fields at decision time.
type BeginResult struct {
	Outcome     BeginOutcome
	RunID       string
	Attempt     int
	DedupeCount int
}

// ValidateLifecycle guards the Validate stage against concurrent runs for
// one spec: at most one active run, identical re-submissions deduplicated,
// differing submissions rejected. All mutations are serialized by a single
// mutex held only for the duration of a transition (microseconds). Handles
// are cloneable — copy the pointer, not the struct.
type ValidateLifecycle struct {
	mu sync.Mutex

	attempt        int
	active         *ActiveRun
	lastCompletion *CompletionRecord

	// onEvent, when set, observes every transition. Called while the
	// mutex is held, so it must not call back into the lifecycle.
	onEvent func(LifecycleEvent, ActiveRun)
}

// NewValidateLifecycle builds an idle lifecycle.
func NewValidateLifecycle() *ValidateLifecycle {
	return &ValidateLifecycle{}
}

// SetEventHook registers an observer for lifecycle transitions.
func (l *ValidateLifecycle) SetEventHook(fn func(LifecycleEvent, ActiveRun)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onEvent = fn
}

func (l *ValidateLifecycle) emit(ev LifecycleEvent, run ActiveRun) {
	if l.onEvent != nil {
		l.onEvent(ev, run)
	}
}

// Begin attempts to start a validate run. While a run is active, a second
// Begin with the same (payloadHash, mode) is a Duplicate (suppressed and
// counted); a different payload or mode is a Conflict.
func (l *ValidateLifecycle) Begin(mode ValidateMode, payloadHash string) BeginResult {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.active != nil {
		if l.active.PayloadHash == payloadHash && l.active.Mode == mode {
			l.active.DedupeCount++
			l.emit(LifecycleDeduped, *l.active)
			return BeginResult{
				Outcome:     BeginDuplicate,
				RunID:       l.active.RunID,
				Attempt:     l.attempt,
				DedupeCount: l.active.DedupeCount,
			}
		}
		return BeginResult{
			Outcome: BeginConflict,
			RunID:   l.active.RunID,
			Attempt: l.attempt,
		}
	}

	l.attempt++
	l.active = &ActiveRun{
		RunID:       uuid.NewString(),
		PayloadHash: payloadHash,
		Mode:        mode,
		Status:      RunQueued,
	}
	l.emit(LifecycleQueued, *l.active)
	return BeginResult{
		Outcome: BeginStarted,
		RunID:   l.active.RunID,
		Attempt: l.attempt,
	}
}

// MarkDispatched records that the active run's agents have been dispatched.
func (l *ValidateLifecycle) MarkDispatched(runID string) bool {
	return l.transition(runID, RunDispatched, LifecycleDispatched)
}

// MarkCheckingConsensus records that the active run is in post-agent
// consensus checking.
func (l *ValidateLifecycle) MarkCheckingConsensus(runID string) bool {
	return l.transition(runID, RunCheckingConsensus, LifecycleCheckingConsensus)
}

func (l *ValidateLifecycle) transition(runID string, status RunStatus, ev LifecycleEvent) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active == nil || l.active.RunID != runID {
		return false
	}
	l.active.Status = status
	l.emit(ev, *l.active)
	return true
}

// Complete finishes the active run with a terminal status (Completed,
// Cancelled, or Failed), clearing the active slot so a new Begin can start.
func (l *ValidateLifecycle) Complete(runID string, status RunStatus) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active == nil || l.active.RunID != runID {
		return false
	}
	run := *l.active
	run.Status = status
	l.lastCompletion = &CompletionRecord{RunID: runID, Status: status, Attempt: l.attempt}
	l.active = nil

	switch status {
	case RunCancelled:
		l.emit(LifecycleCancelled, run)
	case RunFailed:
		l.emit(LifecycleFailed, run)
	default:
		l.emit(LifecycleCompleted, run)
	}
	return true
}

// ResetActive abandons the active run without recording a completion,
// e.g. after an external cancellation left the run unaccounted for.
func (l *ValidateLifecycle) ResetActive() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active == nil {
		return
	}
	run := *l.active
	run.Status = RunReset
	l.active = nil
	l.emit(LifecycleReset, run)
}

// Active returns a copy of the active run, if any.
func (l *ValidateLifecycle) Active() (ActiveRun, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active == nil {
		return ActiveRun{}, false
	}
	return *l.active, true
}

// LastCompletion returns the most recent completion record, if any.
func (l *ValidateLifecycle) LastCompletion() (CompletionRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lastCompletion == nil {
		return CompletionRecord{}, false
	}
	return *l.lastCompletion, true
}
