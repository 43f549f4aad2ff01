package pipeline

import (
	"context"

	"github.com/speckit/automation-core/pkg/model"
	"github.com/speckit/automation-core/pkg/quality"
)

// Event is a completion notification applied to the coordinator's state.
// The coordinator never blocks waiting for external work — guardrails,
// agents, and broker fetches all resume it by submitting one of these.
type Event interface {
	eventKind() string
}

// GuardrailComplete carries the outcome of a stage's guardrail evaluation,
// from the external script path or the in-process native path.
type GuardrailComplete struct {
	Stage   model.Stage
	Outcome model.GuardrailOutcome
	Err     error // non-nil when no telemetry could be read at all
}

func (GuardrailComplete) eventKind() string { return "guardrail_complete" }

// AgentCompleted reports an external agent finished with its raw result
// text. Routing to regular-stage vs quality-gate handling goes through the
// AgentExecution tracking row, not this event.
type AgentCompleted struct {
	AgentID      string
	ResponseText string
}

func (AgentCompleted) eventKind() string { return "agent_completed" }

// AgentFailed reports an external agent died without producing output.
type AgentFailed struct {
	AgentID string
	Error   string
}

func (AgentFailed) eventKind() string { return "agent_failed" }

// BrokerComplete carries the quality gate broker's fetch result for a
// checkpoint.
type BrokerComplete struct {
	Checkpoint model.QualityCheckpoint
	Result     quality.BrokerResult
	Err        error
}

func (BrokerComplete) eventKind() string { return "broker_complete" }

// AgentDeadlineExpired fires when the degraded-mode deadline elapses while
// agents are still pending for the current phase.
type AgentDeadlineExpired struct {
	Stage      model.Stage
	Checkpoint model.QualityCheckpoint // set for quality-gate phases
}

func (AgentDeadlineExpired) eventKind() string { return "agent_deadline_expired" }

// HumanAnswersProvided unblocks a QualityGateAwaitingHuman phase with the
// answers collected outside the core.
type HumanAnswersProvided struct {
	Checkpoint model.QualityCheckpoint
	Answers    map[string]string // issue id -> accepted answer
}

func (HumanAnswersProvided) eventKind() string { return "human_answers_provided" }

// dispatcher applies events to the coordinator one at a time on a single
// goroutine, so no two events ever mutate SpecAutoState concurrently.
type dispatcher struct {
	events chan Event
	done   chan struct{}
}

func newDispatcher(buffer int) *dispatcher {
	return &dispatcher{
		events: make(chan Event, buffer),
		done:   make(chan struct{}),
	}
}

// submit enqueues an event; it never blocks the caller past the buffer.
func (d *dispatcher) submit(ctx context.Context, ev Event) bool {
	select {
	case d.events <- ev:
		return true
	case <-ctx.Done():
		return false
	case <-d.done:
		return false
	}
}

// run delivers events serially to apply until the context ends or apply
// returns false (pipeline finished/failed).
func (d *dispatcher) run(ctx context.Context, apply func(Event) bool) {
	defer close(d.done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-d.events:
			if !apply(ev) {
				return
			}
		}
	}
}
