package pipeline

import (
	"github.com/speckit/automation-core/pkg/model"
	"github.com/speckit/automation-core/pkg/quality"
)

// PhaseKind tags the coordinator's current phase variant.
type PhaseKind string

const (
	PhaseIdle                     PhaseKind = "idle"
	PhaseGuardrail                PhaseKind = "guardrail"
	PhaseExecutingAgents          PhaseKind = "executing_agents"
	PhaseCheckingConsensus        PhaseKind = "checking_consensus"
	PhaseQualityGateExecuting     PhaseKind = "quality_gate_executing"
	PhaseQualityGateProcessing    PhaseKind = "quality_gate_processing"
	PhaseQualityGateAwaitingHuman PhaseKind = "quality_gate_awaiting_human"
	PhaseDone                     PhaseKind = "done"
	PhaseFailed                   PhaseKind = "failed"
)

// Phase is the tagged variant describing what the coordinator is waiting
// on. Only the fields for the tagged kind are meaningful.
type Phase struct {
	Kind PhaseKind

	// ExecutingAgents / QualityGateExecuting.
	ExpectedAgents  []string
	CompletedAgents map[string]bool
	AgentIDs        []string

	// QualityGateExecuting / Processing / AwaitingHuman.
	Checkpoint model.QualityCheckpoint
	Gates      []model.Stage

	// QualityGateProcessing accumulators.
	AutoResolved []model.QualityIssue
	Escalated    []model.QualityIssue
}

// ownsAgent reports whether agentID was dispatched for this phase.
func (p *Phase) ownsAgent(agentID string) bool {
	for _, id := range p.AgentIDs {
		if id == agentID {
			return true
		}
	}
	return false
}

// pendingAgents returns the expected agents not yet completed.
func (p *Phase) pendingAgents() []string {
	var pending []string
	for _, a := range p.ExpectedAgents {
		if !p.CompletedAgents[a] {
			pending = append(pending, a)
		}
	}
	return pending
}

// SpecAutoState is the running context of one `auto` pipeline run.
type SpecAutoState struct {
	SpecID       model.SpecId
	Goal         string
	RunID        string
	Stages       []model.Stage
	CurrentIndex int
	Phase        Phase

	QualityGatesEnabled  bool
	CompletedCheckpoints map[model.QualityCheckpoint]bool

	// Accumulators across the whole run.
	ResolvedIssues  []model.QualityIssue
	EscalatedIssues []model.QualityIssue

	// Degraded-mode bookkeeping: which agents went missing per
	// checkpoint, and which stages already had a follow-up scheduled
	// (at most one per stage).
	QualityCheckpointDegradations map[model.QualityCheckpoint][]string
	DegradedFollowups             map[model.Stage]bool
	DegradedStages                map[model.Stage]bool

	Lifecycle *ValidateLifecycle

	// LearnedPatterns feed the resolver's additive auto-lift side channel.
	LearnedPatterns []quality.LearnedPattern
}

// NewSpecAutoState builds the starting state for an auto run over stages.
func NewSpecAutoState(specID model.SpecId, goal, runID string, stages []model.Stage, qualityGates bool) *SpecAutoState {
	return &SpecAutoState{
		SpecID:                        specID,
		Goal:                          goal,
		RunID:                         runID,
		Stages:                        stages,
		Phase:                         Phase{Kind: PhaseIdle},
		QualityGatesEnabled:           qualityGates,
		CompletedCheckpoints:          make(map[model.QualityCheckpoint]bool),
		QualityCheckpointDegradations: make(map[model.QualityCheckpoint][]string),
		DegradedFollowups:             make(map[model.Stage]bool),
		DegradedStages:                make(map[model.Stage]bool),
		Lifecycle:                     NewValidateLifecycle(),
	}
}

// CurrentStage returns the stage at CurrentIndex, or ("", false) past the
// end of the pipeline.
func (s *SpecAutoState) CurrentStage() (model.Stage, bool) {
	if s.CurrentIndex >= len(s.Stages) {
		return "", false
	}
	return s.Stages[s.CurrentIndex], true
}

// Finished reports whether every stage has completed.
func (s *SpecAutoState) Finished() bool {
	return s.CurrentIndex >= len(s.Stages)
}

// pendingCheckpoint returns the next uncompleted quality checkpoint due
// before the given stage, if any. BeforeSpecify and AfterSpecify both run
// ahead of the first pipeline stage (Specify itself is pre-pipeline);
// AfterTasks runs once Tasks has completed, before the next stage begins.
func (s *SpecAutoState) pendingCheckpoint(stage model.Stage) (model.QualityCheckpoint, bool) {
	if !s.QualityGatesEnabled {
		return "", false
	}
	var due []model.QualityCheckpoint
	if s.CurrentIndex == 0 {
		due = []model.QualityCheckpoint{model.CheckpointBeforeSpecify, model.CheckpointAfterSpecify}
	}
	if s.CurrentIndex > 0 && s.Stages[s.CurrentIndex-1] == model.StageTasks {
		due = append(due, model.CheckpointAfterTasks)
	}
	for _, cp := range due {
		if !s.CompletedCheckpoints[cp] {
			return cp, true
		}
	}
	return "", false
}

// minRequiredAgents is the consensus floor: a stage with fewer stored agent
// outputs than this is marked degraded.
func minRequiredAgents(expected []string) int {
	if len(expected) < 2 {
		return len(expected)
	}
	return 2
}
