// Package model defines the shared data types that flow between the pipeline
// coordinator, artifact store, evidence repository, guardrail evaluator, and
// quality gate subsystems.
package model

// SpecId identifies a specification under automation, e.g. "SPEC-OPS-007".
// It carries no validation of its own — callers that accept user-supplied
// spec IDs should validate the "<FAMILY>-<NUMBER>" shape at the boundary.
type SpecId string

func (s SpecId) String() string { return string(s) }

// Stage is a step in the main pipeline, or one of the orthogonal quality
// checkpoints / pre-pipeline stages.
type Stage string

const (
	StageSpecify   Stage = "specify"
	StagePlan      Stage = "plan"
	StageTasks     Stage = "tasks"
	StageImplement Stage = "implement"
	StageValidate  Stage = "validate"
	StageAudit     Stage = "audit"
	StageUnlock    Stage = "unlock"

	StageClarify   Stage = "clarify"
	StageAnalyze   Stage = "analyze"
	StageChecklist Stage = "checklist"
)

// MainPipelineStages is the fixed ordering the coordinator advances through
// for an `auto` run. Quality checkpoints are orthogonal and are not part of
// this slice — they are entered between stages per QualityCheckpoint.
var MainPipelineStages = []Stage{
	StagePlan,
	StageTasks,
	StageImplement,
	StageValidate,
	StageAudit,
	StageUnlock,
}

// QualityCheckpoint is a checkpoint inserted relative to a position in the
// main pipeline, orthogonal to stage sequencing.
type QualityCheckpoint string

const (
	CheckpointBeforeSpecify QualityCheckpoint = "before-specify"
	CheckpointAfterSpecify  QualityCheckpoint = "after-specify"
	CheckpointAfterTasks    QualityCheckpoint = "after-tasks"
)

// CheckpointGateType maps each checkpoint to the quality gate stage it runs.
var CheckpointGateType = map[QualityCheckpoint]Stage{
	CheckpointBeforeSpecify: StageClarify,
	CheckpointAfterSpecify:  StageChecklist,
	CheckpointAfterTasks:    StageAnalyze,
}
