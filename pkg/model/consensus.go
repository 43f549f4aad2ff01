package model

import "time"

// ConsensusRun is one row per (SpecId, Stage) execution attempt. Readers
// always select the latest run per (spec_id, stage) by RunTimestamp.
type ConsensusRun struct {
	RunID         int64
	SpecID        SpecId
	Stage         Stage
	ConsensusOK   bool
	Degraded      bool
	SynthesisJSON string // opaque JSON blob; empty until store_synthesis runs
	RunTimestamp  time.Time
}

// AgentOutput is one row per agent contribution to a ConsensusRun.
type AgentOutput struct {
	OutputID        int64
	RunID           int64
	AgentName       string
	ModelVersion    string // optional, empty if unknown
	Content         string // JSON string
	OutputTimestamp time.Time
}

// PhaseType distinguishes quality-gate agent dispatches from regular stage
// agent dispatches, so a completion event can be routed to the right
// accumulator (see SpecAutoState.Phase).
type PhaseType string

const (
	PhaseTypeQualityGate  PhaseType = "quality_gate"
	PhaseTypeRegularStage PhaseType = "regular_stage"
)

// AgentExecution tracks an in-flight or completed agent dispatch so that a
// completion event, identified only by AgentID, can be routed to the correct
// phase handler.
type AgentExecution struct {
	AgentID         string
	SpecID          SpecId
	Stage           Stage
	PhaseType       PhaseType
	AgentName       string
	RunID           *int64 // optional correlation to a ConsensusRun
	SpawnedAt       time.Time
	CompletedAt     *time.Time
	ResponseText    *string
	ExtractionError *string
}

// Completed reports whether the execution has finished (successfully or
// with an extraction failure).
func (a *AgentExecution) Completed() bool { return a.CompletedAt != nil }
