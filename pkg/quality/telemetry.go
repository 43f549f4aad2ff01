package quality

import (
	"time"

	"github.com/speckit/automation-core/pkg/model"
)

// TelemetrySchemaVersion is the external quality-checkpoint telemetry
// schema version.
const TelemetrySchemaVersion = "v1.1"

// GateDetail is one merged issue's id/gate_type pairing, listed under
// `gates[]`.
type GateDetail struct {
	ID       string      `json:"id"`
	GateType model.Stage `json:"gate_type"`
}

// ResolvedDetail is one auto-resolved issue's outcome.
type ResolvedDetail struct {
	ID     string `json:"id"`
	Answer string `json:"answer"`
	Reason string `json:"reason"`
}

// EscalatedDetail is one escalated issue's outcome.
type EscalatedDetail struct {
	ID          string  `json:"id"`
	Reason      string  `json:"reason"`
	Recommended *string `json:"recommended,omitempty"`
}

// Summary totals a checkpoint's resolution outcome.
type Summary struct {
	TotalIssues           int      `json:"total_issues"`
	AutoResolved          int      `json:"auto_resolved"`
	Escalated             int      `json:"escalated"`
	DegradedMissingAgents []string `json:"degraded_missing_agents"`
}

// CheckpointTelemetry is the per-checkpoint document written to the
// evidence tree after resolution. External consumers validate this shape;
// field names are part of the contract.
type CheckpointTelemetry struct {
	Command             string                  `json:"command"`
	SpecID              model.SpecId            `json:"specId"`
	Checkpoint          model.QualityCheckpoint `json:"checkpoint"`
	Timestamp           string                  `json:"timestamp"`
	SchemaVersion       string                  `json:"schemaVersion"`
	Gates               []GateDetail            `json:"gates"`
	Summary             Summary                 `json:"summary"`
	AutoResolvedDetails []ResolvedDetail        `json:"auto_resolved_details"`
	EscalatedDetails    []EscalatedDetail       `json:"escalated_details"`
}

// BuildCheckpointTelemetry assembles a CheckpointTelemetry from a
// checkpoint's merged issues, their resolutions, and the agents missing
// from this checkpoint (degraded mode).
func BuildCheckpointTelemetry(specID model.SpecId, checkpoint model.QualityCheckpoint, issues []model.QualityIssue, resolutions map[string]model.Resolution, missingAgents []string, ts time.Time) CheckpointTelemetry {
	t := CheckpointTelemetry{
		Command:       "quality-gate",
		SpecID:        specID,
		Checkpoint:    checkpoint,
		Timestamp:     ts.UTC().Format(time.RFC3339),
		SchemaVersion: TelemetrySchemaVersion,
		Gates:         []GateDetail{},
		Summary: Summary{
			TotalIssues:           len(issues),
			DegradedMissingAgents: append([]string{}, missingAgents...),
		},
		AutoResolvedDetails: []ResolvedDetail{},
		EscalatedDetails:    []EscalatedDetail{},
	}
	for _, issue := range issues {
		t.Gates = append(t.Gates, GateDetail{ID: issue.ID, GateType: issue.GateType})
		res, ok := resolutions[issue.ID]
		if !ok {
			continue
		}
		switch res.Kind {
		case model.ResolutionAutoApply:
			t.Summary.AutoResolved++
			t.AutoResolvedDetails = append(t.AutoResolvedDetails, ResolvedDetail{
				ID: issue.ID, Answer: res.Answer, Reason: res.Reason,
			})
		case model.ResolutionEscalate:
			t.Summary.Escalated++
			t.EscalatedDetails = append(t.EscalatedDetails, EscalatedDetail{
				ID: issue.ID, Reason: res.Reason, Recommended: res.Recommended,
			})
		}
	}
	return t
}
