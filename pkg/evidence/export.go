package evidence

import (
	"context"
	"encoding/json"
	"time"

	"github.com/speckit/automation-core/pkg/model"
)

// ArtifactSource is the read surface the pipeline coordinator's store
// provides. Evidence depends on this interface rather than pkg/store
// directly, so the export path can be exercised with a fake in tests.
type ArtifactSource interface {
	QueryArtifacts(ctx context.Context, specID model.SpecId, stage model.Stage) ([]model.AgentOutput, error)
	QueryLatestSynthesis(ctx context.Context, specID model.SpecId, stage model.Stage) (string, bool, error)
}

// AutoExportStageEvidence mirrors the just-written synthesis and its agent
// outputs out of the artifact store into the canonical evidence exports:
// "<stage>_synthesis.json" (plus its timestamped history entry) and
// "<stage>_verdict.json". Callers treat failures as log-and-continue —
// export must never fail the pipeline.
func (r *Repository) AutoExportStageEvidence(ctx context.Context, src ArtifactSource, specID model.SpecId, stage model.Stage, now func() time.Time) error {
	outputs, err := src.QueryArtifacts(ctx, specID, stage)
	if err != nil {
		return err
	}

	synthesis := SynthesisDoc{SpecID: specID, Stage: stage, WrittenAt: now()}
	if blob, found, err := src.QueryLatestSynthesis(ctx, specID, stage); err != nil {
		return err
	} else if found {
		// The stored blob is the source of truth; decode the fields the
		// export shares with it and carry the rest verbatim.
		var stored struct {
			OutputMarkdown string   `json:"output_markdown"`
			Status         string   `json:"status"`
			ArtifactsCount int      `json:"artifacts_count"`
			Agreements     []string `json:"agreements"`
			Conflicts      []string `json:"conflicts"`
			Degraded       bool     `json:"degraded"`
		}
		if err := json.Unmarshal([]byte(blob), &stored); err == nil {
			synthesis.OutputMarkdown = stored.OutputMarkdown
			synthesis.Status = stored.Status
			synthesis.ArtifactsCount = stored.ArtifactsCount
			synthesis.Agreements = stored.Agreements
			synthesis.Conflicts = stored.Conflicts
			synthesis.Degraded = stored.Degraded
		}
	}
	if _, err := r.WriteConsensusSynthesis(ctx, synthesis); err != nil {
		return err
	}

	verdict := VerdictDoc{
		SpecID:      specID,
		Stage:       stage,
		ConsensusOK: synthesis.Status == "passed",
		Degraded:    synthesis.Degraded,
		Agreements:  synthesis.Agreements,
		Conflicts:   synthesis.Conflicts,
		Proposals:   toProposals(outputs),
		WrittenAt:   now(),
	}
	_, err = r.WriteConsensusVerdict(ctx, verdict)
	return err
}

func toProposals(outputs []model.AgentOutput) []AgentProposal {
	proposals := make([]AgentProposal, 0, len(outputs))
	for _, o := range outputs {
		proposals = append(proposals, AgentProposal{
			AgentName:    o.AgentName,
			ModelVersion: o.ModelVersion,
			Content:      o.Content,
			Timestamp:    o.OutputTimestamp,
		})
	}
	return proposals
}
