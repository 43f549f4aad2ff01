package evidence

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/speckit/automation-core/pkg/model"
	"github.com/speckit/automation-core/pkg/retry"
)

// AgentProposal is one agent's contribution exported for audit.
type AgentProposal struct {
	AgentName    string    `json:"agent_name"`
	ModelVersion string    `json:"model_version,omitempty"`
	Content      string    `json:"content"`
	Timestamp    time.Time `json:"timestamp"`
}

// VerdictDoc is the shape written to <consensus>/<stage>_verdict.json:
// the per-agent proposals exported alongside synthesis for audit.
type VerdictDoc struct {
	SpecID      model.SpecId    `json:"spec_id"`
	Stage       model.Stage     `json:"stage"`
	ConsensusOK bool            `json:"consensus_ok"`
	Degraded    bool            `json:"degraded"`
	Agreements  []string        `json:"agreements,omitempty"`
	Conflicts   []string        `json:"conflicts,omitempty"`
	Proposals   []AgentProposal `json:"proposals,omitempty"`
	WrittenAt   time.Time       `json:"written_at"`
}

// WriteConsensusVerdict writes the stable (non-timestamped) verdict file,
// overwriting any prior verdict for (specID, stage).
func (r *Repository) WriteConsensusVerdict(ctx context.Context, doc VerdictDoc) (string, error) {
	path := filepath.Join(r.consensusDir(doc.SpecID), string(doc.Stage)+"_verdict.json")
	return path, r.writeJSONLocked(ctx, string(doc.SpecID), path, doc)
}

// TelemetryBundle is the shape written under commands/<spec_id>/.
type TelemetryBundle struct {
	SpecID    model.SpecId   `json:"spec_id"`
	Stage     model.Stage    `json:"stage"`
	Payload   map[string]any `json:"payload"`
	WrittenAt time.Time      `json:"written_at"`
}

// WriteTelemetryBundle writes a timestamped telemetry snapshot for a stage,
// never overwriting a prior snapshot for the same spec/stage.
func (r *Repository) WriteTelemetryBundle(ctx context.Context, b TelemetryBundle) (string, error) {
	name := fmt.Sprintf("%s_%s.json", b.Stage, timestampSuffix(b.WrittenAt))
	path := filepath.Join(r.commandsDir(b.SpecID), name)
	return path, r.writeJSONLocked(ctx, string(b.SpecID), path, b)
}

// SynthesisDoc is the shape written both as a timestamped history entry and
// as the stable "latest" pointer file.
type SynthesisDoc struct {
	SpecID         model.SpecId `json:"spec_id"`
	Stage          model.Stage  `json:"stage"`
	OutputMarkdown string       `json:"output_markdown"`
	Status         string       `json:"status"`
	ArtifactsCount int          `json:"artifacts_count"`
	Agreements     []string     `json:"agreements,omitempty"`
	Conflicts      []string     `json:"conflicts,omitempty"`
	Degraded       bool         `json:"degraded"`
	WrittenAt      time.Time    `json:"written_at"`
}

// WriteConsensusSynthesis writes both the timestamped history file
// "<stage>_synthesis_<ts>.json" and overwrites the stable pointer
// "<stage>_synthesis.json", atomically with respect to other writers for
// this spec.
func (r *Repository) WriteConsensusSynthesis(ctx context.Context, doc SynthesisDoc) (string, error) {
	dir := r.consensusDir(doc.SpecID)
	historyPath := filepath.Join(dir, fmt.Sprintf("%s_synthesis_%s.json", doc.Stage, timestampSuffix(doc.WrittenAt)))
	latestPath := filepath.Join(dir, string(doc.Stage)+"_synthesis.json")

	err := r.locks.withLock(ctx, string(doc.SpecID), func() error {
		return retryIO(func() error {
			if err := writeJSONFile(historyPath, doc); err != nil {
				return err
			}
			return writeJSONFile(latestPath, doc)
		})
	})
	return historyPath, err
}

// WriteQualityCheckpointTelemetry writes a timestamped quality-gate
// telemetry export under consensus/<spec_id>/. doc is the checkpoint
// telemetry document (see quality.CheckpointTelemetry); the repository
// only owns its placement and serialization.
func (r *Repository) WriteQualityCheckpointTelemetry(ctx context.Context, specID model.SpecId, checkpoint model.QualityCheckpoint, doc any, writtenAt time.Time) (string, error) {
	name := fmt.Sprintf("%s_quality-gate-%s_%s.json", specID, checkpoint, timestampSuffix(writtenAt))
	path := filepath.Join(r.consensusDir(specID), name)
	return path, r.writeJSONLocked(ctx, string(specID), path, doc)
}

func (r *Repository) writeJSONLocked(ctx context.Context, specID, path string, v any) error {
	return r.locks.withLock(ctx, specID, func() error {
		return retryIO(func() error { return writeJSONFile(path, v) })
	})
}

func retryIO(fn func() error) error {
	_, err := retry.Do(retry.EvidenceIOConfig(), func() (struct{}, error) {
		if err := fn(); err != nil {
			return struct{}{}, &retryableIOError{err: err}
		}
		return struct{}{}, nil
	})
	return err
}

// writeJSONFile writes v as indented JSON via a temp file + rename, so a
// reader never observes a partially written file.
func writeJSONFile(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dir for %s: %w", path, err)
	}
	blob, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(blob); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file for %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file for %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp file for %s: %w", path, err)
	}
	return nil
}
