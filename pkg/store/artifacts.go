package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/speckit/automation-core/pkg/model"
	"github.com/speckit/automation-core/pkg/retry"
)

// ArtifactStore exposes the C2 contract over a *Client.
type ArtifactStore struct {
	client *Client
	now    func() time.Time
}

// NewArtifactStore builds an ArtifactStore over an open Client.
func NewArtifactStore(client *Client) *ArtifactStore {
	return &ArtifactStore{client: client, now: time.Now}
}

// findOrCreateLatestRun returns the id of the latest ConsensusRun for
// (specID, stage), creating one if none exists yet. Must run inside a
// transaction supplied by the caller to keep the upsert atomic.
func findOrCreateLatestRun(ctx context.Context, tx *sql.Tx, specID model.SpecId, stage model.Stage, now time.Time) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx, `
		SELECT id FROM consensus_runs
		WHERE spec_id = ? AND stage = ?
		ORDER BY run_timestamp DESC LIMIT 1`, string(specID), string(stage)).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO consensus_runs (spec_id, stage, consensus_ok, degraded, synthesis_json, run_timestamp)
		VALUES (?, ?, 0, 0, '', ?)`, string(specID), string(stage), now.Unix())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// StoreArtifact ensures a ConsensusRun exists for (specID, stage) and
// appends an AgentOutput row. Writes go through retry.WriteConfig.
func (s *ArtifactStore) StoreArtifact(ctx context.Context, specID model.SpecId, stage model.Stage, agentName, modelVersion, contentJSON string) (int64, error) {
	return retry.Do(retry.WriteConfig(), func() (int64, error) {
		var outputID int64
		err := withTx(ctx, s.client.db.DB, func(tx *sql.Tx) error {
			now := s.now()
			runID, err := findOrCreateLatestRun(ctx, tx, specID, stage, now)
			if err != nil {
				return err
			}
			res, err := tx.ExecContext(ctx, `
				INSERT INTO agent_outputs (run_id, agent_name, model_version, content, output_timestamp)
				VALUES (?, ?, ?, ?, ?)`, runID, agentName, modelVersion, contentJSON, now.UnixNano())
			if err != nil {
				return err
			}
			outputID, err = res.LastInsertId()
			return err
		})
		return outputID, classify(err)
	})
}

// SynthesisInput bundles the fields needed to build a synthesis JSON blob
// and update the latest ConsensusRun.
type SynthesisInput struct {
	SpecID         model.SpecId
	Stage          model.Stage
	OutputMarkdown string
	Path           string
	Status         string
	ArtifactsCount int
	Agreements     []string
	Conflicts      []string
	Degraded       bool
}

// StoreSynthesis builds a synthesis JSON object and updates (or creates) the
// latest ConsensusRun's synthesis_json, marking degraded when requested.
func (s *ArtifactStore) StoreSynthesis(ctx context.Context, in SynthesisInput) (int64, error) {
	return retry.Do(retry.WriteConfig(), func() (int64, error) {
		var runID int64
		err := withTx(ctx, s.client.db.DB, func(tx *sql.Tx) error {
			now := s.now()
			var innerErr error
			runID, innerErr = findOrCreateLatestRun(ctx, tx, in.SpecID, in.Stage, now)
			if innerErr != nil {
				return innerErr
			}
			blob, innerErr := buildSynthesisJSON(in)
			if innerErr != nil {
				return innerErr
			}
			_, innerErr = tx.ExecContext(ctx, `
				UPDATE consensus_runs
				SET consensus_ok = ?, degraded = ?, synthesis_json = ?, run_timestamp = ?
				WHERE id = ?`,
				boolToInt(in.Status == "passed" || in.Status == "ok"), boolToInt(in.Degraded), blob, now.Unix(), runID)
			return innerErr
		})
		return runID, classify(err)
	})
}

// QueryArtifacts returns the agent outputs of the latest ConsensusRun for
// (specID, stage), ordered by output_timestamp DESC. Reads go through
// retry.ReadConfig.
func (s *ArtifactStore) QueryArtifacts(ctx context.Context, specID model.SpecId, stage model.Stage) ([]model.AgentOutput, error) {
	return retry.Do(retry.ReadConfig(), func() ([]model.AgentOutput, error) {
		rows, err := s.client.db.QueryxContext(ctx, `
			SELECT ao.id, ao.run_id, ao.agent_name, ao.model_version, ao.content, ao.output_timestamp
			FROM agent_outputs ao
			JOIN (
				SELECT id FROM consensus_runs
				WHERE spec_id = ? AND stage = ?
				ORDER BY run_timestamp DESC LIMIT 1
			) latest ON latest.id = ao.run_id
			ORDER BY ao.output_timestamp DESC`, string(specID), string(stage))
		if err != nil {
			return nil, classify(err)
		}
		defer rows.Close()

		var out []model.AgentOutput
		for rows.Next() {
			var row agentOutputRow
			if err := rows.StructScan(&row); err != nil {
				return nil, classify(err)
			}
			out = append(out, row.toModel())
		}
		return out, classify(rows.Err())
	})
}

// QueryLatestSynthesis returns the synthesis JSON of the latest
// ConsensusRun for (specID, stage), or ("", false) if no run exists.
func (s *ArtifactStore) QueryLatestSynthesis(ctx context.Context, specID model.SpecId, stage model.Stage) (string, bool, error) {
	type result struct {
		json  string
		found bool
	}
	r, err := retry.Do(retry.ReadConfig(), func() (result, error) {
		var blob string
		err := s.client.db.QueryRowContext(ctx, `
			SELECT synthesis_json FROM consensus_runs
			WHERE spec_id = ? AND stage = ?
			ORDER BY run_timestamp DESC LIMIT 1`, string(specID), string(stage)).Scan(&blob)
		if errors.Is(err, sql.ErrNoRows) {
			return result{}, nil
		}
		if err != nil {
			return result{}, classify(err)
		}
		return result{json: blob, found: blob != ""}, nil
	})
	return r.json, r.found, err
}

type agentOutputRow struct {
	ID              int64  `db:"id"`
	RunID           int64  `db:"run_id"`
	AgentName       string `db:"agent_name"`
	ModelVersion    string `db:"model_version"`
	Content         string `db:"content"`
	OutputTimestamp int64  `db:"output_timestamp"`
}

func (r agentOutputRow) toModel() model.AgentOutput {
	return model.AgentOutput{
		OutputID:        r.ID,
		RunID:           r.RunID,
		AgentName:       r.AgentName,
		ModelVersion:    r.ModelVersion,
		Content:         r.Content,
		OutputTimestamp: time.Unix(0, r.OutputTimestamp),
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func withTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
