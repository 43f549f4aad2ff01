package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/speckit/automation-core/pkg/model"
	"github.com/speckit/automation-core/pkg/retry"
)

// RecordAgentSpawn creates a tracking row for a newly dispatched agent.
func (s *ArtifactStore) RecordAgentSpawn(ctx context.Context, e model.AgentExecution) error {
	_, err := retry.Do(retry.WriteConfig(), func() (struct{}, error) {
		_, err := s.client.db.ExecContext(ctx, `
			INSERT INTO agent_executions (agent_id, spec_id, stage, phase_type, agent_name, run_id, spawned_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			e.AgentID, string(e.SpecID), string(e.Stage), string(e.PhaseType), e.AgentName,
			nullableInt64(e.RunID), e.SpawnedAt.UnixNano())
		return struct{}{}, classify(err)
	})
	return err
}

// SpawnInfo is the subset of AgentExecution needed to route a completion
// event to the correct phase handler.
type SpawnInfo struct {
	PhaseType model.PhaseType
	Stage     model.Stage
	SpecID    model.SpecId
}

// GetAgentSpawnInfo looks up routing info for a completion event.
func (s *ArtifactStore) GetAgentSpawnInfo(ctx context.Context, agentID string) (*SpawnInfo, error) {
	return retry.Do(retry.ReadConfig(), func() (*SpawnInfo, error) {
		var info SpawnInfo
		var phaseType, stage, specID string
		err := s.client.db.QueryRowContext(ctx, `
			SELECT phase_type, stage, spec_id FROM agent_executions WHERE agent_id = ?`, agentID).
			Scan(&phaseType, &stage, &specID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, classify(err)
		}
		info.PhaseType = model.PhaseType(phaseType)
		info.Stage = model.Stage(stage)
		info.SpecID = model.SpecId(specID)
		return &info, nil
	})
}

// GetAgentName returns the agent_name recorded at spawn time.
func (s *ArtifactStore) GetAgentName(ctx context.Context, agentID string) (string, error) {
	return retry.Do(retry.ReadConfig(), func() (string, error) {
		var name string
		err := s.client.db.QueryRowContext(ctx, `
			SELECT agent_name FROM agent_executions WHERE agent_id = ?`, agentID).Scan(&name)
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return name, classify(err)
	})
}

// RecordAgentCompletion marks an agent execution complete with its raw
// response text.
func (s *ArtifactStore) RecordAgentCompletion(ctx context.Context, agentID, responseText string) error {
	_, err := retry.Do(retry.WriteConfig(), func() (struct{}, error) {
		_, err := s.client.db.ExecContext(ctx, `
			UPDATE agent_executions SET completed_at = ?, response_text = ? WHERE agent_id = ?`,
			time.Now().UnixNano(), responseText, agentID)
		return struct{}{}, classify(err)
	})
	return err
}

// RecordExtractionFailure marks an agent execution complete with an
// extraction error, preserving the raw output for post-mortem.
func (s *ArtifactStore) RecordExtractionFailure(ctx context.Context, agentID, rawOutput, extractionErr string) error {
	_, err := retry.Do(retry.WriteConfig(), func() (struct{}, error) {
		_, err := s.client.db.ExecContext(ctx, `
			UPDATE agent_executions SET completed_at = ?, response_text = ?, extraction_error = ? WHERE agent_id = ?`,
			time.Now().UnixNano(), rawOutput, extractionErr, agentID)
		return struct{}{}, classify(err)
	})
	return err
}

// QueryExtractionFailures returns agent IDs and errors for a spec's failed
// extractions, most recent first.
func (s *ArtifactStore) QueryExtractionFailures(ctx context.Context, specID model.SpecId) ([]model.AgentExecution, error) {
	return retry.Do(retry.ReadConfig(), func() ([]model.AgentExecution, error) {
		rows, err := s.client.db.QueryContext(ctx, `
			SELECT agent_id, spec_id, stage, phase_type, agent_name, run_id, spawned_at, completed_at, response_text, extraction_error
			FROM agent_executions
			WHERE spec_id = ? AND extraction_error IS NOT NULL AND extraction_error != ''
			ORDER BY completed_at DESC`, string(specID))
		if err != nil {
			return nil, classify(err)
		}
		defer rows.Close()

		var out []model.AgentExecution
		for rows.Next() {
			exec, err := scanExecutionRow(rows)
			if err != nil {
				return nil, classify(err)
			}
			out = append(out, exec)
		}
		return out, classify(rows.Err())
	})
}

// CleanupOldExecutions prunes agent_executions rows completed more than
// days ago.
func (s *ArtifactStore) CleanupOldExecutions(ctx context.Context, days int) (int64, error) {
	return retry.Do(retry.WriteConfig(), func() (int64, error) {
		cutoff := time.Now().AddDate(0, 0, -days).UnixNano()
		res, err := s.client.db.ExecContext(ctx, `
			DELETE FROM agent_executions WHERE completed_at IS NOT NULL AND completed_at < ?`, cutoff)
		if err != nil {
			return 0, classify(err)
		}
		n, err := res.RowsAffected()
		return n, classify(err)
	})
}

func nullableInt64(p *int64) any {
	if p == nil {
		return nil
	}
	return *p
}

type scanner interface {
	Scan(dest ...any) error
}

func scanExecutionRow(rows scanner) (model.AgentExecution, error) {
	var exec model.AgentExecution
	var specID, stage, phaseType string
	var runID sql.NullInt64
	var spawnedAt int64
	var completedAt sql.NullInt64
	var responseText, extractionErr sql.NullString

	if err := rows.Scan(&exec.AgentID, &specID, &stage, &phaseType, &exec.AgentName,
		&runID, &spawnedAt, &completedAt, &responseText, &extractionErr); err != nil {
		return exec, err
	}
	exec.SpecID = model.SpecId(specID)
	exec.Stage = model.Stage(stage)
	exec.PhaseType = model.PhaseType(phaseType)
	exec.SpawnedAt = time.Unix(0, spawnedAt)
	if runID.Valid {
		v := runID.Int64
		exec.RunID = &v
	}
	if completedAt.Valid {
		t := time.Unix(0, completedAt.Int64)
		exec.CompletedAt = &t
	}
	if responseText.Valid {
		exec.ResponseText = &responseText.String
	}
	if extractionErr.Valid {
		exec.ExtractionError = &extractionErr.String
	}
	return exec, nil
}
