package evidence

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/speckit/automation-core/pkg/model"
)

func TestReadLatestTelemetry_NoneFound(t *testing.T) {
	repo := NewRepository(t.TempDir())
	_, _, err := repo.ReadLatestTelemetry("SPEC-1", model.StagePlan)
	require.Error(t, err)
	var notFound *NoTelemetryFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestWriteTelemetryBundle_ReadBackLatest(t *testing.T) {
	repo := NewRepository(t.TempDir())
	ctx := context.Background()

	_, err := repo.WriteTelemetryBundle(ctx, TelemetryBundle{
		SpecID: "SPEC-2", Stage: model.StagePlan,
		Payload: map[string]any{"n": 1}, WrittenAt: time.Unix(1000, 0),
	})
	require.NoError(t, err)
	_, err = repo.WriteTelemetryBundle(ctx, TelemetryBundle{
		SpecID: "SPEC-2", Stage: model.StagePlan,
		Payload: map[string]any{"n": 2}, WrittenAt: time.Unix(2000, 0),
	})
	require.NoError(t, err)

	path, doc, err := repo.ReadLatestTelemetry("SPEC-2", model.StagePlan)
	require.NoError(t, err)
	assert.Contains(t, path, "SPEC-2")
	payload, ok := doc["payload"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(2), payload["n"])
}

func TestWriteConsensusVerdict_OverwritesStablePointer(t *testing.T) {
	repo := NewRepository(t.TempDir())
	ctx := context.Background()

	path1, err := repo.WriteConsensusVerdict(ctx, VerdictDoc{SpecID: "SPEC-3", Stage: model.StageValidate, ConsensusOK: false})
	require.NoError(t, err)
	path2, err := repo.WriteConsensusVerdict(ctx, VerdictDoc{SpecID: "SPEC-3", Stage: model.StageValidate, ConsensusOK: true})
	require.NoError(t, err)
	assert.Equal(t, path1, path2)

	raw, err := os.ReadFile(path2)
	require.NoError(t, err)
	var got VerdictDoc
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.True(t, got.ConsensusOK)
}

func TestWriteConsensusSynthesis_WritesHistoryAndLatest(t *testing.T) {
	repo := NewRepository(t.TempDir())
	ctx := context.Background()

	historyPath, err := repo.WriteConsensusSynthesis(ctx, SynthesisDoc{
		SpecID: "SPEC-4", Stage: model.StageTasks, OutputMarkdown: "hello",
		Status: "passed", WrittenAt: time.Unix(5000, 0),
	})
	require.NoError(t, err)
	assert.FileExists(t, historyPath)

	latestPath := filepath.Join(repo.consensusDir("SPEC-4"), "tasks_synthesis.json")
	assert.FileExists(t, latestPath)

	doc, found, err := repo.ReadLatestConsensus("SPEC-4", model.StageTasks)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "hello", doc["output_markdown"])
}

func TestHasEvidence_Categories(t *testing.T) {
	repo := NewRepository(t.TempDir())
	ctx := context.Background()

	ok, err := repo.HasEvidence("SPEC-5", model.StagePlan, CategoryTelemetry)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = repo.WriteTelemetryBundle(ctx, TelemetryBundle{SpecID: "SPEC-5", Stage: model.StagePlan, Payload: map[string]any{}, WrittenAt: time.Unix(1, 0)})
	require.NoError(t, err)

	ok, err = repo.HasEvidence("SPEC-5", model.StagePlan, CategoryTelemetry)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.HasEvidence("SPEC-5", model.StagePlan, CategoryVerdict)
	require.NoError(t, err)
	assert.False(t, ok)
}

// TestLockSafety_ConcurrentWritesDoNotInterleave checks that
// concurrent writers to the same spec never produce a torn/interleaved
// file — each write observed afterward is one complete, valid JSON document.
func TestLockSafety_ConcurrentWritesDoNotInterleave(t *testing.T) {
	repo := NewRepository(t.TempDir())
	ctx := context.Background()
	const n = 20

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := repo.WriteConsensusVerdict(ctx, VerdictDoc{
				SpecID: "SPEC-6", Stage: model.StageAudit, ConsensusOK: i%2 == 0,
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	path := filepath.Join(repo.consensusDir("SPEC-6"), "audit_verdict.json")
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc VerdictDoc
	assert.NoError(t, json.Unmarshal(raw, &doc), "file must be one complete, non-interleaved write")
}

func TestListFiles_SortedAndFiltered(t *testing.T) {
	repo := NewRepository(t.TempDir())
	ctx := context.Background()

	for i, ts := range []int64{100, 300, 200} {
		_, err := repo.WriteTelemetryBundle(ctx, TelemetryBundle{
			SpecID: "SPEC-7", Stage: model.StagePlan,
			Payload: map[string]any{"i": i}, WrittenAt: time.Unix(ts, 0),
		})
		require.NoError(t, err)
	}

	files, err := repo.ListFiles(repo.commandsDir("SPEC-7"), "plan_")
	require.NoError(t, err)
	require.Len(t, files, 3)
	for i := 1; i < len(files); i++ {
		assert.LessOrEqual(t, files[i-1], files[i])
	}
}
