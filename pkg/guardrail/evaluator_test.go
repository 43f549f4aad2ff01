package guardrail

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/speckit/automation-core/pkg/model"
)

type fakeSource struct {
	path string
	doc  map[string]any
	err  error
}

func (f *fakeSource) ReadLatestTelemetry(specID model.SpecId, stage model.Stage) (string, map[string]any, error) {
	return f.path, f.doc, f.err
}

func planDoc(status, hookStart string, artifacts []any) map[string]any {
	return map[string]any{
		"command":       "plan",
		"specId":        "SPEC-1",
		"sessionId":     "sess-1",
		"timestamp":     "2026-01-01T00:00:00Z",
		"schemaVersion": "v1",
		"baseline": map[string]any{
			"mode": "full", "artifact": "plan.md", "status": status,
		},
		"hooks": map[string]any{
			"session": map[string]any{"start": hookStart},
		},
		"artifacts": artifacts,
	}
}

func TestEvaluate_PlanPasses(t *testing.T) {
	dir := t.TempDir()
	artifactPath := filepath.Join(dir, "plan.md")
	require.NoError(t, os.WriteFile(artifactPath, []byte("x"), 0o644))

	src := &fakeSource{path: "telemetry.json", doc: planDoc("passed", "ok", []any{"plan.md"})}
	eval := NewEvaluator(src, dir)

	out, err := eval.Evaluate("SPEC-1", model.StagePlan)
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Empty(t, out.Failures)
}

func TestEvaluate_PlanFailsOnBadBaselineStatus(t *testing.T) {
	src := &fakeSource{doc: planDoc("failed", "ok", []any{})}
	eval := NewEvaluator(src, t.TempDir())

	out, err := eval.Evaluate("SPEC-1", model.StagePlan)
	require.NoError(t, err)
	assert.False(t, out.Success)
}

func TestEvaluate_PlanFailsOnMissingSchemaField(t *testing.T) {
	doc := planDoc("passed", "ok", []any{})
	delete(doc["baseline"].(map[string]any), "status")
	src := &fakeSource{doc: doc}
	eval := NewEvaluator(src, t.TempDir())

	out, err := eval.Evaluate("SPEC-1", model.StagePlan)
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Contains(t, strings.Join(out.Failures, " "), "Missing required string field baseline.status")
}

func TestEvaluate_FailsOnMissingSchemaVersion(t *testing.T) {
	doc := planDoc("passed", "ok", []any{})
	delete(doc, "schemaVersion")
	src := &fakeSource{doc: doc}
	eval := NewEvaluator(src, t.TempDir())

	out, err := eval.Evaluate("SPEC-1", model.StagePlan)
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Contains(t, strings.Join(out.Failures, " "), "Missing required string field schemaVersion")
}

func TestEvaluate_PlanFailsOnMissingArtifactFile(t *testing.T) {
	cwd := t.TempDir()
	src := &fakeSource{doc: planDoc("passed", "ok", []any{"missing.md"})}
	eval := NewEvaluator(src, cwd)

	out, err := eval.Evaluate("SPEC-1", model.StagePlan)
	require.NoError(t, err)
	assert.False(t, out.Success)
	joined := strings.Join(out.Failures, " ")
	assert.Contains(t, joined, "missing.md")
	assert.Contains(t, joined, filepath.Join(cwd, "missing.md"))
}

func TestEvaluate_PlanFailsOnEmptyArtifacts(t *testing.T) {
	src := &fakeSource{doc: planDoc("passed", "ok", []any{})}
	eval := NewEvaluator(src, t.TempDir())

	out, err := eval.Evaluate("SPEC-1", model.StagePlan)
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Contains(t, strings.Join(out.Failures, " "), "non-empty artifacts")
}

func TestEvaluate_ValidateToleratesEmptyArtifacts(t *testing.T) {
	doc := map[string]any{
		"command":       "validate",
		"specId":        "SPEC-2",
		"sessionId":     "sess-2",
		"timestamp":     "2026-01-01T00:00:00Z",
		"schemaVersion": "v1",
		"scenarios": []any{
			map[string]any{"name": "smoke", "status": "passed"},
		},
		"artifacts": []any{},
	}
	src := &fakeSource{doc: doc}
	eval := NewEvaluator(src, t.TempDir())

	out, err := eval.Evaluate("SPEC-2", model.StageValidate)
	require.NoError(t, err)
	assert.True(t, out.Success)
}

func TestEvaluate_ValidateFailsOnFailedScenario(t *testing.T) {
	doc := map[string]any{
		"command":       "validate",
		"specId":        "SPEC-2",
		"sessionId":     "sess-2",
		"timestamp":     "2026-01-01T00:00:00Z",
		"schemaVersion": "v1",
		"scenarios": []any{
			map[string]any{"name": "smoke", "status": "failed"},
		},
	}
	src := &fakeSource{doc: doc}
	eval := NewEvaluator(src, t.TempDir())

	out, err := eval.Evaluate("SPEC-2", model.StageValidate)
	require.NoError(t, err)
	assert.False(t, out.Success)
}

func TestEvaluate_NoTelemetryPropagatesError(t *testing.T) {
	src := &fakeSource{err: assert.AnError}
	eval := NewEvaluator(src, t.TempDir())

	_, err := eval.Evaluate("SPEC-1", model.StagePlan)
	assert.Error(t, err)
}
