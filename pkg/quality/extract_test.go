package quality

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/speckit/automation-core/pkg/model"
)

func TestExtractQualityJSON_FencedBlockPreferred(t *testing.T) {
	raw := "[2026-01-01T00:00:00] model: claude-haiku-4-5\n" +
		"Some prose about my reasoning.\n" +
		"```json\n{\"stage\": \"quality-gate-clarify\", \"issues\": []}\n```\n"

	doc, ok := ExtractQualityJSON(raw)
	require.True(t, ok)
	assert.Equal(t, "quality-gate-clarify", doc["stage"])
}

func TestExtractQualityJSON_BraceBalancedAmongNoise(t *testing.T) {
	raw := `workdir: /tmp/x
model: claude
Here's an example of the expected format:
{"stage": "quality-gate-example", "issues": [{"id": "x", "description": "string"}]}
And here is my actual answer:
{"stage": "quality-gate-analyze", "issues": [{"id": "q1", "description": "real"}]}`

	doc, ok := ExtractQualityJSON(raw)
	require.True(t, ok)
	assert.Equal(t, "quality-gate-analyze", doc["stage"])
}

func TestExtractQualityJSON_IgnoresTemplateJSON(t *testing.T) {
	raw := `{"stage": "${MODEL_ID}", "issues": []}
{"stage": "quality-gate-checklist", "issues": []}`

	doc, ok := ExtractQualityJSON(raw)
	require.True(t, ok)
	assert.Equal(t, "quality-gate-checklist", doc["stage"])
}

func TestExtractQualityJSON_LastResortScan(t *testing.T) {
	// An unmatched '{' earlier in the text breaks the simple top-level
	// brace-balance scan (depth never returns to zero), so only the
	// backward/forward scan anchored on the literal stage marker finds
	// the real JSON object.
	raw := `noise { unrelated brace text {"stage": "quality-gate-clarify", "issues": [{"id": "a"}]} trailing`

	doc, ok := ExtractQualityJSON(raw)
	require.True(t, ok)
	assert.Equal(t, "quality-gate-clarify", doc["stage"])
}

func TestExtractQualityJSON_NoValidJSON(t *testing.T) {
	raw := "just prose, no JSON anywhere to be found."
	_, ok := ExtractQualityJSON(raw)
	assert.False(t, ok)
}

func TestParseIssues_RoundTrip(t *testing.T) {
	doc := map[string]any{
		"stage": "quality-gate-clarify",
		"issues": []any{
			map[string]any{
				"id": "q1", "description": "ambiguous term",
				"confidence": "high", "magnitude": "minor", "resolvability": "auto-fix",
				"answer": "use term X", "reasoning": "clearer",
			},
		},
	}
	issues, err := ParseIssues("claude", doc)
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.Equal(t, "q1", issues[0].ID)
	assert.Equal(t, "use term X", issues[0].AgentAnswers["claude"])
}

func TestParseIssues_AliasesAndDefaults(t *testing.T) {
	doc := map[string]any{
		"stage": "quality-gate-checklist",
		"issues": []any{
			map[string]any{
				"id": "q2", "question": "is the limit per user?",
				"severity":              "important",
				"suggested_improvement": "replace limit with per-user limit",
				"answer":                "yes",
			},
		},
	}
	issues, err := ParseIssues("gpt", doc)
	require.NoError(t, err)
	require.Len(t, issues, 1)

	got := issues[0]
	assert.Equal(t, "is the limit per user?", got.Description)
	assert.Equal(t, model.StageChecklist, got.GateType)
	assert.Equal(t, model.MagnitudeImportant, got.Magnitude)
	assert.Equal(t, "replace limit with per-user limit", got.SuggestedFix)
	// Unset fields resolve to the conservative defaults.
	assert.Equal(t, model.ConfidenceLow, got.Confidence)
	assert.Equal(t, model.ResolvabilityNeedHuman, got.Resolvability)
}
