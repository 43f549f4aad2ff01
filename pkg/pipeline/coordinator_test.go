package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/speckit/automation-core/pkg/agentmanager"
	"github.com/speckit/automation-core/pkg/evidence"
	"github.com/speckit/automation-core/pkg/guardrail"
	"github.com/speckit/automation-core/pkg/model"
	"github.com/speckit/automation-core/pkg/quality"
	"github.com/speckit/automation-core/pkg/store"
)

func newTestStore(t *testing.T) *store.ArtifactStore {
	t.Helper()
	cfg := store.DefaultConfig(filepath.Join(t.TempDir(), "artifacts.db"))
	client, err := store.NewClient(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return store.NewArtifactStore(client)
}

// passEvaluator approves every stage without reading telemetry.
type passEvaluator struct{}

func (passEvaluator) Evaluate(specID model.SpecId, stage model.Stage) (model.GuardrailOutcome, error) {
	return model.GuardrailOutcome{Success: true, Summary: string(stage) + " guardrail passed"}, nil
}

// failEvaluator fails a single stage and passes the rest.
type failEvaluator struct{ failStage model.Stage }

func (f failEvaluator) Evaluate(specID model.SpecId, stage model.Stage) (model.GuardrailOutcome, error) {
	if stage == f.failStage {
		return model.GuardrailOutcome{
			Success:  false,
			Summary:  "schema failure",
			Failures: []string{"Missing required string field baseline.status"},
		}, nil
	}
	return model.GuardrailOutcome{Success: true}, nil
}

// echoDispatcher spawns an agent ID and asynchronously completes it with a
// canned response keyed by agent name.
type echoDispatcher struct {
	coord     *Coordinator
	responses map[string]string // agent name -> response text
	mu        sync.Mutex
	spawned   []string
	counter   atomic.Int64
}

func (d *echoDispatcher) Spawn(ctx context.Context, agentName, prompt string, specID model.SpecId, stage model.Stage, timeout time.Duration) (string, error) {
	id := fmt.Sprintf("agent-%s-%d", agentName, d.counter.Add(1))
	d.mu.Lock()
	d.spawned = append(d.spawned, id)
	d.mu.Unlock()
	response := d.responses[agentName]
	go d.coord.OnAgentCompleted(ctx, id, response)
	return id, nil
}

// silentDispatcher spawns agents that never respond.
type silentDispatcher struct{ counter atomic.Int64 }

func (d *silentDispatcher) Spawn(ctx context.Context, agentName, prompt string, specID model.SpecId, stage model.Stage, timeout time.Duration) (string, error) {
	return fmt.Sprintf("silent-%s-%d", agentName, d.counter.Add(1)), nil
}

// stubBroker returns a fixed set of quality artifacts.
type stubBroker struct {
	artifacts []quality.AgentArtifact
	missing   []string
}

func (b *stubBroker) Fetch(ctx context.Context, agentIDs []string, expectedAgents []string) (quality.BrokerResult, error) {
	return quality.BrokerResult{Artifacts: b.artifacts, MissingAgents: b.missing}, nil
}

// chanObserver surfaces escalation decisions to tests. The notification is
// sent while the event loop is still inside onBrokerComplete, so a
// HumanAnswersProvided submitted in response is always applied after the
// awaiting-human phase is in place.
type chanObserver struct {
	escalations chan model.QualityCheckpoint
}

func (o *chanObserver) StageTransition(model.Stage, string) {}
func (o *chanObserver) DegradedStage(model.Stage) {}
func (o *chanObserver) QualityResolution(cp model.QualityCheckpoint, kind model.ResolutionKind) {
	if kind == model.ResolutionEscalate {
		o.escalations <- cp
	}
}

func qualityDoc(agent, issueID, answer, magnitude, resolvability string) quality.AgentArtifact {
	return quality.AgentArtifact{
		AgentName: agent,
		Doc: map[string]any{
			"stage": "quality-gate-clarify",
			"agent": agent,
			"issues": []any{
				map[string]any{
					"id":            issueID,
					"description":   "ambiguous requirement",
					"answer":        answer,
					"confidence":    "high",
					"magnitude":     magnitude,
					"resolvability": resolvability,
				},
			},
		},
	}
}

func testOptions(t *testing.T, st *store.ArtifactStore, broker Broker) (Options, *evidence.Repository) {
	t.Helper()
	repo := evidence.NewRepository(t.TempDir())
	return Options{
		Store:          st,
		Evidence:       repo,
		Evaluator:      passEvaluator{},
		Tracker:        agentmanager.NewManager(),
		Broker:         broker,
		ExpectedAgents: []string{"claude", "gpt", "gemini"},
		AgentDeadline:  5 * time.Second,
	}, repo
}

func TestCoordinator_FullPipelineWithoutQualityGates(t *testing.T) {
	st := newTestStore(t)
	opts, repo := testOptions(t, st, &stubBroker{})
	state := NewSpecAutoState("TST-100", "ship it", "run-1", model.MainPipelineStages, false)
	coord := NewCoordinator(state, opts)

	dispatcher := &echoDispatcher{coord: coord, responses: map[string]string{
		"claude": `{"result":"a"}`, "gpt": `{"result":"a"}`, "gemini": `{"result":"b"}`,
	}}
	coord.opts.Dispatcher = dispatcher

	require.NoError(t, coord.Run(context.Background()))
	assert.True(t, state.Finished())
	assert.Equal(t, PhaseDone, state.Phase.Kind)

	// Every stage persisted a synthesis and mirrored it to evidence.
	for _, stage := range model.MainPipelineStages {
		blob, found, err := st.QueryLatestSynthesis(context.Background(), "TST-100", stage)
		require.NoError(t, err)
		assert.True(t, found, "synthesis missing for stage %s", stage)
		assert.NotEmpty(t, blob)

		ok, err := repo.HasEvidence("TST-100", stage, evidence.CategorySynthesis)
		require.NoError(t, err)
		assert.True(t, ok, "evidence export missing for stage %s", stage)
	}

	// The validate lifecycle completed exactly one run.
	last, ok := state.Lifecycle.LastCompletion()
	require.True(t, ok)
	assert.Equal(t, RunCompleted, last.Status)
	assert.Equal(t, 1, last.Attempt)
	_, active := state.Lifecycle.Active()
	assert.False(t, active)
}

func TestCoordinator_NativeGuardrailBypassesTelemetry(t *testing.T) {
	st := newTestStore(t)
	opts, _ := testOptions(t, st, &stubBroker{})
	// The telemetry evaluator would fail Plan; the native check must be
	// the one consulted.
	opts.Evaluator = failEvaluator{failStage: model.StagePlan}
	opts.NativeChecks = map[model.Stage]guardrail.NativeCheck{
		model.StagePlan: func(ctx context.Context) (model.GuardrailOutcome, error) {
			return model.GuardrailOutcome{Success: true, Summary: "working tree clean"}, nil
		},
	}
	state := NewSpecAutoState("TST-107", "goal", "run-1", []model.Stage{model.StagePlan}, false)
	coord := NewCoordinator(state, opts)
	coord.opts.Dispatcher = &echoDispatcher{coord: coord, responses: map[string]string{
		"claude": "ok", "gpt": "ok", "gemini": "ok",
	}}

	require.NoError(t, coord.Run(context.Background()))
	assert.True(t, state.Finished())
}

func TestCoordinator_NativeGuardrailFailureStopsPipeline(t *testing.T) {
	st := newTestStore(t)
	opts, _ := testOptions(t, st, &stubBroker{})
	opts.NativeChecks = map[model.Stage]guardrail.NativeCheck{
		model.StagePlan: func(ctx context.Context) (model.GuardrailOutcome, error) {
			return model.GuardrailOutcome{
				Success:  false,
				Summary:  "working tree has uncommitted changes",
				Failures: []string{" M pkg/store/client.go"},
			}, nil
		},
	}
	state := NewSpecAutoState("TST-108", "goal", "run-1", []model.Stage{model.StagePlan}, false)
	coord := NewCoordinator(state, opts)
	coord.opts.Dispatcher = &echoDispatcher{coord: coord, responses: map[string]string{}}

	err := coord.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "uncommitted changes")
	assert.Equal(t, 0, state.CurrentIndex)
}

func TestCoordinator_GuardrailFailureStopsPipeline(t *testing.T) {
	st := newTestStore(t)
	opts, _ := testOptions(t, st, &stubBroker{})
	opts.Evaluator = failEvaluator{failStage: model.StagePlan}
	state := NewSpecAutoState("TST-101", "goal", "run-1", model.MainPipelineStages, false)
	coord := NewCoordinator(state, opts)
	coord.opts.Dispatcher = &echoDispatcher{coord: coord, responses: map[string]string{}}

	err := coord.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "guardrail failed")
	assert.Equal(t, PhaseFailed, state.Phase.Kind)
	assert.Equal(t, 0, state.CurrentIndex, "pipeline must not advance past a failed guardrail")

	// No consensus run was created for the failed stage.
	_, found, err := st.QueryLatestSynthesis(context.Background(), "TST-101", model.StagePlan)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestCoordinator_QualityGateAutoResolves(t *testing.T) {
	st := newTestStore(t)
	broker := &stubBroker{artifacts: []quality.AgentArtifact{
		qualityDoc("claude", "Q1", "yes", "minor", "auto-fix"),
		qualityDoc("gpt", "Q1", "yes", "minor", "auto-fix"),
		qualityDoc("gemini", "Q1", "yes", "minor", "auto-fix"),
	}}
	opts, repo := testOptions(t, st, broker)
	stages := []model.Stage{model.StagePlan}
	state := NewSpecAutoState("TST-102", "goal", "run-1", stages, true)
	coord := NewCoordinator(state, opts)
	coord.opts.Dispatcher = &echoDispatcher{coord: coord, responses: map[string]string{
		"claude": "ok", "gpt": "ok", "gemini": "ok",
	}}

	require.NoError(t, coord.Run(context.Background()))

	// Both pre-pipeline checkpoints completed; the unanimous issue
	// auto-resolved each time and nothing escalated.
	assert.True(t, state.CompletedCheckpoints[model.CheckpointBeforeSpecify])
	assert.True(t, state.CompletedCheckpoints[model.CheckpointAfterSpecify])
	assert.Len(t, state.ResolvedIssues, 2)
	assert.Empty(t, state.EscalatedIssues)

	// Checkpoint telemetry landed in the consensus tree.
	files, err := repo.ListFiles(filepath.Join(repo.Root, "consensus", "TST-102"), "quality-gate-before-specify")
	require.NoError(t, err)
	assert.Len(t, files, 1)
}

func TestCoordinator_QualityGateEscalationAwaitsHuman(t *testing.T) {
	st := newTestStore(t)
	broker := &stubBroker{artifacts: []quality.AgentArtifact{
		qualityDoc("claude", "Q1", "yes", "critical", "need-human"),
		qualityDoc("gpt", "Q1", "yes", "critical", "need-human"),
		qualityDoc("gemini", "Q1", "no", "critical", "need-human"),
	}}
	opts, _ := testOptions(t, st, broker)
	obs := &chanObserver{escalations: make(chan model.QualityCheckpoint, 8)}
	opts.Observer = obs
	stages := []model.Stage{model.StagePlan}
	state := NewSpecAutoState("TST-103", "goal", "run-1", stages, true)
	coord := NewCoordinator(state, opts)
	coord.opts.Dispatcher = &echoDispatcher{coord: coord, responses: map[string]string{
		"claude": "ok", "gpt": "ok", "gemini": "ok",
	}}

	done := make(chan error, 1)
	go func() { done <- coord.Run(context.Background()) }()

	// Answer each checkpoint's escalation as it surfaces.
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		select {
		case cp := <-obs.escalations:
			require.True(t, coord.Submit(ctx, HumanAnswersProvided{Checkpoint: cp, Answers: map[string]string{"Q1": "yes"}}))
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for escalation")
		}
	}

	require.NoError(t, <-done)
	assert.True(t, state.Finished())
	assert.Len(t, state.EscalatedIssues, 2)
}

func TestCoordinator_UnanimousCriticalIsGatedToHuman(t *testing.T) {
	// Unanimous agreement makes the resolver propose an AutoApply, but
	// the decision matrix blocks materializing it for critical issues:
	// the coordinator must demote it to an escalation.
	st := newTestStore(t)
	broker := &stubBroker{artifacts: []quality.AgentArtifact{
		qualityDoc("claude", "Q1", "yes", "critical", "auto-fix"),
		qualityDoc("gpt", "Q1", "yes", "critical", "auto-fix"),
		qualityDoc("gemini", "Q1", "yes", "critical", "auto-fix"),
	}}
	opts, _ := testOptions(t, st, broker)
	obs := &chanObserver{escalations: make(chan model.QualityCheckpoint, 8)}
	opts.Observer = obs
	state := NewSpecAutoState("TST-106", "goal", "run-1", []model.Stage{model.StagePlan}, true)
	coord := NewCoordinator(state, opts)
	coord.opts.Dispatcher = &echoDispatcher{coord: coord, responses: map[string]string{
		"claude": "ok", "gpt": "ok", "gemini": "ok",
	}}

	done := make(chan error, 1)
	go func() { done <- coord.Run(context.Background()) }()

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		select {
		case cp := <-obs.escalations:
			require.True(t, coord.Submit(ctx, HumanAnswersProvided{Checkpoint: cp, Answers: map[string]string{"Q1": "yes"}}))
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for gated escalation")
		}
	}

	require.NoError(t, <-done)
	assert.Empty(t, state.ResolvedIssues, "critical issues must never auto-resolve")
	assert.Len(t, state.EscalatedIssues, 2)
}

func TestCoordinator_DeadlineProceedsDegraded(t *testing.T) {
	st := newTestStore(t)
	opts, _ := testOptions(t, st, &stubBroker{})
	opts.AgentDeadline = 50 * time.Millisecond
	stages := []model.Stage{model.StagePlan}
	state := NewSpecAutoState("TST-104", "goal", "run-1", stages, false)
	coord := NewCoordinator(state, opts)
	coord.opts.Dispatcher = &silentDispatcher{}

	require.NoError(t, coord.Run(context.Background()))
	assert.True(t, state.Finished())
	assert.True(t, state.DegradedStages[model.StagePlan])
	assert.True(t, state.DegradedFollowups[model.StagePlan])

	blob, found, err := st.QueryLatestSynthesis(context.Background(), "TST-104", model.StagePlan)
	require.NoError(t, err)
	require.True(t, found)
	assert.Contains(t, blob, `"degraded":true`)
}

func TestCoordinator_CancellationCompletesValidateAsCancelled(t *testing.T) {
	st := newTestStore(t)
	opts, _ := testOptions(t, st, &stubBroker{})
	opts.AgentDeadline = time.Hour
	stages := []model.Stage{model.StageValidate}
	state := NewSpecAutoState("TST-105", "goal", "run-1", stages, false)
	coord := NewCoordinator(state, opts)
	coord.opts.Dispatcher = &silentDispatcher{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- coord.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, active := state.Lifecycle.Active()
		return active
	}, 5*time.Second, 10*time.Millisecond)
	cancel()

	err := <-done
	require.Error(t, err)
	last, ok := state.Lifecycle.LastCompletion()
	require.True(t, ok)
	assert.Equal(t, RunCancelled, last.Status)
}
