// Package pipeline implements the Pipeline Coordinator (C7): the top-level
// state machine for `auto` runs. The coordinator never blocks waiting for
// external work — guardrail evaluations, agent completions, and broker
// fetches resume it through events applied serially by a single dispatcher
// goroutine, so no two tasks ever mutate SpecAutoState concurrently.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/speckit/automation-core/pkg/evidence"
	"github.com/speckit/automation-core/pkg/guardrail"
	"github.com/speckit/automation-core/pkg/model"
	"github.com/speckit/automation-core/pkg/quality"
	"github.com/speckit/automation-core/pkg/store"
)

// Store is the subset of the artifact store the coordinator drives.
type Store interface {
	evidence.ArtifactSource
	StoreArtifact(ctx context.Context, specID model.SpecId, stage model.Stage, agentName, modelVersion, contentJSON string) (int64, error)
	StoreSynthesis(ctx context.Context, in store.SynthesisInput) (int64, error)
	RecordAgentSpawn(ctx context.Context, e model.AgentExecution) error
	GetAgentSpawnInfo(ctx context.Context, agentID string) (*store.SpawnInfo, error)
	GetAgentName(ctx context.Context, agentID string) (string, error)
	RecordAgentCompletion(ctx context.Context, agentID, responseText string) error
	RecordExtractionFailure(ctx context.Context, agentID, rawOutput, extractionErr string) error
}

// EvidenceRepo is the subset of the evidence repository the coordinator
// drives.
type EvidenceRepo interface {
	AutoExportStageEvidence(ctx context.Context, src evidence.ArtifactSource, specID model.SpecId, stage model.Stage, now func() time.Time) error
	WriteQualityCheckpointTelemetry(ctx context.Context, specID model.SpecId, checkpoint model.QualityCheckpoint, doc any, writtenAt time.Time) (string, error)
}

// GuardrailEvaluator derives a pass/fail outcome from the latest stage
// telemetry.
type GuardrailEvaluator interface {
	Evaluate(specID model.SpecId, stage model.Stage) (model.GuardrailOutcome, error)
}

// GuardrailRunner runs the external guardrail script for a stage, writing
// telemetry to the commands/ tree as a side effect. Optional: when absent,
// the coordinator evaluates whatever telemetry already exists.
type GuardrailRunner interface {
	Run(ctx context.Context, specID model.SpecId, stage model.Stage) error
}

// AgentDispatcher spawns external agents. Completion arrives back through
// Coordinator.OnAgentCompleted / OnAgentFailed, not a return value.
type AgentDispatcher interface {
	Spawn(ctx context.Context, agentName, prompt string, specID model.SpecId, stage model.Stage, timeout time.Duration) (string, error)
}

// AgentTracker is the in-process registry updated alongside the store's
// AgentExecution rows.
type AgentTracker interface {
	Spawn(agentID, agentName, modelVersion string) error
	Complete(agentID, result string)
	Fail(agentID, errMsg string)
}

// Broker fetches per-agent quality artifacts for a checkpoint.
type Broker interface {
	Fetch(ctx context.Context, agentIDs []string, expectedAgents []string) (quality.BrokerResult, error)
}

// Observer receives pipeline progress notifications; pkg/metrics provides
// the Prometheus-backed implementation. All methods must be cheap.
type Observer interface {
	StageTransition(stage model.Stage, outcome string)
	QualityResolution(checkpoint model.QualityCheckpoint, kind model.ResolutionKind)
	DegradedStage(stage model.Stage)
}

// Options bundles the coordinator's collaborators and tuning.
type Options struct {
	Store      Store
	Evidence   EvidenceRepo
	Evaluator  GuardrailEvaluator
	Runner     GuardrailRunner // optional
	Dispatcher AgentDispatcher
	Tracker    AgentTracker
	Broker     Broker
	Observer   Observer // optional

	// NativeChecks routes a stage's guardrail through a lightweight
	// in-process check instead of the external script + telemetry path.
	// The check runs asynchronously and resumes the coordinator through
	// the same GuardrailComplete event.
	NativeChecks map[model.Stage]guardrail.NativeCheck

	ExpectedAgents []string
	AgentDeadline  time.Duration
	AgentTimeout   time.Duration // per-spawn timeout handed to the dispatcher

	// SpecFilePath is the on-disk spec document auto-resolved quality
	// fixes are applied to. Empty disables application (resolutions are
	// still recorded and exported).
	SpecFilePath string

	Logger *slog.Logger
	Now    func() time.Time
}

// Coordinator drives one SpecAutoState through the stage loop.
type Coordinator struct {
	opts   Options
	state  *SpecAutoState
	events *dispatcher
	log    *slog.Logger
	now    func() time.Time

	failure error
}

// NewCoordinator builds a coordinator for one auto run.
func NewCoordinator(state *SpecAutoState, opts Options) *Coordinator {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	if opts.AgentDeadline <= 0 {
		opts.AgentDeadline = 2 * time.Minute
	}
	if opts.AgentTimeout <= 0 {
		opts.AgentTimeout = 10 * time.Minute
	}
	return &Coordinator{
		opts:   opts,
		state:  state,
		events: newDispatcher(64),
		log:    log.With("spec_id", state.SpecID, "run_id", state.RunID),
		now:    now,
	}
}

// State returns the coordinator's running state. Callers must only inspect
// it after Run returns — during the run it is owned by the event loop.
func (c *Coordinator) State() *SpecAutoState { return c.state }

// Submit delivers an event to the coordinator; used by collaborators
// (agent dispatcher callbacks, native guardrails) and tests.
func (c *Coordinator) Submit(ctx context.Context, ev Event) bool {
	return c.events.submit(ctx, ev)
}

// OnAgentCompleted adapts an external AgentCompleted callback to an event.
func (c *Coordinator) OnAgentCompleted(ctx context.Context, agentID, responseText string) {
	c.Submit(ctx, AgentCompleted{AgentID: agentID, ResponseText: responseText})
}

// OnAgentFailed adapts an external AgentFailed callback to an event.
func (c *Coordinator) OnAgentFailed(ctx context.Context, agentID, errMsg string) {
	c.Submit(ctx, AgentFailed{AgentID: agentID, Error: errMsg})
}

// Run executes the pipeline until every stage completes, a guardrail or
// consensus failure stops it, or ctx is cancelled. It blocks the calling
// goroutine; all state mutation happens here, serially.
func (c *Coordinator) Run(ctx context.Context) error {
	if !c.step(ctx) {
		return c.finish(ctx)
	}
	c.events.run(ctx, func(ev Event) bool {
		return c.apply(ctx, ev)
	})
	if ctx.Err() != nil && c.failure == nil && !c.state.Finished() {
		c.failure = ctx.Err()
		if active, ok := c.state.Lifecycle.Active(); ok {
			c.state.Lifecycle.Complete(active.RunID, RunCancelled)
		}
	}
	return c.finish(ctx)
}

func (c *Coordinator) finish(ctx context.Context) error {
	if c.failure != nil {
		c.state.Phase = Phase{Kind: PhaseFailed}
		return c.failure
	}
	c.state.Phase = Phase{Kind: PhaseDone}
	c.log.Info("pipeline completed",
		"stages", len(c.state.Stages),
		"resolved_issues", len(c.state.ResolvedIssues),
		"escalated_issues", len(c.state.EscalatedIssues))
	return nil
}

// step advances the pipeline from a between-stages position: runs the next
// due quality checkpoint or the next stage's guardrail. Returns false when
// the pipeline is finished.
func (c *Coordinator) step(ctx context.Context) bool {
	stage, ok := c.state.CurrentStage()
	if !ok {
		return false
	}
	if cp, due := c.state.pendingCheckpoint(stage); due {
		return c.startQualityGate(ctx, cp)
	}
	c.startGuardrail(ctx, stage)
	return true
}

func (c *Coordinator) apply(ctx context.Context, ev Event) bool {
	switch e := ev.(type) {
	case GuardrailComplete:
		return c.onGuardrailComplete(ctx, e)
	case AgentCompleted:
		return c.onAgentCompleted(ctx, e)
	case AgentFailed:
		return c.onAgentFailed(ctx, e)
	case BrokerComplete:
		return c.onBrokerComplete(ctx, e)
	case AgentDeadlineExpired:
		return c.onAgentDeadline(ctx, e)
	case HumanAnswersProvided:
		return c.onHumanAnswers(ctx, e)
	default:
		c.log.Warn("unknown event ignored", "kind", fmt.Sprintf("%T", ev))
		return true
	}
}

// --- guardrail phase ---

func (c *Coordinator) startGuardrail(ctx context.Context, stage model.Stage) {
	c.state.Phase = Phase{Kind: PhaseGuardrail}
	c.log.Info("guardrail dispatched", "stage", stage)

	if check, ok := c.opts.NativeChecks[stage]; ok {
		go func() {
			outcome, err := check(ctx)
			c.events.submit(ctx, GuardrailComplete{Stage: stage, Outcome: outcome, Err: err})
		}()
		return
	}

	go func() {
		if c.opts.Runner != nil {
			if err := c.opts.Runner.Run(ctx, c.state.SpecID, stage); err != nil {
				// The script's own exit status is advisory — the telemetry
				// it wrote (or failed to write) is the source of truth.
				c.log.Warn("guardrail script error", "stage", stage, "error", err)
			}
		}
		outcome, err := c.opts.Evaluator.Evaluate(c.state.SpecID, stage)
		c.events.submit(ctx, GuardrailComplete{Stage: stage, Outcome: outcome, Err: err})
	}()
}

func (c *Coordinator) onGuardrailComplete(ctx context.Context, e GuardrailComplete) bool {
	stage, ok := c.state.CurrentStage()
	if !ok || stage != e.Stage || c.state.Phase.Kind != PhaseGuardrail {
		c.log.Warn("stale guardrail event ignored", "stage", e.Stage)
		return true
	}
	if e.Err != nil {
		c.failure = fmt.Errorf("guardrail for stage %s: %w", stage, e.Err)
		return false
	}
	if !e.Outcome.Ok() {
		c.observeStage(stage, "guardrail_failed")
		c.failure = fmt.Errorf("guardrail failed for stage %s: %s", stage, e.Outcome.Summary)
		return false
	}
	c.log.Info("guardrail passed", "stage", stage, "telemetry", e.Outcome.TelemetryPath)
	return c.startAgents(ctx, stage)
}

// --- agent execution phase ---

func (c *Coordinator) startAgents(ctx context.Context, stage model.Stage) bool {
	if stage == model.StageValidate {
		begin := c.state.Lifecycle.Begin(ValidateModeAuto, c.validatePayloadHash(stage))
		switch begin.Outcome {
		case BeginDuplicate:
			c.log.Info("validate begin deduplicated", "run", begin.RunID, "dedupe_count", begin.DedupeCount)
			return true
		case BeginConflict:
			c.failure = fmt.Errorf("validate lifecycle conflict for %s: run %s active", c.state.SpecID, begin.RunID)
			return false
		}
	}

	agentIDs, err := c.dispatchAgents(ctx, stage, model.PhaseTypeRegularStage)
	if err != nil {
		c.failure = err
		return false
	}
	c.state.Phase = Phase{
		Kind:            PhaseExecutingAgents,
		ExpectedAgents:  append([]string(nil), c.opts.ExpectedAgents...),
		CompletedAgents: make(map[string]bool),
		AgentIDs:        agentIDs,
	}
	if active, ok := c.state.Lifecycle.Active(); ok && stage == model.StageValidate {
		c.state.Lifecycle.MarkDispatched(active.RunID)
	}
	c.armDeadline(ctx, stage, "")
	return true
}

func (c *Coordinator) dispatchAgents(ctx context.Context, stage model.Stage, phaseType model.PhaseType) ([]string, error) {
	prompt := fmt.Sprintf("Spec %s, stage %s: %s", c.state.SpecID, stage, c.state.Goal)
	agentIDs := make([]string, 0, len(c.opts.ExpectedAgents))
	for _, name := range c.opts.ExpectedAgents {
		agentID, err := c.opts.Dispatcher.Spawn(ctx, name, prompt, c.state.SpecID, stage, c.opts.AgentTimeout)
		if err != nil {
			return nil, fmt.Errorf("spawn agent %s for stage %s: %w", name, stage, err)
		}
		if err := c.opts.Tracker.Spawn(agentID, name, ""); err != nil {
			c.log.Warn("agent tracker spawn", "agent_id", agentID, "error", err)
		}
		if err := c.opts.Store.RecordAgentSpawn(ctx, model.AgentExecution{
			AgentID:   agentID,
			SpecID:    c.state.SpecID,
			Stage:     stage,
			PhaseType: phaseType,
			AgentName: name,
			SpawnedAt: c.now(),
		}); err != nil {
			// Without the tracking row the completion event cannot be
			// routed; fail the dispatch rather than strand the agent.
			return nil, fmt.Errorf("record agent spawn %s: %w", agentID, err)
		}
		agentIDs = append(agentIDs, agentID)
	}
	c.log.Info("agents dispatched", "stage", stage, "phase_type", phaseType, "count", len(agentIDs))
	return agentIDs, nil
}

func (c *Coordinator) armDeadline(ctx context.Context, stage model.Stage, cp model.QualityCheckpoint) {
	time.AfterFunc(c.opts.AgentDeadline, func() {
		c.events.submit(ctx, AgentDeadlineExpired{Stage: stage, Checkpoint: cp})
	})
}

func (c *Coordinator) onAgentCompleted(ctx context.Context, e AgentCompleted) bool {
	info, err := c.opts.Store.GetAgentSpawnInfo(ctx, e.AgentID)
	if err != nil || info == nil {
		c.log.Warn("completion for unknown agent", "agent_id", e.AgentID, "error", err)
		return true
	}
	c.opts.Tracker.Complete(e.AgentID, e.ResponseText)
	if err := c.opts.Store.RecordAgentCompletion(ctx, e.AgentID, e.ResponseText); err != nil {
		c.log.Warn("record agent completion", "agent_id", e.AgentID, "error", err)
	}
	name, err := c.opts.Store.GetAgentName(ctx, e.AgentID)
	if err != nil || name == "" {
		c.log.Warn("agent name lookup failed", "agent_id", e.AgentID, "error", err)
		return true
	}

	switch info.PhaseType {
	case model.PhaseTypeRegularStage:
		if c.state.Phase.Kind != PhaseExecutingAgents || !c.state.Phase.ownsAgent(e.AgentID) {
			return true // late completion from an already-advanced stage
		}
		if _, err := c.opts.Store.StoreArtifact(ctx, c.state.SpecID, info.Stage, name, "", e.ResponseText); err != nil {
			c.log.Error("store artifact", "agent", name, "stage", info.Stage, "error", err)
		}
		c.state.Phase.CompletedAgents[name] = true
		if len(c.state.Phase.pendingAgents()) == 0 {
			return c.checkConsensus(ctx, info.Stage, false)
		}
	case model.PhaseTypeQualityGate:
		if c.state.Phase.Kind != PhaseQualityGateExecuting || !c.state.Phase.ownsAgent(e.AgentID) {
			return true
		}
		c.state.Phase.CompletedAgents[name] = true
		if len(c.state.Phase.pendingAgents()) == 0 {
			c.startBroker(ctx, c.state.Phase.Checkpoint, c.state.Phase.AgentIDs)
		}
	}
	return true
}

func (c *Coordinator) onAgentFailed(ctx context.Context, e AgentFailed) bool {
	c.opts.Tracker.Fail(e.AgentID, e.Error)
	if err := c.opts.Store.RecordExtractionFailure(ctx, e.AgentID, "", e.Error); err != nil {
		c.log.Warn("record agent failure", "agent_id", e.AgentID, "error", err)
	}
	name, _ := c.opts.Store.GetAgentName(ctx, e.AgentID)
	c.log.Warn("agent failed", "agent_id", e.AgentID, "agent", name, "error", e.Error)
	// The agent counts as missing for consensus; the deadline decides
	// whether the phase proceeds degraded.
	return true
}

func (c *Coordinator) onAgentDeadline(ctx context.Context, e AgentDeadlineExpired) bool {
	switch c.state.Phase.Kind {
	case PhaseExecutingAgents:
		if e.Checkpoint != "" {
			return true // stale quality-gate deadline
		}
		stage, ok := c.state.CurrentStage()
		if !ok || stage != e.Stage {
			return true
		}
		missing := c.state.Phase.pendingAgents()
		if len(missing) == 0 {
			return true
		}
		c.markDegraded(stage, "", missing)
		return c.checkConsensus(ctx, stage, true)
	case PhaseQualityGateExecuting:
		if e.Checkpoint != c.state.Phase.Checkpoint {
			return true
		}
		missing := c.state.Phase.pendingAgents()
		if len(missing) == 0 {
			return true
		}
		stage, _ := c.state.CurrentStage()
		c.markDegraded(stage, e.Checkpoint, missing)
		c.startBroker(ctx, e.Checkpoint, c.state.Phase.AgentIDs)
		return true
	default:
		return true
	}
}

// markDegraded records missing agents and schedules the once-per-stage
// follow-up remediation.
func (c *Coordinator) markDegraded(stage model.Stage, cp model.QualityCheckpoint, missing []string) {
	c.state.DegradedStages[stage] = true
	if cp != "" {
		c.state.QualityCheckpointDegradations[cp] = append(c.state.QualityCheckpointDegradations[cp], missing...)
	}
	if !c.state.DegradedFollowups[stage] {
		c.state.DegradedFollowups[stage] = true
		c.log.Warn("degraded mode: follow-up remediation scheduled",
			"stage", stage, "checkpoint", cp, "missing_agents", missing)
	}
	if c.opts.Observer != nil {
		c.opts.Observer.DegradedStage(stage)
	}
}

// --- consensus phase ---

func (c *Coordinator) checkConsensus(ctx context.Context, stage model.Stage, degraded bool) bool {
	c.state.Phase = Phase{Kind: PhaseCheckingConsensus}
	if active, ok := c.state.Lifecycle.Active(); ok && stage == model.StageValidate {
		c.state.Lifecycle.MarkCheckingConsensus(active.RunID)
	}

	outputs, err := c.opts.Store.QueryArtifacts(ctx, c.state.SpecID, stage)
	if err != nil {
		c.failure = fmt.Errorf("query artifacts for stage %s: %w", stage, err)
		c.completeValidate(stage, RunFailed)
		return false
	}
	if len(outputs) < minRequiredAgents(c.opts.ExpectedAgents) {
		degraded = true
		c.state.DegradedStages[stage] = true
	}

	agreements, conflicts := summarizeOutputs(outputs)
	status := "passed"
	if degraded {
		status = "degraded"
	}
	if _, err := c.opts.Store.StoreSynthesis(ctx, store.SynthesisInput{
		SpecID:         c.state.SpecID,
		Stage:          stage,
		OutputMarkdown: renderSynthesisMarkdown(stage, outputs, agreements, conflicts),
		Status:         status,
		ArtifactsCount: len(outputs),
		Agreements:     agreements,
		Conflicts:      conflicts,
		Degraded:       degraded,
	}); err != nil {
		c.failure = fmt.Errorf("store synthesis for stage %s: %w", stage, err)
		c.completeValidate(stage, RunFailed)
		return false
	}

	// Evidence export is best-effort: it must never fail the pipeline.
	if err := c.opts.Evidence.AutoExportStageEvidence(ctx, c.opts.Store, c.state.SpecID, stage, c.now); err != nil {
		c.log.Warn("evidence auto-export failed", "stage", stage, "error", err)
	}

	c.completeValidate(stage, RunCompleted)
	c.observeStage(stage, status)
	c.log.Info("stage completed", "stage", stage, "degraded", degraded, "artifacts", len(outputs))
	c.state.CurrentIndex++
	return c.step(ctx)
}

func (c *Coordinator) completeValidate(stage model.Stage, status RunStatus) {
	if stage != model.StageValidate {
		return
	}
	if active, ok := c.state.Lifecycle.Active(); ok {
		c.state.Lifecycle.Complete(active.RunID, status)
	}
}

func (c *Coordinator) validatePayloadHash(stage model.Stage) string {
	h := sha256.Sum256([]byte(string(c.state.SpecID) + "|" + string(stage) + "|" + c.state.Goal))
	return hex.EncodeToString(h[:])
}

func (c *Coordinator) observeStage(stage model.Stage, outcome string) {
	if c.opts.Observer != nil {
		c.opts.Observer.StageTransition(stage, outcome)
	}
}

// --- quality gate phases ---

func (c *Coordinator) startQualityGate(ctx context.Context, cp model.QualityCheckpoint) bool {
	gate := model.CheckpointGateType[cp]
	agentIDs, err := c.dispatchAgents(ctx, gate, model.PhaseTypeQualityGate)
	if err != nil {
		c.failure = err
		return false
	}
	c.state.Phase = Phase{
		Kind:            PhaseQualityGateExecuting,
		Checkpoint:      cp,
		Gates:           []model.Stage{gate},
		ExpectedAgents:  append([]string(nil), c.opts.ExpectedAgents...),
		CompletedAgents: make(map[string]bool),
		AgentIDs:        agentIDs,
	}
	c.armDeadline(ctx, "", cp)
	c.log.Info("quality gate dispatched", "checkpoint", cp, "gate", gate)
	return true
}

func (c *Coordinator) startBroker(ctx context.Context, cp model.QualityCheckpoint, agentIDs []string) {
	expected := append([]string(nil), c.opts.ExpectedAgents...)
	go func() {
		result, err := c.opts.Broker.Fetch(ctx, agentIDs, expected)
		c.events.submit(ctx, BrokerComplete{Checkpoint: cp, Result: result, Err: err})
	}()
}

func (c *Coordinator) onBrokerComplete(ctx context.Context, e BrokerComplete) bool {
	if c.state.Phase.Kind != PhaseQualityGateExecuting || c.state.Phase.Checkpoint != e.Checkpoint {
		c.log.Warn("stale broker event ignored", "checkpoint", e.Checkpoint)
		return true
	}
	if e.Err != nil {
		c.failure = fmt.Errorf("quality gate broker for %s: %w", e.Checkpoint, e.Err)
		return false
	}

	gates := c.state.Phase.Gates
	for _, d := range e.Result.Diagnostics {
		c.log.Info("broker diagnostic", "checkpoint", e.Checkpoint, "detail", d)
	}
	if len(e.Result.MissingAgents) > 0 {
		stage, _ := c.state.CurrentStage()
		c.markDegraded(stage, e.Checkpoint, e.Result.MissingAgents)
	}

	perAgent := make([][]model.QualityIssue, 0, len(e.Result.Artifacts))
	for _, a := range e.Result.Artifacts {
		issues, err := quality.ParseIssues(a.AgentName, a.Doc)
		if err != nil {
			c.log.Warn("quality artifact parse failed", "agent", a.AgentName, "error", err)
			continue
		}
		perAgent = append(perAgent, issues)
	}
	merged := quality.MergeIssues(perAgent)

	resolutions := make(map[string]model.Resolution, len(merged))
	var autoResolved, escalated []model.QualityIssue
	for _, issue := range merged {
		res := quality.ResolveQualityIssue(issue, c.state.LearnedPatterns)
		// The resolver's verdict is confidence-driven; the decision
		// matrix is a separate gate on materializing it. A unanimous
		// answer on a critical issue still goes to a human. The learned
		// pattern lift (Medium-confidence AutoApply) is exempt.
		if res.Kind == model.ResolutionAutoApply && res.Confidence == model.ConfidenceHigh &&
			!quality.ShouldAutoResolve(issue.Confidence, issue.Magnitude, issue.Resolvability) {
			rec := res.Answer
			res = model.Resolution{
				Kind:        model.ResolutionEscalate,
				Confidence:  res.Confidence,
				Reason:      "Unanimous (3/3) - human review required",
				Recommended: &rec,
				AllAnswers:  res.AllAnswers,
			}
		}
		resolutions[issue.ID] = res
		switch res.Kind {
		case model.ResolutionAutoApply:
			c.applyAutoResolution(issue, res)
			autoResolved = append(autoResolved, issue)
		case model.ResolutionEscalate:
			escalated = append(escalated, issue)
		}
		if c.opts.Observer != nil {
			c.opts.Observer.QualityResolution(e.Checkpoint, res.Kind)
		}
	}

	c.state.Phase = Phase{
		Kind:         PhaseQualityGateProcessing,
		Checkpoint:   e.Checkpoint,
		Gates:        gates,
		AutoResolved: autoResolved,
		Escalated:    escalated,
	}
	c.state.ResolvedIssues = append(c.state.ResolvedIssues, autoResolved...)
	c.state.EscalatedIssues = append(c.state.EscalatedIssues, escalated...)

	doc := quality.BuildCheckpointTelemetry(
		c.state.SpecID, e.Checkpoint, merged, resolutions,
		c.state.QualityCheckpointDegradations[e.Checkpoint], c.now())
	if _, err := c.opts.Evidence.WriteQualityCheckpointTelemetry(ctx, c.state.SpecID, e.Checkpoint, doc, c.now()); err != nil {
		c.log.Warn("quality checkpoint telemetry write failed", "checkpoint", e.Checkpoint, "error", err)
	}

	if len(escalated) > 0 {
		c.state.Phase.Kind = PhaseQualityGateAwaitingHuman
		c.log.Info("quality gate awaiting human answers",
			"checkpoint", e.Checkpoint, "escalated", len(escalated), "auto_resolved", len(autoResolved))
		return true
	}
	return c.finishCheckpoint(ctx, e.Checkpoint)
}

func (c *Coordinator) onHumanAnswers(ctx context.Context, e HumanAnswersProvided) bool {
	if c.state.Phase.Kind != PhaseQualityGateAwaitingHuman || c.state.Phase.Checkpoint != e.Checkpoint {
		c.log.Warn("unexpected human answers ignored", "checkpoint", e.Checkpoint)
		return true
	}
	for _, issue := range c.state.Phase.Escalated {
		if answer, ok := e.Answers[issue.ID]; ok {
			c.applyAutoResolution(issue, model.Resolution{
				Kind:   model.ResolutionAutoApply,
				Answer: answer,
				Reason: "Human validated",
			})
		}
	}
	return c.finishCheckpoint(ctx, e.Checkpoint)
}

func (c *Coordinator) finishCheckpoint(ctx context.Context, cp model.QualityCheckpoint) bool {
	c.state.CompletedCheckpoints[cp] = true
	c.log.Info("quality checkpoint completed", "checkpoint", cp)
	return c.step(ctx)
}

// applyAutoResolution materializes an accepted answer into the on-disk
// spec document, when one is configured.
func (c *Coordinator) applyAutoResolution(issue model.QualityIssue, res model.Resolution) {
	if c.opts.SpecFilePath == "" {
		return
	}
	if err := quality.ApplyResolution(c.opts.SpecFilePath, issue, res); err != nil {
		c.log.Warn("apply auto-resolution", "issue", issue.ID, "error", err)
	}
}

// summarizeOutputs derives agreements and conflicts from agent outputs by
// exact content match: content at least two agents produced verbatim is an
// agreement; unique content is a conflict attributed to its agent.
func summarizeOutputs(outputs []model.AgentOutput) (agreements, conflicts []string) {
	byContent := make(map[string][]string)
	var order []string
	for _, o := range outputs {
		if _, seen := byContent[o.Content]; !seen {
			order = append(order, o.Content)
		}
		byContent[o.Content] = append(byContent[o.Content], o.AgentName)
	}
	for _, content := range order {
		agents := byContent[content]
		if len(agents) >= 2 {
			agreements = append(agreements, fmt.Sprintf("%d agents agree", len(agents)))
		} else {
			conflicts = append(conflicts, fmt.Sprintf("%s diverges", agents[0]))
		}
	}
	return agreements, conflicts
}

func renderSynthesisMarkdown(stage model.Stage, outputs []model.AgentOutput, agreements, conflicts []string) string {
	md := fmt.Sprintf("# %s synthesis\n\n%d agent output(s)\n", stage, len(outputs))
	for _, a := range agreements {
		md += "- agreement: " + a + "\n"
	}
	var links []CausalLink
	for _, cf := range conflicts {
		links = append(links, CausalLink{Cause: cf, Effect: "majority output kept"})
	}
	if len(links) > 0 {
		md += "\n## Causal links\n\n" + FormatCausalLinks(links)
	}
	return md
}
