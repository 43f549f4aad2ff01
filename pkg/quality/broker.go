// Package quality implements the Quality Gate Broker (C5) — which collects
// and extracts per-agent quality artifacts for a checkpoint — and the
// Quality Gate Resolver (C6) — which merges, classifies agreement, and
// decides auto-resolution vs escalation.
package quality

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/speckit/automation-core/pkg/agentmanager"
	"github.com/speckit/automation-core/pkg/model"
	"github.com/speckit/automation-core/pkg/retry"
)

// AgentManagerSource is the subset of *agentmanager.Manager the broker
// needs. Kept as an interface so tests can substitute a fake registry.
type AgentManagerSource interface {
	Snapshot(agentIDs []string) []agentmanager.Record
}

// Broker fetches per-agent quality artifacts from the in-process agent
// manager, falling back to a filesystem scan when an agent's record is
// missing (e.g. after a process restart mid-checkpoint).
type Broker struct {
	Manager    AgentManagerSource
	ResultsDir string // dir containing <agent>/result.txt
	Now        func() time.Time
}

// NewBroker builds a Broker. resultsDir is typically "<cwd>/.code/agents".
func NewBroker(mgr AgentManagerSource, resultsDir string) *Broker {
	return &Broker{Manager: mgr, ResultsDir: resultsDir, Now: time.Now}
}

// AgentArtifact is one agent's extracted quality-gate response. Fetch
// reports AgentName as the matched expected-agent name.
type AgentArtifact struct {
	AgentName string
	Doc       map[string]any
}

// BrokerResult is the fetch outcome for a checkpoint.
type BrokerResult struct {
	Artifacts     []AgentArtifact
	MissingAgents []string
	Diagnostics   []string
}

const filesystemScanCap = 100

// agentsPendingError marks a snapshot that came back with expected agents
// still missing; retryable so Fetch re-snapshots on the bounded backoff
// schedule before settling for a partial result.
type agentsPendingError struct{ missing []string }

func (e *agentsPendingError) Error() string {
	return fmt.Sprintf("agents not yet available: %s", strings.Join(e.missing, ", "))
}

func (e *agentsPendingError) Retryable() bool { return true }

// Fetch resolves per-agent quality artifacts for expectedAgents. While any
// expected agent is still missing, the snapshot is retried on a short
// bounded backoff; after the budget is spent the partial result is
// returned with MissingAgents populated (degraded mode is the caller's
// decision, not an error).
func (b *Broker) Fetch(ctx context.Context, agentIDs []string, expectedAgents []string) (BrokerResult, error) {
	var last BrokerResult
	var lastErr error
	_, err := retry.DoContext(ctx, retry.BrokerFetchConfig(), func() (struct{}, error) {
		last, lastErr = b.fetchOnce(ctx, agentIDs, expectedAgents)
		if lastErr != nil {
			return struct{}{}, lastErr
		}
		if len(last.MissingAgents) > 0 {
			return struct{}{}, &agentsPendingError{missing: last.MissingAgents}
		}
		return struct{}{}, nil
	}, nil)

	if err != nil {
		var exhausted *retry.MaxAttemptsExceededError
		if errors.As(err, &exhausted) && lastErr == nil {
			return last, nil
		}
		var aborted *retry.AbortedError
		if errors.As(err, &aborted) {
			return last, err
		}
		if lastErr != nil {
			return BrokerResult{}, lastErr
		}
		return BrokerResult{}, err
	}
	return last, nil
}

// fetchOnce takes one snapshot: the in-process agent manager first, then
// the filesystem fallback for anything the manager could not serve.
func (b *Broker) fetchOnce(ctx context.Context, agentIDs []string, expectedAgents []string) (BrokerResult, error) {
	var managerArtifacts []AgentArtifact
	var fsArtifacts []AgentArtifact
	var diagnostics []string

	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		managerArtifacts, diagnostics = b.fetchFromManager(agentIDs)
		return nil
	})
	g.Go(func() error {
		var err error
		fsArtifacts, err = b.fetchFromFilesystem()
		return err
	})
	if err := g.Wait(); err != nil {
		return BrokerResult{}, err
	}

	matched := make(map[string]AgentArtifact)
	for _, a := range managerArtifacts {
		if name, ok := matchExpected(a.AgentName, expectedAgents); ok {
			a.AgentName = name
			matched[name] = a
		}
	}
	for _, a := range fsArtifacts {
		name, ok := matchExpected(a.AgentName, expectedAgents)
		if !ok {
			continue
		}
		if _, already := matched[name]; already {
			continue
		}
		a.AgentName = name
		matched[name] = a
	}

	var missing []string
	artifacts := make([]AgentArtifact, 0, len(matched))
	for _, expected := range expectedAgents {
		if a, ok := matched[expected]; ok {
			artifacts = append(artifacts, a)
		} else {
			missing = append(missing, expected)
		}
	}

	return BrokerResult{Artifacts: artifacts, MissingAgents: missing, Diagnostics: diagnostics}, nil
}

func (b *Broker) fetchFromManager(agentIDs []string) ([]AgentArtifact, []string) {
	records := b.Manager.Snapshot(agentIDs)
	var artifacts []AgentArtifact
	var diagnostics []string
	for _, r := range records {
		if r.Status != agentmanager.StatusCompleted {
			continue
		}
		doc, ok := ExtractQualityJSON(r.Result)
		if !ok {
			diagnostics = append(diagnostics, fmt.Sprintf("agent %s (%s): no valid quality-gate JSON found", r.AgentID, r.AgentName))
			continue
		}
		artifacts = append(artifacts, AgentArtifact{AgentName: r.AgentName, Doc: doc})
	}
	return artifacts, diagnostics
}

func (b *Broker) fetchFromFilesystem() ([]AgentArtifact, error) {
	if b.ResultsDir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(b.ResultsDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	cutoff := b.Now().Add(-time.Hour)
	var artifacts []AgentArtifact
	scanned := 0
	for _, e := range entries {
		if scanned >= filesystemScanCap {
			break
		}
		if !e.IsDir() {
			continue
		}
		resultPath := filepath.Join(b.ResultsDir, e.Name(), "result.txt")
		info, err := os.Stat(resultPath)
		if err != nil {
			continue
		}
		scanned++
		if info.ModTime().Before(cutoff) {
			continue
		}
		raw, err := os.ReadFile(resultPath)
		if err != nil {
			continue
		}
		doc, ok := ExtractQualityJSON(string(raw))
		if !ok {
			continue
		}
		artifacts = append(artifacts, AgentArtifact{AgentName: e.Name(), Doc: doc})
	}
	return artifacts, nil
}

// matchExpected matches an actual agent name against the expected-agent
// list using case-insensitive exact-match-or-prefix (e.g. the actual model
// name "claude-haiku-4-5" matches the expected short name "claude").
func matchExpected(actual string, expected []string) (string, bool) {
	lowered := strings.ToLower(actual)
	for _, e := range expected {
		le := strings.ToLower(e)
		if lowered == le || strings.HasPrefix(lowered, le) {
			return e, true
		}
	}
	return "", false
}

// ParseIssues decodes an agent's extracted quality-gate document into
// model.QualityIssue values, tagging each issue's per-agent answer and
// reasoning with agentName so the resolver can merge across agents.
func ParseIssues(agentName string, doc map[string]any) ([]model.QualityIssue, error) {
	blob, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("re-marshal extracted doc: %w", err)
	}
	var parsed agentQualityDoc
	if err := json.Unmarshal(blob, &parsed); err != nil {
		return nil, fmt.Errorf("parse quality-gate document: %w", err)
	}

	gateType := model.Stage(strings.TrimPrefix(parsed.Stage, qualityGateStagePrefix))
	issues := make([]model.QualityIssue, 0, len(parsed.Issues))
	for _, ri := range parsed.Issues {
		issue := model.QualityIssue{
			ID:                ri.ID,
			GateType:          gateType,
			Description:       firstNonEmpty(ri.Question, ri.Description),
			Confidence:        model.Confidence(defaultIfEmpty(ri.Confidence, string(model.ConfidenceLow))),
			Magnitude:         model.Magnitude(defaultIfEmpty(firstNonEmpty(ri.Magnitude, ri.Severity), string(model.MagnitudeMinor))),
			Resolvability:     model.Resolvability(defaultIfEmpty(ri.Resolvability, string(model.ResolvabilityNeedHuman))),
			SuggestedFix:      firstNonEmpty(ri.SuggestedFix, ri.SuggestedImprovement),
			Context:           ri.Context,
			AffectedArtifacts: ri.AffectedArtifacts,
			AgentAnswers:      map[string]string{agentName: ri.Answer},
			AgentReasoning:    map[string]string{agentName: ri.Reasoning},
		}
		issues = append(issues, issue)
	}
	return issues, nil
}

type agentQualityDoc struct {
	Stage  string     `json:"stage"`
	Issues []rawIssue `json:"issues"`
}

// rawIssue accepts both field spellings agents emit in the wild:
// magnitude/severity and suggested_fix/suggested_improvement are aliases;
// question is preferred over description. Ambiguity resolves to the most
// conservative defaults (low confidence, minor magnitude, need-human).
type rawIssue struct {
	ID                   string   `json:"id"`
	Question             string   `json:"question"`
	Description          string   `json:"description"`
	Confidence           string   `json:"confidence"`
	Magnitude            string   `json:"magnitude"`
	Severity             string   `json:"severity"`
	Resolvability        string   `json:"resolvability"`
	SuggestedFix         string   `json:"suggested_fix"`
	SuggestedImprovement string   `json:"suggested_improvement"`
	Context              string   `json:"context"`
	AffectedArtifacts    []string `json:"affected_artifacts"`
	Answer               string   `json:"answer"`
	Reasoning            string   `json:"reasoning"`
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func defaultIfEmpty(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
