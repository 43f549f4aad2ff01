// Package guardrail implements the Guardrail Evaluator (C4): it reads the
// latest stage telemetry written by an external guardrail script, validates
// its schema and artifact claims, and derives a pass/fail GuardrailOutcome.
package guardrail

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/speckit/automation-core/pkg/model"
)

// TelemetrySource is the read surface the evaluator needs from the
// evidence repository. Kept as an interface so tests can supply an
// in-memory fake instead of a real filesystem tree.
type TelemetrySource interface {
	ReadLatestTelemetry(specID model.SpecId, stage model.Stage) (string, map[string]any, error)
}

// Evaluator produces GuardrailOutcomes from telemetry documents.
type Evaluator struct {
	Source TelemetrySource
	CWD    string
}

// NewEvaluator builds an Evaluator. cwd is the directory artifact paths in
// telemetry documents are resolved against.
func NewEvaluator(source TelemetrySource, cwd string) *Evaluator {
	return &Evaluator{Source: source, CWD: cwd}
}

// Evaluate reads the latest telemetry for (specID, stage) and validates it.
// A non-nil error means the telemetry could not be read: an
// evidence.NoTelemetryFoundError when the guardrail script has not written
// any yet, otherwise an I/O or JSON parse error. Callers distinguish this
// from a parsed-but-failing outcome.
func (e *Evaluator) Evaluate(specID model.SpecId, stage model.Stage) (model.GuardrailOutcome, error) {
	path, doc, err := e.Source.ReadLatestTelemetry(specID, stage)
	if err != nil {
		return model.GuardrailOutcome{}, err
	}

	schemaFailures := append(validateCommonFields(doc, stage), validateStageSchema(doc, stage)...)

	var failures []string
	failures = append(failures, schemaFailures...)
	failures = append(failures, e.validateArtifacts(doc, stage)...)

	if len(schemaFailures) == 0 && !evaluateSuccessRule(doc, stage) {
		failures = append(failures, fmt.Sprintf("stage %s success rule not satisfied", stage))
	}

	return model.GuardrailOutcome{
		Success:       len(failures) == 0,
		Summary:       summarize(stage, failures),
		TelemetryPath: path,
		Failures:      failures,
	}, nil
}

func summarize(stage model.Stage, failures []string) string {
	if len(failures) == 0 {
		return fmt.Sprintf("%s guardrail passed", stage)
	}
	return fmt.Sprintf("%s guardrail failed (%d issue(s))", stage, len(failures))
}

func (e *Evaluator) validateArtifacts(doc map[string]any, stage model.Stage) []string {
	if stage == model.StageValidate {
		return nil
	}
	artifacts, _ := doc["artifacts"].([]any)
	if len(artifacts) == 0 {
		return []string{fmt.Sprintf("stage %s requires a non-empty artifacts list", stage)}
	}
	var failures []string
	for _, a := range artifacts {
		rel, ok := a.(string)
		if !ok {
			failures = append(failures, fmt.Sprintf("artifact entry %v is not a string", a))
			continue
		}
		path := rel
		if !filepath.IsAbs(path) {
			path = filepath.Join(e.CWD, rel)
		}
		if _, err := os.Stat(path); err != nil {
			failures = append(failures, fmt.Sprintf("artifact %q does not exist at %s", rel, path))
		}
	}
	return failures
}
