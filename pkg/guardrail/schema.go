package guardrail

import (
	"fmt"
	"strings"

	"github.com/speckit/automation-core/pkg/model"
)

// validateCommonFields checks the fields every stage's telemetry must carry.
func validateCommonFields(doc map[string]any, stage model.Stage) []string {
	var failures []string
	for _, field := range []string{"specId", "sessionId", "timestamp", "schemaVersion"} {
		if _, ok := getString(doc, field); !ok {
			failures = append(failures, fmt.Sprintf("Missing required string field %s", field))
		}
	}
	command, ok := getString(doc, "command")
	if !ok {
		failures = append(failures, "Missing required string field command")
	} else if command != string(stage) {
		failures = append(failures, fmt.Sprintf("command %q does not match expected stage %q", command, stage))
	}
	return failures
}

// validateStageSchema checks the per-stage required telemetry fields.
func validateStageSchema(doc map[string]any, stage model.Stage) []string {
	switch stage {
	case model.StagePlan:
		return requireStringFields(doc,
			"baseline.mode", "baseline.artifact", "baseline.status", "hooks.session.start")
	case model.StageTasks:
		return requireStringFields(doc, "tool.status")
	case model.StageImplement:
		return requireStringFields(doc, "lock_status", "hook_status")
	case model.StageValidate, model.StageAudit:
		return validateScenariosSchema(doc)
	case model.StageUnlock:
		return requireStringFields(doc, "unlock_status")
	default:
		return nil
	}
}

func validateScenariosSchema(doc map[string]any) []string {
	raw, ok := doc["scenarios"]
	if !ok {
		return []string{"Missing required field scenarios"}
	}
	list, ok := raw.([]any)
	if !ok {
		return []string{"scenarios must be an array"}
	}
	var failures []string
	for i, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			failures = append(failures, fmt.Sprintf("scenarios[%d] is not an object", i))
			continue
		}
		if _, ok := getString(m, "name"); !ok {
			failures = append(failures, fmt.Sprintf("scenarios[%d] is missing required string field name", i))
		}
		if _, ok := getString(m, "status"); !ok {
			failures = append(failures, fmt.Sprintf("scenarios[%d] is missing required string field status", i))
		}
	}
	return failures
}

func requireStringFields(doc map[string]any, paths ...string) []string {
	var failures []string
	for _, p := range paths {
		if _, ok := getString(doc, p); !ok {
			failures = append(failures, fmt.Sprintf("Missing required string field %s", p))
		}
	}
	return failures
}

// evaluateSuccessRule applies the per-stage outcome rule. Assumes the
// schema has already validated clean.
func evaluateSuccessRule(doc map[string]any, stage model.Stage) bool {
	switch stage {
	case model.StagePlan:
		status, _ := getString(doc, "baseline.status")
		hookStart, _ := getString(doc, "hooks.session.start")
		return (status == "passed" || status == "skipped") && hookStart == "ok"
	case model.StageTasks:
		status, _ := getString(doc, "tool.status")
		return status == "ok"
	case model.StageImplement:
		lock, _ := getString(doc, "lock_status")
		hook, _ := getString(doc, "hook_status")
		return lock == "locked" && hook == "ok"
	case model.StageValidate, model.StageAudit:
		return evaluateScenariosSuccess(doc)
	case model.StageUnlock:
		status, _ := getString(doc, "unlock_status")
		return status == "unlocked"
	default:
		return true
	}
}

func evaluateScenariosSuccess(doc map[string]any) bool {
	list, _ := doc["scenarios"].([]any)
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			return false
		}
		status, _ := getString(m, "status")
		if status != "passed" && status != "skipped" {
			return false
		}
	}
	if hal, ok := doc["hal"].(map[string]any); ok {
		if summary, ok := hal["summary"].(map[string]any); ok {
			if status, ok := getString(summary, "status"); ok && status == "failed" {
				return false
			}
		}
	}
	return true
}

// getString resolves a dotted path (e.g. "baseline.status") against nested
// map[string]any documents and returns the leaf as a string.
func getString(doc map[string]any, path string) (string, bool) {
	parts := strings.Split(path, ".")
	var cur any = doc
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return "", false
		}
		cur, ok = m[p]
		if !ok {
			return "", false
		}
	}
	s, ok := cur.(string)
	return s, ok
}
