package guardrail

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/speckit/automation-core/pkg/model"
)

// NativeCheck is a lightweight, in-process guardrail that runs without
// shelling out to an external script. The pipeline coordinator runs these
// asynchronously and resumes via an in-process hook on completion, rather
// than polling the evidence tree.
type NativeCheck func(ctx context.Context) (model.GuardrailOutcome, error)

// GitCleanlinessCheck builds a NativeCheck that fails if the working tree
// at dir has uncommitted changes, per the "git cleanliness checks" example
// in the guardrail contract.
func GitCleanlinessCheck(dir string) NativeCheck {
	return func(ctx context.Context) (model.GuardrailOutcome, error) {
		cmd := exec.CommandContext(ctx, "git", "status", "--porcelain")
		cmd.Dir = dir
		out, err := cmd.Output()
		if err != nil {
			return model.GuardrailOutcome{}, fmt.Errorf("git status: %w", err)
		}
		dirty := strings.TrimSpace(string(out))
		if dirty == "" {
			return model.GuardrailOutcome{Success: true, Summary: "working tree clean"}, nil
		}
		lines := strings.Split(dirty, "\n")
		return model.GuardrailOutcome{
			Success:  false,
			Summary:  "working tree has uncommitted changes",
			Failures: lines,
		}, nil
	}
}
