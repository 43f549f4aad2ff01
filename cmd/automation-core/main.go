// Spec-Kit automation core - drives a specification through the staged
// pipeline (plan, tasks, implement, validate, audit, unlock) with guardrail
// validation, multi-agent consensus, and quality gates.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/speckit/automation-core/pkg/agentmanager"
	"github.com/speckit/automation-core/pkg/config"
	"github.com/speckit/automation-core/pkg/evidence"
	"github.com/speckit/automation-core/pkg/guardrail"
	"github.com/speckit/automation-core/pkg/metrics"
	"github.com/speckit/automation-core/pkg/model"
	"github.com/speckit/automation-core/pkg/pipeline"
	"github.com/speckit/automation-core/pkg/quality"
	"github.com/speckit/automation-core/pkg/store"
	"github.com/speckit/automation-core/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	specID := flag.String("spec-id", "", "Specification ID to drive, e.g. SPEC-OPS-007")
	goal := flag.String("goal", "", "One-line goal injected into agent prompts")
	agentCmd := flag.String("agent-cmd",
		getEnv("SPECKIT_AGENT_CMD", ""),
		"Shell command dispatched per agent; receives SPECKIT_AGENT, SPECKIT_SPEC_ID, SPECKIT_STAGE, SPECKIT_PROMPT in its environment")
	specFile := flag.String("spec-file", "", "Spec document auto-resolved quality fixes are applied to (optional)")
	nativeGitGuardrail := flag.Bool("native-git-guardrail", false,
		"Guard the implement stage with an in-process git cleanliness check instead of the external script")
	flag.Parse()

	if *specID == "" {
		log.Fatal("missing required flag: -spec-id")
	}

	log.Printf("Starting %s", version.Full())

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		log.Printf("Warning: Could not load %s file: %v", envPath, err)
		log.Printf("Continuing with existing environment variables...")
	} else {
		log.Printf("Loaded environment from %s", envPath)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		log.Fatalf("Failed to initialize configuration: %v", err)
	}

	storePath := cfg.Store.Path
	if storePath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			log.Fatalf("Failed to resolve home directory: %v", err)
		}
		storePath = store.DefaultPath(home, os.Getenv("XDG_DATA_HOME"))
	}
	if err := os.MkdirAll(filepath.Dir(storePath), 0o755); err != nil {
		log.Fatalf("Failed to create store directory: %v", err)
	}

	storeCfg := store.DefaultConfig(storePath)
	storeCfg.MaxOpenConns = cfg.Store.MaxOpenConns
	storeCfg.MaxIdleConns = cfg.Store.MaxIdleConns
	storeCfg.BusyTimeout = cfg.Store.BusyTimeout()

	client, err := store.NewClient(ctx, storeCfg)
	if err != nil {
		log.Fatalf("Failed to open artifact store: %v", err)
	}
	defer func() {
		if err := client.Close(); err != nil {
			log.Printf("Error closing artifact store: %v", err)
		}
	}()
	artifacts := store.NewArtifactStore(client)
	slog.Info("Artifact store ready", "path", storePath)

	if pruned, err := artifacts.CleanupOldExecutions(ctx, cfg.Store.RetentionDays); err != nil {
		slog.Warn("Agent execution cleanup failed", "error", err)
	} else if pruned > 0 {
		slog.Info("Pruned stale agent executions", "rows", pruned, "retention_days", cfg.Store.RetentionDays)
	}

	cwd, err := os.Getwd()
	if err != nil {
		log.Fatalf("Failed to resolve working directory: %v", err)
	}

	repo := evidence.NewRepository(cfg.Evidence.Root)
	evaluator := guardrail.NewEvaluator(repo, cwd)
	manager := agentmanager.Default()
	broker := quality.NewBroker(manager, cfg.QualityGate.ResultsDir)

	state := pipeline.NewSpecAutoState(
		model.SpecId(*specID), *goal, uuid.NewString(),
		cfg.Stages(), cfg.QualityGatesEnabled())

	var nativeChecks map[model.Stage]guardrail.NativeCheck
	if *nativeGitGuardrail {
		nativeChecks = map[model.Stage]guardrail.NativeCheck{
			model.StageImplement: guardrail.GitCleanlinessCheck(cwd),
		}
	}

	dispatcher := &execDispatcher{command: *agentCmd, manager: manager}
	coord := pipeline.NewCoordinator(state, pipeline.Options{
		Store:          artifacts,
		Evidence:       repo,
		Evaluator:      evaluator,
		NativeChecks:   nativeChecks,
		Dispatcher:     dispatcher,
		Tracker:        manager,
		Broker:         broker,
		Observer:       metrics.PipelineObserver{},
		ExpectedAgents: cfg.Pipeline.ExpectedAgents,
		AgentDeadline:  cfg.Pipeline.AgentDeadline(),
		SpecFilePath:   *specFile,
		Logger:         slog.Default(),
	})
	dispatcher.coord = coord

	slog.Info("Starting pipeline", "spec_id", *specID, "stages", len(cfg.Stages()),
		"quality_gates", cfg.QualityGatesEnabled())

	if err := coord.Run(ctx); err != nil {
		log.Fatalf("Pipeline failed: %v", err)
	}
	slog.Info("Pipeline completed",
		"resolved_issues", len(state.ResolvedIssues),
		"escalated_issues", len(state.EscalatedIssues))
}

// execDispatcher shells out one process per agent dispatch and feeds the
// process's stdout back to the coordinator as the agent's result text. The
// in-process agent manager and the AgentExecution rows are maintained by
// the coordinator; this only owns process lifecycle.
type execDispatcher struct {
	command string
	manager *agentmanager.Manager
	coord   *pipeline.Coordinator
}

func (d *execDispatcher) Spawn(ctx context.Context, agentName, prompt string, specID model.SpecId, stage model.Stage, timeout time.Duration) (string, error) {
	if d.command == "" {
		return "", fmt.Errorf("no agent command configured (set -agent-cmd or SPECKIT_AGENT_CMD)")
	}
	agentID := uuid.NewString()

	go func() {
		runCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		cmd := exec.CommandContext(runCtx, "sh", "-c", d.command)
		cmd.Env = append(os.Environ(),
			"SPECKIT_AGENT="+agentName,
			"SPECKIT_SPEC_ID="+string(specID),
			"SPECKIT_STAGE="+string(stage),
			"SPECKIT_PROMPT="+prompt,
		)
		out, err := cmd.Output()
		if err != nil {
			d.coord.OnAgentFailed(ctx, agentID, err.Error())
			return
		}
		d.coord.OnAgentCompleted(ctx, agentID, string(out))
	}()

	return agentID, nil
}
