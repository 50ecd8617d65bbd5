package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/seqwell/pipegrid/internal/ctxlog"
	"github.com/seqwell/pipegrid/internal/engine"
	"github.com/seqwell/pipegrid/internal/ledger"
	"github.com/seqwell/pipegrid/internal/pipeline"
	"github.com/seqwell/pipegrid/internal/runconfig"
	"github.com/seqwell/pipegrid/internal/task"
)

// ledgerFileName is the resume ledger's filename inside a run directory.
const ledgerFileName = "ledger.json"

// Run executes one pipeline invocation end to end: load configuration, build
// the graph, open the ledger, execute, and report.
func (a *App) Run(ctx context.Context) error {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	a.logger.Debug("App.Run method started.")

	if a.config.HealthcheckPort > 0 {
		a.startHealthcheckServer(ctx)
		defer a.closeHealthcheckServer(ctx)
	}

	runCfg, err := runconfig.Load(ctx, a.config.ConfigPath)
	if err != nil {
		return err
	}
	if a.config.ParamsPath != "" {
		if err := runCfg.Overlay(ctx, a.config.ParamsPath); err != nil {
			return err
		}
	}

	workDir := runCfg.WorkDir
	if a.config.WorkDir != "" {
		workDir = a.config.WorkDir
	}
	if workDir == "" {
		workDir = "work"
	}

	graph, err := pipeline.Build(ctx, runCfg, pipeline.Options{Branch: a.config.Branch})
	if err != nil {
		return fmt.Errorf("failed to build pipeline graph: %w", err)
	}

	runID := uuid.NewString()
	runDir := filepath.Join(workDir, runID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return fmt.Errorf("failed to create run directory: %w", err)
	}

	// Everything below logs with the run identity attached.
	logger := a.logger.With("run_id", runID)
	ctx = ctxlog.WithLogger(ctx, logger)
	logger.Info("Run directory created.", "dir", runDir)

	led, err := a.openLedger(filepath.Join(runDir, ledgerFileName))
	if err != nil {
		return err
	}

	exec := engine.New(graph, engine.Config{
		Runner:    &task.ExecRunner{},
		Ledger:    led,
		Publisher: &task.Publisher{Prefix: runCfg.OutputPrefix},
		WorkDir:   runDir,
		Limits:    runCfg.Limits,
	})

	logger.Info("Starting concurrent execution.", "nodes", len(graph.Nodes))
	runErr := exec.Run(ctx)
	a.report(logger, graph, exec, runCfg)

	logger.Debug("App.Run method finished.")
	return runErr
}

// openLedger opens a fresh ledger for this run, seeded from a prior run's
// ledger when resuming. The resume path may name either the prior ledger
// file or the prior run directory.
func (a *App) openLedger(path string) (*ledger.Ledger, error) {
	if a.config.ResumePath == "" {
		return ledger.Open(path)
	}
	prior := a.config.ResumePath
	if info, err := os.Stat(prior); err == nil && info.IsDir() {
		prior = filepath.Join(prior, ledgerFileName)
	}
	a.logger.Info("Resuming from prior ledger.", "prior", prior)
	return ledger.Resume(path, prior)
}

// report logs the run summary: state counts, per-label duration percentiles,
// every failure with its command diagnostics, and published locations.
func (a *App) report(logger *slog.Logger, graph *engine.Graph, exec *engine.Executor, runCfg *runconfig.Config) {
	sum := graph.Summarize()

	logger.Info("Execution finished.",
		"done", sum.Counts[engine.Done],
		"skipped", sum.Counts[engine.Skipped],
		"failed", sum.Counts[engine.Failed],
		"upstream_failed", sum.Counts[engine.UpstreamFailed],
		"aborted", sum.Counts[engine.Aborted],
		"dispatched", exec.Dispatched(),
	)

	for label, h := range sum.Durations {
		logger.Info("Stage durations.",
			"label", label,
			"count", h.TotalCount(),
			"p50_ms", h.ValueAtQuantile(50),
			"p99_ms", h.ValueAtQuantile(99),
			"max_ms", h.Max(),
		)
	}

	for _, r := range sum.Reports {
		switch r.State {
		case engine.Failed:
			attrs := []any{"node", r.ID}
			if len(r.Fingerprints) > 0 {
				attrs = append(attrs, "fingerprint", string(r.Fingerprints[len(r.Fingerprints)-1]))
			}
			var cmdErr *task.CommandError
			if errors.As(r.Err, &cmdErr) {
				attrs = append(attrs, "exit_code", cmdErr.ExitCode, "reason", cmdErr.Reason, "stderr_tail", cmdErr.StderrTail)
			} else {
				attrs = append(attrs, "error", r.Err)
			}
			logger.Error("Stage failed.", attrs...)
		case engine.UpstreamFailed:
			logger.Warn("Stage skipped by upstream failure.", "node", r.ID, "error", r.Err)
		case engine.Aborted:
			logger.Warn("Stage aborted while draining.", "node", r.ID)
		case engine.Done, engine.Skipped:
			if runCfg.OutputPrefix != "" {
				logger.Info("Stage outputs published.",
					"node", r.ID,
					"state", r.State.String(),
					"location", filepath.Join(runCfg.OutputPrefix, r.Branch, r.Stage),
				)
			}
		}
	}
}
