package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/vk/ipamctl/internal/ctxlog"
	"github.com/vk/ipamctl/internal/executor"
	"github.com/vk/ipamctl/internal/factory"
	"github.com/vk/ipamctl/internal/graph"
	"github.com/vk/ipamctl/internal/pending"
	"github.com/vk/ipamctl/internal/report"
	"github.com/vk/ipamctl/internal/resolver"
	"github.com/vk/ipamctl/internal/rows"
)

// Run executes one full import: load rows, build operations, assemble the
// graph and execute it, then emit the summary.
func (a *App) Run(ctx context.Context) error {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	runID := report.NewRunID()
	a.logger = a.logger.With("runID", runID)
	ctx = ctxlog.WithLogger(ctx, a.logger)
	startedAt := time.Now()

	if a.opts.StatusAddr != "" {
		a.startStatusServer(a.opts.StatusAddr)
	}

	a.logger.Info("Loading rows.", "path", a.opts.RowsPath)
	inputRows, err := rows.LoadFile(ctx, a.opts.RowsPath)
	if err != nil {
		return err
	}
	if len(inputRows) == 0 {
		a.logger.Warn("No rows found, nothing to do.")
		return nil
	}

	allowDangerous := a.opts.AllowDangerousOperations || a.cfg.Safety.AllowDangerousOperations

	res := resolver.New(a.client, a.store, a.met, resolver.Config{
		CacheTTL:     a.cfg.CacheTTL(),
		ViewCacheTTL: a.cfg.ViewCacheTTL(),
	})
	deferred := pending.NewDeferredResolver(pending.FromRows(inputRows))
	exec := executor.New(a.client, res, deferred, a.met, executor.Config{
		DryRun:         a.opts.DryRun,
		AllowDangerous: allowDangerous,
		Throttle: executor.ThrottleConfig{
			InitialConcurrency:    a.cfg.Throttle.InitialConcurrency,
			MinConcurrency:        a.cfg.Throttle.MinConcurrency,
			MaxConcurrency:        a.cfg.Throttle.MaxConcurrency,
			IncreaseFactor:        a.cfg.Throttle.IncreaseFactor,
			DecreaseFactor:        a.cfg.Throttle.DecreaseFactor,
			RateLimitDecreaseFact: a.cfg.Throttle.RateLimitDecrease,
			AdjustmentInterval:    time.Duration(a.cfg.Throttle.AdjustmentSeconds) * time.Second,
			HealthyErrorRate:      a.cfg.Throttle.HealthyErrorRate,
			UnhealthyErrorRate:    a.cfg.Throttle.UnhealthyErrorRate,
			HighLatency:           time.Duration(a.cfg.Throttle.HighLatencyMillis) * time.Millisecond,
			MaxLatencySamples:     a.cfg.Throttle.MaxLatencySamples,
		},
	})

	a.logger.Info("Building operations.", "rows", len(inputRows))
	fac := factory.New(a.client, res, deferred)
	ops := fac.BuildOperations(ctx, inputRows)

	// Delete screening runs before anything touches the remote service, so
	// a forbidden batch fails whole.
	if err := executor.ValidateDeletes(ctx, ops, allowDangerous); err != nil {
		return err
	}

	g, err := graph.BuildFromOperations(ctx, ops)
	if err != nil {
		return fmt.Errorf("failed to build dependency graph: %w", err)
	}
	if err := g.Validate(ctx); err != nil {
		return err
	}
	a.logWaves(g)

	exec.RegisterPendingCreates(ops)

	a.logger.Info("Starting concurrent execution.", "dryRun", a.opts.DryRun)
	results, execErr := exec.Run(ctx, g)
	res.ClearPending()

	summary := report.Build(runID, startedAt, a.opts.DryRun, results, res.Stats())
	summary.Log(ctx)
	if err := a.writeReport(summary); err != nil {
		return err
	}

	if execErr != nil {
		return fmt.Errorf("execution failed: %w", execErr)
	}
	a.logger.Info("Execution finished.")
	return nil
}

// logWaves prints the planned execution shape before anything runs.
func (a *App) logWaves(g *graph.Graph) {
	batches := g.ExecutionBatches()
	for i, batch := range batches {
		a.logger.Debug("Planned execution wave.", "wave", i, "operations", len(batch))
	}
	a.logger.Info("Execution plan ready.", "waves", len(batches), "nodes", g.Len())
}

func (a *App) writeReport(summary *report.Summary) error {
	if a.opts.ReportPath == "" {
		return nil
	}
	f, err := os.Create(a.opts.ReportPath)
	if err != nil {
		return fmt.Errorf("creating report file: %w", err)
	}
	defer f.Close()
	if err := summary.Write(f); err != nil {
		return fmt.Errorf("writing report: %w", err)
	}
	a.logger.Info("Report written.", "path", a.opts.ReportPath)
	return nil
}
