// Package runner is the continuous build loop: each cycle it recomputes the
// buildable set, dispatches builds within the pacing bounds, and drives open
// PRs through resolution.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/arctek/conveyor/agent"
	"github.com/arctek/conveyor/graph"
	"github.com/arctek/conveyor/resolve"
	"github.com/arctek/conveyor/schedule"
	"github.com/arctek/conveyor/ticket"
	"github.com/arctek/conveyor/vcs"
)

// Config bounds one continuous run.
type Config struct {
	Interval   time.Duration   // Poll interval between cycles
	MaxRuntime time.Duration   // Hard stop; in-flight builds are awaited
	Pacing     schedule.Pacing // Concurrency and stagger bounds
	BaseBranch string
	Verbose    bool
}

// DefaultConfig returns the runner defaults: moderate pacing, five-minute
// polls.
func DefaultConfig() Config {
	pacing, _ := schedule.Preset(schedule.PacingModerate)
	return Config{
		Interval:   5 * time.Minute,
		MaxRuntime: pacing.MaxRuntime,
		Pacing:     pacing,
		BaseBranch: "main",
	}
}

// Runner owns the continuous loop. One Runner runs at a time per store; it
// is the store's single writer while running.
type Runner struct {
	store    ticket.Store
	builder  agent.Builder
	resolver *resolve.Engine
	client   vcs.Client
	config   Config
	logger   *slog.Logger

	mu         sync.Mutex
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	metrics    Metrics
	lastStart  time.Time // Most recent build dispatch, enforces DelayBetweenStarts
}

// Metrics accumulates per-run counters for the final report.
type Metrics struct {
	CyclesRun      int
	BuildsStarted  int
	BuildsDone     int
	BuildsFailed   int
	PRsOpened      int
	PRsMerged      int
	PRsEscalated   int
	RebasesApplied int
	TotalRuntime   time.Duration
}

// New creates a runner. The client publishes PRs for finished builds; the
// resolver then drives them to merge.
func New(store ticket.Store, builder agent.Builder, resolver *resolve.Engine, client vcs.Client, config Config, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		store:    store,
		builder:  builder,
		resolver: resolver,
		client:   client,
		config:   config,
		logger:   logger,
	}
}

// Run starts the main loop. It returns when the context is cancelled, the
// max runtime elapses, or every ticket reaches a terminal state. One cycle
// runs immediately so a short run still makes progress.
func (r *Runner) Run(ctx context.Context) error {
	if r.config.MaxRuntime > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.config.MaxRuntime)
		defer cancel()
	}
	ctx, r.cancelFunc = context.WithCancel(ctx)
	startTime := time.Now()

	r.logger.Info("starting continuous runner",
		"interval", r.config.Interval,
		"max_runtime", r.config.MaxRuntime,
		"pacing", r.config.Pacing.Name,
		"concurrent_limit", r.config.Pacing.ConcurrentLimit)

	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	if err := r.runCycle(ctx); err != nil {
		r.logger.Error("cycle failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("runner shutting down, waiting for in-flight builds")
			r.wg.Wait()
			r.mu.Lock()
			r.metrics.TotalRuntime = time.Since(startTime)
			r.mu.Unlock()
			return nil

		case <-ticker.C:
			if err := r.runCycle(ctx); err != nil {
				r.logger.Error("cycle failed", "error", err)
				continue
			}
			if r.allSettled() {
				r.logger.Info("all tickets settled, stopping")
				r.Stop()
			}
		}
	}
}

// Stop requests a graceful shutdown.
func (r *Runner) Stop() {
	if r.cancelFunc != nil {
		r.cancelFunc()
	}
}

// GetMetrics returns a copy of the run counters.
func (r *Runner) GetMetrics() Metrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.metrics
}

// runCycle executes one poll cycle: reload, rebuild the graph, dispatch
// builds, resolve PRs, save.
func (r *Runner) runCycle(ctx context.Context) error {
	r.mu.Lock()
	r.metrics.CyclesRun++
	cycle := r.metrics.CyclesRun
	r.mu.Unlock()

	r.logger.Debug("running cycle", "cycle", cycle)

	// Reload in case of external changes (manual retries, plan approvals).
	// Serialized against build-outcome writes so a reload never clobbers a
	// completion recorded between cycles.
	r.mu.Lock()
	err := r.store.Load()
	r.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to reload state: %w", err)
	}

	all := r.store.All()
	g, warnings, err := graph.Build(all)
	if err != nil {
		return fmt.Errorf("dependency graph invalid: %w", err)
	}
	for _, w := range warnings {
		r.logger.Warn(w)
	}

	r.logProgress(all)
	r.dispatchBuilds(ctx, g)
	r.openPRs(ctx)

	outcomes, err := r.resolver.ResolveAll(ctx)
	if err != nil {
		return fmt.Errorf("pr resolution failed: %w", err)
	}
	r.recordOutcomes(outcomes)

	if err := r.store.Save(); err != nil {
		r.logger.Error("failed to save state", "error", err)
	}
	return nil
}

// dispatchBuilds starts builds for buildable tickets, bounded by the
// concurrent limit and staggered by the pacing delay.
func (r *Runner) dispatchBuilds(ctx context.Context, g *graph.Graph) {
	active := r.activeBuilds()
	if active >= r.config.Pacing.ConcurrentLimit {
		r.logger.Debug("build limit reached", "active", active, "limit", r.config.Pacing.ConcurrentLimit)
		return
	}

	for _, t := range schedule.Buildable(r.store, g) {
		if r.activeBuilds() >= r.config.Pacing.ConcurrentLimit {
			break
		}
		if ctx.Err() != nil {
			return
		}

		r.mu.Lock()
		wait := r.config.Pacing.DelayBetweenStarts - time.Since(r.lastStart)
		r.mu.Unlock()
		if wait > 0 {
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return
			}
		}

		if err := r.store.SetBuildStatus(t.ID, ticket.BuildRunning, "runner", ""); err != nil {
			r.logger.Error("failed to mark build running", "ticket", t.ID, "error", err)
			continue
		}

		r.mu.Lock()
		r.lastStart = time.Now()
		r.metrics.BuildsStarted++
		r.mu.Unlock()

		r.wg.Add(1)
		go func(t ticket.Ticket) {
			defer r.wg.Done()
			r.runBuild(ctx, t)
		}(t)
	}
}

// runBuild executes one build agent and records the outcome.
func (r *Runner) runBuild(ctx context.Context, t ticket.Ticket) {
	r.logger.Info("build started", "ticket", t.ID, "phase", t.Phase)

	result, err := r.builder.Build(ctx, &t)
	success := err == nil && result != nil && result.Success

	status := ticket.BuildFailed
	counter := &r.metrics.BuildsFailed
	if success {
		status = ticket.BuildDone
		counter = &r.metrics.BuildsDone
	}

	note := ""
	if !success {
		if result != nil && result.Error != "" {
			note = result.Error
		} else if err != nil {
			note = err.Error()
		}
	}

	// Record and persist the outcome under the runner lock so a concurrent
	// cycle reload cannot resurrect the stale running state.
	r.mu.Lock()
	if err := r.store.SetBuildStatus(t.ID, status, "runner", note); err != nil {
		r.mu.Unlock()
		r.logger.Error("failed to record build outcome", "ticket", t.ID, "error", err)
		return
	}
	if err := r.store.Save(); err != nil {
		r.logger.Error("failed to persist build outcome", "ticket", t.ID, "error", err)
	}
	*counter++
	r.mu.Unlock()

	if success {
		var duration time.Duration
		if result != nil {
			duration = result.Duration
		}
		r.logger.Info("build done", "ticket", t.ID, "duration", duration)
	} else {
		r.logger.Warn("build failed", "ticket", t.ID, "error", note)
	}
}

// openPRs publishes a pull request for every built ticket that does not
// have one yet, handing it to the resolution engine. A failed create is
// logged and retried on the next cycle.
func (r *Runner) openPRs(ctx context.Context) {
	for _, t := range r.store.All() {
		if t.BuildStatus != ticket.BuildDone || t.PRNumber != 0 || t.PRStatus != ticket.PRNone {
			continue
		}
		if ctx.Err() != nil {
			return
		}

		branch := vcs.BranchName(t.ID)
		title := fmt.Sprintf("%s: %s", t.ID, t.Summary)
		body := fmt.Sprintf("Implements %s.\n\nTicket: %s", t.Summary, t.ID)
		number, err := r.client.CreatePR(ctx, branch, title, body)
		if err != nil {
			r.logger.Warn("failed to open pr", "ticket", t.ID, "branch", branch, "error", err)
			continue
		}

		if err := r.store.SetPRNumber(t.ID, number); err != nil {
			r.logger.Error("failed to record pr number", "ticket", t.ID, "pr", number, "error", err)
			continue
		}
		if err := r.store.SetPRStatus(t.ID, ticket.PROpen, "runner", fmt.Sprintf("opened PR #%d", number)); err != nil {
			r.logger.Error("failed to mark pr open", "ticket", t.ID, "pr", number, "error", err)
			continue
		}

		r.mu.Lock()
		r.metrics.PRsOpened++
		r.mu.Unlock()
		r.logger.Info("pr opened", "ticket", t.ID, "pr", number, "branch", branch)
	}
}

// activeBuilds counts tickets currently building.
func (r *Runner) activeBuilds() int {
	n := 0
	for _, t := range r.store.All() {
		if t.BuildStatus == ticket.BuildRunning {
			n++
		}
	}
	return n
}

// recordOutcomes folds resolution outcomes into the run counters.
func (r *Runner) recordOutcomes(outcomes []resolve.Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, o := range outcomes {
		switch o.Action {
		case resolve.ActionMerged:
			r.metrics.PRsMerged++
		case resolve.ActionEscalated:
			r.metrics.PRsEscalated++
		case resolve.ActionRebased:
			r.metrics.RebasesApplied++
		}
	}
}

// allSettled reports whether every ticket is terminal or waiting on a
// human, meaning further cycles cannot make progress.
func (r *Runner) allSettled() bool {
	for _, t := range r.store.All() {
		if t.BuildStatus == ticket.BuildEscalated || t.NeedsManualRebase {
			continue
		}
		if t.PlanStatus != ticket.PlanApproved {
			continue
		}
		if t.PRStatus != ticket.PRMerged && t.PRStatus != ticket.PRClosed {
			return false
		}
	}
	return true
}
