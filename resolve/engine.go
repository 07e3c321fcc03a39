package resolve

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/arctek/conveyor/agent"
	"github.com/arctek/conveyor/ticket"
	"github.com/arctek/conveyor/vcs"
)

// MaxRetries is the default corrective-attempt budget per ticket. When the
// counter reaches it the ticket escalates to a human.
const MaxRetries = 3

// StallWindow is the default number of consecutive attempts with no
// reduction in open findings before a ticket is considered stalled.
const StallWindow = 3

// Action names the single corrective step taken for a ticket in one cycle.
type Action string

const (
	ActionNone         Action = "none"
	ActionMerged       Action = "merged"
	ActionClosed       Action = "closed"
	ActionRebased      Action = "rebased"
	ActionManualRebase Action = "manual_rebase"
	ActionFixSpawned   Action = "fix_spawned"
	ActionInfraReport  Action = "infra_report"
	ActionEscalated    Action = "escalated"
	ActionWaiting      Action = "waiting"
)

// Outcome reports what the engine did for one ticket in one poll cycle.
type Outcome struct {
	TicketID   string
	PRNumber   int
	Action     Action
	AttemptID  string // uuid of the corrective attempt, empty when none taken
	RetryCount int
	Detail     string
}

// Engine reconciles each ticket's open PR with the host state. It takes at
// most one corrective action per ticket per cycle; anything further waits
// for the next poll so the host state can settle in between.
type Engine struct {
	store      ticket.Store
	client     vcs.Client
	fixer      agent.Fixer
	baseBranch string
	maxRetries int
	logger     *slog.Logger

	// Open-findings counts per ticket across recent attempts, newest last.
	// Used for stall detection.
	findings    map[string][]int
	stallWindow int
}

// NewEngine creates a resolution engine. maxRetries and stallWindow fall
// back to the package defaults when non-positive.
func NewEngine(store ticket.Store, client vcs.Client, fixer agent.Fixer, baseBranch string, maxRetries, stallWindow int, logger *slog.Logger) *Engine {
	if maxRetries <= 0 {
		maxRetries = MaxRetries
	}
	if stallWindow <= 0 {
		stallWindow = StallWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:       store,
		client:      client,
		fixer:       fixer,
		baseBranch:  baseBranch,
		maxRetries:  maxRetries,
		stallWindow: stallWindow,
		logger:      logger,
		findings:    make(map[string][]int),
	}
}

// ResolveAll runs one poll cycle over every ticket with an open PR.
func (e *Engine) ResolveAll(ctx context.Context) ([]Outcome, error) {
	var outcomes []Outcome
	for _, t := range e.store.All() {
		if t.PRNumber == 0 || t.PRStatus == ticket.PRMerged || t.PRStatus == ticket.PRClosed || t.PRStatus == ticket.PRNone {
			continue
		}
		if t.BuildStatus == ticket.BuildEscalated || t.NeedsManualRebase {
			continue
		}
		outcome, err := e.Resolve(ctx, t.ID)
		if err != nil {
			e.logger.Error("pr resolution failed", "ticket", t.ID, "pr", t.PRNumber, "error", err)
			continue
		}
		outcomes = append(outcomes, *outcome)
	}
	return outcomes, e.store.Save()
}

// Resolve polls the PR for one ticket and takes at most one corrective
// action.
func (e *Engine) Resolve(ctx context.Context, id string) (*Outcome, error) {
	t, ok := e.store.Get(id)
	if !ok {
		return nil, fmt.Errorf("ticket %s not found", id)
	}

	state, err := e.client.PRState(ctx, t.PRNumber)
	if err != nil {
		return nil, fmt.Errorf("failed to poll PR %d: %w", t.PRNumber, err)
	}

	outcome := &Outcome{TicketID: t.ID, PRNumber: t.PRNumber, RetryCount: t.RetryCount}

	// Terminal host states first.
	switch {
	case state.Merged:
		if err := e.store.SetPRStatus(t.ID, ticket.PRMerged, "resolver", ""); err != nil {
			return nil, err
		}
		delete(e.findings, t.ID)
		outcome.Action = ActionMerged
		e.logger.Info("pr merged", "ticket", t.ID, "pr", t.PRNumber)
		return outcome, nil
	case state.Closed:
		if err := e.store.SetPRStatus(t.ID, ticket.PRClosed, "resolver", "closed without merge"); err != nil {
			return nil, err
		}
		delete(e.findings, t.ID)
		outcome.Action = ActionClosed
		e.logger.Warn("pr closed without merge", "ticket", t.ID, "pr", t.PRNumber)
		return outcome, nil
	}

	// Corrective states in precedence order: conflicts block everything
	// else, then requested changes, then failing checks.
	switch {
	case state.MergeConflict:
		return e.resolveConflict(ctx, t, state, outcome)
	case state.ReviewDecision == vcs.ReviewChangesRequested:
		return e.resolveChangesRequested(ctx, t, state, outcome)
	case len(state.FailedChecks()) > 0:
		return e.resolveFailingChecks(ctx, t, state, outcome)
	}

	// Clean and open: nothing to do.
	if err := e.store.SetPRStatus(t.ID, ticket.PROpen, "resolver", ""); err != nil {
		return nil, err
	}
	outcome.Action = ActionWaiting
	return outcome, nil
}

// resolveConflict rebases the PR branch onto the base branch. A failed
// rebase flags the ticket for manual attention rather than burning retries
// on an attempt automation cannot complete.
func (e *Engine) resolveConflict(ctx context.Context, t *ticket.Ticket, state *vcs.PRState, outcome *Outcome) (*Outcome, error) {
	if err := e.store.SetPRStatus(t.ID, ticket.PRMergeConflicts, "resolver", ""); err != nil {
		return nil, err
	}

	if err := e.client.Rebase(ctx, state.Branch, e.baseBranch); err != nil {
		e.logger.Warn("automated rebase failed", "ticket", t.ID, "pr", t.PRNumber, "error", err)
		if err := e.store.SetNeedsManualRebase(t.ID, true); err != nil {
			return nil, err
		}
		_ = e.client.PostComment(ctx, t.PRNumber,
			fmt.Sprintf("Automated rebase onto %s failed; manual rebase required for %s.", e.baseBranch, t.ID))
		outcome.Action = ActionManualRebase
		return outcome, nil
	}

	if err := e.client.ForcePush(ctx, state.Branch); err != nil {
		return nil, fmt.Errorf("failed to push rebased branch %s: %w", state.Branch, err)
	}
	if err := e.store.SetPRStatus(t.ID, ticket.PROpen, "resolver", "rebased onto "+e.baseBranch); err != nil {
		return nil, err
	}
	outcome.Action = ActionRebased
	e.logger.Info("pr rebased", "ticket", t.ID, "pr", t.PRNumber, "base", e.baseBranch)
	return outcome, nil
}

// resolveChangesRequested spawns a fix agent against the review findings.
func (e *Engine) resolveChangesRequested(ctx context.Context, t *ticket.Ticket, state *vcs.PRState, outcome *Outcome) (*Outcome, error) {
	if err := e.store.SetPRStatus(t.ID, ticket.PRChangesRequested, "resolver", ""); err != nil {
		return nil, err
	}
	if e.recordFindings(t.ID, state.OpenFindings) {
		return e.escalate(ctx, t, outcome, fmt.Sprintf("no progress on review findings after %d attempts", e.stallWindow))
	}
	instruction := fmt.Sprintf("Reviewers requested changes on PR #%d (%d open findings). Address every unresolved review thread, then push.", t.PRNumber, state.OpenFindings)
	return e.attemptFix(ctx, t, outcome, instruction)
}

// resolveFailingChecks classifies the failures and spawns a fix agent for
// the auto-fixable ones. Infrastructure failures are reported and left
// alone.
func (e *Engine) resolveFailingChecks(ctx context.Context, t *ticket.Ticket, state *vcs.PRState, outcome *Outcome) (*Outcome, error) {
	if err := e.store.SetPRStatus(t.ID, ticket.PRFailingChecks, "resolver", ""); err != nil {
		return nil, err
	}

	failed := state.FailedChecks()
	byKind := ClassifyAll(failed)

	var fixable []vcs.Check
	for kind, checks := range byKind {
		if kind.AutoFixable() {
			fixable = append(fixable, checks...)
		}
	}
	if len(fixable) == 0 {
		// All failures are infrastructure. Report and wait for the next
		// cycle; the checks may pass on their own once the infra recovers.
		names := checkNames(byKind[FailureInfra])
		_ = e.client.PostComment(ctx, t.PRNumber,
			fmt.Sprintf("CI failures on %s look infrastructural (%s); not auto-fixing. Re-run the checks or investigate the runner.", t.ID, names))
		outcome.Action = ActionInfraReport
		outcome.Detail = names
		e.logger.Warn("infra check failures, not auto-fixing", "ticket", t.ID, "pr", t.PRNumber, "checks", names)
		return outcome, nil
	}

	if e.recordFindings(t.ID, len(failed)) {
		return e.escalate(ctx, t, outcome, fmt.Sprintf("failing checks not improving after %d attempts", e.stallWindow))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "The following CI checks are failing on PR #%d. Fix the underlying causes and push.\n", t.PRNumber)
	for _, c := range fixable {
		fmt.Fprintf(&b, "- [%s] %s", Classify(c), c.Name)
		if c.Summary != "" {
			fmt.Fprintf(&b, ": %s", c.Summary)
		}
		b.WriteString("\n")
	}
	return e.attemptFix(ctx, t, outcome, b.String())
}

// attemptFix spawns the fix agent, charging one retry. A ticket whose
// budget is already spent escalates instead of dispatching another agent,
// so every unit of budget buys an actual fix attempt.
func (e *Engine) attemptFix(ctx context.Context, t *ticket.Ticket, outcome *Outcome, instruction string) (*Outcome, error) {
	if t.RetryCount >= e.maxRetries {
		return e.escalate(ctx, t, outcome, fmt.Sprintf("retry budget exhausted (%d/%d)", t.RetryCount, e.maxRetries))
	}
	count, err := e.store.IncrementRetry(t.ID)
	if err != nil {
		return nil, err
	}
	outcome.RetryCount = count

	attemptID := uuid.New().String()
	outcome.AttemptID = attemptID
	e.logger.Info("spawning fix agent", "ticket", t.ID, "pr", t.PRNumber, "attempt", attemptID, "retry", count)

	result, err := e.fixer.Fix(ctx, t, instruction)
	if err != nil || !result.Success {
		detail := "fix agent failed"
		if result != nil && result.Error != "" {
			detail = result.Error
		}
		e.logger.Warn("fix attempt failed", "ticket", t.ID, "attempt", attemptID, "error", detail)
		outcome.Action = ActionFixSpawned
		outcome.Detail = detail
		return outcome, nil
	}

	outcome.Action = ActionFixSpawned
	return outcome, nil
}

// escalate parks the ticket for human attention.
func (e *Engine) escalate(ctx context.Context, t *ticket.Ticket, outcome *Outcome, reason string) (*Outcome, error) {
	if t.BuildStatus != ticket.BuildEscalated {
		if err := e.store.SetBuildStatus(t.ID, ticket.BuildEscalated, "resolver", reason); err != nil {
			return nil, err
		}
	}
	_ = e.client.PostComment(ctx, t.PRNumber,
		fmt.Sprintf("Escalating %s to a human: %s. Use `conveyor retry %s` after resolving.", t.ID, reason, t.ID))
	delete(e.findings, t.ID)
	outcome.Action = ActionEscalated
	outcome.Detail = reason
	e.logger.Warn("ticket escalated", "ticket", t.ID, "pr", t.PRNumber, "reason", reason)
	return outcome, nil
}

// recordFindings appends the latest open-findings count and reports whether
// the ticket has stalled: stallWindow consecutive counts with no decrease.
func (e *Engine) recordFindings(id string, count int) bool {
	history := append(e.findings[id], count)
	if len(history) > e.stallWindow {
		history = history[len(history)-e.stallWindow:]
	}
	e.findings[id] = history

	if len(history) < e.stallWindow {
		return false
	}
	for i := 1; i < len(history); i++ {
		if history[i] < history[i-1] {
			return false
		}
	}
	return true
}

func checkNames(checks []vcs.Check) string {
	names := make([]string, len(checks))
	for i, c := range checks {
		names[i] = c.Name
	}
	return strings.Join(names, ", ")
}
