// Package ticket provides the work-item records and lifecycle state machines
// for the conveyor build orchestrator. Tickets move through three independent
// sub-lifecycles (plan, build, PR) tracked by a single authoritative store.
package ticket

import (
	"errors"
	"fmt"
	"time"
)

// PlanStatus tracks the planning lifecycle of a ticket.
type PlanStatus string

const (
	PlanNone     PlanStatus = "none"
	PlanDraft    PlanStatus = "draft"
	PlanApproved PlanStatus = "approved" // Approval is a human action consumed as input
)

// BuildStatus tracks the build lifecycle of a ticket.
type BuildStatus string

const (
	BuildNone      BuildStatus = "none"
	BuildRunning   BuildStatus = "running"
	BuildDone      BuildStatus = "done"
	BuildFailed    BuildStatus = "failed"
	BuildEscalated BuildStatus = "escalated" // Terminal: retries exhausted, human action required
)

// PRStatus tracks the pull-request lifecycle of a ticket.
type PRStatus string

const (
	PRNone             PRStatus = "none"
	PROpen             PRStatus = "open"
	PRChangesRequested PRStatus = "changes_requested"
	PRFailingChecks    PRStatus = "failing_checks"
	PRMergeConflicts   PRStatus = "merge_conflicts"
	PRMerged           PRStatus = "merged" // Terminal
	PRClosed           PRStatus = "closed" // Terminal
)

// Priority determines tie-break order among ready tickets.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// Rank returns the sort order for a priority; lower ranks first.
// Unknown priorities rank as medium.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 3
	default:
		return 2
	}
}

// ValidPriority reports whether p is one of the known priority levels.
func ValidPriority(p Priority) bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

// Op classifies the operation a ticket implements. It drives the fixed
// dependency-inference rules: Create blocks the rest of its CRUD group,
// Import/Search depend on Create, Export depends on Read/List, and
// Notification depends on its triggering operation.
type Op string

const (
	OpNone         Op = ""
	OpAuth         Op = "auth"
	OpCreate       Op = "create"
	OpRead         Op = "read"
	OpUpdate       Op = "update"
	OpDelete       Op = "delete"
	OpList         Op = "list"
	OpImport       Op = "import"
	OpExport       Op = "export"
	OpSearch       Op = "search"
	OpNotification Op = "notification"
)

// ValidOp reports whether op is a known operation kind.
func ValidOp(op Op) bool {
	switch op {
	case OpNone, OpAuth, OpCreate, OpRead, OpUpdate, OpDelete, OpList,
		OpImport, OpExport, OpSearch, OpNotification:
		return true
	}
	return false
}

// AuthNone marks a ticket as explicitly not requiring authentication,
// opting it out of the inferred auth-blocks-everything edge.
const AuthNone = "none"

// Estimate holds per-ticket resource estimates taken from the plan artifact.
type Estimate struct {
	Files    int           `json:"files"`
	Lines    int           `json:"lines"`
	Tests    int           `json:"tests"`
	Duration time.Duration `json:"duration"`
}

// HistoryEntry records one lifecycle transition.
type HistoryEntry struct {
	Field string    `json:"field"` // plan, build, pr
	From  string    `json:"from"`
	To    string    `json:"to"`
	At    time.Time `json:"at"`
	By    string    `json:"by"`
	Note  string    `json:"note,omitempty"`
}

// Ticket is a single unit of schedulable work. Records are created at
// ingestion, mutated only through a Store, and never deleted; failure is
// expressed as terminal state, not removal.
type Ticket struct {
	ID       string   `json:"id"`
	Summary  string   `json:"summary"`
	Area     string   `json:"area"`     // Workstream grouping key
	Priority Priority `json:"priority"`

	// Dependency-inference metadata
	Entity  string `json:"entity,omitempty"`  // CRUD group target, e.g. "order"
	Op      Op     `json:"op,omitempty"`      // Operation kind within the group
	Auth    string `json:"auth,omitempty"`    // "none" opts out of inferred auth edges
	Trigger Op     `json:"trigger,omitempty"` // For notification tickets: the triggering op

	// Dependency edges (declared; inferred edges live only in the graph)
	BlockedBy []string `json:"blocked_by,omitempty"`
	Blocks    []string `json:"blocks,omitempty"`

	// Lifecycle
	PlanStatus        PlanStatus  `json:"plan_status"`
	BuildStatus       BuildStatus `json:"build_status"`
	PRStatus          PRStatus    `json:"pr_status"`
	PRNumber          int         `json:"pr_number,omitempty"`
	RetryCount        int         `json:"retry_count"`
	NeedsManualRebase bool        `json:"needs_manual_rebase,omitempty"`

	// Scheduling
	Phase    int      `json:"phase"` // Dependency depth, computed by the graph builder
	Estimate Estimate `json:"estimate"`

	History   []HistoryEntry `json:"history,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Terminal reports whether the ticket has reached a terminal build or PR state
// from which automation will not move it.
func (t *Ticket) Terminal() bool {
	return t.BuildStatus == BuildEscalated || t.PRStatus == PRMerged || t.PRStatus == PRClosed
}

// Actionable reports whether the ticket currently needs human input.
func (t *Ticket) Actionable() bool {
	return t.BuildStatus == BuildEscalated || t.NeedsManualRebase || t.PlanStatus == PlanDraft
}

// ErrInvalidTransition is returned when a lifecycle update would skip or
// reverse states. Callers must never silently coerce state.
var ErrInvalidTransition = errors.New("invalid state transition")

// TransitionError describes a rejected lifecycle update.
type TransitionError struct {
	TicketID string
	Field    string // plan, build, pr
	From     string
	To       string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s transition %s -> %s not allowed", e.TicketID, e.Field, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// Legal transitions per sub-state machine. No skipping, no coercion:
// anything not listed is rejected.
var (
	planTransitions = map[PlanStatus][]PlanStatus{
		PlanNone:  {PlanDraft},
		PlanDraft: {PlanApproved},
	}
	buildTransitions = map[BuildStatus][]BuildStatus{
		BuildNone:    {BuildRunning},
		BuildRunning: {BuildDone, BuildFailed},
		BuildDone:    {BuildEscalated}, // PR-phase escalation on a built ticket
		BuildFailed:  {BuildRunning, BuildEscalated},
		// BuildEscalated is terminal for automation; a human retry resets
		// it to BuildFailed through Store.Retry, not through this table.
	}
	prTransitions = map[PRStatus][]PRStatus{
		PRNone:             {PROpen},
		PROpen:             {PRChangesRequested, PRFailingChecks, PRMergeConflicts, PRMerged, PRClosed},
		PRChangesRequested: {PROpen, PRFailingChecks, PRMergeConflicts, PRMerged, PRClosed},
		PRFailingChecks:    {PROpen, PRChangesRequested, PRMergeConflicts, PRMerged, PRClosed},
		PRMergeConflicts:   {PROpen, PRChangesRequested, PRFailingChecks, PRMerged, PRClosed},
	}
)

// CheckPlanTransition validates a plan_status change.
func CheckPlanTransition(id string, from, to PlanStatus) error {
	for _, next := range planTransitions[from] {
		if next == to {
			return nil
		}
	}
	return &TransitionError{TicketID: id, Field: "plan", From: string(from), To: string(to)}
}

// CheckBuildTransition validates a build_status change.
func CheckBuildTransition(id string, from, to BuildStatus) error {
	for _, next := range buildTransitions[from] {
		if next == to {
			return nil
		}
	}
	return &TransitionError{TicketID: id, Field: "build", From: string(from), To: string(to)}
}

// CheckPRTransition validates a pr_status change. Self-transitions are
// allowed for open PRs so that repeated polls can re-assert observed state.
func CheckPRTransition(id string, from, to PRStatus) error {
	if from == to && from != PRMerged && from != PRClosed {
		return nil
	}
	for _, next := range prTransitions[from] {
		if next == to {
			return nil
		}
	}
	return &TransitionError{TicketID: id, Field: "pr", From: string(from), To: string(to)}
}

// ValidationError reports a malformed ticket record detected at the
// ingestion boundary.
type ValidationError struct {
	TicketID string
	Field    string
	Msg      string
}

func (e *ValidationError) Error() string {
	if e.TicketID == "" {
		return fmt.Sprintf("invalid ticket: %s: %s", e.Field, e.Msg)
	}
	return fmt.Sprintf("invalid ticket %s: %s: %s", e.TicketID, e.Field, e.Msg)
}

// Validate checks a ticket record for structural problems. It fails fast
// on the first missing or malformed field.
func (t *Ticket) Validate() error {
	if t.ID == "" {
		return &ValidationError{Field: "id", Msg: "missing"}
	}
	if t.Summary == "" {
		return &ValidationError{TicketID: t.ID, Field: "summary", Msg: "missing"}
	}
	if !ValidPriority(t.Priority) {
		return &ValidationError{TicketID: t.ID, Field: "priority", Msg: fmt.Sprintf("unknown value %q", t.Priority)}
	}
	if !ValidOp(t.Op) {
		return &ValidationError{TicketID: t.ID, Field: "op", Msg: fmt.Sprintf("unknown value %q", t.Op)}
	}
	if t.Op == OpNotification && t.Trigger != OpNone && !ValidOp(t.Trigger) {
		return &ValidationError{TicketID: t.ID, Field: "trigger", Msg: fmt.Sprintf("unknown value %q", t.Trigger)}
	}
	if t.RetryCount < 0 {
		return &ValidationError{TicketID: t.ID, Field: "retry_count", Msg: "negative"}
	}
	for _, dep := range t.BlockedBy {
		if dep == t.ID {
			return &ValidationError{TicketID: t.ID, Field: "blocked_by", Msg: "ticket cannot depend on itself"}
		}
	}
	return nil
}
