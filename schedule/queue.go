package schedule

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/arctek/conveyor/graph"
	"github.com/arctek/conveyor/ticket"
)

// EntryStatus is the lifecycle of a queue entry within one planning pass.
type EntryStatus string

const (
	EntryQueued   EntryStatus = "queued"
	EntryBuilding EntryStatus = "building"
	EntryDone     EntryStatus = "done"
	EntryFailed   EntryStatus = "failed"
)

// Entry is one scheduled build. Entries are ephemeral: the queue is
// regenerated on every planning pass, never patched.
type Entry struct {
	Ticket    string      `json:"ticket"`
	Phase     int         `json:"phase"`
	Status    EntryStatus `json:"status"`
	DependsOn []string    `json:"depends_on,omitempty"` // Dependency snapshot at planning time
}

// Queue is the persisted build queue artifact consumed by the runner.
type Queue struct {
	Pacing    Pacing    `json:"pacing"`
	Entries   []Entry   `json:"entries"`
	CreatedAt time.Time `json:"created_at"`
}

// BatchEstimate aggregates per-ticket resource estimates for the approval
// gate.
type BatchEstimate struct {
	Tickets       int           `json:"tickets"`
	TotalFiles    int           `json:"total_files"`
	TotalLines    int           `json:"total_lines"`
	TotalTests    int           `json:"total_tests"`
	TotalDuration time.Duration `json:"total_duration"`
	Recommended   Pacing        `json:"recommended_pacing"`
}

// Buildable returns the tickets eligible to start building: plan approved,
// build none or failed, not flagged for manual rebase, and every blocked_by
// dependency built. Order is (priority, phase, id), the same tie-break the
// "next" query uses.
func Buildable(store ticket.Store, g *graph.Graph) []ticket.Ticket {
	all := store.All()
	done := make(map[string]bool, len(all))
	for _, t := range all {
		if t.BuildStatus == ticket.BuildDone {
			done[t.ID] = true
		}
	}

	var out []ticket.Ticket
	for _, t := range all {
		if t.PlanStatus != ticket.PlanApproved {
			continue
		}
		if t.BuildStatus != ticket.BuildNone && t.BuildStatus != ticket.BuildFailed {
			continue
		}
		if t.NeedsManualRebase {
			continue
		}
		ready := true
		for _, dep := range g.Edges[t.ID] {
			if !done[dep] {
				ready = false
				break
			}
		}
		if ready {
			out = append(out, t)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if ra, rb := a.Priority.Rank(), b.Priority.Rank(); ra != rb {
			return ra < rb
		}
		if pa, pb := g.Phase[a.ID], g.Phase[b.ID]; pa != pb {
			return pa < pb
		}
		return a.ID < b.ID
	})
	return out
}

// Estimate sums the plan estimates for a batch and recommends a pacing
// preset.
func Estimate(batch []ticket.Ticket) BatchEstimate {
	est := BatchEstimate{Tickets: len(batch)}
	for _, t := range batch {
		est.TotalFiles += t.Estimate.Files
		est.TotalLines += t.Estimate.Lines
		est.TotalTests += t.Estimate.Tests
		est.TotalDuration += t.Estimate.Duration
	}
	est.Recommended = Recommend(est.TotalFiles, est.Tickets)
	return est
}

// NewQueue builds the ordered queue for a batch. Entries are ordered by
// (phase, priority, id) so no later-phase entry ever precedes its
// predecessors, and carry a dependency snapshot for the external runner.
func NewQueue(batch []ticket.Ticket, g *graph.Graph, pacing Pacing) *Queue {
	sorted := append([]ticket.Ticket(nil), batch...)
	sort.Slice(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if pa, pb := g.Phase[a.ID], g.Phase[b.ID]; pa != pb {
			return pa < pb
		}
		if ra, rb := a.Priority.Rank(), b.Priority.Rank(); ra != rb {
			return ra < rb
		}
		return a.ID < b.ID
	})

	q := &Queue{Pacing: pacing, CreatedAt: time.Now()}
	for _, t := range sorted {
		q.Entries = append(q.Entries, Entry{
			Ticket:    t.ID,
			Phase:     g.Phase[t.ID],
			Status:    EntryQueued,
			DependsOn: append([]string(nil), g.Edges[t.ID]...),
		})
	}
	return q
}

// WriteFile persists the queue artifact atomically.
func (q *Queue) WriteFile(path string) error {
	data, err := json.MarshalIndent(q, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize queue: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create queue directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write queue file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to rename queue file: %w", err)
	}
	return nil
}

// ReadQueueFile loads a previously written queue artifact.
func ReadQueueFile(path string) (*Queue, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read queue file: %w", err)
	}
	var q Queue
	if err := json.Unmarshal(data, &q); err != nil {
		return nil, fmt.Errorf("failed to parse queue file: %w", err)
	}
	return &q, nil
}
