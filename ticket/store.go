package ticket

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Store is the single authoritative ticket store. All lifecycle updates are
// atomic read-modify-write operations serialized by the implementation;
// concurrent callers never race on the same record. Implementations persist
// the full ticket map plus the last-computed phase per ticket.
type Store interface {
	Load() error
	Save() error

	Get(id string) (*Ticket, bool)
	All() []Ticket

	Add(t Ticket) error
	AddBatch(ts []Ticket) error
	SetPhase(id string, phase int) error
	AddDependency(id, depID string) error
	RemoveDependency(id, depID string) error

	SetPlanStatus(id string, to PlanStatus, by, note string) error
	SetBuildStatus(id string, to BuildStatus, by, note string) error
	SetPRStatus(id string, to PRStatus, by, note string) error
	SetPRNumber(id string, number int) error
	SetNeedsManualRebase(id string, v bool) error

	IncrementRetry(id string) (int, error)
	Retry(id string, by string) error
}

// snapshot is the on-disk shape of the JSON store.
type snapshot struct {
	Version   string    `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
	Tickets   []Ticket  `json:"tickets"`
}

// State is the JSON-file Store implementation. Writes are serialized by a
// mutex and persisted atomically (tmp file + rename).
type State struct {
	mu       sync.RWMutex
	filePath string
	tickets  []Ticket
}

// NewState creates a JSON store backed by the given file.
func NewState(filePath string) *State {
	return &State{filePath: filePath}
}

// Load reads the ticket set from disk. A missing file yields an empty store.
func (s *State) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			s.tickets = nil
			return nil
		}
		return fmt.Errorf("failed to read status file: %w", err)
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("failed to parse status file: %w", err)
	}
	s.tickets = snap.Tickets
	return nil
}

// Save writes the ticket set to disk atomically.
func (s *State) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := snapshot{Version: "1.0", UpdatedAt: time.Now(), Tickets: s.tickets}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize status: %w", err)
	}

	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create status directory: %w", err)
	}

	tmpFile := s.filePath + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write status file: %w", err)
	}
	if err := os.Rename(tmpFile, s.filePath); err != nil {
		return fmt.Errorf("failed to rename status file: %w", err)
	}
	return nil
}

// Get returns a copy of the ticket with the given id.
func (s *State) Get(id string) (*Ticket, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := range s.tickets {
		if s.tickets[i].ID == id {
			t := s.tickets[i]
			return &t, true
		}
	}
	return nil, false
}

// All returns a copy of every ticket, sorted by id for stable output.
func (s *State) All() []Ticket {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Ticket, len(s.tickets))
	copy(out, s.tickets)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Add inserts a new ticket record.
func (s *State) Add(t Ticket) error {
	if err := t.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.tickets {
		if existing.ID == t.ID {
			return fmt.Errorf("ticket %s already exists", t.ID)
		}
	}

	s.tickets = append(s.tickets, normalized(t))
	return nil
}

// AddBatch inserts a set of new tickets atomically: either every record is
// added or none are. Intra-batch dependency order does not matter.
func (s *State) AddBatch(ts []Ticket) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool, len(s.tickets)+len(ts))
	for _, existing := range s.tickets {
		seen[existing.ID] = true
	}
	for i := range ts {
		if err := ts[i].Validate(); err != nil {
			return err
		}
		if seen[ts[i].ID] {
			return fmt.Errorf("ticket %s already exists", ts[i].ID)
		}
		seen[ts[i].ID] = true
	}

	for _, t := range ts {
		s.tickets = append(s.tickets, normalized(t))
	}
	return nil
}

// normalized fills the timestamps and zero-state defaults of a new record.
func normalized(t Ticket) Ticket {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	t.UpdatedAt = time.Now()
	if t.PlanStatus == "" {
		t.PlanStatus = PlanNone
	}
	if t.BuildStatus == "" {
		t.BuildStatus = BuildNone
	}
	if t.PRStatus == "" {
		t.PRStatus = PRNone
	}
	return t
}

// update applies fn to the ticket with the given id under the write lock.
func (s *State) update(id string, fn func(t *Ticket) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.tickets {
		if s.tickets[i].ID == id {
			if err := fn(&s.tickets[i]); err != nil {
				return err
			}
			s.tickets[i].UpdatedAt = time.Now()
			return nil
		}
	}
	return fmt.Errorf("ticket %s not found", id)
}

// SetPhase records the graph-computed dependency depth.
func (s *State) SetPhase(id string, phase int) error {
	return s.update(id, func(t *Ticket) error {
		t.Phase = phase
		return nil
	})
}

// AddDependency adds depID to the ticket's blocked_by set and maintains the
// reverse blocks edge. Cycle validation is the graph builder's job; callers
// revalidate and roll back on failure.
func (s *State) AddDependency(id, depID string) error {
	if id == depID {
		return fmt.Errorf("ticket %s cannot depend on itself", id)
	}
	if _, ok := s.Get(depID); !ok {
		return fmt.Errorf("ticket %s not found", depID)
	}
	if err := s.update(id, func(t *Ticket) error {
		for _, d := range t.BlockedBy {
			if d == depID {
				return fmt.Errorf("dependency already exists: %s blocked by %s", id, depID)
			}
		}
		t.BlockedBy = append(t.BlockedBy, depID)
		return nil
	}); err != nil {
		return err
	}
	return s.update(depID, func(t *Ticket) error {
		for _, b := range t.Blocks {
			if b == id {
				return nil
			}
		}
		t.Blocks = append(t.Blocks, id)
		return nil
	})
}

// RemoveDependency removes depID from the ticket's blocked_by set and the
// reverse blocks edge. Used to roll back an edge that would create a cycle.
func (s *State) RemoveDependency(id, depID string) error {
	if err := s.update(id, func(t *Ticket) error {
		t.BlockedBy = removeString(t.BlockedBy, depID)
		return nil
	}); err != nil {
		return err
	}
	return s.update(depID, func(t *Ticket) error {
		t.Blocks = removeString(t.Blocks, id)
		return nil
	})
}

// SetPlanStatus transitions plan_status, rejecting illegal transitions.
func (s *State) SetPlanStatus(id string, to PlanStatus, by, note string) error {
	return s.update(id, func(t *Ticket) error {
		if err := CheckPlanTransition(id, t.PlanStatus, to); err != nil {
			return err
		}
		t.History = append(t.History, HistoryEntry{
			Field: "plan", From: string(t.PlanStatus), To: string(to),
			At: time.Now(), By: by, Note: note,
		})
		t.PlanStatus = to
		return nil
	})
}

// SetBuildStatus transitions build_status, rejecting illegal transitions.
func (s *State) SetBuildStatus(id string, to BuildStatus, by, note string) error {
	return s.update(id, func(t *Ticket) error {
		if err := CheckBuildTransition(id, t.BuildStatus, to); err != nil {
			return err
		}
		t.History = append(t.History, HistoryEntry{
			Field: "build", From: string(t.BuildStatus), To: string(to),
			At: time.Now(), By: by, Note: note,
		})
		t.BuildStatus = to
		return nil
	})
}

// SetPRStatus transitions pr_status, rejecting illegal transitions.
func (s *State) SetPRStatus(id string, to PRStatus, by, note string) error {
	return s.update(id, func(t *Ticket) error {
		if err := CheckPRTransition(id, t.PRStatus, to); err != nil {
			return err
		}
		if t.PRStatus != to {
			t.History = append(t.History, HistoryEntry{
				Field: "pr", From: string(t.PRStatus), To: string(to),
				At: time.Now(), By: by, Note: note,
			})
		}
		t.PRStatus = to
		return nil
	})
}

// SetPRNumber records the PR opened for this ticket.
func (s *State) SetPRNumber(id string, number int) error {
	return s.update(id, func(t *Ticket) error {
		t.PRNumber = number
		return nil
	})
}

// SetNeedsManualRebase flags a ticket whose automated rebase failed.
func (s *State) SetNeedsManualRebase(id string, v bool) error {
	return s.update(id, func(t *Ticket) error {
		t.NeedsManualRebase = v
		return nil
	})
}

// IncrementRetry bumps retry_count for one corrective attempt and returns
// the new count.
func (s *State) IncrementRetry(id string) (int, error) {
	var count int
	err := s.update(id, func(t *Ticket) error {
		t.RetryCount++
		count = t.RetryCount
		return nil
	})
	return count, err
}

// Retry is the explicit human action that returns an escalated ticket to
// automation: retry_count resets to 0 and build_status moves back to failed
// so the scheduler will pick the ticket up again.
func (s *State) Retry(id string, by string) error {
	return s.update(id, func(t *Ticket) error {
		if t.BuildStatus != BuildEscalated {
			return fmt.Errorf("ticket %s is not escalated (build_status=%s)", id, t.BuildStatus)
		}
		t.History = append(t.History, HistoryEntry{
			Field: "build", From: string(BuildEscalated), To: string(BuildFailed),
			At: time.Now(), By: by, Note: "manual retry, counter reset",
		})
		t.BuildStatus = BuildFailed
		t.RetryCount = 0
		t.NeedsManualRebase = false
		return nil
	})
}

func removeString(list []string, v string) []string {
	out := list[:0]
	for _, s := range list {
		if s != v {
			out = append(out, s)
		}
	}
	return out
}
