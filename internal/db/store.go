package db

import (
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/arctek/conveyor/ticket"
)

// SQLStore implements ticket.Store on SQLite. Every mutation writes through
// immediately; Load and Save are no-ops kept for interface compatibility
// with the JSON store. A mutex serializes read-modify-write operations so
// transition checks never race.
type SQLStore struct {
	mu sync.Mutex
	db *DB
}

// NewSQLStore creates a SQLite-backed ticket store.
func NewSQLStore(db *DB) *SQLStore {
	return &SQLStore{db: db}
}

// Load is a no-op: reads always hit the database.
func (s *SQLStore) Load() error { return nil }

// Save is a no-op: every mutation commits immediately.
func (s *SQLStore) Save() error { return nil }

const ticketColumns = `id, summary, area, priority, entity, op, auth, trigger_op,
	plan_status, build_status, pr_status, pr_number, retry_count,
	needs_manual_rebase, phase, est_files, est_lines, est_tests,
	est_duration_ns, created_at, updated_at`

func scanTicket(row interface{ Scan(...any) error }) (*ticket.Ticket, error) {
	var t ticket.Ticket
	var manualRebase int
	var durationNS int64
	err := row.Scan(
		&t.ID, &t.Summary, &t.Area, &t.Priority, &t.Entity, &t.Op, &t.Auth, &t.Trigger,
		&t.PlanStatus, &t.BuildStatus, &t.PRStatus, &t.PRNumber, &t.RetryCount,
		&manualRebase, &t.Phase, &t.Estimate.Files, &t.Estimate.Lines, &t.Estimate.Tests,
		&durationNS, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.NeedsManualRebase = manualRebase != 0
	t.Estimate.Duration = time.Duration(durationNS)
	return &t, nil
}

// Get returns the ticket with the given id, including its dependency edges
// and history.
func (s *SQLStore) Get(id string) (*ticket.Ticket, bool) {
	row := s.db.QueryRow("SELECT "+ticketColumns+" FROM tickets WHERE id = ?", id)
	t, err := scanTicket(row)
	if err != nil {
		return nil, false
	}
	if err := s.loadEdges(t); err != nil {
		return nil, false
	}
	if err := s.loadHistory(t); err != nil {
		return nil, false
	}
	return t, true
}

// All returns every ticket sorted by id.
func (s *SQLStore) All() []ticket.Ticket {
	rows, err := s.db.Query("SELECT " + ticketColumns + " FROM tickets ORDER BY id")
	if err != nil {
		return nil
	}
	defer rows.Close()

	var out []ticket.Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil
		}
		out = append(out, *t)
	}
	if rows.Err() != nil {
		return nil
	}

	for i := range out {
		if err := s.loadEdges(&out[i]); err != nil {
			return nil
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Add inserts a new ticket record with its declared dependencies.
func (s *SQLStore) Add(t ticket.Ticket) error {
	return s.AddBatch([]ticket.Ticket{t})
}

// AddBatch inserts a set of new tickets in one transaction: either every
// record lands or none do. All ticket rows go in before any dependency row
// so intra-batch references, forward or cyclic, satisfy the foreign key.
func (s *SQLStore) AddBatch(ts []ticket.Ticket) error {
	for i := range ts {
		if err := ts[i].Validate(); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for i := range ts {
		t := ts[i]
		if t.CreatedAt.IsZero() {
			t.CreatedAt = time.Now()
		}
		t.UpdatedAt = time.Now()
		if t.PlanStatus == "" {
			t.PlanStatus = ticket.PlanNone
		}
		if t.BuildStatus == "" {
			t.BuildStatus = ticket.BuildNone
		}
		if t.PRStatus == "" {
			t.PRStatus = ticket.PRNone
		}

		manualRebase := 0
		if t.NeedsManualRebase {
			manualRebase = 1
		}
		_, err = tx.Exec(`
			INSERT INTO tickets (`+ticketColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			t.ID, t.Summary, t.Area, t.Priority, t.Entity, t.Op, t.Auth, t.Trigger,
			t.PlanStatus, t.BuildStatus, t.PRStatus, t.PRNumber, t.RetryCount,
			manualRebase, t.Phase, t.Estimate.Files, t.Estimate.Lines, t.Estimate.Tests,
			int64(t.Estimate.Duration), t.CreatedAt, t.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to create ticket %s: %w", t.ID, err)
		}
	}

	for _, t := range ts {
		for _, dep := range t.BlockedBy {
			if _, err := tx.Exec("INSERT INTO dependencies (ticket_id, blocked_by) VALUES (?, ?)", t.ID, dep); err != nil {
				return fmt.Errorf("failed to record dependency %s -> %s: %w", t.ID, dep, err)
			}
		}
	}

	return tx.Commit()
}

// SetPhase records the graph-computed dependency depth.
func (s *SQLStore) SetPhase(id string, phase int) error {
	return s.exec("UPDATE tickets SET phase = ?, updated_at = ? WHERE id = ?", phase, time.Now(), id)
}

// AddDependency adds a blocked_by edge.
func (s *SQLStore) AddDependency(id, depID string) error {
	if id == depID {
		return fmt.Errorf("ticket %s cannot depend on itself", id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.getLocked(depID); !ok {
		return fmt.Errorf("ticket %s not found", depID)
	}
	if _, err := s.db.Exec("INSERT INTO dependencies (ticket_id, blocked_by) VALUES (?, ?)", id, depID); err != nil {
		return fmt.Errorf("failed to add dependency %s -> %s: %w", id, depID, err)
	}
	return nil
}

// RemoveDependency removes a blocked_by edge, used to roll back an edge that
// would create a cycle.
func (s *SQLStore) RemoveDependency(id, depID string) error {
	return s.exec("DELETE FROM dependencies WHERE ticket_id = ? AND blocked_by = ?", id, depID)
}

// SetPlanStatus transitions plan_status, rejecting illegal transitions.
func (s *SQLStore) SetPlanStatus(id string, to ticket.PlanStatus, by, note string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.getLocked(id)
	if !ok {
		return fmt.Errorf("ticket %s not found", id)
	}
	if err := ticket.CheckPlanTransition(id, t.PlanStatus, to); err != nil {
		return err
	}
	return s.transition(id, "plan", string(t.PlanStatus), string(to), by, note,
		"UPDATE tickets SET plan_status = ?, updated_at = ? WHERE id = ?", string(to))
}

// SetBuildStatus transitions build_status, rejecting illegal transitions.
func (s *SQLStore) SetBuildStatus(id string, to ticket.BuildStatus, by, note string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.getLocked(id)
	if !ok {
		return fmt.Errorf("ticket %s not found", id)
	}
	if err := ticket.CheckBuildTransition(id, t.BuildStatus, to); err != nil {
		return err
	}
	return s.transition(id, "build", string(t.BuildStatus), string(to), by, note,
		"UPDATE tickets SET build_status = ?, updated_at = ? WHERE id = ?", string(to))
}

// SetPRStatus transitions pr_status, rejecting illegal transitions.
func (s *SQLStore) SetPRStatus(id string, to ticket.PRStatus, by, note string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.getLocked(id)
	if !ok {
		return fmt.Errorf("ticket %s not found", id)
	}
	if err := ticket.CheckPRTransition(id, t.PRStatus, to); err != nil {
		return err
	}
	if t.PRStatus == to {
		return nil
	}
	return s.transition(id, "pr", string(t.PRStatus), string(to), by, note,
		"UPDATE tickets SET pr_status = ?, updated_at = ? WHERE id = ?", string(to))
}

// SetPRNumber records the PR opened for this ticket.
func (s *SQLStore) SetPRNumber(id string, number int) error {
	return s.exec("UPDATE tickets SET pr_number = ?, updated_at = ? WHERE id = ?", number, time.Now(), id)
}

// SetNeedsManualRebase flags a ticket whose automated rebase failed.
func (s *SQLStore) SetNeedsManualRebase(id string, v bool) error {
	flag := 0
	if v {
		flag = 1
	}
	return s.exec("UPDATE tickets SET needs_manual_rebase = ?, updated_at = ? WHERE id = ?", flag, time.Now(), id)
}

// IncrementRetry bumps retry_count and returns the new count.
func (s *SQLStore) IncrementRetry(id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.execLocked("UPDATE tickets SET retry_count = retry_count + 1, updated_at = ? WHERE id = ?", time.Now(), id); err != nil {
		return 0, err
	}
	var count int
	if err := s.db.QueryRow("SELECT retry_count FROM tickets WHERE id = ?", id).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to read retry count for %s: %w", id, err)
	}
	return count, nil
}

// Retry is the explicit human action that returns an escalated ticket to
// automation.
func (s *SQLStore) Retry(id string, by string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.getLocked(id)
	if !ok {
		return fmt.Errorf("ticket %s not found", id)
	}
	if t.BuildStatus != ticket.BuildEscalated {
		return fmt.Errorf("ticket %s is not escalated (build_status=%s)", id, t.BuildStatus)
	}
	return s.transition(id, "build", string(ticket.BuildEscalated), string(ticket.BuildFailed), by, "manual retry, counter reset",
		"UPDATE tickets SET build_status = ?, retry_count = 0, needs_manual_rebase = 0, updated_at = ? WHERE id = ?",
		string(ticket.BuildFailed))
}

// transition applies a status update and its history row in one transaction.
// Callers hold the mutex.
func (s *SQLStore) transition(id, field, from, to, by, note, updateSQL string, statusArg string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.Exec(updateSQL, statusArg, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to update ticket %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("ticket %s not found", id)
	}
	_, err = tx.Exec(`
		INSERT INTO history (ticket_id, field, from_status, to_status, at, actor, note)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, id, field, from, to, time.Now(), by, note)
	if err != nil {
		return fmt.Errorf("failed to record history for %s: %w", id, err)
	}
	return tx.Commit()
}

func (s *SQLStore) getLocked(id string) (*ticket.Ticket, bool) {
	row := s.db.QueryRow("SELECT "+ticketColumns+" FROM tickets WHERE id = ?", id)
	t, err := scanTicket(row)
	if err != nil {
		return nil, false
	}
	return t, true
}

func (s *SQLStore) exec(query string, args ...any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.execLocked(query, args...)
}

func (s *SQLStore) execLocked(query string, args ...any) error {
	res, err := s.db.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("failed to update ticket: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("ticket not found")
	}
	return nil
}

func (s *SQLStore) loadEdges(t *ticket.Ticket) error {
	rows, err := s.db.Query("SELECT blocked_by FROM dependencies WHERE ticket_id = ? ORDER BY blocked_by", t.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	t.BlockedBy = nil
	for rows.Next() {
		var dep string
		if err := rows.Scan(&dep); err != nil {
			return err
		}
		t.BlockedBy = append(t.BlockedBy, dep)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	reverse, err := s.db.Query("SELECT ticket_id FROM dependencies WHERE blocked_by = ? ORDER BY ticket_id", t.ID)
	if err != nil {
		return err
	}
	defer reverse.Close()
	t.Blocks = nil
	for reverse.Next() {
		var id string
		if err := reverse.Scan(&id); err != nil {
			return err
		}
		t.Blocks = append(t.Blocks, id)
	}
	return reverse.Err()
}

func (s *SQLStore) loadHistory(t *ticket.Ticket) error {
	rows, err := s.db.Query(`
		SELECT field, from_status, to_status, at, actor, note
		FROM history WHERE ticket_id = ? ORDER BY id
	`, t.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	t.History = nil
	for rows.Next() {
		var h ticket.HistoryEntry
		var actor, note sql.NullString
		if err := rows.Scan(&h.Field, &h.From, &h.To, &h.At, &actor, &note); err != nil {
			return err
		}
		h.By = actor.String
		h.Note = note.String
		t.History = append(t.History, h)
	}
	return rows.Err()
}
