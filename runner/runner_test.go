package runner

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/arctek/conveyor/agent"
	"github.com/arctek/conveyor/resolve"
	"github.com/arctek/conveyor/schedule"
	"github.com/arctek/conveyor/ticket"
	"github.com/arctek/conveyor/vcs"
)

// slowBuilder succeeds after a fixed delay and tracks peak concurrency.
type slowBuilder struct {
	mu      sync.Mutex
	delay   time.Duration
	active  int
	peak    int
	started []string
}

func (b *slowBuilder) Build(ctx context.Context, t *ticket.Ticket) (*agent.Result, error) {
	b.mu.Lock()
	b.active++
	if b.active > b.peak {
		b.peak = b.active
	}
	b.started = append(b.started, t.ID)
	b.mu.Unlock()

	select {
	case <-time.After(b.delay):
	case <-ctx.Done():
	}

	b.mu.Lock()
	b.active--
	b.mu.Unlock()
	return &agent.Result{Success: true, TicketID: t.ID}, nil
}

// idleClient satisfies vcs.Client for runs that exercise builds only; PR
// creation fails so no ticket ever enters the resolution phase.
type idleClient struct{}

func (idleClient) PRState(ctx context.Context, number int) (*vcs.PRState, error) {
	return &vcs.PRState{Number: number}, nil
}
func (idleClient) CreatePR(ctx context.Context, branch, title, body string) (int, error) {
	return 0, errors.New("pr host unavailable")
}
func (idleClient) Rebase(ctx context.Context, branch, base string) error  { return nil }
func (idleClient) ForcePush(ctx context.Context, branch string) error     { return nil }
func (idleClient) PostComment(ctx context.Context, n int, b string) error { return nil }

// prHostClient hands out PR numbers and serves clean open states for them.
type prHostClient struct {
	mu      sync.Mutex
	next    int
	created []string // branches, in creation order
	states  map[int]*vcs.PRState
}

func (c *prHostClient) CreatePR(ctx context.Context, branch, title, body string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.next++
	number := 100 + c.next
	c.created = append(c.created, branch)
	if c.states == nil {
		c.states = make(map[int]*vcs.PRState)
	}
	c.states[number] = &vcs.PRState{Number: number, Branch: branch}
	return number, nil
}

func (c *prHostClient) PRState(ctx context.Context, number int) (*vcs.PRState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.states[number]
	if !ok {
		return nil, errors.New("unknown pr")
	}
	copied := *s
	return &copied, nil
}

func (c *prHostClient) Rebase(ctx context.Context, branch, base string) error  { return nil }
func (c *prHostClient) ForcePush(ctx context.Context, branch string) error     { return nil }
func (c *prHostClient) PostComment(ctx context.Context, n int, b string) error { return nil }

type noopFixer struct{}

func (noopFixer) Fix(ctx context.Context, t *ticket.Ticket, instruction string) (*agent.Result, error) {
	return &agent.Result{Success: true}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRunner(t *testing.T, store ticket.Store, builder agent.Builder, pacing schedule.Pacing, maxRuntime time.Duration) *Runner {
	t.Helper()
	logger := testLogger()
	resolver := resolve.NewEngine(store, idleClient{}, noopFixer{}, "main", 3, 3, logger)
	cfg := Config{
		Interval:   20 * time.Millisecond,
		MaxRuntime: maxRuntime,
		Pacing:     pacing,
		BaseBranch: "main",
	}
	return New(store, builder, resolver, idleClient{}, cfg, logger)
}

func approvedTicket(id string, deps ...string) ticket.Ticket {
	return ticket.Ticket{
		ID: id, Summary: "work " + id, Priority: ticket.PriorityMedium,
		PlanStatus: ticket.PlanApproved, BlockedBy: deps,
	}
}

func newStore(t *testing.T, tickets ...ticket.Ticket) ticket.Store {
	t.Helper()
	s := ticket.NewState(filepath.Join(t.TempDir(), "status.json"))
	for _, tk := range tickets {
		if err := s.Add(tk); err != nil {
			t.Fatalf("Add(%s): %v", tk.ID, err)
		}
	}
	if err := s.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}
	return s
}

func TestRunnerRespectsConcurrentLimit(t *testing.T) {
	store := newStore(t,
		approvedTicket("T-1"),
		approvedTicket("T-2"),
		approvedTicket("T-3"),
		approvedTicket("T-4"),
	)
	builder := &slowBuilder{delay: 30 * time.Millisecond}
	pacing := schedule.Pacing{Name: "test", ConcurrentLimit: 2, DelayBetweenStarts: 0}

	r := newTestRunner(t, store, builder, pacing, 500*time.Millisecond)
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	builder.mu.Lock()
	peak := builder.peak
	started := len(builder.started)
	builder.mu.Unlock()

	if peak > 2 {
		t.Errorf("peak concurrency = %d, limit was 2", peak)
	}
	if started != 4 {
		t.Errorf("builds started = %d, want 4", started)
	}
	for _, id := range []string{"T-1", "T-2", "T-3", "T-4"} {
		got, _ := store.Get(id)
		if got.BuildStatus != ticket.BuildDone {
			t.Errorf("%s build status = %s, want done", id, got.BuildStatus)
		}
	}
	if m := r.GetMetrics(); m.BuildsDone != 4 {
		t.Errorf("metrics.BuildsDone = %d, want 4", m.BuildsDone)
	}
}

func TestRunnerBuildsDependentAfterDependency(t *testing.T) {
	store := newStore(t,
		approvedTicket("A"),
		approvedTicket("B", "A"),
	)
	builder := &slowBuilder{delay: 10 * time.Millisecond}
	pacing := schedule.Pacing{Name: "test", ConcurrentLimit: 1, DelayBetweenStarts: 0}

	r := newTestRunner(t, store, builder, pacing, 500*time.Millisecond)
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	builder.mu.Lock()
	started := append([]string(nil), builder.started...)
	builder.mu.Unlock()

	if len(started) != 2 || started[0] != "A" || started[1] != "B" {
		t.Fatalf("build order = %v, want [A B]", started)
	}
	b, _ := store.Get("B")
	if b.BuildStatus != ticket.BuildDone {
		t.Errorf("dependent build status = %s, want done", b.BuildStatus)
	}
}

func TestRunnerSkipsUnapprovedAndEscalated(t *testing.T) {
	draft := approvedTicket("T-2")
	draft.PlanStatus = ticket.PlanDraft
	escalated := approvedTicket("T-3")
	escalated.BuildStatus = ticket.BuildEscalated

	store := newStore(t, approvedTicket("T-1"), draft, escalated)
	builder := &slowBuilder{delay: time.Millisecond}
	pacing := schedule.Pacing{Name: "test", ConcurrentLimit: 4, DelayBetweenStarts: 0}

	r := newTestRunner(t, store, builder, pacing, 200*time.Millisecond)
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	builder.mu.Lock()
	started := append([]string(nil), builder.started...)
	builder.mu.Unlock()
	if len(started) != 1 || started[0] != "T-1" {
		t.Errorf("started = %v, want only T-1", started)
	}
}

func TestRunnerOpensPRAfterSuccessfulBuild(t *testing.T) {
	store := newStore(t, approvedTicket("T-1"))
	builder := &slowBuilder{delay: time.Millisecond}
	host := &prHostClient{}
	logger := testLogger()
	resolver := resolve.NewEngine(store, host, noopFixer{}, "main", 3, 3, logger)
	cfg := Config{
		Interval:   20 * time.Millisecond,
		MaxRuntime: 300 * time.Millisecond,
		Pacing:     schedule.Pacing{Name: "test", ConcurrentLimit: 1, DelayBetweenStarts: 0},
		BaseBranch: "main",
	}

	r := New(store, builder, resolver, host, cfg, logger)
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got, _ := store.Get("T-1")
	if got.BuildStatus != ticket.BuildDone {
		t.Fatalf("build status = %s, want done", got.BuildStatus)
	}
	if got.PRNumber == 0 {
		t.Fatal("no PR recorded after successful build")
	}
	if got.PRStatus != ticket.PROpen {
		t.Errorf("pr status = %s, want open", got.PRStatus)
	}

	host.mu.Lock()
	created := append([]string(nil), host.created...)
	host.mu.Unlock()
	if len(created) != 1 {
		t.Fatalf("CreatePR called %d times, want exactly once", len(created))
	}
	if created[0] != vcs.BranchName("T-1") {
		t.Errorf("branch = %s, want %s", created[0], vcs.BranchName("T-1"))
	}
	if m := r.GetMetrics(); m.PRsOpened != 1 {
		t.Errorf("metrics.PRsOpened = %d, want 1", m.PRsOpened)
	}
}

func TestRunnerRetriesPRCreationNextCycle(t *testing.T) {
	// Tickets already built but without a PR (a previous run's create
	// failed) are picked up by the cycle sweep.
	tk := approvedTicket("T-1")
	tk.BuildStatus = ticket.BuildDone
	store := newStore(t, tk)
	host := &prHostClient{}
	logger := testLogger()
	resolver := resolve.NewEngine(store, host, noopFixer{}, "main", 3, 3, logger)
	cfg := Config{
		Interval:   20 * time.Millisecond,
		MaxRuntime: 100 * time.Millisecond,
		Pacing:     schedule.Pacing{Name: "test", ConcurrentLimit: 1, DelayBetweenStarts: 0},
		BaseBranch: "main",
	}

	r := New(store, &slowBuilder{}, resolver, host, cfg, logger)
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got, _ := store.Get("T-1")
	if got.PRNumber == 0 || got.PRStatus != ticket.PROpen {
		t.Errorf("stranded build not published: pr=%d status=%s", got.PRNumber, got.PRStatus)
	}
}

func TestRunnerGracefulStop(t *testing.T) {
	store := newStore(t, approvedTicket("T-1"))
	builder := &slowBuilder{delay: 50 * time.Millisecond}
	pacing := schedule.Pacing{Name: "test", ConcurrentLimit: 1, DelayBetweenStarts: 0}

	r := newTestRunner(t, store, builder, pacing, 10*time.Hour)
	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()

	// Let the first cycle dispatch, then request shutdown.
	time.Sleep(30 * time.Millisecond)
	r.Stop()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop")
	}

	// The in-flight build was awaited, not abandoned mid-write.
	got, _ := store.Get("T-1")
	if got.BuildStatus == ticket.BuildRunning {
		t.Errorf("build left running after graceful stop")
	}
	if m := r.GetMetrics(); m.TotalRuntime <= 0 {
		t.Errorf("TotalRuntime not recorded")
	}
}
