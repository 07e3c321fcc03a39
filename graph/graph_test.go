package graph

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/arctek/conveyor/ticket"
)

func tk(id string, deps ...string) ticket.Ticket {
	return ticket.Ticket{ID: id, Summary: "work " + id, Priority: ticket.PriorityMedium, BlockedBy: deps}
}

func TestBuildPhases(t *testing.T) {
	// C depends on B depends on A, D is parallel to B.
	tickets := []ticket.Ticket{
		tk("A"),
		tk("B", "A"),
		tk("C", "B"),
		tk("D", "A"),
	}
	g, warnings, err := Build(tickets)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(warnings) != 0 {
		t.Errorf("unexpected warnings: %v", warnings)
	}

	want := map[string]int{"A": 0, "B": 1, "C": 2, "D": 1}
	if !reflect.DeepEqual(g.Phase, want) {
		t.Errorf("phases = %v, want %v", g.Phase, want)
	}
	if g.MaxPhase() != 2 {
		t.Errorf("MaxPhase = %d, want 2", g.MaxPhase())
	}
}

func TestPhaseIsLongestPath(t *testing.T) {
	// D has a short path (via A) and a long path (via B -> C). Phase must
	// follow the longest.
	tickets := []ticket.Ticket{
		tk("A"),
		tk("B", "A"),
		tk("C", "B"),
		tk("D", "A", "C"),
	}
	g, _, err := Build(tickets)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if g.Phase["D"] != 3 {
		t.Errorf("phase(D) = %d, want 3", g.Phase["D"])
	}
}

func TestBuildDetectsCycleWithPath(t *testing.T) {
	tickets := []ticket.Ticket{
		tk("A", "B"),
		tk("B", "A"),
		tk("C"),
	}
	_, _, err := Build(tickets)
	if err == nil {
		t.Fatal("expected cycle error")
	}
	var cycleErr *CycleError
	if !errors.As(err, &cycleErr) {
		t.Fatalf("expected *CycleError, got %T", err)
	}
	// The reported path must name both cycle members and close on itself.
	path := strings.Join(cycleErr.Path, " -> ")
	if !strings.Contains(path, "A") || !strings.Contains(path, "B") {
		t.Errorf("cycle path missing members: %s", path)
	}
	if cycleErr.Path[0] != cycleErr.Path[len(cycleErr.Path)-1] {
		t.Errorf("cycle path not closed: %v", cycleErr.Path)
	}
	if strings.Contains(path, "C") {
		t.Errorf("acyclic node reported in cycle: %s", path)
	}
}

func TestBuildRejectsDuplicates(t *testing.T) {
	_, _, err := Build([]ticket.Ticket{tk("A"), tk("A")})
	var dupErr *DuplicateIDError
	if !errors.As(err, &dupErr) {
		t.Fatalf("expected *DuplicateIDError, got %v", err)
	}
	if len(dupErr.IDs) != 1 || dupErr.IDs[0] != "A" {
		t.Errorf("unexpected duplicate list: %v", dupErr.IDs)
	}
}

func TestBuildRejectsUnknownDependency(t *testing.T) {
	_, _, err := Build([]ticket.Ticket{tk("A", "GHOST")})
	var unknownErr *UnknownDependencyError
	if !errors.As(err, &unknownErr) {
		t.Fatalf("expected *UnknownDependencyError, got %v", err)
	}
}

func TestOrphanWarning(t *testing.T) {
	tickets := []ticket.Ticket{tk("A"), tk("B", "A"), tk("LONER")}
	_, warnings, err := Build(tickets)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(warnings) != 1 || !strings.Contains(warnings[0], "LONER") {
		t.Errorf("expected one orphan warning for LONER, got %v", warnings)
	}

	// A single-ticket graph is trivially all-orphan; no warning there.
	_, warnings, err = Build([]ticket.Ticket{tk("A")})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(warnings) != 0 {
		t.Errorf("unexpected warnings for singleton graph: %v", warnings)
	}
}

func TestBuildIsDeterministic(t *testing.T) {
	tickets := []ticket.Ticket{tk("A"), tk("B", "A"), tk("C", "B"), tk("D", "A")}
	first, _, err := Build(tickets)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	for i := 0; i < 5; i++ {
		again, _, err := Build(tickets)
		if err != nil {
			t.Fatalf("Build: %v", err)
		}
		if !reflect.DeepEqual(first.Phase, again.Phase) || !reflect.DeepEqual(first.Nodes, again.Nodes) {
			t.Fatal("Build output changed across identical runs")
		}
	}
}

func TestDependents(t *testing.T) {
	g, _, err := Build([]ticket.Ticket{tk("A"), tk("B", "A"), tk("C", "A")})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	got := g.Dependents("A")
	if !reflect.DeepEqual(got, []string{"B", "C"}) {
		t.Errorf("Dependents(A) = %v", got)
	}
}
