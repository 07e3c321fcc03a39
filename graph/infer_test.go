package graph

import (
	"testing"

	"github.com/arctek/conveyor/ticket"
)

func hasEdge(edges map[string][]string, id, dep string) bool {
	for _, d := range edges[id] {
		if d == dep {
			return true
		}
	}
	return false
}

func TestInferAuthBlocksAll(t *testing.T) {
	tickets := []ticket.Ticket{
		{ID: "AUTH-1", Summary: "login", Priority: ticket.PriorityHigh, Area: "auth"},
		{ID: "ORD-1", Summary: "orders", Priority: ticket.PriorityMedium, Area: "orders"},
		{ID: "PUB-1", Summary: "public health check", Priority: ticket.PriorityLow, Auth: ticket.AuthNone},
	}
	edges := InferEdges(tickets)

	if !hasEdge(edges, "ORD-1", "AUTH-1") {
		t.Error("domain ticket not blocked by auth")
	}
	if hasEdge(edges, "PUB-1", "AUTH-1") {
		t.Error("auth: none ticket should not gain an auth edge")
	}
	if hasEdge(edges, "AUTH-1", "AUTH-1") {
		t.Error("self-edge produced for auth ticket")
	}
}

func TestInferCRUDChain(t *testing.T) {
	tickets := []ticket.Ticket{
		{ID: "C", Summary: "create", Priority: ticket.PriorityMedium, Entity: "order", Op: ticket.OpCreate},
		{ID: "R", Summary: "read", Priority: ticket.PriorityMedium, Entity: "order", Op: ticket.OpRead},
		{ID: "U", Summary: "update", Priority: ticket.PriorityMedium, Entity: "order", Op: ticket.OpUpdate},
		{ID: "D", Summary: "delete", Priority: ticket.PriorityMedium, Entity: "order", Op: ticket.OpDelete},
		{ID: "L", Summary: "list", Priority: ticket.PriorityMedium, Entity: "order", Op: ticket.OpList},
		{ID: "OTHER", Summary: "user create", Priority: ticket.PriorityMedium, Entity: "user", Op: ticket.OpCreate},
	}
	edges := InferEdges(tickets)

	for _, id := range []string{"R", "U", "D", "L"} {
		if !hasEdge(edges, id, "C") {
			t.Errorf("%s not blocked by its entity's create", id)
		}
		if hasEdge(edges, id, "OTHER") {
			t.Errorf("%s gained a cross-entity edge", id)
		}
	}
	if len(edges["C"]) != 0 {
		t.Errorf("create gained dependencies: %v", edges["C"])
	}
}

func TestInferImportExportSearch(t *testing.T) {
	tickets := []ticket.Ticket{
		{ID: "C", Summary: "create", Priority: ticket.PriorityMedium, Entity: "order", Op: ticket.OpCreate},
		{ID: "R", Summary: "read", Priority: ticket.PriorityMedium, Entity: "order", Op: ticket.OpRead},
		{ID: "L", Summary: "list", Priority: ticket.PriorityMedium, Entity: "order", Op: ticket.OpList},
		{ID: "IMP", Summary: "import", Priority: ticket.PriorityMedium, Entity: "order", Op: ticket.OpImport},
		{ID: "EXP", Summary: "export", Priority: ticket.PriorityMedium, Entity: "order", Op: ticket.OpExport},
		{ID: "SRCH", Summary: "search", Priority: ticket.PriorityMedium, Entity: "order", Op: ticket.OpSearch},
	}
	edges := InferEdges(tickets)

	if !hasEdge(edges, "IMP", "C") {
		t.Error("import not blocked by create")
	}
	if !hasEdge(edges, "SRCH", "C") {
		t.Error("search not blocked by create")
	}
	if !hasEdge(edges, "EXP", "R") || !hasEdge(edges, "EXP", "L") {
		t.Errorf("export deps wrong: %v", edges["EXP"])
	}
	if hasEdge(edges, "EXP", "C") {
		t.Error("export should depend on read/list, not create")
	}
}

func TestInferNotificationTrigger(t *testing.T) {
	tickets := []ticket.Ticket{
		{ID: "C", Summary: "create", Priority: ticket.PriorityMedium, Entity: "order", Op: ticket.OpCreate},
		{ID: "U", Summary: "update", Priority: ticket.PriorityMedium, Entity: "order", Op: ticket.OpUpdate},
		{ID: "N1", Summary: "notify on update", Priority: ticket.PriorityMedium, Entity: "order", Op: ticket.OpNotification, Trigger: ticket.OpUpdate},
		{ID: "N2", Summary: "notify default", Priority: ticket.PriorityMedium, Entity: "order", Op: ticket.OpNotification},
	}
	edges := InferEdges(tickets)

	if !hasEdge(edges, "N1", "U") {
		t.Error("notification not blocked by its trigger op")
	}
	if hasEdge(edges, "N1", "C") {
		t.Error("notification with explicit trigger should not depend on create")
	}
	if !hasEdge(edges, "N2", "C") {
		t.Error("notification without trigger should default to create")
	}
}

func TestInferredEdgesFeedPhases(t *testing.T) {
	// No declared edges at all; phases come entirely from inference.
	tickets := []ticket.Ticket{
		{ID: "C", Summary: "create", Priority: ticket.PriorityMedium, Entity: "order", Op: ticket.OpCreate, Auth: ticket.AuthNone},
		{ID: "L", Summary: "list", Priority: ticket.PriorityMedium, Entity: "order", Op: ticket.OpList, Auth: ticket.AuthNone},
		{ID: "EXP", Summary: "export", Priority: ticket.PriorityMedium, Entity: "order", Op: ticket.OpExport, Auth: ticket.AuthNone},
	}
	g, _, err := Build(tickets)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if g.Phase["C"] != 0 || g.Phase["L"] != 1 || g.Phase["EXP"] != 2 {
		t.Errorf("phases = %v, want C:0 L:1 EXP:2", g.Phase)
	}
}
