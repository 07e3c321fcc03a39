package graph

import (
	"github.com/arctek/conveyor/ticket"
)

// InferEdges derives implicit blocked_by edges from ticket metadata. The
// rule table is fixed:
//
//   - an authentication ticket blocks every ticket outside the auth area,
//     unless the ticket opts out with auth: none;
//   - within a CRUD group (same entity), Create blocks Read, Update,
//     Delete and List;
//   - Import depends on the target entity's Create;
//   - Export depends on the target entity's Read and List;
//   - Search depends on the target entity's Create;
//   - Notification depends on its triggering operation on the same entity
//     (Create when no trigger is declared).
//
// Returned edges may duplicate declared ones; the builder deduplicates.
// Self-edges are never produced.
func InferEdges(tickets []ticket.Ticket) map[string][]string {
	inferred := make(map[string][]string)
	add := func(id, dep string) {
		if id != dep {
			inferred[id] = append(inferred[id], dep)
		}
	}

	var authTickets []string
	// entity -> op -> ticket ids implementing it
	byEntityOp := make(map[string]map[ticket.Op][]string)
	for _, t := range tickets {
		if isAuthTicket(t) {
			authTickets = append(authTickets, t.ID)
		}
		if t.Entity == "" || t.Op == ticket.OpNone {
			continue
		}
		if byEntityOp[t.Entity] == nil {
			byEntityOp[t.Entity] = make(map[ticket.Op][]string)
		}
		byEntityOp[t.Entity][t.Op] = append(byEntityOp[t.Entity][t.Op], t.ID)
	}

	for _, t := range tickets {
		// Auth blocks domain tickets that have not opted out.
		if !isAuthTicket(t) && t.Auth != ticket.AuthNone {
			for _, auth := range authTickets {
				add(t.ID, auth)
			}
		}

		ops := byEntityOp[t.Entity]
		if ops == nil {
			continue
		}
		switch t.Op {
		case ticket.OpRead, ticket.OpUpdate, ticket.OpDelete, ticket.OpList:
			for _, dep := range ops[ticket.OpCreate] {
				add(t.ID, dep)
			}
		case ticket.OpImport, ticket.OpSearch:
			for _, dep := range ops[ticket.OpCreate] {
				add(t.ID, dep)
			}
		case ticket.OpExport:
			for _, dep := range ops[ticket.OpRead] {
				add(t.ID, dep)
			}
			for _, dep := range ops[ticket.OpList] {
				add(t.ID, dep)
			}
		case ticket.OpNotification:
			trigger := t.Trigger
			if trigger == ticket.OpNone {
				trigger = ticket.OpCreate
			}
			for _, dep := range ops[trigger] {
				add(t.ID, dep)
			}
		}
	}
	return inferred
}

// isAuthTicket identifies the authentication work items that gate the rest
// of the graph: anything in the auth area or implementing the auth op.
func isAuthTicket(t ticket.Ticket) bool {
	return t.Area == "auth" || t.Op == ticket.OpAuth
}
