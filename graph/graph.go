// Package graph builds and validates the ticket dependency graph. Output is
// all-or-nothing: duplicate ids or a cycle abort the whole pass with zero
// partial output, so graph correctness is a precondition for everything
// downstream.
package graph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/arctek/conveyor/ticket"
)

// Graph is the validated dependency graph. Edges point from a ticket to the
// tickets it is blocked by (declared plus inferred). Phase is the longest
// path from any root; tickets in the same phase may build in parallel.
type Graph struct {
	Nodes []string            // Sorted ticket ids
	Edges map[string][]string // ticket id -> blocked_by ids
	Phase map[string]int
}

// DuplicateIDError reports every colliding ticket id in the input set.
type DuplicateIDError struct {
	IDs []string
}

func (e *DuplicateIDError) Error() string {
	return fmt.Sprintf("duplicate ticket ids: %s", strings.Join(e.IDs, ", "))
}

// CycleError reports the exact offending dependency path, e.g. "A -> B -> A".
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle detected: %s", strings.Join(e.Path, " -> "))
}

// UnknownDependencyError reports a blocked_by reference to a ticket that
// does not exist.
type UnknownDependencyError struct {
	TicketID string
	Ref      string
}

func (e *UnknownDependencyError) Error() string {
	return fmt.Sprintf("ticket %s blocked by unknown ticket %s", e.TicketID, e.Ref)
}

// Build validates the ticket set and produces the dependency graph with
// phases. Warnings (orphan tickets) are returned alongside; any error means
// no graph was produced.
func Build(tickets []ticket.Ticket) (*Graph, []string, error) {
	if dupes := duplicateIDs(tickets); len(dupes) > 0 {
		return nil, nil, &DuplicateIDError{IDs: dupes}
	}

	known := make(map[string]bool, len(tickets))
	for _, t := range tickets {
		known[t.ID] = true
	}

	edges := make(map[string][]string, len(tickets))
	for _, t := range tickets {
		for _, dep := range t.BlockedBy {
			if !known[dep] {
				return nil, nil, &UnknownDependencyError{TicketID: t.ID, Ref: dep}
			}
		}
		edges[t.ID] = append([]string(nil), t.BlockedBy...)
	}

	// Inferred edges from the fixed heuristic rule table.
	for id, deps := range InferEdges(tickets) {
		edges[id] = mergeDeps(edges[id], deps)
	}

	nodes := make([]string, 0, len(tickets))
	for _, t := range tickets {
		nodes = append(nodes, t.ID)
	}
	sort.Strings(nodes)

	phase, err := computePhases(nodes, edges)
	if err != nil {
		return nil, nil, err
	}

	return &Graph{Nodes: nodes, Edges: edges, Phase: phase}, orphanWarnings(nodes, edges), nil
}

// Dependents returns the tickets directly blocked by id (reverse edges).
func (g *Graph) Dependents(id string) []string {
	var out []string
	for _, n := range g.Nodes {
		for _, dep := range g.Edges[n] {
			if dep == id {
				out = append(out, n)
				break
			}
		}
	}
	return out
}

// Phases returns ticket ids bucketed by phase, each bucket sorted.
func (g *Graph) Phases() map[int][]string {
	out := make(map[int][]string)
	for id, p := range g.Phase {
		out[p] = append(out[p], id)
	}
	for p := range out {
		sort.Strings(out[p])
	}
	return out
}

// MaxPhase returns the deepest phase in the graph, or -1 when empty.
func (g *Graph) MaxPhase() int {
	max := -1
	for _, p := range g.Phase {
		if p > max {
			max = p
		}
	}
	return max
}

func duplicateIDs(tickets []ticket.Ticket) []string {
	seen := make(map[string]int)
	for _, t := range tickets {
		seen[t.ID]++
	}
	var dupes []string
	for id, n := range seen {
		if n > 1 {
			dupes = append(dupes, id)
		}
	}
	sort.Strings(dupes)
	return dupes
}

// computePhases runs Kahn's algorithm over the dependency edges. Processing
// order doubles as cycle detection: any node never reaching indegree zero is
// part of a cycle, and the exact path is extracted from the leftover nodes.
// phase(t) = 0 for roots, else 1 + max(phase(dep)).
func computePhases(nodes []string, edges map[string][]string) (map[string]int, error) {
	indegree := make(map[string]int, len(nodes))
	dependents := make(map[string][]string, len(nodes))
	for _, n := range nodes {
		indegree[n] = len(edges[n])
		for _, dep := range edges[n] {
			dependents[dep] = append(dependents[dep], n)
		}
	}

	phase := make(map[string]int, len(nodes))
	var queue []string
	for _, n := range nodes {
		if indegree[n] == 0 {
			queue = append(queue, n)
			phase[n] = 0
		}
	}

	processed := 0
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		processed++
		for _, dep := range dependents[n] {
			if p := phase[n] + 1; p > phase[dep] {
				phase[dep] = p
			}
			indegree[dep]--
			if indegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if processed < len(nodes) {
		return nil, &CycleError{Path: extractCycle(nodes, edges, indegree)}
	}
	return phase, nil
}

// extractCycle walks blocked_by edges among the nodes Kahn could not
// process until a node repeats, then returns the closed path.
func extractCycle(nodes []string, edges map[string][]string, indegree map[string]int) []string {
	inCycle := make(map[string]bool)
	for _, n := range nodes {
		if indegree[n] > 0 {
			inCycle[n] = true
		}
	}

	var start string
	for _, n := range nodes {
		if inCycle[n] {
			start = n
			break
		}
	}

	visited := make(map[string]int) // node -> position in walk
	var walk []string
	cur := start
	for {
		if pos, seen := visited[cur]; seen {
			cycle := append([]string(nil), walk[pos:]...)
			cycle = append(cycle, cur)
			return cycle
		}
		visited[cur] = len(walk)
		walk = append(walk, cur)
		// Follow any blocked_by edge that stays inside the cyclic set.
		next := ""
		for _, dep := range edges[cur] {
			if inCycle[dep] {
				next = dep
				break
			}
		}
		if next == "" {
			return walk
		}
		cur = next
	}
}

// orphanWarnings flags tickets with no incoming or outgoing edges.
// Orphans are legal; the warning exists to catch forgotten dependencies.
func orphanWarnings(nodes []string, edges map[string][]string) []string {
	hasIncoming := make(map[string]bool)
	for _, deps := range edges {
		for _, dep := range deps {
			hasIncoming[dep] = true
		}
	}
	var warnings []string
	if len(nodes) < 2 {
		return nil
	}
	for _, n := range nodes {
		if len(edges[n]) == 0 && !hasIncoming[n] {
			warnings = append(warnings, fmt.Sprintf("ticket %s has no dependencies in either direction", n))
		}
	}
	return warnings
}

func mergeDeps(existing, extra []string) []string {
	seen := make(map[string]bool, len(existing))
	for _, d := range existing {
		seen[d] = true
	}
	for _, d := range extra {
		if !seen[d] {
			existing = append(existing, d)
			seen[d] = true
		}
	}
	return existing
}
