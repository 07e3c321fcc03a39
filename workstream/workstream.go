// Package workstream partitions tickets into named, ordered groups by
// functional area. Grouping is a pure function of the validated graph:
// re-running it on unchanged input yields an identical result.
package workstream

import (
	"sort"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/arctek/conveyor/graph"
	"github.com/arctek/conveyor/ticket"
)

// Workstream is a named group of tickets sharing an area. IDs are stable
// sequential integers assigned in sorted area order; the ticket list is
// ordered by (phase, priority, id) and read-only after creation.
type Workstream struct {
	ID      int      `json:"id"`
	Area    string   `json:"area"`
	Name    string   `json:"name"` // Display name, Title-cased area
	Tickets []string `json:"tickets"`
}

const defaultArea = "general"

var titleCaser = cases.Title(language.English)

// Group partitions tickets by area. Tickets without an area land in the
// "general" workstream.
func Group(tickets []ticket.Ticket, g *graph.Graph) []Workstream {
	byArea := make(map[string][]ticket.Ticket)
	for _, t := range tickets {
		area := t.Area
		if area == "" {
			area = defaultArea
		}
		byArea[area] = append(byArea[area], t)
	}

	areas := make([]string, 0, len(byArea))
	for area := range byArea {
		areas = append(areas, area)
	}
	sort.Strings(areas)

	streams := make([]Workstream, 0, len(areas))
	for i, area := range areas {
		members := byArea[area]
		sort.Slice(members, func(a, b int) bool {
			ta, tb := members[a], members[b]
			if pa, pb := g.Phase[ta.ID], g.Phase[tb.ID]; pa != pb {
				return pa < pb
			}
			if ra, rb := ta.Priority.Rank(), tb.Priority.Rank(); ra != rb {
				return ra < rb
			}
			return ta.ID < tb.ID
		})

		ids := make([]string, len(members))
		for j, t := range members {
			ids[j] = t.ID
		}
		streams = append(streams, Workstream{
			ID:      i + 1,
			Area:    area,
			Name:    titleCaser.String(area),
			Tickets: ids,
		})
	}
	return streams
}
