package ticket

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	gtext "github.com/yuin/goldmark/text"
)

// Ticket headings look like "## PROJ-101: Add order endpoint". Metadata
// fields follow in the section body, one per line.
var (
	ticketHeadingRe = regexp.MustCompile(`^([A-Z]+-\d+)[:\s]+(.+)$`)

	priorityRe = regexp.MustCompile(`(?i)priority:\s*(critical|high|medium|low)`)
	blockedRe  = regexp.MustCompile(`blocked_by:\s*\[([^\]]*)\]`)
	areaRe     = regexp.MustCompile(`(?i)area:\s*([\w-]+)`)
	entityRe   = regexp.MustCompile(`(?i)entity:\s*([\w-]+)`)
	opRe       = regexp.MustCompile(`(?i)op:\s*([\w-]+)`)
	authRe     = regexp.MustCompile(`(?i)auth:\s*([\w-]+)`)
	triggerRe  = regexp.MustCompile(`(?i)trigger:\s*([\w-]+)`)
	filesRe    = regexp.MustCompile(`(?i)files:\s*(\d+)`)
	linesRe    = regexp.MustCompile(`(?i)lines:\s*(\d+)`)
	testsRe    = regexp.MustCompile(`(?i)tests:\s*(\d+)`)
	durationRe = regexp.MustCompile(`(?i)duration:\s*([\w.]+)`)
)

// Sections never treated as tickets in fallback mode.
var skipSections = map[string]bool{
	"overview":          true,
	"introduction":      true,
	"summary":           true,
	"references":        true,
	"appendix":          true,
	"changelog":         true,
	"table of contents": true,
}

// IngestFile parses a PRD/plan markdown file into typed ticket records.
func IngestFile(path string) ([]Ticket, error) {
	source, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read source file: %w", err)
	}
	prefix := strings.ToUpper(strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)))
	if len(prefix) > 4 {
		prefix = prefix[:4]
	}
	return Ingest(source, prefix)
}

// heading is a markdown heading located in the source buffer.
type heading struct {
	level int
	text  string
	start int // Byte offset of the heading's text in source
	end   int // Byte offset just past the heading's text
}

// Ingest extracts tickets from markdown source. Headings of the form
// "## PROJ-101: Summary" become tickets with metadata parsed from the
// section body. If no such headings exist, every H2 becomes a ticket with
// a generated id (fallback for unannotated plan documents). Each record is
// validated before being returned; the first invalid record aborts the
// whole ingestion with a ValidationError.
func Ingest(source []byte, idPrefix string) ([]Ticket, error) {
	headings := collectHeadings(source)

	var tickets []Ticket
	matched := ticketHeadings(headings)
	if len(matched) > 0 {
		for i, h := range matched {
			m := ticketHeadingRe.FindStringSubmatch(h.text)
			bodyEnd := len(source)
			if i+1 < len(matched) {
				bodyEnd = matched[i+1].start
			}
			body := string(source[h.end:min(bodyEnd, len(source))])
			t := parseTicketBody(m[1], strings.TrimSpace(m[2]), body)
			tickets = append(tickets, t)
		}
	} else {
		// Fallback: treat each non-boilerplate H2 as a ticket.
		n := 0
		for _, h := range headings {
			if h.level != 2 || skipSections[strings.ToLower(strings.TrimSpace(h.text))] {
				continue
			}
			n++
			tickets = append(tickets, Ticket{
				ID:       fmt.Sprintf("%s-%d", idPrefix, n*100+1),
				Summary:  strings.TrimSpace(h.text),
				Priority: PriorityMedium,
			})
		}
	}

	for i := range tickets {
		if err := tickets[i].Validate(); err != nil {
			return nil, err
		}
	}
	return tickets, nil
}

// collectHeadings walks the goldmark AST and records every heading with its
// byte offsets, so section bodies can be sliced out of the raw source.
func collectHeadings(source []byte) []heading {
	parser := goldmark.New().Parser()
	doc := parser.Parse(gtext.NewReader(source))

	var headings []heading
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		h, ok := n.(*ast.Heading)
		if !ok {
			return ast.WalkContinue, nil
		}
		lines := h.Lines()
		if lines.Len() == 0 {
			return ast.WalkContinue, nil
		}
		seg := lines.At(0)
		last := lines.At(lines.Len() - 1)
		headings = append(headings, heading{
			level: h.Level,
			text:  string(source[seg.Start:last.Stop]),
			start: seg.Start,
			end:   last.Stop,
		})
		return ast.WalkSkipChildren, nil
	})
	return headings
}

func ticketHeadings(headings []heading) []heading {
	var out []heading
	for _, h := range headings {
		if (h.level == 2 || h.level == 3) && ticketHeadingRe.MatchString(h.text) {
			out = append(out, h)
		}
	}
	return out
}

// parseTicketBody extracts the metadata fields from a ticket section.
func parseTicketBody(id, summary, body string) Ticket {
	t := Ticket{
		ID:       id,
		Summary:  summary,
		Priority: PriorityMedium,
	}

	if m := priorityRe.FindStringSubmatch(body); m != nil {
		t.Priority = Priority(strings.ToLower(m[1]))
	}
	if m := areaRe.FindStringSubmatch(body); m != nil {
		t.Area = strings.ToLower(m[1])
	}
	if m := entityRe.FindStringSubmatch(body); m != nil {
		t.Entity = strings.ToLower(m[1])
	}
	if m := opRe.FindStringSubmatch(body); m != nil {
		t.Op = Op(strings.ToLower(m[1]))
	}
	if m := authRe.FindStringSubmatch(body); m != nil {
		t.Auth = strings.ToLower(m[1])
	}
	if m := triggerRe.FindStringSubmatch(body); m != nil {
		t.Trigger = Op(strings.ToLower(m[1]))
	}
	if m := blockedRe.FindStringSubmatch(body); m != nil {
		for _, dep := range strings.Split(m[1], ",") {
			dep = strings.Trim(strings.TrimSpace(dep), `'"`)
			if dep != "" {
				t.BlockedBy = append(t.BlockedBy, dep)
			}
		}
	}
	if m := filesRe.FindStringSubmatch(body); m != nil {
		t.Estimate.Files, _ = strconv.Atoi(m[1])
	}
	if m := linesRe.FindStringSubmatch(body); m != nil {
		t.Estimate.Lines, _ = strconv.Atoi(m[1])
	}
	if m := testsRe.FindStringSubmatch(body); m != nil {
		t.Estimate.Tests, _ = strconv.Atoi(m[1])
	}
	if m := durationRe.FindStringSubmatch(body); m != nil {
		if d, err := time.ParseDuration(m[1]); err == nil {
			t.Estimate.Duration = d
		}
	}
	return t
}
