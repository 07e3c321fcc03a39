package ticket

import (
	"testing"
	"time"
)

const samplePlan = `# Order Service Plan

## Overview

Background material that is not a ticket.

## ORD-101: Add order entity

priority: high
area: orders
entity: order
op: create
files: 4
lines: 300
tests: 6
duration: 45m

## ORD-102: List orders

priority: medium
area: orders
entity: order
op: list
blocked_by: [ORD-101]

### ORD-103: Order search

area: orders
entity: order
op: search
auth: none
`

func TestIngestAnnotatedHeadings(t *testing.T) {
	tickets, err := Ingest([]byte(samplePlan), "ORD")
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if len(tickets) != 3 {
		t.Fatalf("expected 3 tickets, got %d", len(tickets))
	}

	first := tickets[0]
	if first.ID != "ORD-101" || first.Summary != "Add order entity" {
		t.Errorf("unexpected first ticket: %s %q", first.ID, first.Summary)
	}
	if first.Priority != PriorityHigh || first.Area != "orders" {
		t.Errorf("metadata not parsed: priority=%s area=%s", first.Priority, first.Area)
	}
	if first.Entity != "order" || first.Op != OpCreate {
		t.Errorf("crud metadata not parsed: entity=%s op=%s", first.Entity, first.Op)
	}
	if first.Estimate.Files != 4 || first.Estimate.Lines != 300 || first.Estimate.Tests != 6 {
		t.Errorf("estimate not parsed: %+v", first.Estimate)
	}
	if first.Estimate.Duration != 45*time.Minute {
		t.Errorf("duration = %s, want 45m", first.Estimate.Duration)
	}

	second := tickets[1]
	if len(second.BlockedBy) != 1 || second.BlockedBy[0] != "ORD-101" {
		t.Errorf("blocked_by not parsed: %v", second.BlockedBy)
	}
	if second.Priority != PriorityMedium {
		t.Errorf("priority = %s, want medium", second.Priority)
	}

	// H3 ticket headings count too.
	third := tickets[2]
	if third.ID != "ORD-103" || third.Auth != "none" || third.Op != OpSearch {
		t.Errorf("h3 ticket not parsed: %+v", third)
	}
}

func TestIngestFallbackHeadings(t *testing.T) {
	source := []byte(`# Plan

## Overview

skip me

## Add user login

words

## Add user logout

more words
`)
	tickets, err := Ingest(source, "PLAN")
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if len(tickets) != 2 {
		t.Fatalf("expected 2 tickets, got %d", len(tickets))
	}
	if tickets[0].ID != "PLAN-101" || tickets[1].ID != "PLAN-201" {
		t.Errorf("generated ids wrong: %s, %s", tickets[0].ID, tickets[1].ID)
	}
	if tickets[0].Summary != "Add user login" {
		t.Errorf("summary = %q", tickets[0].Summary)
	}
	if tickets[0].Priority != PriorityMedium {
		t.Errorf("fallback priority = %s, want medium", tickets[0].Priority)
	}
}

func TestIngestRejectsInvalidMetadata(t *testing.T) {
	source := []byte(`## BAD-1: Broken ticket

priority: high
op: obliterate
`)
	if _, err := Ingest(source, "BAD"); err == nil {
		t.Fatal("expected validation error for unknown op")
	}
}

func TestIngestEmptySource(t *testing.T) {
	tickets, err := Ingest([]byte("no headings here\n"), "X")
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if len(tickets) != 0 {
		t.Errorf("expected no tickets, got %d", len(tickets))
	}
}
