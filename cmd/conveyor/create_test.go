package main

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/arctek/conveyor/graph"
	"github.com/arctek/conveyor/internal/db"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile(%s): %v", path, err)
	}
}

// useConfig points the CLI at a throwaway config for the duration of a test.
func useConfig(t *testing.T, path string) {
	t.Helper()
	old := flagConfig
	flagConfig = path
	t.Cleanup(func() { flagConfig = old })
}

func TestCreateRejectsCycleWithoutPersisting(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "conveyor.db")
	cfgPath := filepath.Join(dir, "conveyor.yaml")
	writeFile(t, cfgPath, "db_path: "+dbPath+"\n")
	useConfig(t, cfgPath)

	planPath := filepath.Join(dir, "plan.md")
	writeFile(t, planPath, `# Plan

## ORD-101: Create order endpoint
- priority: high
- blocked_by: [ORD-102]

## ORD-102: Order validation
- priority: high
- blocked_by: [ORD-101]
`)

	cmd := newCreateCmd()
	cmd.SetArgs([]string{planPath})
	err := cmd.Execute()
	if err == nil {
		t.Fatal("expected cycle error")
	}
	var cycleErr *graph.CycleError
	if !errors.As(err, &cycleErr) {
		t.Fatalf("error = %v, want CycleError", err)
	}
	if !strings.Contains(err.Error(), "ORD-101") || !strings.Contains(err.Error(), "ORD-102") {
		t.Errorf("cycle path not reported: %v", err)
	}

	// The bad document must leave zero tickets behind.
	database, err := db.Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer database.Close()
	if got := db.NewSQLStore(database).All(); len(got) != 0 {
		t.Errorf("cycle document persisted %d tickets, want none", len(got))
	}
}

func TestCreateReportsAllDuplicateIDs(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "conveyor.yaml")
	writeFile(t, cfgPath, "state_path: "+filepath.Join(dir, "status.json")+"\n")
	useConfig(t, cfgPath)

	planPath := filepath.Join(dir, "plan.md")
	writeFile(t, planPath, `# Plan

## ORD-101: First
- priority: high

## ORD-101: First again
- priority: low

## ORD-202: Second
- priority: medium

## ORD-202: Second again
- priority: medium
`)

	cmd := newCreateCmd()
	cmd.SetArgs([]string{planPath})
	err := cmd.Execute()
	if err == nil {
		t.Fatal("expected duplicate-id error")
	}
	var dupErr *graph.DuplicateIDError
	if !errors.As(err, &dupErr) {
		t.Fatalf("error = %v, want DuplicateIDError", err)
	}
	if len(dupErr.IDs) != 2 {
		t.Errorf("duplicate ids = %v, want both collisions reported", dupErr.IDs)
	}

	if _, statErr := os.Stat(filepath.Join(dir, "status.json")); !os.IsNotExist(statErr) {
		t.Error("state file written despite rejected document")
	}
}
