// Package agent spawns coding agents for build and fix work.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/arctek/conveyor/ticket"
)

// Kind selects the prompt template an agent run uses.
type Kind string

const (
	KindBuild Kind = "build" // Implement a ticket end to end
	KindFix   Kind = "fix"   // Address review findings or failing checks on an open PR
)

// Result is the outcome of one agent run.
type Result struct {
	Success  bool          `json:"success"`
	TicketID string        `json:"ticketId,omitempty"`
	Kind     Kind          `json:"kind"`
	Output   string        `json:"output"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
	ExitCode int           `json:"exitCode"`
}

// Builder runs the implementation agent for a ticket.
type Builder interface {
	Build(ctx context.Context, t *ticket.Ticket) (*Result, error)
}

// Fixer runs the corrective agent against an open PR. instruction carries
// the failure context (review findings or check output) rendered into the
// prompt.
type Fixer interface {
	Fix(ctx context.Context, t *ticket.Ticket, instruction string) (*Result, error)
}

// PromptData is passed to prompt templates.
type PromptData struct {
	Ticket      *ticket.Ticket `json:"ticket"`
	TicketJSON  string         `json:"ticketJson"`
	Instruction string         `json:"instruction,omitempty"`
	AgentName   string         `json:"agentName"`
}

// Spawner runs agents by shelling out to a coding CLI with a rendered
// prompt on stdin. It implements both Builder and Fixer.
type Spawner struct {
	promptsDir string
	cliPath    string
	workDir    string
	timeout    time.Duration
	verbose    bool
}

// NewSpawner creates a spawner using the given CLI binary name or path.
func NewSpawner(cliName, promptsDir, workDir string, timeout time.Duration, verbose bool) *Spawner {
	cliPath := cliName
	if path, err := exec.LookPath(cliName); err == nil {
		cliPath = path
	}
	return &Spawner{
		promptsDir: promptsDir,
		cliPath:    cliPath,
		workDir:    workDir,
		timeout:    timeout,
		verbose:    verbose,
	}
}

// Build runs the implementation agent for a ticket.
func (s *Spawner) Build(ctx context.Context, t *ticket.Ticket) (*Result, error) {
	return s.spawn(ctx, KindBuild, PromptData{Ticket: t})
}

// Fix runs the corrective agent with the failure context.
func (s *Spawner) Fix(ctx context.Context, t *ticket.Ticket, instruction string) (*Result, error) {
	return s.spawn(ctx, KindFix, PromptData{Ticket: t, Instruction: instruction})
}

func (s *Spawner) spawn(ctx context.Context, kind Kind, data PromptData) (*Result, error) {
	start := time.Now()

	prompt, err := s.renderPrompt(kind, data)
	if err != nil {
		return &Result{
			Success: false,
			Kind:    kind,
			Error:   fmt.Sprintf("failed to render prompt: %v", err),
		}, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	result, err := s.run(ctx, prompt)
	result.Kind = kind
	result.Duration = time.Since(start)
	if data.Ticket != nil {
		result.TicketID = data.Ticket.ID
	}
	return result, err
}

// run executes the CLI with the prompt on stdin.
func (s *Spawner) run(ctx context.Context, prompt string) (*Result, error) {
	args := []string{
		"--print",                        // Print output instead of interactive
		"--dangerously-skip-permissions", // Skip permission prompts for automation
	}

	cmd := exec.CommandContext(ctx, s.cliPath, args...) // #nosec G204 -- cliPath is validated at construction time
	cmd.Dir = s.workDir
	cmd.Stdin = strings.NewReader(prompt)

	var stdout, stderr bytes.Buffer
	if s.verbose {
		cmd.Stdout = io.MultiWriter(&stdout, os.Stdout)
		cmd.Stderr = io.MultiWriter(&stderr, os.Stderr)
	} else {
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
	}

	err := cmd.Run()

	result := &Result{
		Success:  err == nil,
		Output:   stdout.String(),
		ExitCode: 0,
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		}
		result.Error = stderr.String()
	}

	// Agents emit a completion marker even when the process exits nonzero
	// for incidental reasons.
	if strings.Contains(result.Output, "<done>") {
		result.Success = true
	}
	return result, err
}

var templateFuncs = template.FuncMap{
	"title": cases.Title(language.English).String,
	"upper": strings.ToUpper,
	"lower": strings.ToLower,
	"join":  strings.Join,
}

// renderPrompt loads the prompt template for the agent kind and renders it.
func (s *Spawner) renderPrompt(kind Kind, data PromptData) (string, error) {
	data.AgentName = string(kind)

	promptFile := filepath.Join(s.promptsDir, string(kind)+".md")
	templateBytes, err := os.ReadFile(promptFile) // #nosec G304 -- promptsDir from internal config
	if err != nil {
		return "", fmt.Errorf("failed to read prompt template %s: %w", promptFile, err)
	}

	if data.Ticket != nil {
		ticketJSON, _ := json.MarshalIndent(data.Ticket, "", "  ")
		data.TicketJSON = string(ticketJSON)
	}

	tmpl := template.New("prompt").Funcs(templateFuncs)

	// shared-rules.md is available to templates as {{template "shared-rules.md" .}}
	sharedRulesPath := filepath.Join(s.promptsDir, "shared-rules.md")
	// #nosec G304 -- promptsDir is from internal config, not user input
	if sharedRulesBytes, err := os.ReadFile(sharedRulesPath); err == nil {
		if _, err := tmpl.New("shared-rules.md").Parse(string(sharedRulesBytes)); err != nil {
			return "", fmt.Errorf("failed to parse shared-rules template: %w", err)
		}
	}

	if _, err := tmpl.Parse(string(templateBytes)); err != nil {
		return "", fmt.Errorf("failed to parse prompt template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render prompt: %w", err)
	}
	return buf.String(), nil
}

// ValidateEnvironment checks the spawner can actually run agents.
func (s *Spawner) ValidateEnvironment() []string {
	var problems []string
	if _, err := exec.LookPath(s.cliPath); err != nil {
		problems = append(problems, fmt.Sprintf("agent CLI not found at %s", s.cliPath))
	}
	if _, err := os.Stat(s.promptsDir); os.IsNotExist(err) {
		problems = append(problems, fmt.Sprintf("prompts directory not found: %s", s.promptsDir))
	}
	for _, kind := range []Kind{KindBuild, KindFix} {
		promptFile := filepath.Join(s.promptsDir, string(kind)+".md")
		if _, err := os.Stat(promptFile); os.IsNotExist(err) {
			problems = append(problems, fmt.Sprintf("missing prompt file: %s", promptFile))
		}
	}
	return problems
}
