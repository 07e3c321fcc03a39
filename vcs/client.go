// Package vcs abstracts the VCS/PR host behind a narrow client interface so
// the resolution engine can be tested without live network calls.
package vcs

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// ReviewDecision values reported by the PR host.
const (
	ReviewApproved         = "approved"
	ReviewChangesRequested = "changes_requested"
	ReviewPending          = ""
)

// BranchName returns the branch a ticket's build publishes to. The build
// agent commits to this branch and the runner opens the PR from it.
func BranchName(ticketID string) string {
	return "conveyor/" + strings.ToLower(ticketID)
}

// Check is one CI check result on a PR head.
type Check struct {
	Name    string `json:"name"`
	Passed  bool   `json:"passed"`
	Summary string `json:"summary,omitempty"`
}

// PRState is a point-in-time snapshot of a pull request.
type PRState struct {
	Number         int     `json:"number"`
	Branch         string  `json:"branch"`
	Merged         bool    `json:"merged"`
	Closed         bool    `json:"closed"`
	MergeConflict  bool    `json:"merge_conflict"`
	ReviewDecision string  `json:"review_decision"`
	Checks         []Check `json:"checks,omitempty"`
	OpenFindings   int     `json:"open_findings"` // Unresolved review threads
}

// FailedChecks returns the checks that did not pass.
func (s *PRState) FailedChecks() []Check {
	var out []Check
	for _, c := range s.Checks {
		if !c.Passed {
			out = append(out, c)
		}
	}
	return out
}

// Client is the PR-host collaborator. One real implementation shells out to
// git and the host CLI; tests use fakes.
type Client interface {
	PRState(ctx context.Context, number int) (*PRState, error)
	CreatePR(ctx context.Context, branch, title, body string) (int, error)
	Rebase(ctx context.Context, branch, base string) error
	ForcePush(ctx context.Context, branch string) error
	PostComment(ctx context.Context, number int, body string) error
}

// CLIClient implements Client with git and the gh CLI.
type CLIClient struct {
	repoRoot   string
	baseBranch string
	ghPath     string
}

// NewCLIClient creates a client operating on the repository at repoRoot.
func NewCLIClient(repoRoot, baseBranch string) *CLIClient {
	ghPath := "gh"
	if path, err := exec.LookPath("gh"); err == nil {
		ghPath = path
	}
	return &CLIClient{repoRoot: repoRoot, baseBranch: baseBranch, ghPath: ghPath}
}

// PRState polls the host for the PR's merge, review and check state.
func (c *CLIClient) PRState(ctx context.Context, number int) (*PRState, error) {
	output, err := c.runOutput(ctx, c.ghPath, "pr", "view", strconv.Itoa(number),
		"--json", "number,state,mergeable,headRefName,reviewDecision,statusCheckRollup")
	if err != nil {
		return nil, fmt.Errorf("failed to query PR %d: %w", number, err)
	}

	var raw struct {
		Number            int    `json:"number"`
		State             string `json:"state"` // OPEN, MERGED, CLOSED
		Mergeable         string `json:"mergeable"`
		HeadRefName       string `json:"headRefName"`
		ReviewDecision    string `json:"reviewDecision"`
		StatusCheckRollup []struct {
			Name       string `json:"name"`
			Conclusion string `json:"conclusion"`
			Summary    string `json:"summary"`
		} `json:"statusCheckRollup"`
	}
	if err := json.Unmarshal(output, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse PR %d state: %w", number, err)
	}

	state := &PRState{
		Number:        raw.Number,
		Branch:        raw.HeadRefName,
		Merged:        raw.State == "MERGED",
		Closed:        raw.State == "CLOSED",
		MergeConflict: strings.EqualFold(raw.Mergeable, "CONFLICTING"),
	}
	switch strings.ToUpper(raw.ReviewDecision) {
	case "APPROVED":
		state.ReviewDecision = ReviewApproved
	case "CHANGES_REQUESTED":
		state.ReviewDecision = ReviewChangesRequested
	}
	for _, check := range raw.StatusCheckRollup {
		state.Checks = append(state.Checks, Check{
			Name:    check.Name,
			Passed:  strings.EqualFold(check.Conclusion, "SUCCESS") || strings.EqualFold(check.Conclusion, "NEUTRAL"),
			Summary: check.Summary,
		})
	}
	return state, nil
}

// CreatePR opens a pull request for the branch against the base branch.
func (c *CLIClient) CreatePR(ctx context.Context, branch, title, body string) (int, error) {
	output, err := c.runOutput(ctx, c.ghPath, "pr", "create",
		"--head", branch, "--base", c.baseBranch, "--title", title, "--body", body)
	if err != nil {
		return 0, fmt.Errorf("failed to create PR for %s: %w", branch, err)
	}
	// gh prints the PR URL; the number is the last path element.
	url := strings.TrimSpace(string(output))
	idx := strings.LastIndex(url, "/")
	if idx < 0 {
		return 0, fmt.Errorf("unexpected PR create output: %q", url)
	}
	number, err := strconv.Atoi(url[idx+1:])
	if err != nil {
		return 0, fmt.Errorf("unexpected PR create output: %q", url)
	}
	return number, nil
}

// Rebase replays branch onto base. Any failure leaves the branch untouched:
// the rebase is aborted before returning so a manual operator starts clean.
func (c *CLIClient) Rebase(ctx context.Context, branch, base string) error {
	if err := c.runGit(ctx, "fetch", "origin", base); err != nil {
		return fmt.Errorf("failed to fetch %s: %w", base, err)
	}
	if err := c.runGit(ctx, "checkout", branch); err != nil {
		return fmt.Errorf("failed to checkout %s: %w", branch, err)
	}
	if err := c.runGit(ctx, "rebase", "origin/"+base); err != nil {
		_ = c.runGit(ctx, "rebase", "--abort")
		return fmt.Errorf("rebase of %s onto %s failed: %w", branch, base, err)
	}
	return nil
}

// ForcePush publishes a rebased branch.
func (c *CLIClient) ForcePush(ctx context.Context, branch string) error {
	if err := c.runGit(ctx, "push", "--force-with-lease", "origin", branch); err != nil {
		return fmt.Errorf("failed to force-push %s: %w", branch, err)
	}
	return nil
}

// PostComment adds a comment to the PR, used for escalation reports.
func (c *CLIClient) PostComment(ctx context.Context, number int, body string) error {
	if err := c.run(ctx, c.ghPath, "pr", "comment", strconv.Itoa(number), "--body", body); err != nil {
		return fmt.Errorf("failed to comment on PR %d: %w", number, err)
	}
	return nil
}

func (c *CLIClient) runGit(ctx context.Context, args ...string) error {
	return c.run(ctx, "git", args...)
}

func (c *CLIClient) run(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = c.repoRoot
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

func (c *CLIClient) runOutput(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = c.repoRoot
	return cmd.Output()
}
