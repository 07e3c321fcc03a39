// Package resolve drives open PRs toward merged, one corrective action per
// poll cycle, escalating to a human when automation runs out of retries.
package resolve

import (
	"strings"

	"github.com/arctek/conveyor/vcs"
)

// FailureKind categorizes a failing CI check.
type FailureKind string

const (
	FailureTest  FailureKind = "test"
	FailureLint  FailureKind = "lint"
	FailureType  FailureKind = "type"
	FailureInfra FailureKind = "infrastructure"
)

// AutoFixable reports whether an automated fix attempt is allowed for this
// failure kind. Infrastructure failures are never auto-fixed: retrying code
// changes against a broken runner wastes retry budget.
func (k FailureKind) AutoFixable() bool {
	return k != FailureInfra
}

var kindPatterns = []struct {
	kind     FailureKind
	keywords []string
}{
	{FailureInfra, []string{"timeout", "timed out", "runner", "infrastructure", "network", "dns", "rate limit", "cancelled", "canceled", "out of disk", "no space", "connection refused", "registry", "502", "503"}},
	{FailureType, []string{"type", "typecheck", "type-check", "tsc", "mypy", "compile", "build error"}},
	{FailureLint, []string{"lint", "format", "fmt", "style", "prettier", "eslint", "vet"}},
	{FailureTest, []string{"test", "spec", "jest", "pytest", "unit", "integration", "e2e", "coverage"}},
}

// Classify maps a failed check to a failure kind from its name and summary.
// Infrastructure signatures win over everything else: a test job that timed
// out is an infra failure, not a test failure. Unrecognized checks default
// to test, the most common and safest-to-retry kind.
func Classify(check vcs.Check) FailureKind {
	haystack := strings.ToLower(check.Name + " " + check.Summary)
	for _, p := range kindPatterns {
		for _, kw := range p.keywords {
			if strings.Contains(haystack, kw) {
				return p.kind
			}
		}
	}
	return FailureTest
}

// ClassifyAll buckets failed checks by kind, preserving order within a kind.
func ClassifyAll(checks []vcs.Check) map[FailureKind][]vcs.Check {
	out := make(map[FailureKind][]vcs.Check)
	for _, c := range checks {
		k := Classify(c)
		out[k] = append(out[k], c)
	}
	return out
}
