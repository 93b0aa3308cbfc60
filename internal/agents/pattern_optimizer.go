// Package agents ships the built-in refactoring agents and their YAML
// profile loading. Agents are registered explicitly at startup; there is no
// lazy plugin discovery.
package agents

import (
	"fmt"
	"strings"

	"snre/internal/types"
)

// PatternOptimizer hunts general code-pattern improvements: loop-to-
// comprehension opportunities and dead assignments.
type PatternOptimizer struct {
	id        string
	priority  int
	threshold float64
}

// NewPatternOptimizer returns the optimizer under the given id.
func NewPatternOptimizer(id string) *PatternOptimizer {
	return &PatternOptimizer{id: id, priority: 7, threshold: 0.6}
}

func (a *PatternOptimizer) ID() string                   { return a.id }
func (a *PatternOptimizer) Priority() int                { return a.priority }
func (a *PatternOptimizer) ConfidenceThreshold() float64 { return a.threshold }

func (a *PatternOptimizer) setPriority(p int)      { a.priority = p }
func (a *PatternOptimizer) setThreshold(t float64) { a.threshold = t }

// Analyze reports detected optimization patterns. Malformed input degrades
// to a zero-confidence analysis, never an error.
func (a *PatternOptimizer) Analyze(code string) types.Analysis {
	if strings.TrimSpace(code) == "" {
		return types.Analysis{AgentID: a.id, SecurityRisks: []string{}, OptimizationOpportunities: []string{}}
	}

	patterns := a.DetectPatterns(code)
	return types.Analysis{
		AgentID:                   a.id,
		IssuesFound:               len(patterns),
		ComplexityScore:           roughComplexity(code),
		SecurityRisks:             []string{},
		OptimizationOpportunities: patterns,
		Confidence:                0.8,
	}
}

// Propose suggests pattern-level edits anchored to single lines of the
// snapshot.
func (a *PatternOptimizer) Propose(code string) []types.Change {
	var changes []types.Change
	lines := strings.Split(code, "\n")

	for i, line := range lines {
		// for-append pair: candidate for a comprehension.
		if strings.Contains(line, "for") && i+1 < len(lines) && strings.Contains(lines[i+1], ".append(") {
			changes = append(changes, types.Change{
				AgentID:      a.id,
				Category:     types.CategoryOptimization,
				OriginalCode: line,
				ModifiedCode: fmt.Sprintf("# TODO: Convert to list comprehension: %s", strings.TrimSpace(line)),
				LineStart:    i,
				LineEnd:      i + 1,
				Confidence:   0.7,
				Description:  "Convert to list comprehension",
				ImpactScore:  0.6,
			})
		}

		// Dead None assignment.
		if strings.Contains(line, "=") && strings.HasSuffix(strings.TrimSpace(line), "None") {
			changes = append(changes, types.Change{
				AgentID:      a.id,
				Category:     types.CategoryOptimization,
				OriginalCode: line,
				ModifiedCode: "# Removed unnecessary None assignment",
				LineStart:    i,
				LineEnd:      i,
				Confidence:   0.5,
				Description:  "Remove unnecessary None assignment",
				ImpactScore:  0.3,
			})
		}
	}
	return changes
}

// Vote favors optimization changes and discounts the rest.
func (a *PatternOptimizer) Vote(changes []types.Change) map[string]float64 {
	votes := make(map[string]float64, len(changes))
	for _, change := range changes {
		if change.Category == types.CategoryOptimization {
			votes[change.VoteKey()] = clamp(change.Confidence * 1.2)
		} else {
			votes[change.VoteKey()] = change.Confidence * 0.8
		}
	}
	return votes
}

// ValidateResult is satisfied when the transformation actually changed
// something.
func (a *PatternOptimizer) ValidateResult(original, modified string) bool {
	return strings.TrimSpace(original) != strings.TrimSpace(modified)
}

// DetectPatterns lists optimization opportunities by name.
func (a *PatternOptimizer) DetectPatterns(code string) []string {
	var patterns []string
	lines := strings.Split(code, "\n")

	for _, line := range lines {
		if strings.Contains(line, "for") && strings.Contains(code, ".append(") {
			patterns = append(patterns, "list_comprehension_opportunity")
		}
		if strings.Contains(line, "if") && strings.Contains(code, "else:") && strings.Contains(line, "return") {
			patterns = append(patterns, "ternary_operator_opportunity")
		}
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "temp_") || strings.HasPrefix(trimmed, "tmp_") {
			patterns = append(patterns, "unnecessary_temp_variable")
		}
	}
	return patterns
}

// roughComplexity is the shared cheap construct-count heuristic agents use in
// their analyses.
func roughComplexity(code string) float64 {
	c := 1.0
	c += float64(strings.Count(code, "if "))
	c += float64(strings.Count(code, "for "))
	c += float64(strings.Count(code, "while "))
	c += float64(strings.Count(code, "def "))
	c += float64(strings.Count(code, "func "))
	return c
}

func clamp(v float64) float64 {
	if v > 1.0 {
		return 1.0
	}
	return v
}
