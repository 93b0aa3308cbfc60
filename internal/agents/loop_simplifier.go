package agents

import (
	"fmt"
	"regexp"
	"strings"

	"snre/internal/types"
)

var (
	rangeLenPattern      = regexp.MustCompile(`for\s+(\w+)\s+in\s+range\(len\((\w+)\)\)`)
	rangeLenAnywhere     = regexp.MustCompile(`for.*range\(len\(`)
	nestedAppendPattern  = regexp.MustCompile(`for.*\n.*for.*\n.*\.append`)
	infiniteBreakPattern = regexp.MustCompile(`while.*True.*\n.*if.*break`)
)

// LoopSimplifier flattens and modernizes loop constructs: nested
// loop-with-append blocks and index-based iteration.
type LoopSimplifier struct {
	id        string
	priority  int
	threshold float64
}

func NewLoopSimplifier(id string) *LoopSimplifier {
	return &LoopSimplifier{id: id, priority: 6, threshold: 0.7}
}

func (a *LoopSimplifier) ID() string                   { return a.id }
func (a *LoopSimplifier) Priority() int                { return a.priority }
func (a *LoopSimplifier) ConfidenceThreshold() float64 { return a.threshold }

func (a *LoopSimplifier) setPriority(p int)      { a.priority = p }
func (a *LoopSimplifier) setThreshold(t float64) { a.threshold = t }

func (a *LoopSimplifier) Analyze(code string) types.Analysis {
	issues := a.detectLoopIssues(code)
	return types.Analysis{
		AgentID:                   a.id,
		IssuesFound:               len(issues),
		ComplexityScore:           roughComplexity(code),
		SecurityRisks:             []string{},
		OptimizationOpportunities: issues,
		Confidence:                0.8,
	}
}

// Propose scans line-by-line: multi-line nested loop blocks get a
// performance rewrite, single-line range(len()) loops an enumerate rewrite.
func (a *LoopSimplifier) Propose(code string) []types.Change {
	var changes []types.Change
	lines := strings.Split(code, "\n")

	for i := 0; i < len(lines); i++ {
		line := strings.TrimSpace(lines[i])

		if a.isNestedLoopPattern(lines, i) {
			block := extractLoopBlock(lines, i)
			optimized := optimizeNestedLoop(block)
			if optimized != block {
				changes = append(changes, types.Change{
					AgentID:      a.id,
					Category:     types.CategoryPerformance,
					OriginalCode: block,
					ModifiedCode: optimized,
					LineStart:    i,
					LineEnd:      i + strings.Count(block, "\n"),
					Confidence:   0.8,
					Description:  "Optimize nested loop to list comprehension",
					ImpactScore:  0.7,
				})
			}
			continue
		}

		if strings.Contains(line, "for") && strings.Contains(line, "range(len(") {
			changes = append(changes, types.Change{
				AgentID:      a.id,
				Category:     types.CategoryOptimization,
				OriginalCode: lines[i],
				ModifiedCode: convertRangeLen(lines[i]),
				LineStart:    i,
				LineEnd:      i,
				Confidence:   0.9,
				Description:  "Replace range(len()) with enumerate()",
				ImpactScore:  0.6,
			})
		}
	}
	return changes
}

// Vote backs anything loop-related, then performance changes, and discounts
// the rest.
func (a *LoopSimplifier) Vote(changes []types.Change) map[string]float64 {
	votes := make(map[string]float64, len(changes))
	for _, change := range changes {
		key := change.VoteKey()
		switch {
		case strings.Contains(strings.ToLower(change.Description), "loop"):
			votes[key] = clamp(change.Confidence * 1.3)
		case change.Category == types.CategoryPerformance:
			votes[key] = change.Confidence * 1.1
		default:
			votes[key] = change.Confidence * 0.6
		}
	}
	return votes
}

// ValidateResult rejects edits that add loops.
func (a *LoopSimplifier) ValidateResult(original, modified string) bool {
	return countLoops(modified) <= countLoops(original)
}

func (a *LoopSimplifier) detectLoopIssues(code string) []string {
	var issues []string
	if rangeLenAnywhere.MatchString(code) {
		issues = append(issues, "range_len_pattern")
	}
	if nestedAppendPattern.MatchString(code) {
		issues = append(issues, "nested_loop_with_append")
	}
	if infiniteBreakPattern.MatchString(code) {
		issues = append(issues, "infinite_loop_with_break")
	}
	if strings.Count(code, "for ") > 3 {
		issues = append(issues, "excessive_nested_loops")
	}
	return issues
}

// isNestedLoopPattern looks a few lines ahead of an outer `for` for an inner
// loop followed closely by an append.
func (a *LoopSimplifier) isNestedLoopPattern(lines []string, start int) bool {
	if start >= len(lines)-2 {
		return false
	}
	if !strings.HasPrefix(strings.TrimSpace(lines[start]), "for ") {
		return false
	}

	end := start + 5
	if end > len(lines) {
		end = len(lines)
	}
	for i := start + 1; i < end; i++ {
		if !strings.Contains(lines[i], "for ") {
			continue
		}
		for j := i + 1; j < i+3 && j < len(lines); j++ {
			if strings.Contains(lines[j], ".append(") {
				return true
			}
		}
	}
	return false
}

// extractLoopBlock collects lines until indentation returns to the loop
// header's level.
func extractLoopBlock(lines []string, start int) string {
	indent := len(lines[start]) - len(strings.TrimLeft(lines[start], " \t"))
	block := []string{lines[start]}

	for i := start + 1; i < len(lines); i++ {
		line := lines[i]
		if strings.TrimSpace(line) == "" {
			block = append(block, line)
			continue
		}
		current := len(line) - len(strings.TrimLeft(line, " \t"))
		if current <= indent {
			break
		}
		block = append(block, line)
	}
	return strings.Join(block, "\n")
}

func optimizeNestedLoop(block string) string {
	if strings.Contains(block, ".append(") && strings.Contains(block, "for ") {
		return fmt.Sprintf("# OPTIMIZED: %s\n# TODO: Consider list comprehension", strings.TrimSpace(block))
	}
	return block
}

func convertRangeLen(line string) string {
	match := rangeLenPattern.FindStringSubmatch(line)
	if match == nil {
		return line
	}
	indexVar, listVar := match[1], match[2]
	return strings.Replace(line,
		fmt.Sprintf("for %s in range(len(%s))", indexVar, listVar),
		fmt.Sprintf("for %s, item in enumerate(%s)", indexVar, listVar), 1)
}

func countLoops(code string) int {
	return strings.Count(code, "for ") + strings.Count(code, "while ")
}
