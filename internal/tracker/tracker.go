// Package tracker is the stateless diff and metrics utility: unified diff
// generation, syntax validation, and the complexity / improvement heuristics
// used for post-hoc session metrics.
package tracker

import (
	"context"
	"fmt"
	"go/parser"
	"go/token"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"

	"snre/internal/types"
)

// securityPatterns are the known-risk constructs counted for the
// security-improvements metric. A resolved occurrence is an improvement.
var securityPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)eval\(`),
	regexp.MustCompile(`(?i)exec\(`),
	regexp.MustCompile(`(?i)password\s*=\s*["'][^"']*["']`),
	regexp.MustCompile(`(?i)cursor\.execute\([^)]*%`),
	regexp.MustCompile(`(?i)os\.system\([^)]*\+`),
}

// Tracker computes diffs and metrics. It holds no mutable state beyond the
// shared diff engine, so a single instance is safe for concurrent use.
type Tracker struct {
	dmp *diffmatchpatch.DiffMatchPatch
}

// New returns a Tracker with a diff engine tuned for code.
func New() *Tracker {
	dmp := diffmatchpatch.New()
	dmp.DiffTimeout = 0 // accuracy over speed for code diffs
	return &Tracker{dmp: dmp}
}

// CreateDiff renders a unified diff between two code versions.
func (t *Tracker) CreateDiff(original, modified string) string {
	if original == modified {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("--- original\n")
	sb.WriteString("+++ modified\n")

	oldLine, newLine := 1, 1
	for _, d := range t.lineDiffs(original, modified) {
		lines := splitDiffLines(d.Text)
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			oldLine += len(lines)
			newLine += len(lines)
		case diffmatchpatch.DiffDelete:
			sb.WriteString(fmt.Sprintf("@@ -%d,%d @@\n", oldLine, len(lines)))
			for _, line := range lines {
				sb.WriteString("-" + line + "\n")
			}
			oldLine += len(lines)
		case diffmatchpatch.DiffInsert:
			sb.WriteString(fmt.Sprintf("@@ +%d,%d @@\n", newLine, len(lines)))
			for _, line := range lines {
				sb.WriteString("+" + line + "\n")
			}
			newLine += len(lines)
		}
	}
	return sb.String()
}

// lineDiffs runs the line-level reduction: DiffLinesToChars -> DiffMain ->
// DiffCleanupSemantic -> DiffCharsToLines, which avoids newline boundary
// artifacts when converting to line operations.
func (t *Tracker) lineDiffs(a, b string) []diffmatchpatch.Diff {
	ca, cb, lineArray := t.dmp.DiffLinesToChars(a, b)
	diffs := t.dmp.DiffMain(ca, cb, false)
	diffs = t.dmp.DiffCleanupSemantic(diffs)
	return t.dmp.DiffCharsToLines(diffs, lineArray)
}

func splitDiffLines(text string) []string {
	lines := strings.Split(text, "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// ValidateSyntax checks structural well-formedness for the text's language,
// inferred from the path extension. Go sources get a go/parser parse, Python
// sources a Tree-sitter parse; everything else gets a bracket-balance check,
// the strongest language-agnostic signal without a grammar per language.
func (t *Tracker) ValidateSyntax(code, path string) bool {
	if strings.TrimSpace(code) == "" {
		return false
	}
	switch filepath.Ext(path) {
	case ".go":
		_, err := parser.ParseFile(token.NewFileSet(), path, code, parser.AllErrors)
		return err == nil
	case ".py", ".pyw":
		return validPython(code)
	}
	return balanced(code)
}

// validPython parses with the Tree-sitter python grammar. The grammar is
// error-recovering, so a failed parse surfaces as error nodes in the tree
// rather than a parse error. A fresh parser per call keeps this safe for
// concurrent use.
func validPython(code string) bool {
	p := sitter.NewParser()
	p.SetLanguage(python.GetLanguage())

	tree, err := p.ParseCtx(context.Background(), nil, []byte(code))
	if err != nil {
		return false
	}
	defer tree.Close()

	return !tree.RootNode().HasError()
}

// balanced verifies bracket pairing outside of string literals.
func balanced(code string) bool {
	var stack []rune
	pairs := map[rune]rune{')': '(', ']': '[', '}': '{'}
	var inString rune

	for _, r := range code {
		if inString != 0 {
			if r == inString {
				inString = 0
			}
			continue
		}
		switch r {
		case '"', '\'', '`':
			inString = r
		case '(', '[', '{':
			stack = append(stack, r)
		case ')', ']', '}':
			if len(stack) == 0 || stack[len(stack)-1] != pairs[r] {
				return false
			}
			stack = stack[:len(stack)-1]
		}
	}
	return len(stack) == 0
}

// MeasureComplexity scores code with a simple heuristic: 1 plus counts of
// branching, loop, exception, and function constructs, plus max indentation
// depth / 4.
func (t *Tracker) MeasureComplexity(code string) float64 {
	if strings.TrimSpace(code) == "" {
		return 0.0
	}

	complexity := 1.0
	complexity += float64(strings.Count(code, "if "))
	complexity += float64(strings.Count(code, "for "))
	complexity += float64(strings.Count(code, "while "))
	complexity += float64(strings.Count(code, "try:"))
	complexity += float64(strings.Count(code, "except "))
	complexity += float64(strings.Count(code, "def "))
	complexity += float64(strings.Count(code, "func "))

	maxIndent := 0
	for _, line := range strings.Split(code, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		indent := len(line) - len(strings.TrimLeft(line, " \t"))
		if indent > maxIndent {
			maxIndent = indent
		}
	}
	complexity += float64(maxIndent) / 4.0

	return complexity
}

// CalculateMetrics summarizes the difference between the original and the
// refactored code. Agent contributions are filled in by the coordinator.
func (t *Tracker) CalculateMetrics(original, modified string) types.RefactorMetrics {
	return types.RefactorMetrics{
		LinesChanged:         t.countChangedLines(original, modified),
		ComplexityDelta:      t.MeasureComplexity(modified) - t.MeasureComplexity(original),
		SecurityImprovements: countSecurityImprovements(original, modified),
		PerformanceGains:     estimatePerformanceGains(original, modified),
		AgentContributions:   map[string]int{},
	}
}

// countChangedLines counts added plus removed lines at line granularity.
func (t *Tracker) countChangedLines(original, modified string) int {
	changed := 0
	for _, d := range t.lineDiffs(original, modified) {
		if d.Type == diffmatchpatch.DiffEqual {
			continue
		}
		changed += len(splitDiffLines(d.Text))
	}
	return changed
}

// countSecurityImprovements counts known-risk patterns resolved between the
// two versions. Introducing new risks never yields a negative count.
func countSecurityImprovements(original, modified string) int {
	before, after := 0, 0
	for _, pattern := range securityPatterns {
		before += len(pattern.FindAllString(original, -1))
		after += len(pattern.FindAllString(modified, -1))
	}
	if before <= after {
		return 0
	}
	return before - after
}

// estimatePerformanceGains scores structural improvement signals, e.g. a
// loop-to-aggregate conversion or enumerate adoption.
func estimatePerformanceGains(original, modified string) float64 {
	gains := 0.0

	// Loop-to-comprehension conversion: appends disappear while a
	// comprehension-shaped construct shows up.
	if strings.Contains(modified, "[") && strings.Contains(modified, "for") &&
		strings.Count(original, "append") > strings.Count(modified, "append") {
		gains += 0.2
	}

	// range(len()) replaced by enumerate.
	if strings.Contains(modified, "enumerate") && strings.Contains(original, "range(len(") {
		gains += 0.1
	}

	// return-everything replaced by a generator.
	if strings.Contains(modified, "yield") && strings.Contains(original, "return") {
		gains += 0.3
	}

	return gains
}
