package tracker

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateDiffIdenticalInputs(t *testing.T) {
	tr := New()
	assert.Empty(t, tr.CreateDiff("x = 1\n", "x = 1\n"))
}

func TestCreateDiffMarksChangedLines(t *testing.T) {
	tr := New()
	original := "a = 1\nb = 2\nc = 3\n"
	modified := "a = 1\nb = 20\nc = 3\n"

	diff := tr.CreateDiff(original, modified)
	assert.True(t, strings.HasPrefix(diff, "--- original\n+++ modified\n"))
	assert.Contains(t, diff, "-b = 2\n")
	assert.Contains(t, diff, "+b = 20\n")
	assert.NotContains(t, diff, "-a = 1")
	assert.NotContains(t, diff, "-c = 3")
}

func TestValidateSyntaxGo(t *testing.T) {
	tr := New()
	assert.True(t, tr.ValidateSyntax("package main\n\nfunc main() {}\n", "main.go"))
	assert.False(t, tr.ValidateSyntax("package main\n\nfunc main() {\n", "main.go"))
}

func TestValidateSyntaxPython(t *testing.T) {
	tr := New()

	valid := []string{
		"def f(x):\n    return [x]\n",
		"x = 1\nif True:\n    pass\n",
		`print("unbalanced ( in string")` + "\n",
	}
	for _, code := range valid {
		assert.True(t, tr.ValidateSyntax(code, "f.py"), "should accept:\n%s", code)
	}

	// Well-bracketed but grammatically broken Python must be rejected.
	invalid := []string{
		"x = = 1\n",
		"def f(x):\nreturn return x\n",
		"if True\n    pass\n",
		"def f(x:\n    return [x\n",
	}
	for _, code := range invalid {
		assert.False(t, tr.ValidateSyntax(code, "f.py"), "should reject:\n%s", code)
	}

	assert.False(t, tr.ValidateSyntax("   \n", "f.py"))
}

func TestValidateSyntaxBracketBalance(t *testing.T) {
	tr := New()
	assert.True(t, tr.ValidateSyntax("function f(x) { return [x]; }\n", "f.js"))
	assert.False(t, tr.ValidateSyntax("function f(x) { return [x; }\n", "f.js"))
	assert.True(t, tr.ValidateSyntax(`log("unbalanced ( in string");`+"\n", "f.js"))
	assert.False(t, tr.ValidateSyntax("   \n", "f.js"))
}

func TestMeasureComplexity(t *testing.T) {
	tr := New()
	assert.Zero(t, tr.MeasureComplexity("  "))

	flat := "x = 1\n"
	nested := "def f(xs):\n    for x in xs:\n        if x:\n            return x\n"
	assert.Greater(t, tr.MeasureComplexity(nested), tr.MeasureComplexity(flat))
}

func TestCalculateMetricsSecurityImprovements(t *testing.T) {
	tr := New()
	original := "password = \"hunter2\"\neval(user_input)\n"
	modified := "password = os.environ.get(\"PASSWORD\")\nast.literal_eval(user_input)\n"

	m := tr.CalculateMetrics(original, modified)
	assert.Equal(t, 1, m.SecurityImprovements) // literal_eval still matches eval(
	assert.Positive(t, m.LinesChanged)
	assert.NotNil(t, m.AgentContributions)
}

func TestSecurityImprovementsNeverNegative(t *testing.T) {
	clean := "x = 1\n"
	risky := "eval(x)\n"
	assert.Zero(t, countSecurityImprovements(clean, risky))
}

func TestEstimatePerformanceGains(t *testing.T) {
	original := "for i in range(len(xs)):\n    out.append(xs[i])\n"
	modified := "out = [x for i, x in enumerate(xs)]\n"

	gains := estimatePerformanceGains(original, modified)
	// Comprehension conversion (+0.2) and enumerate adoption (+0.1).
	assert.InDelta(t, 0.3, gains, 1e-9)
}

func TestCountChangedLines(t *testing.T) {
	tr := New()
	require.Equal(t, 0, tr.countChangedLines("a\nb\n", "a\nb\n"))
	// One line replaced: one removal plus one insertion.
	assert.Equal(t, 2, tr.countChangedLines("a\nb\nc\n", "a\nX\nc\n"))
}
