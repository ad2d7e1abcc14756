package quality

import (
	"regexp"
	"strconv"
	"strings"
)

// TestSummary is the parsed output of a test run.
type TestSummary struct {
	Total    int     `json:"total"`
	Passed   int     `json:"passed"`
	Failed   int     `json:"failed"`
	Skipped  int     `json:"skipped"`
	Coverage float64 `json:"coverage"` // -1 when not reported
	Parsed   bool    `json:"parsed"`
}

// LintSummary is the parsed output of a lint run.
type LintSummary struct {
	ErrorCount   int  `json:"errorCount"`
	WarningCount int  `json:"warningCount"`
	Passed       bool `json:"passed"`
	Parsed       bool `json:"parsed"`
}

var (
	// "Tests  12 passed | 2 failed | 1 skipped (15)"
	vitestTests = regexp.MustCompile(`Tests\s+(?:(\d+)\s+passed)?\s*\|?\s*(?:(\d+)\s+failed)?\s*\|?\s*(?:(\d+)\s+skipped)?\s*\((\d+)\)`)
	// "Test Files  3 passed (3)"
	vitestFiles = regexp.MustCompile(`Test Files\s+(?:(\d+)\s+passed)?\s*\|?\s*(?:(\d+)\s+failed)?\s*\((\d+)\)`)
	// "All files | 85.2 | ..." coverage table row
	coverageAllFiles = regexp.MustCompile(`All files\s*\|\s*([\d.]+)`)
	// "Statements: 85.2%"
	coverageStatements = regexp.MustCompile(`Statements\s*:\s*([\d.]+)%`)
	// "✖ 5 problems (3 errors, 2 warnings)"
	eslintProblems = regexp.MustCompile(`[✖x]?\s*(\d+)\s+problems?\s+\((\d+)\s+errors?,\s*(\d+)\s+warnings?\)`)
	// "3 errors and 2 warnings"
	lintErrorsAnd = regexp.MustCompile(`(\d+)\s+errors?\s+and\s+(\d+)\s+warnings?`)
)

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

// ParseTestOutput extracts a summary from vitest-style output. Coverage is -1
// when no coverage table is present.
func ParseTestOutput(output string) TestSummary {
	summary := TestSummary{Coverage: -1}

	if m := vitestTests.FindStringSubmatch(output); m != nil {
		summary.Passed = atoi(m[1])
		summary.Failed = atoi(m[2])
		summary.Skipped = atoi(m[3])
		summary.Total = atoi(m[4])
		summary.Parsed = true
	} else if m := vitestFiles.FindStringSubmatch(output); m != nil {
		summary.Passed = atoi(m[1])
		summary.Failed = atoi(m[2])
		summary.Total = atoi(m[3])
		summary.Parsed = true
	}

	if m := coverageAllFiles.FindStringSubmatch(output); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			summary.Coverage = v
		}
	} else if m := coverageStatements.FindStringSubmatch(output); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			summary.Coverage = v
		}
	}
	return summary
}

// ParseLintOutput extracts a summary from eslint-style output. Empty output
// means the linter passed; unparseable non-empty output conservatively passes
// with Parsed=false.
func ParseLintOutput(output string) LintSummary {
	trimmed := strings.TrimSpace(output)
	if trimmed == "" {
		return LintSummary{Passed: true, Parsed: true}
	}

	if m := eslintProblems.FindStringSubmatch(trimmed); m != nil {
		s := LintSummary{
			ErrorCount:   atoi(m[2]),
			WarningCount: atoi(m[3]),
			Parsed:       true,
		}
		s.Passed = s.ErrorCount == 0
		return s
	}
	if m := lintErrorsAnd.FindStringSubmatch(trimmed); m != nil {
		s := LintSummary{
			ErrorCount:   atoi(m[1]),
			WarningCount: atoi(m[2]),
			Parsed:       true,
		}
		s.Passed = s.ErrorCount == 0
		return s
	}

	return LintSummary{Passed: true, Parsed: false}
}

// ExtractErrorLines picks the lines of lint output that report errors, for
// inclusion in retry instructions.
func ExtractErrorLines(output string) []string {
	var lines []string
	for _, line := range strings.Split(output, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		lower := strings.ToLower(trimmed)
		if strings.Contains(lower, "error") && !eslintProblems.MatchString(trimmed) {
			lines = append(lines, trimmed)
		}
	}
	return lines
}
