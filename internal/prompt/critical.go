// Copyright Infergate Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package prompt

import (
	"fmt"
	"regexp"
	"strings"
)

// Priority orders critical patterns by how load-bearing they are. P0 patterns
// are required for a prompt to validate; P1 absences produce warnings only.
type Priority string

const (
	PriorityP0 Priority = "P0"
	PriorityP1 Priority = "P1"
	PriorityP2 Priority = "P2"
)

// CriticalPattern is one entry of the process-lifetime pattern table.
//
// All regexes compile with Go's RE2 engine, which guarantees linear-time
// matching regardless of input, so adversarial prompts cannot stall the
// classifier. Nested unbounded quantifiers are additionally rejected at
// construction time as a guard against pattern-table edits.
type CriticalPattern struct {
	// Name identifies the pattern in reports and dependency declarations.
	Name string
	// Priority is P0 (required), P1 (warn) or P2 (informational).
	Priority Priority
	// Required marks the pattern as mandatory for validation.
	Required bool
	// Regex is the compiled matcher.
	Regex *regexp.Regexp
	// Dependencies lists pattern names that must also match whenever this
	// pattern matches; violations surface as warnings.
	Dependencies []string
	// Description says what instruction the pattern protects.
	Description string
}

// CriticalMatch records one pattern hit inside a prompt.
type CriticalMatch struct {
	Pattern  *CriticalPattern
	Priority Priority
	// Start and End delimit the first matched span, in bytes.
	Start int
	End   int
}

// ValidationReport is the result of validating a prompt against the table.
type ValidationReport struct {
	// IsValid is true iff every P0 pattern is present.
	IsValid bool
	// MissingRequired lists the absent P0 patterns.
	MissingRequired []*CriticalPattern
	// FoundSections lists the names of matched patterns.
	FoundSections []string
	// CoveragePercent is matched patterns over total patterns, in [0,1].
	CoveragePercent float64
	// Warnings carries P1 absences and dependency violations.
	Warnings []string
}

var defaultPatterns = mustBuildPatterns([]CriticalPattern{
	{
		Name:        "tool-invocation-format",
		Priority:    PriorityP0,
		Required:    true,
		Regex:       regexp.MustCompile(`(?i)(<function_calls>|<invoke\b|invoke functions|tool[_ ]use\b)`),
		Description: "The wire format the model must use to invoke tools.",
	},
	{
		Name:        "tool-usage-policy",
		Priority:    PriorityP0,
		Required:    true,
		Regex:       regexp.MustCompile(`(?i)tool usage policy|when to use .{0,40}tools?|use the .{0,40}tool\b`),
		Description: "Policy text governing when and how tools are used.",
	},
	{
		Name:         "tool-json-arguments",
		Priority:     PriorityP1,
		Regex:        regexp.MustCompile(`(?i)(json format|valid json|json schema).{0,80}(tool|function|parameter)|(tool|function|parameter).{0,80}(json format|valid json|json schema)`),
		Dependencies: []string{"tool-invocation-format"},
		Description:  "Requirement that tool arguments are well-formed JSON.",
	},
	{
		Name:        "important-marker",
		Priority:    PriorityP1,
		Regex:       regexp.MustCompile(`\bIMPORTANT\b`),
		Description: "Explicitly flagged instructions.",
	},
	{
		Name:        "security-policy",
		Priority:    PriorityP1,
		Regex:       regexp.MustCompile(`(?i)defensive security|malicious|credential|secrets?\b`),
		Description: "Safety constraints on assisting with harmful requests.",
	},
	{
		Name:        "conciseness",
		Priority:    PriorityP2,
		Regex:       regexp.MustCompile(`(?i)\bconcise\b|\bbrevity\b|minimize .{0,30}tokens`),
		Description: "Output length guidance.",
	},
	{
		Name:        "environment-info",
		Priority:    PriorityP2,
		Regex:       regexp.MustCompile(`(?i)working directory|platform:|os version`),
		Description: "Ambient environment facts handed to the model.",
	},
})

// DefaultPatterns returns the process-lifetime critical pattern table.
func DefaultPatterns() []*CriticalPattern {
	return defaultPatterns
}

// nestedQuantifier spots a quantified group that is itself quantified, the
// classic catastrophic-backtracking shape. RE2 cannot backtrack, but the
// table should stay portable to engines that do.
var nestedQuantifier = regexp.MustCompile(`\([^)]*[+*][^)]*\)[+*]`)

func mustBuildPatterns(patterns []CriticalPattern) []*CriticalPattern {
	out := make([]*CriticalPattern, 0, len(patterns))
	for i := range patterns {
		p := patterns[i]
		if nestedQuantifier.MatchString(p.Regex.String()) {
			panic(fmt.Sprintf("pattern %q contains a nested unbounded quantifier", p.Name))
		}
		out = append(out, &p)
	}
	return out
}

// Detect finds all critical patterns present in the prompt. Null bytes,
// control characters and regex metacharacters in the input are plain text;
// Detect never fails.
func Detect(promptText string) []CriticalMatch {
	matches := make([]CriticalMatch, 0, len(defaultPatterns))
	for _, p := range defaultPatterns {
		if loc := p.Regex.FindStringIndex(promptText); loc != nil {
			matches = append(matches, CriticalMatch{Pattern: p, Priority: p.Priority, Start: loc[0], End: loc[1]})
		}
	}
	return matches
}

// Validate checks the prompt against the pattern table. IsValid is true iff
// every P0 pattern matches; P1 absences and dependency violations are
// reported as warnings.
func Validate(promptText string) ValidationReport {
	matches := Detect(promptText)
	present := make(map[string]bool, len(matches))
	report := ValidationReport{IsValid: true}
	for _, m := range matches {
		present[m.Pattern.Name] = true
		report.FoundSections = append(report.FoundSections, m.Pattern.Name)
	}

	for _, p := range defaultPatterns {
		if present[p.Name] {
			continue
		}
		switch p.Priority {
		case PriorityP0:
			report.IsValid = false
			report.MissingRequired = append(report.MissingRequired, p)
		case PriorityP1:
			report.Warnings = append(report.Warnings, fmt.Sprintf("recommended pattern %q not found", p.Name))
		}
	}

	for _, p := range defaultPatterns {
		if !present[p.Name] {
			continue
		}
		for _, dep := range p.Dependencies {
			if !present[dep] {
				report.Warnings = append(report.Warnings,
					fmt.Sprintf("pattern %q matched but its dependency %q did not", p.Name, dep))
			}
		}
	}

	if len(defaultPatterns) > 0 {
		report.CoveragePercent = float64(len(present)) / float64(len(defaultPatterns))
	}
	return report
}

// MissingAfterFilter returns the P0 patterns that matched the original prompt
// but no longer match the filtered one. This is the filter's validation gate:
// filtering must never strip required content that was present, while a
// prompt that never contained a pattern cannot fail for lacking it.
func MissingAfterFilter(original, filtered string) []*CriticalPattern {
	var missing []*CriticalPattern
	for _, p := range defaultPatterns {
		if p.Priority != PriorityP0 {
			continue
		}
		if p.Regex.MatchString(original) && !p.Regex.MatchString(filtered) {
			missing = append(missing, p)
		}
	}
	return missing
}

// describePatterns renders pattern names for log and error messages.
func describePatterns(patterns []*CriticalPattern) string {
	names := make([]string, len(patterns))
	for i, p := range patterns {
		names[i] = p.Name
	}
	return strings.Join(names, ", ")
}
