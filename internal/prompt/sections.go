// Copyright Infergate Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package prompt implements the adaptive system-prompt reduction pipeline:
// a markdown section parser, a critical-content classifier, and the tiered
// safe filter that compresses oversized system prompts for small local models.
package prompt

import (
	"strings"
)

// Tier classifies how essential a section is to correct model behavior.
// Lower tiers survive more aggressive filtering.
type Tier int

const (
	// TierTool covers tool schemas and tool usage policy. Never dropped.
	TierTool Tier = iota
	// TierIdentity covers core identity and behavioral sections.
	TierIdentity
	// TierWorkflow covers planning and workflow guidance.
	TierWorkflow
	// TierAuxiliary is everything else: examples, changelogs, long prose.
	TierAuxiliary
)

// PreambleID is the synthetic id assigned to text before the first header.
const PreambleID = "_preamble"

// Section is one markdown section of a system prompt.
type Section struct {
	// ID is the kebab-case identifier derived from the header text. Not
	// guaranteed unique; callers disambiguate by position.
	ID string
	// Header is the raw header line, e.g. "## Tool Usage Policy". Empty for
	// the synthetic preamble section.
	Header string
	// Content is the body up to the next header at the same or lower level,
	// with surrounding blank lines trimmed. Deeper subheaders stay inside.
	Content string
	// StartLine is the zero-based line of the header (or first preamble line).
	StartLine int
	// EndLine is the zero-based line of the last content line, inclusive.
	// Equals StartLine for an empty trailing section.
	EndLine int
	// Tier is the retention tier derived from the header text.
	Tier Tier
	// ContainsCritical is set when the content matches a P0/P1 pattern or an
	// explicit criticality marker.
	ContainsCritical bool
}

// ParseSections splits a markdown prompt into ordered sections. Headers
// inside fenced code blocks and inline code spans are not section boundaries.
// Text before the first header becomes a synthetic "_preamble" section.
func ParseSections(markdown string) []Section {
	lines := strings.Split(markdown, "\n")

	type headerPos struct {
		line  int
		level int
		text  string
	}
	var headers []headerPos
	inFence := false
	inInline := false
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			inFence = !inFence
			continue
		}
		if inFence {
			continue
		}
		if level, text, ok := parseHeaderLine(line); ok && !inInline {
			headers = append(headers, headerPos{line: i, level: level, text: text})
		}
		// Track unterminated single-backtick spans so a "#" on the next line
		// inside inline code is not treated as a header.
		if strings.Count(line, "`")%2 == 1 {
			inInline = !inInline
		}
	}

	var sections []Section
	if len(headers) == 0 {
		content, start, end := trimBlankLines(lines, 0, len(lines)-1)
		if content != "" {
			sections = append(sections, classify(Section{
				ID: PreambleID, Content: content, StartLine: start, EndLine: end, Tier: TierAuxiliary,
			}))
		}
		return sections
	}

	if headers[0].line > 0 {
		content, start, end := trimBlankLines(lines, 0, headers[0].line-1)
		if content != "" {
			sections = append(sections, classify(Section{
				ID: PreambleID, Content: content, StartLine: start, EndLine: end, Tier: TierAuxiliary,
			}))
		}
	}

	for i := 0; i < len(headers); i++ {
		h := headers[i]
		// The section runs until the next header at the same or lower level;
		// deeper subheaders are swallowed into this section's content.
		next := len(lines)
		for j := i + 1; j < len(headers); j++ {
			if headers[j].level <= h.level {
				next = headers[j].line
				break
			}
			i = j
		}
		content, _, end := trimBlankLines(lines, h.line+1, next-1)
		if content == "" {
			end = h.line
		}
		sections = append(sections, classify(Section{
			ID:        SectionID(h.text),
			Header:    strings.TrimRight(lines[h.line], " \t"),
			Content:   content,
			StartLine: h.line,
			EndLine:   end,
			Tier:      tierForHeader(h.text),
		}))
	}
	return sections
}

// parseHeaderLine reports whether the line is a markdown ATX header: one to
// six '#' as the first non-space characters, followed by a space.
func parseHeaderLine(line string) (level int, text string, ok bool) {
	s := strings.TrimLeft(line, " \t")
	n := 0
	for n < len(s) && s[n] == '#' {
		n++
	}
	if n < 1 || n > 6 || n >= len(s) || s[n] != ' ' {
		return 0, "", false
	}
	return n, strings.TrimSpace(s[n+1:]), true
}

// trimBlankLines joins lines[from..to] dropping leading and trailing blank
// lines, returning the joined content and the surviving bounds.
func trimBlankLines(lines []string, from, to int) (content string, start, end int) {
	for from <= to && strings.TrimSpace(lines[from]) == "" {
		from++
	}
	for to >= from && strings.TrimSpace(lines[to]) == "" {
		to--
	}
	if from > to {
		return "", from, from
	}
	return strings.Join(lines[from:to+1], "\n"), from, to
}

// SectionID derives the kebab-case id from header text: lowercase, strip
// non-alphanumerics except spaces, collapse whitespace to single hyphens.
func SectionID(header string) string {
	var sb strings.Builder
	for _, r := range strings.ToLower(header) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			sb.WriteRune(r)
		case r == ' ' || r == '\t':
			sb.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(sb.String()), "-")
}

// tierForHeader assigns the retention tier from the normalized header text.
func tierForHeader(header string) Tier {
	h := strings.ToLower(strings.TrimSpace(header))
	switch {
	case strings.Contains(h, "tool"),
		strings.Contains(h, "function calling"),
		strings.Contains(h, "function call"):
		return TierTool
	case strings.Contains(h, "identity"),
		strings.Contains(h, "tone"),
		strings.Contains(h, "doing tasks"),
		strings.Contains(h, "task management"),
		strings.Contains(h, "behavior"),
		strings.Contains(h, "behaviour"):
		return TierIdentity
	case strings.Contains(h, "planning"),
		strings.Contains(h, "workflow"),
		strings.Contains(h, "asking questions"),
		strings.Contains(h, "questions"):
		return TierWorkflow
	default:
		return TierAuxiliary
	}
}

// classify sets ContainsCritical on a parsed section.
func classify(s Section) Section {
	s.ContainsCritical = contentIsCritical(s.Content)
	return s
}

// contentIsCritical reports whether content carries tool-calling or safety
// instructions that must survive every filter tier.
func contentIsCritical(content string) bool {
	lower := strings.ToLower(content)
	if strings.Contains(content, "IMPORTANT") ||
		strings.Contains(lower, "<function_calls>") {
		return true
	}
	if strings.Contains(lower, "json format") && strings.Contains(lower, "tool") {
		return true
	}
	// Any P0 or P1 pattern flags the section, so required content survives
	// every tier even when it sits under a droppable auxiliary header. The
	// filter's validation gate additionally enforces P0 presence globally.
	for _, p := range DefaultPatterns() {
		if p.Priority == PriorityP2 {
			continue
		}
		if p.Regex.MatchString(content) {
			return true
		}
	}
	return false
}

// Reconstruct joins a subset of sections, in their original order, back into
// a prompt. Each section contributes its header and content separated by a
// blank line. trailingNewline preserves the original's final newline.
//
// Reconstruct(ParseSections(p), ...) reproduces p exactly only for canonical
// prompts: section content trimmed of surrounding blank lines and sections
// separated by a single blank line. Non-canonical spacing is normalized to
// that form, never dropped.
func Reconstruct(sections []Section, trailingNewline bool) string {
	parts := make([]string, 0, len(sections))
	for _, s := range sections {
		switch {
		case s.Header == "":
			if s.Content != "" {
				parts = append(parts, s.Content)
			}
		case s.Content == "":
			parts = append(parts, s.Header)
		default:
			parts = append(parts, s.Header+"\n\n"+s.Content)
		}
	}
	out := strings.Join(parts, "\n\n")
	if trailingNewline && out != "" {
		out += "\n"
	}
	return out
}
