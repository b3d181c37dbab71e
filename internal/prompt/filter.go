// Copyright Infergate Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package prompt

import (
	"strings"
	"time"
)

// FilterTier selects how aggressively the safe filter compresses a prompt.
type FilterTier string

const (
	// TierMinimal deduplicates only.
	TierMinimal FilterTier = "MINIMAL"
	// TierModerate deduplicates and condenses auxiliary example sections.
	TierModerate FilterTier = "MODERATE"
	// TierAggressive drops auxiliary sections and workflow guidance that is
	// not critical.
	TierAggressive FilterTier = "AGGRESSIVE"
	// TierExtreme keeps only critical sections and tool schemas.
	TierExtreme FilterTier = "EXTREME"
)

// fallbackOrder maps each tier to the next looser one tried when validation
// fails. TierMinimal has no fallback.
var fallbackOrder = map[FilterTier]FilterTier{
	TierExtreme:    TierAggressive,
	TierAggressive: TierModerate,
	TierModerate:   TierMinimal,
}

// Options configures one filter run.
type Options struct {
	// Tier is the requested reduction tier.
	Tier FilterTier
	// PreserveExamples keeps example sections intact at MODERATE.
	PreserveExamples bool
	// MaxTokens, when > 0, overrides tier defaults: the lowest-priority
	// remaining sections are dropped until the budget holds. Sections whose
	// content carries a P0 pattern are exempt.
	MaxTokens int
	// Budget bounds processing time. Zero means no deadline. When exceeded,
	// the filter returns what it has with a failing validation attached.
	Budget time.Duration
}

// FilterStats summarizes one filter run.
type FilterStats struct {
	OriginalTokens   int     `json:"originalTokens"`
	FilteredTokens   int     `json:"filteredTokens"`
	ReductionPercent float64 `json:"reductionPercent"`
	ProcessingTimeMs float64 `json:"processingTimeMs"`
}

// FilterValidation is the validation gate outcome attached to a result.
type FilterValidation struct {
	// IsValid is true when no P0 pattern present in the original prompt was
	// stripped by filtering.
	IsValid bool
	// MissingRequired lists P0 patterns that were present before filtering
	// and absent after.
	MissingRequired []*CriticalPattern
}

// FilterResult is the outcome of a safe filter run.
type FilterResult struct {
	// FilteredPrompt is the compressed prompt.
	FilteredPrompt string
	// Stats carries token accounting and timing.
	Stats FilterStats
	// Validation reports whether required content survived.
	Validation FilterValidation
	// PreservedSections and RemovedSections list section ids in original order.
	PreservedSections []string
	RemovedSections   []string
	// AppliedTier is the tier that produced the final output. Differs from
	// the requested tier when fallback occurred.
	AppliedTier FilterTier
	// FallbackOccurred is set when a stricter tier failed validation and a
	// looser one was applied.
	FallbackOccurred bool
}

// EstimateTokens approximates the token count of text at four characters per
// token, matching the heuristic used for cache-size accounting.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

// Filter compresses a system prompt at the requested tier, validates that no
// required content was stripped, and automatically falls back one tier at a
// time until validation passes or MINIMAL is reached. MINIMAL output is
// returned even when validation fails. Empty or whitespace-only input is
// returned unchanged.
func Filter(promptText string, opts Options) FilterResult {
	start := time.Now()
	originalTokens := EstimateTokens(promptText)

	requested := opts.Tier
	if requested == "" {
		requested = TierMinimal
	}

	if strings.TrimSpace(promptText) == "" {
		return FilterResult{
			FilteredPrompt: promptText,
			Stats:          FilterStats{OriginalTokens: originalTokens, FilteredTokens: originalTokens},
			Validation:     FilterValidation{IsValid: true},
			AppliedTier:    requested,
		}
	}

	trailingNewline := strings.HasSuffix(promptText, "\n")
	sections := ParseSections(promptText)

	tier := requested
	var result FilterResult
	for {
		result = filterOnce(promptText, sections, tier, opts, trailingNewline)
		if result.Validation.IsValid || tier == TierMinimal {
			break
		}
		if opts.Budget > 0 && time.Since(start) > opts.Budget {
			// Out of time: hand back the best attempt with the failing
			// validation attached so the caller can fall back to the
			// unfiltered prompt.
			break
		}
		tier = fallbackOrder[tier]
	}

	result.AppliedTier = tier
	result.FallbackOccurred = tier != requested
	result.Stats.OriginalTokens = originalTokens
	result.Stats.FilteredTokens = EstimateTokens(result.FilteredPrompt)
	if result.Stats.FilteredTokens > originalTokens {
		// Reconstruction never grows the prompt beyond the original; guard
		// the invariant against blank-line normalization rounding.
		result.FilteredPrompt = promptText
		result.Stats.FilteredTokens = originalTokens
	}
	if originalTokens > 0 {
		result.Stats.ReductionPercent = 100 * (1 - float64(result.Stats.FilteredTokens)/float64(originalTokens))
	}
	result.Stats.ProcessingTimeMs = float64(time.Since(start).Microseconds()) / 1000
	return result
}

// filterOnce runs the tier rule, reconstruction, deduplication and the
// validation gate exactly once.
func filterOnce(original string, sections []Section, tier FilterTier, opts Options, trailingNewline bool) FilterResult {
	kept, removed := applyTierRule(sections, tier, opts)

	if opts.MaxTokens > 0 {
		kept, removed = enforceBudget(kept, removed, opts.MaxTokens, trailingNewline)
	}

	filtered := deduplicate(Reconstruct(kept, trailingNewline))

	missing := MissingAfterFilter(original, filtered)
	res := FilterResult{
		FilteredPrompt: filtered,
		Validation:     FilterValidation{IsValid: len(missing) == 0, MissingRequired: missing},
	}
	for _, s := range kept {
		res.PreservedSections = append(res.PreservedSections, s.ID)
	}
	res.RemovedSections = removed
	return res
}

// applyTierRule selects and transforms sections per the tier semantics.
func applyTierRule(sections []Section, tier FilterTier, opts Options) (kept []Section, removed []string) {
	for _, s := range sections {
		switch tier {
		case TierMinimal:
			kept = append(kept, s)
		case TierModerate:
			if s.Tier == TierAuxiliary && !s.ContainsCritical && !opts.PreserveExamples && isExampleSection(s) {
				s.Content = condense(s.Content)
			}
			kept = append(kept, s)
		case TierAggressive:
			if s.Tier <= TierIdentity || s.ContainsCritical {
				kept = append(kept, s)
			} else {
				removed = append(removed, s.ID)
			}
		case TierExtreme:
			if s.Tier == TierTool || s.ContainsCritical {
				kept = append(kept, s)
			} else {
				removed = append(removed, s.ID)
			}
		default:
			kept = append(kept, s)
		}
	}
	return kept, removed
}

// enforceBudget drops the lowest-priority droppable section until the token
// budget holds. Sections carrying P0 content are exempt.
func enforceBudget(kept []Section, removed []string, maxTokens int, trailingNewline bool) ([]Section, []string) {
	for EstimateTokens(Reconstruct(kept, trailingNewline)) > maxTokens {
		drop := -1
		for i, s := range kept {
			if sectionHasP0(s) {
				continue
			}
			if drop == -1 || s.Tier > kept[drop].Tier {
				drop = i
			}
		}
		if drop == -1 {
			break
		}
		removed = append(removed, kept[drop].ID)
		kept = append(kept[:drop:drop], kept[drop+1:]...)
	}
	return kept, removed
}

// sectionHasP0 reports whether the section content matches any P0 pattern.
func sectionHasP0(s Section) bool {
	text := s.Header + "\n" + s.Content
	for _, p := range DefaultPatterns() {
		if p.Priority == PriorityP0 && p.Regex.MatchString(text) {
			return true
		}
	}
	return false
}

// isExampleSection reports whether the section is example material that
// MODERATE may condense.
func isExampleSection(s Section) bool {
	return strings.Contains(s.ID, "example") || strings.Contains(s.ID, "samples")
}

// condense keeps only the first paragraph of a long example section.
func condense(content string) string {
	paragraphs := strings.SplitN(content, "\n\n", 2)
	return paragraphs[0]
}

// deduplicate removes adjacent paragraphs whose whitespace- and
// case-normalized forms collide.
func deduplicate(text string) string {
	trailingNewline := strings.HasSuffix(text, "\n")
	paragraphs := strings.Split(strings.TrimRight(text, "\n"), "\n\n")
	out := paragraphs[:0]
	prev := ""
	for _, p := range paragraphs {
		norm := strings.ToLower(strings.Join(strings.Fields(p), " "))
		if norm != "" && norm == prev {
			continue
		}
		out = append(out, p)
		prev = norm
	}
	joined := strings.Join(out, "\n\n")
	if trailingNewline && joined != "" {
		joined += "\n"
	}
	return joined
}
