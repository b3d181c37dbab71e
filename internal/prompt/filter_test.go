// Copyright Infergate Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package prompt

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const claudeStylePrompt = `# Tool Usage Policy

Invoke tools with <function_calls> blocks. Arguments must be valid JSON
matching each tool schema.

# Core Identity

You are a coding assistant.

IMPORTANT: be concise.

# Doing Tasks

Use the TodoWrite tool to plan multi-step work.

# Planning

Think before you act. Break work into steps.

# Git Workflow

Commit early, commit often.

# Examples

Example 1: a very long worked example.

Example 2: another very long worked example.

Example 3: yet another one.
`

func TestFilterAggressiveDropsWorkflowAndExamples(t *testing.T) {
	in := "# Tool Usage Policy\n\nUse JSON.\n\n# Core Identity\n\nYou are X.\n\n# Planning\n\nThink.\n\n# Examples\n\nLong...\n"
	res := Filter(in, Options{Tier: TierAggressive})

	require.Contains(t, res.FilteredPrompt, "Tool Usage Policy")
	require.Contains(t, res.FilteredPrompt, "Core Identity")
	require.NotContains(t, res.FilteredPrompt, "Planning")
	require.NotContains(t, res.FilteredPrompt, "Examples")
	require.Greater(t, res.Stats.ReductionPercent, 0.0)
	require.True(t, res.Validation.IsValid)
	require.Equal(t, TierAggressive, res.AppliedTier)
	require.False(t, res.FallbackOccurred)
	require.Contains(t, res.RemovedSections, "planning")
	require.Contains(t, res.RemovedSections, "examples")
}

func TestFilterExtremeFallsBackWhenRequiredMatchIsHeaderOnly(t *testing.T) {
	// The only match of the tool-invocation-format P0 pattern is the
	// "Invoke Functions Guide" header itself; the section's body carries no
	// critical content and its tier is auxiliary, so EXTREME and AGGRESSIVE
	// both drop it, fail the validation gate, and the filter settles on
	// MODERATE, which keeps every section.
	in := `# Tool Usage Policy

Prefer the smallest applicable tool.

# Invoke Functions Guide

Ask before running anything destructive.

# Changelog

v2 released.
`
	res := Filter(in, Options{Tier: TierExtreme})
	require.Equal(t, TierModerate, res.AppliedTier)
	require.True(t, res.FallbackOccurred)
	require.True(t, res.Validation.IsValid)
	require.Contains(t, res.FilteredPrompt, "Invoke Functions Guide")
}

func TestFilterExtremeKeepsRequiredContentUnderAuxiliaryHeader(t *testing.T) {
	in := "# Misc Notes\n\nTool usage policy: emit <invoke blocks for every call.\n\n# Changelog\n\nv2 released.\n"
	res := Filter(in, Options{Tier: TierExtreme})
	require.Equal(t, TierExtreme, res.AppliedTier)
	require.False(t, res.FallbackOccurred)
	require.True(t, res.Validation.IsValid)
	require.Contains(t, res.FilteredPrompt, "Tool usage policy")
	require.NotContains(t, res.FilteredPrompt, "Changelog")
}

func TestFilterMinimalNeverStripsRequired(t *testing.T) {
	res := Filter(claudeStylePrompt, Options{Tier: TierMinimal})
	require.True(t, res.Validation.IsValid)
	require.Empty(t, res.Validation.MissingRequired)
	require.LessOrEqual(t, res.Stats.FilteredTokens, res.Stats.OriginalTokens)
	require.Equal(t, TierMinimal, res.AppliedTier)
}

func TestFilterNeverGrowsTokenCount(t *testing.T) {
	for _, tier := range []FilterTier{TierMinimal, TierModerate, TierAggressive, TierExtreme} {
		res := Filter(claudeStylePrompt, Options{Tier: tier})
		require.LessOrEqual(t, res.Stats.FilteredTokens, res.Stats.OriginalTokens, "tier %s", tier)
	}
}

func TestFilterModerateCondensesExamples(t *testing.T) {
	res := Filter(claudeStylePrompt, Options{Tier: TierModerate})
	require.True(t, res.Validation.IsValid)
	require.Contains(t, res.FilteredPrompt, "Example 1")
	require.NotContains(t, res.FilteredPrompt, "Example 3")
	require.Less(t, res.Stats.FilteredTokens, res.Stats.OriginalTokens)

	preserved := Filter(claudeStylePrompt, Options{Tier: TierModerate, PreserveExamples: true})
	require.Contains(t, preserved.FilteredPrompt, "Example 3")
}

func TestFilterEmptyAndWhitespaceInput(t *testing.T) {
	require.NotPanics(t, func() {
		res := Filter("", Options{Tier: TierExtreme})
		require.Empty(t, res.FilteredPrompt)

		res = Filter("   \n\n  ", Options{Tier: TierAggressive})
		require.Equal(t, "   \n\n  ", res.FilteredPrompt)
	})
}

func TestFilterPatternFreeInputUnchanged(t *testing.T) {
	in := "no headers, no patterns, just prose"
	res := Filter(in, Options{Tier: TierMinimal})
	require.Equal(t, in, res.FilteredPrompt)
	require.True(t, res.Validation.IsValid)
	// Absolute validation still reports what a complete prompt would need.
	require.NotEmpty(t, Validate(in).MissingRequired)
}

func TestFilterMaxTokensOverride(t *testing.T) {
	budget := EstimateTokens(claudeStylePrompt) / 2
	res := Filter(claudeStylePrompt, Options{Tier: TierMinimal, MaxTokens: budget})
	require.LessOrEqual(t, res.Stats.FilteredTokens, budget+8)
	// P0-bearing sections are exempt from budget eviction.
	require.Contains(t, res.FilteredPrompt, "Tool Usage Policy")
	require.True(t, res.Validation.IsValid)
}

func TestFilterDeduplicatesAdjacentParagraphs(t *testing.T) {
	in := "# Notes\n\nsame paragraph here.\n\nSAME   paragraph here.\n\ndifferent one.\n"
	res := Filter(in, Options{Tier: TierMinimal})
	require.Equal(t, 1, strings.Count(strings.ToLower(res.FilteredPrompt), "same"))
	require.Contains(t, res.FilteredPrompt, "different one.")
}

func TestFilterTierMonotonicity(t *testing.T) {
	sections := ParseSections(claudeStylePrompt)
	for _, tier := range []FilterTier{TierAggressive, TierExtreme} {
		kept, _ := applyTierRule(sections, tier, Options{})
		maxTier := TierIdentity
		if tier == TierExtreme {
			maxTier = TierTool
		}
		for _, s := range kept {
			if s.ContainsCritical {
				continue
			}
			require.LessOrEqual(t, s.Tier, maxTier, "tier %s kept %q", tier, s.ID)
		}
	}
}

func TestFilterLargePromptWithinBudget(t *testing.T) {
	big := strings.Repeat(claudeStylePrompt, 60) // ~20k tokens
	start := time.Now()
	res := Filter(big, Options{Tier: TierAggressive})
	require.Less(t, time.Since(start), 5*time.Second)
	require.True(t, res.Validation.IsValid)
	require.Greater(t, res.Stats.ReductionPercent, 0.0)
}
