// Copyright Infergate Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package toolhint appends short tool-usage reminders to user messages that
// look like tool-intent requests. Small local models routinely ignore tool
// schemas; a one-line nudge naming the tool and its required parameters
// measurably improves call rates without contaminating the conversation.
package toolhint

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/infergate/infergate/internal/apischema/anthropic"
)

// Style selects the phrasing of the injected instruction.
type Style string

const (
	// StyleExplicit produces a directive sentence listing required parameters.
	StyleExplicit Style = "explicit"
	// StyleSubtle produces a short parenthetical hint.
	StyleSubtle Style = "subtle"
)

// Config controls the injector.
type Config struct {
	// Enabled turns injection on. Disabled returns every message unchanged.
	Enabled bool
	// ConfidenceThreshold is the minimum detection confidence in [0,1].
	ConfidenceThreshold float64
	// MaxInjectionsPerConversation caps injections per conversation; at the
	// cap the injector skips silently.
	MaxInjectionsPerConversation int
	// Style is explicit or subtle.
	Style Style
}

// DefaultConfig returns the injector defaults used by the pipeline.
func DefaultConfig() Config {
	return Config{
		Enabled:                      true,
		ConfidenceThreshold:          0.35,
		MaxInjectionsPerConversation: 3,
		Style:                        StyleExplicit,
	}
}

// keywordSpec is one tool's intent vocabulary.
type keywordSpec struct {
	tool string
	// keywords are matched as whole words, case-insensitively.
	keywords []string
	// negativePhrases suppress a detection when present in the message.
	negativePhrases []string
	// requiredParams are named in explicit-style instructions.
	requiredParams []string
	// paramPattern, when non-nil, boosts confidence if the message carries a
	// plausible argument (a path, URL or glob).
	paramPattern *regexp.Regexp
}

var (
	filePathPattern = regexp.MustCompile(`(?:^|\s)(?:~?/|\./)?[\w.-]+(?:/[\w.-]+)+|\b[\w-]+\.(?:go|py|ts|js|rs|java|rb|md|txt|json|yaml|yml|toml|css|html)\b`)
	urlPattern      = regexp.MustCompile(`https?://\S+`)
	globPattern     = regexp.MustCompile(`\*\.\w+|\*\*/`)
)

// webSearchKeywords is the fixed eleven-phrase intent vocabulary for the
// WebSearch tool. "search" alone is deliberately absent: it is ambiguous
// with file search.
var webSearchKeywords = []string{
	"search the web",
	"search online",
	"web search",
	"google",
	"look up online",
	"latest news",
	"recent news",
	"current events",
	"breaking news",
	"search the internet",
	"find online",
}

var defaultSpecs = []keywordSpec{
	{
		tool:            "Read",
		keywords:        []string{"read", "open the file", "show the file", "show me the file", "display the file", "cat"},
		negativePhrases: []string{"read this carefully", "read carefully", "read the above", "already read"},
		requiredParams:  []string{"file_path"},
		paramPattern:    filePathPattern,
	},
	{
		tool:            "Write",
		keywords:        []string{"write to the file", "write a file", "save to", "create a file", "create the file", "save the file"},
		negativePhrases: []string{"write a detailed", "write an explanation", "write a summary", "write a poem", "write a story"},
		requiredParams:  []string{"file_path", "content"},
		paramPattern:    filePathPattern,
	},
	{
		tool:            "Edit",
		keywords:        []string{"edit", "modify the file", "change the file", "replace in", "update the file"},
		negativePhrases: []string{"edit your answer", "editorial"},
		requiredParams:  []string{"file_path", "old_string", "new_string"},
		paramPattern:    filePathPattern,
	},
	{
		tool:            "Grep",
		keywords:        []string{"grep", "search the codebase", "search for occurrences", "find usages", "find references"},
		negativePhrases: []string{"research"},
		requiredParams:  []string{"pattern"},
		paramPattern:    globPattern,
	},
	{
		tool:            "Bash",
		keywords:        []string{"run the command", "execute the command", "run the tests", "run the build"},
		requiredParams:  []string{"command"},
	},
	{
		tool:            "WebSearch",
		keywords:        webSearchKeywords,
		negativePhrases: []string{"research", "current directory", "current file", "current function"},
		requiredParams:  []string{"query"},
	},
	{
		tool:            "WebFetch",
		keywords:        []string{"fetch", "download", "scrape", "get from url", "get from the url"},
		negativePhrases: []string{"fetch me a coffee"},
		requiredParams:  []string{"url", "prompt"},
		paramPattern:    urlPattern,
	},
}

// compiledSpec pairs a spec with its compiled whole-word matchers.
type compiledSpec struct {
	keywordSpec
	matchers []*regexp.Regexp
}

var compiledSpecs = compileSpecs(defaultSpecs)

func compileSpecs(specs []keywordSpec) []compiledSpec {
	out := make([]compiledSpec, 0, len(specs))
	for _, s := range specs {
		cs := compiledSpec{keywordSpec: s, matchers: make([]*regexp.Regexp, len(s.keywords))}
		for i, kw := range s.keywords {
			cs.matchers[i] = regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(kw) + `\b`)
		}
		out = append(out, cs)
	}
	return out
}

// sensitivePathMarkers flag paths that suggest privilege escalation. The flag
// is informational; downstream policy decides what to do with it.
var sensitivePathMarkers = []string{
	"/etc/passwd", "/etc/shadow", "/etc/sudoers",
	".ssh/", "id_rsa", "id_ed25519",
	".aws/credentials", ".netrc", ".npmrc",
	".env",
}

// Keyword weights. Multi-word phrases are near-unambiguous; single words
// ("read", "fetch") need corroboration from a plausible argument before they
// clear the default threshold.
const (
	singleWordWeight = 0.25
	phraseWeight     = 0.45
	paramBoost       = 0.20
)

// Detection describes one tool-intent hit.
type Detection struct {
	// Tool is the detected tool name.
	Tool string
	// Confidence is the weighted keyword score, clamped to [0,1].
	Confidence float64
	// MatchedKeywords lists the keywords that fired.
	MatchedKeywords []string
	// ParamsPresent is true when the message carries a plausible argument.
	ParamsPresent bool
	// SecurityFlag is set when a referenced path suggests privilege
	// escalation.
	SecurityFlag bool
}

// Result is the outcome of an injection attempt.
type Result struct {
	// Modified is true when an instruction was appended.
	Modified bool
	// ModifiedMessage is the message to forward; equals the input when
	// Modified is false. The original text is always preserved verbatim.
	ModifiedMessage string
	// InjectedTool names the tool the instruction points at, if any.
	InjectedTool string
	// InjectionCount is the conversation's count after this call.
	InjectionCount int
	// Debug carries the detection that drove the decision, if any.
	Debug *Detection
}

// Detect scores the message against every tool in scope and returns the best
// detection, or nil when nothing clears zero confidence.
func Detect(message string, tools []anthropic.Tool) *Detection {
	inScope := make(map[string]bool, len(tools))
	for _, t := range tools {
		inScope[strings.ToLower(t.Name)] = true
	}

	lower := strings.ToLower(message)
	var best *Detection
	for i := range compiledSpecs {
		spec := &compiledSpecs[i]
		if !inScope[strings.ToLower(spec.tool)] {
			continue
		}
		suppressed := false
		for _, neg := range spec.negativePhrases {
			if strings.Contains(lower, neg) {
				suppressed = true
				break
			}
		}
		if suppressed {
			continue
		}

		var matched []string
		for i, m := range spec.matchers {
			if m.MatchString(message) {
				matched = append(matched, spec.keywords[i])
			}
		}
		if len(matched) == 0 {
			continue
		}

		params := spec.paramPattern != nil && spec.paramPattern.MatchString(message)
		d := &Detection{
			Tool:            spec.tool,
			Confidence:      score(matched, params),
			MatchedKeywords: matched,
			ParamsPresent:   params,
			SecurityFlag:    hasSensitivePath(lower),
		}
		if better(d, best) {
			best = d
		}
	}
	return best
}

// score sums keyword weights plus the parameter boost, clamped to 1.
func score(matched []string, paramsPresent bool) float64 {
	c := 0.0
	for _, kw := range matched {
		if len(strings.Fields(kw)) > 1 {
			c += phraseWeight
		} else {
			c += singleWordWeight
		}
	}
	if paramsPresent {
		c += paramBoost
	}
	if c > 1 {
		c = 1
	}
	return c
}

// better orders detections: confidence first, then keyword specificity
// (multi-word beats single-word), then the presence of plausible parameters.
func better(a, b *Detection) bool {
	if b == nil {
		return true
	}
	if a.Confidence != b.Confidence {
		return a.Confidence > b.Confidence
	}
	if sa, sb := specificity(a.MatchedKeywords), specificity(b.MatchedKeywords); sa != sb {
		return sa > sb
	}
	return a.ParamsPresent && !b.ParamsPresent
}

// specificity is the maximum word count among matched keywords.
func specificity(keywords []string) int {
	max := 0
	for _, k := range keywords {
		if n := len(strings.Fields(k)); n > max {
			max = n
		}
	}
	return max
}

func hasSensitivePath(lowerMessage string) bool {
	for _, marker := range sensitivePathMarkers {
		if strings.Contains(lowerMessage, marker) {
			return true
		}
	}
	return false
}

// Inject appends a tool-usage instruction to the message when intent is
// detected with sufficient confidence. The original message is preserved
// verbatim; the instruction is appended after a blank line.
func Inject(message string, tools []anthropic.Tool, cfg Config, currentCount int) Result {
	unmodified := Result{ModifiedMessage: message, InjectionCount: currentCount}
	if !cfg.Enabled || len(tools) == 0 {
		return unmodified
	}
	if currentCount >= cfg.MaxInjectionsPerConversation {
		return unmodified
	}

	d := Detect(message, tools)
	unmodified.Debug = d
	if d == nil || d.Confidence < cfg.ConfidenceThreshold {
		return unmodified
	}

	spec := specFor(d.Tool)
	var instruction string
	if cfg.Style == StyleSubtle {
		instruction = fmt.Sprintf("(The %s tool may help with this.)", d.Tool)
	} else {
		instruction = fmt.Sprintf("Use the %s tool for this request. Required parameters: %s.",
			d.Tool, strings.Join(spec.requiredParams, ", "))
	}

	return Result{
		Modified:        true,
		ModifiedMessage: message + "\n\n" + instruction,
		InjectedTool:    d.Tool,
		InjectionCount:  currentCount + 1,
		Debug:           d,
	}
}

func specFor(tool string) *keywordSpec {
	for i := range compiledSpecs {
		if compiledSpecs[i].tool == tool {
			return &compiledSpecs[i].keywordSpec
		}
	}
	return &keywordSpec{tool: tool}
}
