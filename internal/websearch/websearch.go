// Copyright Infergate Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package websearch implements the proxy-side web search tool: recognition of
// server-side tool schemas, search-intent detection, a fall-through provider
// chain, and formatting of results for injection into the user turn.
package websearch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/infergate/infergate/internal/apischema/anthropic"
)

const (
	// MaxResults caps the result set returned to the model.
	MaxResults = 10
	// providerTimeout bounds each provider attempt.
	providerTimeout = 5 * time.Second
	// defaultLocalURL is the conventional local meta-search address, used when
	// SEARXNG_URL is unset.
	defaultLocalURL = "http://localhost:8888"
	// defaultPublicURL is the public meta-search fallback.
	defaultPublicURL = "https://searx.be"
)

// SearchResult is one search hit.
type SearchResult struct {
	URL     string `json:"url"`
	Title   string `json:"title"`
	Snippet string `json:"snippet,omitempty"`
}

// FilterResult partitions a request's tools into those forwarded to the
// backend and those the proxy executes itself.
type FilterResult struct {
	RegularTools []anthropic.Tool
	ServerTools  []anthropic.Tool
	HasWebSearch bool
}

// FilterServerSideTools recognizes server-side tools by wire-format type
// (versioned web_search_*) or by case-insensitive name.
func FilterServerSideTools(tools []anthropic.Tool) FilterResult {
	var out FilterResult
	for _, t := range tools {
		if isWebSearchTool(t) {
			out.ServerTools = append(out.ServerTools, t)
			out.HasWebSearch = true
			continue
		}
		out.RegularTools = append(out.RegularTools, t)
	}
	return out
}

func isWebSearchTool(t anthropic.Tool) bool {
	if strings.HasPrefix(t.Type, "web_search_") {
		return true
	}
	switch strings.ToLower(t.Name) {
	case "websearch", "web_search":
		return true
	}
	return false
}

var (
	timeSensitiveCues = []string{
		"latest", "recent news", "current events", "breaking news",
		"this week", "today's news",
	}
	searchVerbs = []string{
		"search the web", "search online", "search the internet",
		"web search", "google", "look up online", "find online",
	}
	// searchPhrase matches "search X in/for Y" style requests. Plain "search"
	// never matches; it is ambiguous with file search.
	searchPhrase = regexp.MustCompile(`(?i)\bsearch\s+\S+.*\s(?:in|for)\s+\S+`)
	wordBoundary = func() map[string]*regexp.Regexp {
		m := make(map[string]*regexp.Regexp)
		for _, cue := range append(append([]string{}, timeSensitiveCues...), searchVerbs...) {
			m[cue] = regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(cue) + `\b`)
		}
		return m
	}()
)

// DetectSearchIntent reports whether the message asks for a web search:
// time-sensitive cues, explicit web-search verbs, or a "search X for Y"
// construction.
func DetectSearchIntent(message string) bool {
	for _, cue := range timeSensitiveCues {
		if wordBoundary[cue].MatchString(message) {
			return true
		}
	}
	for _, verb := range searchVerbs {
		if wordBoundary[verb].MatchString(message) {
			return true
		}
	}
	return searchPhrase.MatchString(message)
}

// Provider is one search backend in the fall-through chain.
type Provider interface {
	Name() string
	Search(ctx context.Context, query string) ([]SearchResult, error)
}

// Config selects and parameterizes the provider chain.
type Config struct {
	// LocalURL is the local meta-search base URL. Empty falls back to the
	// SEARXNG_URL env var, then the conventional localhost address.
	LocalURL string
	// PublicURL is the public meta-search base URL.
	PublicURL string
	// BraveAPIKey enables the paid provider when non-empty.
	BraveAPIKey string
}

// ConfigFromEnv builds the search configuration from the environment.
func ConfigFromEnv() Config {
	return Config{
		LocalURL:    os.Getenv("SEARXNG_URL"),
		PublicURL:   defaultPublicURL,
		BraveAPIKey: os.Getenv("BRAVE_API_KEY"),
	}
}

// Executor runs the provider chain.
type Executor struct {
	providers []Provider
	logger    *slog.Logger
}

// NewExecutor builds the chain: local meta-search, public meta-search, paid
// API when a key is configured.
func NewExecutor(cfg Config, logger *slog.Logger) *Executor {
	hc := &http.Client{} // per-attempt deadlines come from the context
	local := cfg.LocalURL
	if local == "" {
		local = defaultLocalURL
	}
	public := cfg.PublicURL
	if public == "" {
		public = defaultPublicURL
	}
	providers := []Provider{
		&searxProvider{name: "searxng-local", baseURL: local, hc: hc},
		&searxProvider{name: "searxng-public", baseURL: public, hc: hc},
	}
	if cfg.BraveAPIKey != "" {
		providers = append(providers, &braveProvider{apiKey: cfg.BraveAPIKey, hc: hc})
	}
	return &Executor{providers: providers, logger: logger}
}

// Execute tries each provider in order and returns the first non-empty result
// set, capped at MaxResults. Total failure returns an empty slice, never an
// error: search augmentation is best-effort.
func (e *Executor) Execute(ctx context.Context, query string) []SearchResult {
	for _, p := range e.providers {
		attemptCtx, cancel := context.WithTimeout(ctx, providerTimeout)
		results, err := p.Search(attemptCtx, query)
		cancel()
		if err != nil {
			e.logger.Warn("search provider failed, falling through",
				slog.String("provider", p.Name()), slog.String("error", err.Error()))
			continue
		}
		if len(results) > MaxResults {
			results = results[:MaxResults]
		}
		return results
	}
	e.logger.Warn("all search providers failed", slog.String("query", query))
	return nil
}

// searxProvider queries a SearXNG-compatible JSON endpoint.
type searxProvider struct {
	name    string
	baseURL string
	hc      *http.Client
}

func (p *searxProvider) Name() string { return p.name }

func (p *searxProvider) Search(ctx context.Context, query string) ([]SearchResult, error) {
	q := url.Values{}
	q.Set("q", query)
	q.Set("format", "json")
	q.Set("categories", "general")
	endpoint := strings.TrimRight(p.baseURL, "/") + "/search?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := p.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var body struct {
		Results []struct {
			URL     string `json:"url"`
			Title   string `json:"title"`
			Content string `json:"content"`
		} `json:"results"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	results := make([]SearchResult, 0, len(body.Results))
	for _, r := range body.Results {
		results = append(results, SearchResult{URL: r.URL, Title: r.Title, Snippet: r.Content})
	}
	if len(results) == 0 {
		return nil, errors.New("no results")
	}
	return results, nil
}

// braveProvider queries the Brave Search API.
type braveProvider struct {
	apiKey string
	hc     *http.Client
}

func (p *braveProvider) Name() string { return "brave" }

func (p *braveProvider) Search(ctx context.Context, query string) ([]SearchResult, error) {
	q := url.Values{}
	q.Set("q", query)
	endpoint := "https://api.search.brave.com/res/v1/web/search?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", p.apiKey)
	resp, err := p.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var body struct {
		Web struct {
			Results []struct {
				URL         string `json:"url"`
				Title       string `json:"title"`
				Description string `json:"description"`
			} `json:"results"`
		} `json:"web"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	results := make([]SearchResult, 0, len(body.Web.Results))
	for _, r := range body.Web.Results {
		results = append(results, SearchResult{URL: r.URL, Title: r.Title, Snippet: r.Description})
	}
	if len(results) == 0 {
		return nil, errors.New("no results")
	}
	return results, nil
}

// FormatResultsForContext renders the results as a readable block appended to
// the user turn.
func FormatResultsForContext(query string, results []SearchResult) string {
	var sb strings.Builder
	sb.WriteString("Web Search Results for \"")
	sb.WriteString(query)
	sb.WriteString("\":\n")
	if len(results) == 0 {
		sb.WriteString("\nNo results found.\n")
		return sb.String()
	}
	for i, r := range results {
		fmt.Fprintf(&sb, "\n%d. %s\n   %s\n", i+1, r.Title, r.URL)
		if r.Snippet != "" {
			fmt.Fprintf(&sb, "   %s\n", r.Snippet)
		}
	}
	return sb.String()
}
