// Copyright Infergate Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/infergate/infergate/internal/apischema/anthropic"
	"github.com/infergate/infergate/internal/apischema/openai"
	"github.com/infergate/infergate/internal/cluster"
	"github.com/infergate/infergate/internal/metrics"
	"github.com/infergate/infergate/internal/prompt"
	"github.com/infergate/infergate/internal/toolhint"
	"github.com/infergate/infergate/internal/translator"
	"github.com/infergate/infergate/internal/websearch"
)

// FilterTierHeader selects the prompt filter tier per request when the
// configuration allows overrides.
const FilterTierHeader = "X-Prompt-Filter-Tier"

var validTiers = []prompt.FilterTier{prompt.TierMinimal, prompt.TierModerate, prompt.TierAggressive, prompt.TierExtreme}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	mm := s.newMetrics()
	mm.StartRequest()

	req, ok := s.parseMessagesRequest(w, r)
	if !ok {
		return
	}
	mm.SetModel(req.Model)

	if !s.applyPromptFilter(w, r, req) {
		return
	}
	s.applyServerSideSearch(ctx, req)
	s.applyToolHints(w, req)

	oaReq, err := translator.ToOpenAIRequest(req, translator.Options{
		MaxDocumentBytes: s.cfg.Limits.MaxDocumentBytes,
	})
	if err != nil {
		var re *translator.RequestError
		if errors.As(err, &re) {
			writeRequestError(w, re)
		} else {
			writeError(w, http.StatusBadRequest, anthropic.ErrorTypeInvalidRequest, err.Error())
		}
		return
	}

	systemText := req.System.Collapse()
	rc := cluster.RoutingContext{
		SystemPromptHash: hashText(systemText),
		ToolsHash:        hashTools(req.Tools),
		SessionID:        sessionID(req),
	}
	decision := s.cluster.SelectNode(rc)
	if decision == nil {
		s.writeNoNodesError(w)
		return
	}
	mm.SetBackend(decision.NodeID)
	w.Header().Set("X-Infergate-Node", decision.NodeID)
	w.Header().Set("X-Routing-Reason", decision.Reason)

	pc := s.cluster.GetNodeProvider(decision.NodeID)
	if pc == nil {
		writeError(w, http.StatusInternalServerError, anthropic.ErrorTypeAPI,
			"no provider available for node "+decision.NodeID)
		return
	}

	if !s.brk.ShouldAllowRequest() {
		writeError(w, http.StatusServiceUnavailable, anthropic.ErrorTypeOverloaded,
			fmt.Sprintf("circuit breaker is %s for node %s (%s)", s.brk.GetState(), decision.NodeID, pc.BaseURL()))
		return
	}

	release := s.cluster.RequestStarted(decision.NodeID)
	defer release()

	up := upstreamCall{
		server:     s,
		metrics:    mm,
		nodeID:     decision.NodeID,
		baseURL:    pc.BaseURL(),
		systemHash: rc.SystemPromptHash,
		systemText: systemText,
	}
	if oaReq.Stream {
		up.stream(ctx, w, pc, oaReq, req.Model)
	} else {
		up.complete(ctx, w, pc, oaReq, req.Model)
	}
}

// parseMessagesRequest reads and validates the request body.
func (s *Server) parseMessagesRequest(w http.ResponseWriter, r *http.Request) (*anthropic.MessagesRequest, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, int64(s.cfg.Limits.MaxBodyBytes)))
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			writeError(w, http.StatusBadRequest, anthropic.ErrorTypeInvalidRequest,
				fmt.Sprintf("request body exceeds the %d byte limit", s.cfg.Limits.MaxBodyBytes))
		} else {
			writeError(w, http.StatusBadRequest, anthropic.ErrorTypeInvalidRequest, "failed to read request body")
		}
		return nil, false
	}

	var req anthropic.MessagesRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, anthropic.ErrorTypeInvalidRequest,
			"request body is not a valid messages request: "+err.Error())
		return nil, false
	}
	if req.Model == "" {
		writeError(w, http.StatusBadRequest, anthropic.ErrorTypeInvalidRequest, "model is required")
		return nil, false
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, anthropic.ErrorTypeInvalidRequest, "messages must not be empty")
		return nil, false
	}
	if len(req.Tools) > s.cfg.Limits.MaxToolsPerRequest {
		writeError(w, http.StatusBadRequest, anthropic.ErrorTypeInvalidRequest,
			fmt.Sprintf("too many tools: %d exceeds the limit of %d", len(req.Tools), s.cfg.Limits.MaxToolsPerRequest))
		return nil, false
	}
	return &req, true
}

// applyPromptFilter compresses the system prompt in place. Returns false when
// the request carried an invalid tier override.
func (s *Server) applyPromptFilter(w http.ResponseWriter, r *http.Request, req *anthropic.MessagesRequest) bool {
	if !s.cfg.Filter.Enabled {
		return true
	}
	systemText := req.System.Collapse()
	if strings.TrimSpace(systemText) == "" {
		return true
	}

	opts := s.cfg.Filter.ToOptions()
	if s.cfg.Filter.AllowRequestOverride {
		if header := r.Header.Get(FilterTierHeader); header != "" {
			tier := prompt.FilterTier(strings.ToUpper(header))
			if !slices.Contains(validTiers, tier) {
				writeError(w, http.StatusBadRequest, anthropic.ErrorTypeInvalidRequest,
					fmt.Sprintf("unknown prompt filter tier %q", header))
				return false
			}
			opts.Tier = tier
		}
	}

	fr := prompt.Filter(systemText, opts)
	req.System = &anthropic.SystemPrompt{Text: fr.FilteredPrompt}
	w.Header().Set("X-Prompt-Filter-Applied-Tier", string(fr.AppliedTier))
	s.logger.Debug("prompt filter applied",
		slog.String("requestedTier", string(opts.Tier)),
		slog.String("appliedTier", string(fr.AppliedTier)),
		slog.Bool("fallback", fr.FallbackOccurred),
		slog.Int("originalTokens", fr.Stats.OriginalTokens),
		slog.Int("filteredTokens", fr.Stats.FilteredTokens),
		slog.Float64("reductionPercent", fr.Stats.ReductionPercent))
	return true
}

// applyServerSideSearch strips server-side tools from the tool list and, when
// the last user message looks like a search, runs the query and appends the
// results to the system prompt. Search is best effort; failures leave the
// request unchanged.
func (s *Server) applyServerSideSearch(ctx context.Context, req *anthropic.MessagesRequest) {
	ft := websearch.FilterServerSideTools(req.Tools)
	req.Tools = ft.RegularTools
	if !ft.HasWebSearch || !s.cfg.Search.Enabled || s.search == nil {
		return
	}
	query, _, found := lastUserText(req)
	if !found || !websearch.DetectSearchIntent(query) {
		return
	}
	results := s.search.Execute(ctx, query)
	if len(results) == 0 {
		return
	}
	appendSystemContext(req, websearch.FormatResultsForContext(query, results))
}

// applyToolHints injects a tool-usage instruction into the last user message
// when the detector clears the confidence threshold.
func (s *Server) applyToolHints(w http.ResponseWriter, req *anthropic.MessagesRequest) {
	if !s.cfg.ToolHints.Enabled || len(req.Tools) == 0 {
		return
	}
	text, idx, found := lastUserText(req)
	if !found {
		return
	}
	res := toolhint.Inject(text, req.Tools, s.cfg.ToolHints.ToInjector(), countPriorInjections(req, idx))
	if !res.Modified {
		return
	}
	setUserText(&req.Messages[idx], res.ModifiedMessage)
	w.Header().Set("X-Injected-Tool", res.InjectedTool)
}

// upstreamCall carries the per-request state shared by the streaming and
// non-streaming upstream paths.
type upstreamCall struct {
	server     *Server
	metrics    metrics.Messages
	nodeID     string
	baseURL    string
	systemHash string
	systemText string
}

func (u *upstreamCall) recordFailure(ctx context.Context, err error) {
	u.metrics.RecordRequestCompletion(ctx, false)
	if errors.Is(ctx.Err(), context.Canceled) {
		// The client hung up, which is not an upstream fault: a disconnect
		// must never trip the breaker or mark the node unhealthy.
		return
	}
	u.server.brk.RecordFailure(err)
	u.server.cluster.RecordNodeFailure(u.nodeID, err)
}

func (u *upstreamCall) recordSuccess(ctx context.Context, latencyMs float64) {
	u.server.brk.RecordSuccess()
	if err := u.server.brk.RecordLatency(latencyMs); err != nil {
		u.server.logger.Warn("latency sample rejected", slog.Float64("latencyMs", latencyMs))
	}
	u.server.cluster.RecordNodeSuccess(u.nodeID, latencyMs)
	u.server.cluster.RecordCacheState(u.nodeID, u.systemHash, prompt.EstimateTokens(u.systemText))
	u.metrics.RecordRequestCompletion(ctx, true)
}

// complete runs the non-streaming upstream path.
func (u *upstreamCall) complete(ctx context.Context, w http.ResponseWriter, pc upstreamProvider, oaReq *openai.ChatCompletionRequest, model string) {
	start := time.Now()
	resp, err := pc.ChatCompletion(ctx, oaReq)
	if err != nil {
		u.recordFailure(ctx, err)
		u.server.writeUpstreamError(w, err, u.nodeID, u.baseURL)
		return
	}

	out, err := translator.ToMessagesResponse(resp, model)
	if err != nil {
		u.recordFailure(ctx, err)
		var re *translator.RequestError
		if errors.As(err, &re) {
			writeRequestError(w, re)
		} else {
			writeError(w, http.StatusInternalServerError, anthropic.ErrorTypeAPI, err.Error())
		}
		return
	}

	u.recordSuccess(ctx, float64(time.Since(start).Milliseconds()))
	u.metrics.RecordTokenUsage(ctx,
		uint32(out.Usage.InputTokens), uint32(out.Usage.OutputTokens),
		uint32(out.Usage.InputTokens+out.Usage.OutputTokens))
	writeJSON(w, http.StatusOK, out)
}

// stream runs the streaming upstream path, bridging the OpenAI SSE stream
// into Anthropic events.
func (u *upstreamCall) stream(ctx context.Context, w http.ResponseWriter, pc upstreamProvider, oaReq *openai.ChatCompletionRequest, model string) {
	start := time.Now()
	body, err := pc.ChatCompletionStream(ctx, oaReq)
	if err != nil {
		u.recordFailure(ctx, err)
		u.server.writeUpstreamError(w, err, u.nodeID, u.baseURL)
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	sink := &meteredWriter{ctx: ctx, w: w, metrics: u.metrics}
	bridge := translator.NewStreamBridge(sink, flusher, model)

	if err := bridge.Run(ctx, body); err != nil {
		u.recordFailure(ctx, err)
		if ctx.Err() != nil {
			// Client is gone; nothing left to write.
			return
		}
		var re *translator.RequestError
		if errors.As(err, &re) {
			_ = bridge.WriteError(re.WireType, re.Message)
		} else {
			_ = bridge.WriteError(anthropic.ErrorTypeAPI,
				fmt.Sprintf("node %s (%s) stream failed", u.nodeID, u.baseURL))
		}
		return
	}
	u.recordSuccess(ctx, float64(time.Since(start).Milliseconds()))
}

// upstreamProvider is the slice of the provider client the pipeline calls.
type upstreamProvider interface {
	ChatCompletion(ctx context.Context, in *openai.ChatCompletionRequest) (*openai.ChatCompletionResponse, error)
	ChatCompletionStream(ctx context.Context, in *openai.ChatCompletionRequest) (io.ReadCloser, error)
}

// meteredWriter observes event writes for token latency metrics: the first
// write records time-to-first-token, later writes time-per-output-token.
type meteredWriter struct {
	ctx     context.Context
	w       io.Writer
	metrics metrics.Messages
}

func (m *meteredWriter) Write(p []byte) (int, error) {
	m.metrics.RecordTokenLatency(m.ctx, 1)
	return m.w.Write(p)
}

// noopMetrics satisfies metrics.Messages when no meter is configured.
type noopMetrics struct{}

func (noopMetrics) StartRequest()                                          {}
func (noopMetrics) SetModel(string)                                        {}
func (noopMetrics) SetBackend(string)                                      {}
func (noopMetrics) RecordTokenUsage(context.Context, uint32, uint32, uint32) {}
func (noopMetrics) RecordRequestCompletion(context.Context, bool)          {}
func (noopMetrics) RecordTokenLatency(context.Context, uint32)             {}

func hashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

func hashTools(tools []anthropic.Tool) string {
	if len(tools) == 0 {
		return ""
	}
	raw, err := json.Marshal(tools)
	if err != nil {
		return ""
	}
	return hashText(string(raw))
}

func sessionID(req *anthropic.MessagesRequest) string {
	if req.Metadata != nil && req.Metadata.UserID != nil {
		return *req.Metadata.UserID
	}
	return ""
}

// lastUserText returns the text of the last user message and its index.
func lastUserText(req *anthropic.MessagesRequest) (string, int, bool) {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role != anthropic.MessageRoleUser {
			continue
		}
		if text := req.Messages[i].Content.TextContent(); text != "" {
			return text, i, true
		}
		return "", 0, false
	}
	return "", 0, false
}

// setUserText replaces the textual content of a user message, preserving
// non-text blocks.
func setUserText(msg *anthropic.Message, text string) {
	if msg.Content.Blocks == nil {
		msg.Content.Text = text
		return
	}
	// Replace the first text block and drop the rest so the text is not
	// duplicated.
	replaced := false
	blocks := msg.Content.Blocks[:0]
	for _, b := range msg.Content.Blocks {
		if b.Type != anthropic.ContentBlockTypeText {
			blocks = append(blocks, b)
			continue
		}
		if !replaced {
			b.Text = text
			blocks = append(blocks, b)
			replaced = true
		}
	}
	if !replaced {
		blocks = append(blocks, anthropic.ContentBlock{Type: anthropic.ContentBlockTypeText, Text: text})
	}
	msg.Content.Blocks = blocks
}

// countPriorInjections counts injected instructions in earlier user messages
// so the per-conversation cap holds across stateless requests.
func countPriorInjections(req *anthropic.MessagesRequest, lastIdx int) int {
	count := 0
	for i := 0; i < lastIdx; i++ {
		if req.Messages[i].Role != anthropic.MessageRoleUser {
			continue
		}
		text := req.Messages[i].Content.TextContent()
		if strings.Contains(text, "tool for this request. Required parameters:") ||
			strings.Contains(text, "tool may help with this.)") {
			count++
		}
	}
	return count
}

// appendSystemContext appends extra context after the system prompt.
func appendSystemContext(req *anthropic.MessagesRequest, extra string) {
	collapsed := req.System.Collapse()
	if strings.TrimSpace(collapsed) == "" {
		req.System = &anthropic.SystemPrompt{Text: extra}
		return
	}
	req.System = &anthropic.SystemPrompt{Text: collapsed + "\n\n" + extra}
}
