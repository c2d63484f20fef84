// Package gatewayapi is the public HTTP surface (C8, §4.8): the dialect
// endpoints clients actually call. Grounded on the teacher's Handler
// (single CreateCompletion gin.HandlerFunc) generalized to the dialect
// fan-out spec.md §4.8 requires: chat-completions, the responses alias,
// Anthropic messages (translated both ways, streamed via the synthesizer),
// legacy completions (path-rewritten), embeddings/images (thin pass-through)
// and a models-listing endpoint.
package gatewayapi

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/relaygate/gateway/internal/dialect"
	"github.com/relaygate/gateway/internal/middleware"
	"github.com/relaygate/gateway/internal/models"
	"github.com/relaygate/gateway/internal/proxy"
	"github.com/relaygate/gateway/internal/store"
)

// Handler serves every dialect endpoint authenticated by middleware.AuthMiddleware.
type Handler struct {
	Engine *proxy.Engine
	Store  store.Store
	Logger *slog.Logger

	ChatTimeout      time.Duration
	EmbeddingTimeout time.Duration
	ImageTimeout     time.Duration
}

func NewHandler(engine *proxy.Engine, st store.Store, logger *slog.Logger, chatTimeout, embeddingTimeout, imageTimeout time.Duration) *Handler {
	return &Handler{
		Engine:           engine,
		Store:            st,
		Logger:           logger,
		ChatTimeout:      chatTimeout,
		EmbeddingTimeout: embeddingTimeout,
		ImageTimeout:     imageTimeout,
	}
}

func errEnvelope(message string) gin.H {
	return gin.H{"error": gin.H{"message": message}}
}

func apiKeyFromContext(c *gin.Context) (models.ApiKey, bool) {
	val, exists := c.Get("api_key")
	if !exists {
		return models.ApiKey{}, false
	}
	key, ok := val.(models.ApiKey)
	return key, ok
}

// authorizeAndSetGroup runs the §4.5 authorization pre-filter for the
// requested model and stashes the resolved group name in the gin context
// so middleware.MetricsMiddleware can label by it. On failure it persists
// a CallLog per §4.7's AUTHORIZE-GROUP step: null provider, status 403,
// and the offending body.
func (h *Handler) authorizeAndSetGroup(c *gin.Context, key models.ApiKey, requestedModel string, rawBody []byte) (string, bool) {
	group, err := proxy.AuthorizeGroup(key, requestedModel)
	if err != nil {
		h.logRejected(c, &key.ID, http.StatusForbidden, "not authorized for model "+requestedModel, rawBody)
		c.AbortWithStatusJSON(http.StatusForbidden, errEnvelope("not authorized for model "+requestedModel))
		return "", false
	}
	c.Set("group", group)
	return group, true
}

// logRejected persists a CallLog for a dialect request that never reached
// a provider dispatch — §4.7's AUTH/AUTHORIZE-GROUP steps require a
// CallLog row (null provider) even when the request is rejected here.
func (h *Handler) logRejected(c *gin.Context, apiKeyID *int64, status int, errMsg string, rawBody []byte) {
	now := time.Now()
	log := &models.CallLog{
		APIKeyID:          apiKeyID,
		RequestTimestamp:  now,
		ResponseTimestamp: &now,
		IsSuccess:         false,
		StatusCode:        status,
		ErrorMessage:      errMsg,
	}
	detail := &models.CallLogDetail{RequestBody: string(rawBody)}
	if _, err := h.Store.CreateCallLog(c.Request.Context(), log, detail); err != nil {
		h.Logger.Error("create call log for rejected request failed", "error", err)
	}
}

// ---- D-chat: chat-completions, and its "responses" alias ----

// ChatCompletions handles POST /v1/chat/completions (and, aliased, /v1/responses).
func (h *Handler) ChatCompletions(c *gin.Context) {
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, errEnvelope("failed to read request body"))
		return
	}
	var req dialect.ChatRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		c.JSON(http.StatusBadRequest, errEnvelope(err.Error()))
		return
	}
	key, ok := apiKeyFromContext(c)
	if !ok {
		h.logRejected(c, nil, http.StatusUnauthorized, "missing authenticated api key", raw)
		c.JSON(http.StatusUnauthorized, errEnvelope("missing authenticated api key"))
		return
	}
	group, ok := h.authorizeAndSetGroup(c, key, req.Model, raw)
	if !ok {
		return
	}

	if req.Stream {
		h.streamChat(c, group, key.ID, req)
		return
	}

	resp, err := h.Engine.DispatchNonStreaming(c.Request.Context(), group, key.ID, req, h.ChatTimeout)
	if err != nil {
		h.writeDispatchError(c, err)
		return
	}
	recordUsage(group, resp.Usage)
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) streamChat(c *gin.Context, group string, apiKeyID int64, req dialect.ChatRequest) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)

	start := time.Now()
	sink := &ginSink{c: c}
	if err := h.Engine.DispatchStreaming(c.Request.Context(), group, apiKeyID, req, h.ChatTimeout, sink); err != nil {
		h.Logger.Warn("streaming chat dispatch failed", "error", err)
		if !sink.wroteAny {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, errEnvelope(err.Error()))
			return
		}
	}
	if sink.wroteAny {
		middleware.RecordTTFT(group, time.Since(start).Seconds())
	}
}

// recordUsage records prompt/completion token counts for a finished
// non-streaming dispatch, skipping the metric when usage is unknown.
func recordUsage(group string, usage dialect.ChatUsage) {
	if usage.PromptTokens == nil && usage.CompletionTokens == nil {
		return
	}
	in, out := 0, 0
	if usage.PromptTokens != nil {
		in = *usage.PromptTokens
	}
	if usage.CompletionTokens != nil {
		out = *usage.CompletionTokens
	}
	middleware.RecordTokenUsage(group, in, out)
}

// ---- D-msg: Anthropic messages, translated both ways ----

// Messages handles POST /v1/messages.
func (h *Handler) Messages(c *gin.Context) {
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, errEnvelope("failed to read request body"))
		return
	}
	var req dialect.AnthropicRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		c.JSON(http.StatusBadRequest, errEnvelope(err.Error()))
		return
	}
	chatReq, err := dialect.AnthropicToChat(req)
	if err != nil {
		c.JSON(http.StatusBadRequest, errEnvelope(err.Error()))
		return
	}

	key, ok := apiKeyFromContext(c)
	if !ok {
		h.logRejected(c, nil, http.StatusUnauthorized, "missing authenticated api key", raw)
		c.JSON(http.StatusUnauthorized, errEnvelope("missing authenticated api key"))
		return
	}
	group, ok := h.authorizeAndSetGroup(c, key, req.Model, raw)
	if !ok {
		return
	}

	if req.Stream {
		h.streamMessages(c, group, key.ID, chatReq)
		return
	}

	resp, err := h.Engine.DispatchNonStreaming(c.Request.Context(), group, key.ID, chatReq, h.ChatTimeout)
	if err != nil {
		h.writeDispatchError(c, err)
		return
	}
	recordUsage(group, resp.Usage)
	c.JSON(http.StatusOK, dialect.ChatToAnthropicResponse(*resp))
}

// anthropicSink adapts the D-chat SSE byte stream into Anthropic SSE frames
// via dialect.AnthropicSynthesizer, implementing proxy.StreamSink.
type anthropicSink struct {
	c         *gin.Context
	synth     *dialect.AnthropicSynthesizer
	started   bool
	finishRsn string
	wroteAny  bool
}

func (s *anthropicSink) WriteLine(line []byte) error {
	text := strings.TrimRight(string(line), "\n")
	payload, isData := strings.CutPrefix(text, "data: ")
	if !isData || payload == "" {
		return nil
	}
	if payload == "[DONE]" {
		return s.flushStop()
	}

	if !s.started {
		for _, frame := range s.synth.Start() {
			if _, err := io.WriteString(s.c.Writer, frame); err != nil {
				return err
			}
		}
		s.started = true
		s.wroteAny = true
	}

	var probe struct {
		Choices []struct {
			FinishReason *string `json:"finish_reason"`
		} `json:"choices"`
	}
	if err := json.Unmarshal([]byte(payload), &probe); err == nil {
		for _, ch := range probe.Choices {
			if ch.FinishReason != nil {
				s.finishRsn = *ch.FinishReason
			}
		}
	}

	frames, err := s.synth.FeedChatChunk([]byte(payload))
	if err != nil {
		return nil
	}
	for _, frame := range frames {
		if _, err := io.WriteString(s.c.Writer, frame); err != nil {
			return err
		}
		s.wroteAny = true
	}
	return nil
}

func (s *anthropicSink) flushStop() error {
	if !s.started {
		return nil
	}
	for _, frame := range s.synth.Stop(s.finishRsn) {
		if _, err := io.WriteString(s.c.Writer, frame); err != nil {
			return err
		}
	}
	return nil
}

func (s *anthropicSink) Flush() {
	if f, ok := s.c.Writer.(http.Flusher); ok {
		f.Flush()
	}
}

func (h *Handler) streamMessages(c *gin.Context, group string, apiKeyID int64, chatReq dialect.ChatRequest) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)

	start := time.Now()
	sink := &anthropicSink{c: c, synth: dialect.NewAnthropicSynthesizer(proxy.NewRequestID(), chatReq.Model)}
	if err := h.Engine.DispatchStreaming(c.Request.Context(), group, apiKeyID, chatReq, h.ChatTimeout, sink); err != nil {
		h.Logger.Warn("streaming messages dispatch failed", "error", err)
		if !sink.wroteAny {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, errEnvelope(err.Error()))
			return
		}
		sink.flushStop()
	}
	sink.Flush()
	if sink.wroteAny {
		middleware.RecordTTFT(group, time.Since(start).Seconds())
	}
}

// ---- D-compl: legacy single-prompt completions ----

// Completions handles POST /v1/completions, rewriting the dispatched
// provider endpoint's path segment from "chat/completions" to "completions".
func (h *Handler) Completions(c *gin.Context) {
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, errEnvelope("failed to read request body"))
		return
	}
	var req dialect.CompletionRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		c.JSON(http.StatusBadRequest, errEnvelope(err.Error()))
		return
	}
	chatReq := dialect.CompletionToChat(req)

	key, ok := apiKeyFromContext(c)
	if !ok {
		h.logRejected(c, nil, http.StatusUnauthorized, "missing authenticated api key", raw)
		c.JSON(http.StatusUnauthorized, errEnvelope("missing authenticated api key"))
		return
	}
	group, ok := h.authorizeAndSetGroup(c, key, req.Model, raw)
	if !ok {
		return
	}

	resp, err := h.Engine.DispatchNonStreaming(c.Request.Context(), group, key.ID, chatReq, h.ChatTimeout,
		proxy.WithEndpointRewrite(rewriteToLegacyCompletions))
	if err != nil {
		h.writeDispatchError(c, err)
		return
	}
	recordUsage(group, resp.Usage)
	c.JSON(http.StatusOK, dialect.ChatToCompletionResponse(*resp))
}

func rewriteToLegacyCompletions(endpoint string) string {
	return strings.Replace(endpoint, "/chat/completions", "/completions", 1)
}

// ---- Embeddings / image generation: thin pass-through, no translation ----

func (h *Handler) Embeddings(c *gin.Context) {
	h.passthrough(c, h.EmbeddingTimeout, func(e string) string {
		return strings.Replace(e, "/chat/completions", "/embeddings", 1)
	})
}

func (h *Handler) ImageGenerations(c *gin.Context) {
	h.passthrough(c, h.ImageTimeout, func(e string) string {
		return strings.Replace(e, "/chat/completions", "/images/generations", 1)
	})
}

func (h *Handler) passthrough(c *gin.Context, timeout time.Duration, rewrite func(string) string) {
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, errEnvelope("failed to read request body"))
		return
	}
	var probe struct {
		Model string `json:"model"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		c.JSON(http.StatusBadRequest, errEnvelope("invalid JSON body"))
		return
	}

	key, ok := apiKeyFromContext(c)
	if !ok {
		h.logRejected(c, nil, http.StatusUnauthorized, "missing authenticated api key", raw)
		c.JSON(http.StatusUnauthorized, errEnvelope("missing authenticated api key"))
		return
	}
	group, ok := h.authorizeAndSetGroup(c, key, probe.Model, raw)
	if !ok {
		return
	}

	status, body, err := h.Engine.DispatchPassthrough(c.Request.Context(), group, key.ID, raw, timeout, rewrite)
	if err != nil {
		h.writeDispatchError(c, err)
		return
	}
	c.Data(status, "application/json", body)
}

// ---- Models listing ----

type modelListEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
}

// ListModels returns the authenticated key's authorized group names as
// model ids in the standard OpenAI "model-list" shape.
func (h *Handler) ListModels(c *gin.Context) {
	key, ok := apiKeyFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, errEnvelope("missing authenticated api key"))
		return
	}
	data := make([]modelListEntry, 0, len(key.GroupNames))
	for _, g := range key.GroupNames {
		data = append(data, modelListEntry{ID: g, Object: "model", OwnedBy: "relaygate"})
	}
	c.JSON(http.StatusOK, gin.H{"object": "list", "data": data})
}

// ---- Status (public) ----

// Status handles GET /status: current groups, all providers, and an
// active_calls snapshot per membership — unauthenticated per §4.8.
func (h *Handler) Status(c *gin.Context) {
	groups, err := h.Store.ListGroups(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, errEnvelope(err.Error()))
		return
	}
	providers, err := h.Store.ListProviders(c.Request.Context(), store.ProviderFilter{})
	if err != nil {
		c.JSON(http.StatusInternalServerError, errEnvelope(err.Error()))
		return
	}
	memberships, err := h.Store.ConcurrencyStatus(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, errEnvelope(err.Error()))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"groups":      groups,
		"providers":   providers,
		"memberships": memberships,
	})
}

func (h *Handler) writeDispatchError(c *gin.Context, err error) {
	switch err {
	case proxy.ErrExhausted:
		c.JSON(http.StatusServiceUnavailable, errEnvelope("all suitable providers failed or are unavailable"))
	case proxy.ErrUnauthorized:
		c.JSON(http.StatusForbidden, errEnvelope(err.Error()))
	default:
		c.JSON(http.StatusBadGateway, errEnvelope(err.Error()))
	}
}

// ginSink pipes D-chat SSE bytes straight through to the client, matching
// §4.7 step 5's "client receives the same bytes" requirement.
type ginSink struct {
	c        *gin.Context
	wroteAny bool
}

func (s *ginSink) WriteLine(line []byte) error {
	_, err := s.c.Writer.Write(line)
	if err == nil {
		s.wroteAny = true
	}
	return err
}

func (s *ginSink) Flush() {
	if f, ok := s.c.Writer.(http.Flusher); ok {
		f.Flush()
	}
}
