// Package proxy is the attempt-loop state machine (§4.7, C7): select a
// provider, dispatch, stream or buffer the response, scan for soft
// failures, persist a CallLog, and retry on any failure until a candidate
// succeeds or the set is exhausted. Grounded on felixpu-llm-proxy-go's
// ProxyService (retry loop, UpstreamError, channel-based SSE streaming)
// and the teacher's handler.go (circuit breaker wiring, async logging).
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/relaygate/gateway/internal/concurrency"
	"github.com/relaygate/gateway/internal/cost"
	"github.com/relaygate/gateway/internal/dialect"
	"github.com/relaygate/gateway/internal/models"
	"github.com/relaygate/gateway/internal/selector"
	"github.com/relaygate/gateway/internal/sentinel"
	"github.com/relaygate/gateway/internal/store"
)

// ErrExhausted is returned when every candidate has been excluded without
// a success — the caller finalizes this as a 503.
var ErrExhausted = fmt.Errorf("proxy: selector exhausted all candidates")

// ErrUnauthorized is returned by AuthorizeGroup when the key has no access.
var ErrUnauthorized = fmt.Errorf("proxy: api key not authorized for model")

// StreamSink receives already-filtered outbound bytes for the streaming path.
type StreamSink interface {
	WriteLine(line []byte) error
	Flush()
}

// Engine is the C7 attempt loop.
type Engine struct {
	Store        store.Store
	Counter      *concurrency.Counter
	Archiver     store.Archiver
	Breakers     *selector.BreakerPool
	HealthFilter selector.HealthFilter
	Client       *http.Client
	StreamClient *http.Client
	Logger       *slog.Logger
	RetryMax     int
}

func NewEngine(st store.Store, counter *concurrency.Counter, archiver store.Archiver, breakers *selector.BreakerPool, logger *slog.Logger) *Engine {
	return &Engine{
		Store:        st,
		Counter:      counter,
		Archiver:     archiver,
		Breakers:     breakers,
		Client:       &http.Client{Timeout: 300 * time.Second},
		StreamClient: &http.Client{Timeout: 0},
		Logger:       logger,
		RetryMax:     3,
	}
}

// AuthorizeGroup applies the §4.5 authorization pre-filter for an authenticated key.
func AuthorizeGroup(key models.ApiKey, requestedModel string) (string, error) {
	group, ok := selector.ResolveGroup(key.GroupNames, requestedModel)
	if !ok {
		return "", ErrUnauthorized
	}
	return group, nil
}

type attemptContext struct {
	ctx             context.Context
	apiKeyID        int64
	groupID         int64
	scanner         *sentinel.Scanner
	req             dialect.ChatRequest
	excluded        map[int64]bool
	endpointRewrite func(string) string
}

// Option customizes one dispatch call. Used by gatewayapi to rewrite the
// provider's stored "chat/completions" endpoint for dialects that hit a
// different upstream path segment (legacy completions, embeddings, images).
type Option func(*attemptContext)

// WithEndpointRewrite overrides the per-attempt outbound URL, leaving the
// provider's stored endpoint untouched in persistence.
func WithEndpointRewrite(fn func(string) string) Option {
	return func(ac *attemptContext) { ac.endpointRewrite = fn }
}

// DispatchNonStreaming runs the attempt loop for a non-streaming request and
// returns the sanitized D-chat response.
func (e *Engine) DispatchNonStreaming(ctx context.Context, groupName string, apiKeyID int64, req dialect.ChatRequest, timeout time.Duration, opts ...Option) (*dialect.ChatResponse, error) {
	ac, err := e.prepare(ctx, groupName, apiKeyID, req)
	if err != nil {
		return nil, err
	}
	for _, opt := range opts {
		opt(ac)
	}

	for attempt := 0; attempt <= e.RetryMax; attempt++ {
		candidate, ok := e.selectCandidate(ctx, ac)
		if !ok {
			e.logExhaustion(ctx, apiKeyID)
			return nil, ErrExhausted
		}

		resp, callErr := e.attemptOnce(ctx, ac, candidate, timeout)
		if callErr == nil {
			return resp, nil
		}

		e.Logger.Warn("attempt failed, retrying", "provider_id", candidate.Provider.ID, "error", callErr)
		ac.excluded[candidate.Provider.ID] = true
	}
	return nil, ErrExhausted
}

func (e *Engine) prepare(ctx context.Context, groupName string, apiKeyID int64, req dialect.ChatRequest) (*attemptContext, error) {
	group, err := e.Store.GetGroupByName(ctx, groupName)
	if err != nil {
		return nil, fmt.Errorf("proxy: group %q: %w", groupName, err)
	}
	keywords, err := e.Store.ListActiveErrorKeywords(ctx)
	if err != nil {
		return nil, fmt.Errorf("proxy: load error keywords: %w", err)
	}
	kwStrings := make([]string, len(keywords))
	for i, k := range keywords {
		kwStrings[i] = k.Keyword
	}

	return &attemptContext{
		ctx:      ctx,
		apiKeyID: apiKeyID,
		groupID:  group.ID,
		scanner:  sentinel.NewScanner(kwStrings),
		req:      req,
		excluded: make(map[int64]bool),
	}, nil
}

func (e *Engine) selectCandidate(ctx context.Context, ac *attemptContext) (models.Candidate, bool) {
	candidates, err := e.Store.CandidatesForGroup(ctx, ac.groupID)
	if err != nil {
		e.Logger.Error("load candidates failed", "group_id", ac.groupID, "error", err)
		return models.Candidate{}, false
	}
	if e.Breakers != nil {
		filtered := candidates[:0:0]
		for _, c := range candidates {
			if !e.Breakers.IsOpen(c.Provider.ID) {
				filtered = append(filtered, c)
			}
		}
		if len(filtered) > 0 {
			candidates = filtered
		}
	}
	return selector.Select(ctx, candidates, ac.excluded, e.HealthFilter)
}

func (e *Engine) logExhaustion(ctx context.Context, apiKeyID int64) {
	now := time.Now()
	log := &models.CallLog{
		APIKeyID:         &apiKeyID,
		RequestTimestamp: now,
		ResponseTimestamp: &now,
		IsSuccess:        false,
		StatusCode:       503,
		ErrorMessage:     "All suitable providers failed or are unavailable.",
	}
	if _, err := e.Store.CreateCallLog(ctx, log, nil); err != nil {
		e.Logger.Error("log exhaustion failed", "error", err)
	}
}

// attemptOnce runs steps 2-7 of the §4.7 loop for one candidate, non-streaming path.
func (e *Engine) attemptOnce(ctx context.Context, ac *attemptContext, candidate models.Candidate, timeout time.Duration) (*dialect.ChatResponse, error) {
	provider := candidate.Provider
	membership := candidate.Membership

	if err := e.Counter.Increment(ctx, provider.ID, membership.GroupID); err != nil {
		return nil, fmt.Errorf("proxy: increment active calls: %w", err)
	}
	start := time.Now()
	defer func() {
		if err := e.Counter.Decrement(ctx, provider.ID, membership.GroupID); err != nil {
			e.Logger.Error("decrement active calls failed", "error", err)
		}
	}()

	outbound := ac.req
	outbound.Model = provider.Model

	body, err := json.Marshal(outbound)
	if err != nil {
		return nil, fmt.Errorf("proxy: marshal outbound request: %w", err)
	}

	endpoint := provider.Endpoint
	if ac.endpointRewrite != nil {
		endpoint = ac.endpointRewrite(endpoint)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("proxy: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+provider.APIKey)

	var cb func(func() (*http.Response, error)) (*http.Response, error)
	if e.Breakers != nil {
		breaker := e.Breakers.For(provider.ID)
		cb = func(fn func() (*http.Response, error)) (*http.Response, error) {
			v, err := breaker.Execute(func() (interface{}, error) { return fn() })
			if err != nil {
				return nil, err
			}
			return v.(*http.Response), nil
		}
	} else {
		cb = func(fn func() (*http.Response, error)) (*http.Response, error) { return fn() }
	}

	resp, err := cb(func() (*http.Response, error) { return e.Client.Do(httpReq) })
	latencyMS := int(time.Since(start).Milliseconds())
	if err != nil {
		e.recordOutcome(ctx, ac, provider, membership, start, 0, latencyMS, err.Error(), nil, body)
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		e.recordOutcome(ctx, ac, provider, membership, start, resp.StatusCode, latencyMS, err.Error(), nil, body)
		return nil, err
	}

	if retryable(resp.StatusCode) {
		upErr := &UpstreamError{StatusCode: resp.StatusCode, Body: string(respBody)}
		e.handleSoftFailureSideEffects(ctx, provider, string(respBody))
		e.recordOutcome(ctx, ac, provider, membership, start, resp.StatusCode, latencyMS, upErr.Error(), nil, body)
		return nil, upErr
	}

	if kw, matched := ac.scanner.Matches(string(respBody)); matched {
		e.handleSoftFailureSideEffects(ctx, provider, string(respBody))
		err := fmt.Errorf("proxy: sentinel matched keyword %q", kw)
		e.recordOutcome(ctx, ac, provider, membership, start, resp.StatusCode, latencyMS, err.Error(), nil, body)
		return nil, err
	}

	var parsed dialect.ChatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		e.recordOutcome(ctx, ac, provider, membership, start, resp.StatusCode, latencyMS, err.Error(), nil, body)
		return nil, fmt.Errorf("proxy: decode upstream response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		err := fmt.Errorf("proxy: upstream returned empty choices")
		e.recordOutcome(ctx, ac, provider, membership, start, resp.StatusCode, latencyMS, err.Error(), nil, body)
		return nil, err
	}

	e.recordOutcome(ctx, ac, provider, membership, start, resp.StatusCode, latencyMS, "", &parsed, body)

	var rawMap map[string]any
	_ = json.Unmarshal(respBody, &rawMap)
	sanitized := dialect.SanitizeResponse(rawMap)
	sanitizedBytes, _ := json.Marshal(sanitized)
	var out dialect.ChatResponse
	_ = json.Unmarshal(sanitizedBytes, &out)
	return &out, nil
}

// handleSoftFailureSideEffects implements the automatic auto-disable rule:
// an error text containing both "insufficient" and "quota" deactivates the
// provider and records a maintenance entry, grounded on api.py's quota check.
func (e *Engine) handleSoftFailureSideEffects(ctx context.Context, provider models.Provider, errText string) {
	lower := strings.ToLower(errText)
	if strings.Contains(lower, "insufficient") && strings.Contains(lower, "quota") {
		if err := e.Store.DeactivateProvider(ctx, provider.ID); err != nil {
			e.Logger.Error("auto-deactivate provider failed", "provider_id", provider.ID, "error", err)
			return
		}
		kw := &models.ErrorKeyword{Keyword: "insufficient quota", Description: fmt.Sprintf("auto-disabled provider %d", provider.ID), IsActive: true}
		if err := e.Store.CreateErrorKeyword(ctx, kw); err != nil {
			e.Logger.Error("create maintenance entry failed", "error", err)
		}
	}
}

func (e *Engine) recordOutcome(ctx context.Context, ac *attemptContext, provider models.Provider, membership models.Membership, start time.Time, statusCode, latencyMS int, errMsg string, resp *dialect.ChatResponse, reqBody []byte) {
	now := time.Now()
	success := errMsg == "" && resp != nil
	providerID := provider.ID
	apiKeyID := ac.apiKeyID

	log := &models.CallLog{
		ProviderID:        &providerID,
		APIKeyID:          &apiKeyID,
		RequestTimestamp:  start,
		ResponseTimestamp: &now,
		IsSuccess:         success,
		StatusCode:        statusCode,
		LatencyMS:         latencyMS,
		ErrorMessage:      errMsg,
	}

	var respBody string
	if resp != nil {
		log.PromptTokens = resp.Usage.PromptTokens
		log.CompletionTokens = resp.Usage.CompletionTokens
		log.TotalTokens = resp.Usage.TotalTokens
		if c, ok := cost.Compute(provider, cost.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}); ok {
			log.Cost = &c
		}
		b, _ := json.Marshal(resp)
		respBody = string(b)
	}

	detail := &models.CallLogDetail{RequestBody: string(reqBody), ResponseBody: respBody}
	id, err := e.Store.CreateCallLog(ctx, log, detail)
	if err != nil {
		e.Logger.Error("create call log failed", "error", err)
		return
	}
	log.ID = id
	if err := e.Store.RecordProviderOutcome(ctx, providerID, success); err != nil {
		e.Logger.Error("record provider outcome failed", "error", err)
	}
	if e.Archiver != nil {
		e.Archiver.Archive(context.WithoutCancel(ctx), *log)
	}
}

// NewRequestID generates a request/message id for dialect envelopes that
// need one synthesized locally (e.g. the D-msg streaming synthesizer).
func NewRequestID() string {
	return uuid.NewString()
}
