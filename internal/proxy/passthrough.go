package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/relaygate/gateway/internal/dialect"
	"github.com/relaygate/gateway/internal/models"
)

// DispatchPassthrough runs the attempt loop for dialect-agnostic upstream
// calls (embeddings, image generation) that forward the raw JSON body
// unmodified except for the provider's model override — §4.8's "thin
// pass-through using selector, no translation" rule.
func (e *Engine) DispatchPassthrough(ctx context.Context, groupName string, apiKeyID int64, rawBody []byte, timeout time.Duration, endpointRewrite func(string) string) (int, []byte, error) {
	ac, err := e.prepare(ctx, groupName, apiKeyID, dialect.ChatRequest{})
	if err != nil {
		return 0, nil, err
	}

	for attempt := 0; attempt <= e.RetryMax; attempt++ {
		candidate, ok := e.selectCandidate(ctx, ac)
		if !ok {
			e.logExhaustion(ctx, apiKeyID)
			return 0, nil, ErrExhausted
		}

		status, body, callErr := e.attemptPassthroughOnce(ctx, ac, candidate, timeout, rawBody, endpointRewrite)
		if callErr == nil {
			return status, body, nil
		}
		e.Logger.Warn("passthrough attempt failed, retrying", "provider_id", candidate.Provider.ID, "error", callErr)
		ac.excluded[candidate.Provider.ID] = true
	}
	return 0, nil, ErrExhausted
}

func (e *Engine) attemptPassthroughOnce(ctx context.Context, ac *attemptContext, candidate models.Candidate, timeout time.Duration, rawBody []byte, endpointRewrite func(string) string) (int, []byte, error) {
	provider := candidate.Provider
	membership := candidate.Membership

	if err := e.Counter.Increment(ctx, provider.ID, membership.GroupID); err != nil {
		return 0, nil, fmt.Errorf("proxy: increment active calls: %w", err)
	}
	start := time.Now()
	defer func() {
		if err := e.Counter.Decrement(ctx, provider.ID, membership.GroupID); err != nil {
			e.Logger.Error("decrement active calls failed", "error", err)
		}
	}()

	body := rawBody
	var patched map[string]any
	if err := json.Unmarshal(rawBody, &patched); err == nil {
		patched["model"] = provider.Model
		if b, err := json.Marshal(patched); err == nil {
			body = b
		}
	}

	endpoint := provider.Endpoint
	if endpointRewrite != nil {
		endpoint = endpointRewrite(endpoint)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, nil, fmt.Errorf("proxy: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+provider.APIKey)

	resp, err := e.Client.Do(httpReq)
	latencyMS := int(time.Since(start).Milliseconds())
	if err != nil {
		e.recordOutcome(ctx, ac, provider, membership, start, 0, latencyMS, err.Error(), nil, body)
		return 0, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		e.recordOutcome(ctx, ac, provider, membership, start, resp.StatusCode, latencyMS, err.Error(), nil, body)
		return 0, nil, err
	}

	if retryable(resp.StatusCode) {
		upErr := &UpstreamError{StatusCode: resp.StatusCode, Body: string(respBody)}
		e.handleSoftFailureSideEffects(ctx, provider, string(respBody))
		e.recordOutcome(ctx, ac, provider, membership, start, resp.StatusCode, latencyMS, upErr.Error(), nil, body)
		return 0, nil, upErr
	}

	if kw, matched := ac.scanner.Matches(string(respBody)); matched {
		e.handleSoftFailureSideEffects(ctx, provider, string(respBody))
		err := fmt.Errorf("proxy: sentinel matched keyword %q", kw)
		e.recordOutcome(ctx, ac, provider, membership, start, resp.StatusCode, latencyMS, err.Error(), nil, body)
		return 0, nil, err
	}

	e.recordOutcome(ctx, ac, provider, membership, start, resp.StatusCode, latencyMS, "", nil, body)
	return resp.StatusCode, respBody, nil
}
