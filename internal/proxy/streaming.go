package proxy

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/relaygate/gateway/internal/dialect"
	"github.com/relaygate/gateway/internal/models"
)

// DispatchStreaming runs the attempt loop for a streaming request, piping
// filtered upstream bytes to sink as they arrive. Implements §4.7 step 5:
// think-tag elision via a single stateful filter, a per-line sentinel check
// against everything accumulated so far (aborting the attempt at the first
// match instead of after the stream completes), and last-seen usage capture.
func (e *Engine) DispatchStreaming(ctx context.Context, groupName string, apiKeyID int64, req dialect.ChatRequest, timeout time.Duration, sink StreamSink, opts ...Option) error {
	ac, err := e.prepare(ctx, groupName, apiKeyID, req)
	if err != nil {
		return err
	}
	for _, opt := range opts {
		opt(ac)
	}

	for attempt := 0; attempt <= e.RetryMax; attempt++ {
		candidate, ok := e.selectCandidate(ctx, ac)
		if !ok {
			e.logExhaustion(ctx, apiKeyID)
			return ErrExhausted
		}

		err := e.attemptStreamOnce(ctx, ac, candidate, timeout, sink)
		if err == nil {
			return nil
		}
		e.Logger.Warn("streaming attempt failed, retrying", "provider_id", candidate.Provider.ID, "error", err)
		ac.excluded[candidate.Provider.ID] = true
	}
	return ErrExhausted
}

func (e *Engine) attemptStreamOnce(ctx context.Context, ac *attemptContext, candidate models.Candidate, timeout time.Duration, sink StreamSink) error {
	provider := candidate.Provider
	membership := candidate.Membership

	if err := e.Counter.Increment(ctx, provider.ID, membership.GroupID); err != nil {
		return fmt.Errorf("proxy: increment active calls: %w", err)
	}
	start := time.Now()
	defer func() {
		if err := e.Counter.Decrement(ctx, provider.ID, membership.GroupID); err != nil {
			e.Logger.Error("decrement active calls failed", "error", err)
		}
	}()

	outbound := ac.req
	outbound.Model = provider.Model
	outbound.Stream = true

	body, err := json.Marshal(outbound)
	if err != nil {
		return fmt.Errorf("proxy: marshal outbound request: %w", err)
	}

	endpoint := provider.Endpoint
	if ac.endpointRewrite != nil {
		endpoint = ac.endpointRewrite(endpoint)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("proxy: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+provider.APIKey)
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := e.StreamClient.Do(httpReq)
	latencyMS := int(time.Since(start).Milliseconds())
	if err != nil {
		e.recordOutcome(ctx, ac, provider, membership, start, 0, latencyMS, err.Error(), nil, body)
		return err
	}
	defer resp.Body.Close()

	if retryable(resp.StatusCode) {
		buf := new(bytes.Buffer)
		buf.ReadFrom(resp.Body)
		upErr := &UpstreamError{StatusCode: resp.StatusCode, Body: buf.String()}
		e.handleSoftFailureSideEffects(ctx, provider, buf.String())
		e.recordOutcome(ctx, ac, provider, membership, start, resp.StatusCode, latencyMS, upErr.Error(), nil, body)
		return upErr
	}

	var filter dialect.ThinkFilter
	var accumulated strings.Builder
	var usage *dialect.ChatUsage

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		accumulated.WriteString(line)
		accumulated.WriteByte('\n')

		// Check the sentinel before this line is forwarded: on a match the
		// attempt aborts here, so bytes already forwarded remain forwarded
		// but the matching chunk (and everything after it) never is.
		if kw, matched := ac.scanner.Matches(accumulated.String()); matched {
			e.handleSoftFailureSideEffects(ctx, provider, accumulated.String())
			err := fmt.Errorf("proxy: sentinel matched keyword %q in stream", kw)
			e.recordOutcome(ctx, ac, provider, membership, start, resp.StatusCode, latencyMS, err.Error(), nil, body)
			return err
		}

		payload, isData := strings.CutPrefix(line, "data: ")
		if isData && payload != "[DONE]" {
			var chunk dialect.SSEChatDelta
			if err := json.Unmarshal([]byte(payload), &chunk); err == nil {
				for _, c := range chunk.Choices {
					if c.Delta.Content != "" {
						filtered := filter.Feed(c.Delta.Content)
						if filtered != "" {
							// Re-serialize so the client still receives valid
							// SSE JSON with the think-tag spans elided.
							line = rewriteDeltaLine(line, filtered)
						} else {
							continue
						}
					}
				}
			}
			var usageProbe struct {
				Usage *dialect.ChatUsage `json:"usage"`
			}
			if err := json.Unmarshal([]byte(payload), &usageProbe); err == nil && usageProbe.Usage != nil {
				usage = usageProbe.Usage
			}
		}

		if err := sink.WriteLine([]byte(line + "\n")); err != nil {
			return fmt.Errorf("proxy: write to client failed: %w", err)
		}
		sink.Flush()
	}
	if err := scanner.Err(); err != nil {
		e.recordOutcome(ctx, ac, provider, membership, start, resp.StatusCode, latencyMS, err.Error(), nil, body)
		return err
	}

	resultResp := &dialect.ChatResponse{Model: provider.Model}
	if usage != nil {
		resultResp.Usage = *usage
		resultResp.Choices = []dialect.ChatChoice{{}}
	}
	e.recordOutcome(ctx, ac, provider, membership, start, resp.StatusCode, latencyMS, "", resultResp, body)
	return nil
}

// rewriteDeltaLine patches a "data: {...}" SSE line's first choice delta
// content to the think-filtered text, preserving everything else verbatim.
func rewriteDeltaLine(line, filteredContent string) string {
	payload, ok := strings.CutPrefix(line, "data: ")
	if !ok {
		return line
	}
	var generic map[string]any
	if err := json.Unmarshal([]byte(payload), &generic); err != nil {
		return line
	}
	choices, ok := generic["choices"].([]any)
	if !ok || len(choices) == 0 {
		return line
	}
	choice, ok := choices[0].(map[string]any)
	if !ok {
		return line
	}
	delta, ok := choice["delta"].(map[string]any)
	if !ok {
		return line
	}
	delta["content"] = filteredContent
	out, err := json.Marshal(generic)
	if err != nil {
		return line
	}
	return "data: " + string(out)
}
