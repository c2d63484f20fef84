package dialect

import (
	"encoding/json"
	"fmt"
)

// AnthropicToChat converts a D-msg request into the canonical D-chat shape,
// grounded on messages_proxy()'s system-prompt-as-leading-message handling.
func AnthropicToChat(req AnthropicRequest) (ChatRequest, error) {
	out := ChatRequest{
		Model:       req.Model,
		Stream:      req.Stream,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.StopSeqs,
	}
	if req.MaxTokens > 0 {
		mt := req.MaxTokens
		out.MaxTokens = &mt
	}

	if len(req.System) > 0 {
		sysText, err := flattenContent(req.System)
		if err != nil {
			return ChatRequest{}, fmt.Errorf("dialect: system prompt: %w", err)
		}
		if sysText != "" {
			out.Messages = append(out.Messages, ChatMessage{
				Role:    "system",
				Content: mustMarshalString(sysText),
			})
		}
	}

	for _, m := range req.Messages {
		text, err := m.ContentText()
		if err != nil {
			return ChatRequest{}, fmt.Errorf("dialect: message content: %w", err)
		}
		out.Messages = append(out.Messages, ChatMessage{
			Role:    m.Role,
			Content: mustMarshalString(text),
		})
	}
	return out, nil
}

// ChatToAnthropicResponse converts a non-streaming upstream D-chat response
// into a D-msg response, mirroring messages_proxy()'s dict-to-
// AnthropicChatResponse conversion.
func ChatToAnthropicResponse(resp ChatResponse) AnthropicResponse {
	out := AnthropicResponse{
		ID:    resp.ID,
		Type:  "message",
		Role:  "assistant",
		Model: resp.Model,
	}
	if len(resp.Choices) > 0 {
		choice := resp.Choices[0]
		out.Content = []AnthropicContentBlock{{Type: "text", Text: choice.Message.Content}}
		out.StopReason = mapFinishReason(choice.FinishReason)
	}
	if resp.Usage.PromptTokens != nil {
		out.Usage.InputTokens = *resp.Usage.PromptTokens
	}
	if resp.Usage.CompletionTokens != nil {
		out.Usage.OutputTokens = *resp.Usage.CompletionTokens
	}
	return out
}

func mapFinishReason(openaiReason string) string {
	switch openaiReason {
	case "stop":
		return "end_turn"
	case "length":
		return "max_tokens"
	case "tool_calls", "function_call":
		return "tool_use"
	default:
		return "end_turn"
	}
}

// CompletionToChat converts a legacy D-compl request into D-chat, the prompt
// becoming a single user message — the same shape chat() is reached through
// when the legacy /v1/completions path is rewritten to /chat/completions.
func CompletionToChat(req CompletionRequest) ChatRequest {
	return ChatRequest{
		Model:       req.Model,
		Stream:      req.Stream,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Messages: []ChatMessage{
			{Role: "user", Content: mustMarshalString(req.Prompt)},
		},
	}
}

// ChatToCompletionResponse flattens a D-chat response back to the legacy
// completions response shape.
func ChatToCompletionResponse(resp ChatResponse) map[string]any {
	text := ""
	finish := "stop"
	if len(resp.Choices) > 0 {
		text = resp.Choices[0].Message.Content
		finish = resp.Choices[0].FinishReason
	}
	return map[string]any{
		"id":      resp.ID,
		"object":  "text_completion",
		"created": resp.Created,
		"model":   resp.Model,
		"choices": []map[string]any{
			{"text": text, "index": 0, "finish_reason": finish},
		},
		"usage": resp.Usage,
	}
}

func mustMarshalString(s string) json.RawMessage {
	b, err := json.Marshal(s)
	if err != nil {
		panic(err)
	}
	return b
}
