// Package dialect translates between the three wire dialects this gateway
// accepts — D-chat (OpenAI chat-completions, the canonical internal form),
// D-compl (legacy single-prompt completions) and D-msg (Anthropic messages)
// — grounded on app/schemas.py's Pydantic models and app/api.py's chat()/
// messages_proxy() handlers.
package dialect

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ChatMessage is one D-chat message. Content can arrive as a bare string or
// as a list of content blocks (image/text parts); schemas.py's
// ChatMessage.content: Optional[Union[str, List[Any]]] is the reason this
// needs a custom unmarshaler instead of a plain string field.
type ChatMessage struct {
	Role      string          `json:"role"`
	Content   json.RawMessage `json:"content,omitempty"`
	Name      string          `json:"name,omitempty"`
	ToolCalls json.RawMessage `json:"tool_calls,omitempty"`
}

// ContentText returns the message content flattened to plain text: the
// string form verbatim, or the concatenation of every "text" block's text
// field when content arrived as a list of blocks.
func (m ChatMessage) ContentText() (string, error) {
	return flattenContent(m.Content)
}

func flattenContent(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}

	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return "", fmt.Errorf("dialect: content neither string nor block list: %w", err)
	}
	var parts []string
	for _, b := range blocks {
		if (b.Type == "text" || b.Type == "") && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, " "), nil
}

// ChatRequest is the canonical internal request shape, equivalent to
// schemas.py's ChatCompletionRequest.
type ChatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Stream      bool          `json:"stream,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	TopP        *float64      `json:"top_p,omitempty"`
	Stop        []string      `json:"stop,omitempty"`
}

// CompletionRequest is the legacy D-compl single-prompt shape.
type CompletionRequest struct {
	Model       string   `json:"model"`
	Prompt      string   `json:"prompt"`
	Stream      bool     `json:"stream,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
}

// AnthropicContentBlock is one block of an Anthropic message's content list.
type AnthropicContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// AnthropicMessage is one D-msg message; content can also be string or block list.
type AnthropicMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

func (m AnthropicMessage) ContentText() (string, error) {
	return flattenContent(m.Content)
}

// AnthropicRequest is the D-msg request shape (schemas.py's AnthropicChatRequest).
type AnthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []AnthropicMessage `json:"messages"`
	System      json.RawMessage    `json:"system,omitempty"`
	MaxTokens   int                `json:"max_tokens"`
	Stream      bool               `json:"stream,omitempty"`
	Temperature *float64           `json:"temperature,omitempty"`
	TopP        *float64           `json:"top_p,omitempty"`
	StopSeqs    []string           `json:"stop_sequences,omitempty"`
}

// AnthropicResponse is the non-streaming D-msg response shape.
type AnthropicResponse struct {
	ID         string                  `json:"id"`
	Type       string                  `json:"type"`
	Role       string                  `json:"role"`
	Model      string                  `json:"model"`
	Content    []AnthropicContentBlock `json:"content"`
	StopReason string                  `json:"stop_reason"`
	Usage      AnthropicUsage          `json:"usage"`
}

type AnthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ChatChoice/ChatResponse mirror the OpenAI chat-completions response shape
// this gateway receives from upstream providers and returns to D-chat callers.
type ChatChoiceMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatChoice struct {
	Index        int               `json:"index"`
	Message      ChatChoiceMessage `json:"message"`
	FinishReason string            `json:"finish_reason"`
}

type ChatUsage struct {
	PromptTokens     *int `json:"prompt_tokens,omitempty"`
	CompletionTokens *int `json:"completion_tokens,omitempty"`
	TotalTokens      *int `json:"total_tokens,omitempty"`
}

type ChatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
	Usage   ChatUsage    `json:"usage"`
}
