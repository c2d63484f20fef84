package dialect

import (
	"regexp"
	"strings"
)

// thinkTagPattern matches a complete <think>...</think> block, spanning
// newlines, mirroring utils.py's re.sub(r'<think>.*?</think>', '', flags=re.DOTALL).
var thinkTagPattern = regexp.MustCompile(`(?s)<think>.*?</think>`)

// StripThinkTags removes every complete <think>...</think> block and trims
// the result, the non-streaming counterpart to the streaming state machine
// in stream.go.
func StripThinkTags(content string) string {
	return strings.TrimSpace(thinkTagPattern.ReplaceAllString(content, ""))
}

// standardTopLevelKeys/standardMessageKeys are the exact field sets
// sanitize_openai_response keeps, dropping any upstream-specific extras
// before the response is relayed to the caller.
var standardTopLevelKeys = map[string]bool{
	"id": true, "object": true, "created": true, "model": true,
	"choices": true, "usage": true, "system_fingerprint": true,
}

var standardMessageKeys = map[string]bool{
	"role": true, "content": true, "tool_calls": true, "function_call": true, "name": true,
}

// SanitizeResponse filters a raw upstream response map down to standard
// OpenAI fields and strips <think> blocks from each choice's message content.
func SanitizeResponse(raw map[string]any) map[string]any {
	sanitized := make(map[string]any, len(standardTopLevelKeys))
	for k, v := range raw {
		if standardTopLevelKeys[k] {
			sanitized[k] = v
		}
	}

	choices, ok := sanitized["choices"].([]any)
	if !ok {
		return sanitized
	}
	for _, c := range choices {
		choice, ok := c.(map[string]any)
		if !ok {
			continue
		}
		msgRaw, ok := choice["message"]
		if !ok {
			continue
		}
		msg, ok := msgRaw.(map[string]any)
		if !ok {
			continue
		}
		filtered := make(map[string]any, len(standardMessageKeys))
		for k, v := range msg {
			if standardMessageKeys[k] {
				filtered[k] = v
			}
		}
		if content, ok := filtered["content"].(string); ok && content != "" {
			filtered["content"] = StripThinkTags(content)
		}
		choice["message"] = filtered
	}
	return sanitized
}
