package dialect

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	thinkOpenTag  = "<think>"
	thinkCloseTag = "</think>"
)

// ThinkFilter is a stateful think-tag stripper for streaming chunks, needed
// because a chunk boundary can fall in the middle of "<think>" or
// "</think>" — something the Python original's best-effort per-chunk regex
// (filter_think_tag_from_chunk) explicitly could not handle and left as a
// known limitation. This keeps a small pending buffer across Feed calls so
// a split tag is recognized once the rest of it arrives.
type ThinkFilter struct {
	insideThink bool
	pending     string
}

// Feed appends chunk to any pending partial-tag bytes and returns the text
// that should be emitted to the caller now (with any complete <think>
// blocks removed) plus the new pending remainder to hold for the next call.
func (f *ThinkFilter) Feed(chunk string) string {
	buf := f.pending + chunk
	f.pending = ""
	var out strings.Builder

	for {
		if !f.insideThink {
			idx := strings.Index(buf, thinkOpenTag)
			if idx == -1 {
				if keep := suffixMatchingPrefix(buf, thinkOpenTag); keep > 0 {
					out.WriteString(buf[:len(buf)-keep])
					f.pending = buf[len(buf)-keep:]
				} else {
					out.WriteString(buf)
				}
				return out.String()
			}
			out.WriteString(buf[:idx])
			buf = buf[idx+len(thinkOpenTag):]
			f.insideThink = true
			continue
		}

		idx := strings.Index(buf, thinkCloseTag)
		if idx == -1 {
			if keep := suffixMatchingPrefix(buf, thinkCloseTag); keep > 0 {
				f.pending = buf[len(buf)-keep:]
			}
			return out.String()
		}
		buf = buf[idx+len(thinkCloseTag):]
		f.insideThink = false
	}
}

// suffixMatchingPrefix returns the length of the longest suffix of s that is
// a prefix of tag, so a tag split across chunk boundaries is held back
// instead of being emitted as ordinary text.
func suffixMatchingPrefix(s, tag string) int {
	max := len(tag) - 1
	if max > len(s) {
		max = len(s)
	}
	for n := max; n > 0; n-- {
		if strings.HasSuffix(s, tag[:n]) {
			return n
		}
	}
	return 0
}

// SSEChatDelta is the shape of one upstream D-chat streaming chunk's JSON payload.
type SSEChatDelta struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

// AnthropicSynthesizer turns a stream of D-chat SSE "data: " lines into the
// fixed Anthropic SSE frame skeleton (message_start, content_block_start,
// content_block_delta*, content_block_stop, message_delta, message_stop),
// grounded on messages_proxy()'s streaming synthesizer.
type AnthropicSynthesizer struct {
	messageID   string
	model       string
	started     bool
	blockOpened bool
	filter      ThinkFilter
}

func NewAnthropicSynthesizer(messageID, model string) *AnthropicSynthesizer {
	return &AnthropicSynthesizer{messageID: messageID, model: model}
}

// Start returns the message_start and content_block_start frames, emitted
// once before any delta.
func (s *AnthropicSynthesizer) Start() []string {
	s.started = true
	s.blockOpened = true
	start := map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id":    s.messageID,
			"type":  "message",
			"role":  "assistant",
			"model": s.model,
			"content": []any{},
			"usage": map[string]any{"input_tokens": 0, "output_tokens": 0},
		},
	}
	blockStart := map[string]any{
		"type":          "content_block_start",
		"index":         0,
		"content_block": map[string]any{"type": "text", "text": ""},
	}
	return []string{sseFrame("message_start", start), sseFrame("content_block_start", blockStart)}
}

// FeedChatChunk consumes one raw "data: {...}" payload from the upstream
// D-chat stream and returns zero or more Anthropic SSE frames to emit.
func (s *AnthropicSynthesizer) FeedChatChunk(payload []byte) ([]string, error) {
	if !s.started {
		return nil, fmt.Errorf("dialect: synthesizer not started")
	}
	var delta SSEChatDelta
	if err := json.Unmarshal(payload, &delta); err != nil {
		return nil, fmt.Errorf("dialect: decode chat chunk: %w", err)
	}
	var frames []string
	for _, c := range delta.Choices {
		if c.Delta.Content != "" {
			text := s.filter.Feed(c.Delta.Content)
			if text != "" {
				frames = append(frames, sseFrame("content_block_delta", map[string]any{
					"type":  "content_block_delta",
					"index": 0,
					"delta": map[string]any{"type": "text_delta", "text": text},
				}))
			}
		}
	}
	return frames, nil
}

// Stop returns the content_block_stop, message_delta and message_stop
// closing frames.
func (s *AnthropicSynthesizer) Stop(stopReason string) []string {
	var frames []string
	if s.blockOpened {
		frames = append(frames, sseFrame("content_block_stop", map[string]any{
			"type": "content_block_stop", "index": 0,
		}))
	}
	frames = append(frames,
		sseFrame("message_delta", map[string]any{
			"type":  "message_delta",
			"delta": map[string]any{"stop_reason": mapFinishReason(stopReason)},
		}),
		sseFrame("message_stop", map[string]any{"type": "message_stop"}),
	)
	return frames
}

func sseFrame(event string, data any) string {
	b, err := json.Marshal(data)
	if err != nil {
		b = []byte(`{}`)
	}
	return fmt.Sprintf("event: %s\ndata: %s\n\n", event, b)
}
