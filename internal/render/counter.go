// Package render formats conversations for text surfaces (terminal, chat
// adapters) and measures them in model tokens.
package render

import (
	"log/slog"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"

	"github.com/user/resumechat/internal/types"
)

// Counter measures text in model tokens.
type Counter struct {
	tokenizer *tiktoken.Tiktoken
}

// NewCounter returns a Counter for model. When no encoding can be loaded the
// counter estimates from rune counts instead of failing.
func NewCounter(model string) *Counter {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			slog.Warn("tokenizer unavailable, estimating token counts", "model", model, "error", err)
			return &Counter{}
		}
	}
	return &Counter{tokenizer: enc}
}

// Count returns the token count of text.
func (c *Counter) Count(text string) int {
	if text == "" {
		return 0
	}
	if c.tokenizer == nil {
		// about four characters per token
		n := utf8.RuneCountInString(text)
		return (n + 3) / 4
	}
	return len(c.tokenizer.Encode(text, nil, nil))
}

// Stats summarises a conversation's size.
type Stats struct {
	Messages        int
	UserTokens      int
	AssistantTokens int
}

// Total is the token count over all messages.
func (s Stats) Total() int {
	return s.UserTokens + s.AssistantTokens
}

// Stats counts the visible content of msgs. Hidden data is not counted.
func (c *Counter) Stats(msgs []types.Message) Stats {
	var s Stats
	for _, m := range msgs {
		switch m.Role {
		case types.RoleUser:
			s.UserTokens += c.Count(m.Content)
		case types.RoleAssistant:
			s.AssistantTokens += c.Count(m.Content)
		default:
			continue
		}
		s.Messages++
	}
	return s
}

// Tail returns the newest messages whose combined size fits in budget
// tokens. A budget of zero or less returns msgs unchanged. The newest message
// is always kept.
func (c *Counter) Tail(msgs []types.Message, budget int) []types.Message {
	if budget <= 0 || len(msgs) == 0 {
		return msgs
	}
	used := 0
	start := len(msgs)
	for i := len(msgs) - 1; i >= 0; i-- {
		n := c.Count(msgs[i].Content)
		if used+n > budget && start < len(msgs) {
			break
		}
		used += n
		start = i
	}
	return msgs[start:]
}
