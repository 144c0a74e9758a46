package channels

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// TelegramMaxCodePoints is Telegram's per-message text limit.
const TelegramMaxCodePoints = 4096

// DiscordMaxCodePoints is Discord's per-message text limit.
const DiscordMaxCodePoints = 2000

// MessageChunker splits long messages into platform-sized pieces. Limits
// are measured in Unicode code points, not bytes. Break points are tried
// in order: paragraph break, single newline, sentence end, word boundary,
// then a hard split at the limit.
type MessageChunker struct {
	// MaxCodePoints is the per-chunk limit.
	MaxCodePoints int
}

// NewMessageChunker creates a chunker with the given code point limit.
func NewMessageChunker(maxCodePoints int) *MessageChunker {
	if maxCodePoints <= 0 {
		maxCodePoints = TelegramMaxCodePoints
	}
	return &MessageChunker{MaxCodePoints: maxCodePoints}
}

// ChunkerFor creates a chunker sized by the platform capabilities.
func ChunkerFor(caps Capabilities) *MessageChunker {
	return NewMessageChunker(caps.MaxMessageCodePoints)
}

// Chunk splits text into pieces of at most MaxCodePoints code points.
func (c *MessageChunker) Chunk(text string) []string {
	if text == "" {
		return nil
	}
	if utf8.RuneCountInString(text) <= c.MaxCodePoints {
		return []string{text}
	}

	var chunks []string
	remaining := text
	for utf8.RuneCountInString(remaining) > c.MaxCodePoints {
		breakIdx := c.findBreakPoint(remaining)
		chunk := strings.TrimRightFunc(remaining[:breakIdx], unicode.IsSpace)
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		remaining = strings.TrimLeftFunc(remaining[breakIdx:], unicode.IsSpace)
	}
	if remaining = strings.TrimSpace(remaining); remaining != "" {
		chunks = append(chunks, remaining)
	}
	return chunks
}

// findBreakPoint returns the byte offset of the best break within the
// first MaxCodePoints code points of text.
func (c *MessageChunker) findBreakPoint(text string) int {
	limit := byteOffsetOfCodePoint(text, c.MaxCodePoints)
	window := text[:limit]

	if idx := strings.LastIndex(window, "\n\n"); idx > 0 {
		return idx + 1
	}
	if idx := strings.LastIndex(window, "\n"); idx > 0 {
		return idx + 1
	}
	for _, ending := range []string{". ", "! ", "? "} {
		if idx := strings.LastIndex(window, ending); idx > 0 {
			return idx + 1
		}
	}
	if idx := strings.LastIndexFunc(window, unicode.IsSpace); idx > 0 {
		return idx
	}
	return limit
}

// byteOffsetOfCodePoint maps a code point count to a byte offset,
// clamped to len(s).
func byteOffsetOfCodePoint(s string, n int) int {
	count := 0
	for i := range s {
		if count == n {
			return i
		}
		count++
	}
	return len(s)
}
