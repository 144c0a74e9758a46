package channels

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestChunkShortMessage(t *testing.T) {
	c := NewMessageChunker(100)
	chunks := c.Chunk("hello")
	if len(chunks) != 1 || chunks[0] != "hello" {
		t.Fatalf("chunks = %v", chunks)
	}
	if c.Chunk("") != nil {
		t.Fatal("empty input should produce no chunks")
	}
}

func TestChunkRespectsCodePointLimit(t *testing.T) {
	c := NewMessageChunker(50)
	text := strings.Repeat("word ", 100)
	for i, chunk := range c.Chunk(text) {
		if n := utf8.RuneCountInString(chunk); n > 50 {
			t.Fatalf("chunk %d has %d code points", i, n)
		}
	}
}

func TestChunkPrefersParagraphBreaks(t *testing.T) {
	c := NewMessageChunker(30)
	text := "first paragraph here\n\nsecond paragraph follows after"
	chunks := c.Chunk(text)
	if len(chunks) < 2 {
		t.Fatalf("chunks = %v", chunks)
	}
	if chunks[0] != "first paragraph here" {
		t.Fatalf("first chunk = %q", chunks[0])
	}
}

func TestChunkCountsCodePointsNotBytes(t *testing.T) {
	// Four-byte runes: a limit of 10 code points is 40 bytes.
	c := NewMessageChunker(10)
	text := strings.Repeat("\U0001F600", 25)
	chunks := c.Chunk(text)
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(chunks))
	}
	for i, chunk := range chunks {
		if n := utf8.RuneCountInString(chunk); n > 10 {
			t.Fatalf("chunk %d has %d code points", i, n)
		}
	}
}

func TestChunkReassemblesAllWords(t *testing.T) {
	c := NewMessageChunker(40)
	text := "alpha beta gamma delta epsilon zeta eta theta iota kappa"
	joined := strings.Join(c.Chunk(text), " ")
	for _, word := range strings.Fields(text) {
		if !strings.Contains(joined, word) {
			t.Fatalf("word %q lost in chunking", word)
		}
	}
}

func TestChunkHardSplitWithoutBoundaries(t *testing.T) {
	c := NewMessageChunker(16)
	text := strings.Repeat("x", 50)
	chunks := c.Chunk(text)
	if len(chunks) != 4 {
		t.Fatalf("got %d chunks, want 4", len(chunks))
	}
	total := 0
	for _, chunk := range chunks {
		total += len(chunk)
	}
	if total != 50 {
		t.Fatalf("total length = %d, want 50", total)
	}
}
