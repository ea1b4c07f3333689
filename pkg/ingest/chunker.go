package ingest

import (
	"strings"

	"github.com/pkoukk/tiktoken-go"

	"github.com/sagekb/sage/pkg/logger"
)

const chunkEncoding = "cl100k_base"

// Chunker splits text into overlapping windows measured in tokens. When the
// tokenizer data cannot be loaded (offline environments), it degrades to a
// rune window scaled by the usual four-characters-per-token estimate.
type Chunker struct {
	enc     *tiktoken.Tiktoken
	size    int
	overlap int
}

func NewChunker(size, overlap int) *Chunker {
	enc, err := tiktoken.GetEncoding(chunkEncoding)
	if err != nil {
		logger.Component("ingest").Warn("tokenizer unavailable, chunking by runes", "error", err)
		enc = nil
	}
	return &Chunker{enc: enc, size: size, overlap: overlap}
}

// Chunk returns the overlapping windows of text. Whitespace-only input
// yields no chunks.
func (c *Chunker) Chunk(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if c.enc == nil {
		return c.chunkRunes(text)
	}

	tokens := c.enc.Encode(text, nil, nil)
	if len(tokens) <= c.size {
		return []string{text}
	}

	stride := c.size - c.overlap
	var chunks []string
	for start := 0; start < len(tokens); start += stride {
		end := start + c.size
		if end > len(tokens) {
			end = len(tokens)
		}
		chunks = append(chunks, c.enc.Decode(tokens[start:end]))
		if end == len(tokens) {
			break
		}
	}
	return chunks
}

func (c *Chunker) chunkRunes(text string) []string {
	runes := []rune(text)
	size := c.size * 4
	overlap := c.overlap * 4
	if len(runes) <= size {
		return []string{text}
	}

	stride := size - overlap
	var chunks []string
	for start := 0; start < len(runes); start += stride {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
		if end == len(runes) {
			break
		}
	}
	return chunks
}
