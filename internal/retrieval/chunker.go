package retrieval

import (
	"strings"
)

// Chunker splits corpus documents into overlapping segments sized for
// embedding. Splits prefer paragraph then sentence boundaries; a hard cut
// only happens inside a single run of unbroken text.
type Chunker struct {
	chunkSize int
	overlap   int
}

// NewChunker creates a chunker. size <= 0 defaults to 500, overlap to 50.
// Overlap is clamped below size.
func NewChunker(size, overlap int) *Chunker {
	if size <= 0 {
		size = 500
	}
	if overlap < 0 {
		overlap = 50
	}
	if overlap >= size {
		overlap = size / 4
	}
	return &Chunker{chunkSize: size, overlap: overlap}
}

// Split breaks text into chunks. Whitespace-only input yields no chunks.
func (c *Chunker) Split(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len(text) <= c.chunkSize {
		return []string{text}
	}

	var chunks []string
	start := 0
	for start < len(text) {
		end := start + c.chunkSize
		if end >= len(text) {
			chunk := strings.TrimSpace(text[start:])
			if chunk != "" {
				chunks = append(chunks, chunk)
			}
			break
		}

		cut := findBreak(text, start, end)
		chunk := strings.TrimSpace(text[start:cut])
		if chunk != "" {
			chunks = append(chunks, chunk)
		}

		next := cut - c.overlap
		if next <= start {
			next = cut
		}
		start = next
	}
	return chunks
}

// findBreak picks the best split point at or before end: paragraph break,
// then sentence end, then word boundary, then the hard limit.
func findBreak(text string, start, end int) int {
	window := text[start:end]

	if i := strings.LastIndex(window, "\n\n"); i > len(window)/2 {
		return start + i + 2
	}
	for _, sep := range []string{". ", "! ", "? ", ".\n"} {
		if i := strings.LastIndex(window, sep); i > len(window)/2 {
			return start + i + len(sep)
		}
	}
	if i := strings.LastIndexByte(window, ' '); i > len(window)/2 {
		return start + i + 1
	}
	return end
}
