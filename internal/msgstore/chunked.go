package msgstore

import "bytes"

// DefaultChunkSize is the target size, in bytes, of one durable chunk
// written to disk for a stdout/stderr substream (spec §4.3 "Chunked
// durable storage").
const DefaultChunkSize = 64 * 1024

// ChunkWriter splits an unbounded byte stream into bounded chunks for
// durable storage, preferring to split on a line boundary, falling back to
// a sentence boundary, then a word boundary, and finally a hard cut if the
// buffered data exceeds the target size with no natural boundary at all.
type ChunkWriter struct {
	chunkSize int
	buf       []byte
	chunks    [][]byte
}

// NewChunkWriter constructs a ChunkWriter targeting chunkSize-byte chunks.
// A non-positive chunkSize falls back to DefaultChunkSize.
func NewChunkWriter(chunkSize int) *ChunkWriter {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &ChunkWriter{chunkSize: chunkSize}
}

// Write buffers p and flushes any chunk boundaries found. It never
// returns an error — the signature matches io.Writer for convenience.
func (c *ChunkWriter) Write(p []byte) (int, error) {
	c.buf = append(c.buf, p...)
	for len(c.buf) >= c.chunkSize {
		cut := findBoundary(c.buf, c.chunkSize)
		c.chunks = append(c.chunks, c.buf[:cut])
		c.buf = c.buf[cut:]
	}
	return len(p), nil
}

// findBoundary locates the best split point at or before target within
// buf, preferring (in order) a newline, a sentence-ending punctuation run,
// a space, and finally the hard target offset itself.
func findBoundary(buf []byte, target int) int {
	if target >= len(buf) {
		return len(buf)
	}
	window := buf[:target]

	if i := bytes.LastIndexByte(window, '\n'); i >= 0 {
		return i + 1
	}
	for _, sep := range []byte{'.', '!', '?'} {
		if i := bytes.LastIndexByte(window, sep); i >= 0 {
			return i + 1
		}
	}
	if i := bytes.LastIndexByte(window, ' '); i >= 0 {
		return i + 1
	}
	return target
}

// Flush forces any remaining buffered bytes into a final (possibly
// undersized) chunk, e.g. when the execution finishes mid-line.
func (c *ChunkWriter) Flush() {
	if len(c.buf) == 0 {
		return
	}
	c.chunks = append(c.chunks, c.buf)
	c.buf = nil
}

// Chunks returns every chunk produced so far, in order.
func (c *ChunkWriter) Chunks() [][]byte {
	return c.chunks
}
