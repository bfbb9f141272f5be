package normalize

import "bytes"

// cursorBanner is the ASCII-art banner Cursor-style agents print once at
// startup on stderr before any useful diagnostic content (spec §4.4 "(c)
// Special-purpose agents").
var cursorBanner = []byte("cursor-agent\n")

// CursorNormalizer combines the JSONL strategy for an agent's stdout with
// the plain-text processor for its stderr/banner noise, stripping a known
// banner prefix once (spec §4.4 "(c)").
type CursorNormalizer struct {
	stdout *JSONLNormalizer
	stderr *PlainTextProcessor

	bannerBuf      []byte
	bannerDone     bool
	bannerMaxPeek  int
}

// NewCursorNormalizer constructs a CursorNormalizer. decode recognizes the
// agent's stdout JSONL schema; index and sink are shared across both
// substreams so entry numbering interleaves correctly.
func NewCursorNormalizer(decode LineDecoder, worktreeRoot string, index *EntryIndexProvider, sink Sink) *CursorNormalizer {
	stderrCfg := PlainTextConfig{
		NormalizedEntryProducer: func(content string) NormalizedEntry {
			return NormalizedEntry{EntryType: EntrySystemMessage, Content: content}
		},
		TimeGap: 0,
	}
	return &CursorNormalizer{
		stdout:        NewJSONLNormalizer(decode, worktreeRoot, index, sink),
		stderr:        NewPlainTextProcessor(stderrCfg, index, sink),
		bannerMaxPeek: len(cursorBanner) + 256,
	}
}

// FeedStdout forwards a stdout chunk to the JSONL half.
func (c *CursorNormalizer) FeedStdout(chunk []byte) error {
	return c.stdout.Feed(chunk)
}

// FeedStderr forwards a stderr chunk to the plain-text half, after
// stripping the banner once it appears at the very start of the stream.
func (c *CursorNormalizer) FeedStderr(chunk []byte) {
	if c.bannerDone {
		c.stderr.Feed(chunk)
		return
	}

	c.bannerBuf = append(c.bannerBuf, chunk...)
	if bytes.HasPrefix(c.bannerBuf, cursorBanner) {
		rest := c.bannerBuf[len(cursorBanner):]
		c.bannerDone = true
		c.bannerBuf = nil
		if len(rest) > 0 {
			c.stderr.Feed(rest)
		}
		return
	}

	// No banner match yet; once we've peeked far enough without finding
	// it, give up waiting and flush everything buffered so far as normal
	// stderr content.
	if len(c.bannerBuf) >= c.bannerMaxPeek {
		c.bannerDone = true
		buf := c.bannerBuf
		c.bannerBuf = nil
		c.stderr.Feed(buf)
	}
}

// Flush drains any remaining buffered content on both substreams.
func (c *CursorNormalizer) Flush() {
	if !c.bannerDone && len(c.bannerBuf) > 0 {
		c.stderr.Feed(c.bannerBuf)
		c.bannerBuf = nil
	}
	c.stderr.Flush()
}
