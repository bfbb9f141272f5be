package normalize

// StreamNormalizer is the capability set every normalizer variant exposes
// (spec §4.4, and the "polymorphism over executors" guidance in §7:
// dispatch via a small interface rather than a deep hierarchy).
type StreamNormalizer interface {
	FeedStdout(chunk []byte) error
	FeedStderr(chunk []byte)
	Flush()
}

// jsonlWithStderr adapts a JSONLNormalizer (stdout-only) plus a plain-text
// processor for stderr noise into a single StreamNormalizer — the shape
// most non-Cursor JSONL agents actually need (spec §4.4 "(a)" covers
// stdout; stderr banners/diagnostics fall back to "(b)").
type jsonlWithStderr struct {
	stdout *JSONLNormalizer
	stderr *PlainTextProcessor
}

func (j *jsonlWithStderr) FeedStdout(chunk []byte) error { return j.stdout.Feed(chunk) }
func (j *jsonlWithStderr) FeedStderr(chunk []byte)       { j.stderr.Feed(chunk) }
func (j *jsonlWithStderr) Flush()                        { j.stderr.Flush() }

// NewJSONLWithStderr builds a StreamNormalizer combining JSONL stdout
// parsing with plain-text stderr handling, sharing one EntryIndexProvider
// and Sink across both substreams.
func NewJSONLWithStderr(decode LineDecoder, worktreeRoot string, index *EntryIndexProvider, sink Sink) StreamNormalizer {
	stderrCfg := PlainTextConfig{
		NormalizedEntryProducer: func(content string) NormalizedEntry {
			return NormalizedEntry{EntryType: EntrySystemMessage, Content: content}
		},
	}
	return &jsonlWithStderr{
		stdout: NewJSONLNormalizer(decode, worktreeRoot, index, sink),
		stderr: NewPlainTextProcessor(stderrCfg, index, sink),
	}
}

// plainTextBoth routes both substreams through one PlainTextProcessor,
// used for plain scripts (setup/cleanup) with no structured agent output.
type plainTextBoth struct {
	proc *PlainTextProcessor
}

func (p *plainTextBoth) FeedStdout(chunk []byte) error { p.proc.Feed(chunk); return nil }
func (p *plainTextBoth) FeedStderr(chunk []byte)       { p.proc.Feed(chunk) }
func (p *plainTextBoth) Flush()                        { p.proc.Flush() }

// NewPlainTextOnly builds a StreamNormalizer that treats every byte from
// either substream as plain text (spec §4.4 "(b)"), for run reasons with
// no structured wire format (setup/cleanup scripts).
func NewPlainTextOnly(entryType EntryType, index *EntryIndexProvider, sink Sink) StreamNormalizer {
	cfg := PlainTextConfig{
		NormalizedEntryProducer: func(content string) NormalizedEntry {
			return NormalizedEntry{EntryType: entryType, Content: content}
		},
	}
	return &plainTextBoth{proc: NewPlainTextProcessor(cfg, index, sink)}
}

// cursorAdapter adapts CursorNormalizer (spec §4.4 "(c)") to StreamNormalizer.
type cursorAdapter struct{ c *CursorNormalizer }

func (a *cursorAdapter) FeedStdout(chunk []byte) error { return a.c.FeedStdout(chunk) }
func (a *cursorAdapter) FeedStderr(chunk []byte)       { a.c.FeedStderr(chunk) }
func (a *cursorAdapter) Flush()                        { a.c.Flush() }

// NewCursorStreamNormalizer wraps NewCursorNormalizer as a StreamNormalizer.
func NewCursorStreamNormalizer(decode LineDecoder, worktreeRoot string, index *EntryIndexProvider, sink Sink) StreamNormalizer {
	return &cursorAdapter{c: NewCursorNormalizer(decode, worktreeRoot, index, sink)}
}
