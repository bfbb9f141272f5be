package normalize

import (
	"strings"
	"time"

	"github.com/attemptengine/attemptd/internal/msgstore"
)

// DefaultSizeThreshold is the default size_threshold used when a
// PlainTextProcessor is configured with neither SizeThreshold nor TimeGap
// (spec §4.4 "(b) Plain-text processor").
const DefaultSizeThreshold = 8 * 1024

// SplitDecision is the result of a MessageBoundaryPredicate.
type SplitDecision struct {
	Split            bool // true: split off the first N lines as a complete message
	N                int
	IncompleteContent bool // true: the buffered lines are not yet a complete message
}

// PlainTextConfig configures a PlainTextProcessor per spec §4.4 "(b)".
type PlainTextConfig struct {
	// NormalizedEntryProducer builds a NormalizedEntry from drained
	// content. Required.
	NormalizedEntryProducer func(content string) NormalizedEntry

	// SizeThreshold and/or TimeGap — at least one must be set (enforced
	// by NewPlainTextProcessor defaulting SizeThreshold when both are zero).
	SizeThreshold int
	TimeGap       time.Duration

	// FormatChunk optionally reformats an incoming chunk before it is
	// split into lines, given any previously-buffered partial line.
	FormatChunk func(prevPartial string, chunk string) string

	// TransformLines optionally filters/rewrites the buffered lines
	// in place (e.g. dropping banners).
	TransformLines func(lines []string) []string

	// MessageBoundaryPredicate optionally detects a complete message
	// boundary (e.g. a tool-call marker) within the buffered lines.
	MessageBoundaryPredicate func(lines []string) SplitDecision
}

// PlainTextProcessor is the reusable line-clustered processor described in
// spec §4.4 "(b)". It is not safe for concurrent use — one goroutine per
// substream.
type PlainTextProcessor struct {
	cfg   PlainTextConfig
	index *EntryIndexProvider
	sink  Sink

	lines       []string
	partial     string
	lastIngest  time.Time
	streamIdx   int
	haveStream  bool
}

// NewPlainTextProcessor constructs a processor. If cfg has neither
// SizeThreshold nor TimeGap set, SizeThreshold defaults to 8 KiB.
func NewPlainTextProcessor(cfg PlainTextConfig, index *EntryIndexProvider, sink Sink) *PlainTextProcessor {
	if cfg.SizeThreshold == 0 && cfg.TimeGap == 0 {
		cfg.SizeThreshold = DefaultSizeThreshold
	}
	return &PlainTextProcessor{cfg: cfg, index: index, sink: sink}
}

// Feed ingests one chunk of raw bytes.
func (p *PlainTextProcessor) Feed(chunk []byte) {
	now := time.Now()
	if p.cfg.TimeGap > 0 && !p.lastIngest.IsZero() && now.Sub(p.lastIngest) > p.cfg.TimeGap {
		p.flushBuffer()
	}
	p.lastIngest = now

	text := string(chunk)
	if p.cfg.FormatChunk != nil {
		text = p.cfg.FormatChunk(p.partial, text)
	}

	combined := p.partial + text
	parts := strings.Split(combined, "\n")
	p.partial = parts[len(parts)-1]
	newLines := parts[:len(parts)-1]
	p.lines = append(p.lines, newLines...)

	if p.cfg.TransformLines != nil {
		p.lines = p.cfg.TransformLines(p.lines)
	}

	if p.cfg.MessageBoundaryPredicate != nil {
		for {
			decision := p.cfg.MessageBoundaryPredicate(p.lines)
			if decision.IncompleteContent || !decision.Split {
				break
			}
			if decision.N <= 0 || decision.N > len(p.lines) {
				break
			}
			p.drainEntry(strings.Join(p.lines[:decision.N], "\n"))
			p.lines = p.lines[decision.N:]
		}
	}

	p.drainBySizeIfNeeded()
	p.publishStreamingPartial()
}

func (p *PlainTextProcessor) drainBySizeIfNeeded() {
	if p.cfg.SizeThreshold <= 0 {
		return
	}
	for bufferedSize(p.lines) >= p.cfg.SizeThreshold {
		// Drain on a line boundary: take as many whole lines as fit.
		n := 0
		size := 0
		for n < len(p.lines) {
			size += len(p.lines[n]) + 1
			n++
			if size >= p.cfg.SizeThreshold {
				break
			}
		}
		if n == 0 {
			break
		}
		p.drainEntry(strings.Join(p.lines[:n], "\n"))
		p.lines = p.lines[n:]
	}
}

func bufferedSize(lines []string) int {
	n := 0
	for _, l := range lines {
		n += len(l) + 1
	}
	return n
}

// flushBuffer drains whatever is currently buffered (lines plus partial)
// as a single entry, used when a time_gap elapses (spec §4.4 "(b)").
func (p *PlainTextProcessor) flushBuffer() {
	content := strings.Join(p.lines, "\n")
	if p.partial != "" {
		if content != "" {
			content += "\n"
		}
		content += p.partial
	}
	if content == "" {
		return
	}
	p.drainEntry(content)
	p.lines = nil
	p.partial = ""
	p.retractStreamingPartial()
}

func (p *PlainTextProcessor) drainEntry(content string) {
	if content == "" {
		return
	}
	p.retractStreamingPartial()
	entry := p.cfg.NormalizedEntryProducer(content)
	if entry.Timestamp == nil {
		now := time.Now()
		entry.Timestamp = &now
	}
	idx := p.index.Next()
	p.sink.PushPatch([]msgstore.PatchOp{mustOp(addPatch(idx, entry))})
}

// publishStreamingPartial publishes (or updates) a streaming `replace`
// patch for the trailing partial content so subscribers see live progress
// before it is terminated by a boundary (spec §4.4 "(b)" final sentence).
func (p *PlainTextProcessor) publishStreamingPartial() {
	trailing := strings.Join(p.lines, "\n")
	if p.partial != "" {
		if trailing != "" {
			trailing += "\n"
		}
		trailing += p.partial
	}
	if trailing == "" {
		return
	}
	entry := p.cfg.NormalizedEntryProducer(trailing)
	if entry.Timestamp == nil {
		now := time.Now()
		entry.Timestamp = &now
	}
	if !p.haveStream {
		p.haveStream = true
		p.streamIdx = p.index.Next()
		p.sink.PushPatch([]msgstore.PatchOp{mustOp(addPatch(p.streamIdx, entry))})
		return
	}
	p.sink.PushPatch([]msgstore.PatchOp{mustOp(replacePatch(p.streamIdx, entry))})
}

// retractStreamingPartial marks the live streaming-partial entry as
// settled so the next partial publish allocates a fresh index rather than
// overwriting content that has already been drained as a real entry.
func (p *PlainTextProcessor) retractStreamingPartial() {
	p.haveStream = false
}

// Flush forces any remaining buffered content out as a final entry, e.g.
// when the underlying process finishes mid-line.
func (p *PlainTextProcessor) Flush() {
	p.flushBuffer()
}
