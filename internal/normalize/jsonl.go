package normalize

import (
	"bytes"
	"encoding/json"
	"regexp"
	"time"

	"github.com/attemptengine/attemptd/internal/msgstore"
)

// ansiEscape strips terminal escape sequences before a line is judged to
// be non-JSON (spec §4.4 "(a) JSONL", final sentence).
var ansiEscape = regexp.MustCompile("\x1b\\[[0-9;]*[a-zA-Z]")

func stripANSI(b []byte) []byte {
	return ansiEscape.ReplaceAll(b, nil)
}

// JSONLEvent is the minimal shape a JSONLNormalizer needs to recognize in
// an agent's one-JSON-object-per-line stream. LineDecoder implementations
// translate an agent's concrete wire format into this shape.
type JSONLEvent struct {
	SessionID      string // non-empty on the line that first carries session_id/threadID
	AssistantDelta string // non-empty when this line appends to the current assistant turn
	AssistantDone  bool   // true when this line closes the current assistant turn
	ToolUse        *ToolUseMetadata
	Ignore         bool // e.g. "result", "token-usage" — silently skipped
	Erroneous      bool // malformed-but-parseable content worth surfacing as SystemMessage
	Raw            json.RawMessage
}

// LineDecoder turns one JSONL line (ANSI already stripped) into a
// JSONLEvent, or returns ok=false if the line is not valid JSON for this
// agent's schema.
type LineDecoder func(line []byte) (ev JSONLEvent, ok bool)

// JSONLNormalizer implements strategy (a) from spec §4.4: parse each line
// of an agent's stdout into a typed event, coalescing consecutive
// assistant-message chunks into `replace` patches on a single entry.
type JSONLNormalizer struct {
	decode        LineDecoder
	worktreeRoot  string
	index         *EntryIndexProvider
	sink          Sink
	partialLine   []byte
	assistantIdx  int
	assistantText string
	inAssistant   bool
	sawSessionID  bool
}

// NewJSONLNormalizer constructs a JSONLNormalizer. worktreeRoot is used to
// relativize file paths found in tool-use metadata; index seeds entry
// numbering so replay and live streams agree.
func NewJSONLNormalizer(decode LineDecoder, worktreeRoot string, index *EntryIndexProvider, sink Sink) *JSONLNormalizer {
	return &JSONLNormalizer{decode: decode, worktreeRoot: worktreeRoot, index: index, sink: sink}
}

// Feed processes one chunk of raw stdout bytes, buffering any trailing
// partial line until it is terminated by a newline.
func (n *JSONLNormalizer) Feed(chunk []byte) error {
	n.partialLine = append(n.partialLine, chunk...)
	for {
		i := bytes.IndexByte(n.partialLine, '\n')
		if i < 0 {
			break
		}
		line := n.partialLine[:i]
		n.partialLine = n.partialLine[i+1:]
		if err := n.processLine(line); err != nil {
			return err
		}
	}
	return nil
}

func (n *JSONLNormalizer) processLine(rawLine []byte) error {
	line := bytes.TrimSpace(stripANSI(rawLine))
	if len(line) == 0 {
		return nil
	}

	ev, ok := n.decode(line)
	if !ok {
		return n.emit(NormalizedEntry{EntryType: EntrySystemMessage, Content: string(line)})
	}
	if ev.Ignore {
		return nil
	}
	if ev.Erroneous {
		return n.emit(NormalizedEntry{EntryType: EntrySystemMessage, Content: string(line), Metadata: ev.Raw})
	}

	if ev.SessionID != "" && !n.sawSessionID {
		n.sawSessionID = true
		n.sink.PushPatch([]msgstore.PatchOp{mustOp(sessionIDPatch(ev.SessionID))})
		n.sink.PushSessionID(ev.SessionID)
	}

	if ev.AssistantDelta != "" {
		return n.appendAssistant(ev.AssistantDelta, ev.AssistantDone)
	}
	if n.inAssistant {
		n.closeAssistant()
	}
	if ev.AssistantDone && ev.AssistantDelta == "" {
		return nil
	}

	if ev.ToolUse != nil {
		tu := *ev.ToolUse
		tu.Path = relativize(n.worktreeRoot, tu.Path)
		meta, err := json.Marshal(tu)
		if err != nil {
			return err
		}
		return n.emit(NormalizedEntry{EntryType: EntryToolUse, Content: summarizeToolUse(tu), Metadata: meta})
	}

	return nil
}

func (n *JSONLNormalizer) appendAssistant(delta string, done bool) error {
	now := time.Now()
	if !n.inAssistant {
		n.inAssistant = true
		n.assistantIdx = n.index.Next()
		n.assistantText = delta
		n.sink.PushPatch([]msgstore.PatchOp{mustOp(addPatch(n.assistantIdx, NormalizedEntry{
			Timestamp: &now, EntryType: EntryAssistantMessage, Content: n.assistantText,
		}))})
	} else {
		n.assistantText += delta
		n.sink.PushPatch([]msgstore.PatchOp{mustOp(replacePatch(n.assistantIdx, NormalizedEntry{
			Timestamp: &now, EntryType: EntryAssistantMessage, Content: n.assistantText,
		}))})
	}
	if done {
		n.closeAssistant()
	}
	return nil
}

func (n *JSONLNormalizer) closeAssistant() {
	n.inAssistant = false
	n.assistantText = ""
}

func (n *JSONLNormalizer) emit(entry NormalizedEntry) error {
	if entry.Timestamp == nil {
		now := time.Now()
		entry.Timestamp = &now
	}
	idx := n.index.Next()
	n.sink.PushPatch([]msgstore.PatchOp{mustOp(addPatch(idx, entry))})
	return nil
}

func mustOp(op msgstore.PatchOp, err error) msgstore.PatchOp {
	if err != nil {
		// Marshaling a struct built entirely of strings/slices cannot
		// fail; a panic here means a caller added a field json cannot
		// encode, which is a programming error worth surfacing loudly.
		panic(err)
	}
	return op
}

func summarizeToolUse(tu ToolUseMetadata) string {
	switch tu.Action {
	case ActionFileRead:
		return "Read " + tu.Path
	case ActionFileWrite:
		return "Wrote " + tu.Path
	case ActionFileEdit:
		return "Edited " + tu.Path
	case ActionCommandRun:
		return "Ran " + tu.Command
	case ActionSearch:
		return "Searched " + tu.Query
	case ActionWebFetch:
		return "Fetched " + tu.URL
	case ActionTaskCreate:
		return "Created task: " + tu.Description
	case ActionTodoManagement:
		return "Updated todos (" + tu.Operation + ")"
	default:
		return tu.Description
	}
}
