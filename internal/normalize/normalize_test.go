package normalize_test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/attemptengine/attemptd/internal/msgstore"
	"github.com/attemptengine/attemptd/internal/normalize"
)

type recordingSink struct {
	ops        [][]msgstore.PatchOp
	sessionIDs []string
}

func (r *recordingSink) PushPatch(ops []msgstore.PatchOp) {
	r.ops = append(r.ops, ops)
}

func (r *recordingSink) PushSessionID(id string) {
	r.sessionIDs = append(r.sessionIDs, id)
}

func (r *recordingSink) flat() []msgstore.PatchOp {
	var out []msgstore.PatchOp
	for _, batch := range r.ops {
		out = append(out, batch...)
	}
	return out
}

type fakeEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Delta     string `json:"delta"`
	Done      bool   `json:"done"`
	Tool      string `json:"tool"`
	Path      string `json:"path"`
}

func decodeFake(line []byte) (normalize.JSONLEvent, bool) {
	var ev fakeEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		return normalize.JSONLEvent{}, false
	}
	switch ev.Type {
	case "session":
		return normalize.JSONLEvent{SessionID: ev.SessionID}, true
	case "assistant_delta":
		return normalize.JSONLEvent{AssistantDelta: ev.Delta, AssistantDone: ev.Done}, true
	case "tool":
		return normalize.JSONLEvent{ToolUse: &normalize.ToolUseMetadata{
			ToolName: ev.Tool, Action: normalize.ActionFileRead, Path: ev.Path,
		}}, true
	case "result":
		return normalize.JSONLEvent{Ignore: true}, true
	default:
		return normalize.JSONLEvent{}, false
	}
}

func TestJSONLNormalizerSessionID(t *testing.T) {
	sink := &recordingSink{}
	n := normalize.NewJSONLNormalizer(decodeFake, "/work", normalize.NewEntryIndexProvider(0), sink)

	if err := n.Feed([]byte(`{"type":"session","session_id":"abc"}` + "\n")); err != nil {
		t.Fatal(err)
	}

	ops := sink.flat()
	if len(ops) != 1 || ops[0].Path != "/session_id" {
		t.Fatalf("ops = %+v, want single /session_id replace", ops)
	}
	if len(sink.sessionIDs) != 1 || sink.sessionIDs[0] != "abc" {
		t.Fatalf("sessionIDs = %v, want [abc]", sink.sessionIDs)
	}
}

func TestJSONLNormalizerAssistantCoalesce(t *testing.T) {
	sink := &recordingSink{}
	n := normalize.NewJSONLNormalizer(decodeFake, "/work", normalize.NewEntryIndexProvider(0), sink)

	lines := []string{
		`{"type":"assistant_delta","delta":"Hello"}`,
		`{"type":"assistant_delta","delta":", world","done":true}`,
	}
	if err := n.Feed([]byte(strings.Join(lines, "\n") + "\n")); err != nil {
		t.Fatal(err)
	}

	ops := sink.flat()
	if len(ops) != 2 {
		t.Fatalf("len(ops) = %d, want 2 (add then replace)", len(ops))
	}
	if ops[0].Op != "add" || ops[1].Op != "replace" {
		t.Fatalf("ops = %+v, want [add replace]", ops)
	}
	if ops[0].Path != ops[1].Path {
		t.Fatalf("coalesced ops target different paths: %s vs %s", ops[0].Path, ops[1].Path)
	}

	var entry normalize.NormalizedEntry
	if err := json.Unmarshal(ops[1].Value, &entry); err != nil {
		t.Fatal(err)
	}
	if entry.Content != "Hello, world" {
		t.Fatalf("content = %q, want %q", entry.Content, "Hello, world")
	}
}

func TestJSONLNormalizerRelativizesToolPath(t *testing.T) {
	sink := &recordingSink{}
	n := normalize.NewJSONLNormalizer(decodeFake, "/work", normalize.NewEntryIndexProvider(0), sink)

	if err := n.Feed([]byte(`{"type":"tool","tool":"reader","path":"/work/src/main.go"}` + "\n")); err != nil {
		t.Fatal(err)
	}

	ops := sink.flat()
	if len(ops) != 1 {
		t.Fatalf("len(ops) = %d, want 1", len(ops))
	}
	var entry normalize.NormalizedEntry
	if err := json.Unmarshal(ops[0].Value, &entry); err != nil {
		t.Fatal(err)
	}
	var meta normalize.ToolUseMetadata
	if err := json.Unmarshal(entry.Metadata, &meta); err != nil {
		t.Fatal(err)
	}
	if meta.Path != "src/main.go" {
		t.Fatalf("path = %q, want relative %q", meta.Path, "src/main.go")
	}
}

func TestJSONLNormalizerIgnoresResult(t *testing.T) {
	sink := &recordingSink{}
	n := normalize.NewJSONLNormalizer(decodeFake, "/work", normalize.NewEntryIndexProvider(0), sink)
	if err := n.Feed([]byte(`{"type":"result"}` + "\n")); err != nil {
		t.Fatal(err)
	}
	if len(sink.flat()) != 0 {
		t.Fatalf("expected no patches for ignored line, got %+v", sink.ops)
	}
}

func TestJSONLNormalizerUnparseableBecomesSystemMessage(t *testing.T) {
	sink := &recordingSink{}
	n := normalize.NewJSONLNormalizer(decodeFake, "/work", normalize.NewEntryIndexProvider(0), sink)
	if err := n.Feed([]byte("not json at all\n")); err != nil {
		t.Fatal(err)
	}
	ops := sink.flat()
	if len(ops) != 1 {
		t.Fatalf("len(ops) = %d, want 1", len(ops))
	}
	var entry normalize.NormalizedEntry
	if err := json.Unmarshal(ops[0].Value, &entry); err != nil {
		t.Fatal(err)
	}
	if entry.EntryType != normalize.EntrySystemMessage {
		t.Fatalf("entry_type = %s, want system_message", entry.EntryType)
	}
}

func TestPlainTextProcessorDrainsBySizeThreshold(t *testing.T) {
	sink := &recordingSink{}
	cfg := normalize.PlainTextConfig{
		NormalizedEntryProducer: func(content string) normalize.NormalizedEntry {
			return normalize.NormalizedEntry{EntryType: normalize.EntrySystemMessage, Content: content}
		},
		SizeThreshold: 10,
	}
	p := normalize.NewPlainTextProcessor(cfg, normalize.NewEntryIndexProvider(0), sink)

	p.Feed([]byte("0123456789\nabc\n"))

	ops := sink.flat()
	if len(ops) == 0 {
		t.Fatal("expected at least one patch once size threshold was crossed")
	}
	if ops[0].Op != "add" {
		t.Fatalf("ops[0].Op = %s, want add", ops[0].Op)
	}
}

func TestPlainTextProcessorBoundaryPredicateSplits(t *testing.T) {
	sink := &recordingSink{}
	cfg := normalize.PlainTextConfig{
		NormalizedEntryProducer: func(content string) normalize.NormalizedEntry {
			return normalize.NormalizedEntry{EntryType: normalize.EntrySystemMessage, Content: content}
		},
		SizeThreshold: 1 << 20,
		MessageBoundaryPredicate: func(lines []string) normalize.SplitDecision {
			for i, l := range lines {
				if l == "---" {
					return normalize.SplitDecision{Split: true, N: i + 1}
				}
			}
			return normalize.SplitDecision{}
		},
	}
	p := normalize.NewPlainTextProcessor(cfg, normalize.NewEntryIndexProvider(0), sink)
	p.Feed([]byte("first message\n---\nsecond message\n"))

	ops := sink.flat()
	var adds int
	for _, op := range ops {
		if op.Op == "add" {
			adds++
		}
	}
	if adds < 1 {
		t.Fatalf("expected a drained add from the boundary split, ops=%+v", ops)
	}
}

func TestPlainTextProcessorTransformLinesFilters(t *testing.T) {
	sink := &recordingSink{}
	cfg := normalize.PlainTextConfig{
		NormalizedEntryProducer: func(content string) normalize.NormalizedEntry {
			return normalize.NormalizedEntry{EntryType: normalize.EntrySystemMessage, Content: content}
		},
		SizeThreshold: 1 << 20,
		TransformLines: func(lines []string) []string {
			out := lines[:0]
			for _, l := range lines {
				if l != "BANNER" {
					out = append(out, l)
				}
			}
			return out
		},
	}
	p := normalize.NewPlainTextProcessor(cfg, normalize.NewEntryIndexProvider(0), sink)
	p.Feed([]byte("BANNER\nreal content\n"))
	p.Flush()

	ops := sink.flat()
	found := false
	for _, op := range ops {
		if op.Op != "add" && op.Op != "replace" {
			continue
		}
		var entry normalize.NormalizedEntry
		if err := json.Unmarshal(op.Value, &entry); err != nil {
			t.Fatal(err)
		}
		if strings.Contains(entry.Content, "BANNER") {
			t.Fatalf("BANNER leaked into entry content: %q", entry.Content)
		}
		if strings.Contains(entry.Content, "real content") {
			found = true
		}
	}
	if !found {
		t.Fatal("expected real content to survive TransformLines filtering")
	}
}

func TestCursorNormalizerStripsBanner(t *testing.T) {
	sink := &recordingSink{}
	idx := normalize.NewEntryIndexProvider(0)
	c := normalize.NewCursorNormalizer(decodeFake, "/work", idx, sink)

	c.FeedStderr([]byte("cursor-agent\nreal diagnostic\n"))
	c.Flush()

	ops := sink.flat()
	for _, op := range ops {
		var entry normalize.NormalizedEntry
		if err := json.Unmarshal(op.Value, &entry); err != nil {
			t.Fatal(err)
		}
		if strings.Contains(entry.Content, "cursor-agent") {
			t.Fatalf("banner leaked into entry content: %q", entry.Content)
		}
	}
}

func TestFilterAiderLinesDropsNoiseAndCollapsesProgress(t *testing.T) {
	lines := []string{
		"Scanning repo: 10%|##        | 1/10 [00:01]",
		"Scanning repo: 20%|####      | 2/10 [00:02]",
		"Git repo: /work/.git",
		"real assistant output",
	}
	got := normalize.FilterAiderLines(lines)
	want := []string{"Scanning repo", "real assistant output"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestAiderStreamNormalizerFiltersNoise(t *testing.T) {
	sink := &recordingSink{}
	n := normalize.NewAiderStreamNormalizer(normalize.NewEntryIndexProvider(0), sink)
	if err := n.FeedStdout([]byte("Git repo: /work\nhello from aider\n")); err != nil {
		t.Fatal(err)
	}
	n.Flush()

	ops := sink.flat()
	found := false
	for _, op := range ops {
		var entry normalize.NormalizedEntry
		if err := json.Unmarshal(op.Value, &entry); err != nil {
			t.Fatal(err)
		}
		if strings.Contains(entry.Content, "Git repo:") {
			t.Fatalf("noise leaked into entry content: %q", entry.Content)
		}
		if strings.Contains(entry.Content, "hello from aider") {
			found = true
		}
	}
	if !found {
		t.Fatal("expected real content to survive Aider noise filtering")
	}
}

func TestEntryIndexProviderMonotonic(t *testing.T) {
	p := normalize.NewEntryIndexProvider(5)
	if p.Next() != 5 || p.Next() != 6 || p.Next() != 7 {
		t.Fatal("EntryIndexProvider did not advance monotonically from seed")
	}
}
