package supervisor

import (
	"encoding/json"

	"github.com/attemptengine/attemptd/internal/normalize"
)

// genericJSONLine is the superset of fields the embedded default profiles'
// JSONL wire formats are expected to carry (spec §4.4 "(a)"): a
// discriminant `type`, a session/thread identifier under either key name,
// an assistant-turn delta, and a loosely-typed tool-call payload.
type genericJSONLine struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	ThreadID  string `json:"threadID"`

	// Assistant-message coalescing.
	Delta string `json:"delta"`
	Text  string `json:"text"`
	Done  bool   `json:"done"`

	// Tool-call mapping.
	ToolName  string `json:"tool_name"`
	Action    string `json:"action"`
	Path      string `json:"path"`
	Command   string `json:"command"`
	Query     string `json:"query"`
	URL       string `json:"url"`

	Error bool `json:"error"`
}

// decodeGenericJSONLine implements normalize.LineDecoder against the
// superset schema above. Any of the embedded default profiles whose
// actual wire format is a strict subset of this shape decode correctly.
// Every agent profile, cursor included, is decoded with it; cursor differs
// only in its stderr banner handling.
func decodeGenericJSONLine(line []byte) (normalize.JSONLEvent, bool) {
	var raw genericJSONLine
	if err := json.Unmarshal(line, &raw); err != nil {
		return normalize.JSONLEvent{}, false
	}

	switch raw.Type {
	case "":
		return normalize.JSONLEvent{}, false
	case "result", "token-usage", "usage":
		return normalize.JSONLEvent{Ignore: true}, true
	case "session", "system":
		sid := raw.SessionID
		if sid == "" {
			sid = raw.ThreadID
		}
		if sid == "" && raw.Error {
			return normalize.JSONLEvent{Erroneous: true, Raw: json.RawMessage(line)}, true
		}
		if sid == "" {
			return normalize.JSONLEvent{Ignore: true}, true
		}
		return normalize.JSONLEvent{SessionID: sid}, true
	case "assistant", "assistant_delta", "message":
		delta := raw.Delta
		if delta == "" {
			delta = raw.Text
		}
		return normalize.JSONLEvent{AssistantDelta: delta, AssistantDone: raw.Done}, true
	case "tool", "tool_use", "tool_call":
		return normalize.JSONLEvent{ToolUse: &normalize.ToolUseMetadata{
			ToolName: raw.ToolName,
			Action:   mapAction(raw.Action),
			Path:     raw.Path,
			Command:  raw.Command,
			Query:    raw.Query,
			URL:      raw.URL,
		}}, true
	default:
		if raw.Error {
			return normalize.JSONLEvent{Erroneous: true, Raw: json.RawMessage(line)}, true
		}
		return normalize.JSONLEvent{Ignore: true}, true
	}
}

func mapAction(a string) normalize.ActionType {
	switch a {
	case "read":
		return normalize.ActionFileRead
	case "edit":
		return normalize.ActionFileEdit
	case "write":
		return normalize.ActionFileWrite
	case "command", "run", "exec":
		return normalize.ActionCommandRun
	case "search", "grep":
		return normalize.ActionSearch
	case "fetch", "web_fetch":
		return normalize.ActionWebFetch
	default:
		return normalize.ActionOther
	}
}
