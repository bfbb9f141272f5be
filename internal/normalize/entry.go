// Package normalize implements the log-normalization pipeline (spec §4.4):
// pluggable per-agent stream parsers that subscribe to a MsgStore's raw
// byte streams and emit JSON-patch operations against a virtual document
// of NormalizedEntry values.
package normalize

import (
	"encoding/json"
	"time"
)

// EntryType discriminates the variants of NormalizedEntry.
type EntryType string

const (
	EntryUserMessage      EntryType = "user_message"
	EntryAssistantMessage EntryType = "assistant_message"
	EntrySystemMessage    EntryType = "system_message"
	EntryErrorMessage     EntryType = "error_message"
	EntryThinking         EntryType = "thinking"
	EntryToolUse          EntryType = "tool_use"
)

// ActionType discriminates the payload of a ToolUse entry.
type ActionType string

const (
	ActionFileRead        ActionType = "file_read"
	ActionFileEdit        ActionType = "file_edit"
	ActionFileWrite       ActionType = "file_write"
	ActionCommandRun      ActionType = "command_run"
	ActionSearch          ActionType = "search"
	ActionWebFetch        ActionType = "web_fetch"
	ActionTaskCreate      ActionType = "task_create"
	ActionTodoManagement  ActionType = "todo_management"
	ActionOther           ActionType = "other"
)

// FileEditChange is one hunk within a FileEdit action (spec §4.4).
type FileEditChange struct {
	OldText string `json:"old_text,omitempty"`
	NewText string `json:"new_text,omitempty"`
}

// ToolUseMetadata is the content of a ToolUse entry's action_type field.
// Only the fields relevant to Action are populated; it is marshaled as a
// flat object tagged by Action for wire compatibility with the union type
// described in spec §4.4.
type ToolUseMetadata struct {
	ToolName string           `json:"tool_name"`
	Action   ActionType       `json:"action_type"`
	Path     string           `json:"path,omitempty"`
	Changes  []FileEditChange `json:"changes,omitempty"`
	Command  string           `json:"command,omitempty"`
	Query    string           `json:"query,omitempty"`
	URL      string           `json:"url,omitempty"`

	Description string   `json:"description,omitempty"`
	Todos       []string `json:"todos,omitempty"`
	Operation   string   `json:"operation,omitempty"`
}

// NormalizedEntry is one element of the normalized conversation document
// (spec §4.4). Metadata carries structured detail where Content alone is a
// lossy summary: the marshaled ToolUseMetadata for ToolUse entries, or the
// raw line for erroneous JSONL lines. The raw tool-call payload itself is
// not kept.
type NormalizedEntry struct {
	Timestamp *time.Time      `json:"timestamp,omitempty"`
	EntryType EntryType       `json:"entry_type"`
	Content   string          `json:"content"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

// UserMessage constructs a synthetic UserMessage entry, used by the
// supervisor to prepend the initiating prompt at index 0 (spec §4.7.6).
func UserMessage(content string) NormalizedEntry {
	return NormalizedEntry{EntryType: EntryUserMessage, Content: content}
}
