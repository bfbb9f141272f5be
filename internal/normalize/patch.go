package normalize

import (
	"encoding/json"
	"fmt"

	"github.com/attemptengine/attemptd/internal/msgstore"
)

// Document is the in-process virtual document a Normalizer mutates: a
// growing list of NormalizedEntry values addressed by /entries/<i>, plus
// the conversation-level fields a compaction seed document carries
// (spec §4.3 "Compaction"). It is not itself synchronized; callers
// serialize access through the owning normalizer's single goroutine.
type Document struct {
	Entries     []NormalizedEntry `json:"entries"`
	SessionID   string            `json:"session_id,omitempty"`
	ExecutorType string           `json:"executor_type,omitempty"`
	Prompt      string            `json:"prompt,omitempty"`
	Summary     string            `json:"summary,omitempty"`
}

// addPatch returns a JSON-patch "add" op appending entry to /entries.
func addPatch(index int, entry NormalizedEntry) (msgstore.PatchOp, error) {
	value, err := json.Marshal(entry)
	if err != nil {
		return msgstore.PatchOp{}, err
	}
	return msgstore.PatchOp{Op: "add", Path: fmt.Sprintf("/entries/%d", index), Value: value}, nil
}

// replacePatch returns a JSON-patch "replace" op for the entry at index.
func replacePatch(index int, entry NormalizedEntry) (msgstore.PatchOp, error) {
	value, err := json.Marshal(entry)
	if err != nil {
		return msgstore.PatchOp{}, err
	}
	return msgstore.PatchOp{Op: "replace", Path: fmt.Sprintf("/entries/%d", index), Value: value}, nil
}

// sessionIDPatch returns a JSON-patch "replace" op for /session_id.
func sessionIDPatch(id string) (msgstore.PatchOp, error) {
	value, err := json.Marshal(id)
	if err != nil {
		return msgstore.PatchOp{}, err
	}
	return msgstore.PatchOp{Op: "replace", Path: "/session_id", Value: value}, nil
}

// Sink is where a normalizer publishes the JSON-patch operations and
// session-id discovery it produces — a MsgStore's JsonPatch/SessionId
// channel in production, or a test double that records calls.
type Sink interface {
	PushPatch(ops []msgstore.PatchOp)
	PushSessionID(id string)
}

// storeSink adapts a *msgstore.MsgStore to Sink.
type storeSink struct{ store *msgstore.MsgStore }

// NewStoreSink wraps store as a Sink.
func NewStoreSink(store *msgstore.MsgStore) Sink {
	return storeSink{store: store}
}

func (s storeSink) PushPatch(ops []msgstore.PatchOp) {
	s.store.PushPatch(ops)
}

func (s storeSink) PushSessionID(id string) {
	s.store.PushSessionID(id)
}
