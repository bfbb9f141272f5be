// Package msgstore implements the append-only multi-producer/multi-consumer
// log of (stdout|stderr|json-patch|session-id|finished) messages described
// in spec §4.3, plus the per-execution write-ahead log of JSON-patch batches
// and chunked durable storage that back it.
package msgstore

import (
	"sync"
)

// Kind discriminates the variants of LogMsg.
type Kind int

const (
	KindStdout Kind = iota
	KindStderr
	KindJSONPatch
	KindSessionID
	KindFinished
)

// LogMsg is one entry in a MsgStore's append-only log.
type LogMsg struct {
	Kind      Kind
	Bytes     []byte       // Stdout / Stderr
	Patch     []PatchOp    // JsonPatch
	SessionID string       // SessionId
}

// Stdout constructs a Stdout LogMsg.
func Stdout(b []byte) LogMsg { return LogMsg{Kind: KindStdout, Bytes: b} }

// Stderr constructs a Stderr LogMsg.
func Stderr(b []byte) LogMsg { return LogMsg{Kind: KindStderr, Bytes: b} }

// JSONPatchMsg constructs a JsonPatch LogMsg.
func JSONPatchMsg(p []PatchOp) LogMsg { return LogMsg{Kind: KindJSONPatch, Patch: p} }

// SessionIDMsg constructs a SessionId LogMsg.
func SessionIDMsg(id string) LogMsg { return LogMsg{Kind: KindSessionID, SessionID: id} }

// FinishedMsg constructs a Finished LogMsg.
func FinishedMsg() LogMsg { return LogMsg{Kind: KindFinished} }

// subscriberBufferSize is the bounded broadcast channel capacity per
// subscriber; slow subscribers are dropped after lagging past it rather
// than applying backpressure to producers (spec §4.3, §5 Backpressure).
const subscriberBufferSize = 1024

// MsgStore is an append-only log shared jointly by producer pumps and
// subscribers; its lifetime is the longest holder (spec §9 "Shared
// MsgStore"). It is safe for concurrent use.
type MsgStore struct {
	mu          sync.Mutex
	history     []LogMsg
	subscribers map[int]chan LogMsg
	nextSubID   int
	finished    bool
}

// New constructs an empty MsgStore.
func New() *MsgStore {
	return &MsgStore{subscribers: make(map[int]chan LogMsg)}
}

// Push appends msg to the history and broadcasts it to all live subscribers.
// A subscriber whose channel is full is dropped — slow consumers must not
// block producers (spec §5 Backpressure).
func (s *MsgStore) Push(msg LogMsg) {
	s.mu.Lock()
	s.history = append(s.history, msg)
	if msg.Kind == KindFinished {
		s.finished = true
	}
	subs := make(map[int]chan LogMsg, len(s.subscribers))
	for id, ch := range s.subscribers {
		subs[id] = ch
	}
	s.mu.Unlock()

	for id, ch := range subs {
		select {
		case ch <- msg:
		default:
			s.dropSubscriber(id)
		}
	}
}

func (s *MsgStore) dropSubscriber(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.subscribers[id]; ok {
		close(ch)
		delete(s.subscribers, id)
	}
}

// PushStdout is a convenience wrapper around Push(Stdout(b)).
func (s *MsgStore) PushStdout(b []byte) { s.Push(Stdout(b)) }

// PushStderr is a convenience wrapper around Push(Stderr(b)).
func (s *MsgStore) PushStderr(b []byte) { s.Push(Stderr(b)) }

// PushPatch is a convenience wrapper around Push(JSONPatchMsg(p)).
func (s *MsgStore) PushPatch(p []PatchOp) { s.Push(JSONPatchMsg(p)) }

// PushSessionID is a convenience wrapper around Push(SessionIDMsg(id)).
func (s *MsgStore) PushSessionID(id string) { s.Push(SessionIDMsg(id)) }

// PushFinished is a convenience wrapper around Push(FinishedMsg()).
func (s *MsgStore) PushFinished() { s.Push(FinishedMsg()) }

// History returns a snapshot of every message pushed so far.
func (s *MsgStore) History() []LogMsg {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]LogMsg, len(s.history))
	copy(out, s.history)
	return out
}

// Receiver is a subscription handle: Messages delivers, in order, every
// message pushed after the subscription was registered (the historical
// prefix, where wanted, comes from HistoryPlusStream's snapshot).
// Close must be called once the caller is done to release the channel.
type Receiver struct {
	Messages <-chan LogMsg
	store    *MsgStore
	id       int
}

// Close unregisters the receiver.
func (r *Receiver) Close() {
	r.store.dropSubscriber(r.id)
}

// GetReceiver subscribes to live messages only (no historical replay),
// mirroring the teacher-broadcast-receiver half of spec §4.3.
func (s *MsgStore) GetReceiver() *Receiver {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan LogMsg, subscriberBufferSize)
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = ch
	return &Receiver{Messages: ch, store: s, id: id}
}

// HistoryPlusStream returns the full historical prefix followed by a live
// tail, with no duplicates and no gaps: the subscriber channel is
// registered and the snapshot is copied under the same lock, so every
// later push reaches the receiver and none of them is also in the snapshot.
func (s *MsgStore) HistoryPlusStream() (snapshot []LogMsg, rest *Receiver) {
	s.mu.Lock()
	ch := make(chan LogMsg, subscriberBufferSize)
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = ch
	snapshot = make([]LogMsg, len(s.history))
	copy(snapshot, s.history)
	s.mu.Unlock()

	return snapshot, &Receiver{Messages: ch, store: s, id: id}
}

// StdoutLines returns a line-split view over only the Stdout substream of
// the historical log, a convenience iterator per spec §4.3.
func (s *MsgStore) StdoutLines() []string {
	return linesOf(s.History(), KindStdout)
}

// StderrLines returns a line-split view over only the Stderr substream.
func (s *MsgStore) StderrLines() []string {
	return linesOf(s.History(), KindStderr)
}

func linesOf(msgs []LogMsg, kind Kind) []string {
	var buf []byte
	for _, m := range msgs {
		if m.Kind == kind {
			buf = append(buf, m.Bytes...)
		}
	}
	var lines []string
	start := 0
	for i, b := range buf {
		if b == '\n' {
			lines = append(lines, string(buf[start:i]))
			start = i + 1
		}
	}
	if start < len(buf) {
		lines = append(lines, string(buf[start:]))
	}
	return lines
}

// Finished reports whether a Finished message has been pushed.
func (s *MsgStore) Finished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}
