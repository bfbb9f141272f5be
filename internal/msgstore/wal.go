package msgstore

import (
	"encoding/json"
	"sync"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
)

// PatchOp is one RFC 6902 operation, e.g. {"op":"add","path":"/entries/3",
// "value":{...}}. Kept as raw JSON fields so arbitrary "value" payloads
// round-trip without an intermediate interface{} decode.
type PatchOp struct {
	Op    string          `json:"op"`
	Path  string          `json:"path"`
	Value json.RawMessage `json:"value,omitempty"`
	From  string          `json:"from,omitempty"`
}

// PatchBatch is one WAL record: a contiguous group of patch operations
// produced by a single normalizer flush (spec §4.3 "Write-ahead log").
type PatchBatch struct {
	BatchID       uint64
	Patches       []PatchOp
	Timestamp     time.Time
	ContentLength int
}

func (b PatchBatch) size() int {
	n := 0
	for _, p := range b.Patches {
		n += len(p.Op) + len(p.Path) + len(p.From) + len(p.Value)
	}
	return n
}

// CompactionThresholds bounds when the WAL folds old batches into the base
// document instead of retaining them individually (spec §4.3 "Compaction").
type CompactionThresholds struct {
	MaxBatches int           // compact once more than this many batches are buffered
	MaxBytes   int           // compact once total buffered batch size exceeds this
	MaxAge     time.Duration // compact once the oldest buffered batch is older than this
}

// DefaultCompactionThresholds mirror reasonable defaults for a single
// execution's log stream: frequent enough to bound memory, loose enough
// to avoid compacting on every patch.
var DefaultCompactionThresholds = CompactionThresholds{
	MaxBatches: 200,
	MaxBytes:   1 << 20, // 1 MiB
	MaxAge:     30 * time.Second,
}

// hardBatchLimit is the absolute ceiling on buffered (uncompacted) batches;
// if compaction itself cannot bring the WAL under this, the oldest half is
// dropped from the in-memory buffer (the base document already reflects
// them, so nothing is lost — only replay granularity is).
const hardBatchLimit = 4096

// retainedBatches is how many of the most recent batches compaction keeps
// intact instead of folding into base, so a subscriber resuming from a
// recent cursor still finds it among the buffered batches (spec §4.3
// "keeping the most recent 3 intact").
const retainedBatches = 3

// WAL accumulates PatchBatch records for a single execution's normalized
// log — rooted at the seed conversation document `{entries, session_id,
// executor_type, prompt, summary}` — and periodically compacts the oldest
// batches down into base plus a short tail of recent batches, using RFC
// 6902 patch application.
type WAL struct {
	mu         sync.Mutex
	thresholds CompactionThresholds
	base       []byte // compacted document, starts as the empty seed document
	batches    []PatchBatch
	nextBatch  uint64
}

// NewWAL constructs a WAL with the given compaction thresholds, rooted at
// an empty conversation document (spec §4.3).
func NewWAL(thresholds CompactionThresholds) *WAL {
	return &WAL{thresholds: thresholds, base: []byte(`{"entries":[],"session_id":"","executor_type":"","prompt":"","summary":""}`)}
}

// Append records a new batch of patches, assigning it the next BatchID,
// then compacts if any threshold is exceeded.
func (w *WAL) Append(patches []PatchOp) (PatchBatch, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	batch := PatchBatch{
		BatchID:   w.nextBatch,
		Patches:   patches,
		Timestamp: time.Now(),
	}
	batch.ContentLength = batch.size()
	w.nextBatch++
	w.batches = append(w.batches, batch)

	if err := w.maybeCompactLocked(); err != nil {
		return batch, err
	}
	return batch, nil
}

func (w *WAL) maybeCompactLocked() error {
	if !w.overThresholdLocked() {
		return nil
	}
	if err := w.compactLocked(); err != nil {
		return err
	}
	if len(w.batches) > hardBatchLimit {
		// Compaction alone did not bring this under control (patches kept
		// arriving faster than we could fold them in); drop the oldest
		// half from the buffer. The base document already reflects every
		// batch folded in by compactLocked, so no data is lost — only the
		// ability to replay at per-batch granularity for the dropped half.
		drop := len(w.batches) / 2
		w.batches = append([]PatchBatch(nil), w.batches[drop:]...)
	}
	return nil
}

func (w *WAL) overThresholdLocked() bool {
	if len(w.batches) > w.thresholds.MaxBatches {
		return true
	}
	total := 0
	for _, b := range w.batches {
		total += b.ContentLength
	}
	if total > w.thresholds.MaxBytes {
		return true
	}
	if len(w.batches) > 0 && time.Since(w.batches[0].Timestamp) > w.thresholds.MaxAge {
		return true
	}
	return false
}

// compactLocked folds every batch but the most recent retainedBatches
// into base, replacing them with a single synthetic snapshot batch that
// reuses the oldest folded batch's id, preserving cursor semantics (spec
// §4.3 "emit a single snapshot batch replace /entries ... reusing the
// oldest batch_id").
func (w *WAL) compactLocked() error {
	if len(w.batches) <= retainedBatches {
		return nil
	}
	return w.foldLocked(len(w.batches) - retainedBatches)
}

// foldAllLocked folds every buffered batch into base and purges the
// buffer entirely, used by Materialize where no further resumable
// streaming is needed.
func (w *WAL) foldAllLocked() error {
	return w.foldLocked(len(w.batches))
}

// foldLocked applies the oldest n batches to base via sequential RFC 6902
// application. If any batches remain after folding, they are kept intact
// behind one synthetic "replace /entries" batch carrying the oldest
// folded batch's id; otherwise the buffer is left empty.
func (w *WAL) foldLocked(n int) error {
	if n <= 0 {
		return nil
	}
	fold := w.batches[:n]
	keep := append([]PatchBatch(nil), w.batches[n:]...)

	doc := w.base
	for _, batch := range fold {
		raw, err := json.Marshal(batch.Patches)
		if err != nil {
			return err
		}
		patch, err := jsonpatch.DecodePatch(raw)
		if err != nil {
			return err
		}
		next, err := patch.Apply(doc)
		if err != nil {
			return err
		}
		doc = next
	}
	w.base = doc

	if len(keep) == 0 {
		w.batches = nil
		return nil
	}

	entries, err := extractEntries(doc)
	if err != nil {
		return err
	}
	snapshot := PatchBatch{
		BatchID:   fold[0].BatchID,
		Patches:   []PatchOp{{Op: "replace", Path: "/entries", Value: entries}},
		Timestamp: fold[len(fold)-1].Timestamp,
	}
	snapshot.ContentLength = snapshot.size()
	w.batches = append([]PatchBatch{snapshot}, keep...)
	return nil
}

// extractEntries pulls the "entries" member out of a marshaled Document,
// for building a compaction snapshot batch's value.
func extractEntries(doc []byte) (json.RawMessage, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(doc, &m); err != nil {
		return nil, err
	}
	return m["entries"], nil
}

// Snapshot returns the fully compacted base document as of the last
// compaction, plus any batches accumulated since then (not yet folded in).
func (w *WAL) Snapshot() (base []byte, pending []PatchBatch) {
	w.mu.Lock()
	defer w.mu.Unlock()
	base = append([]byte(nil), w.base...)
	pending = append([]PatchBatch(nil), w.batches...)
	return base, pending
}

// BatchesSince returns every currently buffered batch with BatchID
// strictly greater than cursor, enabling resumable streaming: a
// subscriber that already applied everything up to cursor can catch up
// without replaying the full document (spec §4.3, invariant 3).
func (w *WAL) BatchesSince(cursor uint64) []PatchBatch {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]PatchBatch, 0, len(w.batches))
	for _, b := range w.batches {
		if b.BatchID > cursor {
			out = append(out, b)
		}
	}
	return out
}

// Materialize forces compaction of every pending batch and returns the
// resulting document, e.g. at execution completion (spec §4.3
// "finalize_execution").
func (w *WAL) Materialize() ([]byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.foldAllLocked(); err != nil {
		return nil, err
	}
	return append([]byte(nil), w.base...), nil
}
