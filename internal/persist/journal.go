package persist

import "sync"

// Journal decouples the flusher from live simulation state: the
// simulation goroutine stages a value copy of a record whenever it marks
// the entity dirty, and the flusher only ever reads those copies. The
// flusher never touches a live session.
type Journal struct {
	mu      sync.Mutex
	records map[string]Record
}

func NewJournal() *Journal {
	return &Journal{records: make(map[string]Record)}
}

// Stage records the current state of one entity. Called on the
// simulation goroutine; later stages for the same ref overwrite.
func (j *Journal) Stage(rec Record) {
	if rec.Ref == "" {
		return
	}
	j.mu.Lock()
	j.records[rec.Ref] = rec
	j.mu.Unlock()
}

// Snapshot returns the staged copy for ref. Satisfies SnapshotFunc.
func (j *Journal) Snapshot(ref string) (Record, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	rec, ok := j.records[ref]
	return rec, ok
}
