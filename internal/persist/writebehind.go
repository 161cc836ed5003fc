package persist

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// SnapshotFunc resolves a dirty ref to its current record. It returns
// false when the entity no longer exists (already gone from the world);
// such refs are silently dropped.
type SnapshotFunc func(ref string) (Record, bool)

// WriteBehind coalesces dirty marks into a set and flushes the set
// through the Store at a fixed interval and once more on shutdown.
// Exposure to data loss is bounded by the flush interval.
type WriteBehind struct {
	log      *zap.Logger
	store    Store
	snapshot SnapshotFunc
	interval time.Duration

	mu    sync.Mutex
	dirty map[string]struct{}
}

func NewWriteBehind(log *zap.Logger, store Store, snapshot SnapshotFunc, interval time.Duration) *WriteBehind {
	if log == nil {
		log = zap.NewNop()
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &WriteBehind{
		log:      log.Named("persist"),
		store:    store,
		snapshot: snapshot,
		interval: interval,
		dirty:    make(map[string]struct{}),
	}
}

// MarkDirty records that ref changed. Non-blocking, idempotent between
// flushes; a thousand marks cost one write.
func (w *WriteBehind) MarkDirty(ref string) {
	if ref == "" {
		return
	}
	w.mu.Lock()
	w.dirty[ref] = struct{}{}
	w.mu.Unlock()
}

// DirtyCount reports the number of refs awaiting the next flush.
func (w *WriteBehind) DirtyCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.dirty)
}

// Flush writes out everything currently dirty. On store failure the refs
// are re-marked so the next interval retries them.
func (w *WriteBehind) Flush(ctx context.Context) (int, error) {
	w.mu.Lock()
	if len(w.dirty) == 0 {
		w.mu.Unlock()
		return 0, nil
	}
	batch := w.dirty
	w.dirty = make(map[string]struct{})
	w.mu.Unlock()

	recs := make([]Record, 0, len(batch))
	for ref := range batch {
		if rec, ok := w.snapshot(ref); ok {
			recs = append(recs, rec)
		}
	}
	if len(recs) == 0 {
		return 0, nil
	}

	if err := w.store.Save(ctx, recs); err != nil {
		w.mu.Lock()
		for ref := range batch {
			w.dirty[ref] = struct{}{}
		}
		w.mu.Unlock()
		return 0, err
	}
	return len(recs), nil
}

// Run flushes on the interval until ctx ends, then flushes once more so a
// clean shutdown loses nothing.
func (w *WriteBehind) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			n, err := w.Flush(shutdownCtx)
			if err != nil {
				w.log.Error("final flush failed", zap.Error(err))
				return err
			}
			w.log.Info("final flush complete", zap.Int("records", n))
			return nil
		case <-ticker.C:
			n, err := w.Flush(ctx)
			if err != nil {
				w.log.Warn("flush failed, will retry", zap.Error(err))
				continue
			}
			if n > 0 {
				w.log.Debug("flushed dirty records", zap.Int("records", n))
			}
		}
	}
}
