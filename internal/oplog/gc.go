package oplog

import (
	"go.uber.org/zap"
)

// Collect recomputes head as the minimum local tail over live replicas and
// returns it. Slots below the new head become free for Append to reuse.
//
// With no live replica every entry is reclaimable and head catches up to tail.
// head never moves backwards.
func (l *Log[T]) Collect() uint64 {
	l.regMu.Lock()
	defer l.regMu.Unlock()

	low := l.tail.Load()
	for i := 0; i < l.registered; i++ {
		c := &l.cursors[i]
		if !c.live.Load() {
			continue
		}
		if t := c.tail.Load(); t < low {
			low = t
		}
	}

	if low > l.head.Load() {
		l.head.Store(low)
	}
	return l.head.Load()
}

// Laggards returns the live replicas whose local tail equals head while the
// log has entries past it, i.e. the replicas currently holding back reclamation.
func (l *Log[T]) Laggards() []ReplicaID {
	h := l.Collect()
	if h == l.tail.Load() {
		return nil
	}

	l.regMu.Lock()
	defer l.regMu.Unlock()

	var ids []ReplicaID
	for i := 0; i < l.registered; i++ {
		c := &l.cursors[i]
		if c.live.Load() && c.tail.Load() == h {
			ids = append(ids, ReplicaID(i))
		}
	}
	return ids
}

// slowest returns the live replica with the lowest local tail and its lag.
func (l *Log[T]) slowest() (ReplicaID, uint64) {
	l.regMu.Lock()
	defer l.regMu.Unlock()

	t := l.tail.Load()
	id, low := ReplicaID(-1), t
	for i := 0; i < l.registered; i++ {
		c := &l.cursors[i]
		if !c.live.Load() {
			continue
		}
		if lt := c.tail.Load(); id < 0 || lt < low {
			id, low = ReplicaID(i), lt
		}
	}
	if low > t {
		return id, 0
	}
	return id, t - low
}

// grow doubles the window when need exceeds it and MaxCapacity allows.
// The ring already spans MaxCapacity slots, so growing only widens how far
// tail may run ahead of head; backing segments are allocated when first written.
func (l *Log[T]) grow(need uint64) bool {
	for {
		w := l.window.Load()
		if need <= w {
			return true
		}
		if w >= l.maxCap {
			return false
		}
		next := min(w*2, l.maxCap)
		if l.window.CompareAndSwap(w, next) {
			l.grows.Add(1)
			l.logger.Info("log window grown",
				zap.Uint64("from", w),
				zap.Uint64("to", next),
				zap.Uint64("max", l.maxCap))
			return true
		}
	}
}
