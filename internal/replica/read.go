package replica

import (
	"fmt"

	"github.com/dreamware/noderep/internal/backoff"
	"github.com/dreamware/noderep/internal/oplog"
)

// ExecuteRO runs a read-only operation against the local copy, after the
// replica has caught up with the log position the read must observe.
//
// The position depends on Options.Freshness: the log tail at call time
// (FreshTail), or the completed tail (FreshCompleted). Either way every
// Execute that returned before ExecuteRO was called is visible, which makes
// reads linearizable. If the replica is behind, the caller catches it up
// itself when the combiner flag is free and otherwise waits for the combiner.
// Reads never append to the log.
func (r *Replica[W, R, Res]) ExecuteRO(tok Token, op R) (Res, error) {
	var zero Res
	if err := r.checkIdle(tok); err != nil {
		return zero, err
	}
	if err := r.waitFor(r.readPoint()); err != nil {
		return zero, err
	}
	r.dataMu.RLock()
	res := r.data.Dispatch(op)
	r.dataMu.RUnlock()
	r.stats.reads.Add(1)
	return res, nil
}

// ExecuteCommutative runs a read-only operation without waiting for the
// replica to catch up when every entry it has not applied yet commutes with
// the read. It falls back to ExecuteRO when the data structure does not
// implement Commuter, when the backlog exceeds Options.MaxScan, when an
// entry is not yet published, or when any pending write does not commute.
func (r *Replica[W, R, Res]) ExecuteCommutative(tok Token, op R) (Res, error) {
	var zero Res
	if err := r.checkIdle(tok); err != nil {
		return zero, err
	}
	if r.commuter == nil {
		return r.ExecuteRO(tok, op)
	}

	target := r.readPoint()
	r.dataMu.RLock()
	lt := r.log.LocalTail(r.id)
	if lt >= target || (target-lt <= r.maxScan && r.log.Scan(lt, target, func(e oplog.Entry[W]) bool {
		return r.commuter.Commutes(op, e.Op)
	})) {
		res := r.data.Dispatch(op)
		r.dataMu.RUnlock()
		r.stats.commutative.Add(1)
		return res, nil
	}
	r.dataMu.RUnlock()

	r.stats.fallbacks.Add(1)
	return r.ExecuteRO(tok, op)
}

// Sync catches the replica up with everything appended to the log so far,
// replaying on its behalf if no other goroutine is combining. Embedders call it on idle
// replicas so they do not stall appenders elsewhere.
//
// Returns backoff.ErrExhausted (wrapped) if a bounded backoff gave up.
func (r *Replica[W, R, Res]) Sync() error {
	if r.closed.Load() {
		return ErrClosed
	}
	return r.waitFor(r.log.Tail())
}

// TrySync runs one catch-up round if the combiner flag is free and reports
// whether it did. It never waits, which makes it safe to call from the log's
// lagging-replica hook.
func (r *Replica[W, R, Res]) TrySync() bool {
	if r.closed.Load() {
		return false
	}
	return r.trySync()
}

// View runs fn against the local copy after a Sync, under the read lock.
// fn must not mutate the data structure or call back into the replica.
func (r *Replica[W, R, Res]) View(fn func(data Dispatch[W, R, Res])) error {
	if err := r.Sync(); err != nil {
		return err
	}
	r.dataMu.RLock()
	defer r.dataMu.RUnlock()
	fn(r.data)
	return nil
}

// readPoint returns the log offset a read must observe.
func (r *Replica[W, R, Res]) readPoint() uint64 {
	if r.freshness == FreshCompleted {
		return r.log.CompletedTail()
	}
	return r.log.Tail()
}

// waitFor returns once the local tail has reached target.
func (r *Replica[W, R, Res]) waitFor(target uint64) error {
	err := backoff.Until(r.backoff, func() bool {
		if r.log.IsSynced(r.id, target) {
			return true
		}
		return r.trySync() && r.log.IsSynced(r.id, target)
	})
	if err != nil {
		return fmt.Errorf("replica %d: catching up to offset %d: %w", r.id, target, err)
	}
	return nil
}

// trySync replays up to the current tail if nobody holds the combiner flag.
// Unlike a combining round it never appends, so it is safe to call from
// inside another replica's append.
func (r *Replica[W, R, Res]) trySync() bool {
	if r.combiner.Load() || !r.combiner.CompareAndSwap(false, true) {
		return false
	}
	r.drain(r.log.Tail(), 0, 0)
	r.combiner.Store(false)
	return true
}

// checkIdle validates tok for a read. Reads do not occupy the slot but a
// token with a write in flight is still busy.
func (r *Replica[W, R, Res]) checkIdle(tok Token) error {
	s, err := r.slotOf(tok)
	if err != nil {
		return err
	}
	gen, state := unpack(s.word.Load())
	switch {
	case gen != tok.gen || state == slotFree:
		return ErrInvalidToken
	case state == slotPending:
		return ErrReentrantExecute
	}
	return nil
}
