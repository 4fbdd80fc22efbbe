package replica

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/dreamware/noderep/internal/oplog"
)

// Execute runs a mutating operation and returns its response once the
// operation is in the log and applied to this replica.
//
// The operation is placed in the token's slot. Whichever goroutine wins the
// combiner flag collects every pending slot into one batch, appends the batch
// with a single reservation, replays the log up to the end of that batch and
// hands each submitter its response. Everyone else waits on its own slot.
//
// The log offset at which the operation was appended is its linearization
// point. Once Execute has returned, any replica's read reflects the operation.
//
// Returns:
//   - Res: the response DispatchMut produced for this operation
//   - ErrInvalidToken, ErrReentrantExecute, ErrClosed on misuse
//   - oplog.ErrLogFull when a lagging replica kept the batch out of the log;
//     the operation was not applied anywhere
//   - backoff.ErrExhausted when a bounded backoff gave up waiting; the
//     operation still takes effect and its response is discarded on the next call
func (r *Replica[W, R, Res]) Execute(tok Token, op W) (Res, error) {
	var zero Res
	s, err := r.slotOf(tok)
	if err != nil {
		return zero, err
	}

	gen, state := unpack(s.word.Load())
	if gen == tok.gen && state == slotDone {
		// Result of an earlier call whose caller stopped waiting.
		s.resp, s.err = zero, nil
		s.word.Store(pack(gen, slotIdle))
	}
	if gen, state = unpack(s.word.Load()); gen != tok.gen || state != slotIdle {
		return zero, r.misuse(s, tok)
	}
	s.op = op
	if !s.word.CompareAndSwap(pack(tok.gen, slotIdle), pack(tok.gen, slotPending)) {
		return zero, r.misuse(s, tok)
	}

	b := r.backoff.Start()
	for {
		r.tryCombine()
		if _, state := unpack(s.word.Load()); state == slotDone {
			return r.take(s, tok.gen)
		}
		if err := b.Pause(); err != nil {
			return zero, fmt.Errorf("replica %d: waiting for slot %d: %w", r.id, tok.slot, err)
		}
	}
}

// take hands the response to the owner and returns the slot to idle.
func (r *Replica[W, R, Res]) take(s *threadSlot[W, Res], gen uint32) (Res, error) {
	var zero Res
	res, err := s.resp, s.err
	s.resp, s.err = zero, nil
	s.word.Store(pack(gen, slotIdle))
	return res, err
}

// tryCombine runs one combining round if nobody else is combining.
func (r *Replica[W, R, Res]) tryCombine() bool {
	if r.combiner.Load() || !r.combiner.CompareAndSwap(false, true) {
		return false
	}
	r.combine()
	r.combiner.Store(false)
	return true
}

// combine is one round of flat combining. The caller holds the combiner flag.
func (r *Replica[W, R, Res]) combine() {
	n := r.collect()
	if n == 0 {
		r.drain(r.log.Tail(), 0, 0)
		return
	}
	defer r.reset()

	start, end, err := r.log.Append(r.batch, r.id, r.help)
	if err != nil {
		r.logger.Warn("append failed, failing batch",
			zap.Int("batch", n),
			zap.Error(err))
		var zero Res
		for _, o := range r.owners {
			r.respond(o, zero, err)
		}
		r.stats.appendFailures.Add(1)
		return
	}

	r.drain(end, start, uint64(n))
	for i, o := range r.owners {
		r.respond(o, r.results[i], nil)
	}
	r.stats.combines.Add(1)
	r.stats.appended.Add(uint64(n))
	r.stats.observeBatch(n)
}

// collect gathers up to maxBatch pending operations, starting the scan where
// the last full batch stopped so no slot is starved.
func (r *Replica[W, R, Res]) collect() int {
	m := len(r.slots)
	last := -1
	for k := 0; k < m && len(r.batch) < r.maxBatch; k++ {
		i := (r.next + k) % m
		s := &r.slots[i]
		gen, state := unpack(s.word.Load())
		if state != slotPending {
			continue
		}
		r.batch = append(r.batch, s.op)
		r.owners = append(r.owners, owner{slot: i, gen: gen})
		last = i
	}
	if len(r.batch) == r.maxBatch && last >= 0 {
		r.next = (last + 1) % m
	}
	return len(r.batch)
}

// help catches the replica up while its append waits for room, so it is
// never the replica holding back the log's head.
func (r *Replica[W, R, Res]) help() {
	r.drain(r.log.Tail(), 0, 0)
}

// drain replays the log into data up to to. Responses for the replica's own
// batch [start, start+n) are captured in results.
func (r *Replica[W, R, Res]) drain(to, start, n uint64) {
	if r.log.IsSynced(r.id, to) {
		return
	}
	r.dataMu.Lock()
	applied := r.log.LocalTail(r.id)
	tail := r.log.Replay(r.id, to, func(e oplog.Entry[W]) {
		res := r.data.DispatchMut(e.Op)
		if e.Replica == r.id && e.Seq >= start && e.Seq < start+n {
			r.results[e.Seq-start] = res
		}
	})
	// ctail must cover the new state before readers can observe it.
	r.log.Complete(tail)
	r.dataMu.Unlock()
	r.stats.applied.Add(tail - applied)
}

// respond publishes a result into its owner's slot.
func (r *Replica[W, R, Res]) respond(o owner, res Res, err error) {
	s := &r.slots[o.slot]
	s.resp, s.err = res, err
	s.word.Store(pack(o.gen, slotDone))
}

// reset clears the combiner scratch so it does not pin operations or responses.
func (r *Replica[W, R, Res]) reset() {
	var (
		zeroW   W
		zeroRes Res
	)
	for i := range r.batch {
		r.batch[i] = zeroW
	}
	for i := range r.results {
		r.results[i] = zeroRes
	}
	r.batch = r.batch[:0]
	r.owners = r.owners[:0]
}
