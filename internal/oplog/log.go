package oplog

import (
	"fmt"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/sys/cpu"

	"github.com/dreamware/noderep/internal/backoff"
)

const (
	// DefaultCapacity is the number of entries a log holds when Options.Capacity is zero.
	DefaultCapacity = 1 << 14

	// DefaultMaxReplicas bounds the replica cursors a log tracks by default.
	DefaultMaxReplicas = 64
)

// ReplicaID identifies a replica registered with a log.
// Ids are dense, starting at zero, and reused after Unregister.
type ReplicaID int

// Entry is a committed operation as read back from the log.
// Entries are immutable once published.
type Entry[T any] struct {
	Seq     uint64    // Logical offset, the operation's linearization point
	Replica ReplicaID // Replica whose combiner appended the operation
	Op      T         // Operation payload, opaque to the log
}

// slot is the physical storage for one logical offset at a time.
// seq holds offset+1 once the entry for that offset is fully written, which
// makes a stale tag from an earlier lap impossible to mistake for a new one.
type slot[T any] struct {
	seq     atomic.Uint64
	replica ReplicaID
	op      T
}

// segment is a contiguous run of slots allocated on first use.
type segment[T any] struct {
	slots []slot[T]
}

// cursor is a replica's local tail, padded onto its own cache line so that
// replicas advancing their cursors do not invalidate each other.
type cursor struct {
	tail atomic.Uint64
	live atomic.Bool
	_    cpu.CacheLinePad
}

// Options configures a Log.
type Options struct {
	// ID names the log in metrics and log lines. Multi-log setups use the shard number.
	ID int

	// Capacity is the initial number of un-reclaimed entries the log admits.
	// Must be a power of two. Defaults to DefaultCapacity.
	Capacity int

	// MaxCapacity bounds growth. When larger than Capacity the log doubles its
	// window instead of stalling on a lagging replica, up to this bound.
	// Must be a power of two. Zero disables growth.
	MaxCapacity int

	// MaxReplicas is the number of replica cursors. Defaults to DefaultMaxReplicas.
	MaxReplicas int

	// StallTimeout bounds how long Append waits for a lagging replica before
	// returning ErrLogFull. Zero leaves the decision to Backoff alone.
	StallTimeout time.Duration

	// Backoff paces the log-full wait in Append and publication waits in Entries.
	Backoff backoff.Policy

	// Clock measures StallTimeout. Defaults to the wall clock.
	Clock clock.Clock

	// Logger receives slow-path events. Defaults to a no-op logger.
	Logger *zap.Logger

	// OnLagging is invoked on every round of a stall with the replica holding
	// back garbage collection, so the embedder can nudge it to sync. It runs on
	// the appending goroutine and must not append to this log.
	OnLagging func(ReplicaID)
}

// Log is the shared, bounded, circular operation log.
//
// Layout:
//
//	logical offsets:  0 ....... head ........ ltail[r] ........ tail ......>
//	                  reclaimed | still needed by some replica | free
//
//	physical slot of offset i = i mod maxCap, in segments of Capacity slots
//
// tail only ever moves through a CAS in Append. head is the minimum local
// tail over live replicas and is recomputed on the slow path, so appenders
// admit an offset range only if it stays within window entries of head.
//
// Thread Safety:
// Append, Entries and the accessors are safe for concurrent use. Replay for
// a given replica must only be called by that replica's current combiner.
type Log[T any] struct {
	_     cpu.CacheLinePad
	tail  atomic.Uint64 // next free logical offset
	_     cpu.CacheLinePad
	head  atomic.Uint64 // every offset below head is reclaimable
	_     cpu.CacheLinePad
	ctail atomic.Uint64 // highest tail fully applied by some replica
	_     cpu.CacheLinePad

	window atomic.Uint64 // admissible tail-head distance, grows up to maxCap

	id       int
	maxCap   uint64
	mask     uint64
	segBits  uint
	segMask  uint64
	segments []atomic.Pointer[segment[T]]

	cursors []cursor

	// regMu orders registration against head recomputation.
	regMu      sync.Mutex
	registered int

	stalls atomic.Uint64
	grows  atomic.Uint64

	backoff   backoff.Policy
	clock     clock.Clock
	logger    *zap.Logger
	timeout   time.Duration
	onLagging func(ReplicaID)
}

// New creates a log with the given options.
//
// Returns:
//   - *Log ready for replicas to Register
//   - ErrInvalidCapacity if a capacity is not a power of two
//
// Example:
//
//	log, err := oplog.New[storage.Mutation](oplog.Options{Capacity: 8})
func New[T any](opts Options) (*Log[T], error) {
	if opts.Capacity == 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.MaxCapacity == 0 {
		opts.MaxCapacity = opts.Capacity
	}
	if !isPow2(opts.Capacity) || !isPow2(opts.MaxCapacity) {
		return nil, fmt.Errorf("%w: capacity %d, max %d", ErrInvalidCapacity, opts.Capacity, opts.MaxCapacity)
	}
	if opts.MaxCapacity < opts.Capacity {
		return nil, fmt.Errorf("%w: max capacity %d below capacity %d", ErrInvalidCapacity, opts.MaxCapacity, opts.Capacity)
	}
	if opts.MaxReplicas <= 0 {
		opts.MaxReplicas = DefaultMaxReplicas
	}
	if opts.Backoff == nil {
		opts.Backoff = backoff.Default()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	segSize := uint64(opts.Capacity)
	l := &Log[T]{
		id:        opts.ID,
		maxCap:    uint64(opts.MaxCapacity),
		mask:      uint64(opts.MaxCapacity) - 1,
		segBits:   log2(segSize),
		segMask:   segSize - 1,
		segments:  make([]atomic.Pointer[segment[T]], uint64(opts.MaxCapacity)/segSize),
		cursors:   make([]cursor, opts.MaxReplicas),
		backoff:   opts.Backoff,
		clock:     opts.Clock,
		logger:    opts.Logger.With(zap.Int("log", opts.ID)),
		timeout:   opts.StallTimeout,
		onLagging: opts.OnLagging,
	}
	l.window.Store(uint64(opts.Capacity))
	l.segments[0].Store(&segment[T]{slots: make([]slot[T], segSize)})
	return l, nil
}

// ID returns the log's identifier.
func (l *Log[T]) ID() int { return l.id }

// Register claims a replica cursor starting at offset zero.
//
// Registration is an initialization-time operation: once garbage collection
// has reclaimed any entry a newcomer could not replay the full history, so
// Register fails with ErrLateRegistration.
func (l *Log[T]) Register() (ReplicaID, error) {
	l.regMu.Lock()
	defer l.regMu.Unlock()

	if h := l.head.Load(); h > 0 {
		return 0, fmt.Errorf("%w: head at %d", ErrLateRegistration, h)
	}
	for i := range l.cursors {
		c := &l.cursors[i]
		if c.live.Load() {
			continue
		}
		c.tail.Store(0)
		c.live.Store(true)
		if i >= l.registered {
			l.registered = i + 1
		}
		l.logger.Debug("replica registered", zap.Int("replica", i))
		return ReplicaID(i), nil
	}
	return 0, fmt.Errorf("%w: limit %d", ErrTooManyReplicas, len(l.cursors))
}

// Unregister releases a replica cursor so it no longer holds back garbage
// collection. The replica must not touch the log afterwards.
func (l *Log[T]) Unregister(id ReplicaID) error {
	if !l.isLive(id) {
		return fmt.Errorf("%w: %d", ErrUnknownReplica, id)
	}
	l.regMu.Lock()
	l.cursors[id].live.Store(false)
	l.regMu.Unlock()

	l.logger.Debug("replica unregistered", zap.Int("replica", int(id)))
	l.Collect()
	return nil
}

// Append reserves len(ops) consecutive offsets with a single CAS on the tail,
// writes the entries and publishes them.
//
// When the log is full, Append repeatedly:
//  1. runs help, which lets the calling combiner replay its own replica
//  2. recomputes head from the replica cursors
//  3. grows the window if MaxCapacity allows
//  4. notifies OnLagging of the slowest replica, then backs off
//
// and gives up with ErrLogFull when the backoff budget or StallTimeout is spent.
// Nothing is reserved when an error is returned.
//
// Parameters:
//   - ops: batch of operations, appended in order
//   - origin: replica whose combiner appends the batch
//   - help: optional catch-up hook run while waiting for room
//
// Returns:
//   - start, end: the reserved range [start, end)
//   - error: ErrLogFull, ErrUnknownReplica
func (l *Log[T]) Append(ops []T, origin ReplicaID, help func()) (uint64, uint64, error) {
	if !l.isLive(origin) {
		return 0, 0, fmt.Errorf("%w: %d", ErrUnknownReplica, origin)
	}
	n := uint64(len(ops))
	if n == 0 {
		t := l.tail.Load()
		return t, t, nil
	}
	if n > l.maxCap {
		return 0, 0, fmt.Errorf("%w: batch of %d exceeds capacity %d", ErrLogFull, n, l.maxCap)
	}

	var (
		b        backoff.Backoff
		started  time.Time
		notified bool
	)
	for {
		t := l.tail.Load()
		if t+n-l.head.Load() <= l.window.Load() {
			if !l.tail.CompareAndSwap(t, t+n) {
				continue
			}
			l.write(t, ops, origin)
			return t, t + n, nil
		}

		// Slow path: the reservation would overwrite entries some replica
		// has not consumed yet.
		if help != nil {
			help()
		}
		if t+n-l.Collect() <= l.window.Load() {
			continue
		}
		if l.grow(t + n - l.head.Load()) {
			continue
		}

		laggard, lag := l.slowest()
		if b == nil {
			b = l.backoff.Start()
			started = l.clock.Now()
			l.stalls.Add(1)
		}
		if !notified {
			notified = true
			l.logger.Warn("log full, waiting for lagging replica",
				zap.Int("origin", int(origin)),
				zap.Int("laggard", int(laggard)),
				zap.Uint64("lag", lag))
		}
		if l.onLagging != nil && (laggard != origin || help == nil) {
			l.onLagging(laggard)
		}
		if err := b.Pause(); err != nil || (l.timeout > 0 && l.clock.Since(started) > l.timeout) {
			return 0, 0, fmt.Errorf("%w: replica %d is %d entries behind", ErrLogFull, laggard, lag)
		}
	}
}

// write fills the reserved range [start, start+len(ops)) and publishes each
// slot with a release store of its tag, after the contents are in place.
func (l *Log[T]) write(start uint64, ops []T, origin ReplicaID) {
	for i := range ops {
		off := start + uint64(i)
		s := l.slotFor(off)
		s.op = ops[i]
		s.replica = origin
		s.seq.Store(off + 1)
	}
}

// Entries returns the committed entries in [from, to) in log order.
//
// The sequence is lazy: each entry is read when the consumer asks for it, and
// the reader waits (pacing with the backoff policy) for an entry whose
// appender has reserved but not yet published it. Publication waits never
// give up; an appender that reserved a range always writes it.
//
// Callers must hold a position at or below from that keeps the range from
// being reclaimed, which in practice means iterating from their own local tail.
func (l *Log[T]) Entries(from, to uint64) iter.Seq[Entry[T]] {
	return func(yield func(Entry[T]) bool) {
		for off := from; off < to; off++ {
			if !yield(l.wait(off)) {
				return
			}
		}
	}
}

// wait blocks until the entry at off is published and returns it.
func (l *Log[T]) wait(off uint64) Entry[T] {
	if e, ok := l.tryRead(off); ok {
		return e
	}
	b := l.backoff.Start()
	for {
		if e, ok := l.tryRead(off); ok {
			return e
		}
		if b.Pause() != nil {
			b = l.backoff.Start()
		}
	}
}

// tryRead returns the entry at off if it is published.
func (l *Log[T]) tryRead(off uint64) (Entry[T], bool) {
	seg := l.segments[(off&l.mask)>>l.segBits].Load()
	if seg == nil {
		return Entry[T]{}, false
	}
	s := &seg.slots[off&l.segMask]
	if s.seq.Load() != off+1 {
		return Entry[T]{}, false
	}
	return Entry[T]{Seq: off, Replica: s.replica, Op: s.op}, true
}

// Scan visits the entries in [from, to) without waiting. It stops and
// returns false at the first unpublished entry or when visit returns false.
// The same reclamation rule as Entries applies.
func (l *Log[T]) Scan(from, to uint64, visit func(Entry[T]) bool) bool {
	for off := from; off < to; off++ {
		e, ok := l.tryRead(off)
		if !ok || !visit(e) {
			return false
		}
	}
	return true
}

// slotFor returns the slot for off, allocating its segment on first use.
func (l *Log[T]) slotFor(off uint64) *slot[T] {
	p := &l.segments[(off&l.mask)>>l.segBits]
	seg := p.Load()
	if seg == nil {
		fresh := &segment[T]{slots: make([]slot[T], l.segMask+1)}
		if p.CompareAndSwap(nil, fresh) {
			l.logger.Debug("allocated log segment", zap.Uint64("offset", off))
		}
		seg = p.Load()
	}
	return &seg.slots[off&l.segMask]
}

// Replay applies every entry in [LocalTail(id), to) in order and then moves
// the replica's cursor to to. Only the replica's current combiner may call it.
//
// Returns the replica's local tail after the call.
func (l *Log[T]) Replay(id ReplicaID, to uint64, apply func(Entry[T])) uint64 {
	c := &l.cursors[id]
	from := c.tail.Load()
	if to <= from {
		return from
	}
	for e := range l.Entries(from, to) {
		apply(e)
	}
	c.tail.Store(to)
	return to
}

// Complete records that some replica has fully applied the log up to to.
func (l *Log[T]) Complete(to uint64) {
	for {
		c := l.ctail.Load()
		if to <= c || l.ctail.CompareAndSwap(c, to) {
			return
		}
	}
}

// Tail returns the next offset to be reserved.
func (l *Log[T]) Tail() uint64 { return l.tail.Load() }

// Head returns the reclamation point: every offset below it may be overwritten.
func (l *Log[T]) Head() uint64 { return l.head.Load() }

// CompletedTail returns the highest tail some replica has fully applied.
func (l *Log[T]) CompletedTail() uint64 { return l.ctail.Load() }

// LocalTail returns how far replica id has replayed the log.
func (l *Log[T]) LocalTail(id ReplicaID) uint64 { return l.cursors[id].tail.Load() }

// Lag returns how many entries replica id has not applied yet.
func (l *Log[T]) Lag(id ReplicaID) uint64 {
	lt := l.cursors[id].tail.Load()
	t := l.tail.Load()
	if t < lt {
		return 0
	}
	return t - lt
}

// IsSynced reports whether replica id has applied everything below to.
func (l *Log[T]) IsSynced(id ReplicaID, to uint64) bool {
	return l.cursors[id].tail.Load() >= to
}

// Capacity returns the bound on the window, which is the size of the ring.
func (l *Log[T]) Capacity() uint64 { return l.maxCap }

// Window returns the current admissible distance between head and tail.
func (l *Log[T]) Window() uint64 { return l.window.Load() }

// Replicas returns the ids of live replicas.
func (l *Log[T]) Replicas() []ReplicaID {
	l.regMu.Lock()
	defer l.regMu.Unlock()

	ids := make([]ReplicaID, 0, l.registered)
	for i := 0; i < l.registered; i++ {
		if l.cursors[i].live.Load() {
			ids = append(ids, ReplicaID(i))
		}
	}
	return ids
}

func (l *Log[T]) isLive(id ReplicaID) bool {
	return id >= 0 && int(id) < len(l.cursors) && l.cursors[id].live.Load()
}

func isPow2(n int) bool { return n > 0 && n&(n-1) == 0 }

func log2(n uint64) uint {
	var b uint
	for n > 1 {
		n >>= 1
		b++
	}
	return b
}
