package replica

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sys/cpu"

	"github.com/dreamware/noderep/internal/backoff"
	"github.com/dreamware/noderep/internal/oplog"
)

const (
	// DefaultMaxThreads is the size of the per-thread slot arena.
	DefaultMaxThreads = 64

	// DefaultMaxBatch caps how many operations one combining round appends.
	DefaultMaxBatch = 32

	// DefaultMaxScan caps how many pending entries a commutative read inspects.
	DefaultMaxScan = 64
)

// Dispatch is the capability a sequential data structure provides to be
// replicated. W is its mutating operation type, R its read-only operation
// type and Res the response both produce.
//
// DispatchMut must be deterministic: every replica applies the same entries in
// the same order and must end up in the same state. Dispatch must not mutate.
//
// Implementations are never called concurrently with DispatchMut, but several
// Dispatch calls may run at once.
type Dispatch[W, R, Res any] interface {
	DispatchMut(op W) Res
	Dispatch(op R) Res
}

// Commuter is implemented by data structures that can tell when a read is
// unaffected by a pending write. It enables ExecuteCommutative.
// Returning false is always safe.
type Commuter[W, R any] interface {
	Commutes(read R, write W) bool
}

// Freshness selects what a read-only operation waits for before reading the
// local copy.
type Freshness int

const (
	// FreshTail waits until the replica has applied everything appended to
	// the log when the read started, including writes still in flight.
	FreshTail Freshness = iota

	// FreshCompleted waits only for writes whose Execute may already have
	// returned (the log's completed tail). Cheaper, still linearizable.
	FreshCompleted
)

// String returns the config spelling of the policy.
func (f Freshness) String() string {
	switch f {
	case FreshTail:
		return "tail"
	case FreshCompleted:
		return "completed"
	default:
		return fmt.Sprintf("Freshness(%d)", int(f))
	}
}

// Options configures a Replica.
type Options struct {
	// Domain labels the scalability domain (NUMA node) the replica serves.
	Domain int

	// MaxThreads is the number of goroutines that may register at once.
	MaxThreads int

	// MaxBatch caps a combining round, bounding the latency any single
	// submitter pays for combining on behalf of others. Clamped to the log window.
	MaxBatch int

	// MaxScan caps how many pending entries a commutative read inspects
	// before falling back to a full catch-up.
	MaxScan int

	// Freshness picks the read-only waiting policy.
	Freshness Freshness

	// Backoff paces waiters, readers and Sync. Bounded policies make them
	// give up with backoff.ErrExhausted.
	Backoff backoff.Policy

	// Logger receives lifecycle and slow-path events.
	Logger *zap.Logger
}

var replicaUIDs atomic.Uint64

// Token binds a goroutine to a slot on one replica.
// A Token must not be used by two goroutines at once.
type Token struct {
	replica uint64
	slot    int
	gen     uint32
}

// Slot returns the thread slot the token occupies.
func (t Token) Slot() int { return t.slot }

// Slot states, packed with a generation counter into one word so that a stale
// token can never win a CAS against a slot that was re-registered.
const (
	slotFree uint32 = iota
	slotIdle
	slotPending
	slotDone
)

func pack(gen, state uint32) uint64 { return uint64(gen)<<32 | uint64(state) }

func unpack(w uint64) (gen, state uint32) { return uint32(w >> 32), uint32(w) }

// threadSlot is one entry of the fixed per-thread arena: the pending
// operation going in and the result slot coming back.
type threadSlot[W, Res any] struct {
	word atomic.Uint64
	op   W
	resp Res
	err  error
	_    cpu.CacheLinePad
}

// owner remembers which slot, at which generation, a batched op came from.
type owner struct {
	slot int
	gen  uint32
}

// Replica is one scalability domain's private copy of a replicated data
// structure, kept consistent with every other replica by replaying the
// shared log.
//
// Architecture:
//
//	┌────────────────────────────────────────────┐
//	│               Replica (domain d)           │
//	├────────────────────────────────────────────┤
//	│  slots[MaxThreads]   op in / result out    │
//	│  combiner flag       Idle <-> Combining    │
//	│  dataMu + data       local copy of D       │
//	├────────────────────────────────────────────┤
//	│  Execute    -> slot -> combiner -> log     │
//	│  ExecuteRO  -> catch up -> read data       │
//	└────────────────────────────────────────────┘
//
// Concurrency Model:
//   - data is mutated only by the goroutine holding the combiner flag
//   - readers share dataMu, the combiner takes it exclusively only to apply
//   - the local tail advances only under dataMu, so a reader holding it sees
//     a fixed prefix of the log
type Replica[W, R, Res any] struct {
	uid uint64
	id  oplog.ReplicaID
	log *oplog.Log[W]

	_        cpu.CacheLinePad
	combiner atomic.Bool
	_        cpu.CacheLinePad

	slots []threadSlot[W, Res]

	dataMu   sync.RWMutex
	data     Dispatch[W, R, Res]
	commuter Commuter[W, R]

	// Combiner scratch, only touched while holding the combiner flag.
	batch   []W
	owners  []owner
	results []Res
	next    int

	domain    int
	maxBatch  int
	maxScan   uint64
	freshness Freshness
	backoff   backoff.Policy
	logger    *zap.Logger
	stats     counters
	closed    atomic.Bool
}

// New creates a replica of data bound to log. Each replica must get its own
// data instance, and all instances must start in the same state.
//
// Parameters:
//   - log: the shared log; the replica registers a cursor with it
//   - data: this replica's private copy of the data structure
//   - opts: replica options, zero values pick defaults
//
// Returns:
//   - *Replica ready for Register
//   - error from oplog registration (too many replicas, late registration)
//
// Example:
//
//	log, _ := oplog.New[storage.Mutation](oplog.Options{Capacity: 1024})
//	r0, _ := replica.New[storage.Mutation, storage.Query, storage.Result](log, storage.NewMap(), replica.Options{Domain: 0})
//	tok, _ := r0.Register()
//	res, err := r0.Execute(tok, storage.Put("k", []byte("v")))
func New[W, R, Res any](log *oplog.Log[W], data Dispatch[W, R, Res], opts Options) (*Replica[W, R, Res], error) {
	if opts.MaxThreads <= 0 {
		opts.MaxThreads = DefaultMaxThreads
	}
	if opts.MaxBatch <= 0 {
		opts.MaxBatch = DefaultMaxBatch
	}
	if w := int(log.Window()); opts.MaxBatch > w {
		opts.MaxBatch = w
	}
	if opts.MaxScan <= 0 {
		opts.MaxScan = DefaultMaxScan
	}
	if opts.Backoff == nil {
		opts.Backoff = backoff.Default()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	id, err := log.Register()
	if err != nil {
		return nil, fmt.Errorf("register replica for domain %d: %w", opts.Domain, err)
	}

	r := &Replica[W, R, Res]{
		uid:       replicaUIDs.Add(1),
		id:        id,
		log:       log,
		slots:     make([]threadSlot[W, Res], opts.MaxThreads),
		data:      data,
		batch:     make([]W, 0, opts.MaxBatch),
		owners:    make([]owner, 0, opts.MaxBatch),
		results:   make([]Res, opts.MaxBatch),
		domain:    opts.Domain,
		maxBatch:  opts.MaxBatch,
		maxScan:   uint64(opts.MaxScan),
		freshness: opts.Freshness,
		backoff:   opts.Backoff,
		logger: opts.Logger.With(
			zap.Int("log", log.ID()),
			zap.Int("replica", int(id)),
			zap.Int("domain", opts.Domain)),
	}
	r.commuter, _ = data.(Commuter[W, R])

	r.logger.Info("replica created",
		zap.Int("max_threads", opts.MaxThreads),
		zap.Int("max_batch", opts.MaxBatch),
		zap.Stringer("freshness", opts.Freshness))
	return r, nil
}

// ID returns the replica's id in its log.
func (r *Replica[W, R, Res]) ID() oplog.ReplicaID { return r.id }

// Domain returns the scalability domain the replica serves.
func (r *Replica[W, R, Res]) Domain() int { return r.domain }

// Log returns the shared log the replica replays.
func (r *Replica[W, R, Res]) Log() *oplog.Log[W] { return r.log }

// Register claims a thread slot for the calling goroutine.
//
// Returns:
//   - Token to pass to Execute, ExecuteRO and ExecuteCommutative
//   - ErrRegistrationExhausted when all MaxThreads slots are taken
func (r *Replica[W, R, Res]) Register() (Token, error) {
	if r.closed.Load() {
		return Token{}, ErrClosed
	}
	for i := range r.slots {
		s := &r.slots[i]
		w := s.word.Load()
		gen, state := unpack(w)
		if state != slotFree {
			continue
		}
		if s.word.CompareAndSwap(w, pack(gen, slotIdle)) {
			return Token{replica: r.uid, slot: i, gen: gen}, nil
		}
	}
	return Token{}, fmt.Errorf("%w: %d slots in use", ErrRegistrationExhausted, len(r.slots))
}

// Deregister releases the token's slot. The token is invalid afterwards,
// even if the slot is handed to another goroutine.
func (r *Replica[W, R, Res]) Deregister(tok Token) error {
	s, err := r.slotOf(tok)
	if err != nil {
		return err
	}
	if s.word.CompareAndSwap(pack(tok.gen, slotIdle), pack(tok.gen+1, slotFree)) {
		return nil
	}
	// A finished but abandoned result can be dropped along with the slot.
	if s.word.CompareAndSwap(pack(tok.gen, slotDone), pack(tok.gen+1, slotFree)) {
		var zero Res
		s.resp, s.err = zero, nil
		return nil
	}
	return r.misuse(s, tok)
}

// slotOf validates that tok was issued by this replica.
func (r *Replica[W, R, Res]) slotOf(tok Token) (*threadSlot[W, Res], error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}
	if tok.replica != r.uid || tok.slot < 0 || tok.slot >= len(r.slots) {
		return nil, ErrInvalidToken
	}
	return &r.slots[tok.slot], nil
}

// misuse classifies why a token could not claim its slot.
func (r *Replica[W, R, Res]) misuse(s *threadSlot[W, Res], tok Token) error {
	gen, state := unpack(s.word.Load())
	if gen != tok.gen || state == slotFree {
		return ErrInvalidToken
	}
	return ErrReentrantExecute
}

// Close unregisters the replica from the log so it no longer holds back
// garbage collection. Outstanding tokens become invalid.
func (r *Replica[W, R, Res]) Close() error {
	if r.closed.Swap(true) {
		return nil
	}
	r.logger.Info("replica closed", zap.Uint64("local_tail", r.log.LocalTail(r.id)))
	return r.log.Unregister(r.id)
}

// Registered returns how many thread slots are currently taken.
func (r *Replica[W, R, Res]) Registered() int {
	n := 0
	for i := range r.slots {
		if _, state := unpack(r.slots[i].word.Load()); state != slotFree {
			n++
		}
	}
	return n
}
