package shard

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/dreamware/noderep/internal/oplog"
	"github.com/dreamware/noderep/internal/replica"
	"github.com/dreamware/noderep/internal/storage"
)

var (
	// ErrNoSuchDomain is returned for a domain index outside the shard's replicas.
	ErrNoSuchDomain = errors.New("shard: no replica for domain")

	// ErrNoSuchShard is returned for a shard index outside the set.
	ErrNoSuchShard = errors.New("shard: no such shard")

	// ErrShardClosed is returned by operations on a closed shard.
	ErrShardClosed = errors.New("shard: closed")
)

// KV is a replica of the key-value map.
type KV = replica.Replica[storage.Mutation, storage.Query, storage.Result]

// ShardState represents the current state of a shard
type ShardState string

const (
	// ShardStateActive means the shard is serving requests
	ShardStateActive ShardState = "active"
	// ShardStateDraining means the shard is syncing replicas before close
	ShardStateDraining ShardState = "draining"
	// ShardStateClosed means the shard's replicas have left the log
	ShardStateClosed ShardState = "closed"
)

// Shard is one partition of the keyspace: its own operation log and one
// replica of the key-value map per scalability domain.
type Shard struct {
	ID       int                          // Unique shard identifier, also the log id
	Log      *oplog.Log[storage.Mutation] // Shard's operation log
	Replicas []*KV                        // Indexed by domain
	State    ShardState                   // Current shard state
	Stats    *OperationStats              // Operation counters
	mu       sync.RWMutex                 // Protects State
	logger   *zap.Logger
}

// ShardStats combines operation counters, storage size and log positions
type ShardStats struct {
	Ops      OperationStats     `json:"ops"`
	Storage  storage.StoreStats `json:"storage"`
	Log      LogStats           `json:"log"`
	Replicas []replica.Stats    `json:"replicas"`
}

// OperationStats tracks operation counts
type OperationStats struct {
	Gets         uint64 `json:"gets"`          // Number of get operations
	Puts         uint64 `json:"puts"`          // Number of put operations
	Deletes      uint64 `json:"deletes"`       // Number of delete operations
	RangeDeletes uint64 `json:"range_deletes"` // Number of range deletions
	Scans        uint64 `json:"scans"`         // Number of list and range queries
}

// LogStats is a snapshot of the shard log's cursors
type LogStats struct {
	Tail          uint64 `json:"tail"`
	Head          uint64 `json:"head"`
	CompletedTail uint64 `json:"completed_tail"`
	Window        uint64 `json:"window"`
	Capacity      uint64 `json:"capacity"`
	Stalls        uint64 `json:"stalls"`
}

// ShardInfo contains metadata about a shard
type ShardInfo struct {
	ID       int        `json:"id"`
	State    ShardState `json:"state"`
	Domains  int        `json:"domains"`
	KeyCount int        `json:"key_count"`
	ByteSize int        `json:"byte_size"`
	Tail     uint64     `json:"tail"`
}

// NewShard creates a shard with an empty map replicated on each domain.
//
// The log's lagging hook is wired to the lagging replica's TrySync, so a
// domain whose threads went idle is caught up by whichever domain needs room.
// An OnLagging set in logOpts runs after that.
//
// Parameters:
//   - id: shard identifier, used as the log id in metrics
//   - domains: number of replicas to create
//   - logOpts: log options (ID and OnLagging are set here)
//   - replicaOpts: replica options (Domain is set per replica)
//
// Returns:
//   - *Shard ready for use
//   - error if the log or a replica cannot be created
func NewShard(id, domains int, logOpts oplog.Options, replicaOpts replica.Options) (*Shard, error) {
	if domains <= 0 {
		return nil, fmt.Errorf("shard %d: need at least one domain, got %d", id, domains)
	}
	if logOpts.Logger == nil {
		logOpts.Logger = zap.NewNop()
	}
	if replicaOpts.Logger == nil {
		replicaOpts.Logger = logOpts.Logger
	}

	s := &Shard{
		ID:     id,
		State:  ShardStateActive,
		Stats:  &OperationStats{},
		logger: logOpts.Logger.With(zap.Int("shard", id)),
	}

	extra := logOpts.OnLagging
	logOpts.ID = id
	logOpts.OnLagging = func(lagging oplog.ReplicaID) {
		s.nudge(lagging)
		if extra != nil {
			extra(lagging)
		}
	}

	l, err := oplog.New[storage.Mutation](logOpts)
	if err != nil {
		return nil, fmt.Errorf("shard %d: %w", id, err)
	}
	s.Log = l

	for d := 0; d < domains; d++ {
		replicaOpts.Domain = d
		r, err := replica.New[storage.Mutation, storage.Query, storage.Result](l, storage.NewMap(), replicaOpts)
		if err != nil {
			return nil, multierr.Append(fmt.Errorf("shard %d: %w", id, err), s.closeReplicas())
		}
		s.Replicas = append(s.Replicas, r)
	}
	return s, nil
}

// nudge catches up the replica holding back the log, if it is idle.
func (s *Shard) nudge(id oplog.ReplicaID) {
	for _, r := range s.Replicas {
		if r.ID() == id {
			r.TrySync()
			return
		}
	}
}

// Replica returns the replica serving domain.
func (s *Shard) Replica(domain int) (*KV, error) {
	if domain < 0 || domain >= len(s.Replicas) {
		return nil, fmt.Errorf("%w: shard %d has %d domains, asked for %d",
			ErrNoSuchDomain, s.ID, len(s.Replicas), domain)
	}
	return s.Replicas[domain], nil
}

// ShardFor maps a key to one of n shards with xxhash.
func ShardFor(key string, n int) int {
	if n <= 0 {
		return -1
	}
	return int(xxhash.Sum64String(key) % uint64(n))
}

// OwnsKey determines if this shard owns a given key
func (s *Shard) OwnsKey(key string, numShards int) bool {
	return ShardFor(key, numShards) == s.ID
}

// Sync catches up the replica of one domain with the shard's log.
func (s *Shard) Sync(domain int) error {
	if s.GetState() == ShardStateClosed {
		return fmt.Errorf("%w: shard %d", ErrShardClosed, s.ID)
	}
	r, err := s.Replica(domain)
	if err != nil {
		return err
	}
	return r.Sync()
}

// SyncAll catches up every replica, collecting all failures.
func (s *Shard) SyncAll() error {
	var errs error
	for d, r := range s.Replicas {
		if err := r.Sync(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("shard %d domain %d: %w", s.ID, d, err))
		}
	}
	return errs
}

// Fingerprints syncs every replica and returns each one's content hash,
// indexed by domain. Converged replicas report identical values.
func (s *Shard) Fingerprints() ([]uint64, error) {
	out := make([]uint64, len(s.Replicas))
	for d, r := range s.Replicas {
		err := r.View(func(m replica.Dispatch[storage.Mutation, storage.Query, storage.Result]) {
			out[d] = m.Dispatch(storage.Fingerprint()).Fingerprint
		})
		if err != nil {
			return nil, fmt.Errorf("shard %d domain %d: %w", s.ID, d, err)
		}
	}
	return out, nil
}

// GetStats returns current shard statistics. Storage figures come from the
// domain-0 replica as of its last sync.
func (s *Shard) GetStats() ShardStats {
	stats := ShardStats{
		Ops: OperationStats{
			Gets:         atomic.LoadUint64(&s.Stats.Gets),
			Puts:         atomic.LoadUint64(&s.Stats.Puts),
			Deletes:      atomic.LoadUint64(&s.Stats.Deletes),
			RangeDeletes: atomic.LoadUint64(&s.Stats.RangeDeletes),
			Scans:        atomic.LoadUint64(&s.Stats.Scans),
		},
		Log: LogStats{
			Tail:          s.Log.Tail(),
			Head:          s.Log.Head(),
			CompletedTail: s.Log.CompletedTail(),
			Window:        s.Log.Window(),
			Capacity:      s.Log.Capacity(),
			Stalls:        s.Log.Stalls(),
		},
	}
	for _, r := range s.Replicas {
		stats.Replicas = append(stats.Replicas, r.Stats())
	}
	err := s.Replicas[0].View(func(m replica.Dispatch[storage.Mutation, storage.Query, storage.Result]) {
		stats.Storage = m.Dispatch(storage.Stat()).Stats
	})
	if err != nil {
		s.logger.Warn("storage stats unavailable", zap.Error(err))
	}
	return stats
}

// Info returns metadata about the shard
func (s *Shard) Info() ShardInfo {
	st := s.GetStats()
	return ShardInfo{
		ID:       s.ID,
		State:    s.GetState(),
		Domains:  len(s.Replicas),
		KeyCount: st.Storage.Keys,
		ByteSize: st.Storage.Bytes,
		Tail:     st.Log.Tail,
	}
}

// GetState returns the shard state
func (s *Shard) GetState() ShardState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.State
}

// SetState updates the shard state
func (s *Shard) SetState(state ShardState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State = state
}

// Close syncs every replica and unregisters them from the log.
// Errors from every replica are returned together.
func (s *Shard) Close() error {
	s.mu.Lock()
	if s.State == ShardStateClosed {
		s.mu.Unlock()
		return nil
	}
	s.State = ShardStateDraining
	s.mu.Unlock()

	err := multierr.Append(s.SyncAll(), s.closeReplicas())
	s.SetState(ShardStateClosed)
	s.logger.Info("shard closed", zap.Uint64("tail", s.Log.Tail()), zap.Error(err))
	return err
}

func (s *Shard) closeReplicas() error {
	var errs error
	for _, r := range s.Replicas {
		errs = multierr.Append(errs, r.Close())
	}
	return errs
}
