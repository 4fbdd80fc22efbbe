package shard

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/dreamware/noderep/internal/oplog"
	"github.com/dreamware/noderep/internal/replica"
)

// Options configures a Set.
type Options struct {
	Shards  int             // Number of independent logs
	Domains int             // Replicas per shard
	Log     oplog.Options   // Template for every shard's log
	Replica replica.Options // Template for every replica
	Logger  *zap.Logger
}

// Set partitions a key-value map over several logs. Each key belongs to
// exactly one shard, so operations on different shards never contend on
// the same log tail.
//
// Architecture:
//
//	                  Handle (domain d)
//	                        │ ShardFor(key)
//	         ┌──────────────┼──────────────┐
//	         ▼              ▼              ▼
//	   ┌──────────┐   ┌──────────┐   ┌──────────┐
//	   │ shard 0  │   │ shard 1  │   │ shard 2  │
//	   │ log      │   │ log      │   │ log      │
//	   │ r0 .. rD │   │ r0 .. rD │   │ r0 .. rD │
//	   └──────────┘   └──────────┘   └──────────┘
//
// Operations that span keys (List, DeleteRange, ListKeysInRange, Stats) visit
// every shard in turn and are not atomic across shards.
type Set struct {
	shards  []*Shard
	domains int
	logger  *zap.Logger
}

// NewSet creates opts.Shards shards with opts.Domains replicas each.
func NewSet(opts Options) (*Set, error) {
	if opts.Shards <= 0 {
		opts.Shards = 1
	}
	if opts.Domains <= 0 {
		opts.Domains = 1
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	opts.Log.Logger = opts.Logger
	opts.Replica.Logger = opts.Logger

	set := &Set{domains: opts.Domains, logger: opts.Logger}
	for i := 0; i < opts.Shards; i++ {
		s, err := NewShard(i, opts.Domains, opts.Log, opts.Replica)
		if err != nil {
			return nil, multierr.Append(err, set.Close())
		}
		set.shards = append(set.shards, s)
	}

	opts.Logger.Info("shard set created",
		zap.Int("shards", opts.Shards),
		zap.Int("domains", opts.Domains),
		zap.Uint64("log_capacity", set.shards[0].Log.Capacity()))
	return set, nil
}

// Shards returns the shards in index order.
func (s *Set) Shards() []*Shard { return s.shards }

// Domains returns the number of replicas per shard.
func (s *Set) Domains() int { return s.domains }

// ShardFor returns the shard owning key.
func (s *Set) ShardFor(key string) *Shard {
	return s.shards[ShardFor(key, len(s.shards))]
}

// Register gives the calling goroutine a Handle bound to domain, holding one
// token on that domain's replica of every shard.
func (s *Set) Register(domain int) (*Handle, error) {
	if domain < 0 || domain >= s.domains {
		return nil, fmt.Errorf("%w: %d of %d", ErrNoSuchDomain, domain, s.domains)
	}
	h := &Handle{set: s, domain: domain, tokens: make([]replica.Token, 0, len(s.shards))}
	for _, sh := range s.shards {
		tok, err := sh.Replicas[domain].Register()
		if err != nil {
			return nil, multierr.Append(
				fmt.Errorf("register domain %d on shard %d: %w", domain, sh.ID, err),
				h.Close())
		}
		h.tokens = append(h.tokens, tok)
	}
	return h, nil
}

// SyncLog catches up one domain's replica of one shard with that shard's log.
func (s *Set) SyncLog(shard, domain int) error {
	if shard < 0 || shard >= len(s.shards) {
		return fmt.Errorf("%w: %d of %d", ErrNoSuchShard, shard, len(s.shards))
	}
	return s.shards[shard].Sync(domain)
}

// Sync catches up every replica of every shard.
func (s *Set) Sync() error {
	var errs error
	for _, sh := range s.shards {
		errs = multierr.Append(errs, sh.SyncAll())
	}
	return errs
}

// Converged syncs everything and reports whether, for every shard, all
// domains hold identical content.
func (s *Set) Converged() (bool, error) {
	for _, sh := range s.shards {
		fps, err := sh.Fingerprints()
		if err != nil {
			return false, err
		}
		for d := 1; d < len(fps); d++ {
			if fps[d] != fps[0] {
				s.logger.Warn("replicas diverged",
					zap.Int("shard", sh.ID),
					zap.Int("domain", d),
					zap.Uint64("want", fps[0]),
					zap.Uint64("got", fps[d]))
				return false, nil
			}
		}
	}
	return true, nil
}

// Stats returns every shard's statistics in index order.
func (s *Set) Stats() []ShardStats {
	out := make([]ShardStats, 0, len(s.shards))
	for _, sh := range s.shards {
		out = append(out, sh.GetStats())
	}
	return out
}

// Info returns every shard's metadata in index order.
func (s *Set) Info() []ShardInfo {
	out := make([]ShardInfo, 0, len(s.shards))
	for _, sh := range s.shards {
		out = append(out, sh.Info())
	}
	return out
}

// PrometheusCollectors returns the collectors of every log and replica.
func (s *Set) PrometheusCollectors() []prometheus.Collector {
	var cs []prometheus.Collector
	for _, sh := range s.shards {
		cs = append(cs, sh.Log.PrometheusCollectors()...)
		for _, r := range sh.Replicas {
			cs = append(cs, r.PrometheusCollectors()...)
		}
	}
	return cs
}

// Close closes every shard and returns all errors together.
func (s *Set) Close() error {
	var errs error
	for _, sh := range s.shards {
		errs = multierr.Append(errs, sh.Close())
	}
	return errs
}
