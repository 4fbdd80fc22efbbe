package shard

import (
	"fmt"
	"sync/atomic"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/dreamware/noderep/internal/replica"
	"github.com/dreamware/noderep/internal/storage"
)

// Handle is one goroutine's view of a Set from its domain. It implements
// storage.Store. A Handle must not be shared between goroutines.
type Handle struct {
	set    *Set
	domain int
	tokens []replica.Token // Indexed by shard
}

var _ storage.Store = (*Handle)(nil)

// Domain returns the domain the handle is bound to.
func (h *Handle) Domain() int { return h.domain }

// route returns the shard owning key, its replica for this domain and the
// handle's token on it.
func (h *Handle) route(key string) (*Shard, *KV, replica.Token) {
	sh := h.set.ShardFor(key)
	return sh, sh.Replicas[h.domain], h.tokens[sh.ID]
}

// Get retrieves a copy of the value stored under key.
// Reads skip catching up when pending writes touch other keys only.
func (h *Handle) Get(key string) ([]byte, error) {
	sh, r, tok := h.route(key)
	atomic.AddUint64(&sh.Stats.Gets, 1)
	res, err := r.ExecuteCommutative(tok, storage.Get(key))
	if err != nil {
		return nil, fmt.Errorf("get %q: %w", key, err)
	}
	if !res.Found {
		return nil, storage.ErrKeyNotFound
	}
	return res.Value, nil
}

// Put stores a copy of value under key.
func (h *Handle) Put(key string, value []byte) error {
	sh, r, tok := h.route(key)
	atomic.AddUint64(&sh.Stats.Puts, 1)
	if _, err := r.Execute(tok, storage.Put(key, value)); err != nil {
		return fmt.Errorf("put %q: %w", key, err)
	}
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (h *Handle) Delete(key string) error {
	sh, r, tok := h.route(key)
	atomic.AddUint64(&sh.Stats.Deletes, 1)
	if _, err := r.Execute(tok, storage.Delete(key)); err != nil {
		return fmt.Errorf("delete %q: %w", key, err)
	}
	return nil
}

// DeleteRange removes every key in the lexicographic range [start, end)
// from every shard and returns how many keys were removed.
func (h *Handle) DeleteRange(start, end string) (int, error) {
	var (
		n    int
		errs error
	)
	for i, sh := range h.set.shards {
		atomic.AddUint64(&sh.Stats.RangeDeletes, 1)
		res, err := sh.Replicas[h.domain].Execute(h.tokens[i], storage.DeleteRange(start, end))
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("shard %d: %w", sh.ID, err))
			continue
		}
		n += res.Count
	}
	return n, errs
}

// ListKeysInRange returns the sorted keys in [start, end) across shards.
func (h *Handle) ListKeysInRange(start, end string) ([]string, error) {
	return h.scan(storage.ListRange(start, end))
}

// ListKeys returns every key, sorted.
func (h *Handle) ListKeys() ([]string, error) {
	return h.scan(storage.List())
}

func (h *Handle) scan(q storage.Query) ([]string, error) {
	var keys []string
	for i, sh := range h.set.shards {
		atomic.AddUint64(&sh.Stats.Scans, 1)
		res, err := sh.Replicas[h.domain].ExecuteCommutative(h.tokens[i], q)
		if err != nil {
			return nil, fmt.Errorf("shard %d: %w", sh.ID, err)
		}
		keys = append(keys, res.Keys...)
	}
	slices.Sort(keys)
	return keys, nil
}

// List returns every key, sorted. Errors are logged and yield nil; use
// ListKeys to observe them.
func (h *Handle) List() []string {
	keys, err := h.ListKeys()
	if err != nil {
		h.set.logger.Warn("list failed", zap.Int("domain", h.domain), zap.Error(err))
		return nil
	}
	return keys
}

// Stats sums key and byte counts over every shard, as seen from this domain.
func (h *Handle) Stats() storage.StoreStats {
	var total storage.StoreStats
	for i, sh := range h.set.shards {
		res, err := sh.Replicas[h.domain].ExecuteRO(h.tokens[i], storage.Stat())
		if err != nil {
			h.set.logger.Warn("stats failed", zap.Int("shard", sh.ID), zap.Error(err))
			continue
		}
		total.Keys += res.Stats.Keys
		total.Bytes += res.Stats.Bytes
	}
	return total
}

// Close releases the handle's tokens.
func (h *Handle) Close() error {
	var errs error
	for i, tok := range h.tokens {
		errs = multierr.Append(errs, h.set.shards[i].Replicas[h.domain].Deregister(tok))
	}
	h.tokens = nil
	return errs
}
