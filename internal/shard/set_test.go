package shard

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/noderep/internal/oplog"
	"github.com/dreamware/noderep/internal/storage"
)

func newTestSet(t *testing.T, shards, domains, capacity int) *Set {
	t.Helper()
	set, err := NewSet(Options{
		Shards:  shards,
		Domains: domains,
		Log:     oplog.Options{Capacity: capacity},
		Logger:  zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	t.Cleanup(func() { set.Close() })
	return set
}

func mustHandle(t *testing.T, set *Set, domain int) *Handle {
	t.Helper()
	h, err := set.Register(domain)
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	return h
}

// TestHandleStore runs the Store contract against a handle
func TestHandleStore(t *testing.T) {
	set := newTestSet(t, 4, 2, 64)
	var store storage.Store = mustHandle(t, set, 0)

	if _, err := store.Get("missing"); err != storage.ErrKeyNotFound {
		t.Errorf("Expected ErrKeyNotFound, got %v", err)
	}

	for i := 0; i < 20; i++ {
		key := fmt.Sprintf("key-%02d", i)
		if err := store.Put(key, []byte(key)); err != nil {
			t.Fatalf("Failed to put %s: %v", key, err)
		}
	}

	value, err := store.Get("key-07")
	if err != nil {
		t.Fatalf("Failed to get value: %v", err)
	}
	if !bytes.Equal(value, []byte("key-07")) {
		t.Errorf("Expected 'key-07', got %s", value)
	}

	keys := store.List()
	if len(keys) != 20 || keys[0] != "key-00" || keys[19] != "key-19" {
		t.Errorf("List should return 20 sorted keys, got %v", keys)
	}

	if err := store.Delete("key-07"); err != nil {
		t.Fatalf("Failed to delete: %v", err)
	}
	if err := store.Delete("key-07"); err != nil {
		t.Errorf("Delete of missing key should not error, got %v", err)
	}

	stats := store.Stats()
	if stats.Keys != 19 || stats.Bytes != 19*6 {
		t.Errorf("Expected keys=19 bytes=114, got keys=%d bytes=%d", stats.Keys, stats.Bytes)
	}
}

// TestHandleCrossDomainVisibility verifies a write through one domain is
// visible from another domain as soon as the write returns
func TestHandleCrossDomainVisibility(t *testing.T) {
	set := newTestSet(t, 2, 3, 32)
	w := mustHandle(t, set, 0)
	readers := []*Handle{mustHandle(t, set, 1), mustHandle(t, set, 2)}

	for i := 0; i < 40; i++ {
		key := fmt.Sprintf("k%d", i%5)
		val := []byte(fmt.Sprint(i))
		require.NoError(t, w.Put(key, val))
		for _, r := range readers {
			got, err := r.Get(key)
			require.NoError(t, err)
			assert.Equal(t, val, got, "domain %d key %s", r.Domain(), key)
		}
	}
}

// TestHandleRanges exercises the range operations across shards
func TestHandleRanges(t *testing.T) {
	set := newTestSet(t, 3, 2, 64)
	h0 := mustHandle(t, set, 0)
	h1 := mustHandle(t, set, 1)

	for _, k := range []string{"apple", "banana", "cherry", "date", "elderberry", "fig"} {
		require.NoError(t, h0.Put(k, []byte(k)))
	}

	keys, err := h1.ListKeysInRange("b", "e")
	require.NoError(t, err)
	assert.Equal(t, []string{"banana", "cherry", "date"}, keys)

	n, err := h1.DeleteRange("c", "f")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	keys, err = h0.ListKeys()
	require.NoError(t, err)
	assert.Equal(t, []string{"apple", "banana", "fig"}, keys)

	var ranges uint64
	for _, st := range set.Stats() {
		ranges += st.Ops.RangeDeletes
	}
	assert.Equal(t, uint64(3), ranges, "one range delete per shard")
}

// TestSetConcurrentConvergence hammers every domain and checks replicas of
// every shard converge
func TestSetConcurrentConvergence(t *testing.T) {
	const (
		domains   = 3
		perDomain = 3
		ops       = 200
	)
	set := newTestSet(t, 4, domains, 32)

	var eg errgroup.Group
	for d := 0; d < domains; d++ {
		for j := 0; j < perDomain; j++ {
			h := mustHandle(t, set, d)
			id := d*perDomain + j
			eg.Go(func() error {
				for i := 0; i < ops; i++ {
					key := fmt.Sprintf("w%d-%d", id, i%25)
					if err := h.Put(key, []byte(fmt.Sprint(i))); err != nil {
						return err
					}
					if i%7 == 0 {
						if err := h.Delete(key); err != nil {
							return err
						}
					}
					if _, err := h.Get(key); err != nil && err != storage.ErrKeyNotFound {
						return err
					}
				}
				return nil
			})
		}
	}
	require.NoError(t, eg.Wait())

	ok, err := set.Converged()
	require.NoError(t, err)
	assert.True(t, ok)

	// Every writer's last value per key is visible from any domain.
	h := mustHandle(t, set, domains-1)
	got, err := h.Get("w0-24")
	require.NoError(t, err)
	assert.Equal(t, []byte("199"), got)
}

// TestSetRegister covers domain validation and slot exhaustion cleanup
func TestSetRegister(t *testing.T) {
	set := newTestSet(t, 2, 2, 16)

	_, err := set.Register(2)
	assert.ErrorIs(t, err, ErrNoSuchDomain)
	_, err = set.Register(-1)
	assert.ErrorIs(t, err, ErrNoSuchDomain)

	assert.ErrorIs(t, set.SyncLog(5, 0), ErrNoSuchShard)
	assert.ErrorIs(t, set.SyncLog(0, 9), ErrNoSuchDomain)
	assert.NoError(t, set.SyncLog(1, 1))

	h := mustHandle(t, set, 1)
	require.NoError(t, h.Close())
	for _, sh := range set.Shards() {
		assert.Zero(t, sh.Replicas[1].Registered(), "shard %d", sh.ID)
	}
}

// TestSetPrometheusCollectors verifies every log and replica can share one registry
func TestSetPrometheusCollectors(t *testing.T) {
	set := newTestSet(t, 2, 2, 16)
	h := mustHandle(t, set, 0)
	require.NoError(t, h.Put("a", []byte("1")))

	reg := prometheus.NewRegistry()
	cs := set.PrometheusCollectors()
	assert.Len(t, cs, 2*(1+2))
	for _, c := range cs {
		require.NoError(t, reg.Register(c))
	}

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["noderep_log_tail"])
	assert.True(t, names["noderep_replica_appended_ops_total"])
}

// TestSetInfo verifies per-shard metadata after writes
func TestSetInfo(t *testing.T) {
	set := newTestSet(t, 2, 1, 16)
	h := mustHandle(t, set, 0)
	for i := 0; i < 10; i++ {
		require.NoError(t, h.Put(fmt.Sprint(i), []byte("xy")))
	}

	total := 0
	for _, info := range set.Info() {
		assert.Equal(t, ShardStateActive, info.State)
		assert.Equal(t, uint64(info.KeyCount), info.Tail)
		total += info.KeyCount
	}
	assert.Equal(t, 10, total)
}
