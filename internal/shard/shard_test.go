package shard

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/cespare/xxhash/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/dreamware/noderep/internal/backoff"
	"github.com/dreamware/noderep/internal/oplog"
	"github.com/dreamware/noderep/internal/replica"
	"github.com/dreamware/noderep/internal/storage"
)

func newTestShard(t *testing.T, id, domains int) *Shard {
	t.Helper()
	s, err := NewShard(id, domains, oplog.Options{Capacity: 64}, replica.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// TestNewShard tests shard creation
func TestNewShard(t *testing.T) {
	tests := []struct {
		name    string
		id      int
		domains int
		wantErr bool
	}{
		{name: "single domain", id: 0, domains: 1},
		{name: "several domains", id: 1, domains: 4},
		{name: "large ID", id: 999999, domains: 2},
		{name: "no domains", id: 2, domains: 0, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			shard, err := NewShard(tt.id, tt.domains, oplog.Options{Capacity: 16}, replica.Options{})
			if tt.wantErr {
				if err == nil {
					t.Fatal("Expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("Failed to create shard: %v", err)
			}
			defer shard.Close()

			if shard.ID != tt.id {
				t.Errorf("Expected shard ID %d, got %d", tt.id, shard.ID)
			}
			if shard.Log.ID() != tt.id {
				t.Errorf("Expected log ID %d, got %d", tt.id, shard.Log.ID())
			}
			if len(shard.Replicas) != tt.domains {
				t.Errorf("Expected %d replicas, got %d", tt.domains, len(shard.Replicas))
			}
			for d, r := range shard.Replicas {
				if r.Domain() != d {
					t.Errorf("Replica %d serves domain %d", d, r.Domain())
				}
			}
			if shard.GetState() != ShardStateActive {
				t.Errorf("Expected active state, got %s", shard.GetState())
			}
		})
	}

	t.Run("invalid log options", func(t *testing.T) {
		_, err := NewShard(0, 1, oplog.Options{Capacity: 12}, replica.Options{})
		assert.ErrorIs(t, err, oplog.ErrInvalidCapacity)
	})

	t.Run("too many domains for the log", func(t *testing.T) {
		_, err := NewShard(0, 3, oplog.Options{Capacity: 16, MaxReplicas: 2}, replica.Options{})
		assert.ErrorIs(t, err, oplog.ErrTooManyReplicas)
	})
}

// TestShardOwnership tests key ownership determination
func TestShardOwnership(t *testing.T) {
	var keyForShard0 string
	for i := 0; i < 1000; i++ {
		testKey := fmt.Sprintf("test-key-%d", i)
		if xxhash.Sum64String(testKey)%4 == 0 {
			keyForShard0 = testKey
			break
		}
	}
	require.NotEmpty(t, keyForShard0)

	tests := []struct {
		name      string
		shardID   int
		key       string
		numShards int
		shouldOwn bool
	}{
		{"shard 0 owns key that hashes to 0", 0, keyForShard0, 4, true},
		{"shard 1 doesn't own key for shard 0", 1, keyForShard0, 4, false},
		{"single shard owns all keys", 0, "any-key", 1, true},
		{"no shards own nothing", 0, "any-key", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			shard := &Shard{ID: tt.shardID}
			if owns := shard.OwnsKey(tt.key, tt.numShards); owns != tt.shouldOwn {
				t.Errorf("Expected OwnsKey=%v, got %v", tt.shouldOwn, owns)
			}
		})
	}
}

// TestShardReplicasConverge writes through every domain and checks each
// replica ends with the same content
func TestShardReplicasConverge(t *testing.T) {
	shard := newTestShard(t, 0, 3)

	for d, r := range shard.Replicas {
		tok, err := r.Register()
		require.NoError(t, err)
		for i := 0; i < 50; i++ {
			key := fmt.Sprintf("d%d-k%d", d, i%10)
			_, err := r.Execute(tok, storage.Put(key, []byte(fmt.Sprint(i))))
			require.NoError(t, err)
		}
		_, err = r.Execute(tok, storage.Delete(fmt.Sprintf("d%d-k0", d)))
		require.NoError(t, err)
	}

	fps, err := shard.Fingerprints()
	require.NoError(t, err)
	require.Len(t, fps, 3)
	assert.Equal(t, fps[0], fps[1])
	assert.Equal(t, fps[0], fps[2])

	stats := shard.GetStats()
	assert.Equal(t, 27, stats.Storage.Keys)
	assert.Equal(t, uint64(153), stats.Log.Tail)
	assert.Len(t, stats.Replicas, 3)

	info := shard.Info()
	assert.Equal(t, 27, info.KeyCount)
	assert.Equal(t, 3, info.Domains)
}

// TestShardIdleReplicaIsNudged verifies an idle domain does not stall
// writers on a small log: the lagging hook syncs it
func TestShardIdleReplicaIsNudged(t *testing.T) {
	shard, err := NewShard(0, 2, oplog.Options{
		Capacity: 8,
		Backoff:  backoff.Spin{Iterations: 1, Limit: 100},
	}, replica.Options{})
	require.NoError(t, err)
	defer shard.Close()

	r0 := shard.Replicas[0]
	tok, err := r0.Register()
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		_, err := r0.Execute(tok, storage.Put(fmt.Sprint(i), []byte("v")))
		require.NoError(t, err, "write %d", i)
	}

	assert.Greater(t, shard.Log.LocalTail(shard.Replicas[1].ID()), uint64(90))
	assert.Zero(t, shard.Replicas[0].Stats().AppendFailures)
}

// TestShardSync verifies sync by domain and its error paths
func TestShardSync(t *testing.T) {
	shard := newTestShard(t, 0, 2)
	tok, err := shard.Replicas[0].Register()
	require.NoError(t, err)
	_, err = shard.Replicas[0].Execute(tok, storage.Put("a", []byte("1")))
	require.NoError(t, err)

	require.NoError(t, shard.Sync(1))
	assert.Zero(t, shard.Log.Lag(shard.Replicas[1].ID()))

	assert.ErrorIs(t, shard.Sync(2), ErrNoSuchDomain)
	_, err = shard.Replica(-1)
	assert.ErrorIs(t, err, ErrNoSuchDomain)

	require.NoError(t, shard.Close())
	assert.Equal(t, ShardStateClosed, shard.GetState())
	assert.ErrorIs(t, shard.Sync(0), ErrShardClosed)
	require.NoError(t, shard.Close(), "close is idempotent")
}

// TestShardState tests state transitions
func TestShardState(t *testing.T) {
	shard := newTestShard(t, 0, 1)

	states := []ShardState{ShardStateDraining, ShardStateActive}
	for _, state := range states {
		shard.SetState(state)
		if shard.GetState() != state {
			t.Errorf("Expected state %s, got %s", state, shard.GetState())
		}
	}
}

// TestShardRangeOperations tests range queries and deletions through a replica
func TestShardRangeOperations(t *testing.T) {
	shard := newTestShard(t, 0, 2)
	r := shard.Replicas[0]
	tok, err := r.Register()
	require.NoError(t, err)

	for _, k := range []string{"apple", "banana", "cherry", "date", "elderberry"} {
		_, err := r.Execute(tok, storage.Put(k, []byte(k)))
		require.NoError(t, err)
	}

	other := shard.Replicas[1]
	otok, err := other.Register()
	require.NoError(t, err)

	res, err := other.ExecuteRO(otok, storage.ListRange("b", "d"))
	require.NoError(t, err)
	assert.Equal(t, []string{"banana", "cherry"}, res.Keys)

	res, err = other.Execute(otok, storage.DeleteRange("b", "d"))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Count)

	res, err = r.ExecuteRO(tok, storage.List())
	require.NoError(t, err)
	assert.Equal(t, []string{"apple", "date", "elderberry"}, res.Keys)

	got, err := r.ExecuteRO(tok, storage.Get("apple"))
	require.NoError(t, err)
	if !bytes.Equal(got.Value, []byte("apple")) {
		t.Errorf("Expected 'apple', got %s", got.Value)
	}
}

// TestShardStatsAfterClose verifies a closed shard still reports its log and
// logs why storage stats are missing
func TestShardStatsAfterClose(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	shard, err := NewShard(3, 1, oplog.Options{Capacity: 16, Logger: zap.New(core)}, replica.Options{})
	require.NoError(t, err)

	tok, err := shard.Replicas[0].Register()
	require.NoError(t, err)
	_, err = shard.Replicas[0].Execute(tok, storage.Put("a", []byte("1")))
	require.NoError(t, err)
	require.NoError(t, shard.Replicas[0].Deregister(tok))
	require.NoError(t, shard.Close())

	stats := shard.GetStats()
	assert.Equal(t, uint64(1), stats.Log.Tail)
	assert.Zero(t, stats.Storage.Keys)

	entries := logs.FilterMessage("storage stats unavailable").All()
	require.Len(t, entries, 1)
	assert.Equal(t, int64(3), entries[0].ContextMap()["shard"])
	assert.Contains(t, entries[0].ContextMap()["error"], replica.ErrClosed.Error())
}
