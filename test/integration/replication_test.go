package integration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap/zaptest"

	"github.com/dreamware/noderep/internal/config"
	"github.com/dreamware/noderep/internal/monitor"
	"github.com/dreamware/noderep/internal/shard"
	"github.com/dreamware/noderep/internal/storage"
)

// TestSystem is a replicated key-value map with one handle per domain and a
// lag monitor, assembled the way the bench driver does it.
type TestSystem struct {
	t       *testing.T
	set     *shard.Set
	handles []*shard.Handle
	mon     *monitor.LagMonitor
	mock    *clock.Mock
	cancel  context.CancelFunc
}

// NewTestSystem builds the system from a configuration
func NewTestSystem(t *testing.T, cfg *config.Config) *TestSystem {
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Invalid config: %v", err)
	}

	logger := zaptest.NewLogger(t)
	set, err := shard.NewSet(shard.Options{
		Shards:  cfg.Shards,
		Domains: cfg.Domains,
		Log:     cfg.LogOptions(),
		Replica: cfg.ReplicaOptions(),
		Logger:  logger,
	})
	if err != nil {
		t.Fatalf("Failed to create shard set: %v", err)
	}

	ts := &TestSystem{t: t, set: set, mock: clock.NewMock()}
	for d := 0; d < cfg.Domains; d++ {
		h, err := set.Register(d)
		if err != nil {
			t.Fatalf("Failed to register domain %d: %v", d, err)
		}
		ts.handles = append(ts.handles, h)
	}

	opts := cfg.MonitorOptions()
	opts.Clock = ts.mock
	opts.Logger = logger
	ts.mon = monitor.New(opts)

	ctx, cancel := context.WithCancel(context.Background())
	ts.cancel = cancel
	go ts.mon.Start(ctx, monitor.SetTargets(set))
	return ts
}

// Stop tears everything down in reverse order
func (ts *TestSystem) Stop() {
	ts.cancel()
	ts.mon.Stop()
	for _, h := range ts.handles {
		if err := h.Close(); err != nil {
			ts.t.Errorf("Failed to close handle: %v", err)
		}
	}
	if err := ts.set.Close(); err != nil {
		ts.t.Errorf("Failed to close set: %v", err)
	}
}

// Domain returns the handle serving domain d
func (ts *TestSystem) Domain(d int) *shard.Handle { return ts.handles[d] }

// Tick advances the monitor's clock by one interval
func (ts *TestSystem) Tick(interval time.Duration) { ts.mock.Add(interval) }

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Shards = 4
	cfg.Domains = 3
	cfg.ThreadsPerDomain = 4
	cfg.Log.Capacity = 64
	cfg.Monitor.Interval = "10ms"
	cfg.Monitor.Threshold = 16
	cfg.Monitor.MaxConsecutive = 1
	return cfg
}

func TestReplicatedStorage(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ts := NewTestSystem(t, testConfig())
	defer ts.Stop()

	t.Run("StoreAndRetrieve", func(t *testing.T) {
		testStoreAndRetrieve(t, ts)
	})

	t.Run("UpdateExistingValue", func(t *testing.T) {
		testUpdateExistingValue(t, ts)
	})

	t.Run("DeleteValue", func(t *testing.T) {
		testDeleteValue(t, ts)
	})

	t.Run("NonExistentKey", func(t *testing.T) {
		testNonExistentKey(t, ts)
	})

	t.Run("KeyDistribution", func(t *testing.T) {
		testKeyDistribution(t, ts)
	})

	t.Run("ConcurrentOperations", func(t *testing.T) {
		testConcurrentOperations(t, ts)
	})

	t.Run("RangeOperations", func(t *testing.T) {
		testRangeOperations(t, ts)
	})

	t.Run("IdleDomainCatchesUp", func(t *testing.T) {
		testIdleDomainCatchesUp(t, ts)
	})

	t.Run("SystemVisibility", func(t *testing.T) {
		testSystemVisibility(t, ts)
	})
}

// testStoreAndRetrieve verifies a write through one domain is readable from all
func testStoreAndRetrieve(t *testing.T, ts *TestSystem) {
	if err := ts.Domain(0).Put("greeting", []byte("Hello World")); err != nil {
		t.Fatalf("Failed to Put: %v", err)
	}

	for d := range ts.handles {
		value, err := ts.Domain(d).Get("greeting")
		if err != nil {
			t.Fatalf("Domain %d: failed to Get: %v", d, err)
		}
		if string(value) != "Hello World" {
			t.Errorf("Domain %d: expected 'Hello World', got '%s'", d, value)
		}
	}
}

// testUpdateExistingValue verifies the last write wins everywhere
func testUpdateExistingValue(t *testing.T, ts *TestSystem) {
	ts.Domain(0).Put("counter", []byte("1"))
	ts.Domain(1).Put("counter", []byte("2"))

	value, err := ts.Domain(2).Get("counter")
	if err != nil {
		t.Fatalf("Failed to Get: %v", err)
	}
	if string(value) != "2" {
		t.Errorf("Expected '2', got '%s'", value)
	}
}

// testDeleteValue verifies a delete through one domain hides the key from all
func testDeleteValue(t *testing.T, ts *TestSystem) {
	ts.Domain(1).Put("temp", []byte("temporary"))
	if err := ts.Domain(2).Delete("temp"); err != nil {
		t.Fatalf("Failed to Delete: %v", err)
	}

	for d := range ts.handles {
		if _, err := ts.Domain(d).Get("temp"); !errors.Is(err, storage.ErrKeyNotFound) {
			t.Errorf("Domain %d: expected ErrKeyNotFound, got %v", d, err)
		}
	}
}

// testNonExistentKey verifies a missing key reports ErrKeyNotFound
func testNonExistentKey(t *testing.T, ts *TestSystem) {
	if _, err := ts.Domain(0).Get("does-not-exist"); !errors.Is(err, storage.ErrKeyNotFound) {
		t.Errorf("Expected ErrKeyNotFound, got %v", err)
	}
}

// testKeyDistribution verifies keys spread over the shards
func testKeyDistribution(t *testing.T, ts *TestSystem) {
	keys := []string{"key1", "key2", "key3", "key4", "key5", "key6", "key7", "key8"}
	used := make(map[int]bool)
	for i, key := range keys {
		if err := ts.Domain(i%3).Put(key, []byte(fmt.Sprintf("value%d", i+1))); err != nil {
			t.Fatalf("Failed to Put %s: %v", key, err)
		}
		used[ts.set.ShardFor(key).ID] = true
	}

	// With 8 keys and 4 shards at least 2 shards should be used.
	if len(used) < 2 {
		t.Errorf("Poor shard distribution: only %d shards used for %d keys", len(used), len(keys))
	}

	for i, key := range keys {
		value, err := ts.Domain(2 - i%3).Get(key)
		if err != nil {
			t.Fatalf("Failed to Get %s: %v", key, err)
		}
		if want := fmt.Sprintf("value%d", i+1); string(value) != want {
			t.Errorf("Key %s: expected '%s', got '%s'", key, want, value)
		}
	}
}

// testConcurrentOperations runs several goroutines per domain and checks the
// replicas converge
func testConcurrentOperations(t *testing.T, ts *TestSystem) {
	const clients = 4
	var wg sync.WaitGroup
	errs := make(chan error, clients*len(ts.handles))

	for d := range ts.handles {
		for c := 0; c < clients; c++ {
			h, err := ts.set.Register(d)
			if err != nil {
				t.Fatalf("Failed to register client: %v", err)
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer h.Close()
				for i := 0; i < 100; i++ {
					key := fmt.Sprintf("concurrent-%d-%d-%d", d, c, i%10)
					if err := h.Put(key, []byte(fmt.Sprint(i))); err != nil {
						errs <- err
						return
					}
				}
			}()
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	ok, err := ts.set.Converged()
	if err != nil {
		t.Fatalf("Failed to check convergence: %v", err)
	}
	if !ok {
		t.Error("Replicas diverged")
	}

	value, err := ts.Domain(0).Get("concurrent-2-3-9")
	if err != nil || string(value) != "99" {
		t.Errorf("Expected '99', got '%s' (%v)", value, err)
	}
}

// testRangeOperations verifies range deletes replicate across shards
func testRangeOperations(t *testing.T, ts *TestSystem) {
	for _, k := range []string{"range:a", "range:b", "range:c", "range:d"} {
		ts.Domain(0).Put(k, []byte(k))
	}

	n, err := ts.Domain(1).DeleteRange("range:b", "range:d")
	if err != nil {
		t.Fatalf("Failed to DeleteRange: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected 2 keys deleted, got %d", n)
	}

	keys, err := ts.Domain(2).ListKeysInRange("range:", "range:~")
	if err != nil {
		t.Fatalf("Failed to ListKeysInRange: %v", err)
	}
	if fmt.Sprint(keys) != "[range:a range:d]" {
		t.Errorf("Expected [range:a range:d], got %v", keys)
	}
}

// testIdleDomainCatchesUp writes through one domain only and lets the
// monitor nudge the others
func testIdleDomainCatchesUp(t *testing.T, ts *TestSystem) {
	for i := 0; i < 200; i++ {
		if err := ts.Domain(0).Put(fmt.Sprintf("idle-%d", i), []byte("x")); err != nil {
			t.Fatalf("Write %d failed: %v", i, err)
		}
	}

	ts.Tick(10 * time.Millisecond)
	deadline := time.Now().Add(5 * time.Second)
	for {
		var worst uint64
		for _, tgt := range monitor.SetTargets(ts.set)() {
			worst = max(worst, tgt.Lag())
		}
		if worst <= 16 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Idle domains still lag by %d entries", worst)
		}
		ts.Tick(10 * time.Millisecond)
		time.Sleep(time.Millisecond)
	}
}

// testSystemVisibility verifies per-shard metadata adds up
func testSystemVisibility(t *testing.T, ts *TestSystem) {
	if err := ts.set.Sync(); err != nil {
		t.Fatalf("Failed to sync: %v", err)
	}

	keys := 0
	for _, info := range ts.set.Info() {
		if info.State != shard.ShardStateActive {
			t.Errorf("Shard %d: expected active, got %s", info.ID, info.State)
		}
		keys += info.KeyCount
	}

	listed, err := ts.Domain(1).ListKeys()
	if err != nil {
		t.Fatalf("Failed to ListKeys: %v", err)
	}
	if keys != len(listed) {
		t.Errorf("Info counts %d keys, ListKeys returned %d", keys, len(listed))
	}

	if len(ts.mon.All()) != 4*3 {
		t.Errorf("Expected 12 monitored replicas, got %d", len(ts.mon.All()))
	}
}
