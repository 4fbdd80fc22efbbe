package storage

import (
	"bytes"
	"fmt"
	"sync"
	"testing"
)

// TestMemoryStore tests the lock-based baseline store
func TestMemoryStore(t *testing.T) {
	t.Run("new store is empty", func(t *testing.T) {
		store := NewMemoryStore()

		if keys := store.List(); len(keys) != 0 {
			t.Errorf("Expected empty store, got %d keys", len(keys))
		}

		_, err := store.Get("nonexistent")
		if err != ErrKeyNotFound {
			t.Errorf("Expected ErrKeyNotFound, got %v", err)
		}
	})

	t.Run("put get overwrite", func(t *testing.T) {
		store := NewMemoryStore()

		if err := store.Put("key1", []byte("value1")); err != nil {
			t.Fatalf("Failed to put value: %v", err)
		}
		if err := store.Put("key1", []byte("value2")); err != nil {
			t.Fatalf("Failed to overwrite value: %v", err)
		}

		value, err := store.Get("key1")
		if err != nil {
			t.Fatalf("Failed to get value: %v", err)
		}
		if !bytes.Equal(value, []byte("value2")) {
			t.Errorf("Expected 'value2', got %s", string(value))
		}
	})

	t.Run("values are copied", func(t *testing.T) {
		store := NewMemoryStore()

		in := []byte("original")
		store.Put("k", in)
		in[0] = 'X'

		out, _ := store.Get("k")
		if string(out) != "original" {
			t.Errorf("Store kept a reference to the caller's slice: %s", out)
		}

		out[0] = 'Y'
		again, _ := store.Get("k")
		if string(again) != "original" {
			t.Errorf("Get returned a reference into the store: %s", again)
		}
	})

	t.Run("delete is idempotent", func(t *testing.T) {
		store := NewMemoryStore()
		store.Put("key1", []byte("value1"))

		if err := store.Delete("key1"); err != nil {
			t.Fatalf("Failed to delete: %v", err)
		}
		if err := store.Delete("key1"); err != nil {
			t.Errorf("Delete of non-existent key should not error, got %v", err)
		}
		if _, err := store.Get("key1"); err != ErrKeyNotFound {
			t.Errorf("Expected ErrKeyNotFound after delete, got %v", err)
		}
	})

	t.Run("nil value stores empty slice", func(t *testing.T) {
		store := NewMemoryStore()
		store.Put("nil", nil)

		value, err := store.Get("nil")
		if err != nil {
			t.Fatalf("Failed to get nil value: %v", err)
		}
		if value == nil || len(value) != 0 {
			t.Errorf("Expected empty byte slice for nil value, got %v", value)
		}
	})

	t.Run("ranges", func(t *testing.T) {
		store := NewMemoryStore()
		for _, k := range []string{"a", "b", "c", "d", "e"} {
			store.Put(k, []byte(k))
		}

		got := store.ListRange("b", "d")
		if fmt.Sprint(got) != "[b c]" {
			t.Errorf("ListRange(b, d) = %v", got)
		}

		if n := store.DeleteRange("b", "d"); n != 2 {
			t.Errorf("DeleteRange removed %d keys, want 2", n)
		}
		if got := store.List(); fmt.Sprint(got) != "[a d e]" {
			t.Errorf("List after DeleteRange = %v", got)
		}
	})
}

// TestMemoryStoreConcurrency tests concurrent access to the baseline
func TestMemoryStoreConcurrency(t *testing.T) {
	store := NewMemoryStore()
	numGoroutines := 10
	numOps := 100

	var wg sync.WaitGroup
	wg.Add(numGoroutines)
	for i := 0; i < numGoroutines; i++ {
		go func(id int) {
			defer wg.Done()
			for j := 0; j < numOps; j++ {
				key := fmt.Sprintf("g%d-k%d", id, j)
				store.Put(key, []byte(key))
				if _, err := store.Get(key); err != nil {
					t.Errorf("Failed to read own write %s: %v", key, err)
				}
				if j%2 == 0 {
					store.Delete(key)
				}
			}
		}(i)
	}
	wg.Wait()

	stats := store.Stats()
	if stats.Keys != numGoroutines*numOps/2 {
		t.Errorf("Expected %d keys, got %d", numGoroutines*numOps/2, stats.Keys)
	}
}

// TestStoreInterface verifies the Store interface contract
func TestStoreInterface(t *testing.T) {
	var _ Store = (*MemoryStore)(nil)

	var store Store = NewMemoryStore()
	if err := store.Put("interface-key", []byte("interface-value")); err != nil {
		t.Fatalf("Interface Put failed: %v", err)
	}
	if keys := store.List(); len(keys) != 1 {
		t.Errorf("Interface List returned wrong count: %d", len(keys))
	}
	if err := store.Delete("interface-key"); err != nil {
		t.Fatalf("Interface Delete failed: %v", err)
	}
}

// TestMemoryStoreStats tests the statistics functionality
func TestMemoryStoreStats(t *testing.T) {
	store := NewMemoryStore()

	stats := store.Stats()
	if stats.Keys != 0 || stats.Bytes != 0 {
		t.Errorf("Initial stats should be zero, got keys=%d bytes=%d", stats.Keys, stats.Bytes)
	}

	store.Put("key1", []byte("value1"))   // 6 bytes
	store.Put("key2", []byte("value22"))  // 7 bytes
	store.Put("key3", []byte("value333")) // 8 bytes
	store.Put("key1", []byte("v1"))       // 6 -> 2 bytes

	stats = store.Stats()
	if stats.Keys != 3 || stats.Bytes != 2+7+8 {
		t.Errorf("Expected keys=3 bytes=17, got keys=%d bytes=%d", stats.Keys, stats.Bytes)
	}

	store.Delete("key2")
	stats = store.Stats()
	if stats.Keys != 2 || stats.Bytes != 2+8 {
		t.Errorf("Expected keys=2 bytes=10 after delete, got keys=%d bytes=%d", stats.Keys, stats.Bytes)
	}
}
