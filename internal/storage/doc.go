// Package storage provides the sequential data structures that noderep
// replicates, plus the Store interface the sharded front end exposes.
//
// # Overview
//
// Node replication needs a data structure split into two halves: mutations
// that are logged and replayed on every replica, and read-only queries that
// run against one replica's copy. This package defines both halves for a
// key-value map and for a counter, with no locking of their own:
//
//	┌─────────────────────────────────────┐
//	│         Application Layer           │
//	│      (shard.Handle, nrbench)        │
//	└─────────────────────────────────────┘
//	                 │ Store API
//	                 ▼
//	┌─────────────────────────────────────┐
//	│  replica.Replica  /  MemoryStore    │
//	│  (log + combiner)    (one RWMutex)  │
//	└─────────────────────────────────────┘
//	                 │ DispatchMut / Dispatch
//	                 ▼
//	┌─────────────────────────────────────┐
//	│          Map      Counter           │
//	└─────────────────────────────────────┘
//
// # Operations
//
// Map mutations (logged, must be deterministic):
//   - Put(key, value) - store a copy of value
//   - Delete(key) - remove a key, no-op when missing
//   - DeleteRange(start, end) - remove every key in [start, end)
//   - Clear() - remove everything
//
// Map queries (local, never logged):
//   - Get(key), List(), ListRange(start, end)
//   - Stat() - key and byte counts
//   - Fingerprint() - xxhash of the sorted content, for convergence checks
//
// Mutation values are shared by every replica that applies them. Nothing in
// this package writes to a stored value, and Get returns copies.
//
// # Commutativity
//
// Map implements Commutes so replicas can serve point and range reads
// without catching up on writes that cannot affect them. Whole-map queries
// never commute.
//
// # Baseline
//
// MemoryStore wraps a single Map in a sync.RWMutex. It satisfies Store and is
// what the benchmark driver compares replicated stores against.
//
// # Error Handling
//
// ErrKeyNotFound: Key doesn't exist in store
//   - Returned by Get
//   - Delete of a missing key is not an error
package storage
