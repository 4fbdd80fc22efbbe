// Package oplog implements the shared operation log at the heart of node
// replication: a single bounded circular sequence of committed operations that
// is the only source of truth for ordering across every replica.
//
// # Overview
//
// Replicas never share their copy of the data structure. Instead every
// mutating operation is appended to one Log, and each replica replays the log
// into its own copy in offset order. Because all replicas apply the same
// deterministic operations in the same order they all pass through the same
// sequence of states.
//
// # Architecture
//
//	   replica 0 combiner          replica 1 combiner
//	          │ Append(batch)              │ Append(batch)
//	          ▼                            ▼
//	┌──────────────────────────────────────────────────────┐
//	│  tail (CAS)                                          │
//	│  ┌────┬────┬────┬────┬────┬────┬────┬────┐           │
//	│  │ e0 │ e1 │ e2 │ e3 │ e4 │ e5 │ .. │ .. │  ring     │
//	│  └────┴────┴────┴────┴────┴────┴────┴────┘           │
//	│    ▲ head        ▲ ltail[1]       ▲ ltail[0]         │
//	└──────────────────────────────────────────────────────┘
//
// # Appending
//
// Append reserves a whole batch with one CAS on tail, which is the point of
// the design: one shared cache-line bounce per batch instead of per operation.
// Slot contents are written first and each slot is then published by storing
// its sequence tag (offset+1). Readers wait on the tag, so an entry is never
// observed half written.
//
// # Garbage Collection
//
// head is the minimum local tail over live replicas. An append may only reuse
// a slot once head has passed its previous occupant. When the log is full the
// appender helps its own replica catch up, recomputes head, optionally grows
// the window toward MaxCapacity, tells the embedder which replica is lagging
// and backs off. A replica that never syncs surfaces as ErrLogFull.
//
// # Thread Safety
//
// All methods are safe for concurrent use except Replay, which a replica's
// combiner calls while it holds that replica's combiner lock.
package oplog
