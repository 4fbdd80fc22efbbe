// Package shard partitions a replicated key-value map over several
// independent operation logs, so that writers on unrelated keys never
// contend on the same log tail.
//
// # Overview
//
// A Shard owns one oplog.Log and one replica of storage.Map per scalability
// domain. A Set holds N shards and routes every key to exactly one of them
// with xxhash. Goroutines obtain a Handle for their domain; the handle holds
// one replica token per shard and implements storage.Store.
//
// # Architecture
//
//	┌─────────────────────────────────────┐
//	│              SHARD                  │
//	├─────────────────────────────────────┤
//	│  ┌──────────────────────────────┐   │
//	│  │  oplog.Log[storage.Mutation] │   │
//	│  │  - bounded ring              │   │
//	│  │  - OnLagging -> TrySync      │   │
//	│  └──────────────────────────────┘   │
//	│  ┌────────┐ ┌────────┐ ┌────────┐   │
//	│  │ dom 0  │ │ dom 1  │ │ dom N  │   │
//	│  │ Map    │ │ Map    │ │ Map    │   │
//	│  └────────┘ └────────┘ └────────┘   │
//	│  Metadata: ID, State, Stats         │
//	└─────────────────────────────────────┘
//
// # Lagging Domains
//
// A domain whose goroutines stop issuing operations stops replaying its
// shard's log and would eventually fill it. Every shard wires its log's
// lagging hook to the lagging replica's TrySync, so whichever domain runs out
// of room catches the idle one up. SyncLog does the same on demand.
//
// # Consistency
//
// Single-key operations are linearizable. Operations spanning shards (List,
// ListKeysInRange, DeleteRange, Stats) are linearizable per shard only.
//
// # Shard States
//
//	active ──Close──► draining ──► closed
//
// # Example
//
//	set, err := shard.NewSet(shard.Options{Shards: 4, Domains: 2})
//	if err != nil {
//	    return err
//	}
//	defer set.Close()
//
//	h, err := set.Register(0)
//	if err != nil {
//	    return err
//	}
//	defer h.Close()
//
//	_ = h.Put("user:1", []byte("alice"))
//	v, err := h.Get("user:1")
package shard
