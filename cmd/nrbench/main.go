// Package main implements nrbench, a driver that exercises the replication
// engine with concurrent workloads and reports throughput.
//
// Each run builds either a shard set of replicated maps (kv) or a single log
// with replicated counters (counter), starts ThreadsPerDomain goroutines on
// every domain and checks after the run that every replica holds the same
// state.
//
// Architecture:
//
//	┌─────────────────────────────────────────┐
//	│                nrbench                  │
//	├─────────────────────────────────────────┤
//	│  Commands:                              │
//	│    run       - Run a workload           │
//	│    config    - Print effective config   │
//	│    topology  - Print domain CPU split   │
//	├─────────────────────────────────────────┤
//	│  Debug HTTP (--http):                   │
//	│    /health   - Replica lag status       │
//	│    /info     - Run and replica state    │
//	│    /metrics  - Prometheus exposition    │
//	└─────────────────────────────────────────┘
//
// Configuration comes from a YAML file (--config) with NR_* environment
// overrides; flags given on the command line win over both.
//
// Example usage:
//
//	nrbench run --workload kv --domains 2 --threads 8 --duration 10s
//	nrbench run --workload counter --baseline
//	NR_LOG_CAPACITY=4096 nrbench run --http :9090
package main

import "os"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
