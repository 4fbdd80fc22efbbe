// Package replica turns a sequential data structure into a linearizable
// concurrent one by keeping one copy per scalability domain and funnelling
// every mutation through a shared oplog.Log.
//
// # Overview
//
// A Replica owns a private copy of the data structure. Goroutines register
// with the replica of their domain and get a Token. Mutations go through
// Execute, reads through ExecuteRO or ExecuteCommutative.
//
// # Flat Combining
//
// Execute places the operation in the caller's slot and then competes for
// the replica's combiner flag. The winner batches every pending slot,
// appends the batch to the log with one reservation, replays the log into
// the local copy and writes each response back. The other submitters only
// ever touch their own slot until their response shows up, so contention on
// the shared log is one CAS per batch rather than per operation.
//
//	goroutines ──► slots ──► combiner ──► log.Append ──► replay ──► responses
//
// # Reads
//
// A read snapshots the log position it must observe and waits until the
// local copy has caught up with it, combining on the replica's behalf when
// the flag is free. Reads never append. ExecuteCommutative may skip the wait
// when the data structure reports that every pending write commutes with
// the read.
//
// # Liveness
//
// A replica that nobody drives stops consuming the log and eventually stalls
// appenders on other replicas. Wire the log's OnLagging hook to TrySync, or
// call Sync periodically on idle replicas.
package replica
