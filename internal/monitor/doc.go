// Package monitor watches how far each replica trails its operation log and
// nudges replicas that stay behind.
//
// # Overview
//
// Node replication only makes progress on a replica when some goroutine of
// its domain drives it. A domain that goes quiet keeps its log cursor in
// place, and once the log wraps around to that cursor every writer on every
// other domain stalls. The log's lagging hook handles that moment; the
// LagMonitor acts earlier, on a timer:
//
//	┌──────────────┐  tick   ┌───────────────────────┐
//	│ clock.Ticker │ ──────► │ for each Target:      │
//	└──────────────┘         │   lag > Threshold ?   │
//	                         │   N checks in a row ? │
//	                         │   -> OnLagging/Nudge  │
//	                         └───────────────────────┘
//
// # State
//
//	unknown ──► synced ◄──► lagging
//
// A replica is marked lagging after MaxConsecutive checks over Threshold and
// is nudged once per transition. One check at or under the threshold marks
// it synced again.
//
// # Time
//
// The monitor reads time from a clock.Clock so tests drive it with
// clock.NewMock().
package monitor
