// Package backoff provides the pacing policies used by every busy-wait loop in
// the replication engine.
//
// # Overview
//
// The engine never blocks on scheduler primitives: combiners wait for log slots
// to be published, waiters poll their result slot, appenders wait for garbage
// collection to free room. Each of those loops asks a Policy for a Backoff and
// calls Pause between polls, so the strategy is swappable and testable:
//
//	Spin         fixed busy loop, never yields (dedicated cores)
//	Yield        runtime.Gosched on every pause
//	Exponential  spin -> yield -> sleep with a capped exponential delay
//
// Every policy takes an optional Limit. Tests use small limits so that a stuck
// protocol surfaces as ErrExhausted instead of a hung test binary.
package backoff
