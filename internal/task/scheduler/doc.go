// Package scheduler admits tasks into a bounded-concurrency pool, enforces
// the status state machine and dependency ordering, and cancels tasks whose
// deadline passes while they are still PENDING.
//
// Admission and promotion are separate operations. Schedule only records a
// task as PENDING (and arms its deadline when it could run now); Rebalance and
// UpdateDependents are the only paths that promote PENDING tasks to RUNNING.
// Callers are expected to trigger them when capacity frees up, typically on
// completion events.
//
// All state decisions run on a single goroutine that receives requests over a
// channel, so the "count RUNNING, then write RUNNING" window cannot interleave
// between callers of the same Scheduler. Lifecycle events are published on the
// calling goroutine after that goroutine has replied, so handlers may call
// back into the Scheduler.
package scheduler
