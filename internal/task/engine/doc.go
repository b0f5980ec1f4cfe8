// Package engine executes RUNNING tasks whose type has a registered handler.
//
// The engine listens for task:started events, runs the handler on a fixed
// worker pool with timeout, retry and panic recovery, and reports the outcome
// back through a Reporter. Task types without a handler are left for external
// workers.
package engine
