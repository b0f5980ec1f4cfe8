// Package recurring registers cron and interval triggers that submit task
// templates to the scheduler, plus the periodic rebalance tick.
//
// Triggers only submit; execution and slot accounting belong to the scheduler
// and the engine.
package recurring
