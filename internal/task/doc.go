// Package task defines the schedulable unit of work shared by the scheduler,
// the storage backends and the executor: the Task record, its lifecycle
// statuses and transition table, dependency declarations, shape validation
// and the scheduler error taxonomy.
package task
