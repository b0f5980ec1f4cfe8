package task

import (
	"encoding/json"
	"time"
)

// DependencyType tells the scheduler whether a dependency blocks promotion.
type DependencyType string

const (
	// DependencyHard must reach COMPLETED before the dependent may run.
	DependencyHard DependencyType = "hard"
	// DependencySoft is informational and never blocks scheduling.
	DependencySoft DependencyType = "soft"
)

// Dependency is one entry of a task's ordered dependency list.
type Dependency struct {
	TaskID string         `json:"task_id" validate:"notblank"`
	Type   DependencyType `json:"type" validate:"oneof=hard soft"`
}

// Metadata carries the caller identity plus start stamp and deadline.
//
// EndTime is a deadline, not a completion time: a task still PENDING when it
// passes is cancelled.
type Metadata struct {
	CreatedBy string     `json:"created_by" validate:"notblank"`
	StartTime *time.Time `json:"start_time,omitempty"`
	EndTime   *time.Time `json:"end_time,omitempty"`
}

// Task is the unit of schedulable work.
type Task struct {
	ID           string          `json:"id" validate:"notblank"`
	Type         string          `json:"type" validate:"notblank"`
	Status       Status          `json:"status,omitempty"`
	Priority     int             `json:"priority"`
	Dependencies []Dependency    `json:"dependencies" validate:"dive"`
	Metadata     *Metadata       `json:"metadata" validate:"required"`
	CreatedAt    time.Time       `json:"created_at"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

// Deadline returns metadata.endTime when set.
func (t *Task) Deadline() (time.Time, bool) {
	if t == nil || t.Metadata == nil || t.Metadata.EndTime == nil || t.Metadata.EndTime.IsZero() {
		return time.Time{}, false
	}
	return *t.Metadata.EndTime, true
}

// HardDependencies lists the ids this task must wait for, in declaration order.
func (t *Task) HardDependencies() []string {
	if t == nil {
		return nil
	}
	out := make([]string, 0, len(t.Dependencies))
	for _, d := range t.Dependencies {
		if d.Type == DependencyHard {
			out = append(out, d.TaskID)
		}
	}
	return out
}

// DependsOn reports whether id appears anywhere in the dependency list.
func (t *Task) DependsOn(id string) bool {
	if t == nil {
		return false
	}
	for _, d := range t.Dependencies {
		if d.TaskID == id {
			return true
		}
	}
	return false
}

// Clone returns a deep copy. Stores hand out clones so callers never alias
// persisted state.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	if t.Dependencies != nil {
		cp.Dependencies = append([]Dependency(nil), t.Dependencies...)
	}
	if t.Metadata != nil {
		md := *t.Metadata
		if t.Metadata.StartTime != nil {
			st := *t.Metadata.StartTime
			md.StartTime = &st
		}
		if t.Metadata.EndTime != nil {
			et := *t.Metadata.EndTime
			md.EndTime = &et
		}
		cp.Metadata = &md
	}
	if t.Payload != nil {
		cp.Payload = append(json.RawMessage(nil), t.Payload...)
	}
	return &cp
}

// StampStart sets metadata.startTime.
func (t *Task) StampStart(now time.Time) {
	if t.Metadata == nil {
		t.Metadata = &Metadata{}
	}
	t.Metadata.StartTime = &now
}
