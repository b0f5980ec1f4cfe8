package notifier

import (
	"fmt"
	"strings"

	"taskcore/internal/eventbus"
)

var kindIcon = map[eventbus.Kind]string{
	eventbus.TaskFailed:    "❌",
	eventbus.TaskCancelled: "🚫",
	eventbus.TaskCompleted: "✅",
	eventbus.TaskStarted:   "▶️",
	eventbus.TaskPending:   "🕒",
	eventbus.TaskPriority:  "⬆️",
}

// Format renders one line for an event.
func Format(e eventbus.Event) string {
	var b strings.Builder
	if icon, ok := kindIcon[e.Kind]; ok {
		b.WriteString(icon)
		b.WriteByte(' ')
	}
	b.WriteString(string(e.Kind))
	if t := e.Task; t != nil {
		fmt.Fprintf(&b, " %s type=%s priority=%d", t.ID, t.Type, t.Priority)
		if t.Metadata != nil && t.Metadata.CreatedBy != "" {
			fmt.Fprintf(&b, " by=%s", t.Metadata.CreatedBy)
		}
	}
	if r := strings.TrimSpace(e.Reason); r != "" {
		fmt.Fprintf(&b, ": %s", r)
	}
	return b.String()
}
