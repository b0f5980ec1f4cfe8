package eventbus

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"taskcore/internal/task"
	logx "taskcore/pkg/logx"
)

// Kind names a lifecycle event.
type Kind string

const (
	TaskPending   Kind = "task:pending"
	TaskStarted   Kind = "task:started"
	TaskCompleted Kind = "task:completed"
	TaskFailed    Kind = "task:failed"
	TaskCancelled Kind = "task:cancelled"
	TaskPriority  Kind = "task:priority"

	// All subscribes a handler to every kind.
	All Kind = "*"
)

// Kinds lists every concrete event kind.
func Kinds() []Kind {
	return []Kind{TaskPending, TaskStarted, TaskCompleted, TaskFailed, TaskCancelled, TaskPriority}
}

// Event is an in-process lifecycle signal.
//
// Task is a copy of the task after the change; handlers may keep or mutate it.
type Event struct {
	Kind   Kind       `json:"kind"`
	Time   time.Time  `json:"time"`
	Task   *task.Task `json:"task"`
	Reason string     `json:"reason,omitempty"`
}

// Handler receives events synchronously on the publishing goroutine.
type Handler func(Event)

// Bus is a synchronous, best-effort publish/subscribe emitter.
//
// Contract:
//   - Publish returns after every matching handler ran, in subscription order.
//   - A panicking handler is recovered and does not stop delivery to the rest.
//   - There is no delivery guarantee beyond in-process handlers.
type Bus interface {
	Publish(e Event)
	Subscribe(kind Kind, h Handler) (unsubscribe func())
}

type Option func(*memBus)

// WithLogger reports recovered handler panics.
func WithLogger(log logx.Logger) Option {
	return func(b *memBus) { b.log = log }
}

// New returns an in-memory emitter. It owns no goroutines.
func New(opts ...Option) Bus {
	b := &memBus{subs: map[uint64]subscription{}, log: logx.Nop()}
	for _, o := range opts {
		if o != nil {
			o(b)
		}
	}
	return b
}

type subscription struct {
	id   uint64
	kind Kind
	h    Handler
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]subscription
	seq  atomic.Uint64
	log  logx.Logger
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Snapshot subscribers so handlers may subscribe/unsubscribe while running.
	b.mu.RLock()
	matched := make([]subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.kind == All || s.kind == e.Kind {
			matched = append(matched, s)
		}
	}
	b.mu.RUnlock()
	sort.Slice(matched, func(i, j int) bool { return matched[i].id < matched[j].id })

	for _, s := range matched {
		ev := e
		ev.Task = e.Task.Clone()
		b.deliver(s, ev)
	}
}

func (b *memBus) deliver(s subscription, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("event handler panic",
				logx.String("kind", string(e.Kind)),
				logx.Uint64("sub", s.id),
				logx.String("panic", fmt.Sprint(r)),
			)
		}
	}()
	s.h(e)
}

func (b *memBus) Subscribe(kind Kind, h Handler) func() {
	if h == nil {
		return func() {}
	}
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = subscription{id: id, kind: kind, h: h}
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// Stream adapts a synchronous subscription into a buffered channel for
// consumers that do slow work (network sinks). Publish never blocks on it:
// when the buffer is full the event is dropped and counted in dropped.
func Stream(b Bus, kind Kind, buffer int) (ch <-chan Event, dropped *atomic.Uint64, unsubscribe func()) {
	if buffer <= 0 {
		buffer = 64
	}
	out := make(chan Event, buffer)
	var drops atomic.Uint64
	var closed atomic.Bool
	var mu sync.Mutex

	unsub := b.Subscribe(kind, func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		if closed.Load() {
			return
		}
		select {
		case out <- e:
		default:
			drops.Add(1)
		}
	})

	var once sync.Once
	return out, &drops, func() {
		once.Do(func() {
			unsub()
			mu.Lock()
			closed.Store(true)
			close(out)
			mu.Unlock()
		})
	}
}
