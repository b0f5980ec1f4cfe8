package natsbus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskcore/internal/eventbus"
	"taskcore/internal/storage"
	"taskcore/internal/task"
	"taskcore/internal/task/scheduler"
	logx "taskcore/pkg/logx"
)

type published struct {
	subj string
	data []byte
}

type fakeConn struct {
	mu       sync.Mutex
	handlers map[string]nats.MsgHandler
	queues   map[string]string
	out      []published
	subErr   error
}

func newFakeConn() *fakeConn {
	return &fakeConn{handlers: map[string]nats.MsgHandler{}, queues: map[string]string{}}
}

func (f *fakeConn) QueueSubscribe(subj, queue string, cb nats.MsgHandler) (*nats.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subErr != nil {
		return nil, f.subErr
	}
	f.handlers[subj] = cb
	f.queues[subj] = queue
	return nil, nil
}

func (f *fakeConn) Publish(subj string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.out = append(f.out, published{subj: subj, data: append([]byte(nil), data...)})
	return nil
}

func (f *fakeConn) deliver(t *testing.T, subj string, data string, reply string) {
	t.Helper()
	f.mu.Lock()
	h := f.handlers[subj]
	f.mu.Unlock()
	require.NotNil(t, h, "no handler for %s", subj)
	h(&nats.Msg{Subject: subj, Reply: reply, Data: []byte(data)})
}

func (f *fakeConn) replies(t *testing.T, subj string) []Reply {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Reply
	for _, p := range f.out {
		if p.subj != subj {
			continue
		}
		var r Reply
		require.NoError(t, json.Unmarshal(p.data, &r))
		out = append(out, r)
	}
	return out
}

func (f *fakeConn) subjects() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, p := range f.out {
		out = append(out, p.subj)
	}
	return out
}

func setup(t *testing.T, max int) (*fakeConn, *scheduler.Scheduler, *storage.MemoryStore, eventbus.Bus) {
	t.Helper()
	q := storage.NewMemory()
	bus := eventbus.New()
	s := scheduler.New(scheduler.Config{MaxConcurrent: max}, q, bus, logx.Nop())
	s.Start(context.Background())
	t.Cleanup(func() { s.Stop(context.Background()) })

	conn := newFakeConn()
	in := NewIntake(Config{Prefix: "tc"}, conn, s, logx.Nop())
	require.NoError(t, in.Start())
	t.Cleanup(in.Stop)
	return conn, s, q, bus
}

func TestIntakeSubscribesWithQueueGroup(t *testing.T) {
	conn, _, _, _ := setup(t, 1)
	assert.Equal(t, DefaultQueueGroup, conn.queues["tc.submit"])
	assert.Equal(t, DefaultQueueGroup, conn.queues["tc.cancel"])
}

func TestSubmitAssignsIDAndPromotes(t *testing.T) {
	conn, _, q, _ := setup(t, 1)

	conn.deliver(t, "tc.submit", `{"type":"echo","priority":2,"metadata":{"created_by":"ops"}}`, "_INBOX.1")

	rs := conn.replies(t, "_INBOX.1")
	require.Len(t, rs, 1)
	require.True(t, rs[0].OK, rs[0].Error)
	require.NotEmpty(t, rs[0].ID)

	got, err := q.GetTask(context.Background(), rs[0].ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, task.StatusRunning, got.Status)
}

func TestSubmitInvalidPayloads(t *testing.T) {
	conn, _, _, _ := setup(t, 1)

	conn.deliver(t, "tc.submit", `{not json`, "r1")
	conn.deliver(t, "tc.submit", `{"id":"x","type":"echo","metadata":{"created_by":" "}}`, "r2")

	r1 := conn.replies(t, "r1")
	require.Len(t, r1, 1)
	assert.False(t, r1[0].OK)
	assert.Contains(t, r1[0].Error, "invalid json")

	r2 := conn.replies(t, "r2")
	require.Len(t, r2, 1)
	assert.False(t, r2[0].OK)
	assert.Equal(t, "x", r2[0].ID)
}

func TestSubmitWithoutReplyIsSilent(t *testing.T) {
	conn, _, q, _ := setup(t, 1)
	conn.deliver(t, "tc.submit", `{"id":"quiet","type":"echo","metadata":{"created_by":"ops"}}`, "")
	assert.Empty(t, conn.subjects())

	got, err := q.GetTask(context.Background(), "quiet")
	require.NoError(t, err)
	require.NotNil(t, got)
}

func TestCancel(t *testing.T) {
	conn, _, q, _ := setup(t, 1)
	conn.deliver(t, "tc.submit", `{"id":"a","type":"echo","metadata":{"created_by":"ops"}}`, "")

	conn.deliver(t, "tc.cancel", `{"id":"a"}`, "r1")
	conn.deliver(t, "tc.cancel", `{"id":"a"}`, "r2")
	conn.deliver(t, "tc.cancel", `{"id":"missing"}`, "r3")

	assert.True(t, conn.replies(t, "r1")[0].OK)
	assert.False(t, conn.replies(t, "r2")[0].OK)
	assert.False(t, conn.replies(t, "r3")[0].OK)

	got, err := q.GetTask(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, task.StatusCancelled, got.Status)
}

func TestStartFailsWhenSubscribeFails(t *testing.T) {
	conn := newFakeConn()
	conn.subErr = errors.New("no route")
	in := NewIntake(Config{}, conn, nil, logx.Nop())
	assert.Error(t, in.Start())
}

func TestBridgePublishesEvents(t *testing.T) {
	bus := eventbus.New()
	conn := newFakeConn()
	unsub := NewBridge(Config{Prefix: "tc."}, conn, logx.Nop()).Attach(bus)

	tk := &task.Task{ID: "a", Type: "echo", Metadata: &task.Metadata{CreatedBy: "ops"}}
	bus.Publish(eventbus.Event{Kind: eventbus.TaskStarted, Task: tk})
	bus.Publish(eventbus.Event{Kind: eventbus.TaskCancelled, Task: tk, Reason: "deadline exceeded"})
	unsub()
	bus.Publish(eventbus.Event{Kind: eventbus.TaskFailed, Task: tk})

	assert.Equal(t, []string{"tc.events.started", "tc.events.cancelled"}, conn.subjects())

	var e eventbus.Event
	require.NoError(t, json.Unmarshal(conn.out[1].data, &e))
	assert.Equal(t, eventbus.TaskCancelled, e.Kind)
	assert.Equal(t, "deadline exceeded", e.Reason)
	require.NotNil(t, e.Task)
	assert.Equal(t, "a", e.Task.ID)
}
