package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskcore/internal/eventbus"
	"taskcore/internal/task"
	logx "taskcore/pkg/logx"
)

type outcome struct {
	id    string
	cause error
}

type fakeReporter struct {
	mu   sync.Mutex
	got  []outcome
	err  error
	note chan struct{}
}

func newFakeReporter() *fakeReporter { return &fakeReporter{note: make(chan struct{}, 16)} }

func (f *fakeReporter) Complete(_ context.Context, id string) error {
	return f.add(id, nil)
}

func (f *fakeReporter) Fail(_ context.Context, id string, cause error) error {
	return f.add(id, cause)
}

func (f *fakeReporter) add(id string, cause error) error {
	f.mu.Lock()
	f.got = append(f.got, outcome{id: id, cause: cause})
	err := f.err
	f.mu.Unlock()
	f.note <- struct{}{}
	return err
}

func (f *fakeReporter) wait(t *testing.T) outcome {
	t.Helper()
	select {
	case <-f.note:
	case <-time.After(2 * time.Second):
		t.Fatal("no outcome reported")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.got[len(f.got)-1]
}

func running(id, typ string) *task.Task {
	return &task.Task{ID: id, Type: typ, Status: task.StatusRunning, Metadata: &task.Metadata{CreatedBy: "u1"}}
}

func newEngine(t *testing.T, cfg Config) (*Service, *fakeReporter, eventbus.Bus) {
	t.Helper()
	rep := newFakeReporter()
	bus := eventbus.New()
	s := New(cfg, rep, bus, logx.Nop())
	t.Cleanup(func() { s.Stop(context.Background()) })
	return s, rep, bus
}

func TestStartedEventRunsHandler(t *testing.T) {
	s, rep, bus := newEngine(t, Config{Workers: 1})
	var seen *task.Task
	require.NoError(t, s.Register("echo", func(_ context.Context, tk *task.Task) error {
		seen = tk
		return nil
	}))
	s.Start(context.Background())

	bus.Publish(eventbus.Event{Kind: eventbus.TaskStarted, Task: running("t1", "echo")})
	got := rep.wait(t)
	assert.Equal(t, "t1", got.id)
	assert.NoError(t, got.cause)
	require.NotNil(t, seen)
	assert.Equal(t, "t1", seen.ID)

	snap := s.Snapshot()
	assert.Equal(t, []string{"echo"}, snap.Handlers)
	require.Len(t, snap.History, 1)
	assert.Equal(t, 1, snap.History[0].Attempts)
}

func TestUnknownTypeIsLeftAlone(t *testing.T) {
	s, rep, bus := newEngine(t, Config{Workers: 1})
	s.Start(context.Background())

	bus.Publish(eventbus.Event{Kind: eventbus.TaskStarted, Task: running("t1", "external")})
	time.Sleep(50 * time.Millisecond)
	rep.mu.Lock()
	defer rep.mu.Unlock()
	assert.Empty(t, rep.got)

	err := s.Enqueue(running("t2", "external"))
	assert.ErrorIs(t, err, ErrNoHandler)
}

func TestRetriesThenSucceeds(t *testing.T) {
	s, rep, _ := newEngine(t, Config{Workers: 1, RetryMax: 3, RetryBase: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond})
	calls := 0
	require.NoError(t, s.Register("flaky", func(context.Context, *task.Task) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	}))
	s.Start(context.Background())

	require.NoError(t, s.Enqueue(running("t1", "flaky")))
	got := rep.wait(t)
	assert.NoError(t, got.cause)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 3, s.Snapshot().History[0].Attempts)
}

func TestNoRetryFailsImmediately(t *testing.T) {
	s, rep, _ := newEngine(t, Config{Workers: 1, RetryMax: 5, RetryBase: time.Millisecond})
	calls := 0
	bad := errors.New("bad payload")
	require.NoError(t, s.Register("strict", func(context.Context, *task.Task) error {
		calls++
		return NoRetry(bad)
	}))
	s.Start(context.Background())

	require.NoError(t, s.Enqueue(running("t1", "strict")))
	got := rep.wait(t)
	assert.ErrorIs(t, got.cause, bad)
	assert.False(t, IsNoRetry(got.cause))
	assert.Equal(t, 1, calls)
}

func TestPanicBecomesFailure(t *testing.T) {
	s, rep, _ := newEngine(t, Config{Workers: 1})
	require.NoError(t, s.Register("boom", func(context.Context, *task.Task) error { panic("kaboom") }))
	s.Start(context.Background())

	require.NoError(t, s.Enqueue(running("t1", "boom")))
	got := rep.wait(t)
	require.Error(t, got.cause)
	assert.Contains(t, got.cause.Error(), "kaboom")

	// The worker survives.
	require.NoError(t, s.Register("ok", func(context.Context, *task.Task) error { return nil }))
	require.NoError(t, s.Enqueue(running("t2", "ok")))
	assert.NoError(t, rep.wait(t).cause)
}

func TestTimeoutFailsAttempt(t *testing.T) {
	s, rep, _ := newEngine(t, Config{Workers: 1, DefaultTimeout: 20 * time.Millisecond})
	require.NoError(t, s.Register("slow", func(ctx context.Context, _ *task.Task) error {
		<-ctx.Done()
		return ctx.Err()
	}))
	s.Start(context.Background())

	require.NoError(t, s.Enqueue(running("t1", "slow")))
	assert.ErrorIs(t, rep.wait(t).cause, context.DeadlineExceeded)
}

func TestQueueFullAndDuplicates(t *testing.T) {
	s, rep, bus := newEngine(t, Config{Workers: 1, QueueSize: 1})
	release := make(chan struct{})
	started := make(chan struct{}, 4)
	require.NoError(t, s.Register("block", func(context.Context, *task.Task) error {
		started <- struct{}{}
		<-release
		return nil
	}))
	s.Start(context.Background())

	require.NoError(t, s.Enqueue(running("a", "block")))
	<-started
	require.NoError(t, s.Enqueue(running("b", "block")))
	assert.ErrorIs(t, s.Enqueue(running("b", "block")), ErrDuplicate)
	assert.ErrorIs(t, s.Enqueue(running("c", "block")), ErrQueueFull)

	// Through the event path a full queue fails the task.
	bus.Publish(eventbus.Event{Kind: eventbus.TaskStarted, Task: running("d", "block")})
	got := rep.wait(t)
	assert.Equal(t, "d", got.id)
	assert.ErrorIs(t, got.cause, ErrQueueFull)

	close(release)
	assert.NoError(t, rep.wait(t).cause)
	assert.NoError(t, rep.wait(t).cause)
	assert.Equal(t, uint64(2), s.Snapshot().DroppedQueueFull)
}

func TestStateErrorFromReporterIsDropped(t *testing.T) {
	s, rep, _ := newEngine(t, Config{Workers: 1})
	rep.err = task.State("transition", "t1", "invalid transition CANCELLED -> COMPLETED")
	require.NoError(t, s.Register("echo", func(context.Context, *task.Task) error { return nil }))
	s.Start(context.Background())

	require.NoError(t, s.Enqueue(running("t1", "echo")))
	rep.wait(t)
	require.NoError(t, s.Enqueue(running("t1", "echo")), "id is released after the run")
	rep.wait(t)
}

func TestEnqueueWhenStopped(t *testing.T) {
	s, _, _ := newEngine(t, Config{})
	require.NoError(t, s.Register("echo", func(context.Context, *task.Task) error { return nil }))
	assert.ErrorIs(t, s.Enqueue(running("t1", "echo")), ErrStopped)
	assert.Error(t, s.Register("", func(context.Context, *task.Task) error { return nil }))
	assert.Error(t, s.Register("x", nil))
}

func TestReportAfterStopIsSkipped(t *testing.T) {
	s, rep, _ := newEngine(t, Config{Workers: 1})
	s.Start(context.Background())
	assert.True(t, s.reportAsync("t1", ErrQueueFull))
	assert.ErrorIs(t, rep.wait(t).cause, ErrQueueFull)

	s.Stop(context.Background())
	assert.False(t, s.reportAsync("t2", ErrQueueFull))

	select {
	case <-rep.note:
		t.Fatal("report delivered after stop")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestConcurrentReportsAndStop(t *testing.T) {
	s := New(Config{Workers: 1}, nil, eventbus.New(), logx.Nop())
	s.Start(context.Background())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				s.reportAsync(fmt.Sprintf("t%d-%d", i, j), ErrQueueFull)
			}
		}(i)
	}
	s.Stop(context.Background())
	wg.Wait()
}

func TestBackoffDelay(t *testing.T) {
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second, RetryJitter: 0.2}.withDefaults()
	rng := rand.New(rand.NewSource(1))

	for retry, want := range map[int]time.Duration{1: 100 * time.Millisecond, 2: 200 * time.Millisecond, 3: 400 * time.Millisecond, 10: time.Second} {
		d := backoffDelay(cfg, retry, rng)
		assert.InDelta(t, float64(want), float64(d), float64(want)*0.21, "retry %d", retry)
		assert.LessOrEqual(t, d, cfg.RetryMaxDelay)
	}

	hinted := backoffDelayWithHint(cfg, 1, RetryAfter(errors.New("429"), time.Hour), rng)
	assert.LessOrEqual(t, hinted, time.Second)
	assert.GreaterOrEqual(t, hinted, 800*time.Millisecond)
}
