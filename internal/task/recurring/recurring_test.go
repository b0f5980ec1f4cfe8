package recurring

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskcore/internal/task"
	logx "taskcore/pkg/logx"
)

type fakeSubmitter struct {
	mu         sync.Mutex
	submitted  []*task.Task
	rebalances int
	block      chan struct{}
}

func (f *fakeSubmitter) Schedule(ctx context.Context, t *task.Task) error {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, t.Clone())
	return nil
}

func (f *fakeSubmitter) Rebalance(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rebalances++
	return nil, nil
}

func (f *fakeSubmitter) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submitted), f.rebalances
}

func (f *fakeSubmitter) first() *task.Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.submitted) == 0 {
		return nil
	}
	return f.submitted[0]
}

var tmpl = Template{
	Type:          "echo",
	Priority:      3,
	Payload:       json.RawMessage(`{"msg":"hi"}`),
	CreatedBy:     "cron",
	DeadlineAfter: time.Minute,
	Dependencies:  []task.Dependency{{TaskID: "base", Type: task.DependencySoft}},
}

func TestTemplateBuild(t *testing.T) {
	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	a := tmpl.Build(now)
	b := tmpl.Build(now)

	require.NoError(t, task.Validate(a))
	_, err := uuid.Parse(a.ID)
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, "echo", a.Type)
	assert.Equal(t, 3, a.Priority)
	assert.Equal(t, now, a.CreatedAt)
	assert.JSONEq(t, `{"msg":"hi"}`, string(a.Payload))
	require.NotNil(t, a.Metadata.EndTime)
	assert.Equal(t, now.Add(time.Minute), *a.Metadata.EndTime)

	a.Dependencies[0].TaskID = "changed"
	assert.Equal(t, "base", tmpl.Dependencies[0].TaskID)
}

func TestAddRejectsBadDefinitions(t *testing.T) {
	s := New(Config{}, &fakeSubmitter{}, logx.Nop())

	_, err := s.Add(Definition{Name: "", Schedule: "1m", Task: tmpl})
	assert.Error(t, err)
	_, err = s.Add(Definition{Name: RebalanceName, Schedule: "1m", Task: tmpl})
	assert.Error(t, err)
	_, err = s.Add(Definition{Name: "x", Schedule: "bogus", Task: tmpl})
	assert.Error(t, err)
	_, err = s.Add(Definition{Name: "x", Schedule: "cron:61 * * * *", Task: tmpl})
	assert.Error(t, err)
	_, err = s.Add(Definition{Name: "x", Schedule: "1m", Task: Template{Type: "echo"}})
	assert.Error(t, err)

	assert.Empty(t, s.Snapshot().Schedules)
}

func TestAddUpsertsByNameAndRemove(t *testing.T) {
	s := New(Config{}, &fakeSubmitter{}, logx.Nop())

	_, err := s.Add(Definition{Name: "nightly", Schedule: "0 3 * * *", Task: tmpl})
	require.NoError(t, err)
	_, err = s.Add(Definition{Name: "nightly", Schedule: "15m", Task: tmpl})
	require.NoError(t, err)
	_, err = s.AddDaily("report", "07:30", tmpl)
	require.NoError(t, err)

	snap := s.Snapshot()
	require.Len(t, snap.Schedules, 2)
	assert.Equal(t, "nightly", snap.Schedules[0].Name)
	assert.Equal(t, "@every 15m0s", snap.Schedules[0].Spec)
	assert.Equal(t, "30 7 * * *", snap.Schedules[1].Spec)

	assert.True(t, s.Remove("nightly"))
	assert.False(t, s.Remove("nightly"))
	assert.False(t, s.Remove(RebalanceName))
	assert.Len(t, s.Snapshot().Schedules, 1)
}

func TestReplaceDropsStaleSchedules(t *testing.T) {
	s := New(Config{RebalanceEvery: time.Hour}, &fakeSubmitter{}, logx.Nop())
	s.Start(context.Background())
	defer s.Stop(context.Background())

	_, err := s.Add(Definition{Name: "old", Schedule: "1h", Task: tmpl})
	require.NoError(t, err)

	err = s.Replace([]Definition{
		{Name: "new", Schedule: "2h", Task: tmpl},
		{Name: "broken", Schedule: "nope", Task: tmpl},
	})
	require.Error(t, err)

	var names []string
	for _, it := range s.Snapshot().Schedules {
		names = append(names, it.Name)
	}
	assert.Equal(t, []string{"new", RebalanceName}, names)
}

func TestAddOnceSubmitsAndRebalances(t *testing.T) {
	sub := &fakeSubmitter{}
	s := New(Config{}, sub, logx.Nop())
	s.Start(context.Background())
	defer s.Stop(context.Background())

	_, err := s.AddOnce("kick", time.Now().Add(20*time.Millisecond), tmpl)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		n, r := sub.counts()
		return n == 1 && r == 1
	}, 2*time.Second, 10*time.Millisecond)

	got := sub.first()
	assert.Equal(t, "echo", got.Type)
	assert.Equal(t, "cron", got.Metadata.CreatedBy)
	assert.Empty(t, s.Snapshot().Once)
}

func TestAddOnceSurvivesRestart(t *testing.T) {
	sub := &fakeSubmitter{}
	s := New(Config{}, sub, logx.Nop())

	_, err := s.AddOnce("later", time.Now().Add(30*time.Millisecond), tmpl)
	require.NoError(t, err)
	assert.Contains(t, s.Snapshot().Once, "later")

	time.Sleep(60 * time.Millisecond)
	n, _ := sub.counts()
	assert.Zero(t, n, "not started yet")

	s.Start(context.Background())
	defer s.Stop(context.Background())
	require.Eventually(t, func() bool {
		n, _ := sub.counts()
		return n == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRebalanceTick(t *testing.T) {
	sub := &fakeSubmitter{}
	s := New(Config{RebalanceEvery: 20 * time.Millisecond}, sub, logx.Nop())
	s.Start(context.Background())
	defer s.Stop(context.Background())

	require.Eventually(t, func() bool {
		_, r := sub.counts()
		return r >= 1
	}, 3*time.Second, 10*time.Millisecond)

	s.Apply(Config{})
	for _, it := range s.Snapshot().Schedules {
		assert.NotEqual(t, RebalanceName, it.Name)
	}
}

func TestTriggerSkipsOverlap(t *testing.T) {
	sub := &fakeSubmitter{block: make(chan struct{})}
	s := New(Config{}, sub, logx.Nop())
	s.Start(context.Background())
	defer s.Stop(context.Background())

	state := &runState{}
	job := s.submitJob("slow", tmpl)
	done := make(chan struct{})
	go func() {
		s.trigger("slow", state, job)
		close(done)
	}()
	require.Eventually(t, func() bool { return state.running.Load() }, time.Second, 5*time.Millisecond)

	s.trigger("slow", state, job)
	assert.Equal(t, uint64(1), state.skips.Load())

	close(sub.block)
	<-done
	assert.Equal(t, uint64(1), state.runs.Load())
	n, _ := sub.counts()
	assert.Equal(t, 1, n)
}

func TestInvalidTimezoneFallsBack(t *testing.T) {
	s := New(Config{Timezone: "Mars/Olympus"}, &fakeSubmitter{}, logx.Nop())
	s.Start(context.Background())
	defer s.Stop(context.Background())

	s.mu.Lock()
	loc := s.loc
	s.mu.Unlock()
	assert.Equal(t, time.Local, loc)
	assert.Equal(t, "Mars/Olympus", s.Snapshot().Timezone)
}
