package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskcore/internal/task"
	logx "taskcore/pkg/logx"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func mk(id string, status task.Status, offset time.Duration, deps ...task.Dependency) *task.Task {
	return &task.Task{
		ID:           id,
		Type:         "build",
		Status:       status,
		Priority:     1,
		Dependencies: deps,
		Metadata:     &task.Metadata{CreatedBy: "u1"},
		CreatedAt:    base.Add(offset),
	}
}

func hard(id string) task.Dependency { return task.Dependency{TaskID: id, Type: task.DependencyHard} }
func soft(id string) task.Dependency { return task.Dependency{TaskID: id, Type: task.DependencySoft} }

func ids(ts []*task.Task) []string {
	out := make([]string, 0, len(ts))
	for _, t := range ts {
		out = append(out, t.ID)
	}
	return out
}

type storeFactory func(t *testing.T) Store

func backends(t *testing.T) map[string]storeFactory {
	m := map[string]storeFactory{
		"memory": func(t *testing.T) Store { return NewMemory() },
		"file": func(t *testing.T) Store {
			st, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "tasks.db")}, logx.Nop())
			require.NoError(t, err)
			return st
		},
		"sqlite": func(t *testing.T) Store {
			st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "tasks.sqlite")}, logx.Nop())
			require.NoError(t, err)
			return st
		},
	}
	if dsn := os.Getenv("TASKCORE_TEST_POSTGRES_DSN"); dsn != "" {
		m["postgres"] = func(t *testing.T) Store {
			st, err := Open(Config{Driver: "postgres", DSN: dsn}, logx.Nop())
			require.NoError(t, err)
			ss := st.(*sqlStore)
			_, err = ss.db.Exec(`TRUNCATE task_dependencies, tasks`)
			require.NoError(t, err)
			return st
		}
	}
	return m
}

func TestQueueConformance(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			t.Run("get missing returns nil", func(t *testing.T) {
				st := open(t)
				defer st.Close()
				got, err := st.GetTask(ctx, "nope")
				require.NoError(t, err)
				assert.Nil(t, got)
			})

			t.Run("upsert round trip", func(t *testing.T) {
				st := open(t)
				defer st.Close()
				end := base.Add(time.Hour)
				in := mk("t1", task.StatusPending, 0, hard("a"), soft("b"))
				in.Metadata.EndTime = &end
				in.Payload = []byte(`{"msg":"hi"}`)
				require.NoError(t, st.Update(ctx, in))

				got, err := st.GetTask(ctx, "t1")
				require.NoError(t, err)
				require.NotNil(t, got)
				assert.Equal(t, "build", got.Type)
				assert.Equal(t, task.StatusPending, got.Status)
				assert.Equal(t, 1, got.Priority)
				assert.True(t, got.CreatedAt.Equal(base))
				assert.Equal(t, in.Dependencies, got.Dependencies)
				require.NotNil(t, got.Metadata)
				assert.Equal(t, "u1", got.Metadata.CreatedBy)
				require.NotNil(t, got.Metadata.EndTime)
				assert.True(t, got.Metadata.EndTime.Equal(end))
				assert.JSONEq(t, `{"msg":"hi"}`, string(got.Payload))

				in.Status = task.StatusRunning
				in.Priority = 7
				require.NoError(t, st.Update(ctx, in))
				got, err = st.GetTask(ctx, "t1")
				require.NoError(t, err)
				assert.Equal(t, task.StatusRunning, got.Status)
				assert.Equal(t, 7, got.Priority)
			})

			t.Run("returned tasks are copies", func(t *testing.T) {
				st := open(t)
				defer st.Close()
				require.NoError(t, st.Update(ctx, mk("t1", task.StatusPending, 0)))
				got, err := st.GetTask(ctx, "t1")
				require.NoError(t, err)
				got.Status = task.StatusFailed
				again, err := st.GetTask(ctx, "t1")
				require.NoError(t, err)
				assert.Equal(t, task.StatusPending, again.Status)
			})

			t.Run("by status ordered by createdAt", func(t *testing.T) {
				st := open(t)
				defer st.Close()
				require.NoError(t, st.Update(ctx, mk("late", task.StatusPending, 3*time.Second)))
				require.NoError(t, st.Update(ctx, mk("early", task.StatusPending, time.Second)))
				require.NoError(t, st.Update(ctx, mk("run", task.StatusRunning, 0)))
				require.NoError(t, st.Update(ctx, mk("mid", task.StatusPending, 2*time.Second)))

				pending, err := st.GetTasksByStatus(ctx, task.StatusPending)
				require.NoError(t, err)
				assert.Equal(t, []string{"early", "mid", "late"}, ids(pending))

				n, err := st.CountByStatus(ctx, task.StatusRunning)
				require.NoError(t, err)
				assert.Equal(t, 1, n)

				none, err := st.GetTasksByStatus(ctx, task.StatusPaused)
				require.NoError(t, err)
				assert.Empty(t, none)
			})

			t.Run("by dependency follows updates", func(t *testing.T) {
				st := open(t)
				defer st.Close()
				require.NoError(t, st.Update(ctx, mk("root", task.StatusRunning, 0)))
				require.NoError(t, st.Update(ctx, mk("hard-child", task.StatusPending, time.Second, hard("root"))))
				require.NoError(t, st.Update(ctx, mk("soft-child", task.StatusPending, 2*time.Second, soft("root"), hard("other"))))
				require.NoError(t, st.Update(ctx, mk("unrelated", task.StatusPending, 3*time.Second, hard("other"))))

				deps, err := st.GetTasksByDependency(ctx, "root")
				require.NoError(t, err)
				assert.Equal(t, []string{"hard-child", "soft-child"}, ids(deps))

				moved := mk("hard-child", task.StatusPending, time.Second, hard("other"))
				require.NoError(t, st.Update(ctx, moved))
				deps, err = st.GetTasksByDependency(ctx, "root")
				require.NoError(t, err)
				assert.Equal(t, []string{"soft-child"}, ids(deps))

				deps, err = st.GetTasksByDependency(ctx, "other")
				require.NoError(t, err)
				assert.Equal(t, []string{"hard-child", "soft-child", "unrelated"}, ids(deps))
			})

			t.Run("rejects invalid tasks", func(t *testing.T) {
				st := open(t)
				defer st.Close()
				assert.ErrorIs(t, st.Update(ctx, nil), ErrInvalidArg)
				assert.ErrorIs(t, st.Update(ctx, &task.Task{}), ErrInvalidArg)
			})
		})
	}
}

func TestFileStoreReplaysJournalAndSnapshot(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state", "tasks.db")
	cfg := Config{Driver: "file", Path: path, CompactEvery: 2}

	st, err := Open(cfg, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, st.Update(ctx, mk("a", task.StatusPending, 0)))
	require.NoError(t, st.Update(ctx, mk("b", task.StatusPending, time.Second, hard("a"))))
	// third write lands in the journal after the compaction at two
	require.NoError(t, st.Update(ctx, mk("a", task.StatusRunning, 0)))

	// simulate a crash: no Close, so the journal tail is not compacted
	fs := st.(*fileStore)
	require.NoError(t, fs.journal.Close())
	fs.journal = nil

	// a torn trailing record is skipped on replay
	jf, err := os.OpenFile(filepath.Join(filepath.Dir(path), "tasks.tasks.journal.jsonl"), os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = jf.WriteString(`{"id":"c","ty`)
	require.NoError(t, err)
	require.NoError(t, jf.Close())

	re, err := Open(cfg, logx.Nop())
	require.NoError(t, err)
	defer re.Close()

	a, err := re.GetTask(ctx, "a")
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, task.StatusRunning, a.Status)

	deps, err := re.GetTasksByDependency(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, ids(deps))

	c, err := re.GetTask(ctx, "c")
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestClosedStoresFail(t *testing.T) {
	ctx := context.Background()
	for name, open := range backends(t) {
		if name == "postgres" {
			continue
		}
		t.Run(name, func(t *testing.T) {
			st := open(t)
			require.NoError(t, st.Close())
			err := st.Update(ctx, mk("x", task.StatusPending, 0))
			assert.Error(t, err)
		})
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	_, err := Open(Config{Driver: "redis"}, logx.Nop())
	assert.ErrorContains(t, err, "unknown storage driver")

	_, err = Open(Config{Driver: "file"}, logx.Nop())
	assert.Error(t, err)

	_, err = Open(Config{Driver: "postgres"}, logx.Nop())
	assert.ErrorContains(t, err, "dsn is required")
}

func TestRebindDollar(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "SELECT a FROM t WHERE x = $1 AND y = $2", rebindDollar("SELECT a FROM t WHERE x = ? AND y = ?"))
}
