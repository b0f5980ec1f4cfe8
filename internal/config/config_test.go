package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
logging:
  level: debug
  console: true
scheduler:
  max_concurrent: 4
  rebalance_every: 0s
  timezone: UTC
engine:
  enabled: true
  workers: 3
  default_timeout: 30s
storage:
  driver: sqlite
  path: ./data/tasks.db
recurring:
  - name: nightly
    schedule: "0 2 * * *"
    task:
      type: echo
      priority: 5
      payload: {message: hi}
      deadline_after: 1h
      dependencies:
        - {task_id: seed, type: soft}
notifier:
  enabled: true
  kinds: ["task:failed"]
  dedup_window: 1m
nats:
  enabled: true
  url: nats://127.0.0.1:4222
  bridge: true
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadYAML(t *testing.T) {
	m := NewConfigManager(writeFile(t, "config.yaml", sampleYAML))
	cfg, err := m.Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 4, cfg.Scheduler.MaxConcurrent)
	require.NotNil(t, cfg.Scheduler.RebalanceEvery)
	assert.Equal(t, "0s", *cfg.Scheduler.RebalanceEvery)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	require.Len(t, cfg.Recurring, 1)
	assert.JSONEq(t, `{"message":"hi"}`, string(cfg.Recurring[0].Task.Payload))
	assert.Equal(t, "soft", cfg.Recurring[0].Task.Dependencies[0].Type)
	require.NotNil(t, cfg.Notifier)
	assert.Equal(t, []string{"task:failed"}, cfg.Notifier.Kinds)
	require.NotNil(t, cfg.NATS)
	assert.True(t, cfg.NATS.Bridge)
	assert.Same(t, cfg, m.Get())
}

func TestDecodeStrict(t *testing.T) {
	tests := []struct {
		name string
		file string
		body string
	}{
		{"unknown json field", "c.json", `{"scheduler":{"max_concurrent":1,"workers":2}}`},
		{"trailing json", "c.json", `{"scheduler":{}} {"scheduler":{}}`},
		{"unknown yaml field", "c.yml", "storage:\n  driver: memory\n  bogus: 1\n"},
		{"bad yaml", "c.yaml", "scheduler: [\n"},
		{"empty yaml", "c.yaml", ""},
		{"two yaml documents", "c.yaml", "storage:\n  driver: memory\n---\nstorage:\n  driver: file\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.file, []byte(tt.body))
			assert.Error(t, err)
		})
	}
}

func TestValidate(t *testing.T) {
	zero := "0s"
	bad := "soon"
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{"empty is valid", Config{}, ""},
		{"explicit zero rebalance", Config{Scheduler: SchedulerConfig{RebalanceEvery: &zero}}, ""},
		{"bad rebalance", Config{Scheduler: SchedulerConfig{RebalanceEvery: &bad}}, "scheduler.rebalance_every"},
		{"negative max", Config{Scheduler: SchedulerConfig{MaxConcurrent: -1}}, "scheduler.max_concurrent"},
		{"bad timezone", Config{Scheduler: SchedulerConfig{Timezone: "Mars/Base"}}, "scheduler.timezone"},
		{"unknown driver", Config{Storage: StorageConfig{Driver: "redis"}}, "storage.driver"},
		{"sqlite needs path", Config{Storage: StorageConfig{Driver: "sqlite"}}, "storage.path"},
		{"postgres needs dsn", Config{Storage: StorageConfig{Driver: "postgres"}}, "storage.dsn"},
		{"bad engine duration", Config{Engine: EngineConfig{DefaultTimeout: "-1s"}}, "engine.default_timeout"},
		{"bad kind", Config{Notifier: &NotifierConfig{Kinds: []string{"task:exploded"}}}, "notifier.kinds"},
		{"token without chat", Config{Notifier: &NotifierConfig{Telegram: TelegramConfig{Token: "x"}}}, "chat_id"},
		{"duplicate recurring", Config{Recurring: []RecurringConfig{
			{Name: "a", Schedule: "1m", Task: RecurringTaskConfig{Type: "echo"}},
			{Name: "a", Schedule: "2m", Task: RecurringTaskConfig{Type: "echo"}},
		}}, "duplicate"},
		{"recurring needs type", Config{Recurring: []RecurringConfig{{Name: "a", Schedule: "1m"}}}, "recurring[0].task.type"},
		{"bad dependency type", Config{Recurring: []RecurringConfig{{Name: "a", Schedule: "1m", Task: RecurringTaskConfig{
			Type: "echo", Dependencies: []DependencyConfig{{TaskID: "x", Type: "maybe"}},
		}}}}, "dependencies[0].type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(&tt.cfg)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadRunsValidatorHook(t *testing.T) {
	m := NewConfigManager(writeFile(t, "config.json", `{"scheduler":{"max_concurrent":2}}`))
	m.SetValidator(func(_ context.Context, cfg *Config) error {
		if cfg.Scheduler.MaxConcurrent < 5 {
			return assert.AnError
		}
		return nil
	})
	_, err := m.Load(context.Background())
	assert.ErrorIs(t, err, assert.AnError)
	assert.Nil(t, m.Get())
}

func TestSummarizeConfigChange(t *testing.T) {
	oldCfg := &Config{
		Scheduler: SchedulerConfig{MaxConcurrent: 2},
		Notifier:  &NotifierConfig{Enabled: true, Telegram: TelegramConfig{Token: "secret-a", ChatID: 1}},
	}
	newCfg := &Config{
		Logging:   LoggingConfig{Level: "debug"},
		Scheduler: SchedulerConfig{MaxConcurrent: 8},
		Notifier:  &NotifierConfig{Enabled: true, Telegram: TelegramConfig{Token: "secret-b", ChatID: 1}},
	}
	changed, attrs, restart := SummarizeConfigChange(oldCfg, newCfg)
	assert.Equal(t, []string{"logging", "scheduler.max_concurrent"}, changed)
	assert.Equal(t, []string{"scheduler.max_concurrent"}, restart)
	assert.NotEmpty(t, attrs)

	changed, _, _ = SummarizeConfigChange(newCfg, newCfg)
	assert.Empty(t, changed)
}

func TestWatchPublishesChanges(t *testing.T) {
	p := writeFile(t, "config.json", `{"scheduler":{"max_concurrent":1}}`)
	m := NewConfigManager(p)
	_, err := m.Load(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)
	go func() { _ = m.Watch(ctx) }()

	// Let the watcher attach before writing.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(p, []byte(`{"scheduler":{"max_concurrent":7}}`), 0o600))

	select {
	case cfg := <-ch:
		assert.Equal(t, 7, cfg.Scheduler.MaxConcurrent)
	case <-time.After(5 * time.Second):
		t.Fatal("no config published")
	}
}
