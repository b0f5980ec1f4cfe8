package config

import "encoding/json"

// Config is the daemon configuration file (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging   LoggingConfig     `json:"logging"`
	Scheduler SchedulerConfig   `json:"scheduler"`
	Engine    EngineConfig      `json:"engine"`
	Storage   StorageConfig     `json:"storage"`
	Recurring []RecurringConfig `json:"recurring,omitempty" validate:"dive"`
	Notifier  *NotifierConfig   `json:"notifier,omitempty"`
	NATS      *NATSConfig       `json:"nats,omitempty"`
	Ops       OpsConfig         `json:"ops"`
}

type LoggingConfig struct {
	Level   string      `json:"level" validate:"omitempty,oneof=trace debug info warn error"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path" validate:"required_if=Enabled true"`
}

// SchedulerConfig controls admission and the background rebalance tick.
//
// Defaults (when fields are omitted/zero):
//   - max_concurrent: 10
//   - rebalance_every: "5s" ("0s" disables)
type SchedulerConfig struct {
	MaxConcurrent  int     `json:"max_concurrent" validate:"gte=0"`
	RebalanceEvery *string `json:"rebalance_every,omitempty"`
	Timezone       string  `json:"timezone,omitempty"`
}

// EngineConfig controls the in-process executor.
//
// Defaults (when fields are omitted/zero):
//   - workers: 2
//   - queue_size: 256
//   - default_timeout: "0s" (disabled)
//   - max_queue_delay: "0s" (disabled)
//   - history_size: 200
//   - retry_max: 0
type EngineConfig struct {
	Enabled        bool   `json:"enabled"`
	Workers        int    `json:"workers,omitempty" validate:"gte=0,lte=256"`
	QueueSize      int    `json:"queue_size,omitempty" validate:"gte=0"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`
	HistorySize    int    `json:"history_size,omitempty" validate:"gte=0"`
	RetryMax       int    `json:"retry_max,omitempty" validate:"gte=0,lte=20"`
	RetryBase      string `json:"retry_base,omitempty"`
	RetryMaxDelay  string `json:"retry_max_delay,omitempty"`
}

// StorageConfig selects the task store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/tasks.db" }
type StorageConfig struct {
	Driver       string `json:"driver,omitempty" validate:"omitempty,oneof=memory file sqlite postgres"`
	Path         string `json:"path,omitempty" validate:"required_if=Driver file,required_if=Driver sqlite"`
	DSN          string `json:"dsn,omitempty" validate:"required_if=Driver postgres"`
	BusyTimeout  string `json:"busy_timeout,omitempty"` // sqlite
	CompactEvery int    `json:"compact_every,omitempty" validate:"gte=0"`
	MaxOpenConns int    `json:"max_open_conns,omitempty" validate:"gte=0"`
}

// RecurringConfig submits a fresh task on every trigger of Schedule.
type RecurringConfig struct {
	Name     string              `json:"name" validate:"notblank"`
	Schedule string              `json:"schedule" validate:"notblank"`
	Task     RecurringTaskConfig `json:"task"`
}

type RecurringTaskConfig struct {
	Type          string             `json:"type" validate:"notblank"`
	Priority      int                `json:"priority,omitempty"`
	Payload       json.RawMessage    `json:"payload,omitempty"`
	CreatedBy     string             `json:"created_by,omitempty"`
	DeadlineAfter string             `json:"deadline_after,omitempty"`
	Dependencies  []DependencyConfig `json:"dependencies,omitempty" validate:"dive"`
}

type DependencyConfig struct {
	TaskID string `json:"task_id" validate:"notblank"`
	Type   string `json:"type" validate:"oneof=hard soft"`
}

// NotifierConfig controls the async notification pipeline.
type NotifierConfig struct {
	Enabled         bool           `json:"enabled"`
	Kinds           []string       `json:"kinds,omitempty" validate:"dive,oneof=task:pending task:started task:completed task:failed task:cancelled task:priority"`
	Workers         int            `json:"workers,omitempty" validate:"gte=0"`
	QueueSize       int            `json:"queue_size,omitempty" validate:"gte=0"`
	RatePerSec      int            `json:"rate_per_sec,omitempty" validate:"gte=0"`
	RetryMax        int            `json:"retry_max,omitempty" validate:"gte=0"`
	RetryBase       string         `json:"retry_base,omitempty"`
	RetryMaxDelay   string         `json:"retry_max_delay,omitempty"`
	DedupWindow     string         `json:"dedup_window,omitempty"`
	DedupMaxEntries int            `json:"dedup_max_entries,omitempty" validate:"gte=0"`
	Telegram        TelegramConfig `json:"telegram"`
}

type TelegramConfig struct {
	Token          string `json:"token,omitempty"`
	ChatID         int64  `json:"chat_id,omitempty" validate:"required_with=Token"`
	ThreadID       int    `json:"thread_id,omitempty"`
	ParseMode      string `json:"parse_mode,omitempty" validate:"omitempty,oneof=Markdown MarkdownV2 HTML"`
	DisablePreview bool   `json:"disable_preview,omitempty"`
}

// NATSConfig enables the NATS intake and event bridge.
type NATSConfig struct {
	Enabled    bool   `json:"enabled"`
	URL        string `json:"url,omitempty"`
	Prefix     string `json:"prefix,omitempty"`
	QueueGroup string `json:"queue_group,omitempty"`
	OpTimeout  string `json:"op_timeout,omitempty"`
	// Bridge publishes lifecycle events; intake alone when false.
	Bridge bool `json:"bridge"`
}

// OpsConfig controls the operator HTTP server (/healthz, /status, pprof).
//
// Security note:
//   - Prefer binding to localhost (default "127.0.0.1:6060").
//   - A non-loopback addr needs a token or an explicit allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty" validate:"omitempty,hostname_port"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty"`
	WriteTimeout  string `json:"write_timeout,omitempty"`
	IdleTimeout   string `json:"idle_timeout,omitempty"`
}
