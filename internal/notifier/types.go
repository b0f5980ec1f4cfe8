package notifier

import (
	"context"
	"time"

	"taskcore/internal/eventbus"
)

// Config controls the async notification pipeline.
type Config struct {
	Enabled bool
	// Kinds lists the event kinds forwarded; empty means task:failed and
	// task:cancelled.
	Kinds           []string
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	Telegram        TelegramConfig
}

type TelegramConfig struct {
	Token          string
	ChatID         int64
	ThreadID       int
	ParseMode      string
	DisablePreview bool
}

// Sender delivers one formatted message.
type Sender interface {
	Send(ctx context.Context, text string) error
}

type HistoryItem struct {
	At    time.Time
	Text  string
	Error string
}

// Stats counts pipeline outcomes.
type Stats struct {
	Queued  uint64
	Sent    uint64
	Failed  uint64
	Deduped uint64
	Dropped uint64
}

func (c Config) withDefaults() Config {
	setInt := func(v *int, def int) {
		if *v <= 0 {
			*v = def
		}
	}
	setDur := func(v *time.Duration, def time.Duration) {
		if *v <= 0 {
			*v = def
		}
	}
	setInt(&c.Workers, 1)
	setInt(&c.QueueSize, 512)
	setInt(&c.RatePerSec, 3)
	setInt(&c.DedupMaxEntries, 2000)
	setDur(&c.RetryBase, 500*time.Millisecond)
	setDur(&c.RetryMaxDelay, 10*time.Second)
	c.RetryMax = max(c.RetryMax, 0)
	c.DedupWindow = max(c.DedupWindow, 0)
	if len(c.Kinds) == 0 {
		c.Kinds = []string{string(eventbus.TaskFailed), string(eventbus.TaskCancelled)}
	}
	return c
}
