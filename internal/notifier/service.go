package notifier

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"taskcore/internal/eventbus"
	rtsup "taskcore/internal/runtime/supervisor"
	logx "taskcore/pkg/logx"
)

var (
	ErrDisabled = errors.New("notifier disabled")
	ErrStopped  = errors.New("notifier stopped")
)

const historySize = 300

// Service turns lifecycle events into chat messages. Messages are queued,
// deduplicated and sent by a small worker pool under a shared rate limit.
type Service struct {
	mu sync.Mutex

	log    logx.Logger
	sender Sender

	cfg     Config
	limiter *rate.Limiter

	queue chan string
	sup   *rtsup.Supervisor
	unsub []func()

	seen    *dedupCache
	history *historyRing

	queued, sent, failed, deduped, dropped atomic.Uint64
}

func New(cfg Config, sender Sender, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		sender:  sender,
		log:     log,
		seen:    newDedupCache(),
		history: newHistoryRing(historySize),
	}
	s.applyLocked(cfg)
	return s
}

// NewSender picks the Telegram sink when a token is configured and logs
// messages otherwise.
func NewSender(cfg TelegramConfig, log logx.Logger) (Sender, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return LogSender{Log: log}, nil
	}
	tg, err := NewTelegram(cfg)
	if err != nil {
		return nil, err
	}
	return tg, nil
}

// LogSender writes notifications to the log.
type LogSender struct{ Log logx.Logger }

func (l LogSender) Send(_ context.Context, text string) error {
	l.Log.Info("notification", logx.String("text", text))
	return nil
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply updates limits, dedup and retry settings. Queue size, workers and
// subscriptions take effect on the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	s.cfg = cfg.withDefaults()
	// Burst equals the per-second rate so short spikes go out at once.
	s.limiter = rate.NewLimiter(rate.Limit(s.cfg.RatePerSec), s.cfg.RatePerSec)
}

// Start launches the workers and, when bus is non-nil, subscribes to the
// configured event kinds.
func (s *Service) Start(ctx context.Context, bus eventbus.Bus) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.queue != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}
	cfg := s.cfg
	s.queue = make(chan string, cfg.QueueSize)
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "notifier"))),
		rtsup.WithCancelOnError(false),
	)
	q, sup := s.queue, s.sup
	s.mu.Unlock()

	for i := 0; i < cfg.Workers; i++ {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.workerLoop(c, q)
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("notifier worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}

	if bus != nil {
		var unsub []func()
		for _, k := range cfg.Kinds {
			unsub = append(unsub, bus.Subscribe(eventbus.Kind(k), s.onEvent))
		}
		s.mu.Lock()
		s.unsub = unsub
		s.mu.Unlock()
	}
	s.log.Info("notifier started", logx.Strings("kinds", cfg.Kinds), logx.Int("workers", cfg.Workers))
}

// Stop unsubscribes, drains what it can until ctx ends and stops workers.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	q, sup, unsub := s.queue, s.sup, s.unsub
	s.queue, s.sup, s.unsub = nil, nil, nil
	s.mu.Unlock()
	if q == nil {
		return
	}
	for _, u := range unsub {
		u()
	}

	// Best-effort drain.
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
drain:
	for len(q) > 0 {
		select {
		case <-ctx.Done():
			break drain
		case <-tick.C:
		}
	}
	if err := sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("notifier stop", logx.Err(err))
	}
	if n := len(q); n > 0 {
		s.dropped.Add(uint64(n))
		s.log.Warn("notifier stopped with undelivered messages", logx.Int("pending", n))
	}
	s.log.Info("notifier stopped")
}

func (s *Service) onEvent(e eventbus.Event) {
	if err := s.Notify(context.Background(), Format(e)); err != nil && !errors.Is(err, ErrStopped) {
		s.log.Debug("notification not queued", logx.Err(err))
	}
}

// Notify queues text. A duplicate inside the dedup window is dropped
// silently; a full queue evicts its oldest message.
func (s *Service) Notify(ctx context.Context, text string) error {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	q := s.queue
	window, maxEntries := s.cfg.DedupWindow, s.cfg.DedupMaxEntries
	s.mu.Unlock()
	if q == nil {
		return ErrStopped
	}

	if window > 0 && !s.seen.allow(text, window, maxEntries, time.Now()) {
		s.deduped.Add(1)
		return nil
	}

	for {
		select {
		case q <- text:
			s.queued.Add(1)
			return nil
		default:
		}
		select {
		case old := <-q:
			s.dropped.Add(1)
			s.log.Warn("notification dropped: queue full", logx.Int("queue_cap", cap(q)), logx.String("dropped", truncate(old, 80)))
		default:
		}
	}
}

func (s *Service) Stats() Stats {
	return Stats{
		Queued:  s.queued.Load(),
		Sent:    s.sent.Load(),
		Failed:  s.failed.Load(),
		Deduped: s.deduped.Load(),
		Dropped: s.dropped.Load(),
	}
}

// History returns the most recent delivery outcomes, oldest first.
func (s *Service) History() []HistoryItem { return s.history.list() }

func (s *Service) workerLoop(ctx context.Context, q <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case text := <-q:
			s.sendWithRetry(ctx, text)
		}
	}
}

func (s *Service) sendWithRetry(ctx context.Context, text string) {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	s.mu.Unlock()
	if s.sender == nil {
		return
	}

	maxAttempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return
		}
		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := s.sender.Send(callCtx, text)
		cancel()
		if err == nil {
			s.sent.Add(1)
			s.history.add(HistoryItem{At: time.Now(), Text: text})
			return
		}
		lastErr = err
		s.log.Debug("notify send failed", logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", maxAttempts))
		if attempt >= maxAttempts {
			break
		}
		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}
	s.failed.Add(1)
	s.history.add(HistoryItem{At: time.Now(), Text: text, Error: lastErr.Error()})
	s.log.Warn("notification failed", logx.Err(lastErr), logx.Int("attempts", maxAttempts))
}

// retryDelay doubles RetryBase per attempt, caps it at RetryMaxDelay and
// scales the result by a random factor in [0.7, 1.3).
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryMaxDelay
	if shift := attempt - 1; shift < 30 {
		d = min(cfg.RetryBase<<shift, cfg.RetryMaxDelay)
	}
	d = time.Duration(float64(d) * (0.7 + 0.6*rand.Float64()))
	return min(max(d, 0), cfg.RetryMaxDelay)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
