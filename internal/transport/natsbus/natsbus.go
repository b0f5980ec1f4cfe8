// Package natsbus exposes the scheduler over NATS: an intake for submit and
// cancel requests and a bridge that publishes lifecycle events.
package natsbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"taskcore/internal/eventbus"
	"taskcore/internal/task"
	logx "taskcore/pkg/logx"
)

const (
	DefaultPrefix     = "taskcore"
	DefaultQueueGroup = "taskcore"
	defaultOpTimeout  = 10 * time.Second
)

type Config struct {
	URL        string
	Prefix     string
	QueueGroup string
	// OpTimeout bounds each scheduler call made for one message.
	OpTimeout time.Duration
}

func (c Config) withDefaults() Config {
	c.Prefix = strings.Trim(strings.TrimSpace(c.Prefix), ".")
	if c.Prefix == "" {
		c.Prefix = DefaultPrefix
	}
	if strings.TrimSpace(c.QueueGroup) == "" {
		c.QueueGroup = DefaultQueueGroup
	}
	if c.OpTimeout <= 0 {
		c.OpTimeout = defaultOpTimeout
	}
	return c
}

// Conn is the subset of *nats.Conn used here.
type Conn interface {
	QueueSubscribe(subj, queue string, cb nats.MsgHandler) (*nats.Subscription, error)
	Publish(subj string, data []byte) error
}

// Scheduler is what the intake drives.
type Scheduler interface {
	Schedule(ctx context.Context, t *task.Task) error
	Cancel(ctx context.Context, id string) error
	Rebalance(ctx context.Context) ([]string, error)
}

// Connect dials NATS with reconnect handling and logs connection state
// changes.
func Connect(url string, log logx.Logger) (*nats.Conn, error) {
	if strings.TrimSpace(url) == "" {
		url = nats.DefaultURL
	}
	log.Info("connecting to nats", logx.String("url", url))
	nc, err := nats.Connect(url,
		nats.Name("taskcored"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(10*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", logx.Err(err))
			} else {
				log.Warn("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", logx.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			log.Warn("nats connection closed")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subj := ""
			if sub != nil {
				subj = sub.Subject
			}
			log.Error("nats async error", logx.String("subject", subj), logx.Err(err))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return nc, nil
}

// SubmitSubject, CancelSubject and EventSubject name the subjects for prefix.
func SubmitSubject(prefix string) string { return prefix + ".submit" }
func CancelSubject(prefix string) string { return prefix + ".cancel" }
func EventSubject(prefix string, k eventbus.Kind) string {
	return prefix + ".events." + strings.TrimPrefix(string(k), "task:")
}

// Reply is sent back on the request's reply subject.
type Reply struct {
	OK    bool   `json:"ok"`
	ID    string `json:"id,omitempty"`
	Error string `json:"error,omitempty"`
}

type cancelRequest struct {
	ID string `json:"id"`
}

// Intake consumes submit and cancel requests.
type Intake struct {
	cfg   Config
	conn  Conn
	sched Scheduler
	log   logx.Logger

	mu   sync.Mutex
	subs []*nats.Subscription
}

func NewIntake(cfg Config, conn Conn, sched Scheduler, log logx.Logger) *Intake {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Intake{cfg: cfg.withDefaults(), conn: conn, sched: sched, log: log}
}

func (in *Intake) Start() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if len(in.subs) > 0 {
		return nil
	}
	for subj, h := range map[string]nats.MsgHandler{
		SubmitSubject(in.cfg.Prefix): in.handleSubmit,
		CancelSubject(in.cfg.Prefix): in.handleCancel,
	} {
		sub, err := in.conn.QueueSubscribe(subj, in.cfg.QueueGroup, h)
		if err != nil {
			in.unsubscribeLocked()
			return fmt.Errorf("subscribe %s: %w", subj, err)
		}
		in.subs = append(in.subs, sub)
		in.log.Info("nats intake subscribed", logx.String("subject", subj), logx.String("queue", in.cfg.QueueGroup))
	}
	return nil
}

func (in *Intake) Stop() {
	in.mu.Lock()
	in.unsubscribeLocked()
	in.mu.Unlock()
}

func (in *Intake) unsubscribeLocked() {
	for _, sub := range in.subs {
		if sub == nil {
			continue
		}
		if err := sub.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			in.log.Warn("nats drain failed", logx.String("subject", sub.Subject), logx.Err(err))
		}
	}
	in.subs = nil
}

func (in *Intake) handleSubmit(msg *nats.Msg) {
	var t task.Task
	if err := json.Unmarshal(msg.Data, &t); err != nil {
		in.log.Warn("bad submit payload", logx.String("subject", msg.Subject), logx.Err(err))
		in.reply(msg, Reply{Error: "invalid json: " + err.Error()})
		return
	}
	if strings.TrimSpace(t.ID) == "" {
		t.ID = uuid.NewString()
	}

	ctx, cancel := context.WithTimeout(context.Background(), in.cfg.OpTimeout)
	defer cancel()
	if err := in.sched.Schedule(ctx, &t); err != nil {
		in.log.Warn("nats submit rejected", logx.String("task_id", t.ID), logx.Err(err))
		in.reply(msg, Reply{ID: t.ID, Error: err.Error()})
		return
	}
	if _, err := in.sched.Rebalance(ctx); err != nil {
		in.log.Warn("rebalance after submit failed", logx.String("task_id", t.ID), logx.Err(err))
	}
	in.log.Debug("nats submit accepted", logx.String("task_id", t.ID), logx.String("status", string(t.Status)))
	in.reply(msg, Reply{OK: true, ID: t.ID})
}

func (in *Intake) handleCancel(msg *nats.Msg) {
	var req cancelRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		in.reply(msg, Reply{Error: "invalid json: " + err.Error()})
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), in.cfg.OpTimeout)
	defer cancel()
	if err := in.sched.Cancel(ctx, req.ID); err != nil {
		in.log.Warn("nats cancel rejected", logx.String("task_id", req.ID), logx.Err(err))
		in.reply(msg, Reply{ID: req.ID, Error: err.Error()})
		return
	}
	in.reply(msg, Reply{OK: true, ID: req.ID})
}

func (in *Intake) reply(msg *nats.Msg, r Reply) {
	if msg.Reply == "" {
		return
	}
	b, err := json.Marshal(r)
	if err != nil {
		return
	}
	if err := in.conn.Publish(msg.Reply, b); err != nil {
		in.log.Warn("nats reply failed", logx.String("reply", msg.Reply), logx.Err(err))
	}
}

// Bridge republishes every bus event on NATS.
type Bridge struct {
	prefix string
	conn   Conn
	log    logx.Logger
}

func NewBridge(cfg Config, conn Conn, log logx.Logger) *Bridge {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Bridge{prefix: cfg.withDefaults().Prefix, conn: conn, log: log}
}

// Attach subscribes to all kinds on bus and returns the unsubscribe func.
func (b *Bridge) Attach(bus eventbus.Bus) func() {
	return bus.Subscribe(eventbus.All, b.publish)
}

func (b *Bridge) publish(e eventbus.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		b.log.Warn("event encode failed", logx.String("kind", string(e.Kind)), logx.Err(err))
		return
	}
	subj := EventSubject(b.prefix, e.Kind)
	if err := b.conn.Publish(subj, data); err != nil {
		b.log.Debug("event publish failed", logx.String("subject", subj), logx.Err(err))
	}
}
