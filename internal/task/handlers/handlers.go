// Package handlers holds the built-in task handlers wired into the engine.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"taskcore/internal/task"
	"taskcore/internal/task/engine"
	logx "taskcore/pkg/logx"
)

const (
	TypeEcho  = "echo"
	TypeSleep = "sleep"

	maxSleep = time.Hour
)

// Registrar is the engine surface handlers are registered on.
type Registrar interface {
	Register(taskType string, h engine.HandlerFunc) error
}

// Register installs every built-in handler.
func Register(r Registrar, log logx.Logger) error {
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := r.Register(TypeEcho, Echo(log.With(logx.String("handler", TypeEcho)))); err != nil {
		return err
	}
	return r.Register(TypeSleep, Sleep)
}

type echoPayload struct {
	Message string `json:"message"`
	Upper   bool   `json:"upper"`
	Prefix  string `json:"prefix"`
}

// Echo logs the payload message.
func Echo(log logx.Logger) engine.HandlerFunc {
	return func(ctx context.Context, t *task.Task) error {
		var p echoPayload
		if err := decode(t, &p); err != nil {
			return err
		}
		msg := p.Message
		if msg == "" {
			msg = "(empty)"
		}
		if p.Upper {
			msg = strings.ToUpper(msg)
		}
		log.Info(p.Prefix+msg, logx.String("task_id", t.ID), logx.String("created_by", createdBy(t)))
		return ctx.Err()
	}
}

type sleepPayload struct {
	Duration string `json:"duration"`
}

// Sleep waits for the payload duration or until ctx is done.
func Sleep(ctx context.Context, t *task.Task) error {
	var p sleepPayload
	if err := decode(t, &p); err != nil {
		return err
	}
	d, err := time.ParseDuration(strings.TrimSpace(p.Duration))
	if err != nil {
		return engine.NoRetry(fmt.Errorf("sleep: invalid duration %q: %w", p.Duration, err))
	}
	if d < 0 || d > maxSleep {
		return engine.NoRetry(fmt.Errorf("sleep: duration %s out of range", d))
	}
	tm := time.NewTimer(d)
	defer tm.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-tm.C:
		return nil
	}
}

func decode(t *task.Task, v any) error {
	if len(t.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(t.Payload, v); err != nil {
		return engine.NoRetry(fmt.Errorf("%s: bad payload: %w", t.Type, err))
	}
	return nil
}

func createdBy(t *task.Task) string {
	if t.Metadata == nil {
		return ""
	}
	return t.Metadata.CreatedBy
}
