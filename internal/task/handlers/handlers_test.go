package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskcore/internal/task"
	"taskcore/internal/task/engine"
	logx "taskcore/pkg/logx"
)

type registry map[string]engine.HandlerFunc

func (r registry) Register(typ string, h engine.HandlerFunc) error {
	r[typ] = h
	return nil
}

func withPayload(typ, raw string) *task.Task {
	return &task.Task{ID: "t1", Type: typ, Payload: json.RawMessage(raw), Metadata: &task.Metadata{CreatedBy: "u1"}}
}

func TestRegisterInstallsBuiltins(t *testing.T) {
	r := registry{}
	require.NoError(t, Register(r, logx.Nop()))
	assert.Contains(t, r, TypeEcho)
	assert.Contains(t, r, TypeSleep)
}

func TestEchoLogsMessage(t *testing.T) {
	var buf bytes.Buffer
	h := Echo(logx.NewWriter(&buf, "info"))

	require.NoError(t, h(context.Background(), withPayload(TypeEcho, `{"message":"hi","upper":true,"prefix":"> "}`)))
	assert.Contains(t, buf.String(), "> HI")
	assert.Contains(t, buf.String(), `"task_id":"t1"`)

	err := h(context.Background(), withPayload(TypeEcho, `{`))
	require.Error(t, err)
	assert.True(t, engine.IsNoRetry(err))
}

func TestSleep(t *testing.T) {
	require.NoError(t, Sleep(context.Background(), withPayload(TypeSleep, `{"duration":"5ms"}`)))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := Sleep(ctx, withPayload(TypeSleep, `{"duration":"1m"}`))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	for _, raw := range []string{`{"duration":"soon"}`, `{"duration":"2h"}`, `{"duration":"-1s"}`} {
		err := Sleep(context.Background(), withPayload(TypeSleep, raw))
		require.Error(t, err, raw)
		assert.True(t, engine.IsNoRetry(err), raw)
	}
}
