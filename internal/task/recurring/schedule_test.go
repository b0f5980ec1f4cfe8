package recurring

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSchedule(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw   string
		cron  string
		every time.Duration
	}{
		{raw: "*/5 * * * *", cron: "*/5 * * * *"},
		{raw: "@hourly", cron: "@hourly"},
		{raw: "CRON: 0 0 * * *", cron: "0 0 * * *"},
		{raw: "10m", every: 10 * time.Minute},
		{raw: "interval:45s", every: 45 * time.Second},
		{raw: "every:00:05", every: 5 * time.Minute},
		{raw: "01:30", every: 90 * time.Minute},
		{raw: "100:00", every: 100 * time.Hour},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ParseSchedule(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.cron, got.Cron)
			assert.Equal(t, tt.every, got.Every)
			assert.Equal(t, tt.every > 0, got.Interval())
		})
	}
}

func TestParseScheduleInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-schedule", "cron:", "interval:-5m", "00:00", "0s", "1:5", "01:60"} {
		_, err := ParseSchedule(raw)
		assert.Error(t, err, raw)
	}
}

func TestTriggerExpr(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "@every 1m30s", Trigger{Every: 90 * time.Second}.Expr())
	assert.Equal(t, "0 * * * *", Trigger{Cron: "0 * * * *"}.Expr())
}

func TestStartupSpreadOnlyDelaysFirstRun(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	sched, offset := withStartupSpread(time.Minute, now, "job")
	assert.GreaterOrEqual(t, offset, time.Duration(0))
	assert.Less(t, offset, 30*time.Second)

	first := sched.Next(now)
	assert.Equal(t, now.Add(time.Minute+offset), first)
	assert.WithinDuration(t, first.Add(time.Minute), sched.Next(first), time.Second)
}

func TestParseHHMM(t *testing.T) {
	t.Parallel()
	h, m, err := parseHHMM("23:15")
	require.NoError(t, err)
	assert.Equal(t, 23, h)
	assert.Equal(t, 15, m)

	_, _, err = parseHHMM("24:00")
	assert.Error(t, err)
	_, _, err = parseHHMM("7")
	assert.Error(t, err)
}
