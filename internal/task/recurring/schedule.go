package recurring

import (
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Trigger is a parsed schedule string: a cron expression or a fixed interval.
type Trigger struct {
	Cron  string
	Every time.Duration
}

// Interval reports whether the trigger fires on a fixed period.
func (t Trigger) Interval() bool { return t.Every > 0 }

// Expr renders the trigger in robfig/cron syntax.
func (t Trigger) Expr() string {
	if t.Interval() {
		return "@every " + t.Every.String()
	}
	return t.Cron
}

// ParseSchedule accepts
//
//	"*/5 * * * *", "@hourly", "@every 10m"   cron
//	"10m", "2h30m"                            interval
//	"01:30"                                   interval of 1h30m
//
// A "cron:" prefix forces cron; "interval:" or "every:" forces an interval.
func ParseSchedule(raw string) (Trigger, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Trigger{}, errors.New("schedule required")
	}
	if rest, ok := cutPrefixFold(s, "cron:"); ok {
		if rest == "" {
			return Trigger{}, errors.New("cron: expression required")
		}
		return Trigger{Cron: rest}, nil
	}
	for _, p := range []string{"interval:", "every:"} {
		if rest, ok := cutPrefixFold(s, p); ok {
			d, err := parseEvery(rest)
			if err != nil {
				return Trigger{}, err
			}
			return Trigger{Every: d}, nil
		}
	}
	if s[0] == '@' || strings.ContainsAny(s, " \t") {
		return Trigger{Cron: s}, nil
	}
	d, err := parseEvery(s)
	if err != nil {
		return Trigger{}, fmt.Errorf("invalid schedule %q: want cron, HH:MM or a duration like 55m", raw)
	}
	return Trigger{Every: d}, nil
}

func cutPrefixFold(s, prefix string) (string, bool) {
	if len(s) < len(prefix) || !strings.EqualFold(s[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(s[len(prefix):]), true
}

// parseEvery reads "HH:MM" (hours unbounded, minutes 0..59) or a Go duration.
func parseEvery(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	var d time.Duration
	if hs, ms, ok := strings.Cut(v, ":"); ok {
		h, herr := strconv.Atoi(hs)
		m, merr := strconv.Atoi(ms)
		if herr != nil || merr != nil || len(ms) != 2 || h < 0 || m < 0 || m > 59 {
			return 0, fmt.Errorf("invalid interval %q", v)
		}
		d = time.Duration(h)*time.Hour + time.Duration(m)*time.Minute
	} else {
		var err error
		if d, err = time.ParseDuration(v); err != nil {
			return 0, fmt.Errorf("invalid interval %q", v)
		}
	}
	if d <= 0 {
		return 0, errors.New("interval must be > 0")
	}
	return d, nil
}

const maxStartupSpread = 30 * time.Second

// spreadSchedule delays only the first firing of an interval schedule.
type spreadSchedule struct {
	every cron.Schedule
	first time.Time
}

func (s *spreadSchedule) Next(t time.Time) time.Time {
	if t.Before(s.first) {
		return s.first
	}
	return s.every.Next(t)
}

// withStartupSpread offsets the first run of an interval schedule by up to
// min(every, maxStartupSpread), seeded by name so schedules started together
// fan out.
func withStartupSpread(every time.Duration, now time.Time, name string) (cron.Schedule, time.Duration) {
	limit := min(every, maxStartupSpread)
	if limit <= 0 {
		return cron.Every(every), 0
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	rng := rand.New(rand.NewPCG(h.Sum64(), uint64(now.UnixNano())))
	offset := time.Duration(rng.Int64N(int64(limit)))
	return &spreadSchedule{every: cron.Every(every), first: now.Add(every + offset)}, offset
}
