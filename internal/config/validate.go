package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-playground/validator/v10/non-standard/validators"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("notblank", validators.NotBlank)
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate runs struct tag checks plus duration, timezone and uniqueness
// checks that tags cannot express. Schedule syntax is left to the caller.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				errs = append(errs, fmt.Errorf("%s: failed %q", trimRoot(fe.Namespace()), fe.Tag()))
			}
		} else {
			errs = append(errs, err)
		}
	}

	durations := map[string]string{
		"engine.default_timeout":    cfg.Engine.DefaultTimeout,
		"engine.max_queue_delay":    cfg.Engine.MaxQueueDelay,
		"engine.retry_base":         cfg.Engine.RetryBase,
		"engine.retry_max_delay":    cfg.Engine.RetryMaxDelay,
		"storage.busy_timeout":      cfg.Storage.BusyTimeout,
		"scheduler.rebalance_every": "",
		"ops.read_timeout":          cfg.Ops.ReadTimeout,
		"ops.write_timeout":         cfg.Ops.WriteTimeout,
		"ops.idle_timeout":          cfg.Ops.IdleTimeout,
	}
	if cfg.Scheduler.RebalanceEvery != nil {
		durations["scheduler.rebalance_every"] = *cfg.Scheduler.RebalanceEvery
	}
	if n := cfg.Notifier; n != nil {
		durations["notifier.retry_base"] = n.RetryBase
		durations["notifier.retry_max_delay"] = n.RetryMaxDelay
		durations["notifier.dedup_window"] = n.DedupWindow
	}
	if n := cfg.NATS; n != nil {
		durations["nats.op_timeout"] = n.OpTimeout
	}
	for i, r := range cfg.Recurring {
		durations[fmt.Sprintf("recurring[%d].task.deadline_after", i)] = r.Task.DeadlineAfter
	}
	for path, raw := range durations {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.timezone: %w", err))
		}
	}

	seen := map[string]bool{}
	for i, r := range cfg.Recurring {
		name := strings.TrimSpace(r.Name)
		if name != "" && seen[name] {
			errs = append(errs, fmt.Errorf("recurring[%d].name: duplicate %q", i, name))
		}
		seen[name] = true
	}
	return errors.Join(errs...)
}

func trimRoot(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}
