package config

import (
	"hash/fnv"
	"reflect"
	"sort"
	"strings"

	logx "taskcore/pkg/logx"
)

// SummarizeConfigChange returns the changed sections, safe structured attrs
// for logging (never tokens or DSNs) and the changed sections that only take
// effect after a restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) (changed []string, attrs []logx.Field, restart []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Scheduler.MaxConcurrent != newCfg.Scheduler.MaxConcurrent {
		changed = append(changed, "scheduler.max_concurrent")
		restart = append(restart, "scheduler.max_concurrent")
		attrs = append(attrs, logx.Int("scheduler.max_concurrent", newCfg.Scheduler.MaxConcurrent))
	}
	if strings.TrimSpace(oldCfg.Scheduler.Timezone) != strings.TrimSpace(newCfg.Scheduler.Timezone) ||
		deref(oldCfg.Scheduler.RebalanceEvery) != deref(newCfg.Scheduler.RebalanceEvery) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
			logx.String("scheduler.rebalance_every", deref(newCfg.Scheduler.RebalanceEvery)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Engine, newCfg.Engine) {
		changed = append(changed, "engine")
		restart = append(restart, "engine")
		attrs = append(attrs,
			logx.Bool("engine.enabled", newCfg.Engine.Enabled),
			logx.Int("engine.workers", newCfg.Engine.Workers),
			logx.Int("engine.queue_size", newCfg.Engine.QueueSize),
		)
	}

	oS, nS := oldCfg.Storage, newCfg.Storage
	if oS.Driver != nS.Driver || oS.Path != nS.Path || oS.DSN != nS.DSN ||
		oS.BusyTimeout != nS.BusyTimeout || oS.CompactEvery != nS.CompactEvery || oS.MaxOpenConns != nS.MaxOpenConns {
		changed = append(changed, "storage")
		restart = append(restart, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
			logx.Bool("storage.dsn_set", strings.TrimSpace(nS.DSN) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Recurring, newCfg.Recurring) {
		changed = append(changed, "recurring")
		names := make([]string, 0, len(newCfg.Recurring))
		for _, r := range newCfg.Recurring {
			names = append(names, r.Name)
		}
		attrs = append(attrs, logx.Strings("recurring.names", names))
	}

	if !reflect.DeepEqual(redactNotifier(oldCfg.Notifier), redactNotifier(newCfg.Notifier)) {
		changed = append(changed, "notifier")
		if n := newCfg.Notifier; n != nil {
			attrs = append(attrs,
				logx.Bool("notifier.enabled", n.Enabled),
				logx.Strings("notifier.kinds", n.Kinds),
				logx.Int("notifier.rate_per_sec", n.RatePerSec),
				logx.Bool("notifier.telegram", strings.TrimSpace(n.Telegram.Token) != ""),
			)
		}
		if tokenSet(oldCfg.Notifier) != tokenSet(newCfg.Notifier) {
			restart = append(restart, "notifier.telegram")
		}
	}

	if !reflect.DeepEqual(oldCfg.NATS, newCfg.NATS) {
		changed = append(changed, "nats")
		restart = append(restart, "nats")
		if n := newCfg.NATS; n != nil {
			attrs = append(attrs,
				logx.Bool("nats.enabled", n.Enabled),
				logx.String("nats.prefix", n.Prefix),
			)
		}
	}

	oO, nO := oldCfg.Ops, newCfg.Ops
	oO.Token, nO.Token = redactToken(oO.Token), redactToken(nO.Token)
	if oO != nO || oldCfg.Ops.Token != newCfg.Ops.Token {
		changed = append(changed, "ops")
		attrs = append(attrs,
			logx.Bool("ops.enabled", newCfg.Ops.Enabled),
			logx.String("ops.addr", strings.TrimSpace(newCfg.Ops.Addr)),
			logx.Bool("ops.pprof", newCfg.Ops.Pprof),
			logx.Bool("ops.token_set", strings.TrimSpace(newCfg.Ops.Token) != ""),
		)
	}

	sort.Strings(changed)
	sort.Strings(restart)
	return changed, attrs, restart
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(*s)
}

func tokenSet(n *NotifierConfig) bool {
	return n != nil && strings.TrimSpace(n.Telegram.Token) != ""
}

// redactNotifier compares a token change as a set/unset flip only.
func redactNotifier(n *NotifierConfig) *NotifierConfig {
	if n == nil {
		return nil
	}
	cp := *n
	if tokenSet(n) {
		cp.Telegram.Token = "set"
	}
	return &cp
}

func redactToken(tok string) string {
	if strings.TrimSpace(tok) == "" {
		return ""
	}
	return "set"
}

func hashBytes(b []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
