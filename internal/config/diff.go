package config

import (
	"reflect"
	"sort"
	"strings"

	logx "cronbot/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging (never includes secrets like tokens),
// and (3) the changed sections that only take effect after a restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	restart := make([]string, 0, 2)
	attrs := make([]logx.Field, 0, 24)

	// Telegram (never log token or webhook secret)
	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if strings.TrimSpace(ot.PollTimeout) != strings.TrimSpace(nt.PollTimeout) ||
		!reflect.DeepEqual(ot.OwnerUserIDs, nt.OwnerUserIDs) ||
		!reflect.DeepEqual(ot.AllowedUsers, nt.AllowedUsers) ||
		strings.TrimSpace(ot.GroupLog) != strings.TrimSpace(nt.GroupLog) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.poll_timeout", strings.TrimSpace(nt.PollTimeout)),
			logx.Int("telegram.owner_count", len(nt.OwnerUserIDs)),
			logx.Int("telegram.allowed_count", len(nt.AllowedUsers)),
			logx.Bool("telegram.group_log_set", strings.TrimSpace(nt.GroupLog) != ""),
		)
	}
	if ot.Token != nt.Token || ot.Webhook != nt.Webhook || ot.Workers != nt.Workers || ot.QueueSize != nt.QueueSize {
		restart = append(restart, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_changed", ot.Token != nt.Token),
			logx.Bool("telegram.webhook", strings.TrimSpace(nt.Webhook.PublicURL) != ""),
		)
	}

	// Logging
	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logx.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	// Scheduler
	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.tick_interval", strings.TrimSpace(newCfg.Scheduler.TickInterval)),
			logx.String("scheduler.stale_after", strings.TrimSpace(newCfg.Scheduler.StaleAfter)),
			logx.Int("scheduler.job_limit_per_person", newCfg.Scheduler.JobLimitPerPerson),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
		)
		if tz := newCfg.Scheduler.DefaultTZOffset; tz != nil {
			attrs = append(attrs, logx.Float64("scheduler.default_tz_offset", *tz))
		}
	}

	// Dispatch
	if !reflect.DeepEqual(oldCfg.Dispatch, newCfg.Dispatch) {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.Int("dispatch.batch_size", newCfg.Dispatch.BatchSize),
			logx.Int("dispatch.concurrency", newCfg.Dispatch.Concurrency),
			logx.Float64("dispatch.rate_per_sec", newCfg.Dispatch.RatePerSec),
		)
	}

	// Conversation
	if oldCfg.Conversation != newCfg.Conversation {
		changed = append(changed, "conversation")
		attrs = append(attrs,
			logx.String("conversation.timeout", strings.TrimSpace(newCfg.Conversation.Timeout)),
			logx.Bool("conversation.notify_timeout", newCfg.Conversation.NotifyTimeout),
		)
	}

	// Keep-alive
	if oldCfg.KeepAlive != newCfg.KeepAlive {
		changed = append(changed, "keepalive")
		attrs = append(attrs,
			logx.Bool("keepalive.enabled", newCfg.KeepAlive.Enabled),
			logx.Bool("keepalive.url_set", strings.TrimSpace(newCfg.KeepAlive.URL) != ""),
			logx.Bool("keepalive.ping_owner", newCfg.KeepAlive.PingOwner),
			logx.String("keepalive.interval", strings.TrimSpace(newCfg.KeepAlive.Interval)),
		)
	}

	// Metrics (never log token)
	om, nm := oldCfg.Metrics, newCfg.Metrics
	if om != nm {
		changed = append(changed, "metrics")
		attrs = append(attrs,
			logx.Bool("metrics.enabled", nm.Enabled),
			logx.String("metrics.addr", strings.TrimSpace(nm.Addr)),
			logx.Bool("metrics.token_set", strings.TrimSpace(nm.Token) != ""),
			logx.Bool("metrics.pprof", nm.Pprof),
		)
	}

	// Notifier. A nil section means runtime defaults.
	defN := DefaultNotifier()
	oldN, newN := &defN, &defN
	if oldCfg.Notifier != nil {
		oldN = oldCfg.Notifier
	}
	if newCfg.Notifier != nil {
		newN = newCfg.Notifier
	}
	if *oldN != *newN {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", newN.Enabled),
			logx.Int("notifier.workers", newN.Workers),
			logx.Int("notifier.queue_size", newN.QueueSize),
			logx.Int("notifier.rate_per_sec", newN.RatePerSec),
			logx.Bool("notifier.persist_dedup", newN.PersistDedup),
			logx.Bool("notifier.notify_missed", newN.NotifyMissed),
		)
	}

	// Storage
	if oldCfg.Storage != newCfg.Storage {
		restart = append(restart, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
		)
	}

	sort.Strings(changed)
	sort.Strings(restart)
	return changed, attrs, restart
}
