package app

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"cronbot/internal/config"
	"cronbot/internal/conversation"
	"cronbot/internal/dispatch"
	"cronbot/internal/job"
	"cronbot/internal/keepalive"
	"cronbot/internal/notifier"
	"cronbot/internal/observability"
	"cronbot/internal/storage"
	"cronbot/internal/task/scheduler"
	"cronbot/internal/tick"
	telegram "cronbot/internal/transport/telegram/adapter"
	logx "cronbot/pkg/logx"
)

const (
	defaultJobLimit      = 10
	defaultSweepInterval = 30 * time.Second
)

func parseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	return config.ParseDurationOrDefault(path, raw, def)
}

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

// logChatID parses telegram.group_log. Empty means no log chat.
func logChatID(cfg *config.Config) (int64, error) {
	raw := strings.TrimSpace(cfg.Telegram.GroupLog)
	if raw == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("telegram.group_log: invalid chat id %q", raw)
	}
	return id, nil
}

func mapAdapterConfig(cfg *config.Config) (telegram.Config, error) {
	poll, err := parseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{
		Token:         strings.TrimSpace(cfg.Telegram.Token),
		PollTimeout:   poll,
		WebhookURL:    strings.TrimSpace(cfg.Telegram.Webhook.PublicURL),
		WebhookListen: strings.TrimSpace(cfg.Telegram.Webhook.Listen),
		WebhookSecret: cfg.Telegram.Webhook.Secret,
	}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "memory", "mem":
		return storage.Config{Driver: "memory"}, nil
	case "", "sqlite", "sqlite3":
		if path == "" {
			path = "./cronbot.db"
		}
		busy, err := parseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func defaultTZ(cfg *config.Config) float64 {
	if cfg.Scheduler.DefaultTZOffset == nil {
		return tick.DefaultConfig().DefaultTZ
	}
	return *cfg.Scheduler.DefaultTZOffset
}

func jobLimit(cfg *config.Config) int {
	switch n := cfg.Scheduler.JobLimitPerPerson; {
	case n < 0:
		// no limit
		return 0
	case n == 0:
		return defaultJobLimit
	default:
		return n
	}
}

func mapTickConfig(cfg *config.Config) (tick.Config, error) {
	d := tick.DefaultConfig()
	sc := cfg.Scheduler
	out := tick.Config{DefaultTZ: defaultTZ(cfg)}
	var err error
	if out.Interval, err = parseDurationOrDefault("scheduler.tick_interval", sc.TickInterval, d.Interval); err != nil {
		return tick.Config{}, err
	}
	if strings.TrimSpace(sc.StartDelay) == "" {
		out.StartDelay = d.StartDelay
	} else if out.StartDelay, err = config.ParseDurationField("scheduler.start_delay", sc.StartDelay); err != nil {
		return tick.Config{}, err
	}
	if out.StaleAfter, err = parseDurationOrDefault("scheduler.stale_after", sc.StaleAfter, d.StaleAfter); err != nil {
		return tick.Config{}, err
	}
	if out.DispatchTimeout, err = parseDurationOrDefault("scheduler.dispatch_timeout", sc.DispatchTimeout, d.DispatchTimeout); err != nil {
		return tick.Config{}, err
	}
	if err := job.ValidateOffset(out.DefaultTZ); err != nil {
		return tick.Config{}, fmt.Errorf("scheduler.default_tz_offset: %w", err)
	}
	if tz := strings.TrimSpace(sc.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return tick.Config{}, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	return out, nil
}

func mapDispatchOptions(cfg *config.Config) (dispatch.Options, error) {
	d := dispatch.DefaultOptions()
	dc := cfg.Dispatch
	out := d
	if dc.BatchSize < 0 || dc.Concurrency < 0 || dc.RatePerSec < 0 {
		return dispatch.Options{}, fmt.Errorf("dispatch: batch_size, concurrency and rate_per_sec must be >= 0")
	}
	if dc.BatchSize > 0 {
		out.BatchSize = dc.BatchSize
	}
	if dc.Concurrency > 0 {
		out.Concurrency = dc.Concurrency
	}
	if dc.RatePerSec > 0 {
		out.RatePerSec = dc.RatePerSec
	}
	if dc.Retries != nil {
		if *dc.Retries < 0 {
			return dispatch.Options{}, fmt.Errorf("dispatch.retries must be >= 0")
		}
		out.Retries = *dc.Retries
	}
	var err error
	if out.RetryBase, err = parseDurationOrDefault("dispatch.retry_base", dc.RetryBase, d.RetryBase); err != nil {
		return dispatch.Options{}, err
	}
	if out.RetryMaxDelay, err = parseDurationOrDefault("dispatch.retry_max_delay", dc.RetryMaxDelay, d.RetryMaxDelay); err != nil {
		return dispatch.Options{}, err
	}
	if out.SendTimeout, err = parseDurationOrDefault("dispatch.send_timeout", dc.SendTimeout, d.SendTimeout); err != nil {
		return dispatch.Options{}, err
	}
	return out, nil
}

func conversationTimeout(cfg *config.Config) (time.Duration, error) {
	return parseDurationOrDefault("conversation.timeout", cfg.Conversation.Timeout, conversation.DefaultTimeout)
}

func mapKeepAliveConfig(cfg *config.Config) (keepalive.Config, error) {
	kc := cfg.KeepAlive
	out := keepalive.Config{
		Enabled:   kc.Enabled,
		URL:       strings.TrimSpace(kc.URL),
		PingOwner: kc.PingOwner,
	}
	if len(cfg.Telegram.OwnerUserIDs) > 0 {
		out.OwnerID = cfg.Telegram.OwnerUserIDs[0]
	}
	out.Interval = keepalive.DefaultInterval
	if raw := strings.TrimSpace(kc.Interval); raw != "" {
		ps, err := scheduler.ParseSchedule(raw)
		if err == nil {
			err = ps.Validate()
		}
		if err != nil {
			return keepalive.Config{}, fmt.Errorf("keepalive.interval: %w", err)
		}
		if ps.Kind == scheduler.SpecInterval {
			out.Interval = ps.Every
		} else {
			out.Schedule = raw
		}
	}
	var err error
	if out.FirstDelay, err = parseDurationOrDefault("keepalive.first_delay", kc.FirstDelay, keepalive.DefaultFirstDelay); err != nil {
		return keepalive.Config{}, err
	}
	if out.Enabled && out.URL == "" && !(out.PingOwner && out.OwnerID != 0) {
		return keepalive.Config{}, fmt.Errorf("keepalive: url is required unless ping_owner is set with an owner")
	}
	return out, nil
}

func mapMetricsConfig(cfg *config.Config) observability.ServerConfig {
	mc := cfg.Metrics
	addr := strings.TrimSpace(mc.Addr)
	if addr == "" {
		addr = observability.DefaultAddr
	}
	return observability.ServerConfig{
		Enabled:       mc.Enabled,
		Addr:          addr,
		Token:         strings.TrimSpace(mc.Token),
		AllowInsecure: mc.AllowInsecure,
		Pprof:         mc.Pprof,
	}
}

// mapNotifierConfig parses durations. An omitted section means enabled
// with defaults.
func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	n := config.DefaultNotifier()
	if cfg.Notifier != nil {
		d := n
		n = *cfg.Notifier
		if n.Workers == 0 {
			n.Workers = d.Workers
		}
		if n.QueueSize == 0 {
			n.QueueSize = d.QueueSize
		}
		if n.RatePerSec == 0 {
			n.RatePerSec = d.RatePerSec
		}
		if n.RetryMax == 0 {
			n.RetryMax = d.RetryMax
		}
		if n.DedupMaxEntries == 0 {
			n.DedupMaxEntries = d.DedupMaxEntries
		}
	}
	if n.Workers < 0 || n.QueueSize < 0 || n.RatePerSec < 0 || n.RetryMax < 0 || n.DedupMaxEntries < 0 {
		return notifier.Config{}, fmt.Errorf("notifier: counts must be >= 0")
	}
	out := notifier.Config{
		Enabled:         n.Enabled,
		Workers:         n.Workers,
		QueueSize:       n.QueueSize,
		RatePerSec:      n.RatePerSec,
		RetryMax:        n.RetryMax,
		DedupMaxEntries: n.DedupMaxEntries,
		PersistDedup:    n.PersistDedup,
		NotifyMissed:    n.NotifyMissed,
	}
	var err error
	if out.RetryBase, err = parseDurationOrDefault("notifier.retry_base", n.RetryBase, 500*time.Millisecond); err != nil {
		return notifier.Config{}, err
	}
	if out.RetryMaxDelay, err = parseDurationOrDefault("notifier.retry_max_delay", n.RetryMaxDelay, 10*time.Second); err != nil {
		return notifier.Config{}, err
	}
	if out.DedupWindow, err = parseDurationOrDefault("notifier.dedup_window", n.DedupWindow, time.Hour); err != nil {
		return notifier.Config{}, err
	}
	return out, nil
}

// validate rejects a config before it is committed, at boot and on reload.
func validate(cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token is required (or set %s)", config.EnvToken)
	}
	if _, err := logChatID(cfg); err != nil {
		return err
	}
	steps := []func() error{
		func() error { _, err := mapAdapterConfig(cfg); return err },
		func() error { _, err := mapStorageConfig(cfg); return err },
		func() error { _, err := mapTickConfig(cfg); return err },
		func() error { _, err := mapDispatchOptions(cfg); return err },
		func() error { _, err := conversationTimeout(cfg); return err },
		func() error { _, err := mapKeepAliveConfig(cfg); return err },
		func() error { _, err := mapNotifierConfig(cfg); return err },
	}
	for _, s := range steps {
		if err := s(); err != nil {
			return err
		}
	}
	return nil
}
