package app

import (
	"testing"
	"time"

	"cronbot/internal/config"
	"cronbot/internal/conversation"
	"cronbot/internal/keepalive"
	"cronbot/internal/observability"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseConfig() *config.Config {
	return &config.Config{Telegram: config.TelegramConfig{Token: "t", OwnerUserIDs: []int64{7, 8}}}
}

func TestDefaultsFromEmptySections(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	require.NoError(t, validate(cfg))

	tc, err := mapTickConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, 60*time.Second, tc.Interval)
	assert.Equal(t, 10*time.Second, tc.StartDelay)
	assert.Equal(t, 10*time.Minute, tc.StaleAfter)
	assert.InDelta(t, 8.0, tc.DefaultTZ, 1e-9)

	do, err := mapDispatchOptions(cfg)
	require.NoError(t, err)
	assert.Equal(t, 100, do.BatchSize)
	assert.Equal(t, 1, do.Retries)

	sc, err := mapStorageConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", sc.Driver)
	assert.Equal(t, "./cronbot.db", sc.Path)

	d, err := conversationTimeout(cfg)
	require.NoError(t, err)
	assert.Equal(t, conversation.DefaultTimeout, d)

	assert.Equal(t, defaultJobLimit, jobLimit(cfg))
	cfg.Scheduler.JobLimitPerPerson = -1
	assert.Equal(t, 0, jobLimit(cfg))

	n, err := mapNotifierConfig(cfg)
	require.NoError(t, err)
	assert.True(t, n.Enabled)
	assert.Equal(t, time.Hour, n.DedupWindow)

	m := mapMetricsConfig(cfg)
	assert.False(t, m.Enabled)
	assert.Equal(t, observability.DefaultAddr, m.Addr)
}

func TestExplicitValues(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	tz := -3.5
	zero := 0
	cfg.Scheduler = config.SchedulerConfig{TickInterval: "30s", StartDelay: "0s", DefaultTZOffset: &tz, JobLimitPerPerson: 3}
	cfg.Dispatch = config.DispatchConfig{BatchSize: 10, Retries: &zero, RatePerSec: 5}
	cfg.KeepAlive = config.KeepAliveConfig{Enabled: true, PingOwner: true, Interval: "1m"}
	cfg.Notifier = &config.NotifierConfig{Enabled: false, NotifyMissed: true}
	require.NoError(t, validate(cfg))

	tc, err := mapTickConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, tc.Interval)
	assert.Equal(t, time.Duration(0), tc.StartDelay)
	assert.InDelta(t, -3.5, tc.DefaultTZ, 1e-9)
	assert.Equal(t, 3, jobLimit(cfg))

	do, err := mapDispatchOptions(cfg)
	require.NoError(t, err)
	assert.Equal(t, 10, do.BatchSize)
	assert.Equal(t, 0, do.Retries)
	assert.InDelta(t, 5.0, do.RatePerSec, 1e-9)

	kc, err := mapKeepAliveConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, int64(7), kc.OwnerID)
	assert.Equal(t, time.Minute, kc.Interval)
	assert.Equal(t, keepalive.DefaultFirstDelay, kc.FirstDelay)

	n, err := mapNotifierConfig(cfg)
	require.NoError(t, err)
	assert.False(t, n.Enabled)
	assert.True(t, n.NotifyMissed)
	assert.Equal(t, 2, n.Workers)
}

func TestValidateRejects(t *testing.T) {
	t.Parallel()
	badTZ := 15.0
	neg := -1
	cases := map[string]func(c *config.Config){
		"token":        func(c *config.Config) { c.Telegram.Token = " " },
		"group_log":    func(c *config.Config) { c.Telegram.GroupLog = "@logs" },
		"poll_timeout": func(c *config.Config) { c.Telegram.PollTimeout = "soon" },
		"driver":       func(c *config.Config) { c.Storage.Driver = "file" },
		"tz":           func(c *config.Config) { c.Scheduler.DefaultTZOffset = &badTZ },
		"timezone":     func(c *config.Config) { c.Scheduler.Timezone = "Mars/Olympus" },
		"retries":      func(c *config.Config) { c.Dispatch.Retries = &neg },
		"conversation": func(c *config.Config) { c.Conversation.Timeout = "-5m" },
		"keepalive":    func(c *config.Config) { c.KeepAlive = config.KeepAliveConfig{Enabled: true} },
		"ping_cron":    func(c *config.Config) { c.KeepAlive.Interval = "0 99 * * *" },
		"notifier":     func(c *config.Config) { c.Notifier = &config.NotifierConfig{Workers: -1} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			cfg := baseConfig()
			mutate(cfg)
			assert.Error(t, validate(cfg))
		})
	}
}

func TestLogChatID(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	id, err := logChatID(cfg)
	require.NoError(t, err)
	assert.Zero(t, id)

	cfg.Telegram.GroupLog = " -1001234 "
	id, err = logChatID(cfg)
	require.NoError(t, err)
	assert.Equal(t, int64(-1001234), id)
}

func TestKeepAliveScheduleForms(t *testing.T) {
	t.Parallel()
	cases := map[string]struct {
		every    time.Duration
		schedule string
	}{
		"":            {every: keepalive.DefaultInterval},
		"90s":         {every: 90 * time.Second},
		"every:00:10": {every: 10 * time.Minute},
		"daily:04:00": {every: keepalive.DefaultInterval, schedule: "daily:04:00"},
		"0 */6 * * *": {every: keepalive.DefaultInterval, schedule: "0 */6 * * *"},
	}
	for raw, want := range cases {
		t.Run(raw, func(t *testing.T) {
			t.Parallel()
			cfg := baseConfig()
			cfg.KeepAlive = config.KeepAliveConfig{Enabled: true, URL: "http://127.0.0.1/ping", Interval: raw}
			kc, err := mapKeepAliveConfig(cfg)
			require.NoError(t, err)
			assert.Equal(t, want.every, kc.Interval)
			assert.Equal(t, want.schedule, kc.Schedule)
		})
	}

	for _, bad := range []string{"soon", "daily:25:00", "61 * * * *"} {
		cfg := baseConfig()
		cfg.KeepAlive = config.KeepAliveConfig{Interval: bad}
		_, err := mapKeepAliveConfig(cfg)
		assert.Error(t, err, bad)
	}
}
