package config

// Config is the on-disk configuration. Every duration is a Go duration
// string ("500ms", "10s", "5m"); empty means the component default.
type Config struct {
	Telegram     TelegramConfig     `json:"telegram"`
	Logging      LoggingConfig      `json:"logging"`
	Scheduler    SchedulerConfig    `json:"scheduler"`
	Dispatch     DispatchConfig     `json:"dispatch"`
	Conversation ConversationConfig `json:"conversation"`
	Storage      StorageConfig      `json:"storage"`
	KeepAlive    KeepAliveConfig    `json:"keepalive"`
	Metrics      MetricsConfig      `json:"metrics"`

	// Notifier defaults to enabled when the section is omitted.
	Notifier *NotifierConfig `json:"notifier,omitempty"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// AllowedUsers restricts who may talk to the bot. Owners and the
	// store whitelist are always allowed. Empty admits everyone unless
	// the whitelist has entries.
	AllowedUsers []int64 `json:"allowed_users,omitempty"`
	GroupLog     string  `json:"group_log"`
	PollTimeout  string  `json:"poll_timeout"`

	Webhook WebhookConfig `json:"webhook,omitempty"`

	// Command router tunables.
	Workers   int `json:"workers,omitempty"`
	QueueSize int `json:"queue_size,omitempty"`
}

type WebhookConfig struct {
	PublicURL string `json:"public_url,omitempty"`
	Listen    string `json:"listen,omitempty"` // default ":8443"
	Secret    string `json:"secret,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

type SchedulerConfig struct {
	TickInterval    string `json:"tick_interval"`
	StartDelay      string `json:"start_delay"`
	StaleAfter      string `json:"stale_after"`
	DispatchTimeout string `json:"dispatch_timeout"`
	// DefaultTZOffset is in hours east of UTC, used for chats without a
	// stored offset.
	DefaultTZOffset   *float64 `json:"default_tz_offset,omitempty"`
	JobLimitPerPerson int      `json:"job_limit_per_person"`
	// Timezone is the IANA zone wall-clock keepalive.interval specs
	// ("daily:04:00", cron) run in. Default UTC.
	Timezone string `json:"timezone,omitempty"`
}

type DispatchConfig struct {
	BatchSize     int     `json:"batch_size"`
	Retries       *int    `json:"retries,omitempty"`
	Concurrency   int     `json:"concurrency"`
	RatePerSec    float64 `json:"rate_per_sec"`
	RetryBase     string  `json:"retry_base"`
	RetryMaxDelay string  `json:"retry_max_delay"`
	SendTimeout   string  `json:"send_timeout,omitempty"`
}

type ConversationConfig struct {
	Timeout string `json:"timeout"`
	// NotifyTimeout tells the user when a conversation expires.
	NotifyTimeout bool `json:"notify_timeout"`
}

// StorageConfig selects the job store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./cronbot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type KeepAliveConfig struct {
	Enabled    bool   `json:"enabled"`
	URL        string `json:"url,omitempty"`
	Interval   string `json:"interval,omitempty"`
	FirstDelay string `json:"first_delay,omitempty"`
	// PingOwner messages the first owner instead of requesting URL.
	PingOwner bool `json:"ping_owner,omitempty"`
}

// MetricsConfig controls the /healthz, /metrics and pprof listener.
//
// Binding to a non-loopback address needs a token or allow_insecure.
type MetricsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
}

// NotifierConfig controls owner notices.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`
	NotifyMissed    bool   `json:"notify_missed,omitempty"`
}

// DefaultNotifier is used when the notifier section is omitted.
func DefaultNotifier() NotifierConfig {
	return NotifierConfig{
		Enabled:         true,
		Workers:         2,
		QueueSize:       512,
		RatePerSec:      3,
		RetryMax:        3,
		RetryBase:       "500ms",
		RetryMaxDelay:   "10s",
		DedupWindow:     "1h",
		DedupMaxEntries: 2000,
	}
}
