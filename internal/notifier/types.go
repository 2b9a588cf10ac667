package notifier

import (
	"time"

	kit "cronbot/internal/transport"
)

// Config controls the async notification pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool
	// NotifyMissed also reports deliveries that ran out of retries.
	// Disabled jobs are always reported.
	NotifyMissed bool
}

// Notice is one message to a user or chat. Channel groups notices for
// deduplication; an empty Channel is never deduplicated.
type Notice struct {
	Channel string
	To      kit.ChatTarget
	Text    string
	Options *kit.SendOptions
}

type HistoryItem struct {
	At      time.Time
	Channel string
	ChatID  int64
	Text    string
}

// NotificationEvent is emitted on the event bus for notifier lifecycle events.
type NotificationEvent struct {
	Channel string    `json:"channel"`
	ChatID  int64     `json:"chat_id"`
	Key     string    `json:"key"`
	At      time.Time `json:"at"`
	Error   string    `json:"error,omitempty"`
}
