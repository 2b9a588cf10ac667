package adapter

import (
	"strings"
	"time"
)

// Config configures the Telegram connection. Webhook mode is used when
// WebhookURL is set; long polling otherwise.
type Config struct {
	Token       string
	PollTimeout time.Duration

	WebhookURL    string
	WebhookListen string // default ":8443"
	WebhookSecret string
}

func (c Config) webhook() bool { return strings.TrimSpace(c.WebhookURL) != "" }

func (c Config) listen() string {
	if strings.TrimSpace(c.WebhookListen) == "" {
		return ":8443"
	}
	return c.WebhookListen
}

func (c Config) pollTimeout() time.Duration {
	if c.PollTimeout <= 0 {
		return 10 * time.Second
	}
	return c.PollTimeout
}
