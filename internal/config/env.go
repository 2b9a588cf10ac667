package config

import (
	"errors"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
)

// Environment overrides. Secrets usually live in .env rather than the
// config file.
const (
	EnvToken      = "TELEGRAM_BOT_TOKEN"
	EnvWebhookURL = "CRONBOT_WEBHOOK_URL"
	EnvKeepAlive  = "KEEP_ALIVE_URL"
)

// LoadDotEnv loads the given .env files (default ".env") into the process
// environment without overriding variables that are already set. Missing
// files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

// ApplyEnv copies non-empty overrides from lookup into cfg.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if cfg == nil || lookup == nil {
		return
	}
	get := func(k string) (string, bool) {
		v, ok := lookup(k)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}
	if v, ok := get(EnvToken); ok {
		cfg.Telegram.Token = v
	}
	if v, ok := get(EnvWebhookURL); ok {
		cfg.Telegram.Webhook.PublicURL = v
	}
	if v, ok := get(EnvKeepAlive); ok {
		cfg.KeepAlive.URL = v
		cfg.KeepAlive.Enabled = true
	}
}
