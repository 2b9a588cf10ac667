package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Telegram rejects messages over 4096 characters.
const maxTelegramLine = 3500

// Sender delivers one rendered log line to a chat.
type Sender func(ctx context.Context, chatID int64, threadID int, text string) error

type telegramLine struct {
	chatID   int64
	threadID int
	text     string
}

// telegramSink is a zerolog.LevelWriter that queues rendered lines for a
// single background sender. Logging never blocks on Telegram: lines over
// the rate limit or beyond the queue are dropped.
type telegramSink struct {
	sender atomic.Pointer[Sender]
	queue  chan telegramLine

	mu       sync.Mutex
	chatID   int64
	threadID int
	minLevel zerolog.Level
	limiter  *rate.Limiter

	startOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

func newTelegramSink() *telegramSink {
	return &telegramSink{
		queue:    make(chan telegramLine, 256),
		minLevel: zerolog.WarnLevel,
		limiter:  rate.NewLimiter(1, 1),
		done:     make(chan struct{}),
	}
}

func (t *telegramSink) setSender(fn Sender) {
	if fn == nil {
		t.sender.Store(nil)
		return
	}
	t.sender.Store(&fn)
}

func (t *telegramSink) setTarget(chatID int64, threadID int) {
	t.mu.Lock()
	t.chatID = chatID
	if threadID != 0 {
		t.threadID = threadID
	}
	t.mu.Unlock()
}

func (t *telegramSink) apply(cfg TelegramConfig) {
	t.mu.Lock()
	t.minLevel = parseLevel(cfg.MinLevel, zerolog.WarnLevel)
	rps := max(1, cfg.RatePerSec)
	t.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	if cfg.ThreadID != 0 {
		t.threadID = cfg.ThreadID
	}
	t.mu.Unlock()
	if cfg.Enabled {
		t.startOnce.Do(t.start)
	}
}

func (t *telegramSink) start() {
	ctx, cancel := context.WithCancel(context.Background())
	t.mu.Lock()
	t.cancel = cancel
	t.mu.Unlock()
	go func() {
		defer close(t.done)
		for {
			select {
			case <-ctx.Done():
				return
			case l := <-t.queue:
				if send := t.sender.Load(); send != nil {
					_ = (*send)(ctx, l.chatID, l.threadID, l.text)
				}
			}
		}
	}()
}

func (t *telegramSink) close() {
	t.mu.Lock()
	cancel := t.cancel
	t.cancel = nil
	t.mu.Unlock()
	if cancel != nil {
		cancel()
		<-t.done
	}
}

func (t *telegramSink) Write(p []byte) (int, error) {
	return t.WriteLevel(zerolog.InfoLevel, p)
}

func (t *telegramSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	t.mu.Lock()
	chatID, threadID, minLevel, lim := t.chatID, t.threadID, t.minLevel, t.limiter
	t.mu.Unlock()

	if chatID == 0 || level < minLevel || t.sender.Load() == nil || !lim.Allow() {
		return len(p), nil
	}
	if text := renderLine(p); text != "" {
		select {
		case t.queue <- telegramLine{chatID: chatID, threadID: threadID, text: text}:
		default:
		}
	}
	return len(p), nil
}

// renderLine turns a JSON event into "[LEVEL] message" followed by one
// "- key=value" line per field, keys sorted. Non-JSON input is passed
// through trimmed.
func renderLine(p []byte) string {
	var m map[string]any
	if err := json.Unmarshal(p, &m); err != nil {
		return truncate(strings.TrimSpace(string(p)), maxTelegramLine)
	}

	var b strings.Builder
	if lvl, _ := m[zerolog.LevelFieldName].(string); lvl != "" {
		fmt.Fprintf(&b, "[%s] ", strings.ToUpper(lvl))
	}
	msg, _ := m[zerolog.MessageFieldName].(string)
	b.WriteString(msg)

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case zerolog.LevelFieldName, zerolog.MessageFieldName, zerolog.TimestampFieldName:
		default:
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	for _, k := range keys {
		if k == "stack" {
			fmt.Fprintf(&b, "\n- stack=\n%s", truncate(fmt.Sprint(m[k]), 900))
			continue
		}
		fmt.Fprintf(&b, "\n- %s=%s", k, truncate(fmt.Sprint(m[k]), 600))
	}
	return truncate(b.String(), maxTelegramLine)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n < 10 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
