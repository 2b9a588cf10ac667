// Package keepalive stops idle-sleeping hosts from suspending the bot by
// periodically requesting its public URL, or by messaging the owner.
package keepalive

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"cronbot/internal/notifier"
	"cronbot/internal/observability"
	kit "cronbot/internal/transport"
	logx "cronbot/pkg/logx"

	"github.com/cockroachdb/errors"
)

const (
	DefaultInterval   = 5 * time.Minute
	DefaultFirstDelay = 30 * time.Second
	requestTimeout    = 10 * time.Second
)

type Config struct {
	Enabled bool
	URL     string
	// PingOwner sends "ping" to OwnerID instead of requesting URL.
	PingOwner bool
	OwnerID   int64
	Interval  time.Duration
	// Schedule, when set, replaces Interval with a wall-clock trigger such
	// as "daily:04:00" or a cron spec, evaluated in scheduler.timezone.
	Schedule   string
	FirstDelay time.Duration
}

// Notifier is the notifier.Service subset used for owner pings.
type Notifier interface {
	Notify(ctx context.Context, n notifier.Notice) error
}

type Pinger struct {
	mu  sync.RWMutex
	cfg Config

	client  *http.Client
	notify  Notifier
	log     logx.Logger
	metrics *observability.Metrics
}

func New(cfg Config, notify Notifier, log logx.Logger, metrics *observability.Metrics) *Pinger {
	if log.IsZero() {
		log = logx.Nop()
	}
	p := &Pinger{
		client:  &http.Client{Timeout: requestTimeout},
		notify:  notify,
		log:     log.With(logx.String("comp", "keepalive")),
		metrics: metrics,
	}
	p.Apply(cfg)
	return p
}

func (p *Pinger) Apply(cfg Config) {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.FirstDelay <= 0 {
		cfg.FirstDelay = DefaultFirstDelay
	}
	p.mu.Lock()
	p.cfg = cfg
	p.mu.Unlock()
}

func (p *Pinger) Config() Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg
}

// Ping performs one keep-alive. Failures are logged and returned; the
// caller keeps the schedule either way.
func (p *Pinger) Ping(ctx context.Context) error {
	cfg := p.Config()
	if !cfg.Enabled {
		return nil
	}
	var err error
	switch {
	case cfg.PingOwner && cfg.OwnerID != 0:
		err = p.pingOwner(ctx, cfg.OwnerID)
	case cfg.URL != "":
		err = p.get(ctx, cfg.URL)
	default:
		return nil
	}
	if err != nil {
		p.metrics.KeepAlive("failed")
		p.log.Warn("keep-alive ping failed", logx.Err(err))
		return err
	}
	p.metrics.KeepAlive("ok")
	p.log.Debug("keep-alive ping ok")
	return nil
}

func (p *Pinger) pingOwner(ctx context.Context, owner int64) error {
	if p.notify == nil {
		return errors.New("no notifier for owner ping")
	}
	return p.notify.Notify(ctx, notifier.Notice{To: kit.ChatTarget{ChatID: owner}, Text: "ping"})
}

func (p *Pinger) get(ctx context.Context, url string) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return errors.Wrap(err, "keep-alive request")
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "keep-alive get")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode >= 500 {
		return errors.Newf("keep-alive get: status %d", resp.StatusCode)
	}
	return nil
}
