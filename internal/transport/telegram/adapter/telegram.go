package adapter

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	rtsup "cronbot/internal/runtime/supervisor"
	kit "cronbot/internal/transport"
	logx "cronbot/pkg/logx"

	"github.com/cockroachdb/errors"
	tele "gopkg.in/telebot.v4"
)

const (
	dropReportEvery = 5 * time.Second
	stopGrace       = 2 * time.Second
)

// DropObserver is told about every inbound update dropped because the
// consumer was full.
type DropObserver func()

// Adapter connects the bot to Telegram through telebot.
type Adapter struct {
	cfg  Config
	log  logx.Logger
	bot  *tele.Bot
	http *http.Client

	// out is the current consumer; nil while stopped.
	out     atomic.Pointer[chan<- kit.Update]
	dropped atomic.Uint64
	onDrop  DropObserver

	mu  sync.Mutex
	sup *rtsup.Supervisor // non-nil while running

	menuMu   sync.Mutex
	menuHash uint64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "telegram.adapter"))

	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: cfg.poller(),
		OnError: func(err error, _ tele.Context) {
			log.Warn("telebot handler error", logx.Err(err))
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "telegram bot")
	}
	a := &Adapter{cfg: cfg, log: log, bot: b, http: &http.Client{Timeout: 8 * time.Second}}
	a.routeUpdates()
	return a, nil
}

func (c Config) poller() tele.Poller {
	if !c.webhook() {
		return &tele.LongPoller{Timeout: c.pollTimeout()}
	}
	return &tele.Webhook{
		Listen:      c.listen(),
		SecretToken: c.WebhookSecret,
		Endpoint:    &tele.WebhookEndpoint{PublicURL: c.WebhookURL},
	}
}

func (c Config) mode() string {
	if c.webhook() {
		return "webhook"
	}
	return "long_poll"
}

// Supervisor returns the goroutines of a running adapter, or nil.
func (a *Adapter) Supervisor() *rtsup.Supervisor {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sup
}

// Username is the bot's @name without the "@", empty when unknown.
func (a *Adapter) Username() string {
	if a.bot == nil || a.bot.Me == nil {
		return ""
	}
	return a.bot.Me.Username
}

// SetDropObserver installs fn; call before Start.
func (a *Adapter) SetDropObserver(fn DropObserver) { a.onDrop = fn }

// deliver hands up to the consumer without blocking telebot. Updates that
// do not fit are counted and reported in batches.
func (a *Adapter) deliver(up kit.Update) {
	p := a.out.Load()
	if p == nil {
		return
	}
	select {
	case *p <- up:
	default:
		a.dropped.Add(1)
		if a.onDrop != nil {
			a.onDrop()
		}
	}
}

// Start begins receiving updates into out. A second call while running is
// a no-op.
func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	a.mu.Lock()
	if a.sup != nil {
		a.mu.Unlock()
		return nil
	}
	a.out.Store(&out)
	sup := rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log))
	a.sup = sup
	a.mu.Unlock()

	sup.Go0("updates.drop_report", func(ctx context.Context) {
		t := time.NewTicker(dropReportEvery)
		defer t.Stop()
		defer a.reportDrops(cap(out))
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				a.reportDrops(cap(out))
			}
		}
	})
	sup.Go0("telebot.stop_on_cancel", func(ctx context.Context) {
		<-ctx.Done()
		a.bot.Stop()
	})
	// bot.Start returns on transient poller failures too.
	sup.GoRestart0("telebot.poll", func(context.Context) {
		a.log.Info("update loop started", logx.String("mode", a.cfg.mode()))
		a.bot.Start()
		a.log.Info("update loop stopped", logx.String("mode", a.cfg.mode()))
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithPublishFirstError(true),
		rtsup.WithStopOnCleanExit(false),
	)
	return nil
}

func (a *Adapter) reportDrops(capacity int) {
	if n := a.dropped.Swap(0); n > 0 {
		a.log.Warn("incoming updates dropped", logx.Uint64("count", n), logx.Int("chan_cap", capacity))
	}
}

// Stop detaches the consumer and waits briefly for the poll loop. A
// long-poll request still in flight is abandoned after the grace period.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	sup := a.sup
	a.sup = nil
	a.out.Store(nil)
	a.mu.Unlock()
	if sup == nil {
		return nil
	}

	a.log.Info("stopping", logx.Uint64("dropped_updates_pending", a.dropped.Load()))
	sup.Cancel()
	go a.bot.Stop()

	grace := stopGrace
	if dl, ok := ctx.Deadline(); ok {
		grace = min(grace, max(time.Until(dl), 0))
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	switch err := sup.Wait(wctx); {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		a.log.Warn("telegram stop timed out", logx.Err(err))
	default:
		a.log.Debug("telegram stopped with worker error", logx.Err(err))
	}
	return nil
}

func (a *Adapter) AnswerCallback(ctx context.Context, callbackID string, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return a.bot.Respond(&tele.Callback{ID: callbackID}, &tele.CallbackResponse{Text: text})
}

// MemberRole implements kit.MemberChecker.
func (a *Adapter) MemberRole(ctx context.Context, chatID, userID int64) (kit.MemberRole, error) {
	if err := ctx.Err(); err != nil {
		return kit.RoleNone, err
	}
	m, err := a.bot.ChatMemberOf(&tele.Chat{ID: chatID}, &tele.User{ID: userID})
	if err != nil {
		return kit.RoleNone, classify(err)
	}
	switch m.Role {
	case tele.Creator:
		return kit.RoleCreator, nil
	case tele.Administrator:
		return kit.RoleAdministrator, nil
	case tele.Left, tele.Kicked:
		return kit.RoleNone, nil
	}
	return kit.RoleMember, nil
}
