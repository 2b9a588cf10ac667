// Package tick drives scheduled jobs: each tick claims the due jobs,
// hands them to the dispatch batcher and writes back the next fire time.
package tick

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"cronbot/internal/dispatch"
	"cronbot/internal/eventbus"
	"cronbot/internal/job"
	"cronbot/internal/observability"
	"cronbot/internal/recurrence"
	"cronbot/internal/task/scheduler"
	logx "cronbot/pkg/logx"

	"github.com/cockroachdb/errors"
)

// Event types published on the bus.
const (
	EventDelivered = "job.delivered"
	EventMissed    = "job.missed"
	EventDisabled  = "job.disabled"
	EventExhausted = "job.exhausted"
	EventSkipped   = "tick.skipped"
)

// Store is the part of the job store the tick needs.
type Store interface {
	FindDue(ctx context.Context, now, staleBefore time.Time) ([]job.Job, error)
	Claim(ctx context.Context, id string, expect job.Status, now, staleBefore time.Time) error
	Reconcile(ctx context.Context, id string, status job.Status, next time.Time, attempts int, now time.Time) error
	GetChatConfig(ctx context.Context, chatID int64) (job.ChatConfig, bool, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, jobs []job.Job) []dispatch.Result
}

// Registrar is the trigger scheduler the tick registers on.
type Registrar interface {
	AddInterval(name string, every time.Duration, opt scheduler.TaskOptions, fn scheduler.Func) error
	Remove(name string) bool
}

type Config struct {
	Interval   time.Duration
	StartDelay time.Duration
	// StaleAfter is how long a job may stay dispatching before another
	// tick re-claims it.
	StaleAfter time.Duration
	// DispatchTimeout bounds one batch. The batch is not cancelled by
	// shutdown.
	DispatchTimeout time.Duration
	DefaultTZ       float64
}

func DefaultConfig() Config {
	return Config{
		Interval:        60 * time.Second,
		StartDelay:      10 * time.Second,
		StaleAfter:      10 * time.Minute,
		DispatchTimeout: 5 * time.Minute,
		DefaultTZ:       8,
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.StartDelay < 0 {
		c.StartDelay = 0
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = d.StaleAfter
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = d.DispatchTimeout
	}
	return c
}

// Report summarizes one tick.
type Report struct {
	Due       int
	Claimed   int
	Reclaimed int
	Conflicts int
	Delivered int
	Missed    int
	Disabled  int
	Exhausted int
	// WriteFailures counts jobs left dispatching because the store write
	// failed twice.
	WriteFailures int
	Skipped       bool
}

// JobEvent is the payload of the job.* bus events.
type JobEvent struct {
	JobID    string    `json:"job_id"`
	Name     string    `json:"name"`
	OwnerID  int64     `json:"owner_id"`
	ChatID   int64     `json:"chat_id"`
	Next     time.Time `json:"next,omitzero"`
	Attempts int       `json:"attempts"`
	Error    string    `json:"error,omitempty"`
}

const writeTimeout = 10 * time.Second

type Scheduler struct {
	store   Store
	batcher Dispatcher
	log     logx.Logger
	bus     eventbus.Bus
	metrics *observability.Metrics
	now     func() time.Time

	busy atomic.Bool

	mu  sync.RWMutex
	cfg Config
}

func New(store Store, batcher Dispatcher, cfg Config, log logx.Logger, bus eventbus.Bus, m *observability.Metrics) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scheduler{
		store:   store,
		batcher: batcher,
		log:     log.With(logx.String("comp", "tick")),
		bus:     bus,
		metrics: m,
		now:     time.Now,
		cfg:     cfg.normalized(),
	}
}

// SetConfig applies to the next tick. Interval changes need a restart.
func (s *Scheduler) SetConfig(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.normalized()
	s.mu.Unlock()
}

func (s *Scheduler) config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Run registers the tick on trig and blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context, trig Registrar) error {
	cfg := s.config()
	err := trig.AddInterval("tick", cfg.Interval, scheduler.TaskOptions{
		Overlap:    scheduler.OverlapAllow,
		FirstDelay: cfg.StartDelay,
	}, func(ctx context.Context) error {
		_, err := s.Tick(ctx, s.now())
		return err
	})
	if err != nil {
		return errors.Wrap(err, "register tick")
	}
	s.log.Info("tick registered", logx.Duration("every", cfg.Interval), logx.Duration("first_after", cfg.StartDelay))
	<-ctx.Done()
	trig.Remove("tick")
	return nil
}

// Tick processes every job due at now. A tick that starts while another
// is running returns at once with Skipped set.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) (Report, error) {
	if !s.busy.CompareAndSwap(false, true) {
		s.log.Warn("tick skipped; previous tick still running")
		s.metrics.Tick("skipped", 0)
		s.publish(EventSkipped, nil)
		return Report{Skipped: true}, nil
	}
	defer s.busy.Store(false)

	start := time.Now()
	cfg := s.config()
	now = now.UTC()
	staleBefore := now.Add(-cfg.StaleAfter)

	var rep Report
	due, err := s.store.FindDue(ctx, now, staleBefore)
	if err != nil {
		s.metrics.Tick("error", time.Since(start))
		return rep, errors.Wrap(err, "tick")
	}
	rep.Due = len(due)

	claimed := make([]job.Job, 0, len(due))
	for _, j := range due {
		expect := j.Status
		err := s.store.Claim(ctx, j.ID, expect, now, staleBefore)
		switch {
		case err == nil:
		case errors.Is(err, job.ErrClaimConflict):
			rep.Conflicts++
			s.log.Debug("claim conflict", logx.String("job_id", j.ID))
			continue
		default:
			s.log.Warn("claim failed", logx.String("job_id", j.ID), logx.Err(err))
			continue
		}
		if expect == job.StatusDispatching {
			rep.Reclaimed++
			s.log.Warn("reclaimed stale job", logx.String("job_id", j.ID), logx.Int64("chat_id", j.ChatID),
				logx.Time("claimed_at", j.ClaimedAt))
		}
		j.Status = job.StatusDispatching
		j.ClaimedAt = now
		claimed = append(claimed, j)
	}
	rep.Claimed = len(claimed)
	if len(claimed) == 0 {
		s.metrics.Tick("idle", time.Since(start))
		return rep, nil
	}

	// Shutdown does not interrupt a batch that already started.
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.DispatchTimeout)
	defer cancel()
	results := s.batcher.Dispatch(dctx, claimed)

	tz := newTZCache(s.store, cfg.DefaultTZ, s.log)
	for i, j := range claimed {
		res := dispatch.Result{JobID: j.ID, Outcome: dispatch.FailedTransient, Err: errors.New("no dispatch result")}
		if i < len(results) {
			res = results[i]
		}
		s.reconcile(dctx, j, res, tz.get(dctx, j.ChatID), now, &rep)
	}

	s.metrics.Tick("ok", time.Since(start))
	s.log.Info("tick done",
		logx.Int("claimed", rep.Claimed), logx.Int("delivered", rep.Delivered), logx.Int("missed", rep.Missed),
		logx.Int("disabled", rep.Disabled), logx.Int("exhausted", rep.Exhausted), logx.Int("conflicts", rep.Conflicts),
		logx.Duration("took", time.Since(start)))
	return rep, nil
}

func (s *Scheduler) reconcile(ctx context.Context, j job.Job, res dispatch.Result, tz float64, now time.Time, rep *Report) {
	status := job.StatusScheduled
	next := j.NextRunAt
	evType := EventDelivered
	outcome := "delivered"

	switch res.Outcome {
	case dispatch.FailedPermanent:
		status, evType, outcome = job.StatusDisabled, EventDisabled, "disabled"
	default:
		if res.Outcome == dispatch.FailedTransient {
			evType, outcome = EventMissed, "missed"
			s.log.Warn("missed delivery", logx.String("job_id", j.ID), logx.Int64("chat_id", j.ChatID),
				logx.Int64("owner_id", j.OwnerID), logx.Int("attempts", res.Attempts), logx.Err(res.Err))
		}
		n, err := Advance(j.Recurrence, j.NextRunAt, tz, now)
		switch {
		case err == nil:
			next = n
		case errors.Is(err, recurrence.ErrExhausted):
			status = job.StatusExhausted
			if res.Outcome == dispatch.Delivered {
				evType, outcome = EventExhausted, "exhausted"
			}
		default:
			s.log.Error("recurrence evaluation failed; disabling job", logx.String("job_id", j.ID), logx.Err(err))
			status, evType, outcome = job.StatusDisabled, EventDisabled, "disabled"
			if res.Err == nil {
				res.Err = err
			}
		}
	}

	if err := s.write(ctx, j.ID, status, next, res.Attempts, now); err != nil {
		rep.WriteFailures++
		s.metrics.TickJob("write_failed")
		s.log.Error("reconcile failed; job stays dispatching until reclaimed",
			logx.String("job_id", j.ID), logx.String("status", string(status)), logx.Err(err))
		return
	}

	switch {
	case status == job.StatusDisabled:
		rep.Disabled++
	case evType == EventMissed:
		rep.Missed++
	default:
		rep.Delivered++
	}
	if status == job.StatusExhausted {
		rep.Exhausted++
	}
	s.metrics.TickJob(outcome)

	ev := JobEvent{JobID: j.ID, Name: j.Name, OwnerID: j.OwnerID, ChatID: j.ChatID, Attempts: res.Attempts}
	if status == job.StatusScheduled {
		ev.Next = next
	}
	if res.Err != nil {
		ev.Error = res.Err.Error()
	}
	s.publish(evType, ev)
}

// write retries a failed store write once.
func (s *Scheduler) write(ctx context.Context, id string, status job.Status, next time.Time, attempts int, now time.Time) error {
	var err error
	for try := 0; try < 2; try++ {
		wctx, cancel := context.WithTimeout(ctx, writeTimeout)
		err = s.store.Reconcile(wctx, id, status, next, attempts, now)
		cancel()
		if err == nil || errors.Is(err, job.ErrClaimConflict) {
			return err
		}
	}
	return err
}

func (s *Scheduler) publish(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: data})
}

// Advance returns the first fire time after prior that is also after now,
// so a recurring job that fell behind skips its missed slots.
func Advance(rec job.Recurrence, prior time.Time, tz float64, now time.Time) (time.Time, error) {
	if iv, ok := rec.(job.Interval); ok && iv.Period > 0 && !prior.After(now) {
		steps := now.Sub(prior)/iv.Period + 1
		prior = prior.Add((steps - 1) * iv.Period)
	}
	next, err := recurrence.NextFire(rec, prior, tz)
	for err == nil && !next.After(now) {
		next, err = recurrence.NextFire(rec, next, tz)
	}
	return next, err
}

type tzCache struct {
	store Store
	def   float64
	log   logx.Logger
	m     map[int64]float64
}

func newTZCache(st Store, def float64, log logx.Logger) *tzCache {
	return &tzCache{store: st, def: def, log: log, m: map[int64]float64{}}
}

func (c *tzCache) get(ctx context.Context, chatID int64) float64 {
	if tz, ok := c.m[chatID]; ok {
		return tz
	}
	tz := c.def
	cfg, ok, err := c.store.GetChatConfig(ctx, chatID)
	switch {
	case err != nil:
		c.log.Warn("chat config lookup failed; using default offset", logx.Int64("chat_id", chatID), logx.Err(err))
	case ok:
		tz = cfg.TZOffset
	}
	c.m[chatID] = tz
	return tz
}
