// Package dispatch delivers the payloads of claimed jobs in chunks, with
// bounded parallelism, a shared rate limit and per-message retries.
package dispatch

import (
	"context"
	"fmt"
	"math/rand/v2"
	"runtime/debug"
	"sync"
	"time"

	"cronbot/internal/job"
	"cronbot/internal/observability"
	logx "cronbot/pkg/logx"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Target addresses a chat and, in forum supergroups, a topic.
type Target struct {
	ChatID   int64
	ThreadID int
}

// Gateway sends one payload. Errors should be classifiable by Classify:
// wrap with Permanent, Transient or RetryAfter.
type Gateway interface {
	Send(ctx context.Context, to Target, p job.Payload) error
}

type Outcome int

const (
	Delivered Outcome = iota
	FailedTransient
	FailedPermanent
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case FailedTransient:
		return "failed_transient"
	case FailedPermanent:
		return "failed_permanent"
	}
	return "unknown"
}

// Result is the delivery outcome of one job.
type Result struct {
	JobID    string
	Outcome  Outcome
	Attempts int
	Err      error
}

// ChunkObserver is told the index and size of each chunk before it is sent.
type ChunkObserver func(index, size int)

type Options struct {
	BatchSize     int
	Retries       int
	Concurrency   int
	RatePerSec    float64
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64
	SendTimeout   time.Duration
}

// DefaultOptions match Telegram's global send limit.
func DefaultOptions() Options {
	return Options{
		BatchSize:     100,
		Retries:       1,
		Concurrency:   8,
		RatePerSec:    25,
		RetryBase:     500 * time.Millisecond,
		RetryMaxDelay: 15 * time.Second,
		RetryJitter:   0.2,
		SendTimeout:   30 * time.Second,
	}
}

func (o Options) normalized() Options {
	d := DefaultOptions()
	if o.BatchSize <= 0 {
		o.BatchSize = d.BatchSize
	}
	if o.Retries < 0 {
		o.Retries = 0
	}
	if o.Concurrency <= 0 {
		o.Concurrency = d.Concurrency
	}
	if o.RetryBase <= 0 {
		o.RetryBase = d.RetryBase
	}
	if o.RetryMaxDelay <= 0 {
		o.RetryMaxDelay = d.RetryMaxDelay
	}
	if o.RetryJitter < 0 {
		o.RetryJitter = 0
	}
	return o
}

// Batcher holds configuration only; each Dispatch call is independent.
type Batcher struct {
	gw      Gateway
	log     logx.Logger
	metrics *observability.Metrics
	limiter *rate.Limiter

	mu       sync.RWMutex
	opt      Options
	observer ChunkObserver
}

func New(gw Gateway, opt Options, log logx.Logger, m *observability.Metrics) *Batcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	opt = opt.normalized()
	b := &Batcher{
		gw:      gw,
		log:     log.With(logx.String("comp", "dispatch")),
		metrics: m,
		limiter: rate.NewLimiter(rateLimit(opt.RatePerSec), burst(opt.RatePerSec)),
		opt:     opt,
	}
	return b
}

func rateLimit(rps float64) rate.Limit {
	if rps <= 0 {
		return rate.Inf
	}
	return rate.Limit(rps)
}

func burst(rps float64) int {
	if rps < 1 {
		return 1
	}
	return int(rps)
}

// SetOptions applies new tunables to subsequent Dispatch calls.
func (b *Batcher) SetOptions(opt Options) {
	opt = opt.normalized()
	b.mu.Lock()
	b.opt = opt
	b.mu.Unlock()
	b.limiter.SetLimit(rateLimit(opt.RatePerSec))
	b.limiter.SetBurst(burst(opt.RatePerSec))
}

func (b *Batcher) Options() Options {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.opt
}

func (b *Batcher) SetChunkObserver(fn ChunkObserver) {
	b.mu.Lock()
	b.observer = fn
	b.mu.Unlock()
}

// Dispatch sends every job's payload and returns one Result per job in
// input order. Chunks run one after another; sends inside a chunk run in
// parallel up to Concurrency.
func (b *Batcher) Dispatch(ctx context.Context, jobs []job.Job) []Result {
	b.mu.RLock()
	opt := b.opt
	observer := b.observer
	b.mu.RUnlock()

	results := make([]Result, len(jobs))
	for start, idx := 0, 0; start < len(jobs); start, idx = start+opt.BatchSize, idx+1 {
		end := min(start+opt.BatchSize, len(jobs))
		if observer != nil {
			observer(idx, end-start)
		}
		b.metrics.Chunk(end - start)

		var g errgroup.Group
		g.SetLimit(opt.Concurrency)
		for i := start; i < end; i++ {
			g.Go(func() error {
				results[i] = b.deliver(ctx, opt, jobs[i])
				return nil
			})
		}
		_ = g.Wait()
		b.log.Debug("chunk dispatched", logx.Int("chunk", idx), logx.Int("size", end-start))
	}
	return results
}

func (b *Batcher) deliver(ctx context.Context, opt Options, j job.Job) Result {
	res := Result{JobID: j.ID}
	to := Target{ChatID: j.ChatID, ThreadID: j.ThreadID}
	maxAttempts := 1 + opt.Retries

	for attempt := 1; ; attempt++ {
		res.Attempts = attempt
		if err := b.limiter.Wait(ctx); err != nil {
			res.Outcome, res.Err = FailedTransient, err
			break
		}

		err := b.sendOnce(ctx, opt, to, j.Payload)
		if err == nil {
			res.Outcome, res.Err = Delivered, nil
			break
		}
		res.Err = err
		if Classify(err) == ClassPermanent {
			res.Outcome = FailedPermanent
			break
		}
		res.Outcome = FailedTransient
		if attempt >= maxAttempts {
			break
		}

		delay := backoffDelay(opt, attempt, err)
		b.log.Debug("send retry scheduled",
			logx.String("job_id", j.ID), logx.Int64("chat_id", j.ChatID),
			logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Err(err))
		if delay > 0 {
			tmr := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				tmr.Stop()
				res.Err = ctx.Err()
				b.finish(j, res)
				return res
			case <-tmr.C:
			}
		}
	}
	b.finish(j, res)
	return res
}

func (b *Batcher) finish(j job.Job, res Result) {
	b.metrics.Delivery(res.Outcome.String(), res.Attempts)
	if res.Outcome == Delivered {
		return
	}
	b.log.Warn("send failed",
		logx.String("job_id", j.ID), logx.Int64("chat_id", j.ChatID), logx.Int64("owner_id", j.OwnerID),
		logx.String("outcome", res.Outcome.String()), logx.Int("attempts", res.Attempts), logx.Err(res.Err))
}

// sendOnce converts a gateway panic into an error so one bad payload
// cannot take down the tick.
func (b *Batcher) sendOnce(ctx context.Context, opt Options, to Target, p job.Payload) (err error) {
	sendCtx := ctx
	if opt.SendTimeout > 0 {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(ctx, opt.SendTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = Transient(fmt.Errorf("send panic: %v", r))
			b.log.Error("send panic", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	return b.gw.Send(sendCtx, to, p)
}

func backoffDelay(opt Options, retry int, err error) time.Duration {
	if ra, ok := asRetryAfter(err); ok {
		d := min(max(ra.RetryAfter(), 0), opt.RetryMaxDelay)
		return jitter(d, opt.RetryJitter, opt.RetryMaxDelay)
	}
	d := opt.RetryBase
	for i := 1; i < retry; i++ {
		d *= 2
		if d > opt.RetryMaxDelay {
			d = opt.RetryMaxDelay
			break
		}
	}
	return jitter(d, opt.RetryJitter, opt.RetryMaxDelay)
}

func jitter(d time.Duration, j float64, maxD time.Duration) time.Duration {
	if j > 0 && d > 0 {
		r := (rand.Float64()*2 - 1) * j
		d = time.Duration(float64(d) * (1 + r))
	}
	return min(max(d, 0), maxD)
}
