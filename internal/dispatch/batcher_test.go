package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"cronbot/internal/job"
	logx "cronbot/pkg/logx"
)

type fakeGateway struct {
	mu       sync.Mutex
	attempts map[int64]int
	done     atomic.Int64
	inFlight atomic.Int64
	peak     atomic.Int64

	// fail decides the error for the nth attempt (1-based) of a chat.
	fail func(chatID int64, attempt int) error
}

func newFakeGateway(fail func(chatID int64, attempt int) error) *fakeGateway {
	return &fakeGateway{attempts: map[int64]int{}, fail: fail}
}

func (g *fakeGateway) Send(ctx context.Context, to Target, p job.Payload) error {
	n := g.inFlight.Add(1)
	defer g.inFlight.Add(-1)
	for {
		old := g.peak.Load()
		if n <= old || g.peak.CompareAndSwap(old, n) {
			break
		}
	}
	time.Sleep(time.Millisecond)

	g.mu.Lock()
	g.attempts[to.ChatID]++
	attempt := g.attempts[to.ChatID]
	g.mu.Unlock()

	if g.fail != nil {
		if err := g.fail(to.ChatID, attempt); err != nil {
			return err
		}
	}
	g.done.Add(1)
	return nil
}

func makeJobs(n int) []job.Job {
	out := make([]job.Job, n)
	for i := range out {
		out[i] = job.Job{ID: fmt.Sprintf("job-%03d", i), ChatID: int64(i + 1), Payload: job.Text{Body: "hi"}}
	}
	return out
}

func fastOptions() Options {
	return Options{BatchSize: 100, Retries: 1, Concurrency: 8, RatePerSec: 0, RetryBase: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond}
}

func TestDispatchChunksAndRetriesOnce(t *testing.T) {
	t.Parallel()
	gw := newFakeGateway(func(_ int64, attempt int) error {
		if attempt == 1 {
			return Transient(errors.New("timeout"))
		}
		return nil
	})
	b := New(gw, fastOptions(), logx.Nop(), nil)

	var sizes []int
	b.SetChunkObserver(func(index, size int) {
		// Chunks are sequential: everything before this chunk is finished.
		if got, want := gw.done.Load(), int64(index*100); got != want {
			t.Errorf("chunk %d started with %d delivered, want %d", index, got, want)
		}
		sizes = append(sizes, size)
	})

	jobs := makeJobs(250)
	results := b.Dispatch(context.Background(), jobs)

	if fmt.Sprint(sizes) != "[100 100 50]" {
		t.Fatalf("chunk sizes = %v, want [100 100 50]", sizes)
	}
	if len(results) != len(jobs) {
		t.Fatalf("len(results) = %d, want %d", len(results), len(jobs))
	}
	for i, r := range results {
		if r.JobID != jobs[i].ID {
			t.Fatalf("results[%d].JobID = %s, want %s", i, r.JobID, jobs[i].ID)
		}
		if r.Outcome != Delivered || r.Attempts != 2 {
			t.Fatalf("results[%d] = %v after %d attempts, want delivered after 2", i, r.Outcome, r.Attempts)
		}
	}
	if peak := gw.peak.Load(); peak > 8 {
		t.Fatalf("peak in-flight = %d, want <= 8", peak)
	}
}

func TestDispatchPermanentIsNotRetried(t *testing.T) {
	t.Parallel()
	gw := newFakeGateway(func(int64, int) error {
		return Permanent(errors.New("chat not found"))
	})
	b := New(gw, fastOptions(), logx.Nop(), nil)
	res := b.Dispatch(context.Background(), makeJobs(3))
	for _, r := range res {
		if r.Outcome != FailedPermanent || r.Attempts != 1 {
			t.Fatalf("result = %v after %d attempts, want permanent after 1", r.Outcome, r.Attempts)
		}
		if !errors.Is(r.Err, job.ErrPermanentDelivery) {
			t.Fatalf("err = %v, want ErrPermanentDelivery", r.Err)
		}
	}
}

func TestDispatchTransientExhaustsRetries(t *testing.T) {
	t.Parallel()
	gw := newFakeGateway(func(int64, int) error { return errors.New("502 bad gateway") })
	opt := fastOptions()
	opt.Retries = 2
	b := New(gw, opt, logx.Nop(), nil)
	res := b.Dispatch(context.Background(), makeJobs(1))
	if res[0].Outcome != FailedTransient || res[0].Attempts != 3 {
		t.Fatalf("result = %v after %d attempts, want transient after 3", res[0].Outcome, res[0].Attempts)
	}
}

func TestDispatchOneFailureIsIsolated(t *testing.T) {
	t.Parallel()
	gw := newFakeGateway(func(chat int64, _ int) error {
		if chat == 2 {
			return Permanent(errors.New("bot was blocked by the user"))
		}
		return nil
	})
	b := New(gw, fastOptions(), logx.Nop(), nil)
	res := b.Dispatch(context.Background(), makeJobs(3))
	want := []Outcome{Delivered, FailedPermanent, Delivered}
	for i, r := range res {
		if r.Outcome != want[i] {
			t.Fatalf("results[%d] = %v, want %v", i, r.Outcome, want[i])
		}
	}
}

func TestDispatchRecoversGatewayPanic(t *testing.T) {
	t.Parallel()
	gw := newFakeGateway(func(int64, int) error { panic("boom") })
	opt := fastOptions()
	opt.Retries = 0
	b := New(gw, opt, logx.Nop(), nil)
	res := b.Dispatch(context.Background(), makeJobs(1))
	if res[0].Outcome != FailedTransient {
		t.Fatalf("outcome = %v, want transient", res[0].Outcome)
	}
}

func TestDispatchEmpty(t *testing.T) {
	t.Parallel()
	b := New(newFakeGateway(nil), fastOptions(), logx.Nop(), nil)
	if res := b.Dispatch(context.Background(), nil); len(res) != 0 {
		t.Fatalf("len = %d, want 0", len(res))
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{name: "unknown", err: errors.New("eof"), want: ClassTransient},
		{name: "permanent", err: Permanent(errors.New("x")), want: ClassPermanent},
		{name: "wrapped permanent", err: fmt.Errorf("send: %w", Permanent(errors.New("x"))), want: ClassPermanent},
		{name: "retry after", err: RetryAfter(errors.New("flood"), time.Second), want: ClassTransient},
		{name: "invalid payload", err: job.ErrInvalidPayload, want: ClassPermanent},
		{name: "deadline", err: context.DeadlineExceeded, want: ClassTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Classify(tt.err); got != tt.want {
				t.Fatalf("Classify(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestBackoffDelay(t *testing.T) {
	t.Parallel()
	opt := Options{RetryBase: 500 * time.Millisecond, RetryMaxDelay: 15 * time.Second}
	if got := backoffDelay(opt, 1, errors.New("x")); got != 500*time.Millisecond {
		t.Fatalf("retry 1 = %v, want 500ms", got)
	}
	if got := backoffDelay(opt, 3, errors.New("x")); got != 2*time.Second {
		t.Fatalf("retry 3 = %v, want 2s", got)
	}
	if got := backoffDelay(opt, 10, errors.New("x")); got != 15*time.Second {
		t.Fatalf("retry 10 = %v, want 15s cap", got)
	}
	if got := backoffDelay(opt, 1, RetryAfter(errors.New("flood"), 3*time.Second)); got != 3*time.Second {
		t.Fatalf("retry-after = %v, want 3s", got)
	}
	if got := backoffDelay(opt, 1, RetryAfter(errors.New("flood"), time.Minute)); got != 15*time.Second {
		t.Fatalf("retry-after cap = %v, want 15s", got)
	}
}
