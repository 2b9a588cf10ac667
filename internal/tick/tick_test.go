package tick

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"cronbot/internal/dispatch"
	"cronbot/internal/eventbus"
	"cronbot/internal/job"
	"cronbot/internal/storage"
	"cronbot/internal/task/scheduler"
	logx "cronbot/pkg/logx"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 2, 9, 0, 30, 0, time.UTC)

type fakeDispatcher struct {
	mu      sync.Mutex
	sent    map[string]int
	outcome func(j job.Job) dispatch.Outcome
	block   chan struct{}
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{sent: map[string]int{}}
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, jobs []job.Job) []dispatch.Result {
	if d.block != nil {
		<-d.block
	}
	out := make([]dispatch.Result, len(jobs))
	for i, j := range jobs {
		d.mu.Lock()
		d.sent[j.ID]++
		d.mu.Unlock()
		o := dispatch.Delivered
		if d.outcome != nil {
			o = d.outcome(j)
		}
		out[i] = dispatch.Result{JobID: j.ID, Outcome: o, Attempts: 1}
		if o != dispatch.Delivered {
			out[i].Err = errors.New("send failed")
		}
	}
	return out
}

func (d *fakeDispatcher) count(id string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sent[id]
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.DefaultTZ = 0
	return cfg
}

func insert(t *testing.T, st storage.Store, rec job.Recurrence, next time.Time) job.Job {
	t.Helper()
	j := job.New(1, 10, 0, job.Text{Body: "hi"}, rec, next, now.Add(-24*time.Hour))
	require.NoError(t, st.Insert(context.Background(), j))
	return j
}

func TestTickDeliveredAdvancesRecurringJob(t *testing.T) {
	st := storage.NewMemory()
	bus := eventbus.New()
	events, unsubscribe := bus.Subscribe(8)
	defer unsubscribe()

	daily := insert(t, st, job.Daily{TimeOfDay: job.NewTimeOfDay(9, 0)}, time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	later := insert(t, st, job.Daily{TimeOfDay: job.NewTimeOfDay(18, 0)}, time.Date(2026, 3, 2, 18, 0, 0, 0, time.UTC))

	s := New(st, newFakeDispatcher(), testConfig(), logx.Nop(), bus, nil)
	rep, err := s.Tick(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, Report{Due: 1, Claimed: 1, Delivered: 1}, rep)

	got, err := st.Get(context.Background(), daily.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusScheduled, got.Status)
	assert.Equal(t, time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC), got.NextRunAt)

	untouched, err := st.Get(context.Background(), later.ID)
	require.NoError(t, err)
	assert.Equal(t, later.NextRunAt, untouched.NextRunAt)

	ev := <-events
	assert.Equal(t, EventDelivered, ev.Type)
	assert.Equal(t, daily.ID, ev.Data.(JobEvent).JobID)
}

func TestTickOutcomes(t *testing.T) {
	st := storage.NewMemory()
	due := now.Add(-30 * time.Second)
	perm := insert(t, st, job.Interval{Period: time.Hour}, due)
	trans := insert(t, st, job.Interval{Period: time.Hour}, due)
	once := insert(t, st, job.Once{At: due}, due)
	onceFailed := insert(t, st, job.Once{At: due}, due)

	d := newFakeDispatcher()
	d.outcome = func(j job.Job) dispatch.Outcome {
		switch j.ID {
		case perm.ID:
			return dispatch.FailedPermanent
		case trans.ID, onceFailed.ID:
			return dispatch.FailedTransient
		}
		return dispatch.Delivered
	}
	s := New(st, d, testConfig(), logx.Nop(), nil, nil)
	rep, err := s.Tick(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 4, rep.Claimed)
	assert.Equal(t, 1, rep.Disabled)
	assert.Equal(t, 2, rep.Missed)
	assert.Equal(t, 1, rep.Delivered)
	assert.Equal(t, 2, rep.Exhausted)

	ctx := context.Background()
	got, _ := st.Get(ctx, perm.ID)
	assert.Equal(t, job.StatusDisabled, got.Status)

	got, _ = st.Get(ctx, trans.ID)
	assert.Equal(t, job.StatusScheduled, got.Status)
	assert.Equal(t, due.Add(time.Hour), got.NextRunAt)

	got, _ = st.Get(ctx, once.ID)
	assert.Equal(t, job.StatusExhausted, got.Status)
	got, _ = st.Get(ctx, onceFailed.ID)
	assert.Equal(t, job.StatusExhausted, got.Status)

	n, err := st.CountActive(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestTickCatchesUpAfterDowntime(t *testing.T) {
	st := storage.NewMemory()
	daily := insert(t, st, job.Daily{TimeOfDay: job.NewTimeOfDay(9, 0)}, time.Date(2026, 2, 26, 9, 0, 0, 0, time.UTC))
	every := insert(t, st, job.Interval{Period: 7 * time.Minute}, now.Add(-50*time.Hour))

	s := New(st, newFakeDispatcher(), testConfig(), logx.Nop(), nil, nil)
	_, err := s.Tick(context.Background(), now)
	require.NoError(t, err)

	got, _ := st.Get(context.Background(), daily.ID)
	assert.Equal(t, time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC), got.NextRunAt)

	got, _ = st.Get(context.Background(), every.ID)
	assert.True(t, got.NextRunAt.After(now))
	assert.True(t, got.NextRunAt.Sub(now) <= 7*time.Minute)
	assert.Zero(t, got.NextRunAt.Sub(every.NextRunAt)%(7*time.Minute))
}

func TestTickUsesChatOffset(t *testing.T) {
	st := storage.NewMemory()
	ctx := context.Background()
	require.NoError(t, st.PutChatConfig(ctx, job.ChatConfig{ChatID: 10, TZOffset: 8}))
	// 17:00 at UTC+8 is 09:00 UTC.
	j := insert(t, st, job.Daily{TimeOfDay: job.NewTimeOfDay(17, 0)}, time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))

	s := New(st, newFakeDispatcher(), testConfig(), logx.Nop(), nil, nil)
	_, err := s.Tick(ctx, now)
	require.NoError(t, err)
	got, _ := st.Get(ctx, j.ID)
	assert.Equal(t, time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC), got.NextRunAt)
}

func TestConcurrentTicksDispatchEachJobOnce(t *testing.T) {
	st := storage.NewMemory()
	var ids []string
	for i := 0; i < 50; i++ {
		ids = append(ids, insert(t, st, job.Interval{Period: time.Hour}, now.Add(-time.Second)).ID)
	}

	d := newFakeDispatcher()
	// Two schedulers share one store, as two overlapping drivers would.
	a := New(st, d, testConfig(), logx.Nop(), nil, nil)
	b := New(st, d, testConfig(), logx.Nop(), nil, nil)

	var wg sync.WaitGroup
	var claimed atomic.Int64
	for _, s := range []*Scheduler{a, b} {
		wg.Add(1)
		go func(s *Scheduler) {
			defer wg.Done()
			rep, err := s.Tick(context.Background(), now)
			assert.NoError(t, err)
			claimed.Add(int64(rep.Claimed))
		}(s)
	}
	wg.Wait()

	assert.Equal(t, int64(50), claimed.Load())
	for _, id := range ids {
		assert.Equal(t, 1, d.count(id), "job %s", id)
	}
}

func TestOverlappingTickIsSkipped(t *testing.T) {
	st := storage.NewMemory()
	insert(t, st, job.Interval{Period: time.Hour}, now.Add(-time.Second))

	d := newFakeDispatcher()
	d.block = make(chan struct{})
	s := New(st, d, testConfig(), logx.Nop(), nil, nil)

	first := make(chan Report, 1)
	go func() {
		rep, _ := s.Tick(context.Background(), now)
		first <- rep
	}()
	require.Eventually(t, s.busy.Load, 2*time.Second, time.Millisecond)

	rep, err := s.Tick(context.Background(), now)
	require.NoError(t, err)
	assert.True(t, rep.Skipped)

	close(d.block)
	assert.Equal(t, 1, (<-first).Delivered)
}

func TestStaleDispatchingJobIsReclaimed(t *testing.T) {
	st := storage.NewMemory()
	ctx := context.Background()
	j := insert(t, st, job.Interval{Period: time.Hour}, now.Add(-20*time.Minute))
	// A previous process claimed the job and died.
	require.NoError(t, st.Claim(ctx, j.ID, job.StatusScheduled, now.Add(-15*time.Minute), now))

	d := newFakeDispatcher()
	s := New(st, d, testConfig(), logx.Nop(), nil, nil)
	rep, err := s.Tick(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Reclaimed)
	assert.Equal(t, 1, rep.Delivered)
	assert.Equal(t, 1, d.count(j.ID))

	got, _ := st.Get(ctx, j.ID)
	assert.Equal(t, job.StatusScheduled, got.Status)
	assert.Equal(t, j.NextRunAt.Add(time.Hour), got.NextRunAt)
}

func TestFreshDispatchingJobIsLeftAlone(t *testing.T) {
	st := storage.NewMemory()
	ctx := context.Background()
	j := insert(t, st, job.Interval{Period: time.Hour}, now.Add(-2*time.Minute))
	require.NoError(t, st.Claim(ctx, j.ID, job.StatusScheduled, now.Add(-time.Minute), now))

	d := newFakeDispatcher()
	rep, err := New(st, d, testConfig(), logx.Nop(), nil, nil).Tick(ctx, now)
	require.NoError(t, err)
	assert.Zero(t, rep.Claimed)
	assert.Zero(t, d.count(j.ID))
}

type flakyStore struct {
	storage.Store
	mu    sync.Mutex
	fails int
	calls int
}

func (f *flakyStore) Reconcile(ctx context.Context, id string, status job.Status, next time.Time, attempts int, at time.Time) error {
	f.mu.Lock()
	f.calls++
	fail := f.calls <= f.fails
	f.mu.Unlock()
	if fail {
		return errors.New("database is locked")
	}
	return f.Store.Reconcile(ctx, id, status, next, attempts, at)
}

func TestReconcileWriteIsRetriedOnce(t *testing.T) {
	st := &flakyStore{Store: storage.NewMemory(), fails: 1}
	j := insert(t, st, job.Interval{Period: time.Hour}, now.Add(-time.Second))

	rep, err := New(st, newFakeDispatcher(), testConfig(), logx.Nop(), nil, nil).Tick(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Delivered)
	assert.Zero(t, rep.WriteFailures)
	assert.Equal(t, 2, st.calls)

	got, _ := st.Get(context.Background(), j.ID)
	assert.Equal(t, job.StatusScheduled, got.Status)
}

func TestPersistentWriteFailureLeavesJobDispatching(t *testing.T) {
	st := &flakyStore{Store: storage.NewMemory(), fails: 2}
	j := insert(t, st, job.Interval{Period: time.Hour}, now.Add(-time.Second))

	rep, err := New(st, newFakeDispatcher(), testConfig(), logx.Nop(), nil, nil).Tick(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.WriteFailures)
	assert.Zero(t, rep.Delivered)

	got, _ := st.Get(context.Background(), j.ID)
	assert.Equal(t, job.StatusDispatching, got.Status)
}

func TestFindDueErrorFailsTick(t *testing.T) {
	st := &brokenStore{Store: storage.NewMemory()}
	_, err := New(st, newFakeDispatcher(), testConfig(), logx.Nop(), nil, nil).Tick(context.Background(), now)
	require.Error(t, err)
}

type brokenStore struct{ storage.Store }

func (brokenStore) FindDue(context.Context, time.Time, time.Time) ([]job.Job, error) {
	return nil, errors.New("disk I/O error")
}

func TestAdvance(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		rec   job.Recurrence
		prior time.Time
		want  time.Time
	}{
		{"interval on time", job.Interval{Period: time.Hour}, now.Add(-time.Second), now.Add(-time.Second + time.Hour)},
		{"interval far behind", job.Interval{Period: time.Hour}, now.Add(-5*time.Hour - time.Second), now.Add(-time.Second + time.Hour)},
		{"interval exactly on slot", job.Interval{Period: time.Hour}, now.Add(-2 * time.Hour), now.Add(time.Hour)},
		{"weekly behind", job.Weekly{Weekday: time.Monday, TimeOfDay: job.NewTimeOfDay(9, 0)},
			time.Date(2026, 2, 16, 9, 0, 0, 0, time.UTC), time.Date(2026, 3, 9, 9, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := Advance(tt.rec, tt.prior, 0, now)
			if err != nil {
				t.Fatalf("Advance error: %v", err)
			}
			if !got.Equal(tt.want) {
				t.Fatalf("Advance = %v, want %v", got, tt.want)
			}
		})
	}
}

type fakeRegistrar struct {
	mu      sync.Mutex
	name    string
	every   time.Duration
	opt     scheduler.TaskOptions
	fn      scheduler.Func
	removed bool
}

func (r *fakeRegistrar) AddInterval(name string, every time.Duration, opt scheduler.TaskOptions, fn scheduler.Func) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.name, r.every, r.opt, r.fn = name, every, opt, fn
	return nil
}

func (r *fakeRegistrar) Remove(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed = name == r.name
	return r.removed
}

func (r *fakeRegistrar) registered() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fn != nil
}

func TestRunRegistersTick(t *testing.T) {
	st := storage.NewMemory()
	j := insert(t, st, job.Interval{Period: time.Hour}, now.Add(-time.Second))
	s := New(st, newFakeDispatcher(), testConfig(), logx.Nop(), nil, nil)
	s.now = func() time.Time { return now }

	reg := &fakeRegistrar{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, reg) }()
	require.Eventually(t, reg.registered, 2*time.Second, time.Millisecond)

	assert.Equal(t, 60*time.Second, reg.every)
	assert.Equal(t, 10*time.Second, reg.opt.FirstDelay)
	require.NoError(t, reg.fn(context.Background()))
	got, _ := st.Get(context.Background(), j.ID)
	assert.Equal(t, job.StatusScheduled, got.Status)
	assert.True(t, got.NextRunAt.After(now))

	cancel()
	require.NoError(t, <-done)
	assert.True(t, reg.removed)
}
