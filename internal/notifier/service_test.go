package notifier

import (
	"context"
	"sync"
	"testing"
	"time"

	"cronbot/internal/dispatch"
	"cronbot/internal/eventbus"
	"cronbot/internal/storage"
	"cronbot/internal/tick"
	kit "cronbot/internal/transport"
	logx "cronbot/pkg/logx"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	mu    sync.Mutex
	calls int
	sent  []string
	fail  func(call int) error
	done  chan string
}

func newFakeSender() *fakeSender { return &fakeSender{done: make(chan string, 16)} }

func (f *fakeSender) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	var err error
	if f.fail != nil {
		err = f.fail(call)
	}
	if err == nil {
		f.sent = append(f.sent, text)
	}
	f.mu.Unlock()
	if err == nil {
		f.done <- text
	}
	return kit.MessageRef{ChatID: to.ChatID}, err
}

func (f *fakeSender) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func waitSent(t *testing.T, f *fakeSender) string {
	t.Helper()
	select {
	case s := <-f.done:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("notice not sent")
		return ""
	}
}

func start(t *testing.T, cfg Config, f *fakeSender, bus eventbus.Bus, store DedupStore) *Service {
	t.Helper()
	cfg.Enabled = true
	cfg.RatePerSec = 100
	s := New(cfg, f, logx.Nop(), bus, store)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func TestNotifySendsAndDedups(t *testing.T) {
	t.Parallel()
	f := newFakeSender()
	s := start(t, Config{DedupWindow: time.Hour}, f, nil, nil)
	ctx := context.Background()

	n := Notice{Channel: "job.disabled:abc", To: kit.ChatTarget{ChatID: 5}, Text: "first"}
	require.NoError(t, s.Notify(ctx, n))
	assert.Equal(t, "first", waitSent(t, f))

	n.Text = "second"
	require.NoError(t, s.Notify(ctx, n))
	n.Channel = ""
	n.Text = "undeduped"
	require.NoError(t, s.Notify(ctx, n))
	assert.Equal(t, "undeduped", waitSent(t, f))
	assert.Equal(t, 2, f.callCount())

	hist := s.History()
	require.Len(t, hist, 2)
	assert.Equal(t, int64(5), hist[0].ChatID)
}

func TestPersistedDedupSurvivesRestart(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	ctx := context.Background()
	n := Notice{Channel: "keepalive", To: kit.ChatTarget{ChatID: 1}, Text: "ping"}

	f1 := newFakeSender()
	s1 := New(Config{Enabled: true, RatePerSec: 100, DedupWindow: time.Hour, PersistDedup: true}, f1, logx.Nop(), nil, store)
	s1.Start(ctx)
	require.NoError(t, s1.Notify(ctx, n))
	waitSent(t, f1)
	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	s1.Stop(stopCtx)
	cancel()

	_, ok, err := store.GetDedup(ctx, dedupKey(n))
	require.NoError(t, err)
	require.True(t, ok, "dedup window not persisted")

	f2 := newFakeSender()
	s2 := start(t, Config{DedupWindow: time.Hour, PersistDedup: true}, f2, nil, store)
	require.NoError(t, s2.Notify(ctx, n))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, f2.callCount())
}

func TestRetriesTransientButNotPermanent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	flaky := newFakeSender()
	flaky.fail = func(call int) error {
		if call < 3 {
			return dispatch.Transient(errors.New("timeout"))
		}
		return nil
	}
	s := start(t, Config{RetryMax: 3, RetryBase: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond}, flaky, nil, nil)
	require.NoError(t, s.Notify(ctx, Notice{To: kit.ChatTarget{ChatID: 1}, Text: "x"}))
	waitSent(t, flaky)
	assert.Equal(t, 3, flaky.callCount())

	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()
	blocked := newFakeSender()
	blocked.fail = func(int) error { return dispatch.Permanent(errors.New("bot was blocked by the user")) }
	s2 := start(t, Config{RetryMax: 3, RetryBase: time.Millisecond}, blocked, bus, nil)
	require.NoError(t, s2.Notify(ctx, Notice{To: kit.ChatTarget{ChatID: 2}, Text: "x"}))

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type != "notifier.failed" {
				continue
			}
			assert.Equal(t, 1, blocked.callCount())
			return
		case <-deadline:
			t.Fatal("no failure event")
		}
	}
}

func TestNotifyWhenNotRunning(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	off := New(Config{}, newFakeSender(), logx.Nop(), nil, nil)
	assert.ErrorIs(t, off.Notify(ctx, Notice{Text: "x"}), ErrDisabled)

	idle := New(Config{Enabled: true}, newFakeSender(), logx.Nop(), nil, nil)
	assert.ErrorIs(t, idle.Notify(ctx, Notice{Text: "x"}), ErrStopped)
}

func TestWatchNotifiesOwner(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	f := newFakeSender()
	s := start(t, Config{DedupWindow: time.Hour}, f, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	watching := make(chan struct{})
	go func() {
		close(watching)
		s.Watch(ctx, bus)
	}()
	<-watching

	ev := tick.JobEvent{JobID: "0123456789", Name: "standup", OwnerID: 5, ChatID: -100, Attempts: 2, Error: "chat not found"}
	// Subscribe happens inside Watch; publish until the notice arrives.
	deadline := time.After(2 * time.Second)
	for {
		bus.Publish(eventbus.Event{Type: tick.EventMissed, Data: ev})
		bus.Publish(eventbus.Event{Type: tick.EventDelivered, Data: ev})
		bus.Publish(eventbus.Event{Type: tick.EventDisabled, Data: ev})
		select {
		case text := <-f.done:
			assert.Contains(t, text, "01234567")
			assert.Contains(t, text, "disabled")
			assert.Contains(t, text, "chat not found")
			// Missed notices are off by default.
			assert.Equal(t, 1, f.callCount())
			return
		case <-deadline:
			t.Fatal("owner not notified")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestRetryDelayBounded(t *testing.T) {
	t.Parallel()
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for attempt := 1; attempt <= 8; attempt++ {
		d := retryDelay(cfg, attempt)
		assert.LessOrEqual(t, d, time.Second)
		assert.Greater(t, d, time.Duration(0))
	}
}
