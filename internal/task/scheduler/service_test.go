package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"cronbot/internal/eventbus"
	logx "cronbot/pkg/logx"
)

func startService(t *testing.T, bus eventbus.Bus) *Service {
	t.Helper()
	s := New(Config{}, logx.Nop(), bus)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func TestIntervalFirstDelayRuns(t *testing.T) {
	t.Parallel()
	s := startService(t, nil)
	ran := make(chan struct{}, 1)
	err := s.AddInterval("tick", time.Hour, TaskOptions{FirstDelay: 20 * time.Millisecond}, func(ctx context.Context) error {
		select {
		case ran <- struct{}{}:
		default:
		}
		return nil
	})
	if err != nil {
		t.Fatalf("AddInterval error: %v", err)
	}
	select {
	case <-ran:
	case <-time.After(3 * time.Second):
		t.Fatal("interval schedule did not fire after its first delay")
	}
}

func TestRunFailurePublishesEventAndRecoversPanic(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsubscribe := bus.Subscribe(4)
	defer unsubscribe()
	s := startService(t, bus)

	err := s.AddInterval("boom", time.Hour, TaskOptions{FirstDelay: 10 * time.Millisecond}, func(ctx context.Context) error {
		panic("kaboom")
	})
	if err != nil {
		t.Fatalf("AddInterval error: %v", err)
	}
	select {
	case ev := <-events:
		if ev.Type != EventTaskFailed {
			t.Fatalf("event type = %s, want %s", ev.Type, EventTaskFailed)
		}
		te, ok := ev.Data.(TaskEvent)
		if !ok || te.Name != "boom" {
			t.Fatalf("event data = %#v", ev.Data)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no failure event")
	}

	snap := s.Snapshot()
	if len(snap.Schedules) != 1 {
		t.Fatalf("schedules = %d, want 1", len(snap.Schedules))
	}
	if got := snap.Schedules[0]; got.Failures != 1 || got.LastError == "" {
		t.Fatalf("stats = %+v, want one failure", got)
	}
}

func TestOverlapSkipIfRunning(t *testing.T) {
	t.Parallel()
	s := startService(t, nil)

	release := make(chan struct{})
	var runs atomic.Int32
	if err := s.AddSchedule("slow", "1h", TaskOptions{Overlap: OverlapSkipIfRunning}, func(ctx context.Context) error {
		runs.Add(1)
		<-release
		return nil
	}); err != nil {
		t.Fatalf("AddSchedule error: %v", err)
	}

	s.mu.Lock()
	def := s.defs[0]
	s.mu.Unlock()

	s.trigger(def)
	deadline := time.Now().Add(2 * time.Second)
	for runs.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	s.trigger(def)
	close(release)

	snap := s.Snapshot()
	if snap.Schedules[0].Skips != 1 {
		t.Fatalf("Skips = %d, want 1", snap.Schedules[0].Skips)
	}
	if runs.Load() != 1 {
		t.Fatalf("runs = %d, want 1", runs.Load())
	}
}

func TestAddScheduleReplacesByName(t *testing.T) {
	t.Parallel()
	s := New(Config{Timezone: "UTC"}, logx.Nop(), nil)
	job := func(context.Context) error { return nil }
	if err := s.AddSchedule("a", "*/5 * * * *", TaskOptions{}, job); err != nil {
		t.Fatalf("AddSchedule error: %v", err)
	}
	if err := s.AddSchedule("a", "30s", TaskOptions{}, job); err != nil {
		t.Fatalf("AddSchedule error: %v", err)
	}
	if got := len(s.Snapshot().Schedules); got != 1 {
		t.Fatalf("schedules = %d, want 1", got)
	}
	if err := s.AddSchedule("bad", "61 * * * *", TaskOptions{}, job); err == nil {
		t.Fatal("expected invalid cron to be rejected")
	}
	if !s.Remove("a") || s.Remove("a") {
		t.Fatal("Remove should report removal exactly once")
	}
}

func TestStopCancelsRuns(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop(), nil)
	s.Start(context.Background())

	started := make(chan struct{})
	var cancelled atomic.Bool
	_ = s.AddInterval("wait", time.Hour, TaskOptions{FirstDelay: 10 * time.Millisecond}, func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		cancelled.Store(errors.Is(ctx.Err(), context.Canceled))
		return ctx.Err()
	})
	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("run did not start")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)
	if !cancelled.Load() {
		t.Fatal("run context was not cancelled by Stop")
	}
}
