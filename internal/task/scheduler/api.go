package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"cronbot/internal/eventbus"
	logx "cronbot/pkg/logx"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
)

// EventTaskFailed is published when a run returns an error or panics.
const EventTaskFailed = "task.failed"

const failWarnEvery = time.Minute

// AddSchedule parses schedule with ParseSchedule and registers it under
// name, replacing any schedule already registered under that name.
func (s *Service) AddSchedule(name, schedule string, opt TaskOptions, job Func) error {
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return err
	}
	if ps.Kind == SpecInterval {
		return s.AddInterval(name, ps.Every, opt, job)
	}
	if err := ps.Validate(); err != nil {
		return errors.Wrapf(err, "schedule %s", name)
	}
	return s.add(scheduleDef{name: name, spec: ps.Cron, opt: opt, job: job})
}

func (s *Service) AddInterval(name string, every time.Duration, opt TaskOptions, job Func) error {
	if every <= 0 {
		return errors.Newf("schedule %s: interval must be > 0", name)
	}
	return s.add(scheduleDef{name: name, spec: "@every " + every.String(), every: every, opt: opt, job: job})
}

func (s *Service) add(d scheduleDef) error {
	d.name = strings.TrimSpace(d.name)
	if d.name == "" {
		return errors.New("name required")
	}
	if d.job == nil {
		return errors.Newf("schedule %s: job required", d.name)
	}
	d.state = &RunState{}
	d.stats = &runStats{}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(d.name)
	s.defs = append(s.defs, d)
	if s.c == nil {
		return nil
	}
	def := &s.defs[len(s.defs)-1]
	if err := s.addCronLocked(def); err != nil {
		return err
	}
	s.log.Debug("schedule registered", logx.String("name", d.name), logx.String("spec", d.spec),
		logx.Time("next", s.c.Entry(def.entryID).Next))
	return nil
}

// Remove unschedules name. It reports whether anything was registered.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(strings.TrimSpace(name))
}

func (s *Service) removeLocked(name string) bool {
	removed := false
	n := 0
	for _, d := range s.defs {
		if d.name == name {
			if s.c != nil && d.entryID != 0 {
				s.c.Remove(d.entryID)
			}
			removed = true
			continue
		}
		s.defs[n] = d
		n++
	}
	s.defs = s.defs[:n]
	return removed
}

func (s *Service) addCronLocked(d *scheduleDef) error {
	def := *d
	job := cron.FuncJob(func() { s.trigger(def) })
	if d.every > 0 {
		d.entryID = s.c.Schedule(makeIntervalSchedule(d.every, d.opt.FirstDelay, time.Now().In(s.loc)), job)
		return nil
	}
	id, err := s.c.AddJob(d.spec, job)
	if err != nil {
		return errors.Wrapf(err, "schedule %s", d.name)
	}
	d.entryID = id
	return nil
}

func (s *Service) trigger(d scheduleDef) {
	if d.opt.Overlap == OverlapSkipIfRunning && !d.state.tryAcquire() {
		d.stats.mu.Lock()
		d.stats.skips++
		d.stats.mu.Unlock()
		s.log.Debug("run skipped; previous still running", logx.String("name", d.name))
		return
	}
	s.mu.Lock()
	parent := s.ctx
	if s.c == nil || parent == nil {
		s.mu.Unlock()
		if d.opt.Overlap == OverlapSkipIfRunning {
			d.state.release()
		}
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		if d.opt.Overlap == OverlapSkipIfRunning {
			defer d.state.release()
		}
		s.run(parent, d)
	}()
}

func (s *Service) run(parent context.Context, d scheduleDef) {
	ctx := parent
	if d.opt.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, d.opt.Timeout)
		defer cancel()
	}
	start := time.Now()
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				s.log.Error("run panic", logx.String("name", d.name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			}
		}()
		return d.job(ctx)
	}()
	took := time.Since(start)

	d.stats.mu.Lock()
	d.stats.runs++
	d.stats.lastRun = start
	d.stats.lastDur = took
	d.stats.lastError = ""
	if err != nil {
		d.stats.failures++
		d.stats.lastError = err.Error()
	}
	d.stats.mu.Unlock()

	if err == nil || errors.Is(err, context.Canceled) && parent.Err() != nil {
		return
	}
	s.reportFailure(d.name, start, took, err)
}

// reportFailure logs at most one warning per schedule per minute and
// publishes every failure on the bus.
func (s *Service) reportFailure(name string, start time.Time, took time.Duration, err error) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{
			Type: EventTaskFailed,
			Data: TaskEvent{Name: name, Started: start, Duration: took, Error: err.Error()},
		})
	}
	now := time.Now()
	s.failMu.Lock()
	last := s.lastFailWarn[name]
	warn := now.Sub(last) >= failWarnEvery
	if warn {
		s.lastFailWarn[name] = now
	}
	s.failMu.Unlock()
	if warn {
		s.log.Warn("run failed", logx.String("name", name), logx.Duration("took", took), logx.Err(err))
	} else {
		s.log.Debug("run failed", logx.String("name", name), logx.Err(err))
	}
}
