package scheduler

import (
	"context"
	"sync"
	"time"

	"cronbot/internal/eventbus"
	logx "cronbot/pkg/logx"

	"github.com/robfig/cron/v3"
)

type OverlapPolicy int

const (
	// OverlapSkipIfRunning drops a trigger while the previous run is in flight.
	OverlapSkipIfRunning OverlapPolicy = iota
	// OverlapAllow starts every trigger. The callee handles overlap itself.
	OverlapAllow
)

// TaskOptions configure one schedule.
type TaskOptions struct {
	Overlap OverlapPolicy
	Timeout time.Duration
	// FirstDelay postpones the first run of an interval schedule; later
	// runs follow the interval. Zero means one interval after Start.
	FirstDelay time.Duration
}

// Func is the work a schedule triggers.
type Func func(ctx context.Context) error

type scheduleDef struct {
	name    string
	spec    string // cron spec or @every
	every   time.Duration
	opt     TaskOptions
	job     Func
	entryID cron.EntryID
	state   *RunState
	stats   *runStats
}

type runStats struct {
	mu        sync.Mutex
	runs      uint64
	skips     uint64
	failures  uint64
	lastRun   time.Time
	lastDur   time.Duration
	lastError string
}

// Config selects the location cron expressions are evaluated in.
// Empty means UTC.
type Config struct {
	Timezone string
}

type Service struct {
	mu sync.Mutex

	cfg Config
	log logx.Logger
	bus eventbus.Bus
	loc *time.Location

	parser cron.Parser
	c      *cron.Cron
	defs   []scheduleDef

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Failure log throttling: key is schedule name.
	failMu       sync.Mutex
	lastFailWarn map[string]time.Time
}

type ScheduleInfo struct {
	Name      string
	Spec      string
	Timeout   time.Duration
	Next      time.Time
	Prev      time.Time
	Runs      uint64
	Skips     uint64
	Failures  uint64
	LastRun   time.Time
	LastDur   time.Duration
	LastError string
}

type Snapshot struct {
	Running   bool
	Timezone  string
	Schedules []ScheduleInfo
}

// TaskEvent is published on the event bus when a scheduled run fails.
type TaskEvent struct {
	Name     string        `json:"name"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}
