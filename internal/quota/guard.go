// Package quota enforces the per-owner limit on active jobs.
package quota

import (
	"context"
	"sync"
	"sync/atomic"

	"cronbot/internal/job"

	"github.com/cockroachdb/errors"
)

// Store is the subset of storage.Store the guard needs.
type Store interface {
	CountActive(ctx context.Context, owner int64) (int, error)
	InsertWithLimit(ctx context.Context, j job.Job, limit int) error
}

// Guard checks the limit cheaply before a conversation starts and
// enforces it durably at insert time. A limit <= 0 disables the check.
type Guard struct {
	store Store
	limit atomic.Int64

	mu      sync.Mutex
	pending map[int64]int
}

func New(store Store, limit int) *Guard {
	g := &Guard{store: store, pending: map[int64]int{}}
	g.limit.Store(int64(limit))
	return g
}

// SetLimit changes the limit for future checks. Existing jobs are never
// removed when the limit drops.
func (g *Guard) SetLimit(n int) { g.limit.Store(int64(n)) }

func (g *Guard) Limit() int { return int(g.limit.Load()) }

// Remaining reports how many more jobs owner may create, counting
// reservations held by unfinished conversations. It returns -1 when
// there is no limit.
func (g *Guard) Remaining(ctx context.Context, owner int64) (int, error) {
	limit := g.Limit()
	if limit <= 0 {
		return -1, nil
	}
	n, err := g.store.CountActive(ctx, owner)
	if err != nil {
		return 0, errors.Wrap(err, "quota count")
	}
	g.mu.Lock()
	n += g.pending[owner]
	g.mu.Unlock()
	if n >= limit {
		return 0, nil
	}
	return limit - n, nil
}

func (g *Guard) CanCreate(ctx context.Context, owner int64) (bool, error) {
	left, err := g.Remaining(ctx, owner)
	if err != nil {
		return false, err
	}
	return left != 0, nil
}

// Reservation holds one slot for an owner until released.
type Reservation struct {
	g     *Guard
	owner int64
	once  sync.Once
}

// Reserve holds a slot for a conversation in progress. It returns
// job.ErrQuotaExceeded when none is left.
func (g *Guard) Reserve(ctx context.Context, owner int64) (*Reservation, error) {
	limit := g.Limit()
	if limit <= 0 {
		return &Reservation{}, nil
	}
	n, err := g.store.CountActive(ctx, owner)
	if err != nil {
		return nil, errors.Wrap(err, "quota count")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if n+g.pending[owner] >= limit {
		return nil, job.WithHintf(job.ErrQuotaExceeded, "you already have %d active jobs (limit %d); delete one with /delete first", n, limit)
	}
	g.pending[owner]++
	return &Reservation{g: g, owner: owner}, nil
}

// Release returns the slot. Safe to call more than once.
func (r *Reservation) Release() {
	if r == nil || r.g == nil {
		return
	}
	r.once.Do(func() {
		r.g.mu.Lock()
		defer r.g.mu.Unlock()
		if r.g.pending[r.owner] <= 1 {
			delete(r.g.pending, r.owner)
			return
		}
		r.g.pending[r.owner]--
	})
}

// Create inserts j if its owner is under the limit.
func (g *Guard) Create(ctx context.Context, j job.Job) error {
	return g.store.InsertWithLimit(ctx, j, g.Limit())
}

// Commit inserts jobs in order until the owner's limit is reached. Jobs
// that do not fit are returned in rejected. A store error other than the
// quota stops the commit and is returned with what was inserted so far.
func (g *Guard) Commit(ctx context.Context, owner int64, jobs []job.Job) (committed, rejected []job.Job, err error) {
	for i, j := range jobs {
		j.OwnerID = owner
		if err := g.Create(ctx, j); err != nil {
			if errors.Is(err, job.ErrQuotaExceeded) {
				rejected = append(rejected, j)
				continue
			}
			rejected = append(rejected, jobs[i:]...)
			return committed, rejected, err
		}
		committed = append(committed, j)
	}
	return committed, rejected, nil
}
