package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"cronbot/internal/job"

	"github.com/cockroachdb/errors"
)

// Memory is an in-process Store. It honors the same claim and quota
// semantics as the sqlite driver within one process.
type Memory struct {
	mu        sync.Mutex
	jobs      map[string]job.Job
	chats     map[int64]job.ChatConfig
	whitelist map[int64]struct{}
	audit     []AuditEntry
	dedup     map[string]time.Time
	closed    bool
}

func NewMemory() *Memory {
	return &Memory{
		jobs:      map[string]job.Job{},
		chats:     map[int64]job.ChatConfig{},
		whitelist: map[int64]struct{}{},
		dedup:     map[string]time.Time{},
	}
}

var errClosed = errors.New("storage closed")

func cloneJob(j job.Job) job.Job {
	if p, ok := j.Payload.(job.Poll); ok {
		p.Options = append([]string(nil), p.Options...)
		j.Payload = p
	}
	return j
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *Memory) Insert(ctx context.Context, j job.Job) error {
	return m.InsertWithLimit(ctx, j, 0)
}

func (m *Memory) InsertWithLimit(ctx context.Context, j job.Job, limit int) error {
	if _, err := rowFromJob(j); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errClosed
	}
	if _, ok := m.jobs[j.ID]; ok {
		return errors.Newf("insert job: duplicate id %s", j.ID)
	}
	if limit > 0 {
		if n := m.countActiveLocked(j.OwnerID); n >= limit {
			return quotaErr(n, limit)
		}
	}
	if j.Status == "" {
		j.Status = job.StatusScheduled
	}
	if j.RestrictMode == "" {
		j.RestrictMode = job.RestrictNone
	}
	m.jobs[j.ID] = cloneJob(j)
	return nil
}

func (m *Memory) countActiveLocked(owner int64) int {
	n := 0
	for _, j := range m.jobs {
		if j.OwnerID == owner && j.Active() {
			n++
		}
	}
	return n
}

func (m *Memory) Get(ctx context.Context, id string) (job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return job.Job{}, job.ErrNotFound
	}
	return cloneJob(j), nil
}

func (m *Memory) Update(ctx context.Context, j job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.jobs[j.ID]
	if !ok {
		return job.ErrNotFound
	}
	if cur.Status == job.StatusDispatching {
		return busyErr()
	}
	cur.Name = j.Name
	cur.Payload = j.Payload
	cur.Recurrence = j.Recurrence
	cur.NextRunAt = j.NextRunAt
	cur.Status = j.Status
	cur.RestrictMode = j.RestrictMode
	cur.UpdatedAt = j.UpdatedAt
	m.jobs[j.ID] = cloneJob(cur)
	return nil
}

func (m *Memory) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[id]; !ok {
		return job.ErrNotFound
	}
	delete(m.jobs, id)
	return nil
}

func (m *Memory) FindDue(ctx context.Context, now, staleBefore time.Time) ([]job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []job.Job
	for _, j := range m.jobs {
		switch {
		case j.Status == job.StatusScheduled && !j.NextRunAt.After(now):
			out = append(out, cloneJob(j))
		case j.Status == job.StatusDispatching && !j.ClaimedAt.IsZero() && j.ClaimedAt.Before(staleBefore):
			out = append(out, cloneJob(j))
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].NextRunAt.Equal(out[b].NextRunAt) {
			return out[a].ID < out[b].ID
		}
		return out[a].NextRunAt.Before(out[b].NextRunAt)
	})
	return out, nil
}

func (m *Memory) Claim(ctx context.Context, id string, expect job.Status, now, staleBefore time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return job.ErrClaimConflict
	}
	switch expect {
	case job.StatusScheduled:
		if j.Status != job.StatusScheduled || j.NextRunAt.After(now) {
			return job.ErrClaimConflict
		}
	case job.StatusDispatching:
		if j.Status != job.StatusDispatching || j.ClaimedAt.IsZero() || !j.ClaimedAt.Before(staleBefore) {
			return job.ErrClaimConflict
		}
	default:
		return errors.Wrapf(job.ErrClaimConflict, "cannot claim job in status %s", expect)
	}
	j.Status = job.StatusDispatching
	j.ClaimedAt = now.UTC()
	j.RetryState = 0
	j.UpdatedAt = now.UTC()
	m.jobs[id] = j
	return nil
}

func (m *Memory) Reconcile(ctx context.Context, id string, status job.Status, next time.Time, attempts int, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.Status != job.StatusDispatching {
		return job.ErrClaimConflict
	}
	j.Status = status
	j.NextRunAt = next.UTC()
	j.RetryState = attempts
	j.ClaimedAt = time.Time{}
	j.UpdatedAt = now.UTC()
	m.jobs[id] = j
	return nil
}

func (m *Memory) CountActive(ctx context.Context, owner int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.countActiveLocked(owner), nil
}

func (m *Memory) ListByChat(ctx context.Context, chatID int64) ([]job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []job.Job
	for _, j := range m.jobs {
		if j.ChatID == chatID {
			out = append(out, cloneJob(j))
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].ID < out[b].ID
		}
		return out[a].CreatedAt.Before(out[b].CreatedAt)
	})
	return out, nil
}

func (m *Memory) DeleteByChat(ctx context.Context, chatID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, j := range m.jobs {
		if j.ChatID == chatID {
			delete(m.jobs, id)
			n++
		}
	}
	return n, nil
}

func (m *Memory) GetChatConfig(ctx context.Context, chatID int64) (job.ChatConfig, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.chats[chatID]
	return c, ok, nil
}

func (m *Memory) PutChatConfig(ctx context.Context, cfg job.ChatConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putChatLocked(cfg)
	for id, j := range m.jobs {
		if j.ChatID == cfg.ChatID {
			j.RestrictMode = m.chats[cfg.ChatID].RestrictMode
			m.jobs[id] = j
		}
	}
	return nil
}

func (m *Memory) putChatLocked(cfg job.ChatConfig) {
	if cfg.RestrictMode == "" {
		cfg.RestrictMode = job.RestrictNone
	}
	m.chats[cfg.ChatID] = cfg
}

func (m *Memory) DeleteChatConfig(ctx context.Context, chatID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.chats, chatID)
	return nil
}

func (m *Memory) RescheduleChat(ctx context.Context, cfg job.ChatConfig, shift ShiftFunc) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	updated := map[string]job.Job{}
	for id, j := range m.jobs {
		if j.ChatID != cfg.ChatID || j.Status != job.StatusScheduled {
			continue
		}
		nj, err := shift(cloneJob(j))
		if err != nil {
			return 0, errors.Wrapf(err, "shift job %s", id)
		}
		j.Recurrence = nj.Recurrence
		j.NextRunAt = nj.NextRunAt.UTC()
		j.UpdatedAt = cfg.UpdatedAt
		updated[id] = j
	}
	for id, j := range updated {
		m.jobs[id] = j
	}
	m.putChatLocked(cfg)
	return len(updated), nil
}

func (m *Memory) IsWhitelisted(ctx context.Context, userID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.whitelist[userID]
	return ok, nil
}

func (m *Memory) AddWhitelist(ctx context.Context, userID, addedBy int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.whitelist[userID] = struct{}{}
	return nil
}

func (m *Memory) RemoveWhitelist(ctx context.Context, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.whitelist, userID)
	return nil
}

func (m *Memory) ListWhitelist(ctx context.Context) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int64, 0, len(m.whitelist))
	for id := range m.whitelist {
		out = append(out, id)
	}
	sort.Slice(out, func(a, b int) bool { return out[a] < out[b] })
	return out, nil
}

func (m *Memory) AppendAudit(ctx context.Context, e AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.At.IsZero() {
		e.At = time.Now()
	}
	m.audit = append(m.audit, e)
	return nil
}

// Audit returns a copy of the audit trail.
func (m *Memory) Audit() []AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]AuditEntry(nil), m.audit...)
}

func (m *Memory) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dedup[key] = until
	return nil
}

func (m *Memory) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.dedup[key]
	return t, ok, nil
}
