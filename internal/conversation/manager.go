package conversation

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"cronbot/internal/job"
	"cronbot/internal/observability"
	"cronbot/internal/quota"
	"cronbot/internal/storage"
	logx "cronbot/pkg/logx"

	"github.com/cockroachdb/errors"
)

const DefaultTimeout = 5 * time.Minute

type Deps struct {
	Quota   Quota
	Chats   ChatConfigs
	Audit   Auditor
	Targets TargetChecker

	DefaultTZ float64
	Log       logx.Logger
	Metrics   *observability.Metrics
}

type session struct {
	mu     sync.Mutex
	st     State
	res    *quota.Reservation
	closed atomic.Bool
}

// Manager holds at most one conversation per chat. Inputs for one chat are
// serialized; different chats proceed in parallel.
type Manager struct {
	deps Deps
	log  logx.Logger
	now  func() time.Time

	timeout   atomic.Int64
	defaultTZ atomic.Value // float64

	mu       sync.Mutex
	sessions map[int64]*session
}

func New(timeout time.Duration, deps Deps) *Manager {
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &Manager{
		deps:     deps,
		log:      log.With(logx.String("comp", "conversation")),
		now:      time.Now,
		sessions: map[int64]*session{},
	}
	m.SetTimeout(timeout)
	m.SetDefaultTZ(deps.DefaultTZ)
	return m
}

func (m *Manager) SetTimeout(d time.Duration) {
	if d <= 0 {
		d = DefaultTimeout
	}
	m.timeout.Store(int64(d))
}

func (m *Manager) Timeout() time.Duration { return time.Duration(m.timeout.Load()) }

func (m *Manager) SetDefaultTZ(tz float64) { m.defaultTZ.Store(tz) }

func (m *Manager) defTZ() float64 {
	tz, _ := m.defaultTZ.Load().(float64)
	return tz
}

// Begin starts a conversation in chatID, replacing any unfinished one.
// It fails with job.ErrQuotaExceeded when the user has no slot left.
func (m *Manager) Begin(ctx context.Context, chatID int64, threadID int, userID int64, multi bool) (Reply, error) {
	// The old conversation goes first so its slot is free for the new one.
	// A refused reservation still leaves the chat without a conversation.
	if old := m.detach(chatID, nil); old != nil {
		m.replace(old)
		m.log.Info("conversation replaced", logx.Int64("chat_id", chatID), logx.Int64("user_id", userID))
	}
	res, err := m.deps.Quota.Reserve(ctx, userID)
	if err != nil {
		return Reply{}, err
	}
	now := m.now()
	s := &session{
		res: res,
		st: State{
			Stage:      StageAwaitingTarget,
			ChatID:     chatID,
			ThreadID:   threadID,
			OwnerID:    userID,
			Multi:      multi,
			Target:     Target{ChatID: chatID, ThreadID: threadID},
			StartedAt:  now,
			LastActive: now,
		},
	}

	m.mu.Lock()
	raced := m.sessions[chatID]
	m.sessions[chatID] = s
	m.mu.Unlock()
	if raced != nil {
		m.replace(raced)
	}
	m.log.Debug("conversation started", logx.Int64("chat_id", chatID), logx.Int64("user_id", userID), logx.Bool("multi", multi))
	return Reply{Handled: true, Stage: StageAwaitingTarget, Text: promptTarget}, nil
}

// Active reports whether chatID has an unfinished conversation.
func (m *Manager) Active(chatID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[chatID]
	return ok
}

// Snapshot returns a copy of the chat's state.
func (m *Manager) Snapshot(chatID int64) (State, bool) {
	m.mu.Lock()
	s := m.sessions[chatID]
	m.mu.Unlock()
	if s == nil {
		return State{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.st
	st.Drafts = append([]job.Job(nil), s.st.Drafts...)
	return st, true
}

// Cancel drops the chat's conversation without persisting anything.
func (m *Manager) Cancel(chatID int64) bool {
	s := m.detach(chatID, nil)
	if s == nil {
		return false
	}
	s.mu.Lock()
	m.close(s)
	s.mu.Unlock()
	m.deps.Metrics.Conversation("cancelled")
	m.log.Debug("conversation cancelled", logx.Int64("chat_id", chatID))
	return true
}

// Sweep drops conversations idle longer than the timeout.
func (m *Manager) Sweep(now time.Time) []Expired {
	timeout := m.Timeout()
	m.mu.Lock()
	var stale []*session
	for chatID, s := range m.sessions {
		if !s.mu.TryLock() {
			// Busy handling input, so not idle.
			continue
		}
		if now.Sub(s.st.LastActive) > timeout {
			delete(m.sessions, chatID)
			stale = append(stale, s)
			continue
		}
		s.mu.Unlock()
	}
	m.mu.Unlock()

	out := make([]Expired, 0, len(stale))
	for _, s := range stale {
		m.close(s)
		e := Expired{ChatID: s.st.ChatID, ThreadID: s.st.ThreadID, OwnerID: s.st.OwnerID, Stage: s.st.Stage, Drafts: len(s.st.Drafts)}
		s.mu.Unlock()
		out = append(out, e)
		m.deps.Metrics.Conversation("timeout")
		m.log.Info("conversation dropped", logx.Int64("chat_id", e.ChatID), logx.String("stage", string(e.Stage)),
			logx.Err(errors.Wrapf(job.ErrConversationTimeout, "idle for more than %s", timeout)))
	}
	return out
}

// Handle feeds one input to the chat's conversation.
func (m *Manager) Handle(ctx context.Context, in Input) Reply {
	m.mu.Lock()
	s := m.sessions[in.ChatID]
	m.mu.Unlock()
	if s == nil {
		return Reply{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return Reply{}
	}
	// Other members of the chat talk past the conversation.
	if in.UserID != 0 && in.UserID != s.st.OwnerID {
		return Reply{}
	}
	now := in.At
	if now.IsZero() {
		now = m.now()
	}
	if now.Sub(s.st.LastActive) > m.Timeout() {
		m.detach(in.ChatID, s)
		m.close(s)
		m.deps.Metrics.Conversation("timeout")
		m.log.Info("conversation dropped", logx.Int64("chat_id", in.ChatID),
			logx.Err(errors.Wrap(job.ErrConversationTimeout, "input after timeout")))
		return Reply{}
	}
	s.st.LastActive = now

	if in.Cancel || isCancel(in.Text) {
		m.detach(in.ChatID, s)
		m.close(s)
		s.st.Stage = StageCancelled
		m.deps.Metrics.Conversation("cancelled")
		return Reply{Handled: true, Stage: StageCancelled, Text: msgCancelled}
	}

	var r Reply
	switch s.st.Stage {
	case StageAwaitingTarget:
		r = m.onTarget(ctx, s, in)
	case StageAwaitingSchedule:
		r = m.onSchedule(s, in, now)
	case StageAwaitingPayload:
		r = m.onPayload(ctx, s, in, now)
	case StageAwaitingConfirm:
		r = m.onConfirm(ctx, s, in, now)
	default:
		return Reply{}
	}
	r.Handled = true
	r.Stage = s.st.Stage
	if r.Stage.Final() {
		m.detach(in.ChatID, s)
		m.close(s)
	}
	return r
}

// detach removes the chat's session if it is s (or any session when s is nil).
func (m *Manager) detach(chatID int64, s *session) *session {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := m.sessions[chatID]
	if cur == nil || (s != nil && cur != s) {
		return nil
	}
	delete(m.sessions, chatID)
	return cur
}

// replace closes a detached session once no input is being handled on it.
func (m *Manager) replace(old *session) {
	old.mu.Lock()
	m.close(old)
	old.mu.Unlock()
	m.deps.Metrics.Conversation("replaced")
}

// close releases the session's quota slot.
func (m *Manager) close(s *session) {
	if s.closed.Swap(true) {
		return
	}
	s.res.Release()
}

func (m *Manager) audit(ctx context.Context, e storage.AuditEntry) {
	if m.deps.Audit == nil {
		return
	}
	if err := m.deps.Audit.AppendAudit(ctx, e); err != nil {
		m.log.Warn("audit write failed", logx.String("action", e.Action), logx.Err(err))
	}
}
