package conversation

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"cronbot/internal/job"
	"cronbot/internal/quota"
	"cronbot/internal/storage"
	logx "cronbot/pkg/logx"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	chat  = int64(-100)
	owner = int64(7)
)

var t0 = time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)

func newTestManager(t *testing.T, limit int) (*Manager, *storage.Memory, *quota.Guard) {
	t.Helper()
	st := storage.NewMemory()
	g := quota.New(st, limit)
	m := New(time.Minute, Deps{Quota: g, Chats: st, Audit: st, DefaultTZ: 8, Log: logx.Nop()})
	m.now = func() time.Time { return t0 }
	return m, st, g
}

func say(m *Manager, text string) Reply {
	return m.Handle(context.Background(), Input{ChatID: chat, UserID: owner, At: t0.Add(time.Second), Text: text})
}

func countJobs(t *testing.T, st *storage.Memory) int {
	t.Helper()
	n, err := st.CountActive(context.Background(), owner)
	require.NoError(t, err)
	return n
}

func TestSingleAddCommits(t *testing.T) {
	m, st, _ := newTestManager(t, 10)
	r, err := m.Begin(context.Background(), chat, 0, owner, false)
	require.NoError(t, err)
	assert.Equal(t, StageAwaitingTarget, r.Stage)

	r = say(m, "here")
	assert.Equal(t, StageAwaitingSchedule, r.Stage)
	assert.Contains(t, r.Text, "UTC+08:00")

	r = say(m, "daily 09:00")
	assert.Equal(t, StageAwaitingPayload, r.Stage)

	r = say(m, "good morning")
	assert.Equal(t, StageAwaitingConfirm, r.Stage)
	assert.True(t, r.AskConfirm)

	r = say(m, "yes")
	assert.Equal(t, StageCommitted, r.Stage)
	require.Len(t, r.Committed, 1)
	assert.Empty(t, r.Rejected)
	assert.False(t, m.Active(chat))

	got, err := st.Get(context.Background(), r.Committed[0].ID)
	require.NoError(t, err)
	assert.Equal(t, job.Text{Body: "good morning"}, got.Payload)
	assert.Equal(t, chat, got.ChatID)
	// 09:00 at UTC+8 is 01:00 UTC.
	assert.Equal(t, time.Date(2026, 1, 5, 1, 0, 0, 0, time.UTC), got.NextRunAt)
	require.Len(t, st.Audit(), 1)
	assert.Equal(t, storage.AuditJobCreate, st.Audit()[0].Action)
}

func TestInvalidScheduleRepromptsWithoutAdvancing(t *testing.T) {
	m, _, _ := newTestManager(t, 10)
	_, err := m.Begin(context.Background(), chat, 0, owner, false)
	require.NoError(t, err)
	say(m, "here")

	for _, bad := range []string{"weekly funday 09:00", "daily 25:00", "every 10s", "tomorrow"} {
		r := say(m, bad)
		assert.True(t, r.Handled)
		assert.Equal(t, StageAwaitingSchedule, r.Stage, bad)
		assert.NotEmpty(t, r.Text)
	}
	st, ok := m.Snapshot(chat)
	require.True(t, ok)
	assert.Equal(t, StageAwaitingSchedule, st.Stage)

	r := say(m, "weekly mon 10:30")
	assert.Equal(t, StageAwaitingPayload, r.Stage)
}

func TestCancelAtAnyStagePersistsNothing(t *testing.T) {
	steps := []string{"here", "every 1h", "hello"}
	for n := 0; n <= len(steps); n++ {
		m, st, g := newTestManager(t, 1)
		_, err := m.Begin(context.Background(), chat, 0, owner, false)
		require.NoError(t, err)
		for _, s := range steps[:n] {
			say(m, s)
		}
		r := say(m, "cancel")
		assert.Equal(t, StageCancelled, r.Stage)
		assert.False(t, m.Active(chat))
		assert.Zero(t, countJobs(t, st))

		// The reservation was released.
		ok, err := g.CanCreate(context.Background(), owner)
		require.NoError(t, err)
		assert.True(t, ok)
	}
}

func TestCancelButtonAndMethod(t *testing.T) {
	m, _, _ := newTestManager(t, 10)
	_, _ = m.Begin(context.Background(), chat, 0, owner, false)
	r := m.Handle(context.Background(), Input{ChatID: chat, UserID: owner, Cancel: true})
	assert.Equal(t, StageCancelled, r.Stage)

	_, _ = m.Begin(context.Background(), chat, 0, owner, false)
	assert.True(t, m.Cancel(chat))
	assert.False(t, m.Cancel(chat))
	assert.False(t, m.Handle(context.Background(), Input{ChatID: chat, UserID: owner, Text: "here"}).Handled)
}

func TestConfirmNoDiscards(t *testing.T) {
	m, st, _ := newTestManager(t, 10)
	_, _ = m.Begin(context.Background(), chat, 0, owner, false)
	say(m, "here")
	say(m, "once 2026-01-06 12:00")
	say(m, "hi")
	r := say(m, "maybe")
	assert.Equal(t, StageAwaitingConfirm, r.Stage)
	r = say(m, "no")
	assert.Equal(t, StageCancelled, r.Stage)
	assert.Zero(t, countJobs(t, st))
}

func TestTimeout(t *testing.T) {
	m, st, g := newTestManager(t, 1)
	_, _ = m.Begin(context.Background(), chat, 3, owner, true)
	say(m, "here")

	assert.Empty(t, m.Sweep(t0.Add(30*time.Second)))
	expired := m.Sweep(t0.Add(5 * time.Minute))
	require.Len(t, expired, 1)
	assert.Equal(t, Expired{ChatID: chat, ThreadID: 3, OwnerID: owner, Stage: StageAwaitingSchedule}, expired[0])
	assert.False(t, m.Active(chat))
	assert.Zero(t, countJobs(t, st))
	ok, err := g.CanCreate(context.Background(), owner)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLateInputAfterTimeoutIsNotConsumed(t *testing.T) {
	m, _, _ := newTestManager(t, 10)
	_, _ = m.Begin(context.Background(), chat, 0, owner, false)
	r := m.Handle(context.Background(), Input{ChatID: chat, UserID: owner, At: t0.Add(2 * time.Minute), Text: "here"})
	assert.False(t, r.Handled)
	assert.False(t, m.Active(chat))
}

func TestMultiAddWithDone(t *testing.T) {
	m, st, _ := newTestManager(t, 10)
	_, _ = m.Begin(context.Background(), chat, 0, owner, true)
	say(m, "here")

	r := say(m, "done")
	assert.Equal(t, StageAwaitingSchedule, r.Stage)

	say(m, "daily 08:00")
	r = say(m, "first")
	assert.Equal(t, StageAwaitingSchedule, r.Stage)
	say(m, "every 90m")
	r = m.Handle(context.Background(), Input{ChatID: chat, UserID: owner, At: t0, Photo: &job.Photo{FileRef: "file-1", Caption: "cat"}})
	assert.Equal(t, StageAwaitingSchedule, r.Stage)
	say(m, "weekly fri 18:00")
	say(m, "poll: Pizza? | yes | no")

	r = say(m, "done")
	assert.Equal(t, StageAwaitingConfirm, r.Stage)
	assert.Contains(t, r.Text, "Save 3 job(s)")

	r = m.Handle(context.Background(), Input{ChatID: chat, UserID: owner, Confirm: true})
	require.Len(t, r.Committed, 3)
	assert.Equal(t, 3, countJobs(t, st))
	assert.Equal(t, job.Poll{Question: "Pizza?", Options: []string{"yes", "no"}}, r.Committed[2].Payload)
}

func TestQuotaPartialCommit(t *testing.T) {
	m, st, _ := newTestManager(t, 10)
	ctx := context.Background()
	for i := 0; i < 9; i++ {
		require.NoError(t, st.Insert(ctx, job.New(owner, chat, 0, job.Text{Body: "x"}, job.Interval{Period: time.Hour}, t0.Add(time.Hour), t0)))
	}

	_, err := m.Begin(ctx, chat, 0, owner, true)
	require.NoError(t, err)
	say(m, "here")
	for _, body := range []string{"a", "b", "c"} {
		say(m, "every 2h")
		say(m, body)
	}
	r := say(m, "done")
	require.Equal(t, StageAwaitingConfirm, r.Stage)
	r = say(m, "yes")

	require.Len(t, r.Committed, 1)
	require.Len(t, r.Rejected, 2)
	assert.Equal(t, job.Text{Body: "a"}, r.Committed[0].Payload)
	assert.Contains(t, r.Text, "Not saved (2)")
	assert.Equal(t, 10, countJobs(t, st))
}

func TestBeginFailsWhenQuotaFull(t *testing.T) {
	m, st, _ := newTestManager(t, 1)
	require.NoError(t, st.Insert(context.Background(), job.New(owner, chat, 0, job.Text{Body: "x"}, job.Interval{Period: time.Hour}, t0, t0)))
	_, err := m.Begin(context.Background(), chat, 0, owner, false)
	require.ErrorIs(t, err, job.ErrQuotaExceeded)
	assert.False(t, m.Active(chat))
}

func TestBeginReplacesUnfinishedConversation(t *testing.T) {
	m, _, g := newTestManager(t, 1)
	_, err := m.Begin(context.Background(), chat, 0, owner, false)
	require.NoError(t, err)
	say(m, "here")

	// The only slot moves from the unfinished conversation to the new one.
	_, err = m.Begin(context.Background(), chat, 0, owner, true)
	require.NoError(t, err)
	st, ok := m.Snapshot(chat)
	require.True(t, ok)
	assert.True(t, st.Multi)
	assert.Equal(t, StageAwaitingTarget, st.Stage)

	other := int64(8)
	_, err = m.Begin(context.Background(), chat, 0, other, false)
	require.NoError(t, err)
	st, _ = m.Snapshot(chat)
	assert.Equal(t, other, st.OwnerID)
	ok, err = g.CanCreate(context.Background(), owner)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReplacedConversationDoesNotCommit(t *testing.T) {
	m, st, _ := newTestManager(t, 5)
	_, err := m.Begin(context.Background(), chat, 0, owner, false)
	require.NoError(t, err)
	say(m, "here")
	say(m, "daily 09:00")
	r := say(m, "good morning")
	require.Equal(t, StageAwaitingConfirm, r.Stage)

	m.mu.Lock()
	old := m.sessions[chat]
	m.mu.Unlock()
	_, err = m.Begin(context.Background(), chat, 0, owner, false)
	require.NoError(t, err)

	// A confirmation already on its way to the old conversation is dropped.
	old.mu.Lock()
	r = m.onConfirm(context.Background(), old, Input{ChatID: chat, UserID: owner, Text: "yes"}, t0.Add(2*time.Second))
	old.mu.Unlock()
	assert.Equal(t, StageCancelled, old.st.Stage)
	assert.Empty(t, r.Committed)
	assert.Zero(t, countJobs(t, st))

	st2, ok := m.Snapshot(chat)
	require.True(t, ok)
	assert.Equal(t, StageAwaitingTarget, st2.Stage)
}

func TestOtherUsersInputIsIgnored(t *testing.T) {
	m, _, _ := newTestManager(t, 10)
	_, _ = m.Begin(context.Background(), chat, 0, owner, false)
	r := m.Handle(context.Background(), Input{ChatID: chat, UserID: 99, Text: "here"})
	assert.False(t, r.Handled)
	st, _ := m.Snapshot(chat)
	assert.Equal(t, StageAwaitingTarget, st.Stage)
}

type denyTargets struct{}

func (denyTargets) CanTarget(context.Context, int64, int64) error {
	return job.WithHint(errors.New("not an admin"), "you must be an admin of that chat")
}

func TestTargetChatIDChecked(t *testing.T) {
	m, _, _ := newTestManager(t, 10)
	m.deps.Targets = denyTargets{}
	_, _ = m.Begin(context.Background(), chat, 0, owner, false)

	r := say(m, "not-a-number")
	assert.Equal(t, StageAwaitingTarget, r.Stage)
	r = say(m, "-200")
	assert.Equal(t, StageAwaitingTarget, r.Stage)
	assert.Contains(t, r.Text, "admin of that chat")

	m.deps.Targets = nil
	r = say(m, "-200")
	assert.Equal(t, StageAwaitingSchedule, r.Stage)
	st, _ := m.Snapshot(chat)
	assert.Equal(t, int64(-200), st.Target.ChatID)
}

func TestParsePayload(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   Input
		want job.Payload
		err  bool
	}{
		{"text", Input{Text: "hello"}, job.Text{Body: "hello"}, false},
		{"poll text", Input{Text: "Poll: Q | A | B | C"}, job.Poll{Question: "Q", Options: []string{"A", "B", "C"}}, false},
		{"poll too few", Input{Text: "poll: Q | A"}, nil, true},
		{"photo", Input{Photo: &job.Photo{FileRef: "f", Caption: "c"}}, job.Photo{FileRef: "f", Caption: "c"}, false},
		{"native poll", Input{Poll: &job.Poll{Question: "Q", Options: []string{"1", "2"}}}, job.Poll{Question: "Q", Options: []string{"1", "2"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := parsePayload(tt.in)
			if (err != nil) != tt.err {
				t.Fatalf("parsePayload err = %v, want err %v", err, tt.err)
			}
			if !tt.err && !strings.EqualFold(job.DefaultName(got), job.DefaultName(tt.want)) {
				t.Fatalf("parsePayload = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestConcurrentChatsAreIndependent(t *testing.T) {
	m, st, _ := newTestManager(t, 0)
	var wg sync.WaitGroup
	for c := int64(1); c <= 20; c++ {
		wg.Add(1)
		go func(c int64) {
			defer wg.Done()
			ctx := context.Background()
			_, err := m.Begin(ctx, c, 0, owner, false)
			assert.NoError(t, err)
			for _, s := range []string{"here", "every 1h", "hi", "yes"} {
				m.Handle(ctx, Input{ChatID: c, UserID: owner, At: t0, Text: s})
			}
		}(c)
	}
	wg.Wait()
	assert.Equal(t, 20, countJobs(t, st))
}
