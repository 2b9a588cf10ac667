package commands

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"cronbot/internal/conversation"
	"cronbot/internal/job"
	"cronbot/internal/quota"
	"cronbot/internal/storage"
	kit "cronbot/internal/transport"
	"cronbot/internal/transport/telegram/router"
	logx "cronbot/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	group     = int64(-100)
	botOwner  = int64(1)
	alice     = int64(5)
	bob       = int64(6)
	groupMod  = int64(7)
	callbackM = 42
)

type sent struct {
	text   string
	markup any
}

type fakeAdapter struct {
	mu      sync.Mutex
	sent    []sent
	edits   []string
	answers []string
}

func (f *fakeAdapter) Start(ctx context.Context, out chan<- kit.Update) error { return nil }
func (f *fakeAdapter) Stop(ctx context.Context) error                         { return nil }

func (f *fakeAdapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := sent{text: text}
	if opt != nil {
		s.markup = opt.ReplyMarkupAdapter
	}
	f.sent = append(f.sent, s)
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(f.sent)}, nil
}

func (f *fakeAdapter) EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, text)
	return nil
}

func (f *fakeAdapter) AnswerCallback(ctx context.Context, callbackID string, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers = append(f.answers, text)
	return nil
}

func (f *fakeAdapter) last(t *testing.T) sent {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.sent, "no reply sent")
	return f.sent[len(f.sent)-1]
}

func (f *fakeAdapter) lastEdit(t *testing.T) string {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.edits, "no message edited")
	return f.edits[len(f.edits)-1]
}

type fakeMembers map[int64]kit.MemberRole

func (m fakeMembers) MemberRole(ctx context.Context, chatID, userID int64) (kit.MemberRole, error) {
	if r, ok := m[userID]; ok {
		return r, nil
	}
	return kit.RoleNone, nil
}

type fixture struct {
	h     *Handlers
	store *storage.Memory
	conv  *conversation.Manager
	ad    *fakeAdapter
}

func newFixture(t *testing.T, limit int) *fixture {
	t.Helper()
	st := storage.NewMemory()
	g := quota.New(st, limit)
	members := fakeMembers{alice: kit.RoleMember, bob: kit.RoleMember, groupMod: kit.RoleAdministrator}
	conv := conversation.New(time.Minute, conversation.Deps{
		Quota: g, Chats: st, Audit: st,
		Targets:   TargetPolicy{Store: st, Members: members},
		DefaultTZ: 8, Log: logx.Nop(),
	})
	h := New(Deps{Store: st, Conv: conv, Quota: g, Members: members, DefaultTZ: 8})
	return &fixture{h: h, store: st, conv: conv, ad: &fakeAdapter{}}
}

func (f *fixture) req(from int64, text string) *router.Request {
	msg := &kit.Message{ChatID: group, FromID: from, Text: text}
	rest := text
	if strings.HasPrefix(text, "/") {
		rest = strings.TrimSpace(dropFields(text, 1))
	}
	return &router.Request{
		Update:  kit.Update{Kind: kit.UpdateMessage, Message: msg},
		Chat:    kit.ChatTarget{ChatID: group},
		FromID:  from,
		Args:    strings.Fields(rest),
		Rest:    rest,
		Adapter: f.ad,
		Logger:  logx.Nop(),
		Owners:  []int64{botOwner},
	}
}

func (f *fixture) callback(from int64, payload string) *router.Request {
	cb := &kit.Callback{ID: "cb", FromID: from, ChatID: group, MessageID: callbackM, Data: payload}
	return &router.Request{
		Update:  kit.Update{Kind: kit.UpdateCallback, Callback: cb},
		Chat:    kit.ChatTarget{ChatID: group},
		FromID:  from,
		Payload: payload,
		Adapter: f.ad,
		Logger:  logx.Nop(),
		Owners:  []int64{botOwner},
	}
}

func (f *fixture) seed(t *testing.T, owner int64, p job.Payload, r job.Recurrence, next time.Time) job.Job {
	t.Helper()
	j := job.New(owner, group, 0, p, r, next, time.Now())
	require.NoError(t, f.store.Insert(context.Background(), j))
	return j
}

func (f *fixture) setChat(t *testing.T, tz float64, mode job.RestrictMode) {
	t.Helper()
	cfg := job.ChatConfig{ChatID: group, TZOffset: tz, RestrictMode: mode, UpdatedAt: time.Now()}
	require.NoError(t, f.store.PutChatConfig(context.Background(), cfg))
}

func TestAddConversationCommitsThroughButtons(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, 10)

	require.NoError(t, f.h.add(ctx, f.req(alice, "/add")))
	assert.Contains(t, f.ad.last(t).text, "Where should the message go")

	// Other members talk past the conversation.
	require.NoError(t, f.h.OnMessage(ctx, f.req(bob, "here")))
	require.NoError(t, f.h.OnMessage(ctx, f.req(alice, "here")))
	assert.Contains(t, f.ad.last(t).text, "UTC+08:00")

	require.NoError(t, f.h.OnMessage(ctx, f.req(alice, "daily 09:00")))
	require.NoError(t, f.h.OnMessage(ctx, f.req(alice, "good morning")))
	ask := f.ad.last(t)
	assert.Contains(t, ask.text, "good morning")
	require.NotNil(t, ask.markup, "confirm keyboard missing")

	// A stranger's press is ignored.
	require.NoError(t, f.h.convButton(true)(ctx, f.callback(bob, ""), ""))
	assert.True(t, f.conv.Active(group))

	require.NoError(t, f.h.convButton(true)(ctx, f.callback(alice, ""), ""))
	assert.Contains(t, f.ad.lastEdit(t), "Saved 1 job(s)")
	assert.False(t, f.conv.Active(group))

	jobs, err := f.store.ListByChat(ctx, group)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, job.Text{Body: "good morning"}, jobs[0].Payload)
	assert.Equal(t, job.Daily{TimeOfDay: job.NewTimeOfDay(9, 0)}, jobs[0].Recurrence)
	assert.Equal(t, alice, jobs[0].OwnerID)
}

func TestAddRespectsQuota(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, 1)
	f.seed(t, alice, job.Text{Body: "x"}, job.Interval{Period: time.Hour}, time.Now().Add(time.Hour))

	require.NoError(t, f.h.add(ctx, f.req(alice, "/add")))
	assert.Contains(t, f.ad.last(t).text, "limit 1")
	assert.False(t, f.conv.Active(group))
}

func TestCancel(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, 0)

	require.NoError(t, f.h.cancel(ctx, f.req(alice, "/cancel")))
	assert.Equal(t, "Nothing to cancel.", f.ad.last(t).text)

	require.NoError(t, f.h.add(ctx, f.req(alice, "/add")))
	require.NoError(t, f.h.cancel(ctx, f.req(bob, "/cancel")))
	assert.Contains(t, f.ad.last(t).text, "Only the user who started it")
	assert.True(t, f.conv.Active(group))

	require.NoError(t, f.h.cancel(ctx, f.req(alice, "/cancel")))
	assert.Contains(t, f.ad.last(t).text, "Cancelled")
	assert.False(t, f.conv.Active(group))
}

func TestDeleteHonorsCreatorOnly(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, 0)
	j := f.seed(t, alice, job.Text{Body: "standup"}, job.Daily{TimeOfDay: job.NewTimeOfDay(9, 0)}, time.Now().Add(time.Hour))
	f.setChat(t, 8, job.RestrictCreatorOnly)

	require.NoError(t, f.h.delete(ctx, f.req(bob, "/delete "+j.ShortID())))
	assert.Contains(t, f.ad.last(t).text, "creator")

	require.NoError(t, f.h.delete(ctx, f.req(alice, "/delete "+j.ShortID()[:6])))
	assert.Contains(t, f.ad.last(t).text, "Deleted "+j.ShortID())

	_, err := f.store.Get(ctx, j.ID)
	assert.ErrorIs(t, err, job.ErrNotFound)
	audit := f.store.Audit()
	require.NotEmpty(t, audit)
	assert.Equal(t, storage.AuditJobDelete, audit[len(audit)-1].Action)

	require.NoError(t, f.h.delete(ctx, f.req(alice, "/delete nosuch")))
	assert.Contains(t, f.ad.last(t).text, "No job nosuch")
}

func TestDeletePickerAndButton(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, 0)
	j := f.seed(t, alice, job.Text{Body: "standup"}, job.Daily{TimeOfDay: job.NewTimeOfDay(9, 0)}, time.Now().Add(time.Hour))

	require.NoError(t, f.h.delete(ctx, f.req(alice, "/delete")))
	require.NotNil(t, f.ad.last(t).markup)

	require.NoError(t, f.h.deleteButton(ctx, f.callback(alice, j.ShortID()), j.ShortID()))
	assert.Contains(t, f.ad.lastEdit(t), "Deleted")
	_, err := f.store.Get(ctx, j.ID)
	assert.ErrorIs(t, err, job.ErrNotFound)
}

func TestAdminsOnly(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, 0)

	require.NoError(t, f.h.restrictToggle(job.RestrictAdminsOnly)(ctx, f.req(alice, "/adminsonly")))
	assert.Contains(t, f.ad.last(t).text, "Only chat admins")

	require.NoError(t, f.h.restrictToggle(job.RestrictAdminsOnly)(ctx, f.req(groupMod, "/adminsonly")))
	cfg, ok, err := f.store.GetChatConfig(ctx, group)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, job.RestrictAdminsOnly, cfg.RestrictMode)

	require.NoError(t, f.h.add(ctx, f.req(alice, "/add")))
	assert.Contains(t, f.ad.last(t).text, "Only chat admins")
	assert.False(t, f.conv.Active(group))

	require.NoError(t, f.h.add(ctx, f.req(groupMod, "/add")))
	assert.True(t, f.conv.Active(group))

	// Toggling again turns it off.
	require.NoError(t, f.h.restrictToggle(job.RestrictAdminsOnly)(ctx, f.req(botOwner, "/adminsonly")))
	cfg, _, err = f.store.GetChatConfig(ctx, group)
	require.NoError(t, err)
	assert.Equal(t, job.RestrictNone, cfg.RestrictMode)
}

func TestChangeTZShiftsPendingJobs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, 0)
	at := time.Now().Add(48 * time.Hour).Truncate(time.Minute).UTC()
	once := f.seed(t, alice, job.Text{Body: "once"}, job.Once{At: at}, at)
	every := f.seed(t, alice, job.Text{Body: "every"}, job.Interval{Period: time.Hour}, at)

	require.NoError(t, f.h.changeTZ(ctx, f.req(alice, "/changetz 15")))
	assert.Contains(t, f.ad.last(t).text, "between -12 and +14")

	require.NoError(t, f.h.changeTZ(ctx, f.req(alice, "/changetz abc")))
	assert.Contains(t, f.ad.last(t).text, "number of hours")

	require.NoError(t, f.h.changeTZ(ctx, f.req(alice, "/changetz 9")))
	assert.Contains(t, f.ad.last(t).text, "UTC+09:00")

	got, err := f.store.Get(ctx, once.ID)
	require.NoError(t, err)
	assert.Equal(t, at.Add(-time.Hour), got.NextRunAt)
	assert.Equal(t, job.Once{At: at.Add(-time.Hour)}, got.Recurrence)

	got, err = f.store.Get(ctx, every.ID)
	require.NoError(t, err)
	assert.Equal(t, at, got.NextRunAt)

	cfg, ok, err := f.store.GetChatConfig(ctx, group)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 9.0, cfg.TZOffset)
}

func TestListPaginates(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, 0)
	base := time.Now().Add(time.Hour)
	for i := 0; i < 12; i++ {
		f.seed(t, alice, job.Text{Body: fmt.Sprintf("job %d", i)}, job.Interval{Period: time.Hour}, base.Add(time.Duration(i)*time.Minute))
	}

	require.NoError(t, f.h.list(ctx, f.req(alice, "/list")))
	first := f.ad.last(t)
	assert.Contains(t, first.text, "Page 1/2")
	assert.Contains(t, first.text, "job 0")
	assert.NotContains(t, first.text, "job 11")
	require.NotNil(t, first.markup)

	require.NoError(t, f.h.pageButton(ctx, f.callback(alice, "1"), "1"))
	assert.Contains(t, f.ad.lastEdit(t), "Page 2/2")
	assert.Contains(t, f.ad.lastEdit(t), "job 11")

	require.NoError(t, f.h.list(ctx, f.req(alice, "/list zero")))
	assert.Contains(t, f.ad.last(t).text, "Usage")
}

func TestEdit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, 0)
	j := f.seed(t, alice, job.Text{Body: "old"}, job.Daily{TimeOfDay: job.NewTimeOfDay(9, 0)}, time.Now().Add(time.Hour))

	require.NoError(t, f.h.edit(ctx, f.req(alice, "/edit "+j.ShortID()+" schedule weekly mon 10:30")))
	got, err := f.store.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.Weekly{Weekday: time.Monday, TimeOfDay: job.NewTimeOfDay(10, 30)}, got.Recurrence)
	assert.True(t, got.NextRunAt.After(time.Now()))

	require.NoError(t, f.h.edit(ctx, f.req(alice, "/edit "+j.ShortID()+" text hello   there")))
	got, err = f.store.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.Text{Body: "hello   there"}, got.Payload)

	require.NoError(t, f.h.edit(ctx, f.req(alice, "/edit "+j.ShortID()+" schedule daily 25:00")))
	assert.NotContains(t, f.ad.last(t).text, "Updated")

	busy := job.New(alice, group, 0, job.Text{Body: "busy"}, job.Interval{Period: time.Hour}, time.Now(), time.Now())
	busy.Status = job.StatusDispatching
	busy.ClaimedAt = time.Now()
	require.NoError(t, f.store.Insert(ctx, busy))
	require.NoError(t, f.h.edit(ctx, f.req(alice, "/edit "+busy.ShortID()+" text changed")))
	assert.Contains(t, f.ad.last(t).text, "being sent right now")
}

func TestEditReenableNeedsQuota(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, 1)
	done := job.New(alice, group, 0, job.Text{Body: "done"}, job.Once{At: time.Now().Add(-time.Hour)}, time.Now().Add(-time.Hour), time.Now())
	done.Status = job.StatusExhausted
	require.NoError(t, f.store.Insert(ctx, done))
	f.seed(t, alice, job.Text{Body: "live"}, job.Interval{Period: time.Hour}, time.Now().Add(time.Hour))

	require.NoError(t, f.h.edit(ctx, f.req(alice, "/edit "+done.ShortID()+" schedule every 2h")))
	assert.Contains(t, f.ad.last(t).text, "no free job slot")
	got, err := f.store.Get(ctx, done.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusExhausted, got.Status)
}

func TestCheckCron(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, 0)

	require.NoError(t, f.h.checkCron(ctx, f.req(alice, "/checkcron every 2h")))
	out := f.ad.last(t).text
	assert.Contains(t, out, "Next runs")
	assert.Equal(t, previewFirings, strings.Count(out, "•"))

	require.NoError(t, f.h.checkCron(ctx, f.req(alice, "/checkcron")))
	assert.Contains(t, f.ad.last(t).text, "Usage")
}

func TestResetButton(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, 0)
	f.seed(t, alice, job.Text{Body: "a"}, job.Interval{Period: time.Hour}, time.Now().Add(time.Hour))
	f.seed(t, bob, job.Text{Body: "b"}, job.Interval{Period: time.Hour}, time.Now().Add(time.Hour))
	f.setChat(t, 3, job.RestrictNone)

	require.NoError(t, f.h.reset(ctx, f.req(alice, "/reset")))
	require.NotNil(t, f.ad.last(t).markup)

	require.NoError(t, f.h.resetButton(ctx, f.callback(alice, "no"), "no"))
	jobs, err := f.store.ListByChat(ctx, group)
	require.NoError(t, err)
	assert.Len(t, jobs, 2)

	require.NoError(t, f.h.resetButton(ctx, f.callback(alice, "yes"), "yes"))
	assert.Contains(t, f.ad.lastEdit(t), "Deleted 2 job(s)")
	jobs, err = f.store.ListByChat(ctx, group)
	require.NoError(t, err)
	assert.Empty(t, jobs)
	_, ok, err := f.store.GetChatConfig(ctx, group)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWhitelistCommands(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, 0)

	require.NoError(t, f.h.whitelistAdd(ctx, f.req(botOwner, "/whitelist add 77")))
	ok, err := f.store.IsWhitelisted(ctx, 77)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, f.h.whitelistList(ctx, f.req(botOwner, "/whitelist list")))
	assert.Contains(t, f.ad.last(t).text, "77")

	require.NoError(t, f.h.whitelistRemove(ctx, f.req(botOwner, "/whitelist remove 77")))
	ok, err = f.store.IsWhitelisted(ctx, 77)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, f.h.whitelistAdd(ctx, f.req(botOwner, "/whitelist add x")))
	assert.Contains(t, f.ad.last(t).text, "Usage")
}

func TestGatekeeper(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storage.NewMemory()

	open := NewGatekeeper(st, nil)
	ok, err := open.Allow(ctx, 9)
	require.NoError(t, err)
	assert.True(t, ok, "empty lists admit everyone")

	require.NoError(t, st.AddWhitelist(ctx, 9, botOwner, time.Now()))
	ok, err = open.Allow(ctx, 10)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = open.Allow(ctx, 9)
	require.NoError(t, err)
	assert.True(t, ok)

	listed := NewGatekeeper(storage.NewMemory(), []int64{5})
	ok, _ = listed.Allow(ctx, 5)
	assert.True(t, ok)
	ok, _ = listed.Allow(ctx, 6)
	assert.False(t, ok)

	listed.SetAllowed(nil)
	ok, _ = listed.Allow(ctx, 6)
	assert.True(t, ok)
}

func TestTargetPolicy(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storage.NewMemory()
	p := TargetPolicy{Store: st, Members: fakeMembers{alice: kit.RoleMember, groupMod: kit.RoleCreator}}

	assert.Error(t, p.CanTarget(ctx, bob, group))
	assert.NoError(t, p.CanTarget(ctx, alice, group))

	require.NoError(t, st.PutChatConfig(ctx, job.ChatConfig{ChatID: group, TZOffset: 0, RestrictMode: job.RestrictAdminsOnly}))
	err := p.CanTarget(ctx, alice, group)
	require.Error(t, err)
	assert.Contains(t, job.UserMessage(err), "Only admins")
	assert.NoError(t, p.CanTarget(ctx, groupMod, group))

	assert.Error(t, TargetPolicy{Store: st}.CanTarget(ctx, alice, group))
}

func TestCommandTableRegisters(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 0)
	m := router.NewCommandManager(logx.Nop(), f.ad, []int64{botOwner}, router.Options{})
	m.SetRegistry(f.h.Commands(), f.h.Callbacks())

	seen := map[string]bool{}
	for _, c := range f.h.Commands() {
		require.False(t, seen[c.Route], "duplicate route %s", c.Route)
		seen[c.Route] = true
		require.NotNil(t, c.Handle, c.Route)
	}
	for _, r := range []string{"add", "addmultiple", "delete", "list", "checkcron", "options", "adminsonly", "creatoronly", "changetz", "reset", "edit"} {
		assert.True(t, seen[r], "missing /%s", r)
	}
}
