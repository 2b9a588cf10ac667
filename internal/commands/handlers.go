// Package commands implements the bot's chat commands on top of the
// router: job authoring, listing, deletion, per-chat settings and the
// owner-only whitelist.
package commands

import (
	"context"
	"sync/atomic"
	"time"

	"cronbot/internal/conversation"
	"cronbot/internal/job"
	"cronbot/internal/observability"
	"cronbot/internal/quota"
	"cronbot/internal/storage"
	"cronbot/internal/task/scheduler"
	kit "cronbot/internal/transport"
	"cronbot/internal/transport/telegram/router"
	logx "cronbot/pkg/logx"
)

// Callback scopes and actions.
const (
	scopeConv = "conv"
	scopeJob  = "job"
	scopeChat = "chat"

	actYes    = "yes"
	actNo     = "no"
	actDelete = "del"
	actPage   = "page"
	actReset  = "reset"
)

// SchedulerInfo reports the trigger scheduler's state for /status.
type SchedulerInfo interface {
	Snapshot() scheduler.Snapshot
}

type Deps struct {
	Store   storage.Store
	Conv    *conversation.Manager
	Quota   *quota.Guard
	Members kit.MemberChecker

	Scheduler SchedulerInfo
	Registry  *router.SupervisorRegistry

	DefaultTZ float64
	Metrics   *observability.Metrics
}

type Handlers struct {
	deps Deps
	now  func() time.Time

	defaultTZ atomic.Value // float64
}

func New(deps Deps) *Handlers {
	h := &Handlers{deps: deps, now: time.Now}
	h.SetDefaultTZ(deps.DefaultTZ)
	return h
}

func (h *Handlers) SetDefaultTZ(tz float64) { h.defaultTZ.Store(tz) }

func (h *Handlers) defTZ() float64 {
	tz, _ := h.defaultTZ.Load().(float64)
	return tz
}

// Commands returns the command table for router.SetRegistry.
func (h *Handlers) Commands() []router.Command {
	return []router.Command{
		{Route: "start", Description: "introduction", Handle: h.start},
		{Route: "add", Description: "schedule a message", Usage: "/add", Handle: h.add},
		{Route: "addmultiple", Description: "schedule several messages at once", Usage: "/addmultiple", Handle: h.addMultiple},
		{Route: "cancel", Description: "abort the current /add", Handle: h.cancel},
		{Route: "list", Aliases: []string{"ls"}, Description: "list this chat's jobs", Usage: "/list [page]", Handle: h.list},
		{Route: "delete", Aliases: []string{"del"}, Description: "delete a job", Usage: "/delete [job id]", Handle: h.delete},
		{Route: "edit", Description: "change a job's schedule or text", Usage: "/edit <job id> schedule|text <value>", Handle: h.edit},
		{Route: "checkcron", Description: "preview a schedule", Usage: "/checkcron <schedule>", Handle: h.checkCron},
		{Route: "options", Description: "show this chat's settings", Handle: h.options},
		{Route: "adminsonly", Description: "toggle: only admins manage jobs", Handle: h.restrictToggle(job.RestrictAdminsOnly)},
		{Route: "creatoronly", Description: "toggle: only a job's creator edits it", Handle: h.restrictToggle(job.RestrictCreatorOnly)},
		{Route: "changetz", Description: "set the chat's UTC offset", Usage: "/changetz <offset, e.g. 8 or -3.5>", Handle: h.changeTZ},
		{Route: "reset", Description: "delete all jobs and settings of this chat", Handle: h.reset},

		{Route: "whitelist add", Description: "allow a user", Usage: "/whitelist add <user id>", Access: router.AccessOwnerOnly, Handle: h.whitelistAdd},
		{Route: "whitelist remove", Description: "revoke a user", Usage: "/whitelist remove <user id>", Access: router.AccessOwnerOnly, Handle: h.whitelistRemove},
		{Route: "whitelist list", Description: "show allowed users", Access: router.AccessOwnerOnly, Handle: h.whitelistList},
		{Route: "status", Description: "scheduler and worker state", Access: router.AccessOwnerOnly, Handle: h.status},
	}
}

// Callbacks returns the inline-button routes for router.SetRegistry.
func (h *Handlers) Callbacks() []router.CallbackRoute {
	return []router.CallbackRoute{
		{Scope: scopeConv, Action: actYes, Access: router.CallbackAccessEveryone, Handle: h.convButton(true)},
		{Scope: scopeConv, Action: actNo, Access: router.CallbackAccessEveryone, Handle: h.convButton(false)},
		{Scope: scopeJob, Action: actDelete, Access: router.CallbackAccessEveryone, Handle: h.deleteButton},
		{Scope: scopeJob, Action: actPage, Access: router.CallbackAccessEveryone, Handle: h.pageButton},
		{Scope: scopeChat, Action: actReset, Access: router.CallbackAccessEveryone, Handle: h.resetButton},
	}
}

// chatConfig returns the stored settings or the defaults.
func (h *Handlers) chatConfig(ctx context.Context, chatID int64) (job.ChatConfig, error) {
	cfg, ok, err := h.deps.Store.GetChatConfig(ctx, chatID)
	if err != nil {
		return job.ChatConfig{}, err
	}
	if !ok {
		return job.DefaultChatConfig(chatID, h.defTZ()), nil
	}
	return cfg, nil
}

func (h *Handlers) audit(ctx context.Context, req *router.Request, jobID, action, detail string) {
	e := storage.AuditEntry{At: h.now(), ActorID: req.FromID, ChatID: req.Chat.ChatID, JobID: jobID, Action: action, Detail: detail}
	if err := h.deps.Store.AppendAudit(ctx, e); err != nil {
		req.Logger.Warn("audit write failed", logx.String("action", action), logx.Err(err))
	}
}

// fail replies with the user-facing form of err and logs unexpected ones.
func (h *Handlers) fail(ctx context.Context, req *router.Request, err error) error {
	if job.Hint(err) == "" {
		req.Logger.Error("command failed", logx.Err(err))
		return req.Reply(ctx, "Something went wrong. Try again later.")
	}
	return req.Reply(ctx, job.UserMessage(err))
}
