package commands

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"cronbot/internal/job"
	"cronbot/internal/recurrence"
	"cronbot/internal/storage"
	"cronbot/internal/transport/telegram/router"
	logx "cronbot/pkg/logx"
	"cronbot/pkg/tgui"

	"github.com/cockroachdb/errors"
)

func (h *Handlers) options(ctx context.Context, req *router.Request) error {
	cfg, err := h.chatConfig(ctx, req.Chat.ChatID)
	if err != nil {
		return h.fail(ctx, req, err)
	}
	jobs, err := h.deps.Store.ListByChat(ctx, req.Chat.ChatID)
	if err != nil {
		return h.fail(ctx, req, err)
	}
	active := 0
	for _, j := range jobs {
		if j.Active() {
			active++
		}
	}
	limit := "unlimited"
	if n := h.deps.Quota.Limit(); n > 0 {
		limit = strconv.Itoa(n)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Settings for this chat\n")
	fmt.Fprintf(&b, "Time zone: %s\n", recurrence.FormatOffset(cfg.TZOffset))
	fmt.Fprintf(&b, "Admins only: %s\n", onOff(cfg.RestrictMode == job.RestrictAdminsOnly))
	fmt.Fprintf(&b, "Creator only: %s\n", onOff(cfg.RestrictMode == job.RestrictCreatorOnly))
	fmt.Fprintf(&b, "Jobs: %d active, %d total\n", active, len(jobs))
	fmt.Fprintf(&b, "Limit per user: %s", limit)
	return req.Reply(ctx, b.String())
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}

// restrictToggle switches the chat between mode and no restriction.
func (h *Handlers) restrictToggle(mode job.RestrictMode) router.HandlerFunc {
	return func(ctx context.Context, req *router.Request) error {
		if req.Private {
			return req.Reply(ctx, "Restrictions only apply to groups.")
		}
		cfg, err := h.chatConfig(ctx, req.Chat.ChatID)
		if err != nil {
			return h.fail(ctx, req, err)
		}
		if err := h.requireAdmin(ctx, req); err != nil {
			return h.fail(ctx, req, err)
		}
		if cfg.RestrictMode == mode {
			cfg.RestrictMode = job.RestrictNone
		} else {
			cfg.RestrictMode = mode
		}
		cfg.UpdatedAt = h.now().UTC()
		if err := h.deps.Store.PutChatConfig(ctx, cfg); err != nil {
			return h.fail(ctx, req, err)
		}
		h.audit(ctx, req, "", storage.AuditChatRestrict, string(cfg.RestrictMode))
		switch cfg.RestrictMode {
		case job.RestrictAdminsOnly:
			return req.Reply(ctx, "Only admins can manage jobs in this chat now.")
		case job.RestrictCreatorOnly:
			return req.Reply(ctx, "Jobs can now only be changed by their creators.")
		}
		return req.Reply(ctx, "Restrictions are off.")
	}
}

// requireAdmin admits chat admins and bot owners. Turning a restriction
// on or off always needs an admin.
func (h *Handlers) requireAdmin(ctx context.Context, req *router.Request) error {
	if req.Private || req.IsOwner() {
		return nil
	}
	ok, err := h.isAdmin(ctx, req.Chat.ChatID, req.FromID)
	if err != nil {
		return err
	}
	if !ok {
		return deny("Only chat admins can change this.")
	}
	return nil
}

func (h *Handlers) changeTZ(ctx context.Context, req *router.Request) error {
	if len(req.Args) != 1 {
		return req.Reply(ctx, "Usage: /changetz <offset>, e.g. /changetz 8 or /changetz -3.5")
	}
	tz, err := strconv.ParseFloat(strings.TrimPrefix(req.Args[0], "+"), 64)
	if err != nil {
		return h.fail(ctx, req, job.WithHint(errors.Wrapf(job.ErrInvalidOffset, "parse %q", req.Args[0]), "Offset must be a number of hours, e.g. 8 or -3.5."))
	}
	if err := job.ValidateOffset(tz); err != nil {
		return h.fail(ctx, req, err)
	}
	cfg, err := h.chatConfig(ctx, req.Chat.ChatID)
	if err != nil {
		return h.fail(ctx, req, err)
	}
	if err := h.canSettle(ctx, req, cfg); err != nil {
		return h.fail(ctx, req, err)
	}
	if cfg.TZOffset == tz {
		return req.Reply(ctx, "Time zone is already "+recurrence.FormatOffset(tz)+".")
	}

	oldTZ, now := cfg.TZOffset, h.now()
	cfg.TZOffset, cfg.UpdatedAt = tz, now.UTC()
	n, err := h.deps.Store.RescheduleChat(ctx, cfg, func(j job.Job) (job.Job, error) {
		if j.Status != job.StatusScheduled {
			return j, nil
		}
		rec, next, err := recurrence.Shift(j.Recurrence, j.NextRunAt, oldTZ, tz, now)
		if err != nil {
			return j, err
		}
		j.Recurrence, j.NextRunAt, j.UpdatedAt = rec, next, now.UTC()
		return j, nil
	})
	if err != nil {
		return h.fail(ctx, req, err)
	}
	h.audit(ctx, req, "", storage.AuditChatTZ, fmt.Sprintf("%s -> %s", recurrence.FormatOffset(oldTZ), recurrence.FormatOffset(tz)))
	req.Logger.Info("chat offset changed", logx.Float64("from", oldTZ), logx.Float64("to", tz), logx.Int("jobs", n))
	return req.Reply(ctx, fmt.Sprintf("Time zone set to %s. %d job(s) rescheduled to keep their local time.", recurrence.FormatOffset(tz), n))
}

func (h *Handlers) reset(ctx context.Context, req *router.Request) error {
	cfg, err := h.chatConfig(ctx, req.Chat.ChatID)
	if err != nil {
		return h.fail(ctx, req, err)
	}
	if err := h.canSettle(ctx, req, cfg); err != nil {
		return h.fail(ctx, req, err)
	}
	kb := tgui.Confirm("🗑 Delete everything", tgui.MustData(scopeChat, actReset, "yes"), "Keep", tgui.MustData(scopeChat, actReset, "no"))
	return req.ReplyHTML(ctx, "Delete <b>all jobs and settings</b> of this chat?", kb)
}

func (h *Handlers) resetButton(ctx context.Context, req *router.Request, payload string) error {
	if payload != "yes" {
		h.editCallback(ctx, req, "Reset aborted.", nil)
		return h.answer(ctx, req, "")
	}
	cfg, err := h.chatConfig(ctx, req.Chat.ChatID)
	if err == nil {
		err = h.canSettle(ctx, req, cfg)
	}
	if err != nil {
		return h.answer(ctx, req, tgui.TruncRunes(job.UserMessage(err), 180))
	}
	msg, err := h.resetChat(ctx, req)
	if err != nil {
		req.Logger.Error("reset failed", logx.Err(err))
		return h.answer(ctx, req, "Reset failed")
	}
	h.editCallback(ctx, req, tgui.Esc(msg).String(), nil)
	return h.answer(ctx, req, "Done")
}

func (h *Handlers) resetChat(ctx context.Context, req *router.Request) (string, error) {
	chatID := req.Chat.ChatID
	h.deps.Conv.Cancel(chatID)
	n, err := h.deps.Store.DeleteByChat(ctx, chatID)
	if err != nil {
		return "", err
	}
	if err := h.deps.Store.DeleteChatConfig(ctx, chatID); err != nil {
		return "", err
	}
	h.audit(ctx, req, "", storage.AuditChatReset, fmt.Sprintf("%d jobs", n))
	req.Logger.Info("chat reset", logx.Int("jobs", n))
	return fmt.Sprintf("Deleted %d job(s) and reset this chat's settings.", n), nil
}
