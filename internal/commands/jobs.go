package commands

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"cronbot/internal/job"
	"cronbot/internal/recurrence"
	"cronbot/internal/storage"
	kit "cronbot/internal/transport"
	"cronbot/internal/transport/telegram/router"
	logx "cronbot/pkg/logx"
	"cronbot/pkg/tgui"

	"github.com/cockroachdb/errors"
	tele "gopkg.in/telebot.v4"
)

const (
	listPageSize   = 10
	previewFirings = 5
)

const startText = "Hi! I send messages on a schedule.\n\n" +
	"/add schedules one message, /addmultiple several at once.\n" +
	"/list shows this chat's jobs, /delete removes one.\n" +
	"/checkcron tries a schedule without saving it.\n" +
	"/options shows this chat's settings. /help lists everything."

func (h *Handlers) start(ctx context.Context, req *router.Request) error {
	return req.Reply(ctx, startText)
}

func (h *Handlers) add(ctx context.Context, req *router.Request) error {
	return h.begin(ctx, req, false)
}

func (h *Handlers) addMultiple(ctx context.Context, req *router.Request) error {
	return h.begin(ctx, req, true)
}

func (h *Handlers) begin(ctx context.Context, req *router.Request, multi bool) error {
	cfg, err := h.chatConfig(ctx, req.Chat.ChatID)
	if err != nil {
		return h.fail(ctx, req, err)
	}
	if err := h.canManage(ctx, req, cfg); err != nil {
		return h.fail(ctx, req, err)
	}
	r, err := h.deps.Conv.Begin(ctx, req.Chat.ChatID, req.Chat.ThreadID, req.FromID, multi)
	if err != nil {
		if errors.Is(err, job.ErrQuotaExceeded) {
			h.deps.Metrics.QuotaRejected(1)
		}
		return h.fail(ctx, req, err)
	}
	return h.sendConv(ctx, req, r)
}

func (h *Handlers) cancel(ctx context.Context, req *router.Request) error {
	st, ok := h.deps.Conv.Snapshot(req.Chat.ChatID)
	if !ok {
		return req.Reply(ctx, "Nothing to cancel.")
	}
	if st.OwnerID != req.FromID && !req.IsOwner() {
		return req.Reply(ctx, "Only the user who started it can cancel.")
	}
	if st.OwnerID == req.FromID {
		return h.sendConv(ctx, req, h.deps.Conv.Handle(ctx, h.convInput(req, true)))
	}
	h.deps.Conv.Cancel(req.Chat.ChatID)
	return req.Reply(ctx, "Cancelled. Nothing was saved.")
}

// findJob resolves a (prefix of a) job id among the chat's jobs.
func (h *Handlers) findJob(ctx context.Context, chatID int64, ref string) (job.Job, error) {
	ref = strings.ToLower(strings.TrimSpace(ref))
	if ref == "" {
		return job.Job{}, job.WithHint(job.ErrNotFound, "Give a job id from /list.")
	}
	jobs, err := h.deps.Store.ListByChat(ctx, chatID)
	if err != nil {
		return job.Job{}, err
	}
	var found []job.Job
	for _, j := range jobs {
		if j.ID == ref {
			return j, nil
		}
		if strings.HasPrefix(j.ID, ref) {
			found = append(found, j)
		}
	}
	switch len(found) {
	case 0:
		return job.Job{}, job.WithHintf(errors.Wrapf(job.ErrNotFound, "ref %q", ref), "No job %s in this chat. See /list.", ref)
	case 1:
		return found[0], nil
	}
	return job.Job{}, job.WithHintf(errors.Wrapf(job.ErrNotFound, "ambiguous ref %q", ref), "%q matches %d jobs. Use more characters.", ref, len(found))
}

func (h *Handlers) delete(ctx context.Context, req *router.Request) error {
	if len(req.Args) == 0 {
		return h.deletePicker(ctx, req)
	}
	msg, err := h.deleteJob(ctx, req, req.Args[0])
	if err != nil {
		return h.fail(ctx, req, err)
	}
	return req.Reply(ctx, msg)
}

func (h *Handlers) deleteJob(ctx context.Context, req *router.Request, ref string) (string, error) {
	cfg, err := h.chatConfig(ctx, req.Chat.ChatID)
	if err != nil {
		return "", err
	}
	j, err := h.findJob(ctx, req.Chat.ChatID, ref)
	if err != nil {
		return "", err
	}
	if err := h.canTouch(ctx, req, cfg, j); err != nil {
		return "", err
	}
	if err := h.deps.Store.Delete(ctx, j.ID); err != nil {
		return "", err
	}
	h.audit(ctx, req, j.ID, storage.AuditJobDelete, j.Name)
	req.Logger.Info("job deleted", logx.String("job_id", j.ID), logx.Int64("chat_id", j.ChatID))
	return fmt.Sprintf("Deleted %s (%s).", j.ShortID(), j.Name), nil
}

// deletePicker lists the chat's jobs as buttons.
func (h *Handlers) deletePicker(ctx context.Context, req *router.Request) error {
	jobs, err := h.deps.Store.ListByChat(ctx, req.Chat.ChatID)
	if err != nil {
		return h.fail(ctx, req, err)
	}
	if len(jobs) == 0 {
		return req.Reply(ctx, "This chat has no jobs.")
	}
	kb := tgui.NewInline()
	for _, j := range jobs[:min(len(jobs), 20)] {
		label := tgui.TruncRunes(j.ShortID()+" "+j.Name, 40)
		kb.Row(tgui.Btn("🗑 "+label, tgui.MustData(scopeJob, actDelete, j.ShortID())))
	}
	return req.ReplyHTML(ctx, "Which job should I delete?", kb.Markup())
}

func (h *Handlers) deleteButton(ctx context.Context, req *router.Request, payload string) error {
	msg, err := h.deleteJob(ctx, req, payload)
	if err != nil {
		if job.Hint(err) == "" {
			req.Logger.Error("delete failed", logx.Err(err))
		}
		return h.answer(ctx, req, tgui.TruncRunes(job.UserMessage(err), 180))
	}
	h.editCallback(ctx, req, tgui.Esc(msg).String(), nil)
	return h.answer(ctx, req, "Deleted")
}

func (h *Handlers) list(ctx context.Context, req *router.Request) error {
	page := 0
	if len(req.Args) > 0 {
		n, err := strconv.Atoi(req.Args[0])
		if err != nil || n < 1 {
			return req.Reply(ctx, "Usage: /list [page]")
		}
		page = n - 1
	}
	text, kb, err := h.renderList(ctx, req.Chat.ChatID, page)
	if err != nil {
		return h.fail(ctx, req, err)
	}
	return req.ReplyHTML(ctx, text, kb)
}

func (h *Handlers) pageButton(ctx context.Context, req *router.Request, payload string) error {
	page, err := strconv.Atoi(payload)
	if err != nil {
		return h.answer(ctx, req, "")
	}
	text, kb, err := h.renderList(ctx, req.Chat.ChatID, page)
	if err != nil {
		req.Logger.Error("list failed", logx.Err(err))
		return h.answer(ctx, req, "Failed")
	}
	h.editCallback(ctx, req, text, kb)
	return h.answer(ctx, req, "")
}

func (h *Handlers) renderList(ctx context.Context, chatID int64, page int) (string, any, error) {
	cfg, err := h.chatConfig(ctx, chatID)
	if err != nil {
		return "", nil, err
	}
	jobs, err := h.deps.Store.ListByChat(ctx, chatID)
	if err != nil {
		return "", nil, err
	}
	if len(jobs) == 0 {
		return "This chat has no jobs. Create one with /add.", nil, nil
	}
	slices.SortStableFunc(jobs, func(a, b job.Job) int {
		if a.Status.Terminal() != b.Status.Terminal() {
			if a.Status.Terminal() {
				return 1
			}
			return -1
		}
		return a.NextRunAt.Compare(b.NextRunAt)
	})

	p := tgui.Paginate(len(jobs), page, listPageSize)
	lines := []tgui.H{tgui.B("Jobs") + tgui.Esc(" ("+recurrence.FormatOffset(cfg.TZOffset)+")"), ""}
	for _, j := range jobs[p.From:p.To] {
		line := tgui.Code(j.ShortID()) + " " + tgui.Esc(recurrence.Describe(j.Recurrence, cfg.TZOffset)) +
			" · " + tgui.Esc(j.Name)
		if j.Status.Terminal() {
			line += " " + tgui.I(string(j.Status))
		} else {
			line += tgui.Esc("\n    next " + recurrence.FormatLocal(j.NextRunAt, cfg.TZOffset))
		}
		lines = append(lines, line)
	}
	lines = append(lines, "", tgui.I(p.Label()))

	var markup any
	if p.HasPrev || p.HasNext {
		kb := tgui.NewInline()
		var row []tele.Btn
		if p.HasPrev {
			row = append(row, tgui.Btn("◀ Prev", tgui.MustData(scopeJob, actPage, strconv.Itoa(p.Index-1))))
		}
		if p.HasNext {
			row = append(row, tgui.Btn("Next ▶", tgui.MustData(scopeJob, actPage, strconv.Itoa(p.Index+1))))
		}
		markup = kb.Row(row...).Markup()
	}
	var b strings.Builder
	for i, l := range lines {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(l.String())
	}
	return b.String(), markup, nil
}

// edit changes a job's schedule or text payload in place.
func (h *Handlers) edit(ctx context.Context, req *router.Request) error {
	fields := strings.Fields(req.Rest)
	if len(fields) < 3 {
		return req.Reply(ctx, "Usage: /edit <job id> schedule|text <value>")
	}
	ref, what := fields[0], strings.ToLower(fields[1])
	value := strings.TrimSpace(dropFields(req.Rest, 2))

	cfg, err := h.chatConfig(ctx, req.Chat.ChatID)
	if err != nil {
		return h.fail(ctx, req, err)
	}
	j, err := h.findJob(ctx, req.Chat.ChatID, ref)
	if err != nil {
		return h.fail(ctx, req, err)
	}
	if err := h.canTouch(ctx, req, cfg, j); err != nil {
		return h.fail(ctx, req, err)
	}

	now := h.now()
	var detail string
	switch what {
	case "schedule", "when":
		rec, err := recurrence.Parse(value, now, cfg.TZOffset)
		if err == nil {
			err = recurrence.Validate(rec)
		}
		if err != nil {
			return h.fail(ctx, req, err)
		}
		next, err := recurrence.NextFire(rec, now, cfg.TZOffset)
		if err != nil {
			return h.fail(ctx, req, job.WithHint(errors.Wrap(job.ErrRecurrenceValidation, "schedule never fires"), "That time has already passed."))
		}
		if j.Status.Terminal() {
			// Re-enabling takes a quota slot again.
			ok, err := h.deps.Quota.CanCreate(ctx, j.OwnerID)
			if err != nil {
				return h.fail(ctx, req, err)
			}
			if !ok {
				h.deps.Metrics.QuotaRejected(1)
				return h.fail(ctx, req, job.WithHint(job.ErrQuotaExceeded, "The job's owner has no free job slot to re-enable it."))
			}
			j.Status = job.StatusScheduled
		}
		j.Recurrence, j.NextRunAt, j.RetryState = rec, next.UTC(), 0
		detail = "schedule: " + recurrence.Describe(rec, cfg.TZOffset)
	case "text", "message":
		if _, ok := j.Payload.(job.Text); !ok {
			return req.Reply(ctx, "Only text jobs can be edited this way. Delete it and /add a new one.")
		}
		p := job.Text{Body: value}
		if err := job.ValidatePayload(p); err != nil {
			return h.fail(ctx, req, err)
		}
		j.Payload, j.Name = p, job.DefaultName(p)
		detail = "text"
	default:
		return req.Reply(ctx, "Usage: /edit <job id> schedule|text <value>")
	}
	j.UpdatedAt = now.UTC()

	if err := h.deps.Store.Update(ctx, j); err != nil {
		if errors.Is(err, job.ErrClaimConflict) {
			return req.Reply(ctx, "That job is being sent right now. Try again in a moment.")
		}
		return h.fail(ctx, req, err)
	}
	h.audit(ctx, req, j.ID, storage.AuditJobEdit, detail)
	msg := fmt.Sprintf("Updated %s: %s", j.ShortID(), recurrence.Describe(j.Recurrence, cfg.TZOffset))
	if j.Active() {
		msg += ", next " + recurrence.FormatLocal(j.NextRunAt, cfg.TZOffset)
	}
	return req.Reply(ctx, msg+".")
}

// dropFields removes the first n whitespace-separated fields of s and
// keeps the remainder verbatim.
func dropFields(s string, n int) string {
	s = strings.TrimLeft(s, " \t\n")
	for i := 0; i < n; i++ {
		idx := strings.IndexAny(s, " \t\n")
		if idx < 0 {
			return ""
		}
		s = strings.TrimLeft(s[idx:], " \t\n")
	}
	return s
}

func (h *Handlers) checkCron(ctx context.Context, req *router.Request) error {
	input := strings.TrimSpace(req.Rest)
	if input == "" {
		return req.Reply(ctx, "Usage: /checkcron <schedule>\nFormats:\n"+recurrence.Formats)
	}
	cfg, err := h.chatConfig(ctx, req.Chat.ChatID)
	if err != nil {
		return h.fail(ctx, req, err)
	}
	now := h.now()
	rec, err := recurrence.Parse(input, now, cfg.TZOffset)
	if err == nil {
		err = recurrence.Validate(rec)
	}
	if err != nil {
		return h.fail(ctx, req, err)
	}
	fires := recurrence.Preview(rec, now, cfg.TZOffset, previewFirings)
	if len(fires) == 0 {
		return req.Reply(ctx, "That schedule never fires again.")
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s (%s)\nNext runs:\n", recurrence.Describe(rec, cfg.TZOffset), recurrence.FormatOffset(cfg.TZOffset))
	for _, t := range fires {
		b.WriteString("• " + recurrence.FormatLocal(t, cfg.TZOffset) + "\n")
	}
	return req.Reply(ctx, strings.TrimRight(b.String(), "\n"))
}

// answer acknowledges a callback query.
func (h *Handlers) answer(ctx context.Context, req *router.Request, text string) error {
	if req.Update.Callback == nil {
		return nil
	}
	return req.Adapter.AnswerCallback(ctx, req.Update.Callback.ID, text)
}

// editCallback rewrites the message that carried the pressed button.
func (h *Handlers) editCallback(ctx context.Context, req *router.Request, text string, markup any) {
	cb := req.Update.Callback
	if cb == nil || cb.MessageID == 0 {
		return
	}
	ref := kit.MessageRef{ChatID: cb.ChatID, ThreadID: cb.ThreadID, MessageID: cb.MessageID}
	if err := req.Adapter.EditText(ctx, ref, text, &kit.SendOptions{ParseMode: "HTML", DisablePreview: true, ReplyMarkupAdapter: markup}); err != nil {
		req.Logger.Debug("edit failed", logx.Err(err))
	}
}
