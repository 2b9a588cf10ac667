package commands

import (
	"context"

	"cronbot/internal/conversation"
	"cronbot/internal/transport/telegram/router"
	"cronbot/pkg/tgui"
)

// OnMessage receives every non-command message and feeds it to the
// chat's conversation, if any.
func (h *Handlers) OnMessage(ctx context.Context, req *router.Request) error {
	if !h.deps.Conv.Active(req.Chat.ChatID) {
		return nil
	}
	r := h.deps.Conv.Handle(ctx, h.convInput(req, false))
	if !r.Handled {
		return nil
	}
	return h.sendConv(ctx, req, r)
}

func (h *Handlers) convInput(req *router.Request, cancel bool) conversation.Input {
	in := conversation.Input{
		ChatID:   req.Chat.ChatID,
		ThreadID: req.Chat.ThreadID,
		UserID:   req.FromID,
		At:       h.now(),
		Cancel:   cancel,
	}
	if m := req.Update.Message; m != nil {
		in.Text = m.Text
		in.Photo = m.Photo
		in.Poll = m.Poll
	}
	return in
}

func (h *Handlers) sendConv(ctx context.Context, req *router.Request, r conversation.Reply) error {
	if r.Text == "" {
		return nil
	}
	if !r.AskConfirm {
		return req.Reply(ctx, r.Text)
	}
	kb := tgui.Confirm("✅ Save", tgui.MustData(scopeConv, actYes, ""), "✖ Discard", tgui.MustData(scopeConv, actNo, ""))
	return req.ReplyHTML(ctx, tgui.Esc(r.Text).String(), kb)
}

// convButton handles the confirm keyboard. Presses by anyone other than
// the user who started the conversation are ignored.
func (h *Handlers) convButton(confirm bool) router.CallbackHandlerFunc {
	return func(ctx context.Context, req *router.Request, _ string) error {
		in := conversation.Input{
			ChatID:   req.Chat.ChatID,
			ThreadID: req.Chat.ThreadID,
			UserID:   req.FromID,
			At:       h.now(),
			Confirm:  confirm,
			Cancel:   !confirm,
		}
		r := h.deps.Conv.Handle(ctx, in)
		if !r.Handled {
			return h.answer(ctx, req, "Not your conversation, or it has expired.")
		}
		if r.AskConfirm {
			return h.answer(ctx, req, "")
		}
		h.editCallback(ctx, req, tgui.Esc(r.Text).String(), nil)
		return h.answer(ctx, req, "")
	}
}
