package adapter

import (
	"strings"

	"cronbot/internal/job"
	kit "cronbot/internal/transport"

	tele "gopkg.in/telebot.v4"
)

// routeUpdates installs telebot handlers that convert inbound text, photo,
// poll and callback updates and hand them to deliver.
func (a *Adapter) routeUpdates() {
	a.bot.Handle(tele.OnText, a.onMessage(func(m *tele.Message, msg *kit.Message) bool {
		return true
	}))
	a.bot.Handle(tele.OnPhoto, a.onMessage(func(m *tele.Message, msg *kit.Message) bool {
		if m.Photo == nil {
			return false
		}
		msg.Text = m.Caption
		msg.Photo = &job.Photo{FileRef: m.Photo.FileID, Caption: m.Caption}
		return true
	}))
	a.bot.Handle(tele.OnPoll, a.onMessage(func(m *tele.Message, msg *kit.Message) bool {
		if m.Poll == nil {
			return false
		}
		msg.Poll = pollFrom(m.Poll)
		return true
	}))
	a.bot.Handle(tele.OnCallback, func(c tele.Context) error {
		if cb := callbackFrom(c.Callback(), c.Message()); cb != nil {
			a.deliver(kit.Update{Kind: kit.UpdateCallback, Callback: cb})
		}
		return nil
	})
}

// onMessage builds the common message fields and lets fill add the
// kind-specific ones. fill returns false to drop the update.
func (a *Adapter) onMessage(fill func(m *tele.Message, msg *kit.Message) bool) tele.HandlerFunc {
	return func(c tele.Context) error {
		m := c.Message()
		if m == nil {
			return nil
		}
		msg := messageFrom(m)
		if fill(m, msg) {
			a.deliver(kit.Update{Kind: kit.UpdateMessage, Message: msg})
		}
		return nil
	}
}

func messageFrom(m *tele.Message) *kit.Message {
	msg := &kit.Message{ID: m.ID, ThreadID: m.ThreadID, Text: m.Text}
	if m.Chat != nil {
		msg.ChatID = m.Chat.ID
		msg.IsPrivate = m.Chat.Type == tele.ChatPrivate
	}
	if m.Sender != nil {
		msg.FromID = m.Sender.ID
		msg.FromUsername = m.Sender.Username
	}
	return msg
}

func pollFrom(p *tele.Poll) *job.Poll {
	out := &job.Poll{Question: p.Question, Options: make([]string, 0, len(p.Options))}
	for _, o := range p.Options {
		out.Options = append(out.Options, o.Text)
	}
	return out
}

func callbackFrom(cb *tele.Callback, m *tele.Message) *kit.Callback {
	if cb == nil || cb.Sender == nil || m == nil || m.Chat == nil {
		return nil
	}
	return &kit.Callback{
		ID:        cb.ID,
		ChatID:    m.Chat.ID,
		ThreadID:  m.ThreadID,
		FromID:    cb.Sender.ID,
		MessageID: m.ID,
		Data:      strings.TrimSpace(cb.Data),
		IsPrivate: m.Chat.Type == tele.ChatPrivate,
	}
}
