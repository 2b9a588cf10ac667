package adapter

import (
	"context"
	"fmt"
	"strings"

	"cronbot/internal/dispatch"
	"cronbot/internal/job"

	tele "gopkg.in/telebot.v4"
)

// Send implements dispatch.Gateway.
func (a *Adapter) Send(ctx context.Context, to dispatch.Target, p job.Payload) error {
	if err := ctx.Err(); err != nil {
		return dispatch.Transient(err)
	}
	what, err := sendable(p)
	if err != nil {
		return dispatch.Permanent(err)
	}
	_, err = a.bot.Send(&tele.Chat{ID: to.ChatID}, what, &tele.SendOptions{ThreadID: to.ThreadID})
	return classify(err)
}

// sendable converts a payload into what telebot sends.
func sendable(p job.Payload) (any, error) {
	switch v := p.(type) {
	case job.Text:
		return v.Body, nil
	case job.Photo:
		f := tele.File{FileID: v.FileRef}
		if isURL(v.FileRef) {
			f = tele.FromURL(v.FileRef)
		}
		return &tele.Photo{File: f, Caption: v.Caption}, nil
	case job.Poll:
		poll := &tele.Poll{Type: tele.PollRegular, Question: v.Question}
		for _, o := range v.Options {
			poll.Options = append(poll.Options, tele.PollOption{Text: o})
		}
		return poll, nil
	}
	return nil, fmt.Errorf("%w: unsupported payload %T", job.ErrInvalidPayload, p)
}

func isURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}
