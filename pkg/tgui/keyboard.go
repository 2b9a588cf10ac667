package tgui

import (
	tele "gopkg.in/telebot.v4"
)

// Inline builds an inline keyboard row by row.
type Inline struct {
	rm   *tele.ReplyMarkup
	rows []tele.Row
}

func NewInline() *Inline {
	return &Inline{rm: &tele.ReplyMarkup{}}
}

// Row appends a row of buttons.
func (i *Inline) Row(btn ...tele.Btn) *Inline {
	i.rows = append(i.rows, i.rm.Row(btn...))
	i.rm.Inline(i.rows...)
	return i
}

// Empty reports whether no row was added.
func (i *Inline) Empty() bool { return len(i.rows) == 0 }

// Markup returns the reply markup for transport.SendOptions.
func (i *Inline) Markup() *tele.ReplyMarkup { return i.rm }

// Btn creates a callback button; data is sent as-is.
func Btn(text, data string) tele.Btn {
	return tele.Btn{Text: text, Data: data}
}

// Confirm builds a one-row yes/no keyboard.
func Confirm(yesText, yesData, noText, noData string) *tele.ReplyMarkup {
	return NewInline().Row(Btn(yesText, yesData), Btn(noText, noData)).Markup()
}
