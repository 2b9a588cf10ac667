package adapter

import (
	"context"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"cronbot/internal/dispatch"

	"github.com/cockroachdb/errors"
	tele "gopkg.in/telebot.v4"
)

var (
	retryAfterRe = regexp.MustCompile(`retry after (\d+)`)
	apiCodeRe    = regexp.MustCompile(`\((\d{3})\)\s*$`)
)

// Descriptions that mean the destination is gone for good even when the
// API reports a generic code.
var permanentDescriptions = []string{
	"chat not found",
	"bot was blocked",
	"bot was kicked",
	"user is deactivated",
	"not enough rights",
	"have no rights",
	"chat_write_forbidden",
	"need administrator rights",
	"message thread not found",
	"wrong file identifier",
	"wrong remote file",
	"poll options",
}

// classify marks a Telegram error as permanent, transient or retry-after
// for the dispatch batcher.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return dispatch.Transient(err)
	}

	msg := strings.ToLower(err.Error())
	if m := retryAfterRe.FindStringSubmatch(msg); m != nil {
		secs, _ := strconv.Atoi(m[1])
		return dispatch.RetryAfter(err, time.Duration(secs)*time.Second)
	}

	code := 0
	var apiErr *tele.Error
	if errors.As(err, &apiErr) {
		code = apiErr.Code
	} else if m := apiCodeRe.FindStringSubmatch(msg); m != nil {
		code, _ = strconv.Atoi(m[1])
	}

	for _, d := range permanentDescriptions {
		if strings.Contains(msg, d) {
			return dispatch.Permanent(err)
		}
	}
	switch {
	case code == http.StatusTooManyRequests:
		return dispatch.RetryAfter(err, time.Second)
	case code == http.StatusForbidden, code == http.StatusBadRequest:
		return dispatch.Permanent(err)
	case code >= 500:
		return dispatch.Transient(err)
	}
	// Unauthorized and network failures affect every job; never disable on them.
	return dispatch.Transient(err)
}
