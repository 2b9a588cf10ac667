package router

import (
	"context"
	"runtime/debug"
	"time"

	logx "cronbot/pkg/logx"

	"github.com/cockroachdb/errors"
)

type HandlerFunc func(ctx context.Context, req *Request) error

type Middleware func(next HandlerFunc) HandlerFunc

// slowRequest promotes successful request logs from debug to info.
const slowRequest = 750 * time.Millisecond

// Chain wraps h so that m[0] runs first.
func Chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

// pipeline is the middleware stack every command and callback runs through.
func (m *CommandManager) pipeline(h HandlerFunc, timeout time.Duration) HandlerFunc {
	return Chain(h,
		Recover(m.log),
		AccessFilter(m.opt.Gate),
		LogRequests(m.log),
		Deadline(timeout),
	)
}

func reqLogger(req *Request, fallback logx.Logger) logx.Logger {
	if req == nil || req.Logger.IsZero() {
		return fallback
	}
	return req.Logger
}

// Deadline bounds a handler. Non-positive d leaves ctx as is.
func Deadline(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		if d <= 0 {
			return next
		}
		return func(ctx context.Context, req *Request) error {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(ctx, req)
		}
	}
}

// Recover turns a handler panic into an error so one bad update cannot stop
// the chat worker.
func Recover(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				reqLogger(req, log).Error("handler panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
				err = errors.Newf("handler panic: %v", r)
			}()
			return next(ctx, req)
		}
	}
}

// LogRequests logs the outcome and duration of each handled update.
func LogRequests(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			began := time.Now()
			err := next(ctx, req)
			took := time.Since(began)

			l := reqLogger(req, log).With(
				logx.String("kind", string(req.Update.Kind)),
				logx.String("cmd", req.Command),
				logx.Duration("dur", took),
			)
			if err != nil {
				l.Warn("request failed", logx.Err(err))
			} else if took >= slowRequest {
				l.Info("request ok")
			} else {
				l.Debug("request ok")
			}
			return err
		}
	}
}

// AccessFilter drops updates from users the gate rejects. Owners always pass.
func AccessFilter(gate Gate) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		if gate == nil {
			return next
		}
		return func(ctx context.Context, req *Request) error {
			if req.IsOwner() {
				return next(ctx, req)
			}
			ok, err := gate.Allow(ctx, req.FromID)
			switch {
			case err != nil:
				req.Logger.Warn("access check failed", logx.Err(err))
			case !ok:
				req.Logger.Debug("update dropped by access filter", logx.Int64("user_id", req.FromID))
			default:
				return next(ctx, req)
			}
			return nil
		}
	}
}
