package router

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	logx "wardenbot/pkg/logx"
)

// Successful runs faster than slowRequest are logged at debug, slower ones
// at info.
const slowRequest = 750 * time.Millisecond

type HandlerFunc func(ctx context.Context, req *Request) error

type Middleware func(next HandlerFunc) HandlerFunc

// Chain wraps h so that m[0] becomes the outermost middleware.
func Chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

// reqLogger picks the per-request logger when dispatch attached one; bare
// requests built by hand fall back to the manager's.
func reqLogger(fallback logx.Logger, req *Request) logx.Logger {
	if req == nil || req.Logger.IsZero() {
		return fallback
	}
	return req.Logger
}

func MWTimeout(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		if d <= 0 {
			return next
		}
		return func(ctx context.Context, req *Request) error {
			tctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(tctx, req)
		}
	}
}

func MWPanicRecover(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (err error) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				reqLogger(log, req).Error("panic recovered",
					logx.Any("panic", rec),
					logx.Stack(string(debug.Stack())))
				err = fmt.Errorf("panic: %v", rec)
			}()
			return next(ctx, req)
		}
	}
}

func MWRequestLog(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			start := time.Now()
			err := next(ctx, req)
			took := time.Since(start)

			// The request logger already identifies the request (rid, chat,
			// sender, command); only the outcome is added here.
			l := reqLogger(log, req)
			switch {
			case err != nil:
				l.Warn("request failed", logx.Duration("took", took), logx.Err(err))
			case took >= slowRequest:
				l.Info("request ok", logx.Duration("took", took))
			default:
				l.Debug("request ok", logx.Duration("took", took))
			}
			return err
		}
	}
}
