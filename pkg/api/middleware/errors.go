package middleware

import (
	"errors"

	"github.com/rs/zerolog"

	"github.com/denizumutdereli/gatekeep/pkg/api/apierr"
	"github.com/denizumutdereli/gatekeep/pkg/core"
	"github.com/denizumutdereli/gatekeep/pkg/errlog"
)

// Errors absorbs every error returned from inside it. The error is
// classified, reported (a diagnostic log record in development, a sink
// record for 5xx in production) and written as the envelope. Nothing
// escapes past it.
//
// A failing sink is logged and otherwise ignored.
func Errors(env core.Environment, logger zerolog.Logger, sink errlog.Sink) Middleware {
	if sink == nil {
		sink = errlog.Discard
	}
	return func(c *Context, next Next) error {
		err := next()
		if err == nil {
			return nil
		}

		ne := apierr.Classify(err, env)
		url := c.URL()
		if env.IsDevelopment() {
			ev := logger.Error().Int("status", ne.Status).Str("url", url).Err(err)
			var perr *PanicError
			if errors.As(err, &perr) {
				ev = ev.Bytes("stack", perr.Stack)
			}
			ev.Msg("request failed")
		} else if ne.Status > 499 {
			if serr := sink.Append(ne.Status, url, err); serr != nil {
				logger.Warn().Err(serr).Int("status", ne.Status).Msg("error log append failed")
			}
		}

		c.Response.Fail(ne)
		return nil
	}
}
