package middleware

import (
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/denizumutdereli/gatekeep/pkg/core"
)

// HeaderResponseTime carries the handler latency in whole milliseconds.
const HeaderResponseTime = "X-Response-Time"

// Timing measures everything inside it and sets X-Response-Time on the
// response. In development it also writes a one-line access log. Place it
// outside Errors so the header lands on error responses too.
func Timing(env core.Environment, logger zerolog.Logger) Middleware {
	return func(c *Context, next Next) error {
		start := time.Now()
		err := next()
		ms := time.Since(start).Milliseconds()

		c.Response.Header.Set(HeaderResponseTime, strconv.FormatInt(ms, 10)+"ms")
		if env.IsDevelopment() {
			logger.Info().Msgf("%s %s - %dms", c.Request.Method, c.URL(), ms)
		}
		return err
	}
}
