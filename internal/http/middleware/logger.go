package middleware

import (
	"strconv"
	"time"

	"github.com/fasthttp/router"
	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"

	"callsignal/internal/metrics"
)

// RequestLogger logs method, path, status, duration and remote ip, and
// observes the request duration under the matched route template.
func RequestLogger(log zerolog.Logger, m *metrics.Metrics) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			start := time.Now()
			next(ctx)
			took := time.Since(start)

			status := ctx.Response.StatusCode()
			route, _ := ctx.UserValue(router.MatchedRoutePathParam).(string)
			if route == "" {
				route = "unmatched"
			}
			m.RequestDuration.WithLabelValues(route, string(ctx.Method()), strconv.Itoa(status)).Observe(took.Seconds())

			ev := log.Info()
			if status >= fasthttp.StatusInternalServerError {
				ev = log.Error()
			}
			ev.Str("method", string(ctx.Method())).
				Bytes("path", ctx.Path()).
				Int("status", status).
				Dur("took", took).
				Str("ip", ctx.RemoteIP().String()).
				Msg("request")
		}
	}
}
