package handlers

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

// Healthz reports ok when the database answers within a second. The cache
// is optional: when it is configured and does not answer, the service is
// still up but reports degraded.
func Healthz(db Pinger, cache Pinger, log zerolog.Logger) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		pingCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := db.Ping(pingCtx); err != nil {
			log.Warn().Err(err).Msg("health check failed")
			ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
			ctx.SetBodyString("database unavailable")
			return
		}
		ctx.SetStatusCode(fasthttp.StatusOK)
		if cache != nil {
			if err := cache.Ping(pingCtx); err != nil {
				log.Warn().Err(err).Msg("cache health check failed")
				ctx.SetBodyString("degraded: cache unavailable")
				return
			}
		}
		ctx.SetBodyString("ok")
	}
}
