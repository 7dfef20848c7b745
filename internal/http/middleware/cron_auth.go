package middleware

import (
	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"

	"callsignal/internal/config"
	"callsignal/internal/security"
)

// CronAuth guards the scheduled batch endpoints with the shared cron secret,
// sent as X-Cron-Secret or as a Bearer token. A missing secret answers 503
// unless APP_ENV=development was set explicitly.
func CronAuth(cfg *config.Config, log zerolog.Logger) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			if cfg.CronSecret == "" {
				if cfg.AllowsCronBypass() {
					next(ctx)
					return
				}
				log.Error().Str("path", string(ctx.Path())).Msg("cron secret not configured, rejecting")
				deny(ctx, fasthttp.StatusServiceUnavailable, "cron_secret_not_configured")
				return
			}

			got := string(ctx.Request.Header.Peek("X-Cron-Secret"))
			if got == "" {
				got, _ = bearerToken(ctx)
			}
			if !security.EqualSecret(got, cfg.CronSecret) {
				deny(ctx, fasthttp.StatusUnauthorized, "unauthorized")
				return
			}
			next(ctx)
		}
	}
}
