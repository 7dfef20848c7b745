package middleware

import (
	"errors"
	"strings"

	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"

	"callsignal/internal/config"
	dbpkg "callsignal/internal/db"
	httpctx "callsignal/internal/http/ctx"
	"callsignal/internal/security"
)

// OperatorAuth checks the shared operator Bearer token and resolves the
// site named by the X-Site header. Without a configured token the operator
// surface is closed.
func OperatorAuth(cfg *config.Config, sites SiteLookup, log zerolog.Logger) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			if cfg.OperatorToken == "" {
				deny(ctx, fasthttp.StatusServiceUnavailable, "operator_token_not_configured")
				return
			}
			token, ok := bearerToken(ctx)
			if !ok || !security.EqualSecret(token, cfg.OperatorToken) {
				deny(ctx, fasthttp.StatusUnauthorized, "unauthorized")
				return
			}

			publicID := strings.TrimSpace(string(ctx.Request.Header.Peek("X-Site")))
			if err := security.CheckPublicID(publicID); err != nil {
				if errors.Is(err, security.ErrIdentityBoundary) {
					deny(ctx, fasthttp.StatusBadRequest, "identity_boundary")
					return
				}
				deny(ctx, fasthttp.StatusBadRequest, "invalid_site")
				return
			}
			site, err := sites.SiteByPublicID(ctx, publicID)
			if err != nil {
				if errors.Is(err, dbpkg.ErrNotFound) {
					deny(ctx, fasthttp.StatusUnauthorized, "unknown_site")
					return
				}
				log.Error().Err(err).Msg("operator site lookup failed")
				deny(ctx, fasthttp.StatusInternalServerError, "internal_error")
				return
			}

			httpctx.SetSite(ctx, site)
			next(ctx)
		}
	}
}
