package middleware

import (
	"bytes"
	"context"
	"errors"
	"strings"

	"github.com/valyala/fasthttp"

	dbpkg "callsignal/internal/db"
	httpctx "callsignal/internal/http/ctx"
	"callsignal/internal/security"
)

// SiteLookup resolves a site by its public id.
type SiteLookup interface {
	SiteByPublicID(ctx context.Context, publicID string) (*dbpkg.Site, error)
}

// TokenParser validates handshake session tokens.
type TokenParser interface {
	Parse(token string) (*security.SessionClaims, error)
}

func deny(ctx *fasthttp.RequestCtx, code int, reason string) {
	ctx.SetStatusCode(code)
	ctx.SetContentType("application/json")
	ctx.SetBodyString(`{"error":"` + reason + `"}`)
}

// bearerToken extracts the token from an Authorization: Bearer header.
func bearerToken(ctx *fasthttp.RequestCtx) (string, bool) {
	auth := ctx.Request.Header.Peek("Authorization")
	const prefix = "Bearer "
	if len(auth) == 0 || !bytes.HasPrefix(auth, []byte(prefix)) {
		return "", false
	}
	token := strings.TrimSpace(string(auth[len(prefix):]))
	return token, token != ""
}

// SessionAuth validates the Bearer session token issued by the handshake
// and stores its claims on the context.
func SessionAuth(tokens TokenParser) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			token, ok := bearerToken(ctx)
			if !ok {
				deny(ctx, fasthttp.StatusUnauthorized, "missing_token")
				return
			}
			claims, err := tokens.Parse(token)
			if err != nil {
				if errors.Is(err, security.ErrMissingSecret) {
					deny(ctx, fasthttp.StatusServiceUnavailable, "session_tokens_disabled")
					return
				}
				deny(ctx, fasthttp.StatusUnauthorized, "invalid_token")
				return
			}

			httpctx.SetSession(ctx, claims)
			next(ctx)
		}
	}
}
