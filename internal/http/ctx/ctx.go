package ctx

import (
	"github.com/valyala/fasthttp"

	dbpkg "callsignal/internal/db"
	"callsignal/internal/security"
)

const (
	SiteKey    = "site"
	SessionKey = "session"
)

// SetSite stores the site resolved by operator or API key authentication.
func SetSite(ctx *fasthttp.RequestCtx, site *dbpkg.Site) {
	ctx.SetUserValue(SiteKey, site)
}

func SiteFromCtx(ctx *fasthttp.RequestCtx) (*dbpkg.Site, bool) {
	v := ctx.UserValue(SiteKey)
	if v == nil {
		return nil, false
	}
	s, ok := v.(*dbpkg.Site)
	return s, ok && s != nil
}

// SetSession stores the claims of a verified handshake token.
func SetSession(ctx *fasthttp.RequestCtx, claims *security.SessionClaims) {
	ctx.SetUserValue(SessionKey, claims)
}

func SessionFromCtx(ctx *fasthttp.RequestCtx) (*security.SessionClaims, bool) {
	v := ctx.UserValue(SessionKey)
	if v == nil {
		return nil, false
	}
	c, ok := v.(*security.SessionClaims)
	return c, ok && c != nil
}
