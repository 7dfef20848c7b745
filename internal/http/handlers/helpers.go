package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"

	"callsignal/internal/apperr"
	dbpkg "callsignal/internal/db"
	"callsignal/internal/security"
)

// SiteStore resolves sites by their public id.
type SiteStore interface {
	SiteByPublicID(ctx context.Context, publicID string) (*dbpkg.Site, error)
}

type errorBody struct {
	Error      string `json:"error"`
	Message    string `json:"message,omitempty"`
	RetryAfter int64  `json:"retry_after_seconds,omitempty"`
}

func jsonResponse(ctx *fasthttp.RequestCtx, code int, data any) {
	body, err := json.Marshal(data)
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		ctx.SetBodyString(`{"error":"internal_error"}`)
		return
	}
	ctx.SetStatusCode(code)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

// errResponse resolves err into its taxonomy member and writes it.
// Internal errors are logged and never echoed.
func errResponse(ctx *fasthttp.RequestCtx, log zerolog.Logger, err error) {
	code := apperr.Status(err)
	body := errorBody{Error: apperr.ReasonOf(err)}

	switch apperr.KindOf(err) {
	case apperr.KindInternal:
		log.Error().Err(err).Bytes("path", ctx.Path()).Msg("request failed")
		body.Error = "internal_error"
	case apperr.KindConcurrencyConflict:
		body.Message = "refresh and retry"
	case apperr.KindQuotaExceeded:
		if ra := apperr.RetryAfterOf(err); ra > 0 {
			secs := retryAfterSeconds(ra.Seconds())
			ctx.Response.Header.Set("Retry-After", strconv.FormatInt(secs, 10))
			body.RetryAfter = secs
		}
	}
	jsonResponse(ctx, code, body)
}

func retryAfterSeconds(s float64) int64 {
	n := int64(s)
	if float64(n) < s {
		n++
	}
	return max(n, 1)
}

// readJSON decodes the request body into v. An empty body decodes to the
// zero value.
func readJSON(ctx *fasthttp.RequestCtx, v any) error {
	body := ctx.PostBody()
	if len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return apperr.Validation("invalid_json")
	}
	return nil
}

// resolveSiteByAPIKey authenticates a site-scoped API key against the
// site's stored bcrypt hash.
func resolveSiteByAPIKey(ctx *fasthttp.RequestCtx, sites SiteStore, publicID string) (*dbpkg.Site, error) {
	publicID = strings.TrimSpace(publicID)
	if err := security.CheckPublicID(publicID); err != nil {
		if errors.Is(err, security.ErrIdentityBoundary) {
			return nil, apperr.Validation("identity_boundary")
		}
		return nil, apperr.Validation("invalid_site")
	}
	key := string(ctx.Request.Header.Peek("X-Api-Key"))
	if key == "" {
		return nil, apperr.Auth("missing_api_key")
	}
	site, err := sites.SiteByPublicID(ctx, publicID)
	if errors.Is(err, dbpkg.ErrNotFound) {
		return nil, apperr.Auth("invalid_api_key")
	}
	if err != nil {
		return nil, apperr.Internal("site_lookup", err)
	}
	if !security.VerifyAPIKey(site.APIKeyHash, key) {
		return nil, apperr.Auth("invalid_api_key")
	}
	return site, nil
}
