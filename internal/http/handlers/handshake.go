package handlers

import (
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"

	"callsignal/internal/apperr"
	"callsignal/internal/security"
)

type SessionIssuer interface {
	Issue(siteID, publicID string) (string, time.Time, error)
}

type handshakeRequest struct {
	Site string `json:"site"`
}

type handshakeResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Handshake exchanges a site API key for a short-lived session token used
// by export and ack.
func Handshake(sites SiteStore, issuer SessionIssuer, log zerolog.Logger) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		var req handshakeRequest
		if err := readJSON(ctx, &req); err != nil {
			errResponse(ctx, log, err)
			return
		}
		site, err := resolveSiteByAPIKey(ctx, sites, req.Site)
		if err != nil {
			errResponse(ctx, log, err)
			return
		}
		if !site.Active {
			errResponse(ctx, log, apperr.Auth("forbidden"))
			return
		}

		token, expiresAt, err := issuer.Issue(site.ID, site.PublicID)
		if errors.Is(err, security.ErrMissingSecret) {
			log.Error().Msg("session token secret not configured, rejecting handshake")
			jsonResponse(ctx, fasthttp.StatusServiceUnavailable, errorBody{Error: "session_tokens_disabled"})
			return
		}
		if err != nil {
			errResponse(ctx, log, apperr.Internal("issue_token", err))
			return
		}
		jsonResponse(ctx, fasthttp.StatusOK, handshakeResponse{Token: token, ExpiresAt: expiresAt})
	}
}
