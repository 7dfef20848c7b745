package handlers

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"

	"callsignal/internal/apperr"
	"callsignal/internal/dispatch"
	httpctx "callsignal/internal/http/ctx"
)

// Puller is the two-phase export/ack delivery.
type Puller interface {
	Export(ctx context.Context, siteID, providerKey string, limit int) ([]dispatch.ExportedJob, error)
	Ack(ctx context.Context, siteID string, ids []string) (int64, error)
	AckFailed(ctx context.Context, siteID string, ids []string, category, code string) (int64, error)
}

type exportRequest struct {
	Provider string `json:"provider"`
	Limit    int    `json:"limit"`
}

type ackRequest struct {
	IDs      []string `json:"ids"`
	Code     string   `json:"code"`
	Category string   `json:"category"`
}

func sessionSite(ctx *fasthttp.RequestCtx) (string, error) {
	claims, ok := httpctx.SessionFromCtx(ctx)
	if !ok {
		return "", apperr.Auth("missing_token")
	}
	return claims.SiteID, nil
}

func Export(pull Puller, log zerolog.Logger) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		siteID, err := sessionSite(ctx)
		if err != nil {
			errResponse(ctx, log, err)
			return
		}
		var req exportRequest
		if err := readJSON(ctx, &req); err != nil {
			errResponse(ctx, log, err)
			return
		}
		jobs, err := pull.Export(ctx, siteID, req.Provider, req.Limit)
		if err != nil {
			errResponse(ctx, log, err)
			return
		}
		jsonResponse(ctx, fasthttp.StatusOK, map[string]any{"jobs": jobs, "count": len(jobs)})
	}
}

func Ack(pull Puller, log zerolog.Logger) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		siteID, err := sessionSite(ctx)
		if err != nil {
			errResponse(ctx, log, err)
			return
		}
		var req ackRequest
		if err := readJSON(ctx, &req); err != nil {
			errResponse(ctx, log, err)
			return
		}
		n, err := pull.Ack(ctx, siteID, req.IDs)
		if err != nil {
			errResponse(ctx, log, err)
			return
		}
		jsonResponse(ctx, fasthttp.StatusOK, map[string]any{"acked": n})
	}
}

func AckFailed(pull Puller, log zerolog.Logger) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		siteID, err := sessionSite(ctx)
		if err != nil {
			errResponse(ctx, log, err)
			return
		}
		var req ackRequest
		if err := readJSON(ctx, &req); err != nil {
			errResponse(ctx, log, err)
			return
		}
		n, err := pull.AckFailed(ctx, siteID, req.IDs, req.Category, req.Code)
		if err != nil {
			errResponse(ctx, log, err)
			return
		}
		jsonResponse(ctx, fasthttp.StatusOK, map[string]any{"failed": n})
	}
}
