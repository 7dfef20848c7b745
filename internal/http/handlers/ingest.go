package handlers

import (
	"context"
	"strconv"

	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"

	"callsignal/internal/ingest"
)

type Ingester interface {
	Ingest(ctx context.Context, p ingest.Payload) (ingest.Result, error)
}

type ingestResponse struct {
	Status    string `json:"status"`
	Billable  bool   `json:"billable"`
	Overage   bool   `json:"overage,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// IngestHandler admits one tracking event. Quota headers are written on
// every response where the gate evaluated quota, rejections included.
func IngestHandler(svc Ingester, log zerolog.Logger) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		var p ingest.Payload
		if err := readJSON(ctx, &p); err != nil {
			errResponse(ctx, log, err)
			return
		}

		res, err := svc.Ingest(ctx, p)
		if res.QuotaKnown {
			ctx.Response.Header.Set("X-Quota-Remaining", strconv.FormatInt(max(res.Remaining, 0), 10))
			ctx.Response.Header.Set("X-Quota-Overage", strconv.FormatBool(res.Overage))
		}
		if err != nil {
			errResponse(ctx, log, err)
			return
		}

		switch res.Reason {
		case ingest.ReasonNoConsent:
			ctx.SetStatusCode(fasthttp.StatusNoContent)
			return
		case ingest.ReasonDuplicate:
			jsonResponse(ctx, fasthttp.StatusOK, ingestResponse{Status: "duplicate"})
			return
		}
		jsonResponse(ctx, fasthttp.StatusOK, ingestResponse{
			Status:    "accepted",
			Billable:  res.Billable,
			Overage:   res.Overage,
			SessionID: res.SessionID,
		})
	}
}
