package handlers

import (
	"context"
	"strings"

	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"

	"callsignal/internal/apperr"
	"callsignal/internal/attribution"
	"callsignal/internal/conversion"
	httpctx "callsignal/internal/http/ctx"
)

type CallEventHandler interface {
	HandleCallEvent(ctx context.Context, ev attribution.CallEvent) (attribution.CallResult, error)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, siteID, callID string, a conversion.Action) (conversion.Result, error)
}

type callEventResponse struct {
	OK         bool   `json:"ok"`
	CallID     string `json:"call_id,omitempty"`
	LeadScore  int    `json:"lead_score,omitempty"`
	Confidence int    `json:"confidence,omitempty"`
	Status     string `json:"status,omitempty"`
}

// CallEvent accepts a signed call notification. Unmatched and not-allowed
// calls both answer 204; a replay answers a bare ok.
func CallEvent(svc CallEventHandler, log zerolog.Logger) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		body := append([]byte(nil), ctx.PostBody()...)
		res, err := svc.HandleCallEvent(ctx, attribution.CallEvent{
			Site:      strings.TrimSpace(string(ctx.Request.Header.Peek("X-Site"))),
			Timestamp: string(ctx.Request.Header.Peek("X-Timestamp")),
			Signature: string(ctx.Request.Header.Peek("X-Signature")),
			Body:      body,
		})
		if err != nil {
			errResponse(ctx, log, err)
			return
		}

		switch {
		case res.Silent:
			ctx.SetStatusCode(fasthttp.StatusNoContent)
		case res.Outcome == attribution.OutcomeReplay:
			jsonResponse(ctx, fasthttp.StatusOK, callEventResponse{OK: true})
		default:
			jsonResponse(ctx, fasthttp.StatusOK, callEventResponse{
				OK:         true,
				CallID:     res.CallID,
				LeadScore:  res.LeadScore,
				Confidence: res.Confidence,
				Status:     res.Status,
			})
		}
	}
}

// StageAction applies an operator stage or seal action to a call of the
// site resolved by OperatorAuth.
func StageAction(svc Enqueuer, log zerolog.Logger) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		site, ok := httpctx.SiteFromCtx(ctx)
		if !ok {
			errResponse(ctx, log, apperr.Auth("unauthorized"))
			return
		}
		callID, _ := ctx.UserValue("id").(string)

		var a conversion.Action
		if err := readJSON(ctx, &a); err != nil {
			errResponse(ctx, log, err)
			return
		}
		res, err := svc.Enqueue(ctx, site.ID, callID, a)
		if err != nil {
			errResponse(ctx, log, err)
			return
		}
		jsonResponse(ctx, fasthttp.StatusOK, res)
	}
}
