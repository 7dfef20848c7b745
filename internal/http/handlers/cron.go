package handlers

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"

	"callsignal/internal/apperr"
)

// JobRunner runs a named batch job under its mutex.
type JobRunner interface {
	Run(ctx context.Context, name string) (any, error)
}

// CronJob triggers one scheduled batch. A held job lock still answers 200
// with the skip summary.
func CronJob(jobs JobRunner, name string, log zerolog.Logger) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		summary, err := jobs.Run(ctx, name)
		if err != nil {
			errResponse(ctx, log, apperr.Internal("job_"+name, err))
			return
		}
		if summary == nil {
			summary = map[string]bool{"ok": true}
		}
		jsonResponse(ctx, fasthttp.StatusOK, summary)
	}
}
