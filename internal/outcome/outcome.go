// Package outcome models best-effort operations explicitly: a call either
// succeeded, degraded (a usable fallback value plus a reason), or failed.
package outcome

import "github.com/rs/zerolog"

type Status int

const (
	StatusOK Status = iota
	StatusDegraded
	StatusErr
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusDegraded:
		return "degraded"
	default:
		return "err"
	}
}

type Result[T any] struct {
	Value  T
	Status Status
	Reason string
	Err    error
}

func Ok[T any](v T) Result[T] {
	return Result[T]{Value: v, Status: StatusOK}
}

// Degraded carries a fallback value that the caller may still use.
func Degraded[T any](v T, reason string, err error) Result[T] {
	return Result[T]{Value: v, Status: StatusDegraded, Reason: reason, Err: err}
}

func Fail[T any](reason string, err error) Result[T] {
	return Result[T]{Status: StatusErr, Reason: reason, Err: err}
}

func (r Result[T]) IsOK() bool { return r.Status == StatusOK }

// Usable reports whether Value can be relied on (ok or degraded).
func (r Result[T]) Usable() bool { return r.Status != StatusErr }

// Log writes non-ok results; ok results are silent.
func (r Result[T]) Log(l zerolog.Logger, component string) {
	switch r.Status {
	case StatusDegraded:
		l.Warn().Err(r.Err).Str("component", component).Str("reason", r.Reason).Msg("degraded")
	case StatusErr:
		l.Error().Err(r.Err).Str("component", component).Str("reason", r.Reason).Msg("failed")
	}
}
