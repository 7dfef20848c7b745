package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math"
	"strconv"
	"time"
)

// MaxRetryAfter caps the Retry-After advertised on quota rejections.
const MaxRetryAfter = 32 * 24 * time.Hour

// Limits is the quota-relevant part of a site plan.
type Limits struct {
	MonthlyLimit      int64
	SoftLimitEnabled  bool
	HardCapMultiplier float64
}

// HardCap is the absolute ceiling for soft-limit plans. Multipliers below
// one are treated as one.
func (l Limits) HardCap() int64 {
	if !l.SoftLimitEnabled {
		return l.MonthlyLimit
	}
	mult := l.HardCapMultiplier
	if mult < 1 {
		mult = 1
	}
	return int64(math.Floor(float64(l.MonthlyLimit) * mult))
}

// Quota is the verdict for one event.
type Quota struct {
	Allowed   bool
	Overage   bool
	Remaining int64
}

// EvaluateQuota judges usageAfter, the metered usage including the event
// being admitted. Remaining never goes below zero and never grows as usage
// grows.
func EvaluateQuota(l Limits, usageAfter int64) Quota {
	q := Quota{Remaining: l.MonthlyLimit - usageAfter}
	if q.Remaining < 0 {
		q.Remaining = 0
	}

	if !l.SoftLimitEnabled {
		q.Allowed = usageAfter < l.MonthlyLimit
		return q
	}
	if usageAfter >= l.HardCap() {
		return q
	}
	q.Allowed = true
	q.Overage = usageAfter > l.MonthlyLimit
	return q
}

// SecondsToMonthRollover is the wait until the next UTC billing month,
// capped at MaxRetryAfter and never below one second.
func SecondsToMonthRollover(now time.Time) time.Duration {
	now = now.UTC()
	next := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
	d := next.Sub(now).Truncate(time.Second)
	if d > MaxRetryAfter {
		d = MaxRetryAfter
	}
	if d < time.Second {
		d = time.Second
	}
	return d
}

// IdempotencyKey hashes the site, the normalized payload and the time
// bucket containing at. Identical payloads within one bucket collide.
func IdempotencyKey(siteID string, payload Payload, at time.Time, bucket time.Duration) (string, error) {
	normalized, err := json.Marshal(payload.normalized())
	if err != nil {
		return "", err
	}
	if bucket <= 0 {
		bucket = 5 * time.Minute
	}
	h := sha256.New()
	h.Write([]byte(siteID))
	h.Write([]byte{0})
	h.Write(normalized)
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(at.UTC().Truncate(bucket).Unix(), 10)))
	return hex.EncodeToString(h.Sum(nil)), nil
}
