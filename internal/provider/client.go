// Package provider uploads conversions to the external attribution API.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"callsignal/internal/db"
)

// Error is a classified upload failure.
type Error struct {
	Category string
	Status   int
	Message  string
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: status %d: %s", strings.ToLower(e.Category), e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", strings.ToLower(e.Category), e.Message)
}

// CategoryOf returns the error category of err. Unclassified errors are
// transient.
func CategoryOf(err error) string {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Category
	}
	return db.CategoryTransient
}

// Classify maps an HTTP status onto an error category. Success and 409
// (already recorded downstream) classify as "".
func Classify(status int) string {
	switch {
	case status >= 200 && status < 300, status == http.StatusConflict:
		return ""
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return db.CategoryAuth
	case status == http.StatusTooManyRequests, status == http.StatusRequestTimeout, status >= 500:
		return db.CategoryTransient
	default:
		return db.CategoryValidation
	}
}

// Uploader delivers one conversion.
type Uploader interface {
	Upload(ctx context.Context, job db.ConversionQueueJob) error
}

type conversionRequest struct {
	ExternalID     string `json:"external_id"`
	CallID         string `json:"call_id"`
	Stage          string `json:"stage,omitempty"`
	Value          string `json:"value"`
	Currency       string `json:"currency"`
	Gclid          string `json:"gclid,omitempty"`
	Wbraid         string `json:"wbraid,omitempty"`
	Gbraid         string `json:"gbraid,omitempty"`
	ConversionTime string `json:"conversion_time"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Client talks to the conversion API over HTTP.
type Client struct {
	http *resty.Client
}

var _ Uploader = (*Client)(nil)

func NewClient(baseURL, token string, timeout time.Duration) *Client {
	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetRetryCount(0).
		SetHeader("User-Agent", "callsignal-dispatch/1.0").
		SetHeader("Content-Type", "application/json")
	if token != "" {
		client.SetAuthToken(token)
	}
	return &Client{http: client}
}

// Upload sends one job. Any failure comes back as *Error.
func (c *Client) Upload(ctx context.Context, job db.ConversionQueueJob) error {
	body := conversionRequest{
		ExternalID:     job.ExternalID,
		CallID:         job.CallID,
		Stage:          job.Stage,
		Value:          decimal.New(job.ValueCents, -2).StringFixed(2),
		Currency:       job.Currency,
		Gclid:          job.Gclid,
		Wbraid:         job.Wbraid,
		Gbraid:         job.Gbraid,
		ConversionTime: job.ConversionTime.UTC().Format(time.RFC3339),
	}
	if body.Gclid == "" && body.Wbraid == "" && body.Gbraid == "" {
		return &Error{Category: db.CategoryValidation, Message: "job has no click id"}
	}

	var apiErr errorResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Idempotency-Key", job.ExternalID).
		SetBody(body).
		SetError(&apiErr).
		Post("/v1/conversions/" + job.ProviderKey)
	if err != nil && (resp == nil || resp.StatusCode() == 0) {
		return &Error{Category: db.CategoryTransient, Message: err.Error()}
	}

	category := Classify(resp.StatusCode())
	if category == "" {
		return nil
	}
	msg := apiErr.Message
	if msg == "" {
		msg = apiErr.Error
	}
	if msg == "" {
		msg = strings.TrimSpace(resp.String())
	}
	return &Error{Category: category, Status: resp.StatusCode(), Message: msg}
}
