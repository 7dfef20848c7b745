package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callsignal/internal/db"
)

func testJob() db.ConversionQueueJob {
	return db.ConversionQueueJob{
		ExternalID:     "5e0c1f7e-8d0a-4a39-9c25-6a8f9c1d2e3f",
		CallID:         "call-1",
		ProviderKey:    "google_ads",
		Stage:          "confirmed",
		ValueCents:     12345,
		Currency:       "EUR",
		Gclid:          "g-1",
		ConversionTime: time.Date(2026, 3, 14, 11, 0, 0, 0, time.UTC),
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		status int
		want   string
	}{
		{200, ""},
		{204, ""},
		{409, ""},
		{400, db.CategoryValidation},
		{422, db.CategoryValidation},
		{404, db.CategoryValidation},
		{401, db.CategoryAuth},
		{403, db.CategoryAuth},
		{408, db.CategoryTransient},
		{429, db.CategoryTransient},
		{500, db.CategoryTransient},
		{503, db.CategoryTransient},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.status), "status %d", tt.status)
	}
}

func TestUploadSendsConversion(t *testing.T) {
	var got conversionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/conversions/google_ads", r.URL.Path)
		assert.Equal(t, "Bearer api-token", r.Header.Get("Authorization"))
		assert.Equal(t, "5e0c1f7e-8d0a-4a39-9c25-6a8f9c1d2e3f", r.Header.Get("Idempotency-Key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "api-token", 2*time.Second)
	require.NoError(t, c.Upload(context.Background(), testJob()))
	assert.Equal(t, "123.45", got.Value)
	assert.Equal(t, "EUR", got.Currency)
	assert.Equal(t, "g-1", got.Gclid)
	assert.Equal(t, "2026-03-14T11:00:00Z", got.ConversionTime)
}

func TestUploadClassifiesFailures(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		category string
		message  string
	}{
		{"validation", 400, `{"message":"invalid gclid"}`, db.CategoryValidation, "invalid gclid"},
		{"auth", 401, `{"error":"token expired"}`, db.CategoryAuth, "token expired"},
		{"rate limited", 429, `slow down`, db.CategoryTransient, "slow down"},
		{"server", 502, ``, db.CategoryTransient, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if len(tt.body) > 0 && tt.body[0] == '{' {
					w.Header().Set("Content-Type", "application/json")
				}
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			err := NewClient(srv.URL, "", time.Second).Upload(context.Background(), testJob())
			require.Error(t, err)
			var pe *Error
			require.True(t, errors.As(err, &pe))
			assert.Equal(t, tt.category, pe.Category)
			assert.Equal(t, tt.status, pe.Status)
			if tt.message != "" {
				assert.Equal(t, tt.message, pe.Message)
			}
		})
	}
}

func TestUploadNetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	err := NewClient(url, "", time.Second).Upload(context.Background(), testJob())
	require.Error(t, err)
	assert.Equal(t, db.CategoryTransient, CategoryOf(err))
}

func TestUploadWithoutClickIDIsValidation(t *testing.T) {
	job := testJob()
	job.Gclid = ""
	err := NewClient("http://127.0.0.1:1", "", time.Second).Upload(context.Background(), job)
	assert.Equal(t, db.CategoryValidation, CategoryOf(err))
}

func TestCategoryOfUnclassified(t *testing.T) {
	assert.Equal(t, db.CategoryTransient, CategoryOf(errors.New("mystery")))
}
