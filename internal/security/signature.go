package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strconv"
	"time"
)

var (
	ErrMissingSecret    = errors.New("signing secret not configured")
	ErrMissingHeaders   = errors.New("missing signature headers")
	ErrStaleTimestamp   = errors.New("timestamp outside allowed skew")
	ErrInvalidSignature = errors.New("invalid signature")
)

// DefaultSkew bounds how far a signed timestamp may drift from now.
const DefaultSkew = 5 * time.Minute

// SignCallEvent returns the hex HMAC-SHA256 of "timestamp.body".
func SignCallEvent(secret []byte, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyCallEvent checks a signed call event. A missing secret always
// rejects.
func VerifyCallEvent(secret []byte, timestamp string, body []byte, signature string, now time.Time, skew time.Duration) error {
	if len(secret) == 0 {
		return ErrMissingSecret
	}
	if timestamp == "" || signature == "" {
		return ErrMissingHeaders
	}
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return ErrStaleTimestamp
	}
	delta := now.Sub(time.Unix(ts, 0))
	if delta < 0 {
		delta = -delta
	}
	if delta > skew {
		return ErrStaleTimestamp
	}

	got, err := hex.DecodeString(signature)
	if err != nil {
		return ErrInvalidSignature
	}
	want, _ := hex.DecodeString(SignCallEvent(secret, timestamp, body))
	if !hmac.Equal(got, want) {
		return ErrInvalidSignature
	}
	return nil
}

// EqualSecret compares two shared secrets in constant time. Empty values
// never match.
func EqualSecret(got, want string) bool {
	if got == "" || want == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
