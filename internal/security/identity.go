package security

import (
	"errors"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrIdentityBoundary means a caller supplied something shaped like an
	// internal primary key where only public identifiers are accepted.
	ErrIdentityBoundary = errors.New("identity boundary")
	ErrInvalidPublicID  = errors.New("invalid public id")
)

const PublicIDPrefix = "st_"

var publicIDPattern = regexp.MustCompile(`^` + PublicIDPrefix + `[a-z0-9_]{4,60}$`)

// CheckPublicID accepts only opaque public site identifiers.
func CheckPublicID(id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return ErrInvalidPublicID
	}
	if _, err := uuid.Parse(id); err == nil {
		return ErrIdentityBoundary
	}
	if _, err := strconv.ParseInt(id, 10, 64); err == nil {
		return ErrIdentityBoundary
	}
	if !publicIDPattern.MatchString(id) {
		return ErrInvalidPublicID
	}
	return nil
}

// VerifyAPIKey compares a presented key against its stored bcrypt hash.
func VerifyAPIKey(hash, key string) bool {
	if hash == "" || key == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)) == nil
}
