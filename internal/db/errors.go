package db

import "errors"

var (
	ErrNotFound        = errors.New("not found")
	ErrDuplicate       = errors.New("duplicate")
	ErrVersionConflict = errors.New("version conflict")
	ErrLimitReached    = errors.New("limit reached")
	ErrForbidden       = errors.New("forbidden")
)
