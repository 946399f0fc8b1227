package models

import "errors"

// Engine error taxonomy. Components wrap these with call context so
// callers can discriminate with errors.Is.
var (
	ErrNotFound           = errors.New("not found")
	ErrValidation         = errors.New("validation failed")
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrPartialFailure     = errors.New("partial failure")
)
