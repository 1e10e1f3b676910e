package models

import (
	"github.com/aukilabs/go-tooling/pkg/errors"
)

const (
	// ErrTypeNetwork is the type of transient fetch errors. They are retried.
	ErrTypeNetwork = "network_error"

	// ErrTypeNotFound is the type of errors returned when a sector or a model
	// does not exist. They are never retried.
	ErrTypeNotFound = "not_found"

	// ErrTypeChecksumMismatch is the type of errors returned when a fetched
	// payload does not match its expected checksum. They are retried like
	// network errors.
	ErrTypeChecksumMismatch = "checksum_mismatch"

	ErrTypeInvalidMetadata = "invalid_metadata"

	// ErrTypeUnavailable is the type of errors returned for sectors that
	// exhausted their fetch attempts.
	ErrTypeUnavailable = "sector_unavailable"

	ErrTypeUnknownModel = "unknown_model"
)

// IsRetryable reports whether a fetch that failed with the given error may be
// attempted again.
func IsRetryable(err error) bool {
	switch errors.Type(err) {
	case ErrTypeNotFound, ErrTypeInvalidMetadata, ErrTypeUnavailable, ErrTypeUnknownModel:
		return false

	default:
		return err != nil
	}
}
