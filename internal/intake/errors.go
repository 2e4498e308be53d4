package intake

import (
	"errors"

	"reachwatch/internal/registry"
)

var (
	ErrUnauthorized      = registry.ErrUnauthorized
	ErrInvalidEnvelope   = errors.New("invalid envelope")
	ErrDuplicateEvidence = errors.New("duplicate evidence")
	ErrStorage           = errors.New("storage error")
	ErrTimeout           = errors.New("submission timed out")
)

// Result names a submission outcome for metrics and logs.
func Result(err error) string {
	switch {
	case err == nil:
		return "accepted"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrInvalidEnvelope):
		return "invalid_envelope"
	case errors.Is(err, ErrDuplicateEvidence):
		return "duplicate_evidence"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	default:
		return "storage_error"
	}
}
