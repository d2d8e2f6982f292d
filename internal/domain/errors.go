package domain

import (
	"errors"
	"fmt"

	"ridebook/internal/models"
)

var (
	ErrInvalidTransition         = errors.New("invalid transition")
	ErrOtpMismatch               = errors.New("otp mismatch")
	ErrOtpExpired                = errors.New("otp expired")
	ErrOtpRequired               = errors.New("pickup otp not verified")
	ErrPaymentVerificationFailed = errors.New("payment verification failed")
	ErrNotFound                  = errors.New("not found")
	ErrForbidden                 = errors.New("forbidden")
	ErrValidation                = errors.New("validation error")
	ErrReviewExists              = errors.New("review already exists")
	ErrReviewNotEligible         = errors.New("review not eligible")
	ErrConcurrentModification    = errors.New("concurrent modification")
	ErrDriverRequired            = errors.New("assigned driver required")
	ErrMutationInFlight          = errors.New("mutation in flight")
	ErrTooManyAttempts           = errors.New("too many attempts")
)

// ErrNoChange is returned by a mutation closure to leave the stored booking untouched.
var ErrNoChange = errors.New("no change")

// TransitionError carries the rejected transition for the caller to re-fetch and retry.
type TransitionError struct {
	Current   models.Status
	Requested models.Status
	Role      models.Role
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s for role %s", e.Current, e.Requested, e.Role)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// ValidationError names the offending field.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Msg
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Msg)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// Invalid builds a ValidationError for field.
func Invalid(field, msg string) error {
	return &ValidationError{Field: field, Msg: msg}
}

// Code returns the machine readable code reported to clients.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrOtpMismatch):
		return "otp_mismatch"
	case errors.Is(err, ErrOtpExpired):
		return "otp_expired"
	case errors.Is(err, ErrOtpRequired):
		return "otp_required"
	case errors.Is(err, ErrPaymentVerificationFailed):
		return "payment_verification_failed"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrReviewExists):
		return "review_exists"
	case errors.Is(err, ErrReviewNotEligible):
		return "review_not_eligible"
	case errors.Is(err, ErrConcurrentModification):
		return "concurrent_modification"
	case errors.Is(err, ErrDriverRequired):
		return "driver_required"
	case errors.Is(err, ErrTooManyAttempts):
		return "too_many_attempts"
	default:
		return "internal"
	}
}
