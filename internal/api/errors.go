package api

import (
	"context"
	"errors"
	"net/http"

	"ridebook/internal/domain"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func httpStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrReviewExists),
		errors.Is(err, domain.ErrReviewNotEligible),
		errors.Is(err, domain.ErrConcurrentModification),
		errors.Is(err, domain.ErrDriverRequired):
		return http.StatusConflict
	case errors.Is(err, domain.ErrOtpMismatch),
		errors.Is(err, domain.ErrOtpExpired),
		errors.Is(err, domain.ErrOtpRequired):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrPaymentVerificationFailed):
		return http.StatusPaymentRequired
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrTooManyAttempts):
		return http.StatusTooManyRequests
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func grpcCode(err error) codes.Code {
	switch {
	case errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrPaymentVerificationFailed),
		errors.Is(err, domain.ErrReviewNotEligible),
		errors.Is(err, domain.ErrDriverRequired):
		return codes.FailedPrecondition
	case errors.Is(err, domain.ErrOtpMismatch),
		errors.Is(err, domain.ErrOtpExpired),
		errors.Is(err, domain.ErrOtpRequired),
		errors.Is(err, domain.ErrValidation):
		return codes.InvalidArgument
	case errors.Is(err, domain.ErrNotFound):
		return codes.NotFound
	case errors.Is(err, domain.ErrForbidden):
		return codes.PermissionDenied
	case errors.Is(err, domain.ErrReviewExists):
		return codes.AlreadyExists
	case errors.Is(err, domain.ErrConcurrentModification):
		return codes.Aborted
	case errors.Is(err, domain.ErrTooManyAttempts):
		return codes.ResourceExhausted
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	default:
		return codes.Internal
	}
}

// toStatus converts a service error into a gRPC status error.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	code := grpcCode(err)
	if code == codes.Internal {
		return status.Error(code, "internal error")
	}
	return status.Error(code, err.Error())
}

// errorBody is the JSON shape of every error response.
func errorBody(err error) map[string]any {
	code := httpStatus(err)
	msg := err.Error()
	if code >= http.StatusInternalServerError {
		msg = http.StatusText(code)
	}

	body := map[string]any{
		"error": msg,
		"code":  domain.Code(err),
	}

	var te *domain.TransitionError
	if errors.As(err, &te) {
		body["current"] = te.Current
		body["requested"] = te.Requested
		body["role"] = te.Role
	}
	var ve *domain.ValidationError
	if errors.As(err, &ve) && ve.Field != "" {
		body["field"] = ve.Field
	}
	return body
}

func writeDomainError(w http.ResponseWriter, err error) {
	writeJSON(w, httpStatus(err), errorBody(err))
}
