package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"ridebook/internal/domain"
	"ridebook/internal/models"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		err  error
		http int
		grpc codes.Code
	}{
		{&domain.TransitionError{Current: models.StatusPending, Requested: models.StatusPicked, Role: models.RoleDriver}, http.StatusConflict, codes.FailedPrecondition},
		{domain.ErrOtpMismatch, http.StatusUnprocessableEntity, codes.InvalidArgument},
		{domain.ErrOtpExpired, http.StatusUnprocessableEntity, codes.InvalidArgument},
		{fmt.Errorf("%w: signature mismatch", domain.ErrPaymentVerificationFailed), http.StatusPaymentRequired, codes.FailedPrecondition},
		{domain.ErrNotFound, http.StatusNotFound, codes.NotFound},
		{domain.ErrForbidden, http.StatusForbidden, codes.PermissionDenied},
		{domain.Invalid("rating", "out of range"), http.StatusBadRequest, codes.InvalidArgument},
		{domain.ErrReviewExists, http.StatusConflict, codes.AlreadyExists},
		{domain.ErrReviewNotEligible, http.StatusConflict, codes.FailedPrecondition},
		{domain.ErrConcurrentModification, http.StatusConflict, codes.Aborted},
		{domain.ErrTooManyAttempts, http.StatusTooManyRequests, codes.ResourceExhausted},
		{context.DeadlineExceeded, http.StatusGatewayTimeout, codes.DeadlineExceeded},
		{errors.New("disk on fire"), http.StatusInternalServerError, codes.Internal},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.http, httpStatus(tt.err))
			assert.Equal(t, tt.grpc, grpcCode(tt.err))
			assert.Equal(t, tt.grpc, status.Code(toStatus(tt.err)))
		})
	}
}

func TestToStatus_KeepsStatusErrors(t *testing.T) {
	assert.Nil(t, toStatus(nil))
	err := status.Error(codes.Unavailable, "later")
	assert.Equal(t, codes.Unavailable, status.Code(toStatus(err)))
	assert.Equal(t, "internal error", status.Convert(toStatus(errors.New("secret"))).Message())
}

func TestErrorBody(t *testing.T) {
	body := errorBody(&domain.TransitionError{Current: models.StatusArrived, Requested: models.StatusCompleted, Role: models.RoleDriver})
	assert.Equal(t, "invalid_transition", body["code"])
	assert.Equal(t, models.StatusArrived, body["current"])
	assert.Equal(t, models.StatusCompleted, body["requested"])
	assert.Equal(t, models.RoleDriver, body["role"])

	body = errorBody(domain.Invalid("otp", "is required"))
	assert.Equal(t, "validation", body["code"])
	assert.Equal(t, "otp", body["field"])

	body = errorBody(errors.New("db password leaked"))
	assert.Equal(t, "Internal Server Error", body["error"])

	w := httptest.NewRecorder()
	writeDomainError(w, domain.ErrNotFound)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.JSONEq(t, `{"error":"not found","code":"not_found"}`, w.Body.String())
}
