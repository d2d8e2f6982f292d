package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics(t *testing.T) {
	Register()
	Register()

	before := testutil.ToFloat64(transitions.WithLabelValues("picked", "driver", "ok"))
	IncTransition("picked", "driver", "ok")
	assert.Equal(t, before+1, testutil.ToFloat64(transitions.WithLabelValues("picked", "driver", "ok")))

	IncOTPVerification("mismatch")
	assert.GreaterOrEqual(t, testutil.ToFloat64(otpVerifications.WithLabelValues("mismatch")), 1.0)

	SetPushSubscribers(3)
	assert.Equal(t, 3.0, testutil.ToFloat64(pushSubscribers))

	assert.NotPanics(t, func() {
		IncHTTP("GET /bookings/{id}", 200)
		IncPayment("cash_at_drop", "ok")
		IncReview("exists")
		IncViewerPoll("error")
		IncSheetsTask("upsert", "ok")
		IncNotification("payment_completed", "ok")
	})
}

func TestResult(t *testing.T) {
	assert.Equal(t, "ok", Result(nil))
	assert.Equal(t, "error", Result(errors.New("x")))
}

func TestHandler(t *testing.T) {
	Register()
	IncHTTP("metrics_test", 204)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ridebook_http_requests_total")
}
