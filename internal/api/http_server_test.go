package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"ridebook/internal/config"
	"ridebook/internal/gateway"
	"ridebook/internal/models"
	"ridebook/internal/push"
	"ridebook/internal/service"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, nil)

	code, raw := env.do(t, http.MethodGet, "/healthz", "", "", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", decodeMap(t, raw)["status"])
}

func TestReadyz(t *testing.T) {
	logger := zerolog.Nop()
	cfg := testAPIConfig()
	_, _, svc := newTestServices(t)

	ready := errors.New("db down")
	svc.Ready = func(context.Context) error { return ready }
	srv := NewHTTPServer(cfg, NewAuthenticator(cfg), svc, &logger)

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", http.NoBody))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	ready = nil
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", http.NoBody))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get(requestIDKey))
}

func TestRideScenario(t *testing.T) {
	env := newTestEnv(t, nil)
	b := env.advance(t, models.StatusCompleted)
	assert.NotNil(t, b.PickupOTP.VerifiedAt)

	// Completed but unpaid: no review yet.
	code, raw := env.do(t, http.MethodGet, "/bookings/"+b.ID+"/review-eligibility", passengerKey, passengerActor, nil)
	require.Equal(t, http.StatusOK, code)
	eligibility := decodeMap(t, raw)
	assert.Equal(t, false, eligibility["eligible"])
	assert.Equal(t, service.ReasonPaymentPending, eligibility["reason"])

	review := map[string]any{"rating": 5, "comment": "smooth", "booking": b.ID, "driver": driverActor, "user": passengerActor}
	code, raw = env.do(t, http.MethodPost, "/reviews", passengerKey, passengerActor, review)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "review_not_eligible", decodeMap(t, raw)["code"])

	// Cash at drop, confirmed twice.
	cash := map[string]any{"paymentMethod": models.MethodCashAtDrop, "status": models.PaymentCompleted}
	code, raw = env.do(t, http.MethodPut, "/bookings/"+b.ID+"/payment", driverKey, driverActor, cash)
	require.Equal(t, http.StatusOK, code, string(raw))
	paid := decodeBooking(t, raw)
	assert.Equal(t, models.PaymentCompleted, paid.Payment.Status)

	code, raw = env.do(t, http.MethodPut, "/bookings/"+b.ID+"/payment", driverKey, driverActor, cash)
	require.Equal(t, http.StatusOK, code, string(raw))
	assert.Equal(t, paid.Version, decodeBooking(t, raw).Version)

	code, raw = env.do(t, http.MethodGet, "/bookings/"+b.ID+"/review-eligibility", passengerKey, passengerActor, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, decodeMap(t, raw)["eligible"])

	code, raw = env.do(t, http.MethodPost, "/reviews", passengerKey, passengerActor, review)
	require.Equal(t, http.StatusCreated, code, string(raw))
	created := decodeMap(t, raw)
	assert.Equal(t, float64(5), created["rating"])

	code, raw = env.do(t, http.MethodPost, "/reviews", passengerKey, passengerActor, review)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "review_exists", decodeMap(t, raw)["code"])

	code, raw = env.do(t, http.MethodPut, "/reviews/"+created["id"].(string), passengerKey, passengerActor,
		map[string]any{"rating": 4, "comment": "good"})
	require.Equal(t, http.StatusOK, code, string(raw))

	code, raw = env.do(t, http.MethodGet, "/drivers/"+driverActor+"/reviews", passengerKey, passengerActor, nil)
	require.Equal(t, http.StatusOK, code)
	rating := decodeMap(t, raw)
	assert.Equal(t, float64(1), rating["count"])
	assert.Equal(t, float64(4), rating["average"])

	code, raw = env.do(t, http.MethodGet, "/bookings/"+b.ID+"/history", adminKey, adminActor, nil)
	require.Equal(t, http.StatusOK, code)
	history := decodeMap(t, raw)["history"].([]any)
	assert.Len(t, history, 6)
}

func TestTransition_InvalidReturnsDetails(t *testing.T) {
	env := newTestEnv(t, nil)
	b := env.advance(t, models.StatusPending)

	code, raw := env.do(t, http.MethodPut, "/bookings/"+b.ID+"/status", passengerKey, passengerActor,
		map[string]any{"newStatus": models.StatusCompleted})
	require.Equal(t, http.StatusConflict, code)

	body := decodeMap(t, raw)
	assert.Equal(t, "invalid_transition", body["code"])
	assert.Equal(t, "pending", body["current"])
	assert.Equal(t, "completed", body["requested"])
	assert.Equal(t, "passenger", body["role"])

	code, raw = env.do(t, http.MethodPut, "/bookings/"+b.ID+"/status", passengerKey, passengerActor,
		map[string]any{"newStatus": "flying"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "newStatus", decodeMap(t, raw)["field"])

	code, _ = env.do(t, http.MethodPut, "/bookings/"+b.ID+"/status", passengerKey, passengerActor,
		map[string]any{"newStatus": "cancelled", "unknown": true})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestTerminalBookingRejectsEveryTarget(t *testing.T) {
	env := newTestEnv(t, nil)
	b := env.advance(t, models.StatusPending)

	code, _ := env.do(t, http.MethodPut, "/bookings/"+b.ID+"/status", passengerKey, passengerActor,
		map[string]any{"newStatus": models.StatusCancelled})
	require.Equal(t, http.StatusOK, code)

	for _, target := range models.AllStatuses {
		code, _ = env.do(t, http.MethodPut, "/bookings/"+b.ID+"/status", adminKey, adminActor,
			map[string]any{"newStatus": target})
		assert.Equal(t, http.StatusConflict, code, "target %s", target)
	}
}

func TestVerifyPickupOTP(t *testing.T) {
	env := newTestEnv(t, nil)
	b := env.advance(t, models.StatusInProgress)
	path := "/bookings/" + b.ID + "/verify-pickup-otp"

	wrong := "000000"
	if b.PickupOTP.Code == wrong {
		wrong = "111111"
	}
	code, raw := env.do(t, http.MethodPost, path, driverKey, driverActor, map[string]any{"otp": wrong})
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Equal(t, "otp_mismatch", decodeMap(t, raw)["code"])

	code, raw = env.do(t, http.MethodPost, path, driverKey, driverActor, map[string]any{"otp": b.PickupOTP.Code})
	require.Equal(t, http.StatusOK, code, string(raw))
	picked := decodeBooking(t, raw)
	assert.Equal(t, models.StatusPicked, picked.Status)

	// Retried after a lost response.
	code, raw = env.do(t, http.MethodPost, path, driverKey, driverActor, map[string]any{"otp": b.PickupOTP.Code})
	require.Equal(t, http.StatusOK, code, string(raw))
	assert.Equal(t, picked.Version, decodeBooking(t, raw).Version)
}

func TestVerifyPickupOTP_RetriesUnlimited(t *testing.T) {
	env := newTestEnv(t, nil)
	b := env.advance(t, models.StatusInProgress)
	verifyPath := "/bookings/" + b.ID + "/verify-pickup-otp"
	statusPath := "/bookings/" + b.ID + "/status"

	wrong := "000000"
	if b.PickupOTP.Code == wrong {
		wrong = "111111"
	}
	for i := 0; i < 3*models.OTPRegenerateLimit; i++ {
		code, raw := env.do(t, http.MethodPost, verifyPath, driverKey, driverActor, map[string]any{"otp": wrong})
		require.Equal(t, http.StatusUnprocessableEntity, code, string(raw))
		code, raw = env.do(t, http.MethodPut, statusPath, driverKey, driverActor,
			map[string]any{"newStatus": models.StatusPicked, "otp": wrong})
		require.Equal(t, http.StatusUnprocessableEntity, code, string(raw))
	}

	code, raw := env.do(t, http.MethodPost, verifyPath, driverKey, driverActor, map[string]any{"otp": b.PickupOTP.Code})
	require.Equal(t, http.StatusOK, code, string(raw))
	assert.Equal(t, models.StatusPicked, decodeBooking(t, raw).Status)
}

func TestRegenerateOTP(t *testing.T) {
	env := newTestEnv(t, nil)
	b := env.advance(t, models.StatusInProgress)

	code, raw := env.do(t, http.MethodPost, "/bookings/"+b.ID+"/pickup-otp", driverKey, driverActor, nil)
	require.Equal(t, http.StatusOK, code, string(raw))
	again := decodeBooking(t, raw)
	assert.False(t, again.PickupOTP.GeneratedAt.Before(b.PickupOTP.GeneratedAt))

	code, _ = env.do(t, http.MethodPost, "/bookings/"+b.ID+"/pickup-otp", passengerKey, passengerActor, nil)
	assert.Equal(t, http.StatusForbidden, code)
}

func TestRegenerateOTP_Throttled(t *testing.T) {
	env := newTestEnv(t, nil)
	b := env.advance(t, models.StatusInProgress)
	path := "/bookings/" + b.ID + "/pickup-otp"

	for i := 0; i < models.OTPRegenerateLimit; i++ {
		code, raw := env.do(t, http.MethodPost, path, driverKey, driverActor, nil)
		require.Equal(t, http.StatusOK, code, string(raw))
	}
	code, raw := env.do(t, http.MethodPost, path, driverKey, driverActor, nil)
	assert.Equal(t, http.StatusTooManyRequests, code)
	assert.Equal(t, "too_many_attempts", decodeMap(t, raw)["code"])

	// the last issued code still verifies
	code, raw = env.do(t, http.MethodGet, "/bookings/"+b.ID, driverKey, driverActor, nil)
	require.Equal(t, http.StatusOK, code, string(raw))
	current := decodeBooking(t, raw).PickupOTP.Code
	code, raw = env.do(t, http.MethodPost, "/bookings/"+b.ID+"/verify-pickup-otp", driverKey, driverActor, map[string]any{"otp": current})
	require.Equal(t, http.StatusOK, code, string(raw))
}

func TestGatewayPayment(t *testing.T) {
	env := newTestEnv(t, nil)
	b := env.advance(t, models.StatusAccepted)

	code, raw := env.do(t, http.MethodPost, "/bookings/create-razorpay-order", passengerKey, passengerActor,
		map[string]any{"bookingId": b.ID, "amount": 45000})
	require.Equal(t, http.StatusOK, code, string(raw))
	order := decodeMap(t, raw)
	orderID := order["orderId"].(string)
	assert.Equal(t, "INR", order["currency"])
	assert.Equal(t, float64(45000), order["amount"])

	verify := map[string]any{
		"orderId":   orderID,
		"paymentId": "pay_1",
		"signature": gateway.Sign(orderID, "pay_1", gatewaySecret),
		"bookingId": b.ID,
		"method":    "card",
	}
	code, raw = env.do(t, http.MethodPost, "/bookings/verify-payment", passengerKey, passengerActor, verify)
	require.Equal(t, http.StatusOK, code, string(raw))

	var resp struct {
		Success bool            `json:"success"`
		Booking *models.Booking `json:"booking"`
	}
	require.NoError(t, json.Unmarshal(raw, &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, models.PaymentCompleted, resp.Booking.Payment.Status)
	assert.Equal(t, "pay_1", resp.Booking.Payment.TransactionID)
}

func TestGatewayPayment_BadSignature(t *testing.T) {
	env := newTestEnv(t, nil)
	b := env.advance(t, models.StatusConfirmed)

	code, raw := env.do(t, http.MethodPost, "/bookings/create-razorpay-order", passengerKey, passengerActor,
		map[string]any{"bookingId": b.ID, "amount": 45000})
	require.Equal(t, http.StatusOK, code, string(raw))
	orderID := decodeMap(t, raw)["orderId"].(string)

	code, raw = env.do(t, http.MethodPost, "/bookings/verify-payment", passengerKey, passengerActor, map[string]any{
		"orderId": orderID, "paymentId": "pay_1", "signature": "deadbeef", "bookingId": b.ID,
	})
	assert.Equal(t, http.StatusPaymentRequired, code)
	assert.Equal(t, "payment_verification_failed", decodeMap(t, raw)["code"])

	code, raw = env.do(t, http.MethodGet, "/bookings/"+b.ID, passengerKey, passengerActor, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, models.PaymentPending, decodeBooking(t, raw).Payment.Status)

	code, _ = env.do(t, http.MethodPost, "/bookings/create-razorpay-order", passengerKey, passengerActor,
		map[string]any{"bookingId": b.ID, "amount": 1})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestListBookings_ScopedToActor(t *testing.T) {
	env := newTestEnv(t, nil)
	env.advance(t, models.StatusPending)
	env.advance(t, models.StatusPending)

	code, raw := env.do(t, http.MethodGet, "/bookings", passengerKey, passengerActor, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, decodeMap(t, raw)["bookings"], 2)

	code, raw = env.do(t, http.MethodGet, "/bookings?status=pending", passengerKey, "user-2", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, decodeMap(t, raw)["bookings"], 0)

	code, _ = env.do(t, http.MethodGet, "/bookings?status=flying", adminKey, adminActor, nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = env.do(t, http.MethodGet, "/bookings?from=yesterday", adminKey, adminActor, nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestAuth(t *testing.T) {
	env := newTestEnv(t, nil)
	b := env.advance(t, models.StatusPending)
	path := "/bookings/" + b.ID

	tests := []struct {
		name  string
		key   string
		actor string
		want  int
	}{
		{name: "missing key", want: http.StatusUnauthorized},
		{name: "unknown key", key: "nope", actor: passengerActor, want: http.StatusUnauthorized},
		{name: "owner", key: passengerKey, actor: passengerActor, want: http.StatusOK},
		{name: "other passenger", key: passengerKey, actor: "user-2", want: http.StatusForbidden},
		{name: "assigned driver", key: driverKey, actor: driverActor, want: http.StatusOK},
		{name: "other driver", key: driverKey, actor: "driver-2", want: http.StatusForbidden},
		{name: "admin", key: adminKey, actor: adminActor, want: http.StatusOK},
		{name: "missing booking", key: adminKey, actor: adminActor, want: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := path
			if tt.want == http.StatusNotFound {
				p = "/bookings/missing"
			}
			code, _ := env.do(t, http.MethodGet, p, tt.key, tt.actor, nil)
			assert.Equal(t, tt.want, code)
		})
	}

	t.Run("extra header required", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodGet, env.ts.URL+path, http.NoBody)
		require.NoError(t, err)
		req.Header.Set("x-api-key", adminKey)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("permission denied", func(t *testing.T) {
		code, _ := env.do(t, http.MethodGet, path, readOnlyKey, "dash", nil)
		assert.Equal(t, http.StatusOK, code)
		code, _ = env.do(t, http.MethodPut, path+"/status", readOnlyKey, "dash", map[string]any{"newStatus": "cancelled"})
		assert.Equal(t, http.StatusForbidden, code)
	})

	t.Run("key role wins over role header", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodPut, env.ts.URL+path+"/driver", strings.NewReader(`{"id":"driver-9"}`))
		require.NoError(t, err)
		req.Header.Set("x-api-key", passengerKey)
		req.Header.Set("x-actor-id", passengerActor)
		req.Header.Set("x-actor-role", "admin")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})
}

func TestAuthDisabled_UsesRoleHeader(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.APIConfig) { cfg.Auth.Enabled = false })

	raw, err := json.Marshal(newBookingBody())
	require.NoError(t, err)

	send := func(role string) int {
		req, err := http.NewRequest(http.MethodPost, env.ts.URL+"/bookings", bytes.NewReader(raw))
		require.NoError(t, err)
		req.Header.Set("x-actor-id", passengerActor)
		if role != "" {
			req.Header.Set("x-actor-role", role)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusCreated, send("passenger"))
	assert.Equal(t, http.StatusUnauthorized, send(""))
	assert.Equal(t, http.StatusUnauthorized, send("guest"))
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.APIConfig) {
		cfg.RateLimit = config.APIRateLimitConfig{RPS: 1, Burst: 1}
	})

	code, _ := env.do(t, http.MethodGet, "/bookings", passengerKey, passengerActor, nil)
	assert.Equal(t, http.StatusOK, code)
	code, _ = env.do(t, http.MethodGet, "/bookings", passengerKey, passengerActor, nil)
	assert.Equal(t, http.StatusTooManyRequests, code)

	// Другой ключ не затронут.
	code, _ = env.do(t, http.MethodGet, "/bookings", driverKey, driverActor, nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestExport(t *testing.T) {
	env := newTestEnv(t, nil)
	b := env.advance(t, models.StatusPending)
	today := time.Now().UTC().Format("2006-01-02")

	req, err := http.NewRequest(http.MethodGet, fmt.Sprintf("%s/admin/bookings/export?from=%s&to=%s", env.ts.URL, today, today), http.NoBody)
	require.NoError(t, err)
	req.Header.Set("x-api-key", adminKey)
	req.Header.Set("x-api-extra", "ops")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Disposition"), ".xlsx")

	f, err := excelize.OpenReader(resp.Body)
	require.NoError(t, err)
	defer f.Close()
	id, err := f.GetCellValue("Bookings", "A3")
	require.NoError(t, err)
	assert.Equal(t, b.ID, id)

	code, _ := env.do(t, http.MethodGet, "/admin/bookings/export?from="+today+"&to="+today, passengerKey, passengerActor, nil)
	assert.Equal(t, http.StatusForbidden, code)

	code, _ = env.do(t, http.MethodGet, "/admin/bookings/export?to="+today, adminKey, adminActor, nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestBookingStream(t *testing.T) {
	env := newTestEnv(t, nil)
	b := env.advance(t, models.StatusAccepted)

	header := http.Header{}
	header.Set("x-api-key", driverKey)
	header.Set("x-actor-id", driverActor)
	url := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/ws/bookings/" + b.ID

	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	defer conn.Close()

	read := func() push.Message {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		var msg push.Message
		require.NoError(t, conn.ReadJSON(&msg))
		return msg
	}

	first := read()
	assert.Equal(t, "snapshot", first.Type)
	assert.Equal(t, b.Version, first.Booking.Version)

	require.Eventually(t, func() bool { return env.hub.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)

	code, _ := env.do(t, http.MethodPut, "/bookings/"+b.ID+"/status", driverKey, driverActor,
		map[string]any{"newStatus": models.StatusArrived})
	require.Equal(t, http.StatusOK, code)

	msg := read()
	assert.Equal(t, models.StatusArrived, msg.Booking.Status)
	assert.Greater(t, msg.Booking.Version, b.Version)

	// Strangers cannot subscribe.
	header.Set("x-actor-id", "driver-2")
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestBookingStream_Disabled(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.APIConfig) { cfg.Push.Enabled = false })
	b := env.advance(t, models.StatusPending)

	code, _ := env.do(t, http.MethodGet, "/ws/bookings/"+b.ID, passengerKey, passengerActor, nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestHTTPServer_StartStop(t *testing.T) {
	logger := zerolog.Nop()
	cfg := testAPIConfig()
	cfg.HTTP.Port = 0
	_, _, svc := newTestServices(t)
	s := NewHTTPServer(cfg, NewAuthenticator(cfg), svc, &logger)

	errCh := make(chan error, 1)
	go func() { errCh <- s.Start() }()

	time.Sleep(50 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
	assert.NoError(t, <-errCh)
}
