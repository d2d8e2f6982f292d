package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"ridebook/internal/config"
	"ridebook/internal/database"
	"ridebook/internal/events"
	"ridebook/internal/gateway"
	"ridebook/internal/models"
	"ridebook/internal/push"
	"ridebook/internal/report"
	"ridebook/internal/service"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const (
	passengerKey   = "passenger-key"
	driverKey      = "driver-key"
	adminKey       = "admin-key"
	readOnlyKey    = "read-only-key"
	gatewaySecret  = "gw-secret"
	passengerActor = "user-1"
	driverActor    = "driver-1"
	adminActor     = "admin-1"
)

func testAPIConfig() *config.APIConfig {
	return &config.APIConfig{
		Enabled: true,
		HTTP:    config.APIHTTPConfig{Enabled: true},
		Auth: config.APIAuthConfig{
			Enabled:      true,
			HeaderAPIKey: "x-api-key",
			HeaderExtra:  "x-api-extra",
			HeaderActor:  "x-actor-id",
			HeaderRole:   "x-actor-role",
			APIKeys: []config.APIClientKey{
				{Key: passengerKey, Name: "passenger app", Role: "passenger"},
				{Key: driverKey, Name: "driver app", Role: "driver"},
				{Key: adminKey, Extra: "ops", Name: "ops console", Role: "admin"},
				{Key: readOnlyKey, Name: "dashboard", Role: "admin", Permissions: []string{permBookingsRead}},
			},
		},
		Push: config.PushConfig{Enabled: true, PingInterval: time.Second, WriteTimeout: time.Second},
	}
}

type testEnv struct {
	cfg *config.APIConfig
	db  *database.DB
	bus *events.EventBus
	hub *push.Hub
	svc Services
	ts  *httptest.Server
}

type countingLimiter struct {
	mu    sync.Mutex
	calls map[string]int
}

func (a *countingLimiter) Allow(_ context.Context, key string, limit int, _ time.Duration) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.calls == nil {
		a.calls = make(map[string]int)
	}
	a.calls[key]++
	return a.calls[key] <= limit
}

func newTestServices(t *testing.T) (*database.DB, *events.EventBus, Services) {
	t.Helper()

	logger := zerolog.Nop()
	db, err := database.NewDB(":memory:", &logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	bus := events.NewEventBus(&logger)
	lifecycle := config.LifecycleConfig{OTPLength: 6}

	bookings := service.NewBookingService(db, bus, nil, lifecycle, &logger)
	bookings.LimitRegeneration(&countingLimiter{})

	return db, bus, Services{
		Bookings: bookings,
		Payments: service.NewPaymentService(db, db, gateway.NewLocal(gatewaySecret), bus, nil, "INR", &logger),
		Reviews:  service.NewReviewService(db, db, bus, &logger),
		Exporter: report.NewExporter(t.TempDir()),
	}
}

func newTestEnv(t *testing.T, mutate func(cfg *config.APIConfig)) *testEnv {
	t.Helper()

	cfg := testAPIConfig()
	if mutate != nil {
		mutate(cfg)
	}

	logger := zerolog.Nop()
	db, bus, svc := newTestServices(t)

	hub := push.NewHub(cfg.Push, &logger)
	hub.Attach(bus)
	svc.Streamer = hub

	srv := NewHTTPServer(cfg, NewAuthenticator(cfg), svc, &logger)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		hub.Close()
		ts.Close()
	})

	return &testEnv{cfg: cfg, db: db, bus: bus, hub: hub, svc: svc, ts: ts}
}

func (e *testEnv) do(t *testing.T, method, path, key, actorID string, body any) (int, []byte) {
	t.Helper()

	var reader io.Reader = http.NoBody
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, e.ts.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("x-api-key", key)
	}
	if key == adminKey {
		req.Header.Set("x-api-extra", "ops")
	}
	if actorID != "" {
		req.Header.Set("x-actor-id", actorID)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, raw
}

func decodeBooking(t *testing.T, raw []byte) *models.Booking {
	t.Helper()
	var b models.Booking
	require.NoError(t, json.Unmarshal(raw, &b), string(raw))
	return &b
}

func decodeMap(t *testing.T, raw []byte) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m), string(raw))
	return m
}

func newBookingBody() map[string]any {
	return map[string]any{
		"serviceType":     models.ServiceCar,
		"user":            map[string]any{"id": passengerActor, "name": "Asha"},
		"passengers":      map[string]any{"adults": 2, "children": 0, "infants": 0},
		"pickupLocation":  "Terminal 2",
		"dropoffLocation": "Hotel Lotus",
		"payment":         map[string]any{"amount": 45000, "currency": "INR", "method": models.MethodCashAtDrop},
	}
}

// advance creates a booking and walks it to target through the HTTP API.
func (e *testEnv) advance(t *testing.T, target models.Status) *models.Booking {
	t.Helper()

	code, raw := e.do(t, http.MethodPost, "/bookings", passengerKey, passengerActor, newBookingBody())
	require.Equal(t, http.StatusCreated, code, string(raw))
	b := decodeBooking(t, raw)

	code, raw = e.do(t, http.MethodPut, "/bookings/"+b.ID+"/driver", adminKey, adminActor,
		map[string]any{"id": driverActor, "name": "Ravi"})
	require.Equal(t, http.StatusOK, code, string(raw))
	b = decodeBooking(t, raw)

	steps := []struct {
		key, actor string
		to         models.Status
	}{
		{adminKey, adminActor, models.StatusConfirmed},
		{adminKey, adminActor, models.StatusAccepted},
		{driverKey, driverActor, models.StatusArrived},
		{driverKey, driverActor, models.StatusInProgress},
		{driverKey, driverActor, models.StatusPicked},
		{driverKey, driverActor, models.StatusCompleted},
	}
	for _, step := range steps {
		if b.Status == target {
			break
		}
		body := map[string]any{"newStatus": step.to}
		if step.to == models.StatusPicked {
			body["otp"] = b.PickupOTP.Code
		}
		code, raw = e.do(t, http.MethodPut, "/bookings/"+b.ID+"/status", step.key, step.actor, body)
		require.Equal(t, http.StatusOK, code, string(raw))
		b = decodeBooking(t, raw)
	}
	require.Equal(t, target, b.Status)
	return b
}
