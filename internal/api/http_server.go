package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"ridebook/internal/config"
	"ridebook/internal/domain"
	"ridebook/internal/logging"
	"ridebook/internal/metrics"
	"ridebook/internal/models"

	"github.com/rs/zerolog"
)

const maxBodyBytes = 1 << 20

// BookingStreamer pushes live snapshots of a booking over a long-lived connection.
type BookingStreamer interface {
	ServeBooking(w http.ResponseWriter, r *http.Request, booking *models.Booking)
}

// BookingExporter renders bookings of a period into a downloadable report.
type BookingExporter interface {
	WriteBookings(w io.Writer, from, to time.Time, bookings []*models.Booking) error
}

// Services are the collaborators the HTTP and gRPC surfaces delegate to.
// Streamer, Exporter and Ready are optional.
type Services struct {
	Bookings domain.BookingService
	Payments domain.PaymentService
	Reviews  domain.ReviewService
	Streamer BookingStreamer
	Exporter BookingExporter
	Ready    func(ctx context.Context) error
}

// HTTPServer exposes the booking lifecycle over JSON/HTTP.
type HTTPServer struct {
	cfg    *config.APIConfig
	svc    Services
	auth   *Authenticator
	server *http.Server
	log    *zerolog.Logger
}

func NewHTTPServer(cfg *config.APIConfig, auth *Authenticator, svc Services, logger *zerolog.Logger) *HTTPServer {
	srv := &HTTPServer{
		cfg:  cfg,
		svc:  svc,
		auth: auth,
		log:  logging.Component(logger, "http"),
	}

	mux := http.NewServeMux()
	srv.routes(mux)

	srv.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           srv.loggingMiddleware(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	return srv
}

func (s *HTTPServer) routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)

	mux.Handle("GET /bookings", s.auth.Require(permBookingsRead, s.handleListBookings))
	mux.Handle("POST /bookings", s.auth.Require(permBookingsWrite, s.handleCreateBooking))
	mux.Handle("GET /bookings/{id}", s.auth.Require(permBookingsRead, s.handleGetBooking))
	mux.Handle("PUT /bookings/{id}/status", s.auth.Require(permBookingsWrite, s.handleTransition))
	mux.Handle("POST /bookings/{id}/verify-pickup-otp", s.auth.Require(permBookingsWrite, s.handleVerifyPickupOTP))
	mux.Handle("POST /bookings/{id}/pickup-otp", s.auth.Require(permBookingsWrite, s.handleRegenerateOTP))
	mux.Handle("PUT /bookings/{id}/driver", s.auth.Require(permBookingsWrite, s.handleAssignDriver))
	mux.Handle("GET /bookings/{id}/history", s.auth.Require(permBookingsRead, s.handleHistory))

	mux.Handle("PUT /bookings/{id}/payment", s.auth.Require(permPaymentsWrite, s.handleUpdatePayment))
	mux.Handle("POST /bookings/create-razorpay-order", s.auth.Require(permPaymentsWrite, s.handleCreateOrder))
	mux.Handle("POST /bookings/verify-payment", s.auth.Require(permPaymentsWrite, s.handleVerifyPayment))

	mux.Handle("GET /bookings/{id}/review-eligibility", s.auth.Require(permBookingsRead, s.handleReviewEligibility))
	mux.Handle("POST /reviews", s.auth.Require(permReviewsWrite, s.handleSubmitReview))
	mux.Handle("PUT /reviews/{id}", s.auth.Require(permReviewsWrite, s.handleUpdateReview))
	mux.Handle("GET /drivers/{id}/reviews", s.auth.Require(permReviewsRead, s.handleDriverReviews))

	mux.Handle("GET /admin/bookings/export", s.auth.Require(permAdminExport, s.handleExport))
	mux.Handle("GET /ws/bookings/{id}", s.auth.Require(permBookingsRead, s.handleStream))
}

// Handler returns the fully wrapped router.
func (s *HTTPServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *HTTPServer) Start() error {
	if s.server == nil {
		return fmt.Errorf("http server is not initialized")
	}
	s.log.Info().Str("addr", s.server.Addr).Msg("HTTP API listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.svc.Ready != nil {
		if err := s.svc.Ready(r.Context()); err != nil {
			s.log.Warn().Err(err).Msg("readiness check failed")
			writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *HTTPServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := requestIDFromHeader(r.Header.Get(requestIDKey))
		w.Header().Set(requestIDKey, requestID)

		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		dur := time.Since(start)

		pattern := r.Pattern
		if pattern == "" {
			pattern = "unmatched"
		}
		metrics.IncHTTP(pattern, recorder.status)

		event := s.log.Info()
		if recorder.status >= http.StatusInternalServerError {
			event = s.log.Error()
		}
		event.
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("route", pattern).
			Int("status", recorder.status).
			Dur("duration", dur).
			Msg("http request")
	})
}

func decodeJSON(r *http.Request, v any) error {
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil {
		return domain.Invalid("body", "invalid JSON body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets the websocket upgrader take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("hijack not supported")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
