package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"ridebook/internal/domain"
	"ridebook/internal/models"
)

const exportLimit = 500

func actorOf(r *http.Request) domain.Actor {
	actor, _ := ActorFromContext(r.Context())
	return actor
}

func (s *HTTPServer) handleCreateBooking(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateBookingRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, err)
		return
	}

	booking, err := s.svc.Bookings.CreateBooking(r.Context(), actorOf(r), &req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, booking)
}

func (s *HTTPServer) handleListBookings(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := domain.BookingFilter{
		UserID:   strings.TrimSpace(q.Get("userId")),
		DriverID: strings.TrimSpace(q.Get("driverId")),
		Status:   models.Status(strings.TrimSpace(q.Get("status"))),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		writeDomainError(w, domain.Invalid("status", "unknown status"))
		return
	}

	var err error
	if filter.From, err = parseDate(q.Get("from")); err != nil {
		writeDomainError(w, domain.Invalid("from", err.Error()))
		return
	}
	if filter.To, err = parseDate(q.Get("to")); err != nil {
		writeDomainError(w, domain.Invalid("to", err.Error()))
		return
	}
	if raw := q.Get("limit"); raw != "" {
		if filter.Limit, err = strconv.Atoi(raw); err != nil || filter.Limit < 0 {
			writeDomainError(w, domain.Invalid("limit", "must be a positive integer"))
			return
		}
	}

	bookings, err := s.svc.Bookings.ListBookings(r.Context(), actorOf(r), filter)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if bookings == nil {
		bookings = []*models.Booking{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"bookings": bookings})
}

func (s *HTTPServer) handleGetBooking(w http.ResponseWriter, r *http.Request) {
	booking, err := s.svc.Bookings.GetBooking(r.Context(), actorOf(r), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, booking)
}

func (s *HTTPServer) handleTransition(w http.ResponseWriter, r *http.Request) {
	var body struct {
		NewStatus models.Status `json:"newStatus"`
		OTP       string        `json:"otp"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeDomainError(w, err)
		return
	}

	booking, err := s.svc.Bookings.Transition(r.Context(), actorOf(r), domain.TransitionRequest{
		BookingID: r.PathValue("id"),
		Target:    body.NewStatus,
		OTP:       strings.TrimSpace(body.OTP),
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, booking)
}

func (s *HTTPServer) handleVerifyPickupOTP(w http.ResponseWriter, r *http.Request) {
	var body struct {
		OTP string `json:"otp"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeDomainError(w, err)
		return
	}

	booking, err := s.svc.Bookings.VerifyPickupOTP(r.Context(), actorOf(r), r.PathValue("id"), strings.TrimSpace(body.OTP))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, booking)
}

func (s *HTTPServer) handleRegenerateOTP(w http.ResponseWriter, r *http.Request) {
	booking, err := s.svc.Bookings.RegenerateOTP(r.Context(), actorOf(r), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, booking)
}

func (s *HTTPServer) handleAssignDriver(w http.ResponseWriter, r *http.Request) {
	var driver models.AccountRef
	if err := decodeJSON(r, &driver); err != nil {
		writeDomainError(w, err)
		return
	}

	booking, err := s.svc.Bookings.AssignDriver(r.Context(), actorOf(r), r.PathValue("id"), driver)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, booking)
}

func (s *HTTPServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	history, err := s.svc.Bookings.History(r.Context(), actorOf(r), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if history == nil {
		history = []*models.StatusChange{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": history})
}

func (s *HTTPServer) handleUpdatePayment(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PaymentMethod string               `json:"paymentMethod"`
		Status        models.PaymentStatus `json:"status"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeDomainError(w, err)
		return
	}

	booking, err := s.svc.Payments.UpdatePayment(r.Context(), actorOf(r), r.PathValue("id"), body.PaymentMethod, body.Status)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, booking)
}

func (s *HTTPServer) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var body struct {
		BookingID string `json:"bookingId"`
		Amount    int64  `json:"amount"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeDomainError(w, err)
		return
	}

	order, err := s.svc.Payments.CreateGatewayOrder(r.Context(), actorOf(r), body.BookingID, body.Amount)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"orderId":  order.ID,
		"amount":   order.Amount,
		"currency": order.Currency,
	})
}

func (s *HTTPServer) handleVerifyPayment(w http.ResponseWriter, r *http.Request) {
	var req domain.VerifyPaymentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, err)
		return
	}

	booking, err := s.svc.Payments.VerifyGatewayPayment(r.Context(), actorOf(r), &req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "booking": booking})
}

func (s *HTTPServer) handleReviewEligibility(w http.ResponseWriter, r *http.Request) {
	eligibility, err := s.svc.Reviews.Eligibility(r.Context(), actorOf(r), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, eligibility)
}

func (s *HTTPServer) handleSubmitReview(w http.ResponseWriter, r *http.Request) {
	var req domain.ReviewRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, err)
		return
	}

	review, err := s.svc.Reviews.Submit(r.Context(), actorOf(r), &req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, review)
}

func (s *HTTPServer) handleUpdateReview(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Rating  int    `json:"rating"`
		Comment string `json:"comment"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeDomainError(w, err)
		return
	}

	review, err := s.svc.Reviews.Update(r.Context(), actorOf(r), r.PathValue("id"), body.Rating, body.Comment)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, review)
}

func (s *HTTPServer) handleDriverReviews(w http.ResponseWriter, r *http.Request) {
	rating, err := s.svc.Reviews.ListForDriver(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rating)
}

func (s *HTTPServer) handleExport(w http.ResponseWriter, r *http.Request) {
	actor := actorOf(r)
	if actor.Role != models.RoleAdmin {
		writeDomainError(w, domain.ErrForbidden)
		return
	}
	if s.svc.Exporter == nil {
		writeError(w, http.StatusNotImplemented, "export is not configured")
		return
	}

	q := r.URL.Query()
	from, err := parseDate(q.Get("from"))
	if err != nil || from.IsZero() {
		writeDomainError(w, domain.Invalid("from", "date is required, expected YYYY-MM-DD"))
		return
	}
	to, err := parseDate(q.Get("to"))
	if err != nil || to.IsZero() {
		writeDomainError(w, domain.Invalid("to", "date is required, expected YYYY-MM-DD"))
		return
	}
	if to.Before(from) {
		writeDomainError(w, domain.Invalid("to", "must not be before from"))
		return
	}

	// to включительно
	bookings, err := s.svc.Bookings.ListBookings(r.Context(), actor, domain.BookingFilter{
		From:  from,
		To:    to.AddDate(0, 0, 1),
		Limit: exportLimit,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="bookings_`+from.Format("2006-01-02")+`_to_`+to.Format("2006-01-02")+`.xlsx"`)
	if err := s.svc.Exporter.WriteBookings(w, from, to, bookings); err != nil {
		s.log.Error().Err(err).Msg("export failed")
	}
}

func (s *HTTPServer) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.svc.Streamer == nil || !s.cfg.Push.Enabled {
		writeError(w, http.StatusNotFound, "push channel is disabled")
		return
	}

	booking, err := s.svc.Bookings.GetBooking(r.Context(), actorOf(r), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	s.svc.Streamer.ServeBooking(w, r, booking)
}

// parseDate accepts YYYY-MM-DD or RFC3339. Empty input yields the zero time.
func parseDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse("2006-01-02", raw); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, domain.Invalid("", "invalid date format; expected YYYY-MM-DD")
	}
	return t, nil
}
