package service

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"ridebook/internal/domain"
	"ridebook/internal/events"
	"ridebook/internal/metrics"
	"ridebook/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Reasons reported by Eligibility when a review cannot be left yet.
const (
	ReasonRideNotCompleted = "ride_not_completed"
	ReasonPaymentPending   = "payment_pending"
	ReasonAlreadyReviewed  = "already_reviewed"
	ReasonNoDriver         = "no_driver"
)

const maxCommentLength = 2000

type ReviewService struct {
	bookings domain.BookingRepository
	reviews  domain.ReviewRepository
	effects  effects
	logger   *zerolog.Logger
}

func NewReviewService(
	bookings domain.BookingRepository,
	reviews domain.ReviewRepository,
	eventBus domain.EventPublisher,
	logger *zerolog.Logger,
) *ReviewService {
	return &ReviewService{
		bookings: bookings,
		reviews:  reviews,
		effects:  effects{eventBus: eventBus, logger: logger},
		logger:   logger,
	}
}

func (s *ReviewService) Eligibility(ctx context.Context, actor domain.Actor, bookingID string) (*domain.Eligibility, error) {
	booking, err := s.bookings.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if err := authorize(actor, booking); err != nil {
		return nil, err
	}

	result := &domain.Eligibility{BookingID: booking.ID}
	switch {
	case booking.Status != models.StatusCompleted:
		result.Reason = ReasonRideNotCompleted
	case booking.Payment.Status != models.PaymentCompleted:
		result.Reason = ReasonPaymentPending
	case booking.AssignedDriver == nil:
		result.Reason = ReasonNoDriver
	default:
		_, err := s.reviews.GetReviewByBookingDriver(ctx, booking.ID, booking.DriverID())
		switch {
		case err == nil:
			result.Reason = ReasonAlreadyReviewed
		case errors.Is(err, domain.ErrNotFound):
			result.Eligible = true
		default:
			return nil, err
		}
	}
	return result, nil
}

func validateReview(rating int, comment string) (string, error) {
	if rating < 1 || rating > 5 {
		return "", domain.Invalid("rating", "must be between 1 and 5")
	}
	comment = strings.TrimSpace(comment)
	if comment == "" {
		return "", domain.Invalid("comment", "is required")
	}
	if len([]rune(comment)) > maxCommentLength {
		return "", domain.Invalid("comment", "is too long")
	}
	return comment, nil
}

// Submit stores the passenger's review of a completed and paid ride.
func (s *ReviewService) Submit(ctx context.Context, actor domain.Actor, req *domain.ReviewRequest) (*models.Review, error) {
	review, err := s.submit(ctx, actor, req)
	metrics.IncReview(resultLabel(err))
	return review, err
}

func (s *ReviewService) submit(ctx context.Context, actor domain.Actor, req *domain.ReviewRequest) (*models.Review, error) {
	comment, err := validateReview(req.Rating, req.Comment)
	if err != nil {
		return nil, err
	}
	if req.Booking == "" {
		return nil, domain.Invalid("booking", "is required")
	}

	switch actor.Role {
	case models.RolePassenger:
		if req.User == "" {
			req.User = actor.ID
		}
		if req.User != actor.ID {
			return nil, domain.ErrForbidden
		}
	case models.RoleAdmin:
	default:
		return nil, domain.ErrForbidden
	}

	booking, err := s.bookings.GetBooking(ctx, req.Booking)
	if err != nil {
		return nil, err
	}
	if err := authorize(actor, booking); err != nil {
		return nil, err
	}
	if req.User != booking.User.ID {
		return nil, domain.Invalid("user", "does not match the booking")
	}
	if req.Driver == "" {
		req.Driver = booking.DriverID()
	}
	if booking.AssignedDriver == nil || req.Driver != booking.DriverID() {
		return nil, domain.Invalid("driver", "does not match the booking")
	}
	if !booking.ReviewEligible() {
		return nil, domain.ErrReviewNotEligible
	}

	review := &models.Review{
		ID:        uuid.NewString(),
		BookingID: booking.ID,
		DriverID:  req.Driver,
		UserID:    req.User,
		Rating:    req.Rating,
		Comment:   comment,
	}
	if err := s.reviews.CreateReview(ctx, review); err != nil {
		return nil, err
	}

	s.logger.Info().Str("booking_id", booking.ID).Str("driver_id", review.DriverID).Int("rating", review.Rating).
		Msg("review submitted")
	s.effects.publish(events.EventReviewSubmitted, events.ReviewEventPayload{Review: review})
	return review, nil
}

// Update lets the author or an admin change rating and comment.
func (s *ReviewService) Update(ctx context.Context, actor domain.Actor, id string, rating int, comment string) (*models.Review, error) {
	comment, err := validateReview(rating, comment)
	if err != nil {
		return nil, err
	}

	review, err := s.reviews.GetReview(ctx, id)
	if err != nil {
		return nil, err
	}
	if actor.Role != models.RoleAdmin && !(actor.Role == models.RolePassenger && actor.ID == review.UserID) {
		return nil, domain.ErrForbidden
	}

	review.Rating = rating
	review.Comment = comment
	review.UpdatedAt = time.Now().UTC()
	if err := s.reviews.UpdateReview(ctx, review); err != nil {
		return nil, err
	}
	return review, nil
}

func (s *ReviewService) ListForDriver(ctx context.Context, driverID string) (*models.DriverRating, error) {
	if strings.TrimSpace(driverID) == "" {
		return nil, domain.Invalid("driverId", "is required")
	}
	reviews, err := s.reviews.ListDriverReviews(ctx, driverID)
	if err != nil {
		return nil, err
	}

	rating := &models.DriverRating{DriverID: driverID, Count: len(reviews), Reviews: reviews}
	if len(reviews) == 0 {
		rating.Reviews = []*models.Review{}
		return rating, nil
	}
	sum := 0
	for _, r := range reviews {
		sum += r.Rating
	}
	rating.Average = math.Round(float64(sum)/float64(len(reviews))*100) / 100
	return rating, nil
}
