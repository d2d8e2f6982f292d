package domain

import (
	"context"
	"time"

	"ridebook/internal/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Actor is the authenticated caller of a lifecycle operation.
type Actor struct {
	ID   string
	Role models.Role
}

// Mutation edits a booking loaded inside a storage transaction. A non-nil StatusChange
// is appended to the booking history in the same transaction.
type Mutation func(b *models.Booking) (*models.StatusChange, error)

type BookingFilter struct {
	From     time.Time
	To       time.Time
	UserID   string
	DriverID string
	Status   models.Status
	Limit    int
}

type BookingRepository interface {
	CreateBooking(ctx context.Context, booking *models.Booking) error
	GetBooking(ctx context.Context, id string) (*models.Booking, error)
	ListBookings(ctx context.Context, filter BookingFilter) ([]*models.Booking, error)
	MutateBooking(ctx context.Context, id string, fn Mutation) (*models.Booking, error)
	GetStatusHistory(ctx context.Context, bookingID string) ([]*models.StatusChange, error)
}

type ReviewRepository interface {
	CreateReview(ctx context.Context, review *models.Review) error
	GetReview(ctx context.Context, id string) (*models.Review, error)
	GetReviewByBookingDriver(ctx context.Context, bookingID, driverID string) (*models.Review, error)
	UpdateReview(ctx context.Context, review *models.Review) error
	ListDriverReviews(ctx context.Context, driverID string) ([]*models.Review, error)
}

type PaymentOrderRepository interface {
	CreatePaymentOrder(ctx context.Context, order *models.PaymentOrder) error
	GetPaymentOrder(ctx context.Context, id string) (*models.PaymentOrder, error)
	UpdatePaymentOrder(ctx context.Context, id, status, paymentID string) error
}

type ViewerStateRepository interface {
	GetViewerState(ctx context.Context, viewerID, bookingID string) (*models.ViewerState, error)
	SetViewerState(ctx context.Context, state *models.ViewerState) error
	ClearViewerState(ctx context.Context, viewerID, bookingID string) error
	CheckRateLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// AttemptLimiter counts attempts per key in a fixed window.
type AttemptLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) bool
}

type EventPublisher interface {
	PublishJSON(eventType string, payload interface{}) error
}

// PaymentGateway is the external card processor.
type PaymentGateway interface {
	CreateOrder(ctx context.Context, amount int64, currency, receipt string) (*models.PaymentOrder, error)
	VerifySignature(orderID, paymentID, signature string) bool
}

type TelegramSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

type SheetsWriter interface {
	UpsertBooking(ctx context.Context, booking *models.Booking) error
	UpdateBookingStatus(ctx context.Context, bookingID string, status string) error
	ReplaceBookingsSheet(ctx context.Context, bookings []*models.Booking) error
}

type SyncWorker interface {
	EnqueueTask(ctx context.Context, taskType string, bookingID string, booking *models.Booking, status string) error
}

type CreateBookingRequest struct {
	ServiceType     string             `json:"serviceType"`
	User            models.AccountRef  `json:"user"`
	Passengers      models.Passengers  `json:"passengers"`
	PickupLocation  string             `json:"pickupLocation"`
	DropoffLocation string             `json:"dropoffLocation"`
	Payment         models.Payment     `json:"payment"`
	AssignedDriver  *models.AccountRef `json:"assignedDriver,omitempty"`
}

type TransitionRequest struct {
	BookingID string
	Target    models.Status
	OTP       string
}

type VerifyPaymentRequest struct {
	OrderID   string `json:"orderId"`
	PaymentID string `json:"paymentId"`
	Signature string `json:"signature"`
	BookingID string `json:"bookingId"`
	Method    string `json:"method"`
}

type ReviewRequest struct {
	Rating  int    `json:"rating"`
	Comment string `json:"comment"`
	Booking string `json:"booking"`
	Driver  string `json:"driver"`
	User    string `json:"user"`
}

// Eligibility explains whether a review may be submitted for a booking.
type Eligibility struct {
	BookingID string `json:"bookingId"`
	Eligible  bool   `json:"eligible"`
	Reason    string `json:"reason,omitempty"`
}

type BookingService interface {
	CreateBooking(ctx context.Context, actor Actor, req *CreateBookingRequest) (*models.Booking, error)
	GetBooking(ctx context.Context, actor Actor, id string) (*models.Booking, error)
	ListBookings(ctx context.Context, actor Actor, filter BookingFilter) ([]*models.Booking, error)
	Transition(ctx context.Context, actor Actor, req TransitionRequest) (*models.Booking, error)
	AssignDriver(ctx context.Context, actor Actor, id string, driver models.AccountRef) (*models.Booking, error)
	History(ctx context.Context, actor Actor, id string) ([]*models.StatusChange, error)
	RegenerateOTP(ctx context.Context, actor Actor, id string) (*models.Booking, error)
	VerifyPickupOTP(ctx context.Context, actor Actor, id, code string) (*models.Booking, error)
}

type PaymentService interface {
	UpdatePayment(ctx context.Context, actor Actor, id, method string, status models.PaymentStatus) (*models.Booking, error)
	CreateGatewayOrder(ctx context.Context, actor Actor, bookingID string, amount int64) (*models.PaymentOrder, error)
	VerifyGatewayPayment(ctx context.Context, actor Actor, req *VerifyPaymentRequest) (*models.Booking, error)
}

type ReviewService interface {
	Eligibility(ctx context.Context, actor Actor, bookingID string) (*Eligibility, error)
	Submit(ctx context.Context, actor Actor, req *ReviewRequest) (*models.Review, error)
	Update(ctx context.Context, actor Actor, id string, rating int, comment string) (*models.Review, error)
	ListForDriver(ctx context.Context, driverID string) (*models.DriverRating, error)
}
