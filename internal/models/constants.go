package models

import "time"

const (
	StatusPending    Status = "pending"
	StatusConfirmed  Status = "confirmed"
	StatusAccepted   Status = "accepted"
	StatusArrived    Status = "arrived"
	StatusInProgress Status = "in_progress"
	StatusPicked     Status = "picked"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
	StatusFailed     Status = "failed"
)

// AllStatuses lists every status in forward-chain order followed by the terminal escapes.
var AllStatuses = []Status{
	StatusPending, StatusConfirmed, StatusAccepted, StatusArrived, StatusInProgress,
	StatusPicked, StatusCompleted, StatusCancelled, StatusFailed,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusFailed
}

const (
	RolePassenger Role = "passenger"
	RoleDriver    Role = "driver"
	RoleAdmin     Role = "admin"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RolePassenger || r == RoleDriver || r == RoleAdmin
}

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
)

const (
	MethodCashAtDrop = "cash_at_drop"
	MethodOnline     = "online"
)

const (
	ServiceCar       = "Car"
	ServiceHotel     = "Hotel"
	ServiceLogistics = "Logistics"
)

const (
	// DefaultRedisTTL время жизни состояния зрителя в Redis
	DefaultRedisTTL = 24 * time.Hour

	// DefaultPollInterval период опроса брони клиентом
	DefaultPollInterval = 5 * time.Second

	// DefaultReviewPromptDelay задержка перед показом окна отзыва
	DefaultReviewPromptDelay = 1500 * time.Millisecond

	// DefaultRequestTimeout таймаут исходящих запросов клиента
	DefaultRequestTimeout = 10 * time.Second

	// DefaultOTPLength длина кода подтверждения посадки
	DefaultOTPLength = 6

	// OTPRegenerateLimit перевыпусков кода посадки за окно OTPRegenerateWindow
	OTPRegenerateLimit  = 5
	OTPRegenerateWindow = 10 * time.Minute

	// WorkerQueueSize размер очереди воркера
	WorkerQueueSize = 1000

	// DefaultPageSize размер страницы списков по умолчанию
	DefaultPageSize = 50

	// SheetsCacheTTL время жизни кэша строк Google Sheets
	SheetsCacheTTL = time.Hour
)
