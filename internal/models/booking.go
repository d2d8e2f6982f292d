package models

import "time"

// Status is the lifecycle state of a booking.
type Status string

// Role identifies which kind of actor performs an operation.
type Role string

// PaymentStatus is the settlement state of a booking payment.
type PaymentStatus string

// AccountRef points at an externally owned account with denormalized display fields.
type AccountRef struct {
	ID             string `json:"id" yaml:"id"`
	Name           string `json:"name,omitempty" yaml:"name"`
	Phone          string `json:"phone,omitempty" yaml:"phone"`
	TelegramChatID int64  `json:"telegramChatId,omitempty" yaml:"telegram_chat_id"`
}

type Passengers struct {
	Adults   int `json:"adults" yaml:"adults"`
	Children int `json:"children" yaml:"children"`
	Infants  int `json:"infants" yaml:"infants"`
}

// Total returns the number of travellers on the booking.
func (p Passengers) Total() int {
	return p.Adults + p.Children + p.Infants
}

// Payment amounts are stored in minor currency units.
type Payment struct {
	Amount        int64         `json:"amount" yaml:"amount"`
	Currency      string        `json:"currency" yaml:"currency"`
	Method        string        `json:"method,omitempty" yaml:"method"`
	Status        PaymentStatus `json:"status" yaml:"status"`
	TransactionID string        `json:"transactionId,omitempty" yaml:"transaction_id"`
}

// PickupOTP is the current one-time code generation for passenger pickup.
type PickupOTP struct {
	Code        string     `json:"code"`
	GeneratedAt time.Time  `json:"generatedAt"`
	VerifiedAt  *time.Time `json:"verifiedAt,omitempty"`
}

// Verified reports whether the current generation has been confirmed.
func (o *PickupOTP) Verified() bool {
	return o != nil && o.VerifiedAt != nil
}

type Booking struct {
	ID              string      `json:"id"`
	Status          Status      `json:"status"`
	ServiceType     string      `json:"serviceType"`
	User            AccountRef  `json:"user"`
	AssignedDriver  *AccountRef `json:"assignedDriver,omitempty"`
	Passengers      Passengers  `json:"passengers"`
	PickupLocation  string      `json:"pickupLocation"`
	DropoffLocation string      `json:"dropoffLocation"`
	Payment         Payment     `json:"payment"`
	PickupOTP       *PickupOTP  `json:"pickupOtp,omitempty"`
	CreatedAt       time.Time   `json:"createdAt"`
	UpdatedAt       time.Time   `json:"updatedAt"`
	Version         int64       `json:"version"`
}

// DriverID returns the assigned driver id or an empty string.
func (b *Booking) DriverID() string {
	if b.AssignedDriver == nil {
		return ""
	}
	return b.AssignedDriver.ID
}

// ReviewEligible reports whether the ride is finished and settled.
// Existence of a prior review is checked by the review service.
func (b *Booking) ReviewEligible() bool {
	return b.Status == StatusCompleted && b.Payment.Status == PaymentCompleted
}

// Clone returns a deep copy so callers can mutate without touching shared snapshots.
func (b *Booking) Clone() *Booking {
	if b == nil {
		return nil
	}
	c := *b
	if b.AssignedDriver != nil {
		d := *b.AssignedDriver
		c.AssignedDriver = &d
	}
	if b.PickupOTP != nil {
		o := *b.PickupOTP
		if b.PickupOTP.VerifiedAt != nil {
			v := *b.PickupOTP.VerifiedAt
			o.VerifiedAt = &v
		}
		c.PickupOTP = &o
	}
	return &c
}

// StatusChange is one row of a booking's status history.
type StatusChange struct {
	ID        int64     `json:"id"`
	BookingID string    `json:"bookingId"`
	From      Status    `json:"from"`
	To        Status    `json:"to"`
	Role      Role      `json:"role"`
	ActorID   string    `json:"actorId"`
	CreatedAt time.Time `json:"createdAt"`
}
