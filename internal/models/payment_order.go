package models

import "time"

const (
	OrderCreated = "created"
	OrderPaid    = "paid"
	OrderFailed  = "failed"
)

// PaymentOrder mirrors an order opened at the payment processor.
type PaymentOrder struct {
	ID        string    `json:"orderId"`
	BookingID string    `json:"bookingId"`
	Amount    int64     `json:"amount"`
	Currency  string    `json:"currency"`
	Status    string    `json:"status"`
	PaymentID string    `json:"paymentId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
