package models

import "time"

type Review struct {
	ID        string    `json:"id"`
	BookingID string    `json:"bookingId"`
	DriverID  string    `json:"driverId"`
	UserID    string    `json:"userId"`
	Rating    int       `json:"rating"`
	Comment   string    `json:"comment"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// DriverRating aggregates reviews left for a driver.
type DriverRating struct {
	DriverID string    `json:"driverId"`
	Count    int       `json:"count"`
	Average  float64   `json:"average"`
	Reviews  []*Review `json:"reviews"`
}
