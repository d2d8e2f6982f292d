package models

import "time"

// ViewerState is what a single viewer remembers about one booking between sessions.
type ViewerState struct {
	ViewerID       string    `json:"viewerId"`
	BookingID      string    `json:"bookingId"`
	LastOTPShown   time.Time `json:"lastOtpShown"`
	ReviewPrompted bool      `json:"reviewPrompted"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Key returns the storage key for the viewer/booking pair.
func (s *ViewerState) Key() string {
	return s.ViewerID + ":" + s.BookingID
}

// ShouldShowOTP reports whether an OTP generated at generatedAt has not been shown yet.
func (s *ViewerState) ShouldShowOTP(generatedAt time.Time) bool {
	if generatedAt.IsZero() {
		return false
	}
	return generatedAt.After(s.LastOTPShown)
}
