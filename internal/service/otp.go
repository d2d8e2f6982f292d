package service

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"math/big"
	"time"

	"ridebook/internal/domain"
	"ridebook/internal/models"
)

// generateOTP returns a zero-padded numeric code of the given length.
func generateOTP(length int) (string, error) {
	if length <= 0 {
		length = models.DefaultOTPLength
	}
	limit := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(length)), nil)
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", fmt.Errorf("generate otp: %w", err)
	}
	return fmt.Sprintf("%0*d", length, n), nil
}

// newPickupOTP starts a new code generation. generatedAt always moves forward so
// viewers comparing timestamps see every regeneration.
func (s *BookingService) newPickupOTP(prev *models.PickupOTP) (*models.PickupOTP, error) {
	code, err := generateOTP(s.otpLength)
	if err != nil {
		return nil, err
	}
	generatedAt := s.now().UTC()
	if prev != nil && !generatedAt.After(prev.GeneratedAt) {
		generatedAt = prev.GeneratedAt.Add(time.Microsecond)
	}
	return &models.PickupOTP{Code: code, GeneratedAt: generatedAt}, nil
}

// checkOTP compares code against the current generation.
func (s *BookingService) checkOTP(otp *models.PickupOTP, code string) error {
	if otp == nil || otp.Code == "" {
		return domain.ErrOtpMismatch
	}
	if !subtleEqual(otp.Code, code) {
		return domain.ErrOtpMismatch
	}
	if s.otpTTL > 0 && s.now().After(otp.GeneratedAt.Add(s.otpTTL)) {
		return domain.ErrOtpExpired
	}
	return nil
}

func subtleEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
