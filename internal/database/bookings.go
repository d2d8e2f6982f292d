package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"ridebook/internal/domain"
	"ridebook/internal/models"
)

const bookingColumns = `id, status, service_type,
	user_id, user_name, user_phone, user_chat_id,
	driver_id, driver_name, driver_phone, driver_chat_id,
	adults, children, infants, pickup_location, dropoff_location,
	payment_amount, payment_currency, payment_method, payment_status, payment_txn_id,
	otp_code, otp_generated_at, otp_verified_at,
	created_at, updated_at, version`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanBooking(row rowScanner) (*models.Booking, error) {
	var (
		b           models.Booking
		driverID    sql.NullString
		driver      models.AccountRef
		otpCode     sql.NullString
		otpGenAt    sql.NullTime
		otpVerified sql.NullTime
	)
	err := row.Scan(
		&b.ID, &b.Status, &b.ServiceType,
		&b.User.ID, &b.User.Name, &b.User.Phone, &b.User.TelegramChatID,
		&driverID, &driver.Name, &driver.Phone, &driver.TelegramChatID,
		&b.Passengers.Adults, &b.Passengers.Children, &b.Passengers.Infants,
		&b.PickupLocation, &b.DropoffLocation,
		&b.Payment.Amount, &b.Payment.Currency, &b.Payment.Method, &b.Payment.Status, &b.Payment.TransactionID,
		&otpCode, &otpGenAt, &otpVerified,
		&b.CreatedAt, &b.UpdatedAt, &b.Version,
	)
	if err != nil {
		return nil, err
	}

	if driverID.Valid && driverID.String != "" {
		driver.ID = driverID.String
		b.AssignedDriver = &driver
	}
	if otpCode.Valid && otpCode.String != "" {
		b.PickupOTP = &models.PickupOTP{Code: otpCode.String, GeneratedAt: otpGenAt.Time}
		if otpVerified.Valid {
			v := otpVerified.Time
			b.PickupOTP.VerifiedAt = &v
		}
	}
	return &b, nil
}

func bookingArgs(b *models.Booking) []interface{} {
	var (
		driverID    interface{}
		driver      models.AccountRef
		otpCode     interface{}
		otpGenAt    interface{}
		otpVerified interface{}
	)
	if b.AssignedDriver != nil {
		driver = *b.AssignedDriver
		driverID = driver.ID
	}
	if b.PickupOTP != nil {
		otpCode = b.PickupOTP.Code
		otpGenAt = b.PickupOTP.GeneratedAt.UTC()
		if b.PickupOTP.VerifiedAt != nil {
			otpVerified = b.PickupOTP.VerifiedAt.UTC()
		}
	}
	return []interface{}{
		b.ID, b.Status, b.ServiceType,
		b.User.ID, b.User.Name, b.User.Phone, b.User.TelegramChatID,
		driverID, driver.Name, driver.Phone, driver.TelegramChatID,
		b.Passengers.Adults, b.Passengers.Children, b.Passengers.Infants,
		b.PickupLocation, b.DropoffLocation,
		b.Payment.Amount, b.Payment.Currency, b.Payment.Method, b.Payment.Status, b.Payment.TransactionID,
		otpCode, otpGenAt, otpVerified,
		b.CreatedAt.UTC(), b.UpdatedAt.UTC(), b.Version,
	}
}

// mutableArgs follows the SET list of MutateBooking.
func mutableArgs(b *models.Booking) []interface{} {
	all := bookingArgs(b)
	// status, driver block, payment block, otp block, updated_at, version
	out := []interface{}{all[1]}
	out = append(out, all[7:11]...)
	out = append(out, all[16:24]...)
	return append(out, all[25], all[26])
}

// CreateBooking inserts a new booking at version 1.
func (db *DB) CreateBooking(ctx context.Context, booking *models.Booking) error {
	if booking.ID == "" {
		return errors.New("booking id is required")
	}
	now := time.Now().UTC()
	booking.CreatedAt = now
	booking.UpdatedAt = now
	booking.Version = 1

	query := `INSERT INTO bookings (` + bookingColumns + `)
              VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := db.ExecContext(ctx, query, bookingArgs(booking)...); err != nil {
		return fmt.Errorf("failed to create booking: %w", err)
	}
	return nil
}

func (db *DB) GetBooking(ctx context.Context, id string) (*models.Booking, error) {
	b, err := scanBooking(db.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("booking %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get booking: %w", err)
	}
	return b, nil
}

// ListBookings returns bookings matching the filter, newest first.
func (db *DB) ListBookings(ctx context.Context, filter domain.BookingFilter) ([]*models.Booking, error) {
	var (
		where []string
		args  []interface{}
	)
	if !filter.From.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, filter.From.UTC())
	}
	if !filter.To.IsZero() {
		where = append(where, "created_at < ?")
		args = append(args, filter.To.UTC())
	}
	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.DriverID != "" {
		where = append(where, "driver_id = ?")
		args = append(args, filter.DriverID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}

	query := `SELECT ` + bookingColumns + ` FROM bookings`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list bookings: %w", err)
	}
	defer rows.Close()

	var bookings []*models.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan booking: %w", err)
		}
		bookings = append(bookings, b)
	}
	return bookings, rows.Err()
}

// MutateBooking loads the booking inside a transaction, applies fn to a copy and writes
// it back guarded by the version that was read. Identity, passenger and route fields are
// restored from the stored row whatever fn does to them.
func (db *DB) MutateBooking(ctx context.Context, id string, fn domain.Mutation) (*models.Booking, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	current, err := scanBooking(tx.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("booking %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load booking in tx: %w", err)
	}

	next := current.Clone()
	change, err := fn(next)
	if errors.Is(err, domain.ErrNoChange) {
		return current, nil
	}
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	next.ID = current.ID
	next.User = current.User
	next.Passengers = current.Passengers
	next.PickupLocation = current.PickupLocation
	next.DropoffLocation = current.DropoffLocation
	next.ServiceType = current.ServiceType
	next.CreatedAt = current.CreatedAt
	next.UpdatedAt = now
	next.Version = current.Version + 1

	query := `UPDATE bookings SET
                status = ?, driver_id = ?, driver_name = ?, driver_phone = ?, driver_chat_id = ?,
                payment_amount = ?, payment_currency = ?, payment_method = ?, payment_status = ?, payment_txn_id = ?,
                otp_code = ?, otp_generated_at = ?, otp_verified_at = ?,
                updated_at = ?, version = ?
              WHERE id = ? AND version = ?`
	result, err := tx.ExecContext(ctx, query, append(mutableArgs(next), current.ID, current.Version)...)
	if err != nil {
		return nil, fmt.Errorf("failed to update booking: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return nil, domain.ErrConcurrentModification
	}

	if change != nil {
		change.BookingID = current.ID
		change.CreatedAt = now
		if err := insertStatusChange(ctx, tx, change); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit booking update: %w", err)
	}
	return next, nil
}
