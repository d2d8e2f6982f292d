package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"ridebook/internal/domain"
	"ridebook/internal/models"

	"github.com/mattn/go-sqlite3"
)

const reviewColumns = `id, booking_id, driver_id, user_id, rating, comment, created_at, updated_at`

func scanReview(row rowScanner) (*models.Review, error) {
	r := &models.Review{}
	err := row.Scan(&r.ID, &r.BookingID, &r.DriverID, &r.UserID, &r.Rating, &r.Comment, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) &&
		(sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique || sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey)
}

// CreateReview stores a review; the (booking, driver) pair is unique.
func (db *DB) CreateReview(ctx context.Context, review *models.Review) error {
	now := time.Now().UTC()
	review.CreatedAt = now
	review.UpdatedAt = now

	_, err := db.ExecContext(ctx,
		`INSERT INTO reviews (`+reviewColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		review.ID, review.BookingID, review.DriverID, review.UserID, review.Rating, review.Comment, now, now,
	)
	if isUniqueViolation(err) {
		return domain.ErrReviewExists
	}
	if err != nil {
		return fmt.Errorf("failed to create review: %w", err)
	}
	return nil
}

func (db *DB) GetReview(ctx context.Context, id string) (*models.Review, error) {
	r, err := scanReview(db.QueryRowContext(ctx, `SELECT `+reviewColumns+` FROM reviews WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("review %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get review: %w", err)
	}
	return r, nil
}

func (db *DB) GetReviewByBookingDriver(ctx context.Context, bookingID, driverID string) (*models.Review, error) {
	r, err := scanReview(db.QueryRowContext(ctx,
		`SELECT `+reviewColumns+` FROM reviews WHERE booking_id = ? AND driver_id = ?`, bookingID, driverID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("review for booking %s: %w", bookingID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get review: %w", err)
	}
	return r, nil
}

// UpdateReview rewrites rating and comment only.
func (db *DB) UpdateReview(ctx context.Context, review *models.Review) error {
	review.UpdatedAt = time.Now().UTC()
	result, err := db.ExecContext(ctx,
		`UPDATE reviews SET rating = ?, comment = ?, updated_at = ? WHERE id = ?`,
		review.Rating, review.Comment, review.UpdatedAt, review.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update review: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("review %s: %w", review.ID, domain.ErrNotFound)
	}
	return nil
}

func (db *DB) ListDriverReviews(ctx context.Context, driverID string) ([]*models.Review, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT `+reviewColumns+` FROM reviews WHERE driver_id = ? ORDER BY created_at DESC`, driverID)
	if err != nil {
		return nil, fmt.Errorf("failed to list reviews: %w", err)
	}
	defer rows.Close()

	var reviews []*models.Review
	for rows.Next() {
		r, err := scanReview(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan review: %w", err)
		}
		reviews = append(reviews, r)
	}
	return reviews, rows.Err()
}
