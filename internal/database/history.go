package database

import (
	"context"
	"database/sql"
	"fmt"

	"ridebook/internal/models"
)

func insertStatusChange(ctx context.Context, tx *sql.Tx, change *models.StatusChange) error {
	result, err := tx.ExecContext(ctx,
		`INSERT INTO booking_status_history (booking_id, from_status, to_status, role, actor_id, created_at)
         VALUES (?, ?, ?, ?, ?, ?)`,
		change.BookingID, change.From, change.To, change.Role, change.ActorID, change.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert status history: %w", err)
	}
	change.ID, _ = result.LastInsertId()
	return nil
}

// GetStatusHistory returns status changes of a booking in the order they happened.
func (db *DB) GetStatusHistory(ctx context.Context, bookingID string) ([]*models.StatusChange, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT id, booking_id, from_status, to_status, role, actor_id, created_at
         FROM booking_status_history WHERE booking_id = ? ORDER BY id ASC`, bookingID)
	if err != nil {
		return nil, fmt.Errorf("failed to get status history: %w", err)
	}
	defer rows.Close()

	var history []*models.StatusChange
	for rows.Next() {
		c := &models.StatusChange{}
		if err := rows.Scan(&c.ID, &c.BookingID, &c.From, &c.To, &c.Role, &c.ActorID, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan status history: %w", err)
		}
		history = append(history, c)
	}
	return history, rows.Err()
}
