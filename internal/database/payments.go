package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"ridebook/internal/domain"
	"ridebook/internal/models"
)

func (db *DB) CreatePaymentOrder(ctx context.Context, order *models.PaymentOrder) error {
	now := time.Now().UTC()
	order.CreatedAt = now
	order.UpdatedAt = now
	if order.Status == "" {
		order.Status = models.OrderCreated
	}

	_, err := db.ExecContext(ctx,
		`INSERT INTO payment_orders (id, booking_id, amount, currency, status, payment_id, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		order.ID, order.BookingID, order.Amount, order.Currency, order.Status, order.PaymentID, now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to create payment order: %w", err)
	}
	return nil
}

func (db *DB) GetPaymentOrder(ctx context.Context, id string) (*models.PaymentOrder, error) {
	o := &models.PaymentOrder{}
	err := db.QueryRowContext(ctx,
		`SELECT id, booking_id, amount, currency, status, payment_id, created_at, updated_at
         FROM payment_orders WHERE id = ?`, id,
	).Scan(&o.ID, &o.BookingID, &o.Amount, &o.Currency, &o.Status, &o.PaymentID, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("payment order %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payment order: %w", err)
	}
	return o, nil
}

func (db *DB) UpdatePaymentOrder(ctx context.Context, id, status, paymentID string) error {
	result, err := db.ExecContext(ctx,
		`UPDATE payment_orders SET status = ?, payment_id = ?, updated_at = ? WHERE id = ?`,
		status, paymentID, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update payment order: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("payment order %s: %w", id, domain.ErrNotFound)
	}
	return nil
}
