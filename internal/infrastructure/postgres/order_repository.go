package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	domain "github.com/Zhima-Mochi/minishop-saga/internal/domain/order"

	"github.com/jackc/pgx/v5/pgxpool"
)

type OrderRepository struct {
	pool *pgxpool.Pool
}

func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: pool}
}

func (r *OrderRepository) Insert(ctx context.Context, o *domain.Order) error {
	items, err := json.Marshal(o.Items)
	if err != nil {
		return fmt.Errorf("order repository: encode items: %w", err)
	}
	_, err = r.pool.Exec(ctx,
		`INSERT INTO orders (id, user_id, amount, customer_email, status, payment_id, payment_url,
		                     failure_reason, items, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		o.ID, o.UserID, o.Amount, o.CustomerEmail, string(o.Status), o.PaymentID, o.PaymentURL,
		o.FailureReason, items, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		if pgCode(err) == codeUniqueViolation {
			return domain.ErrConflict
		}
		return fmt.Errorf("order repository: insert %s: %w", o.ID, err)
	}
	return nil
}

func (r *OrderRepository) Get(ctx context.Context, id string) (*domain.Order, error) {
	var (
		o      domain.Order
		status string
		items  []byte
	)
	err := r.pool.QueryRow(ctx,
		`SELECT id, user_id, amount, customer_email, status, payment_id, payment_url, failure_reason,
		        items, created_at, updated_at
		 FROM orders WHERE id = $1`, id).
		Scan(&o.ID, &o.UserID, &o.Amount, &o.CustomerEmail, &status, &o.PaymentID, &o.PaymentURL,
			&o.FailureReason, &items, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("order repository: get %s: %w", id, err)
	}
	if err := json.Unmarshal(items, &o.Items); err != nil {
		return nil, fmt.Errorf("order repository: decode items of %s: %w", id, err)
	}
	o.Status = domain.Status(status)
	o.CreatedAt, o.UpdatedAt = o.CreatedAt.UTC(), o.UpdatedAt.UTC()
	return &o, nil
}

// Update writes the status of o only while the stored row is still PENDING.
func (r *OrderRepository) Update(ctx context.Context, o *domain.Order) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE orders SET status = $2, failure_reason = $3, updated_at = $4
		 WHERE id = $1 AND status = 'PENDING'`,
		o.ID, string(o.Status), o.FailureReason, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("order repository: update %s: %w", o.ID, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`, o.ID).Scan(&exists); err != nil {
		return fmt.Errorf("order repository: update %s: %w", o.ID, err)
	}
	if !exists {
		return domain.ErrNotFound
	}
	return domain.ErrInvalidStateTransition
}

func (r *OrderRepository) AttachPayment(ctx context.Context, id, paymentID, url string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE orders SET payment_id = $2, payment_url = $3, updated_at = now() WHERE id = $1`,
		id, paymentID, url)
	if err != nil {
		return fmt.Errorf("order repository: attach payment to %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}
