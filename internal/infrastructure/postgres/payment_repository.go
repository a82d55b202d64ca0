package postgres

import (
	"context"
	"fmt"
	"time"

	domain "github.com/Zhima-Mochi/minishop-saga/internal/domain/payment"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const paymentColumns = `id, order_id, amount, currency, customer_email, status, external_session_id,
	external_url, failure_reason, created_at, updated_at`

type PaymentRepository struct {
	pool *pgxpool.Pool
}

func NewPaymentRepository(pool *pgxpool.Pool) *PaymentRepository {
	return &PaymentRepository{pool: pool}
}

func (r *PaymentRepository) Insert(ctx context.Context, p *domain.Payment) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO payments (`+paymentColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		p.ID, p.OrderID, p.Amount, p.Currency, p.CustomerEmail, string(p.Status), p.ExternalSessionID,
		p.ExternalURL, p.FailureReason, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		if pgCode(err) == codeUniqueViolation {
			return domain.ErrConflict
		}
		return fmt.Errorf("payment repository: insert %s: %w", p.ID, err)
	}
	return nil
}

// Update writes p only while the stored row is still PENDING.
func (r *PaymentRepository) Update(ctx context.Context, p *domain.Payment) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE payments SET status = $2, failure_reason = $3, updated_at = $4
		 WHERE id = $1 AND status = 'PENDING'`,
		p.ID, string(p.Status), p.FailureReason, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("payment repository: update %s: %w", p.ID, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM payments WHERE id = $1)`, p.ID).Scan(&exists); err != nil {
		return fmt.Errorf("payment repository: update %s: %w", p.ID, err)
	}
	if !exists {
		return domain.ErrNotFound
	}
	return domain.ErrAlreadyFinal
}

func (r *PaymentRepository) FindBySessionID(ctx context.Context, sessionID string) (*domain.Payment, error) {
	return scanPayment(r.pool.QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE external_session_id = $1`, sessionID))
}

func (r *PaymentRepository) FindByOrderID(ctx context.Context, orderID string) (*domain.Payment, error) {
	return scanPayment(r.pool.QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE order_id = $1`, orderID))
}

func (r *PaymentRepository) FindPendingBefore(ctx context.Context, cutoff time.Time) ([]*domain.Payment, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE status = 'PENDING' AND created_at < $1 ORDER BY created_at`,
		cutoff)
	if err != nil {
		return nil, fmt.Errorf("payment repository: find pending: %w", err)
	}
	defer rows.Close()

	var out []*domain.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("payment repository: find pending: %w", err)
	}
	return out, nil
}

func scanPayment(row pgx.Row) (*domain.Payment, error) {
	var (
		p      domain.Payment
		status string
	)
	err := row.Scan(&p.ID, &p.OrderID, &p.Amount, &p.Currency, &p.CustomerEmail, &status,
		&p.ExternalSessionID, &p.ExternalURL, &p.FailureReason, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("payment repository: scan: %w", err)
	}
	p.Status = domain.Status(status)
	p.CreatedAt, p.UpdatedAt = p.CreatedAt.UTC(), p.UpdatedAt.UTC()
	return &p, nil
}
