package postgres

import (
	"context"
	"fmt"
	"time"

	domain "github.com/Zhima-Mochi/minishop-saga/internal/domain/inventory"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultLockTimeout bounds how long Mutate waits for a row lock held by another transaction.
const DefaultLockTimeout = 3 * time.Second

type InventoryRepository struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

func NewInventoryRepository(pool *pgxpool.Pool, lockTimeout time.Duration) *InventoryRepository {
	if lockTimeout <= 0 {
		lockTimeout = DefaultLockTimeout
	}
	return &InventoryRepository{pool: pool, lockTimeout: lockTimeout}
}

func (r *InventoryRepository) Create(ctx context.Context, inv *domain.Inventory) (*domain.Inventory, bool, error) {
	now := time.Now().UTC()
	tag, err := r.pool.Exec(ctx,
		`INSERT INTO inventories (sku, quantity, reserved, updated_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (sku) DO NOTHING`,
		inv.SKU, inv.Quantity, inv.Reserved, now)
	if err != nil {
		return nil, false, fmt.Errorf("inventory repository: insert %q: %w", inv.SKU, err)
	}
	stored, err := r.Get(ctx, inv.SKU)
	if err != nil {
		return nil, false, err
	}
	return stored, tag.RowsAffected() == 1, nil
}

func (r *InventoryRepository) Get(ctx context.Context, sku string) (*domain.Inventory, error) {
	return scanInventory(r.pool.QueryRow(ctx,
		`SELECT sku, quantity, reserved, updated_at FROM inventories WHERE sku = $1`, sku))
}

// Mutate locks the row with SELECT ... FOR UPDATE under a bounded lock_timeout.
// A lock that cannot be taken in time surfaces as ErrLockBusy.
func (r *InventoryRepository) Mutate(ctx context.Context, sku string, fn domain.MutateFunc) (*domain.Inventory, *domain.Inventory, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, nil, fmt.Errorf("inventory repository: begin: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", r.lockTimeout.Milliseconds())); err != nil {
		return nil, nil, fmt.Errorf("inventory repository: set lock timeout: %w", err)
	}

	before, err := scanInventory(tx.QueryRow(ctx,
		`SELECT sku, quantity, reserved, updated_at FROM inventories WHERE sku = $1 FOR UPDATE`, sku))
	if err != nil {
		if pgCode(err) == codeLockNotAvailable {
			return nil, nil, domain.ErrLockBusy
		}
		return nil, nil, err
	}

	after := before.Clone()
	if err := fn(after); err != nil {
		return before, nil, err
	}
	after.UpdatedAt = time.Now().UTC()

	if _, err := tx.Exec(ctx,
		`UPDATE inventories SET quantity = $2, reserved = $3, updated_at = $4 WHERE sku = $1`,
		sku, after.Quantity, after.Reserved, after.UpdatedAt); err != nil {
		return nil, nil, fmt.Errorf("inventory repository: update %q: %w", sku, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("inventory repository: commit: %w", err)
	}
	return before, after, nil
}

func scanInventory(row pgx.Row) (*domain.Inventory, error) {
	var inv domain.Inventory
	if err := row.Scan(&inv.SKU, &inv.Quantity, &inv.Reserved, &inv.UpdatedAt); err != nil {
		if isNoRows(err) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("inventory repository: scan: %w", err)
	}
	inv.UpdatedAt = inv.UpdatedAt.UTC()
	return &inv, nil
}
