package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	domain "github.com/Zhima-Mochi/minishop-saga/internal/domain/payment"
)

type PaymentRepository struct {
	mu        sync.RWMutex
	payments  map[string]*domain.Payment
	bySession map[string]string
	byOrder   map[string]string
}

func NewPaymentRepository() *PaymentRepository {
	return &PaymentRepository{
		payments:  make(map[string]*domain.Payment),
		bySession: make(map[string]string),
		byOrder:   make(map[string]string),
	}
}

func (r *PaymentRepository) Insert(ctx context.Context, p *domain.Payment) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p == nil || p.ID == "" {
		return fmt.Errorf("payment repository: id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.payments[p.ID]; exists {
		return domain.ErrConflict
	}
	if _, exists := r.byOrder[p.OrderID]; exists {
		return domain.ErrConflict
	}
	r.payments[p.ID] = p.Clone()
	r.byOrder[p.OrderID] = p.ID
	if p.ExternalSessionID != "" {
		r.bySession[p.ExternalSessionID] = p.ID
	}
	return nil
}

func (r *PaymentRepository) Update(ctx context.Context, p *domain.Payment) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p == nil || p.ID == "" {
		return fmt.Errorf("payment repository: id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.payments[p.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if !stored.Pending() {
		return domain.ErrAlreadyFinal
	}
	r.payments[p.ID] = p.Clone()
	return nil
}

func (r *PaymentRepository) FindBySessionID(ctx context.Context, sessionID string) (*domain.Payment, error) {
	return r.findBy(ctx, r.bySession, sessionID)
}

func (r *PaymentRepository) FindByOrderID(ctx context.Context, orderID string) (*domain.Payment, error) {
	return r.findBy(ctx, r.byOrder, orderID)
}

func (r *PaymentRepository) findBy(ctx context.Context, index map[string]string, key string) (*domain.Payment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := index[key]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return r.payments[id].Clone(), nil
}

func (r *PaymentRepository) FindPendingBefore(ctx context.Context, cutoff time.Time) ([]*domain.Payment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*domain.Payment
	for _, p := range r.payments {
		if p.Pending() && p.CreatedAt.Before(cutoff) {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
