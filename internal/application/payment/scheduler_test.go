package payment_test

import (
	"context"
	"testing"
	"time"

	apppay "github.com/Zhima-Mochi/minishop-saga/internal/application/payment"
	dompay "github.com/Zhima-Mochi/minishop-saga/internal/domain/payment"
	"github.com/Zhima-Mochi/minishop-saga/internal/infrastructure/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func seed(t *testing.T, repo dompay.Repository, orderID string, createdAt time.Time) *dompay.Payment {
	t.Helper()
	p, err := dompay.New("pay-"+orderID, orderID, "buyer@example.com", 1000, "cs_"+orderID, "https://pay/"+orderID, createdAt)
	require.NoError(t, err)
	require.NoError(t, repo.Insert(context.Background(), p))
	return p
}

func TestExpirationScheduler_ExpiresOverduePayments(t *testing.T) {
	repo := memory.NewPaymentRepository()
	pub := &results{}
	seed(t, repo, "old", epoch)
	seed(t, repo, "fresh", epoch.Add(4*time.Minute))

	settled := seed(t, repo, "settled", epoch)
	require.NoError(t, settled.Succeed(epoch))
	require.NoError(t, repo.Update(context.Background(), settled))

	s := apppay.NewExpirationScheduler(repo, pub, 5*time.Minute, time.Minute, nil).
		WithClock(func() time.Time { return epoch.Add(6 * time.Minute) })
	assert.Equal(t, "Payment expired - not completed within 5 minutes", s.Reason())

	res, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, apppay.ExpiryResult{Found: 1, Expired: 1}, res)

	old, err := repo.FindByOrderID(context.Background(), "old")
	require.NoError(t, err)
	assert.Equal(t, dompay.StatusFailed, old.Status)
	assert.Equal(t, s.Reason(), old.FailureReason)

	fresh, err := repo.FindByOrderID(context.Background(), "fresh")
	require.NoError(t, err)
	assert.Equal(t, dompay.StatusPending, fresh.Status)

	assert.Equal(t, []dompay.ResultEvent{{
		PaymentID:     "pay-old",
		OrderID:       "old",
		Status:        dompay.ResultFailed,
		FailureReason: s.Reason(),
	}}, pub.all())

	// Nothing left to do on the next tick.
	res, err = s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, apppay.ExpiryResult{}, res)
}

func TestExpirationScheduler_CountsPublishFailures(t *testing.T) {
	repo := memory.NewPaymentRepository()
	seed(t, repo, "a", epoch)
	pub := &results{err: assert.AnError}

	s := apppay.NewExpirationScheduler(repo, pub, 0, 0, nil).
		WithClock(func() time.Time { return epoch.Add(time.Hour) })
	res, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Found)
	assert.Equal(t, 1, res.Failed)
}

type blockingRepo struct {
	dompay.Repository
	entered chan struct{}
	release chan struct{}
}

func (r *blockingRepo) FindPendingBefore(ctx context.Context, cutoff time.Time) ([]*dompay.Payment, error) {
	close(r.entered)
	<-r.release
	return r.Repository.FindPendingBefore(ctx, cutoff)
}

func TestExpirationScheduler_SkipsOverlappingRun(t *testing.T) {
	repo := &blockingRepo{
		Repository: memory.NewPaymentRepository(),
		entered:    make(chan struct{}),
		release:    make(chan struct{}),
	}
	s := apppay.NewExpirationScheduler(repo, &results{}, time.Minute, time.Minute, nil)

	done := make(chan apppay.ExpiryResult, 1)
	go func() {
		res, _ := s.RunOnce(context.Background())
		done <- res
	}()
	<-repo.entered

	res, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Skipped)

	close(repo.release)
	first := <-done
	assert.False(t, first.Skipped)
}

func TestExpirationScheduler_RunStopsWithContext(t *testing.T) {
	s := apppay.NewExpirationScheduler(memory.NewPaymentRepository(), &results{}, time.Minute, 10*time.Millisecond, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.NoError(t, s.Run(ctx))
}
