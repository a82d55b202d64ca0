package postgres

import (
	"context"
	"sync"
	"testing"
	"time"

	dominv "github.com/Zhima-Mochi/minishop-saga/internal/domain/inventory"
	domorder "github.com/Zhima-Mochi/minishop-saga/internal/domain/order"
	dompay "github.com/Zhima-Mochi/minishop-saga/internal/domain/payment"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
)

type RepositorySuite struct {
	suite.Suite
	ctx       context.Context
	container *tcpostgres.PostgresContainer
	pool      *pgxpool.Pool
}

func TestRepositorySuite(t *testing.T) {
	if testing.Short() {
		t.Skip("postgres container tests are skipped in -short mode")
	}
	suite.Run(t, new(RepositorySuite))
}

func (s *RepositorySuite) SetupSuite() {
	s.ctx = context.Background()
	ctx, cancel := context.WithTimeout(s.ctx, 2*time.Minute)
	defer cancel()

	c, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("minishop"),
		tcpostgres.WithUsername("postgres"),
		tcpostgres.WithPassword("postgres"),
		tcpostgres.BasicWaitStrategies(),
	)
	if err != nil {
		s.T().Skipf("docker unavailable: %v", err)
	}
	s.container = c

	url, err := c.ConnectionString(ctx, "sslmode=disable")
	s.Require().NoError(err)
	s.pool, err = Open(ctx, url)
	s.Require().NoError(err)
	s.Require().NoError(EnsureSchema(ctx, s.pool))
}

func (s *RepositorySuite) TearDownSuite() {
	if s.pool != nil {
		s.pool.Close()
	}
	if s.container != nil {
		_ = s.container.Terminate(s.ctx)
	}
}

func (s *RepositorySuite) SetupTest() {
	_, err := s.pool.Exec(s.ctx, `TRUNCATE inventories, orders, payments`)
	s.Require().NoError(err)
}

func (s *RepositorySuite) TestInventory_CreateIsIdempotent() {
	repo := NewInventoryRepository(s.pool, 0)
	inv, err := dominv.New("SKU-1", 10)
	s.Require().NoError(err)

	stored, created, err := repo.Create(s.ctx, inv)
	s.Require().NoError(err)
	s.True(created)
	s.Equal(10, stored.Quantity)

	again, _ := dominv.New("SKU-1", 99)
	stored, created, err = repo.Create(s.ctx, again)
	s.Require().NoError(err)
	s.False(created)
	s.Equal(10, stored.Quantity)
}

func (s *RepositorySuite) TestInventory_MutateRejectedLeavesRowUntouched() {
	repo := NewInventoryRepository(s.pool, 0)
	inv, _ := dominv.New("SKU-2", 3)
	_, _, err := repo.Create(s.ctx, inv)
	s.Require().NoError(err)

	_, _, err = repo.Mutate(s.ctx, "SKU-2", func(i *dominv.Inventory) error { return i.Reserve(5) })
	s.ErrorIs(err, dominv.ErrConflict)

	got, err := repo.Get(s.ctx, "SKU-2")
	s.Require().NoError(err)
	s.Equal(0, got.Reserved)
}

func (s *RepositorySuite) TestInventory_ConcurrentReservesNeverOversell() {
	repo := NewInventoryRepository(s.pool, 10*time.Second)
	inv, _ := dominv.New("SKU-3", 5)
	_, _, err := repo.Create(s.ctx, inv)
	s.Require().NoError(err)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := repo.Mutate(s.ctx, "SKU-3", func(i *dominv.Inventory) error { return i.Reserve(1) })
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	got, err := repo.Get(s.ctx, "SKU-3")
	s.Require().NoError(err)
	s.Equal(5, successes)
	s.Equal(5, got.Reserved)
	s.Equal(0, got.Available())
}

func (s *RepositorySuite) TestInventory_MutateUnknownSKU() {
	repo := NewInventoryRepository(s.pool, 0)
	_, _, err := repo.Mutate(s.ctx, "missing", func(*dominv.Inventory) error { return nil })
	s.ErrorIs(err, dominv.ErrNotFound)
}

func (s *RepositorySuite) TestOrder_RoundTrip() {
	repo := NewOrderRepository(s.pool)
	o, err := domorder.New("order-1", "user-1", "a@example.com", 1500, []domorder.Item{{SKU: "SKU-1", Quantity: 2}})
	s.Require().NoError(err)
	s.Require().NoError(repo.Insert(s.ctx, o))
	s.ErrorIs(repo.Insert(s.ctx, o), domorder.ErrConflict)

	stale := o.Clone()
	s.Require().NoError(o.PaymentSucceeded())
	s.Require().NoError(repo.Update(s.ctx, o))
	s.Require().NoError(repo.AttachPayment(s.ctx, "order-1", "pay-1", "https://checkout.example/1"))

	// A late write from a copy loaded while PENDING cannot undo the settlement.
	s.Require().NoError(stale.PaymentFailed("late"))
	s.ErrorIs(repo.Update(s.ctx, stale), domorder.ErrInvalidStateTransition)

	got, err := repo.Get(s.ctx, "order-1")
	s.Require().NoError(err)
	s.Equal(domorder.StatusPaid, got.Status)
	s.Empty(got.FailureReason)
	s.Equal("pay-1", got.PaymentID)
	s.Equal("https://checkout.example/1", got.PaymentURL)
	s.Equal([]domorder.Item{{SKU: "SKU-1", Quantity: 2}}, got.Items)

	s.ErrorIs(repo.AttachPayment(s.ctx, "nope", "p", "u"), domorder.ErrNotFound)
	ghost, _ := domorder.New("nope", "u", "a@example.com", 1500, []domorder.Item{{SKU: "S", Quantity: 1}})
	s.ErrorIs(repo.Update(s.ctx, ghost), domorder.ErrNotFound)

	_, err = repo.Get(s.ctx, "nope")
	s.ErrorIs(err, domorder.ErrNotFound)
}

func (s *RepositorySuite) TestPayment_UpdateOnlyWhilePending() {
	repo := NewPaymentRepository(s.pool)
	now := time.Now().UTC().Add(-10 * time.Minute)
	p, err := dompay.New("pay-1", "order-1", "a@example.com", 1500, "cs_1", "https://checkout.example/cs_1", now)
	s.Require().NoError(err)
	s.Require().NoError(repo.Insert(s.ctx, p))

	pending, err := repo.FindPendingBefore(s.ctx, time.Now().Add(-5*time.Minute))
	s.Require().NoError(err)
	s.Len(pending, 1)

	racing := p.Clone()
	s.Require().NoError(p.Fail("expired", time.Now()))
	s.Require().NoError(repo.Update(s.ctx, p))

	s.Require().NoError(racing.Succeed(time.Now()))
	s.ErrorIs(repo.Update(s.ctx, racing), dompay.ErrAlreadyFinal)

	got, err := repo.FindBySessionID(s.ctx, "cs_1")
	s.Require().NoError(err)
	s.Equal(dompay.StatusFailed, got.Status)
	s.Equal("expired", got.FailureReason)

	dup, _ := dompay.New("pay-2", "order-1", "a@example.com", 1500, "cs_2", "u", now)
	s.ErrorIs(repo.Insert(s.ctx, dup), dompay.ErrConflict)
}

func TestPgCode_NonPgError(t *testing.T) {
	assert.Equal(t, "", pgCode(assert.AnError))
	require.False(t, isNoRows(assert.AnError))
}
