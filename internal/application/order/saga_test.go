package order_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Zhima-Mochi/minishop-saga/internal/application"
	appinv "github.com/Zhima-Mochi/minishop-saga/internal/application/inventory"
	apporder "github.com/Zhima-Mochi/minishop-saga/internal/application/order"
	apppay "github.com/Zhima-Mochi/minishop-saga/internal/application/payment"
	dominv "github.com/Zhima-Mochi/minishop-saga/internal/domain/inventory"
	domorder "github.com/Zhima-Mochi/minishop-saga/internal/domain/order"
	domoutbox "github.com/Zhima-Mochi/minishop-saga/internal/domain/outbox"
	dompay "github.com/Zhima-Mochi/minishop-saga/internal/domain/payment"
	"github.com/Zhima-Mochi/minishop-saga/internal/infrastructure/checkout"
	"github.com/Zhima-Mochi/minishop-saga/internal/infrastructure/id"
	"github.com/Zhima-Mochi/minishop-saga/internal/infrastructure/idempotency"
	"github.com/Zhima-Mochi/minishop-saga/internal/infrastructure/memory"
	"github.com/Zhima-Mochi/minishop-saga/internal/infrastructure/outbox"
	infraresilience "github.com/Zhima-Mochi/minishop-saga/internal/infrastructure/resilience"
	"github.com/Zhima-Mochi/minishop-saga/internal/pkg/resilience"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type published struct {
	topic, key string
	payload    any
}

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (p *recordingPublisher) Publish(_ context.Context, topic, key string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, published{topic: topic, key: key, payload: payload})
	return nil
}

func (p *recordingPublisher) topic(name string) []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []published
	for _, m := range p.msgs {
		if m.topic == name {
			out = append(out, m)
		}
	}
	return out
}

type saga struct {
	orders     *memory.OrderRepository
	payments   *memory.PaymentRepository
	inventory  *appinv.Service
	gateway    *checkout.Sandbox
	publisher  *recordingPublisher
	create     *apporder.CreateOrderUseCase
	result     *apporder.HandlePaymentResultUseCase
	sessions   *apppay.CreateSessionUseCase
	invBreaker *resilience.Breaker
}

func newSaga(t *testing.T, publisher domoutbox.Publisher) *saga {
	t.Helper()
	rec := &recordingPublisher{}
	if publisher == nil {
		publisher = rec
	}
	s := &saga{
		orders:    memory.NewOrderRepository(),
		payments:  memory.NewPaymentRepository(),
		gateway:   checkout.NewSandbox(""),
		publisher: rec,
	}
	s.inventory = appinv.NewService(memory.NewInventoryRepository(), publisher, nil)
	s.invBreaker = infraresilience.NewBreaker(infraresilience.BreakerInventory, resilience.InventoryConfig(), nil)
	inv := infraresilience.NewInventory(s.inventory, s.invBreaker, nil)

	s.sessions = apppay.NewCreateSessionUseCase(s.payments, s.gateway, id.NewUUIDGenerator(), nil)
	pay := infraresilience.NewPayment(s.sessions,
		infraresilience.NewBreaker(infraresilience.BreakerPayment, resilience.DefaultConfig(), nil))

	s.create = apporder.NewCreateOrderUseCase(s.orders, inv, pay, id.NewUUIDGenerator(), nil)
	s.result = apporder.NewHandlePaymentResultUseCase(s.orders, inv, publisher, nil)
	return s
}

func (s *saga) stock(t *testing.T, sku string, qty int) {
	t.Helper()
	_, _, err := s.inventory.Initialize(context.Background(), sku, qty)
	require.NoError(t, err)
}

func (s *saga) snapshot(t *testing.T, sku string) appinv.Snapshot {
	t.Helper()
	snap, err := s.inventory.Get(context.Background(), sku)
	require.NoError(t, err)
	return snap
}

func orderInput(items ...domorder.Item) apporder.CreateOrderInput {
	return apporder.CreateOrderInput{
		UserID:        "user-1",
		Amount:        2500,
		CustomerEmail: "buyer@example.com",
		Items:         items,
	}
}

func TestCreateOrder_HappyPath(t *testing.T) {
	s := newSaga(t, nil)
	s.stock(t, "SKU-A", 10)
	s.stock(t, "SKU-B", 5)

	o, err := s.create.Execute(context.Background(), orderInput(
		domorder.Item{SKU: "SKU-A", Quantity: 3},
		domorder.Item{SKU: "SKU-B", Quantity: 1},
	))
	require.NoError(t, err)

	assert.Equal(t, domorder.StatusPending, o.Status)
	assert.NotEmpty(t, o.PaymentID)
	assert.Contains(t, o.PaymentURL, checkout.SandboxSessionID(o.ID))

	stored, err := s.orders.Get(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, o.PaymentID, stored.PaymentID)

	assert.Equal(t, appinv.Snapshot{SKU: "SKU-A", Quantity: 10, Reserved: 3, Available: 7}, s.snapshot(t, "SKU-A"))
	assert.Equal(t, appinv.Snapshot{SKU: "SKU-B", Quantity: 5, Reserved: 1, Available: 4}, s.snapshot(t, "SKU-B"))

	p, err := s.payments.FindByOrderID(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, dompay.StatusPending, p.Status)
	assert.Equal(t, int64(2500), p.Amount)
}

func TestCreateOrder_Validation(t *testing.T) {
	s := newSaga(t, nil)
	cases := map[string]apporder.CreateOrderInput{
		"missing user": {Amount: 500, CustomerEmail: "a@b.co", Items: []domorder.Item{{SKU: "X", Quantity: 1}}},
		"small amount": {UserID: "u", Amount: 99, CustomerEmail: "a@b.co", Items: []domorder.Item{{SKU: "X", Quantity: 1}}},
		"bad email":    {UserID: "u", Amount: 500, CustomerEmail: "nope", Items: []domorder.Item{{SKU: "X", Quantity: 1}}},
		"no items":     {UserID: "u", Amount: 500, CustomerEmail: "a@b.co"},
		"zero qty":     {UserID: "u", Amount: 500, CustomerEmail: "a@b.co", Items: []domorder.Item{{SKU: "X", Quantity: 0}}},
		"blank sku":    {UserID: "u", Amount: 500, CustomerEmail: "a@b.co", Items: []domorder.Item{{SKU: " ", Quantity: 1}}},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := s.create.Execute(context.Background(), in)
			assert.ErrorIs(t, err, application.ErrValidation)
		})
	}
}

func TestCreateOrder_UnknownSKU(t *testing.T) {
	s := newSaga(t, nil)
	_, err := s.create.Execute(context.Background(), orderInput(domorder.Item{SKU: "GHOST", Quantity: 1}))
	assert.ErrorIs(t, err, dominv.ErrNotFound)
}

// Scenario C: the second reservation conflicts, the first is compensated and nothing is persisted.
func TestCreateOrder_SecondReservationConflicts(t *testing.T) {
	s := newSaga(t, nil)
	s.stock(t, "SKU-A", 10)
	s.stock(t, "SKU-B", 1)

	_, err := s.create.Execute(context.Background(), orderInput(
		domorder.Item{SKU: "SKU-A", Quantity: 4},
		domorder.Item{SKU: "SKU-B", Quantity: 2},
	))
	require.Error(t, err)
	assert.ErrorIs(t, err, dominv.ErrConflict)
	assert.ErrorIs(t, err, dominv.ErrInsufficientStock)

	assert.Equal(t, 10, s.snapshot(t, "SKU-A").Available)
	assert.Equal(t, 0, s.snapshot(t, "SKU-A").Reserved)
	assert.Equal(t, 1, s.snapshot(t, "SKU-B").Available)
	assert.Empty(t, s.gateway.Requests())
}

// Scenario D: checkout fails after reservation, so the order ends FAILED and stock is released.
func TestCreateOrder_PaymentSessionFails(t *testing.T) {
	s := newSaga(t, nil)
	s.stock(t, "SKU-A", 10)
	s.stock(t, "SKU-B", 5)
	s.gateway.FailWith(checkout.ErrSandboxDeclined)

	_, err := s.create.Execute(context.Background(), orderInput(
		domorder.Item{SKU: "SKU-A", Quantity: 2},
		domorder.Item{SKU: "SKU-B", Quantity: 2},
	))
	require.Error(t, err)
	assert.ErrorIs(t, err, apporder.ErrPaymentSession)
	assert.ErrorIs(t, err, apppay.ErrGateway)

	req := s.gateway.Requests()
	require.Len(t, req, 1)
	o, err := s.orders.Get(context.Background(), req[0].OrderID)
	require.NoError(t, err)
	assert.Equal(t, domorder.StatusFailed, o.Status)
	assert.NotEmpty(t, o.FailureReason)

	assert.Equal(t, appinv.Snapshot{SKU: "SKU-A", Quantity: 10, Reserved: 0, Available: 10}, s.snapshot(t, "SKU-A"))
	assert.Equal(t, appinv.Snapshot{SKU: "SKU-B", Quantity: 5, Reserved: 0, Available: 5}, s.snapshot(t, "SKU-B"))
}

func TestCreateOrder_InventoryCircuitOpen(t *testing.T) {
	s := newSaga(t, nil)
	s.stock(t, "SKU-A", 10)

	// Trip the inventory breaker with infrastructure failures.
	boom := errors.New("connection refused")
	for i := 0; i < resilience.InventoryConfig().WindowSize; i++ {
		_ = s.invBreaker.Execute(context.Background(), func(context.Context) error { return boom })
	}
	require.Equal(t, resilience.Open, s.invBreaker.State())

	_, err := s.create.Execute(context.Background(), orderInput(domorder.Item{SKU: "SKU-A", Quantity: 1}))
	assert.ErrorIs(t, err, application.ErrServiceUnavailable)
	assert.Equal(t, 0, s.snapshot(t, "SKU-A").Reserved)
}

func placeOrder(t *testing.T, s *saga) *domorder.Order {
	t.Helper()
	s.stock(t, "SKU-A", 10)
	s.stock(t, "SKU-B", 5)
	o, err := s.create.Execute(context.Background(), orderInput(
		domorder.Item{SKU: "SKU-A", Quantity: 3},
		domorder.Item{SKU: "SKU-B", Quantity: 2},
	))
	require.NoError(t, err)
	return o
}

func TestPaymentResult_SuccessConfirms(t *testing.T) {
	s := newSaga(t, nil)
	o := placeOrder(t, s)

	out, err := s.result.Execute(context.Background(), apporder.PaymentResultInput{
		PaymentID: o.PaymentID, OrderID: o.ID, Status: "success",
	})
	require.NoError(t, err)
	assert.True(t, out.Applied)
	assert.Equal(t, domorder.StatusPaid, out.Order.Status)

	assert.Equal(t, appinv.Snapshot{SKU: "SKU-A", Quantity: 7, Reserved: 0, Available: 7}, s.snapshot(t, "SKU-A"))
	assert.Equal(t, appinv.Snapshot{SKU: "SKU-B", Quantity: 3, Reserved: 0, Available: 3}, s.snapshot(t, "SKU-B"))

	notes := s.publisher.topic(domorder.TopicOrderNotifications)
	require.Len(t, notes, 1)
	assert.Equal(t, o.ID, notes[0].key)
	evt, ok := notes[0].payload.(domorder.NotificationEvent)
	require.True(t, ok)
	assert.Equal(t, domorder.StatusPaid, evt.Status)
	assert.Equal(t, "buyer@example.com", evt.CustomerEmail)
}

func TestPaymentResult_FailureReleases(t *testing.T) {
	s := newSaga(t, nil)
	o := placeOrder(t, s)

	out, err := s.result.Execute(context.Background(), apporder.PaymentResultInput{
		PaymentID: o.PaymentID, OrderID: o.ID, Status: "FAILURE",
	})
	require.NoError(t, err)
	assert.Equal(t, domorder.StatusFailed, out.Order.Status)
	assert.Equal(t, "unknown", out.Order.FailureReason)

	assert.Equal(t, 10, s.snapshot(t, "SKU-A").Available)
	assert.Equal(t, 5, s.snapshot(t, "SKU-B").Available)

	notes := s.publisher.topic(domorder.TopicOrderNotifications)
	require.Len(t, notes, 1)
	assert.Contains(t, notes[0].payload.(domorder.NotificationEvent).Message, "unknown")
}

func TestPaymentResult_DuplicateSuccessConfirmsOnce(t *testing.T) {
	s := newSaga(t, nil)
	o := placeOrder(t, s)
	in := apporder.PaymentResultInput{PaymentID: o.PaymentID, OrderID: o.ID, Status: dompay.ResultSuccess}

	_, err := s.result.Execute(context.Background(), in)
	require.NoError(t, err)
	out, err := s.result.Execute(context.Background(), in)
	require.NoError(t, err)

	assert.False(t, out.Applied)
	assert.Equal(t, domorder.StatusPaid, out.Order.Status)
	assert.Equal(t, 7, s.snapshot(t, "SKU-A").Quantity)
	assert.Len(t, s.publisher.topic(domorder.TopicOrderNotifications), 1)
}

func TestPaymentResult_TerminalNeverRegresses(t *testing.T) {
	s := newSaga(t, nil)
	o := placeOrder(t, s)

	_, err := s.result.Execute(context.Background(), apporder.PaymentResultInput{OrderID: o.ID, Status: dompay.ResultSuccess})
	require.NoError(t, err)
	out, err := s.result.Execute(context.Background(), apporder.PaymentResultInput{OrderID: o.ID, Status: dompay.ResultFailed, FailureReason: "late"})
	require.NoError(t, err)

	assert.False(t, out.Applied)
	stored, err := s.orders.Get(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, domorder.StatusPaid, stored.Status)
	assert.Equal(t, 0, s.snapshot(t, "SKU-A").Reserved)
	assert.Equal(t, 7, s.snapshot(t, "SKU-A").Quantity)
}

func TestPaymentResult_ConcurrentDuplicatesApplyOnce(t *testing.T) {
	s := newSaga(t, nil)
	o := placeOrder(t, s)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := s.result.Execute(context.Background(), apporder.PaymentResultInput{OrderID: o.ID, Status: dompay.ResultSuccess})
			if err == nil && out.Applied {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, applied)
	assert.Equal(t, 7, s.snapshot(t, "SKU-A").Quantity)
	assert.Equal(t, 3, s.snapshot(t, "SKU-B").Quantity)
}

func TestPaymentResult_NotificationFailureIsNotFatal(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("broker down")}
	s := newSaga(t, pub)
	o := placeOrder(t, s)

	out, err := s.result.Execute(context.Background(), apporder.PaymentResultInput{OrderID: o.ID, Status: dompay.ResultSuccess})
	require.NoError(t, err)
	assert.Equal(t, domorder.StatusPaid, out.Order.Status)
}

func TestPaymentResult_RejectsBadInput(t *testing.T) {
	s := newSaga(t, nil)
	o := placeOrder(t, s)

	_, err := s.result.Execute(context.Background(), apporder.PaymentResultInput{Status: dompay.ResultSuccess})
	assert.ErrorIs(t, err, application.ErrValidation)

	_, err = s.result.Execute(context.Background(), apporder.PaymentResultInput{OrderID: o.ID, Status: "REFUNDED"})
	assert.ErrorIs(t, err, application.ErrValidation)

	_, err = s.result.Execute(context.Background(), apporder.PaymentResultInput{OrderID: "missing", Status: dompay.ResultSuccess})
	assert.ErrorIs(t, err, domorder.ErrNotFound)
}

// Scenario E: the expiration scheduler fails an abandoned checkout and the
// result travels over the bus to the saga, which releases the reservation.
func TestExpiredPaymentReleasesReservation(t *testing.T) {
	busCfg := outbox.DefaultConfig()
	busCfg.Retry.InitialInterval = time.Millisecond
	busCfg.Retry.MaxInterval = time.Millisecond
	bus := outbox.NewBus(busCfg, nil, nil)
	bus.Start(context.Background())
	t.Cleanup(func() { bus.Stop(context.Background()) })

	s := newSaga(t, bus)
	apporder.NewWorker(bus, s.result, idempotency.NewMemoryGuard(), time.Hour, nil).Start()
	o := placeOrder(t, s)

	window := 5 * time.Minute
	scheduler := apppay.NewExpirationScheduler(s.payments, bus, window, time.Minute, nil).
		WithClock(func() time.Time { return time.Now().Add(window + time.Second) })
	res, err := scheduler.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Expired)

	require.Eventually(t, func() bool {
		stored, err := s.orders.Get(context.Background(), o.ID)
		return err == nil && stored.Status == domorder.StatusFailed
	}, 2*time.Second, 10*time.Millisecond)

	stored, err := s.orders.Get(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, scheduler.Reason(), stored.FailureReason)
	assert.Equal(t, appinv.Snapshot{SKU: "SKU-A", Quantity: 10, Reserved: 0, Available: 10}, s.snapshot(t, "SKU-A"))
	assert.Equal(t, appinv.Snapshot{SKU: "SKU-B", Quantity: 5, Reserved: 0, Available: 5}, s.snapshot(t, "SKU-B"))

	p, err := s.payments.FindByOrderID(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, dompay.StatusFailed, p.Status)
}

// settlingPayments delivers the payment result before the session call returns.
type settlingPayments struct {
	next   apporder.PaymentPort
	settle func(ctx context.Context, orderID string)
}

func (p *settlingPayments) CreateSession(ctx context.Context, orderID string, amount int64, email string) (apporder.PaymentSession, error) {
	session, err := p.next.CreateSession(ctx, orderID, amount, email)
	if err == nil {
		p.settle(ctx, orderID)
	}
	return session, err
}

func TestCreateOrder_EarlyPaymentResultIsNotOverwritten(t *testing.T) {
	s := newSaga(t, nil)
	s.stock(t, "SKU-A", 10)

	inv := infraresilience.NewInventory(s.inventory, s.invBreaker, nil)
	pay := &settlingPayments{
		next: infraresilience.NewPayment(s.sessions,
			infraresilience.NewBreaker(infraresilience.BreakerPayment, resilience.DefaultConfig(), nil)),
		settle: func(ctx context.Context, orderID string) {
			out, err := s.result.Execute(ctx, apporder.PaymentResultInput{OrderID: orderID, Status: dompay.ResultSuccess})
			require.NoError(t, err)
			require.True(t, out.Applied)
		},
	}
	create := apporder.NewCreateOrderUseCase(s.orders, inv, pay, id.NewUUIDGenerator(), nil)

	o, err := create.Execute(context.Background(), orderInput(domorder.Item{SKU: "SKU-A", Quantity: 2}))
	require.NoError(t, err)

	stored, err := s.orders.Get(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, domorder.StatusPaid, stored.Status)
	assert.Equal(t, o.PaymentID, stored.PaymentID)
	assert.Equal(t, o.PaymentURL, stored.PaymentURL)
	assert.Equal(t, appinv.Snapshot{SKU: "SKU-A", Quantity: 8, Reserved: 0, Available: 8}, s.snapshot(t, "SKU-A"))
}
