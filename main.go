package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Zhima-Mochi/minishop-saga/internal/application"
	appInventory "github.com/Zhima-Mochi/minishop-saga/internal/application/inventory"
	appOrder "github.com/Zhima-Mochi/minishop-saga/internal/application/order"
	appPayment "github.com/Zhima-Mochi/minishop-saga/internal/application/payment"
	"github.com/Zhima-Mochi/minishop-saga/internal/config"
	dominv "github.com/Zhima-Mochi/minishop-saga/internal/domain/inventory"
	domorder "github.com/Zhima-Mochi/minishop-saga/internal/domain/order"
	domoutbox "github.com/Zhima-Mochi/minishop-saga/internal/domain/outbox"
	dompay "github.com/Zhima-Mochi/minishop-saga/internal/domain/payment"
	"github.com/Zhima-Mochi/minishop-saga/internal/infrastructure/checkout"
	"github.com/Zhima-Mochi/minishop-saga/internal/infrastructure/id"
	"github.com/Zhima-Mochi/minishop-saga/internal/infrastructure/idempotency"
	"github.com/Zhima-Mochi/minishop-saga/internal/infrastructure/kafka"
	"github.com/Zhima-Mochi/minishop-saga/internal/infrastructure/memory"
	infraobs "github.com/Zhima-Mochi/minishop-saga/internal/infrastructure/observability"
	"github.com/Zhima-Mochi/minishop-saga/internal/infrastructure/observability/oteltrace"
	"github.com/Zhima-Mochi/minishop-saga/internal/infrastructure/observability/prometrics"
	"github.com/Zhima-Mochi/minishop-saga/internal/infrastructure/observability/zaplogger"
	"github.com/Zhima-Mochi/minishop-saga/internal/infrastructure/outbox"
	"github.com/Zhima-Mochi/minishop-saga/internal/infrastructure/postgres"
	infraresilience "github.com/Zhima-Mochi/minishop-saga/internal/infrastructure/resilience"
	"github.com/Zhima-Mochi/minishop-saga/internal/observability"
	"github.com/Zhima-Mochi/minishop-saga/internal/pkg/logging"
	"github.com/Zhima-Mochi/minishop-saga/internal/pkg/resilience"
	httppresentation "github.com/Zhima-Mochi/minishop-saga/internal/presentation/http"
	workerpresentation "github.com/Zhima-Mochi/minishop-saga/internal/presentation/worker"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		_, _ = os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}

	baseLogger := logging.MustNew(logging.Options{
		Service: cfg.ServiceName,
		Env:     cfg.Env,
		Level:   cfg.LogLevel,
		File:    cfg.LogFile,
	})
	defer func() { _ = baseLogger.Sync() }()
	zap.ReplaceGlobals(baseLogger)

	systemLogger := logging.System(baseLogger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, baseLogger); err != nil {
		systemLogger.Error("service_exit", zap.Error(err))
		_ = baseLogger.Sync()
		os.Exit(1)
	}
	systemLogger.Info("service_stopped")
}

// storage is the persistence chosen by configuration.
type storage struct {
	orders      domorder.Repository
	inventories dominv.Repository
	payments    dompay.Repository
	guard       application.IdempotencyGuard
	close       func()
}

// eventing is the bus chosen by configuration.
type eventing struct {
	publisher  domoutbox.Publisher
	subscriber domoutbox.Subscriber
	run        func(ctx context.Context) error
	close      func()
}

func run(ctx context.Context, cfg config.Config, zl *zap.Logger) error {
	log := zaplogger.New(zl)
	systemLog := log.With(observability.F("trace_id", logging.SystemTraceID))

	shutdownTracing, err := oteltrace.Setup(ctx, oteltrace.Config{
		ServiceName: cfg.ServiceName,
		Environment: cfg.Env,
		Endpoint:    cfg.OtelEndpoint,
	})
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			systemLog.Warn("tracing_shutdown_error", observability.F("error", err.Error()))
		}
	}()

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	tel := infraobs.New(
		oteltrace.New(cfg.ServiceName),
		log,
		prometrics.Instruments(prometrics.New(promRegistry, "", "")),
	)

	store, err := openStorage(ctx, cfg, tel)
	if err != nil {
		return err
	}
	defer store.close()

	events := openEventing(cfg, tel)
	defer events.close()

	idGenerator := id.NewUUIDGenerator()
	gateway := newGateway(cfg, systemLog)

	inventoryBreaker := infraresilience.NewBreaker(infraresilience.BreakerInventory, inventoryBreakerConfig(cfg), tel)
	paymentBreaker := infraresilience.NewBreaker(infraresilience.BreakerPayment, paymentBreakerConfig(cfg), tel)

	inventoryService := appInventory.NewService(store.inventories, events.publisher, tel)
	inventoryPort := infraresilience.NewInventory(inventoryService, inventoryBreaker, tel)

	createSession := appPayment.NewCreateSessionUseCase(store.payments, gateway, idGenerator, tel)
	paymentPort := infraresilience.NewPayment(createSession, paymentBreaker)

	createOrder := appOrder.NewCreateOrderUseCase(store.orders, inventoryPort, paymentPort, idGenerator, tel)
	getOrder := appOrder.NewGetOrderUseCase(store.orders, tel)
	applyResult := appOrder.NewHandlePaymentResultUseCase(store.orders, inventoryPort, events.publisher, tel)

	verifier := appPayment.NewSignatureVerifier(cfg.StripeWebhookSecret, cfg.StripeWebhookTolerance)
	webhook := appPayment.NewHandleWebhookUseCase(store.payments, verifier, events.publisher, tel)
	getPayment := appPayment.NewGetPaymentUseCase(store.payments, tel)
	scheduler := appPayment.NewExpirationScheduler(store.payments, events.publisher,
		cfg.PaymentExpirationWindow, cfg.PaymentExpirationInterval, tel)

	appInventory.NewWorker(events.subscriber, inventoryService, store.guard, cfg.IdempotencyTTL, tel).Start()
	appOrder.NewWorker(events.subscriber, applyResult, store.guard, cfg.IdempotencyTTL, tel).Start()

	handler := httppresentation.NewHandler(httppresentation.Deps{
		CreateOrder:   createOrder,
		GetOrder:      getOrder,
		Inventory:     inventoryService,
		CreateSession: createSession,
		GetPayment:    getPayment,
		Webhook:       webhook,
	}, tel)
	router := chi.NewRouter()
	router.Handle("/metrics", promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{Registry: promRegistry}))
	router.Mount("/", handler.Router())

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		systemLog.Info("http_server_start", observability.F("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(sctx); err != nil {
			systemLog.Error("http_server_shutdown_error", observability.F("error", err.Error()))
			return err
		}
		systemLog.Info("http_server_stopped")
		return nil
	})
	g.Go(func() error { return events.run(gctx) })
	g.Go(func() error { return scheduler.Run(gctx) })

	return g.Wait()
}

func openStorage(ctx context.Context, cfg config.Config, tel observability.Observability) (*storage, error) {
	log := tel.Logger()
	s := &storage{close: func() {}}
	closers := []func(){}

	if cfg.DatabaseURL != "" {
		pool, err := postgres.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := postgres.EnsureSchema(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
		closers = append(closers, pool.Close)
		s.orders = postgres.NewOrderRepository(pool)
		s.inventories = postgres.NewInventoryRepository(pool, cfg.InventoryLockTimeout)
		s.payments = postgres.NewPaymentRepository(pool)
		log.Info("storage_selected", observability.F("backend", "postgres"))
	} else {
		s.orders = memory.NewOrderRepository()
		s.inventories = memory.NewInventoryRepository()
		s.payments = memory.NewPaymentRepository()
		log.Info("storage_selected", observability.F("backend", "memory"))
	}

	if cfg.RedisAddr != "" {
		rdb, err := idempotency.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			for _, c := range closers {
				c()
			}
			return nil, err
		}
		closers = append(closers, func() { _ = rdb.Close() })
		s.guard = idempotency.NewRedisGuard(rdb, tel)
	} else {
		s.guard = idempotency.NewMemoryGuard()
	}

	s.close = func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	return s, nil
}

func openEventing(cfg config.Config, tel observability.Observability) *eventing {
	middleware := workerpresentation.Middleware(tel)
	retry := outbox.DefaultRetryPolicy()
	retry.MaxAttempts = cfg.EventMaxAttempts

	if brokers := cfg.Brokers(); len(brokers) > 0 {
		producer := kafka.NewProducer(brokers)
		consumer := kafka.NewConsumer(kafka.ConsumerConfig{
			Brokers: brokers,
			GroupID: cfg.KafkaGroupID,
			Retry:   retry,
		}, producer, middleware, tel)
		tel.Logger().Info("event_bus_selected", observability.F("backend", "kafka"))
		return &eventing{
			publisher:  producer,
			subscriber: consumer,
			run:        consumer.Run,
			close:      func() { _ = producer.Close() },
		}
	}

	busCfg := outbox.DefaultConfig()
	busCfg.Retry = retry
	bus := outbox.NewBus(busCfg, tel, middleware)
	tel.Logger().Info("event_bus_selected", observability.F("backend", "memory"))
	return &eventing{
		publisher:  bus,
		subscriber: bus,
		run: func(ctx context.Context) error {
			bus.Start(ctx)
			<-ctx.Done()
			return nil
		},
		close: func() {
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			bus.Stop(sctx)
		},
	}
}

func newGateway(cfg config.Config, log observability.Logger) dompay.Gateway {
	if cfg.StripeSecretKey != "" {
		return checkout.NewStripe(checkout.StripeConfig{
			SecretKey:  cfg.StripeSecretKey,
			SuccessURL: cfg.CheckoutSuccessURL,
			CancelURL:  cfg.CheckoutCancelURL,
		})
	}
	log.Warn("checkout_sandbox_enabled", observability.F("reason", "STRIPE_SECRET_KEY is empty"))
	return checkout.NewSandbox("")
}

func paymentBreakerConfig(cfg config.Config) resilience.Config {
	return resilience.Config{
		WindowSize:       cfg.BreakerWindowSize,
		MinimumCalls:     cfg.BreakerMinimumCalls,
		FailureThreshold: cfg.BreakerFailureRate,
		OpenWait:         cfg.BreakerOpenWait,
		HalfOpenCalls:    cfg.BreakerHalfOpenCalls,
		Timeout:          cfg.BreakerTimeout,
	}
}

func inventoryBreakerConfig(cfg config.Config) resilience.Config {
	return resilience.Config{
		WindowSize:       cfg.InventoryBreakerWindowSize,
		MinimumCalls:     cfg.InventoryBreakerMinimumCalls,
		FailureThreshold: cfg.InventoryBreakerFailureRate,
		OpenWait:         cfg.InventoryBreakerOpenWait,
		HalfOpenCalls:    cfg.InventoryBreakerHalfOpenCalls,
		Timeout:          cfg.InventoryBreakerTimeout,
	}
}
