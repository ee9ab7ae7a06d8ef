package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/fjod/go_cart/order-service/internal/cart"
	"github.com/fjod/go_cart/order-service/internal/catalog"
	"github.com/fjod/go_cart/order-service/internal/config"
	orderhttp "github.com/fjod/go_cart/order-service/internal/http"
	"github.com/fjod/go_cart/order-service/internal/inventory"
	"github.com/fjod/go_cart/order-service/internal/notification"
	"github.com/fjod/go_cart/order-service/internal/payment"
	"github.com/fjod/go_cart/order-service/internal/publisher"
	"github.com/fjod/go_cart/order-service/internal/repository"
	"github.com/fjod/go_cart/order-service/internal/service"
	"github.com/fjod/go_cart/order-service/pkg/circuitbreaker"
	"github.com/fjod/go_cart/order-service/pkg/logger"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

type ledgerCloser interface {
	inventory.Ledger
	Close() error
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	zl, err := logger.NewZapLogger(cfg.App.Env, cfg.App.LogLevel)
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer zl.Sync()
	var lg logger.Logger = zl.With(logger.String("service", cfg.App.Name))

	lg.Info("order-service starting", logger.String("env", cfg.App.Env))

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	var wg sync.WaitGroup

	// Orders database
	creds := &repository.Credentials{
		Host:              cfg.DB.Host,
		Port:              cfg.DB.Port,
		User:              cfg.DB.User,
		Password:          cfg.DB.Password,
		DBName:            cfg.DB.DBName,
		MigrationsDirPath: cfg.DB.MigrationsPath,
	}
	repo, err := repository.NewRepository(creds)
	if err != nil {
		fatal(lg, "failed to connect to database", err)
	}
	defer repo.Close()

	if err := repo.RunMigrations(creds); err != nil {
		fatal(lg, "failed to run migrations", err)
	}
	lg.Info("database migrations completed")

	// Inventory
	ledger, err := newLedger(ctx, cfg, repo, lg, &wg)
	if err != nil {
		fatal(lg, "failed to set up inventory", err)
	}
	defer ledger.Close()

	// Catalog
	products, err := catalog.NewRepository(cfg.Catalog.Path)
	if err != nil {
		fatal(lg, "failed to open catalog", err)
	}
	defer products.Close()
	if err := products.RunMigrations(cfg.Catalog.MigrationsPath); err != nil {
		fatal(lg, "failed to run catalog migrations", err)
	}

	// Carts
	mongoDB, err := cart.ConnectMongoDB(ctx, cfg.Mongo.URI, cfg.Mongo.Database)
	if err != nil {
		fatal(lg, "failed to connect to MongoDB", err)
	}
	defer mongoDB.Client().Disconnect(context.Background())
	cartRepo := cart.NewMongoRepository(mongoDB)
	if err := cartRepo.CreateIndexes(ctx); err != nil {
		fatal(lg, "failed to create cart indexes", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		fatal(lg, "redis connection failed", err)
	}
	carts := cart.NewService(cartRepo, cart.NewRedisCache(redisClient, cfg.Redis.CartTTL), lg)

	// Payments
	breaker := circuitbreaker.DefaultSettings("payment")
	breaker.ConsecutiveFailures = cfg.Payment.BreakerFailures
	breaker.Timeout = cfg.Payment.BreakerOpenDuration
	payments := payment.NewBreakerGateway(
		payment.NewSimulatedGateway(payment.RandomDecider{}),
		cfg.Payment.Timeout, breaker, lg)

	// Order events: outbox table drained to Kafka, deferred cart clears read back
	poller := publisher.NewOutboxPoller(repo, publisher.NewKafkaWriter(cfg.Kafka.Brokers...), cfg.Kafka.OutboxTick, lg)
	wg.Add(1)
	go func() {
		defer wg.Done()
		poller.Run(ctx)
	}()

	cleaner := cart.NewCleaner(carts, cart.NewKafkaReader(cfg.Kafka.Brokers...), lg)
	wg.Add(1)
	go func() {
		defer wg.Done()
		cleaner.Run(ctx)
	}()

	svc := service.NewOrderService(service.Deps{
		Orders:    repo,
		Addresses: repo,
		Ledger:    ledger,
		Catalog:   products,
		Carts:     carts,
		Payments:  payments,
		Notifier:  notification.NewOutboxNotifier(repo),
		Log:       lg,

		CartClears: cart.NewOutboxClearQueue(repo),
	}, service.Config{
		Currency:            cfg.App.Currency,
		PlacementTimeout:    cfg.Placement.Timeout,
		CompensationTimeout: cfg.Placement.CompensationTimeout,
		BulkConcurrency:     cfg.Placement.BulkConcurrency,
		RestockAttempts:     cfg.Placement.RestockAttempts,
	})

	wg.Add(1)
	go func() {
		defer wg.Done()
		svc.RunRestockRecovery(ctx, cfg.Placement.RestockRecovery)
	}()

	// HTTP API
	var limiter *rate.Limiter
	if cfg.RateLimit.RPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit.RPS), cfg.RateLimit.Burst)
	}
	router := orderhttp.NewRouter(orderhttp.RouterConfig{
		Orders:           orderhttp.NewOrdersHandler(svc, lg, cfg.HTTP.RequestTimeout),
		Admin:            orderhttp.NewAdminHandler(svc, lg, cfg.HTTP.RequestTimeout),
		Cart:             orderhttp.NewCartHandler(carts, lg, cfg.HTTP.RequestTimeout),
		Log:              lg,
		PlacementLimiter: limiter,
		RequestTimeout:   cfg.HTTP.RequestTimeout,
	})
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.HTTP.RequestTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		lg.Info("http server listening", logger.Int("port", cfg.HTTP.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatal(lg, "http server failed", err)
		}
	}()

	// gRPC: health and reflection for probes and grpcurl
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPC.Port))
	if err != nil {
		fatal(lg, "failed to listen", err)
	}
	grpcServer := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	go func() {
		lg.Info("grpc server listening", logger.Int("port", cfg.GRPC.Port))
		if err := grpcServer.Serve(lis); err != nil {
			fatal(lg, "grpc server failed", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	lg.Info("shutting down order service")
	healthServer.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		lg.Error("http server shutdown failed", logger.Error(err))
	}
	grpcServer.GracefulStop()

	// pending notifications still write to the outbox, so drain them before
	// stopping the poller
	svc.Wait()
	stop()

	doneChan := make(chan struct{})
	go func() {
		wg.Wait()
		close(doneChan)
	}()

	select {
	case <-doneChan:
		lg.Info("background workers stopped cleanly")
	case <-shutdownCtx.Done():
		lg.Warn("background workers didn't stop in time")
	}

	if err := poller.Close(); err != nil {
		lg.Warn("failed to close kafka writer", logger.Error(err))
	}
	if err := cleaner.Close(); err != nil {
		lg.Warn("failed to close kafka reader", logger.Error(err))
	}
	lg.Info("order service stopped")
}

func newLedger(ctx context.Context, cfg *config.Config, repo *repository.Repository, lg logger.Logger, wg *sync.WaitGroup) (ledgerCloser, error) {
	invCfg := inventory.Config{
		ReservationTTL:  cfg.Inventory.ReservationTTL,
		CleanupInterval: cfg.Inventory.CleanupInterval,
		Orders:          repo,
	}

	if cfg.Inventory.Backend == config.InventoryBackendMemory {
		store := inventory.NewMemoryStore(invCfg, lg)
		for productID, qty := range cfg.Inventory.SeedStock {
			if err := store.SetStock(ctx, productID, qty); err != nil {
				store.Close()
				return nil, fmt.Errorf("seed stock for product %d: %w", productID, err)
			}
		}
		lg.Info("using in-memory inventory", logger.Int("products", len(cfg.Inventory.SeedStock)))
		return store, nil
	}

	store := inventory.NewPostgresStore(repo.DB(), invCfg, lg)
	if err := store.RunMigrations(cfg.Inventory.MigrationsPath); err != nil {
		return nil, fmt.Errorf("inventory migrations: %w", err)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		store.Run(ctx)
	}()
	lg.Info("using postgres inventory")
	return store, nil
}

func fatal(lg logger.Logger, msg string, err error) {
	lg.Error(msg, logger.Error(err))
	_ = lg.Sync()
	os.Exit(1)
}
