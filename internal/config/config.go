package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	InventoryBackendMemory   = "memory"
	InventoryBackendPostgres = "postgres"
)

type Config struct {
	App       AppConfig
	HTTP      HTTPConfig
	GRPC      GRPCConfig
	DB        PostgresConfig
	Catalog   CatalogConfig
	Mongo     MongoConfig
	Redis     RedisConfig
	Kafka     KafkaConfig
	Inventory InventoryConfig
	Payment   PaymentConfig
	Placement PlacementConfig
	RateLimit RateLimitConfig
}

type AppConfig struct {
	Name     string
	Env      string
	LogLevel string
	Currency string
}

type HTTPConfig struct {
	Port            int
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration
}

type GRPCConfig struct {
	Port int
}

type PostgresConfig struct {
	Host           string
	Port           int
	User           string
	Password       string
	DBName         string
	MigrationsPath string
}

type CatalogConfig struct {
	Path           string
	MigrationsPath string
}

type MongoConfig struct {
	URI      string
	Database string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	CartTTL  time.Duration
}

type KafkaConfig struct {
	Brokers    []string
	OutboxTick time.Duration
}

type InventoryConfig struct {
	Backend         string
	ReservationTTL  time.Duration
	CleanupInterval time.Duration
	MigrationsPath  string
	// SeedStock is "product:quantity" pairs loaded into the memory backend.
	SeedStock map[int64]int32
}

type PaymentConfig struct {
	Timeout             time.Duration
	BreakerFailures     uint32
	BreakerOpenDuration time.Duration
}

type PlacementConfig struct {
	Timeout             time.Duration
	CompensationTimeout time.Duration
	BulkConcurrency     int
	RestockAttempts     int
	RestockRecovery     time.Duration
}

type RateLimitConfig struct {
	// RPS of zero disables placement rate limiting.
	RPS   float64
	Burst int
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	seed, err := parseStock(getEnv("INVENTORY_SEED_STOCK", "1:10,2:50,3:30,4:15,5:25"))
	if err != nil {
		return nil, fmt.Errorf("INVENTORY_SEED_STOCK: %w", err)
	}

	cfg := &Config{
		App: AppConfig{
			Name:     getEnv("APP_NAME", "order-service"),
			Env:      getEnv("APP_ENV", "local"),
			LogLevel: getEnv("LOG_LEVEL", "info"),
			Currency: getEnv("CURRENCY", "USD"),
		},
		HTTP: HTTPConfig{
			Port:            getEnvAsInt("HTTP_PORT", 8080),
			RequestTimeout:  getEnvAsDuration("HTTP_REQUEST_TIMEOUT", 30*time.Second),
			ShutdownTimeout: getEnvAsDuration("HTTP_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		GRPC: GRPCConfig{
			Port: getEnvAsInt("GRPC_PORT", 50055),
		},
		DB: PostgresConfig{
			Host:           getEnv("DB_HOST", "localhost"),
			Port:           getEnvAsInt("DB_PORT", 5432),
			User:           getEnv("DB_USER", "postgres"),
			Password:       getEnv("DB_PASSWORD", "postgres"),
			DBName:         getEnv("DB_NAME", "ecommerce"),
			MigrationsPath: getEnv("MIGRATIONS_PATH", "./internal/repository/migrations"),
		},
		Catalog: CatalogConfig{
			Path:           getEnv("CATALOG_DB_PATH", "./catalog.db"),
			MigrationsPath: getEnv("CATALOG_MIGRATIONS_PATH", "./internal/catalog/migrations"),
		},
		Mongo: MongoConfig{
			URI:      getEnv("MONGO_URI", "mongodb://localhost:27017"),
			Database: getEnv("MONGO_DB", "carts"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
			CartTTL:  getEnvAsDuration("REDIS_CART_TTL", 15*time.Minute),
		},
		Kafka: KafkaConfig{
			Brokers:    splitAndTrim(getEnv("KAFKA_BROKERS", "localhost:9092")),
			OutboxTick: getEnvAsDuration("OUTBOX_TICK", time.Second),
		},
		Inventory: InventoryConfig{
			Backend:         strings.ToLower(getEnv("INVENTORY_BACKEND", InventoryBackendPostgres)),
			ReservationTTL:  getEnvAsDuration("INVENTORY_RESERVATION_TTL", 15*time.Minute),
			CleanupInterval: getEnvAsDuration("INVENTORY_CLEANUP_INTERVAL", 30*time.Second),
			MigrationsPath:  getEnv("INVENTORY_MIGRATIONS_PATH", "./internal/inventory/migrations"),
			SeedStock:       seed,
		},
		Payment: PaymentConfig{
			Timeout:             getEnvAsDuration("PAYMENT_TIMEOUT", 5*time.Second),
			BreakerFailures:     uint32(getEnvAsInt("PAYMENT_BREAKER_FAILURES", 5)),
			BreakerOpenDuration: getEnvAsDuration("PAYMENT_BREAKER_OPEN", 30*time.Second),
		},
		Placement: PlacementConfig{
			Timeout:             getEnvAsDuration("PLACEMENT_TIMEOUT", 30*time.Second),
			CompensationTimeout: getEnvAsDuration("COMPENSATION_TIMEOUT", 10*time.Second),
			BulkConcurrency:     getEnvAsInt("BULK_CONCURRENCY", 8),
			RestockAttempts:     getEnvAsInt("RESTOCK_ATTEMPTS", 3),
			RestockRecovery:     getEnvAsDuration("RESTOCK_RECOVERY_INTERVAL", time.Minute),
		},
		RateLimit: RateLimitConfig{
			RPS:   getEnvAsFloat("PLACEMENT_RATE_RPS", 50),
			Burst: getEnvAsInt("PLACEMENT_RATE_BURST", 100),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var errs []error
	if c.DB.Host == "" || c.DB.DBName == "" {
		errs = append(errs, errors.New("DB_HOST and DB_NAME are required"))
	}
	if c.DB.Port <= 0 {
		errs = append(errs, errors.New("DB_PORT must be positive"))
	}
	if c.HTTP.Port <= 0 || c.GRPC.Port <= 0 {
		errs = append(errs, errors.New("HTTP_PORT and GRPC_PORT must be positive"))
	}
	if c.HTTP.Port == c.GRPC.Port {
		errs = append(errs, errors.New("HTTP_PORT and GRPC_PORT must differ"))
	}
	if len(c.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("KAFKA_BROKERS is required"))
	}
	if c.Inventory.Backend != InventoryBackendMemory && c.Inventory.Backend != InventoryBackendPostgres {
		errs = append(errs, fmt.Errorf("INVENTORY_BACKEND must be %q or %q, got %q",
			InventoryBackendMemory, InventoryBackendPostgres, c.Inventory.Backend))
	}
	if c.Payment.Timeout <= 0 || c.Placement.Timeout <= 0 {
		errs = append(errs, errors.New("PAYMENT_TIMEOUT and PLACEMENT_TIMEOUT must be positive"))
	}
	if c.Payment.Timeout >= c.Placement.Timeout {
		errs = append(errs, errors.New("PAYMENT_TIMEOUT must be shorter than PLACEMENT_TIMEOUT"))
	}
	if c.RateLimit.RPS < 0 || c.RateLimit.Burst < 0 {
		errs = append(errs, errors.New("PLACEMENT_RATE_RPS and PLACEMENT_RATE_BURST cannot be negative"))
	}
	if len(c.App.Currency) != 3 {
		errs = append(errs, fmt.Errorf("CURRENCY must be an ISO 4217 code, got %q", c.App.Currency))
	}
	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return value
	}
	return defaultValue
}

func splitAndTrim(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseStock(s string) (map[int64]int32, error) {
	stock := make(map[int64]int32)
	for _, pair := range splitAndTrim(s) {
		id, qty, ok := strings.Cut(pair, ":")
		if !ok {
			return nil, fmt.Errorf("%q is not product:quantity", pair)
		}
		productID, err := strconv.ParseInt(strings.TrimSpace(id), 10, 64)
		if err != nil || productID <= 0 {
			return nil, fmt.Errorf("invalid product id in %q", pair)
		}
		quantity, err := strconv.ParseInt(strings.TrimSpace(qty), 10, 32)
		if err != nil || quantity < 0 {
			return nil, fmt.Errorf("invalid quantity in %q", pair)
		}
		stock[productID] = int32(quantity)
	}
	return stock, nil
}
