package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
	"github.com/joho/godotenv"
)

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendMongo    = "mongo"
)

// Config holds the complete application configuration, loadable from
// environment variables (MARKET_ prefix), flags, or YAML config files.
type Config struct {
	Addr         string `default:"0.0.0.0:8080" usage:"API server listen address"`
	Backend      string `default:"memory" usage:"Document store backend: memory, postgres or mongo"`
	DatabaseURL  string `usage:"PostgreSQL connection URL (MARKET_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	ImageBaseURL string `default:"" usage:"Base URL prepended to relative product image paths" flag:"image-base-url"`
	Mongo        MongoConfig
	Redis        RedisConfig
	Kafka        KafkaConfig
	Auth         AuthConfig
	Checkout     CheckoutConfig
	RateLimit    RateLimitConfig
	CORS         CORSConfig
	Health       HealthConfig
	Graceful     GracefulConfig
}

// MongoConfig selects the MongoDB database of the mongo backend.
type MongoConfig struct {
	URI      string `default:"mongodb://localhost:27017/?replicaSet=rs0" usage:"MongoDB connection URI"`
	Database string `default:"market" usage:"MongoDB database name"`
}

// RedisConfig controls cart persistence. An empty address keeps carts in
// memory only.
type RedisConfig struct {
	Addr     string        `default:"" usage:"Redis address for cart persistence"`
	Password string        `default:"" usage:"Redis password"`
	DB       int           `default:"0" usage:"Redis database number"`
	CartTTL  time.Duration `default:"720h" usage:"How long an untouched cart is kept" flag:"cart-ttl"`
}

// KafkaConfig controls the notification event mirror. Empty brokers disable
// publishing.
type KafkaConfig struct {
	Brokers         string        `default:"" usage:"Comma separated Kafka brokers"`
	Topic           string        `default:"market.notifications" usage:"Topic notifications are mirrored to"`
	BreakerFailures uint32        `default:"5" usage:"Consecutive publish failures that open the circuit" flag:"kafka-breaker-failures"`
	BreakerCooldown time.Duration `default:"30s" usage:"How long the circuit stays open" flag:"kafka-breaker-cooldown"`
}

// AuthConfig controls bearer token verification.
type AuthConfig struct {
	Secret string `usage:"HMAC secret of access tokens (MARKET_AUTH_SECRET)" flag:"auth-secret"`
	Issuer string `default:"" usage:"Required iss claim, empty accepts any"`
}

// CheckoutConfig tunes order placement.
type CheckoutConfig struct {
	LowStockThreshold int           `default:"5" usage:"Remaining stock at or below which sellers are alerted" flag:"low-stock-threshold"`
	Parallelism       int           `default:"4" usage:"Seller orders placed concurrently per checkout"`
	PreflightTimeout  time.Duration `default:"10s" usage:"Deadline of the stock availability check before orders are placed"`
}

// RateLimitConfig controls the per-client token bucket rate limiter.
type RateLimitConfig struct {
	RPS   float64 `default:"10" usage:"Sustained requests per second per client"`
	Burst int     `default:"20" usage:"Requests allowed in a burst"`
}

// CORSConfig controls Cross-Origin Resource Sharing headers.
type CORSConfig struct {
	Origins          []string `default:"*" usage:"Allowed CORS and websocket origins"`
	AllowCredentials bool     `default:"false" usage:"Allow credentials (cookies, auth headers)" flag:"cors-credentials"`
}

// HealthConfig controls probe scheduling.
type HealthConfig struct {
	Interval      time.Duration `default:"10s" usage:"How often health checks run" flag:"health-interval"`
	MaxGoroutines int           `default:"10000" usage:"Goroutine count that fails liveness" flag:"max-goroutines"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from a .env file, environment variables,
// flags and YAML config files, and applies platform-specific defaults.
func LoadConfig() (*Config, error) {
	cfg, err := load(false)
	if err != nil {
		return nil, err
	}
	if cfg.Auth.Secret == "" {
		return nil, errors.New("auth secret is required: set MARKET_AUTH_SECRET")
	}
	return cfg, nil
}

// LoadStoreConfig loads the configuration for tools that only touch the
// document store. Command line flags are left to the caller.
func LoadStoreConfig() (*Config, error) {
	return load(true)
}

func load(skipFlags bool) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, errors.Wrap(err, "load .env")
	}

	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "MARKET",
		SkipFlags: skipFlags,
		Files:     []string{"config.yaml", "/etc/market/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return errors.New("database URL is required: set MARKET_DATABASE_URL or DATABASE_URL")
		}
	case BackendMongo:
		if c.Mongo.URI == "" || c.Mongo.Database == "" {
			return errors.New("mongo backend needs MARKET_MONGO_URI and MARKET_MONGO_DATABASE")
		}
	default:
		return errors.Errorf("unknown backend %q", c.Backend)
	}
	return nil
}

// applyPlatformDefaults maps platform-provided environment variables (Railway,
// Render, etc.) that use standard names like DATABASE_URL and PORT to the
// application's MARKET_-prefixed configuration.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		if v := os.Getenv("DATABASE_URL"); v != "" {
			c.DatabaseURL = v
		}
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == "0.0.0.0:8080" {
		c.Addr = "0.0.0.0:" + port
	}
}
