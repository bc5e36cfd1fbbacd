package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-cart/internal/couponapi"
	"github.com/xenking/kart-cart/internal/domain/cart"
)

// Storage drivers.
const (
	DriverFile     = "file"
	DriverMemory   = "memory"
	DriverRedis    = "redis"
	DriverPostgres = "postgres"
)

const defaultAddr = "0.0.0.0:8080"

// Config holds the complete application configuration, loadable from
// environment variables (CART_ prefix), flags, or YAML config files.
type Config struct {
	Addr      string `default:"0.0.0.0:8080" usage:"API server listen address"`
	Storage   StorageConfig
	Coupon    CouponConfig
	Pricing   PricingConfig
	Cart      CartConfig
	RateLimit RateLimitConfig
	CORS      CORSConfig
	Graceful  GracefulConfig
}

// StorageConfig selects and configures the durable cart slot backend.
type StorageConfig struct {
	Driver      string        `default:"file" usage:"Cart storage driver: file, memory, redis or postgres" flag:"storage"`
	Dir         string        `default:"data/carts" usage:"Directory holding one file per session (file driver)" flag:"storage-dir"`
	RedisAddr   string        `usage:"Redis address or redis:// URL (CART_STORAGE_REDIS_ADDR or REDIS_URL)" flag:"redis-addr"`
	RedisTTL    time.Duration `default:"720h" usage:"Expiry of idle cart keys in Redis, 0 keeps them forever" flag:"redis-ttl"`
	DatabaseURL string        `usage:"PostgreSQL connection URL (CART_STORAGE_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	IdleTTL     time.Duration `default:"30m" usage:"Drop sessions idle this long from memory, 0 keeps them" flag:"idle-ttl"`
}

// CouponConfig controls the remote coupon validator.
type CouponConfig struct {
	BaseURL         string        `default:"http://localhost:8081" usage:"Coupon service base URL" flag:"coupon-url"`
	Timeout         time.Duration `default:"5s" usage:"Per-request coupon validation timeout" flag:"coupon-timeout"`
	BreakerFailures uint32        `default:"5" usage:"Consecutive failures that open the circuit"`
	BreakerOpen     time.Duration `default:"30s" usage:"How long the circuit stays open"`
	BreakerHalfOpen uint32        `default:"1" usage:"Probe requests allowed while half-open"`
	GateReadiness   bool          `default:"false" usage:"Report not ready while the coupon circuit is open" flag:"coupon-gate-readiness"`
}

// PricingConfig holds the shipping rules as decimal strings.
type PricingConfig struct {
	FreeShippingThreshold string `default:"80" usage:"Subtotal that must be exceeded for free shipping"`
	ShippingFee           string `default:"7.99" usage:"Shipping fee below the threshold"`
}

// CartConfig holds per-cart limits.
type CartConfig struct {
	MaxQuantity int `default:"99" usage:"Maximum quantity of a single cart line" flag:"max-quantity"`
}

// RateLimitConfig controls the per-session sliding window rate limiter.
type RateLimitConfig struct {
	Max    int           `default:"100" usage:"Max requests per window"`
	Window time.Duration `default:"1m"  usage:"Rate limit window duration"`
}

// CORSConfig controls Cross-Origin Resource Sharing headers.
type CORSConfig struct {
	Origins          []string `default:"*" usage:"Allowed CORS origins"`
	AllowCredentials bool     `default:"false" usage:"Allow credentials (cookies, auth headers)" flag:"cors-credentials"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from environment variables, YAML config files,
// and applies platform-specific defaults.
func LoadConfig() (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "CART",
		Files:     []string{"config.yaml", "/etc/cart/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults(os.Getenv)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that the selected storage driver has what it needs and that
// the pricing rules parse.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case DriverFile:
		if c.Storage.Dir == "" {
			return errors.New("storage dir is required for the file driver")
		}
	case DriverMemory:
	case DriverRedis:
		if c.Storage.RedisAddr == "" {
			return errors.New("redis address is required: set CART_STORAGE_REDIS_ADDR or REDIS_URL")
		}
	case DriverPostgres:
		if c.Storage.DatabaseURL == "" {
			return errors.New("database URL is required: set CART_STORAGE_DATABASE_URL or DATABASE_URL")
		}
	default:
		return errors.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if _, err := c.CartPricing(); err != nil {
		return err
	}
	return nil
}

// CartPricing parses the configured shipping rules.
func (c *Config) CartPricing() (cart.Pricing, error) {
	threshold, err := decimal.NewFromString(c.Pricing.FreeShippingThreshold)
	if err != nil {
		return cart.Pricing{}, errors.Wrap(err, "parse free shipping threshold")
	}
	fee, err := decimal.NewFromString(c.Pricing.ShippingFee)
	if err != nil {
		return cart.Pricing{}, errors.Wrap(err, "parse shipping fee")
	}
	if threshold.IsNegative() || fee.IsNegative() {
		return cart.Pricing{}, errors.New("pricing values must not be negative")
	}
	return cart.Pricing{FreeShippingThreshold: threshold, ShippingFee: fee}, nil
}

// Breaker returns the coupon circuit breaker settings.
func (c *Config) Breaker() couponapi.BreakerConfig {
	return couponapi.BreakerConfig{
		Failures:         c.Coupon.BreakerFailures,
		OpenTimeout:      c.Coupon.BreakerOpen,
		HalfOpenRequests: c.Coupon.BreakerHalfOpen,
	}
}

// applyPlatformDefaults maps platform-provided environment variables (Railway,
// Render, etc.) that use standard names like DATABASE_URL, REDIS_URL and PORT
// to the application's CART_-prefixed configuration.
func (c *Config) applyPlatformDefaults(getenv func(string) string) {
	if c.Storage.DatabaseURL == "" {
		c.Storage.DatabaseURL = getenv("DATABASE_URL")
	}
	if c.Storage.RedisAddr == "" {
		c.Storage.RedisAddr = getenv("REDIS_URL")
	}
	if port := getenv("PORT"); port != "" && c.Addr == defaultAddr {
		c.Addr = "0.0.0.0:" + port
	}
}
