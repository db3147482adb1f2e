package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
)

const defaultAddr = "0.0.0.0:8080"

// Session backends.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Config holds the complete application configuration, loadable from
// environment variables (STOREFRONT_ prefix), flags, or YAML config files.
type Config struct {
	Addr       string `default:"0.0.0.0:8080" usage:"HTTP listen address"`
	Catalog    CatalogConfig
	Session    SessionConfig
	Storefront StorefrontConfig
	RateLimit  RateLimitConfig
	CORS       CORSConfig
	Graceful   GracefulConfig
}

// CatalogConfig points the storefront at the product API.
type CatalogConfig struct {
	BaseURL  string        `default:"https://fakestoreapi.com" usage:"Product API base URL" flag:"catalog-url"`
	Timeout  time.Duration `default:"10s" usage:"Product API request timeout"`
	CacheTTL time.Duration `default:"5m" usage:"How long the product list is reused"`
	Breaker  BreakerConfig
}

// BreakerConfig controls the circuit breaker in front of the product API.
type BreakerConfig struct {
	MaxRequests  uint32        `default:"1" usage:"Probe requests while half-open"`
	Interval     time.Duration `default:"0s" usage:"Closed-state counter reset interval, 0 never resets"`
	Timeout      time.Duration `default:"30s" usage:"Open-state duration"`
	FailureRatio float64       `default:"0.5" usage:"Failure ratio that opens the breaker"`
	MinRequests  uint32        `default:"5" usage:"Requests observed before the ratio applies"`
}

// SessionConfig selects where carts are kept between requests.
type SessionConfig struct {
	Backend       string        `default:"memory" usage:"Session backend: memory, redis or postgres" flag:"session-backend"`
	Cookie        string        `default:"sid" usage:"Session cookie name"`
	CookieSecure  bool          `default:"false" usage:"Mark the session cookie Secure" flag:"cookie-secure"`
	CookieMaxAge  time.Duration `default:"0s" usage:"Persistent session cookie lifetime, 0 ends the session with the browser"`
	TTL           time.Duration `default:"720h" usage:"Server-side cleanup of stored sessions after the last cart change, 0 keeps them forever"`
	Idle          time.Duration `default:"30m" usage:"Evict in-memory session state after this idle time, 0 disables"`
	PurgeInterval time.Duration `default:"10m" usage:"Expired session cleanup interval (memory and postgres)"`
	RedisAddr     string        `default:"localhost:6379" usage:"Redis address" flag:"redis-addr"`
	RedisPassword string        `usage:"Redis password"`
	RedisDB       int           `default:"0" usage:"Redis database"`
	DatabaseURL   string        `usage:"PostgreSQL connection URL (STOREFRONT_SESSION_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
}

// StorefrontConfig tunes per-visitor behaviour.
type StorefrontConfig struct {
	FilterDelay time.Duration `default:"300ms" usage:"Settling delay before a catalog filter applies"`
	AddDelay    time.Duration `default:"0s" usage:"Delay before a product is added to the cart"`
}

// RateLimitConfig controls the per-client sliding window rate limiter.
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

// LoadConfig loads configuration from environment variables, flags and YAML
// config files, then applies platform-specific defaults.
func LoadConfig() (*Config, error) {
	return loadConfig(aconfig.Config{
		EnvPrefix: "STOREFRONT",
		Files:     []string{"storefront.yaml", "/etc/storefront/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
}

func loadConfig(ac aconfig.Config) (*Config, error) {
	var cfg Config
	if err := aconfig.LoaderFor(&cfg, ac).Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks option combinations the loader cannot express.
func (c *Config) Validate() error {
	switch c.Session.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Session.RedisAddr == "" {
			return errors.New("redis session backend requires STOREFRONT_SESSION_REDIS_ADDR")
		}
	case BackendPostgres:
		if c.Session.DatabaseURL == "" {
			return errors.New("postgres session backend requires STOREFRONT_SESSION_DATABASE_URL or DATABASE_URL")
		}
	default:
		return errors.Errorf("unknown session backend %q", c.Session.Backend)
	}
	if c.Session.Cookie == "" {
		return errors.New("session cookie name is empty")
	}
	if c.Session.CookieMaxAge < 0 {
		return errors.New("session cookie max age must not be negative")
	}
	if c.RateLimit.Max < 1 || c.RateLimit.Window <= 0 {
		return errors.Errorf("invalid rate limit %d per %s", c.RateLimit.Max, c.RateLimit.Window)
	}
	if c.Storefront.FilterDelay < 0 || c.Storefront.AddDelay < 0 {
		return errors.New("storefront delays must not be negative")
	}
	return nil
}

// applyPlatformDefaults maps platform-provided environment variables (Railway,
// Render, etc.) that use standard names like DATABASE_URL and PORT.
func (c *Config) applyPlatformDefaults() {
	if c.Session.DatabaseURL == "" {
		c.Session.DatabaseURL = os.Getenv("DATABASE_URL")
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == defaultAddr {
		c.Addr = "0.0.0.0:" + port
	}
}
