package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration
type Config struct {
	Server   ServerConfig
	Gate     GateConfig
	Pricing  PricingConfig
	RateLim  RateLimitConfig
	Meter    MeterConfig
	Webhook  WebhookConfig
	Backends []BackendConfig
	Logging  LoggingConfig
	Metrics  MetricsConfig
	Admin    AdminConfig
	Redis    RedisConfig
	Stripe   StripeConfig
	State    StateConfig
}

type ServerConfig struct {
	Host                    string
	Port                    int
	ReadTimeout             time.Duration
	WriteTimeout            time.Duration
	IdleTimeout             time.Duration
	GracefulShutdownTimeout time.Duration
	MaxBodyBytes            int64
	SessionTTL              time.Duration
	SSEKeepalive            time.Duration
	CORSOrigins             []string
}

type GateConfig struct {
	Maintenance     bool
	ShadowMode      bool
	RefundOnFailure bool
	CallTimeout     time.Duration
}

type PricingConfig struct {
	DefaultCreditsPerCall int64
	// PerKBSurcharge adds credits per KiB of tools/call argument payload.
	PerKBSurcharge int64
	// ToolCredits maps tool name to its per-call price, overriding the default.
	ToolCredits map[string]int64
	// ToolRateLimits maps tool name to a per-minute limit for that tool.
	ToolRateLimits map[string]int
}

type RateLimitConfig struct {
	PerKeyPerMinute int
	SweepIdleAfter  time.Duration
}

type MeterConfig struct {
	UsageRingSize int
	AuditRingSize int
}

type WebhookConfig struct {
	URL         string
	Secret      string
	QueueSize   int
	MaxRetries  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	Timeout     time.Duration
	DeadLetters int
}

// BackendConfig describes one tool server. Exactly one of Command or URL is
// set: Command spawns a stdio child, URL targets a streamable HTTP endpoint.
type BackendConfig struct {
	Prefix  string   `json:"prefix"`
	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`
	URL     string   `json:"url,omitempty"`
}

type LoggingConfig struct {
	Level  string
	Format string // json or text
}

type MetricsConfig struct {
	Enabled bool
	Path    string
}

type AdminConfig struct {
	AdminKey string
	// PerIPPerSecond throttles unauthenticated hits on the admin surface.
	PerIPPerSecond float64
}

type RedisConfig struct {
	URL     string
	Channel string
	HashKey string
}

type StripeConfig struct {
	SecretKey          string
	WebhookSecret      string
	CheckoutSuccessURL string
	CheckoutCancelURL  string
	// CreditsPerUSD converts a checkout amount into credits when the
	// session metadata does not carry an explicit credit count.
	CreditsPerUSD int64
}

type StateConfig struct {
	FilePath      string
	FlushDebounce time.Duration
}

// Load loads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:                    getEnv("SERVER_HOST", "0.0.0.0"),
			Port:                    getEnvInt("SERVER_PORT", 8080),
			ReadTimeout:             getEnvDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:            getEnvDuration("SERVER_WRITE_TIMEOUT", 0),
			IdleTimeout:             getEnvDuration("SERVER_IDLE_TIMEOUT", 120*time.Second),
			GracefulShutdownTimeout: getEnvDuration("SERVER_GRACEFUL_SHUTDOWN_TIMEOUT", 30*time.Second),
			MaxBodyBytes:            getEnvInt64("SERVER_MAX_BODY_BYTES", 1<<20),
			SessionTTL:              getEnvDuration("SERVER_SESSION_TTL", 30*time.Minute),
			SSEKeepalive:            getEnvDuration("SERVER_SSE_KEEPALIVE", 30*time.Second),
			CORSOrigins:             getEnvList("SERVER_CORS_ORIGINS", []string{"*"}),
		},
		Gate: GateConfig{
			Maintenance:     getEnvBool("GATE_MAINTENANCE", false),
			ShadowMode:      getEnvBool("GATE_SHADOW_MODE", false),
			RefundOnFailure: getEnvBool("GATE_REFUND_ON_FAILURE", false),
			CallTimeout:     getEnvDuration("GATE_CALL_TIMEOUT", 60*time.Second),
		},
		Pricing: PricingConfig{
			DefaultCreditsPerCall: getEnvInt64("PRICING_DEFAULT_CREDITS", 1),
			PerKBSurcharge:        getEnvInt64("PRICING_PER_KB_SURCHARGE", 0),
			ToolCredits:           getEnvInt64Map("PRICING_TOOL_CREDITS"),
			ToolRateLimits:        getEnvIntMap("PRICING_TOOL_RATE_LIMITS"),
		},
		RateLim: RateLimitConfig{
			PerKeyPerMinute: getEnvInt("RATELIMIT_PER_KEY_PER_MINUTE", 60),
			SweepIdleAfter:  getEnvDuration("RATELIMIT_SWEEP_IDLE_AFTER", 10*time.Minute),
		},
		Meter: MeterConfig{
			UsageRingSize: getEnvInt("METER_USAGE_RING_SIZE", 10000),
			AuditRingSize: getEnvInt("METER_AUDIT_RING_SIZE", 10000),
		},
		Webhook: WebhookConfig{
			URL:         getEnv("WEBHOOK_URL", ""),
			Secret:      getEnv("WEBHOOK_SECRET", ""),
			QueueSize:   getEnvInt("WEBHOOK_QUEUE_SIZE", 1000),
			MaxRetries:  getEnvInt("WEBHOOK_MAX_RETRIES", 5),
			BaseBackoff: getEnvDuration("WEBHOOK_BASE_BACKOFF", time.Second),
			MaxBackoff:  getEnvDuration("WEBHOOK_MAX_BACKOFF", 5*time.Minute),
			Timeout:     getEnvDuration("WEBHOOK_TIMEOUT", 10*time.Second),
			DeadLetters: getEnvInt("WEBHOOK_DEAD_LETTERS", 1000),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Metrics: MetricsConfig{
			Enabled: getEnvBool("METRICS_ENABLED", true),
			Path:    getEnv("METRICS_PATH", "/metrics"),
		},
		Admin: AdminConfig{
			AdminKey:       getEnv("ADMIN_KEY", ""),
			PerIPPerSecond: getEnvFloat("ADMIN_PER_IP_PER_SECOND", 10),
		},
		Redis: RedisConfig{
			URL:     getEnv("REDIS_URL", ""),
			Channel: getEnv("REDIS_CHANNEL", "paygate:events"),
			HashKey: getEnv("REDIS_HASH_KEY", "paygate:keys"),
		},
		Stripe: StripeConfig{
			SecretKey:          getEnv("STRIPE_SECRET_KEY", ""),
			WebhookSecret:      getEnv("STRIPE_WEBHOOK_SECRET", ""),
			CheckoutSuccessURL: getEnv("STRIPE_CHECKOUT_SUCCESS_URL", ""),
			CheckoutCancelURL:  getEnv("STRIPE_CHECKOUT_CANCEL_URL", ""),
			CreditsPerUSD:      getEnvInt64("STRIPE_CREDITS_PER_USD", 100),
		},
		State: StateConfig{
			FilePath:      getEnv("STATE_FILE", "paygate-state.json"),
			FlushDebounce: getEnvDuration("STATE_FLUSH_DEBOUNCE", 250*time.Millisecond),
		},
	}

	if raw := os.Getenv("BACKENDS"); raw != "" {
		var backends []BackendConfig
		if err := json.Unmarshal([]byte(raw), &backends); err != nil {
			return nil, fmt.Errorf("parse BACKENDS: %w", err)
		}
		cfg.Backends = backends
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.MaxBodyBytes < 1 {
		return fmt.Errorf("max body bytes must be positive")
	}
	if c.State.FlushDebounce < 250*time.Millisecond {
		return fmt.Errorf("state flush debounce must be at least 250ms")
	}
	if c.Pricing.DefaultCreditsPerCall < 0 {
		return fmt.Errorf("default credits per call must be non-negative")
	}
	seen := make(map[string]bool, len(c.Backends))
	for _, b := range c.Backends {
		if b.Prefix == "" {
			return fmt.Errorf("backend prefix must not be empty")
		}
		if seen[b.Prefix] {
			return fmt.Errorf("duplicate backend prefix: %s", b.Prefix)
		}
		seen[b.Prefix] = true
		if (b.Command == "") == (b.URL == "") {
			return fmt.Errorf("backend %s: exactly one of command or url required", b.Prefix)
		}
	}
	return nil
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultValue
}

// getEnvInt64Map parses "tool=5,other=2" into a map.
func getEnvInt64Map(key string) map[string]int64 {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	out := make(map[string]int64)
	for _, pair := range strings.Split(value, ",") {
		kv := strings.SplitN(strings.TrimSpace(pair), "=", 2)
		if len(kv) != 2 {
			continue
		}
		if n, err := strconv.ParseInt(kv[1], 10, 64); err == nil {
			out[kv[0]] = n
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func getEnvIntMap(key string) map[string]int {
	m := getEnvInt64Map(key)
	if m == nil {
		return nil
	}
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = int(v)
	}
	return out
}
