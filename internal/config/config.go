package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

type ServerConfig struct {
	Port         int
	TLSPort      int
	EnableTLS    bool
	AutoCert     bool
	Domain       string
	CertFile     string
	KeyFile      string
	AutoCertDir  string
	Email        string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
	PoolSize int
}

type KafkaConfig struct {
	Enabled        bool
	Brokers        []string
	ViolationTopic string
}

type ClickhouseConfig struct {
	Enabled        bool
	URL            string
	Username       string
	Password       string
	Database       string
	ViolationTable string
}

type LoggingConfig struct {
	Level  string
	Format string
}

// PolicyConfig is one named admission policy. Policies are loaded once at
// startup and never mutated afterwards.
type PolicyConfig struct {
	Name             string
	Window           time.Duration
	MaxRequests      int
	BlockDuration    time.Duration
	ProgressiveDelay bool
}

type RateLimitConfig struct {
	KeyPrefix      string
	ProbeInterval  time.Duration
	FallbackShards int
	EventBuffer    int
	BypassToken    string
	Policies       []PolicyConfig
}

type Config struct {
	Environment string
	Server      ServerConfig
	Redis       RedisConfig
	Kafka       KafkaConfig
	Clickhouse  ClickhouseConfig
	Logging     LoggingConfig
	RateLimit   RateLimitConfig
}

var (
	globalConfig *Config
	once         sync.Once
)

// LoadConfig reads configuration from the environment (and .env in
// development) exactly once and caches the result.
func LoadConfig() *Config {
	once.Do(func() {
		// .env is optional; real deployments inject env vars directly
		_ = godotenv.Load()

		globalConfig = &Config{
			Environment: getEnv("ENVIRONMENT", "development"),
			Server: ServerConfig{
				Port:         getEnvInt("SERVER_PORT", 8080),
				TLSPort:      getEnvInt("SERVER_TLS_PORT", 8443),
				EnableTLS:    getEnvBool("SERVER_ENABLE_TLS", false),
				AutoCert:     getEnvBool("SERVER_AUTO_CERT", false),
				Domain:       getEnv("SERVER_DOMAIN", ""),
				CertFile:     getEnv("SERVER_CERT_FILE", ""),
				KeyFile:      getEnv("SERVER_KEY_FILE", ""),
				AutoCertDir:  getEnv("SERVER_AUTOCERT_DIR", "/var/lib/autocert"),
				Email:        getEnv("SERVER_ACME_EMAIL", ""),
				ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 10*time.Second),
				WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
				IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 120*time.Second),
			},
			Redis: RedisConfig{
				URL:      getEnv("REDIS_URL", "redis://localhost:6379"),
				Password: getEnv("REDIS_PASSWORD", ""),
				DB:       getEnvInt("REDIS_DB", 0),
				PoolSize: getEnvInt("REDIS_POOL_SIZE", 50),
			},
			Kafka: KafkaConfig{
				Enabled:        getEnvBool("KAFKA_ENABLED", false),
				Brokers:        splitAndTrim(getEnv("KAFKA_BROKERS", "localhost:9092")),
				ViolationTopic: getEnv("KAFKA_VIOLATION_TOPIC", "admission.violations"),
			},
			Clickhouse: ClickhouseConfig{
				Enabled:        getEnvBool("CLICKHOUSE_ENABLED", false),
				URL:            getEnv("CLICKHOUSE_URL", "http://localhost:8123"),
				Username:       getEnv("CLICKHOUSE_USERNAME", "default"),
				Password:       getEnv("CLICKHOUSE_PASSWORD", ""),
				Database:       getEnv("CLICKHOUSE_DATABASE", "admission"),
				ViolationTable: getEnv("CLICKHOUSE_VIOLATION_TABLE", "violation_events"),
			},
			Logging: LoggingConfig{
				Level:  getEnv("LOG_LEVEL", "info"),
				Format: getEnv("LOG_FORMAT", "json"),
			},
			RateLimit: RateLimitConfig{
				KeyPrefix:      getEnv("RATE_LIMIT_KEY_PREFIX", "admission"),
				ProbeInterval:  getEnvDuration("RATE_LIMIT_PROBE_INTERVAL", 5*time.Second),
				FallbackShards: getEnvInt("RATE_LIMIT_FALLBACK_SHARDS", 64),
				EventBuffer:    getEnvInt("RATE_LIMIT_EVENT_BUFFER", 4096),
				BypassToken:    getEnv("RATE_LIMIT_BYPASS_TOKEN", ""),
				Policies:       defaultPolicies(),
			},
		}

		if err := globalConfig.Validate(); err != nil {
			panic("invalid configuration: " + err.Error())
		}
	})

	return globalConfig
}

// Get returns the cached configuration, loading it if necessary.
func Get() *Config {
	if globalConfig == nil {
		return LoadConfig()
	}
	return globalConfig
}

// defaultPolicies binds one policy per protected operation. Overrides come
// from RATE_LIMIT_POLICY_<NAME>=window,max,block,progressive.
func defaultPolicies() []PolicyConfig {
	policies := []PolicyConfig{
		{Name: "login", Window: time.Minute, MaxRequests: 5, BlockDuration: 15 * time.Minute, ProgressiveDelay: true},
		{Name: "otp", Window: time.Minute, MaxRequests: 3, BlockDuration: 15 * time.Minute, ProgressiveDelay: true},
		{Name: "register", Window: time.Hour, MaxRequests: 3, BlockDuration: 24 * time.Hour, ProgressiveDelay: false},
		{Name: "search", Window: time.Minute, MaxRequests: 30, BlockDuration: 5 * time.Minute, ProgressiveDelay: false},
		{Name: "email", Window: time.Hour, MaxRequests: 10, BlockDuration: time.Hour, ProgressiveDelay: false},
		{Name: "invite", Window: 24 * time.Hour, MaxRequests: 20, BlockDuration: 24 * time.Hour, ProgressiveDelay: false},
	}

	for i, p := range policies {
		envKey := "RATE_LIMIT_POLICY_" + strings.ToUpper(p.Name)
		raw := os.Getenv(envKey)
		if raw == "" {
			continue
		}
		parsed, err := parsePolicy(p.Name, raw)
		if err != nil {
			panic(fmt.Sprintf("invalid %s: %v", envKey, err))
		}
		policies[i] = parsed
	}

	return policies
}

func parsePolicy(name, raw string) (PolicyConfig, error) {
	parts := splitAndTrim(raw)
	if len(parts) != 4 {
		return PolicyConfig{}, fmt.Errorf("expected window,max,block,progressive got %q", raw)
	}
	window, err := time.ParseDuration(parts[0])
	if err != nil {
		return PolicyConfig{}, fmt.Errorf("window: %w", err)
	}
	max, err := strconv.Atoi(parts[1])
	if err != nil {
		return PolicyConfig{}, fmt.Errorf("max requests: %w", err)
	}
	block, err := time.ParseDuration(parts[2])
	if err != nil {
		return PolicyConfig{}, fmt.Errorf("block duration: %w", err)
	}
	progressive, err := strconv.ParseBool(parts[3])
	if err != nil {
		return PolicyConfig{}, fmt.Errorf("progressive flag: %w", err)
	}
	return PolicyConfig{
		Name:             name,
		Window:           window,
		MaxRequests:      max,
		BlockDuration:    block,
		ProgressiveDelay: progressive,
	}, nil
}

func (c *Config) Validate() error {
	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}
	if len(c.RateLimit.Policies) == 0 {
		return fmt.Errorf("at least one rate limit policy is required")
	}
	seen := make(map[string]bool)
	for _, p := range c.RateLimit.Policies {
		if p.Name == "" {
			return fmt.Errorf("policy with empty name")
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate policy %q", p.Name)
		}
		seen[p.Name] = true
		if p.Window <= 0 || p.MaxRequests <= 0 {
			return fmt.Errorf("policy %q: window and max requests must be positive", p.Name)
		}
		if p.BlockDuration < 0 {
			return fmt.Errorf("policy %q: block duration cannot be negative", p.Name)
		}
	}
	if c.RateLimit.FallbackShards <= 0 {
		return fmt.Errorf("fallback shard count must be positive")
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return !c.IsProduction()
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}

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

func splitAndTrim(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
