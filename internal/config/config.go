package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	Logger LoggerConfig

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	Stripe StripeConfig

	RunMigrations bool

	SchedulerEnabled     bool
	SchedulerIntervalSec int
	SchedulerBatchSize   int
}

type LoggerConfig struct {
	Level string
}

// StripeConfig carries the provider credentials. The webhook secret signs
// inbound deliveries; the API key authorizes outbound gateway calls.
type StripeConfig struct {
	APIKey        string
	WebhookSecret string
	BaseURL       string
	TimeoutSec    int
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:     getenv("APP_SERVICE", "loopbill"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),

		Logger: LoggerConfig{
			Level: getenv("LOG_LEVEL", "info"),
		},

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "loopbill"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", "postgres"),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 25),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),

		RedisAddr:     getenv("REDIS_ADDR", ""),
		RedisPassword: getenv("REDIS_PASSWORD", ""),
		RedisDB:       getenvInt("REDIS_DB", 0),

		Stripe: StripeConfig{
			APIKey:        strings.TrimSpace(getenv("STRIPE_API_KEY", "")),
			WebhookSecret: strings.TrimSpace(getenv("STRIPE_WEBHOOK_SECRET", "")),
			BaseURL:       getenv("STRIPE_BASE_URL", "https://api.stripe.com"),
			TimeoutSec:    getenvInt("STRIPE_TIMEOUT_SEC", 15),
		},

		RunMigrations: getenvBool("RUN_MIGRATIONS", true),

		SchedulerEnabled:     getenvBool("SCHEDULER_ENABLED", true),
		SchedulerIntervalSec: getenvInt("SCHEDULER_INTERVAL_SEC", 60),
		SchedulerBatchSize:   getenvInt("SCHEDULER_BATCH_SIZE", 50),
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}
