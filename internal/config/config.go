package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
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

	Redis   RedisConfig
	SMTP    SMTPConfig
	Gateway GatewayConfig

	Scheduler SchedulerConfig
}

type LoggerConfig struct {
	Level string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	UseTLS   bool
}

// Enabled reports whether the notifier should use SMTP at all.
func (c SMTPConfig) Enabled() bool {
	return c.Host != "" && c.From != ""
}

// GatewayConfig carries the billing gateway credentials and the fixed
// recurring charge parameters.
type GatewayConfig struct {
	BaseURL      string
	ClientID     string
	SecretKey    string
	Timeout      time.Duration
	ChargeAmount int64
	GoodsName    string
}

// SchedulerConfig carries the static scheduler wiring; tunables that may be
// changed at runtime live in SchedulerTunables instead.
type SchedulerConfig struct {
	Timezone       string
	SettlementSpec string
	RetrySpec      string
	LockBackend    string // db | redis
	RetryBackend   string // memory | db
	BaselinePlan   string
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:     getenv("APP_SERVICE", "autobill"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),
		Logger: LoggerConfig{
			Level: getenv("LOG_LEVEL", "info"),
		},
		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "autobill"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 20),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 3600),
		Redis: RedisConfig{
			Addr:     getenv("REDIS_ADDR", ""),
			Password: getenv("REDIS_PASSWORD", ""),
			DB:       getenvInt("REDIS_DB", 0),
		},
		SMTP: SMTPConfig{
			Host:     getenv("SMTP_HOST", ""),
			Port:     getenvInt("SMTP_PORT", 587),
			Username: getenv("SMTP_USERNAME", ""),
			Password: getenv("SMTP_PASSWORD", ""),
			From:     getenv("SMTP_FROM", ""),
			UseTLS:   getenvBool("SMTP_USE_TLS", true),
		},
		Gateway: GatewayConfig{
			BaseURL:      getenv("GATEWAY_BASE_URL", "https://api.nicepay.co.kr"),
			ClientID:     getenv("GATEWAY_CLIENT_ID", ""),
			SecretKey:    getenv("GATEWAY_SECRET_KEY", ""),
			Timeout:      time.Duration(getenvInt("GATEWAY_TIMEOUT_SECONDS", 30)) * time.Second,
			ChargeAmount: getenvInt64("GATEWAY_CHARGE_AMOUNT", 9900),
			GoodsName:    getenv("GATEWAY_GOODS_NAME", "스토어부스트 월 구독"),
		},
		Scheduler: SchedulerConfig{
			Timezone:       getenv("SCHEDULER_TIMEZONE", "Asia/Seoul"),
			SettlementSpec: getenv("SCHEDULER_SETTLEMENT_SPEC", "0 6 * * *"),
			RetrySpec:      getenv("SCHEDULER_RETRY_SPEC", "0 13 * * *"),
			LockBackend:    normalizeBackend(getenv("SCHEDULER_LOCK_BACKEND", "db"), "db", "redis"),
			RetryBackend:   normalizeBackend(getenv("SCHEDULER_RETRY_BACKEND", "memory"), "memory", "db"),
			BaselinePlan:   getenv("SCHEDULER_BASELINE_PLAN", "basic"),
		},
	}

	return cfg
}

func normalizeBackend(raw string, def string, allowed ...string) string {
	value := strings.ToLower(strings.TrimSpace(raw))
	if value == def {
		return def
	}
	for _, a := range allowed {
		if value == a {
			return a
		}
	}
	return def
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

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

// Module wires application configuration and the hot-reloadable scheduler
// tunables holder.
var Module = fx.Module("config",
	fx.Provide(Load),
	fx.Provide(NewSchedulerTunablesHolder),
)
