package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"salesetl/internal/core"
	"salesetl/internal/log"
)

type Config struct {
	// Pipeline
	ReportingCurrency string
	CSVPath           string
	ReportsDir        string
	// RunInterval schedules worker runs of CSVPath; zero disables it.
	RunInterval       time.Duration

	// Warehouse
	DBType         string
	SQLiteDBPath   string
	PGHost         string
	PGPort         string
	PGDatabase     string
	PGUser         string
	PGPassword     string
	PGSSLMode      string
	StorageTimeout time.Duration

	// Exchange rates
	ExchangeRateAPIURL string
	RateFeedTimeout    time.Duration
	RateFeedTTL        time.Duration
	RateCache          string
	RedisURL           string
	// FallbackRates are quoted like the live feed: units of each currency
	// per one unit of FallbackBase.
	FallbackBase       string
	FallbackRates      map[string]decimal.Decimal

	// AMQP
	AMQPURL          string
	AMQPExchange     string
	AMQPRequestQueue string
	AMQPEventQueue   string

	// HTTP Server
	Port string

	// Logging
	LogLevel  string
	LogFormat string
}

// fileConfig is the optional YAML file named by CONFIG_FILE. Durations are
// Go duration strings.
type fileConfig struct {
	ReportingCurrency  string             `yaml:"reporting_currency"`
	CSVPath            string             `yaml:"csv_path"`
	ReportsDir         string             `yaml:"reports_dir"`
	RunInterval        string             `yaml:"run_interval"`
	DBType             string             `yaml:"db_type"`
	SQLiteDBPath       string             `yaml:"sqlite_db_path"`
	Postgres           postgresFile       `yaml:"postgres"`
	StorageTimeout     string             `yaml:"storage_timeout"`
	ExchangeRateAPIURL string             `yaml:"exchange_rate_api_url"`
	RateFeedTimeout    string             `yaml:"rate_feed_timeout"`
	RateFeedTTL        string             `yaml:"rate_feed_ttl"`
	RateCache          string             `yaml:"rate_cache"`
	RedisURL           string             `yaml:"redis_url"`
	FallbackBase       string             `yaml:"fallback_base"`
	FallbackRates      map[string]float64 `yaml:"fallback_rates"`
	AMQP               amqpFile           `yaml:"amqp"`
	Port               string             `yaml:"port"`
	LogLevel           string             `yaml:"log_level"`
	LogFormat          string             `yaml:"log_format"`
}

type postgresFile struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"sslmode"`
}

type amqpFile struct {
	URL          string `yaml:"url"`
	Exchange     string `yaml:"exchange"`
	RequestQueue string `yaml:"request_queue"`
	EventQueue   string `yaml:"event_queue"`
}

func defaults() *Config {
	return &Config{
		ReportingCurrency: "USD",
		CSVPath:           "./data/sales_data.csv",
		ReportsDir:        "./reports",

		DBType:         "sqlite",
		SQLiteDBPath:   "./data/sales.db",
		PGHost:         "localhost",
		PGPort:         "5432",
		PGDatabase:     "sales",
		PGUser:         "postgres",
		PGSSLMode:      "disable",
		StorageTimeout: 30 * time.Second,

		ExchangeRateAPIURL: "https://api.exchangerate-api.com/v4/latest/USD",
		RateFeedTimeout:    10 * time.Second,
		RateFeedTTL:        5 * time.Minute,
		RateCache:          "sql",
		FallbackBase:       "USD",
		FallbackRates: map[string]decimal.Decimal{
			"EUR": decimal.RequireFromString("0.91"),
			"GBP": decimal.RequireFromString("0.78"),
		},

		AMQPExchange:     "salesetl",
		AMQPRequestQueue: "salesetl_run_requests",
		AMQPEventQueue:   "salesetl_run_events",

		Port: "8081",

		LogLevel:  "info",
		LogFormat: "text",
	}
}

// Load builds the configuration from defaults, then the YAML file named by
// CONFIG_FILE, then environment variables.
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.ReportingCurrency = getEnv("REPORTING_CURRENCY", cfg.ReportingCurrency)
	cfg.CSVPath = getEnv("CSV_PATH", cfg.CSVPath)
	cfg.ReportsDir = getEnv("REPORTS_DIR", cfg.ReportsDir)
	cfg.RunInterval = getEnvDuration("RUN_INTERVAL", cfg.RunInterval)

	cfg.DBType = getEnv("DB_TYPE", cfg.DBType)
	cfg.SQLiteDBPath = getEnv("SQLITE_DB_PATH", cfg.SQLiteDBPath)
	cfg.PGHost = getEnv("PG_HOST", cfg.PGHost)
	cfg.PGPort = getEnv("PG_PORT", cfg.PGPort)
	cfg.PGDatabase = getEnv("PG_DATABASE", cfg.PGDatabase)
	cfg.PGUser = getEnv("PG_USER", cfg.PGUser)
	cfg.PGPassword = getEnv("PG_PASSWORD", cfg.PGPassword)
	cfg.PGSSLMode = getEnv("PG_SSLMODE", cfg.PGSSLMode)
	cfg.StorageTimeout = getEnvDuration("STORAGE_TIMEOUT", cfg.StorageTimeout)

	cfg.ExchangeRateAPIURL = getEnv("EXCHANGE_RATE_API_URL", cfg.ExchangeRateAPIURL)
	cfg.RateFeedTimeout = getEnvDuration("RATE_FEED_TIMEOUT", cfg.RateFeedTimeout)
	cfg.RateFeedTTL = getEnvDuration("RATE_FEED_TTL", cfg.RateFeedTTL)
	cfg.RateCache = getEnv("RATE_CACHE", cfg.RateCache)
	cfg.RedisURL = getEnv("REDIS_URL", cfg.RedisURL)
	cfg.FallbackBase = getEnv("FALLBACK_BASE", cfg.FallbackBase)
	if v := os.Getenv("FALLBACK_RATES"); v != "" {
		quotes, err := ParseFallbackRates(v)
		if err != nil {
			return nil, err
		}
		cfg.FallbackRates = quotes
	}

	cfg.AMQPURL = getEnv("AMQP_URL", cfg.AMQPURL)
	cfg.AMQPExchange = getEnv("AMQP_EXCHANGE", cfg.AMQPExchange)
	cfg.AMQPRequestQueue = getEnv("AMQP_REQUEST_QUEUE", cfg.AMQPRequestQueue)
	cfg.AMQPEventQueue = getEnv("AMQP_EVENT_QUEUE", cfg.AMQPEventQueue)

	cfg.Port = getEnv("PORT", cfg.Port)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getEnv("LOG_FORMAT", cfg.LogFormat)

	cfg.ReportingCurrency = strings.ToUpper(strings.TrimSpace(cfg.ReportingCurrency))
	cfg.FallbackBase = strings.ToUpper(strings.TrimSpace(cfg.FallbackBase))
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var f fileConfig
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	setString(&c.ReportingCurrency, f.ReportingCurrency)
	setString(&c.CSVPath, f.CSVPath)
	setString(&c.ReportsDir, f.ReportsDir)
	setString(&c.DBType, f.DBType)
	setString(&c.SQLiteDBPath, f.SQLiteDBPath)
	setString(&c.PGHost, f.Postgres.Host)
	setString(&c.PGPort, f.Postgres.Port)
	setString(&c.PGDatabase, f.Postgres.Database)
	setString(&c.PGUser, f.Postgres.User)
	setString(&c.PGPassword, f.Postgres.Password)
	setString(&c.PGSSLMode, f.Postgres.SSLMode)
	setString(&c.ExchangeRateAPIURL, f.ExchangeRateAPIURL)
	setString(&c.RateCache, f.RateCache)
	setString(&c.RedisURL, f.RedisURL)
	setString(&c.AMQPURL, f.AMQP.URL)
	setString(&c.AMQPExchange, f.AMQP.Exchange)
	setString(&c.AMQPRequestQueue, f.AMQP.RequestQueue)
	setString(&c.AMQPEventQueue, f.AMQP.EventQueue)
	setString(&c.Port, f.Port)
	setString(&c.LogLevel, f.LogLevel)
	setString(&c.LogFormat, f.LogFormat)

	for _, d := range []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"run_interval", f.RunInterval, &c.RunInterval},
		{"storage_timeout", f.StorageTimeout, &c.StorageTimeout},
		{"rate_feed_timeout", f.RateFeedTimeout, &c.RateFeedTimeout},
		{"rate_feed_ttl", f.RateFeedTTL, &c.RateFeedTTL},
	} {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("config file %s: invalid %s %q", path, d.name, d.raw)
		}
		*d.dst = v
	}

	setString(&c.FallbackBase, f.FallbackBase)
	if len(f.FallbackRates) > 0 {
		quotes := make(map[string]decimal.Decimal, len(f.FallbackRates))
		for code, v := range f.FallbackRates {
			quotes[strings.ToUpper(strings.TrimSpace(code))] = decimal.NewFromFloat(v)
		}
		c.FallbackRates = quotes
	}
	return nil
}

// ParseFallbackRates parses "EUR:0.91,GBP:0.78", units of each currency per
// one unit of the fallback base.
func ParseFallbackRates(s string) (map[string]decimal.Decimal, error) {
	quotes := make(map[string]decimal.Decimal)
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		code, value, ok := strings.Cut(pair, ":")
		if !ok {
			return nil, fmt.Errorf("invalid fallback rate %q: want CODE:VALUE", pair)
		}
		d, err := decimal.NewFromString(strings.TrimSpace(value))
		if err != nil {
			return nil, fmt.Errorf("invalid fallback rate %q: %w", pair, err)
		}
		quotes[strings.ToUpper(strings.TrimSpace(code))] = d
	}
	return quotes, nil
}

// PostgresDSN renders the PG_* settings as a lib/pq URL.
func (c *Config) PostgresDSN() string {
	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(c.PGHost, c.PGPort),
		Path:   "/" + c.PGDatabase,
	}
	if c.PGPassword != "" {
		u.User = url.UserPassword(c.PGUser, c.PGPassword)
	} else if c.PGUser != "" {
		u.User = url.User(c.PGUser)
	}
	if c.PGSSLMode != "" {
		u.RawQuery = url.Values{"sslmode": {c.PGSSLMode}}.Encode()
	}
	return u.String()
}

// AMQPEnabled reports whether a broker is configured.
func (c *Config) AMQPEnabled() bool {
	return c.AMQPURL != ""
}

// Validate validates the configuration and returns an error if invalid
func (c *Config) Validate() error {
	var errors []string

	if _, err := core.ParseCurrency(c.ReportingCurrency); err != nil {
		errors = append(errors, fmt.Sprintf("invalid reporting currency '%s'", c.ReportingCurrency))
	}

	if port, err := strconv.Atoi(c.Port); err != nil {
		errors = append(errors, fmt.Sprintf("invalid port '%s': must be a number", c.Port))
	} else if port < 1 || port > 65535 {
		errors = append(errors, fmt.Sprintf("invalid port %d: must be between 1 and 65535", port))
	}

	switch c.DBType {
	case "sqlite":
		if c.SQLiteDBPath == "" {
			errors = append(errors, "SQLite database path cannot be empty when DB_TYPE is sqlite")
		} else {
			dir := filepath.Dir(c.SQLiteDBPath)
			if dir != "." && dir != "" {
				if _, err := os.Stat(dir); os.IsNotExist(err) {
					if err := os.MkdirAll(dir, 0755); err != nil {
						errors = append(errors, fmt.Sprintf("cannot create SQLite database directory '%s': %v", dir, err))
					}
				}
			}
		}
	case "postgresql":
		if c.PGHost == "" || c.PGDatabase == "" || c.PGUser == "" {
			errors = append(errors, "PG_HOST, PG_DATABASE and PG_USER are required when DB_TYPE is postgresql")
		}
		if port, err := strconv.Atoi(c.PGPort); err != nil || port < 1 || port > 65535 {
			errors = append(errors, fmt.Sprintf("invalid postgres port '%s'", c.PGPort))
		}
	default:
		errors = append(errors, fmt.Sprintf("invalid db type '%s': must be one of [sqlite postgresql]", c.DBType))
	}
	if c.RunInterval < 0 || (c.RunInterval > 0 && c.RunInterval < time.Minute) {
		errors = append(errors, fmt.Sprintf("invalid run interval %v: must be zero or at least 1 minute", c.RunInterval))
	}
	if c.StorageTimeout <= 0 {
		errors = append(errors, fmt.Sprintf("invalid storage timeout %v: must be positive", c.StorageTimeout))
	}

	if c.ExchangeRateAPIURL != "" {
		if u, err := url.Parse(c.ExchangeRateAPIURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			errors = append(errors, fmt.Sprintf("invalid exchange rate API URL '%s'", c.ExchangeRateAPIURL))
		}
	}
	if c.RateFeedTimeout <= 0 {
		errors = append(errors, fmt.Sprintf("invalid rate feed timeout %v: must be positive", c.RateFeedTimeout))
	}
	if c.RateFeedTTL < 0 {
		errors = append(errors, fmt.Sprintf("invalid rate feed ttl %v: must not be negative", c.RateFeedTTL))
	}
	switch c.RateCache {
	case "memory", "sql":
	case "redis":
		if c.RedisURL == "" {
			errors = append(errors, "REDIS_URL is required when RATE_CACHE is redis")
		}
	default:
		errors = append(errors, fmt.Sprintf("invalid rate cache '%s': must be one of [memory redis sql]", c.RateCache))
	}
	if _, err := core.ParseCurrency(c.FallbackBase); err != nil {
		errors = append(errors, fmt.Sprintf("invalid fallback base currency '%s'", c.FallbackBase))
	}
	codes := make([]string, 0, len(c.FallbackRates))
	for code := range c.FallbackRates {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	for _, code := range codes {
		if _, err := core.ParseCurrency(code); err != nil {
			errors = append(errors, fmt.Sprintf("invalid fallback rate currency '%s'", code))
		} else if !c.FallbackRates[code].IsPositive() {
			errors = append(errors, fmt.Sprintf("invalid fallback rate for %s: must be positive", code))
		}
	}

	if c.AMQPURL != "" {
		if parsedURL, err := url.Parse(c.AMQPURL); err != nil {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL '%s': %v", c.AMQPURL, err))
		} else if parsedURL.Scheme != "amqp" && parsedURL.Scheme != "amqps" {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL scheme '%s': must be 'amqp' or 'amqps'", parsedURL.Scheme))
		}
		if c.AMQPExchange == "" {
			errors = append(errors, "AMQP exchange name cannot be empty when AMQP URL is provided")
		}
		if c.AMQPRequestQueue == "" || c.AMQPEventQueue == "" {
			errors = append(errors, "AMQP request and event queue names cannot be empty when AMQP URL is provided")
		}
	}

	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errors = append(errors, fmt.Sprintf("invalid log level '%s'", c.LogLevel))
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errors = append(errors, fmt.Sprintf("invalid log format '%s': must be text or json", c.LogFormat))
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n- %s", strings.Join(errors, "\n- "))
	}

	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
