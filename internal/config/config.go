package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string
	DBMaxConns int

	// Redis config
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// AWS Services
	AWSRegion    string
	SESFromEmail string
	SQSRegion    string
	SQSQueueURL  string // event intake queue, empty disables async intake
	SNSRegion    string
	SNSTopicARN  string // dispatch mirror topic, empty disables mirroring

	// Auth
	JWTSecret string

	// Dispatch
	DispatchTxTimeout time.Duration
	DefaultLanguage   string
	TemplateCacheTTL  time.Duration

	// Realtime
	RealtimeBuffer    int
	RealtimeHeartbeat time.Duration

	// Email worker
	EmailPollInterval time.Duration
	EmailBatchSize    int
	EmailMaxAttempts  int

	RateLimitPerMin int
}

// Load reads configuration from environment variables with sensible defaults.
// A .env file in the working directory is applied first when present;
// variables already set in the environment win.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		// Local postgres defaults
		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "beacon",
		DBPassword: "",
		DBName:     "beacon",
		DBSSLMode:  "disable",
		DBMaxConns: 25,

		// Redis defaults
		RedisHost:     "localhost",
		RedisPort:     6379,
		RedisPassword: "",
		RedisDB:       0,

		AWSRegion:    "us-east-1",
		SESFromEmail: "noreply@beacon.local",

		DispatchTxTimeout: 5 * time.Second,
		DefaultLanguage:   "en",
		TemplateCacheTTL:  time.Minute,

		RealtimeBuffer:    16,
		RealtimeHeartbeat: 25 * time.Second,

		EmailPollInterval: 5 * time.Second,
		EmailBatchSize:    10,
		EmailMaxAttempts:  5,

		RateLimitPerMin: 100,
	}

	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		cfg.Port = p
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	// Database config
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DBHost = host
	}

	if port := os.Getenv("DB_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid DB_PORT: %w", err)
		}
		cfg.DBPort = p
	}

	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DBUser = user
	}

	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DBPassword = password
	}

	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		cfg.DBName = dbname
	}

	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		cfg.DBSSLMode = sslmode
	}

	if conns := os.Getenv("DB_MAX_CONNS"); conns != "" {
		c, err := strconv.Atoi(conns)
		if err != nil {
			return nil, fmt.Errorf("invalid DB_MAX_CONNS: %w", err)
		}
		cfg.DBMaxConns = c
	}

	// Redis config
	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.RedisHost = host
	}

	if port := os.Getenv("REDIS_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_PORT: %w", err)
		}
		cfg.RedisPort = p
	}

	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.RedisPassword = password
	}

	if db := os.Getenv("REDIS_DB"); db != "" {
		d, err := strconv.Atoi(db)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
		}
		cfg.RedisDB = d
	}

	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWSRegion = region
	}

	if from := os.Getenv("SES_FROM_EMAIL"); from != "" {
		cfg.SESFromEmail = from
	}

	// SQS config
	if region := os.Getenv("SQS_REGION"); region != "" {
		cfg.SQSRegion = region
	} else {
		cfg.SQSRegion = cfg.AWSRegion
	}

	if url := os.Getenv("SQS_QUEUE_URL"); url != "" {
		cfg.SQSQueueURL = url
	}

	// SNS config
	if region := os.Getenv("SNS_REGION"); region != "" {
		cfg.SNSRegion = region
	} else {
		cfg.SNSRegion = cfg.AWSRegion
	}

	if arn := os.Getenv("SNS_TOPIC_ARN"); arn != "" {
		cfg.SNSTopicARN = arn
	}

	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	if cfg.JWTSecret == "" {
		if cfg.Env == "production" {
			return nil, errors.New("JWT_SECRET is required in production")
		}
		cfg.JWTSecret = "beacon-dev-secret"
	}

	if ms := os.Getenv("DISPATCH_TX_TIMEOUT_MS"); ms != "" {
		v, err := strconv.Atoi(ms)
		if err != nil || v <= 0 {
			return nil, fmt.Errorf("invalid DISPATCH_TX_TIMEOUT_MS: %q", ms)
		}
		cfg.DispatchTxTimeout = time.Duration(v) * time.Millisecond
	}

	if lang := os.Getenv("DEFAULT_LANGUAGE"); lang != "" {
		cfg.DefaultLanguage = lang
	}

	if ttl := os.Getenv("TEMPLATE_CACHE_TTL_SEC"); ttl != "" {
		v, err := strconv.Atoi(ttl)
		if err != nil || v < 0 {
			return nil, fmt.Errorf("invalid TEMPLATE_CACHE_TTL_SEC: %q", ttl)
		}
		cfg.TemplateCacheTTL = time.Duration(v) * time.Second
	}

	// Realtime config
	if buf := os.Getenv("REALTIME_BUFFER"); buf != "" {
		v, err := strconv.Atoi(buf)
		if err != nil || v <= 0 {
			return nil, fmt.Errorf("invalid REALTIME_BUFFER: %q", buf)
		}
		cfg.RealtimeBuffer = v
	}

	if hb := os.Getenv("REALTIME_HEARTBEAT_SEC"); hb != "" {
		v, err := strconv.Atoi(hb)
		if err != nil || v <= 0 {
			return nil, fmt.Errorf("invalid REALTIME_HEARTBEAT_SEC: %q", hb)
		}
		cfg.RealtimeHeartbeat = time.Duration(v) * time.Second
	}

	// Email worker config
	if interval := os.Getenv("EMAIL_POLL_INTERVAL_SEC"); interval != "" {
		v, err := strconv.Atoi(interval)
		if err != nil || v <= 0 {
			return nil, fmt.Errorf("invalid EMAIL_POLL_INTERVAL_SEC: %q", interval)
		}
		cfg.EmailPollInterval = time.Duration(v) * time.Second
	}

	if size := os.Getenv("EMAIL_BATCH_SIZE"); size != "" {
		v, err := strconv.Atoi(size)
		if err != nil || v <= 0 {
			return nil, fmt.Errorf("invalid EMAIL_BATCH_SIZE: %q", size)
		}
		cfg.EmailBatchSize = v
	}

	if attempts := os.Getenv("EMAIL_MAX_ATTEMPTS"); attempts != "" {
		v, err := strconv.Atoi(attempts)
		if err != nil || v <= 0 {
			return nil, fmt.Errorf("invalid EMAIL_MAX_ATTEMPTS: %q", attempts)
		}
		cfg.EmailMaxAttempts = v
	}

	if limit := os.Getenv("RATE_LIMIT_PER_MIN"); limit != "" {
		v, err := strconv.Atoi(limit)
		if err != nil || v <= 0 {
			return nil, fmt.Errorf("invalid RATE_LIMIT_PER_MIN: %q", limit)
		}
		cfg.RateLimitPerMin = v
	}

	return cfg, nil
}
