package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
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

	// Redis
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// SQS contract events
	SQSRegion   string
	SQSQueueURL string

	// SMTP relay for email
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string

	// AWS services
	AWSRegion    string
	SESFromEmail string
	SNSRegion    string // region for SNS (SMS)

	// EmailProvider selects "ses" or "smtp".
	EmailProvider string

	// Twilio WhatsApp
	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFromNumber string

	// Dispatcher tuning
	DispatchPollInterval time.Duration
	DispatchBatchSize    int
	DispatchSendsPerSec  float64

	// Digest scheduling
	DigestInterval time.Duration
	DigestLookback time.Duration

	// Deadline reminders
	ReminderInterval time.Duration
	ReminderHorizon  time.Duration

	// API rate limiting
	RateLimit       int
	RateLimitWindow time.Duration

	// AI summaries
	AIEnabled    bool
	OpenAIAPIKey string
	OpenAIModel  string
}

// Load reads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		// Local postgres defaults
		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "bidflow",
		DBPassword: "",
		DBName:     "bidflow",
		DBSSLMode:  "disable",

		// Redis defaults
		RedisHost:     "localhost",
		RedisPort:     6379,
		RedisPassword: "",
		RedisDB:       0,

		// SMTP defaults
		SMTPHost: "localhost",
		SMTPPort: 587,
		SMTPFrom: "noreply@bidflow.local",

		AWSRegion:     "us-east-1",
		SESFromEmail:  "noreply@bidflow.local",
		EmailProvider: "smtp",

		DispatchPollInterval: 10 * time.Second,
		DispatchBatchSize:    10,
		DispatchSendsPerSec:  5,

		DigestInterval: 24 * time.Hour,
		DigestLookback: 24 * time.Hour,

		ReminderInterval: 24 * time.Hour,
		ReminderHorizon:  72 * time.Hour,

		RateLimit:       100,
		RateLimitWindow: time.Minute,
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

	if host := os.Getenv("SMTP_HOST"); host != "" {
		cfg.SMTPHost = host
	}

	if port := os.Getenv("SMTP_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid SMTP_PORT: %w", err)
		}
		cfg.SMTPPort = p
	}

	if user := os.Getenv("SMTP_USERNAME"); user != "" {
		cfg.SMTPUsername = user
	}

	if pass := os.Getenv("SMTP_PASSWORD"); pass != "" {
		cfg.SMTPPassword = pass
	}

	if from := os.Getenv("SMTP_FROM"); from != "" {
		cfg.SMTPFrom = from
	}

	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWSRegion = region
	}

	if from := os.Getenv("SES_FROM_EMAIL"); from != "" {
		cfg.SESFromEmail = from
	}

	if provider := os.Getenv("EMAIL_PROVIDER"); provider != "" {
		if provider != "ses" && provider != "smtp" {
			return nil, fmt.Errorf("invalid EMAIL_PROVIDER %q (want ses or smtp)", provider)
		}
		cfg.EmailProvider = provider
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

	// SNS config for SMS
	if region := os.Getenv("SNS_REGION"); region != "" {
		cfg.SNSRegion = region
	} else {
		cfg.SNSRegion = cfg.AWSRegion
	}

	// Twilio WhatsApp config
	if sid := os.Getenv("TWILIO_ACCOUNT_SID"); sid != "" {
		cfg.TwilioAccountSID = sid
	}
	if token := os.Getenv("TWILIO_AUTH_TOKEN"); token != "" {
		cfg.TwilioAuthToken = token
	}
	if from := os.Getenv("TWILIO_FROM_NUMBER"); from != "" {
		cfg.TwilioFromNumber = from
	}

	// Dispatcher tuning
	if interval := os.Getenv("DISPATCH_POLL_INTERVAL"); interval != "" {
		d, err := time.ParseDuration(interval)
		if err != nil {
			return nil, fmt.Errorf("invalid DISPATCH_POLL_INTERVAL: %w", err)
		}
		cfg.DispatchPollInterval = d
	}

	if size := os.Getenv("DISPATCH_BATCH_SIZE"); size != "" {
		n, err := strconv.Atoi(size)
		if err != nil {
			return nil, fmt.Errorf("invalid DISPATCH_BATCH_SIZE: %w", err)
		}
		cfg.DispatchBatchSize = n
	}

	if rps := os.Getenv("DISPATCH_SENDS_PER_SEC"); rps != "" {
		f, err := strconv.ParseFloat(rps, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid DISPATCH_SENDS_PER_SEC: %w", err)
		}
		cfg.DispatchSendsPerSec = f
	}

	// Digest scheduling
	if interval := os.Getenv("DIGEST_INTERVAL"); interval != "" {
		d, err := time.ParseDuration(interval)
		if err != nil {
			return nil, fmt.Errorf("invalid DIGEST_INTERVAL: %w", err)
		}
		cfg.DigestInterval = d
	}

	if lookback := os.Getenv("DIGEST_LOOKBACK"); lookback != "" {
		d, err := time.ParseDuration(lookback)
		if err != nil {
			return nil, fmt.Errorf("invalid DIGEST_LOOKBACK: %w", err)
		}
		cfg.DigestLookback = d
	}

	// Deadline reminders
	if interval := os.Getenv("REMINDER_INTERVAL"); interval != "" {
		d, err := time.ParseDuration(interval)
		if err != nil {
			return nil, fmt.Errorf("invalid REMINDER_INTERVAL: %w", err)
		}
		cfg.ReminderInterval = d
	}

	if horizon := os.Getenv("REMINDER_HORIZON"); horizon != "" {
		d, err := time.ParseDuration(horizon)
		if err != nil {
			return nil, fmt.Errorf("invalid REMINDER_HORIZON: %w", err)
		}
		cfg.ReminderHorizon = d
	}

	// API rate limiting
	if limit := os.Getenv("RATE_LIMIT"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil {
			return nil, fmt.Errorf("invalid RATE_LIMIT: %w", err)
		}
		cfg.RateLimit = n
	}

	if window := os.Getenv("RATE_LIMIT_WINDOW"); window != "" {
		d, err := time.ParseDuration(window)
		if err != nil {
			return nil, fmt.Errorf("invalid RATE_LIMIT_WINDOW: %w", err)
		}
		cfg.RateLimitWindow = d
	}

	// AI config
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		cfg.OpenAIAPIKey = key
		cfg.AIEnabled = true
	}
	if model := os.Getenv("OPENAI_MODEL"); model != "" {
		cfg.OpenAIModel = model
	} else {
		cfg.OpenAIModel = "gpt-4o-mini"
	}

	return cfg, nil
}
