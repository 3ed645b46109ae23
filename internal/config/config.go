package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration
type Config struct {
	Port          string
	Env           string
	PublicBaseURL string
	LogLevel      string
	DatabaseURL   string

	// Per-appointment locking
	RedisAddr     string
	RedisPassword string
	RedisTLS      bool
	LockTTL       time.Duration

	// Triage advisor
	TriageProvider string // "bedrock" or "gemini"
	TriageTimeout  time.Duration
	GeminiAPIKey   string
	GeminiModelID  string
	BedrockModelID string

	// Payment processor
	PaymentSecretKey     string
	PaymentWebhookSecret string
	PaymentBaseURL       string
	PaymentSuccessURL    string
	PaymentCancelURL     string
	Currency             string
	CurrencyExponent     int
	SessionTTL           time.Duration
	ConsultationFee      string

	// Video room provider
	RoomAPIKey      string
	RoomBaseURL     string
	RoomGraceBefore time.Duration
	RoomGraceAfter  time.Duration

	// Provisioning worker
	UseMemoryQueue       bool
	WorkerCount          int
	RoomJobsQueueURL     string
	ProvisionMaxAttempts int
	ProvisionBaseDelay   time.Duration
	SweepInterval        time.Duration

	// AWS (SQS queue, Bedrock, SES)
	AWSRegion           string
	AWSAccessKeyID      string
	AWSSecretAccessKey  string
	AWSEndpointOverride string

	// Notifications
	EmailProvider     string // "sendgrid" or "ses"
	SendGridAPIKey    string
	SendGridFromEmail string
	SendGridFromName  string
	SESFromEmail      string

	AdminJWTSecret string
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:          getEnv("PORT", "8080"),
		Env:           getEnv("ENV", "development"),
		PublicBaseURL: getEnv("PUBLIC_BASE_URL", ""),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		DatabaseURL:   getEnv("DATABASE_URL", ""),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisTLS:      getEnvAsBool("REDIS_TLS", false),
		LockTTL:       getEnvAsDuration("APPOINTMENT_LOCK_TTL", 30*time.Second),

		TriageProvider: strings.ToLower(strings.TrimSpace(getEnv("TRIAGE_PROVIDER", "bedrock"))),
		TriageTimeout:  getEnvAsDuration("TRIAGE_TIMEOUT", 3*time.Second),
		GeminiAPIKey:   getEnv("GEMINI_API_KEY", ""),
		GeminiModelID:  getEnv("GEMINI_MODEL_ID", "gemini-2.5-flash"),
		BedrockModelID: getEnv("BEDROCK_MODEL_ID", ""),

		PaymentSecretKey:     getEnv("PAYMENT_SECRET_KEY", ""),
		PaymentWebhookSecret: getEnv("PAYMENT_WEBHOOK_SECRET", ""),
		PaymentBaseURL:       getEnv("PAYMENT_BASE_URL", ""),
		PaymentSuccessURL:    getEnv("PAYMENT_SUCCESS_URL", ""),
		PaymentCancelURL:     getEnv("PAYMENT_CANCEL_URL", ""),
		Currency:             strings.ToUpper(getEnv("PAYMENT_CURRENCY", "USD")),
		CurrencyExponent:     getEnvAsInt("PAYMENT_CURRENCY_EXPONENT", 2),
		SessionTTL:           getEnvAsDuration("PAYMENT_SESSION_TTL", 30*time.Minute),
		ConsultationFee:      getEnv("CONSULTATION_FEE", "50.00"),

		RoomAPIKey:      getEnv("ROOM_API_KEY", ""),
		RoomBaseURL:     getEnv("ROOM_BASE_URL", ""),
		RoomGraceBefore: getEnvAsDuration("ROOM_GRACE_BEFORE", 10*time.Minute),
		RoomGraceAfter:  getEnvAsDuration("ROOM_GRACE_AFTER", 30*time.Minute),

		UseMemoryQueue:       getEnvAsBool("USE_MEMORY_QUEUE", false),
		WorkerCount:          getEnvAsInt("WORKER_COUNT", 2),
		RoomJobsQueueURL:     getEnv("ROOM_JOBS_QUEUE_URL", ""),
		ProvisionMaxAttempts: getEnvAsInt("PROVISION_MAX_ATTEMPTS", 3),
		ProvisionBaseDelay:   getEnvAsDuration("PROVISION_BASE_DELAY", 2*time.Second),
		SweepInterval:        getEnvAsDuration("SWEEP_INTERVAL", time.Minute),

		AWSRegion:           getEnv("AWS_REGION", "us-east-1"),
		AWSAccessKeyID:      getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey:  getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpointOverride: getEnv("AWS_ENDPOINT_OVERRIDE", ""),

		EmailProvider:     strings.ToLower(strings.TrimSpace(getEnv("EMAIL_PROVIDER", "sendgrid"))),
		SendGridAPIKey:    getEnv("SENDGRID_API_KEY", ""),
		SendGridFromEmail: getEnv("SENDGRID_FROM_EMAIL", ""),
		SendGridFromName:  getEnv("SENDGRID_FROM_NAME", "Nimbus Health"),
		SESFromEmail:      getEnv("SES_FROM_EMAIL", ""),

		AdminJWTSecret: getEnv("ADMIN_JWT_SECRET", ""),
	}
}

// MissingCredentials reports which collaborator credentials are absent. Absence never
// aborts startup; the affected collaborator fails at its call site instead.
func (c *Config) MissingCredentials() []string {
	var missing []string
	if c.TriageProvider == "gemini" && c.GeminiAPIKey == "" {
		missing = append(missing, "GEMINI_API_KEY")
	}
	if c.TriageProvider == "bedrock" && c.BedrockModelID == "" {
		missing = append(missing, "BEDROCK_MODEL_ID")
	}
	if c.PaymentSecretKey == "" {
		missing = append(missing, "PAYMENT_SECRET_KEY")
	}
	if c.PaymentWebhookSecret == "" {
		missing = append(missing, "PAYMENT_WEBHOOK_SECRET")
	}
	if c.RoomAPIKey == "" {
		missing = append(missing, "ROOM_API_KEY")
	}
	return missing
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
