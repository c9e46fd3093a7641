package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port        string
	Environment string
	DatabaseDSN string
	JWTSecret   string
	CORSOrigins string

	// Chat moderation / admission control.
	ChatRateLimitMaxEvents int
	ChatRateLimitWindow    time.Duration
	ChatMaxMessageLength   int
	ChatMaxPageSize        int

	// Attachments.
	AttachmentMaxBytes     int64
	AttachmentAllowedTypes []string
	AttachmentURLTTL       time.Duration

	// Blob storage.
	AWSRegion    string
	AWSAccessKey string
	AWSSecretKey string
	S3Bucket     string

	// Web push.
	VAPIDPublicKey  string
	VAPIDPrivateKey string
}

// Load reads configuration from the environment. An env file named by
// CASELINK_ENV_FILE (or .env when present) is loaded first; real environment
// variables always win over file values.
func Load() *Config {
	if path := os.Getenv("CASELINK_ENV_FILE"); path != "" {
		_ = godotenv.Load(path)
	} else {
		_ = godotenv.Load()
	}

	return &Config{
		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("ENVIRONMENT", "development"),
		DatabaseDSN: getEnv("DATABASE_DSN", "caselink:caselink@tcp(localhost:3306)/caselink?charset=utf8mb4&parseTime=True&loc=Local"),
		JWTSecret:   getEnv("JWT_SECRET", "your-secret-key-change-in-production"),
		CORSOrigins: getEnv("CORS_ORIGINS", "*"),

		ChatRateLimitMaxEvents: parseInt(getEnv("CHAT_RATE_LIMIT_MAX_EVENTS", "10"), 10),
		ChatRateLimitWindow:    time.Duration(parseInt(getEnv("CHAT_RATE_LIMIT_WINDOW_SECONDS", "10"), 10)) * time.Second,
		ChatMaxMessageLength:   parseInt(getEnv("CHAT_MAX_MESSAGE_LENGTH", "4000"), 4000),
		ChatMaxPageSize:        parseInt(getEnv("CHAT_MAX_PAGE_SIZE", "100"), 100),

		AttachmentMaxBytes:     parseInt64(getEnv("CHAT_ATTACHMENT_MAX_BYTES", "10485760"), 10485760), // 10MB default
		AttachmentAllowedTypes: splitList(getEnv("CHAT_ATTACHMENT_ALLOWED_TYPES", "image/png,image/jpeg,image/webp,application/pdf")),
		AttachmentURLTTL:       time.Duration(parseInt(getEnv("CHAT_ATTACHMENT_URL_TTL_SECONDS", "3600"), 3600)) * time.Second,

		AWSRegion:    getEnv("AWS_REGION", "us-east-1"),
		AWSAccessKey: getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretKey: getEnv("AWS_SECRET_ACCESS_KEY", ""),
		S3Bucket:     getEnv("S3_BUCKET", ""),

		VAPIDPublicKey:  getEnv("VAPID_PUBLIC_KEY", ""),
		VAPIDPrivateKey: getEnv("VAPID_PRIVATE_KEY", ""),
	}
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func parseInt(s string, defaultValue int) int {
	val, err := strconv.Atoi(s)
	if err != nil {
		return defaultValue
	}
	return val
}

func parseInt64(s string, defaultValue int64) int64 {
	val, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return defaultValue
	}
	return val
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
