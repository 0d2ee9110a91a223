package config

import (
	"errors"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
)

// ErrMissingSigningSecret is fatal at startup: without it no session can be
// issued or verified.
var ErrMissingSigningSecret = errors.New("config: JWT_SECRET is required")

type Config struct {
	ServerAddr  string
	DatabaseURL string
	LogLevel    string

	JWTSecret  []byte
	JWTIssuer  string
	BcryptCost int
	AdminEmail string

	SessionTTL           time.Duration
	ResetTokenTTL        time.Duration
	VerificationTokenTTL time.Duration

	KafkaBrokers []string
	KafkaTopic   string

	ESURL      string
	ESUser     string
	ESPassword string
	ESIndex    string

	RedisAddr        string
	LoginMaxAttempts int
	LoginLockWindow  time.Duration
}

// Load reads .env when present and then the process environment.
func Load() Config {
	if err := godotenv.Load(".env"); err != nil {
		log.Printf("Notice: .env file not found: %v. Using system environment variables", err)
	}

	return Config{
		ServerAddr:  EnvDefault("SERVER_ADDR", ":8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		LogLevel:    EnvDefault("LOG_LEVEL", "info"),

		JWTSecret:  []byte(os.Getenv("JWT_SECRET")),
		JWTIssuer:  EnvDefault("JWT_ISSUER", "school-portal"),
		BcryptCost: EnvIntDefault("BCRYPT_COST", 12),
		AdminEmail: os.Getenv("ADMIN_EMAIL"),

		SessionTTL:           EnvDurationDefault("SESSION_TTL", 7*24*time.Hour),
		ResetTokenTTL:        EnvDurationDefault("RESET_TOKEN_TTL", time.Hour),
		VerificationTokenTTL: EnvDurationDefault("VERIFICATION_TOKEN_TTL", 48*time.Hour),

		KafkaBrokers: CSV(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:   EnvDefault("KAFKA_TOPIC", "user_events"),

		ESURL:      os.Getenv("ES_URL"),
		ESUser:     os.Getenv("ES_USER"),
		ESPassword: os.Getenv("ES_PASSWORD"),
		ESIndex:    EnvDefault("ES_INDEX", "auth_audit"),

		RedisAddr:        os.Getenv("REDIS_ADDR"),
		LoginMaxAttempts: EnvIntDefault("LOGIN_MAX_ATTEMPTS", 5),
		LoginLockWindow:  EnvDurationDefault("LOGIN_LOCK_WINDOW", 15*time.Minute),
	}
}

func (c Config) Validate() error {
	if len(c.JWTSecret) == 0 {
		return ErrMissingSigningSecret
	}
	if c.DatabaseURL == "" {
		return errors.New("config: DATABASE_URL is required")
	}
	return nil
}
