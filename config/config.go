package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Environment string
	LogLevel    string
	ServerPort  int
	CORSOrigins []string
	Database    DatabaseConfig
	Auth        AuthConfig
	Store       string
	Redis       RedisConfig
	Mail        MailConfig
	Notifier    string
	RabbitMQ    RabbitMQConfig
	PubSub      PubSubConfig
	Templates   string
	Minio       MinioConfig
	GCS         GCSConfig
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	UseSSL   bool
}

// AuthConfig holds token secrets and credential lifecycle tuning.
type AuthConfig struct {
	AccessTokenSecret  string
	RefreshTokenSecret string
	AccessTokenTTL     time.Duration
	RefreshTokenTTL    time.Duration
	Issuer             string

	// PasswordAlgorithm selects the hasher for new hashes: "bcrypt" or "argon2id".
	PasswordAlgorithm string
	BcryptCost        int

	VerificationCodeDigits int
	VerificationCodeTTL    time.Duration
	ResetTokenTTL          time.Duration
	ResetURLBase           string

	SecureCookies bool
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

type MailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

type RabbitMQConfig struct {
	URL             string
	QueueDurable    bool
	QueueAutoDelete bool
	PrefetchCount   int
	// DeadLetterExchange receives email jobs that fail twice.
	DeadLetterExchange string
}

type PubSubConfig struct {
	ProjectID          string
	CredentialsFile    string
	SubscriptionSuffix string
	// MaxOutstanding caps unacked email jobs per mailer; 0 keeps the client default.
	MaxOutstanding int
}

type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type GCSConfig struct {
	ProjectID       string
	Bucket          string
	CredentialsFile string
}

func LoadConfig() Config {
	if os.Getenv("ENV") == "dev" {
		godotenv.Load()
	}

	dbConfig := DatabaseConfig{
		Host:     getEnv("DB_HOST", "localhost"),
		Port:     getEnvInt("DB_PORT", 5432),
		User:     getEnv("DB_USER", "makebreak"),
		Password: getEnv("DB_PASSWORD", "password"),
		DBName:   getEnv("DB_NAME", "makebreak_db"),
		UseSSL:   getEnvBool("DB_USE_SSL", false),
	}

	authConfig := AuthConfig{
		AccessTokenSecret:      getEnv("ACCESS_TOKEN_SECRET", ""),
		RefreshTokenSecret:     getEnv("REFRESH_TOKEN_SECRET", ""),
		AccessTokenTTL:         getEnvDuration("ACCESS_TOKEN_TTL", time.Hour),
		RefreshTokenTTL:        getEnvDuration("REFRESH_TOKEN_TTL", 7*24*time.Hour),
		Issuer:                 getEnv("TOKEN_ISSUER", "makebreak"),
		PasswordAlgorithm:      getEnv("PASSWORD_ALGORITHM", "bcrypt"),
		BcryptCost:             getEnvInt("BCRYPT_COST", 10),
		VerificationCodeDigits: getEnvInt("VERIFICATION_CODE_DIGITS", 6),
		VerificationCodeTTL:    getEnvDuration("VERIFICATION_CODE_TTL", 2*time.Hour),
		ResetTokenTTL:          getEnvDuration("RESET_TOKEN_TTL", 48*time.Hour),
		ResetURLBase:           getEnv("RESET_URL_BASE", "http://localhost:5173/reset-password"),
		SecureCookies:          getEnvBool("SECURE_COOKIES", true),
	}

	return Config{
		Environment: getEnv("ENV", "prod"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		ServerPort:  getEnvInt("SERVER_PORT", 8080),
		CORSOrigins: getEnvList("CORS_ORIGINS", []string{"http://localhost:5173"}),
		Database:    dbConfig,
		Auth:        authConfig,
		Store:       getEnv("STORE_BACKEND", "postgres"),
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			Prefix:   getEnv("REDIS_PREFIX", "mb"),
		},
		Mail: MailConfig{
			Host:     getEnv("EMAIL_HOST", "localhost"),
			Port:     getEnvInt("EMAIL_PORT", 465),
			Username: getEnv("EMAIL_USER", ""),
			Password: getEnv("EMAIL_PASS", ""),
			From:     getEnv("EMAIL_ADDRESS", "no-reply@makebreak.local"),
		},
		Notifier: getEnv("NOTIFIER_BACKEND", "smtp"),
		RabbitMQ: RabbitMQConfig{
			URL:                getEnv("RABBITMQ_URL", ""),
			QueueDurable:       getEnvBool("RABBITMQ_QUEUE_DURABLE", true),
			QueueAutoDelete:    getEnvBool("RABBITMQ_QUEUE_AUTO_DELETE", false),
			PrefetchCount:      getEnvInt("RABBITMQ_PREFETCH", 8),
			DeadLetterExchange: getEnv("RABBITMQ_DEAD_LETTER_EXCHANGE", ""),
		},
		PubSub: PubSubConfig{
			ProjectID:          getEnv("PUBSUB_PROJECT_ID", ""),
			CredentialsFile:    getEnv("PUBSUB_CREDENTIALS_FILE", ""),
			SubscriptionSuffix: getEnv("PUBSUB_SUBSCRIPTION_SUFFIX", "-sub"),
			MaxOutstanding:     getEnvInt("PUBSUB_MAX_OUTSTANDING", 8),
		},
		Templates: getEnv("TEMPLATE_SOURCE", "embedded"),
		Minio: MinioConfig{
			Endpoint:  getEnv("MINIO_ENDPOINT", "localhost:9000"),
			AccessKey: getEnv("MINIO_ACCESS_KEY", ""),
			SecretKey: getEnv("MINIO_SECRET_KEY", ""),
			Bucket:    getEnv("MINIO_BUCKET", "makebreak-templates"),
			UseSSL:    getEnvBool("MINIO_USE_SSL", false),
		},
		GCS: GCSConfig{
			ProjectID:       getEnv("GCS_PROJECT_ID", ""),
			Bucket:          getEnv("GCS_BUCKET", ""),
			CredentialsFile: getEnv("GCS_CREDENTIALS_FILE", ""),
		},
	}
}

// Validate reports settings the server cannot start without.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Auth.AccessTokenSecret) == "" {
		errs = append(errs, errors.New("ACCESS_TOKEN_SECRET is required"))
	}
	if strings.TrimSpace(c.Auth.RefreshTokenSecret) == "" {
		errs = append(errs, errors.New("REFRESH_TOKEN_SECRET is required"))
	}
	if c.Auth.AccessTokenSecret != "" && c.Auth.AccessTokenSecret == c.Auth.RefreshTokenSecret {
		errs = append(errs, errors.New("ACCESS_TOKEN_SECRET and REFRESH_TOKEN_SECRET must differ"))
	}
	switch c.Store {
	case "postgres", "redis", "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_BACKEND %q", c.Store))
	}
	switch c.Notifier {
	case "smtp", "rabbitmq", "pubsub", "log":
	default:
		errs = append(errs, fmt.Errorf("unknown NOTIFIER_BACKEND %q", c.Notifier))
	}
	switch c.Templates {
	case "embedded", "minio", "gcs":
	default:
		errs = append(errs, fmt.Errorf("unknown TEMPLATE_SOURCE %q", c.Templates))
	}
	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if valueStr, exists := os.LookupEnv(key); exists {
		var value int
		fmt.Sscanf(valueStr, "%d", &value)
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if valueStr, exists := os.LookupEnv(key); exists {
		if value, err := strconv.ParseBool(strings.TrimSpace(valueStr)); err == nil {
			return value
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if valueStr, exists := os.LookupEnv(key); exists {
		if value, err := time.ParseDuration(strings.TrimSpace(valueStr)); err == nil {
			return value
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	valueStr, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if item := strings.TrimSpace(part); item != "" {
			out = append(out, item)
		}
	}
	return out
}
