package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	Port                  string
	AllowedOrigin         string
	LogLevel              string
	DatabaseURL           string
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	DeliveryTTLHours      int
	AuthSecret            string
	AccessTokenTTLMinutes int
	ManagerPIN            string
	SyncAPIKey            string

	StripeSecretKey     string
	StripeWebhookSecret string

	SwishBaseURL       string
	SwishCertFile      string
	SwishKeyFile       string
	SwishCAFile        string
	SwishPayeeAlias    string
	SwishCallbackURL   string
	SwishCallbackToken string
}

// LoadDotEnv reads path into the environment without overriding variables
// that are already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func Load() Config {
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	tokenTTL, err := strconv.Atoi(getEnv("ACCESS_TOKEN_TTL_MINUTES", "480"))
	if err != nil || tokenTTL < 1 {
		tokenTTL = 480
	}
	deliveryTTL, err := strconv.Atoi(getEnv("DELIVERY_TTL_HOURS", "72"))
	if err != nil || deliveryTTL < 1 {
		deliveryTTL = 72
	}

	cfg := Config{
		Port:                  getEnv("PORT", "8080"),
		AllowedOrigin:         getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		LogLevel:              getEnv("LOG_LEVEL", "info"),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		RedisDB:               redisDB,
		DeliveryTTLHours:      deliveryTTL,
		AuthSecret:            strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes: tokenTTL,
		ManagerPIN:            strings.TrimSpace(os.Getenv("MANAGER_PIN")),
		SyncAPIKey:            strings.TrimSpace(os.Getenv("SYNC_API_KEY")),

		StripeSecretKey:     strings.TrimSpace(os.Getenv("STRIPE_SECRET_KEY")),
		StripeWebhookSecret: strings.TrimSpace(os.Getenv("STRIPE_WEBHOOK_SECRET")),

		SwishBaseURL:       getEnv("SWISH_BASE_URL", "https://cpc.getswish.net/swish-cpcapi"),
		SwishCertFile:      os.Getenv("SWISH_CERT_FILE"),
		SwishKeyFile:       os.Getenv("SWISH_KEY_FILE"),
		SwishCAFile:        os.Getenv("SWISH_CA_FILE"),
		SwishPayeeAlias:    strings.TrimSpace(os.Getenv("SWISH_PAYEE_ALIAS")),
		SwishCallbackURL:   os.Getenv("SWISH_CALLBACK_URL"),
		SwishCallbackToken: strings.TrimSpace(os.Getenv("SWISH_CALLBACK_TOKEN")),
	}

	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func (c Config) StripeEnabled() bool {
	return c.StripeSecretKey != ""
}

func (c Config) SwishEnabled() bool {
	return c.SwishCertFile != "" && c.SwishKeyFile != "" && c.SwishPayeeAlias != ""
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}
