// Package config reads the realtime server's environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

type Config struct {
	Port             string `validate:"required,numeric"`
	JWTSecret        string `validate:"required"`
	WriteRedisURL    string `validate:"omitempty,url"`
	DatabaseURL      string
	NodeID           string
	TypingTTL        time.Duration `validate:"gt=0"`
	FallbackTTL      time.Duration `validate:"gt=0"`
	FallbackQueue    int           `validate:"gt=0"`
	SendBuffer       int           `validate:"gt=0"`
	BroadcastChannel string        `validate:"required"`
	InternalPort     string        `validate:"omitempty,numeric"`
}

// Load reads .env files when present, then the environment. Missing
// optional values fall back to defaults; invalid ones are an error.
func Load(files ...string) (Config, error) {
	if len(files) == 0 {
		files = []string{"../.env"}
	}

	for _, f := range files {
		godotenv.Load(f)
	}

	var errs []error

	c := Config{
		Port:             getenv("PORT", "3006"),
		JWTSecret:        os.Getenv("JWT_SECRET"),
		WriteRedisURL:    os.Getenv("WRITE_REDIS_URL"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		NodeID:           os.Getenv("NODE_ID"),
		TypingTTL:        duration("TYPING_TTL", 3*time.Second, &errs),
		FallbackTTL:      duration("FALLBACK_SESSION_TTL", 30*time.Second, &errs),
		FallbackQueue:    integer("FALLBACK_QUEUE_LIMIT", 500, &errs),
		SendBuffer:       integer("SEND_BUFFER", 256, &errs),
		BroadcastChannel: getenv("BROADCAST_CHANNEL", "realtime:broadcast"),
		InternalPort:     os.Getenv("INTERNAL_PORT"),
	}

	if len(errs) > 0 {
		return Config{}, errs[0]
	}

	if err := validator.New().Struct(c); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}

	return c, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}

	return fallback
}

func duration(key string, fallback time.Duration, errs *[]error) time.Duration {
	v := os.Getenv(key)

	if v == "" {
		return fallback
	}

	d, err := time.ParseDuration(v)

	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}

	return d
}

func integer(key string, fallback int, errs *[]error) int {
	v := os.Getenv(key)

	if v == "" {
		return fallback
	}

	n, err := strconv.Atoi(v)

	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}

	return n
}
