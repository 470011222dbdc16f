package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	DBFile        string
	AdminAddr     string
	APIAddr       string
	BaseURL       string
	UploadsPath   string
	JWTSecret     string
	TokenExpiry   time.Duration
	ClientURL     string
	SendQueueSize int
	LogLevel      slog.Level
}

func Load(cliMode bool) (*Config, error) {
	tokenExpiry, err := time.ParseDuration(getEnv("TOKEN_EXPIRY", "168h"))
	if err != nil {
		return nil, fmt.Errorf("invalid TOKEN_EXPIRY: %w", err)
	}

	queueSize, err := strconv.Atoi(getEnv("SEND_QUEUE_SIZE", "256"))
	if err != nil {
		return nil, fmt.Errorf("invalid SEND_QUEUE_SIZE: %w", err)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(getEnv("LOG_LEVEL", "info")))); err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}

	cfg := &Config{
		DBFile:        getEnv("CHATBLOOM_DB", "chatbloom.db"),
		AdminAddr:     getEnv("ADMIN_ADDR", "localhost:8081"),
		APIAddr:       getEnv("API_ADDR", ":8080"),
		BaseURL:       getEnv("BASE_URL", "http://localhost:8080"),
		UploadsPath:   getEnv("UPLOADS_PATH", "uploads"),
		JWTSecret:     os.Getenv("JWT_SECRET"),
		TokenExpiry:   tokenExpiry,
		ClientURL:     os.Getenv("CLIENT_URL"),
		SendQueueSize: queueSize,
		LogLevel:      level,
	}

	if err := cfg.Validate(cliMode); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate(cliMode bool) error {
	if c.JWTSecret == "" && !cliMode {
		return fmt.Errorf("JWT_SECRET is required")
	}

	if c.TokenExpiry <= 0 {
		return fmt.Errorf("TOKEN_EXPIRY must be greater than 0")
	}

	if c.SendQueueSize <= 0 {
		return fmt.Errorf("SEND_QUEUE_SIZE must be greater than 0")
	}

	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
