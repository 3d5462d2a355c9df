package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	API      APIConfig
	Session  SessionConfig
	DynamoDB DynamoDBConfig
	Redis    RedisConfig
	OTP      OTPConfig
}

type APIConfig struct {
	BaseURL string
	Timeout time.Duration
}

type SessionConfig struct {
	Backend string
	Scope   string
	File    string
	TTL     time.Duration
}

type DynamoDBConfig struct {
	Endpoint  string
	Region    string
	TableName string
}

type RedisConfig struct {
	Endpoint string
	Password string
	DB       int
}

type OTPConfig struct {
	Countdown time.Duration
}

const (
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendRedis    = "redis"
	BackendDynamoDB = "dynamodb"
)

// Load reads the client configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{
		API: APIConfig{
			BaseURL: getEnv("MARKET_API_URL", "http://localhost:8080"),
			Timeout: getEnvAsDuration("MARKET_HTTP_TIMEOUT", 15*time.Second),
		},
		Session: SessionConfig{
			Backend: strings.ToLower(getEnv("SESSION_BACKEND", BackendFile)),
			Scope:   getEnv("SESSION_SCOPE", "default"),
			File:    getEnv("SESSION_FILE", defaultSessionFile()),
			TTL:     getEnvAsDuration("SESSION_TTL", 30*24*time.Hour),
		},
		DynamoDB: DynamoDBConfig{
			Endpoint:  getEnv("DYNAMODB_ENDPOINT", ""),
			Region:    getEnv("DYNAMODB_REGION", "us-east-1"),
			TableName: getEnv("DYNAMODB_TABLE_NAME", "MarketClientSessions"),
		},
		Redis: RedisConfig{
			Endpoint: getEnv("REDIS_ENDPOINT", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		OTP: OTPConfig{
			Countdown: getEnvAsDuration("OTP_COUNTDOWN", 120*time.Second),
		},
	}

	u, err := url.Parse(cfg.API.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("MARKET_API_URL must be an absolute URL, got %q", cfg.API.BaseURL)
	}

	switch cfg.Session.Backend {
	case BackendMemory, BackendFile, BackendRedis, BackendDynamoDB:
	default:
		return nil, fmt.Errorf("unsupported SESSION_BACKEND %q", cfg.Session.Backend)
	}

	if cfg.Session.Scope == "" {
		return nil, fmt.Errorf("SESSION_SCOPE must not be empty")
	}

	if cfg.OTP.Countdown < time.Second {
		return nil, fmt.Errorf("OTP_COUNTDOWN must be at least one second")
	}

	return cfg, nil
}

func defaultSessionFile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".marketclient-session.json"
	}
	return dir + string(os.PathSeparator) + "marketclient" + string(os.PathSeparator) + "session.json"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
