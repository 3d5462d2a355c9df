package config

import (
	"fmt"
	"strings"
	"time"
)

// IdentityProviderConfig configures the local development identity provider.
type IdentityProviderConfig struct {
	Server  ServerConfig
	JWT     JWTConfig
	OTP     IssuerOTPConfig
	Storage SessionConfig
	Redis   RedisConfig
	Seed    []SeedAccount
}

type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type JWTConfig struct {
	SecretKey     string
	AccessExpiry  time.Duration
	RefreshExpiry time.Duration
}

type IssuerOTPConfig struct {
	Expiry       time.Duration
	MaxAttempts  int
	ResendPerMin int
}

// SeedAccount is an account created at startup, parsed from
// DEVIDP_SEED="email:password:ROLE,...".
type SeedAccount struct {
	Email    string
	Password string
	Role     string
}

func LoadIdentityProvider() (*IdentityProviderConfig, error) {
	cfg := &IdentityProviderConfig{
		Server: ServerConfig{
			Port:         getEnv("PORT", "8080"),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		},
		JWT: JWTConfig{
			SecretKey:     getEnv("JWT_SECRET_KEY", ""),
			AccessExpiry:  getEnvAsDuration("JWT_ACCESS_EXPIRY", 15*time.Minute),
			RefreshExpiry: getEnvAsDuration("JWT_REFRESH_EXPIRY", 7*24*time.Hour),
		},
		OTP: IssuerOTPConfig{
			Expiry:       getEnvAsDuration("OTP_EXPIRY", 2*time.Minute),
			MaxAttempts:  getEnvAsInt("OTP_MAX_ATTEMPTS", 5),
			ResendPerMin: getEnvAsInt("OTP_RESEND_PER_MINUTE", 1),
		},
		Storage: SessionConfig{
			Backend: strings.ToLower(getEnv("DEVIDP_BACKEND", BackendMemory)),
		},
		Redis: RedisConfig{
			Endpoint: getEnv("REDIS_ENDPOINT", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
	}

	if cfg.JWT.SecretKey == "" {
		return nil, fmt.Errorf("JWT_SECRET_KEY environment variable is required")
	}

	if len(cfg.JWT.SecretKey) < 32 {
		return nil, fmt.Errorf("JWT_SECRET_KEY must be at least 32 bytes (256 bits)")
	}

	switch cfg.Storage.Backend {
	case BackendMemory, BackendRedis:
	default:
		return nil, fmt.Errorf("unsupported DEVIDP_BACKEND %q", cfg.Storage.Backend)
	}

	seeds, err := parseSeed(getEnv("DEVIDP_SEED", ""))
	if err != nil {
		return nil, err
	}
	cfg.Seed = seeds

	return cfg, nil
}

func parseSeed(raw string) ([]SeedAccount, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var out []SeedAccount
	for _, entry := range strings.Split(raw, ",") {
		parts := strings.SplitN(strings.TrimSpace(entry), ":", 3)
		if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("invalid DEVIDP_SEED entry %q", entry)
		}
		out = append(out, SeedAccount{Email: parts[0], Password: parts[1], Role: parts[2]})
	}
	return out, nil
}
