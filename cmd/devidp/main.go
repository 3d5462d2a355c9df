// Command devidp runs a local identity provider that speaks the same
// /api/v1/auth protocol as the marketplace backend. It is meant for
// development and for exercising the client end to end.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/qcom/marketclient/internal/config"
	"github.com/qcom/marketclient/internal/handlers"
	"github.com/qcom/marketclient/internal/middleware"
	"github.com/qcom/marketclient/internal/models"
	"github.com/qcom/marketclient/internal/repository"
	"github.com/qcom/marketclient/internal/service"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

func main() {
	genSecret := flag.Bool("gen-secret", false, "print a random JWT_SECRET_KEY and exit")
	flag.Parse()

	if *genSecret {
		key, err := service.GenerateSecretKey()
		if err != nil {
			fmt.Fprintln(os.Stderr, "failed to generate secret:", err)
			os.Exit(1)
		}
		fmt.Println(key)
		return
	}

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)

	cfg, err := config.LoadIdentityProvider()
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}

	kv, err := initStore(cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize storage")
	}

	jwtService, err := service.NewJWTService(&cfg.JWT, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize JWT service")
	}

	otpService := service.NewOTPService(kv, &cfg.OTP, logger)
	refreshTokenService := service.NewRefreshTokenService(kv, logger)
	accounts := service.NewAccountService(kv, logger)

	if err := seedAccounts(context.Background(), accounts, cfg.Seed, logger); err != nil {
		logger.WithError(err).Fatal("Failed to seed accounts")
	}

	authHandlers := handlers.NewAuthHandlers(
		otpService,
		jwtService,
		refreshTokenService,
		accounts,
		cfg.OTP.ResendPerMin,
		logger,
	)

	authMiddleware := middleware.NewAuthMiddleware(jwtService, logger)
	router := handlers.NewRouter(authHandlers, authMiddleware, logger)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.WithField("port", cfg.Server.Port).Info("Starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Server failed to start")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.WithError(err).Fatal("Server forced to shutdown")
	}

	logger.Info("Server exited")
}

func initStore(cfg *config.IdentityProviderConfig, logger *logrus.Logger) (repository.KV, error) {
	switch cfg.Storage.Backend {
	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Endpoint,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		logger.WithField("endpoint", cfg.Redis.Endpoint).Info("Redis client initialized")
		return repository.NewRedisKV(client, "devidp", 0, logger), nil
	default:
		logger.Info("Using in-memory storage")
		return repository.NewMemoryKV(), nil
	}
}

func seedAccounts(ctx context.Context, accounts *service.AccountService, seeds []config.SeedAccount, logger *logrus.Logger) error {
	for _, seed := range seeds {
		role, ok := models.ParseRole(seed.Role)
		if !ok {
			logger.WithField("role", seed.Role).Warn("Unknown seed role, using CUSTOMER")
			role = models.RoleCustomer
		}
		_, err := accounts.Register(ctx, seed.Email, seed.Password, role, true)
		if errors.Is(err, service.ErrAccountExists) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to seed %s: %w", seed.Email, err)
		}
		logger.WithFields(logrus.Fields{
			"email": seed.Email,
			"role":  role,
		}).Info("Seeded account")
	}
	return nil
}
