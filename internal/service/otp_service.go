package service

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/qcom/marketclient/internal/config"
	"github.com/qcom/marketclient/internal/models"
	"github.com/qcom/marketclient/internal/repository"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrOTPNotFound    = errors.New("OTP not found or expired")
	ErrOTPExpired     = errors.New("OTP expired")
	ErrOTPMaxAttempts = errors.New("maximum attempts exceeded")
	ErrOTPInvalid     = errors.New("invalid OTP")
)

type OTPService struct {
	kv     repository.KV
	cfg    *config.IssuerOTPConfig
	now    func() time.Time
	logger *logrus.Logger
}

func NewOTPService(kv repository.KV, cfg *config.IssuerOTPConfig, logger *logrus.Logger) *OTPService {
	return &OTPService{
		kv:     kv,
		cfg:    cfg,
		now:    time.Now,
		logger: logger,
	}
}

func otpKey(email string) string {
	return fmt.Sprintf("otp:%s", strings.ToLower(email))
}

// GenerateOTP replaces any outstanding code for email.
func (s *OTPService) GenerateOTP(ctx context.Context, email string) (string, error) {
	otp, err := generateRandomOTP(models.OTPLength)
	if err != nil {
		return "", fmt.Errorf("failed to generate OTP: %w", err)
	}

	// Hash OTP before storing
	hashedOTP, err := bcrypt.GenerateFromPassword([]byte(otp), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash OTP: %w", err)
	}

	now := s.now()
	otpData := models.OTPData{
		OTPHash:   string(hashedOTP),
		Email:     email,
		Attempts:  0,
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.Expiry),
	}

	if err := s.put(ctx, email, otpData); err != nil {
		s.logger.WithError(err).Error("Failed to store OTP")
		return "", err
	}

	// Development provider: the code is logged instead of mailed.
	s.logger.WithFields(logrus.Fields{
		"email": email,
		"otp":   otp,
	}).Info("OTP generated (logged for development)")

	return otp, nil
}

func (s *OTPService) VerifyOTP(ctx context.Context, email, otp string) error {
	key := otpKey(email)

	dataJSON, ok, err := s.kv.Get(ctx, key)
	if err != nil {
		s.logger.WithError(err).Error("Failed to get OTP")
		return fmt.Errorf("failed to get OTP: %w", err)
	}
	if !ok {
		return ErrOTPNotFound
	}

	var otpData models.OTPData
	if err := json.Unmarshal([]byte(dataJSON), &otpData); err != nil {
		return fmt.Errorf("failed to unmarshal OTP data: %w", err)
	}

	if s.now().After(otpData.ExpiresAt) {
		_ = s.kv.Remove(ctx, key)
		return ErrOTPExpired
	}

	if otpData.Attempts >= s.cfg.MaxAttempts {
		_ = s.kv.Remove(ctx, key)
		return ErrOTPMaxAttempts
	}

	if err := bcrypt.CompareHashAndPassword([]byte(otpData.OTPHash), []byte(otp)); err != nil {
		otpData.Attempts++
		if perr := s.put(ctx, email, otpData); perr != nil {
			s.logger.WithError(perr).Warn("Failed to record OTP attempt")
		}
		return ErrOTPInvalid
	}

	// Single use.
	if err := s.kv.Remove(ctx, key); err != nil {
		return fmt.Errorf("failed to consume OTP: %w", err)
	}
	return nil
}

func (s *OTPService) put(ctx context.Context, email string, data models.OTPData) error {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal OTP data: %w", err)
	}
	if err := s.kv.Set(ctx, otpKey(email), string(dataJSON)); err != nil {
		return fmt.Errorf("failed to store OTP: %w", err)
	}
	return nil
}

func generateRandomOTP(length int) (string, error) {
	var b strings.Builder
	for i := 0; i < length; i++ {
		num, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", err
		}
		b.WriteString(num.String())
	}
	return b.String(), nil
}
