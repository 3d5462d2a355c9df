package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/qcom/marketclient/internal/models"
	"github.com/qcom/marketclient/internal/repository"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrAccountExists      = errors.New("account already exists")
	ErrAccountNotFound    = errors.New("account not found")
	ErrInvalidCredentials = errors.New("invalid email or password")
)

type AccountService struct {
	kv     repository.KV
	logger *logrus.Logger
}

func NewAccountService(kv repository.KV, logger *logrus.Logger) *AccountService {
	return &AccountService{
		kv:     kv,
		logger: logger,
	}
}

func accountKey(email string) string {
	return fmt.Sprintf("account:%s", strings.ToLower(strings.TrimSpace(email)))
}

// Register creates an unverified account. Unknown roles are stored as
// CUSTOMER.
func (s *AccountService) Register(ctx context.Context, email, password string, role models.Role, verified bool) (*models.Account, error) {
	if _, err := s.Get(ctx, email); err == nil {
		return nil, ErrAccountExists
	} else if !errors.Is(err, ErrAccountNotFound) {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	if r, ok := models.ParseRole(string(role)); ok {
		role = r
	} else {
		role = models.RoleCustomer
	}

	account := &models.Account{
		ID:           uuid.New().String(),
		Email:        strings.TrimSpace(email),
		PasswordHash: string(hash),
		Role:         role,
		Verified:     verified,
		CreatedAt:    time.Now(),
	}

	if err := s.put(ctx, account); err != nil {
		s.logger.WithError(err).Error("Failed to create account")
		return nil, err
	}

	return account, nil
}

func (s *AccountService) Get(ctx context.Context, email string) (*models.Account, error) {
	raw, ok, err := s.kv.Get(ctx, accountKey(email))
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	if !ok {
		return nil, ErrAccountNotFound
	}

	var account models.Account
	if err := json.Unmarshal([]byte(raw), &account); err != nil {
		return nil, fmt.Errorf("failed to unmarshal account: %w", err)
	}
	return &account, nil
}

// Authenticate checks the password. Unknown emails and wrong passwords
// return the same error.
func (s *AccountService) Authenticate(ctx context.Context, email, password string) (*models.Account, error) {
	account, err := s.Get(ctx, email)
	if errors.Is(err, ErrAccountNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return account, nil
}

func (s *AccountService) MarkVerified(ctx context.Context, email string) (*models.Account, error) {
	account, err := s.Get(ctx, email)
	if err != nil {
		return nil, err
	}
	if account.Verified {
		return account, nil
	}
	account.Verified = true
	if err := s.put(ctx, account); err != nil {
		return nil, err
	}
	return account, nil
}

func (s *AccountService) put(ctx context.Context, account *models.Account) error {
	data, err := json.Marshal(account)
	if err != nil {
		return fmt.Errorf("failed to marshal account: %w", err)
	}
	if err := s.kv.Set(ctx, accountKey(account.Email), string(data)); err != nil {
		return fmt.Errorf("failed to store account: %w", err)
	}
	return nil
}
