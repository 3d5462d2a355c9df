package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/qcom/marketclient/internal/models"
	"github.com/qcom/marketclient/internal/repository"
	"github.com/sirupsen/logrus"
)

const (
	keyAccessToken  = "accessToken"
	keyRefreshToken = "refreshToken"
	keyAuthState    = "authState"
)

// Store is the persistence boundary for one session scope (one browser
// profile, one CLI user). It performs no validation.
type Store struct {
	kv     repository.KV
	scope  string
	mu     sync.RWMutex
	logger *logrus.Logger
}

func NewStore(kv repository.KV, scope string, logger *logrus.Logger) *Store {
	return &Store{
		kv:     kv,
		scope:  scope,
		logger: logger,
	}
}

func (s *Store) key(name string) string {
	return s.scope + ":" + name
}

// Credentials returns whatever pair is persisted. Both tokens come from one
// GetMany, so a pair written by another process sharing the backend is
// never read back half old, half new.
func (s *Store) Credentials(ctx context.Context) (models.TokenPair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	access, refresh := s.key(keyAccessToken), s.key(keyRefreshToken)
	values, err := s.kv.GetMany(ctx, access, refresh)
	if err != nil {
		return models.TokenPair{}, fmt.Errorf("failed to read credentials: %w", err)
	}

	return models.TokenPair{AccessToken: values[access], RefreshToken: values[refresh]}, nil
}

func (s *Store) AccessToken(ctx context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, _, err := s.kv.Get(ctx, s.key(keyAccessToken))
	return v, err
}

// SaveCredentials writes both tokens and the auth marker in one batch.
func (s *Store) SaveCredentials(ctx context.Context, pair models.TokenPair) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.kv.SetMany(ctx, map[string]string{
		s.key(keyAccessToken):  pair.AccessToken,
		s.key(keyRefreshToken): pair.RefreshToken,
		s.key(keyAuthState):    models.StatusAuthenticated.String(),
	})
	if err != nil {
		s.logger.WithError(err).WithField("scope", s.scope).Error("Failed to persist credentials")
		return fmt.Errorf("failed to persist credentials: %w", err)
	}
	return nil
}

func (s *Store) AuthState(ctx context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, _, err := s.kv.Get(ctx, s.key(keyAuthState))
	return v, err
}

func (s *Store) SetAuthState(ctx context.Context, state string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kv.Set(ctx, s.key(keyAuthState), state)
}

// Clear removes the three session keys.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.kv.Remove(ctx, s.key(keyAccessToken), s.key(keyRefreshToken), s.key(keyAuthState))
	if err != nil {
		s.logger.WithError(err).WithField("scope", s.scope).Error("Failed to clear credentials")
		return fmt.Errorf("failed to clear credentials: %w", err)
	}
	return nil
}
