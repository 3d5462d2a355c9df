package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/qcom/marketclient/internal/models"
	"github.com/qcom/marketclient/internal/repository"
	"github.com/sirupsen/logrus"
)

var ErrRefreshTokenNotFound = errors.New("refresh token not found")

// RefreshTokenService tracks issued refresh tokens so they can be rotated
// and revoked. Tokens of one login share a family; presenting a revoked
// token revokes the whole family.
type RefreshTokenService struct {
	kv     repository.KV
	logger *logrus.Logger
}

func NewRefreshTokenService(kv repository.KV, logger *logrus.Logger) *RefreshTokenService {
	return &RefreshTokenService{
		kv:     kv,
		logger: logger,
	}
}

func refreshKey(jti string) string    { return fmt.Sprintf("refresh_token:%s", jti) }
func familyKey(familyID string) string { return fmt.Sprintf("refresh_family:%s", familyID) }

func (s *RefreshTokenService) Store(ctx context.Context, jti, userID, email, familyID string, expiresAt time.Time) error {
	tokenData := models.RefreshTokenData{
		JTI:       jti,
		UserID:    userID,
		Email:     email,
		FamilyID:  familyID,
		CreatedAt: time.Now(),
		ExpiresAt: expiresAt,
	}

	dataJSON, err := json.Marshal(tokenData)
	if err != nil {
		return fmt.Errorf("failed to marshal token data: %w", err)
	}

	members, err := s.family(ctx, familyID)
	if err != nil {
		return err
	}
	members = append(members, jti)
	familyJSON, err := json.Marshal(members)
	if err != nil {
		return fmt.Errorf("failed to marshal token family: %w", err)
	}

	err = s.kv.SetMany(ctx, map[string]string{
		refreshKey(jti):     string(dataJSON),
		familyKey(familyID): string(familyJSON),
	})
	if err != nil {
		s.logger.WithError(err).Error("Failed to store refresh token")
		return fmt.Errorf("failed to store refresh token: %w", err)
	}

	return nil
}

func (s *RefreshTokenService) Get(ctx context.Context, jti string) (*models.RefreshTokenData, error) {
	dataJSON, ok, err := s.kv.Get(ctx, refreshKey(jti))
	if err != nil {
		return nil, fmt.Errorf("failed to get refresh token: %w", err)
	}
	if !ok {
		return nil, ErrRefreshTokenNotFound
	}

	var tokenData models.RefreshTokenData
	if err := json.Unmarshal([]byte(dataJSON), &tokenData); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token data: %w", err)
	}

	return &tokenData, nil
}

func (s *RefreshTokenService) Revoke(ctx context.Context, jti string) error {
	tokenData, err := s.Get(ctx, jti)
	if err != nil {
		return err
	}
	if tokenData.Revoked {
		return nil
	}

	tokenData.Revoked = true
	dataJSON, err := json.Marshal(tokenData)
	if err != nil {
		return fmt.Errorf("failed to marshal token data: %w", err)
	}

	if err := s.kv.Set(ctx, refreshKey(jti), string(dataJSON)); err != nil {
		return fmt.Errorf("failed to revoke refresh token: %w", err)
	}

	return nil
}

func (s *RefreshTokenService) IsRevoked(ctx context.Context, jti string) (bool, error) {
	tokenData, err := s.Get(ctx, jti)
	if err != nil {
		return false, err
	}
	return tokenData.Revoked, nil
}

func (s *RefreshTokenService) RevokeFamily(ctx context.Context, familyID string) error {
	members, err := s.family(ctx, familyID)
	if err != nil {
		return err
	}

	for _, jti := range members {
		if err := s.Revoke(ctx, jti); err != nil && !errors.Is(err, ErrRefreshTokenNotFound) {
			s.logger.WithError(err).WithField("family_id", familyID).Warn("Failed to revoke family member")
		}
	}

	return nil
}

func (s *RefreshTokenService) family(ctx context.Context, familyID string) ([]string, error) {
	raw, ok, err := s.kv.Get(ctx, familyKey(familyID))
	if err != nil {
		return nil, fmt.Errorf("failed to get token family: %w", err)
	}
	if !ok {
		return nil, nil
	}
	var members []string
	if err := json.Unmarshal([]byte(raw), &members); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token family: %w", err)
	}
	return members, nil
}
