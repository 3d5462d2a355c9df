package service

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/qcom/marketclient/internal/config"
	"github.com/qcom/marketclient/internal/models"
	"github.com/sirupsen/logrus"
)

const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

type JWTService struct {
	secretKey     []byte
	accessExpiry  time.Duration
	refreshExpiry time.Duration
	now           func() time.Time
	logger        *logrus.Logger
}

func NewJWTService(cfg *config.JWTConfig, logger *logrus.Logger) (*JWTService, error) {
	secretKey := []byte(cfg.SecretKey)
	if len(secretKey) < 32 {
		return nil, fmt.Errorf("secret key must be at least 32 bytes")
	}

	return &JWTService{
		secretKey:     secretKey,
		accessExpiry:  cfg.AccessExpiry,
		refreshExpiry: cfg.RefreshExpiry,
		now:           time.Now,
		logger:        logger,
	}, nil
}

// Claims mirrors what the marketplace backend puts in its tokens: the
// subject is the account email and the role travels both as "role" and
// as a single-entry "authorities" list.
type Claims struct {
	Role        string   `json:"role,omitempty"`
	Authorities []string `json:"authorities,omitempty"`
	UserID      string   `json:"userId"`
	Type        string   `json:"type"`
	jwt.RegisteredClaims
}

// IssuePair signs a fresh access/refresh pair. An empty familyID starts
// a new refresh family.
func (s *JWTService) IssuePair(account *models.Account, familyID string) (*models.TokenPair, string, error) {
	if familyID == "" {
		familyID = uuid.New().String()
	}

	now := s.now()

	accessTokenString, err := s.sign(account, TokenTypeAccess, now, s.accessExpiry)
	if err != nil {
		s.logger.WithError(err).Error("Failed to sign access token")
		return nil, "", fmt.Errorf("failed to sign access token: %w", err)
	}

	refreshTokenString, err := s.sign(account, TokenTypeRefresh, now, s.refreshExpiry)
	if err != nil {
		s.logger.WithError(err).Error("Failed to sign refresh token")
		return nil, "", fmt.Errorf("failed to sign refresh token: %w", err)
	}

	return &models.TokenPair{
		AccessToken:  accessTokenString,
		RefreshToken: refreshTokenString,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.accessExpiry.Seconds()),
	}, familyID, nil
}

func (s *JWTService) sign(account *models.Account, typ string, now time.Time, ttl time.Duration) (string, error) {
	jti := uuid.New().String()
	claims := &Claims{
		Role:        string(account.Role),
		Authorities: []string{"ROLE_" + string(account.Role)},
		UserID:      account.ID,
		Type:        typ,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   account.Email,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        jti,
		},
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secretKey)
}

func (s *JWTService) VerifyToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secretKey, nil
	}, jwt.WithTimeFunc(s.now))

	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	return claims, nil
}

func GenerateSecretKey() (string, error) {
	key := make([]byte, 32) // 256 bits
	if _, err := rand.Read(key); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(key), nil
}
