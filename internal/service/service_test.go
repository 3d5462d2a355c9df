package service

import (
	"context"
	"io"
	"regexp"
	"testing"
	"time"

	"github.com/qcom/marketclient/internal/config"
	"github.com/qcom/marketclient/internal/models"
	"github.com/qcom/marketclient/internal/repository"
	"github.com/qcom/marketclient/internal/token"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "service-test-secret-service-test-secret"

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newJWT(t *testing.T) *JWTService {
	t.Helper()
	s, err := NewJWTService(&config.JWTConfig{
		SecretKey:     testSecret,
		AccessExpiry:  15 * time.Minute,
		RefreshExpiry: time.Hour,
	}, quietLogger())
	require.NoError(t, err)
	return s
}

func testAccount() *models.Account {
	return &models.Account{ID: "acc-1", Email: "mentor@example.com", Role: models.RoleMentor, Verified: true}
}

func TestNewJWTService_RejectsShortSecret(t *testing.T) {
	_, err := NewJWTService(&config.JWTConfig{SecretKey: "short"}, quietLogger())
	assert.Error(t, err)
}

func TestJWTService_IssuePair(t *testing.T) {
	s := newJWT(t)

	pair, family, err := s.IssuePair(testAccount(), "")
	require.NoError(t, err)
	assert.NotEmpty(t, family)
	assert.True(t, pair.Complete())
	assert.Equal(t, "Bearer", pair.TokenType)
	assert.Equal(t, int64(900), pair.ExpiresIn)

	access, err := s.VerifyToken(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, TokenTypeAccess, access.Type)
	assert.Equal(t, "mentor@example.com", access.Subject)
	assert.Equal(t, []string{"ROLE_MENTOR"}, access.Authorities)

	refresh, err := s.VerifyToken(pair.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, TokenTypeRefresh, refresh.Type)
	assert.NotEqual(t, access.ID, refresh.ID)

	_, same, err := s.IssuePair(testAccount(), family)
	require.NoError(t, err)
	assert.Equal(t, family, same)
}

func TestJWTService_TokensDecodeOnTheClient(t *testing.T) {
	s := newJWT(t)
	pair, _, err := s.IssuePair(testAccount(), "")
	require.NoError(t, err)

	id := token.Decode(pair.AccessToken)
	require.NotNil(t, id)
	assert.Equal(t, "mentor@example.com", id.Email)
	assert.Equal(t, models.RoleMentor, id.Role)
	assert.Equal(t, "acc-1", id.UserID)
	assert.WithinDuration(t, id.IssuedAt.Add(15*time.Minute), id.ExpiresAt, time.Second)
}

func TestJWTService_VerifyRejectsExpiredAndForeignTokens(t *testing.T) {
	s := newJWT(t)
	pair, _, err := s.IssuePair(testAccount(), "")
	require.NoError(t, err)

	s.now = func() time.Time { return time.Now().Add(time.Hour) }
	_, err = s.VerifyToken(pair.AccessToken)
	assert.Error(t, err)

	other, err := NewJWTService(&config.JWTConfig{
		SecretKey:    "another-secret-another-secret-another",
		AccessExpiry: time.Minute,
	}, quietLogger())
	require.NoError(t, err)
	foreign, _, err := other.IssuePair(testAccount(), "")
	require.NoError(t, err)

	_, err = newJWT(t).VerifyToken(foreign.AccessToken)
	assert.Error(t, err)
}

func TestGenerateSecretKey(t *testing.T) {
	a, err := GenerateSecretKey()
	require.NoError(t, err)
	b, err := GenerateSecretKey()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(a), 32)
	assert.NotEqual(t, a, b)
}

func newOTP(maxAttempts int) (*OTPService, *repository.MemoryKV) {
	kv := repository.NewMemoryKV()
	return NewOTPService(kv, &config.IssuerOTPConfig{
		Expiry:      2 * time.Minute,
		MaxAttempts: maxAttempts,
	}, quietLogger()), kv
}

func TestOTPService_GenerateAndVerify(t *testing.T) {
	s, kv := newOTP(5)
	ctx := context.Background()

	code, err := s.GenerateOTP(ctx, "Buyer@Example.com")
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^\d{6}$`), code)

	require.NoError(t, s.VerifyOTP(ctx, "buyer@example.com", code))
	assert.Equal(t, 0, kv.Len())

	assert.ErrorIs(t, s.VerifyOTP(ctx, "buyer@example.com", code), ErrOTPNotFound)
}

func TestOTPService_WrongCodesLockTheChallenge(t *testing.T) {
	s, _ := newOTP(3)
	ctx := context.Background()

	code, err := s.GenerateOTP(ctx, "buyer@example.com")
	require.NoError(t, err)
	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, s.VerifyOTP(ctx, "buyer@example.com", wrong), ErrOTPInvalid)
	}
	assert.ErrorIs(t, s.VerifyOTP(ctx, "buyer@example.com", code), ErrOTPMaxAttempts)
	assert.ErrorIs(t, s.VerifyOTP(ctx, "buyer@example.com", code), ErrOTPNotFound)
}

func TestOTPService_ExpiredCode(t *testing.T) {
	s, _ := newOTP(5)
	ctx := context.Background()

	code, err := s.GenerateOTP(ctx, "buyer@example.com")
	require.NoError(t, err)

	s.now = func() time.Time { return time.Now().Add(3 * time.Minute) }
	assert.ErrorIs(t, s.VerifyOTP(ctx, "buyer@example.com", code), ErrOTPExpired)
}

func TestOTPService_RegenerateReplacesCode(t *testing.T) {
	s, _ := newOTP(5)
	ctx := context.Background()

	first, err := s.GenerateOTP(ctx, "buyer@example.com")
	require.NoError(t, err)
	second, err := s.GenerateOTP(ctx, "buyer@example.com")
	require.NoError(t, err)

	if first != second {
		assert.ErrorIs(t, s.VerifyOTP(ctx, "buyer@example.com", first), ErrOTPInvalid)
	}
	assert.NoError(t, s.VerifyOTP(ctx, "buyer@example.com", second))
}

func TestRefreshTokenService_Lifecycle(t *testing.T) {
	s := NewRefreshTokenService(repository.NewMemoryKV(), quietLogger())
	ctx := context.Background()
	exp := time.Now().Add(time.Hour)

	require.NoError(t, s.Store(ctx, "jti-1", "acc-1", "a@example.com", "fam", exp))
	require.NoError(t, s.Store(ctx, "jti-2", "acc-1", "a@example.com", "fam", exp))
	require.NoError(t, s.Store(ctx, "jti-3", "acc-2", "b@example.com", "other", exp))

	data, err := s.Get(ctx, "jti-1")
	require.NoError(t, err)
	assert.Equal(t, "fam", data.FamilyID)
	assert.False(t, data.Revoked)

	require.NoError(t, s.Revoke(ctx, "jti-1"))
	revoked, err := s.IsRevoked(ctx, "jti-1")
	require.NoError(t, err)
	assert.True(t, revoked)

	require.NoError(t, s.RevokeFamily(ctx, "fam"))
	revoked, err = s.IsRevoked(ctx, "jti-2")
	require.NoError(t, err)
	assert.True(t, revoked)

	revoked, err = s.IsRevoked(ctx, "jti-3")
	require.NoError(t, err)
	assert.False(t, revoked)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrRefreshTokenNotFound)
}

func TestAccountService(t *testing.T) {
	s := NewAccountService(repository.NewMemoryKV(), quietLogger())
	ctx := context.Background()

	acc, err := s.Register(ctx, " New@Example.com ", "correct-horse", models.Role("wizard"), false)
	require.NoError(t, err)
	assert.Equal(t, "New@Example.com", acc.Email)
	assert.Equal(t, models.RoleCustomer, acc.Role)
	assert.False(t, acc.Verified)
	assert.NotEqual(t, "correct-horse", acc.PasswordHash)

	_, err = s.Register(ctx, "new@example.com", "other-password", models.RoleAdmin, true)
	assert.ErrorIs(t, err, ErrAccountExists)

	_, err = s.Authenticate(ctx, "new@example.com", "wrong-password")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = s.Authenticate(ctx, "nobody@example.com", "correct-horse")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	got, err := s.Authenticate(ctx, "new@example.com", "correct-horse")
	require.NoError(t, err)
	assert.Equal(t, acc.ID, got.ID)

	verified, err := s.MarkVerified(ctx, "new@example.com")
	require.NoError(t, err)
	assert.True(t, verified.Verified)

	_, err = s.Get(ctx, "nobody@example.com")
	assert.ErrorIs(t, err, ErrAccountNotFound)
}
