package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/mail"
	"strings"
	"sync"
	"time"

	"github.com/qcom/marketclient/internal/middleware"
	"github.com/qcom/marketclient/internal/models"
	"github.com/qcom/marketclient/internal/service"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

type AuthHandlers struct {
	otpService          *service.OTPService
	jwtService          *service.JWTService
	refreshTokenService *service.RefreshTokenService
	accounts            *service.AccountService
	logger              *logrus.Logger

	resendPerMin int
	limitersMu   sync.Mutex
	limiters     map[string]*rate.Limiter
}

func NewAuthHandlers(
	otpService *service.OTPService,
	jwtService *service.JWTService,
	refreshTokenService *service.RefreshTokenService,
	accounts *service.AccountService,
	resendPerMin int,
	logger *logrus.Logger,
) *AuthHandlers {
	if resendPerMin <= 0 {
		resendPerMin = 1
	}
	return &AuthHandlers{
		otpService:          otpService,
		jwtService:          jwtService,
		refreshTokenService: refreshTokenService,
		accounts:            accounts,
		logger:              logger,
		resendPerMin:        resendPerMin,
		limiters:            make(map[string]*rate.Limiter),
	}
}

type CredentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type MessageResponse struct {
	Message string `json:"message"`
}

type EmailRequest struct {
	Email string `json:"email"`
}

type VerifyOTPRequest struct {
	Email string `json:"email"`
	OTP   string `json:"otp"`
}

type VerifyOTPResponse struct {
	Verified     bool   `json:"verified"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

type RefreshTokenRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type UserResponse struct {
	Email string `json:"email"`
	Role  string `json:"role"`
	ID    string `json:"id"`
}

type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (h *AuthHandlers) Register(w http.ResponseWriter, r *http.Request) {
	var req CredentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}

	email := strings.TrimSpace(req.Email)
	if !isValidEmail(email) {
		h.respondWithError(w, http.StatusBadRequest, "INVALID_EMAIL", "Invalid email address")
		return
	}
	if len(req.Password) < 8 {
		h.respondWithError(w, http.StatusBadRequest, "WEAK_PASSWORD", "Password must be at least 8 characters")
		return
	}

	_, err := h.accounts.Register(r.Context(), email, req.Password, models.RoleCustomer, false)
	if errors.Is(err, service.ErrAccountExists) {
		h.respondWithError(w, http.StatusConflict, "ACCOUNT_EXISTS", "An account with this email already exists")
		return
	}
	if err != nil {
		h.logger.WithError(err).Error("Failed to register account")
		h.respondWithError(w, http.StatusInternalServerError, "REGISTRATION_FAILED", "Failed to register account")
		return
	}

	if _, err := h.otpService.GenerateOTP(r.Context(), email); err != nil {
		h.logger.WithError(err).Error("Failed to generate OTP")
		h.respondWithError(w, http.StatusInternalServerError, "OTP_GENERATION_FAILED", "Failed to generate OTP")
		return
	}

	h.respondWithJSON(w, http.StatusCreated, MessageResponse{Message: "OTP sent successfully"})
}

func (h *AuthHandlers) Login(w http.ResponseWriter, r *http.Request) {
	var req CredentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}

	account, err := h.accounts.Authenticate(r.Context(), req.Email, req.Password)
	if errors.Is(err, service.ErrInvalidCredentials) {
		h.respondWithError(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password")
		return
	}
	if err != nil {
		h.logger.WithError(err).Error("Failed to authenticate account")
		h.respondWithError(w, http.StatusInternalServerError, "LOGIN_FAILED", "Failed to sign in")
		return
	}

	if !account.Verified {
		h.respondWithError(w, http.StatusForbidden, "ACCOUNT_NOT_VERIFIED", "Please verify your email before signing in")
		return
	}

	tokenPair, ok := h.issue(w, r, account, "")
	if !ok {
		return
	}
	h.respondWithJSON(w, http.StatusOK, tokenPair)
}

func (h *AuthHandlers) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	var req VerifyOTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}

	email := strings.TrimSpace(req.Email)
	otp := strings.TrimSpace(req.OTP)

	if !isValidEmail(email) {
		h.respondWithError(w, http.StatusBadRequest, "INVALID_EMAIL", "Invalid email address")
		return
	}

	if len(otp) != models.OTPLength {
		h.respondWithError(w, http.StatusBadRequest, "INVALID_OTP", "Invalid OTP format")
		return
	}

	err := h.otpService.VerifyOTP(r.Context(), email, otp)
	switch {
	case errors.Is(err, service.ErrOTPExpired), errors.Is(err, service.ErrOTPNotFound):
		h.respondWithError(w, http.StatusUnauthorized, "OTP_EXPIRED", "The code has expired. Request a new one.")
		return
	case errors.Is(err, service.ErrOTPMaxAttempts):
		h.respondWithError(w, http.StatusUnauthorized, "OTP_LOCKED", "Too many attempts. Request a new code.")
		return
	case errors.Is(err, service.ErrOTPInvalid):
		h.respondWithError(w, http.StatusUnauthorized, "INVALID_OTP", "The code is incorrect.")
		return
	case err != nil:
		h.logger.WithError(err).Error("Failed to verify OTP")
		h.respondWithError(w, http.StatusInternalServerError, "OTP_VERIFICATION_FAILED", "Failed to verify OTP")
		return
	}

	account, err := h.accounts.MarkVerified(r.Context(), email)
	if err != nil {
		h.logger.WithError(err).Error("Failed to mark account verified")
		h.respondWithError(w, http.StatusInternalServerError, "OTP_VERIFICATION_FAILED", "Failed to verify OTP")
		return
	}

	tokenPair, ok := h.issue(w, r, account, "")
	if !ok {
		return
	}

	h.respondWithJSON(w, http.StatusOK, VerifyOTPResponse{
		Verified:     true,
		AccessToken:  tokenPair.AccessToken,
		RefreshToken: tokenPair.RefreshToken,
		TokenType:    tokenPair.TokenType,
		ExpiresIn:    tokenPair.ExpiresIn,
	})
}

func (h *AuthHandlers) ResendOTP(w http.ResponseWriter, r *http.Request) {
	var req EmailRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}

	email := strings.ToLower(strings.TrimSpace(req.Email))
	if !isValidEmail(email) {
		h.respondWithError(w, http.StatusBadRequest, "INVALID_EMAIL", "Invalid email address")
		return
	}

	if !h.limiter(email).Allow() {
		h.respondWithError(w, http.StatusTooManyRequests, "RATE_LIMITED", "Please wait before requesting another code")
		return
	}

	// Unknown emails get the same answer.
	if _, err := h.accounts.Get(r.Context(), email); err == nil {
		if _, err := h.otpService.GenerateOTP(r.Context(), email); err != nil {
			h.logger.WithError(err).Error("Failed to generate OTP")
			h.respondWithError(w, http.StatusInternalServerError, "OTP_GENERATION_FAILED", "Failed to generate OTP")
			return
		}
	} else if !errors.Is(err, service.ErrAccountNotFound) {
		h.logger.WithError(err).Error("Failed to look up account")
		h.respondWithError(w, http.StatusInternalServerError, "OTP_GENERATION_FAILED", "Failed to generate OTP")
		return
	}

	h.respondWithJSON(w, http.StatusOK, MessageResponse{Message: "OTP sent successfully"})
}

func (h *AuthHandlers) RefreshToken(w http.ResponseWriter, r *http.Request) {
	var req RefreshTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}

	if req.RefreshToken == "" {
		h.respondWithError(w, http.StatusBadRequest, "MISSING_TOKEN", "Refresh token is required")
		return
	}

	claims, err := h.jwtService.VerifyToken(req.RefreshToken)
	if err != nil {
		h.respondWithError(w, http.StatusUnauthorized, "INVALID_TOKEN", "Invalid refresh token")
		return
	}

	if claims.Type != service.TokenTypeRefresh {
		h.respondWithError(w, http.StatusUnauthorized, "INVALID_TOKEN_TYPE", "Token is not a refresh token")
		return
	}

	tokenData, err := h.refreshTokenService.Get(r.Context(), claims.ID)
	if errors.Is(err, service.ErrRefreshTokenNotFound) {
		h.respondWithError(w, http.StatusUnauthorized, "INVALID_TOKEN", "Invalid refresh token")
		return
	}
	if err != nil {
		h.logger.WithError(err).Error("Failed to get refresh token data")
		h.respondWithError(w, http.StatusInternalServerError, "TOKEN_GENERATION_FAILED", "Failed to generate tokens")
		return
	}

	if tokenData.Revoked {
		// A rotated token came back: treat the family as compromised.
		h.logger.WithField("family_id", tokenData.FamilyID).Warn("Refresh token reuse detected")
		if err := h.refreshTokenService.RevokeFamily(r.Context(), tokenData.FamilyID); err != nil {
			h.logger.WithError(err).Error("Failed to revoke token family")
		}
		h.respondWithError(w, http.StatusUnauthorized, "TOKEN_REVOKED", "Refresh token has been revoked")
		return
	}

	account, err := h.accounts.Get(r.Context(), claims.Subject)
	if err != nil {
		h.respondWithError(w, http.StatusUnauthorized, "INVALID_TOKEN", "Invalid refresh token")
		return
	}

	if err := h.refreshTokenService.Revoke(r.Context(), claims.ID); err != nil {
		h.logger.WithError(err).Error("Failed to revoke rotated refresh token")
		h.respondWithError(w, http.StatusInternalServerError, "TOKEN_GENERATION_FAILED", "Failed to generate tokens")
		return
	}

	tokenPair, ok := h.issue(w, r, account, tokenData.FamilyID)
	if !ok {
		return
	}
	h.respondWithJSON(w, http.StatusOK, tokenPair)
}

func (h *AuthHandlers) Logout(w http.ResponseWriter, r *http.Request) {
	if _, ok := middleware.ClaimsFromContext(r.Context()); !ok {
		h.respondWithError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid token")
		return
	}

	var req RefreshTokenRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	if req.RefreshToken != "" {
		refreshClaims, err := h.jwtService.VerifyToken(req.RefreshToken)
		if err == nil && refreshClaims.Type == service.TokenTypeRefresh {
			if err := h.refreshTokenService.Revoke(r.Context(), refreshClaims.ID); err != nil {
				h.logger.WithError(err).Warn("Failed to revoke refresh token on logout")
			}
		}
	}

	h.respondWithJSON(w, http.StatusOK, MessageResponse{Message: "Logged out successfully"})
}

func (h *AuthHandlers) Me(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		h.respondWithError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid token")
		return
	}
	h.respondWithJSON(w, http.StatusOK, UserResponse{
		Email: claims.Subject,
		Role:  claims.Role,
		ID:    claims.UserID,
	})
}

// issue signs a pair for account and records its refresh token. It writes
// the error response itself and reports whether the caller may continue.
func (h *AuthHandlers) issue(w http.ResponseWriter, r *http.Request, account *models.Account, familyID string) (*models.TokenPair, bool) {
	tokenPair, familyID, err := h.jwtService.IssuePair(account, familyID)
	if err != nil {
		h.logger.WithError(err).Error("Failed to generate tokens")
		h.respondWithError(w, http.StatusInternalServerError, "TOKEN_GENERATION_FAILED", "Failed to generate tokens")
		return nil, false
	}

	claims, err := h.jwtService.VerifyToken(tokenPair.RefreshToken)
	if err != nil {
		h.logger.WithError(err).Error("Failed to verify refresh token")
		h.respondWithError(w, http.StatusInternalServerError, "TOKEN_GENERATION_FAILED", "Failed to generate tokens")
		return nil, false
	}

	if err := h.refreshTokenService.Store(
		r.Context(),
		claims.ID,
		account.ID,
		account.Email,
		familyID,
		claims.ExpiresAt.Time,
	); err != nil {
		h.logger.WithError(err).Error("Failed to store refresh token")
		h.respondWithError(w, http.StatusInternalServerError, "TOKEN_GENERATION_FAILED", "Failed to generate tokens")
		return nil, false
	}

	return tokenPair, true
}

func (h *AuthHandlers) limiter(email string) *rate.Limiter {
	h.limitersMu.Lock()
	defer h.limitersMu.Unlock()

	l, ok := h.limiters[email]
	if !ok {
		l = rate.NewLimiter(rate.Every(time.Minute/time.Duration(h.resendPerMin)), 1)
		h.limiters[email] = l
	}
	return l
}

func (h *AuthHandlers) respondWithJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.WithError(err).Warn("Failed to write response")
	}
}

func (h *AuthHandlers) respondWithError(w http.ResponseWriter, status int, code, message string) {
	h.respondWithJSON(w, status, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}

func isValidEmail(email string) bool {
	addr, err := mail.ParseAddress(email)
	return err == nil && addr.Address == email
}
