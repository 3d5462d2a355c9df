// Package transport talks to the marketplace identity provider over
// HTTP/JSON. It implements session.AuthTransport and otp.Verifier.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/qcom/marketclient/internal/models"
	"github.com/qcom/marketclient/internal/otp"
	"github.com/qcom/marketclient/internal/session"
	"github.com/sirupsen/logrus"
)

const (
	registerPath  = "/api/v1/auth/register"
	loginPath     = "/api/v1/auth/login"
	refreshPath   = "/api/v1/auth/refresh"
	verifyOTPPath = "/api/v1/auth/verify-otp"
	resendOTPPath = "/api/v1/auth/resend-otp"

	maxResponseBytes = 1 << 20
)

// Error is a non-success answer from the identity provider.
type Error struct {
	Status  int
	Code    string
	Message string
}

func (e *Error) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("identity provider returned %d", e.Status)
	}
	return fmt.Sprintf("identity provider returned %d %s: %s", e.Status, e.Code, e.Message)
}

func (e *Error) UserMessage() string { return e.Message }

func (e *Error) Unwrap() error { return session.ErrTransportFailure }

type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type Client struct {
	baseURL string
	http    *http.Client
	logger  *logrus.Logger
}

func NewClient(baseURL string, timeout time.Duration, logger *logrus.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type verifyOTPRequest struct {
	Email string `json:"email"`
	OTP   string `json:"otp"`
}

type verifyOTPResponse struct {
	Verified bool `json:"verified"`
	models.TokenPair
}

type resendOTPRequest struct {
	Email string `json:"email"`
}

// Register creates an account. The provider answers by sending a one-time
// code to the address, which is then confirmed through VerifyOTP.
func (c *Client) Register(ctx context.Context, email, password string) error {
	return c.post(ctx, registerPath, loginRequest{Email: email, Password: password}, nil)
}

func (c *Client) ExchangeCredentials(ctx context.Context, email, password string) (*models.TokenPair, error) {
	var pair models.TokenPair
	if err := c.post(ctx, loginPath, loginRequest{Email: email, Password: password}, &pair); err != nil {
		return nil, err
	}
	return &pair, nil
}

func (c *Client) ExchangeRefreshToken(ctx context.Context, refreshToken string) (*models.TokenPair, error) {
	var pair models.TokenPair
	if err := c.post(ctx, refreshPath, refreshRequest{RefreshToken: refreshToken}, &pair); err != nil {
		return nil, err
	}
	return &pair, nil
}

// VerifyOTP reports a rejected code as an unverified result; only
// transport problems and server faults come back as errors.
func (c *Client) VerifyOTP(ctx context.Context, email, code string) (*otp.VerifyResult, error) {
	var resp verifyOTPResponse
	err := c.post(ctx, verifyOTPPath, verifyOTPRequest{Email: email, OTP: code}, &resp)

	var perr *Error
	if errors.As(err, &perr) && perr.Status >= 400 && perr.Status < 500 && perr.Status != http.StatusTooManyRequests {
		return &otp.VerifyResult{Reason: perr.Message}, nil
	}
	if err != nil {
		return nil, err
	}

	res := &otp.VerifyResult{Verified: resp.Verified}
	if resp.TokenPair.Complete() {
		pair := resp.TokenPair
		res.Tokens = &pair
	}
	return res, nil
}

func (c *Client) ResendOTP(ctx context.Context, email string) error {
	return c.post(ctx, resendOTPPath, resendOTPRequest{Email: email}, nil)
}

func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.WithError(err).WithField("path", path).Warn("Identity provider unreachable")
		return fmt.Errorf("%w: %w", session.ErrTransportFailure, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%w: failed to read response: %w", session.ErrTransportFailure, err)
	}

	c.logger.WithFields(logrus.Fields{
		"path":     path,
		"status":   resp.StatusCode,
		"duration": time.Since(start).String(),
	}).Debug("Identity provider call")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		perr := &Error{Status: resp.StatusCode}
		var env errorEnvelope
		if json.Unmarshal(data, &env) == nil {
			perr.Code = env.Error.Code
			perr.Message = env.Error.Message
		}
		return perr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %w", session.ErrMalformedCredential, err)
	}
	return nil
}
