package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/qcom/marketclient/internal/models"
	"github.com/qcom/marketclient/internal/token"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// AuthTransport exchanges credentials with the identity provider.
type AuthTransport interface {
	ExchangeCredentials(ctx context.Context, email, password string) (*models.TokenPair, error)
	ExchangeRefreshToken(ctx context.Context, refreshToken string) (*models.TokenPair, error)
}

type Option func(*Manager)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Manager owns the session state of one scope. Readers get snapshots
// through State and Subscribe; only Manager methods mutate it.
type Manager struct {
	store     *Store
	transport AuthTransport
	logger    *logrus.Logger
	now       func() time.Time

	mu      sync.RWMutex
	state   models.SessionState
	subs    map[int]func(models.SessionState)
	nextSub int

	refreshes singleflight.Group
}

func NewManager(store *Store, transport AuthTransport, logger *logrus.Logger, opts ...Option) *Manager {
	m := &Manager{
		store:     store,
		transport: transport,
		logger:    logger,
		now:       time.Now,
		state:     models.UnknownState(),
		subs:      make(map[int]func(models.SessionState)),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State returns the current snapshot. An authenticated session whose
// access token has since expired is reported as anonymous.
func (m *Manager) State() models.SessionState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st := m.state
	if st.Status == models.StatusAuthenticated && st.Identity.ExpiresAt.Before(m.now()) {
		return models.AnonymousState()
	}
	return st.Copy()
}

// Subscribe registers fn for every state transition and returns a func
// that removes it. fn runs outside the Manager's lock.
func (m *Manager) Subscribe(fn func(models.SessionState)) func() {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

func (m *Manager) setState(st models.SessionState) {
	m.mu.Lock()
	m.state = st
	subs := make([]func(models.SessionState), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	for _, fn := range subs {
		fn(st.Copy())
	}
}

// Restore resolves the Unknown state from persisted credentials. An
// expired access token with a refresh token still around is refreshed.
func (m *Manager) Restore(ctx context.Context) models.SessionState {
	pair, err := m.store.Credentials(ctx)
	if err != nil {
		m.logger.WithError(err).Warn("Failed to read persisted session, starting anonymous")
		m.setState(models.AnonymousState())
		return m.State()
	}

	if pair.AccessToken == "" && pair.RefreshToken == "" {
		m.setState(models.AnonymousState())
		return m.State()
	}

	if !pair.Complete() {
		m.logger.Warn("Persisted session holds a single token, clearing it")
		_ = m.Logout(ctx)
		return m.State()
	}

	if !token.IsExpired(pair.AccessToken, m.now()) {
		m.setState(models.AuthenticatedState(*token.Decode(pair.AccessToken)))
		return m.State()
	}

	if _, err := m.Refresh(ctx); err != nil {
		m.logger.WithError(err).Info("Persisted session could not be refreshed")
	}
	return m.State()
}

// Login exchanges email and password for a credential pair. On failure
// nothing is persisted and the state is left as it was.
func (m *Manager) Login(ctx context.Context, email, password string) (*models.Identity, error) {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return nil, ErrMissingCredentials
	}

	pair, err := m.transport.ExchangeCredentials(ctx, email, password)
	if err != nil {
		m.logger.WithError(err).WithField("email", email).Warn("Login failed")
		return nil, transportError(err)
	}

	id, err := m.install(ctx, pair)
	if err != nil {
		m.logger.WithError(err).WithField("email", email).Warn("Login returned unusable credentials")
		return nil, err
	}

	m.logger.WithFields(logrus.Fields{
		"email": id.Email,
		"role":  id.Role,
	}).Info("Logged in")
	return id, nil
}

// Adopt installs a pair obtained outside Login, such as the one returned
// after a successful registration OTP.
func (m *Manager) Adopt(ctx context.Context, pair *models.TokenPair) (*models.Identity, error) {
	return m.install(ctx, pair)
}

func (m *Manager) install(ctx context.Context, pair *models.TokenPair) (*models.Identity, error) {
	if pair == nil || !pair.Complete() {
		return nil, fmt.Errorf("%w: incomplete token pair", ErrMalformedCredential)
	}

	id := token.Decode(pair.AccessToken)
	if id == nil {
		return nil, fmt.Errorf("%w: undecodable access token", ErrMalformedCredential)
	}
	if token.IsExpired(pair.AccessToken, m.now()) {
		return nil, fmt.Errorf("%w: access token already expired", ErrMalformedCredential)
	}

	if err := m.store.SaveCredentials(ctx, *pair); err != nil {
		return nil, err
	}

	m.setState(models.AuthenticatedState(*id))
	return id, nil
}

// Refresh trades the persisted refresh token for a new pair. Any failure
// logs the session out before it is reported. Concurrent calls share one
// request, and the request is not cancelled when a caller goes away.
func (m *Manager) Refresh(ctx context.Context) (*models.Identity, error) {
	ctx = context.WithoutCancel(ctx)

	v, err, shared := m.refreshes.Do("refresh", func() (interface{}, error) {
		return m.refresh(ctx)
	})
	if shared {
		m.logger.Debug("Joined in-flight refresh")
	}
	if err != nil {
		return nil, err
	}

	id := *v.(*models.Identity)
	return &id, nil
}

func (m *Manager) refresh(ctx context.Context) (*models.Identity, error) {
	fail := func(err error) (*models.Identity, error) {
		m.logger.WithError(err).Warn("Refresh failed, logging out")
		if lerr := m.Logout(ctx); lerr != nil {
			return nil, errors.Join(err, lerr)
		}
		return nil, err
	}

	pair, err := m.store.Credentials(ctx)
	if err != nil {
		return fail(err)
	}
	if pair.RefreshToken == "" {
		return fail(ErrMissingRefreshToken)
	}

	next, err := m.transport.ExchangeRefreshToken(ctx, pair.RefreshToken)
	if err != nil {
		return fail(transportError(err))
	}

	id, err := m.install(ctx, next)
	if err != nil {
		return fail(err)
	}

	m.logger.WithField("email", id.Email).Debug("Session refreshed")
	return id, nil
}

// Logout clears every persisted key and moves to Anonymous. The state
// changes even when the backend fails to delete.
func (m *Manager) Logout(ctx context.Context) error {
	err := m.store.Clear(ctx)
	m.setState(models.AnonymousState())
	return err
}

// Identity returns the identity behind the persisted access token, or nil
// when there is none or it has expired. It never goes to the network.
func (m *Manager) Identity(ctx context.Context) *models.Identity {
	access, err := m.store.AccessToken(ctx)
	if err != nil || access == "" {
		return nil
	}
	if token.IsExpired(access, m.now()) {
		return nil
	}
	return token.Decode(access)
}

func (m *Manager) IsAuthenticated(ctx context.Context) bool {
	return m.Identity(ctx) != nil
}

func transportError(err error) error {
	if errors.Is(err, ErrTransportFailure) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrTransportFailure, err)
}
