package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/qcom/marketclient/internal/models"
	"github.com/qcom/marketclient/internal/repository"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func accessToken(t *testing.T, email, role string, exp time.Time) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":    email,
		"role":   role,
		"userId": "u-" + email,
		"iat":    exp.Add(-15 * time.Minute).Unix(),
		"exp":    exp.Unix(),
	}).SignedString([]byte("session-test-secret-session-test"))
	require.NoError(t, err)
	return s
}

type fakeTransport struct {
	login        func(email, password string) (*models.TokenPair, error)
	refresh      func(refresh string) (*models.TokenPair, error)
	refreshCalls int32
}

func (f *fakeTransport) ExchangeCredentials(_ context.Context, email, password string) (*models.TokenPair, error) {
	return f.login(email, password)
}

func (f *fakeTransport) ExchangeRefreshToken(ctx context.Context, refresh string) (*models.TokenPair, error) {
	atomic.AddInt32(&f.refreshCalls, 1)
	pair, err := f.refresh(refresh)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return pair, err
}

type userFacingError struct{ msg string }

func (e userFacingError) Error() string       { return "upstream: " + e.msg }
func (e userFacingError) UserMessage() string { return e.msg }

func newTestManager(t *testing.T, ft *fakeTransport) (*Manager, *repository.MemoryKV) {
	t.Helper()
	kv := repository.NewMemoryKV()
	store := NewStore(kv, "test", quietLogger())
	return NewManager(store, ft, quietLogger(), WithClock(func() time.Time { return testNow })), kv
}

func TestManager_LoginPersistsPair(t *testing.T) {
	access := accessToken(t, "admin@example.com", "ADMIN", testNow.Add(time.Hour))
	ft := &fakeTransport{login: func(email, password string) (*models.TokenPair, error) {
		return &models.TokenPair{AccessToken: access, RefreshToken: "r1"}, nil
	}}
	m, kv := newTestManager(t, ft)

	var seen []models.SessionStatus
	m.Subscribe(func(st models.SessionState) { seen = append(seen, st.Status) })

	id, err := m.Login(context.Background(), " admin@example.com ", "pw")
	require.NoError(t, err)
	assert.Equal(t, models.RoleAdmin, id.Role)
	assert.Equal(t, models.StatusAuthenticated, m.State().Status)
	assert.True(t, m.IsAuthenticated(context.Background()))
	assert.Equal(t, 3, kv.Len())
	assert.Equal(t, []models.SessionStatus{models.StatusAuthenticated}, seen)

	state, err := m.store.AuthState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "authenticated", state)
}

func TestManager_LoginFailureLeavesStateUnchanged(t *testing.T) {
	ft := &fakeTransport{login: func(string, string) (*models.TokenPair, error) {
		return nil, userFacingError{msg: "Invalid email or password"}
	}}
	m, kv := newTestManager(t, ft)
	m.Restore(context.Background())

	_, err := m.Login(context.Background(), "a@example.com", "bad")
	require.ErrorIs(t, err, ErrTransportFailure)
	assert.Equal(t, "Invalid email or password", Reason(err))
	assert.Equal(t, models.StatusAnonymous, m.State().Status)
	assert.Zero(t, kv.Len())
}

func TestManager_LoginRejectsIncompleteOrBadPair(t *testing.T) {
	good := accessToken(t, "a@example.com", "CUSTOMER", testNow.Add(time.Hour))
	stale := accessToken(t, "a@example.com", "CUSTOMER", testNow.Add(-time.Hour))

	pairs := map[string]*models.TokenPair{
		"nil":             nil,
		"missing access":  {RefreshToken: "r"},
		"missing refresh": {AccessToken: good},
		"garbage access":  {AccessToken: "not.a.jwt", RefreshToken: "r"},
		"expired access":  {AccessToken: stale, RefreshToken: "r"},
	}

	for name, pair := range pairs {
		t.Run(name, func(t *testing.T) {
			ft := &fakeTransport{login: func(string, string) (*models.TokenPair, error) { return pair, nil }}
			m, kv := newTestManager(t, ft)

			_, err := m.Login(context.Background(), "a@example.com", "pw")
			require.ErrorIs(t, err, ErrMalformedCredential)
			assert.Zero(t, kv.Len(), "no token may be persisted on its own")
			assert.Equal(t, models.StatusUnknown, m.State().Status)
		})
	}
}

func TestManager_LoginRequiresCredentials(t *testing.T) {
	m, _ := newTestManager(t, &fakeTransport{})
	_, err := m.Login(context.Background(), "  ", "pw")
	require.ErrorIs(t, err, ErrMissingCredentials)
	_, err = m.Login(context.Background(), "a@example.com", "")
	require.ErrorIs(t, err, ErrMissingCredentials)
}

func TestManager_LogoutIsIdempotent(t *testing.T) {
	access := accessToken(t, "m@example.com", "MENTOR", testNow.Add(time.Hour))
	ft := &fakeTransport{login: func(string, string) (*models.TokenPair, error) {
		return &models.TokenPair{AccessToken: access, RefreshToken: "r"}, nil
	}}
	m, kv := newTestManager(t, ft)

	require.NoError(t, m.Logout(context.Background()))
	assert.Nil(t, m.Identity(context.Background()))

	_, err := m.Login(context.Background(), "m@example.com", "pw")
	require.NoError(t, err)

	require.NoError(t, m.Logout(context.Background()))
	require.NoError(t, m.Logout(context.Background()))
	assert.Nil(t, m.Identity(context.Background()))
	assert.False(t, m.IsAuthenticated(context.Background()))
	assert.Equal(t, models.StatusAnonymous, m.State().Status)
	assert.Zero(t, kv.Len())
}

func TestManager_ExpiredPersistedTokenIsNotAuthenticated(t *testing.T) {
	m, _ := newTestManager(t, &fakeTransport{})
	stale := accessToken(t, "a@example.com", "ADMIN", testNow.Add(-time.Second))
	require.NoError(t, m.store.SaveCredentials(context.Background(), models.TokenPair{AccessToken: stale, RefreshToken: "r"}))

	assert.False(t, m.IsAuthenticated(context.Background()))
	assert.Nil(t, m.Identity(context.Background()))
}

func TestManager_RefreshReplacesPair(t *testing.T) {
	first := accessToken(t, "a@example.com", "CUSTOMER", testNow.Add(time.Minute))
	second := accessToken(t, "a@example.com", "CUSTOMER", testNow.Add(time.Hour))
	ft := &fakeTransport{refresh: func(refresh string) (*models.TokenPair, error) {
		if refresh != "r1" {
			return nil, errors.New("unexpected refresh token")
		}
		return &models.TokenPair{AccessToken: second, RefreshToken: "r2"}, nil
	}}
	m, _ := newTestManager(t, ft)
	require.NoError(t, m.store.SaveCredentials(context.Background(), models.TokenPair{AccessToken: first, RefreshToken: "r1"}))

	id, err := m.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, testNow.Add(time.Hour).Unix(), id.ExpiresAt.Unix())

	pair, err := m.store.Credentials(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.TokenPair{AccessToken: second, RefreshToken: "r2"}, pair)
}

func TestManager_FailedRefreshLogsOut(t *testing.T) {
	valid := accessToken(t, "a@example.com", "CUSTOMER", testNow.Add(time.Hour))

	cases := []struct {
		name    string
		stored  *models.TokenPair
		refresh func(string) (*models.TokenPair, error)
		want    error
	}{
		{
			name: "nothing persisted",
			want: ErrMissingRefreshToken,
		},
		{
			name:   "transport error",
			stored: &models.TokenPair{AccessToken: valid, RefreshToken: "r"},
			refresh: func(string) (*models.TokenPair, error) {
				return nil, errors.New("connection refused")
			},
			want: ErrTransportFailure,
		},
		{
			name:   "malformed response",
			stored: &models.TokenPair{AccessToken: valid, RefreshToken: "r"},
			refresh: func(string) (*models.TokenPair, error) {
				return &models.TokenPair{AccessToken: valid}, nil
			},
			want: ErrMalformedCredential,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m, kv := newTestManager(t, &fakeTransport{refresh: tc.refresh})
			if tc.stored != nil {
				require.NoError(t, m.store.SaveCredentials(context.Background(), *tc.stored))
				require.True(t, m.IsAuthenticated(context.Background()))
			}

			_, err := m.Refresh(context.Background())
			require.ErrorIs(t, err, tc.want)
			assert.False(t, m.IsAuthenticated(context.Background()))
			assert.Nil(t, m.Identity(context.Background()))
			assert.Equal(t, models.StatusAnonymous, m.State().Status)
			assert.Zero(t, kv.Len())
		})
	}
}

func TestManager_RefreshSurvivesCallerCancellation(t *testing.T) {
	next := accessToken(t, "a@example.com", "CUSTOMER", testNow.Add(time.Hour))
	release := make(chan struct{})
	ft := &fakeTransport{refresh: func(string) (*models.TokenPair, error) {
		<-release
		return &models.TokenPair{AccessToken: next, RefreshToken: "r2"}, nil
	}}
	m, _ := newTestManager(t, ft)
	require.NoError(t, m.store.SaveCredentials(context.Background(), models.TokenPair{AccessToken: "x", RefreshToken: "r1"}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := m.Refresh(ctx)
		done <- err
	}()

	cancel()
	close(release)
	require.NoError(t, <-done)
	assert.True(t, m.IsAuthenticated(context.Background()))
}

func TestManager_ConcurrentRefreshIsCoalesced(t *testing.T) {
	next := accessToken(t, "a@example.com", "CUSTOMER", testNow.Add(time.Hour))
	release := make(chan struct{})
	ft := &fakeTransport{refresh: func(string) (*models.TokenPair, error) {
		<-release
		return &models.TokenPair{AccessToken: next, RefreshToken: "r2"}, nil
	}}
	m, _ := newTestManager(t, ft)
	require.NoError(t, m.store.SaveCredentials(context.Background(), models.TokenPair{AccessToken: "x", RefreshToken: "r1"}))

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Refresh(context.Background())
			errs <- err
		}()
	}

	// Let every goroutine join the in-flight call before releasing it.
	require.Eventually(t, func() bool { return atomic.LoadInt32(&ft.refreshCalls) == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	assert.LessOrEqual(t, atomic.LoadInt32(&ft.refreshCalls), int32(5))
	assert.True(t, m.IsAuthenticated(context.Background()))
}

func assertPairNeverTorn(t *testing.T, writer, reader *Store) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, writer.SaveCredentials(ctx, models.TokenPair{AccessToken: "a0", RefreshToken: "r0"}))

	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 1; i < 500; i++ {
			n := fmt.Sprint(i)
			_ = writer.SaveCredentials(ctx, models.TokenPair{AccessToken: "a" + n, RefreshToken: "r" + n})
		}
		close(stop)
	}()

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				pair, err := reader.Credentials(ctx)
				if !assert.NoError(t, err) {
					return
				}
				assert.Equal(t, strings.TrimPrefix(pair.AccessToken, "a"), strings.TrimPrefix(pair.RefreshToken, "r"))
			}
		}()
	}

	wg.Wait()
}

func TestStore_PairIsNeverTorn(t *testing.T) {
	store := NewStore(repository.NewMemoryKV(), "torn", quietLogger())
	assertPairNeverTorn(t, store, store)
}

// Two stores over one backend stand in for two processes sharing a file,
// Redis or DynamoDB table: they do not share the store's lock.
func TestStore_PairIsNeverTornAcrossStores(t *testing.T) {
	kv := repository.NewMemoryKV()
	assertPairNeverTorn(t,
		NewStore(kv, "shared", quietLogger()),
		NewStore(kv, "shared", quietLogger()),
	)
}

func TestManager_Restore(t *testing.T) {
	valid := accessToken(t, "a@example.com", "MENTOR", testNow.Add(time.Hour))
	stale := accessToken(t, "a@example.com", "MENTOR", testNow.Add(-time.Hour))

	t.Run("empty storage is anonymous", func(t *testing.T) {
		m, _ := newTestManager(t, &fakeTransport{})
		require.Equal(t, models.StatusUnknown, m.State().Status)
		assert.Equal(t, models.StatusAnonymous, m.Restore(context.Background()).Status)
	})

	t.Run("valid token is authenticated", func(t *testing.T) {
		m, _ := newTestManager(t, &fakeTransport{})
		require.NoError(t, m.store.SaveCredentials(context.Background(), models.TokenPair{AccessToken: valid, RefreshToken: "r"}))
		st := m.Restore(context.Background())
		require.Equal(t, models.StatusAuthenticated, st.Status)
		assert.Equal(t, models.RoleMentor, st.Identity.Role)
	})

	t.Run("single token is cleared", func(t *testing.T) {
		m, kv := newTestManager(t, &fakeTransport{})
		require.NoError(t, kv.Set(context.Background(), "test:accessToken", valid))
		assert.Equal(t, models.StatusAnonymous, m.Restore(context.Background()).Status)
		assert.Zero(t, kv.Len())
	})

	t.Run("expired token is refreshed", func(t *testing.T) {
		ft := &fakeTransport{refresh: func(string) (*models.TokenPair, error) {
			return &models.TokenPair{AccessToken: valid, RefreshToken: "r2"}, nil
		}}
		m, _ := newTestManager(t, ft)
		require.NoError(t, m.store.SaveCredentials(context.Background(), models.TokenPair{AccessToken: stale, RefreshToken: "r"}))
		assert.Equal(t, models.StatusAuthenticated, m.Restore(context.Background()).Status)
	})

	t.Run("expired token with failing refresh is anonymous", func(t *testing.T) {
		ft := &fakeTransport{refresh: func(string) (*models.TokenPair, error) {
			return nil, errors.New("boom")
		}}
		m, kv := newTestManager(t, ft)
		require.NoError(t, m.store.SaveCredentials(context.Background(), models.TokenPair{AccessToken: stale, RefreshToken: "r"}))
		assert.Equal(t, models.StatusAnonymous, m.Restore(context.Background()).Status)
		assert.Zero(t, kv.Len())
	})
}

func TestManager_StateDemotesExpiredIdentity(t *testing.T) {
	now := testNow
	access := accessToken(t, "a@example.com", "CUSTOMER", testNow.Add(time.Minute))
	ft := &fakeTransport{login: func(string, string) (*models.TokenPair, error) {
		return &models.TokenPair{AccessToken: access, RefreshToken: "r"}, nil
	}}
	kv := repository.NewMemoryKV()
	m := NewManager(NewStore(kv, "test", quietLogger()), ft, quietLogger(), WithClock(func() time.Time { return now }))

	_, err := m.Login(context.Background(), "a@example.com", "pw")
	require.NoError(t, err)
	require.Equal(t, models.StatusAuthenticated, m.State().Status)

	now = now.Add(2 * time.Minute)
	assert.Equal(t, models.StatusAnonymous, m.State().Status)
}

func TestManager_Unsubscribe(t *testing.T) {
	m, _ := newTestManager(t, &fakeTransport{})
	calls := 0
	unsubscribe := m.Subscribe(func(models.SessionState) { calls++ })

	require.NoError(t, m.Logout(context.Background()))
	unsubscribe()
	require.NoError(t, m.Logout(context.Background()))
	assert.Equal(t, 1, calls)
}

func TestManager_SubscribersGetTheirOwnIdentity(t *testing.T) {
	access := accessToken(t, "a@example.com", "CUSTOMER", testNow.Add(time.Hour))
	ft := &fakeTransport{login: func(string, string) (*models.TokenPair, error) {
		return &models.TokenPair{AccessToken: access, RefreshToken: "r"}, nil
	}}
	m, _ := newTestManager(t, ft)

	var seen *models.Identity
	m.Subscribe(func(st models.SessionState) {
		if st.Identity != nil {
			st.Identity.Email = "mallory@example.com"
			st.Identity.Role = models.RoleAdmin
		}
	})
	m.Subscribe(func(st models.SessionState) { seen = st.Identity })

	_, err := m.Login(context.Background(), "a@example.com", "pw")
	require.NoError(t, err)

	st := m.State()
	require.Equal(t, models.StatusAuthenticated, st.Status)
	assert.Equal(t, "a@example.com", st.Identity.Email)
	assert.Equal(t, models.RoleCustomer, st.Identity.Role)
	require.NotNil(t, seen)
	assert.Equal(t, "a@example.com", seen.Email)
}

func TestReason(t *testing.T) {
	assert.Empty(t, Reason(nil))
	assert.Contains(t, Reason(ErrMissingRefreshToken), "sign in again")
	assert.Contains(t, Reason(fmt.Errorf("%w: x", ErrTransportFailure)), "Unable to reach")
	assert.Contains(t, Reason(errors.New("other")), "Something went wrong")
}
