package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parking-kiosk/internal/apiclient"
)

func mintToken(t *testing.T, ttl time.Duration) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "kiosk-7",
		"exp": time.Now().Add(ttl).Unix(),
	})
	signed, err := tok.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return signed
}

func newTestState(t *testing.T, handler http.Handler) *State {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client := apiclient.New(srv.URL, apiclient.Timeouts{
		ProbeConnect: time.Second, ProbeRead: time.Second,
		LoginConnect: time.Second, LoginRead: time.Second,
		UploadConnect: time.Second, UploadRead: time.Second,
	}, zerolog.Nop())
	return NewState(client, "kiosk-7", "hunter2", 5*time.Second, zerolog.Nop())
}

func TestAuthHeaderWithoutLogin(t *testing.T) {
	s := newTestState(t, http.NotFoundHandler())
	_, err := s.AuthHeader()
	assert.ErrorIs(t, err, ErrNoToken)
}

func TestEnsureFreshLogsIn(t *testing.T) {
	access := mintToken(t, time.Hour)
	var logins int
	s := newTestState(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/login/access-token", r.URL.Path)
		logins++
		json.NewEncoder(w).Encode(apiclient.Token{
			AccessToken: access, TokenType: "bearer", RefreshToken: "ref-1",
		})
	}))

	require.NoError(t, s.EnsureFresh(context.Background()))
	assert.Equal(t, 1, logins)
	assert.True(t, s.TokenValid())

	hdr, err := s.AuthHeader()
	require.NoError(t, err)
	assert.Equal(t, "Bearer "+access, hdr)

	// still fresh, no second round trip
	require.NoError(t, s.EnsureFresh(context.Background()))
	assert.Equal(t, 1, logins)
}

func TestEnsureFreshUsesRefreshToken(t *testing.T) {
	stale := mintToken(t, -time.Minute)
	fresh := mintToken(t, time.Hour)

	var logins, refreshes int
	s := newTestState(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/login/access-token":
			logins++
			json.NewEncoder(w).Encode(apiclient.Token{AccessToken: stale, RefreshToken: "ref-1"})
		case "/login/refresh-token":
			refreshes++
			json.NewEncoder(w).Encode(apiclient.Token{AccessToken: fresh})
		}
	}))

	// initial login hands out an already-expired token
	require.NoError(t, s.EnsureFresh(context.Background()))
	require.Equal(t, 1, logins)
	assert.False(t, s.TokenValid())

	// bypass the throttle for the test
	s.mu.Lock()
	s.lastRefresh = time.Time{}
	s.mu.Unlock()

	require.NoError(t, s.EnsureFresh(context.Background()))
	assert.Equal(t, 1, refreshes)
	assert.Equal(t, 1, logins)
	assert.True(t, s.TokenValid())
}

func TestEnsureFreshFallsBackToLogin(t *testing.T) {
	fresh := mintToken(t, time.Hour)
	var logins int
	s := newTestState(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/login/refresh-token":
			w.WriteHeader(http.StatusUnauthorized)
		case "/login/access-token":
			logins++
			json.NewEncoder(w).Encode(apiclient.Token{AccessToken: fresh})
		}
	}))

	s.mu.Lock()
	s.refreshToken = "ref-revoked"
	s.mu.Unlock()

	require.NoError(t, s.EnsureFresh(context.Background()))
	assert.Equal(t, 1, logins)
	assert.True(t, s.TokenValid())
}

func TestEnsureFreshThrottled(t *testing.T) {
	var logins int
	s := newTestState(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logins++
		w.WriteHeader(http.StatusUnauthorized)
	}))

	err := s.EnsureFresh(context.Background())
	require.Error(t, err)
	require.Equal(t, 1, logins)

	// second attempt inside the minimum gap never reaches the server
	err = s.EnsureFresh(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoToken)
	assert.Equal(t, 1, logins)
}

func TestInvalidate(t *testing.T) {
	s := newTestState(t, http.NotFoundHandler())
	s.store(&apiclient.Token{AccessToken: mintToken(t, time.Hour), TokenType: "bearer"})
	require.True(t, s.TokenValid())

	s.Invalidate()
	assert.False(t, s.TokenValid())
	_, err := s.AuthHeader()
	assert.ErrorIs(t, err, ErrNoToken)
}

func TestOpaqueTokenAssumedValid(t *testing.T) {
	s := newTestState(t, http.NotFoundHandler())
	s.store(&apiclient.Token{AccessToken: "not-a-jwt"})
	assert.True(t, s.TokenValid())
}
