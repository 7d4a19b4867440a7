package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"parking-kiosk/internal/apiclient"
)

// ErrNoToken is returned by AuthHeader when no login has succeeded yet.
var ErrNoToken = errors.New("not authenticated")

// expLeeway treats a token expiring within this window as already stale,
// so a request started now does not arrive with an expired token.
const expLeeway = 30 * time.Second

// State holds the kiosk's authentication state. All access goes through
// the mutex; EnsureFresh serializes refresh attempts so concurrent
// callers trigger at most one network round trip.
type State struct {
	client   *apiclient.Client
	username string
	password string
	minGap   time.Duration
	log      zerolog.Logger

	mu           sync.Mutex
	token        string
	tokenType    string
	refreshToken string
	lastRefresh  time.Time
	refreshing   bool

	// refreshMu is held for the duration of a refresh round trip; mu is
	// never held across network calls.
	refreshMu sync.Mutex
}

// NewState creates authentication state bound to the given credentials.
// minGap throttles back-to-back refresh attempts.
func NewState(client *apiclient.Client, username, password string, minGap time.Duration, logger zerolog.Logger) *State {
	return &State{
		client:   client,
		username: username,
		password: password,
		minGap:   minGap,
		log:      logger.With().Str("component", "auth").Logger(),
	}
}

// AuthHeader returns the Authorization header value for the current
// token.
func (s *State) AuthHeader() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token == "" {
		return "", ErrNoToken
	}
	typ := s.tokenType
	if typ == "" {
		typ = "Bearer"
	}
	// backend issues lowercase "bearer"; normalize for the header
	return strings.ToUpper(typ[:1]) + typ[1:] + " " + s.token, nil
}

// TokenValid reports whether a token is present and its exp claim has
// not passed. The signature is not verified here; only the server can
// do that, and it will reject a forged token anyway.
func (s *State) TokenValid() bool {
	s.mu.Lock()
	token := s.token
	s.mu.Unlock()
	if token == "" {
		return false
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		// opaque token; assume valid until the server says otherwise
		return true
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return true
	}
	return time.Now().Add(expLeeway).Before(exp.Time)
}

// Refreshing reports whether a refresh round trip is in flight. The
// connectivity monitor skips probes while this is true so a slow login
// is not misread as lost connectivity.
func (s *State) Refreshing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshing
}

// EnsureFresh guarantees a usable token before authenticated work
// starts. If the current token is still valid it returns immediately.
// Otherwise it tries the refresh-token exchange first and falls back to
// a full credential login. A refresh completed within the configured
// minimum gap is not repeated even if it failed.
func (s *State) EnsureFresh(ctx context.Context) error {
	if s.TokenValid() {
		return nil
	}

	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	// another caller may have refreshed while we waited
	if s.TokenValid() {
		return nil
	}

	s.mu.Lock()
	if time.Since(s.lastRefresh) < s.minGap {
		s.mu.Unlock()
		return fmt.Errorf("%w: token refresh throttled", ErrNoToken)
	}
	s.refreshing = true
	refreshToken := s.refreshToken
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.refreshing = false
		s.lastRefresh = time.Now()
		s.mu.Unlock()
	}()

	if refreshToken != "" {
		tok, err := s.client.Refresh(ctx, refreshToken)
		if err == nil {
			s.store(tok)
			s.log.Debug().Msg("access token refreshed")
			return nil
		}
		if errors.Is(err, apiclient.ErrUnreachable) {
			return err
		}
		s.log.Warn().Err(err).Msg("refresh token rejected, falling back to credential login")
	}

	tok, err := s.client.Login(ctx, s.username, s.password)
	if err != nil {
		return fmt.Errorf("login failed: %w", err)
	}
	s.store(tok)
	s.log.Info().Msg("logged in")
	return nil
}

func (s *State) store(tok *apiclient.Token) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = tok.AccessToken
	s.tokenType = tok.TokenType
	if tok.RefreshToken != "" {
		s.refreshToken = tok.RefreshToken
	}
}

// Invalidate discards the current access token, forcing the next
// EnsureFresh to hit the network. Used when the server returns 401 for
// a token we thought was valid.
func (s *State) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
}
