package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"

	"parking-kiosk/internal/store"
)

// Sentinel errors used by callers to classify failures without matching
// message text.
var (
	// ErrUnreachable marks transport-level failures: the server could not
	// be reached at all.
	ErrUnreachable = errors.New("server unreachable")

	// ErrUnauthorized marks a request rejected for authentication
	// reasons. A sync batch aborts on this rather than burning retries.
	ErrUnauthorized = errors.New("unauthorized")
)

// Timeouts groups the per-call-class timeout settings.
type Timeouts struct {
	ProbeConnect  time.Duration
	ProbeRead     time.Duration
	LoginConnect  time.Duration
	LoginRead     time.Duration
	UploadConnect time.Duration
	UploadRead    time.Duration
}

// Token is the credential bundle returned by the login endpoint.
type Token struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// GuardEvent is the outbound payload for one synchronized log entry.
type GuardEvent struct {
	PlateID   string
	LotID     int64
	Lane      string
	Type      string
	Timestamp time.Time
	ImagePath string
}

// GuardEventResponse is the server's acknowledgement for a guard event.
type GuardEventResponse struct {
	ID int64 `json:"id"`
}

// Occupancy is the authenticated lot-occupancy lookup response. The sync
// engine uses this endpoint only as a token-freshness probe; the status
// API also surfaces the capacity.
type Occupancy struct {
	LotID    int64 `json:"lot_id"`
	Capacity int   `json:"capacity"`
	Occupied int   `json:"occupied"`
}

// Client talks to the backend API. Probe, login and upload calls carry
// distinct timeouts; an upload must be allowed to run far longer than a
// health probe.
type Client struct {
	baseURL string
	log     zerolog.Logger

	probe  *http.Client
	login  *http.Client
	upload *http.Client

	// Lot capacity changes rarely; cache lookups for an hour.
	capacity *cache.Cache
}

// New creates an API client for the given base URL.
func New(baseURL string, t Timeouts, logger zerolog.Logger) *Client {
	newHTTP := func(connect, read time.Duration) *http.Client {
		return &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: connect}).DialContext,
			},
			Timeout: connect + read,
		}
	}
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		log:      logger.With().Str("component", "apiclient").Logger(),
		probe:    newHTTP(t.ProbeConnect, t.ProbeRead),
		login:    newHTTP(t.LoginConnect, t.LoginRead),
		upload:   newHTTP(t.UploadConnect, t.UploadRead),
		capacity: cache.New(time.Hour, 2*time.Hour),
	}
}

func (c *Client) url(endpoint string) string {
	return c.baseURL + "/" + strings.TrimLeft(endpoint, "/")
}

// Health checks the unauthenticated health endpoint. Success means the
// server is reachable; nothing more.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("services/health"), nil)
	if err != nil {
		return err
	}
	resp, err := c.probe.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: health returned status %d", ErrUnreachable, resp.StatusCode)
	}
	return nil
}

// LotOccupancy calls the authenticated occupancy endpoint. Doubles as the
// token-freshness probe.
func (c *Client) LotOccupancy(ctx context.Context, authHeader string, lotID int64) (*Occupancy, error) {
	endpoint := fmt.Sprintf("services/lot-occupancy/%d", lotID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(endpoint), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", authHeader)

	resp, err := c.probe.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		var occ Occupancy
		if err := json.NewDecoder(resp.Body).Decode(&occ); err != nil {
			return nil, fmt.Errorf("failed to decode occupancy response: %w", err)
		}
		return &occ, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, ErrUnauthorized
	default:
		return nil, fmt.Errorf("occupancy lookup returned status %d", resp.StatusCode)
	}
}

// LotCapacity returns the lot's capacity, cached for an hour, falling
// back to the supplied default when the lookup fails.
func (c *Client) LotCapacity(ctx context.Context, authHeader string, lotID int64, fallback int) int {
	key := strconv.FormatInt(lotID, 10)
	if v, found := c.capacity.Get(key); found {
		return v.(int)
	}
	occ, err := c.LotOccupancy(ctx, authHeader, lotID)
	if err != nil || occ.Capacity <= 0 {
		return fallback
	}
	c.capacity.Set(key, occ.Capacity, cache.DefaultExpiration)
	return occ.Capacity
}

// Login exchanges credentials for a bearer token via the OAuth2 password
// form the backend expects.
func (c *Client) Login(ctx context.Context, username, password string) (*Token, error) {
	form := url.Values{
		"grant_type": {"password"},
		"username":   {username},
		"password":   {password},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url("login/access-token"),
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	return c.doTokenRequest(req)
}

// Refresh exchanges a refresh token for a fresh access token.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*Token, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url("login/refresh-token"),
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	return c.doTokenRequest(req)
}

func (c *Client) doTokenRequest(req *http.Request) (*Token, error) {
	resp, err := c.login.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		var tok Token
		if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
			return nil, fmt.Errorf("failed to decode token response: %w", err)
		}
		if tok.AccessToken == "" {
			return nil, errors.New("token response missing access_token")
		}
		if tok.TokenType == "" {
			tok.TokenType = "Bearer"
		}
		return &tok, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusBadRequest:
		return nil, fmt.Errorf("%w: %s", ErrUnauthorized, readDetail(resp.Body))
	default:
		return nil, fmt.Errorf("login returned status %d", resp.StatusCode)
	}
}

type blacklistPage struct {
	Total int                    `json:"total"`
	Items []store.BlacklistEntry `json:"items"`
}

// Blacklist fetches the server's authoritative blacklist, walking all
// pages.
func (c *Client) Blacklist(ctx context.Context, authHeader string) ([]store.BlacklistEntry, error) {
	const pageSize = 100
	var all []store.BlacklistEntry

	total := 1
	for page := 1; (page-1)*pageSize < total; page++ {
		endpoint := fmt.Sprintf("vehicles/blacklist?page=%d&page_size=%d", page, pageSize)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(endpoint), nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", authHeader)

		resp, err := c.login.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
		}

		var pg blacklistPage
		decodeErr := json.NewDecoder(resp.Body).Decode(&pg)
		resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return nil, ErrUnauthorized
		case resp.StatusCode != http.StatusOK:
			return nil, fmt.Errorf("blacklist fetch returned status %d", resp.StatusCode)
		case decodeErr != nil:
			return nil, fmt.Errorf("failed to decode blacklist page %d: %w", page, decodeErr)
		}

		if len(pg.Items) == 0 {
			break
		}
		total = pg.Total
		all = append(all, pg.Items...)
	}
	return all, nil
}

// SubmitGuardEvent posts one log entry to the guard-control endpoint as
// multipart form data. A missing or unreadable image degrades to a send
// without the image part rather than failing the event.
func (c *Client) SubmitGuardEvent(ctx context.Context, authHeader string, ev GuardEvent) (*GuardEventResponse, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)

	fields := map[string]string{
		"plate_id":  ev.PlateID,
		"lot_id":    strconv.FormatInt(ev.LotID, 10),
		"lane":      ev.Lane,
		"type":      ev.Type,
		"timestamp": ev.Timestamp.UTC().Format(time.RFC3339),
	}
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, fmt.Errorf("failed to write form field %s: %w", k, err)
		}
	}

	if ev.ImagePath != "" {
		if err := attachImage(w, ev.ImagePath); err != nil {
			c.log.Warn().Str("image", ev.ImagePath).Err(err).
				Msg("could not attach image, sending event without it")
		}
	}

	if err := w.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url("services/guard-control/"), &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("Authorization", authHeader)

	resp, err := c.upload.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		var ack GuardEventResponse
		if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
			return nil, fmt.Errorf("failed to decode guard event response: %w", err)
		}
		return &ack, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, ErrUnauthorized
	default:
		return nil, fmt.Errorf("guard event rejected with status %d: %s", resp.StatusCode, readDetail(resp.Body))
	}
}

func attachImage(w *multipart.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	part, err := w.CreateFormFile("image", "frame.png")
	if err != nil {
		return err
	}
	_, err = io.Copy(part, f)
	return err
}

// readDetail extracts the backend's error detail field, falling back to
// raw body text.
func readDetail(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil || len(data) == 0 {
		return ""
	}
	var payload struct {
		Detail string `json:"detail"`
	}
	if json.Unmarshal(data, &payload) == nil && payload.Detail != "" {
		return payload.Detail
	}
	return string(data)
}
