package thingsboard

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Client constants.
const (
	// DefaultTimeout bounds every request made through a client-owned transport.
	DefaultTimeout = 30 * time.Second

	// maxResponseBytes caps how much of a response body is read.
	maxResponseBytes = 1 << 20

	// maxErrorMessage caps the body excerpt kept in an APIError.
	maxErrorMessage = 256

	authHeader = "X-Authorization"
)

// Logger is the logging interface used by the client.
// *logging.Logger satisfies it.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Client maintains one authenticated session against a SEA ThingsBoard
// cloud API and presents the same operations for both API families.
//
// Every authenticated request first checks the access token expiry and
// refreshes it when due. The session lock is held for the duration of a
// refresh, so callers that observe an expired token at the same time
// perform a single refresh and the rest reuse its result.
//
// Thread Safety:
//   - Token handling is safe for concurrent use. Login calls are serialised.
type Client struct {
	family  Family
	api     api
	baseURL string

	httpClient    *http.Client
	ownsTransport bool
	timeout       time.Duration

	logger Logger
	now    func() time.Time

	// loginMu serialises Login so there is never more than one in flight.
	loginMu sync.Mutex

	// mu guards session and is held across token refresh.
	mu      sync.Mutex
	session session
}

// session is the in-memory authentication state. It is never persisted.
type session struct {
	accessToken  string
	refreshToken string
	ownerID      string
	expiry       time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient makes the client use a caller-supplied HTTP client.
// The client never closes a transport it did not create.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithBaseURL overrides the family's default API host.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		if baseURL != "" {
			c.baseURL = strings.TrimRight(baseURL, "/")
		}
	}
}

// WithTimeout sets the request timeout of a client-owned transport.
// It has no effect together with WithHTTPClient.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// withClock replaces the time source used for expiry checks.
func withClock(now func() time.Time) Option {
	return func(c *Client) {
		c.now = now
	}
}

// New creates a client for the given API family.
//
// Parameters:
//   - family: FamilyV1 or FamilyV2
//   - opts: Optional settings (transport, base URL, timeout, logger)
//
// Returns:
//   - *Client: Ready for Login
//   - error: ErrUnknownFamily if the family is not supported
func New(family Family, opts ...Option) (*Client, error) {
	impl, err := apiFor(family)
	if err != nil {
		return nil, err
	}

	c := &Client{
		family:  family,
		api:     impl,
		baseURL: family.DefaultBaseURL(),
		timeout: DefaultTimeout,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.httpClient == nil {
		c.httpClient = &http.Client{
			Timeout:   c.timeout,
			Transport: newTransport(),
		}
		c.ownsTransport = true
	}

	return c, nil
}

// newTransport returns a private copy of the default transport so closing
// its idle connections does not affect other users of the process.
func newTransport() http.RoundTripper {
	if t, ok := http.DefaultTransport.(*http.Transport); ok {
		return t.Clone()
	}
	return http.DefaultTransport
}

// Family returns the API family the client was created for.
func (c *Client) Family() Family {
	return c.family
}

// SupportsRelays reports whether relay operations reach the device.
func (c *Client) SupportsRelays() bool {
	return c.family.SupportsRelays()
}

// Authenticated reports whether the client holds a session.
func (c *Client) Authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.accessToken != "" && c.session.ownerID != ""
}

// Login authenticates with username and password and stores the session.
//
// For FamilyV1 the customer id is fetched from the user profile; for
// FamilyV2 the user id is taken from the login response.
//
// Returns:
//   - error: ErrAuth if credentials are rejected or the owner id is missing,
//     ErrConnection on transport failure
func (c *Client) Login(ctx context.Context, username, password string) error {
	c.loginMu.Lock()
	defer c.loginMu.Unlock()

	creds := map[string]string{"username": username, "password": password}
	body, err := c.do(ctx, http.MethodPost, c.api.loginPath(), creds, false)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}

	var resp loginResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("login: %w: %w", ErrDecode, err)
	}
	if resp.Token == "" || resp.RefreshToken == "" {
		return fmt.Errorf("login: %w: response has no tokens", ErrAuth)
	}

	c.mu.Lock()
	c.session = session{}
	c.setTokensLocked(resp.Token, resp.RefreshToken)
	c.mu.Unlock()

	owner, err := c.api.resolveOwner(ctx, c, resp)
	if err != nil {
		c.clearSession()
		return fmt.Errorf("login: %w", err)
	}

	c.mu.Lock()
	c.session.ownerID = owner
	c.mu.Unlock()

	c.logDebug("logged in", "family", c.family.String(), "owner_id", owner)
	return nil
}

// RefreshToken exchanges the refresh token for a new token pair.
// The owner id is kept.
func (c *Client) RefreshToken(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refreshLocked(ctx)
}

// freshToken returns a usable access token, refreshing it first when the
// current time is at or past its expiry.
func (c *Client) freshToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session.accessToken == "" {
		return "", ErrNotAuthenticated
	}
	if !c.now().Before(c.session.expiry) {
		if err := c.refreshLocked(ctx); err != nil {
			return "", err
		}
	}
	return c.session.accessToken, nil
}

// refreshLocked performs the refresh request. c.mu must be held.
//
// A rejected refresh token ends the session: Authenticated reports false
// until the next Login.
func (c *Client) refreshLocked(ctx context.Context) error {
	if c.session.refreshToken == "" {
		return ErrNotAuthenticated
	}

	req := map[string]string{"refreshToken": c.session.refreshToken}
	body, err := c.do(ctx, http.MethodPost, c.api.refreshPath(), req, false)
	if err != nil {
		if errors.Is(err, ErrAuth) {
			c.session = session{}
			c.logDebug("refresh token rejected, session cleared", "family", c.family.String())
		}
		return fmt.Errorf("refreshing token: %w", err)
	}

	var resp loginResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("refreshing token: %w: %w", ErrDecode, err)
	}
	if resp.Token == "" || resp.RefreshToken == "" {
		return fmt.Errorf("refreshing token: %w: response has no tokens", ErrAuth)
	}

	c.setTokensLocked(resp.Token, resp.RefreshToken)
	c.logDebug("access token refreshed", "expires", c.session.expiry)
	return nil
}

func (c *Client) setTokensLocked(access, refresh string) {
	c.session.accessToken = access
	c.session.refreshToken = refresh
	c.session.expiry = tokenExpiry(access)
}

func (c *Client) clearSession() {
	c.mu.Lock()
	c.session = session{}
	c.mu.Unlock()
}

func (c *Client) ownerID() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session.ownerID == "" {
		return "", ErrNotAuthenticated
	}
	return c.session.ownerID, nil
}

// Close ends the session. The underlying transport is released only when
// the client created it. Close is safe to call more than once.
func (c *Client) Close() error {
	c.clearSession()
	if c.ownsTransport {
		c.httpClient.CloseIdleConnections()
	}
	return nil
}

// getJSON performs an authenticated GET and decodes the response into out.
func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	body, err := c.do(ctx, http.MethodGet, path, nil, true)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return nil
}

// do sends a request and returns the response body.
//
// Authenticated requests go through freshToken first. A non-success status
// becomes an *APIError; for unauthenticated requests (login, refresh) a 401
// or 403 is classified as ErrAuth.
func (c *Client) do(ctx context.Context, method, path string, payload any, authenticated bool) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnection, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	if authenticated {
		token, err := c.freshToken(ctx)
		if err != nil {
			return nil, err
		}
		req.Header.Set(authHeader, "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %w", ErrConnection, method, path, err)
	}
	defer resp.Body.Close() //nolint:errcheck // read-only body

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %w", ErrConnection, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{
			StatusCode: resp.StatusCode,
			Message:    excerpt(body),
		}
		if !authenticated && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			apiErr.kind = ErrAuth
		}
		return nil, apiErr
	}

	return body, nil
}

func excerpt(body []byte) string {
	msg := strings.TrimSpace(string(body))
	if len(msg) > maxErrorMessage {
		msg = msg[:maxErrorMessage]
	}
	return msg
}

func (c *Client) logDebug(msg string, args ...any) {
	if c.logger != nil {
		c.logger.Debug(msg, args...)
	}
}
