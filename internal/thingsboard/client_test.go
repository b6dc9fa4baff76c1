package thingsboard

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testEpoch = time.Unix(1_700_000_000, 0)

const testPassword = "secret"

func signToken(subject string, exp time.Time) string {
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-signing-key"))
	if err != nil {
		panic(err)
	}
	return s
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type rpcCall struct {
	DeviceID string
	Method   string `json:"method"`
	Params   bool   `json:"params"`
}

// fakeAPI is an in-process ThingsBoard serving one API family.
type fakeAPI struct {
	family Family
	server *httptest.Server

	mu           sync.Mutex
	access       string
	refresh      string
	issued       int
	tokenExpiry  time.Time
	userID       string
	customerID   string
	devicesBody  string
	telemetry    map[string]string
	rpcCalls     []rpcCall
	refreshDelay time.Duration
	lastRefresh  string
	// refreshStatus, when set, is returned by every refresh request.
	refreshStatus int

	loginCalls     atomic.Int32
	refreshCalls   atomic.Int32
	telemetryCalls atomic.Int32
}

func newFakeAPI(t *testing.T, family Family) *fakeAPI {
	t.Helper()

	f := &fakeAPI{
		family:      family,
		tokenExpiry: testEpoch.Add(time.Hour),
		userID:      "user-1",
		customerID:  "cust-1",
		devicesBody: `{"data":[{"id":{"id":"dev-1","entityType":"DEVICE"},"name":"Studna","type":"eSTUDNA"}],"totalElements":1}`,
		telemetry:   make(map[string]string),
	}
	if family == FamilyV2 {
		f.devicesBody = `[{"id":"dev-1","name":"Studna","type":"eSTUDNA2"}]`
	}

	prefix := "/api"
	if family == FamilyV2 {
		prefix = "/apiv2"
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST "+prefix+"/auth/login", f.handleLogin)
	mux.HandleFunc("POST "+prefix+"/auth/token", f.handleRefresh)
	mux.HandleFunc("GET /api/auth/user", f.handleUser)
	mux.HandleFunc("GET /api/customer/{owner}/devices", f.handleDevices)
	mux.HandleFunc("GET /apiv2/user/{owner}/devices", f.handleDevices)
	mux.HandleFunc("GET /api/plugins/telemetry/DEVICE/{id}/values/timeseries", f.handleTelemetry)
	mux.HandleFunc("GET /apiv2/device/{id}/latest", f.handleTelemetry)
	mux.HandleFunc("POST /api/rpc/twoway/{id}", f.handleRPC)
	mux.HandleFunc("POST /apiv2/device/{id}/rpc/twoway", f.handleRPC)

	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeAPI) issueLocked() map[string]any {
	f.issued++
	f.access = signToken(fmt.Sprintf("access-%d", f.issued), f.tokenExpiry)
	f.refresh = fmt.Sprintf("refresh-%d", f.issued)
	return map[string]any{"token": f.access, "refreshToken": f.refresh}
}

func (f *fakeAPI) authorized(r *http.Request) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.access != "" && r.Header.Get("X-Authorization") == "Bearer "+f.access
}

func writeBody(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	switch b := body.(type) {
	case string:
		_, _ = w.Write([]byte(b))
	default:
		_ = json.NewEncoder(w).Encode(b)
	}
}

func (f *fakeAPI) handleLogin(w http.ResponseWriter, r *http.Request) {
	f.loginCalls.Add(1)

	var creds struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil || creds.Password != testPassword {
		writeBody(w, http.StatusUnauthorized, `{"message":"Invalid username or password"}`)
		return
	}

	f.mu.Lock()
	resp := f.issueLocked()
	if f.family == FamilyV2 && f.userID != "" {
		resp["userId"] = f.userID
	}
	f.mu.Unlock()

	writeBody(w, http.StatusOK, resp)
}

func (f *fakeAPI) handleRefresh(w http.ResponseWriter, r *http.Request) {
	f.refreshCalls.Add(1)

	var req struct {
		RefreshToken string `json:"refreshToken"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	f.mu.Lock()
	delay := f.refreshDelay
	f.mu.Unlock()
	time.Sleep(delay)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastRefresh = req.RefreshToken
	if f.refreshStatus != 0 {
		writeBody(w, f.refreshStatus, `{"message":"unavailable"}`)
		return
	}
	if req.RefreshToken != f.refresh {
		writeBody(w, http.StatusUnauthorized, `{"message":"Invalid refresh token"}`)
		return
	}
	writeBody(w, http.StatusOK, f.issueLocked())
}

func (f *fakeAPI) handleUser(w http.ResponseWriter, r *http.Request) {
	if !f.authorized(r) {
		writeBody(w, http.StatusUnauthorized, `{}`)
		return
	}
	f.mu.Lock()
	cid := f.customerID
	f.mu.Unlock()
	if cid == "" {
		writeBody(w, http.StatusOK, `{"email":"owner@example.com"}`)
		return
	}
	writeBody(w, http.StatusOK, map[string]any{
		"customerId": map[string]string{"entityType": "CUSTOMER", "id": cid},
	})
}

func (f *fakeAPI) handleDevices(w http.ResponseWriter, r *http.Request) {
	if !f.authorized(r) {
		writeBody(w, http.StatusUnauthorized, `{}`)
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	want := f.customerID
	if f.family == FamilyV2 {
		want = f.userID
	}
	if r.PathValue("owner") != want {
		writeBody(w, http.StatusForbidden, `{"message":"wrong owner"}`)
		return
	}
	if f.family == FamilyV1 {
		q := r.URL.Query()
		if q.Get("pageSize") != "100" || q.Get("page") != "0" {
			writeBody(w, http.StatusBadRequest, `{"message":"paging required"}`)
			return
		}
	}
	writeBody(w, http.StatusOK, f.devicesBody)
}

func (f *fakeAPI) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	f.telemetryCalls.Add(1)
	if !f.authorized(r) {
		writeBody(w, http.StatusUnauthorized, `{}`)
		return
	}
	f.mu.Lock()
	body, ok := f.telemetry[r.PathValue("id")]
	f.mu.Unlock()
	if !ok {
		writeBody(w, http.StatusNotFound, `{"message":"device not found"}`)
		return
	}
	writeBody(w, http.StatusOK, body)
}

func (f *fakeAPI) handleRPC(w http.ResponseWriter, r *http.Request) {
	if !f.authorized(r) {
		writeBody(w, http.StatusUnauthorized, `{}`)
		return
	}
	call := rpcCall{DeviceID: r.PathValue("id")}
	_ = json.NewDecoder(r.Body).Decode(&call)

	f.mu.Lock()
	f.rpcCalls = append(f.rpcCalls, call)
	f.mu.Unlock()

	writeBody(w, http.StatusOK, `{}`)
}

func (f *fakeAPI) setTelemetry(deviceID, body string) {
	f.mu.Lock()
	f.telemetry[deviceID] = body
	f.mu.Unlock()
}

func (f *fakeAPI) lastRefreshToken() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastRefresh
}

func (f *fakeAPI) calls() []rpcCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]rpcCall(nil), f.rpcCalls...)
}

func newTestClient(t *testing.T, f *fakeAPI, clock *fakeClock) *Client {
	t.Helper()
	c, err := New(f.family,
		WithBaseURL(f.server.URL),
		WithHTTPClient(f.server.Client()),
		withClock(clock.Now),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func loggedInClient(t *testing.T, f *fakeAPI) (*Client, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: testEpoch}
	c := newTestClient(t, f, clock)
	require.NoError(t, c.Login(context.Background(), "owner@example.com", testPassword))
	return c, clock
}

func TestNew_UnknownFamily(t *testing.T) {
	_, err := New(Family("estudna3"))
	assert.ErrorIs(t, err, ErrUnknownFamily)
}

func TestNew_DefaultBaseURL(t *testing.T) {
	c1, err := New(FamilyV1)
	require.NoError(t, err)
	assert.Equal(t, "https://cml.seapraha.cz", c1.baseURL)

	c2, err := New(FamilyV2)
	require.NoError(t, err)
	assert.Equal(t, "https://cml5.seapraha.cz", c2.baseURL)
}

func TestLogin_V1ResolvesCustomerID(t *testing.T) {
	f := newFakeAPI(t, FamilyV1)
	c, _ := loggedInClient(t, f)

	assert.True(t, c.Authenticated())
	owner, err := c.ownerID()
	require.NoError(t, err)
	assert.Equal(t, "cust-1", owner)
}

func TestLogin_V1MissingCustomerID(t *testing.T) {
	f := newFakeAPI(t, FamilyV1)
	f.customerID = ""
	c := newTestClient(t, f, &fakeClock{now: testEpoch})

	err := c.Login(context.Background(), "owner@example.com", testPassword)
	assert.ErrorIs(t, err, ErrAuth)
	assert.False(t, c.Authenticated())
}

func TestLogin_V2UserIDFromLoginResponse(t *testing.T) {
	f := newFakeAPI(t, FamilyV2)
	c, _ := loggedInClient(t, f)

	owner, err := c.ownerID()
	require.NoError(t, err)
	assert.Equal(t, "user-1", owner)
}

func TestLogin_V2MissingUserID(t *testing.T) {
	f := newFakeAPI(t, FamilyV2)
	f.userID = ""
	c := newTestClient(t, f, &fakeClock{now: testEpoch})

	err := c.Login(context.Background(), "owner@example.com", testPassword)
	assert.ErrorIs(t, err, ErrAuth)
	assert.False(t, c.Authenticated())
}

func TestLogin_RejectedCredentials(t *testing.T) {
	f := newFakeAPI(t, FamilyV1)
	c := newTestClient(t, f, &fakeClock{now: testEpoch})

	err := c.Login(context.Background(), "owner@example.com", "wrong")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuth)
	assert.NotErrorIs(t, err, ErrConnection)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
}

func TestLogin_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeBody(w, http.StatusInternalServerError, `{"message":"boom"}`)
	}))
	defer srv.Close()

	c, err := New(FamilyV1, WithBaseURL(srv.URL), WithHTTPClient(srv.Client()))
	require.NoError(t, err)

	err = c.Login(context.Background(), "owner@example.com", testPassword)
	assert.ErrorIs(t, err, ErrConnection)
	assert.NotErrorIs(t, err, ErrAuth)
}

func TestLogin_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	baseURL := srv.URL
	srv.Close()

	c, err := New(FamilyV2, WithBaseURL(baseURL), WithTimeout(time.Second))
	require.NoError(t, err)
	defer c.Close()

	err = c.Login(context.Background(), "owner@example.com", testPassword)
	assert.ErrorIs(t, err, ErrConnection)
}

func TestAuthenticatedCall_BeforeLogin(t *testing.T) {
	f := newFakeAPI(t, FamilyV1)
	c := newTestClient(t, f, &fakeClock{now: testEpoch})

	_, err := c.ListDevices(context.Background())
	assert.ErrorIs(t, err, ErrNotAuthenticated)
	assert.ErrorIs(t, err, ErrAuth)

	_, err = c.GetDeviceValues(context.Background(), "dev-1", LevelKey)
	assert.ErrorIs(t, err, ErrNotAuthenticated)
}

func TestFreshToken_RefreshesAtExpiry(t *testing.T) {
	exp := testEpoch.Add(time.Hour)

	tests := []struct {
		name        string
		now         time.Time
		wantRefresh int32
	}{
		{name: "well before expiry", now: testEpoch, wantRefresh: 0},
		{name: "one second before expiry", now: exp.Add(-time.Second), wantRefresh: 0},
		{name: "exactly at expiry", now: exp, wantRefresh: 1},
		{name: "after expiry", now: exp.Add(time.Minute), wantRefresh: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeAPI(t, FamilyV1)
			f.setTelemetry("dev-1", `{"ain1":[{"ts":1,"value":"1.00"}]}`)
			c, clock := loggedInClient(t, f)

			clock.Set(tt.now)
			_, err := c.GetDeviceValues(context.Background(), "dev-1", LevelKey)
			require.NoError(t, err)
			assert.Equal(t, tt.wantRefresh, f.refreshCalls.Load())
		})
	}
}

func TestFreshToken_ConcurrentCallersRefreshOnce(t *testing.T) {
	f := newFakeAPI(t, FamilyV1)
	f.setTelemetry("dev-1", `{"ain1":[{"ts":1,"value":"1.00"}]}`)
	c, clock := loggedInClient(t, f)

	// Tokens issued from now on outlive the advanced clock.
	f.mu.Lock()
	f.tokenExpiry = testEpoch.Add(24 * time.Hour)
	f.refreshDelay = 50 * time.Millisecond
	f.mu.Unlock()
	clock.Set(testEpoch.Add(2 * time.Hour))

	const callers = 8
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.GetDeviceValues(context.Background(), "dev-1", LevelKey)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), f.refreshCalls.Load())
}

func TestRefreshToken_ReplacesBothTokens(t *testing.T) {
	f := newFakeAPI(t, FamilyV2)
	c, _ := loggedInClient(t, f)

	require.NoError(t, c.RefreshToken(context.Background()))
	assert.Equal(t, "refresh-1", f.lastRefreshToken())

	require.NoError(t, c.RefreshToken(context.Background()))
	assert.Equal(t, "refresh-2", f.lastRefreshToken(), "second refresh must use the rotated token")

	owner, err := c.ownerID()
	require.NoError(t, err)
	assert.Equal(t, "user-1", owner, "refresh keeps the owner id")

	devices, err := c.ListDevices(context.Background())
	require.NoError(t, err)
	assert.Len(t, devices, 1)
}

func TestRefreshToken_Rejected(t *testing.T) {
	f := newFakeAPI(t, FamilyV1)
	c, _ := loggedInClient(t, f)

	f.mu.Lock()
	f.refresh = "revoked"
	f.mu.Unlock()

	err := c.RefreshToken(context.Background())
	assert.ErrorIs(t, err, ErrAuth)
	assert.False(t, c.Authenticated())
}

func TestFreshToken_RejectedRefreshEndsSession(t *testing.T) {
	f := newFakeAPI(t, FamilyV1)
	f.setTelemetry("dev-1", `{"ain1":[{"ts":1,"value":"1.00"}]}`)
	c, clock := loggedInClient(t, f)

	f.mu.Lock()
	f.refresh = "revoked"
	f.mu.Unlock()
	clock.Set(testEpoch.Add(2 * time.Hour))

	_, err := c.GetDeviceValues(context.Background(), "dev-1", LevelKey)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuth)
	assert.False(t, c.Authenticated(), "a rejected refresh must not leave a stale session behind")

	// Further calls fail fast instead of retrying the dead refresh token.
	_, err = c.GetDeviceValues(context.Background(), "dev-1", LevelKey)
	assert.ErrorIs(t, err, ErrNotAuthenticated)
	assert.Equal(t, int32(1), f.refreshCalls.Load())

	// A new login restores the session.
	f.mu.Lock()
	f.tokenExpiry = testEpoch.Add(24 * time.Hour)
	f.mu.Unlock()
	require.NoError(t, c.Login(context.Background(), "owner@example.com", testPassword))
	assert.True(t, c.Authenticated())
	_, err = c.GetDeviceValues(context.Background(), "dev-1", LevelKey)
	assert.NoError(t, err)
}

func TestRefreshToken_ServerErrorKeepsSession(t *testing.T) {
	f := newFakeAPI(t, FamilyV2)
	c, _ := loggedInClient(t, f)
	f.mu.Lock()
	f.refreshStatus = http.StatusBadGateway
	f.mu.Unlock()

	err := c.RefreshToken(context.Background())
	assert.ErrorIs(t, err, ErrConnection)
	assert.True(t, c.Authenticated(), "transient failures keep the session for the next attempt")
}

func TestClose_ClearsSession(t *testing.T) {
	f := newFakeAPI(t, FamilyV1)
	c, _ := loggedInClient(t, f)

	require.NoError(t, c.Close())
	assert.False(t, c.Authenticated())

	_, err := c.ListDevices(context.Background())
	assert.ErrorIs(t, err, ErrNotAuthenticated)

	require.NoError(t, c.Close(), "close is idempotent")
}

// recordingTransport counts CloseIdleConnections calls.
type recordingTransport struct {
	closed atomic.Int32
}

func (r *recordingTransport) RoundTrip(*http.Request) (*http.Response, error) {
	return nil, fmt.Errorf("no network in this test")
}

func (r *recordingTransport) CloseIdleConnections() {
	r.closed.Add(1)
}

func TestClose_TransportOwnership(t *testing.T) {
	t.Run("owned transport is released", func(t *testing.T) {
		c, err := New(FamilyV1)
		require.NoError(t, err)
		require.True(t, c.ownsTransport)

		rt := &recordingTransport{}
		c.httpClient.Transport = rt

		require.NoError(t, c.Close())
		assert.Equal(t, int32(1), rt.closed.Load())
	})

	t.Run("caller transport is left alone", func(t *testing.T) {
		rt := &recordingTransport{}
		shared := &http.Client{Transport: rt}

		c, err := New(FamilyV1, WithHTTPClient(shared))
		require.NoError(t, err)
		require.False(t, c.ownsTransport)

		require.NoError(t, c.Close())
		assert.Equal(t, int32(0), rt.closed.Load())
	})
}

func TestTokenExpiry(t *testing.T) {
	exp := testEpoch.Add(15 * time.Minute)
	assert.True(t, tokenExpiry(signToken("a", exp)).Equal(exp))

	assert.True(t, tokenExpiry("not-a-jwt").IsZero())

	noExp, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "a"}).
		SignedString([]byte("k"))
	require.NoError(t, err)
	assert.True(t, tokenExpiry(noExp).IsZero())
}

func TestParseFamily(t *testing.T) {
	tests := []struct {
		in      string
		want    Family
		wantErr bool
	}{
		{in: "estudna", want: FamilyV1},
		{in: "v1", want: FamilyV1},
		{in: "eSTUDNA2", want: FamilyV2},
		{in: "v2", want: FamilyV2},
		{in: "", wantErr: true},
		{in: "studna", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseFamily(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnknownFamily)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
