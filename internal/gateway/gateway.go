// Package gateway performs the authenticated request/response calls against
// the backend. On an authorization failure it refreshes the credential pair
// exactly once, lets the session replace its streaming channel, and retries
// the original request once. A second failure ends the session.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/c-pro/geche"
	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/singleflight"

	"sverka/internal/creds"
)

var (
	ErrSessionExpired = errors.New("session expired")
)

const searchCacheTTL = 30 * time.Second

// Credentials is the login/signup payload. Limits mirror what the backend
// enforces so obviously bad input never leaves the client.
type Credentials struct {
	Username string `json:"username" validate:"required,min=3,max=32"`
	Password string `json:"password" validate:"required,min=6"`
}

type AuthResponse struct {
	Message      string `json:"message"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

type SearchedUser struct {
	Username string `json:"username"`
}

// SearchResult reports whether a friend request toward the user is still
// possible ("available"), already sent ("pending") or done ("accepted").
type SearchResult struct {
	Message  string       `json:"message"`
	Receiver SearchedUser `json:"receiver"`
}

type statusError struct {
	code    int
	message string
}

func (e *statusError) Error() string {
	if e.message != "" {
		return e.message
	}
	return http.StatusText(e.code)
}

type Client struct {
	base        string
	http        *http.Client
	creds       *creds.Store
	validate    *validator.Validate
	refreshing  singleflight.Group
	search      geche.Geche[string, SearchResult]
	onRefreshed func(access string)
}

func NewClient(ctx context.Context, base string, timeout time.Duration, cs *creds.Store) *Client {
	return &Client{
		base:     base,
		http:     &http.Client{Timeout: timeout},
		creds:    cs,
		validate: validator.New(),
		search:   geche.NewMapTTLCache[string, SearchResult](ctx, searchCacheTTL, time.Minute),
	}
}

// OnRefreshed registers the hook run after a successful refresh, before the
// failed request is retried. The session uses it to replace the streaming
// channel with one opened on the new token.
func (c *Client) OnRefreshed(fn func(access string)) {
	c.onRefreshed = fn
}

func (c *Client) Login(ctx context.Context, req Credentials) (AuthResponse, error) {
	return c.authenticate(ctx, "/login", req)
}

func (c *Client) Signup(ctx context.Context, req Credentials) (AuthResponse, error) {
	return c.authenticate(ctx, "/signup", req)
}

func (c *Client) authenticate(ctx context.Context, path string, req Credentials) (AuthResponse, error) {
	if err := c.validate.Struct(req); err != nil {
		return AuthResponse{}, fmt.Errorf("invalid credentials: %w", err)
	}

	var resp AuthResponse
	if err := c.doOnce(ctx, http.MethodPost, path, req, &resp, ""); err != nil {
		return AuthResponse{}, err
	}

	c.creds.Set(resp.AccessToken, resp.RefreshToken)
	c.creds.SetIdentity(req.Username)
	return resp, nil
}

// SearchUser looks up a username and the friend-request status toward it.
// Results are cached briefly to absorb repeated lookups while the user
// types.
func (c *Client) SearchUser(ctx context.Context, username string) (SearchResult, error) {
	if cached, err := c.search.Get(username); err == nil {
		return cached, nil
	}

	var res SearchResult
	if err := c.do(ctx, http.MethodGet, "/user/"+url.PathEscape(username), nil, &res); err != nil {
		return SearchResult{}, err
	}
	c.search.Set(username, res)
	return res, nil
}

func (c *Client) AcceptFriend(ctx context.Context, username string) error {
	return c.do(ctx, http.MethodPost, "/accept/"+url.PathEscape(username), nil, nil)
}

func (c *Client) RejectFriend(ctx context.Context, username string) error {
	return c.do(ctx, http.MethodPost, "/reject/"+url.PathEscape(username), nil, nil)
}

func (c *Client) RemoveFriend(ctx context.Context, username string) error {
	return c.do(ctx, http.MethodPost, "/remove/"+url.PathEscape(username), nil, nil)
}

// do performs an authenticated call with the refresh-and-retry protocol:
// one attempt with the current access token, at most one refresh, at most
// one retry.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	pair, ok := c.creds.Get()
	if !ok {
		return ErrSessionExpired
	}

	err := c.doOnce(ctx, method, path, body, out, pair.Access)
	if !isAuthError(err) {
		return err
	}

	if err := c.Refresh(ctx); err != nil {
		return err
	}

	pair, ok = c.creds.Get()
	if !ok {
		return ErrSessionExpired
	}
	return c.doOnce(ctx, method, path, body, out, pair.Access)
}

// Refresh exchanges the refresh token for a new credential pair. Concurrent
// callers are collapsed into a single exchange; any failure is terminal for
// the session.
func (c *Client) Refresh(ctx context.Context) error {
	_, err, _ := c.refreshing.Do("refresh", func() (any, error) {
		pair, ok := c.creds.Get()
		if !ok {
			return nil, ErrSessionExpired
		}

		var resp AuthResponse
		if err := c.doOnce(ctx, http.MethodPost, "/refresh", nil, &resp, pair.Refresh); err != nil {
			slog.Warn("token refresh failed", "error", err)
			return nil, fmt.Errorf("%w: %v", ErrSessionExpired, err)
		}

		c.creds.Set(resp.AccessToken, resp.RefreshToken)
		if c.onRefreshed != nil {
			c.onRefreshed(resp.AccessToken)
		}
		return nil, nil
	})
	return err
}

func (c *Client) doOnce(ctx context.Context, method, path string, body, out any, token string) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return &statusError{code: resp.StatusCode, message: serverMessage(resp.Body)}
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func isAuthError(err error) bool {
	var se *statusError
	if !errors.As(err, &se) {
		return false
	}
	return se.code == http.StatusUnauthorized || se.code == http.StatusForbidden
}

func serverMessage(body io.Reader) string {
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(body).Decode(&payload); err != nil {
		return ""
	}
	if payload.Error != "" {
		return payload.Error
	}
	return payload.Message
}
