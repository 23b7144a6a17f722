package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sverka/internal/creds"
)

type backend struct {
	t *testing.T

	userCalls    atomic.Int32
	refreshCalls atomic.Int32
	// Tokens rejected with 401 until a refresh happened.
	staleToken string
}

func (b *backend) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /login", func(w http.ResponseWriter, r *http.Request) {
		var req Credentials
		require.NoError(b.t, json.NewDecoder(r.Body).Decode(&req))
		if req.Password != "secret123" {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "wrong credentials"})
			return
		}
		_ = json.NewEncoder(w).Encode(AuthResponse{AccessToken: "access-1", RefreshToken: "refresh-1"})
	})

	mux.HandleFunc("POST /refresh", func(w http.ResponseWriter, r *http.Request) {
		b.refreshCalls.Add(1)
		if r.Header.Get("Authorization") != "Bearer refresh-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(AuthResponse{AccessToken: "access-2", RefreshToken: "refresh-2"})
	})

	mux.HandleFunc("GET /user/", func(w http.ResponseWriter, r *http.Request) {
		b.userCalls.Add(1)
		token := r.Header.Get("Authorization")
		if token == "Bearer "+b.staleToken {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(SearchResult{Message: "available", Receiver: SearchedUser{Username: "bob"}})
	})

	mux.HandleFunc("POST /accept/", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "ok"})
	})

	return mux
}

func newTestClient(t *testing.T) (*Client, *creds.Store, *backend) {
	t.Helper()
	b := &backend{t: t}
	srv := httptest.NewServer(b.handler())
	t.Cleanup(srv.Close)

	cs := creds.NewStore()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return NewClient(ctx, srv.URL, 5*time.Second, cs), cs, b
}

func TestLoginStoresCredentials(t *testing.T) {
	client, cs, _ := newTestClient(t)

	resp, err := client.Login(context.Background(), Credentials{Username: "alice", Password: "secret123"})
	require.NoError(t, err)
	assert.Equal(t, "access-1", resp.AccessToken)

	pair, ok := cs.Get()
	require.True(t, ok)
	assert.Equal(t, "access-1", pair.Access)
	assert.Equal(t, "refresh-1", pair.Refresh)
	assert.Equal(t, "alice", cs.Identity())
}

func TestLoginRejectsInvalidInput(t *testing.T) {
	client, _, _ := newTestClient(t)

	_, err := client.Login(context.Background(), Credentials{Username: "al", Password: "secret123"})
	require.Error(t, err, "usernames shorter than 3 characters never leave the client")

	_, err = client.Login(context.Background(), Credentials{Username: "alice", Password: "short"})
	require.Error(t, err)
}

func TestLoginSurfacesServerMessage(t *testing.T) {
	client, _, _ := newTestClient(t)

	_, err := client.Login(context.Background(), Credentials{Username: "alice", Password: "wrongpass"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wrong credentials")
}

// An expired access token triggers exactly one refresh and one retry, and
// the retry carries the new token.
func TestAuthFailureRefreshesAndRetriesOnce(t *testing.T) {
	client, cs, b := newTestClient(t)
	_, err := client.Login(context.Background(), Credentials{Username: "alice", Password: "secret123"})
	require.NoError(t, err)

	b.staleToken = "access-1"

	var refreshedWith string
	client.OnRefreshed(func(access string) { refreshedWith = access })

	res, err := client.SearchUser(context.Background(), "bob")
	require.NoError(t, err)
	assert.Equal(t, "available", res.Message)

	assert.Equal(t, int32(2), b.userCalls.Load(), "one failed attempt, one retry")
	assert.Equal(t, int32(1), b.refreshCalls.Load())
	assert.Equal(t, "access-2", refreshedWith, "refresh hook sees the new access token")

	pair, _ := cs.Get()
	assert.Equal(t, "access-2", pair.Access)
	assert.Equal(t, "refresh-2", pair.Refresh)
}

func TestRefreshFailureIsSessionExpired(t *testing.T) {
	client, cs, b := newTestClient(t)
	_, err := client.Login(context.Background(), Credentials{Username: "alice", Password: "secret123"})
	require.NoError(t, err)

	// Invalidate both tokens: the request 401s, the refresh 401s.
	cs.Set("stale", "stale")
	b.staleToken = "stale"

	_, err = client.SearchUser(context.Background(), "bob")
	require.ErrorIs(t, err, ErrSessionExpired)
	assert.Equal(t, int32(1), b.userCalls.Load(), "no retry after a failed refresh")
}

func TestSearchResultsAreCached(t *testing.T) {
	client, _, b := newTestClient(t)
	_, err := client.Login(context.Background(), Credentials{Username: "alice", Password: "secret123"})
	require.NoError(t, err)

	for range 3 {
		_, err := client.SearchUser(context.Background(), "bob")
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), b.userCalls.Load())
}

func TestFriendCallsRequireCredentials(t *testing.T) {
	client, _, _ := newTestClient(t)

	err := client.AcceptFriend(context.Background(), "bob")
	require.ErrorIs(t, err, ErrSessionExpired)
}
