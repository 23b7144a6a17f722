// Package creds holds the session-scoped credential pair. It is a plain
// data holder: the refresh protocol is the only writer, everything else
// reads. Nothing here survives a process restart.
package creds

import (
	"sync"

	"github.com/golang-jwt/jwt/v5"
)

type Pair struct {
	Access  string
	Refresh string
}

type Store struct {
	mu       sync.RWMutex
	pair     Pair
	present  bool
	username string
}

func NewStore() *Store {
	return &Store{}
}

// Set replaces the held pair atomically. The username claim is re-derived
// from the access token so a refreshed pair keeps identity consistent.
func (s *Store) Set(access, refresh string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pair = Pair{Access: access, Refresh: refresh}
	s.present = true
	if name := usernameClaim(access); name != "" {
		s.username = name
	}
}

func (s *Store) Get() (Pair, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pair, s.present
}

// SetIdentity records the username when the token carries no usable claim
// (the login response is the fallback source).
func (s *Store) SetIdentity(username string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.username == "" {
		s.username = username
	}
}

func (s *Store) Identity() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.username
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pair = Pair{}
	s.present = false
	s.username = ""
}

// usernameClaim extracts the username claim without verifying the
// signature. The client never trusts token contents for authorization, the
// backend does; this is display identity only.
func usernameClaim(access string) string {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(access, claims); err != nil {
		return ""
	}
	name, _ := claims["username"].(string)
	return name
}
