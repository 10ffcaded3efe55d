package mcp

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// AuthEntry holds the OAuth material for one server. ServerURL binds
// the entry to the URL it was issued for; a config change to a
// different URL invalidates it.
type AuthEntry struct {
	ServerURL     string    `json:"server_url"`
	TokenEndpoint string    `json:"token_endpoint,omitempty"`
	ClientID      string    `json:"client_id,omitempty"`
	ClientSecret  string    `json:"client_secret,omitempty"`
	AccessToken   string    `json:"access_token,omitempty"`
	RefreshToken  string    `json:"refresh_token,omitempty"`
	TokenType     string    `json:"token_type,omitempty"`
	ExpiresAt     time.Time `json:"expires_at,omitempty"`
	// CodeVerifier and OAuthState hold an in-flight authorization flow
	// across a restart; both are cleared once the token exchange lands.
	CodeVerifier string `json:"code_verifier,omitempty"`
	OAuthState   string `json:"oauth_state,omitempty"`
}

// Expired reports whether the access token needs a refresh. A small
// margin avoids using a token that dies mid-request.
func (e AuthEntry) Expired() bool {
	if e.ExpiresAt.IsZero() {
		return false
	}
	return time.Now().After(e.ExpiresAt.Add(-30 * time.Second))
}

// AuthStore persists auth entries by server name in a 0600 JSON file.
type AuthStore struct {
	path string
	mu   sync.Mutex
}

func NewAuthStore(path string) *AuthStore {
	return &AuthStore{path: path}
}

func (s *AuthStore) load() (map[string]AuthEntry, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return map[string]AuthEntry{}, nil
	}
	if err != nil {
		return nil, err
	}
	entries := map[string]AuthEntry{}
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("mcp: corrupt auth file %s: %w", s.path, err)
	}
	return entries, nil
}

func (s *AuthStore) save(entries map[string]AuthEntry) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// Get returns the entry for the server, rejecting entries issued for a
// different URL.
func (s *AuthStore) Get(name, serverURL string) (AuthEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := s.load()
	if err != nil {
		return AuthEntry{}, false
	}
	entry, ok := entries[name]
	if !ok || entry.ServerURL != serverURL {
		return AuthEntry{}, false
	}
	return entry, true
}

// Set stores the entry.
func (s *AuthStore) Set(name string, entry AuthEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := s.load()
	if err != nil {
		return err
	}
	entries[name] = entry
	return s.save(entries)
}

// Delete removes the entry; used by logout.
func (s *AuthStore) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := entries[name]; !ok {
		return nil
	}
	delete(entries, name)
	return s.save(entries)
}
