package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os/exec"
	"runtime"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

const callbackWait = 5 * time.Minute

// ErrNeedsClientRegistration means the authorization server does not
// support dynamic registration and no client_id is configured; the
// user has to register a client manually.
var ErrNeedsClientRegistration = errors.New("mcp: authorization server requires manual client registration")

type authServerMeta struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	RegistrationEndpoint  string `json:"registration_endpoint"`
}

// discoverAuthServer resolves the authorization server for an MCP URL:
// the protected-resource metadata names it when present, otherwise the
// MCP origin doubles as the issuer.
func discoverAuthServer(ctx context.Context, serverURL string) (authServerMeta, error) {
	origin, err := originOf(serverURL)
	if err != nil {
		return authServerMeta{}, err
	}

	issuer := origin
	var protected struct {
		AuthorizationServers []string `json:"authorization_servers"`
	}
	if err := getJSON(ctx, origin+"/.well-known/oauth-protected-resource", &protected); err == nil && len(protected.AuthorizationServers) > 0 {
		issuer = protected.AuthorizationServers[0]
	}

	var meta authServerMeta
	if err := getJSON(ctx, issuer+"/.well-known/oauth-authorization-server", &meta); err == nil && meta.AuthorizationEndpoint != "" {
		return meta, nil
	}
	if err := getJSON(ctx, issuer+"/.well-known/openid-configuration", &meta); err == nil && meta.AuthorizationEndpoint != "" {
		return meta, nil
	}
	return authServerMeta{}, fmt.Errorf("mcp: no authorization server metadata at %s", issuer)
}

// registerClient performs RFC 7591 dynamic registration as a public
// client.
func registerClient(ctx context.Context, registrationEndpoint, redirectURI string) (id, secret string, err error) {
	body, _ := json.Marshal(map[string]any{
		"client_name":                "hotaru",
		"redirect_uris":              []string{redirectURI},
		"grant_types":                []string{"authorization_code", "refresh_token"},
		"response_types":             []string{"code"},
		"token_endpoint_auth_method": "none",
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, registrationEndpoint, bytes.NewReader(body))
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("mcp: client registration failed with HTTP %d", resp.StatusCode)
	}

	var result struct {
		ClientID     string `json:"client_id"`
		ClientSecret string `json:"client_secret"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", "", fmt.Errorf("decode registration response: %w", err)
	}
	if result.ClientID == "" {
		return "", "", fmt.Errorf("mcp: registration response missing client_id")
	}
	return result.ClientID, result.ClientSecret, nil
}

// Authenticate runs the full authorization code + PKCE flow for a
// remote server, persists the tokens, and reconnects.
func (m *Manager) Authenticate(ctx context.Context, name string) error {
	m.mu.Lock()
	entry, ok := m.servers[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("mcp: unknown server %q", name)
	}
	cfg := entry.config
	m.mu.Unlock()
	if !cfg.Remote() {
		return fmt.Errorf("mcp: server %q is local, nothing to authenticate", name)
	}

	meta, err := discoverAuthServer(ctx, cfg.URL)
	if err != nil {
		return err
	}

	stored, _ := m.auth.Get(name, cfg.URL)
	if stored.ClientID == "" {
		if meta.RegistrationEndpoint == "" {
			m.setStatus(name, StatusNeedsClientRegistration, ErrNeedsClientRegistration)
			return ErrNeedsClientRegistration
		}
		if err := m.callback.Start(); err != nil {
			return err
		}
		id, secret, err := registerClient(ctx, meta.RegistrationEndpoint, m.callback.RedirectURI())
		if err != nil {
			return err
		}
		stored = AuthEntry{ServerURL: cfg.URL, ClientID: id, ClientSecret: secret}
		if err := m.auth.Set(name, stored); err != nil {
			return err
		}
	}

	if err := m.callback.Start(); err != nil {
		return err
	}

	oauthCfg := &oauth2.Config{
		ClientID:     stored.ClientID,
		ClientSecret: stored.ClientSecret,
		RedirectURL:  m.callback.RedirectURI(),
		Endpoint: oauth2.Endpoint{
			AuthURL:  meta.AuthorizationEndpoint,
			TokenURL: meta.TokenEndpoint,
		},
	}

	state := uuid.NewString()
	verifier := oauth2.GenerateVerifier()
	stored.CodeVerifier = verifier
	stored.OAuthState = state
	if err := m.auth.Set(name, stored); err != nil {
		return err
	}
	resultCh := m.callback.Expect(state)
	defer m.callback.Forget(state)

	authURL := oauthCfg.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.S256ChallengeOption(verifier),
	)
	if err := openBrowser(authURL); err != nil {
		m.logger.Warn("could not open browser", "error", err)
		if m.bus != nil {
			perr := m.bus.Publish(ctx, EventBrowserOpenFailed, map[string]any{"server": name, "url": authURL})
			if perr != nil {
				m.logger.Warn("failed to publish mcp.browser.open.failed", "error", perr)
			}
		}
	}

	var result callbackResult
	select {
	case result = <-resultCh:
	case <-time.After(callbackWait):
		return fmt.Errorf("mcp: timed out waiting for the oauth callback")
	case <-ctx.Done():
		return ctx.Err()
	}
	if result.err != nil {
		return result.err
	}

	token, err := oauthCfg.Exchange(ctx, result.code, oauth2.VerifierOption(verifier))
	if err != nil {
		return fmt.Errorf("mcp: token exchange: %w", err)
	}

	stored.TokenEndpoint = meta.TokenEndpoint
	stored.AccessToken = token.AccessToken
	stored.RefreshToken = token.RefreshToken
	stored.TokenType = token.TokenType
	stored.ExpiresAt = token.Expiry
	stored.CodeVerifier = ""
	stored.OAuthState = ""
	if err := m.auth.Set(name, stored); err != nil {
		return err
	}

	return m.Connect(ctx, name)
}

// Logout drops stored tokens and disconnects.
func (m *Manager) Logout(ctx context.Context, name string) error {
	if err := m.auth.Delete(name); err != nil {
		return err
	}
	return m.Disconnect(ctx, name)
}

// authHeaderFor returns the Authorization header source for a server,
// refreshing the access token when it has expired.
func (m *Manager) authHeaderFor(name string) authHeaderFunc {
	return func() string {
		m.mu.Lock()
		entry, ok := m.servers[name]
		if !ok {
			m.mu.Unlock()
			return ""
		}
		serverURL := entry.config.URL
		m.mu.Unlock()

		stored, ok := m.auth.Get(name, serverURL)
		if !ok || stored.AccessToken == "" {
			return ""
		}
		if stored.Expired() && stored.RefreshToken != "" && stored.TokenEndpoint != "" {
			refreshed, err := m.refresh(name, stored)
			if err != nil {
				m.logger.Warn("token refresh failed", "server", name, "error", err)
			} else {
				stored = refreshed
			}
		}
		tokenType := stored.TokenType
		if tokenType == "" {
			tokenType = "Bearer"
		}
		return tokenType + " " + stored.AccessToken
	}
}

func (m *Manager) refresh(name string, stored AuthEntry) (AuthEntry, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cfg := &oauth2.Config{
		ClientID:     stored.ClientID,
		ClientSecret: stored.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: stored.TokenEndpoint},
	}
	token, err := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: stored.RefreshToken}).Token()
	if err != nil {
		return stored, err
	}

	stored.AccessToken = token.AccessToken
	if token.RefreshToken != "" {
		stored.RefreshToken = token.RefreshToken
	}
	stored.TokenType = token.TokenType
	stored.ExpiresAt = token.Expiry
	if err := m.auth.Set(name, stored); err != nil {
		return stored, err
	}
	return stored, nil
}

func originOf(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("mcp: bad server url %q: %w", raw, err)
	}
	return u.Scheme + "://" + u.Host, nil
}

func getJSON(ctx context.Context, rawURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d from %s", resp.StatusCode, rawURL)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func openBrowser(url string) error {
	switch runtime.GOOS {
	case "darwin":
		return exec.Command("open", url).Start()
	case "windows":
		return exec.Command("rundll32", "url.dll,FileProtocolHandler", url).Start()
	default:
		return exec.Command("xdg-open", url).Start()
	}
}
