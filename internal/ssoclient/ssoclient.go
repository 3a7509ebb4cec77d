// Package ssoclient is the Relying Party side of the OIDC handshake:
// it exchanges an authorization code at an upstream SSO's token
// endpoint, fetches userinfo, and caches OpenID Connect Discovery
// documents.
package ssoclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const requestTimeout = 30 * time.Second

// UserInfo is the subset of an OIDC userinfo response this system
// projects into a BindUser. Raw keeps the full decoded body so the
// bind flow can copy configured extra fields.
type UserInfo struct {
	Sub               string
	Email             string
	EmailVerified     bool
	Name              string
	GivenName         string
	PreferredUsername string
	Nickname          string
	Groups            []string
	Raw               map[string]any
}

// TokenResponse is the upstream SSO's token endpoint response.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
	IDToken     string `json:"id_token"`
}

// Config configures one upstream SSO relying-party integration.
type Config struct {
	Enabled          bool
	UseWellKnown     bool
	WellKnownURL     string
	AuthorizationURL string
	TokenURL         string
	UserinfoURL      string
	ClientID         string
	ClientSecret     string
	RedirectURI      string
	Scope            string
}

// Client is the OAuth 2.0 Relying Party client used by the bind flow.
type Client struct {
	cfg  Config
	http *http.Client

	mu        sync.Mutex
	wellknown map[string]map[string]any
}

// New returns a Client for cfg.
func New(cfg Config) *Client {
	return &Client{
		cfg:       cfg,
		http:      &http.Client{Timeout: requestTimeout},
		wellknown: make(map[string]map[string]any),
	}
}

// AuthorizationEndpoint resolves the authorization_endpoint to send
// users to, preferring a cached/fetched wellknown document over the
// manually configured URL, implementing bot.AuthorizationEndpointResolver.
func (c *Client) AuthorizationEndpoint(ctx context.Context) (string, error) {
	if c.cfg.UseWellKnown && c.cfg.WellKnownURL != "" {
		doc, err := c.fetchWellKnown(ctx, c.cfg.WellKnownURL)
		if err != nil {
			return c.cfg.AuthorizationURL, err
		}
		if endpoint, ok := doc["authorization_endpoint"].(string); ok && endpoint != "" {
			return endpoint, nil
		}
	}
	return c.cfg.AuthorizationURL, nil
}

// endpoints resolves the token and userinfo endpoints, preferring
// wellknown discovery.
func (c *Client) endpoints(ctx context.Context) (tokenURL, userinfoURL string, err error) {
	if c.cfg.UseWellKnown && c.cfg.WellKnownURL != "" {
		doc, err := c.fetchWellKnown(ctx, c.cfg.WellKnownURL)
		if err != nil {
			return "", "", err
		}
		tokenURL, _ = doc["token_endpoint"].(string)
		userinfoURL, _ = doc["userinfo_endpoint"].(string)
		if userinfoURL == "" {
			userinfoURL = c.cfg.UserinfoURL
		}
		return tokenURL, userinfoURL, nil
	}
	return c.cfg.TokenURL, c.cfg.UserinfoURL, nil
}

// fetchWellKnown fetches and caches wellKnownURL's discovery document.
// The cache is write-once for the life of the process: a successful
// fetch is never invalidated or refetched.
func (c *Client) fetchWellKnown(ctx context.Context, wellKnownURL string) (map[string]any, error) {
	c.mu.Lock()
	if doc, ok := c.wellknown[wellKnownURL]; ok {
		c.mu.Unlock()
		return doc, nil
	}
	c.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, wellKnownURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("ssoclient: wellknown fetch failed: %d %s", resp.StatusCode, string(body))
	}

	var doc map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, err
	}
	for _, required := range []string{"authorization_endpoint", "token_endpoint"} {
		if _, ok := doc[required]; !ok {
			return nil, fmt.Errorf("ssoclient: wellknown config missing %q", required)
		}
	}

	c.mu.Lock()
	c.wellknown[wellKnownURL] = doc
	c.mu.Unlock()
	return doc, nil
}

// ExchangeCode trades an authorization code for an access token at the
// upstream token endpoint.
func (c *Client) ExchangeCode(ctx context.Context, code string) (TokenResponse, error) {
	tokenURL, _, err := c.endpoints(ctx)
	if err != nil {
		return TokenResponse{}, err
	}
	if tokenURL == "" {
		return TokenResponse{}, fmt.Errorf("ssoclient: no token endpoint configured")
	}

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", c.cfg.RedirectURI)
	form.Set("client_id", c.cfg.ClientID)
	form.Set("client_secret", c.cfg.ClientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return TokenResponse{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return TokenResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return TokenResponse{}, fmt.Errorf("ssoclient: token exchange failed: %d %s", resp.StatusCode, string(body))
	}

	var tok TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return TokenResponse{}, err
	}
	return tok, nil
}

// GetUserInfo fetches userinfo for accessToken.
func (c *Client) GetUserInfo(ctx context.Context, accessToken string) (UserInfo, error) {
	_, userinfoURL, err := c.endpoints(ctx)
	if err != nil {
		return UserInfo{}, err
	}
	if userinfoURL == "" {
		return UserInfo{}, fmt.Errorf("ssoclient: no userinfo endpoint configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, userinfoURL, nil)
	if err != nil {
		return UserInfo{}, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return UserInfo{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return UserInfo{}, fmt.Errorf("ssoclient: userinfo fetch failed: %d %s", resp.StatusCode, string(body))
	}

	var raw map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return UserInfo{}, err
	}

	return userInfoFromRaw(raw), nil
}

// ExchangeAndGetUserInfo combines ExchangeCode and GetUserInfo.
func (c *Client) ExchangeAndGetUserInfo(ctx context.Context, code string) (UserInfo, error) {
	tok, err := c.ExchangeCode(ctx, code)
	if err != nil {
		return UserInfo{}, err
	}
	if tok.AccessToken == "" {
		return UserInfo{}, fmt.Errorf("ssoclient: token response had no access_token")
	}
	return c.GetUserInfo(ctx, tok.AccessToken)
}

func userInfoFromRaw(raw map[string]any) UserInfo {
	str := func(k string) string {
		s, _ := raw[k].(string)
		return s
	}
	info := UserInfo{
		Sub:               str("sub"),
		Email:             str("email"),
		Name:              str("name"),
		GivenName:         str("given_name"),
		PreferredUsername: str("preferred_username"),
		Nickname:          str("nickname"),
		Raw:               raw,
	}
	if v, ok := raw["email_verified"].(bool); ok {
		info.EmailVerified = v
	}
	if groups, ok := raw["groups"].([]any); ok {
		for _, g := range groups {
			if s, ok := g.(string); ok {
				info.Groups = append(info.Groups, s)
			}
		}
	}
	return info
}
