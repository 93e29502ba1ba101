package qbo

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// Intuit OAuth endpoints. The authorize and token hosts are the same for
// sandbox and production apps; only the company API base differs.
const (
	AuthorizeURL = "https://appcenter.intuit.com/connect/oauth2"
	TokenURL     = "https://oauth.platform.intuit.com/oauth2/v1/tokens/bearer"
	RevokeURL    = "https://developer.api.intuit.com/v2/oauth2/tokens/revoke"

	// ScopeAccounting grants read/write access to company accounting data.
	ScopeAccounting = "com.intuit.quickbooks.accounting"
)

// Client talks to Intuit's OAuth endpoints on behalf of the registered app
type Client struct {
	clientID     string
	clientSecret string
	redirectURL  string

	authorizeURL string
	tokenURL     string
	revokeURL    string

	httpClient *http.Client
}

// New creates a client for the registered QuickBooks app
func New(clientID, clientSecret, redirectURL string) *Client {
	return &Client{
		clientID:     clientID,
		clientSecret: clientSecret,
		redirectURL:  redirectURL,
		authorizeURL: AuthorizeURL,
		tokenURL:     TokenURL,
		revokeURL:    RevokeURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (c *Client) oauth2Config() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.clientID,
		ClientSecret: c.clientSecret,
		RedirectURL:  c.redirectURL,
		Scopes:       []string{ScopeAccounting},
		Endpoint: oauth2.Endpoint{
			AuthURL:   c.authorizeURL,
			TokenURL:  c.tokenURL,
			AuthStyle: oauth2.AuthStyleInHeader,
		},
	}
}

// withHTTPClient binds the client's timeout-bearing http.Client to the
// oauth2 transport so token calls cannot hang past the configured timeout.
func (c *Client) withHTTPClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

// AuthCodeURL returns the Intuit authorization URL for the given state token
func (c *Client) AuthCodeURL(state string) string {
	return c.oauth2Config().AuthCodeURL(state)
}

// Exchange trades an authorization code for a token pair
func (c *Client) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	return c.oauth2Config().Exchange(c.withHTTPClient(ctx), code)
}

// Refresh obtains a new token pair from a refresh token. Intuit rotates the
// refresh token on every exchange, so callers must persist the returned one.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	return c.oauth2Config().
		TokenSource(c.withHTTPClient(ctx), &oauth2.Token{RefreshToken: refreshToken}).
		Token()
}

// Revoke invalidates a refresh token (and its access tokens) at Intuit
func (c *Client) Revoke(ctx context.Context, refreshToken string) error {
	body, err := json.Marshal(map[string]string{"token": refreshToken})
	if err != nil {
		return fmt.Errorf("failed to marshal revoke request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.revokeURL, strings.NewReader(string(body)))
	if err != nil {
		return fmt.Errorf("failed to create revoke request: %w", err)
	}
	req.SetBasicAuth(c.clientID, c.clientSecret)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("revoke request failed: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			fmt.Printf("Error closing response body: %v\n", err)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("revoke request failed: %s", resp.Status)
	}

	return nil
}

// RefreshTokenExpiry extracts Intuit's rotated refresh token lifetime from a
// token response. Returns the zero time when the field is absent.
func RefreshTokenExpiry(tok *oauth2.Token) time.Time {
	switch v := tok.Extra("x_refresh_token_expires_in").(type) {
	case float64:
		return time.Now().Add(time.Duration(v) * time.Second)
	case int64:
		return time.Now().Add(time.Duration(v) * time.Second)
	case json.Number:
		if secs, err := v.Int64(); err == nil {
			return time.Now().Add(time.Duration(secs) * time.Second)
		}
	}
	return time.Time{}
}
