// Package auth exchanges a username and password for a bearer token.
package auth

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/klauspost/compress/gzhttp"
	"go.uber.org/zap"
)

// Token is a successful password-grant response.
type Token struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`

	// ExpiresAt is computed from ExpiresIn when the token is received.
	ExpiresAt time.Time `json:"-"`
}

// Error is returned for any failed token exchange. StatusCode is zero when
// the issuer could not be reached.
type Error struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("authentication failed: %v", e.Err)
	}
	if e.Body != "" {
		return fmt.Sprintf("authentication failed: %d %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("authentication failed: %d", e.StatusCode)
}

func (e *Error) Unwrap() error { return e.Err }

// Options configures a Client.
type Options struct {
	TokenURL   string
	ClientID   string
	Scope      string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client performs the password grant against the credential issuer.
type Client struct {
	tokenURL string
	clientID string
	scope    string
	http     *http.Client
	log      *zap.Logger
}

// NewClient creates a token client.
func NewClient(opts Options) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		hc = NewHTTPClient(false)
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		tokenURL: opts.TokenURL,
		clientID: opts.ClientID,
		scope:    opts.Scope,
		http:     hc,
		log:      log,
	}
}

// NewHTTPClient returns an HTTP client with a gzip-aware transport.
// insecure disables TLS verification for development issuers with
// self-signed certificates.
func NewHTTPClient(insecure bool) *http.Client {
	base := http.DefaultTransport.(*http.Transport).Clone()
	if insecure {
		base.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in via config
	}
	return &http.Client{
		Transport: gzhttp.Transport(base),
		Timeout:   30 * time.Second,
	}
}

// Authenticate exchanges username and password for a token. Every failure is
// returned as *Error.
func (c *Client) Authenticate(ctx context.Context, username, password string) (*Token, error) {
	form := url.Values{
		"grant_type": {"password"},
		"client_id":  {c.clientID},
		"username":   {username},
		"password":   {password},
		"scope":      {c.scope},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, &Error{Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Warn("token request failed", zap.String("username", username), zap.Error(err))
		return nil, &Error{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &Error{StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.log.Warn("token request rejected",
			zap.String("username", username),
			zap.Int("status", resp.StatusCode))
		return nil, &Error{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var tok Token
	if err := json.Unmarshal(body, &tok); err != nil {
		return nil, &Error{StatusCode: resp.StatusCode, Err: fmt.Errorf("decode token response: %w", err)}
	}
	if tok.AccessToken == "" {
		return nil, &Error{StatusCode: resp.StatusCode, Err: fmt.Errorf("token response has no access_token")}
	}
	if tok.ExpiresIn > 0 {
		tok.ExpiresAt = time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second)
	}
	c.log.Info("authenticated", zap.String("username", username), zap.Int("expires_in", tok.ExpiresIn))
	return &tok, nil
}
