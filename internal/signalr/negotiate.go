package signalr

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

const maxRedirects = 100

type negotiateResponse struct {
	ConnectionID        string `json:"connectionId"`
	ConnectionToken     string `json:"connectionToken"`
	NegotiateVersion    int    `json:"negotiateVersion"`
	AvailableTransports []struct {
		Transport       string   `json:"transport"`
		TransferFormats []string `json:"transferFormats"`
	} `json:"availableTransports"`
	URL         string `json:"url"`
	AccessToken string `json:"accessToken"`
	Error       string `json:"error"`
}

// endpoint is where the websocket transport connects after negotiation.
type endpoint struct {
	url   string
	token string
}

// negotiate resolves the websocket endpoint for hubURL, following redirects.
func (c *Client) negotiate(ctx context.Context, hubURL, token string) (endpoint, error) {
	for range maxRedirects {
		resp, err := c.negotiateOnce(ctx, hubURL, token)
		if err != nil {
			return endpoint{}, err
		}
		if resp.Error != "" {
			return endpoint{}, &NegotiateError{Message: resp.Error}
		}
		if resp.URL != "" {
			c.log.Debug("negotiate redirect", zap.String("url", resp.URL))
			hubURL = resp.URL
			if resp.AccessToken != "" {
				token = resp.AccessToken
			}
			continue
		}
		if !offersWebSockets(resp) {
			return endpoint{}, &NegotiateError{Message: "server does not offer the WebSockets transport"}
		}
		id := resp.ConnectionID
		if resp.NegotiateVersion >= 1 && resp.ConnectionToken != "" {
			id = resp.ConnectionToken
		}
		wsURL, err := websocketURL(hubURL, id)
		if err != nil {
			return endpoint{}, err
		}
		return endpoint{url: wsURL, token: token}, nil
	}
	return endpoint{}, &NegotiateError{Message: fmt.Sprintf("exceeded %d redirects", maxRedirects)}
}

func (c *Client) negotiateOnce(ctx context.Context, hubURL, token string) (*negotiateResponse, error) {
	u, err := url.Parse(hubURL)
	if err != nil {
		return nil, fmt.Errorf("parse hub url: %w", err)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/negotiate"
	q := u.Query()
	q.Set("negotiateVersion", "1")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), nil)
	if err != nil {
		return nil, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("negotiate: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("negotiate: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &NegotiateError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}
	var out negotiateResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("negotiate: decode response: %w", err)
	}
	return &out, nil
}

func offersWebSockets(resp *negotiateResponse) bool {
	for _, t := range resp.AvailableTransports {
		if t.Transport == "WebSockets" {
			return true
		}
	}
	return false
}

// websocketURL turns an http(s) hub URL into the ws(s) URL carrying the
// connection id.
func websocketURL(hubURL, id string) (string, error) {
	u, err := url.Parse(hubURL)
	if err != nil {
		return "", fmt.Errorf("parse hub url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported hub url scheme %q", u.Scheme)
	}
	if id != "" {
		q := u.Query()
		q.Set("id", id)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}
