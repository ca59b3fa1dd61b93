// Package oneway submits single outbound messages through the HTTP ingestion
// endpoint. There is no retry; each call is one request.
package oneway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Message is the request body of a one-way send.
type Message struct {
	RecipientPhoneNumber string `json:"RecipientPhoneNumber"`
	MessageContent       string `json:"MessageContent"`
	Subject              string `json:"Subject"`
}

type sendResponse struct {
	ID uuid.UUID `json:"id"`
}

// StatusError is returned when the endpoint answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("send failed: %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("send failed: %d %s", e.StatusCode, e.Body)
}

// Sender posts messages with a fixed bearer token.
type Sender struct {
	url    string
	token  string
	http   *http.Client
	logger *zap.Logger
}

// NewSender creates a Sender for the ingestion endpoint at url.
func NewSender(url, token string, hc *http.Client, logger *zap.Logger) *Sender {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Sender{url: url, token: token, http: hc, logger: logger}
}

// Send submits m and returns the id the server assigned.
func (s *Sender) Send(ctx context.Context, m Message) (uuid.UUID, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return uuid.Nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return uuid.Nil, err
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return uuid.Nil, fmt.Errorf("send: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return uuid.Nil, fmt.Errorf("send: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		s.logger.Warn("one-way send rejected", zap.Int("status", resp.StatusCode))
		return uuid.Nil, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}

	var out sendResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return uuid.Nil, fmt.Errorf("send: decode response: %w", err)
	}
	s.logger.Debug("one-way message accepted", zap.Stringer("msg_id", out.ID))
	return out.ID, nil
}
