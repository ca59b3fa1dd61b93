package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestClient(url string) *Client {
	return NewClient(Options{
		TokenURL: url,
		ClientID: "Esh3arTech_App",
		Scope:    "Esh3arTech",
		Logger:   zap.NewNop(),
	})
}

func TestAuthenticateSendsPasswordGrant(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/x-www-form-urlencoded" {
			t.Errorf("content-type = %q", ct)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatal(err)
		}
		want := map[string]string{
			"grant_type": "password",
			"client_id":  "Esh3arTech_App",
			"username":   "967775265496",
			"password":   "1q2w3E*",
			"scope":      "Esh3arTech",
		}
		for k, v := range want {
			if got := r.PostForm.Get(k); got != v {
				t.Errorf("form %s = %q, want %q", k, got, v)
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"tok-1","token_type":"Bearer","expires_in":3600}`))
	}))
	defer srv.Close()

	tok, err := newTestClient(srv.URL).Authenticate(context.Background(), "967775265496", "1q2w3E*")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if tok.AccessToken != "tok-1" {
		t.Errorf("AccessToken = %q, want tok-1", tok.AccessToken)
	}
	if tok.TokenType != "Bearer" {
		t.Errorf("TokenType = %q, want Bearer", tok.TokenType)
	}
	if until := time.Until(tok.ExpiresAt); until < 59*time.Minute || until > time.Hour {
		t.Errorf("ExpiresAt %v not ~1h ahead", tok.ExpiresAt)
	}
}

func TestAuthenticateFailures(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantStatus int
	}{
		{"invalid credentials", http.StatusBadRequest, `{"error":"invalid_grant"}`, http.StatusBadRequest},
		{"unauthorized", http.StatusUnauthorized, ``, http.StatusUnauthorized},
		{"server error", http.StatusInternalServerError, `boom`, http.StatusInternalServerError},
		{"missing token", http.StatusOK, `{"token_type":"Bearer"}`, http.StatusOK},
		{"not json", http.StatusOK, `<html>`, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			tok, err := newTestClient(srv.URL).Authenticate(context.Background(), "user", "pw")
			if err == nil {
				t.Fatalf("Authenticate succeeded with token %+v", tok)
			}
			var authErr *Error
			if !errors.As(err, &authErr) {
				t.Fatalf("error type = %T, want *Error", err)
			}
			if authErr.StatusCode != tt.wantStatus {
				t.Errorf("StatusCode = %d, want %d", authErr.StatusCode, tt.wantStatus)
			}
		})
	}
}

func TestAuthenticateUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := newTestClient(url).Authenticate(context.Background(), "user", "pw")
	var authErr *Error
	if !errors.As(err, &authErr) {
		t.Fatalf("error = %v, want *Error", err)
	}
	if authErr.StatusCode != 0 {
		t.Errorf("StatusCode = %d, want 0", authErr.StatusCode)
	}
	if authErr.Err == nil {
		t.Error("Err should carry the transport error")
	}
}

func TestAuthenticateCanceled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newTestClient(srv.URL).Authenticate(ctx, "user", "pw")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}
