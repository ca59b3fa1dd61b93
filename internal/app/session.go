// Package app assembles a notification session and runs it under fx.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/matheus3301/esh3ar/internal/ack"
	"github.com/matheus3301/esh3ar/internal/auth"
	"github.com/matheus3301/esh3ar/internal/bus"
	"github.com/matheus3301/esh3ar/internal/chat"
	"github.com/matheus3301/esh3ar/internal/config"
	"github.com/matheus3301/esh3ar/internal/console"
	"github.com/matheus3301/esh3ar/internal/dispatch"
	"github.com/matheus3301/esh3ar/internal/identity"
	"github.com/matheus3301/esh3ar/internal/signalr"
	"github.com/matheus3301/esh3ar/internal/status"
)

// Credentials are what the user typed at the prompts.
type Credentials struct {
	Handle   string
	Password string
}

// Session is the single live connection of a run: the issued token, the
// resolved identity and the hub client built for that identity's role.
type Session struct {
	cfg     *config.Config
	creds   Credentials
	auth    *auth.Client
	http    *http.Client
	console *console.Console
	machine *status.Machine
	bus     *bus.Bus
	logger  *zap.Logger

	mu     sync.Mutex
	self   identity.Identity
	client *signalr.Client
	acks   *ack.Tracker
}

// NewSession prepares a session. Nothing touches the network until Open.
func NewSession(cfg *config.Config, creds Credentials, authClient *auth.Client, hc *http.Client, con *console.Console, m *status.Machine, b *bus.Bus, logger *zap.Logger) *Session {
	return &Session{
		cfg:     cfg,
		creds:   creds,
		auth:    authClient,
		http:    hc,
		console: con,
		machine: m,
		bus:     b,
		logger:  logger,
	}
}

// Open authenticates once, resolves the identity and connects to the hub
// selected by the identity's role. Errors from Open are fatal for the run.
func (s *Session) Open(ctx context.Context) error {
	role := identity.PhoneShaped(s.creds.Handle)
	username := identity.LoginName(s.creds.Handle, s.cfg.DialPrefix, role)

	token, err := s.auth.Authenticate(ctx, username, s.creds.Password)
	if err != nil {
		return err
	}
	s.logger.Info("authenticated",
		zap.String("username", username),
		zap.Time("expires_at", token.ExpiresAt))
	self := identity.Resolve(s.creds.Handle, token.AccessToken, identity.PhoneShaped, s.logger)

	hubPath := s.cfg.MobileHubPath
	if self.Role == identity.Business {
		hubPath = s.cfg.BusinessHubPath
	}

	client := signalr.New(signalr.Options{
		URL: s.cfg.URL(hubPath),
		// The token is issued once and re-presented on every connection
		// attempt.
		Token: func(context.Context) (string, error) {
			return token.AccessToken, nil
		},
		HTTPClient:         s.http,
		InsecureSkipVerify: s.cfg.InsecureSkipVerify,
		KeepAlive:          s.cfg.Connection.KeepAlive.Std(),
		ServerTimeout:      s.cfg.Connection.ServerTimeout.Std(),
		HandshakeTimeout:   s.cfg.Connection.HandshakeTimeout.Std(),
		ReconnectDelays:    s.cfg.Connection.Delays(),
		Machine:            s.machine,
		Logger:             s.logger.Named("signalr"),
	})

	acks := ack.NewTracker(client, s.bus, s.logger.Named("ack"))
	client.OnReconnecting(func(err error) {
		// Anything redelivered on the next connection is acknowledged again.
		acks.Reset()
	})

	client.OnReconnected(func() {
		s.console.Success("Reconnected.")
	})
	client.OnClosed(func(err error) {
		if err != nil {
			s.logger.Warn("hub connection closed", zap.Error(err))
		}
	})

	d := dispatch.New(self, s.console, acks, s.bus, s.logger.Named("dispatch"))
	d.Register(client)

	if err := client.Start(ctx); err != nil {
		return fmt.Errorf("connect to %s: %w", hubPath, err)
	}

	s.mu.Lock()
	s.self = self
	s.client = client
	s.acks = acks
	s.mu.Unlock()
	return nil
}

// Identity returns the resolved identity. It is the zero value before Open.
func (s *Session) Identity() identity.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.self
}

// Closed delivers the error that ended the connection when the server closes
// it for good. It is nil before Open.
func (s *Session) Closed() <-chan error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil
	}
	return s.client.Closed()
}

// Chat reads lines from the console and sends each one to peer until the
// sentinel line, end of input or ctx ends. Send failures are shown and the
// loop continues.
func (s *Session) Chat(ctx context.Context, peer string) error {
	s.mu.Lock()
	client, self := s.client, s.self
	s.mu.Unlock()
	if client == nil {
		return signalr.ErrNotConnected
	}

	ch := chat.NewChannel(self, peer, client, s.bus, s.logger.Named("chat"))
	s.console.Println(fmt.Sprintf("Chatting with %s as %s. Type %q to stop.", peer, self.Role, chat.Sentinel))
	for ctx.Err() == nil {
		line, err := s.console.ReadLine("> ")
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if chat.IsSentinel(line) {
			return nil
		}
		if st := client.State(); st != status.Connected {
			s.console.Failure(fmt.Sprintf("Not sent, connection is %s.", st))
			continue
		}
		id, err := ch.Send(ctx, line)
		switch {
		case errors.Is(err, chat.ErrEmpty):
		case err != nil:
			s.console.ShowError(err)
		default:
			s.console.Success(fmt.Sprintf("Sent %s", id))
		}
	}
	return ctx.Err()
}

// Close stops the hub connection. It is safe to call when Open failed.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client == nil {
		return nil
	}
	return client.Stop(ctx)
}
