// Package hubtest runs an in-process hub and credential issuer so the real
// client can be exercised end to end.
package hubtest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/matheus3301/esh3ar/internal/signalr"
)

// TokenPath is where the fake issuer accepts password grants.
const TokenPath = "/connect/token"

// Invocation is a client-to-server invocation seen by the hub.
type Invocation struct {
	Hub          string
	Target       string
	InvocationID string
	Arguments    []json.RawMessage
}

// Responder computes the completion for a client invocation. A non-nil error
// becomes the completion's error message.
type Responder func(args []json.RawMessage) (any, error)

// Server is a fake hub host.
type Server struct {
	srv *httptest.Server

	mu              sync.Mutex
	sessions        map[*session]struct{}
	invocations     []Invocation
	presented       []string
	authCalls       int
	responders      map[string]Responder
	handshakeError  string
	negotiateStatus int
	credentials     map[string]string
	greeting        [][]byte
	issue           func(username string) string
}

type session struct {
	hub   string
	conn  net.Conn
	wmu   sync.Mutex
	done  chan struct{}
	close sync.Once
}

// NewServer starts a Server. Call Close when done.
func NewServer() *Server {
	s := &Server{
		sessions:   make(map[*session]struct{}),
		responders: make(map[string]Responder),
		issue:      func(username string) string { return "token-" + username },
	}
	r := chi.NewRouter()
	r.Post(TokenPath, s.handleToken)
	r.Post("/{hub}/negotiate", s.handleNegotiate)
	r.Get("/{hub}", s.handleConnect)
	s.srv = httptest.NewServer(r)
	return s
}

// URL is the server's base URL.
func (s *Server) URL() string { return s.srv.URL }

// HubURL is the http URL of the hub mounted at path.
func (s *Server) HubURL(path string) string {
	return s.srv.URL + "/" + strings.TrimLeft(path, "/")
}

// Close disconnects every session and stops the server.
func (s *Server) Close() {
	s.Drop()
	s.srv.Close()
}

// Accept restricts the issuer to the given username/password pairs. With no
// call to Accept every pair is accepted.
func (s *Server) Accept(username, password string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.credentials == nil {
		s.credentials = make(map[string]string)
	}
	s.credentials[username] = password
}

// IssueWith replaces the access token minted for a username.
func (s *Server) IssueWith(fn func(username string) string) {
	s.mu.Lock()
	s.issue = fn
	s.mu.Unlock()
}

// Respond installs the completion responder for target.
func (s *Server) Respond(target string, fn Responder) {
	s.mu.Lock()
	s.responders[strings.ToLower(target)] = fn
	s.mu.Unlock()
}

// RejectHandshake makes later handshakes fail with msg.
func (s *Server) RejectHandshake(msg string) {
	s.mu.Lock()
	s.handshakeError = msg
	s.mu.Unlock()
}

// Greet makes later connections receive payloads right after the handshake.
// The first payload shares the websocket message carrying the handshake
// reply; each later one is a message of its own. Payloads are raw bytes, so
// a record may be split between them.
func (s *Server) Greet(payloads ...[]byte) {
	s.mu.Lock()
	s.greeting = payloads
	s.mu.Unlock()
}

// FailNegotiate makes later negotiate requests return status. Zero restores
// normal behavior.
func (s *Server) FailNegotiate(status int) {
	s.mu.Lock()
	s.negotiateStatus = status
	s.mu.Unlock()
}

// AuthCalls is how many password grants the issuer has handled.
func (s *Server) AuthCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authCalls
}

// Presented lists the bearer tokens presented at negotiate, in order.
func (s *Server) Presented() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.presented...)
}

// Connections is the number of live hub sessions.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Invocations returns the recorded client invocations of target.
func (s *Server) Invocations(target string) []Invocation {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Invocation
	for _, inv := range s.invocations {
		if strings.EqualFold(inv.Target, target) {
			out = append(out, inv)
		}
	}
	return out
}

// WaitInvocations waits until at least n invocations of target were recorded.
func (s *Server) WaitInvocations(target string, n int, timeout time.Duration) ([]Invocation, error) {
	deadline := time.Now().Add(timeout)
	for {
		got := s.Invocations(target)
		if len(got) >= n {
			return got, nil
		}
		if time.Now().After(deadline) {
			return got, fmt.Errorf("got %d invocations of %s, want %d", len(got), target, n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// WaitConnections waits until exactly n sessions are live.
func (s *Server) WaitConnections(n int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		got := s.Connections()
		if got == n {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("got %d connections, want %d", got, n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// Invoke pushes a server-to-client invocation to every live session.
// String arguments are sent as JSON strings.
func (s *Server) Invoke(target string, args ...any) error {
	if args == nil {
		args = []any{}
	}
	rec, err := signalr.Encode(map[string]any{"type": signalr.TypeInvocation, "target": target, "arguments": args})
	if err != nil {
		return err
	}
	return s.broadcast(rec)
}

// InvokeRaw pushes a record whose arguments are used verbatim.
func (s *Server) InvokeRaw(target string, args ...json.RawMessage) error {
	return s.Write(signalr.Message{Type: signalr.TypeInvocation, Target: target, Arguments: args})
}

// Write sends one record to every live session.
func (s *Server) Write(m signalr.Message) error {
	rec, err := signalr.Encode(m)
	if err != nil {
		return err
	}
	return s.broadcast(rec)
}

// WriteBytes sends raw payload bytes as a single text message to every
// session.
func (s *Server) WriteBytes(payload []byte) error { return s.broadcast(payload) }

// CloseWith sends a Close message to every live session.
func (s *Server) CloseWith(errMsg string, allowReconnect bool) error {
	return s.Write(signalr.Message{Type: signalr.TypeClose, Error: errMsg, AllowReconnect: allowReconnect})
}

// Drop abruptly closes every live session's transport.
func (s *Server) Drop() {
	for _, ss := range s.snapshot() {
		s.end(ss)
	}
}

func (s *Server) snapshot() []*session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*session, 0, len(s.sessions))
	for ss := range s.sessions {
		out = append(out, ss)
	}
	return out
}

func (s *Server) broadcast(payload []byte) error {
	sessions := s.snapshot()
	if len(sessions) == 0 {
		return fmt.Errorf("no connected sessions")
	}
	for _, ss := range sessions {
		if err := ss.write(payload); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) end(ss *session) {
	ss.close.Do(func() {
		close(ss.done)
		_ = ss.conn.Close()
	})
	s.mu.Lock()
	delete(s.sessions, ss)
	s.mu.Unlock()
}

func (ss *session) write(payload []byte) error {
	ss.wmu.Lock()
	defer ss.wmu.Unlock()
	return wsutil.WriteServerText(ss.conn, payload)
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	username, password := r.PostForm.Get("username"), r.PostForm.Get("password")

	s.mu.Lock()
	s.authCalls++
	want, known := s.credentials[username]
	restricted := s.credentials != nil
	issue := s.issue
	s.mu.Unlock()

	if r.PostForm.Get("grant_type") != "password" || (restricted && (!known || want != password)) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"access_token": issue(username),
		"token_type":   "Bearer",
		"expires_in":   3600,
	})
}

func (s *Server) handleNegotiate(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")

	s.mu.Lock()
	s.presented = append(s.presented, token)
	status := s.negotiateStatus
	s.mu.Unlock()

	if status != 0 {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"negotiateVersion": 1,
		"connectionId":     uuid.NewString(),
		"connectionToken":  uuid.NewString(),
		"availableTransports": []map[string]any{
			{"transport": "WebSockets", "transferFormats": []string{"Text", "Binary"}},
		},
	})
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("id") == "" {
		http.Error(w, "missing connection id", http.StatusBadRequest)
		return
	}
	if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
		http.Error(w, "missing bearer", http.StatusUnauthorized)
		return
	}
	conn, brw, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		return
	}
	ss := &session{hub: chi.URLParam(r, "hub"), conn: conn, done: make(chan struct{})}
	rw := struct {
		io.Reader
		io.Writer
	}{brw.Reader, lockedWriter{ss}}

	if !s.handshake(ss, rw) {
		_ = conn.Close()
		return
	}
	// Registered before the handshake reply so a client that has finished
	// starting is always reachable.
	s.mu.Lock()
	s.sessions[ss] = struct{}{}
	s.mu.Unlock()
	defer s.end(ss)
	s.mu.Lock()
	greeting := s.greeting
	s.mu.Unlock()
	reply := []byte{'{', '}', signalr.RecordSeparator}
	if len(greeting) > 0 {
		reply = append(reply, greeting[0]...)
	}
	if err := ss.write(reply); err != nil {
		return
	}
	for _, payload := range greeting[min(1, len(greeting)):] {
		if err := ss.write(payload); err != nil {
			return
		}
	}

	var buf []byte
	for {
		data, err := wsutil.ReadClientText(rw)
		if err != nil {
			return
		}
		buf = append(buf, data...)
		for {
			i := bytes.IndexByte(buf, signalr.RecordSeparator)
			if i < 0 {
				break
			}
			rec := buf[:i]
			buf = buf[i+1:]
			s.handleRecord(ss, rec)
		}
	}
}

func (s *Server) handshake(ss *session, rw io.ReadWriter) bool {
	data, err := wsutil.ReadClientText(rw)
	if err != nil {
		return false
	}
	var req struct {
		Protocol string `json:"protocol"`
		Version  int    `json:"version"`
	}
	if err := json.Unmarshal(bytes.TrimRight(data, string(signalr.RecordSeparator)), &req); err != nil {
		return false
	}

	s.mu.Lock()
	reject := s.handshakeError
	s.mu.Unlock()

	if req.Protocol != "json" {
		reject = "unsupported protocol " + req.Protocol
	}
	if reject != "" {
		rec, _ := signalr.Encode(map[string]string{"error": reject})
		_ = ss.write(rec)
		return false
	}
	return true
}

func (s *Server) handleRecord(ss *session, rec []byte) {
	var m signalr.Message
	if err := json.Unmarshal(rec, &m); err != nil {
		return
	}
	if m.Type != signalr.TypeInvocation {
		return
	}

	s.mu.Lock()
	s.invocations = append(s.invocations, Invocation{
		Hub:          ss.hub,
		Target:       m.Target,
		InvocationID: m.InvocationID,
		Arguments:    m.Arguments,
	})
	respond := s.responders[strings.ToLower(m.Target)]
	s.mu.Unlock()

	if m.InvocationID == "" {
		return
	}
	done := signalr.Message{Type: signalr.TypeCompletion, InvocationID: m.InvocationID}
	if respond != nil {
		result, err := respond(m.Arguments)
		if err != nil {
			done.Error = err.Error()
		} else if result != nil {
			raw, merr := json.Marshal(result)
			if merr != nil {
				done.Error = merr.Error()
			} else {
				done.Result = raw
			}
		}
	}
	rec, err := signalr.Encode(done)
	if err != nil {
		return
	}
	_ = ss.write(rec)
}

type lockedWriter struct{ ss *session }

func (w lockedWriter) Write(p []byte) (int, error) {
	w.ss.wmu.Lock()
	defer w.ss.wmu.Unlock()
	return w.ss.conn.Write(p)
}
