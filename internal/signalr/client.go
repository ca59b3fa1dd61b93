// Package signalr is a client for ASP.NET Core SignalR hubs speaking the JSON
// hub protocol over WebSockets. It negotiates, performs the protocol
// handshake, keeps the connection alive and reconnects after transport drops.
package signalr

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"go.uber.org/zap"

	"github.com/matheus3301/esh3ar/internal/status"
)

// TokenSupplier returns the bearer credential for a connection attempt. It
// is called on every connect and reconnect.
type TokenSupplier func(ctx context.Context) (string, error)

// Handler receives the arguments of a server-to-client invocation. Each
// invocation runs on its own goroutine.
type Handler func(args []json.RawMessage)

// Options configures a Client.
type Options struct {
	// URL is the http(s) hub endpoint.
	URL   string
	Token TokenSupplier

	HTTPClient         *http.Client
	InsecureSkipVerify bool

	KeepAlive        time.Duration
	ServerTimeout    time.Duration
	HandshakeTimeout time.Duration
	// ReconnectDelays is the wait before each reconnect attempt. The last
	// delay repeats for every later attempt.
	ReconnectDelays []time.Duration

	Machine *status.Machine
	Logger  *zap.Logger
}

// Client is a hub connection that survives transport drops.
type Client struct {
	url     string
	token   TokenSupplier
	http    *http.Client
	dialer  ws.Dialer
	opts    Options
	machine *status.Machine
	log     *zap.Logger

	handlersMu sync.RWMutex
	handlers   map[string]Handler

	mu             sync.Mutex
	conn           *conn
	cancel         context.CancelFunc
	runDone        chan struct{}
	onReconnecting []func(error)
	onReconnected  []func()
	onClosed       []func(error)

	closed chan error
	nextID atomic.Uint64
}

// New creates a Client. It does not connect.
func New(opts Options) *Client {
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = 15 * time.Second
	}
	if opts.ServerTimeout <= 0 {
		opts.ServerTimeout = 30 * time.Second
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 15 * time.Second
	}
	if len(opts.ReconnectDelays) == 0 {
		opts.ReconnectDelays = []time.Duration{0, 2 * time.Second, 10 * time.Second, 30 * time.Second}
	}
	if opts.Token == nil {
		opts.Token = func(context.Context) (string, error) { return "", nil }
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Machine == nil {
		opts.Machine = status.NewMachine(nil)
	}

	dialer := ws.Dialer{Timeout: opts.HandshakeTimeout}
	if opts.InsecureSkipVerify {
		dialer.TLSConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in via config
	}

	return &Client{
		url:      opts.URL,
		token:    opts.Token,
		http:     opts.HTTPClient,
		dialer:   dialer,
		opts:     opts,
		machine:  opts.Machine,
		log:      opts.Logger.With(zap.String("hub", opts.URL)),
		handlers: make(map[string]Handler),
		closed:   make(chan error, 1),
	}
}

// On registers h for invocations of target. Registrations survive reconnects.
// Target names match case-insensitively.
func (c *Client) On(target string, h Handler) {
	c.handlersMu.Lock()
	c.handlers[strings.ToLower(target)] = h
	c.handlersMu.Unlock()
}

// OnReconnecting registers fn to run when a connection drop starts the
// reconnect loop.
func (c *Client) OnReconnecting(fn func(error)) {
	c.mu.Lock()
	c.onReconnecting = append(c.onReconnecting, fn)
	c.mu.Unlock()
}

// OnReconnected registers fn to run after a reconnect succeeds.
func (c *Client) OnReconnected(fn func()) {
	c.mu.Lock()
	c.onReconnected = append(c.onReconnected, fn)
	c.mu.Unlock()
}

// OnClosed registers fn to run when the client reaches Disconnected, either
// from Stop (nil error) or because the server refused further reconnects.
func (c *Client) OnClosed(fn func(error)) {
	c.mu.Lock()
	c.onClosed = append(c.onClosed, fn)
	c.mu.Unlock()
}

// Closed delivers the error that ended the connection when it stops without
// a call to Stop.
func (c *Client) Closed() <-chan error { return c.closed }

// State returns the current connection state.
func (c *Client) State() status.State { return c.machine.Current() }

// Start connects to the hub. A failed first connection is returned to the
// caller and not retried; reconnection only applies after Start succeeds.
func (c *Client) Start(ctx context.Context) error {
	if err := c.machine.Transition(status.Connecting); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	cn, err := c.connect(ctx)
	if err != nil {
		_ = c.machine.Transition(status.Disconnected)
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.mu.Lock()
	c.conn = cn
	c.cancel = cancel
	c.runDone = done
	c.mu.Unlock()

	_ = c.machine.Transition(status.Connected)
	c.log.Info("hub connected")
	c.serve(cn)
	go c.run(runCtx, cn, done)
	return nil
}

// Stop closes the connection and halts reconnection. Pending invocations fail
// with ErrClosed. Stop is a no-op when the client is not running.
func (c *Client) Stop(ctx context.Context) error {
	c.mu.Lock()
	cancel, cn, done := c.cancel, c.conn, c.runDone
	if cancel == nil {
		c.mu.Unlock()
		return nil
	}
	cancel()
	c.cancel, c.conn, c.runDone = nil, nil, nil
	c.mu.Unlock()

	if cn != nil {
		cn.shutdown()
	}
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if s := c.machine.Current(); s != status.Disconnected {
		_ = c.machine.Transition(status.Disconnected)
	}
	c.log.Info("hub connection stopped")
	c.notifyClosed(nil)
	return nil
}

// Invoke calls a hub method and waits for its completion.
func (c *Client) Invoke(ctx context.Context, target string, args ...any) (json.RawMessage, error) {
	cn := c.current()
	if cn == nil {
		return nil, fmt.Errorf("invoke %s: %w", target, ErrNotConnected)
	}
	id := strconv.FormatUint(c.nextID.Add(1), 10)
	ch, err := cn.register(id)
	if err != nil {
		return nil, fmt.Errorf("invoke %s: %w", target, err)
	}
	defer cn.unregister(id)

	rec, err := Encode(invocation{Type: TypeInvocation, InvocationID: id, Target: target, Arguments: nonNil(args)})
	if err != nil {
		return nil, fmt.Errorf("invoke %s: %w", target, err)
	}
	if err := cn.write(rec); err != nil {
		return nil, fmt.Errorf("invoke %s: %w", target, err)
	}
	c.log.Debug("invocation sent", zap.String("target", target), zap.String("invocation_id", id))

	select {
	case res := <-ch:
		if res.err != "" {
			return nil, &HubError{Target: target, Message: res.err}
		}
		return res.result, nil
	case <-cn.done:
		return nil, fmt.Errorf("invoke %s: %w", target, cn.cause())
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Send calls a hub method without waiting for a result.
func (c *Client) Send(ctx context.Context, target string, args ...any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cn := c.current()
	if cn == nil {
		return fmt.Errorf("send %s: %w", target, ErrNotConnected)
	}
	rec, err := Encode(invocation{Type: TypeInvocation, Target: target, Arguments: nonNil(args)})
	if err != nil {
		return fmt.Errorf("send %s: %w", target, err)
	}
	if err := cn.write(rec); err != nil {
		return fmt.Errorf("send %s: %w", target, err)
	}
	return nil
}

func (c *Client) current() *conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// run supervises the live connection and reconnects after drops.
func (c *Client) run(ctx context.Context, cn *conn, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-cn.done:
		case <-ctx.Done():
			return
		}
		cause := cn.cause()

		c.mu.Lock()
		if c.conn == cn {
			c.conn = nil
		}
		c.mu.Unlock()
		if ctx.Err() != nil {
			return
		}

		var closeErr *CloseError
		if errors.As(cause, &closeErr) && !closeErr.AllowReconnect {
			c.log.Warn("server closed the connection without reconnect", zap.Error(cause))
			c.terminate(cause)
			return
		}

		if !c.machine.TransitionFrom(status.Connected, status.Reconnecting) {
			return
		}
		c.log.Warn("hub connection lost, reconnecting", zap.Error(cause))
		c.notifyReconnecting(cause)

		next, err := c.reconnect(ctx)
		if err != nil {
			return
		}
		c.mu.Lock()
		if ctx.Err() != nil {
			c.mu.Unlock()
			next.close(ErrClosed)
			return
		}
		c.conn = next
		c.mu.Unlock()

		if !c.machine.TransitionFrom(status.Reconnecting, status.Connected) {
			next.close(ErrClosed)
			return
		}
		c.log.Info("hub reconnected")
		c.serve(next)
		c.notifyReconnected()
		cn = next
	}
}

// reconnect retries until a connection is established or ctx is canceled.
// There is no attempt cap.
func (c *Client) reconnect(ctx context.Context) (*conn, error) {
	delays := c.opts.ReconnectDelays
	for attempt := 0; ; attempt++ {
		delay := delays[min(attempt, len(delays)-1)]
		if delay > 0 {
			t := time.NewTimer(delay)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return nil, ctx.Err()
			}
		} else if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		cn, err := c.connect(ctx)
		if err == nil {
			return cn, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.log.Warn("reconnect attempt failed",
			zap.Int("attempt", attempt+1),
			zap.Duration("next_delay", delays[min(attempt+1, len(delays)-1)]),
			zap.Error(err))
	}
}

// terminate moves a running client to Disconnected after an unrecoverable
// server close.
func (c *Client) terminate(cause error) {
	c.mu.Lock()
	cancel := c.cancel
	if cancel == nil {
		c.mu.Unlock()
		return
	}
	cancel()
	c.cancel, c.conn, c.runDone = nil, nil, nil
	c.mu.Unlock()

	if c.machine.Current() != status.Disconnected {
		_ = c.machine.Transition(status.Disconnected)
	}
	select {
	case c.closed <- cause:
	default:
	}
	c.notifyClosed(cause)
}

// connect performs one full connection attempt: credential, negotiate, dial,
// handshake. The returned conn is not read from until serve is called.
func (c *Client) connect(ctx context.Context) (*conn, error) {
	token, err := c.token(ctx)
	if err != nil {
		return nil, fmt.Errorf("access token: %w", err)
	}
	ep, err := c.negotiate(ctx, c.url, token)
	if err != nil {
		return nil, err
	}

	dialer := c.dialer
	if ep.token != "" {
		dialer.Header = ws.HandshakeHeaderHTTP(http.Header{
			"Authorization": []string{"Bearer " + ep.token},
		})
	}
	nc, br, _, err := dialer.Dial(ctx, ep.url)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	cn := newConn(nc, nil)
	if br != nil {
		cn.src = br
	}

	if err := c.handshake(cn); err != nil {
		cn.close(err)
		return nil, err
	}
	return cn, nil
}

// serve starts the read and keepalive loops. It is called once cn is the
// client's current conn, so handlers dispatched from the first records can
// already invoke over it.
func (c *Client) serve(cn *conn) {
	go c.readLoop(cn)
	go c.keepAlive(cn)
}

// handshake negotiates the JSON protocol. Records, and any partial record,
// that arrive with the handshake response stay on cn for readLoop.
func (c *Client) handshake(cn *conn) error {
	req, err := Encode(handshakeRequest{Protocol: "json", Version: 1})
	if err != nil {
		return err
	}
	if err := cn.write(req); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}

	var records [][]byte
	for len(records) == 0 {
		data, err := cn.readMessage(c.opts.HandshakeTimeout)
		if err != nil {
			return fmt.Errorf("handshake: %w", err)
		}
		records = cn.records.feed(data)
	}
	var resp handshakeResponse
	if err := json.Unmarshal(records[0], &resp); err != nil {
		return fmt.Errorf("handshake: decode response: %w", err)
	}
	if resp.Error != "" {
		return &HandshakeError{Message: resp.Error}
	}
	cn.backlog = records[1:]
	return nil
}

func (c *Client) readLoop(cn *conn) {
	backlog := cn.backlog
	cn.backlog = nil
	for _, rec := range backlog {
		if err := c.handleRecord(cn, rec); err != nil {
			cn.close(err)
			return
		}
	}
	for {
		data, err := cn.readMessage(c.opts.ServerTimeout)
		if err != nil {
			select {
			case <-cn.done:
			default:
				cn.close(fmt.Errorf("%w: %v", ErrConnectionLost, err))
			}
			return
		}
		for _, rec := range cn.records.feed(data) {
			if err := c.handleRecord(cn, rec); err != nil {
				cn.close(err)
				return
			}
		}
	}
}

// handleRecord processes one inbound record. A non-nil error ends the
// connection.
func (c *Client) handleRecord(cn *conn, rec []byte) error {
	msg, err := decodeMessage(rec)
	if err != nil {
		c.log.Warn("dropping undecodable hub record", zap.Error(err))
		return nil
	}
	switch msg.Type {
	case TypeInvocation:
		c.dispatch(cn, msg)
	case TypeCompletion:
		if !cn.complete(msg.InvocationID, completion{result: msg.Result, err: msg.Error}) {
			c.log.Debug("completion for unknown invocation", zap.String("invocation_id", msg.InvocationID))
		}
	case TypePing:
	case TypeClose:
		return &CloseError{Message: msg.Error, AllowReconnect: msg.AllowReconnect}
	default:
		c.log.Debug("ignoring hub message", zap.Int("type", msg.Type))
	}
	return nil
}

func (c *Client) dispatch(cn *conn, msg Message) {
	c.handlersMu.RLock()
	h, ok := c.handlers[strings.ToLower(msg.Target)]
	c.handlersMu.RUnlock()
	if !ok {
		c.log.Debug("no handler registered", zap.String("target", msg.Target))
		return
	}
	go func() {
		h(msg.Arguments)
		if msg.InvocationID == "" {
			return
		}
		rec, err := Encode(Message{Type: TypeCompletion, InvocationID: msg.InvocationID})
		if err == nil {
			_ = cn.write(rec)
		}
	}()
}

func (c *Client) keepAlive(cn *conn) {
	t := time.NewTicker(c.opts.KeepAlive)
	defer t.Stop()
	for {
		select {
		case <-cn.done:
			return
		case <-t.C:
			if err := cn.write(pingRecord); err != nil {
				return
			}
		}
	}
}

func (c *Client) notifyReconnecting(err error) {
	c.mu.Lock()
	fns := append([]func(error){}, c.onReconnecting...)
	c.mu.Unlock()
	for _, fn := range fns {
		fn(err)
	}
}

func (c *Client) notifyReconnected() {
	c.mu.Lock()
	fns := append([]func(){}, c.onReconnected...)
	c.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (c *Client) notifyClosed(err error) {
	c.mu.Lock()
	fns := append([]func(error){}, c.onClosed...)
	c.mu.Unlock()
	for _, fn := range fns {
		fn(err)
	}
}

func nonNil(args []any) []any {
	if args == nil {
		return []any{}
	}
	return args
}
