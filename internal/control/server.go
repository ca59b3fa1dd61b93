// Package control exposes the connection state of a running client over a
// Unix domain socket using the gRPC health checking protocol.
package control

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/matheus3301/esh3ar/internal/bus"
	"github.com/matheus3301/esh3ar/internal/status"
)

// StatePrefix prefixes the per-state health service names. Exactly one of
// them is SERVING at a time: the current state.
const StatePrefix = "esh3ar.state."

// Watch streams never finish on their own, so graceful shutdown is bounded.
const drainTimeout = 500 * time.Millisecond

// ServiceName returns the health service that reports state s.
func ServiceName(s status.State) string { return StatePrefix + string(s) }

// Server serves health checks on the profile's control socket.
type Server struct {
	grpcServer *grpc.Server
	health     *health.Server
	listener   net.Listener
	socketPath string
	logger     *zap.Logger
}

// NewServer listens on socketPath and publishes current as the initial state.
func NewServer(socketPath string, current status.State, logger *zap.Logger) (*Server, error) {
	// Clean stale socket if it exists.
	if _, err := os.Stat(socketPath); err == nil {
		_ = os.Remove(socketPath)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen unix socket: %w", err)
	}
	if err := os.Chmod(socketPath, 0600); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}

	hs := health.NewServer()
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, hs)

	s := &Server{
		grpcServer: srv,
		health:     hs,
		listener:   listener,
		socketPath: socketPath,
		logger:     logger,
	}
	s.publish(current)
	return s, nil
}

// Start serves requests. Blocks until stopped.
func (s *Server) Start() error {
	s.logger.Info("control socket serving", zap.String("socket", s.socketPath))
	return s.grpcServer.Serve(s.listener)
}

// Follow keeps the health status in step with m until ctx ends. Every state
// change event on b triggers a re-read of m, so a dropped event only delays
// the update until the next one.
func (s *Server) Follow(ctx context.Context, b *bus.Bus, m *status.Machine) {
	events, unsub := b.Subscribe(bus.KindStateChanged, 16)
	go func() {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case <-events:
				s.publish(m.Current())
			}
		}
	}()
}

// Stop drains unary calls for at most drainTimeout, then closes whatever is
// still open, including watch streams, and removes the socket file.
func (s *Server) Stop(ctx context.Context) {
	s.logger.Info("control socket stopping")
	s.health.Shutdown()

	drained := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(drained)
	}()
	t := time.NewTimer(drainTimeout)
	defer t.Stop()
	select {
	case <-drained:
	case <-t.C:
		s.grpcServer.Stop()
	case <-ctx.Done():
		s.grpcServer.Stop()
	}
	_ = os.Remove(s.socketPath)
}

func (s *Server) publish(current status.State) {
	overall := healthpb.HealthCheckResponse_NOT_SERVING
	if current == status.Connected {
		overall = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", overall)
	for _, st := range status.States {
		v := healthpb.HealthCheckResponse_NOT_SERVING
		if st == current {
			v = healthpb.HealthCheckResponse_SERVING
		}
		s.health.SetServingStatus(ServiceName(st), v)
	}
	s.logger.Debug("control state published", zap.String("state", string(current)))
}
