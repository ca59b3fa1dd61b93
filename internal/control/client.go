package control

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/matheus3301/esh3ar/internal/status"
)

// ErrNoState is returned when no state service reports SERVING.
var ErrNoState = errors.New("client reports no connection state")

// Client queries a running client's control socket.
type Client struct {
	conn   *grpc.ClientConn
	health healthpb.HealthClient
}

// Dial connects to the control socket at socketPath.
func Dial(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial control socket: %w", err)
	}
	return &Client{conn: conn, health: healthpb.NewHealthClient(conn)}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Check returns the health of one service; "" is the overall status.
func (c *Client) Check(ctx context.Context, service string) (*healthpb.HealthCheckResponse, error) {
	return c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
}

// State returns the current connection state.
func (c *Client) State(ctx context.Context) (status.State, error) {
	for _, st := range status.States {
		resp, err := c.Check(ctx, ServiceName(st))
		if err != nil {
			return "", err
		}
		if resp.GetStatus() == healthpb.HealthCheckResponse_SERVING {
			return st, nil
		}
	}
	return "", ErrNoState
}

// Watch calls fn with the current state and again on every change until ctx
// ends or the server goes away. Updates from the per-state streams only
// signal a change; the state reported is always re-read with State, so
// streams delivering out of order cannot leave a stale state.
func (c *Client) Watch(ctx context.Context, fn func(status.State)) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	changed := make(chan struct{}, 1)
	errs := make(chan error, len(status.States))
	for _, st := range status.States {
		stream, err := c.health.Watch(ctx, &healthpb.HealthCheckRequest{Service: ServiceName(st)})
		if err != nil {
			return err
		}
		go func() {
			for {
				if _, err := stream.Recv(); err != nil {
					errs <- err
					return
				}
				select {
				case changed <- struct{}{}:
				default:
				}
			}
		}()
	}

	var last status.State
	for {
		select {
		case <-changed:
			st, err := c.State(ctx)
			if errors.Is(err, ErrNoState) {
				continue
			}
			if err != nil {
				return err
			}
			if st != last {
				last = st
				fn(st)
			}
		case err := <-errs:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
