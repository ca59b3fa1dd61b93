// Package ack acknowledges delivered messages over the hub connection.
package ack

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matheus3301/esh3ar/internal/bus"
)

// Method is the hub method that confirms receipt of a message.
const Method = "AcknowledgeMessage"

// Invoker calls a hub method and waits for its completion.
type Invoker interface {
	Invoke(ctx context.Context, target string, args ...any) (json.RawMessage, error)
}

// Result is the payload of acknowledgment events.
type Result struct {
	ID    uuid.UUID
	Error string
}

// Tracker issues acknowledgments and suppresses repeats. An id is
// acknowledged at most once per connection epoch; Reset starts a new epoch
// so a message redelivered after a reconnect is acknowledged again.
type Tracker struct {
	invoker Invoker
	bus     *bus.Bus
	logger  *zap.Logger

	mu       sync.Mutex
	epoch    uint64
	acked    map[uuid.UUID]struct{}
	inflight map[uuid.UUID]struct{}
}

// NewTracker creates a tracker that acknowledges through inv.
func NewTracker(inv Invoker, b *bus.Bus, logger *zap.Logger) *Tracker {
	return &Tracker{
		invoker:  inv,
		bus:      b,
		logger:   logger,
		acked:    make(map[uuid.UUID]struct{}),
		inflight: make(map[uuid.UUID]struct{}),
	}
}

// Acknowledge confirms receipt of id. It returns nil without a remote call
// when id was already acknowledged, or is being acknowledged, in the current
// epoch. A failed acknowledgment is forgotten so a redelivery retries it;
// the error is returned for the caller to report.
func (t *Tracker) Acknowledge(ctx context.Context, id uuid.UUID) error {
	if id == uuid.Nil {
		return nil
	}

	t.mu.Lock()
	if _, ok := t.acked[id]; ok {
		t.mu.Unlock()
		t.logger.Debug("already acknowledged", zap.Stringer("msg_id", id))
		return nil
	}
	if _, ok := t.inflight[id]; ok {
		t.mu.Unlock()
		t.logger.Debug("acknowledgment in flight", zap.Stringer("msg_id", id))
		return nil
	}
	epoch := t.epoch
	t.inflight[id] = struct{}{}
	t.mu.Unlock()

	_, err := t.invoker.Invoke(ctx, Method, id.String())

	t.mu.Lock()
	if t.epoch == epoch {
		delete(t.inflight, id)
		if err == nil {
			t.acked[id] = struct{}{}
		}
	}
	t.mu.Unlock()

	if err != nil {
		t.logger.Warn("acknowledgment failed", zap.Stringer("msg_id", id), zap.Error(err))
		t.publish(bus.KindAckFailed, Result{ID: id, Error: err.Error()})
		return fmt.Errorf("acknowledge %s: %w", id, err)
	}
	t.logger.Debug("acknowledged", zap.Stringer("msg_id", id))
	t.publish(bus.KindAcknowledged, Result{ID: id})
	return nil
}

// Reset starts a new connection epoch and forgets every acknowledged id.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.epoch++
	t.acked = make(map[uuid.UUID]struct{})
	t.inflight = make(map[uuid.UUID]struct{})
	t.mu.Unlock()
}

func (t *Tracker) publish(kind string, r Result) {
	if t.bus != nil {
		t.bus.Publish(bus.NewEvent(kind, r))
	}
}
