// Package dispatch routes inbound hub invocations to display and
// acknowledgment by message kind.
package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matheus3301/esh3ar/internal/bus"
	"github.com/matheus3301/esh3ar/internal/identity"
	"github.com/matheus3301/esh3ar/internal/message"
	"github.com/matheus3301/esh3ar/internal/signalr"
)

// Hub method names the server invokes on the client.
const (
	TargetLive      = "ReceiveMessage"
	TargetPending   = "ReceivePendingMessages"
	TargetBroadcast = "ReceiveBroadcastMessage"
	TargetChat      = "ReceiveChatMessage"
)

const defaultAckTimeout = 30 * time.Second

// Display renders inbound traffic.
type Display interface {
	ShowMessage(kind message.Kind, m message.Inbound)
	ShowBroadcast(text string)
	ShowChat(c message.ChatMessage)
	ShowError(err error)
}

// Acknowledger confirms receipt of a message id.
type Acknowledger interface {
	Acknowledge(ctx context.Context, id uuid.UUID) error
}

// Registrar accepts handlers for hub methods.
type Registrar interface {
	On(target string, h signalr.Handler)
}

// Received is the payload of message.received events.
type Received struct {
	Kind message.Kind
	ID   uuid.UUID
	From string
}

// Dispatcher decodes each frame by its kind and hands the result on. A frame
// that fails to decode is reported and dropped; later frames are unaffected.
type Dispatcher struct {
	role       identity.Role
	display    Display
	acks       Acknowledger
	bus        *bus.Bus
	logger     *zap.Logger
	ackTimeout time.Duration
}

// New creates a Dispatcher for the local identity.
func New(id identity.Identity, display Display, acks Acknowledger, b *bus.Bus, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		role:       id.Role,
		display:    display,
		acks:       acks,
		bus:        b,
		logger:     logger,
		ackTimeout: defaultAckTimeout,
	}
}

// Register installs a handler for every inbound kind.
func (d *Dispatcher) Register(r Registrar) {
	r.On(TargetLive, d.HandleLive)
	r.On(TargetPending, d.HandlePending)
	r.On(TargetBroadcast, d.HandleBroadcast)
	r.On(TargetChat, d.HandleChat)
}

// HandleLive displays a single message and acknowledges it.
func (d *Dispatcher) HandleLive(args []json.RawMessage) {
	m, err := message.DecodeLive(args)
	if err != nil {
		d.reject(err)
		return
	}
	d.display.ShowMessage(message.Live, m)
	d.received(message.Live, m.ID, m.From)
	d.acknowledge(m)
}

// HandlePending displays the backlog in server order, then acknowledges each
// member in the same order. One failed acknowledgment does not stop the rest.
func (d *Dispatcher) HandlePending(args []json.RawMessage) {
	ms, err := message.DecodePending(args)
	if err != nil {
		d.reject(err)
		return
	}
	d.logger.Info("pending batch received", zap.Int("count", len(ms)))
	for _, m := range ms {
		d.display.ShowMessage(message.Pending, m)
		d.received(message.Pending, m.ID, m.From)
	}
	for _, m := range ms {
		d.acknowledge(m)
	}
}

// HandleBroadcast displays a broadcast. Broadcasts carry no id and are not
// acknowledged.
func (d *Dispatcher) HandleBroadcast(args []json.RawMessage) {
	text, err := message.DecodeBroadcast(args)
	if err != nil {
		d.reject(err)
		return
	}
	d.display.ShowBroadcast(text)
	d.received(message.Broadcast, uuid.Nil, "")
}

// HandleChat decodes a chat message with the schema of the local role and
// displays it.
func (d *Dispatcher) HandleChat(args []json.RawMessage) {
	c, err := message.DecodeChat(d.role, args)
	if err != nil {
		d.reject(err)
		return
	}
	d.display.ShowChat(c)
	d.received(message.Chat, c.ID(), c.Sender())
}

func (d *Dispatcher) acknowledge(m message.Inbound) {
	if !m.HasID() {
		d.logger.Warn("message without id, not acknowledging", zap.String("from", m.From))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), d.ackTimeout)
	defer cancel()
	if err := d.acks.Acknowledge(ctx, m.ID); err != nil {
		d.display.ShowError(err)
	}
}

func (d *Dispatcher) reject(err error) {
	d.logger.Warn("dropping malformed frame", zap.Error(err))
	d.display.ShowError(err)
}

func (d *Dispatcher) received(kind message.Kind, id uuid.UUID, from string) {
	if d.bus != nil {
		d.bus.Publish(bus.NewEvent(bus.KindMessageReceived, Received{Kind: kind, ID: id, From: from}))
	}
}
