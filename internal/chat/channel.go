// Package chat sends locally composed chat messages over the hub connection.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matheus3301/esh3ar/internal/bus"
	"github.com/matheus3301/esh3ar/internal/identity"
	"github.com/matheus3301/esh3ar/internal/message"
)

// Method is the hub method that delivers a chat message.
const Method = "SendMessage"

// Sentinel ends an interactive chat loop.
const Sentinel = "exit"

// ErrEmpty is returned for blank content.
var ErrEmpty = errors.New("chat message is empty")

// Invoker calls a hub method and waits for its completion.
type Invoker interface {
	Invoke(ctx context.Context, target string, args ...any) (json.RawMessage, error)
}

// Sent is the payload of chat.sent and chat.send_failed events.
type Sent struct {
	ID    uuid.UUID
	Peer  string
	Error string
}

// Channel builds the role-specific chat payload and sends it. Failures are
// returned to the caller; nothing is queued or retried.
type Channel struct {
	self    identity.Identity
	peer    string
	invoker Invoker
	bus     *bus.Bus
	logger  *zap.Logger
	newID   func() uuid.UUID
}

// NewChannel creates a channel from self to the mobile account peer.
func NewChannel(self identity.Identity, peer string, inv Invoker, b *bus.Bus, logger *zap.Logger) *Channel {
	return &Channel{
		self:    self,
		peer:    peer,
		invoker: inv,
		bus:     b,
		logger:  logger,
		newID:   uuid.New,
	}
}

// IsSentinel reports whether line ends the chat loop.
func IsSentinel(line string) bool {
	return strings.EqualFold(strings.TrimSpace(line), Sentinel)
}

// Build returns the outbound payload for content. Every call generates a
// fresh message id.
func (c *Channel) Build(content string) (id uuid.UUID, payload any) {
	id = c.newID()
	switch c.self.Role {
	case identity.Mobile:
		return id, message.MobileToBusiness{
			ID:                      id,
			SenderID:                c.self.UserID,
			ReceipientMobileAccount: c.peer,
			ReceipientMobileNumber:  c.self.Handle,
			Content:                 content,
		}
	default:
		return id, message.BusinessToMobile{
			ID:                      id,
			From:                    c.self.Handle,
			ReceipientMobileAccount: c.peer,
			Content:                 content,
		}
	}
}

// Send transmits content and waits for the server to accept it.
func (c *Channel) Send(ctx context.Context, content string) (uuid.UUID, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return uuid.Nil, ErrEmpty
	}
	id, payload := c.Build(content)

	if _, err := c.invoker.Invoke(ctx, Method, payload); err != nil {
		c.logger.Warn("chat send failed", zap.Stringer("msg_id", id), zap.Error(err))
		c.publish(bus.KindChatSendFailed, Sent{ID: id, Peer: c.peer, Error: err.Error()})
		return id, fmt.Errorf("send chat message: %w", err)
	}
	c.logger.Info("chat message sent", zap.Stringer("msg_id", id), zap.Stringer("role", c.self.Role))
	c.publish(bus.KindChatSent, Sent{ID: id, Peer: c.peer})
	return id, nil
}

func (c *Channel) publish(kind string, s Sent) {
	if c.bus != nil {
		c.bus.Publish(bus.NewEvent(kind, s))
	}
}
