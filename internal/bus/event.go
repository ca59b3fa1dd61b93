package bus

import "time"

// Event kinds published during a notification session. Subscribers filter by
// prefix, so "connection." receives every connection event.
const (
	KindStateChanged    = "connection.state_changed"
	KindMessageReceived = "message.received"
	KindAcknowledged    = "message.acknowledged"
	KindAckFailed       = "message.ack_failed"
	KindChatSent        = "chat.sent"
	KindChatSendFailed  = "chat.send_failed"
)

// Event represents a session event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// NewEvent stamps an event with the current time.
func NewEvent(kind string, payload any) Event {
	return Event{Kind: kind, Timestamp: time.Now(), Payload: payload}
}
