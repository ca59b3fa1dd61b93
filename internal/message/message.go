// Package message holds the hub payload schemas and their decoding.
package message

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind is the declared kind of an inbound frame.
type Kind int

const (
	Live Kind = iota
	Pending
	Broadcast
	Chat
)

func (k Kind) String() string {
	switch k {
	case Live:
		return "LIVE"
	case Pending:
		return "PENDING"
	case Broadcast:
		return "BROADCAST"
	case Chat:
		return "CHAT"
	default:
		return "UNKNOWN"
	}
}

// Inbound is a delivered notification, either live or from the pending
// backlog.
type Inbound struct {
	ID                   uuid.UUID  `json:"Id"`
	RecipientPhoneNumber string     `json:"RecipientPhoneNumber,omitempty"`
	Content              string     `json:"MessageContent"`
	From                 string     `json:"From"`
	AccessURL            string     `json:"AccessUrl,omitempty"`
	URLExpiresAt         *Timestamp `json:"UrlExpiresAt,omitempty"`
}

// HasID reports whether the message carries an identifier to acknowledge.
func (m Inbound) HasID() bool { return m.ID != uuid.Nil }

// MobileToBusiness is a chat message authored by a mobile user.
type MobileToBusiness struct {
	ID                      uuid.UUID `json:"Id"`
	SenderID                string    `json:"SenderId"`
	ReceipientMobileAccount string    `json:"ReceipientMobileAccount"`
	ReceipientMobileNumber  string    `json:"ReceipientMobileNumber"`
	Content                 string    `json:"Content"`
}

// BusinessToMobile is a chat message authored by a business account.
type BusinessToMobile struct {
	ID                      uuid.UUID `json:"Id"`
	From                    string    `json:"From"`
	ReceipientMobileAccount string    `json:"ReceipientMobileAccount"`
	Content                 string    `json:"Content"`
}

// ChatMessage is a decoded chat frame. Exactly one variant is set, chosen by
// the local role.
type ChatMessage struct {
	MobileToBusiness *MobileToBusiness
	BusinessToMobile *BusinessToMobile
}

// ID returns the message id of whichever variant is set.
func (c ChatMessage) ID() uuid.UUID {
	switch {
	case c.MobileToBusiness != nil:
		return c.MobileToBusiness.ID
	case c.BusinessToMobile != nil:
		return c.BusinessToMobile.ID
	}
	return uuid.Nil
}

// Sender names the author of the message.
func (c ChatMessage) Sender() string {
	switch {
	case c.MobileToBusiness != nil:
		if c.MobileToBusiness.ReceipientMobileNumber != "" {
			return c.MobileToBusiness.ReceipientMobileNumber
		}
		return c.MobileToBusiness.SenderID
	case c.BusinessToMobile != nil:
		return c.BusinessToMobile.From
	}
	return ""
}

// Content returns the message text.
func (c ChatMessage) Content() string {
	switch {
	case c.MobileToBusiness != nil:
		return c.MobileToBusiness.Content
	case c.BusinessToMobile != nil:
		return c.BusinessToMobile.Content
	}
	return ""
}

// Timestamp accepts RFC 3339 times and the zone-less form the server emits
// for unspecified DateTimes, which is read as UTC.
type Timestamp struct {
	time.Time
}

const zonelessLayout = "2006-01-02T15:04:05"

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if v, err := time.Parse(time.RFC3339Nano, s); err == nil {
		t.Time = v
		return nil
	}
	v, err := time.ParseInLocation(zonelessLayout, s, time.UTC)
	if err != nil {
		return fmt.Errorf("timestamp %q: %w", s, err)
	}
	t.Time = v
	return nil
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.Format(time.RFC3339Nano))
}
