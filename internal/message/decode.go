package message

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/matheus3301/esh3ar/internal/identity"
)

// DecodeError reports a frame whose payload does not match its kind's schema.
// It affects only that frame.
type DecodeError struct {
	Kind Kind
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s payload: %v", e.Kind, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

var errNoPayload = errors.New("no payload")

// payload returns the JSON document carried by the first invocation
// argument. The server sends documents as JSON strings; raw objects are
// accepted too.
func payload(args []json.RawMessage) ([]byte, error) {
	if len(args) == 0 {
		return nil, errNoPayload
	}
	arg := bytes.TrimSpace(args[0])
	if len(arg) == 0 || bytes.Equal(arg, []byte("null")) {
		return nil, errNoPayload
	}
	if arg[0] != '"' {
		return arg, nil
	}
	var s string
	if err := json.Unmarshal(arg, &s); err != nil {
		return nil, err
	}
	doc := bytes.TrimSpace([]byte(s))
	if len(doc) == 0 || bytes.Equal(doc, []byte("null")) {
		return nil, errNoPayload
	}
	return doc, nil
}

// DecodeLive decodes a ReceiveMessage frame.
func DecodeLive(args []json.RawMessage) (Inbound, error) {
	doc, err := payload(args)
	if err != nil {
		return Inbound{}, &DecodeError{Kind: Live, Err: err}
	}
	var m Inbound
	if err := json.Unmarshal(doc, &m); err != nil {
		return Inbound{}, &DecodeError{Kind: Live, Err: err}
	}
	return m, nil
}

// DecodePending decodes a ReceivePendingMessages frame, keeping server order.
func DecodePending(args []json.RawMessage) ([]Inbound, error) {
	doc, err := payload(args)
	if errors.Is(err, errNoPayload) {
		return nil, nil
	}
	if err != nil {
		return nil, &DecodeError{Kind: Pending, Err: err}
	}
	var ms []Inbound
	if err := json.Unmarshal(doc, &ms); err != nil {
		return nil, &DecodeError{Kind: Pending, Err: err}
	}
	return ms, nil
}

// DecodeBroadcast decodes a ReceiveBroadcastMessage frame. The argument is
// plain text; any other JSON value is returned as written.
func DecodeBroadcast(args []json.RawMessage) (string, error) {
	if len(args) == 0 {
		return "", &DecodeError{Kind: Broadcast, Err: errNoPayload}
	}
	arg := bytes.TrimSpace(args[0])
	if len(arg) > 0 && arg[0] == '"' {
		var s string
		if err := json.Unmarshal(arg, &s); err != nil {
			return "", &DecodeError{Kind: Broadcast, Err: err}
		}
		return s, nil
	}
	if len(arg) == 0 || bytes.Equal(arg, []byte("null")) {
		return "", &DecodeError{Kind: Broadcast, Err: errNoPayload}
	}
	return string(arg), nil
}

// DecodeChat decodes a ReceiveChatMessage frame with the variant for role.
// Mobile sessions read MobileToBusiness; business sessions read
// BusinessToMobile.
func DecodeChat(role identity.Role, args []json.RawMessage) (ChatMessage, error) {
	doc, err := payload(args)
	if err != nil {
		return ChatMessage{}, &DecodeError{Kind: Chat, Err: err}
	}
	switch role {
	case identity.Mobile:
		var m MobileToBusiness
		if err := json.Unmarshal(doc, &m); err != nil {
			return ChatMessage{}, &DecodeError{Kind: Chat, Err: err}
		}
		return ChatMessage{MobileToBusiness: &m}, nil
	case identity.Business:
		var m BusinessToMobile
		if err := json.Unmarshal(doc, &m); err != nil {
			return ChatMessage{}, &DecodeError{Kind: Chat, Err: err}
		}
		return ChatMessage{BusinessToMobile: &m}, nil
	default:
		return ChatMessage{}, &DecodeError{Kind: Chat, Err: fmt.Errorf("unknown role %s", role)}
	}
}
