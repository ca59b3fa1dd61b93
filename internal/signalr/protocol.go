package signalr

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// RecordSeparator terminates every JSON hub protocol record.
const RecordSeparator byte = 0x1E

// Hub protocol message types.
const (
	TypeInvocation       = 1
	TypeStreamItem       = 2
	TypeCompletion       = 3
	TypeStreamInvocation = 4
	TypeCancelInvocation = 5
	TypePing             = 6
	TypeClose            = 7
)

// Message is one decoded hub protocol record. Only the fields relevant to
// its Type are set.
type Message struct {
	Type           int               `json:"type"`
	InvocationID   string            `json:"invocationId,omitempty"`
	Target         string            `json:"target,omitempty"`
	Arguments      []json.RawMessage `json:"arguments,omitempty"`
	Result         json.RawMessage   `json:"result,omitempty"`
	Error          string            `json:"error,omitempty"`
	AllowReconnect bool              `json:"allowReconnect,omitempty"`
}

// invocation is the outbound form of an Invocation. Arguments is always
// written, even when empty.
type invocation struct {
	Type         int    `json:"type"`
	InvocationID string `json:"invocationId,omitempty"`
	Target       string `json:"target"`
	Arguments    []any  `json:"arguments"`
}

type handshakeRequest struct {
	Protocol string `json:"protocol"`
	Version  int    `json:"version"`
}

type handshakeResponse struct {
	Error string `json:"error,omitempty"`
}

var pingRecord = append([]byte(`{"type":6}`), RecordSeparator)

// Encode marshals v and appends the record separator.
func Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(data, RecordSeparator), nil
}

// recordBuffer accumulates websocket payloads and yields complete records.
// A record may arrive split across payloads, and one payload may carry
// several records.
type recordBuffer struct {
	buf []byte
}

// feed appends data and returns every complete record, without separators.
func (b *recordBuffer) feed(data []byte) [][]byte {
	b.buf = append(b.buf, data...)
	var out [][]byte
	for {
		i := bytes.IndexByte(b.buf, RecordSeparator)
		if i < 0 {
			break
		}
		if i > 0 {
			rec := make([]byte, i)
			copy(rec, b.buf[:i])
			out = append(out, rec)
		}
		b.buf = b.buf[i+1:]
	}
	if len(b.buf) == 0 {
		b.buf = nil
	}
	return out
}

// pending reports how many bytes of an incomplete record are buffered.
func (b *recordBuffer) pending() int { return len(b.buf) }

func decodeMessage(rec []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(rec, &m); err != nil {
		return Message{}, fmt.Errorf("decode hub message: %w", err)
	}
	return m, nil
}
