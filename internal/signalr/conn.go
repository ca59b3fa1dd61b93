package signalr

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

const writeTimeout = 10 * time.Second

// completion is delivered to the caller waiting on an invocation id.
type completion struct {
	result json.RawMessage
	err    string
}

// conn is one physical websocket connection. A new conn is created for every
// (re)connect; the Client swaps them.
type conn struct {
	nc  net.Conn
	src io.Reader

	// Owned by the handshake, then by readLoop.
	records recordBuffer
	backlog [][]byte

	wmu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan completion

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

func newConn(nc net.Conn, src io.Reader) *conn {
	if src == nil {
		src = nc
	}
	return &conn{
		nc:      nc,
		src:     src,
		pending: make(map[string]chan completion),
		done:    make(chan struct{}),
	}
}

// write sends one text message holding data. A write failure closes the
// connection.
func (cn *conn) write(data []byte) error {
	cn.wmu.Lock()
	defer cn.wmu.Unlock()
	select {
	case <-cn.done:
		return cn.err
	default:
	}
	_ = cn.nc.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := wsutil.WriteClientText(cn.nc, data); err != nil {
		err = fmt.Errorf("%w: write: %v", ErrConnectionLost, err)
		cn.close(err)
		return err
	}
	return nil
}

// readMessage returns the payload of the next data message, answering
// control frames on the way.
func (cn *conn) readMessage(timeout time.Duration) ([]byte, error) {
	rd := wsutil.Reader{
		Source:          cn.src,
		State:           ws.StateClientSide,
		CheckUTF8:       true,
		SkipHeaderCheck: false,
		OnIntermediate:  cn.handleControl,
	}
	for {
		if timeout > 0 {
			_ = cn.nc.SetReadDeadline(time.Now().Add(timeout))
		}
		hdr, err := rd.NextFrame()
		if err != nil {
			return nil, err
		}
		if hdr.OpCode.IsControl() {
			if err := cn.handleControl(hdr, &rd); err != nil {
				return nil, err
			}
			continue
		}
		if hdr.OpCode&(ws.OpText|ws.OpBinary) == 0 {
			if err := rd.Discard(); err != nil {
				return nil, err
			}
			continue
		}
		return io.ReadAll(&rd)
	}
}

// handleControl answers ping and close frames. The reply is buffered and
// written under the write lock so it cannot interleave with a text frame.
func (cn *conn) handleControl(hdr ws.Header, r io.Reader) error {
	var buf bytes.Buffer
	err := wsutil.ControlHandler{
		Src:   r,
		Dst:   &buf,
		State: ws.StateClientSide,
	}.Handle(hdr)
	if buf.Len() > 0 {
		cn.wmu.Lock()
		_ = cn.nc.SetWriteDeadline(time.Now().Add(writeTimeout))
		_, werr := cn.nc.Write(buf.Bytes())
		cn.wmu.Unlock()
		if err == nil {
			err = werr
		}
	}
	return err
}

// register reserves a completion slot for id.
func (cn *conn) register(id string) (<-chan completion, error) {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	select {
	case <-cn.done:
		return nil, cn.err
	default:
	}
	ch := make(chan completion, 1)
	cn.pending[id] = ch
	return ch, nil
}

func (cn *conn) unregister(id string) {
	cn.mu.Lock()
	delete(cn.pending, id)
	cn.mu.Unlock()
}

// complete routes a Completion to its waiter. Unknown ids are reported as false.
func (cn *conn) complete(id string, c completion) bool {
	cn.mu.Lock()
	ch, ok := cn.pending[id]
	delete(cn.pending, id)
	cn.mu.Unlock()
	if ok {
		ch <- c
	}
	return ok
}

// close tears the connection down once; later causes are ignored.
func (cn *conn) close(cause error) {
	cn.closeOnce.Do(func() {
		cn.mu.Lock()
		cn.err = cause
		cn.mu.Unlock()
		close(cn.done)
		_ = cn.nc.Close()
	})
}

// shutdown closes with ErrClosed, sending a normal closure frame first. The
// cause is recorded before the frame goes out so the server's reply cannot
// be mistaken for a drop.
func (cn *conn) shutdown() {
	cn.closeOnce.Do(func() {
		cn.mu.Lock()
		cn.err = ErrClosed
		cn.mu.Unlock()
		close(cn.done)

		cn.wmu.Lock()
		_ = cn.nc.SetWriteDeadline(time.Now().Add(time.Second))
		_ = wsutil.WriteClientMessage(cn.nc, ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))
		cn.wmu.Unlock()
		_ = cn.nc.Close()
	})
}

// cause returns why the connection closed, or nil while it is open.
func (cn *conn) cause() error {
	select {
	case <-cn.done:
		cn.mu.Lock()
		defer cn.mu.Unlock()
		return cn.err
	default:
		return nil
	}
}
