package hub

import (
	"encoding/binary"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

type frame struct {
	kind int
	data []byte
}

// fakeConn is an in-memory Conn. Tests push inbound text with send and
// read what the hub wrote from out.
type fakeConn struct {
	in     chan []byte
	out    chan frame
	closed chan struct{}
	once   sync.Once

	failWrites atomic.Bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 16),
		out:    make(chan frame, 256),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case <-c.closed:
		return 0, nil, &websocket.CloseError{Code: websocket.CloseNormalClosure}
	case m := <-c.in:
		return websocket.TextMessage, m, nil
	}
}

func (c *fakeConn) WriteMessage(kind int, data []byte) error {
	if c.failWrites.Load() {
		return errors.New("broken pipe")
	}
	select {
	case <-c.closed:
		return websocket.ErrCloseSent
	default:
	}
	c.out <- frame{kind: kind, data: data}
	return nil
}

func (c *fakeConn) WriteControl(kind int, data []byte, _ time.Time) error {
	if kind == websocket.PingMessage {
		return nil
	}
	if c.failWrites.Load() {
		return errors.New("broken pipe")
	}
	c.out <- frame{kind: kind, data: data}
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) SetReadLimit(int64)                 {}
func (c *fakeConn) SetReadDeadline(time.Time) error    { return nil }
func (c *fakeConn) SetWriteDeadline(time.Time) error   { return nil }
func (c *fakeConn) SetPongHandler(func(string) error) {}

func (c *fakeConn) send(msg string) {
	c.in <- []byte(msg)
}

func (c *fakeConn) next(t *testing.T) frame {
	t.Helper()
	select {
	case f := <-c.out:
		return f
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a frame")
		return frame{}
	}
}

func (c *fakeConn) nextText(t *testing.T) string {
	t.Helper()
	f := c.next(t)
	require.Equal(t, websocket.TextMessage, f.kind, "frame: %q", f.data)
	return string(f.data)
}

func (c *fakeConn) expectClose(t *testing.T, code int) {
	t.Helper()
	f := c.next(t)
	require.Equal(t, websocket.CloseMessage, f.kind, "frame: %q", f.data)
	require.GreaterOrEqual(t, len(f.data), 2)
	require.Equal(t, code, int(binary.BigEndian.Uint16(f.data)))
}

func (c *fakeConn) expectNothing(t *testing.T) {
	t.Helper()
	select {
	case f := <-c.out:
		t.Fatalf("unexpected frame %d: %q", f.kind, f.data)
	case <-time.After(50 * time.Millisecond):
	}
}
