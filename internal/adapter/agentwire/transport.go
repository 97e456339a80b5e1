package agentwire

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/gorilla/websocket"
)

// Transport moves frames between the client and an agent.
type Transport interface {
	Send(f Frame) error
	Recv() (Frame, error)
	Close() error
}

// StreamTransport carries frames over a byte stream, typically the stdio
// of a bridge subprocess.
type StreamTransport struct {
	r      io.Reader
	fw     *FrameWriter
	closer io.Closer
}

// NewStreamTransport frames traffic over r and w. closer, if non-nil, is
// closed by Close.
func NewStreamTransport(r io.Reader, w io.Writer, closer io.Closer) *StreamTransport {
	return &StreamTransport{r: r, fw: NewFrameWriter(w), closer: closer}
}

func (t *StreamTransport) Send(f Frame) error { return t.fw.Write(f) }

func (t *StreamTransport) Recv() (Frame, error) { return ReadFrame(t.r) }

func (t *StreamTransport) Close() error {
	if t.closer == nil {
		return nil
	}
	return t.closer.Close()
}

// WSTransport carries one frame per binary WebSocket message.
type WSTransport struct {
	conn *websocket.Conn
	wmu  sync.Mutex
}

// NewWSTransport wraps an established WebSocket connection.
func NewWSTransport(conn *websocket.Conn) *WSTransport {
	return &WSTransport{conn: conn}
}

func (t *WSTransport) Send(f Frame) error {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, f); err != nil {
		return err
	}
	t.wmu.Lock()
	defer t.wmu.Unlock()
	return t.conn.WriteMessage(websocket.BinaryMessage, buf.Bytes())
}

func (t *WSTransport) Recv() (Frame, error) {
	for {
		kind, data, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return Frame{}, io.EOF
			}
			return Frame{}, err
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		f, err := ReadFrame(bytes.NewReader(data))
		if err != nil {
			return Frame{}, fmt.Errorf("decode websocket frame: %w", err)
		}
		return f, nil
	}
}

func (t *WSTransport) Close() error {
	t.wmu.Lock()
	_ = t.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	t.wmu.Unlock()
	return t.conn.Close()
}
