package agentwire

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// Frame types on a stdio transport.
const (
	FrameRequest  byte = 0x01 // client → agent, expects a response with the same ID
	FrameResponse byte = 0x02 // agent → client
	FrameEvent    byte = 0x03 // agent → client, unsolicited script message
)

// Frame is one message on the wire. ID correlates requests and responses;
// events use ID 0.
type Frame struct {
	Type byte
	ID   uint32
	Data []byte
}

// MaxFramePayload limits individual frame payloads to 4MB; scripts are
// sent in a single frame.
const MaxFramePayload = 4 << 20

// WriteFrame writes a framed message to w.
// Wire format: [type:1][id:4 BE][length:4 BE][payload].
func WriteFrame(w io.Writer, f Frame) error {
	if len(f.Data) > MaxFramePayload {
		return fmt.Errorf("frame payload %d bytes exceeds limit", len(f.Data))
	}
	buf := make([]byte, 9+len(f.Data))
	buf[0] = f.Type
	binary.BigEndian.PutUint32(buf[1:5], f.ID)
	binary.BigEndian.PutUint32(buf[5:9], uint32(len(f.Data)))
	copy(buf[9:], f.Data)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads a framed message from r.
func ReadFrame(r io.Reader) (Frame, error) {
	header := make([]byte, 9)
	if _, err := io.ReadFull(r, header); err != nil {
		return Frame{}, err
	}

	f := Frame{
		Type: header[0],
		ID:   binary.BigEndian.Uint32(header[1:5]),
	}
	length := binary.BigEndian.Uint32(header[5:9])

	validType := f.Type >= FrameRequest && f.Type <= FrameEvent
	if !validType || length > MaxFramePayload {
		return Frame{}, recoverTextError(header, r)
	}

	if length > 0 {
		f.Data = make([]byte, length)
		if _, err := io.ReadFull(r, f.Data); err != nil {
			return Frame{}, fmt.Errorf("read frame data: %w", err)
		}
	}
	return f, nil
}

// textErrorWait bounds how long recoverTextError waits for trailing text.
var textErrorWait = 2 * time.Second

// recoverTextError interprets the header bytes plus whatever follows as
// text written by the bridge command (adb, ssh, a shell) in place of
// frames, so the user sees e.g. "error: device offline" instead of a
// framing error.
func recoverTextError(header []byte, r io.Reader) error {
	extra := make([]byte, 1024)
	ch := make(chan int, 1)
	go func() {
		n, _ := r.Read(extra)
		ch <- n
	}()

	var n int
	select {
	case n = <-ch:
	case <-time.After(textErrorWait):
		// The stream is unusable after a framing error. Closing it unblocks
		// the pending read.
		if c, ok := r.(io.Closer); ok {
			_ = c.Close()
		}
	}

	all := append(header, extra[:n]...)
	if looksLikeText(all) {
		msg := strings.TrimRight(string(all), "\r\n \t")
		return fmt.Errorf("bridge command wrote text instead of agent frames:\n  %s", msg)
	}
	return fmt.Errorf("invalid frame: type=0x%02x length=%d",
		header[0], binary.BigEndian.Uint32(header[5:9]))
}

func looksLikeText(data []byte) bool {
	if len(data) == 0 {
		return false
	}
	printable := 0
	for _, b := range data {
		if b >= 0x20 && b <= 0x7e || b == '\n' || b == '\r' || b == '\t' {
			printable++
		}
	}
	return printable*100/len(data) > 80
}

// FrameWriter serializes concurrent frame writes.
type FrameWriter struct {
	mu sync.Mutex
	w  io.Writer
}

// NewFrameWriter creates a thread-safe frame writer.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w}
}

// Write sends a frame with mutex protection.
func (fw *FrameWriter) Write(f Frame) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return WriteFrame(fw.w, f)
}
