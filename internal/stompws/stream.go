// internal/stompws/stream.go
// Package stompws carries STOMP frames over a gorilla websocket connection.
//
// Each outbound frame is written as exactly one text message. Inbound messages are
// concatenated into a byte stream so a frame.Reader can parse frames that a peer
// split across messages or batched into one.
package stompws

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/gorilla/websocket"
)

// Header names used by the client and the relay.
const (
	HeaderAcceptVersion = "accept-version"
	HeaderVersion       = "version"
	HeaderHost          = "host"
	HeaderHeartBeat     = "heart-beat"
	HeaderDestination   = "destination"
	HeaderContentType   = "content-type"
	HeaderID            = "id"
	HeaderAck           = "ack"
	HeaderSubscription  = "subscription"
	HeaderMessageID     = "message-id"
	HeaderReceipt       = "receipt"
	HeaderReceiptID     = "receipt-id"
	HeaderMessage       = "message"
	HeaderSession       = "session"
	HeaderServer        = "server"
)

// Subprotocols offered during the websocket handshake.
var Subprotocols = []string{"v12.stomp", "v11.stomp", "v10.stomp"}

// Stream adapts a websocket connection to io.Reader for frame.NewReader.
type Stream struct {
	conn          *websocket.Conn
	readBuffer    []byte
	readBufferPos int
	mu            sync.Mutex
}

func NewStream(conn *websocket.Conn) *Stream {
	return &Stream{conn: conn}
}

func (s *Stream) Read(buf []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for s.readBufferPos >= len(s.readBuffer) {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			return 0, err
		}
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}
		s.readBuffer = data
		s.readBufferPos = 0
	}

	n := copy(buf, s.readBuffer[s.readBufferPos:])
	s.readBufferPos += n
	if s.readBufferPos >= len(s.readBuffer) {
		s.readBuffer = nil
		s.readBufferPos = 0
	}
	return n, nil
}

// NewReader returns a STOMP frame reader over the websocket.
func NewReader(conn *websocket.Conn) *frame.Reader {
	return frame.NewReader(NewStream(conn))
}

// Encode serializes f into its wire form, NUL terminator included.
func Encode(f *frame.Frame) ([]byte, error) {
	var buf bytes.Buffer
	if err := frame.NewWriter(&buf).Write(f); err != nil {
		return nil, fmt.Errorf("failed to encode %s frame: %w", f.Command, err)
	}
	return buf.Bytes(), nil
}

// WriteFrame encodes f and sends it as one text message. Callers serialize writes.
func WriteFrame(conn *websocket.Conn, f *frame.Frame) error {
	data, err := Encode(f)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

// ReadFrame returns the next frame, skipping heart-beats.
func ReadFrame(r *frame.Reader) (*frame.Frame, error) {
	for {
		f, err := r.Read()
		if err != nil {
			if err == io.ErrUnexpectedEOF {
				return nil, io.EOF
			}
			return nil, err
		}
		if f != nil {
			return f, nil
		}
	}
}
