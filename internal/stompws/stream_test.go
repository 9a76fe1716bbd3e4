package stompws_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/gorilla/websocket"

	"github.com/erilali/groupchat/internal/stompws"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func dial(t *testing.T, handler func(conn *websocket.Conn)) *websocket.Conn {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("failed to upgrade: %v", err)
			return
		}
		defer conn.Close()
		handler(conn)
		// keep the socket open until the client is done
		conn.ReadMessage()
	}))
	t.Cleanup(server.Close)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func mustEncode(t *testing.T, f *frame.Frame) []byte {
	t.Helper()
	data, err := stompws.Encode(f)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	return data
}

func TestEncodeIsNulTerminated(t *testing.T) {
	f := frame.New(frame.SEND, stompws.HeaderDestination, "/app/sendMessage")
	f.Body = []byte(`{"sender":"alice","content":"hi"}`)

	data := mustEncode(t, f)

	if !strings.HasPrefix(string(data), "SEND\n") {
		t.Errorf("frame should start with the command, got %q", data)
	}
	if !strings.Contains(string(data), "destination:/app/sendMessage\n") {
		t.Errorf("missing destination header in %q", data)
	}
	if data[len(data)-1] != 0 {
		t.Errorf("frame must end with NUL, got %q", data[len(data)-1])
	}
}

func TestReaderHandlesBatchedAndSplitFrames(t *testing.T) {
	first := frame.New(frame.MESSAGE, stompws.HeaderDestination, "/topic/group")
	first.Body = []byte(`{"sender":"alice","content":"one"}`)
	second := frame.New(frame.MESSAGE, stompws.HeaderDestination, "/topic/group")
	second.Body = []byte(`{"sender":"bob","content":"two"}`)
	third := frame.New(frame.MESSAGE, stompws.HeaderDestination, "/topic/group")
	third.Body = []byte(`{"sender":"carol","content":"three"}`)

	batched := append(mustEncode(t, first), mustEncode(t, second)...)
	split := mustEncode(t, third)

	conn := dial(t, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, batched)

		half := len(split) / 2
		conn.WriteMessage(websocket.TextMessage, []byte("\n")) // heart-beat
		conn.WriteMessage(websocket.TextMessage, split[:half])
		conn.WriteMessage(websocket.TextMessage, split[half:])
	})

	reader := stompws.NewReader(conn)
	want := []string{"one", "two", "three"}
	for _, content := range want {
		f, err := stompws.ReadFrame(reader)
		if err != nil {
			t.Fatalf("ReadFrame() error = %v", err)
		}
		if f.Command != frame.MESSAGE {
			t.Errorf("command = %s, want MESSAGE", f.Command)
		}
		if !strings.Contains(string(f.Body), content) {
			t.Errorf("body = %s, want it to contain %q", f.Body, content)
		}
	}
}

func TestWriteFrameSendsOneMessage(t *testing.T) {
	received := make(chan []byte, 1)
	conn := dial(t, func(conn *websocket.Conn) {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		received <- data
	})

	f := frame.New(frame.SUBSCRIBE,
		stompws.HeaderID, "sub-0",
		stompws.HeaderDestination, "/topic/group",
		stompws.HeaderAck, "auto")
	if err := stompws.WriteFrame(conn, f); err != nil {
		t.Fatalf("WriteFrame() error = %v", err)
	}

	data := <-received
	if !strings.HasPrefix(string(data), "SUBSCRIBE\n") || data[len(data)-1] != 0 {
		t.Errorf("unexpected wire frame %q", data)
	}
}
