package transport

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/erilali/groupchat/internal/message"
)

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{Disconnected, "disconnected"},
		{Connecting, "connecting"},
		{Connected, "connected"},
		{Failed, "failed"},
		{State(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestEventKindString(t *testing.T) {
	tests := []struct {
		kind EventKind
		want string
	}{
		{EventConnected, "connected"},
		{EventDisconnected, "disconnected"},
		{EventMessageReceived, "message_received"},
		{EventConnectionFailed, "connection_failed"},
		{EventKind(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.kind.String(); got != tt.want {
			t.Errorf("EventKind(%d).String() = %q, want %q", tt.kind, got, tt.want)
		}
	}
}

func TestNew(t *testing.T) {
	tests := []struct {
		kind    string
		want    string
		wantErr bool
	}{
		{kind: "", want: "*transport.StompClient"},
		{kind: KindStomp, want: "*transport.StompClient"},
		{kind: KindNats, want: "*transport.NatsClient"},
		{kind: "kafka", wantErr: true},
	}
	for _, tt := range tests {
		c, err := New(tt.kind, DefaultOptions(), nil)
		if tt.wantErr {
			if err == nil {
				t.Errorf("New(%q) should fail", tt.kind)
			}
			continue
		}
		if err != nil {
			t.Fatalf("New(%q) error = %v", tt.kind, err)
		}
		if got := fmt.Sprintf("%T", c); got != tt.want {
			t.Errorf("New(%q) = %s, want %s", tt.kind, got, tt.want)
		}
	}
}

func TestOptionsDefaults(t *testing.T) {
	o := Options{}.withDefaults()
	if o.ConnectTimeout != 10*time.Second {
		t.Errorf("ConnectTimeout = %v, want 10s", o.ConnectTimeout)
	}
	if o.EventBuffer != defaultEventBuffer {
		t.Errorf("EventBuffer = %d, want %d", o.EventBuffer, defaultEventBuffer)
	}

	o = Options{ConnectTimeout: time.Second, EventBuffer: 1, ClientName: "bob"}.withDefaults()
	if o.ConnectTimeout != time.Second || o.EventBuffer != 1 || o.ClientName != "bob" {
		t.Errorf("withDefaults() overwrote explicit values: %+v", o)
	}
}

func TestConnectionFailedErrorUnwraps(t *testing.T) {
	cause := errors.New("connection refused")
	err := error(&ConnectionFailedError{Endpoint: "ws://x/ws", Err: cause})
	if !errors.Is(err, cause) {
		t.Error("errors.Is should reach the cause")
	}
	if got := err.Error(); got != "connection to ws://x/ws failed: connection refused" {
		t.Errorf("Error() = %q", got)
	}
}

func TestNatsConnectFailure(t *testing.T) {
	c := NewNatsClient(Options{ConnectTimeout: 200 * time.Millisecond}, nil)
	if err := c.Connect(context.Background(), "nats://127.0.0.1:1"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	ev := expectKind(t, c, EventConnectionFailed)
	var cfe *ConnectionFailedError
	if !errors.As(ev.Err, &cfe) {
		t.Fatalf("event error = %T, want *ConnectionFailedError", ev.Err)
	}
	if got := c.State(); got != Failed {
		t.Errorf("State() = %s, want failed", got)
	}

	// Failed -> Disconnected is still reported once.
	c.Disconnect()
	expectKind(t, c, EventDisconnected)
	c.Disconnect()
	select {
	case ev := <-c.Events():
		t.Errorf("second Disconnect() emitted %s", ev.Kind)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestNatsNotConnected(t *testing.T) {
	c := NewNatsClient(DefaultOptions(), nil)

	if _, err := c.Subscribe(message.GroupTopic); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Subscribe() error = %v, want ErrNotConnected", err)
	}
	if err := c.Publish(message.SendDestination, message.ChatMessage{Sender: "a", Content: "b"}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Publish() error = %v, want ErrNotConnected", err)
	}
	if err := c.Unsubscribe(&Subscription{ID: "sub-x"}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Unsubscribe() error = %v, want ErrNotConnected", err)
	}

	// Disconnect from Disconnected is a no-op.
	c.Disconnect()
	select {
	case ev := <-c.Events():
		t.Errorf("Disconnect() on an idle client emitted %s", ev.Kind)
	default:
	}
}
