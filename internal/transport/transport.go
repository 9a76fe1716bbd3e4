// internal/transport/transport.go
// Package transport owns the connection to the message broker: connect, subscribe,
// publish and disconnect, with every state change and inbound message reported on a
// single ordered event channel.
package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/erilali/groupchat/internal/logger"
	"github.com/erilali/groupchat/internal/message"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultEventBuffer    = 64
	writeWait             = 10 * time.Second
	// emitTimeout bounds how long a state change waits for room on a full event channel.
	emitTimeout = time.Second

	KindStomp = "stomp"
	KindNats  = "nats"
)

// State of the broker connection. Only the transport changes it.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

type EventKind int

const (
	EventConnected EventKind = iota
	EventDisconnected
	EventMessageReceived
	EventConnectionFailed
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventMessageReceived:
		return "message_received"
	case EventConnectionFailed:
		return "connection_failed"
	default:
		return "unknown"
	}
}

// Event is what the transport reports. Topic and Message are set for
// EventMessageReceived. Err carries the failure reason for EventConnectionFailed and
// the close cause of a broker-initiated EventDisconnected; it is nil after Disconnect.
type Event struct {
	Kind    EventKind
	Topic   string
	Message message.ChatMessage
	Err     error
}

// Subscription identifies one topic subscription.
type Subscription struct {
	ID    string
	Topic string
}

// Client is a broker connection. Connect returns immediately; the outcome arrives on
// Events as EventConnected or EventConnectionFailed.
type Client interface {
	Connect(ctx context.Context, endpointURL string) error
	Subscribe(topic string) (*Subscription, error)
	Unsubscribe(sub *Subscription) error
	Publish(destination string, msg message.ChatMessage) error
	Disconnect()
	State() State
	Events() <-chan Event
}

type Options struct {
	// ConnectTimeout bounds the dial and the protocol handshake.
	ConnectTimeout time.Duration
	// Host is sent as the STOMP virtual host. Defaults to the endpoint host name.
	Host string
	// ClientName names the NATS connection.
	ClientName string
	// EventBuffer is the capacity of the event channel.
	EventBuffer int
}

func DefaultOptions() Options {
	return Options{
		ConnectTimeout: defaultConnectTimeout,
		ClientName:     "groupchat",
		EventBuffer:    defaultEventBuffer,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = d.ConnectTimeout
	}
	if o.ClientName == "" {
		o.ClientName = d.ClientName
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = d.EventBuffer
	}
	return o
}

// New returns the client for kind ("stomp" or "nats").
func New(kind string, opts Options, log *logger.Logger) (Client, error) {
	switch kind {
	case KindStomp, "":
		return NewStompClient(opts, log), nil
	case KindNats:
		return NewNatsClient(opts, log), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", kind)
	}
}

// emitEvent queues ev, waiting at most emitTimeout when nobody drains the channel.
// Teardown must return even after the consumer is gone.
func emitEvent(events chan<- Event, ev Event, log *logger.Logger) {
	select {
	case events <- ev:
		return
	default:
	}

	timer := time.NewTimer(emitTimeout)
	defer timer.Stop()
	select {
	case events <- ev:
	case <-timer.C:
		log.Warnf("Event channel full, dropping %s event", ev.Kind)
	}
}
