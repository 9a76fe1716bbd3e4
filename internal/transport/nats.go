// internal/transport/nats.go
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/erilali/groupchat/internal/logger"
	"github.com/erilali/groupchat/internal/message"
)

var errConnectionClosed = errors.New("nats connection closed")

// NatsClient uses NATS subjects as topics and destinations. A relay broker bridges the
// app destinations to the group topic.
type NatsClient struct {
	opts   Options
	logger *logger.Logger
	events chan Event

	mu     sync.Mutex
	state  State
	gen    uint64
	cancel context.CancelFunc
	nc     *nats.Conn
	done   chan struct{}
	subs   map[string]*nats.Subscription

	// Held for reading while a message is handed over, for writing while the
	// connection is torn down.
	deliverMu sync.RWMutex
}

func NewNatsClient(opts Options, log *logger.Logger) *NatsClient {
	opts = opts.withDefaults()
	if log == nil {
		log = logger.Nop()
	}
	return &NatsClient{
		opts:   opts,
		logger: log,
		events: make(chan Event, opts.EventBuffer),
		state:  Disconnected,
	}
}

func (c *NatsClient) Events() <-chan Event {
	return c.events
}

func (c *NatsClient) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *NatsClient) Connect(ctx context.Context, endpointURL string) error {
	c.mu.Lock()
	if c.state == Connecting || c.state == Connected {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.state = Connecting
	c.gen++
	gen := c.gen
	connectCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	c.logger.Infof("Connecting to NATS at %s", endpointURL)
	go c.dial(connectCtx, cancel, gen, endpointURL)
	return nil
}

func (c *NatsClient) dial(ctx context.Context, cancel context.CancelFunc, gen uint64, endpoint string) {
	defer cancel()

	nc, err := nats.Connect(endpoint,
		nats.Name(c.opts.ClientName),
		nats.Timeout(c.opts.ConnectTimeout),
		nats.NoReconnect(),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err == nil {
				err = errConnectionClosed
			}
			c.connectionLost(gen, err)
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			err := nc.LastError()
			if err == nil {
				err = errConnectionClosed
			}
			c.connectionLost(gen, err)
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			if sub != nil {
				c.logger.Warnf("NATS error on %s: %v", sub.Subject, err)
				return
			}
			c.logger.Warnf("NATS error: %v", err)
		}),
	)
	if err == nil && ctx.Err() != nil {
		nc.Close()
		err = ctx.Err()
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		if nc != nil {
			nc.Close()
		}
		return
	}
	c.cancel = nil
	if err != nil {
		c.state = Failed
		c.mu.Unlock()
		c.logger.LogEvent("error", "connection_failed", "", err.Error())
		c.emit(Event{Kind: EventConnectionFailed, Err: &ConnectionFailedError{Endpoint: endpoint, Err: fmt.Errorf("failed to connect to NATS: %w", err)}})
		return
	}
	c.state = Connected
	c.nc = nc
	c.done = make(chan struct{})
	c.subs = make(map[string]*nats.Subscription)
	c.mu.Unlock()

	c.logger.LogEvent("info", "connected", "", nc.ConnectedUrlRedacted())
	c.emit(Event{Kind: EventConnected})
}

// Subscribe delivers messages on topic. nats.go runs each subscription's handler
// serially, so arrival order is kept.
func (c *NatsClient) Subscribe(topic string) (*Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Connected {
		return nil, ErrNotConnected
	}

	done := c.done
	sub, err := c.nc.Subscribe(topic, func(m *nats.Msg) {
		c.deliver(m, done)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	id := "sub-" + uuid.NewString()
	c.subs[id] = sub
	c.logger.LogEvent("info", "subscribed", "", topic)
	return &Subscription{ID: id, Topic: topic}, nil
}

func (c *NatsClient) Unsubscribe(sub *Subscription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Connected {
		return ErrNotConnected
	}
	ns, ok := c.subs[sub.ID]
	if !ok {
		return nil
	}
	delete(c.subs, sub.ID)
	return ns.Unsubscribe()
}

func (c *NatsClient) Publish(destination string, msg message.ChatMessage) error {
	c.mu.Lock()
	state, nc := c.state, c.nc
	c.mu.Unlock()

	if state != Connected || nc == nil {
		c.logger.Warnf("Dropping message to %s: %v", destination, ErrNotConnected)
		return ErrNotConnected
	}

	body, err := msg.Encode()
	if err != nil {
		return err
	}
	if err := nc.Publish(destination, body); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", destination, err)
	}
	return nil
}

func (c *NatsClient) Disconnect() {
	c.mu.Lock()
	if c.state == Disconnected {
		c.mu.Unlock()
		return
	}
	c.state = Disconnected
	c.gen++
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	nc, done := c.nc, c.done
	c.nc, c.done, c.subs = nil, nil, nil
	c.mu.Unlock()

	if nc != nil {
		close(done)
		c.deliverMu.Lock()
		nc.Close()
		c.deliverMu.Unlock()
	}

	c.logger.LogEvent("info", "disconnected", "", "")
	c.emit(Event{Kind: EventDisconnected})
}

func (c *NatsClient) deliver(m *nats.Msg, done chan struct{}) {
	c.deliverMu.RLock()
	defer c.deliverMu.RUnlock()

	select {
	case <-done:
		return
	default:
	}

	msg, err := message.Decode(m.Data)
	if err != nil {
		c.logger.Warnf("Dropping malformed message on %s: %v", m.Subject, err)
		return
	}

	select {
	case c.events <- Event{Kind: EventMessageReceived, Topic: m.Subject, Message: msg}:
	case <-done:
	}
}

func (c *NatsClient) connectionLost(gen uint64, cause error) {
	c.mu.Lock()
	if gen != c.gen || c.state != Connected {
		c.mu.Unlock()
		return
	}
	c.state = Disconnected
	c.gen++
	nc, done := c.nc, c.done
	c.nc, c.done, c.subs = nil, nil, nil
	c.mu.Unlock()

	close(done)
	c.deliverMu.Lock()
	nc.Close()
	c.deliverMu.Unlock()

	c.logger.LogEvent("warn", "connection_lost", "", cause.Error())
	c.emit(Event{Kind: EventDisconnected, Err: cause})
}

func (c *NatsClient) emit(ev Event) {
	emitEvent(c.events, ev, c.logger)
}
