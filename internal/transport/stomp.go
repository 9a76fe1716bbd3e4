// internal/transport/stomp.go
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/erilali/groupchat/internal/logger"
	"github.com/erilali/groupchat/internal/message"
	"github.com/erilali/groupchat/internal/stompws"
)

// StompClient speaks STOMP 1.1/1.2 over a websocket.
type StompClient struct {
	opts   Options
	logger *logger.Logger
	events chan Event

	mu         sync.Mutex
	state      State
	gen        uint64 // bumped by Connect, Disconnect and connection loss
	cancel     context.CancelFunc
	conn       *websocket.Conn
	done       chan struct{} // closed when the current connection is torn down
	readerDone chan struct{}
	subs       map[string]string // subscription id -> topic

	writeMu sync.Mutex
}

func NewStompClient(opts Options, log *logger.Logger) *StompClient {
	opts = opts.withDefaults()
	if log == nil {
		log = logger.Nop()
	}
	return &StompClient{
		opts:   opts,
		logger: log,
		events: make(chan Event, opts.EventBuffer),
		state:  Disconnected,
	}
}

func (c *StompClient) Events() <-chan Event {
	return c.events
}

func (c *StompClient) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect starts the websocket dial and STOMP handshake in the background.
// It is valid from Disconnected and Failed.
func (c *StompClient) Connect(ctx context.Context, endpointURL string) error {
	c.mu.Lock()
	if c.state == Connecting || c.state == Connected {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.state = Connecting
	c.gen++
	gen := c.gen
	dialCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.ConnectTimeout)
	c.cancel = cancel
	c.mu.Unlock()

	// The caller's context only bounds the connect attempt.
	stop := context.AfterFunc(ctx, cancel)
	c.logger.Infof("Connecting to %s", endpointURL)
	go func() {
		defer stop()
		c.dial(dialCtx, cancel, gen, endpointURL)
	}()
	return nil
}

func (c *StompClient) dial(ctx context.Context, cancel context.CancelFunc, gen uint64, endpoint string) {
	defer cancel()
	conn, reader, err := c.handshake(ctx, endpoint)

	c.mu.Lock()
	if gen != c.gen {
		// Disconnect was called while connecting.
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	c.cancel = nil
	if err != nil {
		c.state = Failed
		c.mu.Unlock()
		c.logger.LogEvent("error", "connection_failed", "", err.Error())
		c.emit(Event{Kind: EventConnectionFailed, Err: &ConnectionFailedError{Endpoint: endpoint, Err: err}})
		return
	}
	c.state = Connected
	c.conn = conn
	c.done = make(chan struct{})
	c.readerDone = make(chan struct{})
	c.subs = make(map[string]string)
	done, readerDone := c.done, c.readerDone
	c.mu.Unlock()

	c.logger.LogEvent("info", "connected", "", endpoint)
	c.emit(Event{Kind: EventConnected})
	go c.readLoop(gen, reader, done, readerDone)
}

func (c *StompClient) handshake(ctx context.Context, endpoint string) (*websocket.Conn, *frame.Reader, error) {
	target, err := websocketURL(endpoint)
	if err != nil {
		return nil, nil, err
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: c.opts.ConnectTimeout,
		Subprotocols:     stompws.Subprotocols,
	}
	conn, _, err := dialer.DialContext(ctx, target.String(), nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to dial %s: %w", target.Redacted(), err)
	}

	// Closing the socket is the only way to abort a blocked read.
	stop := context.AfterFunc(ctx, func() { conn.Close() })

	host := c.opts.Host
	if host == "" {
		host = target.Hostname()
	}
	connect := frame.New(frame.CONNECT,
		stompws.HeaderAcceptVersion, "1.1,1.2",
		stompws.HeaderHost, host,
		stompws.HeaderHeartBeat, "0,0",
	)
	if err := stompws.WriteFrame(conn, connect); err != nil {
		stop()
		conn.Close()
		return nil, nil, fmt.Errorf("failed to send CONNECT: %w", err)
	}

	reader := stompws.NewReader(conn)
	f, err := stompws.ReadFrame(reader)
	if !stop() {
		conn.Close()
		return nil, nil, fmt.Errorf("handshake aborted: %w", ctx.Err())
	}
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("failed to read CONNECTED: %w", err)
	}

	switch f.Command {
	case frame.CONNECTED:
		c.logger.Debugf("STOMP session established (version %s)", f.Header.Get(stompws.HeaderVersion))
		return conn, reader, nil
	case frame.ERROR:
		conn.Close()
		return nil, nil, &BrokerError{Message: f.Header.Get(stompws.HeaderMessage), Detail: string(f.Body)}
	default:
		conn.Close()
		return nil, nil, fmt.Errorf("unexpected %s frame during handshake", f.Command)
	}
}

// Subscribe registers for topic. Messages arrive as EventMessageReceived.
func (c *StompClient) Subscribe(topic string) (*Subscription, error) {
	c.mu.Lock()
	if c.state != Connected {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	id := "sub-" + uuid.NewString()
	c.subs[id] = topic
	conn := c.conn
	c.mu.Unlock()

	f := frame.New(frame.SUBSCRIBE,
		stompws.HeaderID, id,
		stompws.HeaderDestination, topic,
		stompws.HeaderAck, "auto",
	)
	if err := c.write(conn, f); err != nil {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
		return nil, err
	}

	c.logger.LogEvent("info", "subscribed", "", topic)
	return &Subscription{ID: id, Topic: topic}, nil
}

func (c *StompClient) Unsubscribe(sub *Subscription) error {
	c.mu.Lock()
	if c.state != Connected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	delete(c.subs, sub.ID)
	conn := c.conn
	c.mu.Unlock()

	return c.write(conn, frame.New(frame.UNSUBSCRIBE, stompws.HeaderID, sub.ID))
}

// Publish sends msg to destination. Outside Connected the message is dropped.
func (c *StompClient) Publish(destination string, msg message.ChatMessage) error {
	c.mu.Lock()
	state, conn := c.state, c.conn
	c.mu.Unlock()

	if state != Connected || conn == nil {
		c.logger.Warnf("Dropping message to %s: %v", destination, ErrNotConnected)
		return ErrNotConnected
	}

	body, err := msg.Encode()
	if err != nil {
		return err
	}
	f := frame.New(frame.SEND,
		stompws.HeaderDestination, destination,
		stompws.HeaderContentType, message.ContentType,
	)
	f.Body = body
	return c.write(conn, f)
}

// Disconnect tears down whatever is in progress. Calling it again is a no-op.
func (c *StompClient) Disconnect() {
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
	conn, done, readerDone := c.conn, c.done, c.readerDone
	c.conn, c.done, c.readerDone, c.subs = nil, nil, nil, nil
	c.mu.Unlock()

	if conn != nil {
		close(done)
		c.writeMu.Lock()
		conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = stompws.WriteFrame(conn, frame.New(frame.DISCONNECT))
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		conn.Close()
		<-readerDone
	}

	c.logger.LogEvent("info", "disconnected", "", "")
	c.emit(Event{Kind: EventDisconnected})
}

func (c *StompClient) write(conn *websocket.Conn, f *frame.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := stompws.WriteFrame(conn, f); err != nil {
		return fmt.Errorf("failed to send %s frame: %w", f.Command, err)
	}
	return nil
}

// readLoop hands frames over one at a time, in arrival order.
func (c *StompClient) readLoop(gen uint64, reader *frame.Reader, done, readerDone chan struct{}) {
	defer close(readerDone)

	for {
		f, err := stompws.ReadFrame(reader)
		if err != nil {
			c.connectionLost(gen, err)
			return
		}

		switch f.Command {
		case frame.MESSAGE:
			c.deliver(f, done)
		case frame.ERROR:
			c.connectionLost(gen, &BrokerError{Message: f.Header.Get(stompws.HeaderMessage), Detail: string(f.Body)})
			return
		case frame.RECEIPT:
		default:
			c.logger.Debugf("Ignoring %s frame", f.Command)
		}
	}
}

func (c *StompClient) deliver(f *frame.Frame, done chan struct{}) {
	subID := f.Header.Get(stompws.HeaderSubscription)
	c.mu.Lock()
	topic, ok := c.subs[subID]
	c.mu.Unlock()
	if !ok {
		c.logger.Debugf("Dropping frame for unknown subscription %q", subID)
		return
	}
	if dest := f.Header.Get(stompws.HeaderDestination); dest != "" {
		topic = dest
	}

	msg, err := message.Decode(f.Body)
	if err != nil {
		c.logger.Warnf("Dropping malformed frame on %s: %v", topic, err)
		return
	}

	select {
	case c.events <- Event{Kind: EventMessageReceived, Topic: topic, Message: msg}:
	case <-done:
	}
}

// connectionLost handles a close the client did not ask for.
func (c *StompClient) connectionLost(gen uint64, cause error) {
	c.mu.Lock()
	if gen != c.gen || c.state != Connected {
		c.mu.Unlock()
		return
	}
	c.state = Disconnected
	c.gen++
	conn, done := c.conn, c.done
	c.conn, c.done, c.readerDone, c.subs = nil, nil, nil, nil
	c.mu.Unlock()

	close(done)
	conn.Close()

	if websocket.IsCloseError(cause, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.logger.LogEvent("info", "disconnected", "", cause.Error())
	} else {
		c.logger.LogEvent("warn", "connection_lost", "", cause.Error())
	}
	c.emit(Event{Kind: EventDisconnected, Err: cause})
}

func (c *StompClient) emit(ev Event) {
	emitEvent(c.events, ev, c.logger)
}

// websocketURL accepts ws, wss, http and https endpoints.
func websocketURL(endpoint string) (*url.URL, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return nil, errors.New("endpoint must use ws, wss, http or https")
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid endpoint %q: missing host", endpoint)
	}
	return u, nil
}
