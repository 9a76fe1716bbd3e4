// internal/broker/hub.go
// Package broker is a small STOMP over websocket relay. Messages sent to an app
// destination are rebroadcast on the group topic to every subscriber, sender included.
package broker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/erilali/groupchat/internal/logger"
	"github.com/erilali/groupchat/internal/message"
	"github.com/erilali/groupchat/internal/stompws"
)

// Delivery is a routed message waiting to be fanned out.
type Delivery struct {
	Topic string
	Body  []byte
}

// Hub tracks connected clients and fans deliveries out to their subscriptions.
type Hub struct {
	Clients    map[*Client]bool
	Register   chan *Client
	Unregister chan *Client
	Broadcast  chan Delivery
	Mu         sync.Mutex

	// Routes maps SEND destinations to the topic they are rebroadcast on.
	Routes        map[string]string
	NatsConn      *nats.Conn
	MirrorSubject string
	StartTime     time.Time
	Logger        *logger.Logger

	done chan struct{}
}

// ErrHubStopped is returned once Run has returned.
var ErrHubStopped = errors.New("broker: hub stopped")

// DefaultRoutes mirrors the chat server: both app destinations land on the group topic.
func DefaultRoutes() map[string]string {
	return map[string]string{
		message.SendDestination: message.GroupTopic,
		message.JoinDestination: message.GroupTopic,
	}
}

// NewHub creates a hub. nc may be nil, in which case nothing is bridged to NATS.
func NewHub(nc *nats.Conn, mirrorSubject string, log *logger.Logger) *Hub {
	if log == nil {
		log = logger.Nop()
	}
	return &Hub{
		Clients:       make(map[*Client]bool),
		Register:      make(chan *Client),
		Unregister:    make(chan *Client),
		Broadcast:     make(chan Delivery, 256),
		Routes:        DefaultRoutes(),
		NatsConn:      nc,
		MirrorSubject: mirrorSubject,
		StartTime:     time.Now(),
		Logger:        log,
		done:          make(chan struct{}),
	}
}

// Run is the hub event loop. It returns when ctx is done, after closing every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case client := <-h.Register:
			h.Mu.Lock()
			h.Clients[client] = true
			h.Mu.Unlock()
			h.Logger.LogEvent("info", "client_connected", client.ID, client.Conn.RemoteAddr().String())

		case client := <-h.Unregister:
			h.removeClient(client)

		case d := <-h.Broadcast:
			h.fanOut(d)

		case <-ctx.Done():
			h.Mu.Lock()
			clients := make([]*Client, 0, len(h.Clients))
			for client := range h.Clients {
				clients = append(clients, client)
			}
			h.Mu.Unlock()
			for _, client := range clients {
				h.removeClient(client)
			}
			return
		}
	}
}

func (h *Hub) removeClient(client *Client) {
	h.Mu.Lock()
	_, ok := h.Clients[client]
	delete(h.Clients, client)
	h.Mu.Unlock()

	if ok && client.close() {
		h.Logger.LogEvent("info", "client_disconnected", client.ID, "")
	}
}

func (h *Hub) register(client *Client) error {
	select {
	case h.Register <- client:
		return nil
	case <-h.done:
		return ErrHubStopped
	}
}

func (h *Hub) unregister(client *Client) {
	select {
	case h.Unregister <- client:
	case <-h.done:
		client.close()
	}
}

func (h *Hub) fanOut(d Delivery) {
	// Copy the clients so the lock is not held while encoding and queueing.
	h.Mu.Lock()
	clients := make([]*Client, 0, len(h.Clients))
	for client := range h.Clients {
		clients = append(clients, client)
	}
	h.Mu.Unlock()

	for _, client := range clients {
		for _, subID := range client.subscriptionsFor(d.Topic) {
			f := frame.New(frame.MESSAGE,
				stompws.HeaderDestination, d.Topic,
				stompws.HeaderSubscription, subID,
				stompws.HeaderMessageID, uuid.NewString(),
				stompws.HeaderContentType, message.ContentType,
			)
			f.Body = d.Body
			data, err := stompws.Encode(f)
			if err != nil {
				h.Logger.Errorf("Failed to encode MESSAGE for %s: %v", client.ID, err)
				continue
			}
			if err := client.queue(data); errors.Is(err, errSlowClient) {
				h.Logger.Warnf("Client %s is not keeping up, disconnecting", client.ID)
				h.removeClient(client)
				break
			}
		}
	}
}

// Route rebroadcasts msg on topic to websocket subscribers and bridges it to NATS.
func (h *Hub) Route(topic string, msg message.ChatMessage) error {
	body, err := msg.Encode()
	if err != nil {
		return err
	}
	select {
	case h.Broadcast <- Delivery{Topic: topic, Body: body}:
	case <-h.done:
		return ErrHubStopped
	}
	h.publishMessageToNATS(topic, msg, body)
	h.Logger.Debugf("Routed message from %s to %s", msg.Sender, topic)
	return nil
}

// ClientCount is the number of registered connections.
func (h *Hub) ClientCount() int {
	h.Mu.Lock()
	defer h.Mu.Unlock()
	return len(h.Clients)
}
