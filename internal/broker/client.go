// internal/broker/client.go
package broker

import (
	"errors"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/erilali/groupchat/internal/logger"
)

// Client is one websocket connection speaking STOMP to the relay.
type Client struct {
	ID     string
	Conn   *websocket.Conn
	Send   chan []byte // encoded frames
	Logger *logger.Logger

	mu        sync.Mutex
	connected bool              // CONNECT handshake done
	closed    bool              // Send is closed
	subs      map[string]string // subscription id -> destination
}

var (
	errClientClosed = errors.New("client closed")
	errSlowClient   = errors.New("client send buffer full")
)

// queue hands an encoded frame to the write pump without blocking.
func (c *Client) queue(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errClientClosed
	}
	select {
	case c.Send <- data:
		return nil
	default:
		return errSlowClient
	}
}

// close ends the write pump once queued frames are flushed. It reports whether
// this call closed the client.
func (c *Client) close() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	close(c.Send)
	return true
}

func (c *Client) subscribe(id, destination string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[id] = destination
}

func (c *Client) unsubscribe(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subs[id]
	delete(c.subs, id)
	return ok
}

// subscriptionsFor returns the ids subscribed to topic.
func (c *Client) subscriptionsFor(topic string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var ids []string
	for id, dest := range c.subs {
		if dest == topic {
			ids = append(ids, id)
		}
	}
	return ids
}

func (c *Client) setConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	was := c.connected
	c.connected = true
	return !was
}

func (c *Client) isConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}
