// internal/broker/websocket.go
package broker

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/erilali/groupchat/internal/message"
	"github.com/erilali/groupchat/internal/stompws"
)

const (
	webSocketReadDeadline  = 60 * time.Second
	webSocketWriteDeadline = 10 * time.Second
	webSocketPingPeriod    = (webSocketReadDeadline * 9) / 10 // Must be less than readDeadline
	maxFrameSize           = 64 * 1024
	sendBufferSize         = 256
	serverName             = "groupchat-relay/1.0"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	Subprotocols:    stompws.Subprotocols,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// errCloseConnection ends the read pump after the reply has been queued.
var errCloseConnection = errors.New("close connection")

// ServeWs upgrades the HTTP connection to a websocket and registers the client.
func (h *Hub) ServeWs(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Logger.Errorf("WebSocket upgrade error: %v", err)
		return
	}

	id := uuid.NewString()
	client := &Client{
		ID:     id,
		Conn:   conn,
		Send:   make(chan []byte, sendBufferSize),
		Logger: h.Logger.WithField("client", id),
		subs:   make(map[string]string),
	}
	if err := h.register(client); err != nil {
		conn.Close()
		return
	}
	go h.ReadPump(client)
	go h.WritePump(client)
}

// ReadPump parses STOMP frames from the websocket until it closes.
func (h *Hub) ReadPump(client *Client) {
	defer func() {
		h.unregister(client)
	}()

	client.Conn.SetReadLimit(maxFrameSize)
	client.Conn.SetReadDeadline(time.Now().Add(webSocketReadDeadline))
	client.Conn.SetPongHandler(func(string) error {
		client.Conn.SetReadDeadline(time.Now().Add(webSocketReadDeadline))
		return nil
	})

	reader := stompws.NewReader(client.Conn)
	for {
		f, err := stompws.ReadFrame(reader)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				client.Logger.Errorf("WebSocket error: %v", err)
			}
			return
		}

		client.Conn.SetReadDeadline(time.Now().Add(webSocketReadDeadline))
		if err := h.HandleFrame(client, f); err != nil {
			return
		}
	}
}

// WritePump writes queued frames and keeps the connection alive with pings.
func (h *Hub) WritePump(client *Client) {
	ticker := time.NewTicker(webSocketPingPeriod)
	defer func() {
		ticker.Stop()
		client.Conn.Close()
	}()

	for {
		select {
		case data, ok := <-client.Send:
			client.Conn.SetWriteDeadline(time.Now().Add(webSocketWriteDeadline))
			if !ok {
				// The hub closed the channel.
				client.Conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}

			w, err := client.Conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(data)

			// Frames are NUL terminated, so queued ones can share the message.
			n := len(client.Send)
			for range n {
				next, ok := <-client.Send
				if !ok {
					break
				}
				w.Write([]byte{'\n'})
				w.Write(next)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			client.Conn.SetWriteDeadline(time.Now().Add(webSocketWriteDeadline))
			if err := client.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// HandleFrame applies one client frame. A non-nil error closes the connection.
func (h *Hub) HandleFrame(client *Client, f *frame.Frame) error {
	if f.Command != frame.CONNECT && f.Command != frame.STOMP && !client.isConnected() {
		return h.sendError(client, "not connected", "send CONNECT first")
	}

	switch f.Command {
	case frame.CONNECT, frame.STOMP:
		if !client.setConnected() {
			return h.sendError(client, "already connected", "")
		}
		version, ok := negotiateVersion(f.Header.Get(stompws.HeaderAcceptVersion))
		if !ok {
			return h.sendError(client, "unsupported protocol version", "supported versions are 1.0,1.1,1.2")
		}
		return h.reply(client, frame.New(frame.CONNECTED,
			stompws.HeaderVersion, version,
			stompws.HeaderHeartBeat, "0,0",
			stompws.HeaderServer, serverName,
			stompws.HeaderSession, client.ID,
		))

	case frame.SUBSCRIBE:
		id := f.Header.Get(stompws.HeaderID)
		dest := f.Header.Get(stompws.HeaderDestination)
		if id == "" || dest == "" {
			return h.sendError(client, "malformed frame received", "SUBSCRIBE requires id and destination")
		}
		client.subscribe(id, dest)
		client.Logger.LogEvent("info", "subscribed", "", dest)

	case frame.UNSUBSCRIBE:
		if !client.unsubscribe(f.Header.Get(stompws.HeaderID)) {
			client.Logger.Debugf("UNSUBSCRIBE for unknown id %q", f.Header.Get(stompws.HeaderID))
		}

	case frame.SEND:
		dest := f.Header.Get(stompws.HeaderDestination)
		topic, ok := h.Routes[dest]
		if !ok {
			return h.sendError(client, "unknown destination", dest)
		}
		msg, err := message.Decode(f.Body)
		if err != nil {
			// Bad payloads are dropped; the connection stays usable.
			client.Logger.Warnf("Dropping invalid payload sent to %s: %v", dest, err)
		} else if err := h.Route(topic, msg); err != nil {
			return err
		}

	case frame.DISCONNECT:
		if err := h.sendReceipt(client, f); err != nil {
			return err
		}
		return errCloseConnection

	default:
		return h.sendError(client, "unknown command", f.Command)
	}

	return h.sendReceipt(client, f)
}

func (h *Hub) sendReceipt(client *Client, f *frame.Frame) error {
	receipt := f.Header.Get(stompws.HeaderReceipt)
	if receipt == "" {
		return nil
	}
	return h.reply(client, frame.New(frame.RECEIPT, stompws.HeaderReceiptID, receipt))
}

// sendError queues an ERROR frame. The connection is closed once it is written.
func (h *Hub) sendError(client *Client, msg, detail string) error {
	f := frame.New(frame.ERROR,
		stompws.HeaderMessage, msg,
		stompws.HeaderContentType, "text/plain",
	)
	f.Body = []byte(detail)
	client.Logger.Warnf("Sending ERROR: %s %s", msg, detail)
	if err := h.reply(client, f); err != nil {
		return err
	}
	return errCloseConnection
}

func (h *Hub) reply(client *Client, f *frame.Frame) error {
	data, err := stompws.Encode(f)
	if err != nil {
		return err
	}
	return client.queue(data)
}

// negotiateVersion picks the highest version both sides speak. A missing
// accept-version header means STOMP 1.0.
func negotiateVersion(accept string) (string, bool) {
	if accept == "" {
		return "1.0", true
	}
	offered := make(map[string]bool)
	for _, v := range strings.Split(accept, ",") {
		offered[strings.TrimSpace(v)] = true
	}
	for _, v := range []string{"1.2", "1.1", "1.0"} {
		if offered[v] {
			return v, true
		}
	}
	return "", false
}
