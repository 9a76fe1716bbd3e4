// internal/broker/nats.go
package broker

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/erilali/groupchat/internal/logger"
	"github.com/erilali/groupchat/internal/message"
)

// mirrorRecord is what the relay publishes on its mirror subject for every routed message.
type mirrorRecord struct {
	Sender    string `json:"sender"`
	Content   string `json:"content"`
	Topic     string `json:"topic"`
	Timestamp int64  `json:"timestamp"`
}

// ConnectNATS dials the NATS server the relay bridges to.
func ConnectNATS(url string, log *logger.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("groupchat-relay"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warnf("Disconnected from NATS: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Infof("Reconnected to NATS at %s", nc.ConnectedUrlRedacted())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("error connecting to NATS at %s: %w", url, err)
	}
	return nc, nil
}

// BridgeNATS routes messages that NATS clients publish to an app destination,
// so they reach websocket subscribers as well.
func (h *Hub) BridgeNATS() ([]*nats.Subscription, error) {
	if h.NatsConn == nil {
		return nil, nil
	}
	var subs []*nats.Subscription
	for dest, topic := range h.Routes {
		sub, err := h.NatsConn.Subscribe(dest, func(m *nats.Msg) {
			msg, err := message.Decode(m.Data)
			if err != nil {
				h.Logger.Warnf("Dropping invalid NATS payload on %s: %v", m.Subject, err)
				return
			}
			if err := h.Route(topic, msg); err != nil {
				h.Logger.Warnf("Failed to route NATS message from %s: %v", msg.Sender, err)
			}
		})
		if err != nil {
			for _, s := range subs {
				s.Unsubscribe()
			}
			return nil, fmt.Errorf("failed to subscribe to %s: %w", dest, err)
		}
		subs = append(subs, sub)
	}
	h.Logger.Infof("Bridging %d NATS destinations", len(subs))
	return subs, nil
}

// publishMessageToNATS delivers a routed message to NATS subscribers of the topic
// and records it on the mirror subject.
func (h *Hub) publishMessageToNATS(topic string, msg message.ChatMessage, body []byte) {
	if h.NatsConn == nil {
		return
	}
	if err := h.NatsConn.Publish(topic, body); err != nil {
		h.Logger.Errorf("Failed to publish message to NATS: %v", err)
	}

	if h.MirrorSubject == "" {
		return
	}
	record := mirrorRecord{
		Sender:    msg.Sender,
		Content:   msg.Content,
		Topic:     topic,
		Timestamp: time.Now().Unix(),
	}
	if data, err := json.Marshal(record); err == nil {
		if err := h.NatsConn.Publish(h.MirrorSubject, data); err != nil {
			h.Logger.Errorf("Failed to publish mirror record to NATS: %v", err)
		}
	} else {
		h.Logger.Errorf("Failed to marshal mirror record: %v", err)
	}
}

func natsStatus(nc *nats.Conn) string {
	if nc == nil {
		return "disabled"
	}
	if nc.Status() == nats.CONNECTED {
		return "connected"
	}
	return "disconnected"
}
