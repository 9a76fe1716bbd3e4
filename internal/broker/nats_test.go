package broker_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	natstest "github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"

	"github.com/erilali/groupchat/internal/broker"
	"github.com/erilali/groupchat/internal/logger"
	"github.com/erilali/groupchat/internal/message"
	"github.com/erilali/groupchat/internal/transport"
)

const mirrorSubject = "chat.mirror"

// startBridgedRelay runs a relay bridged to an in-process NATS server and returns
// the relay's websocket server and the NATS client URL.
func startBridgedRelay(t *testing.T) (*httptest.Server, string) {
	t.Helper()
	s := natstest.RunRandClientPortServer()
	t.Cleanup(s.Shutdown)

	nc, err := broker.ConnectNATS(s.ClientURL(), logger.Nop())
	if err != nil {
		t.Fatalf("ConnectNATS() error = %v", err)
	}
	t.Cleanup(nc.Close)

	hub := broker.NewHub(nc, mirrorSubject, nil)
	subs, err := hub.BridgeNATS()
	if err != nil {
		t.Fatalf("BridgeNATS() error = %v", err)
	}
	if len(subs) != len(broker.DefaultRoutes()) {
		t.Errorf("BridgeNATS() subscribed %d destinations, want %d", len(subs), len(broker.DefaultRoutes()))
	}
	if err := nc.Flush(); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	server := httptest.NewServer(hub.Handler())
	t.Cleanup(func() {
		server.Close()
		cancel()
	})
	return server, s.ClientURL()
}

// joinNats connects a NATS transport and subscribes it to the group topic. The
// echo of a direct publish proves the subscription reached the server.
func joinNats(t *testing.T, url string) *transport.NatsClient {
	t.Helper()
	c := transport.NewNatsClient(transport.Options{ConnectTimeout: time.Second}, nil)
	t.Cleanup(c.Disconnect)
	if err := c.Connect(context.Background(), url); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if ev := nextEvent(t, c); ev.Kind != transport.EventConnected {
		t.Fatalf("event = %s (%v), want connected", ev.Kind, ev.Err)
	}
	if _, err := c.Subscribe(message.GroupTopic); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	ready := message.ChatMessage{Sender: "nats", Content: "ready"}
	if err := c.Publish(message.GroupTopic, ready); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	expectMessage(t, c, ready)
	return c
}

func TestBridgeNatsToWebsocket(t *testing.T) {
	server, natsURL := startBridgedRelay(t)
	alice := join(t, server)
	time.Sleep(50 * time.Millisecond)

	bob := joinNats(t, natsURL)

	mirror, err := nats.Connect(natsURL)
	if err != nil {
		t.Fatalf("nats.Connect() error = %v", err)
	}
	defer mirror.Close()
	records, err := mirror.SubscribeSync(mirrorSubject)
	if err != nil {
		t.Fatalf("SubscribeSync() error = %v", err)
	}
	if err := mirror.Flush(); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	hi := message.ChatMessage{Sender: "bob", Content: "hi from nats"}
	if err := bob.Publish(message.SendDestination, hi); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	expectMessage(t, alice, hi)
	expectMessage(t, bob, hi)

	m, err := records.NextMsg(waitTimeout)
	if err != nil {
		t.Fatalf("no mirror record: %v", err)
	}
	var record struct {
		Sender    string `json:"sender"`
		Content   string `json:"content"`
		Topic     string `json:"topic"`
		Timestamp int64  `json:"timestamp"`
	}
	if err := json.Unmarshal(m.Data, &record); err != nil {
		t.Fatalf("mirror record %s: %v", m.Data, err)
	}
	if record.Sender != "bob" || record.Content != hi.Content || record.Topic != message.GroupTopic || record.Timestamp == 0 {
		t.Errorf("mirror record = %+v", record)
	}
}

func TestBridgeWebsocketToNats(t *testing.T) {
	server, natsURL := startBridgedRelay(t)
	alice := join(t, server)
	time.Sleep(50 * time.Millisecond)
	bob := joinNats(t, natsURL)

	want := []string{"one", "two", "three"}
	for _, content := range want {
		if err := alice.Publish(message.SendDestination, message.ChatMessage{Sender: "alice", Content: content}); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}
	for _, content := range want {
		msg := message.ChatMessage{Sender: "alice", Content: content}
		expectMessage(t, alice, msg)
		expectMessage(t, bob, msg)
	}
}

func TestBridgeDropsInvalidNatsPayloads(t *testing.T) {
	server, natsURL := startBridgedRelay(t)
	alice := join(t, server)
	time.Sleep(50 * time.Millisecond)

	raw, err := nats.Connect(natsURL)
	if err != nil {
		t.Fatalf("nats.Connect() error = %v", err)
	}
	defer raw.Close()
	for _, payload := range []string{`not json`, `null`, `{"sender":"bob"}`, `{"sender":"bob","content":"ok"}`} {
		if err := raw.Publish(message.SendDestination, []byte(payload)); err != nil {
			t.Fatalf("Publish(%q) error = %v", payload, err)
		}
	}
	if err := raw.Flush(); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	expectMessage(t, alice, message.ChatMessage{Sender: "bob", Content: "ok"})
	select {
	case ev := <-alice.Events():
		t.Errorf("unexpected %s event %+v", ev.Kind, ev.Message)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHealthReportsNats(t *testing.T) {
	server, _ := startBridgedRelay(t)

	resp, err := http.Get(server.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health error = %v", err)
	}
	defer resp.Body.Close()
	var body struct {
		Nats string `json:"nats"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode error = %v", err)
	}
	if body.Nats != "connected" {
		t.Errorf("nats = %q, want connected", body.Nats)
	}
}
