// internal/broker/server.go
package broker

import (
	"encoding/json"
	"net/http"
	"time"
)

const version = "1.0.0"

// Handler serves the relay endpoints: /ws and /health.
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.ServeWs)
	mux.HandleFunc("/health", h.ServeHealth)
	return mux
}

func (h *Hub) ServeHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":  "ok",
		"nats":    natsStatus(h.NatsConn),
		"clients": h.ClientCount(),
		"uptime":  time.Since(h.StartTime).Round(time.Second).String(),
		"version": version,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(health)
}

// NewServer wraps the hub handler in an http.Server listening on addr.
func NewServer(addr string, h *Hub) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}
