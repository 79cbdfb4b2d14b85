// Package eventstream fans reconciliation state changes out to connected
// operators over a websocket. Loop outcomes are published to Redis so any
// control-plane replica's connected clients observe events regardless of
// which replica's reconciler produced them.
package eventstream

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
)

const channel = "fleetrent:reconciliation:events"

// Event describes one observable reconciliation outcome.
type Event struct {
	Kind      string    `json:"kind"` // "migrated", "expired", "scrubbed", "health"
	NodeID    int64     `json:"node_id,omitempty"`
	LeaseID   int64     `json:"lease_id,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher publishes events for the Reconciler to emit.
type Publisher struct {
	rdb *redis.Client
}

// NewPublisher creates a Publisher backed by rdb.
func NewPublisher(rdb *redis.Client) *Publisher {
	return &Publisher{rdb: rdb}
}

// Publish fans an event out to every subscriber. Publish failures are
// logged, not fatal — the event stream is observability, not a durable log.
func (p *Publisher) Publish(ctx context.Context, logger *slog.Logger, ev Event) {
	ev.Timestamp = time.Now().UTC()
	payload, err := json.Marshal(ev)
	if err != nil {
		logger.Error("marshaling reconciliation event", "error", err)
		return
	}
	if err := p.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		logger.Error("publishing reconciliation event", "error", err)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub upgrades GET /ws/events connections and relays the Redis pub/sub feed
// to every connected client.
type Hub struct {
	rdb    *redis.Client
	logger *slog.Logger
}

// NewHub creates a Hub backed by rdb.
func NewHub(rdb *redis.Client, logger *slog.Logger) *Hub {
	return &Hub{rdb: rdb, logger: logger}
}

// ServeHTTP upgrades the connection and streams events until the client
// disconnects or the request context is cancelled.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("upgrading websocket connection", "error", err)
		return
	}
	defer conn.Close()

	pubsub := h.rdb.Subscribe(r.Context(), channel)
	defer pubsub.Close()

	ch := pubsub.Channel()

	var writeMu sync.Mutex
	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			writeMu.Lock()
			err := conn.WriteMessage(websocket.TextMessage, []byte(msg.Payload))
			writeMu.Unlock()
			if err != nil {
				return
			}
		case <-pingTicker.C:
			writeMu.Lock()
			err := conn.WriteMessage(websocket.PingMessage, nil)
			writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
