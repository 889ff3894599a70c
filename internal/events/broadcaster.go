// Package events is the optional domain-event sink: sync-state
// transitions and cascade-delete completions are broadcast to connected
// websocket clients on a best-effort basis. The core never blocks on it
// and never treats a publish failure as an error.
package events

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"docucore/internal/logging"
	"docucore/internal/types"
)

// writeTimeout bounds one client write; a client slower than this is
// dropped rather than allowed to stall the broadcaster.
const writeTimeout = 2 * time.Second

// Event is the wire shape sent to subscribers.
type Event struct {
	Type      string      `json:"type"`
	Timestamp int64       `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// SyncTransitionPayload describes one sync-state transition.
type SyncTransitionPayload struct {
	DocID    types.DocumentID `json:"doc_id"`
	From     types.SyncStatus `json:"from"`
	To       types.SyncStatus `json:"to"`
	Attempts int              `json:"attempts"`
}

// CascadeDeletePayload describes one completed cascade delete.
type CascadeDeletePayload struct {
	Scope     string `json:"scope"`
	ID        string `json:"id"`
	Points    int    `json:"points"`
	ElapsedMs int64  `json:"elapsed_ms"`
}

// Broadcaster fans events out to websocket subscribers.
type Broadcaster struct {
	upgrader websocket.Upgrader
	logger   *logging.EnhancedLogger

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}

	// writeMu serializes broadcasts: gorilla connections do not support
	// concurrent writers.
	writeMu sync.Mutex
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logging.GetComponentLogger("events"),
		conns:  make(map[*websocket.Conn]struct{}),
	}
}

// Handler upgrades the request to a websocket subscription. The
// connection is read-drained so close frames are processed; subscribers
// only receive.
func (b *Broadcaster) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := b.upgrader.Upgrade(w, r, nil)
		if err != nil {
			b.logger.Warn("websocket upgrade failed", "error", err.Error())
			return
		}

		b.mu.Lock()
		b.conns[conn] = struct{}{}
		n := len(b.conns)
		b.mu.Unlock()
		b.logger.Debug("event subscriber connected", "subscribers", n)

		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					b.drop(conn)
					return
				}
			}
		}()
	}
}

// PublishSyncTransition implements syncjob.Sink.
func (b *Broadcaster) PublishSyncTransition(docID types.DocumentID, from, to types.SyncStatus, attempts int) {
	b.broadcast(Event{
		Type:      "sync_transition",
		Timestamp: time.Now().UnixMilli(),
		Payload:   SyncTransitionPayload{DocID: docID, From: from, To: to, Attempts: attempts},
	})
}

// PublishCascadeDelete implements cascade.Sink.
func (b *Broadcaster) PublishCascadeDelete(scope, id string, points int, elapsed time.Duration) {
	b.broadcast(Event{
		Type:      "cascade_delete",
		Timestamp: time.Now().UnixMilli(),
		Payload:   CascadeDeletePayload{Scope: scope, ID: id, Points: points, ElapsedMs: elapsed.Milliseconds()},
	})
}

func (b *Broadcaster) broadcast(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		b.logger.Warn("failed to marshal event", "type", ev.Type, "error", err.Error())
		return
	}

	b.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(b.conns))
	for conn := range b.conns {
		conns = append(conns, conn)
	}
	b.mu.Unlock()

	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	for _, conn := range conns {
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			b.drop(conn)
		}
	}
}

func (b *Broadcaster) drop(conn *websocket.Conn) {
	b.mu.Lock()
	_, present := b.conns[conn]
	delete(b.conns, conn)
	b.mu.Unlock()
	if present {
		_ = conn.Close()
	}
}

// SubscriberCount reports how many clients are connected.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// Close disconnects every subscriber.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(b.conns))
	for conn := range b.conns {
		conns = append(conns, conn)
	}
	b.conns = make(map[*websocket.Conn]struct{})
	b.mu.Unlock()

	for _, conn := range conns {
		_ = conn.Close()
	}
}
