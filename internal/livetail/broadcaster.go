// Package livetail streams freshly appended audit records to WebSocket
// subscribers, keyed by scope.
package livetail

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/veridocs/ledger/internal/audit"
)

// writeTimeout bounds how long a broadcast waits on a single client. The
// broadcaster runs on the appending goroutine, so a stalled subscriber must
// never stall the ledger.
const writeTimeout = 5 * time.Second

// Broadcaster fans appended records out to WebSocket connections subscribed
// to the record's scope. It implements audit.AppendListener.
type Broadcaster struct {
	mu          sync.Mutex
	connections map[string]map[*websocket.Conn]bool // scopeID -> connections
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		connections: make(map[string]map[*websocket.Conn]bool),
	}
}

// Subscribe registers a WebSocket connection for a scope. Subscribing to a
// scope with no records yet is valid; the connection receives events once
// they start flowing.
func (b *Broadcaster) Subscribe(scopeID string, conn *websocket.Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.connections[scopeID] == nil {
		b.connections[scopeID] = make(map[*websocket.Conn]bool)
	}
	b.connections[scopeID][conn] = true
}

// Unsubscribe removes a WebSocket connection from all scopes.
func (b *Broadcaster) Unsubscribe(conn *websocket.Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.dropLocked(conn)
}

func (b *Broadcaster) dropLocked(conn *websocket.Conn) {
	for scopeID, conns := range b.connections {
		delete(conns, conn)
		if len(conns) == 0 {
			delete(b.connections, scopeID)
		}
	}
}

// RecordAppended sends the record to every subscriber of its scope.
// Connections that fail or miss the write deadline are dropped and closed;
// a tail is a best-effort live view, clients that fall behind reconnect and
// re-query.
//
// A gorilla connection supports a single concurrent writer, so broadcasts
// hold the lock for the whole fan-out.
func (b *Broadcaster) RecordAppended(rec *audit.Record) {
	b.mu.Lock()
	defer b.mu.Unlock()

	conns := b.connections[rec.ScopeID]
	if len(conns) == 0 {
		return
	}

	// Serialize once per broadcast, not per connection.
	data, err := json.Marshal(rec)
	if err != nil {
		slog.Error("failed to marshal audit record for broadcast",
			"error", err,
			"scope_id", rec.ScopeID,
		)
		return
	}

	var failed []*websocket.Conn
	for conn := range conns {
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			slog.Warn("dropping websocket subscriber after failed write",
				"error", err,
				"scope_id", rec.ScopeID,
			)
			failed = append(failed, conn)
		}
	}

	for _, conn := range failed {
		b.dropLocked(conn)
		conn.Close()
	}
}

// ConnectionCount returns the number of active subscribers for a scope.
func (b *Broadcaster) ConnectionCount(scopeID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.connections[scopeID])
}
