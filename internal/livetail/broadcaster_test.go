package livetail

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/veridocs/ledger/internal/audit"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// newTailServer upgrades every request and subscribes the connection to the
// scope named in the query string.
func newTailServer(t *testing.T, b *Broadcaster) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("failed to upgrade connection: %v", err)
			return
		}
		b.Subscribe(r.URL.Query().Get("scope"), conn)
	}))
}

func dialTail(t *testing.T, server *httptest.Server, scopeID string) *websocket.Conn {
	t.Helper()
	wsURL := strings.Replace(server.URL, "http", "ws", 1) + "/?scope=" + scopeID
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("websocket dial: %v", err)
	}
	return conn
}

func waitForSubscribers(t *testing.T, b *Broadcaster, scopeID string, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if b.ConnectionCount(scopeID) == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("scope %s never reached %d subscribers", scopeID, want)
}

func testRecord(scopeID string, seq uint64) *audit.Record {
	return &audit.Record{
		ID:          "rec-1",
		ScopeID:     scopeID,
		Category:    audit.CategoryGeneralAudit,
		SequenceNum: seq,
		CreatedAt:   time.Now().UTC(),
		ActorID:     "usr_1",
		Action:      "document.upload",
		Resource:    "document",
		ResourceID:  "doc_42",
		Hash:        "a1b2c3",
		Verified:    true,
	}
}

func TestSubscribeUnsubscribe(t *testing.T) {
	b := NewBroadcaster()
	conn := &websocket.Conn{}

	b.Subscribe("org_1", conn)
	if got := b.ConnectionCount("org_1"); got != 1 {
		t.Errorf("expected 1 subscriber, got %d", got)
	}

	b.Unsubscribe(conn)
	if got := b.ConnectionCount("org_1"); got != 0 {
		t.Errorf("expected 0 subscribers after unsubscribe, got %d", got)
	}
}

func TestBroadcastWithoutSubscribers(t *testing.T) {
	b := NewBroadcaster()
	// Must not panic when nobody is listening.
	b.RecordAppended(testRecord("org_absent", 0))
}

func TestBroadcastDeliversRecord(t *testing.T) {
	b := NewBroadcaster()
	server := newTailServer(t, b)
	defer server.Close()

	conn := dialTail(t, server, "org_1")
	defer conn.Close()
	waitForSubscribers(t, b, "org_1", 1)

	b.RecordAppended(testRecord("org_1", 3))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("failed to read broadcast: %v", err)
	}

	var rec audit.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		t.Fatalf("failed to unmarshal broadcast record: %v", err)
	}
	if rec.ScopeID != "org_1" {
		t.Errorf("expected scope org_1, got %s", rec.ScopeID)
	}
	if rec.SequenceNum != 3 {
		t.Errorf("expected sequence 3, got %d", rec.SequenceNum)
	}
	if rec.Action != "document.upload" {
		t.Errorf("expected action document.upload, got %s", rec.Action)
	}
}

func TestBroadcastScopeIsolation(t *testing.T) {
	b := NewBroadcaster()
	server := newTailServer(t, b)
	defer server.Close()

	conn1 := dialTail(t, server, "org_1")
	defer conn1.Close()
	conn2 := dialTail(t, server, "org_2")
	defer conn2.Close()
	waitForSubscribers(t, b, "org_1", 1)
	waitForSubscribers(t, b, "org_2", 1)

	b.RecordAppended(testRecord("org_1", 0))

	conn1.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn1.ReadMessage(); err != nil {
		t.Fatalf("org_1 subscriber should receive the record: %v", err)
	}

	conn2.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, _, err := conn2.ReadMessage(); err == nil {
		t.Fatal("org_2 subscriber received a record for org_1")
	}
}

func TestBroadcastToMultipleSubscribers(t *testing.T) {
	b := NewBroadcaster()
	server := newTailServer(t, b)
	defer server.Close()

	conn1 := dialTail(t, server, "org_1")
	defer conn1.Close()
	conn2 := dialTail(t, server, "org_1")
	defer conn2.Close()
	waitForSubscribers(t, b, "org_1", 2)

	b.RecordAppended(testRecord("org_1", 7))

	for i, conn := range []*websocket.Conn{conn1, conn2} {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("subscriber %d failed to read broadcast: %v", i+1, err)
		}
		var rec audit.Record
		if err := json.Unmarshal(data, &rec); err != nil {
			t.Fatalf("subscriber %d received invalid JSON: %v", i+1, err)
		}
		if rec.SequenceNum != 7 {
			t.Errorf("subscriber %d expected sequence 7, got %d", i+1, rec.SequenceNum)
		}
	}
}

func TestBroadcastDropsFailedConnections(t *testing.T) {
	b := NewBroadcaster()
	server := newTailServer(t, b)
	defer server.Close()

	conn := dialTail(t, server, "org_1")
	waitForSubscribers(t, b, "org_1", 1)
	conn.Close()

	// The first write after the peer closes may still land in OS buffers,
	// so broadcast until the failure surfaces and the connection is dropped.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && b.ConnectionCount("org_1") > 0 {
		b.RecordAppended(testRecord("org_1", 0))
		time.Sleep(10 * time.Millisecond)
	}

	if got := b.ConnectionCount("org_1"); got != 0 {
		t.Fatalf("expected failed connection to be dropped, still have %d", got)
	}
}
