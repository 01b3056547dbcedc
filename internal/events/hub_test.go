package events

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"marginalia/api/internal/logger"
)

func newTestHub() *Hub {
	return NewHub(logger.NewLogger(logger.Config{Output: io.Discard}), nil)
}

func TestNewHub(t *testing.T) {
	hub := newTestHub()
	if hub.clients == nil {
		t.Error("Hub clients map is nil")
	}
	if hub.broadcast == nil {
		t.Error("Hub broadcast channel is nil")
	}
	if hub.register == nil {
		t.Error("Hub register channel is nil")
	}
	if hub.unregister == nil {
		t.Error("Hub unregister channel is nil")
	}
}

func subscribe(t *testing.T, hub *Hub, ownerID, documentID string) *websocket.Conn {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.Serve(w, r, ownerID, documentID)
	}))
	t.Cleanup(server.Close)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	// Let the hub pick up the registration before broadcasting.
	time.Sleep(100 * time.Millisecond)
	return conn
}

func TestHubBroadcast(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Stop()

	conn := subscribe(t, hub, "reader-1", "doc-1")

	hub.Broadcast("reader-1", Message{
		Type:       TypeHighlightCreated,
		DocumentID: "doc-1",
		ChapterID:  "ch_1",
		Created:    []string{"hl_1"},
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read message: %v", err)
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode message: %v", err)
	}
	if msg.Type != TypeHighlightCreated {
		t.Errorf("expected type %q, got %q", TypeHighlightCreated, msg.Type)
	}
	if len(msg.Created) != 1 || msg.Created[0] != "hl_1" {
		t.Errorf("unexpected created ids: %v", msg.Created)
	}
	if msg.Timestamp == "" {
		t.Error("expected timestamp to be stamped on broadcast")
	}
}

func TestHubFiltersByOwnerAndDocument(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Stop()

	conn := subscribe(t, hub, "reader-1", "doc-1")

	// Neither of these should reach the subscriber.
	hub.Broadcast("reader-2", Message{Type: TypeHighlightDeleted, DocumentID: "doc-1"})
	hub.Broadcast("reader-1", Message{Type: TypeHighlightDeleted, DocumentID: "doc-2"})
	// This one should.
	hub.Broadcast("reader-1", Message{Type: TypeDocumentSynced, DocumentID: "doc-1", Revision: "rev2"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read message: %v", err)
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode message: %v", err)
	}
	if msg.Type != TypeDocumentSynced {
		t.Errorf("expected only the matching event, got %q", msg.Type)
	}
	if msg.Revision != "rev2" {
		t.Errorf("expected revision rev2, got %q", msg.Revision)
	}
}

func TestHubStopDisconnectsSubscribers(t *testing.T) {
	hub := newTestHub()
	go hub.Run()

	conn := subscribe(t, hub, "reader-1", "doc-1")

	hub.Stop()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("expected connection to close after hub stop")
	}
}
