// Package events broadcasts highlight mutations to websocket subscribers, so
// a reader's other devices see new marks without polling.
package events

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"marginalia/api/internal/logger"
	"marginalia/api/internal/metrics"
)

// Event types sent over the stream.
const (
	TypeHighlightCreated  = "highlight.created"
	TypeHighlightDeleted  = "highlight.deleted"
	TypeHighlightReplaced = "highlight.replaced"
	TypeDocumentSynced    = "document.synced"
)

// Message is one event on a document's stream.
type Message struct {
	Type       string   `json:"type"`
	DocumentID string   `json:"documentId"`
	ChapterID  string   `json:"chapterId,omitempty"`
	Created    []string `json:"created,omitempty"`
	Removed    []string `json:"removed,omitempty"`
	Revision   string   `json:"revision,omitempty"`
	Timestamp  string   `json:"timestamp"`
}

// envelope carries a marshaled message plus its delivery scope.
type envelope struct {
	ownerID    string
	documentID string
	data       []byte
}

// Client is one websocket subscriber: a reader's open session on a document.
type Client struct {
	hub        *Hub
	conn       *websocket.Conn
	send       chan []byte
	ownerID    string
	documentID string
}

// Hub maintains active subscribers and routes events to the ones watching
// the same (owner, document).
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan envelope
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	log        *logger.Logger
	metrics    *metrics.Metrics
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Token auth happens before the upgrade; the origin itself carries no
	// trust.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// NewHub creates the event hub. met may be nil.
func NewHub(log *logger.Logger, met *metrics.Metrics) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan envelope, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		log:        log.Component("events"),
		metrics:    met,
	}
}

// Run owns the client set; registration, teardown and delivery all pass
// through here, so the map needs no lock.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.clients[client] = true
			h.log.Debug().
				Str("document_id", client.documentID).
				Int("clients", len(h.clients)).
				Msg("subscriber connected")

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.log.Debug().
				Int("clients", len(h.clients)).
				Msg("subscriber disconnected")

		case env := <-h.broadcast:
			sent := 0
			for client := range h.clients {
				if client.ownerID != env.ownerID || client.documentID != env.documentID {
					continue
				}
				select {
				case client.send <- env.data:
					sent++
				default:
					// Subscriber is not draining; drop it.
					close(client.send)
					delete(h.clients, client)
				}
			}
			if h.metrics != nil {
				h.metrics.RecordEventsSent(sent)
			}

		case <-h.done:
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			return
		}
	}
}

// Stop shuts the hub down and disconnects every subscriber.
func (h *Hub) Stop() {
	close(h.done)
}

// Broadcast queues one event for the owner's subscribers on that document.
// Never blocks; when the hub is saturated the event is dropped.
func (h *Hub) Broadcast(ownerID string, msg Message) {
	if msg.Timestamp == "" {
		msg.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Error().Err(err).Msg("marshal event")
		return
	}

	select {
	case h.broadcast <- envelope{ownerID: ownerID, documentID: msg.DocumentID, data: data}:
	default:
		h.log.Warn().Str("type", msg.Type).Msg("event queue full, dropping event")
	}
}

// Serve upgrades the request and subscribes it to the document's stream.
// The caller has already authenticated ownerID.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, ownerID, documentID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := &Client{
		hub:        h,
		conn:       conn,
		send:       make(chan []byte, 256),
		ownerID:    ownerID,
		documentID: documentID,
	}

	h.register <- client

	go client.writePump()
	go client.readPump()
}

// readPump drains the connection; subscribers send nothing meaningful, the
// reads only surface disconnects and keep pong handling alive.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Debug().Err(err).Msg("websocket closed unexpectedly")
			}
			break
		}
	}
}

// writePump pushes queued events to the connection and pings to keep
// intermediaries from idling it out.
func (c *Client) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Flush any further queued events into the same frame.
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
