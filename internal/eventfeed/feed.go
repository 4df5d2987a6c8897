// Package eventfeed streams enrollment outcomes to connected operator
// clients over WebSocket. The feed is read-only and never on the
// protocol critical path: a slow client is disconnected, never waited on.
package eventfeed

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/trustpoint-io/enrolld/internal/common"
	"github.com/trustpoint-io/enrolld/internal/notifier"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Feed broadcasts events to all connected WebSocket clients.
type Feed struct {
	mu        sync.Mutex
	clients   map[*websocket.Conn]bool
	broadcast chan notifier.Event
	logger    common.Logger
}

var _ notifier.Sink = (*Feed)(nil)

// New creates a feed and starts its broadcast loop.
func New(logger common.Logger) *Feed {
	f := &Feed{
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan notifier.Event, 64),
		logger:    logger,
	}
	go f.loop()
	return f
}

// Publish hands an event to the broadcast loop. Never blocks; with no
// reader the event is dropped.
func (f *Feed) Publish(evt notifier.Event) {
	select {
	case f.broadcast <- evt:
	default:
	}
}

// ServeHTTP upgrades the connection and keeps it registered until the
// client goes away. Inbound messages are discarded.
func (f *Feed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.logger.Errorw("failed to upgrade connection", "error", err)
		return
	}
	defer ws.Close()

	f.mu.Lock()
	f.clients[ws] = true
	f.mu.Unlock()

	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			f.mu.Lock()
			delete(f.clients, ws)
			f.mu.Unlock()
			return
		}
	}
}

func (f *Feed) loop() {
	for evt := range f.broadcast {
		msg, err := json.Marshal(evt)
		if err != nil {
			f.logger.Errorw("failed to marshal event", "error", err)
			continue
		}

		f.mu.Lock()
		for client := range f.clients {
			if err := client.WriteMessage(websocket.TextMessage, msg); err != nil {
				client.Close()
				delete(f.clients, client)
			}
		}
		f.mu.Unlock()
	}
}
