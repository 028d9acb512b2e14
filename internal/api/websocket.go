package api

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/twilight-project/forkscanner/internal/dispatch"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // dashboard may be served from any origin
	},
}

// streamWriteDeadline bounds how long a single event write may block, so a
// stalled client cannot hang its relay goroutine indefinitely.
const streamWriteDeadline = 5 * time.Second

// handleStream upgrades the request to a websocket and relays every event
// from the dispatcher hub until the client disconnects or its subscriber
// channel is torn down. One goroutine per connection, reading only to
// notice the close frame — the protocol is push-only.
func handleStream(hub *dispatch.Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Printf("Failed to upgrade websocket: %v", err)
			return
		}
		defer conn.Close()

		id, ch := hub.Subscribe()
		defer hub.Unsubscribe(id)

		log.Printf("Stream subscriber %d connected", id)

		closed := make(chan struct{})
		go func() {
			defer close(closed)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
						log.Printf("Stream subscriber %d read error: %v", id, err)
					}
					return
				}
			}
		}()

		for {
			select {
			case <-closed:
				log.Printf("Stream subscriber %d disconnected", id)
				return
			case evt, ok := <-ch:
				if !ok {
					return
				}
				body, err := json.Marshal(evt)
				if err != nil {
					log.Printf("Marshal event for subscriber %d: %v", id, err)
					continue
				}
				_ = conn.SetWriteDeadline(time.Now().Add(streamWriteDeadline))
				if err := conn.WriteMessage(websocket.TextMessage, body); err != nil {
					log.Printf("Write to subscriber %d: %v", id, err)
					return
				}
			}
		}
	}
}
