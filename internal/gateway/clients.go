package gateway

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"zetlive.dev/internal/logging"
)

const (
	wireVersion0 = 0
	wireVersion1 = 1

	clientWriteTimeout = 10 * time.Second
)

// client is one connected map client. Writes go through send, which
// serializes the replay-on-connect message and broadcast sends.
type client struct {
	conn    *websocket.Conn
	version int
	writeMu sync.Mutex
}

func (c *client) send(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(clientWriteTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

var clientUpgrader = websocket.Upgrader{
	// Map pages are served from arbitrary hosts; the stream carries public
	// vehicle positions.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleClient upgrades the connection, replays the latest update for the
// client's version, and registers the client for live broadcasts. The replay
// happens under the client-set lock so a concurrent broadcast cannot deliver
// a newer update first.
func (g *Gateway) handleClient(version int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := clientUpgrader.Upgrade(w, r, nil)
		if err != nil {
			logging.LogError(g.logger, "client websocket upgrade failed", err)
			return
		}

		c := &client{conn: conn, version: version}

		g.clientsMu.Lock()
		v0, v1 := g.latestPair()
		payload := v0
		if version == wireVersion1 {
			payload = v1
		}
		if payload != nil {
			if err := c.send(payload); err != nil {
				g.clientsMu.Unlock()
				logging.LogError(g.logger, "initial send to map client failed", err)
				_ = conn.Close()
				return
			}
		}
		g.clients[c] = struct{}{}
		count := len(g.clients)
		g.clientsMu.Unlock()

		g.metrics.ConnectedClients.Set(float64(count))
		logging.LogOperation(g.logger, "map_client_connected",
			slog.String("remote_addr", conn.RemoteAddr().String()),
			slog.Int("version", version),
			slog.Int("clients", count))

		go g.clientReadLoop(c)
	}
}

// clientReadLoop discards inbound frames; the stream is push-only and reads
// serve only to detect disconnects.
func (g *Gateway) clientReadLoop(c *client) {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			g.removeClient(c)
			return
		}
	}
}

func (g *Gateway) removeClient(c *client) {
	g.clientsMu.Lock()
	_, present := g.clients[c]
	if present {
		delete(g.clients, c)
	}
	count := len(g.clients)
	g.clientsMu.Unlock()

	_ = c.conn.Close()
	if present {
		g.metrics.ConnectedClients.Set(float64(count))
		logging.LogOperation(g.logger, "map_client_disconnected", slog.Int("clients", count))
	}
}
