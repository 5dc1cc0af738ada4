package gateway

import (
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"zetlive.dev/internal/logging"
)

const (
	reconnectInitialDelay = time.Second
	reconnectMaxDelay     = 60 * time.Second
)

// runFetcherClient keeps a subscriber connection to the fetcher's push
// server open, dispatching every received frame. Reconnects back off by
// doubling from one second up to a minute; a successful connect resets the
// backoff.
func (g *Gateway) runFetcherClient() {
	delay := reconnectInitialDelay
	for !g.stopped() {
		conn, _, err := websocket.DefaultDialer.Dial(g.config.FetcherURL, nil)
		if err != nil {
			logging.LogError(g.logger, "error connecting to fetcher", err,
				slog.String("url", g.config.FetcherURL),
				slog.Duration("retry_in", delay))
			g.sleepInterruptible(delay)
			delay = nextReconnectDelay(delay)
			continue
		}
		delay = reconnectInitialDelay

		g.fetcherConnMu.Lock()
		g.fetcherConn = conn
		g.fetcherConnMu.Unlock()

		conn.SetReadLimit(maxFrameBytes)
		logging.LogOperation(g.logger, "connected_to_fetcher",
			slog.String("url", g.config.FetcherURL))

		g.consumeFrames(conn)
		_ = conn.Close()

		g.fetcherConnMu.Lock()
		g.fetcherConn = nil
		g.fetcherConnMu.Unlock()

		if g.stopped() {
			return
		}
		g.sleepInterruptible(delay)
		delay = nextReconnectDelay(delay)
	}
}

// consumeFrames reads and dispatches frames until the connection fails.
func (g *Gateway) consumeFrames(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !g.stopped() {
				logging.LogError(g.logger, "fetcher connection lost", err)
			}
			return
		}
		g.dispatchFrame(data)
	}
}

func nextReconnectDelay(delay time.Duration) time.Duration {
	delay *= 2
	if delay > reconnectMaxDelay {
		delay = reconnectMaxDelay
	}
	return delay
}
