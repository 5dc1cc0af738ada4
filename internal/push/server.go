// Package push implements the fetcher's framed push channel: a loopback
// WebSocket server that broadcasts text frames over a fixed set of ordered
// topics, each with a bounded replay history. A subscriber that connects
// receives every retained frame, topic by topic in the configured order, and
// only then joins the live broadcast set, so replay always precedes any frame
// published after the connect.
package push

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"zetlive.dev/internal/logging"
	"zetlive.dev/internal/metrics"
)

// outboundQueueSize bounds the per-subscriber send queue. It must be larger
// than the sum of all topic histories so a replay burst never overflows it.
const outboundQueueSize = 64

// Server is a multi-topic push server. Construct with New, bind with Start.
type Server struct {
	topics  []string
	logger  *slog.Logger
	metrics *metrics.Metrics

	// subscribersMu guards subscribers; historiesMu guards histories.
	// Acquire subscribersMu before historiesMu, never the reverse.
	subscribersMu sync.Mutex
	subscribers   map[*subscriber]struct{}
	historiesMu   sync.Mutex
	histories     map[string][][]byte

	httpServer *http.Server
	listener   net.Listener
	closeOnce  sync.Once
}

type subscriber struct {
	conn     *websocket.Conn
	send     chan []byte
	done     chan struct{}
	doneOnce sync.Once
}

func (sub *subscriber) stop() {
	sub.doneOnce.Do(func() { close(sub.done) })
}

// New creates a push server for the given ordered topic list. The order
// defines the replay order for new subscribers.
func New(topics []string, logger *slog.Logger, m *metrics.Metrics) *Server {
	histories := make(map[string][][]byte, len(topics))
	for _, topic := range topics {
		histories[topic] = nil
	}
	return &Server{
		topics:      topics,
		logger:      logger.With(slog.String("component", "push_server")),
		metrics:     m,
		subscribers: make(map[*subscriber]struct{}),
		histories:   histories,
	}
}

// Start binds the server to the loopback interface on the given port and
// begins accepting subscribers. Port 0 picks a free port; see Addr.
func (s *Server) Start(port int) error {
	listener, err := net.Listen("tcp", fmt.Sprintf("localhost:%d", port))
	if err != nil {
		return fmt.Errorf("binding push server: %w", err)
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleSubscriber)
	mux.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))

	s.httpServer = &http.Server{
		Handler:     mux,
		IdleTimeout: time.Minute,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.LogError(s.logger, "push server stopped", err)
		}
	}()

	logging.LogOperation(s.logger, "push_server_started", slog.String("addr", listener.Addr().String()))
	return nil
}

// Addr returns the bound address, valid after Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Publish appends the frame to the topic's history, evicting the oldest
// frame beyond maxHistory, and pushes it to every connected subscriber.
// Publishing to a topic outside the configured set is an error.
func (s *Server) Publish(topic string, frame []byte, maxHistory int) error {
	s.subscribersMu.Lock()
	defer s.subscribersMu.Unlock()

	s.historiesMu.Lock()
	history, ok := s.histories[topic]
	if !ok {
		s.historiesMu.Unlock()
		return fmt.Errorf("publish to unknown topic %q", topic)
	}
	history = append(history, frame)
	if len(history) > maxHistory {
		history = history[len(history)-maxHistory:]
	}
	s.histories[topic] = history
	s.historiesMu.Unlock()

	for sub := range s.subscribers {
		s.enqueueLocked(sub, topic, frame)
	}
	return nil
}

// enqueueLocked hands a frame to the subscriber's writer, dropping the
// subscriber if its queue is full. Caller holds subscribersMu.
func (s *Server) enqueueLocked(sub *subscriber, topic string, frame []byte) {
	select {
	case sub.send <- frame:
		s.metrics.PushFramesSentTotal.WithLabelValues(topic).Inc()
	default:
		s.logger.Warn("dropping stalled push subscriber",
			slog.String("remote_addr", sub.conn.RemoteAddr().String()))
		delete(s.subscribers, sub)
		sub.stop()
		s.metrics.PushSubscribers.Dec()
		s.metrics.PushSubscribersDropped.Inc()
	}
}

var upgrader = websocket.Upgrader{
	// The push channel binds to loopback only; all local origins are fine.
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (s *Server) handleSubscriber(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.LogError(s.logger, "websocket upgrade failed", err)
		return
	}

	sub := &subscriber{
		conn: conn,
		send: make(chan []byte, outboundQueueSize),
		done: make(chan struct{}),
	}

	// Queue the replay before the subscriber joins the broadcast set, both
	// under the shared locks: the subscriber must see every retained frame
	// in topic order before any frame published after this point.
	s.subscribersMu.Lock()
	s.historiesMu.Lock()
	for _, topic := range s.topics {
		for _, frame := range s.histories[topic] {
			sub.send <- frame
			s.metrics.PushFramesSentTotal.WithLabelValues(topic).Inc()
		}
	}
	s.historiesMu.Unlock()
	s.subscribers[sub] = struct{}{}
	count := len(s.subscribers)
	s.subscribersMu.Unlock()

	s.metrics.PushSubscribers.Set(float64(count))
	logging.LogOperation(s.logger, "subscriber_connected",
		slog.String("remote_addr", conn.RemoteAddr().String()),
		slog.Int("subscribers", count))

	go s.writeLoop(sub)
	go s.readLoop(sub)
}

func (s *Server) writeLoop(sub *subscriber) {
	defer func() { _ = sub.conn.Close() }()
	for {
		select {
		case frame := <-sub.send:
			if err := sub.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				logging.LogError(s.logger, "send to subscriber failed", err,
					slog.String("remote_addr", sub.conn.RemoteAddr().String()))
				s.removeSubscriber(sub)
				return
			}
		case <-sub.done:
			return
		}
	}
}

// readLoop discards inbound frames; the channel is push-only. A read error
// means the subscriber is gone.
func (s *Server) readLoop(sub *subscriber) {
	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			s.removeSubscriber(sub)
			return
		}
	}
}

func (s *Server) removeSubscriber(sub *subscriber) {
	s.subscribersMu.Lock()
	_, present := s.subscribers[sub]
	if present {
		delete(s.subscribers, sub)
	}
	count := len(s.subscribers)
	s.subscribersMu.Unlock()

	sub.stop()
	if present {
		s.metrics.PushSubscribers.Set(float64(count))
		logging.LogOperation(s.logger, "subscriber_disconnected", slog.Int("subscribers", count))
	}
}

// Close stops accepting subscribers and disconnects the current ones.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		if s.httpServer != nil {
			_ = s.httpServer.Close()
		}

		s.subscribersMu.Lock()
		for sub := range s.subscribers {
			sub.stop()
			_ = sub.conn.Close()
			delete(s.subscribers, sub)
		}
		s.subscribersMu.Unlock()

		s.metrics.PushSubscribers.Set(0)
		logging.LogOperation(s.logger, "push_server_closed")
	})
}
