package relay

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum inbound frame size; subscribers are listeners only.
	maxReadBytes = 512

	// Outbound frames buffered per subscriber before drops begin.
	sendBufferSize = 64
)

var errSendBufferFull = errors.New("send buffer full")

// WSSubscriber adapts one WebSocket connection to the Subscriber interface.
// Frames are queued on a bounded channel; when the peer cannot keep up the
// frame is dropped rather than blocking the ingest path.
type WSSubscriber struct {
	id     string
	conn   *websocket.Conn
	out    chan []byte
	once   sync.Once
	logger *zap.SugaredLogger
}

func newWSSubscriber(conn *websocket.Conn, logger *zap.SugaredLogger) *WSSubscriber {
	return &WSSubscriber{
		id:     uuid.NewString(),
		conn:   conn,
		out:    make(chan []byte, sendBufferSize),
		logger: logger,
	}
}

// ID implements Subscriber
func (s *WSSubscriber) ID() string {
	return s.id
}

// Send implements Subscriber. It enqueues the frame without blocking and
// reports errSendBufferFull when the peer is too slow.
func (s *WSSubscriber) Send(data []byte) error {
	select {
	case s.out <- data:
		return nil
	default:
		return errSendBufferFull
	}
}

// Close implements io.Closer. The write pump sends the close frame and tears
// down the connection.
func (s *WSSubscriber) Close() error {
	s.closeOut()
	return nil
}

// closeOut shuts the outbound queue exactly once. Callers must guarantee no
// concurrent Send, which holds because sends only happen under the
// broadcaster lock while the subscriber is registered.
func (s *WSSubscriber) closeOut() {
	s.once.Do(func() {
		close(s.out)
	})
}

// writePump drains the outbound queue to the connection and keeps the peer
// alive with periodic pings
func (s *WSSubscriber) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case data, ok := <-s.out:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards inbound frames and detects peer disconnect. On exit the
// subscriber is deregistered and its connection closed.
func (s *WSSubscriber) readPump(b *Broadcaster) {
	defer func() {
		b.Deregister(s.id)
		s.closeOut()
		s.conn.Close()
	}()

	s.conn.SetReadLimit(maxReadBytes)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debugw("WSSubscriber: read error", "id", s.id, "error", err)
			}
			return
		}
	}
}

// WSHandler returns the HTTP handler that upgrades connections and registers
// them with the broadcaster
func WSHandler(b *Broadcaster, logger *zap.SugaredLogger) http.HandlerFunc {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		// Subscribers connect from arbitrary dashboard origins.
		CheckOrigin: func(*http.Request) bool {
			return true
		},
	}

	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warnw("WSSubscriber: upgrade failed", "remote", r.RemoteAddr, "error", err)
			return
		}

		sub := newWSSubscriber(conn, logger)
		b.Register(sub)

		go sub.writePump()
		go sub.readPump(b)
	}
}
