// Package subscriberws implements the subscriber-facing WebSocket
// transport: a thin models.Subscriber adapter around a gorilla/websocket
// connection, plus an http.Handler that upgrades and admits connections
// into the broadcast hub.
package subscriberws

import (
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aerohub/aerohub/engine/hub"
	"github.com/aerohub/aerohub/engine/models"
	"github.com/aerohub/aerohub/engine/telemetry/logging"
)

// Hub is the slice of hub.Hub this transport depends on.
type Hub interface {
	Admit(sub models.Subscriber, opts hub.AdmitOptions) bool
	Remove(id string, reason string)
}

// Subscriber wraps one live WebSocket connection, satisfying
// models.Subscriber. Writes are serialized through a single goroutine
// pump so concurrent broadcasts never race on the underlying conn.
type Subscriber struct {
	id     string
	conn   *websocket.Conn
	logger logging.Logger

	send    chan []byte
	done    chan struct{}
	closeOnce sync.Once

	buffered int64
	live     int32
	lastPing atomic.Value // time.Time
}

func newSubscriber(id string, conn *websocket.Conn, logger logging.Logger) *Subscriber {
	s := &Subscriber{
		id:     id,
		conn:   conn,
		logger: logger,
		send:   make(chan []byte, 256),
		done:   make(chan struct{}),
		live:   1,
	}
	s.lastPing.Store(time.Now())
	go s.writePump()
	go s.readPump()
	return s
}

func (s *Subscriber) ID() string { return s.id }

func (s *Subscriber) Send(payload []byte) error {
	select {
	case s.send <- payload:
		atomic.AddInt64(&s.buffered, int64(len(payload)))
		return nil
	case <-s.done:
		return websocket.ErrCloseSent
	default:
		// send buffer full; caller (the hub) treats a non-nil error the
		// same as backpressure and does not retry.
		return websocket.ErrCloseSent
	}
}

func (s *Subscriber) Close(reason string) error {
	s.closeOnce.Do(func() {
		atomic.StoreInt32(&s.live, 0)
		close(s.done)
		deadline := time.Now().Add(time.Second)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason), deadline)
		_ = s.conn.Close()
	})
	return nil
}

func (s *Subscriber) Liveness() bool { return atomic.LoadInt32(&s.live) == 1 }

func (s *Subscriber) MarkPing() { s.lastPing.Store(time.Now()) }

func (s *Subscriber) BufferedBytes() int64 { return atomic.LoadInt64(&s.buffered) }

func (s *Subscriber) writePump() {
	for {
		select {
		case payload, ok := <-s.send:
			if !ok {
				return
			}
			atomic.AddInt64(&s.buffered, -int64(len(payload)))
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				atomic.StoreInt32(&s.live, 0)
				return
			}
		case <-s.done:
			return
		}
	}
}

// readPump drains inbound frames (the protocol is broadcast-only) and
// marks liveness on pong frames; it exits, marking the subscriber dead,
// the moment the peer disconnects.
func (s *Subscriber) readPump() {
	s.conn.SetPongHandler(func(string) error { s.MarkPing(); return nil })
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			atomic.StoreInt32(&s.live, 0)
			return
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true }, // origin enforced by the hub at Admit time
}

// Handler upgrades incoming HTTP requests to WebSocket connections and
// admits them into hub.
type Handler struct {
	hub            Hub
	logger         logging.Logger
	allowedOrigins []string
	nextID         func() string
}

func NewHandler(hub Hub, logger logging.Logger, allowedOrigins []string, nextID func() string) *Handler {
	if nextID == nil {
		var counter int64
		nextID = func() string {
			n := atomic.AddInt64(&counter, 1)
			return "sub-" + time.Now().UTC().Format("150405.000000") + "-" + strconv.FormatInt(n, 10)
		}
	}
	return &Handler{hub: hub, logger: logger, allowedOrigins: allowedOrigins, nextID: nextID}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.ErrorCtx(r.Context(), "subscriberws: upgrade failed", "error", err)
		return
	}

	sub := newSubscriber(h.nextID(), conn, h.logger)
	opts := hub.AdmitOptions{Origin: r.Header.Get("Origin"), AllowedOrigins: h.allowedOrigins}
	if !h.hub.Admit(sub, opts) {
		_ = sub.Close("origin not allowed")
		return
	}

	go func() {
		<-sub.done
		h.hub.Remove(sub.id, "connection closed")
	}()
}

