package ws

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/cnulatienpo/run-sub001/internal/relay"
)

const (
	writeTimeout = 5 * time.Second
	readLimit    = 1 << 20

	// SendQueueSize bounds frames waiting for one client's writer.
	SendQueueSize = 256
)

var (
	errQueueFull = errors.New("outbound queue full")
	errClosed    = errors.New("connection closed")
)

// roomParams are the query parameters that pick an initial room, in order.
var roomParams = []string{"session_id", "group_id", "room"}

// Handler serves relay clients over websocket.
type Handler struct {
	registry *relay.Registry
	upgrader websocket.Upgrader
}

// NewHandler creates a websocket handler bound to registry.
func NewHandler(registry *relay.Registry) *Handler {
	return &Handler{
		registry: registry,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
	}
}

// Register binds websocket routes on an Echo router.
func (h *Handler) Register(e *echo.Echo) {
	e.GET("/relay", h.HandleWebSocket)
}

// HandleWebSocket upgrades one request and serves it until disconnect.
func (h *Handler) HandleWebSocket(c echo.Context) error {
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return fmt.Errorf("upgrade websocket: %w", err)
	}
	h.serveConn(conn, initialRoom(c))
	return nil
}

func initialRoom(c echo.Context) string {
	for _, name := range roomParams {
		if v := strings.TrimSpace(c.QueryParam(name)); v != "" {
			return v
		}
	}
	return ""
}

func (h *Handler) serveConn(ws *websocket.Conn, room string) {
	c := newConn(ws)
	go c.writeLoop()

	session := h.registry.Connect(c)
	defer func() {
		h.registry.Disconnect(session)
		c.stop()
		_ = ws.Close()
	}()

	if room != "" {
		if _, err := h.registry.Join(session, room); err != nil {
			slog.Warn("initial join failed", "client_id", session.ID(), "room_id", room, "err", err)
		}
	}

	_ = ws.SetReadDeadline(time.Time{})
	ws.SetReadLimit(readLimit)

	for {
		kind, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("websocket read failed", "client_id", session.ID(), "err", err)
			}
			return
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}
		h.registry.Handle(session, data)
	}
}

// conn adapts a websocket to relay.Conn. Frames are queued and written by a
// single writer goroutine so relay sends never block.
type conn struct {
	ws   *websocket.Conn
	send chan []byte

	closeOnce   sync.Once
	closing     chan struct{}
	closeCode   int
	closeReason string

	stopOnce sync.Once
	done     chan struct{}
}

func newConn(ws *websocket.Conn) *conn {
	return &conn{
		ws:      ws,
		send:    make(chan []byte, SendQueueSize),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Send implements relay.Conn.
func (c *conn) Send(frame []byte) error {
	select {
	case <-c.done:
		return errClosed
	case <-c.closing:
		return errClosed
	default:
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return errQueueFull
	}
}

// Close implements relay.Conn. Queued frames are flushed before the close
// frame goes out.
func (c *conn) Close(code int, reason string) error {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		close(c.closing)
	})
	return nil
}

func (c *conn) stop() {
	c.stopOnce.Do(func() { close(c.done) })
}

func (c *conn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			if err := c.write(frame); err != nil {
				c.stop()
				return
			}
		case <-c.closing:
			c.flush()
			msg := websocket.FormatCloseMessage(c.closeCode, c.closeReason)
			_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
			_ = c.ws.Close()
			return
		}
	}
}

func (c *conn) flush() {
	for {
		select {
		case frame := <-c.send:
			if err := c.write(frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *conn) write(frame []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}
