package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kandev/runtimed/internal/common/logger"
	"github.com/kandev/runtimed/internal/events/bus"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// eventClient forwards bus events to one websocket connection.
type eventClient struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	logger *logger.Logger
}

func newEventClient(conn *websocket.Conn, log *logger.Logger) *eventClient {
	id := uuid.New().String()
	return &eventClient{
		id:     id,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
		logger: log.WithFields(zap.String("client_id", id)),
	}
}

// enqueue never blocks; the bus may deliver from the publisher's goroutine.
func (c *eventClient) enqueue(_ context.Context, event *bus.Event) error {
	msg, err := json.Marshal(event)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
	case c.send <- msg:
	default:
		c.logger.Warn("event stream client is slow, dropping event",
			zap.String("event_type", event.Type))
	}
	return nil
}

func (c *eventClient) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// readPump discards client messages and returns once the connection dies.
func (c *eventClient) readPump() {
	defer c.close()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("event stream read error", zap.Error(err))
			}
			return
		}
	}
}

func (c *eventClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logger.Debug("event stream write error", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Handler) streamEvents(c *gin.Context) {
	if h.bus == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event bus is not configured"})
		return
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	client := newEventClient(conn, h.logger)
	sub, err := h.bus.Subscribe(bus.AllEvents, client.enqueue)
	if err != nil {
		h.logger.Error("failed to subscribe event stream", zap.Error(err))
		client.close()
		return
	}
	defer func() { _ = sub.Unsubscribe() }()

	h.logger.Debug("event stream client connected", zap.String("client_id", client.id))
	go client.writePump()
	client.readPump()
	h.logger.Debug("event stream client disconnected", zap.String("client_id", client.id))
}
