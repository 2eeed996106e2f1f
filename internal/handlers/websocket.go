package handlers

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/mossy-p/livestore-signaling/internal/log"
	"github.com/mossy-p/livestore-signaling/internal/models"
	"github.com/mossy-p/livestore-signaling/internal/signaling"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 256
	maxMessage = 64 << 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

// Client is one signaling socket. It implements signaling.Peer.
type Client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	log  *zerolog.Logger

	mu     sync.Mutex
	closed bool
}

func (c *Client) ID() string { return c.id }

// Send queues env for the write pump without blocking.
func (c *Client) Send(env models.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return websocket.ErrCloseSent
	}
	select {
	case c.send <- data:
		return nil
	default:
		return signaling.ErrBufferFull
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// HandleSignaling upgrades the request and attaches the socket to hub.
// The optional name query parameter is the user's display name.
func HandleSignaling(hub *signaling.Hub, logger *zerolog.Logger) gin.HandlerFunc {
	logger = log.OrNop(logger)
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn().Err(err).Msg("failed to upgrade connection")
			return
		}

		client := &Client{
			id:   uuid.NewString(),
			conn: conn,
			send: make(chan []byte, sendBuffer),
			log:  logger,
		}
		hub.Join(client, c.Query("name"))

		go client.writePump()
		go client.readPump(hub)
	}
}

func (c *Client) readPump(hub *signaling.Hub) {
	defer func() {
		hub.Leave(c.id)
		c.close()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessage)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn().Err(err).Str("peer", c.id).Msg("websocket error")
			}
			return
		}

		var env models.Envelope
		if err := json.Unmarshal(message, &env); err != nil || env.Event == "" {
			c.log.Warn().Err(err).Str("peer", c.id).Msg("failed to parse message")
			continue
		}
		hub.Handle(c.id, env)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.log.Warn().Err(err).Str("peer", c.id).Msg("failed to write message")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
