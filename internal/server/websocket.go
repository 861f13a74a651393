package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/turtacn/endura/pkg/logger"
	"github.com/turtacn/endura/pkg/protocol"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Observers are unauthenticated bench tablets on the lab network.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsClient is one connected observer. It is attached to the broadcaster as a
// sink and also carries command replies, so writes are serialized.
type wsClient struct {
	id   string
	conn *websocket.Conn
	log  logger.Logger

	writeMu sync.Mutex
}

func (c *wsClient) Name() string { return "websocket" }

func (c *wsClient) Send(ctx context.Context, state protocol.RunState) error {
	return c.write(state)
}

func (c *wsClient) write(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(v)
}

func (c *wsClient) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("Websocket upgrade failed", "err", err)
		return
	}

	c := &wsClient{id: uuid.NewString(), conn: conn}
	c.log = s.log.With("client", c.id, "remote", r.RemoteAddr)
	c.log.Info("Observer connected")

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	detach := s.hub.Attach(ctx, c)
	defer func() {
		detach()
		conn.Close()
		c.log.Info("Observer disconnected")
	}()

	go c.keepalive(ctx)
	s.readCommands(ctx, c)
}

// readCommands answers commands until the connection fails or ctx ends.
func (s *Server) readCommands(ctx context.Context, c *wsClient) {
	c.conn.SetReadLimit(maxCommandBytes)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go func() {
		<-ctx.Done()
		// Unblocks ReadMessage on shutdown.
		c.conn.SetReadDeadline(time.Now())
	}()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && ctx.Err() == nil {
				c.log.Warn("Websocket read failed", "err", err)
			}
			return
		}
		reply := s.dispatcher.HandleRaw(ctx, raw)
		if err := c.write(reply); err != nil {
			c.log.Warn("Websocket reply failed", "err", err)
			return
		}
	}
}

func (c *wsClient) keepalive(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.ping(); err != nil {
				return
			}
		}
	}
}

// Personal.AI order the ending
