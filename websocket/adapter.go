package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/Rocket-co-1992/daw/domain"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

type Conn struct {
	id       string
	ws       *websocket.Conn
	send     chan []byte
	registry domain.Registry
	handler  domain.MessageHandler
	limiter  *rate.Limiter
	readMax  int64
}

// NewConn wraps an upgraded websocket connection. msgRate/msgBurst throttle
// inbound frames per connection; readMax bounds a single frame's size.
func NewConn(id string, ws *websocket.Conn, registry domain.Registry, handler domain.MessageHandler, msgRate float64, msgBurst int, readMax int64) *Conn {
	return &Conn{
		id:       id,
		ws:       ws,
		send:     make(chan []byte, 256),
		registry: registry,
		handler:  handler,
		limiter:  rate.NewLimiter(rate.Limit(msgRate), msgBurst),
		readMax:  readMax,
	}
}

func (c *Conn) ID() string { return c.id }

// Send queues data for delivery. A full queue means the peer is not keeping
// up; the frame is dropped and the error lets callers treat it as gone.
func (c *Conn) Send(data []byte) error {
	select {
	case c.send <- data:
		return nil
	default:
		return websocket.ErrCloseSent
	}
}

func (c *Conn) Close() error {
	return c.ws.Close()
}

func (c *Conn) Start() {
	c.registry.Register(c)
	go c.writePump()
	go c.readPump()

	welcome, err := json.Marshal(domain.Welcome{
		Type:      domain.MsgWelcome,
		ClientID:  c.id,
		Timestamp: domain.NowMillis(),
	})
	if err == nil {
		if err := c.Send(welcome); err != nil {
			slog.Warn("welcome send failed", "clientId", c.id, "error", err)
		}
	}
}

func (c *Conn) readPump() {
	defer func() {
		c.registry.Unregister(c.id)
		c.ws.Close()
	}()

	c.ws.SetReadLimit(c.readMax)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				slog.Error("read error", "clientId", c.id, "error", err)
			}
			return
		}

		// Throttling happens by stalling the read loop, which preserves the
		// per-connection message order.
		if err := c.limiter.Wait(context.Background()); err != nil {
			return
		}

		c.handler.Handle(c, data)
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
