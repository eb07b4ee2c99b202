package peer

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/dkeye/Meet/internal/adapters/signal"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const writeWait = 5 * time.Second

type wsConn struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	closed bool
}

func (c *wsConn) sendJSON(msg signal.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrNotConnected
	}
	select {
	case c.send <- data:
		return nil
	default:
		return signal.ErrBackpressure
	}
}

func (c *wsConn) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

func (c *wsConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
}

func (c *wsConn) writePump() {
	defer c.Close()
	for data := range c.send {
		if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
			return
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Warn().Err(err).Str("module", "adapters.peer").Msg("writePump write error")
			return
		}
	}
}

func (b *Backend) readPump(c *wsConn) {
	defer func() {
		c.Close()
		b.mu.Lock()
		if b.conn == c {
			b.conn = nil
			b.addr = ""
		}
		b.mu.Unlock()
		log.Info().Str("module", "adapters.peer").Msg("signaling closed")
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !c.isClosed() {
				log.Warn().Err(err).Str("module", "adapters.peer").Msg("readPump read error")
			}
			return
		}
		var msg signal.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Warn().Err(err).Str("module", "adapters.peer").Msg("bad json")
			continue
		}
		b.handleSignal(msg)
	}
}

func (b *Backend) handleSignal(msg signal.Message) {
	switch msg.Type {
	case signal.TypeOffer:
		go b.onOffer(msg)
	case signal.TypeAnswer, signal.TypeReject, signal.TypeError:
		b.deliver(msg)
	case signal.TypeBye:
		b.onBye(msg)
	case signal.TypePong:
	default:
		log.Warn().Str("module", "adapters.peer").Str("type", msg.Type).Msg("unknown signal")
	}
}
