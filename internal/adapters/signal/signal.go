// Package signal is the server side of the peer handshake: every websocket
// gets an address, and offers, answers, rejects and byes are relayed between
// addresses.
package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/Meet/internal/domain"
	"github.com/dkeye/Meet/internal/metrics"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
)

// ClientIDKey is the gin context key under which the HTTP layer stores the
// caller's identity.
const ClientIDKey = "client_id"

type Options struct {
	ReadLimit  int64
	PingPeriod time.Duration
	SendQueue  int
}

type Broker struct {
	opts    Options
	metrics *metrics.Metrics

	mu      sync.RWMutex
	conns   map[domain.PeerAddress]*wsConn
	onClose func(domain.PeerAddress)
}

func NewBroker(opts Options, m *metrics.Metrics) *Broker {
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = 64 << 10
	}
	if opts.PingPeriod <= 0 {
		opts.PingPeriod = 54 * time.Second
	}
	if opts.SendQueue <= 0 {
		opts.SendQueue = 32
	}
	return &Broker{
		opts:    opts,
		metrics: m,
		conns:   make(map[domain.PeerAddress]*wsConn),
	}
}

// OnClose registers fn to run after an address's websocket goes away.
func (b *Broker) OnClose(fn func(domain.PeerAddress)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onClose = fn
}

// Connected reports whether addr has an open websocket.
func (b *Broker) Connected(addr domain.PeerAddress) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.conns[addr]
	return ok
}

type wsConn struct {
	addr domain.PeerAddress
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	closed bool
}

func (c *wsConn) TrySend(f []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
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

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleWS upgrades the request and serves the connection until it closes or
// ctx is done.
func (b *Broker) HandleWS(ctx context.Context, c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	ws.SetReadLimit(b.opts.ReadLimit)

	conn := &wsConn{
		addr: domain.PeerAddress(uuid.NewString()),
		conn: ws,
		send: make(chan []byte, b.opts.SendQueue),
	}
	b.mu.Lock()
	b.conns[conn.addr] = conn
	b.mu.Unlock()
	b.metrics.SignalConnOpened()
	log.Info().Str("module", "signal").Str("peer", string(conn.addr)).
		Str("client", c.GetString(ClientIDKey)).Msg("new WS connection")

	b.sendJSON(conn, Message{Type: TypeWelcome, To: conn.addr})

	ctx, cancel := context.WithCancel(ctx)
	go b.writePump(ctx, conn)
	go func() {
		defer cancel()
		b.readPump(ctx, conn)
	}()
}

func (b *Broker) drop(c *wsConn) {
	b.mu.Lock()
	cur, ok := b.conns[c.addr]
	if ok && cur == c {
		delete(b.conns, c.addr)
	}
	onClose := b.onClose
	b.mu.Unlock()
	c.Close()
	if !ok || cur != c {
		return
	}
	b.metrics.SignalConnClosed()
	if onClose != nil {
		onClose(c.addr)
	}
}

func (b *Broker) lookup(addr domain.PeerAddress) (*wsConn, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	c, ok := b.conns[addr]
	return c, ok
}

// Close drops every connection.
func (b *Broker) Close() {
	b.mu.RLock()
	conns := make([]*wsConn, 0, len(b.conns))
	for _, c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.RUnlock()
	for _, c := range conns {
		b.drop(c)
	}
}
