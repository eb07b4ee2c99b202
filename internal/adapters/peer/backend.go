// Package peer is the client side of signaling: it registers with the meeting
// server over REST and runs offer/answer handshakes with other clients over
// the broker's websocket.
package peer

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/dkeye/Meet/internal/adapters/api"
	"github.com/dkeye/Meet/internal/adapters/rtc"
	"github.com/dkeye/Meet/internal/adapters/signal"
	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotConnected    = errors.New("signaling not connected")
	ErrCallRejected    = errors.New("call rejected")
	ErrPeerUnreachable = errors.New("peer unreachable")
	ErrCallDecided     = errors.New("call already answered or rejected")
)

type Options struct {
	ICE           webrtc.Configuration
	AnswerTimeout time.Duration
	SendQueue     int
}

type Backend struct {
	api    *api.Client
	opts   Options
	wsURL  string
	dialer *websocket.Dialer

	mu      sync.Mutex
	conn    *wsConn
	addr    domain.PeerAddress
	pending map[string]chan signal.Message
	links   map[string]*rtc.Link
	calls   map[int]func(core.IncomingCall)
	events  map[int]func(core.ConnectionEvent)
	nextSub int
}

var _ core.SignalingBackend = (*Backend)(nil)

func NewBackend(client *api.Client, opts Options) (*Backend, error) {
	wsURL, err := signalURL(client.BaseURL)
	if err != nil {
		return nil, err
	}
	if opts.AnswerTimeout <= 0 {
		opts.AnswerTimeout = 15 * time.Second
	}
	if opts.SendQueue <= 0 {
		opts.SendQueue = 32
	}
	return &Backend{
		api:   client,
		opts:  opts,
		wsURL: wsURL,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			Jar:              client.Jar(),
		},
		pending: make(map[string]chan signal.Message),
		links:   make(map[string]*rtc.Link),
		calls:   make(map[int]func(core.IncomingCall)),
		events:  make(map[int]func(core.ConnectionEvent)),
	}, nil
}

func signalURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("server url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/ws/signal"
	return u.String(), nil
}

// InitializePeer opens the broker websocket and returns the address it
// assigned. An open connection is reused.
func (b *Backend) InitializePeer(ctx context.Context) (domain.PeerAddress, error) {
	b.mu.Lock()
	if b.conn != nil && !b.conn.isClosed() {
		addr := b.addr
		b.mu.Unlock()
		return addr, nil
	}
	b.mu.Unlock()

	ws, _, err := b.dialer.DialContext(ctx, b.wsURL, nil)
	if err != nil {
		return "", fmt.Errorf("dial signaling: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = ws.SetReadDeadline(deadline)
	}
	var welcome signal.Message
	if err := ws.ReadJSON(&welcome); err != nil || welcome.Type != signal.TypeWelcome || welcome.To == "" {
		_ = ws.Close()
		return "", fmt.Errorf("signaling handshake: %w", errors.Join(ErrNotConnected, err))
	}
	_ = ws.SetReadDeadline(time.Time{})

	conn := &wsConn{conn: ws, send: make(chan []byte, b.opts.SendQueue)}
	b.mu.Lock()
	if b.conn != nil {
		b.conn.Close()
	}
	b.conn = conn
	b.addr = welcome.To
	b.mu.Unlock()

	go conn.writePump()
	go b.readPump(conn)

	log.Info().Str("module", "adapters.peer").Str("peer", string(welcome.To)).Msg("signaling connected")
	return welcome.To, nil
}

func (b *Backend) RegisterPeer(ctx context.Context, meetingID domain.MeetingID, participantID domain.ParticipantID, addr domain.PeerAddress) error {
	return b.api.RegisterPeer(ctx, meetingID, participantID, addr)
}

func (b *Backend) Heartbeat(ctx context.Context, meetingID domain.MeetingID, participantID domain.ParticipantID) error {
	return b.api.Heartbeat(ctx, meetingID, participantID)
}

func (b *Backend) ListPeers(ctx context.Context, meetingID domain.MeetingID) ([]domain.PeerDescriptor, error) {
	return b.api.ListPeers(ctx, meetingID)
}

// Disconnect deregisters, hangs up every link and closes the websocket. The
// deregistration error is returned after the local cleanup is done.
func (b *Backend) Disconnect(ctx context.Context, meetingID domain.MeetingID, participantID domain.ParticipantID) error {
	err := b.api.DeregisterPeer(ctx, meetingID, participantID)
	b.Close()
	return err
}

// Close hangs up every link and closes the websocket.
func (b *Backend) Close() {
	b.mu.Lock()
	links := make([]*rtc.Link, 0, len(b.links))
	for _, l := range b.links {
		links = append(links, l)
	}
	b.mu.Unlock()
	for _, l := range links {
		_ = l.Close()
	}

	b.mu.Lock()
	conn := b.conn
	b.conn = nil
	b.addr = ""
	b.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (b *Backend) OnIncomingCall(fn func(core.IncomingCall)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextSub++
	id := b.nextSub
	b.calls[id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.calls, id)
	}
}

func (b *Backend) OnConnectionEvent(fn func(core.ConnectionEvent)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextSub++
	id := b.nextSub
	b.events[id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.events, id)
	}
}

// emit untracks the link and tells every subscriber.
func (b *Backend) emit(ev core.ConnectionEvent) {
	b.mu.Lock()
	if l, ok := b.links[ev.LinkID]; ok && l.Address() == ev.Address {
		delete(b.links, ev.LinkID)
	}
	subs := make([]func(core.ConnectionEvent), 0, len(b.events))
	for _, fn := range b.events {
		subs = append(subs, fn)
	}
	b.mu.Unlock()

	log.Debug().Str("module", "adapters.peer").Str("peer", string(ev.Address)).Str("link", ev.LinkID).
		Str("kind", string(ev.Kind)).Msg("connection event")
	for _, fn := range subs {
		fn(ev)
	}
}

func (b *Backend) track(l *rtc.Link) {
	b.mu.Lock()
	b.links[l.ID()] = l
	b.mu.Unlock()
	l.OnClose(func() {
		b.mu.Lock()
		if cur, ok := b.links[l.ID()]; ok && cur == l {
			delete(b.links, l.ID())
		}
		b.mu.Unlock()
		_ = b.send(signal.Message{Type: signal.TypeBye, To: l.Address(), CallID: l.ID()})
	})
}

func (b *Backend) send(msg signal.Message) error {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.sendJSON(msg)
}
