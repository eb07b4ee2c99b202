package peer

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dkeye/Meet/internal/adapters/api"
	router "github.com/dkeye/Meet/internal/adapters/http"
	"github.com/dkeye/Meet/internal/adapters/signal"
	"github.com/dkeye/Meet/internal/app/store"
	"github.com/dkeye/Meet/internal/config"
	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type server struct {
	url    string
	broker *signal.Broker
	peers  *store.Peers
}

func newServer(t *testing.T) *server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx, cancel := context.WithCancel(context.Background())
	meetings := store.NewMeetings("http://meet.test", time.Hour, nil)
	broker := signal.NewBroker(signal.Options{PingPeriod: time.Second}, nil)
	peers := store.NewPeers(meetings, time.Minute, nil)
	d := router.Deps{
		Meetings: meetings,
		Chat:     store.NewChat(meetings, nil, nil),
		Peers:    peers,
		Broker:   broker,
	}
	srv := httptest.NewServer(router.SetupRouter(ctx, &config.Config{Mode: "test", Secret: "s"}, d))
	t.Cleanup(func() {
		cancel()
		broker.Close()
		srv.Close()
	})
	return &server{url: srv.URL, broker: broker, peers: peers}
}

func newBackend(t *testing.T, url string) *Backend {
	t.Helper()
	b, err := NewBackend(api.NewClient(url, 2*time.Second), Options{ICE: webrtc.Configuration{}, AnswerTimeout: 3 * time.Second})
	require.NoError(t, err)
	t.Cleanup(b.Close)
	return b
}

func initialize(t *testing.T, b *Backend) domain.PeerAddress {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	addr, err := b.InitializePeer(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, addr)
	return addr
}

func TestSignalURL(t *testing.T) {
	u, err := signalURL("https://meet.example.com/base/")
	require.NoError(t, err)
	assert.Equal(t, "wss://meet.example.com/base/api/ws/signal", u)

	u, err = signalURL("http://localhost:8080")
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:8080/api/ws/signal", u)
}

func TestInitializePeer_ReusesOpenConnection(t *testing.T) {
	srv := newServer(t)
	b := newBackend(t, srv.url)

	first := initialize(t, b)
	assert.Equal(t, first, initialize(t, b))
	assert.True(t, srv.broker.Connected(first))
}

func TestConnectToPeer_AnsweredCallYieldsLinksOnBothSides(t *testing.T) {
	srv := newServer(t)
	alice := newBackend(t, srv.url)
	bob := newBackend(t, srv.url)
	aliceAddr := initialize(t, alice)
	bobAddr := initialize(t, bob)

	answered := make(chan core.PeerLink, 1)
	unsub := bob.OnIncomingCall(func(call core.IncomingCall) {
		assert.Equal(t, aliceAddr, call.Address())
		link, err := call.Answer(context.Background(), nil)
		if assert.NoError(t, err) {
			answered <- link
		}
	})
	defer unsub()

	link, err := alice.ConnectToPeer(context.Background(), bobAddr, nil)
	require.NoError(t, err)
	assert.Equal(t, bobAddr, link.Address())

	var remote core.PeerLink
	select {
	case remote = <-answered:
	case <-time.After(3 * time.Second):
		t.Fatal("call not answered")
	}
	assert.Equal(t, link.ID(), remote.ID(), "both sides name the link by its call id")

	// hanging up on one side closes the other
	events := make(chan core.ConnectionEvent, 1)
	bob.OnConnectionEvent(func(ev core.ConnectionEvent) { events <- ev })
	require.NoError(t, link.Close())
	select {
	case ev := <-events:
		assert.Equal(t, aliceAddr, ev.Address)
		assert.Equal(t, remote.ID(), ev.LinkID)
		assert.Equal(t, core.LinkClosed, ev.Kind)
	case <-time.After(3 * time.Second):
		t.Fatal("bye not reported")
	}
}

func TestConnectToPeer_Rejected(t *testing.T) {
	srv := newServer(t)
	alice := newBackend(t, srv.url)
	bob := newBackend(t, srv.url)
	initialize(t, alice)
	bobAddr := initialize(t, bob)
	bob.OnIncomingCall(func(call core.IncomingCall) { call.Reject() })

	_, err := alice.ConnectToPeer(context.Background(), bobAddr, nil)
	assert.ErrorIs(t, err, ErrCallRejected)
}

func TestConnectToPeer_NoSubscriberRejects(t *testing.T) {
	srv := newServer(t)
	alice := newBackend(t, srv.url)
	bob := newBackend(t, srv.url)
	initialize(t, alice)
	bobAddr := initialize(t, bob)

	_, err := alice.ConnectToPeer(context.Background(), bobAddr, nil)
	assert.ErrorIs(t, err, ErrCallRejected)
}

func TestConnectToPeer_UnknownAddress(t *testing.T) {
	srv := newServer(t)
	alice := newBackend(t, srv.url)
	initialize(t, alice)

	_, err := alice.ConnectToPeer(context.Background(), "nobody", nil)
	assert.ErrorIs(t, err, ErrPeerUnreachable)
}

func TestConnectToPeer_NotInitialized(t *testing.T) {
	srv := newServer(t)
	alice := newBackend(t, srv.url)

	_, err := alice.ConnectToPeer(context.Background(), "bob", nil)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestIncomingCall_DecidedOnce(t *testing.T) {
	srv := newServer(t)
	alice := newBackend(t, srv.url)
	bob := newBackend(t, srv.url)
	initialize(t, alice)
	bobAddr := initialize(t, bob)

	second := make(chan error, 1)
	bob.OnIncomingCall(func(call core.IncomingCall) {
		call.Reject()
		_, err := call.Answer(context.Background(), nil)
		second <- err
	})
	_, err := alice.ConnectToPeer(context.Background(), bobAddr, nil)
	assert.ErrorIs(t, err, ErrCallRejected)
	assert.ErrorIs(t, <-second, ErrCallDecided)
}

func TestDisconnect_DeregistersAndClosesSignaling(t *testing.T) {
	srv := newServer(t)
	client := api.NewClient(srv.url, 2*time.Second)
	b, err := NewBackend(client, Options{})
	require.NoError(t, err)
	ctx := context.Background()

	created, err := client.CreateMeeting(ctx, "Alice")
	require.NoError(t, err)
	mid, pid := created.Meeting.ID, created.Participant.ID

	addr := initialize(t, b)
	require.NoError(t, b.RegisterPeer(ctx, mid, pid, addr))
	require.NoError(t, b.Heartbeat(ctx, mid, pid))
	peers, err := b.ListPeers(ctx, mid)
	require.NoError(t, err)
	require.Len(t, peers, 1)

	require.NoError(t, b.Disconnect(ctx, mid, pid))
	peers, err = b.ListPeers(ctx, mid)
	require.NoError(t, err)
	assert.Empty(t, peers)
	assert.Eventually(t, func() bool { return !srv.broker.Connected(addr) }, 2*time.Second, 10*time.Millisecond)

	// a new session dials again and gets a new address
	assert.NotEqual(t, addr, initialize(t, b))
}
