package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dkeye/Meet/internal/core/coretest"
	"github.com/dkeye/Meet/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastOptions() Options {
	return Options{
		HeartbeatInterval: 5 * time.Millisecond,
		PollInterval:      5 * time.Millisecond,
		PollTimeout:       50 * time.Millisecond,
		RequestTimeout:    50 * time.Millisecond,
	}
}

func TestRegister_StateMachine(t *testing.T) {
	sig := coretest.NewFakeSignaling()
	c := NewClient(sig, fastOptions())
	assert.Equal(t, Unregistered, c.State())

	addr, err := c.Register(context.Background(), 1, 2)
	require.NoError(t, err)
	assert.Equal(t, domain.PeerAddress("addr-1"), addr)
	assert.Equal(t, Registered, c.State())
	assert.Equal(t, addr, c.Address())

	_, err = c.Register(context.Background(), 1, 2)
	assert.Error(t, err, "a client registers once")

	c.Disconnect(context.Background(), 1, 2)
	assert.Equal(t, Deregistered, c.State())
	_, _, _, disconnects := sig.Counts()
	assert.Equal(t, 1, disconnects)

	c.Disconnect(context.Background(), 1, 2)
	_, _, _, disconnects = sig.Counts()
	assert.Equal(t, 1, disconnects, "second disconnect is a no-op")
}

func TestRegister_FailureIsRegistrationFailed(t *testing.T) {
	sig := coretest.NewFakeSignaling()
	sig.RegisterErr = domain.ErrMeetingClosed
	c := NewClient(sig, fastOptions())

	_, err := c.Register(context.Background(), 1, 2)
	assert.ErrorIs(t, err, domain.ErrRegistrationFailed)
	assert.ErrorIs(t, err, domain.ErrMeetingClosed)
	assert.Equal(t, Unregistered, c.State())

	// nothing to deregister
	c.Disconnect(context.Background(), 1, 2)
	_, _, _, disconnects := sig.Counts()
	assert.Zero(t, disconnects)
}

func TestDisconnect_SwallowsErrors(t *testing.T) {
	sig := coretest.NewFakeSignaling()
	sig.DisconnectErr = errors.New("offline")
	c := NewClient(sig, fastOptions())
	_, err := c.Register(context.Background(), 1, 2)
	require.NoError(t, err)

	assert.NotPanics(t, func() { c.Disconnect(context.Background(), 1, 2) })
	assert.Equal(t, Deregistered, c.State())
}

func TestPollRoster_KeepsPreviousOnFailure(t *testing.T) {
	sig := coretest.NewFakeSignaling()
	sig.Peers = []domain.PeerDescriptor{{Address: "A"}, {Address: "B"}}
	c := NewClient(sig, fastOptions())

	peers, fresh := c.PollRoster(context.Background(), 1)
	require.True(t, fresh)
	require.Len(t, peers, 2)

	sig.Set(func(f *coretest.FakeSignaling) { f.ListErr = errors.New("flaky") })
	peers, fresh = c.PollRoster(context.Background(), 1)
	assert.False(t, fresh)
	assert.Equal(t, []domain.PeerDescriptor{{Address: "A"}, {Address: "B"}}, peers)
}

func TestPollRoster_FirstFailureIsEmpty(t *testing.T) {
	sig := coretest.NewFakeSignaling()
	sig.ListErr = errors.New("down")
	c := NewClient(sig, fastOptions())

	peers, fresh := c.PollRoster(context.Background(), 1)
	assert.False(t, fresh)
	assert.Empty(t, peers)
}

func TestRunHeartbeat_OnlyWhileRegistered(t *testing.T) {
	sig := coretest.NewFakeSignaling()
	c := NewClient(sig, fastOptions())

	done := make(chan struct{})
	go func() {
		c.RunHeartbeat(context.Background(), nil)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("heartbeat kept running while unregistered")
	}
	_, beats, _, _ := sig.Counts()
	assert.Zero(t, beats)
}

func TestRunHeartbeat_ContinuesThroughPollFailures(t *testing.T) {
	sig := coretest.NewFakeSignaling()
	sig.ListErr = errors.New("poll down")
	c := NewClient(sig, fastOptions())
	_, err := c.Register(context.Background(), 1, 2)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.RunHeartbeat(ctx, nil)
	go c.RunPolling(ctx, 1, func([]domain.PeerDescriptor, bool) {})

	assert.Eventually(t, func() bool {
		_, beats, lists, _ := sig.Counts()
		return beats >= 3 && lists >= 3
	}, time.Second, 5*time.Millisecond)
}

func TestRunHeartbeat_RejectedWhenMeetingClosed(t *testing.T) {
	sig := coretest.NewFakeSignaling()
	c := NewClient(sig, fastOptions())
	_, err := c.Register(context.Background(), 1, 2)
	require.NoError(t, err)
	sig.Set(func(f *coretest.FakeSignaling) { f.HeartbeatErr = domain.ErrMeetingClosed })

	rejected := make(chan error, 1)
	done := make(chan struct{})
	go func() {
		c.RunHeartbeat(context.Background(), func(err error) { rejected <- err })
		close(done)
	}()

	select {
	case err := <-rejected:
		assert.ErrorIs(t, err, domain.ErrMeetingClosed)
	case <-time.After(time.Second):
		t.Fatal("rejection not reported")
	}
	<-done
}

func TestRunHeartbeat_RenewsExpiredRegistration(t *testing.T) {
	sig := coretest.NewFakeSignaling()
	c := NewClient(sig, fastOptions())
	addr, err := c.Register(context.Background(), 1, 2)
	require.NoError(t, err)
	readdressed := make(chan domain.PeerAddress, 8)
	c.OnReaddress(func(a domain.PeerAddress) { readdressed <- a })
	sig.Set(func(f *coretest.FakeSignaling) { f.HeartbeatErr = domain.ErrUnknownPeer })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.RunHeartbeat(ctx, func(error) { t.Error("expired registration reported as meeting closed") })

	select {
	case got := <-readdressed:
		assert.NotEqual(t, addr, got)
	case <-time.After(time.Second):
		t.Fatal("registration not renewed")
	}
	sig.Set(func(f *coretest.FakeSignaling) { f.HeartbeatErr = nil })
	register, _, _, _ := sig.Counts()
	assert.GreaterOrEqual(t, register, 2)
	assert.Equal(t, Registered, c.State())
}

func TestRunHeartbeat_RenewalKeepsAddressWhenConnectionSurvives(t *testing.T) {
	sig := coretest.NewFakeSignaling()
	sig.Addr = "same"
	c := NewClient(sig, fastOptions())
	_, err := c.Register(context.Background(), 1, 2)
	require.NoError(t, err)
	c.OnReaddress(func(domain.PeerAddress) { t.Error("address did not change") })
	sig.Set(func(f *coretest.FakeSignaling) { f.HeartbeatErr = domain.ErrUnknownPeer })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.RunHeartbeat(ctx, nil)
	assert.Eventually(t, func() bool {
		register, _, _, _ := sig.Counts()
		return register >= 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, domain.PeerAddress("same"), c.Address())
}

func TestRunHeartbeat_RenewalRefusedForClosedMeeting(t *testing.T) {
	sig := coretest.NewFakeSignaling()
	c := NewClient(sig, fastOptions())
	_, err := c.Register(context.Background(), 1, 2)
	require.NoError(t, err)
	sig.Set(func(f *coretest.FakeSignaling) {
		f.HeartbeatErr = domain.ErrUnknownPeer
		f.RegisterErr = domain.ErrMeetingClosed
	})

	rejected := make(chan error, 1)
	done := make(chan struct{})
	go func() {
		c.RunHeartbeat(context.Background(), func(err error) { rejected <- err })
		close(done)
	}()
	select {
	case err := <-rejected:
		assert.ErrorIs(t, err, domain.ErrMeetingClosed)
	case <-time.After(time.Second):
		t.Fatal("closed meeting not reported")
	}
	<-done
}

func TestRunHeartbeat_TransientFailureRetries(t *testing.T) {
	sig := coretest.NewFakeSignaling()
	sig.HeartbeatErr = errors.New("timeout")
	c := NewClient(sig, fastOptions())
	_, err := c.Register(context.Background(), 1, 2)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.RunHeartbeat(ctx, func(error) { t.Error("transient failure reported as rejection") })

	assert.Eventually(t, func() bool {
		_, beats, _, _ := sig.Counts()
		return beats >= 3
	}, time.Second, 5*time.Millisecond)
}

func TestRunPolling_PollsImmediatelyAndStopsOnCancel(t *testing.T) {
	sig := coretest.NewFakeSignaling()
	sig.Peers = []domain.PeerDescriptor{{Address: "A"}}
	c := NewClient(sig, Options{PollInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan []domain.PeerDescriptor, 1)
	done := make(chan struct{})
	go func() {
		c.RunPolling(ctx, 1, func(peers []domain.PeerDescriptor, fresh bool) {
			assert.True(t, fresh)
			got <- peers
		})
		close(done)
	}()

	select {
	case peers := <-got:
		assert.Len(t, peers, 1)
	case <-time.After(time.Second):
		t.Fatal("no immediate poll")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("polling did not stop")
	}
}
