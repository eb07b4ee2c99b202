// Package registry keeps this client's registration with the signaling
// backend alive and serves the meeting roster.
package registry

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type State int32

const (
	Unregistered State = iota
	Registering
	Registered
	Deregistered
)

func (s State) String() string {
	switch s {
	case Unregistered:
		return "unregistered"
	case Registering:
		return "registering"
	case Registered:
		return "registered"
	case Deregistered:
		return "deregistered"
	}
	return "unknown"
}

var errBadState = errors.New("registry: invalid state for operation")

type Options struct {
	HeartbeatInterval time.Duration
	PollInterval      time.Duration
	PollTimeout       time.Duration
	RequestTimeout    time.Duration
}

// Client is single-use: once deregistered it stays that way.
type Client struct {
	backend core.SignalingBackend
	opts    Options
	logger  zerolog.Logger

	mu            sync.Mutex
	state         State
	meetingID     domain.MeetingID
	participantID domain.ParticipantID
	addr          domain.PeerAddress
	roster        []domain.PeerDescriptor
	onReaddress   func(domain.PeerAddress)
}

func NewClient(backend core.SignalingBackend, opts Options) *Client {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 10 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 3 * time.Second
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = 5 * time.Second
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	return &Client{
		backend: backend,
		opts:    opts,
		logger:  log.With().Str("module", "app.registry").Logger(),
	}
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Address returns the local signaling address once registered.
func (c *Client) Address() domain.PeerAddress {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addr
}

// OnReaddress sets fn to be called when a renewed registration came back with
// a new signaling address. Set it before RunHeartbeat starts.
func (c *Client) OnReaddress(fn func(domain.PeerAddress)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReaddress = fn
}

// Register obtains a signaling address and publishes it for the participant.
func (c *Client) Register(ctx context.Context, meetingID domain.MeetingID, participantID domain.ParticipantID) (domain.PeerAddress, error) {
	c.mu.Lock()
	if c.state != Unregistered {
		st := c.state
		c.mu.Unlock()
		return "", fmt.Errorf("%w: register while %s", errBadState, st)
	}
	c.state = Registering
	c.mu.Unlock()

	addr, err := c.register(ctx, meetingID, participantID)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Registering {
		// deregistered while the handshake was in flight
		if err == nil {
			dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.RequestTimeout)
			_ = c.backend.Disconnect(dctx, meetingID, participantID)
			cancel()
		}
		return "", fmt.Errorf("%w: deregistered during registration", domain.ErrRegistrationFailed)
	}
	if err != nil {
		c.state = Unregistered
		return "", err
	}
	c.state = Registered
	c.meetingID, c.participantID, c.addr = meetingID, participantID, addr
	c.logger.Info().Int64("meeting", int64(meetingID)).Int64("participant", int64(participantID)).
		Str("addr", string(addr)).Msg("registered")
	return addr, nil
}

func (c *Client) register(ctx context.Context, meetingID domain.MeetingID, participantID domain.ParticipantID) (domain.PeerAddress, error) {
	rctx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()

	addr, err := c.backend.InitializePeer(rctx)
	if err != nil {
		return "", fmt.Errorf("%w: initialize peer: %w", domain.ErrRegistrationFailed, err)
	}
	if err := c.backend.RegisterPeer(rctx, meetingID, participantID, addr); err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrRegistrationFailed, err)
	}
	return addr, nil
}

// RunHeartbeat pings the backend every HeartbeatInterval until ctx is done or
// the registration ends. Transient failures are logged and retried on the next
// tick; a registration the backend has expired is renewed; onRejected is
// called once if the backend reports the meeting closed.
func (c *Client) RunHeartbeat(ctx context.Context, onRejected func(error)) {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		c.mu.Lock()
		st, mid, pid := c.state, c.meetingID, c.participantID
		c.mu.Unlock()
		if st != Registered {
			c.logger.Debug().Str("state", st.String()).Msg("heartbeat stopped")
			return
		}

		hctx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
		err := c.backend.Heartbeat(hctx, mid, pid)
		cancel()
		switch {
		case err == nil:
			c.logger.Debug().Msg("heartbeat")
		case errors.Is(err, domain.ErrMeetingClosed):
			c.logger.Info().Err(err).Msg("heartbeat rejected")
			if onRejected != nil {
				onRejected(err)
			}
			return
		case errors.Is(err, domain.ErrUnknownPeer):
			if err := c.renew(ctx, mid, pid); err != nil {
				if errors.Is(err, domain.ErrMeetingClosed) {
					if onRejected != nil {
						onRejected(err)
					}
					return
				}
				if ctx.Err() != nil {
					return
				}
				c.logger.Warn().Err(err).Msg("registration renewal failed")
			}
		case ctx.Err() != nil:
			return
		default:
			c.logger.Warn().Err(err).Msg("heartbeat failed")
		}
	}
}

// renew registers again after the backend expired the registration. The
// signaling connection is reused when it is still open, so the address usually
// stays the same.
func (c *Client) renew(ctx context.Context, meetingID domain.MeetingID, participantID domain.ParticipantID) error {
	addr, err := c.register(ctx, meetingID, participantID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.state != Registered {
		c.mu.Unlock()
		return nil
	}
	changed := addr != c.addr
	c.addr = addr
	notify := c.onReaddress
	c.mu.Unlock()

	c.logger.Info().Str("addr", string(addr)).Bool("new_address", changed).Msg("registration renewed")
	if changed && notify != nil {
		notify(addr)
	}
	return nil
}

// PollRoster fetches the roster once, bounded by PollTimeout. On failure it
// returns the last successful roster and fresh=false.
func (c *Client) PollRoster(ctx context.Context, meetingID domain.MeetingID) (peers []domain.PeerDescriptor, fresh bool) {
	pctx, cancel := context.WithTimeout(ctx, c.opts.PollTimeout)
	defer cancel()

	got, err := c.backend.ListPeers(pctx, meetingID)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.logger.Warn().Err(err).Int("kept", len(c.roster)).Msg("roster poll failed, keeping previous roster")
		return slices.Clone(c.roster), false
	}
	c.roster = slices.Clone(got)
	return got, true
}

// RunPolling polls immediately and then every PollInterval, calling onRoster
// synchronously so two polls never overlap.
func (c *Client) RunPolling(ctx context.Context, meetingID domain.MeetingID, onRoster func(peers []domain.PeerDescriptor, fresh bool)) {
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()
	for {
		peers, fresh := c.PollRoster(ctx, meetingID)
		if ctx.Err() != nil {
			return
		}
		onRoster(peers, fresh)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Disconnect deregisters. Best-effort: failures are only logged.
func (c *Client) Disconnect(ctx context.Context, meetingID domain.MeetingID, participantID domain.ParticipantID) {
	c.mu.Lock()
	prev := c.state
	c.state = Deregistered
	c.mu.Unlock()
	if prev == Deregistered || prev == Unregistered {
		return
	}

	dctx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()
	if err := c.backend.Disconnect(dctx, meetingID, participantID); err != nil {
		c.logger.Warn().Err(err).Msg("deregister failed")
		return
	}
	c.logger.Info().Int64("meeting", int64(meetingID)).Int64("participant", int64(participantID)).Msg("deregistered")
}
