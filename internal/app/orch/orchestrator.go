// Package orch runs one client's meeting session: lifecycle, local media,
// peer connections and chat, all mutated from a single owner goroutine.
package orch

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/dkeye/Meet/internal/app/chat"
	"github.com/dkeye/Meet/internal/app/media"
	"github.com/dkeye/Meet/internal/app/reconcile"
	"github.com/dkeye/Meet/internal/app/registry"
	"github.com/dkeye/Meet/internal/config"
	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhaseCreating Phase = "creating"
	PhaseJoining  Phase = "joining"
	PhaseActive   Phase = "active"
	PhaseEnded    Phase = "ended"
)

type Deps struct {
	Meetings  core.MeetingService
	Chat      core.ChatService
	Signaling core.SignalingBackend
	Media     core.MediaProvider
}

type Options struct {
	Session config.Session
	Media   config.Media
	// Now is the clock; time.Now when nil.
	Now func() time.Time
}

// RemoteStream is the read-only view of one connection entry.
type RemoteStream struct {
	Address       domain.PeerAddress   `json:"peerId"`
	ParticipantID domain.ParticipantID `json:"participantId"`
	DisplayName   string               `json:"displayName"`
	StreamID      string               `json:"streamId"`
	Direction     reconcile.Direction  `json:"direction"`
	Failed        bool                 `json:"failed"`
}

// Snapshot is a copy of the observable session state.
type Snapshot struct {
	Phase            Phase
	Meeting          *domain.Meeting
	Participant      *domain.Participant
	Participants     []domain.Participant
	ChatMessages     []domain.ChatMessage
	LocalStream      *core.MediaStream
	ScreenStream     *core.MediaStream
	RemoteStreams    []RemoteStream
	MediaState       domain.MediaState
	MeetingEnded     bool
	ConnectionStatus domain.ConnectionStatus
	Loading          bool
	Error            error
	IsOwner          bool
	JoinURL          string
}

// state is owned by the run goroutine; only closures passed to exec touch it.
type state struct {
	attempt      uint64
	phase        Phase
	meeting      *domain.Meeting
	participant  *domain.Participant
	participants []domain.Participant
	chat         []domain.ChatMessage
	localStream  *core.MediaStream
	screenStream *core.MediaStream
	mediaState   domain.MediaState
	meetingEnded bool
	status       domain.ConnectionStatus
	loading      bool
	err          error
	owner        bool
	joinURL      string
	ending       bool

	sess *session
}

type Orchestrator struct {
	meetings   core.MeetingService
	signaling  core.SignalingBackend
	media      *media.Controller
	chat       *chat.Synchronizer
	reconciler *reconcile.Reconciler
	regOpts    registry.Options
	opts       Options
	logger     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	ops    chan func()
	dirty  chan struct{}

	st       state
	attempts uint64

	listenerMu sync.Mutex
	listeners  map[int]func(Snapshot)
	nextID     int

	closeOnce sync.Once
}

func New(deps Deps, opts Options) *Orchestrator {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		meetings:   deps.Meetings,
		signaling:  deps.Signaling,
		media:      media.NewController(deps.Media),
		chat:       chat.NewSynchronizer(deps.Chat, opts.Session.ChatInterval, opts.Session.RequestTimeout),
		reconciler: reconcile.New(deps.Signaling, opts.Session.MaxDials, opts.Session.ConnectTimeout),
		regOpts: registry.Options{
			HeartbeatInterval: opts.Session.HeartbeatInterval,
			PollInterval:      opts.Session.PollInterval,
			PollTimeout:       opts.Session.PollTimeout,
			RequestTimeout:    opts.Session.RequestTimeout,
		},
		opts:      opts,
		logger:    log.With().Str("module", "app.orch").Logger(),
		ctx:       ctx,
		cancel:    cancel,
		ops:       make(chan func()),
		dirty:     make(chan struct{}, 1),
		listeners: make(map[int]func(Snapshot)),
		st: state{
			phase:  PhaseIdle,
			status: domain.StatusDisconnected,
		},
	}
	go o.run()
	go o.notifyLoop()
	return o
}

func (o *Orchestrator) run() {
	for {
		select {
		case <-o.ctx.Done():
			return
		case op := <-o.ops:
			op()
		}
	}
}

// exec runs fn on the owner goroutine and waits for it. It reports false if
// the orchestrator is closed. fn must not block or call exec.
func (o *Orchestrator) exec(fn func()) bool {
	done := make(chan struct{})
	op := func() {
		defer close(done)
		fn()
	}
	select {
	case o.ops <- op:
	case <-o.ctx.Done():
		return false
	}
	<-done
	return true
}

// apply is exec for closures that mutate state; subscribers get notified.
func (o *Orchestrator) apply(fn func()) bool {
	return o.exec(func() {
		fn()
		o.markDirty()
	})
}

// step is apply guarded by the session token: fn runs only while s is still
// the live session.
func (o *Orchestrator) step(s *session, fn func()) bool {
	ran := false
	o.apply(func() {
		if o.st.sess != s || s.ctx.Err() != nil {
			return
		}
		fn()
		ran = true
	})
	return ran
}

func (o *Orchestrator) markDirty() {
	select {
	case o.dirty <- struct{}{}:
	default:
	}
}

// Subscribe registers fn to receive a snapshot after state changes. Bursts of
// changes are coalesced. It returns a function that removes the listener.
func (o *Orchestrator) Subscribe(fn func(Snapshot)) func() {
	if fn == nil {
		return func() {}
	}
	o.listenerMu.Lock()
	id := o.nextID
	o.nextID++
	o.listeners[id] = fn
	o.listenerMu.Unlock()
	return func() {
		o.listenerMu.Lock()
		delete(o.listeners, id)
		o.listenerMu.Unlock()
	}
}

func (o *Orchestrator) notifyLoop() {
	for {
		select {
		case <-o.ctx.Done():
			return
		case <-o.dirty:
		}
		o.listenerMu.Lock()
		fns := make([]func(Snapshot), 0, len(o.listeners))
		for _, fn := range o.listeners {
			fns = append(fns, fn)
		}
		o.listenerMu.Unlock()
		if len(fns) == 0 {
			continue
		}
		snap := o.Snapshot()
		for _, fn := range fns {
			func() {
				defer func() {
					if r := recover(); r != nil {
						o.logger.Error().Interface("panic", r).Msg("listener panicked")
					}
				}()
				fn(snap)
			}()
		}
	}
}

// Snapshot returns a copy of the current observable state.
func (o *Orchestrator) Snapshot() Snapshot {
	var snap Snapshot
	o.exec(func() { snap = o.snapshotOwned() })
	return snap
}

func (o *Orchestrator) snapshotOwned() Snapshot {
	st := &o.st
	snap := Snapshot{
		Phase:            st.phase,
		Participants:     slices.Clone(st.participants),
		ChatMessages:     slices.Clone(st.chat),
		LocalStream:      st.localStream,
		ScreenStream:     st.screenStream,
		MediaState:       st.mediaState,
		MeetingEnded:     st.meetingEnded,
		ConnectionStatus: st.status,
		Loading:          st.loading,
		Error:            st.err,
		IsOwner:          st.owner,
		JoinURL:          st.joinURL,
	}
	if st.meeting != nil {
		m := *st.meeting
		snap.Meeting = &m
	}
	if st.participant != nil {
		p := *st.participant
		snap.Participant = &p
	}
	if s := st.sess; s != nil {
		for _, e := range s.table.Entries() {
			snap.RemoteStreams = append(snap.RemoteStreams, RemoteStream{
				Address:       e.Peer.Address,
				ParticipantID: e.Peer.ParticipantID,
				DisplayName:   e.Peer.DisplayName,
				StreamID:      e.Link.StreamID(),
				Direction:     e.Direction,
				Failed:        e.Link.Failed(),
			})
		}
	}
	return snap
}

// RemoteLink returns the live link for addr, for renderers that need the
// underlying transport.
func (o *Orchestrator) RemoteLink(addr domain.PeerAddress) (core.PeerLink, bool) {
	var (
		link core.PeerLink
		ok   bool
	)
	o.exec(func() {
		if s := o.st.sess; s != nil {
			var e *reconcile.Entry
			if e, ok = s.table.Get(addr); ok {
				link = e.Link
			}
		}
	})
	return link, ok
}

// Close tears down any session the way LeaveMeeting does and stops the
// orchestrator. Safe to call more than once and concurrently with LeaveMeeting.
func (o *Orchestrator) Close() error {
	o.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), o.requestTimeout())
		defer cancel()
		_ = o.LeaveMeeting(ctx)
		o.cancel()
	})
	return nil
}

func (o *Orchestrator) requestTimeout() time.Duration {
	if d := o.opts.Session.RequestTimeout; d > 0 {
		return d
	}
	return 10 * time.Second
}
