package orch

import (
	"context"
	"time"

	"github.com/dkeye/Meet/internal/app/reconcile"
	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
)

// scoped returns a context cancelled by whichever of ctx and the session
// token ends first.
func scoped(ctx context.Context, s *session) (context.Context, context.CancelFunc) {
	sctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.ctx, cancel)
	return sctx, func() {
		stop()
		cancel()
	}
}

// attachPeers subscribes to transport events, registers with signaling and
// starts the heartbeat and roster loops. It does nothing until a local stream
// exists, so a client without media never publishes an address.
func (o *Orchestrator) attachPeers(ctx context.Context, s *session) error {
	proceed := false
	if !o.step(s, func() {
		if s.attached || o.st.localStream == nil {
			return
		}
		s.attached = true
		proceed = true
	}) {
		return domain.ErrNotActive
	}
	if !proceed {
		return nil
	}

	unsubCall := o.signaling.OnIncomingCall(func(call core.IncomingCall) { o.onIncomingCall(s, call) })
	unsubEvent := o.signaling.OnConnectionEvent(func(ev core.ConnectionEvent) { o.onConnectionEvent(s, ev) })
	if !o.step(s, func() { s.unsubs = append(s.unsubs, unsubCall, unsubEvent) }) {
		unsubCall()
		unsubEvent()
		return domain.ErrNotActive
	}

	rctx, cancel := scoped(ctx, s)
	addr, err := s.registry.Register(rctx, s.meetingID, s.participantID)
	cancel()
	if err != nil {
		o.step(s, func() { s.attached = false })
		return err
	}

	s.registry.OnReaddress(func(addr domain.PeerAddress) {
		o.step(s, func() { o.setSelf(s, addr) })
	})
	started := o.step(s, func() {
		o.setSelf(s, addr)
		s.loops.Go(func() {
			s.registry.RunHeartbeat(s.ctx, func(error) {
				// teardown waits for this loop, so it cannot run here
				go o.endedRemotely(s)
			})
		})
		s.loops.Go(func() {
			s.registry.RunPolling(s.ctx, s.meetingID, func(peers []domain.PeerDescriptor, fresh bool) {
				o.onRoster(s, peers, fresh)
			})
		})
	})
	if !started {
		return domain.ErrNotActive
	}
	o.drainQueued(s)
	return nil
}

// setSelf records the local signaling address. Runs on the owner.
func (o *Orchestrator) setSelf(s *session, addr domain.PeerAddress) {
	s.self = addr
	if o.st.participant != nil {
		a := addr
		o.st.participant.PeerAddress = &a
	}
	for i := range o.st.participants {
		if o.st.participants[i].ID == s.participantID {
			a := addr
			o.st.participants[i].PeerAddress = &a
		}
	}
}

// onRoster runs one reconciliation pass on the polling goroutine. The dials of
// a pass settle before it returns, so two passes never overlap.
func (o *Orchestrator) onRoster(s *session, peers []domain.PeerDescriptor, fresh bool) {
	var (
		plan  []domain.PeerDescriptor
		local *core.MediaStream
	)
	if !o.step(s, func() {
		if !fresh {
			o.st.status = domain.StatusReconnecting
		} else {
			o.st.status = domain.StatusConnected
			clear(s.roster)
			for _, p := range peers {
				s.roster[p.Address] = p
			}
			o.refreshParticipants(s, peers)
		}
		local = o.outgoingOwned()
		if local == nil {
			return
		}
		plan = o.reconciler.Plan(s.self, peers, s.table)
	}) {
		return
	}
	if len(plan) == 0 {
		return
	}

	outcomes := o.reconciler.Dial(s.ctx, plan, local)
	var discard []core.PeerLink
	if !o.step(s, func() {
		for _, oc := range outcomes {
			res := s.table.ApplyOutcome(oc)
			switch res.Decision {
			case reconcile.Discarded:
				discard = append(discard, oc.Link)
			case reconcile.Replaced:
				discard = append(discard, res.Evicted.Link)
			}
		}
	}) {
		for _, oc := range outcomes {
			if oc.Link != nil {
				discard = append(discard, oc.Link)
			}
		}
	}
	o.closeLinks(discard)
}

// refreshParticipants rebuilds the participant list from a fresh roster: self
// first, then every other registered participant once.
func (o *Orchestrator) refreshParticipants(s *session, peers []domain.PeerDescriptor) {
	known := make(map[domain.ParticipantID]domain.Participant, len(o.st.participants))
	for _, p := range o.st.participants {
		known[p.ID] = p
	}
	seen := make(map[domain.ParticipantID]bool, len(peers)+1)
	out := make([]domain.Participant, 0, len(peers)+1)
	if o.st.participant != nil {
		out = append(out, *o.st.participant)
		seen[o.st.participant.ID] = true
	}
	for _, d := range peers {
		if seen[d.ParticipantID] {
			continue
		}
		seen[d.ParticipantID] = true
		p, ok := known[d.ParticipantID]
		if !ok {
			p = domain.Participant{ID: d.ParticipantID, MeetingID: s.meetingID, DisplayName: d.DisplayName}
		}
		addr := d.Address
		p.PeerAddress = &addr
		out = append(out, p)
	}
	o.st.participants = out
}

func (o *Orchestrator) onConnectionEvent(s *session, ev core.ConnectionEvent) {
	var gone *reconcile.Entry
	o.step(s, func() {
		if e, ok := s.table.Disconnect(ev); ok {
			gone = e
		}
	})
	if gone == nil {
		return
	}
	o.logger.Info().Str("addr", string(ev.Address)).Str("kind", string(ev.Kind)).Msg("peer disconnected")
	if err := gone.Link.Close(); err != nil {
		o.logger.Debug().Err(err).Str("addr", string(ev.Address)).Msg("close link")
	}
}

// onIncomingCall decides on an inbound handshake. Calls that arrive before the
// local stream and address exist wait in a bounded queue; on overflow the
// oldest waiting call is rejected.
func (o *Orchestrator) onIncomingCall(s *session, call core.IncomingCall) {
	addr := call.Address()
	var (
		local    *core.MediaStream
		queued   bool
		admitted bool
		overflow core.IncomingCall
	)
	ok := o.step(s, func() {
		local = o.outgoingOwned()
		if local == nil || s.self == "" {
			queued = true
			s.queued = append(s.queued, call)
			if len(s.queued) > o.inboundQueue() {
				overflow = s.queued[0]
				s.queued = s.queued[1:]
			}
			return
		}
		admitted = s.table.AdmitInbound(addr, s.self)
		if admitted {
			s.inflight.Add(1)
		}
	})
	switch {
	case !ok:
		call.Reject()
	case queued:
		o.logger.Debug().Str("addr", string(addr)).Msg("incoming call queued until media is ready")
		if overflow != nil {
			o.logger.Warn().Str("addr", string(overflow.Address())).Msg("incoming call queue full, rejecting oldest")
			overflow.Reject()
		}
	case !admitted:
		o.logger.Debug().Str("addr", string(addr)).Msg("incoming call rejected, link exists")
		call.Reject()
	default:
		go o.answer(s, call, local)
	}
}

func (o *Orchestrator) answer(s *session, call core.IncomingCall, local *core.MediaStream) {
	defer s.inflight.Done()
	addr := call.Address()

	ctx, cancel := context.WithTimeout(s.ctx, o.connectTimeout())
	link, err := call.Answer(ctx, local)
	cancel()
	if err != nil {
		o.logger.Warn().Err(err).Str("addr", string(addr)).Msg("answer failed")
	}

	var discard []core.PeerLink
	if !o.step(s, func() {
		peer, ok := s.roster[addr]
		if !ok {
			peer = domain.PeerDescriptor{Address: addr}
		}
		res := s.table.ApplyInbound(peer, link, err)
		switch res.Decision {
		case reconcile.Discarded:
			discard = append(discard, link)
		case reconcile.Replaced:
			discard = append(discard, res.Evicted.Link)
		}
	}) && link != nil {
		discard = append(discard, link)
	}
	o.closeLinks(discard)
}

// drainQueued replays waiting inbound calls; those that still cannot be
// answered go back into the queue.
func (o *Orchestrator) drainQueued(s *session) {
	var calls []core.IncomingCall
	o.step(s, func() {
		calls = s.queued
		s.queued = nil
	})
	for _, c := range calls {
		o.onIncomingCall(s, c)
	}
}

func (o *Orchestrator) closeLinks(links []core.PeerLink) {
	for _, l := range links {
		if l == nil {
			continue
		}
		if err := l.Close(); err != nil {
			o.logger.Debug().Err(err).Str("addr", string(l.Address())).Msg("close discarded link")
		}
	}
}

// liveLinksOwned returns every link in the table.
func liveLinksOwned(s *session) []core.PeerLink {
	entries := s.table.Entries()
	out := make([]core.PeerLink, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Link)
	}
	return out
}

func (o *Orchestrator) connectTimeout() time.Duration {
	if d := o.opts.Session.ConnectTimeout; d > 0 {
		return d
	}
	return 15 * time.Second
}

func (o *Orchestrator) inboundQueue() int {
	if n := o.opts.Session.InboundQueue; n > 0 {
		return n
	}
	return 8
}
