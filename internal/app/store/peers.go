package store

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/dkeye/Meet/internal/domain"
	"github.com/dkeye/Meet/internal/metrics"
	"github.com/rs/zerolog/log"
)

type peerKey struct {
	meeting     domain.MeetingID
	participant domain.ParticipantID
}

type registration struct {
	address  domain.PeerAddress
	name     string
	lastSeen time.Time
}

// Peers maps meeting participants to signaling addresses. A registration
// lives for ttl after its last heartbeat.
type Peers struct {
	meetings *Meetings
	metrics  *metrics.Metrics
	ttl      time.Duration

	mu   sync.Mutex
	regs map[peerKey]*registration
	now  func() time.Time
}

func NewPeers(meetings *Meetings, ttl time.Duration, m *metrics.Metrics) *Peers {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Peers{
		meetings: meetings,
		metrics:  m,
		ttl:      ttl,
		regs:     make(map[peerKey]*registration),
		now:      time.Now,
	}
}

// Register records addr for the participant, replacing an earlier address.
func (p *Peers) Register(meetingID domain.MeetingID, participantID domain.ParticipantID, addr domain.PeerAddress) error {
	m, ok := p.meetings.Get(meetingID)
	if !ok {
		return domain.ErrMeetingUnknown
	}
	if !m.IsActive {
		return domain.ErrMeetingClosed
	}
	part, ok := p.meetings.Participant(meetingID, participantID)
	if !ok || !part.Present() {
		return domain.ErrUnknownPeer
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.regs[peerKey{meetingID, participantID}] = &registration{
		address:  addr,
		name:     part.DisplayName,
		lastSeen: p.now(),
	}
	log.Debug().Str("module", "app.store").Int64("meeting", int64(meetingID)).
		Int64("participant", int64(participantID)).Str("peer", string(addr)).Msg("peer registered")
	return nil
}

// Heartbeat refreshes the registration. An ended meeting answers
// domain.ErrMeetingClosed so clients learn the meeting is over.
func (p *Peers) Heartbeat(meetingID domain.MeetingID, participantID domain.ParticipantID) error {
	m, ok := p.meetings.Get(meetingID)
	if !ok {
		return domain.ErrMeetingUnknown
	}
	if !m.IsActive {
		return domain.ErrMeetingClosed
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	reg, ok := p.regs[peerKey{meetingID, participantID}]
	if !ok || p.expiredLocked(reg, p.now()) {
		return domain.ErrUnknownPeer
	}
	reg.lastSeen = p.now()
	return nil
}

// List returns the live registrations of the meeting ordered by participant.
func (p *Peers) List(meetingID domain.MeetingID) []domain.PeerDescriptor {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	out := []domain.PeerDescriptor{}
	for k, reg := range p.regs {
		if k.meeting != meetingID || p.expiredLocked(reg, now) {
			continue
		}
		out = append(out, domain.PeerDescriptor{
			Address:       reg.address,
			ParticipantID: k.participant,
			DisplayName:   reg.name,
		})
	}
	slices.SortFunc(out, func(a, b domain.PeerDescriptor) int { return cmp.Compare(a.ParticipantID, b.ParticipantID) })
	return out
}

// Deregister removes the registration. Unknown registrations are ignored.
func (p *Peers) Deregister(meetingID domain.MeetingID, participantID domain.ParticipantID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.regs, peerKey{meetingID, participantID})
}

// DropMeeting removes every registration of the meeting.
func (p *Peers) DropMeeting(meetingID domain.MeetingID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for k := range p.regs {
		if k.meeting == meetingID {
			delete(p.regs, k)
		}
	}
}

// Lookup reports whether addr is registered in a meeting.
func (p *Peers) Lookup(addr domain.PeerAddress) (domain.MeetingID, domain.ParticipantID, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	for k, reg := range p.regs {
		if reg.address == addr && !p.expiredLocked(reg, now) {
			return k.meeting, k.participant, true
		}
	}
	return 0, 0, false
}

func (p *Peers) expiredLocked(reg *registration, now time.Time) bool {
	return now.Sub(reg.lastSeen) > p.ttl
}

// Sweep removes expired registrations and returns how many it removed.
func (p *Peers) Sweep() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	n := 0
	for k, reg := range p.regs {
		if p.expiredLocked(reg, now) {
			delete(p.regs, k)
			n++
		}
	}
	if n > 0 {
		p.metrics.PeersExpired(n)
		log.Debug().Str("module", "app.store").Int("expired", n).Msg("swept peer registrations")
	}
	return n
}

// Count is the number of registrations, expired ones included until swept.
func (p *Peers) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.regs)
}

// RunSweeper sweeps every interval until ctx is done.
func (p *Peers) RunSweeper(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = p.ttl / 3
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			p.Sweep()
		}
	}
}
