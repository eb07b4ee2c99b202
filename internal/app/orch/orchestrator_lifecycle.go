package orch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/Meet/internal/app/reconcile"
	"github.com/dkeye/Meet/internal/app/registry"
	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
	"github.com/sourcegraph/conc"
)

// session is everything that lives between a successful create/join and
// teardown. Its ctx is the cancellation token checked by every async result.
type session struct {
	ctx    context.Context
	cancel context.CancelFunc

	// attempt is the lifecycle attempt that created the session.
	attempt       uint64
	meetingID     domain.MeetingID
	participantID domain.ParticipantID

	registry *registry.Client
	table    *reconcile.Table
	self     domain.PeerAddress
	attached bool
	// roster is the last polled roster by address, for naming inbound peers.
	roster map[domain.PeerAddress]domain.PeerDescriptor
	queued []core.IncomingCall

	loops    conc.WaitGroup
	inflight sync.WaitGroup
	unsubs   []func()

	teardownOnce sync.Once
}

func (o *Orchestrator) newSession(attempt uint64, meetingID domain.MeetingID, participantID domain.ParticipantID) *session {
	ctx, cancel := context.WithCancel(o.ctx)
	return &session{
		ctx:           ctx,
		cancel:        cancel,
		attempt:       attempt,
		meetingID:     meetingID,
		participantID: participantID,
		registry:      registry.NewClient(o.signaling, o.regOpts),
		table:         reconcile.NewTable(),
		roster:        make(map[domain.PeerAddress]domain.PeerDescriptor),
	}
}

// begin moves idle/ended to the given transient phase and returns the
// attempt number that later steps of the same operation must match.
func (o *Orchestrator) begin(phase Phase, status domain.ConnectionStatus) (uint64, error) {
	var (
		attempt uint64
		err     = domain.ErrBusy
	)
	o.apply(func() {
		if o.st.phase != PhaseIdle && o.st.phase != PhaseEnded {
			return
		}
		o.attempts++
		attempt = o.attempts
		o.st = state{
			attempt: attempt,
			phase:   phase,
			status:  status,
			loading: true,
		}
		err = nil
	})
	return attempt, err
}

// fail records err and returns to idle, unless another operation has taken
// over the state since attempt began.
func (o *Orchestrator) fail(attempt uint64, err error) error {
	o.apply(func() {
		if o.st.attempt != attempt {
			return
		}
		o.st = state{
			phase:  PhaseIdle,
			status: domain.StatusDisconnected,
			err:    err,
		}
	})
	o.logger.Warn().Err(err).Msg("lifecycle operation failed")
	return err
}

// CreateMeeting creates a meeting owned by this client and makes it active.
// Local media and peer discovery are brought up afterwards; a media failure at
// that point is surfaced in Snapshot().Error but does not undo the create.
func (o *Orchestrator) CreateMeeting(ctx context.Context, displayName string) (*core.CreateResult, error) {
	name, err := domain.NormalizeDisplayName(displayName)
	if err != nil {
		return nil, err
	}
	attempt, err := o.begin(PhaseCreating, domain.StatusConnecting)
	if err != nil {
		return nil, err
	}

	res, err := o.meetings.CreateMeeting(ctx, name)
	if err != nil {
		return nil, o.fail(attempt, fmt.Errorf("create meeting: %w", err))
	}

	s := o.newSession(attempt, res.Meeting.ID, res.Participant.ID)
	meeting, participant := res.Meeting, res.Participant
	published := false
	o.apply(func() {
		if o.st.attempt != attempt {
			return
		}
		published = true
		o.st.phase = PhaseActive
		o.st.meeting = &meeting
		o.st.participant = &participant
		o.st.participants = []domain.Participant{participant}
		o.st.owner = true
		o.st.joinURL = res.JoinURL
		o.st.mediaState = domain.DefaultMediaState()
		o.st.status = domain.StatusConnected
		o.st.loading = false
		o.st.sess = s
	})
	if !published {
		s.cancel()
		return nil, domain.ErrNotActive
	}
	o.logger.Info().Int64("meeting", int64(meeting.ID)).Int64("participant", int64(participant.ID)).Msg("meeting created")

	o.startChat(s)
	if err := o.attachMedia(ctx, s); err != nil {
		o.apply(func() { o.st.err = err })
		o.logger.Warn().Err(err).Msg("meeting created without local media")
		return res, nil
	}
	if err := o.attachPeers(ctx, s); err != nil {
		o.apply(func() { o.st.err = err })
		o.logger.Warn().Err(err).Msg("meeting created without peer discovery")
	}
	return res, nil
}

// JoinMeeting joins by token. On any failure the session is torn down, the
// orchestrator returns to idle, and no signaling registration is left behind.
func (o *Orchestrator) JoinMeeting(ctx context.Context, token, displayName string) (*core.JoinResult, error) {
	name, err := domain.NormalizeDisplayName(displayName)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrJoinRejected, err)
	}
	attempt, err := o.begin(PhaseJoining, domain.StatusConnecting)
	if err != nil {
		return nil, err
	}

	res, err := o.meetings.JoinMeeting(ctx, token, name)
	if err != nil {
		if !errors.Is(err, domain.ErrJoinRejected) {
			err = fmt.Errorf("%w: %w", domain.ErrJoinRejected, err)
		}
		return nil, o.fail(attempt, err)
	}

	s := o.newSession(attempt, res.Meeting.ID, res.Participant.ID)
	meeting, participant := res.Meeting, res.Participant
	published := false
	o.apply(func() {
		if o.st.attempt != attempt {
			return
		}
		published = true
		o.st.meeting = &meeting
		o.st.participant = &participant
		o.st.participants = res.Participants
		o.st.owner = participant.UserID != nil && *participant.UserID == meeting.CreatedBy
		o.st.sess = s
	})
	if !published {
		s.cancel()
		o.bestEffortLeave(s)
		return nil, domain.ErrNotActive
	}

	abort := func(err error) (*core.JoinResult, error) {
		if o.claim(s) {
			o.teardown(s)
			o.bestEffortLeave(s)
		} else {
			// someone else claimed it and runs teardown; wait for it
			o.teardown(s)
		}
		return nil, o.fail(attempt, err)
	}

	if err := o.attachMedia(ctx, s); err != nil {
		return abort(err)
	}
	if err := o.attachPeers(ctx, s); err != nil {
		return abort(err)
	}
	history, err := o.chat.FetchHistory(ctx, s.meetingID)
	if err != nil {
		return abort(fmt.Errorf("load chat history: %w", err))
	}
	if !o.step(s, func() {
		o.st.chat = history
		o.st.phase = PhaseActive
		o.st.status = domain.StatusConnected
		o.st.loading = false
	}) {
		return abort(domain.ErrNotActive)
	}
	o.startChat(s)

	o.logger.Info().Int64("meeting", int64(meeting.ID)).Int64("participant", int64(participant.ID)).
		Str("name", participant.DisplayName).Msg("joined meeting")
	return res, nil
}

// MeetingLink returns the shareable join URL of the current meeting.
func (o *Orchestrator) MeetingLink(ctx context.Context) (string, error) {
	var (
		s   *session
		url string
	)
	o.exec(func() {
		s = o.st.sess
		url = o.st.joinURL
	})
	if s == nil {
		return "", domain.ErrNotActive
	}
	if url != "" {
		return url, nil
	}
	url, err := o.meetings.GetMeetingLink(ctx, s.meetingID)
	if err != nil {
		return "", err
	}
	o.step(s, func() { o.st.joinURL = url })
	return url, nil
}

// claim detaches s from the orchestrator and invalidates its token. It reports
// whether s was still the live session.
func (o *Orchestrator) claim(s *session) bool {
	claimed := false
	o.apply(func() {
		if o.st.sess == s {
			o.st.sess = nil
			claimed = true
		}
	})
	s.cancel()
	return claimed
}

// claimCurrent detaches whatever session is live.
func (o *Orchestrator) claimCurrent() *session {
	var s *session
	o.apply(func() {
		s = o.st.sess
		o.st.sess = nil
		if s != nil {
			s.cancel()
		}
	})
	return s
}

// LeaveMeeting tears the session down and returns to idle. Without an active
// session it does nothing.
func (o *Orchestrator) LeaveMeeting(ctx context.Context) error {
	s := o.claimCurrent()
	if s == nil {
		o.apply(func() {
			if o.st.phase == PhaseEnded {
				o.st = state{phase: PhaseIdle, status: domain.StatusDisconnected}
			}
		})
		return nil
	}
	o.teardown(s)
	o.bestEffortLeave(s)
	o.apply(func() {
		if o.st.attempt != s.attempt {
			return
		}
		o.st = state{phase: PhaseIdle, status: domain.StatusDisconnected}
	})
	o.logger.Info().Int64("meeting", int64(s.meetingID)).Msg("left meeting")
	return nil
}

// EndMeeting ends the meeting for everyone. Only the owner may call it. The
// session ends up torn down with MeetingEnded set; calling it without an
// active session does nothing.
func (o *Orchestrator) EndMeeting(ctx context.Context) error {
	var (
		s   *session
		err error
	)
	o.apply(func() {
		s = o.st.sess
		switch {
		case s == nil || o.st.ending:
			s = nil
		case !o.st.owner:
			err = domain.ErrNotOwner
			o.st.err = err
			s = nil
		default:
			o.st.ending = true
		}
	})
	if s == nil {
		return err
	}

	if err := o.meetings.EndMeeting(ctx, s.meetingID); err != nil && !errors.Is(err, domain.ErrMeetingClosed) {
		err = fmt.Errorf("end meeting: %w", err)
		o.apply(func() {
			o.st.ending = false
			o.st.err = err
		})
		return err
	}
	o.finishEnded(s)
	return nil
}

// endedRemotely runs when the backend reports the meeting closed.
func (o *Orchestrator) endedRemotely(s *session) {
	o.logger.Info().Int64("meeting", int64(s.meetingID)).Msg("meeting ended by owner")
	o.finishEnded(s)
}

func (o *Orchestrator) finishEnded(s *session) {
	if !o.claim(s) {
		return
	}
	o.teardown(s)
	now := o.opts.Now()
	o.apply(func() {
		if o.st.attempt != s.attempt {
			return
		}
		o.st.phase = PhaseEnded
		o.st.meetingEnded = true
		o.st.ending = false
		o.st.status = domain.StatusDisconnected
		o.st.localStream = nil
		o.st.screenStream = nil
		o.st.mediaState = domain.MediaState{}
		if o.st.meeting != nil {
			o.st.meeting.End(now)
		}
		if o.st.participant != nil {
			o.st.participant.Leave(now)
		}
	})
}

// teardown releases everything s holds. It runs at most once per session and
// never fails; errors are logged.
func (o *Orchestrator) teardown(s *session) {
	s.teardownOnce.Do(func() {
		s.cancel()
		for _, unsub := range s.unsubs {
			unsub()
		}
		s.loops.Wait()
		s.inflight.Wait()

		for _, call := range s.queued {
			call.Reject()
		}
		s.queued = nil
		for _, e := range s.table.Drain() {
			if err := e.Link.Close(); err != nil {
				o.logger.Warn().Err(err).Str("addr", string(e.Peer.Address)).Msg("close link")
			}
		}
		o.media.StopScreenShare()
		o.media.Release()

		ctx, cancel := context.WithTimeout(context.Background(), o.requestTimeout())
		defer cancel()
		s.registry.Disconnect(ctx, s.meetingID, s.participantID)
		o.logger.Info().Int64("meeting", int64(s.meetingID)).Msg("session torn down")
	})
}

func (o *Orchestrator) bestEffortLeave(s *session) {
	ctx, cancel := context.WithTimeout(context.Background(), o.requestTimeout())
	defer cancel()
	if err := o.meetings.LeaveMeeting(ctx, s.participantID, s.meetingID); err != nil {
		o.logger.Warn().Err(err).Int64("meeting", int64(s.meetingID)).Msg("leave meeting record failed")
	}
}
