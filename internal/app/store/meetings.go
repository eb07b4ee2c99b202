// Package store keeps the server's meetings, chat and peer registrations in
// memory.
package store

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
	"github.com/dkeye/Meet/internal/metrics"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type meetingRec struct {
	meeting      domain.Meeting
	participants map[domain.ParticipantID]*domain.Participant
}

type Meetings struct {
	mu       sync.RWMutex
	meetings map[domain.MeetingID]*meetingRec
	byToken  map[string]domain.MeetingID
	lastMID  domain.MeetingID
	lastPID  domain.ParticipantID

	publicURL string
	tokenTTL  time.Duration
	metrics   *metrics.Metrics
	now       func() time.Time
}

func NewMeetings(publicURL string, tokenTTL time.Duration, m *metrics.Metrics) *Meetings {
	if tokenTTL <= 0 {
		tokenTTL = 24 * time.Hour
	}
	return &Meetings{
		meetings:  make(map[domain.MeetingID]*meetingRec),
		byToken:   make(map[string]domain.MeetingID),
		publicURL: strings.TrimRight(publicURL, "/"),
		tokenTTL:  tokenTTL,
		metrics:   m,
		now:       time.Now,
	}
}

func (s *Meetings) joinURL(token string) string {
	return s.publicURL + "/join/" + token
}

// addParticipantLocked appends a participant to rec. Callers hold s.mu.
func (s *Meetings) addParticipantLocked(rec *meetingRec, name string, user *domain.UserID) domain.Participant {
	s.lastPID++
	p := &domain.Participant{
		ID:          s.lastPID,
		MeetingID:   rec.meeting.ID,
		DisplayName: name,
		JoinedAt:    s.now(),
		UserID:      user,
	}
	rec.participants[p.ID] = p
	return *p
}

// Create opens a meeting owned by owner, who joins it as its first participant.
func (s *Meetings) Create(owner domain.UserID, displayName string) (*core.CreateResult, error) {
	name, err := domain.NormalizeDisplayName(displayName)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.lastMID++
	rec := &meetingRec{
		meeting: domain.Meeting{
			ID:             s.lastMID,
			CreatedBy:      owner,
			CreatedAt:      now,
			Token:          uuid.NewString(),
			TokenExpiresAt: now.Add(s.tokenTTL),
			IsActive:       true,
		},
		participants: make(map[domain.ParticipantID]*domain.Participant),
	}
	s.meetings[rec.meeting.ID] = rec
	s.byToken[rec.meeting.Token] = rec.meeting.ID
	p := s.addParticipantLocked(rec, name, &owner)

	s.metrics.MeetingCreated()
	log.Info().Str("module", "app.store").Int64("meeting", int64(rec.meeting.ID)).Str("owner", string(owner)).Msg("meeting created")
	return &core.CreateResult{Meeting: rec.meeting, Participant: p, JoinURL: s.joinURL(rec.meeting.Token)}, nil
}

// Join adds a participant to the meeting behind token. Unknown, expired and
// ended meetings are rejected with domain.ErrJoinRejected.
func (s *Meetings) Join(token, displayName string, user *domain.UserID) (*core.JoinResult, error) {
	name, err := domain.NormalizeDisplayName(displayName)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrJoinRejected, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byToken[token]
	if !ok {
		return nil, fmt.Errorf("%w: %w", domain.ErrJoinRejected, domain.ErrMeetingUnknown)
	}
	rec := s.meetings[id]
	if !rec.meeting.Joinable(s.now()) {
		return nil, fmt.Errorf("%w: %w", domain.ErrJoinRejected, domain.ErrMeetingClosed)
	}
	p := s.addParticipantLocked(rec, name, user)
	log.Info().Str("module", "app.store").Int64("meeting", int64(id)).Int64("participant", int64(p.ID)).
		Str("name", name).Msg("participant joined")
	return &core.JoinResult{Meeting: rec.meeting, Participant: p, Participants: presentLocked(rec)}, nil
}

func presentLocked(rec *meetingRec) []domain.Participant {
	out := make([]domain.Participant, 0, len(rec.participants))
	for _, p := range rec.participants {
		if p.Present() {
			out = append(out, *p)
		}
	}
	slices.SortFunc(out, func(a, b domain.Participant) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// Leave stamps the participant's leave time. Leaving twice is not an error.
func (s *Meetings) Leave(participantID domain.ParticipantID, meetingID domain.MeetingID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.meetings[meetingID]
	if !ok {
		return domain.ErrMeetingUnknown
	}
	p, ok := rec.participants[participantID]
	if !ok {
		return domain.ErrUnknownPeer
	}
	p.Leave(s.now())
	return nil
}

// End closes the meeting for everyone. Only its creator may end it; ending an
// ended meeting is a no-op.
func (s *Meetings) End(meetingID domain.MeetingID, user domain.UserID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.meetings[meetingID]
	if !ok {
		return domain.ErrMeetingUnknown
	}
	if rec.meeting.CreatedBy != user {
		return domain.ErrNotOwner
	}
	if !rec.meeting.IsActive {
		return nil
	}
	now := s.now()
	rec.meeting.End(now)
	for _, p := range rec.participants {
		p.Leave(now)
	}
	s.metrics.MeetingEnded()
	log.Info().Str("module", "app.store").Int64("meeting", int64(meetingID)).Msg("meeting ended")
	return nil
}

// Link returns the shareable join URL.
func (s *Meetings) Link(meetingID domain.MeetingID) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.meetings[meetingID]
	if !ok {
		return "", domain.ErrMeetingUnknown
	}
	return s.joinURL(rec.meeting.Token), nil
}

func (s *Meetings) Get(meetingID domain.MeetingID) (domain.Meeting, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.meetings[meetingID]
	if !ok {
		return domain.Meeting{}, false
	}
	return rec.meeting, true
}

func (s *Meetings) Participant(meetingID domain.MeetingID, participantID domain.ParticipantID) (domain.Participant, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.meetings[meetingID]
	if !ok {
		return domain.Participant{}, false
	}
	p, ok := rec.participants[participantID]
	if !ok {
		return domain.Participant{}, false
	}
	return *p, true
}

// Participants returns who is still in the meeting.
func (s *Meetings) Participants(meetingID domain.MeetingID) ([]domain.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.meetings[meetingID]
	if !ok {
		return nil, domain.ErrMeetingUnknown
	}
	return presentLocked(rec), nil
}

// ActiveCount is the number of meetings that have not ended.
func (s *Meetings) ActiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, rec := range s.meetings {
		if rec.meeting.IsActive {
			n++
		}
	}
	return n
}
