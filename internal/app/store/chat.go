package store

import (
	"slices"
	"sync"
	"time"

	"github.com/dkeye/Meet/internal/domain"
	"github.com/dkeye/Meet/internal/metrics"
)

// Chat is the per-meeting message log.
type Chat struct {
	meetings *Meetings
	limiter  *RateLimiter
	metrics  *metrics.Metrics

	mu     sync.RWMutex
	logs   map[domain.MeetingID][]domain.ChatMessage
	lastID domain.MessageID
	now    func() time.Time
}

func NewChat(meetings *Meetings, limiter *RateLimiter, m *metrics.Metrics) *Chat {
	return &Chat{
		meetings: meetings,
		limiter:  limiter,
		metrics:  m,
		logs:     make(map[domain.MeetingID][]domain.ChatMessage),
		now:      time.Now,
	}
}

// Append stores a message from a present participant of an active meeting.
func (c *Chat) Append(meetingID domain.MeetingID, participantID domain.ParticipantID, text string) (*domain.ChatMessage, error) {
	if domain.BlankText(text) {
		return nil, domain.ErrEmptyMessage
	}
	m, ok := c.meetings.Get(meetingID)
	if !ok {
		return nil, domain.ErrMeetingUnknown
	}
	if !m.IsActive {
		return nil, domain.ErrMeetingClosed
	}
	p, ok := c.meetings.Participant(meetingID, participantID)
	if !ok || !p.Present() {
		return nil, domain.ErrUnknownPeer
	}
	if !c.limiter.Allow(participantID) {
		return nil, domain.ErrRateLimited
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastID++
	msg := domain.ChatMessage{
		ID:            c.lastID,
		MeetingID:     meetingID,
		ParticipantID: participantID,
		SenderName:    p.DisplayName,
		Text:          text,
		SentAt:        c.now(),
	}
	c.logs[meetingID] = append(c.logs[meetingID], msg)
	c.metrics.ChatMessage()
	return &msg, nil
}

// History returns the meeting's messages, oldest first.
func (c *Chat) History(meetingID domain.MeetingID) ([]domain.ChatMessage, error) {
	if _, ok := c.meetings.Get(meetingID); !ok {
		return nil, domain.ErrMeetingUnknown
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.logs[meetingID]), nil
}
