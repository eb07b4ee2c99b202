// Package domain holds the meeting data model and its error values.
package domain

import "time"

type (
	MeetingID     int64
	ParticipantID int64
	UserID        string
)

type Meeting struct {
	ID             MeetingID  `json:"meetingId"`
	CreatedBy      UserID     `json:"createdBy"`
	CreatedAt      time.Time  `json:"createdAt"`
	Token          string     `json:"token"`
	TokenExpiresAt time.Time  `json:"tokenExpiresAt"`
	IsActive       bool       `json:"isActive"`
	EndedAt        *time.Time `json:"endedAt,omitempty"`
}

// Joinable reports whether the meeting accepts new participants at now.
func (m *Meeting) Joinable(now time.Time) bool {
	return m.IsActive && now.Before(m.TokenExpiresAt)
}

// End closes the meeting. Calling it on an ended meeting keeps the first end time.
func (m *Meeting) End(at time.Time) {
	if !m.IsActive {
		return
	}
	m.IsActive = false
	m.EndedAt = &at
}
