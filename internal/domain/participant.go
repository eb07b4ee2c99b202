package domain

import (
	"errors"
	"strings"
	"time"
	"unicode/utf8"
)

const MaxDisplayNameLen = 36

var (
	ErrDisplayNameTooLong = errors.New("display name too long")
	ErrDisplayNameEmpty   = errors.New("display name empty")
)

// PeerAddress is the opaque signaling address of one client.
type PeerAddress string

type Participant struct {
	ID          ParticipantID `json:"participantId"`
	MeetingID   MeetingID     `json:"meetingId"`
	DisplayName string        `json:"displayName"`
	JoinedAt    time.Time     `json:"joinedAt"`
	LeftAt      *time.Time    `json:"leftAt,omitempty"`
	PeerAddress *PeerAddress  `json:"peerId,omitempty"`
	UserID      *UserID       `json:"userId,omitempty"`
}

// Present reports whether the participant has not left yet.
func (p *Participant) Present() bool { return p.LeftAt == nil }

// Leave stamps the leave time once.
func (p *Participant) Leave(at time.Time) {
	if p.LeftAt == nil {
		p.LeftAt = &at
	}
}

// NormalizeDisplayName trims and validates a display name.
func NormalizeDisplayName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", ErrDisplayNameEmpty
	}
	if utf8.RuneCountInString(name) > MaxDisplayNameLen {
		return "", ErrDisplayNameTooLong
	}
	return name, nil
}

// PeerDescriptor is one entry of a polled roster. Never persisted.
type PeerDescriptor struct {
	Address       PeerAddress   `json:"peerId"`
	ParticipantID ParticipantID `json:"participantId"`
	DisplayName   string        `json:"displayName"`
}
