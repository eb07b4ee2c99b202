package domain

import (
	"strings"
	"time"
)

type MessageID int64

type ChatMessage struct {
	ID            MessageID     `json:"messageId"`
	MeetingID     MeetingID     `json:"meetingId"`
	ParticipantID ParticipantID `json:"participantId"`
	SenderName    string        `json:"senderName"`
	Text          string        `json:"messageText"`
	SentAt        time.Time     `json:"sentAt"`
}

// BlankText reports whether text carries nothing worth sending.
func BlankText(text string) bool {
	return strings.TrimSpace(text) == ""
}
