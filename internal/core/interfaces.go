package core

import (
	"context"

	"github.com/dkeye/Meet/internal/domain"
)

type CreateResult struct {
	Meeting     domain.Meeting     `json:"meeting"`
	Participant domain.Participant `json:"participant"`
	JoinURL     string             `json:"joinUrl"`
}

type JoinResult struct {
	Meeting      domain.Meeting       `json:"meeting"`
	Participant  domain.Participant   `json:"participant"`
	Participants []domain.Participant `json:"participants"`
}

// MeetingService is the meeting-record service.
type MeetingService interface {
	CreateMeeting(ctx context.Context, displayName string) (*CreateResult, error)
	JoinMeeting(ctx context.Context, token, displayName string) (*JoinResult, error)
	LeaveMeeting(ctx context.Context, participantID domain.ParticipantID, meetingID domain.MeetingID) error
	EndMeeting(ctx context.Context, meetingID domain.MeetingID) error
	GetMeetingLink(ctx context.Context, meetingID domain.MeetingID) (string, error)
}

// ChatService is the chat-history service.
type ChatService interface {
	SendChatMessage(ctx context.Context, meetingID domain.MeetingID, participantID domain.ParticipantID, text string) (*domain.ChatMessage, error)
	// GetChatHistory returns messages oldest first.
	GetChatHistory(ctx context.Context, meetingID domain.MeetingID) ([]domain.ChatMessage, error)
}
