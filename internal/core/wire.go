package core

import "github.com/dkeye/Meet/internal/domain"

// Request and response bodies of the meeting server's REST API.

type CreateMeetingRequest struct {
	DisplayName string `json:"displayName"`
}

type JoinMeetingRequest struct {
	Token       string `json:"token"`
	DisplayName string `json:"displayName"`
}

type LeaveMeetingRequest struct {
	ParticipantID domain.ParticipantID `json:"participantId"`
}

type LinkResponse struct {
	JoinURL string `json:"joinUrl"`
}

type SendChatRequest struct {
	ParticipantID domain.ParticipantID `json:"participantId"`
	Text          string               `json:"messageText"`
}

type RegisterPeerRequest struct {
	ParticipantID domain.ParticipantID `json:"participantId"`
	Address       domain.PeerAddress   `json:"peerId"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
