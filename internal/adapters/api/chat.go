package api

import (
	"context"
	"net/http"

	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
)

var _ core.ChatService = (*Client)(nil)

func (c *Client) SendChatMessage(ctx context.Context, meetingID domain.MeetingID, participantID domain.ParticipantID, text string) (*domain.ChatMessage, error) {
	var msg domain.ChatMessage
	err := c.request(ctx, http.MethodPost, meetingPath(meetingID, "/chat"), core.SendChatRequest{ParticipantID: participantID, Text: text}, &msg)
	if err != nil {
		return nil, classify(err, map[int]error{
			http.StatusBadRequest:      domain.ErrEmptyMessage,
			http.StatusGone:            domain.ErrMeetingClosed,
			http.StatusTooManyRequests: domain.ErrRateLimited,
		})
	}
	return &msg, nil
}

func (c *Client) GetChatHistory(ctx context.Context, meetingID domain.MeetingID) ([]domain.ChatMessage, error) {
	var msgs []domain.ChatMessage
	if err := c.request(ctx, http.MethodGet, meetingPath(meetingID, "/chat"), nil, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}
