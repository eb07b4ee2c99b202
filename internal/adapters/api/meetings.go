package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
)

var _ core.MeetingService = (*Client)(nil)

func (c *Client) CreateMeeting(ctx context.Context, displayName string) (*core.CreateResult, error) {
	var res core.CreateResult
	if err := c.request(ctx, http.MethodPost, "/api/meetings", core.CreateMeetingRequest{DisplayName: displayName}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// JoinMeeting reports every refusal by the server as domain.ErrJoinRejected,
// additionally wrapping ErrMeetingUnknown or ErrMeetingClosed when known.
func (c *Client) JoinMeeting(ctx context.Context, token, displayName string) (*core.JoinResult, error) {
	var res core.JoinResult
	err := c.request(ctx, http.MethodPost, "/api/meetings/join", core.JoinMeetingRequest{Token: token, DisplayName: displayName}, &res)
	if err != nil {
		err = classify(err, map[int]error{
			http.StatusNotFound:   fmt.Errorf("%w: %w", domain.ErrJoinRejected, domain.ErrMeetingUnknown),
			http.StatusGone:       fmt.Errorf("%w: %w", domain.ErrJoinRejected, domain.ErrMeetingClosed),
			http.StatusBadRequest: domain.ErrJoinRejected,
		})
		return nil, err
	}
	return &res, nil
}

func (c *Client) LeaveMeeting(ctx context.Context, participantID domain.ParticipantID, meetingID domain.MeetingID) error {
	return c.request(ctx, http.MethodPost, meetingPath(meetingID, "/leave"), core.LeaveMeetingRequest{ParticipantID: participantID}, nil)
}

func (c *Client) EndMeeting(ctx context.Context, meetingID domain.MeetingID) error {
	err := c.request(ctx, http.MethodPost, meetingPath(meetingID, "/end"), nil, nil)
	return classify(err, map[int]error{
		http.StatusForbidden: domain.ErrNotOwner,
		http.StatusNotFound:  domain.ErrMeetingUnknown,
		http.StatusGone:      domain.ErrMeetingClosed,
	})
}

func (c *Client) GetMeetingLink(ctx context.Context, meetingID domain.MeetingID) (string, error) {
	var res core.LinkResponse
	if err := c.request(ctx, http.MethodGet, meetingPath(meetingID, "/link"), nil, &res); err != nil {
		return "", err
	}
	return res.JoinURL, nil
}
