package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
)

// The registration half of core.SignalingBackend.

func (c *Client) RegisterPeer(ctx context.Context, meetingID domain.MeetingID, participantID domain.ParticipantID, addr domain.PeerAddress) error {
	err := c.request(ctx, http.MethodPost, meetingPath(meetingID, "/peers"), core.RegisterPeerRequest{ParticipantID: participantID, Address: addr}, nil)
	return classify(err, map[int]error{
		http.StatusGone:     domain.ErrMeetingClosed,
		http.StatusNotFound: domain.ErrMeetingUnknown,
	})
}

// Heartbeat answers domain.ErrMeetingClosed once the meeting has ended.
func (c *Client) Heartbeat(ctx context.Context, meetingID domain.MeetingID, participantID domain.ParticipantID) error {
	err := c.request(ctx, http.MethodPost, meetingPath(meetingID, fmt.Sprintf("/peers/%d/heartbeat", participantID)), nil, nil)
	return classify(err, map[int]error{
		http.StatusGone:     domain.ErrMeetingClosed,
		http.StatusNotFound: domain.ErrUnknownPeer,
	})
}

func (c *Client) ListPeers(ctx context.Context, meetingID domain.MeetingID) ([]domain.PeerDescriptor, error) {
	var peers []domain.PeerDescriptor
	if err := c.request(ctx, http.MethodGet, meetingPath(meetingID, "/peers"), nil, &peers); err != nil {
		return nil, err
	}
	return peers, nil
}

func (c *Client) DeregisterPeer(ctx context.Context, meetingID domain.MeetingID, participantID domain.ParticipantID) error {
	return c.request(ctx, http.MethodDelete, meetingPath(meetingID, fmt.Sprintf("/peers/%d", participantID)), nil, nil)
}
