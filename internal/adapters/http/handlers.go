package http

import (
	"net/http"
	"strconv"

	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

type handlers struct {
	Deps
}

func meetingParam(c *gin.Context) (domain.MeetingID, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		badRequest(c, "invalid meeting id")
		return 0, false
	}
	return domain.MeetingID(id), true
}

func participantParam(c *gin.Context) (domain.ParticipantID, bool) {
	id, err := strconv.ParseInt(c.Param("pid"), 10, 64)
	if err != nil || id <= 0 {
		badRequest(c, "invalid participant id")
		return 0, false
	}
	return domain.ParticipantID(id), true
}

func (h *handlers) createMeeting(c *gin.Context) {
	var req core.CreateMeetingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid body")
		return
	}
	res, err := h.Meetings.Create(clientID(c), req.DisplayName)
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

func (h *handlers) joinMeeting(c *gin.Context) {
	var req core.JoinMeetingRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Token == "" {
		badRequest(c, "invalid body")
		return
	}
	user := clientID(c)
	res, err := h.Meetings.Join(req.Token, req.DisplayName, &user)
	if err != nil {
		log.Debug().Err(err).Str("module", "adapters.http").Msg("join rejected")
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *handlers) leaveMeeting(c *gin.Context) {
	mid, ok := meetingParam(c)
	if !ok {
		return
	}
	var req core.LeaveMeetingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid body")
		return
	}
	if err := h.Meetings.Leave(req.ParticipantID, mid); err != nil {
		abortWith(c, err)
		return
	}
	h.Peers.Deregister(mid, req.ParticipantID)
	c.Status(http.StatusNoContent)
}

func (h *handlers) endMeeting(c *gin.Context) {
	mid, ok := meetingParam(c)
	if !ok {
		return
	}
	if err := h.Meetings.End(mid, clientID(c)); err != nil {
		abortWith(c, err)
		return
	}
	h.Peers.DropMeeting(mid)
	c.Status(http.StatusNoContent)
}

func (h *handlers) meetingLink(c *gin.Context) {
	mid, ok := meetingParam(c)
	if !ok {
		return
	}
	link, err := h.Meetings.Link(mid)
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, core.LinkResponse{JoinURL: link})
}

func (h *handlers) participants(c *gin.Context) {
	mid, ok := meetingParam(c)
	if !ok {
		return
	}
	list, err := h.Meetings.Participants(mid)
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (h *handlers) chatHistory(c *gin.Context) {
	mid, ok := meetingParam(c)
	if !ok {
		return
	}
	msgs, err := h.Chat.History(mid)
	if err != nil {
		abortWith(c, err)
		return
	}
	if msgs == nil {
		msgs = []domain.ChatMessage{}
	}
	c.JSON(http.StatusOK, msgs)
}

func (h *handlers) sendChat(c *gin.Context) {
	mid, ok := meetingParam(c)
	if !ok {
		return
	}
	var req core.SendChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid body")
		return
	}
	msg, err := h.Chat.Append(mid, req.ParticipantID, req.Text)
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

func (h *handlers) listPeers(c *gin.Context) {
	mid, ok := meetingParam(c)
	if !ok {
		return
	}
	if _, found := h.Meetings.Get(mid); !found {
		abortWith(c, domain.ErrMeetingUnknown)
		return
	}
	c.JSON(http.StatusOK, h.Peers.List(mid))
}

func (h *handlers) registerPeer(c *gin.Context) {
	mid, ok := meetingParam(c)
	if !ok {
		return
	}
	var req core.RegisterPeerRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Address == "" {
		badRequest(c, "invalid body")
		return
	}
	if h.Broker != nil && !h.Broker.Connected(req.Address) {
		badRequest(c, "peer address is not connected")
		return
	}
	if err := h.Peers.Register(mid, req.ParticipantID, req.Address); err != nil {
		abortWith(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) heartbeat(c *gin.Context) {
	mid, ok := meetingParam(c)
	if !ok {
		return
	}
	pid, ok := participantParam(c)
	if !ok {
		return
	}
	if err := h.Peers.Heartbeat(mid, pid); err != nil {
		abortWith(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) deregisterPeer(c *gin.Context) {
	mid, ok := meetingParam(c)
	if !ok {
		return
	}
	pid, ok := participantParam(c)
	if !ok {
		return
	}
	h.Peers.Deregister(mid, pid)
	c.Status(http.StatusNoContent)
}
