package http

import (
	"errors"
	"net/http"

	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
	"github.com/gin-gonic/gin"
)

// statusOf maps store errors onto HTTP status codes. Join rejections keep the
// status of their cause.
func statusOf(err error) int {
	switch {
	case errors.Is(err, domain.ErrMeetingUnknown):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrMeetingClosed):
		return http.StatusGone
	case errors.Is(err, domain.ErrNotOwner):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrUnknownPeer):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrEmptyMessage),
		errors.Is(err, domain.ErrDisplayNameEmpty),
		errors.Is(err, domain.ErrDisplayNameTooLong),
		errors.Is(err, domain.ErrJoinRejected):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func abortWith(c *gin.Context, err error) {
	c.AbortWithStatusJSON(statusOf(err), core.ErrorResponse{Error: err.Error()})
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, core.ErrorResponse{Error: msg})
}
