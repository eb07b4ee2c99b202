package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dkeye/Meet/internal/app/store"
	"github.com/dkeye/Meet/internal/config"
	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
	"github.com/dkeye/Meet/internal/metrics"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestRouter(t *testing.T) (*gin.Engine, Deps) {
	t.Helper()
	m := metrics.New()
	meetings := store.NewMeetings("http://meet.test", time.Hour, m)
	d := Deps{
		Meetings: meetings,
		Chat:     store.NewChat(meetings, store.NewRateLimiter(2, time.Minute), m),
		Peers:    store.NewPeers(meetings, time.Minute, m),
		Metrics:  m,
	}
	cfg := &config.Config{Mode: "test", Secret: "test-secret", PublicURL: "http://meet.test"}
	return SetupRouter(context.Background(), cfg, d), d
}

// browser keeps the session cookie between requests like a cookie jar would.
type browser struct {
	t       *testing.T
	r       *gin.Engine
	cookies []*http.Cookie
}

func (b *browser) do(method, path string, body any) *httptest.ResponseRecorder {
	b.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(b.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for _, c := range b.cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	b.r.ServeHTTP(rec, req)
	if set := rec.Result().Cookies(); len(set) > 0 {
		b.cookies = set
	}
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestMeetingLifecycle(t *testing.T) {
	r, _ := newTestRouter(t)
	owner := &browser{t: t, r: r}
	guest := &browser{t: t, r: r}

	rec := owner.do(http.MethodPost, "/api/meetings", core.CreateMeetingRequest{DisplayName: "Alice"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[core.CreateResult](t, rec)
	assert.Equal(t, "Alice", created.Participant.DisplayName)
	assert.True(t, strings.HasPrefix(created.JoinURL, "http://meet.test/join/"))

	rec = guest.do(http.MethodPost, "/api/meetings/join", core.JoinMeetingRequest{Token: created.Meeting.Token, DisplayName: "Bob"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	joined := decode[core.JoinResult](t, rec)
	assert.Len(t, joined.Participants, 2)

	base := fmt.Sprintf("/api/meetings/%d", created.Meeting.ID)
	rec = guest.do(http.MethodGet, base+"/link", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, created.JoinURL, decode[core.LinkResponse](t, rec).JoinURL)

	rec = guest.do(http.MethodPost, base+"/end", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code, "only the creator ends the meeting")

	rec = guest.do(http.MethodPost, base+"/leave", core.LeaveMeetingRequest{ParticipantID: joined.Participant.ID})
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = owner.do(http.MethodGet, base+"/participants", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]domain.Participant](t, rec), 1)

	rec = owner.do(http.MethodPost, base+"/end", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = guest.do(http.MethodPost, "/api/meetings/join", core.JoinMeetingRequest{Token: created.Meeting.Token, DisplayName: "Bob"})
	assert.Equal(t, http.StatusGone, rec.Code)
}

func TestJoinRejections(t *testing.T) {
	r, _ := newTestRouter(t)
	b := &browser{t: t, r: r}
	rec := b.do(http.MethodPost, "/api/meetings", core.CreateMeetingRequest{DisplayName: "Alice"})
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decode[core.CreateResult](t, rec)

	rec = b.do(http.MethodPost, "/api/meetings/join", core.JoinMeetingRequest{Token: "missing", DisplayName: "Bob"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = b.do(http.MethodPost, "/api/meetings/join", core.JoinMeetingRequest{Token: created.Meeting.Token, DisplayName: "  "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = b.do(http.MethodPost, "/api/meetings/join", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = b.do(http.MethodPost, "/api/meetings", core.CreateMeetingRequest{DisplayName: ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChatEndpoints(t *testing.T) {
	r, _ := newTestRouter(t)
	b := &browser{t: t, r: r}
	rec := b.do(http.MethodPost, "/api/meetings", core.CreateMeetingRequest{DisplayName: "Alice"})
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decode[core.CreateResult](t, rec)
	base := fmt.Sprintf("/api/meetings/%d", created.Meeting.ID)
	pid := created.Participant.ID

	rec = b.do(http.MethodGet, base+"/chat", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())

	rec = b.do(http.MethodPost, base+"/chat", core.SendChatRequest{ParticipantID: pid, Text: "hi"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	msg := decode[domain.ChatMessage](t, rec)
	assert.Equal(t, "Alice", msg.SenderName)

	rec = b.do(http.MethodPost, base+"/chat", core.SendChatRequest{ParticipantID: pid, Text: "   "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = b.do(http.MethodPost, base+"/chat", core.SendChatRequest{ParticipantID: pid, Text: "two"})
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = b.do(http.MethodPost, base+"/chat", core.SendChatRequest{ParticipantID: pid, Text: "three"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	rec = b.do(http.MethodGet, base+"/chat", nil)
	msgs := decode[[]domain.ChatMessage](t, rec)
	require.Len(t, msgs, 2)
	assert.Equal(t, "hi", msgs[0].Text)

	rec = b.do(http.MethodGet, "/api/meetings/999/chat", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = b.do(http.MethodGet, "/api/meetings/abc/chat", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPeerEndpoints(t *testing.T) {
	r, _ := newTestRouter(t)
	b := &browser{t: t, r: r}
	rec := b.do(http.MethodPost, "/api/meetings", core.CreateMeetingRequest{DisplayName: "Alice"})
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decode[core.CreateResult](t, rec)
	base := fmt.Sprintf("/api/meetings/%d", created.Meeting.ID)
	pid := created.Participant.ID

	rec = b.do(http.MethodPost, fmt.Sprintf("%s/peers/%d/heartbeat", base, pid), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, "heartbeat before registering")

	rec = b.do(http.MethodPost, base+"/peers", core.RegisterPeerRequest{ParticipantID: pid, Address: "addr-a"})
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	rec = b.do(http.MethodGet, base+"/peers", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	peers := decode[[]domain.PeerDescriptor](t, rec)
	require.Len(t, peers, 1)
	assert.Equal(t, domain.PeerAddress("addr-a"), peers[0].Address)
	assert.Equal(t, "Alice", peers[0].DisplayName)

	rec = b.do(http.MethodPost, fmt.Sprintf("%s/peers/%d/heartbeat", base, pid), nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = b.do(http.MethodDelete, fmt.Sprintf("%s/peers/%d", base, pid), nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = b.do(http.MethodGet, base+"/peers", nil)
	assert.JSONEq(t, "[]", rec.Body.String())

	rec = b.do(http.MethodPost, base+"/peers", core.RegisterPeerRequest{ParticipantID: pid, Address: "addr-a"})
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = b.do(http.MethodPost, base+"/end", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = b.do(http.MethodPost, fmt.Sprintf("%s/peers/%d/heartbeat", base, pid), nil)
	assert.Equal(t, http.StatusGone, rec.Code, "heartbeat after the owner ended the meeting")
	rec = b.do(http.MethodPost, base+"/peers", core.RegisterPeerRequest{ParticipantID: pid, Address: "addr-b"})
	assert.Equal(t, http.StatusGone, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	r, _ := newTestRouter(t)
	b := &browser{t: t, r: r}
	rec := b.do(http.MethodPost, "/api/meetings", core.CreateMeetingRequest{DisplayName: "Alice"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = b.do(http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "meet_active_meetings 1")
	assert.Contains(t, body, `meet_http_requests_total{code="201",route="/api/meetings"} 1`)
}

func TestStatusOf(t *testing.T) {
	cases := map[error]int{
		fmt.Errorf("%w: %w", domain.ErrJoinRejected, domain.ErrMeetingUnknown): http.StatusNotFound,
		fmt.Errorf("%w: %w", domain.ErrJoinRejected, domain.ErrMeetingClosed):  http.StatusGone,
		domain.ErrJoinRejected: http.StatusBadRequest,
		domain.ErrNotOwner:     http.StatusForbidden,
		domain.ErrRateLimited:  http.StatusTooManyRequests,
		domain.ErrUnknownPeer:  http.StatusNotFound,
		assert.AnError:         http.StatusInternalServerError,
	}
	for err, want := range cases {
		assert.Equal(t, want, statusOf(err), err.Error())
	}
}
