// Package coretest provides test doubles for the collaborator interfaces in
// package core. Every fake is safe for concurrent use.
package coretest

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
	"github.com/pion/webrtc/v4"
)

// ============================================================================
// Media
// ============================================================================

// FakeTrack is a capture track without a device behind it.
type FakeTrack struct {
	id      string
	kind    core.TrackKind
	enabled atomic.Bool
	ended   chan struct{}
	once    sync.Once
	stops   atomic.Int32
}

func NewFakeTrack(id string, kind core.TrackKind) *FakeTrack {
	t := &FakeTrack{id: id, kind: kind, ended: make(chan struct{})}
	t.enabled.Store(true)
	return t
}

func (t *FakeTrack) ID() string               { return t.id }
func (t *FakeTrack) Kind() core.TrackKind     { return t.kind }
func (t *FakeTrack) Enabled() bool            { return t.enabled.Load() }
func (t *FakeTrack) SetEnabled(v bool)        { t.enabled.Store(v) }
func (t *FakeTrack) Ended() <-chan struct{}   { return t.ended }
func (t *FakeTrack) Local() webrtc.TrackLocal { return nil }

func (t *FakeTrack) Stop() {
	t.stops.Add(1)
	t.End()
}

// End simulates the capture being ended outside the application.
func (t *FakeTrack) End() {
	t.once.Do(func() { close(t.ended) })
}

// Stopped reports whether Stop was called at least once.
func (t *FakeTrack) Stopped() bool { return t.stops.Load() > 0 }

// FakeProvider hands out fake streams.
type FakeProvider struct {
	mu sync.Mutex

	// GrantVideo and GrantAudio limit what GetLocalStream returns, regardless
	// of what was asked for. Both default to granted when NewFakeProvider is used.
	GrantVideo bool
	GrantAudio bool
	// LocalErr and ScreenErr are returned by the corresponding call when set.
	LocalErr  error
	ScreenErr error

	LocalCalls  int
	ScreenCalls int
	Cleanups    int
	Streams     []*core.MediaStream
	Screens     []*core.MediaStream
}

func NewFakeProvider() *FakeProvider {
	return &FakeProvider{GrantVideo: true, GrantAudio: true}
}

func (p *FakeProvider) GetLocalStream(ctx context.Context, video, audio bool) (*core.MediaStream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.LocalCalls++
	if p.LocalErr != nil {
		return nil, p.LocalErr
	}
	s := &core.MediaStream{ID: fmt.Sprintf("local-%d", p.LocalCalls)}
	if audio && p.GrantAudio {
		s.Tracks = append(s.Tracks, NewFakeTrack(s.ID+"-audio", core.KindAudio))
	}
	if video && p.GrantVideo {
		s.Tracks = append(s.Tracks, NewFakeTrack(s.ID+"-video", core.KindVideo))
	}
	p.Streams = append(p.Streams, s)
	return s, nil
}

func (p *FakeProvider) StartScreenShare(ctx context.Context) (*core.MediaStream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ScreenCalls++
	if p.ScreenErr != nil {
		return nil, p.ScreenErr
	}
	s := &core.MediaStream{ID: fmt.Sprintf("screen-%d", p.ScreenCalls)}
	s.Tracks = append(s.Tracks, NewFakeTrack(s.ID+"-video", core.KindVideo))
	p.Screens = append(p.Screens, s)
	return s, nil
}

func (p *FakeProvider) Cleanup() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Cleanups++
}

// SetLocalErr changes LocalErr under the lock.
func (p *FakeProvider) SetLocalErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.LocalErr = err
}

// LastScreen returns the most recent screen stream.
func (p *FakeProvider) LastScreen() *core.MediaStream {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Screens) == 0 {
		return nil
	}
	return p.Screens[len(p.Screens)-1]
}

// CleanupCount returns how many times Cleanup ran.
func (p *FakeProvider) CleanupCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Cleanups
}

// ============================================================================
// Links and calls
// ============================================================================

var linkSeq atomic.Int64

// FakeLink is a peer link whose transport state is set by the test.
type FakeLink struct {
	id   string
	addr domain.PeerAddress

	failed atomic.Bool
	closes atomic.Int32

	mu       sync.Mutex
	replaced []core.Track
}

func NewFakeLink(addr domain.PeerAddress) *FakeLink {
	return &FakeLink{id: fmt.Sprintf("link-%d", linkSeq.Add(1)), addr: addr}
}

func (l *FakeLink) ID() string                  { return l.id }
func (l *FakeLink) Address() domain.PeerAddress { return l.addr }
func (l *FakeLink) StreamID() string            { return "stream-" + string(l.addr) }
func (l *FakeLink) Failed() bool                { return l.failed.Load() }

// Fail marks the transport as failed.
func (l *FakeLink) Fail() { l.failed.Store(true) }

func (l *FakeLink) ReplaceVideo(t core.Track) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.replaced = append(l.replaced, t)
	return nil
}

// Replaced returns the tracks passed to ReplaceVideo, in order.
func (l *FakeLink) Replaced() []core.Track {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.replaced)
}

func (l *FakeLink) Close() error {
	l.closes.Add(1)
	return nil
}

// Closed reports whether Close was called.
func (l *FakeLink) Closed() bool { return l.closes.Load() > 0 }

// FakeCall is an inbound handshake.
type FakeCall struct {
	Addr domain.PeerAddress
	// AnswerErr fails Answer when set.
	AnswerErr error
	// Gate, when non-nil, blocks Answer until it is closed or ctx ends.
	Gate chan struct{}

	mu       sync.Mutex
	link     *FakeLink
	rejected bool
	answered bool
}

func NewFakeCall(addr domain.PeerAddress) *FakeCall {
	return &FakeCall{Addr: addr}
}

func (c *FakeCall) Address() domain.PeerAddress { return c.Addr }

func (c *FakeCall) Answer(ctx context.Context, local *core.MediaStream) (core.PeerLink, error) {
	if c.Gate != nil {
		select {
		case <-c.Gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if c.AnswerErr != nil {
		return nil, c.AnswerErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.answered = true
	c.link = NewFakeLink(c.Addr)
	return c.link, nil
}

func (c *FakeCall) Reject() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rejected = true
}

func (c *FakeCall) Rejected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rejected
}

func (c *FakeCall) Answered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.answered
}

// Link returns the link produced by Answer, if any.
func (c *FakeCall) Link() *FakeLink {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.link
}

// ============================================================================
// Signaling
// ============================================================================

// FakeSignaling is an in-memory signaling backend. Addresses are handed out
// as "addr-1", "addr-2", ... unless Addr is set.
type FakeSignaling struct {
	mu sync.Mutex

	Addr          domain.PeerAddress
	InitErr       error
	RegisterErr   error
	HeartbeatErr  error
	ListErr       error
	DisconnectErr error
	// ConnectErr fails ConnectToPeer for the given addresses.
	ConnectErr map[domain.PeerAddress]error
	// InitGate, when non-nil, blocks InitializePeer until it is closed.
	InitGate chan struct{}
	// ConnectDelay delays every ConnectToPeer.
	ConnectDelay time.Duration
	Peers        []domain.PeerDescriptor

	seq           int
	RegisterCalls int
	Heartbeats    int
	ListCalls     int
	Disconnects   int
	Connects      []domain.PeerAddress
	Links         []*FakeLink

	nextHandler int
	calls       map[int]func(core.IncomingCall)
	events      map[int]func(core.ConnectionEvent)
}

func NewFakeSignaling() *FakeSignaling {
	return &FakeSignaling{
		ConnectErr: make(map[domain.PeerAddress]error),
		calls:      make(map[int]func(core.IncomingCall)),
		events:     make(map[int]func(core.ConnectionEvent)),
	}
}

func (f *FakeSignaling) InitializePeer(ctx context.Context) (domain.PeerAddress, error) {
	f.mu.Lock()
	gate := f.InitGate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.InitErr != nil {
		return "", f.InitErr
	}
	if f.Addr != "" {
		return f.Addr, nil
	}
	f.seq++
	return domain.PeerAddress(fmt.Sprintf("addr-%d", f.seq)), nil
}

func (f *FakeSignaling) RegisterPeer(ctx context.Context, meetingID domain.MeetingID, participantID domain.ParticipantID, addr domain.PeerAddress) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.RegisterCalls++
	return f.RegisterErr
}

func (f *FakeSignaling) Heartbeat(ctx context.Context, meetingID domain.MeetingID, participantID domain.ParticipantID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Heartbeats++
	return f.HeartbeatErr
}

func (f *FakeSignaling) ListPeers(ctx context.Context, meetingID domain.MeetingID) ([]domain.PeerDescriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ListCalls++
	if f.ListErr != nil {
		return nil, f.ListErr
	}
	return slices.Clone(f.Peers), nil
}

func (f *FakeSignaling) ConnectToPeer(ctx context.Context, addr domain.PeerAddress, local *core.MediaStream) (core.PeerLink, error) {
	f.mu.Lock()
	f.Connects = append(f.Connects, addr)
	err := f.ConnectErr[addr]
	delay := f.ConnectDelay
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	l := NewFakeLink(addr)
	f.mu.Lock()
	f.Links = append(f.Links, l)
	f.mu.Unlock()
	return l, nil
}

func (f *FakeSignaling) OnIncomingCall(fn func(core.IncomingCall)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextHandler
	f.nextHandler++
	f.calls[id] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.calls, id)
	}
}

func (f *FakeSignaling) OnConnectionEvent(fn func(core.ConnectionEvent)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextHandler
	f.nextHandler++
	f.events[id] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.events, id)
	}
}

func (f *FakeSignaling) Disconnect(ctx context.Context, meetingID domain.MeetingID, participantID domain.ParticipantID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Disconnects++
	return f.DisconnectErr
}

// Call delivers an inbound handshake to every subscriber.
func (f *FakeSignaling) Call(c core.IncomingCall) {
	f.mu.Lock()
	fns := make([]func(core.IncomingCall), 0, len(f.calls))
	for _, fn := range f.calls {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(c)
	}
}

// Emit delivers a connection event to every subscriber.
func (f *FakeSignaling) Emit(ev core.ConnectionEvent) {
	f.mu.Lock()
	fns := make([]func(core.ConnectionEvent), 0, len(f.events))
	for _, fn := range f.events {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// Subscribers returns the number of live call and event subscriptions.
func (f *FakeSignaling) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls) + len(f.events)
}

// Set runs fn under the fake's lock, for changing its knobs mid-test.
func (f *FakeSignaling) Set(fn func(f *FakeSignaling)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

// Counts returns RegisterCalls, Heartbeats, ListCalls and Disconnects.
func (f *FakeSignaling) Counts() (register, heartbeats, lists, disconnects int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.RegisterCalls, f.Heartbeats, f.ListCalls, f.Disconnects
}

// ConnectedTo returns the addresses dialed so far, in order.
func (f *FakeSignaling) ConnectedTo() []domain.PeerAddress {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.Connects)
}

// ============================================================================
// Meeting records and chat
// ============================================================================

// FakeMeetings is an in-memory meeting-record service with one meeting.
type FakeMeetings struct {
	mu sync.Mutex

	Meeting      domain.Meeting
	Owner        domain.UserID
	JoinURL      string
	Token        string
	Participants []domain.Participant

	CreateErr error
	JoinErr   error
	LeaveErr  error
	EndErr    error

	// NextPID is the id given to the next participant.
	NextPID    domain.ParticipantID
	LeaveCalls int
	EndCalls   int
	LinkCalls  int
}

func NewFakeMeetings() *FakeMeetings {
	owner := domain.UserID("owner")
	return &FakeMeetings{
		Meeting: domain.Meeting{
			ID:             1,
			CreatedBy:      owner,
			CreatedAt:      time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC),
			Token:          "abc123",
			TokenExpiresAt: time.Date(2026, 1, 2, 9, 0, 0, 0, time.UTC),
			IsActive:       true,
		},
		Owner:   owner,
		JoinURL: "http://meet.test/join/abc123",
		Token:   "abc123",
		NextPID: 1,
	}
}

func (f *FakeMeetings) addParticipant(name string, user *domain.UserID) domain.Participant {
	p := domain.Participant{
		ID:          f.NextPID,
		MeetingID:   f.Meeting.ID,
		DisplayName: name,
		JoinedAt:    f.Meeting.CreatedAt,
		UserID:      user,
	}
	f.NextPID++
	f.Participants = append(f.Participants, p)
	return p
}

func (f *FakeMeetings) CreateMeeting(ctx context.Context, displayName string) (*core.CreateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreateErr != nil {
		return nil, f.CreateErr
	}
	owner := f.Owner
	p := f.addParticipant(displayName, &owner)
	return &core.CreateResult{Meeting: f.Meeting, Participant: p, JoinURL: f.JoinURL}, nil
}

func (f *FakeMeetings) JoinMeeting(ctx context.Context, token, displayName string) (*core.JoinResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.JoinErr != nil {
		return nil, f.JoinErr
	}
	if token != f.Token || !f.Meeting.IsActive {
		return nil, domain.ErrJoinRejected
	}
	p := f.addParticipant(displayName, nil)
	return &core.JoinResult{Meeting: f.Meeting, Participant: p, Participants: slices.Clone(f.Participants)}, nil
}

func (f *FakeMeetings) LeaveMeeting(ctx context.Context, participantID domain.ParticipantID, meetingID domain.MeetingID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.LeaveCalls++
	return f.LeaveErr
}

func (f *FakeMeetings) EndMeeting(ctx context.Context, meetingID domain.MeetingID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.EndCalls++
	if f.EndErr != nil {
		return f.EndErr
	}
	f.Meeting.IsActive = false
	return nil
}

func (f *FakeMeetings) GetMeetingLink(ctx context.Context, meetingID domain.MeetingID) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.LinkCalls++
	return f.JoinURL, nil
}

// Calls returns LeaveCalls and EndCalls.
func (f *FakeMeetings) Calls() (leave, end int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.LeaveCalls, f.EndCalls
}

// FakeChat stores messages in memory.
type FakeChat struct {
	mu sync.Mutex

	Messages   []domain.ChatMessage
	SendErr    error
	HistoryErr error
	Now        func() time.Time
	// HistoryGate, when non-nil, holds GetChatHistory after it has read the
	// messages until the gate is closed or ctx ends.
	HistoryGate chan struct{}

	SendCalls    int
	HistoryCalls int
}

func NewFakeChat() *FakeChat {
	return &FakeChat{Now: time.Now}
}

func (f *FakeChat) SendChatMessage(ctx context.Context, meetingID domain.MeetingID, participantID domain.ParticipantID, text string) (*domain.ChatMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SendCalls++
	if f.SendErr != nil {
		return nil, f.SendErr
	}
	msg := domain.ChatMessage{
		ID:            domain.MessageID(len(f.Messages) + 1),
		MeetingID:     meetingID,
		ParticipantID: participantID,
		Text:          text,
		SentAt:        f.Now(),
	}
	f.Messages = append(f.Messages, msg)
	return &msg, nil
}

func (f *FakeChat) GetChatHistory(ctx context.Context, meetingID domain.MeetingID) ([]domain.ChatMessage, error) {
	f.mu.Lock()
	f.HistoryCalls++
	if f.HistoryErr != nil {
		f.mu.Unlock()
		return nil, f.HistoryErr
	}
	msgs := slices.Clone(f.Messages)
	gate := f.HistoryGate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return msgs, nil
}

// Histories returns how many times GetChatHistory was called.
func (f *FakeChat) Histories() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.HistoryCalls
}

// Set runs fn under the fake's lock.
func (f *FakeChat) Set(fn func(f *FakeChat)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

// Sends returns how many times SendChatMessage was called.
func (f *FakeChat) Sends() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.SendCalls
}
