package core

import (
	"context"

	"github.com/dkeye/Meet/internal/domain"
)

// PeerLink is one established peer-to-peer media link.
// Owned by whoever inserted it into a connection table; the owner must Close() it.
type PeerLink interface {
	// ID is unique per link, so events of a replaced link can be told apart.
	ID() string
	Address() domain.PeerAddress
	// StreamID identifies the remote media stream carried by the link.
	StreamID() string
	// Failed reports whether the underlying transport has already failed.
	Failed() bool
	// ReplaceVideo swaps the outgoing video track; nil restores nothing.
	ReplaceVideo(Track) error
	Close() error
}

// IncomingCall is an inbound handshake waiting for a decision.
type IncomingCall interface {
	Address() domain.PeerAddress
	Answer(ctx context.Context, local *MediaStream) (PeerLink, error)
	Reject()
}

type ConnectionEventKind string

const (
	LinkClosed ConnectionEventKind = "closed"
	LinkFailed ConnectionEventKind = "failed"
)

// ConnectionEvent is pushed by the transport when a link goes away.
type ConnectionEvent struct {
	Address domain.PeerAddress
	// LinkID is empty when the event concerns whatever link the address has.
	LinkID string
	Kind   ConnectionEventKind
}

// SignalingBackend abstracts the peer-registration and handshake service.
type SignalingBackend interface {
	InitializePeer(ctx context.Context) (domain.PeerAddress, error)
	RegisterPeer(ctx context.Context, meetingID domain.MeetingID, participantID domain.ParticipantID, addr domain.PeerAddress) error
	Heartbeat(ctx context.Context, meetingID domain.MeetingID, participantID domain.ParticipantID) error
	ListPeers(ctx context.Context, meetingID domain.MeetingID) ([]domain.PeerDescriptor, error)
	ConnectToPeer(ctx context.Context, addr domain.PeerAddress, local *MediaStream) (PeerLink, error)
	// OnIncomingCall and OnConnectionEvent return a function that unsubscribes.
	OnIncomingCall(func(IncomingCall)) func()
	OnConnectionEvent(func(ConnectionEvent)) func()
	Disconnect(ctx context.Context, meetingID domain.MeetingID, participantID domain.ParticipantID) error
}
