package signal

import "github.com/dkeye/Meet/internal/domain"

// Message types of the handshake protocol.
const (
	TypeWelcome = "welcome"
	TypeOffer   = "offer"
	TypeAnswer  = "answer"
	TypeReject  = "reject"
	TypeBye     = "bye"
	TypePing    = "ping"
	TypePong    = "pong"
	TypeError   = "error"
)

// Message is the single envelope exchanged over the signaling websocket. The
// broker overwrites From with the sender's address before relaying.
type Message struct {
	Type   string             `json:"type"`
	From   domain.PeerAddress `json:"from,omitempty"`
	To     domain.PeerAddress `json:"to,omitempty"`
	CallID string             `json:"callId,omitempty"`
	SDP    string             `json:"sdp,omitempty"`
	Error  string             `json:"error,omitempty"`
}

func relayed(kind string) bool {
	switch kind {
	case TypeOffer, TypeAnswer, TypeReject, TypeBye:
		return true
	}
	return false
}
