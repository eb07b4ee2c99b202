package signal

import "github.com/rs/zerolog/log"

func (b *Broker) handlePing(c *wsConn) {
	b.sendJSON(c, Message{Type: TypePong})
}

// relay forwards a handshake message to its target, stamped with the sender.
// Unknown targets get an error back carrying the call id.
func (b *Broker) relay(from *wsConn, msg Message) {
	msg.From = from.addr
	to, ok := b.lookup(msg.To)
	if !ok || msg.To == from.addr {
		log.Debug().Str("module", "signal").Str("from", string(from.addr)).Str("to", string(msg.To)).
			Str("type", msg.Type).Msg("relay to unknown peer")
		if msg.Type != TypeBye {
			b.sendJSON(from, Message{Type: TypeError, To: msg.To, CallID: msg.CallID, Error: "unknown_peer"})
		}
		return
	}
	b.sendJSON(to, msg)
	b.metrics.SignalRelayed(msg.Type)
}
