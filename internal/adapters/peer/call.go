package peer

import (
	"context"
	"fmt"
	"sync"

	"github.com/dkeye/Meet/internal/adapters/rtc"
	"github.com/dkeye/Meet/internal/adapters/signal"
	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ConnectToPeer offers a call to addr and waits for the answer, bounded by
// ctx and the answer timeout.
func (b *Backend) ConnectToPeer(ctx context.Context, addr domain.PeerAddress, local *core.MediaStream) (core.PeerLink, error) {
	callID := uuid.NewString()
	link, err := rtc.NewLink(b.opts.ICE, callID, addr, local, b.emit)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, b.opts.AnswerTimeout)
	defer cancel()

	sdp, err := link.Offer(ctx)
	if err != nil {
		_ = link.Close()
		return nil, err
	}

	replies := make(chan signal.Message, 1)
	b.mu.Lock()
	b.pending[callID] = replies
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.pending, callID)
		b.mu.Unlock()
	}()

	if err := b.send(signal.Message{Type: signal.TypeOffer, To: addr, CallID: callID, SDP: sdp}); err != nil {
		_ = link.Close()
		return nil, err
	}

	select {
	case <-ctx.Done():
		_ = b.send(signal.Message{Type: signal.TypeBye, To: addr, CallID: callID})
		_ = link.Close()
		return nil, fmt.Errorf("waiting for answer from %s: %w", addr, ctx.Err())
	case reply := <-replies:
		switch reply.Type {
		case signal.TypeAnswer:
		case signal.TypeReject:
			_ = link.Close()
			return nil, ErrCallRejected
		default:
			_ = link.Close()
			return nil, fmt.Errorf("%w: %s", ErrPeerUnreachable, reply.Error)
		}
		if err := link.Accept(reply.SDP); err != nil {
			_ = link.Close()
			return nil, fmt.Errorf("apply answer: %w", err)
		}
	}

	b.track(link)
	log.Info().Str("module", "adapters.peer").Str("peer", string(addr)).Str("link", callID).Msg("call established")
	return link, nil
}

// deliver hands a reply to the ConnectToPeer waiting for it.
func (b *Backend) deliver(msg signal.Message) {
	b.mu.Lock()
	ch, ok := b.pending[msg.CallID]
	b.mu.Unlock()
	if !ok {
		log.Debug().Str("module", "adapters.peer").Str("type", msg.Type).Str("call", msg.CallID).Msg("reply for unknown call")
		return
	}
	select {
	case ch <- msg:
	default:
	}
}

func (b *Backend) onOffer(msg signal.Message) {
	b.mu.Lock()
	subs := make([]func(core.IncomingCall), 0, len(b.calls))
	for _, fn := range b.calls {
		subs = append(subs, fn)
	}
	b.mu.Unlock()

	call := &incomingCall{b: b, msg: msg}
	if len(subs) == 0 {
		call.Reject()
		return
	}
	for _, fn := range subs {
		fn(call)
	}
}

func (b *Backend) onBye(msg signal.Message) {
	b.mu.Lock()
	l, ok := b.links[msg.CallID]
	if ok && l.Address() == msg.From {
		delete(b.links, msg.CallID)
	} else {
		ok = false
	}
	b.mu.Unlock()
	if ok {
		l.Terminate()
	}
}

type incomingCall struct {
	b    *Backend
	msg  signal.Message
	once sync.Once
}

func (c *incomingCall) Address() domain.PeerAddress { return c.msg.From }

func (c *incomingCall) decide() bool {
	first := false
	c.once.Do(func() { first = true })
	return first
}

// Answer accepts the call with local as the outgoing media.
func (c *incomingCall) Answer(ctx context.Context, local *core.MediaStream) (core.PeerLink, error) {
	if !c.decide() {
		return nil, ErrCallDecided
	}
	link, err := rtc.NewLink(c.b.opts.ICE, c.msg.CallID, c.msg.From, local, c.b.emit)
	if err != nil {
		_ = c.b.send(signal.Message{Type: signal.TypeReject, To: c.msg.From, CallID: c.msg.CallID})
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.b.opts.AnswerTimeout)
	defer cancel()
	sdp, err := link.Answer(ctx, c.msg.SDP)
	if err != nil {
		_ = link.Close()
		_ = c.b.send(signal.Message{Type: signal.TypeReject, To: c.msg.From, CallID: c.msg.CallID})
		return nil, err
	}
	if err := c.b.send(signal.Message{Type: signal.TypeAnswer, To: c.msg.From, CallID: c.msg.CallID, SDP: sdp}); err != nil {
		_ = link.Close()
		return nil, err
	}
	c.b.track(link)
	log.Info().Str("module", "adapters.peer").Str("peer", string(c.msg.From)).Str("link", c.msg.CallID).Msg("call answered")
	return link, nil
}

func (c *incomingCall) Reject() {
	if !c.decide() {
		return
	}
	if err := c.b.send(signal.Message{Type: signal.TypeReject, To: c.msg.From, CallID: c.msg.CallID}); err != nil {
		log.Warn().Err(err).Str("module", "adapters.peer").Str("peer", string(c.msg.From)).Msg("reject not sent")
	}
}
