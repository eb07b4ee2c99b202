package orch

import (
	"context"
	"errors"
	"slices"

	"github.com/dkeye/Meet/internal/domain"
)

// startChat starts the periodic history refresh for s.
func (o *Orchestrator) startChat(s *session) {
	o.step(s, func() {
		s.loops.Go(func() {
			o.chat.Run(s.ctx, s.meetingID, func(msgs []domain.ChatMessage) {
				o.step(s, func() { o.st.chat = mergeHistory(o.st.chat, msgs) })
			})
		})
	})
}

// mergeHistory replaces local with a fetched history, keeping local messages
// newer than anything fetched: those were sent after the fetch was taken.
// Message ids grow with every stored message.
func mergeHistory(local, fetched []domain.ChatMessage) []domain.ChatMessage {
	var newest domain.MessageID
	for _, m := range fetched {
		newest = max(newest, m.ID)
	}
	out := fetched
	for _, m := range local {
		if m.ID > newest {
			out = append(out, m)
		}
	}
	return out
}

// SendMessage posts text to the meeting chat and appends the stored message
// to the local history. Blank text is ignored: it returns nil, nil.
func (o *Orchestrator) SendMessage(ctx context.Context, text string) (*domain.ChatMessage, error) {
	var (
		s    *session
		name string
	)
	o.exec(func() {
		s = o.st.sess
		if o.st.participant != nil {
			name = o.st.participant.DisplayName
		}
	})
	if s == nil {
		return nil, domain.ErrNotActive
	}

	msg, err := o.chat.Send(ctx, s.meetingID, s.participantID, text)
	switch {
	case errors.Is(err, domain.ErrEmptyMessage):
		return nil, nil
	case err != nil:
		o.apply(func() { o.st.err = err })
		o.logger.Warn().Err(err).Msg("chat send failed")
		return nil, err
	}
	if msg.SenderName == "" {
		msg.SenderName = name
	}
	stored := *msg
	o.step(s, func() {
		if !slices.ContainsFunc(o.st.chat, func(m domain.ChatMessage) bool { return m.ID == stored.ID }) {
			o.st.chat = append(o.st.chat, stored)
		}
	})
	return msg, nil
}

// RefreshChat reloads the history now instead of waiting for the next tick.
func (o *Orchestrator) RefreshChat(ctx context.Context) error {
	var s *session
	o.exec(func() { s = o.st.sess })
	if s == nil {
		return domain.ErrNotActive
	}
	msgs, err := o.chat.FetchHistory(ctx, s.meetingID)
	if err != nil {
		o.logger.Warn().Err(err).Msg("chat refresh failed")
		return err
	}
	o.step(s, func() { o.st.chat = mergeHistory(o.st.chat, msgs) })
	return nil
}
