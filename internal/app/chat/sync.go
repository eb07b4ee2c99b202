// Package chat keeps a meeting's chat history in step with the chat service.
package chat

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
	"github.com/rs/zerolog/log"
)

type Synchronizer struct {
	svc      core.ChatService
	interval time.Duration
	timeout  time.Duration
}

func NewSynchronizer(svc core.ChatService, interval, timeout time.Duration) *Synchronizer {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Synchronizer{svc: svc, interval: interval, timeout: timeout}
}

// Send appends a message. Blank text is rejected without a network call.
func (s *Synchronizer) Send(ctx context.Context, meetingID domain.MeetingID, participantID domain.ParticipantID, text string) (*domain.ChatMessage, error) {
	if domain.BlankText(text) {
		return nil, domain.ErrEmptyMessage
	}
	sctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	msg, err := s.svc.SendChatMessage(sctx, meetingID, participantID, text)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrSendFailed, err)
	}
	return msg, nil
}

// FetchHistory returns the full history, oldest first.
func (s *Synchronizer) FetchHistory(ctx context.Context, meetingID domain.MeetingID) ([]domain.ChatMessage, error) {
	fctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	msgs, err := s.svc.GetChatHistory(fctx, meetingID)
	if err != nil {
		return nil, err
	}
	slices.SortStableFunc(msgs, func(a, b domain.ChatMessage) int {
		if c := a.SentAt.Compare(b.SentAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return msgs, nil
}

// Run refreshes the history every interval until ctx is done. apply receives
// each fetched history; failed fetches are skipped.
func (s *Synchronizer) Run(ctx context.Context, meetingID domain.MeetingID, apply func([]domain.ChatMessage)) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		msgs, err := s.FetchHistory(ctx, meetingID)
		if err != nil {
			if ctx.Err() == nil {
				log.Warn().Str("module", "app.chat").Err(err).Msg("chat refresh failed")
			}
			continue
		}
		apply(msgs)
	}
}
