package chat

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dkeye/Meet/internal/core/coretest"
	"github.com/dkeye/Meet/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSend_BlankTextSkipsNetwork(t *testing.T) {
	svc := coretest.NewFakeChat()
	s := NewSynchronizer(svc, 0, 0)

	for _, text := range []string{"", "   ", "\n\t"} {
		msg, err := s.Send(context.Background(), 1, 7, text)
		assert.Nil(t, msg)
		assert.ErrorIs(t, err, domain.ErrEmptyMessage)
	}
	assert.Zero(t, svc.Sends())
}

func TestSend_ReturnsStoredMessage(t *testing.T) {
	svc := coretest.NewFakeChat()
	s := NewSynchronizer(svc, 0, 0)

	msg, err := s.Send(context.Background(), 1, 7, "hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", msg.Text)
	assert.Equal(t, domain.ParticipantID(7), msg.ParticipantID)
}

func TestSend_FailureIsSendFailed(t *testing.T) {
	svc := coretest.NewFakeChat()
	svc.SendErr = errors.New("503")
	s := NewSynchronizer(svc, 0, 0)

	_, err := s.Send(context.Background(), 1, 7, "hello")
	assert.ErrorIs(t, err, domain.ErrSendFailed)
}

func TestFetchHistory_OldestFirst(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := coretest.NewFakeChat()
	svc.Messages = []domain.ChatMessage{
		{ID: 3, Text: "third", SentAt: base.Add(2 * time.Second)},
		{ID: 2, Text: "second-b", SentAt: base.Add(time.Second)},
		{ID: 1, Text: "first", SentAt: base},
		{ID: 4, Text: "second-a", SentAt: base.Add(time.Second)},
	}
	s := NewSynchronizer(svc, 0, 0)

	msgs, err := s.FetchHistory(context.Background(), 1)
	require.NoError(t, err)
	var ids []domain.MessageID
	for _, m := range msgs {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []domain.MessageID{1, 2, 4, 3}, ids)
}

func TestRun_RefreshesUntilCancelled(t *testing.T) {
	svc := coretest.NewFakeChat()
	svc.HistoryErr = errors.New("flaky")
	s := NewSynchronizer(svc, 5*time.Millisecond, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan []domain.ChatMessage, 16)
	done := make(chan struct{})
	go func() {
		s.Run(ctx, 1, func(m []domain.ChatMessage) { got <- m })
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, got, "failed refreshes are skipped")

	svc.Set(func(f *coretest.FakeChat) {
		f.HistoryErr = nil
		f.Messages = []domain.ChatMessage{{ID: 1, Text: "hi"}}
	})
	select {
	case m := <-got:
		assert.Len(t, m, 1)
	case <-time.After(time.Second):
		t.Fatal("no refresh")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("refresh loop did not stop")
	}
}
