package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/dkeye/Meet/internal/adapters/rtc"
	"github.com/dkeye/Meet/internal/app/orch"
	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
)

const helpText = `commands:
  <text>    send a chat message
  /mute     toggle microphone
  /video    toggle camera
  /share    toggle screen share
  /who      list participants and peer links
  /link     print the join link
  /history  print the chat history
  /leave    leave the meeting
  /end      end the meeting for everyone (owner only)`

// repl drives one meeting session from line commands.
type repl struct {
	o   *orch.Orchestrator
	in  io.Reader
	mu  sync.Mutex
	out io.Writer

	seenChat  int
	lastPhase orch.Phase
}

func newREPL(o *orch.Orchestrator, in io.Reader, out io.Writer) *repl {
	return &repl{o: o, in: in, out: out}
}

func (r *repl) printf(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.out, format+"\n", args...)
}

// run returns when the user leaves, the meeting ends, the input is exhausted
// or ctx is done. Leaving on the way out is best effort.
func (r *repl) run(ctx context.Context) error {
	ended := make(chan struct{})
	var endOnce sync.Once
	snap := r.o.Snapshot()
	r.seenChat = len(snap.ChatMessages)
	r.intro(snap)
	unsub := r.o.Subscribe(func(s orch.Snapshot) {
		r.onChange(s)
		if s.MeetingEnded {
			endOnce.Do(func() { close(ended) })
		}
	})
	defer unsub()
	if r.o.Snapshot().MeetingEnded {
		endOnce.Do(func() { close(ended) })
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(r.in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return r.leave()
		case <-ended:
			r.printf("the meeting has ended")
			return nil
		case line, ok := <-lines:
			if !ok {
				return r.leave()
			}
			done, err := r.handle(ctx, strings.TrimSpace(line))
			if err != nil {
				r.printf("error: %v", err)
			}
			if done {
				return nil
			}
		}
	}
}

func (r *repl) intro(s orch.Snapshot) {
	if s.Meeting != nil {
		r.printf("in meeting %d as %s", s.Meeting.ID, s.Participant.DisplayName)
	}
	if s.JoinURL != "" {
		r.printf("join link: %s", s.JoinURL)
	}
	if s.Error != nil {
		r.printf("warning: %v", s.Error)
	}
	r.printf("type /help for commands")
}

func (r *repl) onChange(s orch.Snapshot) {
	r.mu.Lock()
	var fresh []domain.ChatMessage
	if len(s.ChatMessages) > r.seenChat {
		fresh = s.ChatMessages[r.seenChat:]
		r.seenChat = len(s.ChatMessages)
	}
	phaseChanged := s.Phase != r.lastPhase
	r.lastPhase = s.Phase
	r.mu.Unlock()

	for _, m := range fresh {
		if s.Participant != nil && m.ParticipantID == s.Participant.ID {
			continue
		}
		r.printf("[%s] %s: %s", m.SentAt.Format("15:04:05"), m.SenderName, m.Text)
	}
	if phaseChanged {
		r.printf("* %s", s.Phase)
	}
}

func (r *repl) handle(ctx context.Context, line string) (bool, error) {
	switch line {
	case "":
		return false, nil
	case "/help":
		r.printf("%s", helpText)
	case "/mute":
		st := r.o.ToggleAudio()
		r.printf("microphone %s", onOff(st.Audio))
	case "/video":
		st := r.o.ToggleVideo()
		r.printf("camera %s", onOff(st.Video))
	case "/share":
		if err := r.o.ToggleScreenShare(ctx); err != nil {
			return false, err
		}
		r.printf("screen share %s", onOff(r.o.Snapshot().MediaState.ScreenShare))
	case "/who":
		r.who()
	case "/link":
		link, err := r.o.MeetingLink(ctx)
		if err != nil {
			return false, err
		}
		r.printf("%s", link)
	case "/history":
		if err := r.o.RefreshChat(ctx); err != nil {
			return false, err
		}
		for _, m := range r.o.Snapshot().ChatMessages {
			r.printf("[%s] %s: %s", m.SentAt.Format("15:04:05"), m.SenderName, m.Text)
		}
	case "/leave", "/quit":
		return true, r.leave()
	case "/end":
		if err := r.o.EndMeeting(ctx); err != nil {
			if errors.Is(err, domain.ErrNotOwner) {
				return false, errors.New("only the creator can end the meeting")
			}
			return false, err
		}
		r.printf("meeting ended")
		return true, nil
	default:
		if strings.HasPrefix(line, "/") {
			return false, fmt.Errorf("unknown command %s", line)
		}
		if _, err := r.o.SendMessage(ctx, line); err != nil {
			return false, err
		}
	}
	return false, nil
}

func (r *repl) who() {
	s := r.o.Snapshot()
	r.printf("status: %s", s.ConnectionStatus)
	for _, p := range s.Participants {
		me := ""
		if s.Participant != nil && p.ID == s.Participant.ID {
			me = " (you)"
		}
		r.printf("  %d %s%s", p.ID, p.DisplayName, me)
	}
	for _, rs := range s.RemoteStreams {
		line := fmt.Sprintf("  link %s %s %s", rs.DisplayName, rs.Direction, rs.Address)
		if link, ok := r.o.RemoteLink(rs.Address); ok {
			line += received(link)
		}
		r.printf("%s", line)
	}
}

func received(link core.PeerLink) string {
	l, ok := link.(*rtc.Link)
	if !ok {
		return ""
	}
	stats := l.Received()
	audio, video := stats[core.KindAudio], stats[core.KindVideo]
	return fmt.Sprintf(" audio %d pkts, video %d pkts", audio[0], video[0])
}

func (r *repl) leave() error {
	if r.o.Snapshot().Phase != orch.PhaseActive {
		return nil
	}
	return r.o.LeaveMeeting(context.Background())
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
