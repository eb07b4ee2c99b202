package main

import (
	"context"
	"io"
	"strings"

	"github.com/dkeye/Meet/internal/adapters/api"
	"github.com/dkeye/Meet/internal/adapters/device"
	"github.com/dkeye/Meet/internal/adapters/peer"
	"github.com/dkeye/Meet/internal/adapters/rtc"
	"github.com/dkeye/Meet/internal/app/orch"
	"github.com/dkeye/Meet/internal/config"
)

type clientSession struct {
	o       *orch.Orchestrator
	name    string
	backend *peer.Backend
	devices *device.Provider
	in      io.Reader
	out     io.Writer
}

func newClientSession(cfg *config.Config, in io.Reader, out io.Writer) (*clientSession, error) {
	client := api.NewClient(cfg.ServerURL, cfg.Session.RequestTimeout)
	backend, err := peer.NewBackend(client, peer.Options{
		ICE:           rtc.DefaultWebRTCConfig(cfg.ICEServers),
		AnswerTimeout: cfg.Session.ConnectTimeout,
	})
	if err != nil {
		return nil, err
	}
	devices := device.NewProvider(device.Options{
		Video:       cfg.Media.Video,
		Audio:       cfg.Media.Audio,
		ScreenShare: cfg.Media.ScreenShare,
	})
	o := orch.New(orch.Deps{
		Meetings:  client,
		Chat:      client,
		Signaling: backend,
		Media:     devices,
	}, orch.Options{Session: cfg.Session, Media: cfg.Media})
	return &clientSession{o: o, name: cfg.DisplayName, backend: backend, devices: devices, in: in, out: out}, nil
}

func (s *clientSession) create(ctx context.Context) error {
	if _, err := s.o.CreateMeeting(ctx, s.name); err != nil {
		return err
	}
	return newREPL(s.o, s.in, s.out).run(ctx)
}

func (s *clientSession) join(ctx context.Context, token string) error {
	if _, err := s.o.JoinMeeting(ctx, token, s.name); err != nil {
		return err
	}
	return newREPL(s.o, s.in, s.out).run(ctx)
}

func (s *clientSession) close() {
	_ = s.o.Close()
	s.backend.Close()
	s.devices.Cleanup()
}

// tokenFrom accepts a bare token or a join link ending in /join/<token>.
func tokenFrom(arg string) string {
	arg = strings.TrimSpace(arg)
	if i := strings.LastIndex(arg, "/join/"); i >= 0 {
		arg = arg[i+len("/join/"):]
	}
	return strings.Trim(arg, "/")
}
