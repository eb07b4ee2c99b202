// Package device is a headless media provider: instead of real capture
// devices it produces pion tracks, silent Opus audio and idle VP8 video, which
// peers negotiate and receive like real ones.
package device

import (
	"context"
	"fmt"
	"sync"

	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
	"github.com/rs/zerolog/log"
)

// Options say which devices exist.
type Options struct {
	Video       bool
	Audio       bool
	ScreenShare bool
}

type Provider struct {
	opts Options

	mu      sync.Mutex
	seq     int
	streams map[string]*core.MediaStream
}

var _ core.MediaProvider = (*Provider)(nil)

func NewProvider(opts Options) *Provider {
	return &Provider{opts: opts, streams: make(map[string]*core.MediaStream)}
}

// GetLocalStream grants the requested kinds that exist. Nothing granted is
// domain.ErrDeviceUnavailable.
func (p *Provider) GetLocalStream(ctx context.Context, video, audio bool) (*core.MediaStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	grantVideo := video && p.opts.Video
	grantAudio := audio && p.opts.Audio
	if !grantVideo && !grantAudio {
		return nil, domain.ErrDeviceUnavailable
	}

	stream := &core.MediaStream{ID: p.nextID("local")}
	if grantAudio {
		t, err := newSampleTrack(core.KindAudio, stream.ID+"-audio", stream.ID)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrDeviceUnavailable, err)
		}
		stream.Tracks = append(stream.Tracks, t)
	}
	if grantVideo {
		t, err := newSampleTrack(core.KindVideo, stream.ID+"-video", stream.ID)
		if err != nil {
			stream.Stop()
			return nil, fmt.Errorf("%w: %v", domain.ErrDeviceUnavailable, err)
		}
		stream.Tracks = append(stream.Tracks, t)
	}
	p.keep(stream)
	log.Debug().Str("module", "adapters.device").Str("stream", stream.ID).Bool("video", grantVideo).Bool("audio", grantAudio).Msg("capture started")
	return stream, nil
}

func (p *Provider) StartScreenShare(ctx context.Context) (*core.MediaStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !p.opts.ScreenShare {
		return nil, domain.ErrScreenShareUnsupported
	}
	stream := &core.MediaStream{ID: p.nextID("screen")}
	t, err := newSampleTrack(core.KindVideo, stream.ID+"-video", stream.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrDeviceUnavailable, err)
	}
	stream.Tracks = []core.Track{t}
	p.keep(stream)
	return stream, nil
}

// EndCapture ends a stream as if the operating system had stopped it.
func (p *Provider) EndCapture(streamID string) bool {
	p.mu.Lock()
	s, ok := p.streams[streamID]
	delete(p.streams, streamID)
	p.mu.Unlock()
	if ok {
		s.Stop()
	}
	return ok
}

func (p *Provider) Cleanup() {
	p.mu.Lock()
	streams := p.streams
	p.streams = make(map[string]*core.MediaStream)
	p.mu.Unlock()
	for _, s := range streams {
		s.Stop()
	}
}

func (p *Provider) nextID(prefix string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	return fmt.Sprintf("%s-%d", prefix, p.seq)
}

func (p *Provider) keep(s *core.MediaStream) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.streams[s.ID] = s
}
