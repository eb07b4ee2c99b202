// Package media owns the local capture streams of one client: camera and
// microphone as one stream, screen share as a second independent one.
package media

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
	"github.com/rs/zerolog/log"
)

type Controller struct {
	provider core.MediaProvider

	mu     sync.Mutex
	local  *core.MediaStream
	screen *core.MediaStream
}

func NewController(provider core.MediaProvider) *Controller {
	return &Controller{provider: provider}
}

// AcquireLocalStream requests capture and reports what was actually granted.
// A previously acquired stream is stopped and replaced.
func (c *Controller) AcquireLocalStream(ctx context.Context, wantVideo, wantAudio bool) (*core.MediaStream, domain.MediaState, error) {
	stream, err := c.provider.GetLocalStream(ctx, wantVideo, wantAudio)
	if err != nil {
		if errors.Is(err, domain.ErrMediaAccessDenied) || errors.Is(err, domain.ErrDeviceUnavailable) {
			return nil, domain.MediaState{}, err
		}
		return nil, domain.MediaState{}, fmt.Errorf("%w: %v", domain.ErrDeviceUnavailable, err)
	}
	granted := domain.MediaState{
		Video: len(stream.Video()) > 0,
		Audio: len(stream.Audio()) > 0,
	}
	if (wantVideo || wantAudio) && !granted.Video && !granted.Audio {
		stream.Stop()
		return nil, domain.MediaState{}, domain.ErrDeviceUnavailable
	}

	c.mu.Lock()
	prev := c.local
	c.local = stream
	granted.ScreenShare = c.screen != nil
	c.mu.Unlock()
	if prev != nil && prev != stream {
		prev.Stop()
	}

	log.Info().Str("module", "app.media").Str("stream", stream.ID).
		Bool("video", granted.Video).Bool("audio", granted.Audio).Msg("local stream acquired")
	return stream, granted, nil
}

func (c *Controller) setEnabled(kind core.TrackKind, enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.local == nil {
		return
	}
	for _, t := range c.local.Tracks {
		if t.Kind() == kind {
			t.SetEnabled(enabled)
		}
	}
}

// SetAudioEnabled mutes or unmutes the microphone track(s).
func (c *Controller) SetAudioEnabled(enabled bool) { c.setEnabled(core.KindAudio, enabled) }

// SetVideoEnabled toggles the camera track(s).
func (c *Controller) SetVideoEnabled(enabled bool) { c.setEnabled(core.KindVideo, enabled) }

// StartScreenShare starts a screen capture. onEnded runs, on its own goroutine,
// when the capture is ended from outside (OS picker, user cancel) rather than
// by StopScreenShare.
func (c *Controller) StartScreenShare(ctx context.Context, onEnded func()) (*core.MediaStream, error) {
	c.mu.Lock()
	if c.screen != nil {
		s := c.screen
		c.mu.Unlock()
		return s, nil
	}
	c.mu.Unlock()

	stream, err := c.provider.StartScreenShare(ctx)
	if err != nil {
		return nil, err
	}
	video := stream.Video()
	if len(video) == 0 {
		stream.Stop()
		return nil, domain.ErrScreenShareUnsupported
	}

	c.mu.Lock()
	if c.screen != nil {
		// lost a race with a concurrent start
		winner := c.screen
		c.mu.Unlock()
		stream.Stop()
		return winner, nil
	}
	c.screen = stream
	c.mu.Unlock()

	go c.watchScreen(stream, video[0], onEnded)
	log.Info().Str("module", "app.media").Str("stream", stream.ID).Msg("screen share started")
	return stream, nil
}

func (c *Controller) watchScreen(stream *core.MediaStream, track core.Track, onEnded func()) {
	<-track.Ended()

	c.mu.Lock()
	external := c.screen == stream
	if external {
		c.screen = nil
	}
	c.mu.Unlock()
	if !external {
		return
	}
	stream.Stop()
	log.Info().Str("module", "app.media").Str("stream", stream.ID).Msg("screen share ended externally")
	if onEnded != nil {
		onEnded()
	}
}

// StopScreenShare stops the screen capture, if any.
func (c *Controller) StopScreenShare() {
	c.mu.Lock()
	s := c.screen
	c.screen = nil
	c.mu.Unlock()
	if s == nil {
		return
	}
	s.Stop()
	log.Info().Str("module", "app.media").Str("stream", s.ID).Msg("screen share stopped")
}

// Drop stops stream and forgets it if it is still the current local stream.
// Streams acquired by an operation that lost its session go through here.
func (c *Controller) Drop(stream *core.MediaStream) {
	c.mu.Lock()
	if c.local == stream {
		c.local = nil
	}
	c.mu.Unlock()
	stream.Stop()
}

func (c *Controller) LocalStream() *core.MediaStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.local
}

func (c *Controller) ScreenStream() *core.MediaStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.screen
}

// Release stops every stream the controller owns. Idempotent.
func (c *Controller) Release() {
	c.mu.Lock()
	local, screen := c.local, c.screen
	c.local, c.screen = nil, nil
	c.mu.Unlock()

	if local == nil && screen == nil {
		return
	}
	screen.Stop()
	local.Stop()
	c.provider.Cleanup()
	log.Info().Str("module", "app.media").Msg("media released")
}
