package orch

import (
	"context"

	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
)

// attachMedia acquires the camera/microphone stream for s.
func (o *Orchestrator) attachMedia(ctx context.Context, s *session) error {
	want := o.opts.Media
	stream, granted, err := o.media.AcquireLocalStream(ctx, want.Video, want.Audio)
	if err != nil {
		return err
	}
	if !o.step(s, func() {
		granted.ScreenShare = o.st.screenStream != nil
		o.st.localStream = stream
		o.st.mediaState = granted
	}) {
		o.media.Drop(stream)
		return domain.ErrNotActive
	}
	return nil
}

// InitializeMedia retries local media acquisition for the active session, e.g.
// after the user granted a permission they first denied. Once media is up the
// session registers with signaling and answers calls that were waiting.
func (o *Orchestrator) InitializeMedia(ctx context.Context) error {
	var (
		s    *session
		have bool
	)
	o.exec(func() {
		s = o.st.sess
		have = o.st.localStream != nil
	})
	if s == nil {
		return domain.ErrNotActive
	}
	if !have {
		if err := o.attachMedia(ctx, s); err != nil {
			o.apply(func() { o.st.err = err })
			return err
		}
	}
	o.step(s, func() { o.st.err = nil })
	if err := o.attachPeers(ctx, s); err != nil {
		o.apply(func() { o.st.err = err })
		return err
	}
	o.drainQueued(s)
	return nil
}

// ToggleAudio flips the microphone mute state and returns the new media state.
func (o *Orchestrator) ToggleAudio() domain.MediaState {
	var ms domain.MediaState
	o.apply(func() {
		if o.st.localStream != nil {
			o.st.mediaState.Audio = !o.st.mediaState.Audio
			o.media.SetAudioEnabled(o.st.mediaState.Audio)
		}
		ms = o.st.mediaState
	})
	return ms
}

// ToggleVideo flips the camera state and returns the new media state.
func (o *Orchestrator) ToggleVideo() domain.MediaState {
	var ms domain.MediaState
	o.apply(func() {
		if o.st.localStream != nil {
			o.st.mediaState.Video = !o.st.mediaState.Video
			o.media.SetVideoEnabled(o.st.mediaState.Video)
		}
		ms = o.st.mediaState
	})
	return ms
}

// ToggleScreenShare starts sharing the screen to every peer, or stops it and
// puts the camera back.
func (o *Orchestrator) ToggleScreenShare(ctx context.Context) error {
	var (
		s       *session
		sharing bool
	)
	o.exec(func() {
		s = o.st.sess
		sharing = o.st.screenStream != nil
	})
	if s == nil {
		return domain.ErrNotActive
	}
	if sharing {
		o.media.StopScreenShare()
		o.screenStopped(s)
		return nil
	}

	if !o.opts.Media.ScreenShare {
		o.apply(func() { o.st.err = domain.ErrScreenShareUnsupported })
		return domain.ErrScreenShareUnsupported
	}
	stream, err := o.media.StartScreenShare(ctx, func() { o.screenStopped(s) })
	if err != nil {
		o.apply(func() { o.st.err = err })
		return err
	}

	var links []core.PeerLink
	if !o.step(s, func() {
		o.st.screenStream = stream
		o.st.mediaState.ScreenShare = true
		links = liveLinksOwned(s)
	}) {
		if o.media.ScreenStream() == stream {
			o.media.StopScreenShare()
		}
		return domain.ErrNotActive
	}
	o.logger.Info().Int("links", len(links)).Msg("screen share on")
	o.replaceVideo(links, stream.Video()[0])
	return nil
}

// screenStopped runs after the screen capture ended, explicitly or from the
// OS, and restores the camera track on every link.
func (o *Orchestrator) screenStopped(s *session) {
	var (
		links []core.PeerLink
		cam   core.Track
	)
	if !o.step(s, func() {
		o.st.screenStream = nil
		o.st.mediaState.ScreenShare = false
		if v := o.st.localStream.Video(); len(v) > 0 {
			cam = v[0]
		}
		links = liveLinksOwned(s)
	}) {
		return
	}
	o.logger.Info().Int("links", len(links)).Msg("screen share off")
	o.replaceVideo(links, cam)
}

func (o *Orchestrator) replaceVideo(links []core.PeerLink, track core.Track) {
	for _, l := range links {
		if err := l.ReplaceVideo(track); err != nil {
			o.logger.Warn().Err(err).Str("addr", string(l.Address())).Msg("replace video track")
		}
	}
}

// outgoingOwned is the stream offered to new links: the microphone plus the
// screen while sharing, the camera otherwise.
func (o *Orchestrator) outgoingOwned() *core.MediaStream {
	local, screen := o.st.localStream, o.st.screenStream
	if local == nil || screen == nil {
		return local
	}
	out := &core.MediaStream{ID: local.ID}
	out.Tracks = append(out.Tracks, local.Audio()...)
	out.Tracks = append(out.Tracks, screen.Video()...)
	return out
}
