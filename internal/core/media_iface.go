package core

import (
	"context"

	"github.com/pion/webrtc/v4"
)

type TrackKind string

const (
	KindAudio TrackKind = "audio"
	KindVideo TrackKind = "video"
)

// Track is one local capture track.
type Track interface {
	ID() string
	Kind() TrackKind
	Enabled() bool
	// SetEnabled mutes or unmutes without touching the capture device.
	SetEnabled(bool)
	// Stop releases the device. Safe to call more than once.
	Stop()
	// Ended is closed once the track stops, including when the OS or the user
	// ends the capture outside of Stop.
	Ended() <-chan struct{}
	// Local returns the pion track offered to peers.
	Local() webrtc.TrackLocal
}

// MediaStream groups the tracks of one capture.
type MediaStream struct {
	ID     string
	Tracks []Track
}

func (s *MediaStream) byKind(kind TrackKind) []Track {
	if s == nil {
		return nil
	}
	var out []Track
	for _, t := range s.Tracks {
		if t.Kind() == kind {
			out = append(out, t)
		}
	}
	return out
}

func (s *MediaStream) Audio() []Track { return s.byKind(KindAudio) }
func (s *MediaStream) Video() []Track { return s.byKind(KindVideo) }

// Stop stops every track of the stream.
func (s *MediaStream) Stop() {
	if s == nil {
		return
	}
	for _, t := range s.Tracks {
		t.Stop()
	}
}

// MediaProvider is the device layer: it hands out capture streams.
type MediaProvider interface {
	GetLocalStream(ctx context.Context, video, audio bool) (*MediaStream, error)
	StartScreenShare(ctx context.Context) (*MediaStream, error)
	// Cleanup releases whatever the provider still holds.
	Cleanup()
}
