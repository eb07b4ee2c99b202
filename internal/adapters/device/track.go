package device

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/Meet/internal/core"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog/log"
)

// silentOpus is one 20ms Opus frame of silence.
var silentOpus = []byte{0xf8, 0xff, 0xfe}

const frameDuration = 20 * time.Millisecond

type sampleTrack struct {
	local *webrtc.TrackLocalStaticSample
	kind  core.TrackKind

	enabled  atomic.Bool
	written  atomic.Int64
	ended    chan struct{}
	stopOnce sync.Once
	cancel   context.CancelFunc
}

func newSampleTrack(kind core.TrackKind, id, streamID string) (*sampleTrack, error) {
	mime := webrtc.MimeTypeVP8
	if kind == core.KindAudio {
		mime = webrtc.MimeTypeOpus
	}
	local, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mime}, id, streamID)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &sampleTrack{local: local, kind: kind, ended: make(chan struct{}), cancel: cancel}
	t.enabled.Store(true)
	if kind == core.KindAudio {
		go t.pumpSilence(ctx)
	}
	return t, nil
}

// pumpSilence keeps the audio RTP flowing so the remote side sees a live track.
func (t *sampleTrack) pumpSilence(ctx context.Context) {
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !t.enabled.Load() {
				continue
			}
			if err := t.local.WriteSample(media.Sample{Data: silentOpus, Duration: frameDuration}); err != nil {
				log.Debug().Err(err).Str("module", "adapters.device").Str("track", t.local.ID()).Msg("write sample")
				continue
			}
			t.written.Add(1)
		}
	}
}

func (t *sampleTrack) ID() string               { return t.local.ID() }
func (t *sampleTrack) Kind() core.TrackKind     { return t.kind }
func (t *sampleTrack) Enabled() bool            { return t.enabled.Load() }
func (t *sampleTrack) SetEnabled(on bool)       { t.enabled.Store(on) }
func (t *sampleTrack) Ended() <-chan struct{}   { return t.ended }
func (t *sampleTrack) Local() webrtc.TrackLocal { return t.local }

// Stop ends the capture. It is also how an externally ended capture is modelled.
func (t *sampleTrack) Stop() {
	t.stopOnce.Do(func() {
		t.cancel()
		close(t.ended)
	})
}
