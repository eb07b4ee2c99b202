package media

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/core/coretest"
	"github.com/dkeye/Meet/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireLocalStream_ReportsGrantedTracks(t *testing.T) {
	p := coretest.NewFakeProvider()
	p.GrantVideo = false
	c := NewController(p)

	stream, ms, err := c.AcquireLocalStream(context.Background(), true, true)
	require.NoError(t, err)
	assert.Len(t, stream.Audio(), 1)
	assert.Empty(t, stream.Video())
	assert.Equal(t, domain.MediaState{Audio: true}, ms)
	assert.Same(t, stream, c.LocalStream())
}

func TestAcquireLocalStream_Errors(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		grantV  bool
		grantA  bool
		wantErr error
	}{
		{name: "denied", err: domain.ErrMediaAccessDenied, grantV: true, grantA: true, wantErr: domain.ErrMediaAccessDenied},
		{name: "unknown provider error", err: errors.New("boom"), grantV: true, grantA: true, wantErr: domain.ErrDeviceUnavailable},
		{name: "nothing granted", grantV: false, grantA: false, wantErr: domain.ErrDeviceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := coretest.NewFakeProvider()
			p.LocalErr = tt.err
			p.GrantVideo, p.GrantAudio = tt.grantV, tt.grantA
			c := NewController(p)

			stream, _, err := c.AcquireLocalStream(context.Background(), true, true)
			assert.Nil(t, stream)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Nil(t, c.LocalStream())
		})
	}
}

func TestAcquireLocalStream_ReplacesPrevious(t *testing.T) {
	p := coretest.NewFakeProvider()
	c := NewController(p)

	first, _, err := c.AcquireLocalStream(context.Background(), true, true)
	require.NoError(t, err)
	second, _, err := c.AcquireLocalStream(context.Background(), true, true)
	require.NoError(t, err)

	for _, tr := range first.Tracks {
		assert.True(t, tr.(*coretest.FakeTrack).Stopped())
	}
	for _, tr := range second.Tracks {
		assert.False(t, tr.(*coretest.FakeTrack).Stopped())
	}
}

func TestSetEnabled_TogglesTracksOfKind(t *testing.T) {
	c := NewController(coretest.NewFakeProvider())
	// no stream yet: must not panic
	c.SetAudioEnabled(false)

	stream, _, err := c.AcquireLocalStream(context.Background(), true, true)
	require.NoError(t, err)

	c.SetAudioEnabled(false)
	assert.False(t, stream.Audio()[0].Enabled())
	assert.True(t, stream.Video()[0].Enabled())

	c.SetVideoEnabled(false)
	c.SetAudioEnabled(true)
	assert.True(t, stream.Audio()[0].Enabled())
	assert.False(t, stream.Video()[0].Enabled())
}

func TestScreenShare_StopExplicitlyDoesNotFireOnEnded(t *testing.T) {
	c := NewController(coretest.NewFakeProvider())
	fired := make(chan struct{}, 1)

	s, err := c.StartScreenShare(context.Background(), func() { fired <- struct{}{} })
	require.NoError(t, err)
	assert.Same(t, s, c.ScreenStream())

	again, err := c.StartScreenShare(context.Background(), nil)
	require.NoError(t, err)
	assert.Same(t, s, again, "a second start returns the running share")

	c.StopScreenShare()
	assert.Nil(t, c.ScreenStream())
	select {
	case <-fired:
		t.Fatal("onEnded fired for an explicit stop")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestScreenShare_ExternalCancellationIsDetected(t *testing.T) {
	p := coretest.NewFakeProvider()
	c := NewController(p)
	fired := make(chan struct{})

	_, err := c.StartScreenShare(context.Background(), func() { close(fired) })
	require.NoError(t, err)

	// the OS ends the capture
	p.LastScreen().Video()[0].(*coretest.FakeTrack).End()

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("external end not detected")
	}
	assert.Nil(t, c.ScreenStream())
}

func TestScreenShare_Unsupported(t *testing.T) {
	p := coretest.NewFakeProvider()
	p.ScreenErr = domain.ErrScreenShareUnsupported
	c := NewController(p)

	_, err := c.StartScreenShare(context.Background(), nil)
	assert.ErrorIs(t, err, domain.ErrScreenShareUnsupported)
	assert.Nil(t, c.ScreenStream())
}

func TestRelease_Idempotent(t *testing.T) {
	p := coretest.NewFakeProvider()
	c := NewController(p)

	stream, _, err := c.AcquireLocalStream(context.Background(), true, true)
	require.NoError(t, err)
	screen, err := c.StartScreenShare(context.Background(), nil)
	require.NoError(t, err)

	c.Release()
	c.Release()

	assert.Equal(t, 1, p.CleanupCount())
	assert.Nil(t, c.LocalStream())
	assert.Nil(t, c.ScreenStream())
	for _, tr := range append(stream.Tracks, screen.Tracks...) {
		assert.True(t, tr.(*coretest.FakeTrack).Stopped())
	}
}

func TestDrop_OnlyForgetsCurrentStream(t *testing.T) {
	c := NewController(coretest.NewFakeProvider())
	old, _, err := c.AcquireLocalStream(context.Background(), true, true)
	require.NoError(t, err)
	cur, _, err := c.AcquireLocalStream(context.Background(), true, true)
	require.NoError(t, err)

	c.Drop(old)
	assert.Same(t, cur, c.LocalStream())

	c.Drop(cur)
	assert.Nil(t, c.LocalStream())
	assert.True(t, cur.Tracks[0].(*coretest.FakeTrack).Stopped())
}

var _ core.MediaProvider = (*coretest.FakeProvider)(nil)
