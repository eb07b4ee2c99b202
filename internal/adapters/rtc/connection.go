// Package rtc wraps a pion PeerConnection into one peer link: non-trickle
// offer/answer, failure tracking, outgoing video replacement and fan-out of
// the remote tracks.
package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrNoVideoSender = errors.New("link has no video sender")

func DefaultWebRTCConfig(iceServers []string) webrtc.Configuration {
	if len(iceServers) == 0 {
		iceServers = []string{"stun:stun.l.google.com:19302"}
	}
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: iceServers}},
	}
}

type Link struct {
	id     string
	addr   domain.PeerAddress
	pc     *webrtc.PeerConnection
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	videoSender *webrtc.RTPSender

	failed    atomic.Bool
	closing   atomic.Bool
	eventOnce sync.Once
	closeOnce sync.Once

	onEvent func(core.ConnectionEvent)
	onClose func()

	mu       sync.Mutex
	streamID string
	fanouts  []*Fanout
	received map[core.TrackKind]*Counter
}

// NewLink creates the PeerConnection and attaches the outgoing tracks of local.
// A video sender is always present so screen share can replace it later.
// onEvent receives at most one event, when the transport fails or closes.
func NewLink(cfg webrtc.Configuration, id string, addr domain.PeerAddress, local *core.MediaStream, onEvent func(core.ConnectionEvent)) (*Link, error) {
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := &Link{
		id:       id,
		addr:     addr,
		pc:       pc,
		logger:   log.With().Str("module", "webrtc").Str("link", id).Str("peer", string(addr)).Logger(),
		ctx:      ctx,
		cancel:   cancel,
		onEvent:  onEvent,
		received: make(map[core.TrackKind]*Counter),
	}
	if err := l.addTracks(local); err != nil {
		cancel()
		_ = pc.Close()
		return nil, err
	}
	l.bindHandlers()
	return l, nil
}

func (l *Link) addTracks(local *core.MediaStream) error {
	hasAudio := false
	if local != nil {
		for _, t := range local.Tracks {
			lt := t.Local()
			if lt == nil {
				continue
			}
			sender, err := l.pc.AddTrack(lt)
			if err != nil {
				return fmt.Errorf("add %s track: %w", t.Kind(), err)
			}
			go drainRTCP(sender)
			switch t.Kind() {
			case core.KindVideo:
				if l.videoSender == nil {
					l.videoSender = sender
				}
			case core.KindAudio:
				hasAudio = true
			}
		}
	}
	if l.videoSender == nil {
		tr, err := l.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo,
			webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionSendrecv})
		if err != nil {
			return fmt.Errorf("add video transceiver: %w", err)
		}
		l.videoSender = tr.Sender()
	}
	if !hasAudio {
		if _, err := l.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio,
			webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}); err != nil {
			return fmt.Errorf("add audio transceiver: %w", err)
		}
	}
	return nil
}

// drainRTCP keeps the interceptors fed; pion needs sender RTCP to be read.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (l *Link) bindHandlers() {
	l.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		l.logger.Info().Str("peer_connection_state", s.String()).Msg("Peer state")
		switch s {
		case webrtc.PeerConnectionStateFailed:
			l.failed.Store(true)
			l.emit(core.LinkFailed)
		case webrtc.PeerConnectionStateClosed:
			l.emit(core.LinkClosed)
		}
	})

	l.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		l.logger.Info().
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")

		kind := core.KindAudio
		if track.Kind() == webrtc.RTPCodecTypeVideo {
			kind = core.KindVideo
		}
		f := NewFanout(remoteSource{track: track})
		l.mu.Lock()
		if l.streamID == "" {
			l.streamID = track.StreamID()
		}
		counter, ok := l.received[kind]
		if !ok {
			counter = &Counter{}
			l.received[kind] = counter
		}
		l.fanouts = append(l.fanouts, f)
		l.mu.Unlock()
		f.AddSink("stats", counter)

		logger := l.logger.With().Str("track_id", track.ID()).Logger()
		go f.Run(l.ctx, &logger)
	})
}

// emit reports the end of the link once. Links closed locally stay silent.
func (l *Link) emit(kind core.ConnectionEventKind) {
	if l.closing.Load() && kind == core.LinkClosed {
		return
	}
	l.eventOnce.Do(func() {
		if l.onEvent != nil {
			l.onEvent(core.ConnectionEvent{Address: l.addr, LinkID: l.id, Kind: kind})
		}
	})
}

// Offer creates the local offer and waits for ICE gathering to complete.
func (l *Link) Offer(ctx context.Context) (string, error) {
	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	return l.setLocal(ctx, offer)
}

// Accept applies the remote answer to our offer.
func (l *Link) Accept(answerSDP string) error {
	return l.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answerSDP})
}

// Answer applies a remote offer and returns the gathered local answer.
func (l *Link) Answer(ctx context.Context, offerSDP string) (string, error) {
	if err := l.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}); err != nil {
		return "", fmt.Errorf("apply offer: %w", err)
	}
	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	return l.setLocal(ctx, answer)
}

func (l *Link) setLocal(ctx context.Context, desc webrtc.SessionDescription) (string, error) {
	gatherComplete := webrtc.GatheringCompletePromise(l.pc)
	if err := l.pc.SetLocalDescription(desc); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return l.pc.LocalDescription().SDP, nil
}

func (l *Link) ID() string                  { return l.id }
func (l *Link) Address() domain.PeerAddress { return l.addr }
func (l *Link) Failed() bool                { return l.failed.Load() }

func (l *Link) StreamID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.streamID == "" {
		return l.id
	}
	return l.streamID
}

// Received returns the packets and payload bytes received per track kind.
func (l *Link) Received() map[core.TrackKind][2]int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[core.TrackKind][2]int64, len(l.received))
	for kind, c := range l.received {
		out[kind] = [2]int64{c.Packets(), c.Bytes()}
	}
	return out
}

// Fanouts returns the fan-outs of the remote tracks received so far.
func (l *Link) Fanouts() []*Fanout {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Fanout(nil), l.fanouts...)
}

// ReplaceVideo swaps the outgoing video. A nil track sends nothing.
func (l *Link) ReplaceVideo(t core.Track) error {
	if l.videoSender == nil {
		return ErrNoVideoSender
	}
	var lt webrtc.TrackLocal
	if t != nil {
		lt = t.Local()
	}
	return l.videoSender.ReplaceTrack(lt)
}

// OnClose registers fn to run once when the link is closed locally.
func (l *Link) OnClose(fn func()) { l.onClose = fn }

// Close hangs up. The peer is told through the OnClose hook.
func (l *Link) Close() error {
	var err error
	l.closeOnce.Do(func() {
		l.closing.Store(true)
		if l.onClose != nil {
			l.onClose()
		}
		err = l.shutdown()
	})
	return err
}

// Terminate closes the link because the peer hung up, and reports it. A
// terminated link counts as failed.
func (l *Link) Terminate() {
	l.failed.Store(true)
	l.closeOnce.Do(func() {
		_ = l.shutdown()
		l.eventOnce.Do(func() {
			if l.onEvent != nil {
				l.onEvent(core.ConnectionEvent{Address: l.addr, LinkID: l.id, Kind: core.LinkClosed})
			}
		})
	})
}

func (l *Link) shutdown() error {
	l.cancel()
	if err := l.pc.Close(); err != nil {
		l.logger.Error().Err(err).Msg("close error")
		return err
	}
	l.logger.Info().Msg("closed")
	return nil
}
