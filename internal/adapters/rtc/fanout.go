package rtc

import (
	"context"
	"maps"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// PacketSource yields RTP packets until it fails.
type PacketSource interface {
	ReadRTP() (*rtp.Packet, error)
}

type remoteSource struct{ track *webrtc.TrackRemote }

func (s remoteSource) ReadRTP() (*rtp.Packet, error) {
	pkt, _, err := s.track.ReadRTP()
	return pkt, err
}

// Sink receives forwarded packets. *webrtc.TrackLocalStaticRTP is one.
type Sink interface {
	WriteRTP(*rtp.Packet) error
}

type sinkState int32

const (
	sinkOk sinkState = iota
	sinkMuted
	sinkDelete
)

type outSink struct {
	sink  Sink
	state atomic.Int32
}

// Fanout reads one remote track and forwards every packet to its sinks. A sink
// that fails a write is dropped.
type Fanout struct {
	src PacketSource

	mu    sync.RWMutex
	sinks map[string]*outSink
	done  chan struct{}
}

func NewFanout(src PacketSource) *Fanout {
	return &Fanout{
		src:   src,
		sinks: make(map[string]*outSink),
		done:  make(chan struct{}),
	}
}

func (f *Fanout) AddSink(name string, s Sink) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sinks[name] = &outSink{sink: s}
}

// Mute keeps the sink attached but stops writing to it.
func (f *Fanout) Mute(name string, muted bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if s, ok := f.sinks[name]; ok {
		if muted {
			s.state.Store(int32(sinkMuted))
		} else {
			s.state.Store(int32(sinkOk))
		}
	}
}

func (f *Fanout) RemoveSink(name string) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if s, ok := f.sinks[name]; ok {
		s.state.Store(int32(sinkDelete))
	}
}

func (f *Fanout) SinkCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.sinks)
}

// Done is closed when Run returns.
func (f *Fanout) Done() <-chan struct{} { return f.done }

// Run forwards until ctx is done or the source fails.
func (f *Fanout) Run(ctx context.Context, logger *zerolog.Logger) {
	defer close(f.done)
	for {
		if ctx.Err() != nil {
			logger.Debug().Msg("fanout ctx done")
			return
		}
		pkt, err := f.src.ReadRTP()
		if err != nil {
			logger.Debug().Err(err).Msg("fanout source ended")
			return
		}
		f.forward(pkt, logger)
	}
}

func (f *Fanout) forward(pkt *rtp.Packet, logger *zerolog.Logger) {
	f.mu.RLock()
	snapshot := maps.Clone(f.sinks)
	f.mu.RUnlock()

	var dirty []string
	for name, s := range snapshot {
		switch sinkState(s.state.Load()) {
		case sinkDelete:
			dirty = append(dirty, name)
		case sinkMuted:
		case sinkOk:
			if err := s.sink.WriteRTP(pkt); err != nil {
				logger.Warn().Err(err).Str("sink", name).Msg("fanout write failed, dropping sink")
				s.state.Store(int32(sinkDelete))
				dirty = append(dirty, name)
			}
		}
	}
	if len(dirty) > 0 {
		f.mu.Lock()
		for _, name := range dirty {
			delete(f.sinks, name)
		}
		f.mu.Unlock()
	}
}

// Counter is a Sink that only counts what it receives.
type Counter struct {
	packets atomic.Int64
	bytes   atomic.Int64
}

func (c *Counter) WriteRTP(pkt *rtp.Packet) error {
	c.packets.Add(1)
	c.bytes.Add(int64(len(pkt.Payload)))
	return nil
}

func (c *Counter) Packets() int64 { return c.packets.Load() }
func (c *Counter) Bytes() int64   { return c.bytes.Load() }
