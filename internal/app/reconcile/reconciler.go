// Package reconcile turns polled rosters and inbound handshakes into a
// connection table holding at most one link per signaling address.
package reconcile

import (
	"context"
	"time"

	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/pool"
)

// Dialer is the connect primitive of the signaling backend.
type Dialer interface {
	ConnectToPeer(ctx context.Context, addr domain.PeerAddress, local *core.MediaStream) (core.PeerLink, error)
}

type Outcome struct {
	Peer domain.PeerDescriptor
	Link core.PeerLink
	Err  error
}

type Reconciler struct {
	dialer   Dialer
	maxDials int
	timeout  time.Duration
	logger   zerolog.Logger
}

func New(dialer Dialer, maxDials int, connectTimeout time.Duration) *Reconciler {
	if maxDials <= 0 {
		maxDials = 4
	}
	if connectTimeout <= 0 {
		connectTimeout = 15 * time.Second
	}
	return &Reconciler{
		dialer:   dialer,
		maxDials: maxDials,
		timeout:  connectTimeout,
		logger:   log.With().Str("module", "app.reconcile").Logger(),
	}
}

// Plan picks the roster entries to dial and reserves them in t. It skips self,
// addresses already connected or mid-handshake, and repeated roster entries.
func (r *Reconciler) Plan(self domain.PeerAddress, roster []domain.PeerDescriptor, t *Table) []domain.PeerDescriptor {
	var dial []domain.PeerDescriptor
	for _, p := range roster {
		if p.Address == "" || p.Address == self {
			continue
		}
		if !t.reserve(p.Address) {
			continue
		}
		dial = append(dial, p)
	}
	if len(dial) > 0 {
		r.logger.Debug().Int("roster", len(roster)).Int("dial", len(dial)).Msg("plan")
	}
	return dial
}

// Dial connects to every planned peer, at most maxDials at a time, and returns
// once all attempts have settled. Failures are logged and reported in the
// outcome; they never abort the other attempts.
func (r *Reconciler) Dial(ctx context.Context, peers []domain.PeerDescriptor, local *core.MediaStream) []Outcome {
	out := make([]Outcome, len(peers))
	p := pool.New().WithMaxGoroutines(r.maxDials)
	for i, peer := range peers {
		p.Go(func() {
			dctx, cancel := context.WithTimeout(ctx, r.timeout)
			defer cancel()
			link, err := r.dialer.ConnectToPeer(dctx, peer.Address, local)
			if err != nil {
				r.logger.Warn().Err(err).Str("addr", string(peer.Address)).Msg("connect failed, will retry")
			}
			out[i] = Outcome{Peer: peer, Link: link, Err: err}
		})
	}
	p.Wait()
	return out
}
