package reconcile

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/core/coretest"
	"github.com/dkeye/Meet/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func peer(addr string) domain.PeerDescriptor {
	return domain.PeerDescriptor{Address: domain.PeerAddress(addr)}
}

func addrs(t *Table) []domain.PeerAddress {
	var out []domain.PeerAddress
	for _, e := range t.Entries() {
		out = append(out, e.Peer.Address)
	}
	return out
}

func TestPlan_ExcludesSelfAndDuplicates(t *testing.T) {
	r := New(coretest.NewFakeSignaling(), 2, 0)
	tbl := NewTable()

	plan := r.Plan("me", []domain.PeerDescriptor{peer("me"), peer("p1"), peer("p1"), peer(""), peer("p2")}, tbl)
	assert.Equal(t, []domain.PeerDescriptor{peer("p1"), peer("p2")}, plan)
	assert.True(t, tbl.Pending("p1"))

	// a second pass while the first is in flight plans nothing
	assert.Empty(t, r.Plan("me", []domain.PeerDescriptor{peer("p1"), peer("p2")}, tbl))
}

func TestReconcile_RosterOfTwoYieldsTwoEntries(t *testing.T) {
	sig := coretest.NewFakeSignaling()
	r := New(sig, 4, 0)
	tbl := NewTable()

	plan := r.Plan("me", []domain.PeerDescriptor{peer("p1"), peer("p2")}, tbl)
	for _, o := range r.Dial(context.Background(), plan, &core.MediaStream{ID: "local"}) {
		assert.Equal(t, Inserted, tbl.ApplyOutcome(o).Decision)
	}

	assert.Equal(t, []domain.PeerAddress{"p1", "p2"}, addrs(tbl))
	assert.False(t, tbl.Pending("p1"))

	// idempotent: the same roster again dials nobody
	assert.Empty(t, r.Plan("me", []domain.PeerDescriptor{peer("p1"), peer("p2")}, tbl))
	assert.Len(t, sig.ConnectedTo(), 2)
}

func TestReconcile_FailedDialIsRetriedNextPass(t *testing.T) {
	sig := coretest.NewFakeSignaling()
	sig.ConnectErr["p1"] = errors.New("ice failed")
	r := New(sig, 4, 0)
	tbl := NewTable()

	plan := r.Plan("me", []domain.PeerDescriptor{peer("p1")}, tbl)
	out := r.Dial(context.Background(), plan, nil)
	require.Len(t, out, 1)
	assert.Equal(t, Omitted, tbl.ApplyOutcome(out[0]).Decision)
	assert.Zero(t, tbl.Len())

	sig.Set(func(f *coretest.FakeSignaling) { delete(f.ConnectErr, "p1") })
	plan = r.Plan("me", []domain.PeerDescriptor{peer("p1")}, tbl)
	require.Len(t, plan, 1)
	out = r.Dial(context.Background(), plan, nil)
	assert.Equal(t, Inserted, tbl.ApplyOutcome(out[0]).Decision)
}

func TestInbound_KeepsLiveEntryReplacesFailed(t *testing.T) {
	tbl := NewTable()
	existing := coretest.NewFakeLink("x")
	tbl.reserve("x")
	require.Equal(t, Inserted, tbl.ApplyOutcome(Outcome{Peer: peer("x"), Link: existing}).Decision)

	assert.False(t, tbl.AdmitInbound("x", "me"), "live entry wins")

	existing.Fail()
	require.True(t, tbl.AdmitInbound("x", "me"))
	incoming := coretest.NewFakeLink("x")
	res := tbl.ApplyInbound(peer("x"), incoming, nil)
	assert.Equal(t, Replaced, res.Decision)
	assert.Same(t, existing, res.Evicted.Link)
	e, ok := tbl.Get("x")
	require.True(t, ok)
	assert.Same(t, incoming, e.Link)
	assert.Equal(t, Inbound, e.Direction)
}

func TestInbound_GlareLowerAddressWins(t *testing.T) {
	t.Run("remote lower", func(t *testing.T) {
		tbl := NewTable()
		require.True(t, tbl.reserve("a"))
		require.True(t, tbl.AdmitInbound("a", "b"))

		// our dial comes back after losing
		res := tbl.ApplyOutcome(Outcome{Peer: peer("a"), Link: coretest.NewFakeLink("a")})
		assert.Equal(t, Discarded, res.Decision)

		res = tbl.ApplyInbound(peer("a"), coretest.NewFakeLink("a"), nil)
		assert.Equal(t, Inserted, res.Decision)
		assert.Equal(t, 1, tbl.Len())
	})
	t.Run("remote higher", func(t *testing.T) {
		tbl := NewTable()
		require.True(t, tbl.reserve("b"))
		assert.False(t, tbl.AdmitInbound("b", "a"))
		res := tbl.ApplyOutcome(Outcome{Peer: peer("b"), Link: coretest.NewFakeLink("b")})
		assert.Equal(t, Inserted, res.Decision)
	})
}

func TestDisconnect_PriorityOverPendingDial(t *testing.T) {
	tbl := NewTable()
	require.True(t, tbl.reserve("p1"))

	_, removed := tbl.Disconnect(core.ConnectionEvent{Address: "p1", Kind: core.LinkClosed})
	assert.False(t, removed)

	res := tbl.ApplyOutcome(Outcome{Peer: peer("p1"), Link: coretest.NewFakeLink("p1")})
	assert.Equal(t, Discarded, res.Decision, "a disconnect during the dial wins over the roster")
	assert.Zero(t, tbl.Len())
}

func TestDisconnect_IgnoresEventsOfReplacedLink(t *testing.T) {
	tbl := NewTable()
	old := coretest.NewFakeLink("p1")
	tbl.reserve("p1")
	tbl.ApplyOutcome(Outcome{Peer: peer("p1"), Link: old})
	old.Fail()
	require.True(t, tbl.AdmitInbound("p1", "zz"))
	cur := coretest.NewFakeLink("p1")
	tbl.ApplyInbound(peer("p1"), cur, nil)

	_, removed := tbl.Disconnect(core.ConnectionEvent{Address: "p1", LinkID: old.ID(), Kind: core.LinkFailed})
	assert.False(t, removed)

	e, removed := tbl.Disconnect(core.ConnectionEvent{Address: "p1", LinkID: cur.ID(), Kind: core.LinkClosed})
	assert.True(t, removed)
	assert.Same(t, cur, e.Link)
}

func TestDisconnect_LinkDiesBeforeOutcomeLands(t *testing.T) {
	r := New(coretest.NewFakeSignaling(), 4, 0)
	tbl := NewTable()

	plan := r.Plan("me", []domain.PeerDescriptor{peer("p1")}, tbl)
	out := r.Dial(context.Background(), plan, nil)
	require.Len(t, out, 1)
	link := out[0].Link.(*coretest.FakeLink)

	// the peer hangs up while the rest of the pass is still dialing
	_, removed := tbl.Disconnect(core.ConnectionEvent{Address: "p1", LinkID: link.ID(), Kind: core.LinkClosed})
	assert.False(t, removed)

	assert.Equal(t, Discarded, tbl.ApplyOutcome(out[0]).Decision)
	assert.Zero(t, tbl.Len())
	assert.Len(t, r.Plan("me", []domain.PeerDescriptor{peer("p1")}, tbl), 1, "the address is dialed again")
}

func TestApply_FailedLinkIsNotInserted(t *testing.T) {
	r := New(coretest.NewFakeSignaling(), 4, 0)
	tbl := NewTable()

	out := r.Dial(context.Background(), r.Plan("me", []domain.PeerDescriptor{peer("p1")}, tbl), nil)
	require.Len(t, out, 1)
	out[0].Link.(*coretest.FakeLink).Fail()
	assert.Equal(t, Discarded, tbl.ApplyOutcome(out[0]).Decision)
	assert.Zero(t, tbl.Len())

	require.True(t, tbl.AdmitInbound("p1", "me"))
	dead := coretest.NewFakeLink("p1")
	dead.Fail()
	assert.Equal(t, Discarded, tbl.ApplyInbound(peer("p1"), dead, nil).Decision)
	assert.Len(t, r.Plan("me", []domain.PeerDescriptor{peer("p1")}, tbl), 1)
}

func TestDisconnect_EventOfOldLinkSparesInboundReplacement(t *testing.T) {
	tbl := NewTable()
	old := coretest.NewFakeLink("p1")
	tbl.reserve("p1")
	tbl.ApplyOutcome(Outcome{Peer: peer("p1"), Link: old})
	old.Fail()
	require.True(t, tbl.AdmitInbound("p1", "zz"))

	e, removed := tbl.Disconnect(core.ConnectionEvent{Address: "p1", LinkID: old.ID(), Kind: core.LinkFailed})
	require.True(t, removed)
	assert.Same(t, old, e.Link)

	cur := coretest.NewFakeLink("p1")
	assert.Equal(t, Inserted, tbl.ApplyInbound(peer("p1"), cur, nil).Decision)
}

func TestDrain_DiscardsInFlight(t *testing.T) {
	tbl := NewTable()
	tbl.reserve("p1")
	tbl.reserve("p2")
	tbl.ApplyOutcome(Outcome{Peer: peer("p1"), Link: coretest.NewFakeLink("p1")})

	drained := tbl.Drain()
	assert.Len(t, drained, 1)
	assert.Zero(t, tbl.Len())

	res := tbl.ApplyOutcome(Outcome{Peer: peer("p2"), Link: coretest.NewFakeLink("p2")})
	assert.Equal(t, Discarded, res.Decision)
	assert.Zero(t, tbl.Len())
}

// At most one entry per address, and every link handed to the table is either
// in it, returned for closing, or was never established, whatever the
// interleaving of roster passes, inbound calls and disconnects.
func TestTable_OneEntryPerAddressUnderRandomInterleaving(t *testing.T) {
	const self = domain.PeerAddress("m")
	pool := []domain.PeerAddress{"a", "f", "k", "p", "t", "z"}

	for seed := int64(1); seed <= 200; seed++ {
		t.Run(fmt.Sprintf("seed-%d", seed), func(t *testing.T) {
			rng := rand.New(rand.NewSource(seed))
			tbl := NewTable()
			r := New(coretest.NewFakeSignaling(), 4, 0)

			type flight struct {
				peer domain.PeerDescriptor
				dir  Direction
			}
			var inFlight []flight
			live := map[core.PeerLink]bool{}

			settle := func(i int) {
				f := inFlight[i]
				inFlight = append(inFlight[:i], inFlight[i+1:]...)
				var (
					link core.PeerLink
					err  error
				)
				if rng.Intn(5) == 0 {
					err = errors.New("failed")
				} else {
					link = coretest.NewFakeLink(f.peer.Address)
				}
				var res Result
				if f.dir == Outbound {
					res = tbl.ApplyOutcome(Outcome{Peer: f.peer, Link: link, Err: err})
				} else {
					res = tbl.ApplyInbound(f.peer, link, err)
				}
				switch res.Decision {
				case Inserted:
					live[link] = true
				case Replaced:
					live[link] = true
					delete(live, res.Evicted.Link)
				}
			}

			for step := 0; step < 60; step++ {
				switch op := rng.Intn(5); {
				case op == 0:
					var roster []domain.PeerDescriptor
					for _, a := range append(pool, self) {
						if rng.Intn(2) == 0 {
							roster = append(roster, domain.PeerDescriptor{Address: a})
						}
					}
					for _, p := range r.Plan(self, roster, tbl) {
						assert.NotEqual(t, self, p.Address)
						inFlight = append(inFlight, flight{peer: p, dir: Outbound})
					}
				case op == 1:
					a := pool[rng.Intn(len(pool))]
					if tbl.AdmitInbound(a, self) {
						inFlight = append(inFlight, flight{peer: domain.PeerDescriptor{Address: a}, dir: Inbound})
					}
				case op == 2 && len(inFlight) > 0:
					settle(rng.Intn(len(inFlight)))
				case op == 3:
					a := pool[rng.Intn(len(pool))]
					if e, ok := tbl.Disconnect(core.ConnectionEvent{Address: a, Kind: core.LinkClosed}); ok {
						delete(live, e.Link)
					}
				case op == 4:
					if es := tbl.Entries(); len(es) > 0 {
						es[rng.Intn(len(es))].Link.(*coretest.FakeLink).Fail()
					}
				}

				seen := map[domain.PeerAddress]bool{}
				for _, e := range tbl.Entries() {
					assert.False(t, seen[e.Peer.Address], "duplicate entry for %s", e.Peer.Address)
					seen[e.Peer.Address] = true
					assert.NotEqual(t, self, e.Peer.Address)
					assert.Equal(t, e.Peer.Address, e.Link.Address())
				}
				assert.Equal(t, len(live), tbl.Len())
			}
		})
	}
}
