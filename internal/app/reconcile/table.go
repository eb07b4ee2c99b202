package reconcile

import (
	"slices"
	"strings"
	"time"

	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
)

type Direction string

const (
	Outbound Direction = "outbound"
	Inbound  Direction = "inbound"
)

// Entry is one established link, keyed by the remote signaling address.
type Entry struct {
	Peer      domain.PeerDescriptor
	Link      core.PeerLink
	Direction Direction
	Since     time.Time
}

type attempt struct {
	dir     Direction
	dropped bool
	// dead holds ids of links reported closed or failed before the attempt settled.
	dead []string
}

type Decision int

const (
	// Inserted: the link is now in the table.
	Inserted Decision = iota
	// Replaced: inserted, and Result.Evicted held a failed link for the same address.
	Replaced
	// Discarded: the caller must close the link, it was not inserted.
	Discarded
	// Omitted: the attempt failed, nothing to insert; the next pass retries.
	Omitted
)

type Result struct {
	Decision Decision
	Entry    *Entry
	Evicted  *Entry
}

// Table is the connection table. It is not safe for concurrent use: exactly
// one owner mutates it, and whoever receives a Discarded link or an evicted
// entry closes it.
type Table struct {
	entries map[domain.PeerAddress]*Entry
	pending map[domain.PeerAddress]*attempt
	now     func() time.Time
}

func NewTable() *Table {
	return &Table{
		entries: make(map[domain.PeerAddress]*Entry),
		pending: make(map[domain.PeerAddress]*attempt),
		now:     time.Now,
	}
}

func (t *Table) Len() int { return len(t.entries) }

func (t *Table) Get(addr domain.PeerAddress) (*Entry, bool) {
	e, ok := t.entries[addr]
	return e, ok
}

// Pending reports whether a handshake with addr is in flight.
func (t *Table) Pending(addr domain.PeerAddress) bool {
	_, ok := t.pending[addr]
	return ok
}

// Entries returns the entries ordered by address.
func (t *Table) Entries() []*Entry {
	out := make([]*Entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e)
	}
	slices.SortFunc(out, func(a, b *Entry) int {
		return strings.Compare(string(a.Peer.Address), string(b.Peer.Address))
	})
	return out
}

// reserve marks an outbound attempt for addr, reporting false if one of the
// idempotence rules forbids dialing it.
func (t *Table) reserve(addr domain.PeerAddress) bool {
	if _, ok := t.entries[addr]; ok {
		return false
	}
	if _, ok := t.pending[addr]; ok {
		return false
	}
	t.pending[addr] = &attempt{dir: Outbound}
	return true
}

// settle finishes an attempt and reports whether link must not be inserted:
// the attempt was dropped meanwhile or link was reported dead before it landed.
func (t *Table) settle(addr domain.PeerAddress, dir Direction, link core.PeerLink) (dropped bool) {
	a, ok := t.pending[addr]
	if !ok || a.dir != dir {
		// no record of this attempt: the table was drained under it
		return true
	}
	delete(t.pending, addr)
	if a.dropped {
		return true
	}
	return link != nil && slices.Contains(a.dead, link.ID())
}

func (t *Table) insert(peer domain.PeerDescriptor, link core.PeerLink, dir Direction) Result {
	if link.Failed() {
		// the address stays free, so the next pass dials it again
		return Result{Decision: Discarded}
	}
	e := &Entry{Peer: peer, Link: link, Direction: dir, Since: t.now()}
	old, ok := t.entries[peer.Address]
	if ok && !old.Link.Failed() {
		return Result{Decision: Discarded, Entry: old}
	}
	t.entries[peer.Address] = e
	if ok {
		return Result{Decision: Replaced, Entry: e, Evicted: old}
	}
	return Result{Decision: Inserted, Entry: e}
}

// ApplyOutcome records the result of an outbound dial started by Plan.
func (t *Table) ApplyOutcome(o Outcome) Result {
	dropped := t.settle(o.Peer.Address, Outbound, o.Link)
	if o.Err != nil || o.Link == nil {
		return Result{Decision: Omitted}
	}
	if dropped {
		return Result{Decision: Discarded}
	}
	return t.insert(o.Peer, o.Link, Outbound)
}

// AdmitInbound decides whether an inbound handshake from addr may be answered.
// self is the local address, used to break glare when both sides dial at once:
// the offer coming from the lower address wins.
func (t *Table) AdmitInbound(addr, self domain.PeerAddress) bool {
	if e, ok := t.entries[addr]; ok && !e.Link.Failed() {
		return false
	}
	if a, ok := t.pending[addr]; ok {
		if a.dir == Inbound || a.dropped {
			return false
		}
		if !(addr < self) {
			return false
		}
		// our dial loses: settle finds an inbound record and discards it
		t.pending[addr] = &attempt{dir: Inbound}
		return true
	}
	t.pending[addr] = &attempt{dir: Inbound}
	return true
}

// ApplyInbound records the result of answering an admitted inbound handshake.
func (t *Table) ApplyInbound(peer domain.PeerDescriptor, link core.PeerLink, err error) Result {
	dropped := t.settle(peer.Address, Inbound, link)
	if err != nil || link == nil {
		return Result{Decision: Omitted}
	}
	if dropped {
		return Result{Decision: Discarded}
	}
	return t.insert(peer, link, Inbound)
}

// Disconnect removes the entry named by ev, if it still holds the link the
// event is about. An event without a link id cancels any attempt in flight for
// the address; one naming a link keeps that link out of the table if it is
// still being handshaken.
func (t *Table) Disconnect(ev core.ConnectionEvent) (*Entry, bool) {
	if a, ok := t.pending[ev.Address]; ok {
		if ev.LinkID == "" {
			a.dropped = true
		} else {
			a.dead = append(a.dead, ev.LinkID)
		}
	}
	e, ok := t.entries[ev.Address]
	if !ok {
		return nil, false
	}
	if ev.LinkID != "" && e.Link.ID() != ev.LinkID {
		return nil, false
	}
	delete(t.entries, ev.Address)
	return e, true
}

// Drain empties the table and returns every entry for the caller to close.
// Attempts still in flight come back Discarded.
func (t *Table) Drain() []*Entry {
	out := t.Entries()
	clear(t.entries)
	clear(t.pending)
	return out
}
