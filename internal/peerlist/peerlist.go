// Package peerlist decides which peers of a transfer to connect to, which to
// drop, and which to ban, while keeping the per-transfer peer list bounded.
//
// A PeerList is driven by a single goroutine per transfer. Discovery sources
// feed it through FindOrCreate, the transfer's tick asks NextCandidate for a
// peer to dial, and the connection layer reports connection events through
// ConnectTo, NewConnection, UpdatePeerPort and ConnectionClosed. No method
// blocks or performs I/O, and scans are bounded to 300 entries.
package peerlist

import (
	"fmt"
	"net/netip"

	"github.com/tendermint/peerpolicy/libs/log"
)

// PeerList manages the peers of one transfer. It is not safe for concurrent
// use.
type PeerList struct {
	logger  log.Logger
	options Options
	filter  filter
	metrics *Metrics
	store   *peerStore

	finished  bool
	paused    bool
	trackerIP netip.Addr

	// connections per autonomous system, when an ASNResolver is set.
	asnConnections map[uint32]int
}

// NewPeerList creates a new, empty peer list.
func NewPeerList(logger log.Logger, options Options) (*PeerList, error) {
	if err := options.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}

	l := &PeerList{
		logger:         logger,
		options:        options,
		filter:         options.filter(),
		metrics:        NopMetrics(),
		store:          newPeerStore(options.AllowMultipleConnectionsPerIP),
		asnConnections: map[uint32]int{},
	}
	if options.Metrics != nil {
		l.metrics = options.Metrics
	}
	l.updateGauges()
	return l, nil
}

// ApplyOptions replaces the options of a running peer list. Settings that
// affect eligibility take effect through a full recount, and the peer list
// is trimmed if the new limit is lower.
func (l *PeerList) ApplyOptions(options Options) error {
	if err := options.Validate(); err != nil {
		return err
	}
	if options.AllowMultipleConnectionsPerIP != l.options.AllowMultipleConnectionsPerIP && l.store.Size() > 0 {
		return fmt.Errorf("can't change AllowMultipleConnectionsPerIP of a non-empty peer list")
	}
	if options.Metrics == nil {
		options.Metrics = l.metrics
	}
	if old := l.options.SessionCounters; old != options.SessionCounters {
		if old != nil {
			old.AddConnections(-l.store.numConnected)
		}
		if options.SessionCounters != nil {
			options.SessionCounters.AddConnections(l.store.numConnected)
		}
	}
	l.options = options
	l.asnConnections = map[uint32]int{}
	for _, idx := range l.store.order {
		rec := &l.store.slots[idx].rec
		if asn, ok := l.asn(rec.Endpoint); ok && rec.conn != nil {
			l.asnConnections[asn]++
		}
	}
	l.filter = options.filter()
	l.metrics = options.Metrics
	l.recount()
	l.ErasePeers()
	l.updateGauges()
	return nil
}

// SetPaused switches between the normal and the paused peer list limit.
// Pausing trims the peer list towards the lower limit.
func (l *PeerList) SetPaused(paused bool) {
	if l.paused == paused {
		return
	}
	l.paused = paused
	if paused {
		l.ErasePeers()
		l.updateGauges()
	}
}

// SetTrackerIP sets the address of the current tracker. Connections from
// it are admitted even when the connection limits are reached, so the
// tracker can check that we are reachable.
func (l *PeerList) SetTrackerIP(ip netip.Addr) {
	l.trackerIP = ip.Unmap()
}

// Finished reports whether the transfer is complete, as last set by
// RecalculateCandidates.
func (l *PeerList) Finished() bool {
	return l.finished
}

// Size returns the number of peers in the peer list.
func (l *PeerList) Size() int {
	return l.store.Size()
}

// ConnectCandidates returns the number of peers currently eligible for an
// outgoing connection attempt.
func (l *PeerList) ConnectCandidates() int {
	return l.store.numCandidates
}

// NumSeeds returns the number of peers known to be seeds.
func (l *PeerList) NumSeeds() int {
	return l.store.numSeeds
}

// NumConnected returns the number of peers with a connection.
func (l *PeerList) NumConnected() int {
	return l.store.numConnected
}

// maxPeers returns the current peer list limit, 0 if unlimited.
func (l *PeerList) maxPeers() int {
	if l.paused && l.options.MaxPausedPeers > 0 {
		return l.options.MaxPausedPeers
	}
	return l.options.MaxPeers
}

// FindOrCreate registers a peer learned from a discovery source. If the peer
// is already known, the new information is merged into its record.
// Otherwise a record is created, evicting a low-value peer if the peer list
// is full. ErrStoreFull and ErrPeerBlocked mean the peer was dropped, which
// is routine.
func (l *PeerList) FindOrCreate(ep Endpoint, src PeerSource, flags PeerFlags) (Handle, bool, error) {
	if err := ep.Validate(); err != nil {
		return Handle{}, false, err
	}
	if l.filter.blockedIP(ep) {
		l.metrics.PeersRejected.With("reason", errorReason(ErrPeerBlocked)).Add(1)
		return Handle{}, false, ErrPeerBlocked
	}

	if h, ok := l.store.find(ep); ok {
		l.updatePeer(l.store.get(h), ep, src, flags)
		l.updateGauges()
		return h, false, nil
	}

	if err := l.makeRoom(); err != nil {
		return Handle{}, false, err
	}

	rec := newPeerRecord(ep, src)
	if rec.applyFlags(flags) {
		rec.Seed = true
	}
	rec.candidate = l.isConnectCandidate(&rec)
	h := l.store.insert(rec)
	l.updateGauges()
	return h, true, nil
}

// makeRoom runs the eviction policy once if the peer list is full, and
// reports ErrStoreFull if that did not free a slot.
func (l *PeerList) makeRoom() error {
	max := l.maxPeers()
	if max == 0 || l.store.Size() < max {
		return nil
	}
	l.ErasePeers()
	if l.store.Size() >= max {
		l.metrics.PeersRejected.With("reason", errorReason(ErrStoreFull)).Add(1)
		return ErrStoreFull
	}
	return nil
}

// updatePeer merges a rediscovered peer into its existing record.
func (l *PeerList) updatePeer(rec *PeerRecord, ep Endpoint, src PeerSource, flags PeerFlags) {
	if src&^SourceIncoming != 0 {
		// Someone told us where this peer listens, so we can dial it. In
		// single-connection mode the announced port replaces what we had,
		// unless it is the port of a connection we dialed. An incoming
		// connection's port is the peer's source port, not its listen port.
		rec.Connectable = true
		if !l.options.AllowMultipleConnectionsPerIP && (rec.conn == nil || !rec.conn.Outgoing()) {
			rec.Endpoint.Port = ep.Port
		}
	}
	rec.Source |= src

	// A tracker claiming the peer is reachable is worth another try. Other
	// sources are too easy to spoof to undo failures.
	if src&SourceTracker != 0 && rec.FailCount > 0 {
		rec.FailCount--
	}
	if rec.applyFlags(flags) && !rec.Seed {
		l.setSeed(rec, true)
	}
	l.refresh(rec)
}

// Find looks up a peer by endpoint without side effects.
func (l *PeerList) Find(ep Endpoint) (Handle, bool) {
	return l.store.find(ep)
}

// Peer returns a copy of the record referenced by h.
func (l *PeerList) Peer(h Handle) (PeerRecord, bool) {
	rec := l.store.get(h)
	if rec == nil {
		return PeerRecord{}, false
	}
	return *rec, true
}

// Peers returns the handles of all peers in address order, primarily for
// testing and persistence.
func (l *PeerList) Peers() []Handle {
	handles := make([]Handle, 0, l.store.Size())
	for i := 0; i < l.store.Size(); i++ {
		h, _ := l.store.at(i)
		handles = append(handles, h)
	}
	return handles
}

// Erase removes a peer from the peer list. If the peer is connected, its
// connection is told to drop its handle; the connection itself is left to
// the connection layer.
func (l *PeerList) Erase(h Handle) error {
	if err := l.erase(h); err != nil {
		return err
	}
	l.updateGauges()
	return nil
}

// erase is the single path by which records leave the store.
func (l *PeerList) erase(h Handle) error {
	rec, ok := l.store.erase(h)
	if !ok {
		l.logger.Error("erase of unknown peer handle", "handle", h)
		return ErrInvalidHandle
	}
	if rec.conn != nil {
		rec.conn.SetPeerHandle(Handle{})
		l.connectionsChanged(&rec, -1)
	}
	return nil
}

// refresh recomputes a record's candidacy and adjusts the candidate count.
// Every mutation of a field read by isConnectCandidate must be followed by
// refresh.
func (l *PeerList) refresh(rec *PeerRecord) {
	candidate := l.isConnectCandidate(rec)
	if candidate == rec.candidate {
		return
	}
	rec.candidate = candidate
	if candidate {
		l.store.numCandidates++
		return
	}
	if l.store.numCandidates == 0 {
		l.logger.Error("connect candidate count underflow", "peer", rec.Endpoint)
		return
	}
	l.store.numCandidates--
}

// recount recomputes every record's candidacy from scratch.
func (l *PeerList) recount() {
	l.store.numCandidates = 0
	for _, idx := range l.store.order {
		rec := &l.store.slots[idx].rec
		rec.candidate = l.isConnectCandidate(rec)
		if rec.candidate {
			l.store.numCandidates++
		}
	}
}

func (l *PeerList) setSeed(rec *PeerRecord, seed bool) {
	if rec.Seed == seed {
		return
	}
	rec.Seed = seed
	if seed {
		l.store.numSeeds++
	} else if l.store.numSeeds > 0 {
		l.store.numSeeds--
	} else {
		l.logger.Error("seed count underflow", "peer", rec.Endpoint)
	}
	l.refresh(rec)
}

func (l *PeerList) updateGauges() {
	l.metrics.PeersStored.Set(float64(l.store.Size()))
	l.metrics.ConnectCandidates.Set(float64(l.store.numCandidates))
	l.metrics.Seeds.Set(float64(l.store.numSeeds))
	l.metrics.PeersConnected.Set(float64(l.store.numConnected))
}
