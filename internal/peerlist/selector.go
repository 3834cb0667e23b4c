package peerlist

import (
	"net/netip"

	"github.com/anacrolix/multiless"
)

// IsConnectCandidate reports whether the peer h is eligible for an outgoing
// connection attempt. Back-off is not considered; see NextCandidate.
func (l *PeerList) IsConnectCandidate(h Handle) bool {
	rec := l.store.get(h)
	return rec != nil && l.isConnectCandidate(rec)
}

func (l *PeerList) isConnectCandidate(rec *PeerRecord) bool {
	switch {
	case rec.conn != nil, rec.Banned, !rec.Connectable:
		return false
	case rec.Seed && l.finished:
		return false
	case rec.FailCount >= l.options.MaxFailCount:
		return false
	case l.filter.blockedPort(rec.Endpoint):
		return false
	case rec.Source == SourceDHT && rec.Endpoint.Kind() != AddressI2P &&
		rec.Endpoint.Port < 1024 && !l.options.AllowPrivilegedPorts:
		// DHT nodes can be made to announce any endpoint, which can be
		// abused to point swarms at other services.
		return false
	}
	return true
}

// backingOff reports whether the peer was tried too recently to be tried
// again. The wait grows with the peer's fail count.
func (l *PeerList) backingOff(rec *PeerRecord, sessionTime uint32) bool {
	if rec.LastConnected == 0 {
		return false
	}
	wait := int64(rec.FailCount+1) * int64(l.options.MinReconnectTime)
	return int64(sessionTime)-int64(rec.LastConnected) < wait
}

// ComparePeers returns true if a is a better connect candidate than b, for a
// transfer whose external address is externalIP (which may be invalid).
func ComparePeers(a, b *PeerRecord, externalIP netip.Addr) bool {
	return peerOrder(a, b, externalIP, nil).Less()
}

func (l *PeerList) betterCandidate(a, b *PeerRecord) bool {
	var asnLoad func(*PeerRecord) int
	if !l.finished && l.options.ASNResolver != nil {
		asnLoad = l.asnLoad
	}
	return peerOrder(a, b, l.options.ExternalIP, asnLoad).Less()
}

// asnLoad returns the number of connections we have into the peer's
// autonomous system.
func (l *PeerList) asnLoad(rec *PeerRecord) int {
	asn, ok := l.asn(rec.Endpoint)
	if !ok {
		return 0
	}
	return l.asnConnections[asn]
}

func peerOrder(a, b *PeerRecord, externalIP netip.Addr, asnLoad func(*PeerRecord) int) multiless.Computation {
	ml := multiless.New().
		Int64(int64(a.FailCount), int64(b.FailCount)).
		Int(boolInt(!isLocal(a.Endpoint)), boolInt(!isLocal(b.Endpoint))).
		Int64(int64(a.LastConnected), int64(b.LastConnected)).
		Int(sourceRank(b.Source), sourceRank(a.Source))
	if asnLoad != nil {
		ml = ml.Int(asnLoad(a), asnLoad(b))
	}
	ahi, alo := distance(a.Endpoint, externalIP)
	bhi, blo := distance(b.Endpoint, externalIP)
	return ml.Uint64(ahi, bhi).Uint64(alo, blo)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// NextCandidate returns the best peer to dial next, or false if there is
// none. At most 300 peers are looked at per call, starting where the
// previous call left off, so every peer is visited over successive calls.
// Peers tried too recently are skipped. The same pass trims the peer list if
// it is close to its limit.
//
// Selecting a peer does not change it; the caller attaches its connection
// with ConnectTo.
func (l *PeerList) NextCandidate(sessionTime uint32) (Handle, bool) {
	size := l.store.Size()
	if size == 0 || l.store.numCandidates == 0 {
		l.metrics.SelectorMisses.Add(1)
		return Handle{}, false
	}
	if l.store.cursor >= size {
		l.store.cursor = 0
	}

	low, weed := l.lowWatermark()
	weed = weed && size >= low

	var (
		start    = l.store.cursor
		scan     = min(maxScan, size)
		erase    eraseScan
		best     Handle
		bestRec  *PeerRecord
		bestPos  int
		pastScan = (start + scan) % size
	)
	for i := 0; i < scan; i++ {
		pos := (start + i) % size
		h, rec := l.store.at(pos)
		if weed {
			erase.visit(h, rec)
		}
		if !rec.candidate || l.backingOff(rec, sessionTime) {
			continue
		}
		if bestRec == nil || l.betterCandidate(rec, bestRec) {
			best, bestRec, bestPos = h, rec, pos
		}
	}

	// Resume just past the pick, so equally ranked peers take turns.
	if bestRec != nil {
		l.store.cursor = (bestPos + 1) % size
	} else {
		l.store.cursor = pastScan
	}

	if weed {
		l.applyErase(&erase, low)
	}
	l.updateGauges()

	if bestRec == nil {
		l.metrics.SelectorMisses.Add(1)
		return Handle{}, false
	}
	return best, true
}
