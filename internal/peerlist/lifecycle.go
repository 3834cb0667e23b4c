package peerlist

import (
	"golang.org/x/time/rate"
)

// Connection is the connection layer's view of a peer connection. The peer
// list only holds a back-reference to it; the connection layer owns it and
// reports its end through ConnectionClosed.
type Connection interface {
	RemoteEndpoint() Endpoint
	LocalEndpoint() Endpoint

	// Outgoing is true for connections we dialed.
	Outgoing() bool
	// Connecting is true while the transport connect or handshake is in
	// progress.
	Connecting() bool
	// Failed is true if the connection ended with an error.
	Failed() bool
	// FastReconnect is true if we intend to redial immediately after this
	// connection closes, so the back-off clock must not be reset.
	FastReconnect() bool

	UploadRateLimit() rate.Limit
	DownloadRateLimit() rate.Limit
	SetUploadRateLimit(rate.Limit)
	SetDownloadRateLimit(rate.Limit)

	// Statistics returns the bytes transferred, including totals carried
	// over from previous connections via AddStatistics.
	Statistics() (uploaded, downloaded uint64)
	AddStatistics(uploaded, downloaded uint64)

	// PeerHandle returns the handle set by SetPeerHandle. The connection
	// must drop it when set to the zero Handle.
	PeerHandle() Handle
	SetPeerHandle(Handle)

	// Disconnect asks the connection layer to close the connection. It must
	// not call back into the peer list synchronously.
	Disconnect(reason error)
}

// ConnectTo attaches an outgoing connection that is about to be dialed to
// the peer h, typically as returned by NextCandidate. The peer stays
// attached until ConnectionClosed is called for conn.
func (l *PeerList) ConnectTo(h Handle, conn Connection) error {
	rec := l.store.get(h)
	if rec == nil {
		return ErrInvalidHandle
	}
	if err := l.checkAttach(rec, conn); err != nil {
		l.metrics.PeersRejected.With("reason", errorReason(err)).Add(1)
		return err
	}
	l.attach(h, rec, conn)
	l.updateGauges()
	return nil
}

func (l *PeerList) checkAttach(rec *PeerRecord, conn Connection) error {
	switch {
	case rec.Banned:
		return ErrPeerBanned
	case rec.conn != nil:
		return ErrDuplicatePeer
	case !l.admit(conn.RemoteEndpoint()):
		return ErrTooManyConnections
	}
	return nil
}

// NewConnection registers an established connection, either accepted from a
// remote peer or dialed without ConnectTo. Registering a connection already
// attached through ConnectTo just confirms it.
//
// On error the connection is not attached and the caller must close it.
// ErrSelfConnection means we connected to ourselves; the other connection
// involved has been told to disconnect as well.
func (l *PeerList) NewConnection(conn Connection) (Handle, error) {
	h, err := l.newConnection(conn)
	if err != nil {
		l.metrics.PeersRejected.With("reason", errorReason(err)).Add(1)
		l.logger.Debug("rejected connection", "peer", conn.RemoteEndpoint(), "err", err)
	}
	l.updateGauges()
	return h, err
}

func (l *PeerList) newConnection(conn Connection) (Handle, error) {
	if h := conn.PeerHandle(); h.IsValid() {
		if rec := l.store.get(h); rec != nil && rec.conn == conn {
			return h, nil
		}
	}

	ep := conn.RemoteEndpoint()
	if err := ep.Validate(); err != nil {
		return Handle{}, err
	}
	if l.filter.blockedIP(ep) {
		return Handle{}, ErrPeerBlocked
	}
	if !l.admit(ep) {
		return Handle{}, ErrTooManyConnections
	}

	h, ok := l.store.find(ep)
	if !ok {
		if err := l.makeRoom(); err != nil {
			return Handle{}, err
		}
		src := SourceIncoming
		if conn.Outgoing() {
			src = 0
		}
		rec := newPeerRecord(ep, src)
		rec.Connectable = conn.Outgoing()
		h = l.store.insert(rec)
		l.attach(h, l.store.get(h), conn)
		return h, nil
	}

	rec := l.store.get(h)
	if rec.Banned {
		return Handle{}, ErrPeerBanned
	}
	if rec.conn != nil {
		if err := l.resolveDuplicate(rec, conn); err != nil {
			return Handle{}, err
		}
	}
	l.attach(h, rec, conn)
	return h, nil
}

// resolveDuplicate decides between rec's connection and a new connection to
// the same peer. It either detaches rec's connection and tells it to
// disconnect, leaving the record free for conn, or returns the error conn
// must be rejected with.
func (l *PeerList) resolveDuplicate(rec *PeerRecord, conn Connection) error {
	existing := rec.conn
	if isSelfConnection(existing, conn) {
		// Our own listen address made it into the peer list. Ban it so we
		// don't keep dialing ourselves.
		l.logger.Info("detected self connection", "peer", rec.Endpoint)
		l.detach(rec, existing)
		rec.Banned = true
		l.refresh(rec)
		existing.Disconnect(ErrSelfConnection)
		return ErrSelfConnection
	}
	if !existing.Connecting() || conn.Connecting() {
		return ErrDuplicatePeer
	}
	l.detach(rec, existing)
	existing.Disconnect(ErrDuplicatePeer)
	return nil
}

// isSelfConnection reports whether two connections are the two ends of the
// same transport connection.
func isSelfConnection(a, b Connection) bool {
	return a.LocalEndpoint() == b.RemoteEndpoint() && a.RemoteEndpoint() == b.LocalEndpoint()
}

// admit applies connection limits. A connection is only refused when both
// the transfer and the engine are at their limits, and never for the
// tracker, which may be checking that we are reachable.
func (l *PeerList) admit(ep Endpoint) bool {
	if l.trackerIP.IsValid() && ep.IP == l.trackerIP {
		return true
	}
	if l.options.MaxConnections == 0 || l.store.numConnected < l.options.MaxConnections {
		return true
	}
	sc := l.options.SessionCounters
	if sc == nil {
		return false
	}
	max := sc.MaxConnections()
	return max == 0 || sc.NumConnections() < max
}

func (l *PeerList) attach(h Handle, rec *PeerRecord, conn Connection) {
	rec.conn = conn
	conn.SetPeerHandle(h)
	conn.SetUploadRateLimit(rec.UploadRateLimit)
	conn.SetDownloadRateLimit(rec.DownloadRateLimit)
	conn.AddStatistics(uint64(rec.PrevUploaded)<<10, uint64(rec.PrevDownloaded)<<10)
	rec.PrevUploaded, rec.PrevDownloaded = 0, 0

	l.store.numConnected++
	l.connectionsChanged(rec, 1)
	l.refresh(rec)
}

// detach saves the connection's state onto the record and drops the
// references in both directions. The caller refreshes the record.
func (l *PeerList) detach(rec *PeerRecord, conn Connection) {
	rec.UploadRateLimit = conn.UploadRateLimit()
	rec.DownloadRateLimit = conn.DownloadRateLimit()
	up, down := conn.Statistics()
	rec.PrevUploaded, rec.PrevDownloaded = toKiB(up), toKiB(down)

	conn.SetPeerHandle(Handle{})
	rec.conn = nil
	if l.store.numConnected > 0 {
		l.store.numConnected--
	} else {
		l.logger.Error("connected peer count underflow", "peer", rec.Endpoint)
	}
	l.connectionsChanged(rec, -1)
}

// connectionsChanged updates the engine-wide and per-AS connection counts.
func (l *PeerList) connectionsChanged(rec *PeerRecord, delta int) {
	if sc := l.options.SessionCounters; sc != nil {
		sc.AddConnections(delta)
	}
	if asn, ok := l.asn(rec.Endpoint); ok {
		if n := l.asnConnections[asn] + delta; n > 0 {
			l.asnConnections[asn] = n
		} else {
			delete(l.asnConnections, asn)
		}
	}
}

func (l *PeerList) asn(ep Endpoint) (uint32, bool) {
	if l.options.ASNResolver == nil || !ep.IP.IsValid() {
		return 0, false
	}
	return l.options.ASNResolver.ASN(ep.IP)
}

// ConnectionClosed records the end of a connection. It is a no-op for
// connections that are not attached to a peer, so it is safe to call more
// than once.
func (l *PeerList) ConnectionClosed(conn Connection, sessionTime uint32) {
	h := conn.PeerHandle()
	rec := l.store.get(h)
	if rec == nil || rec.conn != conn {
		return
	}

	l.detach(rec, conn)
	rec.OptimisticallyUnchoked = false
	if !conn.FastReconnect() {
		// 0 means never connected.
		rec.LastConnected = sessionTime
		if rec.LastConnected == 0 {
			rec.LastConnected = 1
		}
	}
	if conn.Failed() {
		rec.incFailCount()
	}
	l.refresh(rec)

	// With several peers per address, peers we only know from their incoming
	// connection can't be redialed and would pile up.
	if l.options.AllowMultipleConnectionsPerIP && !rec.Connectable {
		_ = l.erase(h)
	}
	l.updateGauges()
}

// UpdatePeerPort records the listen port a peer announced, typically in its
// extension handshake, which makes the peer connectable. With multiple
// connections per IP, a record already holding the new endpoint is merged
// away; if that record's connection wins the duplicate resolution, the
// update fails with ErrDuplicatePeer or ErrSelfConnection and the caller must
// close h's connection.
func (l *PeerList) UpdatePeerPort(h Handle, port uint16, src PeerSource) error {
	rec := l.store.get(h)
	if rec == nil {
		return ErrInvalidHandle
	}
	if rec.Endpoint.Port == port {
		return nil
	}

	if l.options.AllowMultipleConnectionsPerIP {
		ep := rec.Endpoint
		ep.Port = port
		if oh, ok := l.store.findExact(ep); ok {
			if err := l.mergeDuplicate(rec, oh); err != nil {
				l.metrics.PeersRejected.With("reason", errorReason(err)).Add(1)
				return err
			}
		}
	}

	if src&SourceTracker != 0 && rec.FailCount > 0 {
		rec.FailCount--
	}
	rec.Endpoint.Port = port
	rec.Source |= src
	rec.Connectable = true
	l.refresh(rec)
	l.updateGauges()
	return nil
}

// mergeDuplicate erases the record oh in favor of rec, unless oh's
// connection is to be kept over rec's.
func (l *PeerList) mergeDuplicate(rec *PeerRecord, oh Handle) error {
	other := l.store.get(oh)
	otherConn := other.conn
	if otherConn != nil {
		if rec.conn == nil {
			return ErrDuplicatePeer
		}
		if isSelfConnection(otherConn, rec.conn) {
			otherConn.Disconnect(ErrSelfConnection)
			return ErrSelfConnection
		}
		if !otherConn.Connecting() || rec.conn.Connecting() {
			return ErrDuplicatePeer
		}
	}

	rec.Source |= other.Source
	if other.Banned {
		rec.Banned = true
	}
	if err := l.erase(oh); err != nil {
		return err
	}
	if otherConn != nil {
		otherConn.Disconnect(ErrDuplicatePeer)
	}
	return nil
}

// SetSeed records whether the peer h has the complete data set.
func (l *PeerList) SetSeed(h Handle, seed bool) error {
	rec := l.store.get(h)
	if rec == nil {
		return ErrInvalidHandle
	}
	l.setSeed(rec, seed)
	l.updateGauges()
	return nil
}

// RecalculateCandidates is called when the transfer becomes finished or
// unfinished. Seeds stop being (or become) candidates all at once, so the
// candidate count is rebuilt from scratch.
func (l *PeerList) RecalculateCandidates(finished bool) {
	if l.finished == finished {
		return
	}
	l.finished = finished
	l.recount()
	l.updateGauges()
}

// Ban excludes the peer h from connection attempts. A connected peer is told
// to disconnect.
func (l *PeerList) Ban(h Handle) error {
	rec := l.store.get(h)
	if rec == nil {
		return ErrInvalidHandle
	}
	if rec.Banned {
		return nil
	}
	rec.Banned = true
	l.refresh(rec)
	if rec.conn != nil {
		rec.conn.Disconnect(ErrPeerBanned)
	}
	l.updateGauges()
	return nil
}

// Unban lifts a ban, resetting the peer's fail count.
func (l *PeerList) Unban(h Handle) error {
	rec := l.store.get(h)
	if rec == nil {
		return ErrInvalidHandle
	}
	rec.Banned = false
	rec.FailCount = 0
	l.refresh(rec)
	l.updateGauges()
	return nil
}

// SetFailCount overrides the peer's fail count, saturating at 31.
func (l *PeerList) SetFailCount(h Handle, n uint8) error {
	rec := l.store.get(h)
	if rec == nil {
		return ErrInvalidHandle
	}
	if n > maxFailCount {
		n = maxFailCount
	}
	rec.FailCount = n
	l.refresh(rec)
	l.updateGauges()
	return nil
}

// SetOptimisticallyUnchoked sets the choker's flag on the peer h.
func (l *PeerList) SetOptimisticallyUnchoked(h Handle, unchoked bool) error {
	rec := l.store.get(h)
	if rec == nil {
		return ErrInvalidHandle
	}
	rec.OptimisticallyUnchoked = unchoked
	return nil
}
