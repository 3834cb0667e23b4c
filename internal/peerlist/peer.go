package peerlist

import (
	"math"

	"golang.org/x/time/rate"
)

// PeerRecord is what the peer list knows about one remote endpoint. Records
// are owned by the peer list; callers get copies via PeerList.Peer and must
// change them through PeerList methods, which keep the candidate, seed and
// connection counters in step with the records.
type PeerRecord struct {
	Endpoint Endpoint
	Source   PeerSource

	// Connectable is false for peers only seen as an incoming connection,
	// whose listen port we don't know.
	Connectable bool
	Seed        bool
	Banned      bool

	// FailCount counts consecutive connection failures, saturating at 31.
	FailCount uint8

	// LastConnected is the session time of the last connection attempt
	// ending, 0 if never.
	LastConnected uint32

	// OptimisticallyUnchoked belongs to the choker; it is only kept here so
	// it survives reconnects.
	OptimisticallyUnchoked bool

	SupportsExtensions bool
	SupportsHolepunch  bool
	SupportsEncryption bool

	// Rate limits restored onto the next connection to this peer.
	UploadRateLimit   rate.Limit
	DownloadRateLimit rate.Limit

	// Transfer totals from previous connections, in KiB. While connected, the
	// full-resolution totals live on the connection.
	PrevUploaded   uint32
	PrevDownloaded uint32

	conn      Connection
	candidate bool
}

func newPeerRecord(ep Endpoint, src PeerSource) PeerRecord {
	return PeerRecord{
		Endpoint:          ep,
		Source:            src,
		Connectable:       src&^SourceIncoming != 0,
		UploadRateLimit:   rate.Inf,
		DownloadRateLimit: rate.Inf,
	}
}

// Connected returns true if the peer has an active (or in-progress)
// connection.
func (p PeerRecord) Connected() bool {
	return p.conn != nil
}

// Connection returns the peer's active connection, or nil.
func (p PeerRecord) Connection() Connection {
	return p.conn
}

// applyFlags records discovery hints. The seed hint is only trusted while we
// have no connection to the peer, since a connection tells us for certain.
func (p *PeerRecord) applyFlags(flags PeerFlags) (seed bool) {
	if flags&FlagExtensions != 0 {
		p.SupportsExtensions = true
	}
	if flags&FlagHolepunch != 0 {
		p.SupportsHolepunch = true
	}
	if flags&FlagEncryption != 0 {
		p.SupportsEncryption = true
	}
	return flags&FlagSeed != 0 && p.conn == nil
}

func (p *PeerRecord) flags() PeerFlags {
	var flags PeerFlags
	if p.Seed {
		flags |= FlagSeed
	}
	if p.SupportsExtensions {
		flags |= FlagExtensions
	}
	if p.SupportsHolepunch {
		flags |= FlagHolepunch
	}
	if p.SupportsEncryption {
		flags |= FlagEncryption
	}
	return flags
}

func (p *PeerRecord) incFailCount() {
	if p.FailCount < maxFailCount {
		p.FailCount++
	}
}

// toKiB compacts a byte count, saturating at the uint32 limit.
func toKiB(bytes uint64) uint32 {
	kib := bytes >> 10
	if kib > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(kib)
}
