package peerlist

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/anacrolix/torrent/iplist"
)

const (
	// maxScan bounds the number of entries visited by a single selector or
	// eviction pass.
	maxScan = 300

	// maxFailCount is the saturation point of PeerRecord.FailCount.
	maxFailCount = 31
)

// ASNResolver maps addresses to autonomous system numbers. It is optional;
// without it, AS diversity is not considered when ranking peers.
type ASNResolver interface {
	ASN(ip netip.Addr) (uint32, bool)
}

// SessionCounters tracks connections across every transfer in an engine, for
// engine-wide admission control. Implementations must be safe for concurrent
// use, since transfers run in parallel.
type SessionCounters interface {
	// NumConnections returns the number of connections across all transfers.
	NumConnections() int
	// MaxConnections returns the engine-wide connection limit, 0 if unlimited.
	MaxConnections() int
	// AddConnections adjusts the connection count by delta.
	AddConnections(delta int)
}

// Options specifies options for a PeerList.
type Options struct {
	// MaxPeers is the maximum number of peers to keep in the peer list. When
	// it is approached, low-value peers are evicted. 0 means no limit.
	MaxPeers int

	// MaxPausedPeers is the limit used instead of MaxPeers while the transfer
	// is paused. 0 uses MaxPeers.
	MaxPausedPeers int

	// MaxFailCount is the number of consecutive connection failures after
	// which a peer is no longer tried. Must be between 1 and 31.
	MaxFailCount uint8

	// MinReconnectTime is the minimum session time between connection
	// attempts to the same peer, multiplied by the peer's fail count plus one.
	MinReconnectTime uint32

	// AllowMultipleConnectionsPerIP keys peers by address and port instead of
	// by address alone.
	AllowMultipleConnectionsPerIP bool

	// AllowPrivilegedPorts allows connecting to DHT-only peers on ports below
	// 1024. DHT nodes can be made to announce arbitrary endpoints, so this is
	// off by default.
	AllowPrivilegedPorts bool

	// BlockedPorts are ports we never connect to.
	BlockedPorts []PortRange

	// IPFilter blocks peers by address. Blocked peers are never stored.
	IPFilter iplist.Ranger

	// MaxConnections is the per-transfer connection limit, 0 if unlimited.
	// Incoming connections are only rejected once both this and the
	// engine-wide limit are reached.
	MaxConnections int

	// ExternalIP is our externally visible address, used to prefer peers
	// that are close to us.
	ExternalIP netip.Addr

	// ASNResolver is optional, see ASNResolver.
	ASNResolver ASNResolver

	// SessionCounters is optional; without it only MaxConnections applies.
	SessionCounters SessionCounters

	// Metrics is optional; NopMetrics is used if nil.
	Metrics *Metrics
}

// DefaultOptions returns the options used by an unconfigured peer list.
func DefaultOptions() Options {
	return Options{
		MaxPeers:         4000,
		MaxPausedPeers:   1000,
		MaxFailCount:     3,
		MinReconnectTime: 60,
		MaxConnections:   200,
	}
}

// Validate validates the options.
func (o *Options) Validate() error {
	if o.MaxPeers < 0 || o.MaxPausedPeers < 0 {
		return errors.New("peer list limits can't be negative")
	}
	if o.MaxPeers > 0 && o.MaxPausedPeers > o.MaxPeers {
		return fmt.Errorf("MaxPausedPeers %v can't exceed MaxPeers %v", o.MaxPausedPeers, o.MaxPeers)
	}
	if o.MaxFailCount == 0 || o.MaxFailCount > maxFailCount {
		return fmt.Errorf("MaxFailCount %v must be between 1 and %v", o.MaxFailCount, maxFailCount)
	}
	if o.MaxConnections < 0 {
		return errors.New("MaxConnections can't be negative")
	}
	for _, r := range o.BlockedPorts {
		if err := r.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func (o *Options) filter() filter {
	return filter{ips: o.IPFilter, ports: o.BlockedPorts}
}
