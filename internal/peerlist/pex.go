package peerlist

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/anacrolix/dht/v2/krpc"
	pp "github.com/anacrolix/torrent/peer_protocol"
)

// ParseCompactPeers decodes a compact peer list as used by trackers and PEX:
// 6 bytes per IPv4 peer or 18 bytes per IPv6 peer, address then port, both
// big-endian. Entries that aren't valid endpoints are skipped.
func ParseCompactPeers(b []byte, ipv6 bool) ([]Endpoint, error) {
	peers, _, err := ParsePexPeers(b, nil, ipv6)
	return peers, err
}

// ParsePexPeers decodes the added (or added6) list of a BEP 11 PEX message
// along with its per-peer flags, one byte per peer. flags may be shorter than
// the peer list, or nil; missing flags are zero. The returned slices have the
// same length.
func ParsePexPeers(b []byte, flags []byte, ipv6 bool) ([]Endpoint, []PeerFlags, error) {
	var addrs []krpc.NodeAddr
	if ipv6 {
		var v6 krpc.CompactIPv6NodeAddrs
		if err := v6.UnmarshalBinary(b); err != nil {
			return nil, nil, fmt.Errorf("compact ipv6 peer list: %w", err)
		}
		addrs = v6
	} else {
		var v4 krpc.CompactIPv4NodeAddrs
		if err := v4.UnmarshalBinary(b); err != nil {
			return nil, nil, fmt.Errorf("compact ipv4 peer list: %w", err)
		}
		addrs = v4
	}

	pexFlags := make([]pp.PexPeerFlags, len(flags))
	for i, f := range flags {
		pexFlags[i] = pp.PexPeerFlags(f)
	}
	peers, peerFlags := fromNodeAddrs(addrs, pexFlags)
	return peers, peerFlags, nil
}

// ParsePexMessage decodes the bencoded payload of a ut_pex extended message
// and returns the added peers of both address families with their flags.
// Dropped peers are ignored; a peer list forgets peers on its own terms.
func ParsePexMessage(payload []byte) ([]Endpoint, []PeerFlags, error) {
	msg, err := pp.LoadPexMsg(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("pex message: %w", err)
	}
	peers, flags := fromNodeAddrs(msg.Added, msg.AddedFlags)
	peers6, flags6 := fromNodeAddrs(msg.Added6, msg.Added6Flags)
	return append(peers, peers6...), append(flags, flags6...), nil
}

// fromNodeAddrs converts decoded compact peers, skipping entries that aren't
// valid endpoints so the flags stay aligned with the peers kept. Peers
// without a flags entry get zero flags.
func fromNodeAddrs(addrs []krpc.NodeAddr, flags []pp.PexPeerFlags) ([]Endpoint, []PeerFlags) {
	peers := make([]Endpoint, 0, len(addrs))
	peerFlags := make([]PeerFlags, 0, len(addrs))
	for i, na := range addrs {
		ip, ok := netip.AddrFromSlice(na.IP)
		if !ok || na.Port < 0 || na.Port > 0xffff {
			continue
		}
		ep := NewEndpoint(ip, uint16(na.Port))
		if ep.Validate() != nil {
			// Trackers and peers do send junk; skip it rather than the whole list.
			continue
		}
		var f PeerFlags
		if i < len(flags) {
			f = FromPexFlags(flags[i])
		}
		peers = append(peers, ep)
		peerFlags = append(peerFlags, f)
	}
	return peers, peerFlags
}

// toNodeAddr converts an IP endpoint into its compact DHT/PEX form.
func toNodeAddr(ep Endpoint) krpc.NodeAddr {
	var ip net.IP
	if ep.IP.Is4() {
		a := ep.IP.As4()
		ip = a[:]
	} else {
		a := ep.IP.As16()
		ip = a[:]
	}
	return krpc.NodeAddr{IP: ip, Port: int(ep.Port)}
}

// AppendCompactPeer appends the compact form of an IP endpoint to b.
func AppendCompactPeer(b []byte, ep Endpoint) []byte {
	compact, _ := toNodeAddr(ep).MarshalBinary()
	return append(b, compact...)
}

// NewPexMessage builds a ut_pex message announcing peers, split by address
// family. I2P endpoints have no compact form and are left out.
func NewPexMessage(peers []Endpoint, flags []PeerFlags) pp.PexMsg {
	var msg pp.PexMsg
	for i, ep := range peers {
		if ep.Kind() == AddressI2P || !ep.IP.IsValid() {
			continue
		}
		var f PeerFlags
		if i < len(flags) {
			f = flags[i]
		}
		if ep.IP.Is4() {
			msg.Added = append(msg.Added, toNodeAddr(ep))
			msg.AddedFlags = append(msg.AddedFlags, ToPexFlags(f))
		} else {
			msg.Added6 = append(msg.Added6, toNodeAddr(ep))
			msg.Added6Flags = append(msg.Added6Flags, ToPexFlags(f))
		}
	}
	return msg
}

// ParsePexFlags converts a BEP 11 flags byte into PeerFlags.
func ParsePexFlags(f byte) PeerFlags {
	return FromPexFlags(pp.PexPeerFlags(f))
}

// FromPexFlags converts BEP 11 peer flags into PeerFlags. Peers announced
// through PEX speak the extension protocol, since PEX is an extension.
func FromPexFlags(f pp.PexPeerFlags) PeerFlags {
	flags := FlagExtensions
	if f.Get(pp.PexPrefersEncryption) {
		flags |= FlagEncryption
	}
	if f.Get(pp.PexSeedUploadOnly) {
		flags |= FlagSeed
	}
	if f.Get(pp.PexHolepunchSupport) {
		flags |= FlagHolepunch
	}
	return flags
}

// ToPexFlags is the inverse of FromPexFlags for the flags BEP 11 can carry.
func ToPexFlags(flags PeerFlags) pp.PexPeerFlags {
	var f pp.PexPeerFlags
	if flags&FlagEncryption != 0 {
		f |= pp.PexPrefersEncryption
	}
	if flags&FlagSeed != 0 {
		f |= pp.PexSeedUploadOnly
	}
	if flags&FlagHolepunch != 0 {
		f |= pp.PexHolepunchSupport
	}
	return f
}
