package peerlist

import (
	"net"
	"net/netip"
	"strconv"

	asnutil "github.com/libp2p/go-libp2p-asn-util"
)

// IPv6ASNResolver resolves IPv6 addresses using the table embedded in
// go-libp2p-asn-util. IPv4 addresses are never resolved.
type IPv6ASNResolver struct{}

var _ ASNResolver = IPv6ASNResolver{}

// ASN implements ASNResolver.
func (IPv6ASNResolver) ASN(ip netip.Addr) (uint32, bool) {
	ip = ip.Unmap()
	if !ip.Is6() {
		return 0, false
	}
	s, err := asnutil.Store.AsnForIPv6(net.IP(ip.AsSlice()))
	if err != nil || s == "" {
		return 0, false
	}
	asn, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(asn), true
}
