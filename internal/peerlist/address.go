package peerlist

import (
	"errors"
	"fmt"
	"math"
	"net/netip"
	"strings"
)

// AddressKind tags the variant held by an Endpoint.
type AddressKind uint8

const (
	AddressInvalid AddressKind = iota
	AddressIPv4
	AddressIPv6
	AddressI2P
)

func (k AddressKind) String() string {
	switch k {
	case AddressIPv4:
		return "ipv4"
	case AddressIPv6:
		return "ipv6"
	case AddressI2P:
		return "i2p"
	default:
		return "invalid"
	}
}

// i2pScheme prefixes I2P destinations in the string form of an Endpoint.
const i2pScheme = "i2p:"

// Endpoint identifies a remote peer. It is either an IP address with a port,
// or an I2P destination (in which case IP is the zero Addr and Port is 0).
//
// IPv4-mapped IPv6 addresses are always unmapped, so the same host has a
// single representation and therefore a single peer list key.
type Endpoint struct {
	IP   netip.Addr
	I2P  string
	Port uint16
}

// NewEndpoint creates an IP endpoint.
func NewEndpoint(ip netip.Addr, port uint16) Endpoint {
	return Endpoint{IP: ip.Unmap(), Port: port}
}

// EndpointFromAddrPort creates an IP endpoint from a netip.AddrPort.
func EndpointFromAddrPort(ap netip.AddrPort) Endpoint {
	return NewEndpoint(ap.Addr(), ap.Port())
}

// I2PEndpoint creates an endpoint for an I2P destination.
func I2PEndpoint(destination string) Endpoint {
	return Endpoint{I2P: destination}
}

// MustParseEndpoint is like ParseEndpoint but panics on error. It is mostly
// useful in tests.
func MustParseEndpoint(s string) Endpoint {
	ep, err := ParseEndpoint(s)
	if err != nil {
		panic(err)
	}
	return ep
}

// ParseEndpoint parses "ip:port", "[ipv6]:port" or "i2p:<destination>".
func ParseEndpoint(s string) (Endpoint, error) {
	if strings.HasPrefix(s, i2pScheme) {
		ep := I2PEndpoint(strings.TrimPrefix(s, i2pScheme))
		return ep, ep.Validate()
	}
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid endpoint %q: %w", s, err)
	}
	ep := EndpointFromAddrPort(ap)
	return ep, ep.Validate()
}

// Kind returns the address variant.
func (e Endpoint) Kind() AddressKind {
	switch {
	case e.I2P != "":
		return AddressI2P
	case e.IP.Is4():
		return AddressIPv4
	case e.IP.Is6():
		return AddressIPv6
	default:
		return AddressInvalid
	}
}

// IsZero returns true if the endpoint is the zero value.
func (e Endpoint) IsZero() bool {
	return e == Endpoint{}
}

// AddrPort returns the endpoint as a netip.AddrPort. It is invalid for I2P
// endpoints.
func (e Endpoint) AddrPort() netip.AddrPort {
	return netip.AddrPortFrom(e.IP, e.Port)
}

// String formats the endpoint in the form accepted by ParseEndpoint.
func (e Endpoint) String() string {
	switch e.Kind() {
	case AddressI2P:
		return i2pScheme + e.I2P
	case AddressIPv4, AddressIPv6:
		return e.AddrPort().String()
	default:
		return "<invalid>"
	}
}

// Validate validates the endpoint.
func (e Endpoint) Validate() error {
	switch e.Kind() {
	case AddressI2P:
		if e.IP.IsValid() || e.Port != 0 {
			return errors.New("i2p endpoint can't have an IP address or port")
		}
		return nil
	case AddressIPv4, AddressIPv6:
		if e.Port == 0 {
			return fmt.Errorf("endpoint %v has no port", e.IP)
		}
		if e.IP.IsUnspecified() {
			return fmt.Errorf("endpoint %v is unspecified", e.IP)
		}
		return nil
	default:
		return errors.New("endpoint has no address")
	}
}

// compareAddress orders endpoints by address only, ignoring the port. I2P
// destinations sort after all IP addresses.
func compareAddress(a, b Endpoint) int {
	ka, kb := a.Kind(), b.Kind()
	switch {
	case ka < kb:
		return -1
	case ka > kb:
		return 1
	case ka == AddressI2P:
		return strings.Compare(a.I2P, b.I2P)
	default:
		return a.IP.Compare(b.IP)
	}
}

func sameAddress(a, b Endpoint) bool {
	return compareAddress(a, b) == 0
}

// isLocal reports whether the endpoint is on a local network: loopback,
// link-local or private address space.
func isLocal(e Endpoint) bool {
	if e.Kind() == AddressI2P || !e.IP.IsValid() {
		return false
	}
	return e.IP.IsLoopback() || e.IP.IsPrivate() || e.IP.IsLinkLocalUnicast()
}

// distance returns the XOR distance between the endpoint's address and ip,
// as a 128-bit value split into high and low words. Addresses of different
// families (and I2P destinations) are maximally distant.
func distance(e Endpoint, ip netip.Addr) (hi, lo uint64) {
	if !ip.IsValid() || e.Kind() == AddressI2P || e.IP.Is4() != ip.Is4() {
		return math.MaxUint64, math.MaxUint64
	}
	if e.IP.Is4() {
		a, b := e.IP.As4(), ip.As4()
		return 0, uint64(be32(a[:]) ^ be32(b[:]))
	}
	a, b := e.IP.As16(), ip.As16()
	return be64(a[:8]) ^ be64(b[:8]), be64(a[8:]) ^ be64(b[8:])
}

func be32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func be64(b []byte) uint64 {
	return uint64(be32(b[:4]))<<32 | uint64(be32(b[4:8]))
}
