package peerlist

import (
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"

	"github.com/anacrolix/torrent/iplist"
)

// PortRange is an inclusive range of ports.
type PortRange struct {
	First uint16
	Last  uint16
}

// ParsePortRange parses "port" or "first-last".
func ParsePortRange(s string) (PortRange, error) {
	first, last, found := strings.Cut(strings.TrimSpace(s), "-")
	lo, err := strconv.ParseUint(strings.TrimSpace(first), 10, 16)
	if err != nil {
		return PortRange{}, fmt.Errorf("invalid port range %q: %w", s, err)
	}
	hi := lo
	if found {
		if hi, err = strconv.ParseUint(strings.TrimSpace(last), 10, 16); err != nil {
			return PortRange{}, fmt.Errorf("invalid port range %q: %w", s, err)
		}
	}
	r := PortRange{First: uint16(lo), Last: uint16(hi)}
	return r, r.Validate()
}

// Validate validates the range.
func (r PortRange) Validate() error {
	if r.First > r.Last {
		return fmt.Errorf("port range %d-%d is inverted", r.First, r.Last)
	}
	return nil
}

func (r PortRange) contains(port uint16) bool {
	return port >= r.First && port <= r.Last
}

func (r PortRange) String() string {
	if r.First == r.Last {
		return strconv.Itoa(int(r.First))
	}
	return fmt.Sprintf("%d-%d", r.First, r.Last)
}

// LoadBlocklist reads an IP block list in the PeerGuardian P2P text format
// ("description:first-last" per line).
func LoadBlocklist(r io.Reader) (*iplist.IPList, error) {
	list, err := iplist.NewFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to load ip block list: %w", err)
	}
	return list, nil
}

// filter applies the IP block list and blocked port ranges.
type filter struct {
	ips   iplist.Ranger
	ports []PortRange
}

func (f filter) blockedIP(ep Endpoint) bool {
	if f.ips == nil || !ep.IP.IsValid() {
		return false
	}
	_, blocked := f.ips.Lookup(net.IP(ep.IP.AsSlice()))
	return blocked
}

func (f filter) blockedPort(ep Endpoint) bool {
	if ep.Kind() == AddressI2P {
		return false
	}
	for _, r := range f.ports {
		if r.contains(ep.Port) {
			return true
		}
	}
	return false
}
