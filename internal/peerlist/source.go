package peerlist

import (
	"strings"
)

// PeerSource is a bitmask of where we learned about a peer. A peer learned
// from several sources carries the union of their bits.
type PeerSource uint8

const (
	SourceTracker PeerSource = 1 << iota
	SourceDHT
	SourcePEX
	SourceLSD
	SourceResumeData
	SourceIncoming
)

var sourceNames = []struct {
	source PeerSource
	name   string
}{
	{SourceTracker, "tracker"},
	{SourceDHT, "dht"},
	{SourcePEX, "pex"},
	{SourceLSD, "lsd"},
	{SourceResumeData, "resume"},
	{SourceIncoming, "incoming"},
}

func (s PeerSource) String() string {
	if s == 0 {
		return "none"
	}
	names := make([]string, 0, len(sourceNames))
	for _, sn := range sourceNames {
		if s&sn.source != 0 {
			names = append(names, sn.name)
		}
	}
	return strings.Join(names, "|")
}

// ParsePeerSource parses a single source name as produced by String.
func ParsePeerSource(name string) (PeerSource, bool) {
	for _, sn := range sourceNames {
		if sn.name == name {
			return sn.source, true
		}
	}
	return 0, false
}

// sourceRank ranks provenance for connect ordering: tracker > LSD > DHT >
// PEX. Each source contributes one bit, so a peer's rank is dominated by its
// best source and further sources only break ties.
func sourceRank(s PeerSource) int {
	rank := 0
	if s&SourceTracker != 0 {
		rank |= 1 << 5
	}
	if s&SourceLSD != 0 {
		rank |= 1 << 4
	}
	if s&SourceDHT != 0 {
		rank |= 1 << 3
	}
	if s&SourcePEX != 0 {
		rank |= 1 << 2
	}
	return rank
}

// PeerFlags are per-peer hints supplied by discovery sources.
type PeerFlags uint8

const (
	FlagSeed PeerFlags = 1 << iota
	FlagExtensions
	FlagHolepunch
	FlagEncryption
)
