package peerlist

import (
	"testing"

	"github.com/anacrolix/dht/v2/krpc"
	"github.com/anacrolix/torrent/bencode"
	pp "github.com/anacrolix/torrent/peer_protocol"
	"github.com/stretchr/testify/require"
)

func TestParseCompactPeers(t *testing.T) {
	peers := []Endpoint{
		MustParseEndpoint("1.2.3.4:6881"),
		MustParseEndpoint("5.6.7.8:51413"),
	}
	var b []byte
	for _, p := range peers {
		b = AppendCompactPeer(b, p)
	}
	// A zero port entry, which is skipped.
	b = append(b, 9, 9, 9, 9, 0, 0)
	require.Len(t, b, 18)

	parsed, err := ParseCompactPeers(b, false)
	require.NoError(t, err)
	require.Equal(t, peers, parsed)

	_, err = ParseCompactPeers(b[:5], false)
	require.Error(t, err)
}

func TestParseCompactPeersIPv6(t *testing.T) {
	ep := MustParseEndpoint("[2001:db8::1]:6881")
	b := AppendCompactPeer(nil, ep)
	require.Len(t, b, 18)

	parsed, err := ParseCompactPeers(b, true)
	require.NoError(t, err)
	require.Equal(t, []Endpoint{ep}, parsed)
}

func TestParsePexFlags(t *testing.T) {
	testCases := map[string]struct {
		input  byte
		expect PeerFlags
	}{
		"none":       {0x00, FlagExtensions},
		"encryption": {0x01, FlagExtensions | FlagEncryption},
		"seed":       {0x02, FlagExtensions | FlagSeed},
		"utp only":   {0x04, FlagExtensions},
		"holepunch":  {0x08, FlagExtensions | FlagHolepunch},
		"all":        {0x1f, FlagExtensions | FlagEncryption | FlagSeed | FlagHolepunch},
	}
	for name, tc := range testCases {
		tc := tc
		t.Run(name, func(t *testing.T) {
			require.Equal(t, tc.expect, ParsePexFlags(tc.input))
		})
	}
}

func TestFindOrCreatePexSeed(t *testing.T) {
	l := newTestPeerList(t, testOptions())

	h, created, err := l.FindOrCreate(MustParseEndpoint("1.2.3.4:6881"), SourcePEX, ParsePexFlags(0x0a))
	require.NoError(t, err)
	require.True(t, created)

	rec := mustPeer(t, l, h)
	require.True(t, rec.Seed)
	require.True(t, rec.SupportsExtensions)
	require.True(t, rec.SupportsHolepunch)
	require.False(t, rec.SupportsEncryption)
	require.Equal(t, 1, l.NumSeeds())
	requireCounters(t, l)
}

func TestParsePexPeersKeepsFlagsAligned(t *testing.T) {
	var b []byte
	b = AppendCompactPeer(b, MustParseEndpoint("1.2.3.4:6881"))
	b = append(b, 0, 0, 0, 0, 0x1a, 0xe1) // unspecified address
	b = AppendCompactPeer(b, MustParseEndpoint("5.6.7.8:6881"))

	peers, flags, err := ParsePexPeers(b, []byte{0x00, 0x02, 0x02}, false)
	require.NoError(t, err)
	require.Equal(t, []Endpoint{MustParseEndpoint("1.2.3.4:6881"), MustParseEndpoint("5.6.7.8:6881")}, peers)
	require.Equal(t, []PeerFlags{FlagExtensions, FlagExtensions | FlagSeed}, flags)

	// Missing flags are zero.
	_, flags, err = ParsePexPeers(b, nil, false)
	require.NoError(t, err)
	require.Equal(t, []PeerFlags{0, 0}, flags)
}

func TestParsePexMessage(t *testing.T) {
	v4 := MustParseEndpoint("1.2.3.4:6881")
	v6 := MustParseEndpoint("[2001:db8::1]:51413")
	msg := NewPexMessage(
		[]Endpoint{v4, I2PEndpoint("abcdef.b32.i2p"), v6},
		[]PeerFlags{FlagSeed | FlagEncryption, FlagSeed, FlagHolepunch},
	)
	require.Len(t, msg.Added, 1)
	require.Len(t, msg.Added6, 1)
	require.Equal(t, []pp.PexPeerFlags{pp.PexPrefersEncryption | pp.PexSeedUploadOnly}, msg.AddedFlags)
	require.Equal(t, []pp.PexPeerFlags{pp.PexHolepunchSupport}, msg.Added6Flags)

	payload, err := bencode.Marshal(msg)
	require.NoError(t, err)

	peers, flags, err := ParsePexMessage(payload)
	require.NoError(t, err)
	require.Equal(t, []Endpoint{v4, v6}, peers)
	require.Equal(t, []PeerFlags{
		FlagExtensions | FlagSeed | FlagEncryption,
		FlagExtensions | FlagHolepunch,
	}, flags)

	_, _, err = ParsePexMessage([]byte("i42e"))
	require.Error(t, err)
}

func TestParsePexMessageSkipsInvalidPeers(t *testing.T) {
	msg := pp.PexMsg{
		Added: krpc.CompactIPv4NodeAddrs{
			{IP: []byte{0, 0, 0, 0}, Port: 6881},
			{IP: []byte{5, 6, 7, 8}, Port: 6881},
		},
		AddedFlags: []pp.PexPeerFlags{pp.PexSeedUploadOnly, 0},
	}
	payload, err := bencode.Marshal(msg)
	require.NoError(t, err)

	peers, flags, err := ParsePexMessage(payload)
	require.NoError(t, err)
	require.Equal(t, []Endpoint{MustParseEndpoint("5.6.7.8:6881")}, peers)
	require.Equal(t, []PeerFlags{FlagExtensions}, flags)
}

func TestPexFlagsRoundTrip(t *testing.T) {
	for _, f := range []PeerFlags{0, FlagSeed, FlagEncryption | FlagHolepunch} {
		require.Equal(t, f|FlagExtensions, FromPexFlags(ToPexFlags(f)))
	}
}
