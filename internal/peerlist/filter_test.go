package peerlist

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParsePortRange(t *testing.T) {
	testCases := map[string]struct {
		input  string
		expect PortRange
		ok     bool
	}{
		"single":   {"25", PortRange{25, 25}, true},
		"range":    {"1-1023", PortRange{1, 1023}, true},
		"spaces":   {" 10 - 20 ", PortRange{10, 20}, true},
		"inverted": {"20-10", PortRange{}, false},
		"overflow": {"1-70000", PortRange{}, false},
		"empty":    {"", PortRange{}, false},
	}
	for name, tc := range testCases {
		tc := tc
		t.Run(name, func(t *testing.T) {
			r, err := ParsePortRange(tc.input)
			if !tc.ok {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.expect, r)
		})
	}
}

func TestIPFilter(t *testing.T) {
	blocklist, err := LoadBlocklist(strings.NewReader("bad people:10.0.0.0-10.0.0.255\n"))
	require.NoError(t, err)

	opts := testOptions()
	opts.IPFilter = blocklist
	l := newTestPeerList(t, opts)

	_, _, err = l.FindOrCreate(MustParseEndpoint("10.0.0.7:6881"), SourceTracker, 0)
	require.ErrorIs(t, err, ErrPeerBlocked)
	require.Zero(t, l.Size())

	_, err = l.NewConnection(newIncomingConn("10.0.0.8:50000"))
	require.ErrorIs(t, err, ErrPeerBlocked)
	require.Zero(t, l.Size())

	addPeer(t, l, "10.0.1.7:6881", SourceTracker)
	require.Equal(t, 1, l.Size())
}

func TestBlockedPorts(t *testing.T) {
	opts := testOptions()
	opts.BlockedPorts = []PortRange{{First: 25, Last: 25}, {First: 6000, Last: 6100}}
	l := newTestPeerList(t, opts)

	blocked := addPeer(t, l, "1.2.3.4:6050", SourceTracker)
	allowed := addPeer(t, l, "1.2.3.5:6881", SourceTracker)
	require.False(t, l.IsConnectCandidate(blocked))
	require.True(t, l.IsConnectCandidate(allowed))
	require.Equal(t, 1, l.ConnectCandidates())

	// Moving to an allowed port makes the peer a candidate.
	require.NoError(t, l.UpdatePeerPort(blocked, 6881, SourceTracker))
	require.True(t, l.IsConnectCandidate(blocked))
	requireCounters(t, l)
}
