package peerlist

import (
	"fmt"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsConnectCandidate(t *testing.T) {
	testCases := map[string]struct {
		endpoint   string
		source     PeerSource
		finished   bool
		privileged bool
		modify     func(*PeerRecord)
		expect     bool
	}{
		"plain tracker peer":       {"1.2.3.4:6881", SourceTracker, false, false, nil, true},
		"incoming only":            {"1.2.3.4:6881", SourceIncoming, false, false, nil, false},
		"banned":                   {"1.2.3.4:6881", SourceTracker, false, false, func(r *PeerRecord) { r.Banned = true }, false},
		"seed while downloading":   {"1.2.3.4:6881", SourceTracker, false, false, func(r *PeerRecord) { r.Seed = true }, true},
		"seed while finished":      {"1.2.3.4:6881", SourceTracker, true, false, func(r *PeerRecord) { r.Seed = true }, false},
		"failcount below max":      {"1.2.3.4:6881", SourceTracker, false, false, func(r *PeerRecord) { r.FailCount = 2 }, true},
		"failcount at max":         {"1.2.3.4:6881", SourceTracker, false, false, func(r *PeerRecord) { r.FailCount = 3 }, false},
		"connected":                {"1.2.3.4:6881", SourceTracker, false, false, func(r *PeerRecord) { r.conn = newOutgoingConn("1.2.3.4:6881") }, false},
		"dht privileged port":      {"1.2.3.4:80", SourceDHT, false, false, nil, false},
		"dht privileged allowed":   {"1.2.3.4:80", SourceDHT, false, true, nil, true},
		"dht and tracker port 80":  {"1.2.3.4:80", SourceDHT | SourceTracker, false, false, nil, true},
		"dht unprivileged port":    {"1.2.3.4:1024", SourceDHT, false, false, nil, true},
		"tracker privileged port":  {"1.2.3.4:80", SourceTracker, false, false, nil, true},
		"non-connectable dht port": {"1.2.3.4:80", SourceDHT, false, false, func(r *PeerRecord) { r.Connectable = false }, false},
	}
	for name, tc := range testCases {
		tc := tc
		t.Run(name, func(t *testing.T) {
			opts := testOptions()
			opts.AllowPrivilegedPorts = tc.privileged
			l := newTestPeerList(t, opts)
			l.finished = tc.finished

			rec := newPeerRecord(MustParseEndpoint(tc.endpoint), tc.source)
			if tc.modify != nil {
				tc.modify(&rec)
			}
			require.Equal(t, tc.expect, l.isConnectCandidate(&rec))
		})
	}
}

func TestNextCandidatePrefersLowFailCount(t *testing.T) {
	opts := testOptions()
	opts.MaxFailCount = 5
	l := newTestPeerList(t, opts)

	for i, ep := range []string{"1.0.0.1:6881", "1.0.0.2:6881", "1.0.0.3:6881"} {
		h := addPeer(t, l, ep, SourceTracker)
		require.NoError(t, l.SetFailCount(h, uint8(2-i)))
	}

	h, ok := l.NextCandidate(1000)
	require.True(t, ok)
	require.Equal(t, MustParseEndpoint("1.0.0.3:6881"), mustPeer(t, l, h).Endpoint)
	require.Zero(t, mustPeer(t, l, h).FailCount)
}

func TestComparePeers(t *testing.T) {
	ext := netip.MustParseAddr("80.0.0.1")
	peer := func(ep string, src PeerSource, modify func(*PeerRecord)) *PeerRecord {
		rec := newPeerRecord(MustParseEndpoint(ep), src)
		if modify != nil {
			modify(&rec)
		}
		return &rec
	}

	testCases := map[string]struct {
		better *PeerRecord
		worse  *PeerRecord
	}{
		"lower failcount": {
			peer("1.0.0.1:1", SourcePEX, nil),
			peer("10.0.0.1:1", SourceTracker, func(r *PeerRecord) { r.FailCount = 1 }),
		},
		"local network": {
			peer("10.0.0.1:1", SourcePEX, nil),
			peer("80.0.0.2:1", SourceTracker, nil),
		},
		"never connected": {
			peer("1.0.0.1:1", SourcePEX, nil),
			peer("80.0.0.2:1", SourceTracker, func(r *PeerRecord) { r.LastConnected = 5 }),
		},
		"tried longer ago": {
			peer("1.0.0.1:1", SourcePEX, func(r *PeerRecord) { r.LastConnected = 5 }),
			peer("80.0.0.2:1", SourceTracker, func(r *PeerRecord) { r.LastConnected = 6 }),
		},
		"tracker over lsd": {
			peer("1.0.0.1:1", SourceTracker, nil),
			peer("80.0.0.2:1", SourceLSD|SourceDHT|SourcePEX, nil),
		},
		"lsd over dht": {
			peer("1.0.0.1:1", SourceLSD, nil),
			peer("80.0.0.2:1", SourceDHT|SourcePEX, nil),
		},
		"dht over pex": {
			peer("1.0.0.1:1", SourceDHT, nil),
			peer("80.0.0.2:1", SourcePEX, nil),
		},
		"extra source breaks tie": {
			peer("1.0.0.1:1", SourceDHT|SourcePEX, nil),
			peer("80.0.0.2:1", SourceDHT, nil),
		},
		"closer to us": {
			peer("80.0.0.2:1", SourceTracker, nil),
			peer("1.0.0.1:1", SourceTracker, nil),
		},
	}
	for name, tc := range testCases {
		tc := tc
		t.Run(name, func(t *testing.T) {
			require.True(t, ComparePeers(tc.better, tc.worse, ext))
			require.False(t, ComparePeers(tc.worse, tc.better, ext))
		})
	}

	a := peer("1.0.0.1:1", SourceTracker, nil)
	require.False(t, ComparePeers(a, a, ext), "a peer is not better than itself")
}

func TestNextCandidateRoundRobin(t *testing.T) {
	for _, n := range []int{1, 10, 450} {
		n := n
		t.Run(fmt.Sprintf("%d peers", n), func(t *testing.T) {
			opts := testOptions()
			opts.MaxPeers = 1000
			opts.MaxPausedPeers = 0
			l := newTestPeerList(t, opts)
			for i := 0; i < n; i++ {
				addPeer(t, l, fmt.Sprintf("1.0.%d.%d:6881", i/200, i%200+1), SourceTracker)
			}

			seen := map[Handle]bool{}
			for i := 0; i < n; i++ {
				h, ok := l.NextCandidate(1000)
				require.True(t, ok)
				require.False(t, seen[h], "peer %v returned twice after %d calls", mustPeer(t, l, h).Endpoint, i)
				seen[h] = true
			}
			require.Len(t, seen, n)
		})
	}
}

func TestNextCandidateBackOff(t *testing.T) {
	opts := testOptions()
	opts.MinReconnectTime = 60
	l := newTestPeerList(t, opts)
	h := addPeer(t, l, "1.2.3.4:6881", SourceTracker)

	conn := newOutgoingConn("1.2.3.4:6881")
	require.NoError(t, l.ConnectTo(h, conn))
	_, ok := l.NextCandidate(100)
	require.False(t, ok, "connected peers are never returned")

	l.ConnectionClosed(conn, 100)
	require.True(t, l.IsConnectCandidate(h), "backing off peers are still candidates")
	_, ok = l.NextCandidate(159)
	require.False(t, ok)
	got, ok := l.NextCandidate(160)
	require.True(t, ok)
	require.Equal(t, h, got)

	// A failure doubles the wait.
	conn = newOutgoingConn("1.2.3.4:6881")
	conn.failed = true
	require.NoError(t, l.ConnectTo(h, conn))
	l.ConnectionClosed(conn, 200)
	_, ok = l.NextCandidate(319)
	require.False(t, ok)
	_, ok = l.NextCandidate(320)
	require.True(t, ok)

	// A fast reconnect doesn't reset the clock.
	conn = newOutgoingConn("1.2.3.4:6881")
	conn.fastReconnect = true
	require.NoError(t, l.ConnectTo(h, conn))
	l.ConnectionClosed(conn, 330)
	require.Equal(t, uint32(200), mustPeer(t, l, h).LastConnected)
}

func TestNextCandidateEmpty(t *testing.T) {
	l := newTestPeerList(t, testOptions())
	_, ok := l.NextCandidate(0)
	require.False(t, ok)

	addPeer(t, l, "1.2.3.4:6881", SourceIncoming)
	_, ok = l.NextCandidate(0)
	require.False(t, ok)
}

func TestNextCandidateASNDiversity(t *testing.T) {
	opts := testOptions()
	opts.ASNResolver = testASN{}
	l := newTestPeerList(t, opts)

	busy := addPeer(t, l, "5.0.0.1:6881", SourceTracker)
	require.NoError(t, l.ConnectTo(busy, newOutgoingConn("5.0.0.1:6881")))

	// Same everything, but 5.x already has a connection.
	sameAS := addPeer(t, l, "5.0.0.2:6881", SourceTracker)
	otherAS := addPeer(t, l, "6.0.0.2:6881", SourceTracker)

	h, ok := l.NextCandidate(1000)
	require.True(t, ok)
	require.Equal(t, otherAS, h)

	// Once finished, diversity no longer matters and the address order
	// decides.
	l.RecalculateCandidates(true)
	l.store.cursor = 0
	h, ok = l.NextCandidate(1000)
	require.True(t, ok)
	require.Equal(t, sameAS, h)
}
