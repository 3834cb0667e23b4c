package peerlist

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/tendermint/peerpolicy/libs/log"
)

// testConn is a Connection driven directly by tests.
type testConn struct {
	remote        Endpoint
	local         Endpoint
	outgoing      bool
	connecting    bool
	failed        bool
	fastReconnect bool

	upLimit   rate.Limit
	downLimit rate.Limit
	uploaded  uint64
	download  uint64

	handle       Handle
	disconnected error
}

func newOutgoingConn(remote string) *testConn {
	return &testConn{
		remote:     MustParseEndpoint(remote),
		local:      MustParseEndpoint("192.0.2.1:40000"),
		outgoing:   true,
		connecting: true,
	}
}

func newIncomingConn(remote string) *testConn {
	return &testConn{
		remote: MustParseEndpoint(remote),
		local:  MustParseEndpoint("192.0.2.1:6881"),
	}
}

func (c *testConn) RemoteEndpoint() Endpoint          { return c.remote }
func (c *testConn) LocalEndpoint() Endpoint           { return c.local }
func (c *testConn) Outgoing() bool                    { return c.outgoing }
func (c *testConn) Connecting() bool                  { return c.connecting }
func (c *testConn) Failed() bool                      { return c.failed }
func (c *testConn) FastReconnect() bool               { return c.fastReconnect }
func (c *testConn) UploadRateLimit() rate.Limit       { return c.upLimit }
func (c *testConn) DownloadRateLimit() rate.Limit     { return c.downLimit }
func (c *testConn) SetUploadRateLimit(l rate.Limit)   { c.upLimit = l }
func (c *testConn) SetDownloadRateLimit(l rate.Limit) { c.downLimit = l }
func (c *testConn) Statistics() (uint64, uint64)      { return c.uploaded, c.download }
func (c *testConn) AddStatistics(up, down uint64) {
	c.uploaded += up
	c.download += down
}
func (c *testConn) PeerHandle() Handle      { return c.handle }
func (c *testConn) SetPeerHandle(h Handle)  { c.handle = h }
func (c *testConn) Disconnect(reason error) { c.disconnected = reason }

// testCounters is an engine-wide connection counter.
type testCounters struct {
	num int
	max int
}

func (c *testCounters) NumConnections() int      { return c.num }
func (c *testCounters) MaxConnections() int      { return c.max }
func (c *testCounters) AddConnections(delta int) { c.num += delta }

// testASN maps the first byte of IPv4 addresses to an AS number.
type testASN struct{}

func (testASN) ASN(ip netip.Addr) (uint32, bool) {
	if !ip.Is4() {
		return 0, false
	}
	return uint32(ip.As4()[0]), true
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.MaxPeers = 100
	opts.MaxPausedPeers = 50
	return opts
}

func newTestPeerList(t *testing.T, opts Options) *PeerList {
	t.Helper()
	l, err := NewPeerList(log.TestingLogger(t), opts)
	require.NoError(t, err)
	return l
}

// addPeer adds a peer that must not exist yet.
func addPeer(t *testing.T, l *PeerList, ep string, src PeerSource) Handle {
	t.Helper()
	h, created, err := l.FindOrCreate(MustParseEndpoint(ep), src, 0)
	require.NoError(t, err)
	require.True(t, created)
	return h
}

func mustPeer(t *testing.T, l *PeerList, h Handle) PeerRecord {
	t.Helper()
	rec, ok := l.Peer(h)
	require.True(t, ok, "peer %v not found", h)
	return rec
}

// requireCounters checks the incrementally maintained counters against a
// full scan of the peer list.
func requireCounters(t require.TestingT, l *PeerList) {
	candidates, seeds, connected := 0, 0, 0
	for _, idx := range l.store.order {
		rec := &l.store.slots[idx].rec
		if l.isConnectCandidate(rec) {
			candidates++
		}
		require.Equal(t, l.isConnectCandidate(rec), rec.candidate, "stale candidate flag on %v", rec.Endpoint)
		if rec.Seed {
			seeds++
		}
		if rec.conn != nil {
			connected++
		}
	}
	require.Equal(t, candidates, l.ConnectCandidates(), "connect candidates")
	require.Equal(t, seeds, l.NumSeeds(), "seeds")
	require.Equal(t, connected, l.NumConnected(), "connected")
}
