package swarm

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/tendermint/peerpolicy/internal/peerlist"
)

// Session is an established peer connection, after the transport connect
// and handshake.
type Session interface {
	RemoteEndpoint() peerlist.Endpoint
	LocalEndpoint() peerlist.Endpoint

	// ListenPort is the port the peer announced in its handshake, 0 if none.
	ListenPort() uint16

	// Seed is true if the peer announced it has the complete data set.
	Seed() bool

	// Run exchanges data until the session ends or ctx is canceled, and
	// returns the number of bytes transferred.
	Run(ctx context.Context) (uploaded, downloaded uint64, err error)

	// Close releases a session that is discarded without being run.
	Close() error
}

// Dialer opens outgoing sessions. Dial must return when ctx is canceled.
type Dialer interface {
	Dial(ctx context.Context, ep peerlist.Endpoint) (Session, error)
}

// peerConn is the peer list's view of one connection. It is only accessed
// from its transfer's run loop; the dial and session goroutines only read the
// fields set before they were started.
type peerConn struct {
	remote   peerlist.Endpoint
	local    peerlist.Endpoint
	outgoing bool

	connecting    bool
	failed        bool
	fastReconnect bool

	upLimit    rate.Limit
	downLimit  rate.Limit
	uploaded   uint64
	downloaded uint64

	handle  peerlist.Handle
	session Session
	ctx     context.Context
	cancel  context.CancelFunc

	// reason is set when we close the connection ourselves.
	reason error
}

func newPeerConn(parent context.Context, remote peerlist.Endpoint, outgoing bool) *peerConn {
	ctx, cancel := context.WithCancel(parent)
	return &peerConn{
		remote:     remote,
		outgoing:   outgoing,
		connecting: outgoing,
		upLimit:    rate.Inf,
		downLimit:  rate.Inf,
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (c *peerConn) RemoteEndpoint() peerlist.Endpoint { return c.remote }
func (c *peerConn) LocalEndpoint() peerlist.Endpoint  { return c.local }
func (c *peerConn) Outgoing() bool                    { return c.outgoing }
func (c *peerConn) Connecting() bool                  { return c.connecting }
func (c *peerConn) Failed() bool                      { return c.failed }
func (c *peerConn) FastReconnect() bool               { return c.fastReconnect }
func (c *peerConn) UploadRateLimit() rate.Limit       { return c.upLimit }
func (c *peerConn) DownloadRateLimit() rate.Limit     { return c.downLimit }
func (c *peerConn) SetUploadRateLimit(l rate.Limit)   { c.upLimit = l }
func (c *peerConn) SetDownloadRateLimit(l rate.Limit) { c.downLimit = l }
func (c *peerConn) PeerHandle() peerlist.Handle       { return c.handle }
func (c *peerConn) SetPeerHandle(h peerlist.Handle)   { c.handle = h }

func (c *peerConn) Statistics() (uint64, uint64) {
	return c.uploaded, c.downloaded
}

func (c *peerConn) AddStatistics(uploaded, downloaded uint64) {
	c.uploaded += uploaded
	c.downloaded += downloaded
}

// Disconnect cancels the dial or session. The run loop learns about it when
// the goroutine reports back.
func (c *peerConn) Disconnect(reason error) {
	if c.reason == nil {
		c.reason = reason
	}
	c.cancel()
}
