// Package swarmtest provides an in-memory network of peers for exercising the
// swarm package without sockets.
package swarmtest

import (
	"context"
	"errors"
	"math/rand"
	"net/netip"
	"sync"

	"github.com/mroth/weightedrand"

	"github.com/tendermint/peerpolicy/internal/peerlist"
	"github.com/tendermint/peerpolicy/internal/swarm"
)

// ErrRefused is returned by Dial for peers that refuse connections.
var ErrRefused = errors.New("connection refused")

// Outcome is what happens when a peer is dialed.
type Outcome int

const (
	// Connect completes the dial with a session.
	Connect Outcome = iota
	// Refuse fails the dial immediately.
	Refuse
	// Hang blocks the dial until it is canceled.
	Hang
)

func (o Outcome) String() string {
	switch o {
	case Connect:
		return "connect"
	case Refuse:
		return "refuse"
	case Hang:
		return "hang"
	default:
		return "unknown"
	}
}

// Weights are the relative odds of each outcome for peers without a fixed
// outcome.
type Weights struct {
	Connect uint
	Refuse  uint
	Hang    uint
}

// Network is a Dialer whose peers behave according to fixed or random
// outcomes. It is safe for concurrent use.
type Network struct {
	local      netip.Addr
	listenPort uint16

	mtx      sync.Mutex
	rand     *rand.Rand
	chooser  *weightedrand.Chooser
	outcomes map[peerlist.Endpoint]Outcome
	seeds    map[peerlist.Endpoint]bool
	dials    map[peerlist.Endpoint]int
	sessions map[*Session]struct{}
	nextPort uint16

	// Bytes reported by every session when it ends.
	Uploaded   uint64
	Downloaded uint64
}

var _ swarm.Dialer = (*Network)(nil)

// NewNetwork creates a network in which we have address local and listen on
// listenPort. Random outcomes are drawn from a source seeded with seed.
func NewNetwork(local netip.Addr, listenPort uint16, seed int64, w Weights) (*Network, error) {
	chooser, err := weightedrand.NewChooser(
		weightedrand.NewChoice(Connect, w.Connect),
		weightedrand.NewChoice(Refuse, w.Refuse),
		weightedrand.NewChoice(Hang, w.Hang),
	)
	if err != nil {
		return nil, err
	}
	return &Network{
		local:      local,
		listenPort: listenPort,
		rand:       rand.New(rand.NewSource(seed)),
		chooser:    chooser,
		outcomes:   map[peerlist.Endpoint]Outcome{},
		seeds:      map[peerlist.Endpoint]bool{},
		dials:      map[peerlist.Endpoint]int{},
		sessions:   map[*Session]struct{}{},
		nextPort:   40000,
	}, nil
}

// SetOutcome fixes the outcome of dials to ep.
func (n *Network) SetOutcome(ep peerlist.Endpoint, o Outcome) {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	n.outcomes[ep] = o
}

// SetSeed makes the peer at ep announce itself as a seed.
func (n *Network) SetSeed(ep peerlist.Endpoint, seed bool) {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	n.seeds[ep] = seed
}

// Dial implements swarm.Dialer.
func (n *Network) Dial(ctx context.Context, ep peerlist.Endpoint) (swarm.Session, error) {
	n.mtx.Lock()
	n.dials[ep]++
	o, ok := n.outcomes[ep]
	if !ok {
		o = n.chooser.PickSource(n.rand).(Outcome)
	}
	var s *Session
	if o == Connect {
		s = n.newSession(ep, peerlist.NewEndpoint(n.local, n.nextPort), 0, n.seeds[ep])
		n.nextPort++
	}
	n.mtx.Unlock()

	switch o {
	case Refuse:
		return nil, ErrRefused
	case Hang:
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return s, nil
}

// Incoming creates a session for a peer at remote connecting to us. The
// peer announces listenPort in its handshake, if non-zero.
func (n *Network) Incoming(remote peerlist.Endpoint, listenPort uint16, seed bool) *Session {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	return n.newSession(remote, peerlist.NewEndpoint(n.local, n.listenPort), listenPort, seed)
}

func (n *Network) newSession(remote, local peerlist.Endpoint, listenPort uint16, seed bool) *Session {
	s := &Session{
		network:    n,
		remote:     remote,
		local:      local,
		listenPort: listenPort,
		seed:       seed,
		uploaded:   n.Uploaded,
		downloaded: n.Downloaded,
		end:        make(chan error, 1),
	}
	n.sessions[s] = struct{}{}
	return s
}

func (n *Network) release(s *Session) {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	delete(n.sessions, s)
}

// Dials returns the number of times ep was dialed.
func (n *Network) Dials(ep peerlist.Endpoint) int {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	return n.dials[ep]
}

// TotalDials returns the number of dials to any peer.
func (n *Network) TotalDials() int {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	total := 0
	for _, c := range n.dials {
		total += c
	}
	return total
}

// Sessions returns the sessions that have not ended, to any peer.
func (n *Network) Sessions() []*Session {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	sessions := make([]*Session, 0, len(n.sessions))
	for s := range n.sessions {
		sessions = append(sessions, s)
	}
	return sessions
}

// Session is an in-memory swarm.Session. It runs until End is called or its
// context is canceled.
type Session struct {
	network    *Network
	remote     peerlist.Endpoint
	local      peerlist.Endpoint
	listenPort uint16
	seed       bool
	uploaded   uint64
	downloaded uint64
	end        chan error
}

var _ swarm.Session = (*Session)(nil)

func (s *Session) RemoteEndpoint() peerlist.Endpoint { return s.remote }
func (s *Session) LocalEndpoint() peerlist.Endpoint  { return s.local }
func (s *Session) ListenPort() uint16                { return s.listenPort }
func (s *Session) Seed() bool                        { return s.seed }

// Run implements swarm.Session.
func (s *Session) Run(ctx context.Context) (uint64, uint64, error) {
	defer s.network.release(s)
	select {
	case err := <-s.end:
		return s.uploaded, s.downloaded, err
	case <-ctx.Done():
		return s.uploaded, s.downloaded, ctx.Err()
	}
}

// End ends the session as if the peer went away, with err as the reason. A
// nil err is a clean close.
func (s *Session) End(err error) {
	select {
	case s.end <- err:
	default:
	}
}

// Close implements swarm.Session.
func (s *Session) Close() error {
	s.network.release(s)
	return nil
}
